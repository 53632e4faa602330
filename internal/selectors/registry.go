// Package selectors holds the per-university selector profiles used by the
// extractor and the multi-page crawler. Profiles are compiled into the binary
// and read-only at runtime.
package selectors

import (
	_ "embed"
	"fmt"
	"io"
	"net/url"
	"regexp"
	"strings"

	"go.yaml.in/yaml/v3"
)

//go:embed profiles.yaml
var embeddedProfiles []byte

// ProfessorSelectors are CSS selectors for professor fields.
type ProfessorSelectors struct {
	Name   string `yaml:"name"`
	Email  string `yaml:"email"`
	Title  string `yaml:"title"`
	Office string `yaml:"office"`
}

// LabSelectors are CSS selectors for laboratory fields.
type LabSelectors struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Members     string `yaml:"members"`
	Link        string `yaml:"link"`
}

// Profile is the selector bundle for one university.
type Profile struct {
	ID                     string             `yaml:"id"`
	Name                   string             `yaml:"name"`
	Aliases                []string           `yaml:"aliases"`
	Domains                []string           `yaml:"domains"`
	ProfessorSelectors     ProfessorSelectors `yaml:"professor_selectors"`
	LabSelectors           LabSelectors       `yaml:"lab_selectors"`
	ProfessorLinkSelectors []string           `yaml:"professor_link_selectors"`
	ProfessorNamePatterns  []string           `yaml:"professor_name_patterns"`
	LabKeywords            []string           `yaml:"lab_keywords"`
	ProfessorLinkKeywords  []string           `yaml:"professor_link_keywords"`
	RequiresJSRendering    bool               `yaml:"requires_js_rendering"`
	MultiPageCrawl         bool               `yaml:"multi_page_crawl"`
	NotFoundMarkers        []string           `yaml:"not_found_markers"`
	WaitSelector           string             `yaml:"wait_selector"`

	namePatterns []*regexp.Regexp
}

// NamePatterns returns the compiled professor_name_patterns.
func (p *Profile) NamePatterns() []*regexp.Regexp {
	return p.namePatterns
}

type document struct {
	Default  Profile   `yaml:"default"`
	Profiles []Profile `yaml:"profiles"`
}

// Registry looks up profiles by university id, name or URL host.
type Registry struct {
	fallback Profile
	profiles []Profile
}

// Default loads the embedded profiles.
func Default() (*Registry, error) {
	return Parse(embeddedProfiles)
}

// Load reads a profile document from r.
func Load(r io.Reader) (*Registry, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read profiles: %w", err)
	}
	return Parse(raw)
}

// Parse decodes a YAML profile document and compiles its patterns.
func Parse(raw []byte) (*Registry, error) {
	var doc document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode profiles: %w", err)
	}
	if doc.Default.ID == "" {
		doc.Default.ID = "default"
	}
	if err := compile(&doc.Default); err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(doc.Profiles))
	for i := range doc.Profiles {
		p := &doc.Profiles[i]
		if strings.TrimSpace(p.ID) == "" {
			return nil, fmt.Errorf("profile %d: id is required", i)
		}
		key := strings.ToLower(p.ID)
		if _, dup := seen[key]; dup {
			return nil, fmt.Errorf("profile %q: duplicate id", p.ID)
		}
		seen[key] = struct{}{}
		inheritDefaults(p, doc.Default)
		if err := compile(p); err != nil {
			return nil, err
		}
	}
	return &Registry{fallback: doc.Default, profiles: doc.Profiles}, nil
}

// Fallback returns the generic profile used when nothing matches.
func (r *Registry) Fallback() Profile {
	return r.fallback
}

// ByUniversity matches id, display name or an alias, case-insensitively.
func (r *Registry) ByUniversity(university string) (Profile, bool) {
	key := strings.ToLower(strings.TrimSpace(university))
	if key == "" {
		return Profile{}, false
	}
	for _, p := range r.profiles {
		if strings.ToLower(p.ID) == key || strings.ToLower(p.Name) == key {
			return p, true
		}
		for _, alias := range p.Aliases {
			if strings.ToLower(alias) == key {
				return p, true
			}
		}
	}
	return Profile{}, false
}

// ByURL matches a profile whose domain is a substring of the URL host.
func (r *Registry) ByURL(rawURL string) (Profile, bool) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return Profile{}, false
	}
	host := strings.ToLower(u.Hostname())
	for _, p := range r.profiles {
		for _, d := range p.Domains {
			if d != "" && strings.Contains(host, strings.ToLower(d)) {
				return p, true
			}
		}
	}
	return Profile{}, false
}

// Lookup tries the university first, then the URL host, then the fallback.
func (r *Registry) Lookup(university, rawURL string) Profile {
	if p, ok := r.ByUniversity(university); ok {
		return p
	}
	if p, ok := r.ByURL(rawURL); ok {
		return p
	}
	return r.fallback
}

// IDs lists the registered profile ids in file order.
func (r *Registry) IDs() []string {
	out := make([]string, 0, len(r.profiles))
	for _, p := range r.profiles {
		out = append(out, p.ID)
	}
	return out
}

func inheritDefaults(p *Profile, def Profile) {
	if len(p.LabKeywords) == 0 {
		p.LabKeywords = def.LabKeywords
	}
	if len(p.ProfessorLinkKeywords) == 0 {
		p.ProfessorLinkKeywords = def.ProfessorLinkKeywords
	}
	p.NotFoundMarkers = append(append([]string(nil), def.NotFoundMarkers...), p.NotFoundMarkers...)
}

func compile(p *Profile) error {
	p.namePatterns = p.namePatterns[:0]
	for _, expr := range p.ProfessorNamePatterns {
		re, err := regexp.Compile(expr)
		if err != nil {
			return fmt.Errorf("profile %q: professor_name_patterns %q: %w", p.ID, expr, err)
		}
		p.namePatterns = append(p.namePatterns, re)
	}
	return nil
}

package extract

import (
	"regexp"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/academic-crawl-pipeline/internal/crawler"
	"github.com/JakeFAU/academic-crawl-pipeline/internal/selectors"
)

const (
	minLabClause = 10
	maxLabClause = 500
	maxLabName   = 120
)

var defaultLabKeywords = []string{"laboratory", "lab", "research group", "research center", "연구실", "연구소", "랩"}

// labMatcher holds the keyword regexps built for one extraction.
type labMatcher struct {
	any     *regexp.Regexp
	english *regexp.Regexp
	korean  *regexp.Regexp
	bare    map[string]struct{}
}

func newLabMatcher(keywords []string) labMatcher {
	if len(keywords) == 0 {
		keywords = defaultLabKeywords
	}
	var ascii, hangul []string
	bare := map[string]struct{}{}
	for _, k := range keywords {
		k = strings.ToLower(strings.TrimSpace(k))
		switch {
		case k == "":
		case isHangul(k):
			hangul = append(hangul, regexp.QuoteMeta(k))
			bare[k] = struct{}{}
		default:
			ascii = append(ascii, regexp.QuoteMeta(k))
		}
	}
	// Longest first so "laboratory" wins over "lab".
	byLen := func(s []string) {
		sort.SliceStable(s, func(i, j int) bool { return len(s[i]) > len(s[j]) })
	}
	byLen(ascii)
	byLen(hangul)

	m := labMatcher{bare: bare}
	var anyParts []string
	if len(ascii) > 0 {
		alt := strings.Join(ascii, "|")
		anyParts = append(anyParts, `(?i:\b(?:`+alt+`))`)
		m.english = regexp.MustCompile(`((?:[A-Z][\w&'\-]*\s+){1,5})((?i:` + alt + `)[a-z]*)\b`)
	}
	if len(hangul) > 0 {
		alt := strings.Join(hangul, "|")
		anyParts = append(anyParts, `(?:`+alt+`)`)
		m.korean = regexp.MustCompile(`(?:[가-힣A-Za-z0-9]+\s)?[가-힣A-Za-z0-9]*(?:` + alt + `)`)
	}
	if len(anyParts) > 0 {
		m.any = regexp.MustCompile(strings.Join(anyParts, "|"))
	}
	return m
}

func (m labMatcher) matches(text string) bool {
	return m.any != nil && m.any.MatchString(text)
}

func (m labMatcher) names(clause string) []string {
	var out []string
	if m.english != nil {
		for _, sub := range m.english.FindAllStringSubmatch(clause, -1) {
			if name := trimArticles(collapse(sub[1] + sub[2])); strings.Contains(name, " ") {
				out = append(out, name)
			}
		}
	}
	if m.korean != nil {
		for _, match := range m.korean.FindAllString(clause, -1) {
			if !m.isBareKeyword(match) {
				out = append(out, collapse(match))
			}
		}
	}
	return out
}

func (m labMatcher) isBareKeyword(s string) bool {
	_, ok := m.bare[strings.TrimSpace(s)]
	return ok
}

func (e *Extractor) labsBySelector(doc *goquery.Document, baseURL string, profile *selectors.Profile) []crawler.Laboratory {
	if profile == nil || profile.LabSelectors.Name == "" {
		return nil
	}
	sel := profile.LabSelectors
	var out []crawler.Laboratory
	doc.Find(sel.Name).Each(func(_ int, s *goquery.Selection) {
		name := spacedText(s)
		if name == "" || len([]rune(name)) > maxLabName {
			return
		}
		parent := s.Parent()
		lab := crawler.Laboratory{
			Name:             name,
			Description:      fieldText(parent, sel.Description),
			Members:          splitList(fieldText(parent, sel.Members)),
			ExtractionMethod: crawler.MethodCSS,
			Confidence:       ConfidenceCSS,
		}
		link := s
		if sel.Link != "" {
			link = parent.Find(sel.Link).First()
		}
		if href, ok := anchorHref(link); ok {
			lab.URL = resolve(baseURL, href)
		}
		out = append(out, lab)
	})
	return out
}

func (e *Extractor) labsByKeyword(blocks []string, m labMatcher) []crawler.Laboratory {
	var out []crawler.Laboratory
	for _, block := range blocks {
		for _, clause := range splitSentences(block) {
			n := len([]rune(clause))
			if n < minLabClause || n > maxLabClause || !m.matches(clause) {
				continue
			}
			for _, name := range m.names(clause) {
				if len([]rune(name)) > maxLabName {
					continue
				}
				out = append(out, crawler.Laboratory{
					Name:             name,
					Description:      clause,
					ExtractionMethod: crawler.MethodKeyword,
					Confidence:       ConfidenceKeyword,
				})
			}
		}
	}
	return out
}

func (e *Extractor) labsByHeading(doc *goquery.Document, baseURL string, m labMatcher) []crawler.Laboratory {
	var out []crawler.Laboratory
	doc.Find("h2, h3, h4").Each(func(_ int, h *goquery.Selection) {
		name := spacedText(h)
		if name == "" || len([]rune(name)) > maxLabName || !m.matches(name) {
			return
		}
		lab := crawler.Laboratory{
			Name:             name,
			Description:      spacedText(h.NextAllFiltered("p").First()),
			ExtractionMethod: crawler.MethodHeading,
			Confidence:       ConfidenceHeading,
		}
		if href, ok := anchorHref(h); ok {
			lab.URL = resolve(baseURL, href)
		}
		out = append(out, lab)
	})
	return out
}

var leadingArticles = map[string]struct{}{"the": {}, "our": {}, "a": {}, "an": {}, "welcome": {}, "to": {}, "visit": {}, "at": {}}

func trimArticles(name string) string {
	fields := strings.Fields(name)
	for len(fields) > 1 {
		if _, ok := leadingArticles[strings.ToLower(fields[0])]; !ok {
			break
		}
		fields = fields[1:]
	}
	return strings.Join(fields, " ")
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ';' || r == '\n' || r == '·'
	})
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = collapse(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

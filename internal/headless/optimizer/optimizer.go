// Package optimizer decides whether a fetched page must be re-fetched with a
// headless browser. It inspects HTML only and never performs I/O.
package optimizer

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// RenderTime is a coarse estimate of headless render cost.
type RenderTime string

// Render time buckets.
const (
	RenderLow    RenderTime = "low"
	RenderMedium RenderTime = "medium"
	RenderHigh   RenderTime = "high"
)

// DefaultThreshold is the score a page must exceed to need rendering.
const DefaultThreshold = 2

const minTextChars = 200

// Decision is the outcome of Analyze.
type Decision struct {
	NeedsRender  bool       `json:"needs_render"`
	Score        int        `json:"score"`
	Reason       string     `json:"reason"`
	Reasons      []string   `json:"reasons,omitempty"`
	RenderTime   RenderTime `json:"render_time"`
	ScriptCount  int        `json:"script_count"`
	APICallCount int        `json:"api_call_count"`
	TextChars    int        `json:"text_chars"`
	ImageCount   int        `json:"image_count"`
}

// Optimizer scores HTML for client-side rendering signals.
type Optimizer struct {
	threshold int
	// hints shifts the score for hosts containing the key.
	hints map[string]int
}

// New returns an Optimizer. A threshold <= 0 uses DefaultThreshold.
func New(threshold int, hints map[string]int) *Optimizer {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	h := make(map[string]int, len(hints))
	for k, v := range hints {
		h[strings.ToLower(k)] = v
	}
	return &Optimizer{threshold: threshold, hints: h}
}

var (
	apiCallPattern = regexp.MustCompile(`(?i)(\$\.ajax|\$\.get\(|\$\.post\(|\bfetch\s*\(|xmlhttprequest|axios\.)`)
	frameworkMarks = map[string][]string{
		"React":   {"data-reactroot", "react-dom", "__next", `id="root"`, "_reactlistening"},
		"Vue":     {"data-v-", "vue.js", "vue.min.js", "__vue__", "v-cloak"},
		"Angular": {"ng-app", "ng-version", "angular.js", "angular.min.js", "ng-controller"},
	}
	dataBlobMarks = []string{"__next_data__", "__initial_state__", "__nuxt__", "data-props=", "data-state=", "data-json="}
)

// Analyze scores html and decides whether a headless render is needed. domain
// may be a host or URL; it is matched against configured hints. extraHint is
// added as-is, letting callers pass profile-level rendering flags.
func (o *Optimizer) Analyze(html, domain string, extraHint int) Decision {
	lower := strings.ToLower(html)
	d := Decision{}
	score := 0

	if strings.Contains(lower, "document.write") {
		score += 2
		d.Reasons = append(d.Reasons, "uses document.write")
	}
	d.APICallCount = len(apiCallPattern.FindAllStringIndex(html, -1))
	if d.APICallCount > 0 {
		score += 2
		d.Reasons = append(d.Reasons, "loads content via ajax/fetch")
	}
	for _, name := range []string{"React", "Vue", "Angular"} {
		if containsAny(lower, frameworkMarks[name]) {
			score += 3
			d.Reasons = append(d.Reasons, name+" framework detected")
			break
		}
	}
	if containsAny(lower, dataBlobMarks) {
		score++
		d.Reasons = append(d.Reasons, "embedded data blob")
	}

	d.ScriptCount, d.ImageCount, d.TextChars = documentCounts(html)
	if d.ImageCount > 0 && d.TextChars < minTextChars {
		score += 2
		d.Reasons = append(d.Reasons, "image-heavy page with little text")
	}
	if d.ScriptCount > 0 && d.TextChars == 0 {
		score++
		d.Reasons = append(d.Reasons, "scripts with empty body text")
	}
	if shift := o.hintFor(domain) + extraHint; shift != 0 {
		score += shift
		d.Reasons = append(d.Reasons, "domain hint")
	}

	d.Score = score
	d.NeedsRender = score > o.threshold
	d.RenderTime = estimateRenderTime(d.ScriptCount, d.APICallCount)
	if d.NeedsRender {
		d.Reason = strings.Join(d.Reasons, "; ")
	} else {
		d.Reason = "static content"
	}
	return d
}

func (o *Optimizer) hintFor(domain string) int {
	domain = strings.ToLower(domain)
	if domain == "" {
		return 0
	}
	shift := 0
	for key, v := range o.hints {
		if strings.Contains(domain, key) {
			shift += v
		}
	}
	return shift
}

func documentCounts(html string) (scripts, images, textChars int) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return 0, 0, len(strings.TrimSpace(html))
	}
	scripts = doc.Find("script").Length()
	images = doc.Find("img").Length()
	body := doc.Find("body").Clone()
	body.Find("script, style, noscript").Remove()
	text := strings.Join(strings.Fields(body.Text()), " ")
	return scripts, images, len([]rune(text))
}

func estimateRenderTime(scripts, apiCalls int) RenderTime {
	weight := scripts + 2*apiCalls
	switch {
	case weight < 5:
		return RenderLow
	case weight < 15:
		return RenderMedium
	default:
		return RenderHigh
	}
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

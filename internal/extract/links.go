package extract

import (
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/academic-crawl-pipeline/internal/crawler"
	"github.com/JakeFAU/academic-crawl-pipeline/internal/selectors"
)

var (
	defaultLinkKeywords = []string{"professor", "faculty", "people", "members", "profile", "교수", "교원", "구성원"}
	documentSuffixes    = []string{".png", ".jpg", ".jpeg", ".gif", ".svg", ".webp", ".pdf", ".zip", ".doc", ".docx", ".hwp"}
)

func (e *Extractor) professorLinks(doc *goquery.Document, baseURL string, profile *selectors.Profile) []crawler.ProfessorLink {
	seen := map[string]struct{}{}
	if base, err := crawler.NormalizeURL(baseURL); err == nil {
		seen[base] = struct{}{}
	}
	var out []crawler.ProfessorLink
	add := func(a *goquery.Selection, method string, confidence float64) {
		href, ok := a.Attr("href")
		if !ok || !followable(href) {
			return
		}
		abs := resolve(baseURL, href)
		key, err := crawler.NormalizeURL(abs)
		if err != nil || !strings.HasPrefix(key, "http") {
			return
		}
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		out = append(out, crawler.ProfessorLink{
			URL:              abs,
			Text:             spacedText(a),
			ExtractionMethod: method,
			Confidence:       confidence,
		})
	}

	if profile != nil {
		for _, sel := range profile.ProfessorLinkSelectors {
			doc.Find(sel).Each(func(_ int, s *goquery.Selection) {
				if goquery.NodeName(s) == "a" {
					add(s, crawler.MethodProfileLink, ConfidenceProfileLink)
					return
				}
				s.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
					add(a, crawler.MethodProfileLink, ConfidenceProfileLink)
				})
			})
		}
	}
	if len(out) > 0 {
		return out
	}

	keywords := defaultLinkKeywords
	if profile != nil && len(profile.ProfessorLinkKeywords) > 0 {
		keywords = lowerAll(profile.ProfessorLinkKeywords)
	}
	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href := strings.ToLower(a.AttrOr("href", ""))
		text := strings.ToLower(spacedText(a))
		if containsAny(text, keywords) || containsAny(href, keywords) {
			add(a, crawler.MethodLinkKeyword, ConfidenceLinkKeyword)
		}
	})
	return out
}

func followable(href string) bool {
	h := strings.ToLower(strings.TrimSpace(href))
	switch {
	case h == "", strings.HasPrefix(h, "#"):
		return false
	case strings.HasPrefix(h, "mailto:"), strings.HasPrefix(h, "tel:"), strings.HasPrefix(h, "javascript:"):
		return false
	}
	for _, s := range documentSuffixes {
		if strings.HasSuffix(h, s) {
			return false
		}
	}
	return true
}

func resolve(baseURL, href string) string {
	abs, err := crawler.ResolveURL(baseURL, href)
	if err != nil {
		return strings.TrimSpace(href)
	}
	return abs
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

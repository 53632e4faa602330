package extract

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/academic-crawl-pipeline/internal/crawler"
	"github.com/JakeFAU/academic-crawl-pipeline/internal/selectors"
)

const (
	emailWindowBefore = 300
	emailWindowAfter  = 100
	maxClauseChars    = 200
)

var structuredKeywords = []string{"professor", "faculty", "교수", "교원"}

func (e *Extractor) professorsBySelector(doc *goquery.Document, baseURL string, profile *selectors.Profile) []crawler.Professor {
	if profile == nil || profile.ProfessorSelectors.Name == "" {
		return nil
	}
	sel := profile.ProfessorSelectors
	var out []crawler.Professor
	doc.Find(sel.Name).Each(func(_ int, s *goquery.Selection) {
		name := stripRank(spacedText(s))
		if name == "" || len([]rune(name)) > 60 {
			return
		}
		parent := s.Parent()
		p := crawler.Professor{
			Name:             name,
			Email:            emailIn(parent, sel.Email),
			Title:            fieldText(parent, sel.Title),
			Office:           fieldText(parent, sel.Office),
			ExtractionMethod: crawler.MethodCSS,
			Confidence:       ConfidenceCSS,
		}
		if href, ok := anchorHref(s); ok {
			p.ProfileURL = resolve(baseURL, href)
		}
		out = append(out, p)
	})
	return out
}

// professorsByEmail scans the raw markup so addresses inside mailto links are
// found too, then looks for the nearest name around each address.
func (e *Extractor) professorsByEmail(raw string) []crawler.Professor {
	var out []crawler.Professor
	seen := map[string]struct{}{}
	for _, loc := range emailPattern.FindAllStringIndex(raw, -1) {
		email := raw[loc[0]:loc[1]]
		key := strings.ToLower(email)
		if _, dup := seen[key]; dup || !validEmail(email) {
			continue
		}
		before := stripTags(runeWindow(raw, loc[0]-emailWindowBefore, loc[0]))
		after := stripTags(runeWindow(raw, loc[1], loc[1]+emailWindowAfter))
		// The address itself may reappear as link text right after the href.
		after = strings.TrimSpace(strings.TrimPrefix(after, email))

		best, ok := nearestName(before, after)
		if !ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, crawler.Professor{
			Name:             best.name,
			Email:            email,
			Title:            best.title,
			ExtractionMethod: crawler.MethodEmail,
			Confidence:       ConfidenceEmail,
		})
	}
	return out
}

type nameCandidate struct {
	name     string
	title    string
	distance int
	titled   bool
}

func nearestName(before, after string) (nameCandidate, bool) {
	var cands []nameCandidate
	collect := func(text string, fromEnd bool) {
		add := func(name, title string, start, end int, titled bool) {
			clean, ok := cleanName(name)
			if !ok {
				return
			}
			d := start
			if fromEnd {
				d = len(text) - end
			}
			cands = append(cands, nameCandidate{name: clean, title: title, distance: d, titled: titled})
		}
		for _, m := range titledEnglishName.FindAllStringSubmatchIndex(text, -1) {
			add(text[m[2]:m[3]], "Professor", m[0], m[1], true)
		}
		for _, re := range []*regexp.Regexp{titledKoreanAfter, titledKoreanFirst} {
			for _, m := range re.FindAllStringSubmatchIndex(text, -1) {
				add(text[m[2]:m[3]], "교수", m[0], m[1], true)
			}
		}
		for _, m := range englishName.FindAllStringIndex(text, -1) {
			add(text[m[0]:m[1]], "", m[0], m[1], false)
		}
		for _, m := range hangulRun.FindAllStringIndex(text, -1) {
			add(text[m[0]:m[1]], "", m[0], m[1], false)
		}
	}
	collect(before, true)
	collect(after, false)

	if len(cands) == 0 {
		return nameCandidate{}, false
	}
	best := cands[0]
	for _, c := range cands[1:] {
		if c.distance < best.distance || (c.distance == best.distance && c.titled && !best.titled) {
			best = c
		}
	}
	return best, true
}

func (e *Extractor) professorsByTitleKeyword(blocks []string, profile *selectors.Profile) []crawler.Professor {
	var out []crawler.Professor
	for _, block := range blocks {
		for _, clause := range splitClauses(block) {
			if len([]rune(clause)) > maxClauseChars {
				continue
			}
			rank := rankPattern.FindString(clause)
			if rank == "" {
				continue
			}
			name, ok := nameInClause(clause, profile)
			if !ok {
				continue
			}
			p := crawler.Professor{
				Name:             name,
				Title:            canonicalRank(rank),
				ExtractionMethod: crawler.MethodTitleKeyword,
				Confidence:       ConfidenceTitleKeyword,
			}
			if email := emailPattern.FindString(clause); email != "" && validEmail(email) {
				p.Email = email
			}
			out = append(out, p)
		}
	}
	return out
}

func nameInClause(clause string, profile *selectors.Profile) (string, bool) {
	if profile != nil {
		for _, re := range profile.NamePatterns() {
			if m := re.FindString(clause); m != "" {
				if name, ok := cleanName(stripRank(m)); ok {
					return name, true
				}
			}
		}
	}
	for _, re := range []*regexp.Regexp{titledEnglishName, titledKoreanAfter, titledKoreanFirst} {
		if m := re.FindStringSubmatch(clause); m != nil {
			if name, ok := cleanName(m[1]); ok {
				return name, true
			}
		}
	}
	for _, m := range englishName.FindAllString(clause, -1) {
		if name, ok := cleanName(m); ok {
			return name, true
		}
	}
	for _, m := range hangulRun.FindAllString(clause, -1) {
		if name, ok := cleanName(m); ok {
			return name, true
		}
	}
	return "", false
}

func (e *Extractor) professorsByTable(doc *goquery.Document) []crawler.Professor {
	var out []crawler.Professor
	doc.Find("table tr").Each(func(_ int, row *goquery.Selection) {
		text := spacedText(row)
		lower := strings.ToLower(text)
		if !containsAny(lower, structuredKeywords) {
			return
		}
		var name string
		row.Find("td, th").EachWithBreak(func(_ int, cell *goquery.Selection) bool {
			if n, ok := cleanName(stripRank(spacedText(cell))); ok && !strings.Contains(n, "@") {
				name = n
				return false
			}
			return true
		})
		if name == "" {
			return
		}
		p := crawler.Professor{
			Name:             name,
			Email:            emailIn(row, ""),
			ExtractionMethod: crawler.MethodStructured,
			Confidence:       ConfidenceStructured,
		}
		if rank := rankPattern.FindString(text); rank != "" {
			p.Title = canonicalRank(rank)
		}
		out = append(out, p)
	})
	return out
}

// emailIn finds an address under s, preferring the given selector, then a
// mailto link, then any address in the text.
func emailIn(s *goquery.Selection, selector string) string {
	if selector != "" {
		field := s.Find(selector).First()
		if href, ok := field.Attr("href"); ok {
			if m := emailPattern.FindString(href); m != "" {
				return m
			}
		}
		if m := emailPattern.FindString(spacedText(field)); m != "" {
			return m
		}
	}
	if href, ok := s.Find(`a[href^="mailto:"]`).First().Attr("href"); ok {
		if m := emailPattern.FindString(href); m != "" {
			return m
		}
	}
	if m := emailPattern.FindString(spacedText(s)); m != "" && validEmail(m) {
		return m
	}
	return ""
}

func fieldText(s *goquery.Selection, selector string) string {
	if selector == "" {
		return ""
	}
	return spacedText(s.Find(selector).First())
}

func anchorHref(s *goquery.Selection) (string, bool) {
	if goquery.NodeName(s) == "a" {
		return s.Attr("href")
	}
	return s.Find("a[href]").First().Attr("href")
}

func stripRank(s string) string {
	return collapse(rankPattern.ReplaceAllString(s, " "))
}

func canonicalRank(rank string) string {
	switch strings.ToLower(strings.TrimSpace(rank)) {
	case "prof.", "professor", "full professor":
		return "Professor"
	case "associate professor":
		return "Associate Professor"
	case "assistant professor":
		return "Assistant Professor"
	case "research professor":
		return "Research Professor"
	case "professor emeritus":
		return "Professor Emeritus"
	case "lecturer":
		return "Lecturer"
	default:
		return strings.TrimSpace(rank)
	}
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if n != "" && strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

package extract

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/academic-crawl-pipeline/internal/crawler"
)

const (
	minTitleChars  = 20
	maxTitleChars  = 300
	minTitleSpaces = 2
	maxTitleSpaces = 30
	shortLinkText  = 10
)

var (
	// Smith, A., Lee, B., 2023, Title, Venue
	citationComma = regexp.MustCompile(
		`([A-Z][A-Za-z'\-]+,\s*(?:[A-Z]\.\s*)+(?:,?\s*(?:and|&)?\s*[A-Z][A-Za-z'\-]+,\s*(?:[A-Z]\.\s*)+)*),\s*((?:19|20)\d{2}),\s*([^,]{2,300}),\s*([^.;]{2,200})`)
	// Smith, A., & Lee, B. (2023). Title. Venue.
	citationAPA = regexp.MustCompile(
		`([A-Z][A-Za-z'\-]+(?:,\s*(?:[A-Z]\.\s*)+)?(?:(?:,|,?\s*(?:and|&))\s*[A-Z][A-Za-z'\-]+(?:,\s*(?:[A-Z]\.\s*)+)?)*)\s*\(((?:19|20)\d{2})\)\.\s*([^.]{5,300})\.\s*([^.]{2,200})`)
	authorPattern = regexp.MustCompile(`[A-Z][A-Za-z'\-]+(?:,\s*(?:[A-Z]\.\s*)+)?`)
	doiPattern    = regexp.MustCompile(`\b10\.\d{4,9}/[^\s"<>]+`)

	academicHosts = []string{"pdf", "arxiv", "acm.org", "ieee.org", "springer", "sciencedirect"}
)

func (e *Extractor) papersFromBlocks(blocks []string) []crawler.Paper {
	var out []crawler.Paper
	for _, block := range blocks {
		if cites := citations(block); len(cites) > 0 {
			out = append(out, cites...)
			continue
		}
		out = append(out, titlePatternPapers(block)...)
	}
	return out
}

func citations(block string) []crawler.Paper {
	var out []crawler.Paper
	for _, re := range []*regexp.Regexp{citationComma, citationAPA} {
		for _, m := range re.FindAllStringSubmatch(block, -1) {
			title := strings.Trim(collapse(m[3]), ` "'“”`)
			if title == "" {
				continue
			}
			year, _ := strconv.Atoi(m[2])
			p := crawler.Paper{
				Title:            title,
				Authors:          splitAuthors(m[1]),
				Year:             year,
				Venue:            strings.TrimRight(collapse(m[4]), " ,"),
				FullText:         block,
				ExtractionMethod: crawler.MethodCitation,
				Confidence:       ConfidenceCitation,
			}
			p.DOI = doiPattern.FindString(block)
			out = append(out, p)
		}
		if len(out) > 0 {
			return out
		}
	}
	return out
}

func splitAuthors(s string) []string {
	matches := authorPattern.FindAllString(s, -1)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		if a := strings.TrimSpace(m); a != "" {
			out = append(out, a)
		}
	}
	return out
}

func titlePatternPapers(block string) []crawler.Paper {
	var out []crawler.Paper
	for _, sentence := range splitSentences(block) {
		if strings.Contains(sentence, "@") || strings.Contains(strings.ToLower(sentence), "http") {
			continue
		}
		title := strings.TrimRight(sentence, ".!? ")
		if !looksLikeTitle(title) {
			continue
		}
		out = append(out, crawler.Paper{
			Title:            title,
			FullText:         block,
			ExtractionMethod: crawler.MethodTitlePattern,
			Confidence:       ConfidenceTitlePattern,
		})
	}
	return out
}

func looksLikeTitle(s string) bool {
	n := utf8.RuneCountInString(s)
	if n < minTitleChars || n > maxTitleChars {
		return false
	}
	first, _ := utf8.DecodeRuneInString(s)
	if !unicode.IsUpper(first) {
		return false
	}
	spaces := strings.Count(s, " ")
	return spaces >= minTitleSpaces && spaces <= maxTitleSpaces
}

func (e *Extractor) papersFromLinks(doc *goquery.Document, baseURL string) []crawler.Paper {
	var out []crawler.Paper
	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		if !containsAny(strings.ToLower(href), academicHosts) {
			return
		}
		title := linkTitle(a)
		if title == "" {
			return
		}
		out = append(out, crawler.Paper{
			Title:            title,
			URL:              resolve(baseURL, href),
			DOI:              doiPattern.FindString(href),
			FullText:         spacedText(a.Parent()),
			ExtractionMethod: crawler.MethodAcademicLink,
			Confidence:       ConfidenceAcademicLink,
		})
	})
	return out
}

// linkTitle prefers the anchor text; short labels like "[PDF]" fall back to
// the title attribute or the surrounding text.
func linkTitle(a *goquery.Selection) string {
	text := spacedText(a)
	if utf8.RuneCountInString(text) >= shortLinkText {
		return truncateRunes(text, maxTitleChars)
	}
	if t := collapse(a.AttrOr("title", "")); utf8.RuneCountInString(t) >= shortLinkText {
		return truncateRunes(t, maxTitleChars)
	}
	parent := spacedText(a.Parent())
	if text != "" {
		parent = collapse(strings.ReplaceAll(parent, text, " "))
	}
	parent = strings.Trim(parent, " []()-–|")
	if n := utf8.RuneCountInString(parent); n >= shortLinkText && n <= maxTitleChars {
		return parent
	}
	return ""
}

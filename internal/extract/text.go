package extract

import (
	"html"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
)

var (
	emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	tagPattern   = regexp.MustCompile(`<[^>]*>`)
	spacePattern = regexp.MustCompile(`\s+`)

	englishName = regexp.MustCompile(`[A-Z][a-z]+(?:[ \t]+[A-Z][a-z]+){1,2}`)
	hangulRun   = regexp.MustCompile(`[가-힣]+`)

	titledEnglishName = regexp.MustCompile(`(?:Dr\.|Prof\.|Professor)\s*([A-Z][a-z]+(?:[ \t]+[A-Z][a-z]+){1,2})`)
	titledKoreanAfter = regexp.MustCompile(`([가-힣]+)\s*교수`)
	titledKoreanFirst = regexp.MustCompile(`교수\s*([가-힣]+)`)

	rankPattern = regexp.MustCompile(`(?i)\b(?:associate professor|assistant professor|full professor|research professor|professor emeritus|professor|prof\.|lecturer)|(?:부교수|조교수|석좌교수|명예교수|교수)`)
)

var imageSuffixes = []string{".png", ".jpg", ".jpeg", ".gif", ".svg", ".webp"}

var stopTokens = map[string]struct{}{}

func init() {
	for _, w := range []string{
		"university", "department", "dept", "faculty", "professor", "prof", "associate", "assistant",
		"adjunct", "emeritus", "visiting", "lecturer", "dr", "doctor", "school", "college", "institute",
		"office", "email", "mail", "phone", "tel", "fax", "contact", "home", "homepage", "research",
		"lab", "laboratory", "center", "centre", "group", "page", "menu", "login", "search", "news",
		"about", "people", "members", "staff", "student", "students", "graduate", "undergraduate",
		"computer", "science", "sciences", "engineering", "journal", "conference", "proceedings",
		"room", "building", "hall", "read", "more", "view", "profile", "publications", "courses",
		"teaching", "copyright", "rights", "reserved", "the", "of", "and", "welcome", "korea", "seoul",
		"대학교", "대학", "대학원", "학과", "학부", "교수", "부교수", "조교수", "교원", "연구실", "연구소",
		"이메일", "전화", "사무실", "홈페이지", "소개", "구성원", "공지", "학생", "연락처", "위치", "주소",
	} {
		stopTokens[w] = struct{}{}
	}
}

var koreanStopParts = []string{"대학", "학과", "학부", "교수", "연구", "이메일", "전화", "사무실", "홈페이지", "공지", "학생", "연락처", "주소"}

func collapse(s string) string {
	return strings.TrimSpace(spacePattern.ReplaceAllString(s, " "))
}

func isStopToken(tok string) bool {
	tok = strings.ToLower(strings.Trim(tok, ".,:;()[]\"'"))
	_, ok := stopTokens[tok]
	return ok
}

func digitRatio(s string) float64 {
	total, digits := 0, 0
	for _, r := range s {
		if unicode.IsSpace(r) {
			continue
		}
		total++
		if unicode.IsDigit(r) {
			digits++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(digits) / float64(total)
}

func isHangul(s string) bool {
	for _, r := range s {
		if unicode.Is(unicode.Hangul, r) {
			return true
		}
	}
	return false
}

// cleanName trims stop tokens from both ends and rejects what is left if it
// still contains a stop word, too many digits, or does not look like a name.
func cleanName(raw string) (string, bool) {
	fields := strings.Fields(collapse(raw))
	for len(fields) > 0 && isStopToken(fields[0]) {
		fields = fields[1:]
	}
	for len(fields) > 0 && isStopToken(fields[len(fields)-1]) {
		fields = fields[:len(fields)-1]
	}
	if len(fields) == 0 {
		return "", false
	}
	for _, f := range fields {
		if isStopToken(f) {
			return "", false
		}
	}
	name := strings.Join(fields, " ")
	if digitRatio(name) > 0.3 {
		return "", false
	}
	if isHangul(name) {
		n := utf8.RuneCountInString(strings.ReplaceAll(name, " ", ""))
		if n < 2 || n > 4 {
			return "", false
		}
		for _, part := range koreanStopParts {
			if strings.Contains(name, part) {
				return "", false
			}
		}
		return name, true
	}
	if len(fields) < 2 {
		return "", false
	}
	return name, true
}

func validEmail(email string) bool {
	lower := strings.ToLower(email)
	for _, s := range imageSuffixes {
		if strings.HasSuffix(lower, s) {
			return false
		}
	}
	return true
}

// stripTags turns an HTML fragment into text. Partial tags cut by the window
// edges are dropped.
func stripTags(fragment string) string {
	if gt, lt := strings.Index(fragment, ">"), strings.Index(fragment, "<"); gt >= 0 && (lt < 0 || gt < lt) {
		fragment = fragment[gt+1:]
	}
	if lt := strings.LastIndex(fragment, "<"); lt >= 0 && !strings.Contains(fragment[lt:], ">") {
		fragment = fragment[:lt]
	}
	return collapse(html.UnescapeString(tagPattern.ReplaceAllString(fragment, " ")))
}

// runeWindow returns s[from:to] with both ends moved inward to rune starts.
func runeWindow(s string, from, to int) string {
	if from < 0 {
		from = 0
	}
	if to > len(s) {
		to = len(s)
	}
	for from < to && !utf8.RuneStart(s[from]) {
		from++
	}
	for to < len(s) && to > from && !utf8.RuneStart(s[to]) {
		to--
	}
	return s[from:to]
}

var blockTags = map[string]struct{}{
	"p": {}, "div": {}, "li": {}, "ul": {}, "ol": {}, "tr": {}, "td": {}, "th": {}, "table": {},
	"h1": {}, "h2": {}, "h3": {}, "h4": {}, "h5": {}, "h6": {}, "section": {}, "article": {},
	"header": {}, "footer": {}, "nav": {}, "dd": {}, "dt": {}, "dl": {}, "blockquote": {}, "pre": {},
}

var skipTags = map[string]struct{}{"script": {}, "style": {}, "noscript": {}, "template": {}, "head": {}}

// textBlocks renders the document as text with one entry per block element.
func textBlocks(doc *goquery.Document) []string {
	var b strings.Builder
	writeText(doc.Selection, &b)
	lines := strings.Split(b.String(), "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if line = collapse(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}

func writeText(sel *goquery.Selection, b *strings.Builder) {
	sel.Contents().Each(func(_ int, c *goquery.Selection) {
		name := goquery.NodeName(c)
		switch {
		case name == "#text":
			b.WriteString(c.Text())
		case name == "br":
			b.WriteString("\n")
		case has(skipTags, name):
		case has(blockTags, name):
			b.WriteString("\n")
			writeText(c, b)
			b.WriteString("\n")
		default:
			b.WriteString(" ")
			writeText(c, b)
			b.WriteString(" ")
		}
	})
}

// spacedText is Selection.Text with element boundaries kept as whitespace.
func spacedText(sel *goquery.Selection) string {
	var b strings.Builder
	writeText(sel, &b)
	return collapse(b.String())
}

func has(set map[string]struct{}, key string) bool {
	_, ok := set[key]
	return ok
}

// splitClauses breaks a block at list separators.
func splitClauses(block string) []string {
	parts := strings.FieldsFunc(block, func(r rune) bool {
		return r == '|' || r == ';' || r == '·' || r == '•'
	})
	out := parts[:0]
	for _, p := range parts {
		if p = collapse(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// splitSentences breaks text after sentence punctuation followed by a space.
func splitSentences(text string) []string {
	var out []string
	start := 0
	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if (r == '.' || r == '!' || r == '?') && (i+1 == len(runes) || unicode.IsSpace(runes[i+1])) {
			if s := collapse(string(runes[start : i+1])); s != "" {
				out = append(out, s)
			}
			start = i + 1
		}
	}
	if s := collapse(string(runes[start:])); s != "" {
		out = append(out, s)
	}
	return out
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

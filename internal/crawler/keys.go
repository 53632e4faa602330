package crawler

import (
	"strings"
	"unicode"
)

const maxPaperKeyRunes = 100

// NormalizeKey lowercases s and keeps only letters, digits and single spaces.
func NormalizeKey(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// PaperKey is the identity of a paper title: normalized and cut to 100 runes.
func PaperKey(title string) string {
	key := []rune(NormalizeKey(title))
	if len(key) > maxPaperKeyRunes {
		key = key[:maxPaperKeyRunes]
	}
	return string(key)
}

// ProfessorKey is the identity of a professor within one university: the
// email when present, otherwise the normalized name.
func ProfessorKey(p Professor) string {
	if p.Email != "" {
		return "email:" + strings.ToLower(p.Email)
	}
	return "name:" + NormalizeKey(p.Name)
}

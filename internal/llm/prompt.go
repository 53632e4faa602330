package llm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"
	"unicode/utf8"

	"github.com/JakeFAU/academic-crawl-pipeline/internal/crawler"
)

// Unknown fills short string fields the model left empty.
const Unknown = "Unknown"

var promptTmpl = template.Must(template.New("analysis").Parse(`You explain university research to high school students who are choosing a major.
Read the paper below and answer with a single JSON object and nothing else. Use exactly these keys:
{
  "topic_easy": "the topic in one sentence a 16 year old understands",
  "topic_technical": "the topic in precise academic terms",
  "explanation": "three to five sentences on what the researchers did and why it matters",
  "reference_link": "the best link for reading more",
  "deep_dive": {"keywords": ["..."], "recommendations": ["books, courses or videos"], "related_concepts": ["..."]},
  "career_path": {"companies": ["..."], "job_title": "...", "salary_hint": "..."},
  "action_item": {"subjects": ["school subjects to study"], "research_topic": "a small project the student can try"}
}

Title: {{.Title}}
University: {{.University}}{{if .Department}}
Department: {{.Department}}{{end}}{{if .PubDate}}
Published: {{.PubDate}}{{end}}
URL: {{.URL}}

Content:
{{.ContentRaw}}
`))

// BuildPrompt renders the analysis prompt for paper, truncating ContentRaw to
// maxChars runes when maxChars > 0.
func BuildPrompt(paper crawler.PaperInput, maxChars int) (string, error) {
	paper.ContentRaw = Truncate(strings.TrimSpace(paper.ContentRaw), maxChars)
	var buf bytes.Buffer
	if err := promptTmpl.Execute(&buf, paper); err != nil {
		return "", fmt.Errorf("render prompt: %w", err)
	}
	return buf.String(), nil
}

// Truncate cuts s to at most n runes. n <= 0 keeps s whole.
func Truncate(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

// FirstJSONObject returns the first balanced {...} substring of s. Braces
// inside JSON strings are ignored.
func FirstJSONObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString, escaped := false, false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

// stringList accepts either a JSON array of strings or a single string.
type stringList []string

func (l *stringList) UnmarshalJSON(data []byte) error {
	var many []string
	if err := json.Unmarshal(data, &many); err == nil {
		*l = many
		return nil
	}
	var one string
	if err := json.Unmarshal(data, &one); err != nil {
		return fmt.Errorf("expected string or list of strings: %w", err)
	}
	if one = strings.TrimSpace(one); one != "" {
		*l = stringList{one}
	}
	return nil
}

type rawAnalysis struct {
	TopicEasy      string `json:"topic_easy"`
	TopicTechnical string `json:"topic_technical"`
	Explanation    string `json:"explanation"`
	ReferenceLink  string `json:"reference_link"`
	DeepDive       struct {
		Keywords        stringList `json:"keywords"`
		Recommendations stringList `json:"recommendations"`
		RelatedConcepts stringList `json:"related_concepts"`
	} `json:"deep_dive"`
	CareerPath struct {
		Companies  stringList `json:"companies"`
		JobTitle   string     `json:"job_title"`
		SalaryHint string     `json:"salary_hint"`
	} `json:"career_path"`
	ActionItem struct {
		Subjects      stringList `json:"subjects"`
		ResearchTopic string     `json:"research_topic"`
	} `json:"action_item"`
}

// ParseAnalysis decodes the first JSON object in response and applies the
// defaults for missing fields. Failures wrap crawler.ErrLLMParse.
func ParseAnalysis(response string, paper crawler.PaperInput) (crawler.PaperAnalysis, error) {
	obj, ok := FirstJSONObject(response)
	if !ok {
		return crawler.PaperAnalysis{}, fmt.Errorf("%w: no JSON object in response", crawler.ErrLLMParse)
	}
	var raw rawAnalysis
	if err := json.Unmarshal([]byte(obj), &raw); err != nil {
		return crawler.PaperAnalysis{}, fmt.Errorf("%w: %w", crawler.ErrLLMParse, err)
	}
	link := strings.TrimSpace(raw.ReferenceLink)
	if link == "" {
		link = paper.URL
	}
	return crawler.PaperAnalysis{
		PaperID:        paper.ID,
		TopicEasy:      orUnknown(raw.TopicEasy),
		TopicTechnical: orUnknown(raw.TopicTechnical),
		Explanation:    orUnknown(raw.Explanation),
		ReferenceLink:  orUnknown(link),
		DeepDive: crawler.DeepDive{
			Keywords:        clean(raw.DeepDive.Keywords),
			Recommendations: clean(raw.DeepDive.Recommendations),
			RelatedConcepts: clean(raw.DeepDive.RelatedConcepts),
		},
		CareerPath: crawler.CareerPath{
			Companies:  clean(raw.CareerPath.Companies),
			JobTitle:   orUnknown(raw.CareerPath.JobTitle),
			SalaryHint: orUnknown(raw.CareerPath.SalaryHint),
		},
		ActionItem: crawler.ActionItem{
			Subjects:      clean(raw.ActionItem.Subjects),
			ResearchTopic: orUnknown(raw.ActionItem.ResearchTopic),
		},
	}, nil
}

func orUnknown(s string) string {
	if s = strings.TrimSpace(s); s == "" {
		return Unknown
	}
	return s
}

func clean(in stringList) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

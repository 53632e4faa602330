// Package extract pulls professors, laboratories, papers and professor page
// links out of department HTML. Several strategies run in a fixed order and
// their results are de-duplicated by identity, keeping the most confident item.
package extract

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/academic-crawl-pipeline/internal/crawler"
	"github.com/JakeFAU/academic-crawl-pipeline/internal/selectors"
)

// Strategy confidences. They rank strategies against each other and are not
// calibrated probabilities.
const (
	ConfidenceCSS          = 0.95
	ConfidenceStructured   = 0.90
	ConfidenceCitation     = 0.85
	ConfidenceEmail        = 0.80
	ConfidenceHeading      = 0.80
	ConfidenceTitleKeyword = 0.70
	ConfidenceAcademicLink = 0.70
	ConfidenceProfileLink  = 0.90
	ConfidenceLinkKeyword  = 0.60
	ConfidenceKeyword      = 0.60
	ConfidenceTitlePattern = 0.50
)

// List caps applied after de-duplication.
const (
	MaxProfessors = 50
	MaxLabs       = 30
	MaxPapers     = 50
)

// lowConfidence marks items that are kept but reported as warnings.
const lowConfidence = 0.6

var interestsPattern = regexp.MustCompile(`(?i)(?:research interests?|research areas?|연구\s*분야)\s*[:：]\s*([^\n]+)`)

// Result is everything extracted from one page.
type Result struct {
	Professors []crawler.Professor
	Labs       []crawler.Laboratory
	Papers     []crawler.Paper
	Links      []crawler.ProfessorLink
	Text       string
	Warnings   []string
}

// Extractor is stateless and safe for concurrent use.
type Extractor struct {
	logger *zap.Logger
}

// New returns an Extractor.
func New(logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{logger: logger.Named("extract")}
}

// Extract runs every strategy over html. profile may be nil.
func (e *Extractor) Extract(html, baseURL string, profile *selectors.Profile) (Result, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return Result{}, fmt.Errorf("parse html: %w", err)
	}
	blocks := textBlocks(doc)

	var labKeywords []string
	if profile != nil {
		labKeywords = profile.LabKeywords
	}
	labs := newLabMatcher(labKeywords)

	var professors []crawler.Professor
	professors = append(professors, e.professorsBySelector(doc, baseURL, profile)...)
	professors = append(professors, e.professorsByEmail(html)...)
	professors = append(professors, e.professorsByTitleKeyword(blocks, profile)...)
	professors = append(professors, e.professorsByTable(doc)...)

	var labList []crawler.Laboratory
	labList = append(labList, e.labsBySelector(doc, baseURL, profile)...)
	labList = append(labList, e.labsByKeyword(blocks, labs)...)
	labList = append(labList, e.labsByHeading(doc, baseURL, labs)...)

	var papers []crawler.Paper
	papers = append(papers, e.papersFromBlocks(blocks)...)
	papers = append(papers, e.papersFromLinks(doc, baseURL)...)

	res := Result{
		Professors: DedupeProfessors(professors),
		Labs:       DedupeLabs(labList),
		Papers:     DedupePapers(papers),
		Links:      e.professorLinks(doc, baseURL, profile),
		Text:       strings.Join(blocks, "\n"),
	}
	if m := interestsPattern.FindStringSubmatch(res.Text); m != nil && len(res.Professors) == 1 {
		res.Professors[0].ResearchInterests = splitList(m[1])
	}
	res.Warnings = lowConfidenceWarnings(res)

	e.logger.Debug("extracted page",
		zap.String("url", baseURL),
		zap.Int("professors", len(res.Professors)),
		zap.Int("labs", len(res.Labs)),
		zap.Int("papers", len(res.Papers)),
		zap.Int("links", len(res.Links)),
	)
	return res, nil
}

// DedupeProfessors keeps the most confident professor per email (or
// normalized name when no email is known), drops items that have no email
// unless they came from a CSS selector, and caps the list.
func DedupeProfessors(in []crawler.Professor) []crawler.Professor {
	out := dedupe(in, func(p crawler.Professor) (string, float64) {
		return crawler.ProfessorKey(p), p.Confidence
	})
	kept := out[:0]
	for _, p := range out {
		if p.Email == "" && p.ExtractionMethod != crawler.MethodCSS {
			continue
		}
		kept = append(kept, p)
	}
	return capList(kept, MaxProfessors)
}

// DedupeLabs keeps the most confident lab per normalized name.
func DedupeLabs(in []crawler.Laboratory) []crawler.Laboratory {
	return capList(dedupe(in, func(l crawler.Laboratory) (string, float64) {
		return crawler.NormalizeKey(l.Name), l.Confidence
	}), MaxLabs)
}

// DedupePapers keeps the most confident paper per normalized title prefix.
func DedupePapers(in []crawler.Paper) []crawler.Paper {
	return capList(dedupe(in, func(p crawler.Paper) (string, float64) {
		return crawler.PaperKey(p.Title), p.Confidence
	}), MaxPapers)
}

// dedupe keeps first-seen order; a later item replaces an earlier one only
// when strictly more confident.
func dedupe[T any](in []T, key func(T) (string, float64)) []T {
	index := map[string]int{}
	var out []T
	for _, item := range in {
		k, conf := key(item)
		if k == "" || k == "email:" || k == "name:" {
			continue
		}
		if i, ok := index[k]; ok {
			if _, prev := key(out[i]); conf > prev {
				out[i] = item
			}
			continue
		}
		index[k] = len(out)
		out = append(out, item)
	}
	return out
}

func capList[T any](in []T, n int) []T {
	if len(in) > n {
		return in[:n]
	}
	return in
}

func lowConfidenceWarnings(res Result) []string {
	var out []string
	for _, l := range res.Labs {
		if l.Confidence < lowConfidence {
			out = append(out, fmt.Sprintf("low-confidence lab %q (%s %.2f)", l.Name, l.ExtractionMethod, l.Confidence))
		}
	}
	for _, p := range res.Papers {
		if p.Confidence < lowConfidence {
			out = append(out, fmt.Sprintf("low-confidence paper %q (%s %.2f)", p.Title, p.ExtractionMethod, p.Confidence))
		}
	}
	return out
}

package crawl

import (
	"strings"
	"sync"

	"github.com/JakeFAU/academic-crawl-pipeline/internal/crawler"
	"github.com/JakeFAU/academic-crawl-pipeline/internal/extract"
)

// visitTracker records URLs already scheduled in one crawl.
type visitTracker struct {
	seen sync.Map
}

func newVisitTracker() *visitTracker {
	return &visitTracker{}
}

// MarkIfNew stores the URL if it has not been seen before and returns true.
func (t *visitTracker) MarkIfNew(url string) bool {
	if url == "" {
		return false
	}
	_, loaded := t.seen.LoadOrStore(url, struct{}{})
	return !loaded
}

// crawlRun is the mutable state of a single CrawlDepartment call.
type crawlRun struct {
	visited *visitTracker

	mu      sync.Mutex
	fetched int
}

func (r *crawlRun) pageFetched() {
	r.mu.Lock()
	r.fetched++
	r.mu.Unlock()
}

func (r *crawlRun) pages() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fetched
}

// accumulator merges per-page extraction results.
type accumulator struct {
	professors []crawler.Professor
	labs       []crawler.Laboratory
	papers     []crawler.Paper
	warnings   []string
}

func newAccumulator() *accumulator {
	return &accumulator{}
}

// add folds res into the accumulator. pageURL is empty for the department
// page and set for professor pages.
func (a *accumulator) add(res extract.Result, pageURL string) {
	owner := ""
	if pageURL != "" && len(res.Professors) == 1 {
		owner = res.Professors[0].Email
	}
	for _, l := range res.Labs {
		if l.OwnerEmail == "" {
			l.OwnerEmail = owner
		}
		a.labs = append(a.labs, l)
	}
	a.papers = append(a.papers, res.Papers...)
	a.warnings = append(a.warnings, res.Warnings...)
	for _, p := range res.Professors {
		if pageURL != "" && p.ProfileURL == "" {
			p.ProfileURL = pageURL
		}
		if pageURL == "" || !a.mergeInto(p) {
			a.professors = append(a.professors, p)
		}
	}
}

// mergeInto completes an already-known professor with data from a profile
// page. It reports whether a match was found.
func (a *accumulator) mergeInto(p crawler.Professor) bool {
	for i := range a.professors {
		known := &a.professors[i]
		switch {
		case p.Email != "" && strings.EqualFold(known.Email, p.Email):
		case known.Email == "" && sameName(known.Name, p.Name):
			known.Email = p.Email
			known.ExtractionMethod = crawler.MethodProfessorMerge
		default:
			continue
		}
		fillProfessor(known, p)
		return true
	}
	return false
}

func fillProfessor(dst *crawler.Professor, src crawler.Professor) {
	if dst.Title == "" {
		dst.Title = src.Title
	}
	if dst.Office == "" {
		dst.Office = src.Office
	}
	if dst.ProfileURL == "" {
		dst.ProfileURL = src.ProfileURL
	}
	if len(dst.ResearchInterests) == 0 {
		dst.ResearchInterests = src.ResearchInterests
	}
	if src.Confidence > dst.Confidence {
		dst.Confidence = src.Confidence
	}
}

func sameName(a, b string) bool {
	a = strings.Join(strings.Fields(strings.ToLower(a)), " ")
	b = strings.Join(strings.Fields(strings.ToLower(b)), " ")
	return a != "" && a == b
}

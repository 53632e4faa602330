// Package mock provides a deterministic llm.Backend for tests and offline runs.
package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/JakeFAU/academic-crawl-pipeline/internal/crawler"
)

// ModelID is reported by the mock backend.
const ModelID = "mock"

var titleLine = regexp.MustCompile(`(?m)^Title: (.*)$`)

// Backend answers every prompt with a canned analysis derived from the
// paper title found in the prompt.
type Backend struct {
	// Fixed, when set, is returned verbatim instead of the generated JSON.
	Fixed string
	// Err, when set, is returned from every call.
	Err error
}

// New returns a mock backend producing generated JSON.
func New() *Backend {
	return &Backend{}
}

// Model implements llm.Backend.
func (b *Backend) Model() string { return ModelID }

// Complete implements llm.Backend.
func (b *Backend) Complete(ctx context.Context, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %w", crawler.ErrLLMTransport, err)
	}
	if b.Err != nil {
		return "", b.Err
	}
	if b.Fixed != "" {
		return b.Fixed, nil
	}
	title := "this paper"
	if m := titleLine.FindStringSubmatch(prompt); m != nil && strings.TrimSpace(m[1]) != "" {
		title = strings.TrimSpace(m[1])
	}
	out, err := json.Marshal(map[string]any{
		"topic_easy":      "A study about " + title,
		"topic_technical": title,
		"explanation":     "The authors of " + title + " describe a new approach and test it.",
		"deep_dive": map[string]any{
			"keywords":         keywords(title),
			"recommendations":  []string{"Read the paper abstract"},
			"related_concepts": []string{"research methods"},
		},
		"career_path": map[string]any{
			"companies":   []string{"Research labs"},
			"job_title":   "Researcher",
			"salary_hint": "Varies",
		},
		"action_item": map[string]any{
			"subjects":       []string{"Mathematics"},
			"research_topic": "Reproduce one result from " + title,
		},
	})
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func keywords(title string) []string {
	out := []string{}
	for _, w := range strings.Fields(strings.ToLower(title)) {
		w = strings.Trim(w, ".,:;!?()\"'")
		if len(w) > 3 {
			out = append(out, w)
		}
		if len(out) == 3 {
			break
		}
	}
	return out
}

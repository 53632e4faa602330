// Package vector indexes paper analyses as dense embeddings and serves
// cosine-similarity search over them.
package vector

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/JakeFAU/academic-crawl-pipeline/internal/crawler"
)

// Metadata length caps, in runes.
const (
	MaxTitleLen        = 500
	MaxVenueLen        = 200
	MaxHierarchyLen    = 200
	MaxListLen         = 500
	MaxJobsLen         = 200
	defaultSearchLimit = 10
)

// Embedder turns text into a dense vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Metadata is the searchable projection of a PaperAnalysis. Every field is a
// string or an int.
type Metadata struct {
	Title        string `json:"title"`
	Venue        string `json:"venue,omitempty"`
	Year         int    `json:"year,omitempty"`
	University   string `json:"university,omitempty"`
	Department   string `json:"department,omitempty"`
	Companies    string `json:"companies,omitempty"`
	Jobs         string `json:"jobs,omitempty"`
	Technologies string `json:"technologies,omitempty"`
}

// Record is one stored embedding keyed by paper id.
type Record struct {
	PaperID   string
	Embedding []float32
	Metadata  Metadata
}

// Hit is one search result.
type Hit struct {
	PaperID    string   `json:"paper_id"`
	Similarity float64  `json:"similarity"`
	Metadata   Metadata `json:"metadata"`
}

// Store persists records. Implementations wrap failures with
// crawler.ErrVectorStore.
type Store interface {
	Upsert(ctx context.Context, rec Record) error
	// Lookup returns the record for paperID and whether it exists.
	Lookup(ctx context.Context, paperID string) (Record, bool, error)
	Delete(ctx context.Context, paperID string) error
	Clear(ctx context.Context) error
	Count(ctx context.Context) (int, error)
	Records(ctx context.Context) ([]Record, error)
}

// Indexer embeds analyses into a Store and searches them.
type Indexer struct {
	embedder Embedder
	store    Store
	logger   *zap.Logger
}

// New builds an Indexer.
func New(embedder Embedder, store Store, logger *zap.Logger) (*Indexer, error) {
	if embedder == nil {
		return nil, fmt.Errorf("vector embedder is required")
	}
	if store == nil {
		return nil, fmt.Errorf("vector store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Indexer{embedder: embedder, store: store, logger: logger}, nil
}

// Document composes the text embedded for analysis.
func Document(paper crawler.PaperInput, analysis crawler.PaperAnalysis) string {
	summary := strings.TrimSpace(analysis.TopicEasy + " " + analysis.Explanation)
	lines := []string{
		paper.Title,
		summary,
		"Technologies: " + strings.Join(technologies(analysis), ", "),
		"Companies: " + strings.Join(analysis.CareerPath.Companies, ", "),
		"Jobs: " + analysis.CareerPath.JobTitle,
		"Subjects: " + strings.Join(analysis.ActionItem.Subjects, ", "),
	}
	return strings.Join(lines, "\n")
}

// MetadataFor projects analysis onto capped Metadata.
func MetadataFor(paper crawler.PaperInput, analysis crawler.PaperAnalysis) Metadata {
	return Metadata{
		Title:        capRunes(paper.Title, MaxTitleLen),
		Venue:        capRunes(paper.Venue, MaxVenueLen),
		Year:         paper.Year,
		University:   capRunes(paper.University, MaxHierarchyLen),
		Department:   capRunes(paper.Department, MaxHierarchyLen),
		Companies:    capRunes(strings.Join(analysis.CareerPath.Companies, ", "), MaxListLen),
		Jobs:         capRunes(analysis.CareerPath.JobTitle, MaxJobsLen),
		Technologies: capRunes(strings.Join(technologies(analysis), ", "), MaxListLen),
	}
}

// Upsert indexes analysis under paper.ID, replacing any previous record.
func (ix *Indexer) Upsert(ctx context.Context, paper crawler.PaperInput, analysis crawler.PaperAnalysis) error {
	if paper.ID == "" {
		return fmt.Errorf("%w: paper id is required", crawler.ErrVectorStore)
	}
	vec, err := ix.embedder.Embed(ctx, Document(paper, analysis))
	if err != nil {
		return wrap("embed", err)
	}
	rec := Record{PaperID: paper.ID, Embedding: vec, Metadata: MetadataFor(paper, analysis)}
	if err := ix.store.Upsert(ctx, rec); err != nil {
		return wrap("upsert", err)
	}
	ix.logger.Debug("indexed paper", zap.String("paper_id", paper.ID), zap.Int("dims", len(vec)))
	return nil
}

// Lookup returns the stored record for paperID.
func (ix *Indexer) Lookup(ctx context.Context, paperID string) (Record, bool, error) {
	rec, ok, err := ix.store.Lookup(ctx, paperID)
	if err != nil {
		return Record{}, false, wrap("lookup", err)
	}
	return rec, ok, nil
}

// Restore writes rec back as it was captured by Lookup, without embedding.
func (ix *Indexer) Restore(ctx context.Context, rec Record) error {
	if err := ix.store.Upsert(ctx, rec); err != nil {
		return wrap("restore", err)
	}
	return nil
}

// Search returns up to k records with similarity >= threshold, best first.
func (ix *Indexer) Search(ctx context.Context, query string, k int, threshold float64) ([]Hit, error) {
	if k <= 0 {
		k = defaultSearchLimit
	}
	q, err := ix.embedder.Embed(ctx, query)
	if err != nil {
		return nil, wrap("embed query", err)
	}
	records, err := ix.store.Records(ctx)
	if err != nil {
		return nil, wrap("scan", err)
	}
	hits := make([]Hit, 0, len(records))
	for _, rec := range records {
		sim := Similarity(q, rec.Embedding)
		if sim < threshold {
			continue
		}
		hits = append(hits, Hit{PaperID: rec.PaperID, Similarity: sim, Metadata: rec.Metadata})
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Similarity == hits[j].Similarity {
			return hits[i].PaperID < hits[j].PaperID
		}
		return hits[i].Similarity > hits[j].Similarity
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// Delete removes the record for paperID. Missing records are not an error.
func (ix *Indexer) Delete(ctx context.Context, paperID string) error {
	if err := ix.store.Delete(ctx, paperID); err != nil {
		return wrap("delete", err)
	}
	return nil
}

// Clear removes every record.
func (ix *Indexer) Clear(ctx context.Context) error {
	if err := ix.store.Clear(ctx); err != nil {
		return wrap("clear", err)
	}
	return nil
}

// Count reports the number of indexed records.
func (ix *Indexer) Count(ctx context.Context) (int, error) {
	n, err := ix.store.Count(ctx)
	if err != nil {
		return 0, wrap("count", err)
	}
	return n, nil
}

// Similarity is 1 - cosine distance, clamped to [0, 1]. Mismatched or zero
// vectors score 0.
func Similarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	distance := 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
	return math.Min(1, math.Max(0, 1-distance))
}

func technologies(a crawler.PaperAnalysis) []string {
	out := make([]string, 0, len(a.DeepDive.Keywords)+len(a.DeepDive.RelatedConcepts))
	out = append(out, a.DeepDive.Keywords...)
	return append(out, a.DeepDive.RelatedConcepts...)
}

func capRunes(s string, n int) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, crawler.ErrVectorStore) {
		return fmt.Errorf("vector %s: %w", op, err)
	}
	return fmt.Errorf("%w: vector %s: %w", crawler.ErrVectorStore, op, err)
}

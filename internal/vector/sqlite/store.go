// Package sqlite persists vector records in a SQLite file under the
// configured vector store directory.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"github.com/JakeFAU/academic-crawl-pipeline/internal/crawler"
	"github.com/JakeFAU/academic-crawl-pipeline/internal/vector"
)

const dbFile = "vectors.db"

// Store implements vector.Store on SQLite.
type Store struct {
	db *sql.DB
}

var _ vector.Store = (*Store)(nil)

// Open creates dir if needed and opens dir/vectors.db, creating the schema.
func Open(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("vector.store_path is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create vector dir: %w", err)
	}
	db, err := sql.Open("sqlite3", filepath.Join(dir, dbFile)+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open vector db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS vectors (
		paper_id TEXT PRIMARY KEY,
		embedding BLOB NOT NULL,
		metadata TEXT NOT NULL,
		updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create vector schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Upsert implements vector.Store.
func (s *Store) Upsert(ctx context.Context, rec vector.Record) error {
	meta, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("%w: encode metadata: %w", crawler.ErrVectorStore, err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO vectors (paper_id, embedding, metadata) VALUES (?, ?, ?)
		ON CONFLICT(paper_id) DO UPDATE SET
			embedding = excluded.embedding,
			metadata = excluded.metadata,
			updated_at = CURRENT_TIMESTAMP`,
		rec.PaperID, encode(rec.Embedding), string(meta))
	if err != nil {
		return fmt.Errorf("%w: upsert %s: %w", crawler.ErrVectorStore, rec.PaperID, err)
	}
	return nil
}

// Lookup implements vector.Store.
func (s *Store) Lookup(ctx context.Context, paperID string) (vector.Record, bool, error) {
	var (
		blob []byte
		meta string
	)
	err := s.db.QueryRowContext(ctx, `SELECT embedding, metadata FROM vectors WHERE paper_id = ?`, paperID).
		Scan(&blob, &meta)
	if errors.Is(err, sql.ErrNoRows) {
		return vector.Record{}, false, nil
	}
	if err != nil {
		return vector.Record{}, false, fmt.Errorf("%w: lookup %s: %w", crawler.ErrVectorStore, paperID, err)
	}
	rec := vector.Record{PaperID: paperID}
	if rec.Embedding, err = decode(blob); err != nil {
		return vector.Record{}, false, fmt.Errorf("%w: %s: %w", crawler.ErrVectorStore, paperID, err)
	}
	if err := json.Unmarshal([]byte(meta), &rec.Metadata); err != nil {
		return vector.Record{}, false, fmt.Errorf("%w: decode metadata %s: %w", crawler.ErrVectorStore, paperID, err)
	}
	return rec, true, nil
}

// Delete implements vector.Store.
func (s *Store) Delete(ctx context.Context, paperID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM vectors WHERE paper_id = ?`, paperID); err != nil {
		return fmt.Errorf("%w: delete %s: %w", crawler.ErrVectorStore, paperID, err)
	}
	return nil
}

// Clear implements vector.Store.
func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM vectors`); err != nil {
		return fmt.Errorf("%w: clear: %w", crawler.ErrVectorStore, err)
	}
	return nil
}

// Count implements vector.Store.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM vectors`).Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: count: %w", crawler.ErrVectorStore, err)
	}
	return n, nil
}

// Records implements vector.Store.
func (s *Store) Records(ctx context.Context) ([]vector.Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT paper_id, embedding, metadata FROM vectors ORDER BY paper_id`)
	if err != nil {
		return nil, fmt.Errorf("%w: scan: %w", crawler.ErrVectorStore, err)
	}
	defer rows.Close()

	var out []vector.Record
	for rows.Next() {
		var (
			rec  vector.Record
			blob []byte
			meta string
		)
		if err := rows.Scan(&rec.PaperID, &blob, &meta); err != nil {
			return nil, fmt.Errorf("%w: scan row: %w", crawler.ErrVectorStore, err)
		}
		if rec.Embedding, err = decode(blob); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", crawler.ErrVectorStore, rec.PaperID, err)
		}
		if err := json.Unmarshal([]byte(meta), &rec.Metadata); err != nil {
			return nil, fmt.Errorf("%w: decode metadata %s: %w", crawler.ErrVectorStore, rec.PaperID, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate: %w", crawler.ErrVectorStore, err)
	}
	return out, nil
}

func encode(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decode(buf []byte) ([]float32, error) {
	if len(buf)%4 != 0 {
		return nil, fmt.Errorf("embedding blob has %d bytes, not a multiple of 4", len(buf))
	}
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec, nil
}

package sqlite

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/academic-crawl-pipeline/internal/vector"
)

func openStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "vectors")
	s, err := Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, dir
}

func TestUpsertReplacesRecord(t *testing.T) {
	t.Parallel()

	s, dir := openStore(t)
	ctx := context.Background()
	_, err := os.Stat(filepath.Join(dir, dbFile))
	require.NoError(t, err)

	require.NoError(t, s.Upsert(ctx, vector.Record{
		PaperID:   "p1",
		Embedding: []float32{1, 0, -0.5},
		Metadata:  vector.Metadata{Title: "Old", Year: 2020},
	}))
	require.NoError(t, s.Upsert(ctx, vector.Record{
		PaperID:   "p1",
		Embedding: []float32{0, 1, 0.25},
		Metadata:  vector.Metadata{Title: "New", Year: 2024, University: "KAIST"},
	}))

	n, err := s.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	recs, err := s.Records(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, []float32{0, 1, 0.25}, recs[0].Embedding)
	require.Equal(t, vector.Metadata{Title: "New", Year: 2024, University: "KAIST"}, recs[0].Metadata)
}

func TestLookup(t *testing.T) {
	t.Parallel()

	s, _ := openStore(t)
	ctx := context.Background()
	_, ok, err := s.Lookup(ctx, "p1")
	require.NoError(t, err)
	require.False(t, ok)

	want := vector.Record{
		PaperID:   "p1",
		Embedding: []float32{0.5, -1},
		Metadata:  vector.Metadata{Title: "Raft", University: "X Univ", Department: "CS"},
	}
	require.NoError(t, s.Upsert(ctx, want))
	got, ok, err := s.Lookup(ctx, "p1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, want, got)
}

func TestDeleteAndClear(t *testing.T) {
	t.Parallel()

	s, _ := openStore(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.Upsert(ctx, vector.Record{PaperID: id, Embedding: []float32{1}}))
	}
	require.NoError(t, s.Delete(ctx, "b"))
	require.NoError(t, s.Delete(ctx, "missing"))

	recs, err := s.Records(ctx)
	require.NoError(t, err)
	require.Equal(t, "a", recs[0].PaperID)
	require.Equal(t, "c", recs[1].PaperID)

	require.NoError(t, s.Clear(ctx))
	n, err := s.Count(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestReopenKeepsRecords(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, s.Upsert(context.Background(), vector.Record{PaperID: "p1", Embedding: []float32{0.5}}))
	require.NoError(t, s.Close())

	s, err = Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	n, err := s.Count(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestIndexerOverSQLite(t *testing.T) {
	t.Parallel()

	s, _ := openStore(t)
	ix, err := vector.New(vector.NewHashingEmbedder(0), s, nil)
	require.NoError(t, err)

	hits, err := ix.Search(context.Background(), "anything", 3, 0)
	require.NoError(t, err)
	require.Empty(t, hits)
}

func TestOpenRequiresDir(t *testing.T) {
	t.Parallel()

	_, err := Open("")
	require.Error(t, err)
}

func TestDecodeRejectsTruncatedBlob(t *testing.T) {
	t.Parallel()

	_, err := decode([]byte{1, 2, 3})
	require.Error(t, err)
	vec, err := decode(encode([]float32{1.5, -2}))
	require.NoError(t, err)
	require.Equal(t, []float32{1.5, -2}, vec)
}

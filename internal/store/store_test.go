package store

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/academic-crawl-pipeline/internal/crawler"
)

func TestPersistenceWrapsOnce(t *testing.T) {
	t.Parallel()

	require.NoError(t, Persistence("commit", nil))

	cause := errors.New("unique violation")
	err := Persistence("insert paper", cause)
	require.ErrorIs(t, err, crawler.ErrPersistence)
	require.ErrorIs(t, err, cause)
	require.Equal(t, "persistence error: insert paper: unique violation", err.Error())

	require.Same(t, err, Persistence("commit", err))
	require.Equal(t, "PersistenceError", crawler.ErrorKind(err))
}

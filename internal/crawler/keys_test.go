package crawler

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeKey(t *testing.T) {
	t.Parallel()

	require.Equal(t, "deep learning for 3d vision", NormalizeKey("  Deep-Learning   for 3D Vision! "))
	require.Equal(t, "인공지능 연구실", NormalizeKey("인공지능  연구실"))
}

func TestPaperKeyTruncates(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("a", 150)
	require.Len(t, PaperKey(long), 100)
	require.Equal(t, PaperKey("Foo: A Study"), PaperKey("foo a study"))
}

func TestProfessorKey(t *testing.T) {
	t.Parallel()

	require.Equal(t, "email:jane@x.edu", ProfessorKey(Professor{Name: "Jane Doe", Email: "Jane@X.edu"}))
	require.Equal(t, "name:jane doe", ProfessorKey(Professor{Name: "Jane  Doe"}))
}

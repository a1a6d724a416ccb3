// Package testutil provides shared test infrastructure for the training packages.
package testutil

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// AssertFloat64Equal checks that got is within relTol of want, relative to the
// larger magnitude of the two. Exactly equal values always pass.
func AssertFloat64Equal(t *testing.T, name string, want, got, relTol float64) bool {
	t.Helper()
	if want == got {
		return true
	}
	rel := math.Abs(want-got) / math.Max(math.Abs(want), math.Abs(got))
	return assert.LessOrEqualf(t, rel, relTol, "%s: got %v, want %v", name, got, want)
}

// AssertSlicesClose applies AssertFloat64Equal element-wise; lengths must match.
func AssertSlicesClose(t *testing.T, name string, want, got []float64, relTol float64) {
	t.Helper()
	require.Lenf(t, got, len(want), "%s: length mismatch", name)
	for i := range want {
		AssertFloat64Equal(t, name, want[i], got[i], relTol)
	}
}

// WriteTempFile writes content to name inside a fresh temp dir and returns the path.
func WriteTempFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

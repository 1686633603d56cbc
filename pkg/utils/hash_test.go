package utils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFingerprintSeparatesParts(t *testing.T) {
	assert.NotEqual(t, Fingerprint("ab", "c"), Fingerprint("a", "bc"))
	assert.Equal(t, Fingerprint("a", "b"), Fingerprint("a", "b"))
	assert.Len(t, HashString("rules"), 32)
}

func TestFileFingerprintChangesWithContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.pl")
	require.NoError(t, os.WriteFile(path, []byte("a."), 0o644))
	first := FileFingerprint(path)

	require.NoError(t, os.WriteFile(path, []byte("a longer body."), 0o644))
	assert.NotEqual(t, first, FileFingerprint(path))

	assert.Equal(t, Fingerprint("/does/not/exist"), FileFingerprint("/does/not/exist"))
}

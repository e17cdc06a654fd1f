package guestinit

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pexec/pexec/lib/pearchive"
)

func TestPackBoundedFits(t *testing.T) {
	entries := []pearchive.MemEntry{
		{Path: "stdout", Data: []byte("hello\n")},
		{Path: "stderr"},
	}
	packed, err := packBounded(entries, 4096)
	require.NoError(t, err)

	files, err := pearchive.UnpackMem(bytes.NewReader(packed), pearchive.Limits{})
	require.NoError(t, err)
	assert.Equal(t, []byte("hello\n"), files["stdout"])
}

func TestPackBoundedTruncatesLargest(t *testing.T) {
	entries := []pearchive.MemEntry{
		{Path: "stdout", Data: bytes.Repeat([]byte("x"), 10_000)},
		{Path: "stderr", Data: []byte("warn\n")},
	}
	packed, err := packBounded(entries, 1024)
	require.NoError(t, err)
	require.LessOrEqual(t, len(packed), 1024)

	files, err := pearchive.UnpackMem(bytes.NewReader(packed), pearchive.Limits{})
	require.NoError(t, err)
	assert.Less(t, len(files["stdout"]), 10_000, "stdout must be truncated")
	assert.Contains(t, string(files["stderr"]), "warn", "small stderr survives")
}

func TestPackBoundedMarksTruncation(t *testing.T) {
	entries := []pearchive.MemEntry{
		{Path: "stdout", Data: bytes.Repeat([]byte("x"), 10_000)},
		{Path: "stderr", Data: []byte("w\n")},
	}
	packed, err := packBounded(entries, 2048)
	require.NoError(t, err)

	files, err := pearchive.UnpackMem(bytes.NewReader(packed), pearchive.Limits{})
	require.NoError(t, err)
	assert.Contains(t, string(files["stderr"]), "truncated")
}

func TestPackBoundedZeroBudget(t *testing.T) {
	_, err := packBounded(nil, 0)
	require.ErrorIs(t, err, ErrOutputTooBig)
}

package pearchive

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPackMemUnpackMemRoundTrip(t *testing.T) {
	entries := []MemEntry{
		{Path: "test.sh", Data: []byte("echo hello\n")},
		{Path: "dir/nested.txt", Data: []byte("nested")},
		{Path: "dir/sub/deep.bin", Data: []byte{0xFE, 0xED, 0xBA, 0xCA}},
		{Path: "empty", Data: nil},
	}

	var buf bytes.Buffer
	require.NoError(t, PackMem(&buf, entries))

	got, err := UnpackMem(&buf, Limits{})
	require.NoError(t, err)
	require.Len(t, got, len(entries))
	for _, e := range entries {
		assert.Equal(t, append([]byte{}, e.Data...), append([]byte{}, got[filepath.FromSlash(e.Path)]...), e.Path)
	}
}

func TestPackDirRoundTrip(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "a", "b"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "top.txt"), []byte("top"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "a", "mid.txt"), []byte("mid"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "a", "b", "leaf.txt"), []byte("leaf"), 0o644))

	var buf bytes.Buffer
	require.NoError(t, PackDir(&buf, src))

	dest := t.TempDir()
	require.NoError(t, UnpackDir(bytes.NewReader(buf.Bytes()), dest, Limits{}))

	for _, tc := range []struct{ path, want string }{
		{"top.txt", "top"},
		{"a/mid.txt", "mid"},
		{"a/b/leaf.txt", "leaf"},
	} {
		data, err := os.ReadFile(filepath.Join(dest, filepath.FromSlash(tc.path)))
		require.NoError(t, err, tc.path)
		assert.Equal(t, tc.want, string(data))
	}
}

func TestUnpackStopsAtUnknownTag(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, PackMem(&buf, []MemEntry{{Path: "f", Data: []byte("x")}}))
	// trailing padding past the archive proper
	buf.Write(make([]byte, 64))

	got, err := UnpackMem(&buf, Limits{})
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), got["f"])
}

func TestUnpackRejectsBadNames(t *testing.T) {
	for _, name := range []string{"..", ".", "a/b"} {
		var buf bytes.Buffer
		buf.WriteByte(tagDir)
		buf.WriteString(name)
		buf.WriteByte(0)

		_, err := UnpackMem(&buf, Limits{})
		assert.ErrorIs(t, err, ErrBadName, name)
	}
}

func TestUnpackSizeLimit(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, PackMem(&buf, []MemEntry{{Path: "big", Data: make([]byte, 1024)}}))

	dest := t.TempDir()
	err := UnpackDir(bytes.NewReader(buf.Bytes()), dest, Limits{MaxBytes: 512})
	assert.ErrorIs(t, err, ErrSizeLimit)
}

func TestPackMemRejectsDuplicates(t *testing.T) {
	var buf bytes.Buffer
	err := PackMem(&buf, []MemEntry{
		{Path: "f", Data: []byte("a")},
		{Path: "f", Data: []byte("b")},
	})
	assert.ErrorIs(t, err, ErrDuplicateEntry)
}

func TestPopPastRootFails(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(tagPop)
	_, err := UnpackMem(&buf, Limits{})
	assert.ErrorIs(t, err, ErrEmptyStack)
}

func TestPackerDepthLimit(t *testing.T) {
	p := NewPacker(&bytes.Buffer{})
	for i := 0; i < MaxDepth; i++ {
		require.NoError(t, p.Dir("d"))
	}
	assert.ErrorIs(t, p.Dir("d"), ErrTooDeep)
}

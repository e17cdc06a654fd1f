package oci

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/pexec/pexec/lib/erofs"
)

const (
	whiteoutPrefix = ".wh."
	opaqueWhiteout = ".wh..wh..opq"
)

// entryID pins one tar entry: the layer it came from and its position there.
type entryID struct {
	layer int
	index int
}

// Squash flattens the pulled layer stack into the EROFS builder. It scans
// every layer twice: the first pass applies replace and whiteout semantics
// to decide which entry wins each path, the second pass streams only the
// winning entries into the builder so replaced file data never reaches the
// image.
func Squash(pulled *Pulled, b *erofs.Builder) error {
	survivors, err := scanLayers(pulled)
	if err != nil {
		return err
	}

	for li, blob := range pulled.Layers {
		err := walkLayer(blob, func(i int, hdr *tar.Header, body io.Reader) error {
			name, ok := cleanEntryName(hdr.Name)
			if !ok {
				return nil
			}
			if isWhiteout(name) {
				return nil
			}
			if id, ok := survivors[name]; !ok || id != (entryID{li, i}) {
				return nil
			}
			hdr.Name = name
			return b.Add(hdr, body)
		})
		if err != nil {
			return fmt.Errorf("squash layer %d: %w", li, err)
		}
	}
	return nil
}

// scanLayers builds the survivor map and enforces the uncompressed budget.
func scanLayers(pulled *Pulled) (map[string]entryID, error) {
	survivors := map[string]entryID{}
	var uncompressed int64

	for li, blob := range pulled.Layers {
		err := walkLayer(blob, func(i int, hdr *tar.Header, body io.Reader) error {
			uncompressed += hdr.Size
			if uncompressed > pulled.maxUncompressedBytes {
				return fmt.Errorf("%w: %d uncompressed bytes", ErrTooLarge, uncompressed)
			}

			name, ok := cleanEntryName(hdr.Name)
			if !ok {
				return nil
			}
			base := path.Base(name)
			dir := path.Dir(name)

			if base == opaqueWhiteout {
				clearDir(survivors, dir)
				return nil
			}
			if strings.HasPrefix(base, whiteoutPrefix) {
				victim := path.Join(dir, strings.TrimPrefix(base, whiteoutPrefix))
				deleteSubtree(survivors, victim)
				delete(survivors, victim)
				return nil
			}

			if hdr.Typeflag != tar.TypeDir {
				// a file replacing a directory takes its subtree with it
				deleteSubtree(survivors, name)
			}
			survivors[name] = entryID{li, i}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scan layer %d: %w", li, err)
		}
	}
	return survivors, nil
}

// walkLayer streams one decompressed layer tar, calling fn per entry with
// its position index.
func walkLayer(blob LayerBlob, fn func(i int, hdr *tar.Header, body io.Reader) error) error {
	rc, err := openLayer(blob)
	if err != nil {
		return err
	}
	defer rc.Close()

	tr := tar.NewReader(rc)
	for i := 0; ; i++ {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: tar: %s", ErrCorrupt, err)
		}
		if hdr.Typeflag == tar.TypeXGlobalHeader {
			continue
		}
		if err := fn(i, hdr, tr); err != nil {
			return err
		}
	}
}

// cleanEntryName normalizes a tar entry path; ok is false for entries that
// do not name anything (the root, or paths escaping it).
func cleanEntryName(name string) (string, bool) {
	name = path.Clean(strings.TrimPrefix(name, "/"))
	if name == "." || name == ".." || strings.HasPrefix(name, "../") {
		return "", false
	}
	return name, true
}

func isWhiteout(name string) bool {
	return strings.HasPrefix(path.Base(name), whiteoutPrefix)
}

// clearDir removes every survivor strictly inside dir, leaving dir itself.
func clearDir(m map[string]entryID, dir string) {
	if dir == "." {
		for k := range m {
			delete(m, k)
		}
		return
	}
	deleteSubtree(m, dir)
}

// deleteSubtree removes every survivor under p, not p itself.
func deleteSubtree(m map[string]entryID, p string) {
	prefix := p + "/"
	for k := range m {
		if strings.HasPrefix(k, prefix) {
			delete(m, k)
		}
	}
}

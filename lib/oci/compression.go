package oci

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// openLayer opens a spooled layer blob and returns a reader over the
// decompressed tar stream, picked by media type.
func openLayer(blob LayerBlob) (io.ReadCloser, error) {
	f, err := os.Open(blob.Path)
	if err != nil {
		return nil, fmt.Errorf("open layer: %w", err)
	}
	switch {
	case strings.HasSuffix(blob.MediaType, "+gzip"),
		strings.HasSuffix(blob.MediaType, ".gzip"):
		zr, err := gzip.NewReader(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("%w: gzip: %s", ErrCorrupt, err)
		}
		return &layerReader{r: zr, closers: []io.Closer{zr, f}}, nil
	case strings.HasSuffix(blob.MediaType, "+zstd"),
		strings.HasSuffix(blob.MediaType, ".zstd"):
		zr, err := zstd.NewReader(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("%w: zstd: %s", ErrCorrupt, err)
		}
		rc := zr.IOReadCloser()
		return &layerReader{r: rc, closers: []io.Closer{rc, f}}, nil
	default:
		// uncompressed tar layer
		return f, nil
	}
}

type layerReader struct {
	r       io.Reader
	closers []io.Closer
}

func (l *layerReader) Read(p []byte) (int, error) {
	return l.r.Read(p)
}

func (l *layerReader) Close() error {
	var first error
	for _, c := range l.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

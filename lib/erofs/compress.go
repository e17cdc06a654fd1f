package erofs

import (
	"github.com/pierrec/lz4/v4"
)

// blockCompressor trial-compresses single logical blocks. A block is stored
// compressed only when the LZ4 output is strictly smaller than the input
// (and so than the block size); otherwise the raw bytes are stored plain.
type blockCompressor struct {
	c   lz4.Compressor
	dst []byte
}

func newBlockCompressor() *blockCompressor {
	return &blockCompressor{dst: make([]byte, lz4.CompressBlockBound(BlockSize))}
}

// compress returns the compressed bytes and true when compression wins.
// The returned slice is only valid until the next call.
func (bc *blockCompressor) compress(src []byte) ([]byte, bool) {
	n, err := bc.c.CompressBlock(src, bc.dst)
	if err != nil || n == 0 || n >= len(src) || n >= BlockSize {
		return nil, false
	}
	return bc.dst[:n], true
}

// decompressBlock is the reader-side inverse, used by the in-package image
// reader for verification.
func decompressBlock(src, dst []byte) (int, error) {
	return lz4.UncompressBlock(src, dst)
}

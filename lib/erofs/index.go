package erofs

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// IndexMagic terminates an image artifact: the trailing 12 bytes of the
// file are [u32 LE index JSON length][this magic, LE].
const IndexMagic = 0x1db56abd7b82da38

const indexTrailerSize = 12

var ErrNoIndex = errors.New("erofs: image carries no index blob")

// IndexEntry describes one flattened rootfs bundled into an image.
type IndexEntry struct {
	// Prefix is the short-digest directory the rootfs lives under.
	Prefix string `json:"prefix"`
	// Descriptor is the manifest descriptor the rootfs was built from.
	Descriptor ocispec.Descriptor `json:"descriptor"`
	Manifest   ocispec.Manifest   `json:"manifest"`
	Config     ocispec.Image      `json:"config"`
}

// Index is the artifact's trailing JSON blob.
type Index struct {
	Entries []IndexEntry `json:"entries"`
}

// ByPrefix returns the entry for a rootfs prefix.
func (ix *Index) ByPrefix(prefix string) (*IndexEntry, bool) {
	for i := range ix.Entries {
		if ix.Entries[i].Prefix == prefix {
			return &ix.Entries[i], true
		}
	}
	return nil, false
}

// WriteIndex appends the index blob after an image of fsSize bytes and pads
// the file so it ends, trailer included, on an alignment boundary. Returns
// the final file size.
func WriteIndex(w io.WriteSeeker, fsSize int64, ix *Index, align int64) (int64, error) {
	blob, err := json.Marshal(ix)
	if err != nil {
		return 0, fmt.Errorf("marshal index: %w", err)
	}

	total := fsSize + int64(len(blob)) + indexTrailerSize
	final := alignUp(total, align)
	pad := final - total

	if _, err := w.Seek(fsSize, io.SeekStart); err != nil {
		return 0, err
	}
	for pad > 0 {
		n := pad
		if n > BlockSize {
			n = BlockSize
		}
		if _, err := w.Write(zeroBlock[:n]); err != nil {
			return 0, err
		}
		pad -= n
	}
	if _, err := w.Write(blob); err != nil {
		return 0, err
	}
	var trailer [indexTrailerSize]byte
	binary.LittleEndian.PutUint32(trailer[0:], uint32(len(blob)))
	binary.LittleEndian.PutUint64(trailer[4:], IndexMagic)
	if _, err := w.Write(trailer[:]); err != nil {
		return 0, err
	}
	return final, nil
}

// ReadIndex loads the index blob from the tail of an image artifact.
func ReadIndex(r io.ReadSeeker) (*Index, error) {
	end, err := r.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, err
	}
	if end < indexTrailerSize {
		return nil, ErrNoIndex
	}
	var trailer [indexTrailerSize]byte
	if _, err := r.Seek(end-indexTrailerSize, io.SeekStart); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(r, trailer[:]); err != nil {
		return nil, err
	}
	if binary.LittleEndian.Uint64(trailer[4:]) != IndexMagic {
		return nil, ErrNoIndex
	}
	blobLen := int64(binary.LittleEndian.Uint32(trailer[0:]))
	if blobLen <= 0 || blobLen > end-indexTrailerSize {
		return nil, ErrNoIndex
	}
	blob := make([]byte, blobLen)
	if _, err := r.Seek(end-indexTrailerSize-blobLen, io.SeekStart); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(r, blob); err != nil {
		return nil, err
	}
	var ix Index
	if err := json.Unmarshal(blob, &ix); err != nil {
		return nil, fmt.Errorf("decode index: %w", err)
	}
	return &ix, nil
}

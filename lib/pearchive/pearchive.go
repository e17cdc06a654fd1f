// Package pearchive implements the v1 tagged-token archive format used as
// the on-wire and on-pmem container for run inputs and outputs.
//
// The stream is a sequence of messages:
//
//	file: <tag=1> <name NUL> <u32 LE size> <bytes>
//	dir:  <tag=2> <name NUL>
//	pop:  <tag=3>
//
// The encoding is self-delimiting; a decoder stops at the first byte that is
// not a valid tag, which permits trailing padding.
package pearchive

import "errors"

const (
	tagFile = 1
	tagDir  = 2
	tagPop  = 3

	// MaxNameLen is the longest file name the format carries (the tmpfs
	// limit).
	MaxNameLen = 255

	// MaxDepth bounds directory nesting for both packer and unpacker.
	MaxDepth = 32
)

var (
	ErrBadName          = errors.New("pearchive: invalid entry name")
	ErrNameTooLong      = errors.New("pearchive: entry name too long")
	ErrTooDeep          = errors.New("pearchive: directory nesting too deep")
	ErrEmptyStack       = errors.New("pearchive: pop past archive root")
	ErrTruncated        = errors.New("pearchive: archive truncated")
	ErrSizeLimit        = errors.New("pearchive: content exceeds size limit")
	ErrFileTooBig       = errors.New("pearchive: file does not fit in a u32")
	ErrNotADir          = errors.New("pearchive: path component is not a directory")
	ErrDuplicateEntry   = errors.New("pearchive: duplicate entry")
	ErrUnsupportedEntry = errors.New("pearchive: unsupported file type")
)

// validName rejects the names the format forbids: empty, ".", "..", names
// with NUL or path separators, and names over MaxNameLen bytes.
func validName(name string) error {
	if name == "" || name == "." || name == ".." {
		return ErrBadName
	}
	if len(name) > MaxNameLen {
		return ErrNameTooLong
	}
	for i := 0; i < len(name); i++ {
		switch name[i] {
		case 0, '/':
			return ErrBadName
		}
	}
	return nil
}

package worker

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/pexec/pexec/lib/wire"
)

// IOFile is one slot's preallocated request/response buffer. The host
// writes the request envelope at offset 0 and reads the response envelope
// at wire.ResponseOffset; the guest sees the whole file as a single
// writable pmem device. The file is created once and never reallocated.
type IOFile struct {
	path string
	f    *os.File
}

// NewIOFile creates (or reuses) the backing file and sizes it to the fixed
// I/O file length.
func NewIOFile(path string) (*IOFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open io file: %w", err)
	}
	if err := f.Truncate(wire.IOFileSize); err != nil {
		f.Close()
		return nil, fmt.Errorf("size io file: %w", err)
	}
	return &IOFile{path: path, f: f}, nil
}

// Path returns the backing file path handed to the hypervisor.
func (iof *IOFile) Path() string {
	return iof.path
}

func (iof *IOFile) Close() error {
	return iof.f.Close()
}

// WriteRequest lays out [u32 LE len][RunHeader JSON][pearchive input] at
// offset 0 and clears the stale response length so a crashed guest cannot
// replay the previous run's output. The request must fit below
// wire.ResponseOffset.
func (iof *IOFile) WriteRequest(header *wire.RunHeader, input []byte) error {
	var buf bytes.Buffer
	if _, err := wire.WriteEnvelope(&buf, header, bytes.NewReader(input)); err != nil {
		return err
	}
	if buf.Len() > wire.ResponseOffset {
		return fmt.Errorf("%w: %d bytes", ErrInputTooBig, buf.Len())
	}

	if err := iof.f.Truncate(0); err != nil {
		return fmt.Errorf("reset io file: %w", err)
	}
	if err := iof.f.Truncate(wire.IOFileSize); err != nil {
		return fmt.Errorf("size io file: %w", err)
	}
	if _, err := iof.f.WriteAt(buf.Bytes(), 0); err != nil {
		return fmt.Errorf("write request: %w", err)
	}
	if err := iof.f.Sync(); err != nil {
		return fmt.Errorf("sync io file: %w", err)
	}
	return nil
}

// ReadResponse decodes the guest's [u32 LE len][Response JSON][pearchive]
// from the response offset. The archive bytes are returned as a slice over
// a fresh copy of the tail.
func (iof *IOFile) ReadResponse() (*wire.Response, []byte, error) {
	var lenbuf [4]byte
	if _, err := iof.f.ReadAt(lenbuf[:], wire.ResponseOffset); err != nil {
		return nil, nil, fmt.Errorf("read response length: %w", err)
	}
	if binary.LittleEndian.Uint32(lenbuf[:]) == 0 {
		return nil, nil, wire.ErrShortEnvelope
	}

	section := io.NewSectionReader(iof.f, wire.ResponseOffset, wire.IOFileSize-wire.ResponseOffset)
	var resp wire.Response
	archive, err := wire.ReadEnvelope(section, &resp)
	if err != nil {
		return nil, nil, err
	}
	out, err := io.ReadAll(archive)
	if err != nil {
		return nil, nil, fmt.Errorf("read output archive: %w", err)
	}
	return &resp, out, nil
}

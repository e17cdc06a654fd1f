package guestinit

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/pexec/pexec/lib/pearchive"
	"github.com/pexec/pexec/lib/wire"
)

// ReadRequest decodes the run header from the top of the I/O device. The
// returned reader is positioned at the input archive.
func ReadRequest() (*wire.RunHeader, io.Reader, *os.File, error) {
	f, err := os.Open(IODevice)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open io device: %w", err)
	}
	var header wire.RunHeader
	archive, err := wire.ReadEnvelope(bufio.NewReader(io.LimitReader(f, wire.ResponseOffset)), &header)
	if err != nil {
		f.Close()
		return nil, nil, nil, fmt.Errorf("decode request: %w", err)
	}
	return &header, archive, f, nil
}

// UnpackInput materializes the input archive inside the container rootfs.
// The decoder stops at the zero padding after the archive.
func UnpackInput(archive io.Reader) error {
	dest := filepath.Join(BundleRootfs, ContainerInputDir)
	limits := pearchive.Limits{MaxBytes: wire.ResponseOffset, MaxFiles: 16384}
	if err := pearchive.UnpackDir(archive, dest, limits); err != nil {
		return fmt.Errorf("unpack input: %w", err)
	}
	return nil
}

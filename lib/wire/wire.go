// Package wire defines the request/response header types carried through the
// slot I/O file and over HTTP, together with the length-prefixed envelope
// framing shared by every transport in the system.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

// ContentTypePeArchiveV1 is the combined envelope media type:
// [u32 LE header len][header JSON][pearchive bytes].
const ContentTypePeArchiveV1 = "application/x.pe.archivev1"

const (
	// IOFileSize is the fixed size of a slot's I/O file. It is exposed to
	// the guest as a single writable pmem device and must be a multiple of
	// PmemAlign.
	IOFileSize = 2 << 20

	// ResponseOffset is where the guest writes the response envelope inside
	// the I/O file. Everything below it belongs to the request.
	ResponseOffset = 1 << 20

	// PmemAlign is the alignment cloud-hypervisor requires for pmem backing
	// files.
	PmemAlign = 2 << 20

	// MaxHeaderLen bounds the length-prefixed header of an envelope. A
	// header larger than this means a corrupt or hostile stream.
	MaxHeaderLen = 1 << 20
)

var (
	ErrHeaderTooBig  = errors.New("envelope header exceeds maximum length")
	ErrShortEnvelope = errors.New("envelope truncated")
)

// RunHeader is the host-to-guest request header. It is written at offset 0
// of the I/O file, immediately followed by the input pearchive.
type RunHeader struct {
	// Cmd overrides the image config's Cmd when non-nil.
	Cmd []string `json:"cmd,omitempty"`
	// Entrypoint overrides the image config's Entrypoint when non-nil.
	Entrypoint []string `json:"entrypoint,omitempty"`
	// Env entries are appended after the image config's Env.
	Env []string `json:"env,omitempty"`
	// Stdin names a file inside the input archive to wire to the
	// container's stdin. Empty means /dev/null.
	Stdin string `json:"stdin,omitempty"`
	// RootfsPrefix selects which flattened tree inside the image to use.
	RootfsPrefix string `json:"rootfs_prefix"`
	// WallClockMS is the budget for the container, measured from spawn.
	WallClockMS uint32 `json:"wall_clock_ms"`
	// MaxOutputBytes bounds the output tmpfs.
	MaxOutputBytes uint32 `json:"max_output_bytes"`
	// UID and GID run the container process when the image config carries
	// no numeric user.
	UID uint32 `json:"uid"`
	GID uint32 `json:"gid"`
	// ImageConfigJSON is the OCI image config for the selected rootfs,
	// verbatim, so the guest can assemble the bundle without access to the
	// image index.
	ImageConfigJSON []byte `json:"image_config"`
}

// WallClock returns the wall-clock budget as a duration.
func (h *RunHeader) WallClock() time.Duration {
	return time.Duration(h.WallClockMS) * time.Millisecond
}

// Siginfo mirrors the POSIX siginfo_t fields relevant to termination of the
// container process.
type Siginfo struct {
	// Code is CLD_EXITED, CLD_KILLED or CLD_DUMPED.
	Code int32 `json:"code"`
	// Status is the exit status for CLD_EXITED, otherwise the signal
	// number.
	Status int32 `json:"status"`
}

const (
	CldExited = 1
	CldKilled = 2
	CldDumped = 3
)

// Exited reports whether the process exited normally with the given status.
func (s Siginfo) Exited() (int, bool) {
	if s.Code == CldExited {
		return int(s.Status), true
	}
	return 0, false
}

// Rusage mirrors the POSIX rusage fields we report.
type Rusage struct {
	UtimeUS int64 `json:"utime_us"`
	StimeUS int64 `json:"stime_us"`
	MaxRSS  int64 `json:"maxrss"`
	Minflt  int64 `json:"minflt"`
	Majflt  int64 `json:"majflt"`
	Inblock int64 `json:"inblock"`
	Oublock int64 `json:"oublock"`
	Nvcsw   int64 `json:"nvcsw"`
	Nivcsw  int64 `json:"nivcsw"`
}

// ResponseKind tags the Response union.
type ResponseKind string

const (
	ResponseOk       ResponseKind = "ok"
	ResponseOvertime ResponseKind = "overtime"
	ResponsePanic    ResponseKind = "panic"
)

// Response is the guest-to-host result header, written at ResponseOffset of
// the I/O file and followed by the output pearchive.
type Response struct {
	Kind    ResponseKind `json:"kind"`
	Siginfo *Siginfo     `json:"siginfo,omitempty"`
	Rusage  *Rusage      `json:"rusage,omitempty"`
	// Message is set for Kind == ResponsePanic.
	Message string `json:"message,omitempty"`
}

// GuestPanic builds the response the host substitutes when the guest died
// without writing one.
func GuestPanic(msg string) Response {
	return Response{Kind: ResponsePanic, Message: msg}
}

// WriteEnvelope writes [u32 LE len][header JSON] followed by a copy of
// archive (which may be nil for an empty archive). Returns the total number
// of bytes written.
func WriteEnvelope(w io.Writer, header any, archive io.Reader) (int64, error) {
	hdr, err := json.Marshal(header)
	if err != nil {
		return 0, fmt.Errorf("marshal header: %w", err)
	}
	if len(hdr) > MaxHeaderLen {
		return 0, ErrHeaderTooBig
	}
	var lenbuf [4]byte
	binary.LittleEndian.PutUint32(lenbuf[:], uint32(len(hdr)))
	if _, err := w.Write(lenbuf[:]); err != nil {
		return 0, fmt.Errorf("write header length: %w", err)
	}
	if _, err := w.Write(hdr); err != nil {
		return 0, fmt.Errorf("write header: %w", err)
	}
	total := int64(4 + len(hdr))
	if archive != nil {
		n, err := io.Copy(w, archive)
		total += n
		if err != nil {
			return total, fmt.Errorf("write archive: %w", err)
		}
	}
	return total, nil
}

// ReadEnvelope decodes the length-prefixed header into out and returns a
// reader positioned at the start of the archive bytes.
func ReadEnvelope(r io.Reader, out any) (io.Reader, error) {
	var lenbuf [4]byte
	if _, err := io.ReadFull(r, lenbuf[:]); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrShortEnvelope, err)
	}
	n := binary.LittleEndian.Uint32(lenbuf[:])
	if n > MaxHeaderLen {
		return nil, ErrHeaderTooBig
	}
	hdr := make([]byte, n)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrShortEnvelope, err)
	}
	if err := json.Unmarshal(hdr, out); err != nil {
		return nil, fmt.Errorf("decode header: %w", err)
	}
	return r, nil
}

// SplitEnvelope is the in-memory variant of ReadEnvelope: it decodes the
// header and returns the remaining archive bytes without copying.
func SplitEnvelope(b []byte, out any) ([]byte, error) {
	if len(b) < 4 {
		return nil, ErrShortEnvelope
	}
	n := binary.LittleEndian.Uint32(b[:4])
	if n > MaxHeaderLen {
		return nil, ErrHeaderTooBig
	}
	if uint64(len(b)) < 4+uint64(n) {
		return nil, ErrShortEnvelope
	}
	if err := json.Unmarshal(b[4:4+n], out); err != nil {
		return nil, fmt.Errorf("decode header: %w", err)
	}
	return b[4+n:], nil
}

// RoundUpPmem returns size rounded up to the pmem alignment. A zero size
// still occupies one alignment unit.
func RoundUpPmem(size int64) int64 {
	if size <= 0 {
		return PmemAlign
	}
	return (size + PmemAlign - 1) / PmemAlign * PmemAlign
}

package images

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/pexec/pexec/lib/oci"
)

// The IPC surface is a seqpacket Unix socket; each datagram is one
// length-prefixed JSON frame [u32 LE len][json]. Callers open the returned
// artifact path themselves, no descriptor passing involved.

const maxFrameLen = 64 << 10

// Frame kinds map onto the spec's error taxonomy.
const (
	errKindNotFound     = "not_found"
	errKindUnauthorized = "unauthorized"
	errKindInvalidRef   = "invalid_reference"
	errKindTooLarge     = "too_large"
	errKindBuildFailed  = "build_failed"
	errKindLeased       = "leased"
	errKindInternal     = "internal"
)

type ipcRequest struct {
	Op          string `json:"op"` // lookup | materialize | evict | lease | release | list
	Ref         string `json:"ref,omitempty"`
	Arch        string `json:"arch,omitempty"`
	OS          string `json:"os,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`
}

type ipcResponse struct {
	Path      string         `json:"path,omitempty"`
	Prefix    string         `json:"prefix,omitempty"`
	Artifacts []ArtifactInfo `json:"artifacts,omitempty"`
	Err       *ipcError      `json:"err,omitempty"`
}

type ipcError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Server serves Manager operations over a seqpacket Unix socket.
type Server struct {
	mgr Manager
	ln  *net.UnixListener
}

// NewServer binds the socket at path, replacing a stale one.
func NewServer(mgr Manager, path string) (*Server, error) {
	_ = os.Remove(path)
	addr := &net.UnixAddr{Net: "unixpacket", Name: path}
	ln, err := net.ListenUnix("unixpacket", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", path, err)
	}
	return &Server{mgr: mgr, ln: ln}, nil
}

// Serve accepts connections until ctx is done.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.ln.Close()
	}()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		go s.serveConn(ctx, conn)
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	buf := make([]byte, maxFrameLen)
	for {
		req, err := readFrame[ipcRequest](conn, buf)
		if err != nil {
			return
		}
		resp := s.handle(ctx, req)
		if err := writeFrame(conn, resp); err != nil {
			return
		}
	}
}

func (s *Server) handle(ctx context.Context, req *ipcRequest) *ipcResponse {
	switch req.Op {
	case "lookup", "materialize":
		ref, err := oci.ParseReference(req.Ref, false)
		if err != nil {
			return errResponse(err)
		}
		platform := oci.Platform{OS: req.OS, Architecture: req.Arch}
		var out *ImageRef
		if req.Op == "lookup" {
			out, err = s.mgr.Lookup(ctx, ref, platform)
		} else {
			out, err = s.mgr.Materialize(ctx, ref, platform)
		}
		if err != nil {
			slog.WarnContext(ctx, "image request failed", "op", req.Op, "ref", req.Ref, "error", err)
			return errResponse(err)
		}
		return &ipcResponse{Path: out.Path, Prefix: out.Prefix}
	case "evict":
		if err := s.mgr.Evict(ctx, req.Fingerprint); err != nil {
			return errResponse(err)
		}
		return &ipcResponse{}
	case "lease":
		s.mgr.Acquire(req.Fingerprint)
		return &ipcResponse{}
	case "release":
		s.mgr.Release(req.Fingerprint)
		return &ipcResponse{}
	case "list":
		infos, err := s.mgr.List(ctx)
		if err != nil {
			return errResponse(err)
		}
		return &ipcResponse{Artifacts: infos}
	default:
		return &ipcResponse{Err: &ipcError{Kind: errKindInternal, Message: "unknown op " + req.Op}}
	}
}

func errResponse(err error) *ipcResponse {
	kind := errKindInternal
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, oci.ErrNotFound):
		kind = errKindNotFound
	case errors.Is(err, oci.ErrUnauthorized):
		kind = errKindUnauthorized
	case errors.Is(err, oci.ErrInvalidReference), errors.Is(err, oci.ErrLatestForbidden),
		errors.Is(err, oci.ErrNoPlatform):
		kind = errKindInvalidRef
	case errors.Is(err, oci.ErrTooLarge):
		kind = errKindTooLarge
	case errors.Is(err, oci.ErrCorrupt), errors.Is(err, ErrBuildFailed):
		kind = errKindBuildFailed
	case errors.Is(err, ErrLeased):
		kind = errKindLeased
	}
	return &ipcResponse{Err: &ipcError{Kind: kind, Message: err.Error()}}
}

// sentinelFor maps a wire error kind back onto the package sentinels so
// client callers can use errors.Is across the IPC boundary.
func sentinelFor(e *ipcError) error {
	var base error
	switch e.Kind {
	case errKindNotFound:
		base = oci.ErrNotFound
	case errKindUnauthorized:
		base = oci.ErrUnauthorized
	case errKindInvalidRef:
		base = oci.ErrInvalidReference
	case errKindTooLarge:
		base = oci.ErrTooLarge
	case errKindBuildFailed:
		base = ErrBuildFailed
	case errKindLeased:
		base = ErrLeased
	default:
		return errors.New(e.Message)
	}
	return fmt.Errorf("%w: %s", base, e.Message)
}

// Client talks to a Server. Calls are serialized over one connection, so a
// single Client is safe to share across worker goroutines.
type Client struct {
	mu   sync.Mutex
	conn net.Conn
	buf  []byte
}

// Dial connects to the image service socket.
func Dial(path string) (*Client, error) {
	conn, err := net.DialUnix("unixpacket", nil, &net.UnixAddr{Net: "unixpacket", Name: path})
	if err != nil {
		return nil, fmt.Errorf("dial image service: %w", err)
	}
	return &Client{conn: conn, buf: make([]byte, maxFrameLen)}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) roundTrip(req *ipcRequest) (*ipcResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := writeFrame(c.conn, req); err != nil {
		return nil, err
	}
	resp, err := readFrame[ipcResponse](c.conn, c.buf)
	if err != nil {
		return nil, err
	}
	if resp.Err != nil {
		return nil, sentinelFor(resp.Err)
	}
	return resp, nil
}

// Lookup peeks the remote cache.
func (c *Client) Lookup(ref *oci.Reference, platform oci.Platform) (*ImageRef, error) {
	resp, err := c.roundTrip(&ipcRequest{Op: "lookup", Ref: ref.String(), Arch: platform.Architecture, OS: platform.OS})
	if err != nil {
		return nil, err
	}
	return &ImageRef{Fingerprint: Fingerprint(ref, platform), Path: resp.Path, Prefix: resp.Prefix}, nil
}

// Materialize returns the artifact, building it remotely if needed.
func (c *Client) Materialize(ref *oci.Reference, platform oci.Platform) (*ImageRef, error) {
	resp, err := c.roundTrip(&ipcRequest{Op: "materialize", Ref: ref.String(), Arch: platform.Architecture, OS: platform.OS})
	if err != nil {
		return nil, err
	}
	return &ImageRef{Fingerprint: Fingerprint(ref, platform), Path: resp.Path, Prefix: resp.Prefix}, nil
}

// Evict removes the artifact with the given fingerprint.
func (c *Client) Evict(fingerprint string) error {
	_, err := c.roundTrip(&ipcRequest{Op: "evict", Fingerprint: fingerprint})
	return err
}

// List returns metadata for every cached artifact.
func (c *Client) List() ([]ArtifactInfo, error) {
	resp, err := c.roundTrip(&ipcRequest{Op: "list"})
	if err != nil {
		return nil, err
	}
	return resp.Artifacts, nil
}

// Lease pins the artifact against eviction for the duration of a run.
func (c *Client) Lease(fingerprint string) error {
	_, err := c.roundTrip(&ipcRequest{Op: "lease", Fingerprint: fingerprint})
	return err
}

// Release drops a pin taken with Lease.
func (c *Client) Release(fingerprint string) error {
	_, err := c.roundTrip(&ipcRequest{Op: "release", Fingerprint: fingerprint})
	return err
}

func writeFrame(conn net.Conn, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	frame := make([]byte, 4+len(body))
	binary.LittleEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[4:], body)
	if _, err := conn.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func readFrame[T any](conn net.Conn, buf []byte) (*T, error) {
	n, err := conn.Read(buf)
	if err != nil {
		return nil, err
	}
	if n < 4 {
		return nil, errors.New("short frame")
	}
	bodyLen := binary.LittleEndian.Uint32(buf)
	if int(bodyLen) != n-4 {
		return nil, fmt.Errorf("frame length mismatch: prefix %d, datagram %d", bodyLen, n-4)
	}
	out := new(T)
	if err := json.Unmarshal(buf[4:n], out); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return out, nil
}

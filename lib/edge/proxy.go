// Package edge is the HTTP dispatch layer: it validates run requests and
// relays them to worker daemons, mapping failures onto the public status
// codes.
package edge

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// Backend is one worker daemon the edge can dispatch to.
type Backend struct {
	Name   string
	client *http.Client
}

// NewUnixBackend dials a worker over its Unix socket.
func NewUnixBackend(socketPath string) *Backend {
	return &Backend{
		Name: socketPath,
		client: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
		},
	}
}

// NewTCPBackend dials a worker over TCP.
func NewTCPBackend(addr string) *Backend {
	return &Backend{
		Name:   addr,
		client: &http.Client{},
	}
}

func (b *Backend) url(path string) string {
	if strings.HasPrefix(b.Name, "/") || strings.HasSuffix(b.Name, ".sock") {
		return "http://worker" + path
	}
	return "http://" + b.Name + path
}

func (b *Backend) do(req *http.Request) (*http.Response, error) {
	return b.client.Do(req)
}

// healthy probes the worker's health endpoint.
func (b *Backend) healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.url("/health"), nil)
	if err != nil {
		return false
	}
	resp, err := b.do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

// pickBackend rotates round robin.
func (d *Dispatcher) pickBackend() *Backend {
	n := d.next.Add(1)
	return d.backends[int(n-1)%len(d.backends)]
}

// forward relays the request body to a worker and streams the worker's
// response back verbatim. If the worker cannot be reached, the edge answers
// 502 itself; a mid-stream copy failure is only returned, since the status
// line is already out.
func (d *Dispatcher) forward(ctx context.Context, path, contentType string, contentLength int64, body io.Reader, w http.ResponseWriter) error {
	backend := d.pickBackend()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, backend.url(path), body)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return err
	}
	req.Header.Set("Content-Type", contentType)
	req.ContentLength = contentLength

	resp, err := backend.do(req)
	if err != nil {
		http.Error(w, "worker unavailable", http.StatusBadGateway)
		return fmt.Errorf("worker %s: %w", backend.Name, err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(resp.StatusCode)
	_, err = io.Copy(w, resp.Body)
	return err
}

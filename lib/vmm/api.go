// Package vmm drives a cloud-hypervisor-compatible hypervisor: its REST API
// over a per-VM Unix socket, and the child process carrying it.
package vmm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// CpusConfig describes the guest vCPUs.
type CpusConfig struct {
	BootVcpus int `json:"boot_vcpus"`
	MaxVcpus  int `json:"max_vcpus"`
}

// MemoryConfig describes guest memory. Shared must be set for VMs that will
// be snapshotted.
type MemoryConfig struct {
	Size           int64 `json:"size"`
	Thp            bool  `json:"thp,omitempty"`
	Hugepages      bool  `json:"hugepages,omitempty"`
	Shared         bool  `json:"shared,omitempty"`
	HotplugEnabled bool  `json:"hotplug_enabled,omitempty"`
}

// PayloadConfig is the direct-boot kernel payload.
type PayloadConfig struct {
	Kernel    string `json:"kernel,omitempty"`
	Initramfs string `json:"initramfs,omitempty"`
	Cmdline   string `json:"cmdline,omitempty"`
}

// PmemConfig exposes a host file to the guest as a pmem block device.
// The backing file must be a 2-MiB multiple.
type PmemConfig struct {
	File          string `json:"file"`
	DiscardWrites bool   `json:"discard_writes,omitempty"`
	ID            string `json:"id,omitempty"`
}

// VsockConfig describes the guest vsock device backed by a host Unix socket.
type VsockConfig struct {
	CID    int64  `json:"cid"`
	Socket string `json:"socket"`
	ID     string `json:"id,omitempty"`
}

// ConsoleConfig selects a console backend; runs use Off everywhere.
type ConsoleConfig struct {
	Mode string `json:"mode"`
	File string `json:"file,omitempty"`
}

// VmConfig is the body of vm.create.
type VmConfig struct {
	Cpus    *CpusConfig    `json:"cpus,omitempty"`
	Memory  *MemoryConfig  `json:"memory,omitempty"`
	Payload PayloadConfig  `json:"payload"`
	Pmem    []PmemConfig   `json:"pmem,omitempty"`
	Vsock   *VsockConfig   `json:"vsock,omitempty"`
	Serial  *ConsoleConfig `json:"serial,omitempty"`
	Console *ConsoleConfig `json:"console,omitempty"`
}

// VmInfo is the subset of vm.info the worker inspects.
type VmInfo struct {
	State string `json:"state"`
}

// Client issues REST calls to one hypervisor's API socket.
type Client struct {
	socketPath string
	http       *http.Client
}

// NewClient builds a client for the given API socket path.
func NewClient(socketPath string) *Client {
	return &Client{
		socketPath: socketPath,
		http: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
			Timeout: 30 * time.Second,
		},
	}
}

func (c *Client) do(ctx context.Context, method, endpoint string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", endpoint, err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, "http://localhost/api/v1/"+endpoint, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s: status %d: %s", method, endpoint, resp.StatusCode, bytes.TrimSpace(msg))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s response: %w", endpoint, err)
		}
	}
	return nil
}

// Ping checks the API is up.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "vmm.ping", nil, nil)
}

// Create describes the VM to the hypervisor without booting it.
func (c *Client) Create(ctx context.Context, cfg *VmConfig) error {
	return c.do(ctx, http.MethodPut, "vm.create", cfg, nil)
}

// Boot starts the vCPUs.
func (c *Client) Boot(ctx context.Context) error {
	return c.do(ctx, http.MethodPut, "vm.boot", nil, nil)
}

// Info returns the VM state.
func (c *Client) Info(ctx context.Context) (*VmInfo, error) {
	var info VmInfo
	if err := c.do(ctx, http.MethodGet, "vm.info", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Reboot power-cycles the guest.
func (c *Client) Reboot(ctx context.Context) error {
	return c.do(ctx, http.MethodPut, "vm.reboot", nil, nil)
}

// Shutdown stops the vCPUs.
func (c *Client) Shutdown(ctx context.Context) error {
	return c.do(ctx, http.MethodPut, "vm.shutdown", nil, nil)
}

// Delete removes the VM from the hypervisor.
func (c *Client) Delete(ctx context.Context) error {
	return c.do(ctx, http.MethodPut, "vm.delete", nil, nil)
}

// Pause freezes the vCPUs; required before Snapshot.
func (c *Client) Pause(ctx context.Context) error {
	return c.do(ctx, http.MethodPut, "vm.pause", nil, nil)
}

// Resume unfreezes the vCPUs.
func (c *Client) Resume(ctx context.Context) error {
	return c.do(ctx, http.MethodPut, "vm.resume", nil, nil)
}

// Snapshot writes the paused VM's memory and device state under destURL
// (a file:// URL of a directory).
func (c *Client) Snapshot(ctx context.Context, destURL string) error {
	body := struct {
		DestinationURL string `json:"destination_url"`
	}{destURL}
	return c.do(ctx, http.MethodPut, "vm.snapshot", body, nil)
}

// Restore recreates a VM from a snapshot directory; the VM comes up paused.
func (c *Client) Restore(ctx context.Context, srcURL string) error {
	body := struct {
		SourceURL string `json:"source_url"`
		Prefault  bool   `json:"prefault,omitempty"`
	}{SourceURL: srcURL}
	return c.do(ctx, http.MethodPut, "vm.restore", body, nil)
}

// RemoveDevice hot-removes a device by id.
func (c *Client) RemoveDevice(ctx context.Context, id string) error {
	body := struct {
		ID string `json:"id"`
	}{id}
	return c.do(ctx, http.MethodPut, "vm.remove-device", body, nil)
}

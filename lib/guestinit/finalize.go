package guestinit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/sys/unix"

	"github.com/pexec/pexec/lib/pearchive"
	"github.com/pexec/pexec/lib/wire"
)

const truncationMarker = "\n[pexec: output truncated]\n"

// responseCapacity is the byte budget for the whole response envelope.
const responseCapacity = wire.IOFileSize - wire.ResponseOffset

// WriteResponse writes [u32 LE len][Response JSON][pearchive output] at the
// response offset of the I/O device and syncs it. The output archive is
// truncated, largest files first, until the envelope fits the region.
func WriteResponse(resp *wire.Response) error {
	hdr, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("marshal response: %w", err)
	}

	entries := collectOutput()
	archive, err := packBounded(entries, responseCapacity-4-len(hdr))
	if err != nil {
		return err
	}

	f, err := os.OpenFile(IODevice, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("open io device: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	if _, err := wire.WriteEnvelope(&buf, resp, bytes.NewReader(archive)); err != nil {
		return err
	}
	if _, err := f.WriteAt(buf.Bytes(), wire.ResponseOffset); err != nil {
		return fmt.Errorf("write response: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync io device: %w", err)
	}
	return nil
}

// collectOutput reads the output directory fully; the tmpfs size bound
// keeps this in memory budget. Unreadable entries are skipped rather than
// failing the whole response.
func collectOutput() []pearchive.MemEntry {
	var entries []pearchive.MemEntry
	root := OutputDir
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		entries = append(entries, pearchive.MemEntry{Path: rel, Data: data})
		return nil
	})
	return entries
}

// packBounded packs the entries, shaving the largest files until the
// archive fits budget. A truncated stderr (or stdout) carries a marker so
// the client can tell.
func packBounded(entries []pearchive.MemEntry, budget int) ([]byte, error) {
	if budget <= 0 {
		return nil, ErrOutputTooBig
	}
	truncated := false
	for attempt := 0; attempt < 64; attempt++ {
		var buf bytes.Buffer
		if err := pearchive.PackMem(&buf, entries); err != nil {
			return nil, fmt.Errorf("pack output: %w", err)
		}
		over := buf.Len() - budget
		if over <= 0 {
			return buf.Bytes(), nil
		}
		if !truncated {
			truncated = true
			entries = appendMarker(entries)
		}

		// shave the largest entry
		sort.SliceStable(entries, func(i, j int) bool {
			return len(entries[i].Data) > len(entries[j].Data)
		})
		if len(entries) == 0 || len(entries[0].Data) == 0 {
			return nil, ErrOutputTooBig
		}
		keep := len(entries[0].Data) - over
		if keep < 0 {
			keep = 0
		}
		entries[0].Data = entries[0].Data[:keep]
	}
	return nil, ErrOutputTooBig
}

func appendMarker(entries []pearchive.MemEntry) []pearchive.MemEntry {
	for i := range entries {
		if entries[i].Path == "stderr" {
			entries[i].Data = append(entries[i].Data, truncationMarker...)
			return entries
		}
	}
	return append(entries, pearchive.MemEntry{Path: "stderr", Data: []byte(truncationMarker)})
}

// PowerOff shuts the VM down. PID 1 must never simply exit; the fallback
// exit only runs if the reboot syscall itself fails.
func PowerOff() {
	unix.Sync()
	_ = unix.Reboot(unix.LINUX_REBOOT_CMD_POWER_OFF)
	os.Exit(1)
}

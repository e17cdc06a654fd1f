package pearchive

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Packer emits the archive token stream to a writer. Callers drive it with
// File/Dir/Pop in depth-first order; PackDir and PackMem are the usual entry
// points.
type Packer struct {
	w     *bufio.Writer
	depth int
}

func NewPacker(w io.Writer) *Packer {
	return &Packer{w: bufio.NewWriter(w)}
}

func (p *Packer) File(name string, size uint32, content io.Reader) error {
	if err := validName(name); err != nil {
		return err
	}
	if err := p.w.WriteByte(tagFile); err != nil {
		return err
	}
	if err := p.writeName(name); err != nil {
		return err
	}
	var lenbuf [4]byte
	binary.LittleEndian.PutUint32(lenbuf[:], size)
	if _, err := p.w.Write(lenbuf[:]); err != nil {
		return err
	}
	n, err := io.Copy(p.w, io.LimitReader(content, int64(size)))
	if err != nil {
		return err
	}
	if n != int64(size) {
		return ErrTruncated
	}
	return nil
}

func (p *Packer) Dir(name string) error {
	if err := validName(name); err != nil {
		return err
	}
	if p.depth >= MaxDepth {
		return ErrTooDeep
	}
	p.depth++
	if err := p.w.WriteByte(tagDir); err != nil {
		return err
	}
	return p.writeName(name)
}

func (p *Packer) Pop() error {
	if p.depth == 0 {
		return ErrEmptyStack
	}
	p.depth--
	return p.w.WriteByte(tagPop)
}

func (p *Packer) Flush() error {
	return p.w.Flush()
}

func (p *Packer) writeName(name string) error {
	if _, err := p.w.WriteString(name); err != nil {
		return err
	}
	return p.w.WriteByte(0)
}

// PackDir walks dir and writes its contents as an archive. Only regular
// files and directories are packed; symlinks, devices and the like are
// rejected. Entries are emitted in name order so the output is
// deterministic.
func PackDir(w io.Writer, dir string) error {
	p := NewPacker(w)
	if err := packDir(p, dir); err != nil {
		return err
	}
	return p.Flush()
}

func packDir(p *Packer, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read dir %s: %w", dir, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	for _, ent := range entries {
		path := filepath.Join(dir, ent.Name())
		switch {
		case ent.IsDir():
			if err := p.Dir(ent.Name()); err != nil {
				return err
			}
			if err := packDir(p, path); err != nil {
				return err
			}
			if err := p.Pop(); err != nil {
				return err
			}
		case ent.Type().IsRegular():
			if err := packFile(p, ent.Name(), path); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%w: %s", ErrUnsupportedEntry, path)
		}
	}
	return nil
}

func packFile(p *Packer, name, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return err
	}
	if st.Size() > int64(^uint32(0)) {
		return ErrFileTooBig
	}
	return p.File(name, uint32(st.Size()), f)
}

// MemEntry is an in-memory file for PackMem. Path uses "/" separators and
// must not contain empty, "." or ".." components.
type MemEntry struct {
	Path string
	Data []byte
}

// PackMem packs a list of in-memory files. Entries are grouped by directory
// and sorted so each directory is entered exactly once.
func PackMem(w io.Writer, entries []MemEntry) error {
	sorted := make([]MemEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	p := NewPacker(w)
	var open []string // current directory stack

	for i, ent := range sorted {
		if i > 0 && ent.Path == sorted[i-1].Path {
			return fmt.Errorf("%w: %s", ErrDuplicateEntry, ent.Path)
		}
		parts := strings.Split(ent.Path, "/")
		for _, part := range parts {
			if err := validName(part); err != nil {
				return fmt.Errorf("%w: %q", err, ent.Path)
			}
		}
		dirs, name := parts[:len(parts)-1], parts[len(parts)-1]

		// pop to the common ancestor, then descend
		common := 0
		for common < len(open) && common < len(dirs) && open[common] == dirs[common] {
			common++
		}
		for len(open) > common {
			if err := p.Pop(); err != nil {
				return err
			}
			open = open[:len(open)-1]
		}
		for _, d := range dirs[common:] {
			if err := p.Dir(d); err != nil {
				return err
			}
			open = append(open, d)
		}

		if len(ent.Data) > int(^uint32(0)) {
			return ErrFileTooBig
		}
		if err := p.File(name, uint32(len(ent.Data)), bytes.NewReader(ent.Data)); err != nil {
			return err
		}
	}
	for range open {
		if err := p.Pop(); err != nil {
			return err
		}
	}
	return p.Flush()
}

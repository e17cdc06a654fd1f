package system

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/cavaliergopher/cpio"
	"github.com/klauspost/compress/gzip"
)

// InitramfsSpec describes what goes into the guest initramfs.
type InitramfsSpec struct {
	// InitBin is the guest init binary, installed as /init.
	InitBin string
	// RuntimeBin is the OCI runtime, installed as /bin/crun.
	RuntimeBin string
	// BusyboxBin is optional; when set it is installed as /bin/busybox
	// with applet symlinks for the common shell tools.
	BusyboxBin string
	// ExtraDir is optional; its contents are copied in verbatim.
	ExtraDir string
}

// busyboxApplets are the symlinks created next to /bin/busybox.
var busyboxApplets = []string{"sh", "ls", "cat", "mount", "umount", "ps", "mkdir"}

// initramfsDirs is the skeleton the guest init expects to exist at boot.
var initramfsDirs = []string{
	"bin", "dev", "mnt", "proc", "run", "sys", "sys/fs", "sys/fs/cgroup",
}

// BuildInitramfs writes a gzip-compressed newc cpio archive to w.
func BuildInitramfs(w io.Writer, spec InitramfsSpec) error {
	zw := gzip.NewWriter(w)
	cw := cpio.NewWriter(zw)

	for _, dir := range initramfsDirs {
		if err := writeDir(cw, dir); err != nil {
			return err
		}
	}

	if err := writeFileFrom(cw, "init", spec.InitBin, 0o755); err != nil {
		return err
	}
	if err := writeFileFrom(cw, "bin/crun", spec.RuntimeBin, 0o755); err != nil {
		return err
	}
	if spec.BusyboxBin != "" {
		if err := writeFileFrom(cw, "bin/busybox", spec.BusyboxBin, 0o755); err != nil {
			return err
		}
		for _, applet := range busyboxApplets {
			if err := writeSymlink(cw, "bin/"+applet, "busybox"); err != nil {
				return err
			}
		}
	}
	if spec.ExtraDir != "" {
		if err := writeTree(cw, spec.ExtraDir); err != nil {
			return err
		}
	}

	if err := cw.Close(); err != nil {
		return fmt.Errorf("close cpio: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("close gzip: %w", err)
	}
	return nil
}

func writeDir(w *cpio.Writer, name string) error {
	hdr := &cpio.Header{
		Name:  name,
		Mode:  cpio.TypeDir | 0o755,
		Links: 2,
	}
	if err := w.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write dir %s: %w", name, err)
	}
	return nil
}

func writeSymlink(w *cpio.Writer, name, target string) error {
	hdr := &cpio.Header{
		Name: name,
		Mode: cpio.TypeSymlink | 0o777,
		Size: int64(len(target)),
	}
	if err := w.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write symlink %s: %w", name, err)
	}
	if _, err := w.Write([]byte(target)); err != nil {
		return fmt.Errorf("write symlink target %s: %w", name, err)
	}
	return nil
}

func writeFileFrom(w *cpio.Writer, name, src string, mode cpio.FileMode) error {
	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return err
	}
	hdr := &cpio.Header{
		Name: name,
		Mode: cpio.TypeReg | mode,
		Size: st.Size(),
	}
	if err := w.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write file %s: %w", name, err)
	}
	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("write file body %s: %w", name, err)
	}
	return nil
}

// writeTree copies a directory tree into the archive verbatim. Only
// regular files, directories and symlinks are carried.
func writeTree(w *cpio.Writer, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil || rel == "." {
			return err
		}
		rel = strings.ReplaceAll(rel, string(filepath.Separator), "/")
		switch {
		case d.IsDir():
			return writeDir(w, rel)
		case d.Type()&fs.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return writeSymlink(w, rel, target)
		case d.Type().IsRegular():
			info, err := d.Info()
			if err != nil {
				return err
			}
			return writeFileFrom(w, rel, path, cpio.FileMode(info.Mode().Perm()))
		default:
			return nil
		}
	})
}

package guestinit

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

// SetupMounts brings up the base mount table: proc, sysfs, cgroup2,
// devtmpfs, and the scratch tmpfs instances backing the overlay upper
// layer and the bundle.
func SetupMounts() error {
	type m struct {
		source, target, fstype, data string
		flags                        uintptr
	}
	mounts := []m{
		{"none", "/proc", "proc", "", 0},
		{"none", "/sys", "sysfs", "", 0},
		{"none", "/sys/fs/cgroup", "cgroup2", "", 0},
		{"none", "/dev", "devtmpfs", "", 0},
		// upper and work must share a filesystem for overlayfs
		{"none", "/mnt", "tmpfs", "size=256M,mode=755", 0},
		{"none", "/run", "tmpfs", "size=16M,mode=755", 0},
	}
	for _, mt := range mounts {
		if err := os.MkdirAll(mt.target, 0o755); err != nil {
			return fmt.Errorf("mkdir %s: %w", mt.target, err)
		}
		if err := unix.Mount(mt.source, mt.target, mt.fstype, unix.MS_SILENT|mt.flags, mt.data); err != nil {
			return fmt.Errorf("mount %s: %w", mt.target, err)
		}
	}

	for _, dir := range []string{ImageMount, RootfsMount, UpperDir, WorkDir, BundleRootfs, filepath.Dir(OutputDir)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}

	return nil
}

// MountOutputTmpfs mounts the output directory as its own tmpfs instance so
// the size bound doubles as the output budget.
func MountOutputTmpfs(maxOutputBytes uint32) error {
	if err := os.MkdirAll(OutputDir, 0o777); err != nil {
		return fmt.Errorf("mkdir %s: %w", OutputDir, err)
	}
	data := fmt.Sprintf("size=%d,mode=777", maxOutputBytes)
	if err := unix.Mount("none", OutputDir, "tmpfs", unix.MS_SILENT, data); err != nil {
		return fmt.Errorf("mount output tmpfs: %w", err)
	}
	if err := os.Chmod(OutputDir, 0o777); err != nil {
		return fmt.Errorf("chmod output: %w", err)
	}
	return nil
}

// WaitForPmem blocks until every named device node exists, watching /dev
// with inotify since device registration races the init process.
func WaitForPmem(devices []string, timeout time.Duration) error {
	missing := func() []string {
		var out []string
		for _, d := range devices {
			if _, err := os.Stat(d); err != nil {
				out = append(out, d)
			}
		}
		return out
	}
	if len(missing()) == 0 {
		return nil
	}

	fd, err := unix.InotifyInit1(unix.IN_CLOEXEC)
	if err != nil {
		return fmt.Errorf("inotify init: %w", err)
	}
	defer unix.Close(fd)
	if _, err := unix.InotifyAddWatch(fd, "/dev", unix.IN_CREATE); err != nil {
		return fmt.Errorf("inotify watch /dev: %w", err)
	}

	deadline := time.Now().Add(timeout)
	buf := make([]byte, 4096)
	for {
		rest := missing()
		if len(rest) == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %v", ErrNoPmem, rest)
		}
		log.Printf("waiting for %v", rest)

		// poll so a device created between the stat and the watch setup
		// cannot park us forever
		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
		n, err := unix.Poll(fds, 1000)
		if err != nil && err != unix.EINTR {
			return fmt.Errorf("poll inotify: %w", err)
		}
		if n > 0 {
			if _, err := unix.Read(fd, buf); err != nil && err != unix.EINTR {
				return fmt.Errorf("inotify read: %w", err)
			}
		}
	}
}

// MountRootfs mounts the image read-only, binds the selected rootfs tree,
// and composes the overlay the container will run in.
func MountRootfs(prefix string) error {
	if err := unix.Mount(ImageDevice, ImageMount, "erofs", unix.MS_RDONLY|unix.MS_SILENT, ""); err != nil {
		return fmt.Errorf("mount image: %w", err)
	}

	subtree := filepath.Join(ImageMount, prefix)
	if st, err := os.Stat(subtree); err != nil || !st.IsDir() {
		return fmt.Errorf("%w: %s", ErrNoRootfs, prefix)
	}
	if err := unix.Mount(subtree, RootfsMount, "", unix.MS_BIND|unix.MS_SILENT, ""); err != nil {
		return fmt.Errorf("bind rootfs: %w", err)
	}

	data := fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s", RootfsMount, UpperDir, WorkDir)
	if err := unix.Mount("none", BundleRootfs, "overlay", unix.MS_SILENT, data); err != nil {
		return fmt.Errorf("mount overlay: %w", err)
	}
	return nil
}

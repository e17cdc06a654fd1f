// Package guestinit is the logic behind the in-VM PID 1: it assembles the
// container rootfs from the pmem devices, runs the OCI runtime under the
// wall-clock budget, packs the output, and powers the VM off on every exit
// path.
package guestinit

import "errors"

// Device and mount points are fixed contracts with the host and the
// initramfs layout.
const (
	ImageDevice = "/dev/pmem0"
	IODevice    = "/dev/pmem1"

	ImageMount  = "/mnt/image"
	RootfsMount = "/mnt/rootfs"
	UpperDir    = "/mnt/upper"
	WorkDir     = "/mnt/work"

	BundleDir    = "/run/bundle"
	BundleRootfs = "/run/bundle/rootfs"
	InputDir     = "/run/pe/input"
	OutputDir    = "/run/pe/output"

	// ContainerInputDir and ContainerOutputDir are the paths the workload
	// sees; input lives inside the overlay, output is bind-mounted.
	ContainerInputDir  = "/run/pe/input"
	ContainerOutputDir = "/run/pe/output"

	// RuntimeBin is the OCI runtime shipped in the initramfs.
	RuntimeBin = "/bin/crun"

	ContainerID = "pexec"
)

var (
	ErrNoPmem       = errors.New("pmem device never appeared")
	ErrBadUser      = errors.New("image user is not numeric (uid[:gid] required)")
	ErrNoRootfs     = errors.New("image has no rootfs under the requested prefix")
	ErrOutputTooBig = errors.New("packed output exceeds the response region")
)

package system

import "runtime"

// KernelVersion represents a Cloud Hypervisor kernel version
type KernelVersion string

// InitramfsVersion represents our internal initramfs version
type InitramfsVersion string

const (
	// Kernel versions from Cloud Hypervisor releases (full version with date)
	KernelCH_6_12_8_20250613 KernelVersion = "ch-release-v6.12.8-20250613"

	// Initramfs versions (our internal versioning)
	// Bump when the guest init contract changes
	InitramfsV1_0_0 InitramfsVersion = "v1.0.0"
)

var (
	// DefaultKernelVersion is the kernel version used for new VMs
	DefaultKernelVersion = KernelCH_6_12_8_20250613

	// DefaultInitramfsVersion is the initramfs version used for new VMs
	DefaultInitramfsVersion = InitramfsV1_0_0

	// SupportedKernelVersions lists all supported kernel versions
	SupportedKernelVersions = []KernelVersion{
		KernelCH_6_12_8_20250613,
		// Add future versions here
	}
)

// KernelDownloadURLs maps kernel versions and architectures to download URLs
var KernelDownloadURLs = map[KernelVersion]map[string]string{
	KernelCH_6_12_8_20250613: {
		"x86_64":  "https://github.com/cloud-hypervisor/linux/releases/download/ch-release-v6.12.8-20250613/vmlinux-x86_64",
		"aarch64": "https://github.com/cloud-hypervisor/linux/releases/download/ch-release-v6.12.8-20250613/Image-aarch64",
	},
	// Add future versions here
}

// GetArch returns the architecture string for the current platform
func GetArch() string {
	arch := runtime.GOARCH
	if arch == "amd64" {
		return "x86_64"
	}
	if arch == "arm64" {
		return "aarch64"
	}
	return arch
}

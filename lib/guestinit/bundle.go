package guestinit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	rspec "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/pexec/pexec/lib/wire"
)

const defaultPath = "PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

// BuildSpec combines the image config with the run header's overrides into
// the OCI runtime spec for the bundle.
func BuildSpec(header *wire.RunHeader) (*rspec.Spec, error) {
	var img ocispec.Image
	if len(header.ImageConfigJSON) > 0 {
		if err := json.Unmarshal(header.ImageConfigJSON, &img); err != nil {
			return nil, fmt.Errorf("decode image config: %w", err)
		}
	}

	args, err := buildArgs(header, &img.Config)
	if err != nil {
		return nil, err
	}
	uid, gid, err := buildUser(header, &img.Config)
	if err != nil {
		return nil, err
	}

	cwd := img.Config.WorkingDir
	if cwd == "" {
		cwd = "/"
	}

	spec := &rspec.Spec{
		Version: rspec.Version,
		Process: &rspec.Process{
			Args: args,
			Env:  buildEnv(header, &img.Config),
			Cwd:  cwd,
			User: rspec.User{UID: uid, GID: gid},
		},
		Root:     &rspec.Root{Path: "rootfs"},
		Hostname: "pexec",
		Mounts: []rspec.Mount{
			{Destination: "/proc", Type: "proc", Source: "proc"},
			{Destination: "/dev", Type: "tmpfs", Source: "tmpfs",
				Options: []string{"nosuid", "strictatime", "mode=755", "size=65536k"}},
			{Destination: "/dev/pts", Type: "devpts", Source: "devpts",
				Options: []string{"nosuid", "noexec", "newinstance", "ptmxmode=0666", "mode=0620"}},
			{Destination: "/dev/shm", Type: "tmpfs", Source: "shm",
				Options: []string{"nosuid", "noexec", "nodev", "mode=1777", "size=65536k"}},
			{Destination: "/sys", Type: "sysfs", Source: "sysfs",
				Options: []string{"nosuid", "noexec", "nodev", "ro"}},
			{Destination: ContainerOutputDir, Type: "bind", Source: OutputDir,
				Options: []string{"bind", "rw"}},
		},
		Linux: &rspec.Linux{
			Namespaces: []rspec.LinuxNamespace{
				{Type: rspec.PIDNamespace},
				{Type: rspec.MountNamespace},
				{Type: rspec.IPCNamespace},
				{Type: rspec.UTSNamespace},
			},
		},
	}
	return spec, nil
}

// buildArgs merges entrypoint and cmd the container-image way: overriding
// the entrypoint discards the image's cmd.
func buildArgs(header *wire.RunHeader, cfg *ocispec.ImageConfig) ([]string, error) {
	entrypoint := cfg.Entrypoint
	cmd := cfg.Cmd
	if header.Entrypoint != nil {
		entrypoint = header.Entrypoint
		cmd = nil
	}
	if header.Cmd != nil {
		cmd = header.Cmd
	}
	args := append(append([]string{}, entrypoint...), cmd...)
	if len(args) == 0 {
		return nil, fmt.Errorf("no command: image has no entrypoint or cmd and the request supplied none")
	}
	return args, nil
}

// buildEnv layers the request env over the image env and guarantees PATH.
func buildEnv(header *wire.RunHeader, cfg *ocispec.ImageConfig) []string {
	env := append(append([]string{}, cfg.Env...), header.Env...)
	for _, e := range env {
		if strings.HasPrefix(e, "PATH=") {
			return env
		}
	}
	return append(env, defaultPath)
}

// buildUser resolves the container user. Only numeric uid[:gid] image users
// are supported; resolving names through the image's /etc/passwd is a
// documented future feature.
func buildUser(header *wire.RunHeader, cfg *ocispec.ImageConfig) (uint32, uint32, error) {
	if cfg.User == "" {
		return header.UID, header.GID, nil
	}
	userPart, groupPart, hasGroup := strings.Cut(cfg.User, ":")
	uid64, err := strconv.ParseUint(userPart, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %q", ErrBadUser, cfg.User)
	}
	uid := uint32(uid64)
	gid := uid
	if hasGroup {
		gid64, err := strconv.ParseUint(groupPart, 10, 32)
		if err != nil {
			return 0, 0, fmt.Errorf("%w: %q", ErrBadUser, cfg.User)
		}
		gid = uint32(gid64)
	}
	return uid, gid, nil
}

// WriteBundle writes config.json into the bundle directory.
func WriteBundle(spec *rspec.Spec) error {
	data, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("marshal bundle config: %w", err)
	}
	if err := os.WriteFile(filepath.Join(BundleDir, "config.json"), data, 0o644); err != nil {
		return fmt.Errorf("write bundle config: %w", err)
	}
	return nil
}

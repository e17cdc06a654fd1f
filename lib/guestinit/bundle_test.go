package guestinit

import (
	"encoding/json"
	"testing"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pexec/pexec/lib/wire"
)

func imageConfigJSON(t *testing.T, cfg ocispec.ImageConfig) []byte {
	t.Helper()
	data, err := json.Marshal(ocispec.Image{Config: cfg})
	require.NoError(t, err)
	return data
}

func TestBuildSpecMergesArgs(t *testing.T) {
	tests := []struct {
		name   string
		image  ocispec.ImageConfig
		header wire.RunHeader
		want   []string
	}{
		{
			name:  "image entrypoint and cmd",
			image: ocispec.ImageConfig{Entrypoint: []string{"/entry"}, Cmd: []string{"--serve"}},
			want:  []string{"/entry", "--serve"},
		},
		{
			name:   "request cmd overrides image cmd",
			image:  ocispec.ImageConfig{Entrypoint: []string{"/entry"}, Cmd: []string{"--serve"}},
			header: wire.RunHeader{Cmd: []string{"sh", "-c", "true"}},
			want:   []string{"/entry", "sh", "-c", "true"},
		},
		{
			name:   "entrypoint override discards image cmd",
			image:  ocispec.ImageConfig{Entrypoint: []string{"/entry"}, Cmd: []string{"--serve"}},
			header: wire.RunHeader{Entrypoint: []string{"/bin/sh"}},
			want:   []string{"/bin/sh"},
		},
		{
			name:   "both overridden",
			image:  ocispec.ImageConfig{Entrypoint: []string{"/entry"}},
			header: wire.RunHeader{Entrypoint: []string{"sh"}, Cmd: []string{"-c", "echo hi"}},
			want:   []string{"sh", "-c", "echo hi"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.header.ImageConfigJSON = imageConfigJSON(t, tt.image)
			spec, err := BuildSpec(&tt.header)
			require.NoError(t, err)
			assert.Equal(t, tt.want, spec.Process.Args)
		})
	}
}

func TestBuildSpecNoCommand(t *testing.T) {
	header := &wire.RunHeader{ImageConfigJSON: imageConfigJSON(t, ocispec.ImageConfig{})}
	_, err := BuildSpec(header)
	require.Error(t, err)
}

func TestBuildSpecEnv(t *testing.T) {
	header := &wire.RunHeader{
		Env:             []string{"REQUEST=1"},
		ImageConfigJSON: imageConfigJSON(t, ocispec.ImageConfig{Cmd: []string{"true"}, Env: []string{"IMAGE=1"}}),
	}
	spec, err := BuildSpec(header)
	require.NoError(t, err)
	assert.Equal(t, []string{"IMAGE=1", "REQUEST=1", defaultPath}, spec.Process.Env)

	// an image-supplied PATH survives
	header.ImageConfigJSON = imageConfigJSON(t, ocispec.ImageConfig{Cmd: []string{"true"}, Env: []string{"PATH=/custom"}})
	spec, err = BuildSpec(header)
	require.NoError(t, err)
	assert.Equal(t, []string{"PATH=/custom", "REQUEST=1"}, spec.Process.Env)
}

func TestBuildSpecUser(t *testing.T) {
	tests := []struct {
		name    string
		user    string
		header  wire.RunHeader
		wantUID uint32
		wantGID uint32
		wantErr bool
	}{
		{name: "empty user falls back to header", user: "", header: wire.RunHeader{UID: 1000, GID: 1000}, wantUID: 1000, wantGID: 1000},
		{name: "numeric uid", user: "42", wantUID: 42, wantGID: 42},
		{name: "numeric uid gid", user: "42:43", wantUID: 42, wantGID: 43},
		{name: "named user rejected", user: "nobody", wantErr: true},
		{name: "named group rejected", user: "42:games", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.header.ImageConfigJSON = imageConfigJSON(t, ocispec.ImageConfig{Cmd: []string{"true"}, User: tt.user})
			spec, err := BuildSpec(&tt.header)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrBadUser)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantUID, spec.Process.User.UID)
			assert.Equal(t, tt.wantGID, spec.Process.User.GID)
		})
	}
}

func TestBuildSpecMountsOutput(t *testing.T) {
	header := &wire.RunHeader{ImageConfigJSON: imageConfigJSON(t, ocispec.ImageConfig{Cmd: []string{"true"}})}
	spec, err := BuildSpec(header)
	require.NoError(t, err)

	var found bool
	for _, m := range spec.Mounts {
		if m.Destination == ContainerOutputDir {
			found = true
			assert.Equal(t, OutputDir, m.Source)
			assert.Contains(t, m.Options, "bind")
		}
		assert.NotEqual(t, "/run", m.Destination, "a /run mount would shadow the unpacked input")
	}
	assert.True(t, found, "output directory must be bind-mounted into the container")
}

func TestSnapshotRequested(t *testing.T) {
	assert.True(t, SnapshotRequested("reboot=k panic=-1 quiet pexec.snapshot=1"))
	assert.False(t, SnapshotRequested("reboot=k panic=-1 quiet"))
	assert.False(t, SnapshotRequested("pexec.snapshot=0"))
}

package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCPUSets(t *testing.T) {
	tests := []struct {
		name    string
		spec    string
		want    []CPUSet
		wantErr bool
	}{
		{
			name: "two slots two cpus each",
			spec: "4:2:2",
			want: []CPUSet{{4, 5}, {6, 7}},
		},
		{
			name: "single slot single cpu",
			spec: "0:1:1",
			want: []CPUSet{{0}},
		},
		{
			name: "four slots",
			spec: "2:4:1",
			want: []CPUSet{{2}, {3}, {4}, {5}},
		},
		{name: "missing field", spec: "4:2", wantErr: true},
		{name: "not a number", spec: "a:2:2", wantErr: true},
		{name: "zero count", spec: "0:0:2", wantErr: true},
		{name: "zero stride", spec: "0:2:0", wantErr: true},
		{name: "negative start", spec: "-2:2:2", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseCPUSets(tt.spec)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrBadCPUSet)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCPUSetsAreDisjoint(t *testing.T) {
	sets, err := ParseCPUSets("0:8:2")
	require.NoError(t, err)
	seen := map[int]bool{}
	for _, set := range sets {
		for _, c := range set {
			assert.False(t, seen[c], "cpu %d assigned twice", c)
			seen[c] = true
		}
	}
}

func TestSlotsSharePhysicalCores(t *testing.T) {
	topo := &HostTopology{ThreadsPerCore: 2, CoresPerSocket: 4, Sockets: 1}

	// cpus 0,1 are siblings of core 0; splitting them across slots shares
	// the core
	shared, _ := ParseCPUSets("0:2:1")
	assert.True(t, SlotsSharePhysicalCores(shared, topo))

	// stride 2 keeps each slot on whole cores
	aligned, _ := ParseCPUSets("0:2:2")
	assert.False(t, SlotsSharePhysicalCores(aligned, topo))

	assert.False(t, SlotsSharePhysicalCores(shared, nil))
	assert.False(t, SlotsSharePhysicalCores(shared, &HostTopology{ThreadsPerCore: 1}))
}

package worker

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// CPUSet is the host cpus one slot owns, disjoint from every other slot.
type CPUSet []int

func (s CPUSet) String() string {
	parts := make([]string, len(s))
	for i, c := range s {
		parts[i] = strconv.Itoa(c)
	}
	return strings.Join(parts, ",")
}

// ParseCPUSets parses a "start:count:stride" partition: count slots, each
// owning stride consecutive host cpus beginning at start. "4:2:2" yields
// two slots on cpus {4,5} and {6,7}.
func ParseCPUSets(spec string) ([]CPUSet, error) {
	parts := strings.Split(spec, ":")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: %q, want start:count:stride", ErrBadCPUSet, spec)
	}
	nums := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%w: %q", ErrBadCPUSet, spec)
		}
		nums[i] = n
	}
	start, count, stride := nums[0], nums[1], nums[2]
	if count == 0 || stride == 0 {
		return nil, fmt.Errorf("%w: count and stride must be positive", ErrBadCPUSet)
	}

	sets := make([]CPUSet, count)
	for i := 0; i < count; i++ {
		set := make(CPUSet, stride)
		for j := 0; j < stride; j++ {
			set[j] = start + i*stride + j
		}
		sets[i] = set
	}
	return sets, nil
}

// ValidateCPUSets checks every cpu is present in the process affinity mask.
func ValidateCPUSets(sets []CPUSet) error {
	var all unix.CPUSet
	if err := unix.SchedGetaffinity(0, &all); err != nil {
		return fmt.Errorf("read affinity: %w", err)
	}
	for _, set := range sets {
		for _, c := range set {
			if !all.IsSet(c) {
				return fmt.Errorf("%w: cpu %d", ErrCPUNotOnline, c)
			}
		}
	}
	return nil
}

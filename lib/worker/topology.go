package worker

import (
	"bufio"
	"os"
	"strconv"
	"strings"
)

// HostTopology represents the CPU topology of the host machine.
type HostTopology struct {
	ThreadsPerCore int
	CoresPerSocket int
	Sockets        int
}

// DetectHostTopology reads /proc/cpuinfo to determine the host's CPU
// topology. Returns nil when the information is unavailable (non-x86,
// containers with masked cpuinfo).
func DetectHostTopology() *HostTopology {
	file, err := os.Open("/proc/cpuinfo")
	if err != nil {
		return nil
	}
	defer file.Close()

	var (
		siblings      int
		cpuCores      int
		physicalIDs   = make(map[int]bool)
		hasSiblings   bool
		hasCpuCores   bool
		hasPhysicalID bool
	)

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()

		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		switch key {
		case "siblings":
			if !hasSiblings {
				siblings, _ = strconv.Atoi(value)
				hasSiblings = true
			}
		case "cpu cores":
			if !hasCpuCores {
				cpuCores, _ = strconv.Atoi(value)
				hasCpuCores = true
			}
		case "physical id":
			physicalID, _ := strconv.Atoi(value)
			physicalIDs[physicalID] = true
			hasPhysicalID = true
		}
	}

	if err := scanner.Err(); err != nil {
		return nil
	}

	if !hasSiblings || !hasCpuCores || !hasPhysicalID || cpuCores == 0 {
		return nil
	}

	threadsPerCore := siblings / cpuCores
	if threadsPerCore < 1 {
		threadsPerCore = 1
	}

	sockets := len(physicalIDs)
	if sockets < 1 {
		sockets = 1
	}

	return &HostTopology{
		ThreadsPerCore: threadsPerCore,
		CoresPerSocket: cpuCores,
		Sockets:        sockets,
	}
}

// SlotsSharePhysicalCores reports whether any two slots land on sibling
// hyperthreads of the same physical core, assuming the kernel's usual
// cpu -> core mapping (cpu / threadsPerCore). Sharing a core leaks timing
// between guests, so the worker warns about such partitions.
func SlotsSharePhysicalCores(sets []CPUSet, topo *HostTopology) bool {
	if topo == nil || topo.ThreadsPerCore <= 1 {
		return false
	}
	owner := map[int]int{} // physical core -> slot index
	for i, set := range sets {
		for _, c := range set {
			core := c / topo.ThreadsPerCore
			if prev, ok := owner[core]; ok && prev != i {
				return true
			}
			owner[core] = i
		}
	}
	return false
}

//go:build linux

package helpers

import "os"

// AvailableMemoryMB returns the memory the process may use in MB: the cgroup
// limit when one is set and below physical memory, else the physical total.
func AvailableMemoryMB() int {
	totalMB := 0
	if file, err := os.Open("/proc/meminfo"); err == nil {
		totalMB = parseMemInfoMB(file)
		file.Close()
	}

	if raw, err := os.ReadFile("/sys/fs/cgroup/memory.max"); err == nil {
		if limitMB, ok := parseCgroupLimitMB(string(raw)); ok && (totalMB == 0 || limitMB < totalMB) {
			return limitMB
		}
	}
	return totalMB
}

package helpers

import (
	"bufio"
	"io"
	"os"
	"runtime/debug"
	"strconv"
	"strings"

	"smartgrid-relay/src/logger"
)

const (
	memoryLimitShare = 0.75
	minMemoryLimitMB = 512
)

// RecommendedMemoryLimitMB is 75% of the memory available to the process,
// never below 512MB unless less than that exists. ok is false when the
// available memory could not be determined.
func RecommendedMemoryLimitMB() (limit int, ok bool) {
	totalMB := AvailableMemoryMB()
	if totalMB == 0 {
		return minMemoryLimitMB, false
	}

	limit = int(float64(totalMB) * memoryLimitShare)
	if limit < minMemoryLimitMB {
		if totalMB < minMemoryLimitMB {
			return totalMB, true
		}
		return minMemoryLimitMB, true
	}
	return limit, true
}

// ApplyMemoryLimit sets the runtime soft memory limit so viewer queues under
// load trigger GC before the container limit is hit. An explicit GOMEMLIMIT
// wins. It returns the limit applied in MB, or 0 when left untouched.
func ApplyMemoryLimit(log *logger.Logger) int {
	if os.Getenv("GOMEMLIMIT") != "" {
		log.Info("Memory limit taken from GOMEMLIMIT")
		return 0
	}

	limit, ok := RecommendedMemoryLimitMB()
	if !ok {
		log.Warning("Could not determine available memory. Defaulting to %d MB.", limit)
	}
	debug.SetMemoryLimit(int64(limit) << 20)
	log.Info("Memory limit set to %d MB", limit)
	return limit
}

// -----------------------------------------------------------------------------

// parseCgroupLimitMB reads a cgroup v2 memory.max value. "max" means unlimited.
func parseCgroupLimitMB(raw string) (int, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "max" {
		return 0, false
	}
	bytes, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || bytes <= 0 {
		return 0, false
	}
	return int(bytes >> 20), true
}

// parseMemInfoMB extracts MemTotal from /proc/meminfo content.
func parseMemInfoMB(r io.Reader) int {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "MemTotal:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) >= 2 {
			if kb, err := strconv.Atoi(fields[1]); err == nil {
				return kb / 1024
			}
		}
	}
	return 0
}

//go:build linux

package memstat

import (
	"os"
	"strconv"
	"strings"
)

// rssMB reads VmRSS from /proc/self/status. Falls back to the runtime's own
// accounting when procfs is unreadable.
func rssMB() float64 {
	b, err := os.ReadFile("/proc/self/status")
	if err != nil {
		return runtimeMB()
	}
	for _, line := range strings.Split(string(b), "\n") {
		if !strings.HasPrefix(line, "VmRSS:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			break
		}
		kb, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			break
		}
		return kb / 1024
	}
	return runtimeMB()
}

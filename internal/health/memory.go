package health

import (
	"bytes"
	"fmt"
	"os"
	"runtime"
	"strconv"
)

// residentBytes returns the process resident set size. On systems without
// /proc it falls back to the memory the Go runtime obtained from the OS.
func residentBytes() (uint64, error) {
	data, err := os.ReadFile("/proc/self/statm")
	if err != nil {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		return ms.Sys, nil
	}
	fields := bytes.Fields(data)
	if len(fields) < 2 {
		return 0, fmt.Errorf("unexpected statm %q", data)
	}
	pages, err := strconv.ParseUint(string(fields[1]), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse statm: %w", err)
	}
	return pages * uint64(os.Getpagesize()), nil
}

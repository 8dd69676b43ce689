package process

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// procReadFile allows tests to stub reading /proc/PID/comm.
var procReadFile = os.ReadFile

// commForPID is the name fallback used when the process API cannot report one.
func commForPID(pid int32) string {
	if pid == 0 {
		return "idle"
	}
	path := filepath.Join("/proc", strconv.FormatInt(int64(pid), 10), "comm")
	data, err := procReadFile(path)
	if err != nil {
		return fmt.Sprintf("pid-%d", pid)
	}
	comm := strings.TrimSpace(string(data))
	if comm == "" {
		comm = fmt.Sprintf("pid-%d", pid)
	}
	return comm
}

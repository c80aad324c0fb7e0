//go:build !linux

package duplicate

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// lockFileName is written under the data directory when /proc is
// unavailable, since there is no portable process-table scan in the
// standard library.
const lockFileName = ".hipsr-server.pid"

// Check falls back to a PID lockfile under dataDir: if the file exists and
// names a PID that is still alive, that is treated as another running
// instance; otherwise the file is (re)written with this process's PID.
func Check(dataDir string) error {
	path := filepath.Join(dataDir, lockFileName)
	if b, err := os.ReadFile(path); err == nil {
		if pid, err := strconv.Atoi(string(b)); err == nil && pid != os.Getpid() && processAlive(pid) {
			return &AlreadyRunning{PID: pid}
		}
	}
	return os.WriteFile(path, []byte(fmt.Sprintf("%d", os.Getpid())), 0o644)
}

// processAlive reports whether pid still names a running process. There is
// no signal-0-style liveness probe in the standard library that is portable
// across every non-Linux GOOS, so this checks /proc-less platforms the only
// way os offers: asking the OS to find the process handle. On Unix variants
// FindProcess always succeeds regardless of liveness, making this check
// permissive (a stale lockfile from a crashed process is possible); that
// tradeoff favours never blocking a legitimate restart over catching every
// stale lockfile.
func processAlive(pid int) bool {
	_, err := os.FindProcess(pid)
	return err == nil
}

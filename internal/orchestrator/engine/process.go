package engine

import (
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/pkg/errors"
)

func parsePidHandle(handle string) (int, bool) {
	if !strings.HasPrefix(handle, pidHandlePrefix) {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimPrefix(handle, pidHandlePrefix))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

func processAlive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}

func killProcess(pid int) error {
	process, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	if err := process.Signal(syscall.SIGKILL); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return errors.WithStack(err)
	}
	return nil
}

// Package lockfile implements the singleton-process PID lock.
package lockfile

import (
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/pkg/errors"
)

// Lock is an acquired PID-file lock.
type Lock struct {
	path string
	pid  int
}

// Acquire takes the PID lock at path. If the file already exists and
// its pid is alive, an error is returned; a stale pid is overwritten.
func Acquire(path string) (*Lock, error) {
	pid := os.Getpid()
	content := []byte(strconv.Itoa(pid))

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err == nil {
		_, werr := f.Write(content)
		cerr := f.Close()
		if werr != nil {
			return nil, errors.Wrap(werr, "failed to write pid file")
		}
		if cerr != nil {
			return nil, errors.Wrap(cerr, "failed to close pid file")
		}
		return &Lock{path: path, pid: pid}, nil
	}
	if !os.IsExist(err) {
		return nil, errors.Wrapf(err, "failed to create pid file %s", path)
	}

	existing, err := readPID(path)
	if err == nil && processAlive(existing) {
		return nil, errors.Errorf("another instance is running (pid %d)", existing)
	}

	// Stale lock: previous process is gone, take it over.
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return nil, errors.Wrapf(err, "failed to overwrite stale pid file %s", path)
	}
	return &Lock{path: path, pid: pid}, nil
}

// Release removes the pid file, but only if it still holds our pid.
func (l *Lock) Release() error {
	existing, err := readPID(l.path)
	if err != nil {
		if os.IsNotExist(errors.Cause(err)) {
			return nil
		}
		return err
	}
	if existing != l.pid {
		return nil
	}
	return os.Remove(l.path)
}

func readPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to read pid file %s", path)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, errors.Wrapf(err, "malformed pid file %s", path)
	}
	return pid, nil
}

// processAlive probes the pid with signal 0.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

package unique

import (
	"os"
	"syscall"

	"github.com/pkg/errors"
)

type osIface interface {
	Getpid() int
	FindProcess(pid int) (processIface, error)
	Stat(path string) (os.FileInfo, error)
	Remove(path string) error
	MkdirAll(path string, perm os.FileMode) error
}

type realOS struct{}

func (realOS) Getpid() int {
	return os.Getpid()
}

func (realOS) FindProcess(pid int) (processIface, error) {
	return os.FindProcess(pid)
}

func (realOS) Stat(path string) (os.FileInfo, error) {
	return os.Stat(path)
}

func (realOS) Remove(path string) error {
	return os.Remove(path)
}

func (realOS) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

type processIface interface {
	Signal(os.Signal) error
}

func pidIsDead(osi osIface, pid int) bool {
	proc, err := osi.FindProcess(pid)
	if err != nil {
		return true
	}
	err = proc.Signal(syscall.Signal(0))
	// EPERM means the process exists but belongs to someone else
	return err != nil && !errors.Is(err, syscall.EPERM)
}

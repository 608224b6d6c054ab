package unique

import (
	"context"
	"io/ioutil"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/inconshreveable/log15"
	"github.com/pkg/errors"
	"github.com/rkt/rkt/pkg/lock"
	"golang.org/x/sys/unix"
	"k8s.io/utils/clock"
)

// lockPollInterval is how often a contended coordination lock is retried.
const lockPollInterval = 10 * time.Millisecond

// coordinator is used to coordinate between N processes of one identity, one
// of which is the current server.
// It must provide means of finding and connecting to the server, becoming
// the server, and ensuring it has unique ownership of the address for the
// duration between a check and a bind.
// It is implemented in this case with unix locks on a file next to the
// socket.
type coordinator struct {
	addr Address
	lock *lock.FileLock
	// server is the socket ConnectServer last connected to.
	server os.FileInfo

	clock clock.Clock
	os    osIface
	l     log15.Logger
}

func newCoordinator(clock clock.Clock, os osIface, l log15.Logger, addr Address) *coordinator {
	return &coordinator{
		addr:  addr,
		clock: clock,
		os:    os,
		l:     l.New("socket", addr.Socket),
	}
}

func touchFile(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0600)
	if err != nil {
		return err
	}
	return f.Close()
}

// Lock takes an exclusive lock on the coordination address. If the address
// is already locked, it polls until the lock can be acquired or ctx is done,
// in which case the context's error is returned.
func (c *coordinator) Lock(ctx context.Context) error {
	if err := c.os.MkdirAll(c.addr.Dir, 0700); err != nil {
		return &TransportError{Op: "mkdir", Path: c.addr.Dir, Err: err}
	}
	if err := touchFile(c.addr.Lock); err != nil {
		return &TransportError{Op: "open", Path: c.addr.Lock, Err: err}
	}
	fl, err := lock.NewLock(c.addr.Lock, lock.RegFile)
	if err != nil {
		return &TransportError{Op: "open", Path: c.addr.Lock, Err: err}
	}
	c.l.Debug("taking lock on coordination address")
	for {
		err := fl.TryExclusiveLock()
		if err == nil {
			break
		}
		if err != lock.ErrLocked && err != unix.EINTR {
			fl.Close()
			return &TransportError{Op: "flock", Path: c.addr.Lock, Err: err}
		}
		select {
		case <-ctx.Done():
			fl.Close()
			return ctx.Err()
		case <-c.clock.After(lockPollInterval):
		}
	}
	c.l.Debug("took lock on coordination address")
	c.lock = fl
	return nil
}

// Unlock releases the lock taken by Lock. The lock file itself is left in
// place; removing it would let two processes lock different files.
func (c *coordinator) Unlock() error {
	if c.lock == nil {
		return nil
	}
	c.l.Debug("unlocking coordination address")
	err := c.lock.Unlock()
	if cerr := c.lock.Close(); err == nil {
		err = cerr
	}
	c.lock = nil
	if err != nil {
		return &TransportError{Op: "unlock", Path: c.addr.Lock, Err: err}
	}
	return nil
}

// BecomeServer records this process as the server in the lock file. It must
// be called with the lock held.
func (c *coordinator) BecomeServer() error {
	if c.lock == nil {
		return errors.New("coordination address is not locked")
	}
	c.l.Info("writing pid to become server")
	pid := []byte(strconv.Itoa(c.os.Getpid()))
	if err := ioutil.WriteFile(c.addr.Lock, pid, 0600); err != nil {
		return &TransportError{Op: "write", Path: c.addr.Lock, Err: err}
	}
	return nil
}

// ServerPID returns the pid last recorded by BecomeServer. It returns 0 if
// there is none.
func (c *coordinator) ServerPID() (int, error) {
	data, err := ioutil.ReadFile(c.addr.Lock)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		// empty file, that means no server
		return 0, nil
	}
	pid, err := strconv.Atoi(text)
	if err != nil {
		return 0, errors.Wrapf(err, "unable to parse pid out of data %q", text)
	}
	return pid, nil
}

// ConnectServer connects to the server listening on the coordination
// address. It returns errNoServer if there is no socket, or if the socket is
// a leftover nothing listens on, in which case the leftover is removed.
func (c *coordinator) ConnectServer() (*net.UnixConn, error) {
	fi, err := c.os.Stat(c.addr.Socket)
	if os.IsNotExist(err) {
		c.l.Info("no coordination socket exists")
		return nil, errNoServer
	}
	if err != nil {
		return nil, &TransportError{Op: "stat", Path: c.addr.Socket, Err: err}
	}
	if fi.Mode()&os.ModeSocket == 0 {
		c.l.Warn("coordination address is not a socket, replacing it", "mode", fi.Mode())
		if err := c.RemoveSocket(); err != nil {
			return nil, err
		}
		return nil, errNoServer
	}

	pid, err := c.ServerPID()
	if err != nil {
		c.l.Debug("could not read server pid", "err", err)
	}
	c.l.Info("connecting to server", "server", pid)
	conn, err := net.DialUnix("unix", nil, &net.UnixAddr{Name: c.addr.Socket, Net: "unix"})
	if err != nil {
		if !isStaleAddress(err) {
			return nil, &TransportError{Op: "dial", Path: c.addr.Socket, Err: err}
		}
		if pid != 0 && !pidIsDead(c.os, pid) {
			// The recorded server is alive, possibly due to pid reuse, but is not
			// accepting on its socket. Our best bet is to assume nothing about
			// that process and take over.
			c.l.Warn("found living pid for coordination address, but it wasn't listening for us", "pid", pid, "dialErr", err)
		} else {
			c.l.Info("found stale coordination socket", "server", pid, "dialErr", err)
		}
		if err := c.RemoveSocket(); err != nil {
			return nil, err
		}
		return nil, errNoServer
	}
	c.server = fi
	return conn, nil
}

// Replaced reports whether the socket at the address is no longer the one
// ConnectServer last connected to.
func (c *coordinator) Replaced() bool {
	if c.server == nil {
		return false
	}
	fi, err := c.os.Stat(c.addr.Socket)
	if err != nil {
		return os.IsNotExist(err)
	}
	// inode numbers are reused, so a socket recreated in place is only told
	// apart by its modification time
	return !os.SameFile(fi, c.server) || !fi.ModTime().Equal(c.server.ModTime())
}

// Listen binds the coordination socket. The socket must not exist.
func (c *coordinator) Listen() (*net.UnixListener, error) {
	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: c.addr.Socket, Net: "unix"})
	if err != nil {
		return nil, &TransportError{Op: "listen", Path: c.addr.Socket, Err: err}
	}
	// removal is explicit so that a server that was displaced does not unlink
	// its successor's socket
	ln.SetUnlinkOnClose(false)
	c.l.Info("listening on coordination socket")
	return ln, nil
}

// RemoveSocket removes the coordination socket. A socket that is already
// gone is not an error.
func (c *coordinator) RemoveSocket() error {
	c.l.Info("removing coordination socket")
	if err := c.os.Remove(c.addr.Socket); err != nil && !os.IsNotExist(err) {
		return &TransportError{Op: "remove", Path: c.addr.Socket, Err: err}
	}
	return nil
}

// isStaleAddress reports whether a dial error means nothing listens behind
// the address, as opposed to the address being unusable.
func isStaleAddress(err error) bool {
	return errors.Is(err, unix.ECONNREFUSED) || errors.Is(err, unix.ENOENT)
}

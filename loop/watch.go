package loop

import (
	"io"
	"net"
	"sync"
	"syscall"

	"code.hybscloud.com/iox"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Watch is a registered I/O watch.
type Watch struct {
	cancelC    chan struct{}
	cancelOnce sync.Once
}

func newWatch() *Watch {
	return &Watch{cancelC: make(chan struct{})}
}

// Cancel stops delivering callbacks for this watch. A readable watch's helper
// goroutine exits once its connection is closed; an accept watch's once its
// listener is closed.
func (w *Watch) Cancel() {
	w.cancelOnce.Do(func() {
		close(w.cancelC)
	})
}

// Canceled reports whether Cancel has been called.
func (w *Watch) Canceled() bool {
	select {
	case <-w.cancelC:
		return true
	default:
		return false
	}
}

// WatchReadable calls fn on the loop goroutine whenever conn has data to
// read, has been hung up on, or has a pending error. fn is not called again
// until the previous call has returned, and is called again right away if
// it left data unread.
func (lp *Loop) WatchReadable(conn syscall.Conn, fn func()) (*Watch, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return nil, errors.Wrap(err, "could not get raw connection to watch")
	}
	w := newWatch()
	go func() {
		done := make(chan struct{}, 1)
		for {
			if err := waitReadable(raw); err != nil {
				// the connection was closed underneath us
				lp.l.Debug("readable watch finished", "err", err)
				return
			}
			posted := lp.Post(func() {
				if !w.Canceled() {
					fn()
				}
				done <- struct{}{}
			})
			if !posted {
				return
			}
			select {
			case <-done:
			case <-w.cancelC:
				return
			case <-lp.quit:
				return
			}
			if w.Canceled() {
				return
			}
		}
	}()
	return w, nil
}

// waitReadable blocks until the descriptor behind raw has something for a
// reader: data, end of stream, or an error.
func waitReadable(raw syscall.RawConn) error {
	return raw.Read(func(fd uintptr) bool {
		// poll after the netpoller has been armed so no wakeup is lost
		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
		n, err := unix.Poll(fds, 0)
		if err != nil {
			return err != unix.EINTR
		}
		return n > 0
	})
}

// WatchAccept calls onAccept on the loop goroutine for every connection
// accepted on ln, and onError for accept failures other than the listener
// being closed. Connections accepted after the watch is canceled are closed.
func (lp *Loop) WatchAccept(ln net.Listener, onAccept func(net.Conn), onError func(error)) *Watch {
	w := newWatch()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) || w.Canceled() {
					lp.l.Debug("listener closed, no longer accepting")
					return
				}
				lp.Post(func() {
					if !w.Canceled() && onError != nil {
						onError(err)
					}
				})
				continue
			}
			posted := lp.Post(func() {
				if w.Canceled() {
					conn.Close()
					return
				}
				onAccept(conn)
			})
			if !posted {
				conn.Close()
				return
			}
		}
	}()
	return w
}

// NonblockingReader returns a reader over conn whose Read never waits: when
// no data is available it returns iox.ErrWouldBlock, and io.EOF once the peer
// has hung up.
func NonblockingReader(conn syscall.Conn) (io.Reader, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return nil, errors.Wrap(err, "could not get raw connection to read")
	}
	return &nonblockingReader{raw: raw}, nil
}

type nonblockingReader struct {
	raw syscall.RawConn
}

func (r *nonblockingReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	var (
		n    int
		rerr error
	)
	err := r.raw.Read(func(fd uintptr) bool {
		for {
			n, rerr = unix.Read(int(fd), p)
			if rerr != unix.EINTR {
				return true
			}
		}
	})
	if err != nil {
		return 0, err
	}
	switch {
	case rerr == unix.EAGAIN || rerr == unix.EWOULDBLOCK:
		return 0, iox.ErrWouldBlock
	case rerr != nil:
		return 0, rerr
	case n == 0:
		return 0, io.EOF
	}
	return n, nil
}

package unique

import (
	"context"
	"io/ioutil"
	"net"
	"os"
	"testing"
	"time"

	"github.com/rkt/rkt/pkg/lock"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
	"k8s.io/utils/clock"
)

func testCoordinator(t *testing.T, dir string, pid int) (*coordinator, *mockOS) {
	addr, err := ResolveAddress(dir, "test-app")
	require.NoError(t, err)
	osi := &mockOS{pid: pid}
	return newCoordinator(clock.RealClock{}, osi, l, addr), osi
}

// TestConnectServer is a happy-path test of using the coordinator
func TestConnectServer(t *testing.T) {
	ctx := testCtx(t)
	tmpdir := tmpDir(t)

	coord1, _ := testCoordinator(t, tmpdir, 1)
	coord2, _ := testCoordinator(t, tmpdir, 2)

	require.NoError(t, coord1.Lock(ctx))
	coord1l, err := coord1.Listen()
	require.NoError(t, err)
	defer coord1l.Close()
	require.NoError(t, coord1.BecomeServer())
	require.NoError(t, coord1.Unlock())

	pid, err := coord2.ServerPID()
	require.NoError(t, err)
	require.Equal(t, 1, pid)

	connw, err := coord2.ConnectServer()
	require.NoError(t, err)

	go func() {
		connw.Write([]byte("hello world"))
		connw.Close()
	}()

	connr, err := coord1l.Accept()
	require.NoError(t, err)
	data, err := ioutil.ReadAll(connr)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(data))
	require.False(t, coord2.Replaced())
}

// TestLockCtxCancel tests that a call to Lock can be canceled by canceling
// the passed in context.
func TestLockCtxCancel(t *testing.T) {
	ctx := context.Background()
	tmpdir := tmpDir(t)
	coord1, _ := testCoordinator(t, tmpdir, 1)
	coord2, _ := testCoordinator(t, tmpdir, 2)
	require.NoError(t, coord1.Lock(ctx))
	defer coord1.Unlock()

	ctx2, cancel := context.WithCancel(ctx)
	coordErr := make(chan error)
	go func() {
		coordErr <- coord2.Lock(ctx2)
	}()

	select {
	case err := <-coordErr:
		t.Fatalf("expected no coord error, should be blocked: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	cancel()
	require.Equal(t, context.Canceled, <-coordErr)
}

func TestLockHandoff(t *testing.T) {
	ctx := testCtx(t)
	tmpdir := tmpDir(t)
	coord1, _ := testCoordinator(t, tmpdir, 1)
	coord2, _ := testCoordinator(t, tmpdir, 2)
	require.NoError(t, coord1.Lock(ctx))

	coordErr := make(chan error, 1)
	go func() {
		coordErr <- coord2.Lock(ctx)
	}()
	require.NoError(t, coord1.Unlock())
	select {
	case err := <-coordErr:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatalf("lock was not handed off")
	}
	require.NoError(t, coord2.Unlock())
}

// TestLockExcludesFileLock checks that Lock contends with any other holder of
// the lock file, not only with other coordinators.
func TestLockExcludesFileLock(t *testing.T) {
	tmpdir := tmpDir(t)
	coord, _ := testCoordinator(t, tmpdir, 1)
	require.NoError(t, touchFile(coord.addr.Lock))
	held, err := lock.TryExclusiveLock(coord.addr.Lock, lock.RegFile)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.Equal(t, context.DeadlineExceeded, coord.Lock(ctx))

	require.NoError(t, held.Unlock())
	require.NoError(t, held.Close())
	require.NoError(t, coord.Lock(testCtx(t)))
	require.NoError(t, coord.BecomeServer())

	// the pid lands in the locked file and the lock survives the write
	pid, err := coord.ServerPID()
	require.NoError(t, err)
	require.Equal(t, 1, pid)
	_, err = lock.TryExclusiveLock(coord.addr.Lock, lock.RegFile)
	require.Equal(t, lock.ErrLocked, err)
	require.NoError(t, coord.Unlock())
}

func TestConnectServerNoSocket(t *testing.T) {
	coord, osi := testCoordinator(t, tmpDir(t), 1)
	_, err := coord.ConnectServer()
	require.Equal(t, errNoServer, err)
	require.Equal(t, 0, osi.removals(coord.addr.Socket))
}

func TestConnectServerStaleSocket(t *testing.T) {
	ctx := testCtx(t)
	coord, osi := testCoordinator(t, tmpDir(t), 1)
	require.NoError(t, coord.Lock(ctx))
	defer coord.Unlock()

	// a socket file nothing listens on, as left behind by a crash
	ln, err := coord.Listen()
	require.NoError(t, err)
	require.NoError(t, ln.Close())
	_, err = os.Stat(coord.addr.Socket)
	require.NoError(t, err)

	osi.procErr = unix.ESRCH
	_, err = coord.ConnectServer()
	require.Equal(t, errNoServer, err)
	require.Equal(t, 1, osi.removals(coord.addr.Socket))
	_, err = os.Stat(coord.addr.Socket)
	require.True(t, os.IsNotExist(err))
}

func TestConnectServerNotASocket(t *testing.T) {
	coord, osi := testCoordinator(t, tmpDir(t), 1)
	require.NoError(t, ioutil.WriteFile(coord.addr.Socket, []byte("junk"), 0600))

	_, err := coord.ConnectServer()
	require.Equal(t, errNoServer, err)
	require.Equal(t, 1, osi.removals(coord.addr.Socket))
}

func TestBecomeServerRequiresLock(t *testing.T) {
	coord, _ := testCoordinator(t, tmpDir(t), 1)
	require.Error(t, coord.BecomeServer())
}

func TestServerPIDEmpty(t *testing.T) {
	ctx := testCtx(t)
	coord, _ := testCoordinator(t, tmpDir(t), 1)
	pid, err := coord.ServerPID()
	require.NoError(t, err)
	require.Equal(t, 0, pid)

	// locking creates an empty lock file
	require.NoError(t, coord.Lock(ctx))
	defer coord.Unlock()
	pid, err = coord.ServerPID()
	require.NoError(t, err)
	require.Equal(t, 0, pid)
}

func TestReplaced(t *testing.T) {
	ctx := testCtx(t)
	tmpdir := tmpDir(t)
	coord1, _ := testCoordinator(t, tmpdir, 1)
	coord2, _ := testCoordinator(t, tmpdir, 2)

	require.NoError(t, coord1.Lock(ctx))
	ln, err := coord1.Listen()
	require.NoError(t, err)
	require.NoError(t, coord1.Unlock())

	conn, err := coord2.ConnectServer()
	require.NoError(t, err)
	conn.Close()
	require.False(t, coord2.Replaced())

	// another server takes the address; wait out coarse filesystem timestamps
	ln.Close()
	require.NoError(t, coord1.RemoveSocket())
	time.Sleep(20 * time.Millisecond)
	ln2, err := net.ListenUnix("unix", &net.UnixAddr{Name: coord1.addr.Socket, Net: "unix"})
	require.NoError(t, err)
	defer ln2.Close()
	require.True(t, coord2.Replaced())
}

func TestRemoveSocketMissing(t *testing.T) {
	coord, _ := testCoordinator(t, tmpDir(t), 1)
	require.NoError(t, coord.RemoveSocket())
}

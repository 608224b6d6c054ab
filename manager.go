package unique

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/inconshreveable/log15"
	"github.com/ngrok/unique/loop"
	"github.com/ngrok/unique/serialize"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"
)

// DefaultPongTimeout is how long a client waits for the server's 'pong'
// before it assumes the server is dead and takes over.
const DefaultPongTimeout = 100 * time.Millisecond

// DefaultLockTimeout bounds how long a timeout-driven takeover waits for the
// coordination lock.
const DefaultLockTimeout = time.Second

// Manager makes sure at most one process of an application identity is
// running. The first process to run becomes the server; later ones become
// clients, forward their start payload to the server and exit.
type Manager struct {
	loop       *loop.Loop
	addr       Address
	runtimeDir string

	pongTimeout  time.Duration
	lockTimeout  time.Duration
	guardAddress bool
	signals      []os.Signal

	startPayload     func() interface{}
	onStartAttempt   func(payload serialize.Value) interface{}
	onAlreadyRunning func(ack serialize.Value)
	onDisplaced      func()
	exit             func(code int)
	stderr           io.Writer

	// mu guards everything below. Loop callbacks take it, so Quit may be
	// called from any goroutine.
	mu            sync.Mutex
	role          Role
	quit          bool
	displaced     bool
	socketRemoved bool
	coord         *coordinator
	listener      *net.UnixListener
	acceptWatch   *loop.Watch
	guard         *addressGuard
	client        *session
	sessions      map[*session]struct{}
	sessionSeq    int

	// doneC is closed when the manager quits.
	doneC chan struct{}

	l log15.Logger

	// mocks
	os  osIface
	env *env
}

// Option is an option function for Manager.
// See Rob Pike's post on the topic for more information on this pattern:
// https://commandcenter.blogspot.com/2014/01/self-referential-functions-and-design.html
type Option func(m *Manager)

// WithLogger configures the logger to use for coordination.
// By default, nothing will be logged.
func WithLogger(l log15.Logger) Option {
	return func(m *Manager) {
		m.l = l
	}
}

// WithPongTimeout configures how long a client waits for the server to
// answer its 'ping'. If a time of 0 is specified, the default will be used.
func WithPongTimeout(t time.Duration) Option {
	return func(m *Manager) {
		m.pongTimeout = t
		if m.pongTimeout <= 0 {
			m.pongTimeout = DefaultPongTimeout
		}
	}
}

// WithLockTimeout configures how long a takeover waits for the coordination
// lock. If a time of 0 is specified, the default will be used.
func WithLockTimeout(t time.Duration) Option {
	return func(m *Manager) {
		m.lockTimeout = t
		if m.lockTimeout <= 0 {
			m.lockTimeout = DefaultLockTimeout
		}
	}
}

// WithRuntimeDir sets the directory the coordination socket and lock file
// live in. All processes of an identity must use the same directory.
func WithRuntimeDir(dir string) Option {
	return func(m *Manager) {
		m.runtimeDir = dir
	}
}

// WithStartPayload sets the function building the payload a client sends to
// the server. It must return a value the serialize package supports.
// By default, the payload is {"args": os.Args[1:]}.
func WithStartPayload(fn func() interface{}) Option {
	return func(m *Manager) {
		m.startPayload = fn
	}
}

// OnStartAttempt sets the handler a server runs for every forwarded start
// attempt. Its return value is sent back to the client as the
// acknowledgement and must be supported by the serialize package.
// The handler runs on the loop goroutine.
func OnStartAttempt(fn func(payload serialize.Value) interface{}) Option {
	return func(m *Manager) {
		m.onStartAttempt = fn
	}
}

// OnAlreadyRunning sets the handler a client runs once the server has
// acknowledged its start attempt, right before the process exits.
func OnAlreadyRunning(fn func(ack serialize.Value)) Option {
	return func(m *Manager) {
		m.onAlreadyRunning = fn
	}
}

// OnDisplaced sets the handler a server runs when its coordination socket
// is removed by someone else. The server keeps its existing sessions but no
// longer accepts new ones.
func OnDisplaced(fn func()) Option {
	return func(m *Manager) {
		m.onDisplaced = fn
	}
}

// WithAddressGuard configures whether a server watches its coordination
// socket for removal. It is enabled by default.
func WithAddressGuard(enabled bool) Option {
	return func(m *Manager) {
		m.guardAddress = enabled
	}
}

// WithSignalCleanup makes the manager quit, releasing its coordination
// socket, when one of sigs is received while it runs.
func WithSignalCleanup(sigs ...os.Signal) Option {
	return func(m *Manager) {
		m.signals = sigs
	}
}

// WithExit replaces the function a client uses to exit the process once its
// launch attempt is over. It defaults to os.Exit.
func WithExit(fn func(code int)) Option {
	return func(m *Manager) {
		m.exit = fn
	}
}

// WithStderr sets where a client writes its diagnostic when a launch attempt
// fails. It defaults to os.Stderr.
func WithStderr(w io.Writer) Option {
	return func(m *Manager) {
		m.stderr = w
	}
}

// New constructs a manager for identity. Its sessions run on lp, which the
// caller must run.
func New(lp *loop.Loop, identity string, opts ...Option) (*Manager, error) {
	return newManager(realOS{}, lp, identity, opts...)
}

func newManager(osi osIface, lp *loop.Loop, identity string, opts ...Option) (*Manager, error) {
	noopLogger := log15.New()
	noopLogger.SetHandler(log15.DiscardHandler())
	m := &Manager{
		loop:             lp,
		pongTimeout:      DefaultPongTimeout,
		lockTimeout:      DefaultLockTimeout,
		guardAddress:     true,
		startPayload:     defaultStartPayload,
		onStartAttempt:   func(serialize.Value) interface{} { return nil },
		onAlreadyRunning: func(serialize.Value) {},
		onDisplaced:      func() {},
		exit:             os.Exit,
		stderr:           os.Stderr,
		role:             RoleNone,
		sessions:         make(map[*session]struct{}),
		doneC:            make(chan struct{}),
		l:                noopLogger,
		os:               osi,
		env:              stdEnv,
	}
	for _, opt := range opts {
		opt(m)
	}

	dir := m.runtimeDir
	if dir == "" {
		var err error
		if dir, err = m.env.runtimeDir(); err != nil {
			return nil, errors.Wrap(err, "could not determine runtime directory")
		}
	}
	addr, err := ResolveAddress(dir, identity)
	if err != nil {
		return nil, err
	}
	m.addr = addr
	m.l = m.l.New("identity", identity)
	m.coord = newCoordinator(clock.RealClock{}, m.os, m.l, addr)
	return m, nil
}

func defaultStartPayload() interface{} {
	args := []interface{}{}
	for _, arg := range os.Args[1:] {
		args = append(args, arg)
	}
	return map[string]interface{}{"args": args}
}

// Run selects this process's role. If a server is reachable on the
// coordination address, the manager becomes a client and starts its
// handshake on the loop. Otherwise it binds the address and becomes the
// server. Run does not block on the handshake; a client's outcome is
// reported through OnAlreadyRunning and the exit function.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.quit {
		return ErrManagerQuit
	}
	if m.role != RoleNone {
		return ErrAlreadyStarted
	}

	if err := m.coord.Lock(ctx); err != nil {
		return errors.Wrap(err, "could not lock coordination address")
	}
	defer m.unlockCoordinator()

	conn, err := m.coord.ConnectServer()
	switch {
	case err == nil:
		m.connectLocked(conn)
	case err == errNoServer:
		if err := m.bindLocked(false); err != nil {
			return err
		}
	default:
		return err
	}
	m.handleSignals()
	return nil
}

func (m *Manager) unlockCoordinator() {
	if err := m.coord.Unlock(); err != nil {
		m.l.Error("error unlocking coordination address", "err", err)
	}
}

// connectLocked starts a client session on the loop.
func (m *Manager) connectLocked(c *net.UnixConn) {
	m.setRoleLocked(RoleClient)
	s, err := newSession(m, RoleClient, c)
	if err != nil {
		c.Close()
		m.l.Warn("could not use connection to server", "err", err)
		m.loop.Post(m.locked(func() { m.takeover("unusable connection") }))
		return
	}
	m.client = s
	m.loop.Post(m.locked(func() {
		if s.closed() {
			return
		}
		if err := s.start(); err != nil {
			s.l.Warn("could not start handshake", "err", err)
			s.close()
			m.takeover("handshake failed to start")
		}
	}))
}

// bindLocked binds the coordination socket and becomes the server. The lock
// must be held. With force, a socket left at the address is removed first.
func (m *Manager) bindLocked(force bool) error {
	if force {
		if err := m.coord.RemoveSocket(); err != nil {
			return err
		}
	}
	ln, err := m.coord.Listen()
	if err != nil {
		return err
	}
	if err := m.coord.BecomeServer(); err != nil {
		ln.Close()
		if rerr := m.coord.RemoveSocket(); rerr != nil {
			m.l.Warn("could not remove socket after failing to become server", "err", rerr)
		}
		return err
	}
	m.setRoleLocked(RoleServer)
	m.listener = ln
	m.socketRemoved = false
	m.acceptWatch = m.loop.WatchAccept(ln, m.onAccept, m.onAcceptError)
	if m.guardAddress {
		g, err := newAddressGuard(m)
		if err != nil {
			m.l.Warn("could not watch coordination address", "err", err)
		} else {
			m.guard = g
		}
	}
	return nil
}

func (m *Manager) setRoleLocked(role Role) {
	if m.role != role {
		m.l.Info("changing role", "from", m.role, "to", role)
	}
	m.role = role
}

func (m *Manager) onAccept(c net.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.quit || m.role != RoleServer || m.displaced {
		c.Close()
		return
	}
	uc, ok := c.(conn)
	if !ok {
		m.l.Error("accepted connection does not expose its descriptor", "type", fmt.Sprintf("%T", c))
		c.Close()
		return
	}
	s, err := newSession(m, RoleServer, uc)
	if err != nil {
		m.l.Warn("could not use accepted connection", "err", err)
		c.Close()
		return
	}
	m.sessions[s] = struct{}{}
	if err := s.start(); err != nil {
		s.fail(err)
	}
}

func (m *Manager) onAcceptError(err error) {
	m.l.Error("error accepting connection", "err", err)
}

// takeover makes a client whose server is unresponsive the server in its
// place. A failure is fatal to the launch attempt.
func (m *Manager) takeover(reason string) {
	if m.quit || m.role != RoleClient {
		return
	}
	m.l.Info("taking over as server", "reason", reason)
	if m.client != nil {
		m.client.close()
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.lockTimeout)
	defer cancel()
	err := m.coord.Lock(ctx)
	if err == nil {
		err = m.replaceServerLocked()
		m.unlockCoordinator()
	}
	if err != nil {
		m.failClient(errors.Wrap(err, "takeover failed"))
	}
}

// replaceServerLocked binds the address in place of the server the client
// gave up on. If another process took over first, it connects to that one
// instead. The lock must be held.
func (m *Manager) replaceServerLocked() error {
	if !m.coord.Replaced() {
		return m.bindLocked(true)
	}
	m.l.Info("server was replaced in the meantime, connecting to the new one")
	conn, err := m.coord.ConnectServer()
	switch {
	case err == nil:
		m.connectLocked(conn)
		return nil
	case err == errNoServer:
		return m.bindLocked(false)
	}
	return err
}

// finishClient ends a successful launch attempt.
func (m *Manager) finishClient(ack serialize.Value) {
	m.l.Info("instance already running, start attempt delivered")
	m.quitLocked()
	m.unlocked(func() {
		m.onAlreadyRunning(ack)
		m.exit(0)
	})
}

// failClient ends a launch attempt that had no effect.
func (m *Manager) failClient(err error) {
	m.l.Error("launch attempt failed", "err", err)
	fmt.Fprintf(m.stderr, "%s: could not reach running instance: %v\n", m.addr.Identity, err)
	m.quitLocked()
	m.unlocked(func() {
		m.exit(1)
	})
}

func (m *Manager) removeSession(s *session) {
	if s == m.client {
		m.client = nil
		return
	}
	delete(m.sessions, s)
}

// onAddressRemoved runs when the server's socket disappears from under it.
func (m *Manager) onAddressRemoved() {
	if m.quit || m.role != RoleServer || m.displaced {
		return
	}
	m.l.Warn("coordination socket was removed, no longer reachable by new instances", "socket", m.addr.Socket)
	m.displaced = true
	m.stopAcceptingLocked()
	m.unlocked(m.onDisplaced)
}

func (m *Manager) stopAcceptingLocked() {
	if m.guard != nil {
		m.guard.Close()
		m.guard = nil
	}
	if m.acceptWatch != nil {
		m.acceptWatch.Cancel()
		m.acceptWatch = nil
	}
	if m.listener != nil {
		if err := m.listener.Close(); err != nil {
			m.l.Debug("error closing listener", "err", err)
		}
		m.listener = nil
	}
}

// Quit stops the manager. A server stops accepting, closes its sessions and
// removes its coordination socket, unless it was displaced. A client
// abandons its handshake. Quit is idempotent and may be called from any
// goroutine.
func (m *Manager) Quit() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quitLocked()
}

func (m *Manager) quitLocked() {
	if m.quit {
		return
	}
	m.quit = true
	m.l.Info("quitting", "role", m.role)
	switch m.role {
	case RoleServer:
		m.stopAcceptingLocked()
		for s := range m.sessions {
			s.close()
		}
		if !m.displaced && !m.socketRemoved {
			if err := m.coord.RemoveSocket(); err != nil {
				m.l.Error("could not remove coordination socket", "err", err)
			}
			m.socketRemoved = true
		}
	case RoleClient:
		if m.client != nil {
			m.client.close()
		}
	}
	close(m.doneC)
}

// Role returns the current role of this process.
func (m *Manager) Role() Role {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.role
}

// Address returns the coordination address of this manager's identity.
func (m *Manager) Address() Address {
	return m.addr
}

// Done returns a channel which is closed once the manager has quit.
func (m *Manager) Done() <-chan struct{} {
	return m.doneC
}

func (m *Manager) handleSignals() {
	if len(m.signals) == 0 {
		return
	}
	sigC := make(chan os.Signal, 1)
	signal.Notify(sigC, m.signals...)
	go func() {
		defer signal.Stop(sigC)
		select {
		case sig := <-sigC:
			m.l.Info("received signal, quitting", "signal", sig)
			m.Quit()
		case <-m.doneC:
		}
	}()
}

// locked wraps fn to run with the manager's lock held.
func (m *Manager) locked(fn func()) func() {
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		fn()
	}
}

// unlocked runs fn with the manager's lock released. It is used to call
// handlers, which may call back into the manager.
func (m *Manager) unlocked(fn func()) {
	m.mu.Unlock()
	defer m.mu.Lock()
	fn()
}

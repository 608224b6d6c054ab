package unique

import (
	"io"
	"net"
	"syscall"
	"time"

	"github.com/inconshreveable/log15"
	"github.com/ngrok/unique/internal/proto"
	"github.com/ngrok/unique/loop"
	"github.com/ngrok/unique/serialize"
	"github.com/pkg/errors"
)

// Role is the part a process plays for its application identity.
type Role string

const (
	// RoleNone is the role of a manager that has not run yet.
	RoleNone Role = "none"
	// RoleClient is the role of a launch attempt forwarding its payload to a
	// running instance.
	RoleClient Role = "client"
	// RoleServer is the role of the running instance.
	RoleServer Role = "server"
)

// writeTimeout bounds a single frame write. Frames are small enough to fit
// in the socket buffer, so this only trips on a wedged peer.
const writeTimeout = time.Second

// expectedMessages lists, for each role and state, the only message the peer
// may send next.
var expectedMessages = map[Role]map[sessionState]proto.MessageType{
	RoleClient: {
		sessionStateNone:          proto.Pong,
		sessionStateHandshakeDone: proto.Kthxbai,
	},
	RoleServer: {
		sessionStateNone:          proto.Ping,
		sessionStateHandshakeDone: proto.Notify,
		sessionStateDone:          proto.Cu,
	},
}

// conn is a connection that can be read without blocking.
type conn interface {
	net.Conn
	syscall.Conn
}

// session drives one connection through the handshake. The same type is used
// on both ends; role selects which side of the exchange it plays.
// All methods must be called with the manager's lock held.
type session struct {
	role  Role
	state sessionState

	m     *Manager
	conn  conn
	r     io.Reader
	dec   proto.Decoder
	watch *loop.Watch
	timer *loop.Timer

	l log15.Logger
}

func newSession(m *Manager, role Role, c conn) (*session, error) {
	r, err := loop.NonblockingReader(c)
	if err != nil {
		return nil, err
	}
	m.sessionSeq++
	return &session{
		role:  role,
		state: sessionStateNone,
		m:     m,
		conn:  c,
		r:     r,
		l:     m.l.New("role", role, "session", m.sessionSeq),
	}, nil
}

// start registers the session's I/O. A client also sends 'ping' and arms
// the pong timeout.
func (s *session) start() error {
	w, err := s.m.loop.WatchReadable(s.conn, s.m.locked(s.onReadable))
	if err != nil {
		return err
	}
	s.watch = w
	if s.role != RoleClient {
		s.l.Debug("accepted connection")
		return nil
	}
	if err := s.send(proto.Message{Type: proto.Ping}); err != nil {
		return err
	}
	s.timer = s.m.loop.AfterFunc(s.m.pongTimeout, s.m.locked(s.onPongTimeout))
	return nil
}

func (s *session) closed() bool {
	return s.state == sessionStateClosed
}

func (s *session) onReadable() {
	if s.closed() {
		return
	}
	msgs, err := s.dec.ReadFrom(s.r)
	for _, msg := range msgs {
		if herr := s.handle(msg); herr != nil {
			s.fail(herr)
			return
		}
		if s.closed() {
			return
		}
	}
	switch {
	case err == nil:
	case err == io.EOF:
		s.hangup()
	case errors.Cause(err) == proto.ErrMalformedFrame, errors.Cause(err) == proto.ErrFrameTooLarge:
		s.fail(err)
	default:
		s.fail(&TransportError{Op: "read", Path: s.m.addr.Socket, Err: err})
	}
}

func (s *session) onPongTimeout() {
	if s.state != sessionStateNone {
		// the handshake finished in time; this timeout is stale
		return
	}
	s.l.Info("no pong from server in time, assuming it is dead", "timeout", s.m.pongTimeout)
	s.m.takeover("pong timeout")
}

func (s *session) expect(got proto.MessageType) error {
	expected, ok := expectedMessages[s.role][s.state]
	if !ok || got != expected {
		return &ProtocolViolation{Role: s.role, State: s.state, Expected: expected, Got: got}
	}
	return nil
}

func (s *session) handle(msg proto.Message) error {
	if err := s.expect(msg.Type); err != nil {
		return err
	}
	s.l.Debug("received message", "type", msg.Type)
	switch msg.Type {
	case proto.Ping:
		return s.handlePing()
	case proto.Pong:
		return s.handlePong()
	case proto.Notify:
		return s.handleNotify(msg)
	case proto.Kthxbai:
		return s.handleKthxbai(msg)
	case proto.Cu:
		return s.handleCu()
	}
	return nil
}

func (s *session) handlePing() error {
	if err := s.send(proto.Message{Type: proto.Pong}); err != nil {
		return err
	}
	return s.state.transitionTo(sessionStateHandshakeDone)
}

func (s *session) handlePong() error {
	if err := s.state.transitionTo(sessionStateHandshakeDone); err != nil {
		return err
	}
	s.timer.Stop()
	s.l.Debug("handshake done, notifying server")

	var payload interface{}
	s.m.unlocked(func() {
		payload = s.m.startPayload()
	})
	if s.closed() {
		return nil
	}
	node, err := serialize.Serialize(payload)
	if err != nil {
		return &SerializationError{Err: err}
	}
	return s.send(proto.Message{Type: proto.Notify, Payload: node})
}

func (s *session) handleNotify(msg proto.Message) error {
	payload, err := serialize.Unserialize(msg.Payload)
	if err != nil {
		return &SerializationError{Err: err}
	}
	s.l.Info("start attempt received", "payload", payload)

	var ack interface{}
	s.m.unlocked(func() {
		ack = s.m.onStartAttempt(payload)
	})
	if s.closed() {
		return nil
	}
	node, err := serialize.Serialize(ack)
	if err != nil {
		return &SerializationError{Err: err}
	}
	if err := s.send(proto.Message{Type: proto.Kthxbai, Payload: node}); err != nil {
		return err
	}
	return s.state.transitionTo(sessionStateDone)
}

func (s *session) handleKthxbai(msg proto.Message) error {
	ack, err := serialize.Unserialize(msg.Payload)
	if err != nil {
		return &SerializationError{Err: err}
	}
	if err := s.state.transitionTo(sessionStateDone); err != nil {
		return err
	}
	if err := s.send(proto.Message{Type: proto.Cu}); err != nil {
		return err
	}
	s.close()
	s.m.finishClient(ack)
	return nil
}

func (s *session) handleCu() error {
	s.l.Debug("client said goodbye")
	s.close()
	return nil
}

// hangup handles the peer closing its end. For a server this is routine; a
// client that loses the server before the handshake assumes it died.
func (s *session) hangup() {
	if s.role == RoleServer {
		s.l.Debug("client hung up", "state", s.state)
		s.close()
		return
	}
	state := s.state
	s.close()
	if state == sessionStateNone {
		s.m.takeover("server hung up during handshake")
		return
	}
	s.m.failClient(errors.Errorf("server hung up in state %q", state))
}

// fail tears the session down. On a server only this connection is affected.
// A client gives up on the launch attempt. A server that answered at all is
// reachable, so even one that breaks protocol keeps its address.
func (s *session) fail(err error) {
	if s.role == RoleServer {
		s.l.Warn("tearing down session", "state", s.state, "err", err)
		s.close()
		return
	}
	s.close()
	if _, ok := err.(*ProtocolViolation); ok {
		s.l.Warn("server broke protocol", "err", err)
	}
	s.m.failClient(err)
}

func (s *session) send(msg proto.Message) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return &TransportError{Op: "write", Path: s.m.addr.Socket, Err: err}
	}
	if err := proto.WriteMessage(s.conn, msg); err != nil {
		return &TransportError{Op: "write", Path: s.m.addr.Socket, Err: errors.Cause(err)}
	}
	s.l.Debug("sent message", "type", msg.Type)
	return nil
}

// close releases everything the session owns. It is idempotent.
func (s *session) close() {
	if s.closed() {
		return
	}
	s.state = sessionStateClosed
	if s.timer != nil {
		s.timer.Stop()
	}
	if s.watch != nil {
		s.watch.Cancel()
	}
	if err := s.conn.Close(); err != nil {
		s.l.Debug("error closing connection", "err", err)
	}
	s.m.removeSession(s)
}

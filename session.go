package mastership

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/inconshreveable/log15"
	"github.com/ngrok/mastership/internal/proto"
	"github.com/pkg/errors"
)

// notifyQueueLen is how many unsolicited messages may wait for a slow
// controller before it is disconnected.
const notifyQueueLen = 16

// session is the device end of one controller connection.
type session struct {
	id     ConnID
	conn   net.Conn
	device *Device

	writeMu sync.Mutex
	// notifyC carries messages other sessions want written to this one,
	// so they never wait on this controller reading
	notifyC chan *proto.Message

	stateLock sync.Mutex
	state     connState

	closeOnce sync.Once
	closedC   chan struct{}

	l log15.Logger
}

func newSession(d *Device, id ConnID, conn net.Conn) *session {
	return &session{
		id:      id,
		conn:    conn,
		device:  d,
		notifyC: make(chan *proto.Message, notifyQueueLen),
		state:   connStateConnecting,
		closedC: make(chan struct{}),
		l:       d.l.New("conn", id),
	}
}

func (s *session) serve() error {
	defer s.close()
	s.l.Info("controller connected")
	for {
		m, err := proto.ReadMessage(s.conn)
		if err != nil {
			if err == io.EOF {
				s.l.Info("controller disconnected")
			} else if !s.isClosed() {
				s.l.Warn("connection ended", "err", err)
			}
			return nil
		}
		if err := s.handle(m); err != nil {
			s.l.Warn("closing connection", "err", err)
			return nil
		}
	}
}

// notifyLoop writes queued notifications until the session closes.
func (s *session) notifyLoop() error {
	for {
		select {
		case m := <-s.notifyC:
			if err := s.send(m); err != nil {
				s.l.Warn("could not deliver notification, closing connection", "msg", m, "err", err)
				s.close()
				return nil
			}
		case <-s.closedC:
			return nil
		}
	}
}

// notify queues m for notifyLoop. A controller too far behind to take it is
// disconnected.
func (s *session) notify(m *proto.Message) {
	select {
	case s.notifyC <- m:
	case <-s.closedC:
	default:
		s.l.Warn("notification queue full, closing connection", "msg", m)
		s.close()
	}
}

func (s *session) isClosed() bool {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()
	return s.state == connStateClosed
}

func (s *session) transitionTo(state connState) error {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()
	return s.state.transitionTo(state)
}

// send writes m, giving up once the write timeout passes. The caller ends
// the session on error.
func (s *session) send(m *proto.Message) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.device.opts.writeTimeout)); err != nil {
		return err
	}
	return proto.WriteMessage(s.conn, m)
}

func (s *session) reply(req *proto.Message, t proto.MsgType, body interface{}) error {
	m, err := proto.NewMessage(t, req.Xid, body)
	if err != nil {
		return err
	}
	return s.send(m)
}

func (s *session) replyError(req *proto.Message, code proto.ErrorCode, detail string) error {
	s.l.Debug("refusing request", "msg", req, "code", code, "detail", detail)
	return s.reply(req, proto.TypeError, proto.Error{Code: code, Detail: detail})
}

// handle answers one message. An error ends the session.
func (s *session) handle(m *proto.Message) error {
	if m.Type == proto.TypeHello {
		return s.handleHello(m)
	}
	if s.isClosed() {
		return errors.New("session closed")
	}
	s.stateLock.Lock()
	helloDone := s.state == connStateActive
	s.stateLock.Unlock()
	if !helloDone {
		return s.replyError(m, proto.CodeBadType, "hello required first")
	}

	switch m.Type {
	case proto.TypeEchoRequest:
		reply := &proto.Message{Version: proto.Version, Type: proto.TypeEchoReply, Xid: m.Xid, Body: m.Body}
		return s.send(reply)
	case proto.TypeRoleRequest:
		return s.handleRoleRequest(m)
	default:
		return s.replyError(m, proto.CodeBadType, string(m.Type))
	}
}

func (s *session) handleHello(m *proto.Message) error {
	var hello proto.Hello
	if err := m.DecodeBody(&hello); err != nil {
		return s.replyError(m, proto.CodeBadRequest, err.Error())
	}
	if hello.Version != proto.Version {
		if err := s.replyError(m, proto.CodeBadVersion, "unsupported protocol version"); err != nil {
			return err
		}
		return errors.Errorf("controller speaks protocol version %d", hello.Version)
	}
	if err := s.reply(m, proto.TypeHello, proto.Hello{Version: proto.Version}); err != nil {
		return err
	}
	s.stateLock.Lock()
	defer s.stateLock.Unlock()
	if s.state == connStateConnecting {
		return s.state.transitionTo(connStateActive)
	}
	return nil
}

func (s *session) handleRoleRequest(m *proto.Message) error {
	var req proto.RoleRequest
	if err := m.DecodeBody(&req); err != nil {
		return s.replyError(m, proto.CodeBadRequest, err.Error())
	}

	decision, err := s.device.arbiter.Apply(s.id, RoleChange{
		Xid:          m.Xid,
		GenerationID: req.GenerationID,
		Role:         Role(req.Role),
	})
	if errors.Cause(err) == ErrUnknownConnection {
		// the session is being torn down
		return err
	}
	if err := s.reply(m, proto.TypeRoleReply, proto.RoleReply{
		Role:         uint32(decision.Reply.Role),
		GenerationID: decision.Reply.GenerationID,
		Error:        codeForError(err),
	}); err != nil {
		return err
	}
	if decision.Demoted != "" {
		s.device.notifyRoleStatus(decision.Demoted, RoleSlave, req.GenerationID)
	}
	return nil
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		if err := s.transitionTo(connStateClosed); err != nil {
			panic("BUG: " + err.Error())
		}
		close(s.closedC)
		s.conn.Close()
		s.device.arbiter.Unregister(s.id)
		s.device.removeSession(s.id)
	})
}

package mastership

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/inconshreveable/log15"
	"github.com/ngrok/mastership/internal/proto"
	"github.com/pkg/errors"
)

// Controller is the controller end of a connection to a device. It sends
// requests, pairs them with their replies, and keeps unsolicited messages
// for Poll. It is safe for concurrent use.
type Controller struct {
	id   ConnID
	conn net.Conn
	opts options

	generations *GenerationAllocator
	txns        *Coordinator
	inbox       *inbox

	writeMu sync.Mutex

	stateLock sync.Mutex
	state     connState

	closeOnce sync.Once
	// closedC is closed once the connection is gone and every outstanding
	// transaction has been failed.
	closedC chan struct{}

	l log15.Logger
}

// Dial connects to the device at addr and completes the hello exchange. Both
// must finish within the connect timeout.
func Dial(ctx context.Context, network, addr string, opts ...Option) (*Controller, error) {
	o := applyOptions(opts)
	dialCtx, cancel := context.WithTimeout(ctx, o.connectTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, network, addr)
	if err != nil {
		return nil, errors.Wrapf(err, "could not connect to %v", addr)
	}
	return newController(ctx, conn, o)
}

// NewController runs the controller protocol over an established connection,
// starting with the hello exchange. The controller owns conn from then on.
func NewController(ctx context.Context, conn net.Conn, opts ...Option) (*Controller, error) {
	return newController(ctx, conn, applyOptions(opts))
}

func newController(ctx context.Context, conn net.Conn, o options) (*Controller, error) {
	c := &Controller{
		conn:        conn,
		opts:        o,
		generations: o.generations,
		txns:        o.coordinator,
		inbox:       newInbox(o.inboxSize),
		state:       connStateConnecting,
		closedC:     make(chan struct{}),
	}
	if c.generations == nil {
		c.generations = NewGenerationAllocator(0)
	}
	if c.txns == nil {
		c.txns = NewCoordinator(o.clock, o.l)
	}

	id, err := registerUnique(localAddr(conn), func(id ConnID) error {
		return c.txns.Open(id, c.writeMessage)
	})
	if err != nil {
		conn.Close()
		return nil, err
	}
	c.id = id
	c.l = o.l.New("conn", id)

	go c.readLoop()

	if err := c.hello(ctx); err != nil {
		c.shutdown(err)
		return nil, err
	}
	if err := c.transitionTo(connStateActive); err != nil {
		// the read loop already hit an error
		return nil, errors.Wrap(ErrConnectionLost, err.Error())
	}
	c.l.Info("connected to device")
	return c, nil
}

func localAddr(conn net.Conn) string {
	if addr := conn.LocalAddr(); addr != nil && addr.String() != "" {
		return addr.String()
	}
	return "controller"
}

func (c *Controller) hello(ctx context.Context) error {
	m, err := proto.NewMessage(proto.TypeHello, 0, proto.Hello{Version: proto.Version})
	if err != nil {
		return err
	}
	t, err := c.txns.Send(c.id, m, c.opts.connectTimeout)
	if err != nil {
		return errors.Wrap(err, "could not send hello")
	}
	reply, err := t.Wait(ctx)
	if err != nil {
		return errors.Wrap(err, "no hello from device")
	}
	switch reply.Type {
	case proto.TypeHello:
		var hello proto.Hello
		if err := reply.DecodeBody(&hello); err != nil {
			return err
		}
		c.l.Debug("device said hello", "version", hello.Version)
		return nil
	case proto.TypeError:
		return replyError(reply)
	default:
		return errors.Errorf("expected hello, got %v", reply)
	}
}

// ID returns the identity of this connection.
func (c *Controller) ID() ConnID {
	return c.id
}

// Active reports whether the connection is established and not yet closed.
func (c *Controller) Active() bool {
	c.stateLock.Lock()
	defer c.stateLock.Unlock()
	return c.state == connStateActive
}

// Closed returns a channel which is closed once the connection has gone away.
func (c *Controller) Closed() <-chan struct{} {
	return c.closedC
}

func (c *Controller) transitionTo(state connState) error {
	c.stateLock.Lock()
	defer c.stateLock.Unlock()
	return c.state.transitionTo(state)
}

// writeMessage writes m, waiting at most timeout for the device to take it.
// A failed write may leave part of a frame on the wire, so it ends the
// connection.
func (c *Controller) writeMessage(m *proto.Message, timeout time.Duration) error {
	c.writeMu.Lock()
	err := c.conn.SetWriteDeadline(time.Now().Add(timeout))
	if err == nil {
		err = proto.WriteMessage(c.conn, m)
	}
	c.writeMu.Unlock()
	if err != nil {
		c.shutdown(err)
	}
	return err
}

func (c *Controller) readLoop() {
	for {
		m, err := proto.ReadMessage(c.conn)
		if err != nil {
			c.shutdown(err)
			return
		}
		if c.txns.Deliver(c.id, m) {
			continue
		}
		c.l.Debug("unsolicited message", "msg", m)
		if dropped := c.inbox.push(m); dropped != nil {
			c.l.Warn("inbox full, dropped message", "msg", dropped)
		}
	}
}

func (c *Controller) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.stateLock.Lock()
		if err := c.state.transitionTo(connStateClosed); err != nil {
			panic("BUG: " + err.Error())
		}
		c.stateLock.Unlock()

		c.conn.Close()
		if cause == io.EOF {
			c.l.Info("device closed the connection")
		} else if cause != nil {
			c.l.Info("connection ended", "err", cause)
		}
		c.txns.CloseConn(c.id, cause)
		close(c.closedC)
	})
}

// Close closes the connection. Outstanding transactions fail with
// ErrConnectionLost.
func (c *Controller) Close() error {
	c.shutdown(nil)
	return nil
}

// Send writes m without waiting for any reply.
func (c *Controller) Send(m *proto.Message) error {
	if !c.Active() {
		return errors.Wrapf(ErrConnectionLost, "connection %v", c.id)
	}
	return c.writeMessage(m, c.opts.writeTimeout)
}

// TransactAsync sends m and returns the transaction awaiting its reply. It
// fails with ErrTimeout unless a reply arrives within the transact timeout.
func (c *Controller) TransactAsync(m *proto.Message) (*Transaction, error) {
	return c.txns.Send(c.id, m, c.opts.transactTimeout)
}

// Transact sends m and waits for its reply.
func (c *Controller) Transact(ctx context.Context, m *proto.Message) (*proto.Message, error) {
	t, err := c.TransactAsync(m)
	if err != nil {
		return nil, err
	}
	return t.Wait(ctx)
}

// Poll returns the oldest unsolicited message of type t, waiting for one to
// arrive if necessary. An empty t matches any type. If timeout is 0 the poll
// timeout is used.
func (c *Controller) Poll(ctx context.Context, t proto.MsgType, timeout time.Duration) (*proto.Message, error) {
	if timeout <= 0 {
		timeout = c.opts.pollTimeout
	}
	timer := c.opts.clock.NewTimer(timeout)
	defer timer.Stop()
	for {
		m, changed := c.inbox.take(t)
		if m != nil {
			return m, nil
		}
		select {
		case <-changed:
		case <-timer.C():
			return nil, errors.Wrapf(ErrTimeout, "no %v message after %v", t, timeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.closedC:
			// anything that arrived before the close is still pollable
			if m, _ := c.inbox.take(t); m != nil {
				return m, nil
			}
			return nil, errors.Wrapf(ErrConnectionLost, "connection %v", c.id)
		}
	}
}

// RequestRole asks the device for role, with a generation id from the
// controller's allocator.
func (c *Controller) RequestRole(ctx context.Context, role Role) (RoleReply, error) {
	return c.RequestRoleWithGeneration(ctx, role, c.generations.Next())
}

// RequestRoleWithGeneration asks the device for role with an explicit
// generation id. The reply's Err, also returned, is set when the device
// refused the request; the reply then carries the unchanged role.
func (c *Controller) RequestRoleWithGeneration(ctx context.Context, role Role, generation uint64) (RoleReply, error) {
	m, err := proto.NewMessage(proto.TypeRoleRequest, 0, proto.RoleRequest{
		Role:         uint32(role),
		GenerationID: generation,
	})
	if err != nil {
		return RoleReply{}, err
	}
	reply, err := c.Transact(ctx, m)
	if err != nil {
		return RoleReply{Xid: m.Xid}, err
	}

	switch reply.Type {
	case proto.TypeRoleReply:
		var body proto.RoleReply
		if err := reply.DecodeBody(&body); err != nil {
			return RoleReply{Xid: reply.Xid}, err
		}
		rr := RoleReply{
			Xid:          reply.Xid,
			Role:         Role(body.Role),
			GenerationID: body.GenerationID,
			Err:          errorForCode(body.Error),
		}
		c.l.Debug("role reply", "requested", role, "generation", generation, "role", rr.Role, "err", rr.Err)
		return rr, rr.Err
	case proto.TypeError:
		err := replyError(reply)
		return RoleReply{Xid: reply.Xid, Err: err}, err
	default:
		return RoleReply{Xid: reply.Xid}, errors.Errorf("expected role reply, got %v", reply)
	}
}

// Echo sends data to the device and returns what it echoed back.
func (c *Controller) Echo(ctx context.Context, data []byte) ([]byte, error) {
	m, err := proto.NewMessage(proto.TypeEchoRequest, 0, proto.Echo{Data: data})
	if err != nil {
		return nil, err
	}
	reply, err := c.Transact(ctx, m)
	if err != nil {
		return nil, err
	}
	switch reply.Type {
	case proto.TypeEchoReply:
		var body proto.Echo
		if err := reply.DecodeBody(&body); err != nil {
			return nil, err
		}
		return body.Data, nil
	case proto.TypeError:
		return nil, replyError(reply)
	default:
		return nil, errors.Errorf("expected echo reply, got %v", reply)
	}
}

// replyError converts an Error message into the matching sentinel error.
func replyError(m *proto.Message) error {
	var body proto.Error
	if err := m.DecodeBody(&body); err != nil {
		return err
	}
	err := errorForCode(body.Code)
	if err == nil {
		return errors.Errorf("device sent an error without a code: %q", body.Detail)
	}
	if body.Detail != "" {
		return errors.Wrap(err, body.Detail)
	}
	return err
}

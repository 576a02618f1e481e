package mastership

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/inconshreveable/log15"
	"github.com/ngrok/mastership/internal/proto"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"
)

// Transaction is a request awaiting its reply. It resolves exactly once: with
// the reply, ErrTimeout, ErrConnectionLost, or the error that ended a Wait.
type Transaction struct {
	conn *connTxns
	xid  uint32

	once  sync.Once
	done  chan struct{}
	reply *proto.Message
	err   error
}

// Xid returns the transaction id the request was sent with.
func (t *Transaction) Xid() uint32 {
	return t.xid
}

// Done returns a channel closed once the transaction has resolved.
func (t *Transaction) Done() <-chan struct{} {
	return t.done
}

// Result blocks until the transaction resolves and returns its outcome.
func (t *Transaction) Result() (*proto.Message, error) {
	<-t.done
	return t.reply, t.err
}

// Wait is like Result, but gives up when ctx ends. Giving up forgets the
// transaction, so a reply arriving later is discarded.
func (t *Transaction) Wait(ctx context.Context) (*proto.Message, error) {
	select {
	case <-t.done:
	case <-ctx.Done():
		t.conn.forget(t, ctx.Err())
	}
	return t.Result()
}

func (t *Transaction) resolve(reply *proto.Message, err error) bool {
	resolved := false
	t.once.Do(func() {
		t.reply, t.err = reply, err
		close(t.done)
		resolved = true
	})
	return resolved
}

// SendFunc writes a message to a connection, giving up after timeout.
type SendFunc func(m *proto.Message, timeout time.Duration) error

// connTxns holds the outstanding transactions of a single connection.
type connTxns struct {
	id   ConnID
	send SendFunc

	mu      sync.Mutex
	nextXid uint32
	pending map[uint32]*Transaction
	closed  bool

	l log15.Logger
}

// forget removes t if it is still pending and resolves it with err.
func (c *connTxns) forget(t *Transaction, err error) {
	c.mu.Lock()
	if c.pending[t.xid] == t {
		delete(c.pending, t.xid)
	}
	c.mu.Unlock()
	t.resolve(nil, err)
}

// allocXid must be called with mu held.
func (c *connTxns) allocXid() uint32 {
	for {
		c.nextXid++
		if c.nextXid == 0 {
			continue
		}
		if _, taken := c.pending[c.nextXid]; !taken {
			return c.nextXid
		}
	}
}

// Coordinator pairs replies with the requests that caused them. Transactions
// are tracked per connection: a reply only resolves a transaction sent on the
// same connection, and closing or timing out on one connection never affects
// another.
type Coordinator struct {
	clock clock.Clock

	mu    sync.RWMutex
	conns map[ConnID]*connTxns

	l log15.Logger
}

// NewCoordinator returns a coordinator measuring timeouts on clk.
func NewCoordinator(clk clock.Clock, l log15.Logger) *Coordinator {
	return &Coordinator{
		clock: clk,
		conns: make(map[ConnID]*connTxns),
		l:     l,
	}
}

// Open starts tracking transactions for a connection. Requests for it are
// written with send.
func (c *Coordinator) Open(id ConnID, send SendFunc) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.conns[id]; ok {
		return errors.Wrapf(ErrAlreadyRegistered, "connection %v", id)
	}
	c.conns[id] = &connTxns{
		id:      id,
		send:    send,
		pending: make(map[uint32]*Transaction),
		l:       c.l.New("conn", id),
	}
	return nil
}

func (c *Coordinator) conn(id ConnID) *connTxns {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conns[id]
}

// Send writes m on connection id and returns the transaction awaiting its
// reply. A zero m.Xid is replaced with a fresh transaction id; a non-zero one
// is kept, and must not belong to another outstanding transaction on the
// same connection. The transaction fails with ErrTimeout if no reply arrives
// within timeout; the timeout covers writing m too, and a write that does not
// finish in time fails Send itself with ErrTimeout.
func (c *Coordinator) Send(id ConnID, m *proto.Message, timeout time.Duration) (*Transaction, error) {
	conn := c.conn(id)
	if conn == nil {
		return nil, errors.Wrapf(ErrConnectionLost, "connection %v", id)
	}

	conn.mu.Lock()
	if conn.closed {
		conn.mu.Unlock()
		return nil, errors.Wrapf(ErrConnectionLost, "connection %v", id)
	}
	if m.Xid == 0 {
		m.Xid = conn.allocXid()
	} else if _, ok := conn.pending[m.Xid]; ok {
		conn.mu.Unlock()
		return nil, errors.Wrapf(ErrDuplicateXid, "xid %d on connection %v", m.Xid, id)
	}
	t := &Transaction{
		conn: conn,
		xid:  m.Xid,
		done: make(chan struct{}),
	}
	// registered before writing so a fast reply finds it
	conn.pending[t.xid] = t
	conn.mu.Unlock()

	timer := c.clock.NewTimer(timeout)
	if err := conn.send(m, timeout); err != nil {
		timer.Stop()
		if isTimeout(err) {
			err = errors.Wrapf(ErrTimeout, "could not send %v within %v: %v", m, timeout, err)
		} else {
			err = errors.Wrapf(err, "could not send %v", m)
		}
		conn.forget(t, err)
		return nil, err
	}

	go func() {
		defer timer.Stop()
		select {
		case <-t.done:
		case <-timer.C():
			conn.l.Debug("transaction timed out", "xid", t.xid, "timeout", timeout)
			conn.forget(t, errors.Wrapf(ErrTimeout, "no reply to %v after %v", m, timeout))
		}
	}()
	return t, nil
}

// Deliver resolves the transaction on connection id that m replies to. It
// reports false if there is none; such messages are the caller's to handle.
func (c *Coordinator) Deliver(id ConnID, m *proto.Message) bool {
	conn := c.conn(id)
	if conn == nil {
		c.l.Debug("discarding message for unknown connection", "conn", id, "msg", m)
		return false
	}
	if m.Xid == 0 {
		return false
	}
	conn.mu.Lock()
	t, ok := conn.pending[m.Xid]
	if ok {
		delete(conn.pending, m.Xid)
	}
	conn.mu.Unlock()
	if !ok {
		conn.l.Debug("no transaction for message", "msg", m)
		return false
	}
	return t.resolve(m, nil)
}

// CloseConn fails every outstanding transaction on connection id with
// ErrConnectionLost and stops tracking it. Later sends on it fail the same way.
func (c *Coordinator) CloseConn(id ConnID, cause error) {
	c.mu.Lock()
	conn, ok := c.conns[id]
	delete(c.conns, id)
	c.mu.Unlock()
	if !ok {
		return
	}

	conn.mu.Lock()
	conn.closed = true
	pending := conn.pending
	conn.pending = make(map[uint32]*Transaction)
	conn.mu.Unlock()

	err := ErrConnectionLost
	if cause != nil {
		err = errors.Wrap(ErrConnectionLost, cause.Error())
	}
	for _, t := range pending {
		t.resolve(nil, err)
	}
	if len(pending) > 0 {
		conn.l.Info("failed outstanding transactions", "count", len(pending), "cause", cause)
	}
}

// Pending returns the number of outstanding transactions on connection id.
func (c *Coordinator) Pending(id ConnID) int {
	conn := c.conn(id)
	if conn == nil {
		return 0
	}
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return len(conn.pending)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

package mastership

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/inconshreveable/log15"
	"github.com/ngrok/mastership/internal/proto"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// acceptBackoff is how long Serve waits after a failed accept before trying
// again.
const acceptBackoff = 5 * time.Millisecond

// Device is the device end: it accepts controller connections, answers their
// requests, and arbitrates their roles.
type Device struct {
	arbiter *Arbiter
	opts    options

	mu        sync.Mutex
	sessions  map[ConnID]*session
	listeners map[net.Listener]struct{}
	closed    bool

	// group tracks the goroutine of every session
	group errgroup.Group

	l log15.Logger
}

// NewDevice constructs a device with no connections.
func NewDevice(opts ...Option) *Device {
	o := applyOptions(opts)
	return &Device{
		arbiter:   NewArbiter(o.l.New("component", "arbiter")),
		opts:      o,
		sessions:  make(map[ConnID]*session),
		listeners: make(map[net.Listener]struct{}),
		l:         o.l,
	}
}

// Arbiter returns the arbiter deciding roles for this device's connections.
func (d *Device) Arbiter() *Arbiter {
	return d.arbiter
}

// Serve accepts connections on ln until ln or the device is closed. The
// device takes ownership of ln.
func (d *Device) Serve(ln net.Listener) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		ln.Close()
		return ErrClosed
	}
	d.listeners[ln] = struct{}{}
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.listeners, ln)
		d.mu.Unlock()
	}()

	d.l.Info("accepting controller connections", "addr", ln.Addr())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if d.isClosed() || errors.Is(err, net.ErrClosed) {
				d.l.Info("listener closed, no longer accepting connections", "addr", ln.Addr())
				return nil
			}
			d.l.Error("error accepting connection", "err", err)
			d.opts.clock.Sleep(acceptBackoff)
			continue
		}
		if err := d.ServeConn(conn); err != nil {
			d.l.Warn("could not serve connection", "remote", conn.RemoteAddr(), "err", err)
		}
	}
}

// ServeConn serves a single controller connection in the background. The
// device takes ownership of conn.
func (d *Device) ServeConn(conn net.Conn) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		conn.Close()
		return ErrClosed
	}

	id, err := registerUnique(remoteAddr(conn), d.arbiter.Register)
	if err != nil {
		conn.Close()
		return err
	}
	s := newSession(d, id, conn)
	d.sessions[id] = s
	d.group.Go(s.serve)
	d.group.Go(s.notifyLoop)
	return nil
}

func remoteAddr(conn net.Conn) string {
	if addr := conn.RemoteAddr(); addr != nil && addr.String() != "" {
		return addr.String()
	}
	return "controller"
}

// registerUnique calls register with base as the id, then with numbered
// variants of it while the id is taken. Pipes and unix sockets don't give
// every peer a distinct address.
func registerUnique(base string, register func(ConnID) error) (ConnID, error) {
	id := ConnID(base)
	for n := 2; ; n++ {
		err := register(id)
		if err == nil {
			return id, nil
		}
		if errors.Cause(err) != ErrAlreadyRegistered {
			return "", err
		}
		id = ConnID(fmt.Sprintf("%s#%d", base, n))
	}
}

func (d *Device) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func (d *Device) removeSession(id ConnID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.sessions, id)
}

func (d *Device) session(id ConnID) *session {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sessions[id]
}

// notifyRoleStatus tells connection id its role was changed from elsewhere.
// It does not wait for the message to be written.
func (d *Device) notifyRoleStatus(id ConnID, role Role, generation uint64) {
	s := d.session(id)
	if s == nil {
		return
	}
	m, err := proto.NewMessage(proto.TypeRoleStatus, 0, proto.RoleStatus{
		Role:         uint32(role),
		Reason:       proto.ReasonMasterRequest,
		GenerationID: generation,
	})
	if err != nil {
		d.l.Error("could not build role status", "err", err)
		return
	}
	s.notify(m)
}

// Sessions returns the ids of the connected controllers.
func (d *Device) Sessions() []ConnID {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]ConnID, 0, len(d.sessions))
	for id := range d.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Close stops accepting connections, closes every controller connection and
// waits for their sessions to end.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	var firstErr error
	for ln := range d.listeners {
		if err := ln.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	sessions := make([]*session, 0, len(d.sessions))
	for _, s := range d.sessions {
		sessions = append(sessions, s)
	}
	d.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
	if err := d.group.Wait(); err != nil && firstErr == nil {
		firstErr = err
	}
	d.l.Info("device closed")
	return firstErr
}

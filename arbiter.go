package mastership

import (
	"fmt"
	"sort"
	"sync"

	"github.com/inconshreveable/log15"
	"github.com/pkg/errors"
)

// ConnID identifies one controller connection.
type ConnID string

// RoleChange is a request to change, or with RoleNoChange report, the role of
// a connection.
type RoleChange struct {
	Xid          uint32
	GenerationID uint64
	Role         Role
}

// RoleReply is the outcome of a RoleChange. Xid always equals the request's.
// When Err is set the request had no effect and Role is the connection's
// unchanged role.
type RoleReply struct {
	Xid          uint32
	Role         Role
	GenerationID uint64
	Err          error
}

// Decision is the result of applying a RoleChange.
type Decision struct {
	Reply RoleReply
	// Demoted is the connection that lost mastership as a result of this
	// change, if any.
	Demoted ConnID
}

type arbiterEntry struct {
	role Role
	// generation is the last generation id accepted from this connection
	generation uint64
}

// Arbiter tracks the role of every connection to a device and decides role
// changes. At most one connection is master at any time, and role changes
// carrying a generation id no newer than the highest accepted so far, on any
// connection, are refused.
type Arbiter struct {
	mu        sync.Mutex
	entries   map[ConnID]*arbiterEntry
	highWater uint64

	l log15.Logger
}

// NewArbiter returns an arbiter with no connections.
func NewArbiter(l log15.Logger) *Arbiter {
	return &Arbiter{
		entries: make(map[ConnID]*arbiterEntry),
		l:       l,
	}
}

// Register starts tracking a connection. It begins with RoleNoChange.
func (a *Arbiter) Register(id ConnID) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.entries[id]; ok {
		return errors.Wrapf(ErrAlreadyRegistered, "connection %v", id)
	}
	a.entries[id] = &arbiterEntry{role: RoleNoChange}
	a.l.Debug("registered connection", "conn", id)
	return nil
}

// Unregister stops tracking a connection. If it was master, the device has no
// master until another connection asks to be one.
func (a *Arbiter) Unregister(id ConnID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	entry, ok := a.entries[id]
	if !ok {
		return
	}
	delete(a.entries, id)
	a.l.Debug("unregistered connection", "conn", id, "role", entry.role)
}

// Apply decides a role change for connection id. The returned Decision always
// holds the reply to send back; the error is the reason the request was
// refused, if it was, and is also set in the reply.
func (a *Arbiter) Apply(id ConnID, req RoleChange) (Decision, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	entry, ok := a.entries[id]
	if !ok {
		err := errors.Wrapf(ErrUnknownConnection, "connection %v", id)
		return Decision{Reply: RoleReply{Xid: req.Xid, Role: RoleNoChange, GenerationID: a.highWater, Err: err}}, err
	}

	refuse := func(err error) (Decision, error) {
		a.l.Info("refused role change", "conn", id, "role", req.Role, "generation", req.GenerationID, "highWater", a.highWater, "err", err)
		return Decision{Reply: RoleReply{Xid: req.Xid, Role: entry.role, GenerationID: a.highWater, Err: err}}, err
	}
	if !req.Role.Valid() {
		return refuse(errors.Wrapf(ErrBadRequest, "undefined role %v", req.Role))
	}
	if req.GenerationID <= a.highWater {
		return refuse(errors.Wrapf(ErrStaleGeneration, "generation %d is not newer than %d", req.GenerationID, a.highWater))
	}

	a.highWater = req.GenerationID
	entry.generation = req.GenerationID

	var demoted ConnID
	switch req.Role {
	case RoleMaster:
		for otherID, other := range a.entries {
			if otherID != id && other.role == RoleMaster {
				other.role = RoleSlave
				demoted = otherID
			}
		}
		entry.role = RoleMaster
	case RoleSlave, RoleEqual:
		entry.role = req.Role
	case RoleNoChange:
	}
	a.checkInvariants()

	a.l.Info("applied role change", "conn", id, "requested", req.Role, "role", entry.role, "generation", req.GenerationID, "demoted", demoted)
	return Decision{
		Reply:   RoleReply{Xid: req.Xid, Role: entry.role, GenerationID: req.GenerationID},
		Demoted: demoted,
	}, nil
}

// checkInvariants must be called with mu held.
func (a *Arbiter) checkInvariants() {
	var masters []ConnID
	for id, entry := range a.entries {
		if entry.role == RoleMaster {
			masters = append(masters, id)
		}
	}
	if len(masters) > 1 {
		panic(fmt.Sprintf("BUG: more than one master: %v", masters))
	}
}

// Role returns the current role of a connection.
func (a *Arbiter) Role(id ConnID) (Role, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	entry, ok := a.entries[id]
	if !ok {
		return RoleNoChange, false
	}
	return entry.role, true
}

// Master returns the connection currently holding mastership, if any.
func (a *Arbiter) Master() (ConnID, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, entry := range a.entries {
		if entry.role == RoleMaster {
			return id, true
		}
	}
	return "", false
}

// HighWater returns the highest generation id accepted so far.
func (a *Arbiter) HighWater() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.highWater
}

// Snapshot returns the role of every tracked connection.
func (a *Arbiter) Snapshot() map[ConnID]Role {
	a.mu.Lock()
	defer a.mu.Unlock()
	res := make(map[ConnID]Role, len(a.entries))
	for id, entry := range a.entries {
		res[id] = entry.role
	}
	return res
}

func (a *Arbiter) String() string {
	snap := a.Snapshot()
	ids := make([]string, 0, len(snap))
	for id := range snap {
		ids = append(ids, string(id))
	}
	sort.Strings(ids)
	res := make([]string, 0, len(ids))
	for _, id := range ids {
		res = append(res, fmt.Sprintf("%s=%s", id, snap[ConnID(id)]))
	}
	return fmt.Sprintf("roles: %v", res)
}

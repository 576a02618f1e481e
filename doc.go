// Package mastership implements controller role arbitration between a device
// and the controllers managing it.
//
// Any number of controllers may be connected to a device at once. Each
// connection holds a role: EQUAL, MASTER or SLAVE, or no role at all until it
// asks for one. At most one connection is MASTER; a connection that becomes
// MASTER demotes the previous one to SLAVE, which is told so with an
// unsolicited RoleStatus message.
//
// Role requests carry a generation id. The device refuses any request whose
// generation id is not newer than every one it has accepted before, on any
// connection, so a delayed or replayed request can't take mastership back.
// Controllers negotiating over the same device should draw generation ids
// from one shared GenerationAllocator.
//
// Every request on a connection is a transaction: it is sent with a
// transaction id (xid) and the reply carrying that xid, on that connection,
// resolves it. A transaction always resolves, with its reply, ErrTimeout, or
// ErrConnectionLost when the connection goes away first.
//
// The device side is a Device, usually run with Listen and Serve; the
// controller side is a Controller, created with Dial.
package mastership

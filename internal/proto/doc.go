// Package proto encapsulates the messages exchanged between a controller and a
// device, as well as the functions for reading and writing them off the wire.
//
// Every message is a frame: a 4 byte big-endian length followed by that many
// bytes of JSON encoding a Message. The Message header carries the protocol
// version, the message type and a transaction id (xid). The body is
// type-specific JSON.
//
// Replies always carry the xid of the request they answer. Messages the device
// sends on its own accord (such as RoleStatus) carry xid 0.
//
// A connection begins with a HELLO exchange initiated by the controller:
//
// C sends 'Message{Type: TypeHello, Xid: n, Body: Hello{Version: 1}}' to D
// D sends 'Message{Type: TypeHello, Xid: n, Body: Hello{Version: 1}}' to C
//
// If D does not speak the version C announced, it answers with
// 'Error{Code: CodeBadVersion}' carrying the same xid and closes the
// connection.
//
// A role change is a single transaction:
//
// C sends 'RoleRequest{Role, GenerationID}' to D
// D sends 'RoleReply{Role, GenerationID, Error}' to C
//
// A non-empty Error in the reply means the request was refused and Role is
// the connection's unchanged role.
package proto

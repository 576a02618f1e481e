package proto

import (
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
)

// Message is the envelope of every frame on the wire.
type Message struct {
	Version uint8           `json:"version"`
	Type    MsgType         `json:"type"`
	Xid     uint32          `json:"xid"`
	Body    json.RawMessage `json:"body,omitempty"`
}

func (m *Message) String() string {
	return fmt.Sprintf("%s(xid=%d)", m.Type, m.Xid)
}

// NewMessage builds a message of the given type with body encoded as JSON. A
// nil body produces a message without one.
func NewMessage(t MsgType, xid uint32, body interface{}) (*Message, error) {
	m := &Message{Version: Version, Type: t, Xid: xid}
	if body == nil {
		return m, nil
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Wrapf(err, "could not encode %s body", t)
	}
	m.Body = data
	return m, nil
}

// DecodeBody unmarshals the message body into obj.
func (m *Message) DecodeBody(obj interface{}) error {
	if len(m.Body) == 0 {
		return errors.Errorf("%s has no body", m.Type)
	}
	if err := json.Unmarshal(m.Body, obj); err != nil {
		return errors.Wrapf(err, "could not decode %s body", m.Type)
	}
	return nil
}

// Hello opens a connection and announces the protocol version.
type Hello struct {
	Version int32 `json:"version"`
}

// Echo is the body of both echo requests and echo replies.
type Echo struct {
	Data []byte `json:"data,omitempty"`
}

// RoleRequest asks the device to change (or report) the sender's role.
type RoleRequest struct {
	Role         uint32 `json:"role"`
	GenerationID uint64 `json:"generation_id"`
}

// RoleReply answers a RoleRequest.
type RoleReply struct {
	Role         uint32    `json:"role"`
	GenerationID uint64    `json:"generation_id"`
	Error        ErrorCode `json:"error,omitempty"`
}

// RoleStatus is sent unprompted to a connection whose role was changed by a
// request made on another connection.
type RoleStatus struct {
	Role         uint32 `json:"role"`
	Reason       string `json:"reason"`
	GenerationID uint64 `json:"generation_id"`
}

// Error is sent in place of a reply when a request cannot be handled at all.
type Error struct {
	Code   ErrorCode `json:"code"`
	Detail string    `json:"detail,omitempty"`
}

package proto

const (
	// Version is the latest version of the protocol.
	Version = 1

	// MaxFrameLen bounds the size of a single encoded message.
	MaxFrameLen = 1 << 20
)

// MsgType identifies the body carried by a Message.
type MsgType string

const (
	TypeHello       MsgType = "hello"
	TypeError       MsgType = "error"
	TypeEchoRequest MsgType = "echo_request"
	TypeEchoReply   MsgType = "echo_reply"
	TypeRoleRequest MsgType = "role_request"
	TypeRoleReply   MsgType = "role_reply"
	TypeRoleStatus  MsgType = "role_status"
)

// ErrorCode is the reason a request was refused.
type ErrorCode string

const (
	// CodeStaleGeneration means the request's generation id was not newer
	// than the highest one the device has accepted.
	CodeStaleGeneration ErrorCode = "stale_generation"
	// CodeBadRequest means the request body was malformed, e.g. an unknown role.
	CodeBadRequest ErrorCode = "bad_request"
	// CodeBadType means the device does not handle the message type.
	CodeBadType ErrorCode = "bad_type"
	// CodeBadVersion means the peer speaks a protocol version we don't.
	CodeBadVersion ErrorCode = "bad_version"
)

// RoleStatus reasons.
const (
	ReasonMasterRequest = "master_request"
)

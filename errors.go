package mastership

import (
	"github.com/ngrok/mastership/internal/proto"
	"github.com/pkg/errors"
)

var (
	// ErrStaleGeneration indicates a role request carried a generation id that
	// was not newer than the highest one the device had already accepted. The
	// request had no effect.
	ErrStaleGeneration = errors.New("stale generation id")
	// ErrBadRequest indicates a malformed request, such as an undefined role.
	// The request had no effect.
	ErrBadRequest = errors.New("bad request")
	// ErrTimeout indicates no reply arrived before the transaction's deadline.
	// The transaction is forgotten: a late reply no longer resolves it, and a
	// Controller keeps it in its inbox for Poll.
	ErrTimeout = errors.New("transaction timed out")
	// ErrConnectionLost indicates the connection closed while a transaction was
	// outstanding, or a transaction was attempted on a closed connection.
	ErrConnectionLost = errors.New("connection lost")
	// ErrDuplicateXid indicates the caller reused a transaction id that is
	// still outstanding on the same connection. This is a bug in the caller.
	ErrDuplicateXid = errors.New("transaction id already outstanding")
	// ErrUnknownConnection indicates the arbiter has no record of a connection.
	ErrUnknownConnection = errors.New("unknown connection")
	// ErrAlreadyRegistered indicates a connection id was registered twice.
	ErrAlreadyRegistered = errors.New("connection already registered")
	// ErrUnsupported indicates the peer refused a message type or protocol
	// version.
	ErrUnsupported = errors.New("unsupported by peer")
	// ErrClosed indicates the device or controller has been closed.
	ErrClosed = errors.New("closed")
)

// codeForError maps an arbitration error onto its wire code.
func codeForError(err error) proto.ErrorCode {
	switch errors.Cause(err) {
	case nil:
		return ""
	case ErrStaleGeneration:
		return proto.CodeStaleGeneration
	default:
		return proto.CodeBadRequest
	}
}

// errorForCode is the inverse of codeForError.
func errorForCode(code proto.ErrorCode) error {
	switch code {
	case "":
		return nil
	case proto.CodeStaleGeneration:
		return ErrStaleGeneration
	case proto.CodeBadRequest:
		return ErrBadRequest
	case proto.CodeBadType, proto.CodeBadVersion:
		return ErrUnsupported
	default:
		return errors.Wrapf(ErrBadRequest, "unrecognized error code %q", code)
	}
}

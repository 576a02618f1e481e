package proto

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"io"

	"github.com/pkg/errors"
)

// WriteMessage writes a length-prefixed message to dst. It expects the
// message to be read using ReadMessage.
func WriteMessage(dst io.Writer, m *Message) error {
	var frame bytes.Buffer
	// reserve the length prefix, filled in once the json size is known
	frame.Write([]byte{0, 0, 0, 0})
	enc := json.NewEncoder(&frame)
	if err := enc.Encode(m); err != nil {
		return errors.Wrapf(err, "could not encode %v", m)
	}

	jsonLen := frame.Len() - 4
	if jsonLen > MaxFrameLen {
		return errors.Errorf("message %v too large: %d > %d", m, jsonLen, MaxFrameLen)
	}
	binary.BigEndian.PutUint32(frame.Bytes()[:4], uint32(jsonLen))

	// a single write keeps concurrent writers (guarded by the caller) from
	// interleaving a length with someone else's payload
	if _, err := dst.Write(frame.Bytes()); err != nil {
		return errors.Wrap(err, "could not write message")
	}
	return nil
}

// ReadMessage reads a length-prefixed message written by WriteMessage.
func ReadMessage(src io.Reader) (*Message, error) {
	var jsonLen uint32
	if err := binary.Read(src, binary.BigEndian, &jsonLen); err != nil {
		if err == io.EOF {
			return nil, err
		}
		return nil, errors.Wrap(err, "protocol error: could not read length of message")
	}
	if jsonLen > MaxFrameLen {
		return nil, errors.Errorf("protocol error: frame length %d exceeds %d", jsonLen, MaxFrameLen)
	}

	data := make([]byte, jsonLen)
	if n, err := io.ReadFull(src, data); err != nil {
		return nil, errors.Wrapf(err, "unable to read expected message length (expected %v, got %v)", jsonLen, n)
	}

	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errors.Wrap(err, "protocol error: can't decode message")
	}
	if m.Type == "" {
		return nil, errors.New("protocol error: message has no type")
	}
	return &m, nil
}

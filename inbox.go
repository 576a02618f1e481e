package mastership

import (
	"sync"

	"github.com/ngrok/mastership/internal/proto"
)

// inbox holds messages that arrived without a transaction waiting for them,
// oldest first, until they are polled. When full, the oldest is dropped.
type inbox struct {
	mu   sync.Mutex
	size int
	msgs []*proto.Message
	// changed is closed and replaced whenever a message is added
	changed chan struct{}
}

func newInbox(size int) *inbox {
	return &inbox{
		size:    size,
		changed: make(chan struct{}),
	}
}

// push adds m, returning the message dropped to make room for it, if any.
func (b *inbox) push(m *proto.Message) *proto.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	var dropped *proto.Message
	if len(b.msgs) >= b.size {
		dropped = b.msgs[0]
		b.msgs = b.msgs[1:]
	}
	b.msgs = append(b.msgs, m)
	close(b.changed)
	b.changed = make(chan struct{})
	return dropped
}

// take removes and returns the oldest message of type t; an empty t matches
// any type. If there is none, it returns a channel closed on the next push.
func (b *inbox) take(t proto.MsgType) (*proto.Message, <-chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, m := range b.msgs {
		if t == "" || m.Type == t {
			b.msgs = append(b.msgs[:i:i], b.msgs[i+1:]...)
			return m, nil
		}
	}
	return nil, b.changed
}

func (b *inbox) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.msgs)
}

package mastership

import (
	"sync"
	"time"

	"github.com/ngrok/mastership/internal/proto"
)

// mockConn records what a coordinator sends on a connection instead of
// writing it anywhere.
type mockConn struct {
	mu   sync.Mutex
	sent []*proto.Message
	err  error
}

func (m *mockConn) send(msg *proto.Message, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, msg)
	return nil
}

func (m *mockConn) messages() []*proto.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*proto.Message(nil), m.sent...)
}

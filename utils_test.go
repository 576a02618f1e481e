package mastership

import (
	"context"
	"net"
	"testing"

	"github.com/inconshreveable/log15"
	"github.com/ngrok/mastership/internal/proto"
	"github.com/stretchr/testify/require"
)

var l = log15.New()

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}

func newTestDevice(t *testing.T, opts ...Option) *Device {
	d := NewDevice(append([]Option{WithLogger(l)}, opts...)...)
	t.Cleanup(func() { d.Close() })
	return d
}

// connectPipe connects a controller to d over an in-memory pipe.
func connectPipe(t *testing.T, d *Device, opts ...Option) *Controller {
	devEnd, ctrlEnd := net.Pipe()
	require.NoError(t, d.ServeConn(devEnd))
	c, err := NewController(testCtx(t), ctrlEnd, append([]Option{WithLogger(l)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

// fakeDevice answers the hello exchange on the device end of a pipe and then
// hands every further message to the test through msgs. It never replies on
// its own.
type fakeDevice struct {
	conn net.Conn
	msgs chan *proto.Message
}

func newFakeDevice(t *testing.T, opts ...Option) (*fakeDevice, *Controller) {
	devEnd, ctrlEnd := net.Pipe()
	fd := &fakeDevice{conn: devEnd, msgs: make(chan *proto.Message, 16)}
	go fd.run()
	t.Cleanup(func() { devEnd.Close() })

	c, err := NewController(testCtx(t), ctrlEnd, append([]Option{WithLogger(l)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return fd, c
}

func (fd *fakeDevice) run() {
	defer close(fd.msgs)
	for {
		m, err := proto.ReadMessage(fd.conn)
		if err != nil {
			return
		}
		if m.Type == proto.TypeHello {
			reply, _ := proto.NewMessage(proto.TypeHello, m.Xid, proto.Hello{Version: proto.Version})
			if err := proto.WriteMessage(fd.conn, reply); err != nil {
				return
			}
			continue
		}
		fd.msgs <- m
	}
}

func (fd *fakeDevice) send(t *testing.T, typ proto.MsgType, xid uint32, body interface{}) {
	m, err := proto.NewMessage(typ, xid, body)
	require.NoError(t, err)
	require.NoError(t, proto.WriteMessage(fd.conn, m))
}

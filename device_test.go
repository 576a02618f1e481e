package mastership

import (
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ngrok/mastership/internal/proto"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serveTCP(t *testing.T, d *Device) string {
	ln, err := d.Listen(testCtx(t), "tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go d.Serve(ln)
	return ln.Addr().String()
}

// TestRoleRequestMaster runs two controllers through handing mastership
// between them, the way two controllers managing one switch would.
func TestRoleRequestMaster(t *testing.T) {
	ctx := testCtx(t)
	d := newTestDevice(t)
	addr := serveTCP(t, d)

	gens := NewGenerationAllocator(2)
	c1, err := Dial(ctx, "tcp", addr, WithLogger(l), WithGenerationAllocator(gens))
	require.NoError(t, err)
	defer c1.Close()
	c2, err := Dial(ctx, "tcp", addr, WithLogger(l), WithGenerationAllocator(gens))
	require.NoError(t, err)
	defer c2.Close()
	require.True(t, c1.Active())
	require.True(t, c2.Active())

	reply, err := c1.RequestRole(ctx, RoleMaster)
	require.NoError(t, err)
	require.Equal(t, RoleMaster, reply.Role, "c1 should be master")
	require.Equal(t, uint64(3), reply.GenerationID)

	reply, err = c2.RequestRole(ctx, RoleNoChange)
	require.NoError(t, err)
	require.NotEqual(t, RoleMaster, reply.Role, "c2 should not be master")

	reply, err = c2.RequestRole(ctx, RoleMaster)
	require.NoError(t, err)
	require.Equal(t, RoleMaster, reply.Role, "c2 should be master")

	reply, err = c1.RequestRole(ctx, RoleNoChange)
	require.NoError(t, err)
	require.Equal(t, RoleSlave, reply.Role, "c1 should be slave")

	reply, err = c2.RequestRole(ctx, RoleNoChange)
	require.NoError(t, err)
	require.Equal(t, RoleMaster, reply.Role, "c2 should still be master")

	// c1 was told it lost mastership
	status, err := c1.Poll(ctx, proto.TypeRoleStatus, time.Second)
	require.NoError(t, err)
	var body proto.RoleStatus
	require.NoError(t, status.DecodeBody(&body))
	require.Equal(t, uint32(RoleSlave), body.Role)
	require.Equal(t, proto.ReasonMasterRequest, body.Reason)
	require.Equal(t, uint64(5), body.GenerationID)

	// over tcp both ends agree on the connection's identity
	role, ok := d.Arbiter().Role(c1.ID())
	require.True(t, ok)
	require.Equal(t, RoleSlave, role)
	master, ok := d.Arbiter().Master()
	require.True(t, ok)
	require.Equal(t, c2.ID(), master)
}

// TestStaleGenerationOverWire checks a refused request reports the
// connection's unchanged role.
func TestStaleGenerationOverWire(t *testing.T) {
	ctx := testCtx(t)
	d := newTestDevice(t)
	x := connectPipe(t, d)
	y := connectPipe(t, d)

	reply, err := x.RequestRoleWithGeneration(ctx, RoleMaster, 3)
	require.NoError(t, err)
	require.Equal(t, RoleMaster, reply.Role)

	reply, err = y.RequestRoleWithGeneration(ctx, RoleMaster, 2)
	require.True(t, errors.Is(err, ErrStaleGeneration), "got %v", err)
	require.Equal(t, err, reply.Err)
	require.Equal(t, RoleNoChange, reply.Role)
	require.Equal(t, uint64(3), reply.GenerationID)

	reply, err = y.RequestRoleWithGeneration(ctx, RoleMaster, 4)
	require.NoError(t, err)
	require.Equal(t, RoleMaster, reply.Role)

	reply, err = x.RequestRoleWithGeneration(ctx, RoleSlave, 5)
	require.NoError(t, err)
	require.Equal(t, RoleSlave, reply.Role)

	reply, err = y.RequestRoleWithGeneration(ctx, RoleNoChange, 6)
	require.NoError(t, err)
	require.Equal(t, RoleMaster, reply.Role)
}

func TestBadRoleOverWire(t *testing.T) {
	ctx := testCtx(t)
	d := newTestDevice(t)
	c := connectPipe(t, d)

	reply, err := c.RequestRoleWithGeneration(ctx, Role(42), 1)
	require.True(t, errors.Is(err, ErrBadRequest), "got %v", err)
	require.Equal(t, RoleNoChange, reply.Role)
	require.Equal(t, uint64(0), d.Arbiter().HighWater())
}

func TestEcho(t *testing.T) {
	ctx := testCtx(t)
	d := newTestDevice(t)
	c1 := connectPipe(t, d)
	c2 := connectPipe(t, d)

	data, err := c1.Echo(ctx, []byte("OpenFlow Will Rule The World"))
	require.NoError(t, err)
	require.Equal(t, "OpenFlow Will Rule The World", string(data))

	data, err = c2.Echo(ctx, []byte("OpenFlow Will Rule The World Second Controller"))
	require.NoError(t, err)
	require.Equal(t, "OpenFlow Will Rule The World Second Controller", string(data))
}

func TestUnknownMessageType(t *testing.T) {
	ctx := testCtx(t)
	d := newTestDevice(t)
	c := connectPipe(t, d)

	m, err := proto.NewMessage("flow_mod", 0, nil)
	require.NoError(t, err)
	reply, err := c.Transact(ctx, m)
	require.NoError(t, err)
	require.Equal(t, proto.TypeError, reply.Type)
	require.Equal(t, m.Xid, reply.Xid)
	var body proto.Error
	require.NoError(t, reply.DecodeBody(&body))
	require.Equal(t, proto.CodeBadType, body.Code)

	// the connection is still usable
	_, err = c.Echo(ctx, nil)
	require.NoError(t, err)
}

func TestHelloRequired(t *testing.T) {
	d := newTestDevice(t)
	devEnd, ctrlEnd := net.Pipe()
	defer ctrlEnd.Close()
	require.NoError(t, d.ServeConn(devEnd))

	req, err := proto.NewMessage(proto.TypeEchoRequest, 5, proto.Echo{})
	require.NoError(t, err)
	require.NoError(t, proto.WriteMessage(ctrlEnd, req))
	reply, err := proto.ReadMessage(ctrlEnd)
	require.NoError(t, err)
	require.Equal(t, proto.TypeError, reply.Type)
	require.Equal(t, uint32(5), reply.Xid)
}

func TestHelloBadVersion(t *testing.T) {
	d := newTestDevice(t)
	devEnd, ctrlEnd := net.Pipe()
	defer ctrlEnd.Close()
	require.NoError(t, d.ServeConn(devEnd))

	hello, err := proto.NewMessage(proto.TypeHello, 1, proto.Hello{Version: 99})
	require.NoError(t, err)
	require.NoError(t, proto.WriteMessage(ctrlEnd, hello))
	reply, err := proto.ReadMessage(ctrlEnd)
	require.NoError(t, err)
	require.Equal(t, proto.TypeError, reply.Type)
	var body proto.Error
	require.NoError(t, reply.DecodeBody(&body))
	require.Equal(t, proto.CodeBadVersion, body.Code)

	// and then the device hangs up
	_, err = proto.ReadMessage(ctrlEnd)
	require.Error(t, err)
}

// TestDisconnectDropsRole checks a departing master leaves the device
// without one.
func TestDisconnectDropsRole(t *testing.T) {
	ctx := testCtx(t)
	d := newTestDevice(t)
	gens := NewGenerationAllocator(0)
	c1 := connectPipe(t, d, WithGenerationAllocator(gens))
	c2 := connectPipe(t, d, WithGenerationAllocator(gens))

	_, err := c1.RequestRole(ctx, RoleMaster)
	require.NoError(t, err)
	require.Len(t, d.Sessions(), 2)

	require.NoError(t, c1.Close())
	require.Eventually(t, func() bool {
		_, ok := d.Arbiter().Master()
		return !ok && len(d.Sessions()) == 1
	}, time.Second, time.Millisecond)

	reply, err := c2.RequestRole(ctx, RoleMaster)
	require.NoError(t, err)
	require.Equal(t, RoleMaster, reply.Role)
}

func TestDeviceClose(t *testing.T) {
	ctx := testCtx(t)
	d := NewDevice(WithLogger(l))
	addr := serveTCP(t, d)

	c, err := Dial(ctx, "tcp", addr, WithLogger(l))
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, d.Close())
	select {
	case <-c.Closed():
	case <-time.After(5 * time.Second):
		t.Fatalf("controller not closed after device closed")
	}
	require.False(t, c.Active())
	require.Empty(t, d.Sessions())
	require.Empty(t, d.Arbiter().Snapshot())

	_, err = c.RequestRole(ctx, RoleMaster)
	require.True(t, errors.Is(err, ErrConnectionLost), "got %v", err)

	// closed devices refuse new work
	devEnd, ctrlEnd := net.Pipe()
	defer ctrlEnd.Close()
	require.Equal(t, ErrClosed, d.ServeConn(devEnd))
	require.NoError(t, d.Close())
}

// TestConcurrentControllers has several controllers fight over mastership at
// once and checks the device never ends up with more than one master.
func TestConcurrentControllers(t *testing.T) {
	ctx := testCtx(t)
	d := newTestDevice(t)
	addr := serveTCP(t, d)
	gens := NewGenerationAllocator(0)

	const controllers = 5
	var wg sync.WaitGroup
	for i := 0; i < controllers; i++ {
		c, err := Dial(ctx, "tcp", addr, WithLogger(l), WithGenerationAllocator(gens))
		require.NoError(t, err)
		defer c.Close()
		wg.Add(1)
		go func(c *Controller, i int) {
			defer wg.Done()
			roles := []Role{RoleMaster, RoleSlave, RoleEqual, RoleNoChange}
			for n := 0; n < 50; n++ {
				_, err := c.RequestRole(ctx, roles[(n+i)%len(roles)])
				if err != nil && !errors.Is(err, ErrStaleGeneration) {
					t.Errorf("unexpected error: %v", err)
					return
				}
			}
		}(c, i)
	}
	wg.Wait()

	masters := 0
	for _, role := range d.Arbiter().Snapshot() {
		if role == RoleMaster {
			masters++
		}
	}
	assert.LessOrEqual(t, masters, 1)
}

func TestListenUnix(t *testing.T) {
	ctx := testCtx(t)
	dir := t.TempDir()
	sock := filepath.Join(dir, "device.sock")
	d := newTestDevice(t)

	ln, err := d.Listen(ctx, "unix", sock)
	require.NoError(t, err)
	go d.Serve(ln)

	c, err := Dial(ctx, "unix", sock, WithLogger(l))
	require.NoError(t, err)
	defer c.Close()
	reply, err := c.RequestRole(ctx, RoleEqual)
	require.NoError(t, err)
	require.Equal(t, RoleEqual, reply.Role)
}

func TestListenRefusesNonSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "not-a-socket")
	require.NoError(t, os.WriteFile(path, []byte("data"), 0644))
	d := newTestDevice(t)
	_, err := d.Listen(testCtx(t), "unix", path)
	require.Error(t, err)
}

// rawTransact writes a message on conn and reads the next one back, for
// tests that play a controller by hand.
func rawTransact(t *testing.T, conn net.Conn, typ proto.MsgType, xid uint32, body interface{}) *proto.Message {
	m, err := proto.NewMessage(typ, xid, body)
	require.NoError(t, err)
	require.NoError(t, proto.WriteMessage(conn, m))
	reply, err := proto.ReadMessage(conn)
	require.NoError(t, err)
	require.Equal(t, xid, reply.Xid)
	return reply
}

// TestStalledControllerDoesNotBlockOthers has a master stop reading, then
// another controller take mastership from it. The other controller keeps
// being served, and the stalled one is disconnected once its role status
// cannot be written.
func TestStalledControllerDoesNotBlockOthers(t *testing.T) {
	ctx := testCtx(t)
	d := newTestDevice(t, WithWriteTimeout(100*time.Millisecond))

	devEnd, stalled := net.Pipe()
	defer stalled.Close()
	require.NoError(t, d.ServeConn(devEnd))
	reply := rawTransact(t, stalled, proto.TypeHello, 1, proto.Hello{Version: proto.Version})
	require.Equal(t, proto.TypeHello, reply.Type)
	reply = rawTransact(t, stalled, proto.TypeRoleRequest, 2, proto.RoleRequest{Role: uint32(RoleMaster), GenerationID: 1})
	require.Equal(t, proto.TypeRoleReply, reply.Type)
	// nothing reads from stalled after this

	c := connectPipe(t, d)
	rr, err := c.RequestRoleWithGeneration(ctx, RoleMaster, 2)
	require.NoError(t, err)
	require.Equal(t, RoleMaster, rr.Role)
	for i := 0; i < 3; i++ {
		data, err := c.Echo(ctx, []byte("still served"))
		require.NoError(t, err)
		require.Equal(t, "still served", string(data))
	}

	require.Eventually(t, func() bool {
		return len(d.Sessions()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	require.Len(t, d.Arbiter().Snapshot(), 1)
	_, ok := d.Arbiter().Master()
	require.True(t, ok)

	_, err = c.Echo(ctx, nil)
	require.NoError(t, err)
}

// TestStalledControllerReplyTimesOut checks a controller that stops reading
// its own replies is disconnected once the write timeout passes.
func TestStalledControllerReplyTimesOut(t *testing.T) {
	d := newTestDevice(t, WithWriteTimeout(50*time.Millisecond))
	devEnd, stalled := net.Pipe()
	defer stalled.Close()
	require.NoError(t, d.ServeConn(devEnd))
	rawTransact(t, stalled, proto.TypeHello, 1, proto.Hello{Version: proto.Version})

	req, err := proto.NewMessage(proto.TypeEchoRequest, 2, proto.Echo{Data: []byte("unread")})
	require.NoError(t, err)
	require.NoError(t, proto.WriteMessage(stalled, req))

	require.Eventually(t, func() bool {
		return len(d.Sessions()) == 0
	}, 5*time.Second, 10*time.Millisecond)
	require.Empty(t, d.Arbiter().Snapshot())
}

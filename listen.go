package mastership

import (
	"context"
	"net"
	"os"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Listen opens a listener for controllers to connect to. TCP listeners set
// SO_REUSEADDR so a restarted device can rebind while old connections linger
// in TIME_WAIT. For unix sockets, a socket file left behind by a previous
// device at addr is removed first.
func (d *Device) Listen(ctx context.Context, network, addr string) (net.Listener, error) {
	if strings.HasPrefix(network, "unix") {
		if err := removeStaleSocket(addr); err != nil {
			return nil, err
		}
	}
	lc := net.ListenConfig{Control: reuseAddr}
	ln, err := lc.Listen(ctx, network, addr)
	if err != nil {
		return nil, errors.Wrapf(err, "error listening on %v %v", network, addr)
	}
	return ln, nil
}

func reuseAddr(network, address string, rc syscall.RawConn) error {
	if !strings.HasPrefix(network, "tcp") {
		return nil
	}
	var sockErr error
	err := rc.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return errors.Wrap(sockErr, "could not set SO_REUSEADDR")
}

func removeStaleSocket(path string) error {
	fi, err := os.Lstat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if fi.Mode()&os.ModeSocket == 0 {
		return errors.Errorf("%v exists and is not a socket", path)
	}
	return os.Remove(path)
}

package netstack

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/waiter"
)

const listenBacklog = 128

// Error is a failed stack operation with the errno it maps to.
type Error struct {
	Op    string
	Errno unix.Errno
	Msg   string
}

func (e *Error) Error() string {
	return "netstack: " + e.Op + ": " + e.Msg
}

func (e *Error) Unwrap() error { return e.Errno }

// Timeout reports whether the stack gave up waiting.
func (e *Error) Timeout() bool { return e.Errno == unix.ETIMEDOUT }

func newError(op string, terr tcpip.Error) *Error {
	return &Error{Op: op, Errno: errnoOf(terr), Msg: terr.String()}
}

func errnoOf(terr tcpip.Error) unix.Errno {
	switch terr.(type) {
	case *tcpip.ErrConnectionRefused:
		return unix.ECONNREFUSED
	case *tcpip.ErrHostUnreachable:
		return unix.EHOSTUNREACH
	case *tcpip.ErrNetworkUnreachable:
		return unix.ENETUNREACH
	case *tcpip.ErrTimeout:
		return unix.ETIMEDOUT
	case *tcpip.ErrConnectionReset:
		return unix.ECONNRESET
	case *tcpip.ErrConnectionAborted, *tcpip.ErrAborted:
		return unix.ECONNABORTED
	case *tcpip.ErrPortInUse, *tcpip.ErrNoPortAvailable:
		return unix.EADDRINUSE
	case *tcpip.ErrBadLocalAddress:
		return unix.EADDRNOTAVAIL
	case *tcpip.ErrInvalidEndpointState:
		return unix.EINVAL
	case *tcpip.ErrInvalidOptionValue:
		return unix.EINVAL
	case *tcpip.ErrNotSupported, *tcpip.ErrUnknownProtocolOption:
		return unix.ENOPROTOOPT
	}
	return unix.EIO
}

// SockOpts is implemented by sockets whose endpoint options can be changed.
// Values are ints as in setsockopt(2); SO_LINGER takes the linger time in
// seconds, negative meaning off.
type SockOpts interface {
	SetSockOpt(level, name, value int) error
	GetSockOpt(level, name int) (int, error)
}

// SupportedOpt reports whether SockOpts handles level/name.
func SupportedOpt(level, name int) bool {
	switch level {
	case unix.SOL_SOCKET:
		switch name {
		case unix.SO_KEEPALIVE, unix.SO_REUSEADDR, unix.SO_SNDBUF, unix.SO_RCVBUF, unix.SO_LINGER:
			return true
		}
	case unix.IPPROTO_TCP:
		return name == unix.TCP_NODELAY
	}
	return false
}

func setOpt(ep tcpip.Endpoint, level, name, value int) error {
	if !SupportedOpt(level, name) {
		return unix.ENOPROTOOPT
	}
	so := ep.SocketOptions()
	on := value != 0
	switch name {
	case unix.SO_KEEPALIVE:
		so.SetKeepAlive(on)
	case unix.SO_REUSEADDR:
		so.SetReuseAddress(on)
	case unix.SO_SNDBUF:
		so.SetSendBufferSize(int64(value), true)
	case unix.SO_RCVBUF:
		so.SetReceiveBufferSize(int64(value), true)
	case unix.SO_LINGER:
		so.SetLinger(tcpip.LingerOption{Enabled: value >= 0, Timeout: time.Duration(max(value, 0)) * time.Second})
	case unix.TCP_NODELAY:
		so.SetDelayOption(!on)
	}
	return nil
}

func getOpt(ep tcpip.Endpoint, level, name int) (int, error) {
	if !SupportedOpt(level, name) {
		return 0, unix.ENOPROTOOPT
	}
	so := ep.SocketOptions()
	switch name {
	case unix.SO_KEEPALIVE:
		return boolInt(so.GetKeepAlive()), nil
	case unix.SO_REUSEADDR:
		return boolInt(so.GetReuseAddress()), nil
	case unix.SO_SNDBUF:
		return int(so.GetSendBufferSize()), nil
	case unix.SO_RCVBUF:
		return int(so.GetReceiveBufferSize()), nil
	case unix.SO_LINGER:
		l := so.GetLinger()
		if !l.Enabled {
			return -1, nil
		}
		return int(l.Timeout / time.Second), nil
	}
	// TCP_NODELAY
	return boolInt(!so.GetDelayOption()), nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// TCPConn is a stack TCP connection.
type TCPConn struct {
	*gonet.TCPConn
	ep tcpip.Endpoint
}

func (c *TCPConn) SetSockOpt(level, name, value int) error { return setOpt(c.ep, level, name, value) }

func (c *TCPConn) GetSockOpt(level, name int) (int, error) { return getOpt(c.ep, level, name) }

// DialTCP opens a TCP connection to remote. local is bound first unless it
// is the zero AddrPort or unspecified with port 0.
func (st *Stack) DialTCP(ctx context.Context, local, remote netip.AddrPort) (*TCPConn, error) {
	addr := remote.Addr().Unmap()
	var wq waiter.Queue
	ep, terr := st.s.NewEndpoint(tcp.ProtocolNumber, protocolOf(addr), &wq)
	if terr != nil {
		return nil, newError("dial", terr)
	}
	if local.IsValid() && (!local.Addr().IsUnspecified() || local.Port() != 0) {
		if terr := ep.Bind(toFull(local)); terr != nil {
			ep.Close()
			return nil, newError("bind", terr)
		}
	}

	entry, notify := waiter.NewChannelEntry(waiter.WritableEvents)
	wq.EventRegister(&entry)
	defer wq.EventUnregister(&entry)

	terr = ep.Connect(toFull(netip.AddrPortFrom(addr, remote.Port())))
	if _, ok := terr.(*tcpip.ErrConnectStarted); ok {
		select {
		case <-ctx.Done():
			ep.Close()
			return nil, ctx.Err()
		case <-notify:
		}
		terr = ep.LastError()
	}
	if terr != nil {
		ep.Close()
		return nil, newError("connect", terr)
	}
	return &TCPConn{TCPConn: gonet.NewTCPConn(&wq, ep), ep: ep}, nil
}

// TCPListener accepts TCP connections from the stack.
type TCPListener struct {
	ep     tcpip.Endpoint
	wq     *waiter.Queue
	closed chan struct{}
	once   sync.Once
}

// ListenTCP listens on local. An unspecified address listens on every
// network of the matching family.
func (st *Stack) ListenTCP(local netip.AddrPort) (*TCPListener, error) {
	wq := new(waiter.Queue)
	ep, terr := st.s.NewEndpoint(tcp.ProtocolNumber, protocolOf(local.Addr().Unmap()), wq)
	if terr != nil {
		return nil, newError("listen", terr)
	}
	if terr := ep.Bind(toFull(local)); terr != nil {
		ep.Close()
		return nil, newError("bind", terr)
	}
	if terr := ep.Listen(listenBacklog); terr != nil {
		ep.Close()
		return nil, newError("listen", terr)
	}
	return &TCPListener{ep: ep, wq: wq, closed: make(chan struct{})}, nil
}

func (l *TCPListener) errClosed() error {
	return &net.OpError{Op: "accept", Net: "tcp", Addr: l.Addr(), Err: net.ErrClosed}
}

// Accept waits for the next connection.
func (l *TCPListener) Accept() (net.Conn, error) {
	n, wq, terr := l.ep.Accept(nil)
	if _, ok := terr.(*tcpip.ErrWouldBlock); ok {
		entry, notify := waiter.NewChannelEntry(waiter.ReadableEvents)
		l.wq.EventRegister(&entry)
		defer l.wq.EventUnregister(&entry)

		for {
			n, wq, terr = l.ep.Accept(nil)
			if _, ok := terr.(*tcpip.ErrWouldBlock); !ok {
				break
			}
			select {
			case <-l.closed:
				return nil, l.errClosed()
			case <-notify:
			}
		}
	}
	if terr != nil {
		select {
		case <-l.closed:
			return nil, l.errClosed()
		default:
		}
		return nil, newError("accept", terr)
	}
	return &TCPConn{TCPConn: gonet.NewTCPConn(wq, n), ep: n}, nil
}

// Close stops the listener; blocked Accepts return net.ErrClosed.
func (l *TCPListener) Close() error {
	l.once.Do(func() {
		close(l.closed)
		l.ep.Close()
	})
	return nil
}

// Addr is the bound local address.
func (l *TCPListener) Addr() net.Addr {
	fa, terr := l.ep.GetLocalAddress()
	if terr != nil {
		return &net.TCPAddr{}
	}
	return &net.TCPAddr{IP: net.IP(fa.Addr.AsSlice()), Port: int(fa.Port)}
}

func (l *TCPListener) SetSockOpt(level, name, value int) error { return setOpt(l.ep, level, name, value) }

func (l *TCPListener) GetSockOpt(level, name int) (int, error) { return getOpt(l.ep, level, name) }

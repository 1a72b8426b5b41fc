package socket

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/st-keller/vnet/netstack"
	"github.com/st-keller/vnet/types"
)

// loopback routes 127.0.0.0/8 through the host stack.
type loopback struct {
	down bool
}

var loopbackNet = netip.MustParsePrefix("127.0.0.0/8")

func (l loopback) Up() bool { return !l.down }

func (loopback) Routable(addr netip.Addr) bool { return loopbackNet.Contains(addr) }
func (loopback) IsLocal(addr netip.Addr) bool  { return addr == netip.MustParseAddr("127.0.0.1") }

func (loopback) DialTCP(ctx context.Context, local, remote netip.AddrPort) (net.Conn, error) {
	d := net.Dialer{}
	if local.IsValid() {
		d.LocalAddr = net.TCPAddrFromAddrPort(local)
	}
	c, err := d.DialContext(ctx, "tcp", remote.String())
	if err != nil {
		return nil, err
	}
	return &optConn{Conn: c, opts: map[optKey]int{}}, nil
}

// optConn records options the way a stack endpoint would keep them.
type optConn struct {
	net.Conn
	mu   sync.Mutex
	opts map[optKey]int
}

func (c *optConn) CloseRead() error  { return c.Conn.(*net.TCPConn).CloseRead() }
func (c *optConn) CloseWrite() error { return c.Conn.(*net.TCPConn).CloseWrite() }

func (c *optConn) SetSockOpt(level, name, value int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opts[optKey{level, name}] = value
	return nil
}

func (c *optConn) GetSockOpt(level, name int) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.opts[optKey{level, name}]
	if !ok {
		return 0, unix.ENOPROTOOPT
	}
	return v, nil
}

func (loopback) ListenTCP(local netip.AddrPort) (net.Listener, error) {
	if local.Addr().IsUnspecified() {
		local = netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), local.Port())
	}
	return net.Listen("tcp", local.String())
}

func (loopback) DialUDP(local, remote netip.AddrPort, family int) (netstack.UDPConn, error) {
	if !local.IsValid() || local.Addr().IsUnspecified() {
		local = netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), local.Port())
	}
	return net.ListenUDP("udp", net.UDPAddrFromAddrPort(local))
}

func wantErrno(t *testing.T, err error, want unix.Errno) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %v, got nil", want)
	}
	var opErr *OpError
	if !errors.As(err, &opErr) {
		t.Fatalf("expected *OpError, got %T: %v", err, err)
	}
	if got := Errno(err); got != want {
		t.Fatalf("expected %v, got %v (%v)", want, got, err)
	}
}

func TestSocketLowestFreeDescriptor(t *testing.T) {
	tbl := NewTable(loopback{})

	for want := 0; want < 3; want++ {
		fd, err := tbl.Socket(types.AF_INET, types.SOCK_STREAM, 0)
		if err != nil {
			t.Fatal(err)
		}
		if fd != want {
			t.Fatalf("expected fd %d, got %d", want, fd)
		}
	}
	if err := tbl.Close(1); err != nil {
		t.Fatal(err)
	}
	fd, err := tbl.Socket(types.AF_INET6, types.SOCK_DGRAM, unix.IPPROTO_UDP)
	if err != nil {
		t.Fatal(err)
	}
	if fd != 1 {
		t.Fatalf("expected reused fd 1, got %d", fd)
	}
	if tbl.Open() != 3 {
		t.Fatalf("expected 3 open descriptors, got %d", tbl.Open())
	}
	tbl.CloseAll()
	if tbl.Open() != 0 {
		t.Fatalf("expected no open descriptors")
	}
}

func TestSocketValidation(t *testing.T) {
	tbl := NewTable(loopback{})

	_, err := tbl.Socket(unix.AF_UNIX, types.SOCK_STREAM, 0)
	wantErrno(t, err, unix.EAFNOSUPPORT)

	_, err = tbl.Socket(types.AF_INET, unix.SOCK_RAW, 0)
	wantErrno(t, err, unix.EPROTONOSUPPORT)

	_, err = tbl.Socket(types.AF_INET, types.SOCK_STREAM, unix.IPPROTO_UDP)
	wantErrno(t, err, unix.EPROTONOSUPPORT)

	wantErrno(t, tbl.Close(7), unix.EBADF)
	_, err = tbl.Write(-1, nil)
	wantErrno(t, err, unix.EBADF)
}

func TestConnectErrors(t *testing.T) {
	tbl := NewTable(loopback{})
	ctx := context.Background()

	fd, err := tbl.Socket(types.AF_INET, types.SOCK_STREAM, 0)
	if err != nil {
		t.Fatal(err)
	}
	wantErrno(t, tbl.Connect(ctx, fd, "fd00::1", 80), unix.EAFNOSUPPORT)
	wantErrno(t, tbl.Connect(ctx, fd, "example.com", 80), unix.EINVAL)
	wantErrno(t, tbl.Connect(ctx, fd, "10.1.2.3", 80), unix.ENETUNREACH)

	_, err = tbl.Write(fd, []byte("x"))
	wantErrno(t, err, unix.ENOTCONN)
	_, err = tbl.GetPeerName(fd)
	wantErrno(t, err, unix.ENOTCONN)

	// a port nobody listens on.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	wantErrno(t, tbl.Connect(ctx, fd, "127.0.0.1", port), unix.ECONNREFUSED)

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	err = tbl.Connect(cctx, fd, "127.0.0.1", port)
	wantErrno(t, err, unix.EINTR)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled in chain, got %v", err)
	}
}

func TestStreamEcho(t *testing.T) {
	tbl := NewTable(loopback{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	srv, err := tbl.Socket(types.AF_INET, types.SOCK_STREAM, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := tbl.Bind(srv, "0.0.0.0", 0); err != nil {
		t.Fatal(err)
	}
	if err := tbl.Listen(srv, 4); err != nil {
		t.Fatal(err)
	}
	local, err := tbl.GetSockName(srv)
	if err != nil {
		t.Fatal(err)
	}
	if local.Port() == 0 {
		t.Fatalf("expected listener port to be assigned")
	}

	accepted := make(chan int, 1)
	go func() {
		fd, err := tbl.Accept(ctx, srv)
		if err != nil {
			t.Errorf("accept: %v", err)
			close(accepted)
			return
		}
		accepted <- fd
	}()

	cli, err := tbl.Socket(types.AF_INET, types.SOCK_STREAM, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := tbl.Connect(ctx, cli, "127.0.0.1", int(local.Port())); err != nil {
		t.Fatal(err)
	}
	wantErrno(t, tbl.Connect(ctx, cli, "127.0.0.1", int(local.Port())), unix.EISCONN)

	peer, ok := <-accepted
	if !ok {
		t.FailNow()
	}

	if _, err := tbl.Write(cli, []byte("ping")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 16)
	n, err := tbl.Read(peer, buf)
	if err != nil {
		t.Fatal(err)
	}
	if string(buf[:n]) != "ping" {
		t.Fatalf("expected ping, got %q", buf[:n])
	}

	name, err := tbl.GetPeerName(cli)
	if err != nil {
		t.Fatal(err)
	}
	if name.Port() != local.Port() {
		t.Fatalf("expected peer port %d, got %d", local.Port(), name.Port())
	}

	if err := tbl.Shutdown(cli, unix.SHUT_WR); err != nil {
		t.Fatal(err)
	}
	_, err = tbl.Write(cli, []byte("late"))
	wantErrno(t, err, unix.EPIPE)
	if _, err := tbl.Read(peer, buf); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF after shutdown, got %v", err)
	}
	wantErrno(t, tbl.Shutdown(cli, 42), unix.EINVAL)
}

func TestAcceptCanceled(t *testing.T) {
	tbl := NewTable(loopback{})

	srv, _ := tbl.Socket(types.AF_INET, types.SOCK_STREAM, 0)
	_, err := tbl.Accept(context.Background(), srv)
	wantErrno(t, err, unix.EINVAL)

	if err := tbl.Listen(srv, 1); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = tbl.Accept(ctx, srv)
	wantErrno(t, err, unix.ETIMEDOUT)
}

func TestDatagram(t *testing.T) {
	tbl := NewTable(loopback{})

	a, _ := tbl.Socket(types.AF_INET, types.SOCK_DGRAM, 0)
	b, _ := tbl.Socket(types.AF_INET, types.SOCK_DGRAM, 0)

	wantErrno(t, tbl.Bind(a, "127.0.0.2", 0), unix.EADDRNOTAVAIL)
	if err := tbl.Bind(a, "127.0.0.1", 0); err != nil {
		t.Fatal(err)
	}
	wantErrno(t, tbl.Bind(a, "127.0.0.1", 0), unix.EINVAL)
	wantErrno(t, tbl.Listen(a, 1), unix.EOPNOTSUPP)

	addrA, err := tbl.GetSockName(a)
	if err != nil {
		t.Fatal(err)
	}

	_, err = tbl.Write(b, []byte("x"))
	wantErrno(t, err, unix.EDESTADDRREQ)

	if _, err := tbl.SendTo(b, []byte("hello"), "127.0.0.1", int(addrA.Port())); err != nil {
		t.Fatal(err)
	}
	if err := tbl.SetDeadline(a, time.Now().Add(5*time.Second)); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 64)
	n, from, err := tbl.RecvFrom(a, buf)
	if err != nil {
		t.Fatal(err)
	}
	if string(buf[:n]) != "hello" {
		t.Fatalf("expected hello, got %q", buf[:n])
	}
	addrB, _ := tbl.GetSockName(b)
	if from != addrB {
		t.Fatalf("expected sender %s, got %s", addrB, from)
	}

	// connect sets the default destination.
	if err := tbl.Connect(context.Background(), a, from.Addr().String(), int(from.Port())); err != nil {
		t.Fatal(err)
	}
	if _, err := tbl.Write(a, []byte("back")); err != nil {
		t.Fatal(err)
	}
	_ = tbl.SetDeadline(b, time.Now().Add(5*time.Second))
	n, err = tbl.Read(b, buf)
	if err != nil {
		t.Fatal(err)
	}
	if string(buf[:n]) != "back" {
		t.Fatalf("expected back, got %q", buf[:n])
	}

	_ = tbl.SetDeadline(b, time.Now().Add(10*time.Millisecond))
	_, err = tbl.Read(b, buf)
	wantErrno(t, err, unix.EAGAIN)
}

func TestNetworkDown(t *testing.T) {
	tbl := NewTable(loopback{down: true})
	ctx := context.Background()

	stream, err := tbl.Socket(types.AF_INET, types.SOCK_STREAM, 0)
	if err != nil {
		t.Fatal(err)
	}
	wantErrno(t, tbl.Connect(ctx, stream, "127.0.0.1", 80), unix.ENETDOWN)
	wantErrno(t, tbl.Listen(stream, 1), unix.ENETDOWN)
	wantErrno(t, tbl.Bind(stream, "0.0.0.0", 80), unix.ENETDOWN)

	dgram, err := tbl.Socket(types.AF_INET, types.SOCK_DGRAM, 0)
	if err != nil {
		t.Fatal(err)
	}
	_, err = tbl.SendTo(dgram, []byte("x"), "127.0.0.1", 9)
	wantErrno(t, err, unix.ENETDOWN)
}

func TestDialErrKeepsErrno(t *testing.T) {
	ctx := context.Background()
	for _, want := range []unix.Errno{unix.EHOSTUNREACH, unix.ENETUNREACH, unix.ENETDOWN} {
		cause := fmt.Errorf("dial: %w", want)
		if got := Errno(dialErr(ctx, cause)); got != want {
			t.Errorf("dialErr(%v) = %v, want %v", cause, got, want)
		}
	}
	if got := Errno(dialErr(ctx, errors.New("refused"))); got != unix.ECONNREFUSED {
		t.Errorf("expected ECONNREFUSED for a bare error, got %v", got)
	}
}

func TestSockOpts(t *testing.T) {
	tbl := NewTable(loopback{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err == nil {
			defer c.Close()
			_, _ = io.Copy(io.Discard, c)
		}
	}()

	fd, err := tbl.Socket(types.AF_INET, types.SOCK_STREAM, 0)
	if err != nil {
		t.Fatal(err)
	}
	if v, err := tbl.GetSockOpt(fd, unix.SOL_SOCKET, unix.SO_TYPE); err != nil || v != types.SOCK_STREAM {
		t.Fatalf("SO_TYPE = %d, %v", v, err)
	}
	if v, err := tbl.GetSockOpt(fd, unix.SOL_SOCKET, unix.SO_LINGER); err != nil || v != -1 {
		t.Fatalf("expected linger off by default, got %d, %v", v, err)
	}
	if err := tbl.SetSockOpt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
		t.Fatal(err)
	}
	wantErrno(t, tbl.SetSockOpt(fd, unix.SOL_SOCKET, unix.SO_BROADCAST, 1), unix.ENOPROTOOPT)

	port := ln.Addr().(*net.TCPAddr).Port
	if err := tbl.Connect(ctx, fd, "127.0.0.1", port); err != nil {
		t.Fatal(err)
	}
	// the option recorded before connect reached the connection.
	if v, err := tbl.GetSockOpt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY); err != nil || v != 1 {
		t.Fatalf("TCP_NODELAY = %d, %v; want 1", v, err)
	}
	if err := tbl.SetSockOpt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1); err != nil {
		t.Fatal(err)
	}
	if v, err := tbl.GetSockOpt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE); err != nil || v != 1 {
		t.Fatalf("SO_KEEPALIVE = %d, %v; want 1", v, err)
	}

	dgram, err := tbl.Socket(types.AF_INET, types.SOCK_DGRAM, 0)
	if err != nil {
		t.Fatal(err)
	}
	wantErrno(t, tbl.SetSockOpt(dgram, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1), unix.ENOPROTOOPT)
	if v, err := tbl.GetSockOpt(dgram, unix.SOL_SOCKET, unix.SO_TYPE); err != nil || v != types.SOCK_DGRAM {
		t.Fatalf("SO_TYPE = %d, %v", v, err)
	}
}

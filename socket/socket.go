// Package socket implements the descriptor-based socket API on top of a
// virtual network. Descriptors are small non-negative integers allocated
// lowest-free-first; failures are *OpError values carrying a unix.Errno.
package socket

import (
	"context"
	"errors"
	"io"
	"maps"
	"net"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/st-keller/vnet/netstack"
	"github.com/st-keller/vnet/types"
)

// Network is what the table needs from the node: routing decisions and
// transport endpoints.
type Network interface {
	// Up reports whether the node is online.
	Up() bool
	// Routable reports whether some joined network reaches addr.
	Routable(addr netip.Addr) bool
	// IsLocal reports whether addr is assigned to this node.
	IsLocal(addr netip.Addr) bool
	DialTCP(ctx context.Context, local, remote netip.AddrPort) (net.Conn, error)
	ListenTCP(local netip.AddrPort) (net.Listener, error)
	DialUDP(local, remote netip.AddrPort, family int) (netstack.UDPConn, error)
}

type state int

const (
	stateOpen state = iota
	stateBound
	stateListening
	stateConnecting
	stateConnected
)

type sock struct {
	family int
	typ    int

	mu       sync.Mutex
	state    state
	local    netip.AddrPort
	remote   netip.AddrPort
	conn     net.Conn
	ln       net.Listener
	pc       netstack.UDPConn
	backlog  int
	shutRead bool
	shutWr   bool
	deadline time.Time
	// options set through SetSockOpt, replayed on the endpoint once it exists.
	options map[optKey]int
}

type optKey struct{ level, name int }

// Table is a socket descriptor table.
type Table struct {
	network Network

	mu    sync.Mutex
	socks []*sock
}

// NewTable creates an empty table over network.
func NewTable(network Network) *Table {
	return &Table{network: network}
}

func (t *Table) get(op string, fd int) (*sock, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fd < 0 || fd >= len(t.socks) || t.socks[fd] == nil {
		return nil, opErr(op, fd, unix.EBADF)
	}
	return t.socks[fd], nil
}

func (t *Table) alloc(s *sock) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	for fd, slot := range t.socks {
		if slot == nil {
			t.socks[fd] = s
			return fd
		}
	}
	t.socks = append(t.socks, s)
	return len(t.socks) - 1
}

// Socket creates a descriptor. protocol may be 0 or the protocol matching
// typ.
func (t *Table) Socket(family, typ, protocol int) (int, error) {
	if family != types.AF_INET && family != types.AF_INET6 {
		return -1, opErr("socket", -1, unix.EAFNOSUPPORT)
	}
	switch {
	case typ == types.SOCK_STREAM && (protocol == 0 || protocol == unix.IPPROTO_TCP):
	case typ == types.SOCK_DGRAM && (protocol == 0 || protocol == unix.IPPROTO_UDP):
	default:
		return -1, opErr("socket", -1, unix.EPROTONOSUPPORT)
	}
	return t.alloc(&sock{family: family, typ: typ}), nil
}

// parse resolves host and port to an address of the socket's family. Host
// names are not resolved.
func (s *sock) parse(host string, port int) (netip.AddrPort, error) {
	if port < 0 || port > 0xffff {
		return netip.AddrPort{}, unix.EINVAL
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.AddrPort{}, unix.EINVAL
	}
	addr = addr.WithZone("")
	if s.family == types.AF_INET {
		addr = addr.Unmap()
		if !addr.Is4() {
			return netip.AddrPort{}, unix.EAFNOSUPPORT
		}
	} else if addr.Is4() {
		return netip.AddrPort{}, unix.EAFNOSUPPORT
	}
	return netip.AddrPortFrom(addr, uint16(port)), nil
}

func (s *sock) unspecified() netip.AddrPort {
	if s.family == types.AF_INET {
		return netip.AddrPortFrom(netip.IPv4Unspecified(), 0)
	}
	return netip.AddrPortFrom(netip.IPv6Unspecified(), 0)
}

// Bind assigns a local address. An unspecified host binds every network.
func (t *Table) Bind(fd int, host string, port int) error {
	s, err := t.get("bind", fd)
	if err != nil {
		return err
	}
	local, err := s.parse(host, port)
	if err != nil {
		return opErr("bind", fd, err)
	}
	if !t.network.Up() {
		return opErr("bind", fd, unix.ENETDOWN)
	}
	if !local.Addr().IsUnspecified() && !t.network.IsLocal(local.Addr()) {
		return opErr("bind", fd, unix.EADDRNOTAVAIL)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateOpen || s.pc != nil {
		return opErr("bind", fd, unix.EINVAL)
	}
	if s.typ == types.SOCK_DGRAM {
		pc, err := t.network.DialUDP(local, netip.AddrPort{}, s.family)
		if err != nil {
			return opErr("bind", fd, unix.EADDRINUSE)
		}
		s.pc = pc
		if !s.deadline.IsZero() {
			_ = pc.SetDeadline(s.deadline)
		}
		local = addrPortOf(pc.LocalAddr(), local)
	}
	s.local = local
	s.state = stateBound
	return nil
}

// Listen marks a stream socket as accepting connections.
func (t *Table) Listen(fd int, backlog int) error {
	s, err := t.get("listen", fd)
	if err != nil {
		return err
	}
	if s.typ != types.SOCK_STREAM {
		return opErr("listen", fd, unix.EOPNOTSUPP)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case stateListening:
		s.backlog = backlog
		return nil
	case stateConnecting, stateConnected:
		return opErr("listen", fd, unix.EISCONN)
	}
	if !t.network.Up() {
		return opErr("listen", fd, unix.ENETDOWN)
	}
	local := s.local
	if !local.IsValid() {
		local = s.unspecified()
	}
	ln, err := t.network.ListenTCP(local)
	if err != nil {
		return opErr("listen", fd, unix.EADDRINUSE)
	}
	s.ln = ln
	s.applyOptions(ln)
	s.local = addrPortOf(ln.Addr(), local)
	s.backlog = backlog
	s.state = stateListening
	return nil
}

type acceptResult struct {
	conn net.Conn
	err  error
}

// Accept waits for a connection on a listening socket and returns its
// descriptor.
func (t *Table) Accept(ctx context.Context, fd int) (int, error) {
	s, err := t.get("accept", fd)
	if err != nil {
		return -1, err
	}
	s.mu.Lock()
	ln := s.ln
	listening := s.state == stateListening
	s.mu.Unlock()
	if !listening {
		return -1, opErr("accept", fd, unix.EINVAL)
	}

	done := make(chan acceptResult)
	go func() {
		conn, err := ln.Accept()
		select {
		case done <- acceptResult{conn, err}:
		case <-ctx.Done():
			if conn != nil {
				conn.Close()
			}
		}
	}()

	var res acceptResult
	select {
	case res = <-done:
	case <-ctx.Done():
		// the accept goroutine closes whatever it gets from now on.
		select {
		case res = <-done:
		default:
			return -1, opErr("accept", fd, dialErr(ctx, ctx.Err()))
		}
	}
	if res.err != nil {
		return -1, opErr("accept", fd, dialErr(ctx, res.err))
	}

	child := &sock{
		family: s.family,
		typ:    types.SOCK_STREAM,
		state:  stateConnected,
		conn:   res.conn,
		local:  addrPortOf(res.conn.LocalAddr(), netip.AddrPort{}),
		remote: addrPortOf(res.conn.RemoteAddr(), netip.AddrPort{}),
	}
	s.mu.Lock()
	child.options = maps.Clone(s.options)
	s.mu.Unlock()
	child.applyOptions(res.conn)
	return t.alloc(child), nil
}

// Connect connects fd to host:port. For datagram sockets it only records the
// default destination.
func (t *Table) Connect(ctx context.Context, fd int, host string, port int) error {
	s, err := t.get("connect", fd)
	if err != nil {
		return err
	}
	remote, err := s.parse(host, port)
	if err != nil {
		return opErr("connect", fd, err)
	}
	if remote.Addr().IsUnspecified() || remote.Port() == 0 {
		return opErr("connect", fd, unix.EINVAL)
	}
	if !t.network.Up() {
		return opErr("connect", fd, unix.ENETDOWN)
	}
	if !t.network.Routable(remote.Addr()) {
		return opErr("connect", fd, unix.ENETUNREACH)
	}

	s.mu.Lock()
	if s.typ == types.SOCK_DGRAM {
		defer s.mu.Unlock()
		if s.pc == nil {
			pc, err := t.network.DialUDP(netip.AddrPort{}, netip.AddrPort{}, s.family)
			if err != nil {
				return opErr("connect", fd, dialErr(ctx, err))
			}
			s.pc = pc
			if !s.deadline.IsZero() {
				_ = pc.SetDeadline(s.deadline)
			}
		}
		s.remote = remote
		s.local = addrPortOf(s.pc.LocalAddr(), s.local)
		s.state = stateConnected
		return nil
	}

	switch s.state {
	case stateConnected:
		s.mu.Unlock()
		return opErr("connect", fd, unix.EISCONN)
	case stateConnecting:
		s.mu.Unlock()
		return opErr("connect", fd, unix.EALREADY)
	case stateListening:
		s.mu.Unlock()
		return opErr("connect", fd, unix.EINVAL)
	}
	prev := s.state
	local := s.local
	s.state = stateConnecting
	s.mu.Unlock()

	conn, err := t.network.DialTCP(ctx, local, remote)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.state = prev
		return opErr("connect", fd, dialErr(ctx, err))
	}
	if s.state != stateConnecting {
		// closed while dialing.
		conn.Close()
		return opErr("connect", fd, unix.EBADF)
	}
	if !s.deadline.IsZero() {
		_ = conn.SetDeadline(s.deadline)
	}
	s.applyOptions(conn)
	s.conn = conn
	s.remote = remote
	s.local = addrPortOf(conn.LocalAddr(), local)
	s.state = stateConnected
	return nil
}

// Read reads from a connected socket. A closed stream returns io.EOF.
func (t *Table) Read(fd int, p []byte) (int, error) {
	s, err := t.get("read", fd)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	conn, pc, shut := s.conn, s.pc, s.shutRead
	s.mu.Unlock()

	switch {
	case shut:
		return 0, io.EOF
	case conn != nil:
		n, err := conn.Read(p)
		if errors.Is(err, io.EOF) {
			return n, io.EOF
		}
		if err != nil {
			return n, opErr("read", fd, ioErr(err))
		}
		return n, nil
	case pc != nil:
		n, _, err := pc.ReadFrom(p)
		if err != nil {
			return n, opErr("read", fd, ioErr(err))
		}
		return n, nil
	}
	return 0, opErr("read", fd, unix.ENOTCONN)
}

// Write writes to a connected socket.
func (t *Table) Write(fd int, p []byte) (int, error) {
	s, err := t.get("write", fd)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	conn, pc, remote, shut := s.conn, s.pc, s.remote, s.shutWr
	s.mu.Unlock()

	switch {
	case shut:
		return 0, opErr("write", fd, unix.EPIPE)
	case conn != nil:
		n, err := conn.Write(p)
		if err != nil {
			return n, opErr("write", fd, ioErr(err))
		}
		return n, nil
	case pc != nil && remote.IsValid():
		n, err := pc.WriteTo(p, net.UDPAddrFromAddrPort(remote))
		if err != nil {
			return n, opErr("write", fd, ioErr(err))
		}
		return n, nil
	case s.typ == types.SOCK_DGRAM:
		return 0, opErr("write", fd, unix.EDESTADDRREQ)
	}
	return 0, opErr("write", fd, unix.ENOTCONN)
}

// SendTo sends one datagram to host:port.
func (t *Table) SendTo(fd int, p []byte, host string, port int) (int, error) {
	s, err := t.get("sendto", fd)
	if err != nil {
		return 0, err
	}
	if s.typ != types.SOCK_DGRAM {
		return 0, opErr("sendto", fd, unix.EOPNOTSUPP)
	}
	remote, err := s.parse(host, port)
	if err != nil {
		return 0, opErr("sendto", fd, err)
	}
	if !t.network.Up() {
		return 0, opErr("sendto", fd, unix.ENETDOWN)
	}
	if !t.network.Routable(remote.Addr()) {
		return 0, opErr("sendto", fd, unix.ENETUNREACH)
	}

	s.mu.Lock()
	if s.shutWr {
		s.mu.Unlock()
		return 0, opErr("sendto", fd, unix.EPIPE)
	}
	if s.pc == nil {
		// implicit bind to an ephemeral port.
		pc, err := t.network.DialUDP(netip.AddrPort{}, netip.AddrPort{}, s.family)
		if err != nil {
			s.mu.Unlock()
			return 0, opErr("sendto", fd, unix.EADDRINUSE)
		}
		s.pc = pc
		s.local = addrPortOf(pc.LocalAddr(), s.local)
		if s.state == stateOpen {
			s.state = stateBound
		}
		if !s.deadline.IsZero() {
			_ = pc.SetDeadline(s.deadline)
		}
	}
	pc := s.pc
	s.mu.Unlock()

	n, err := pc.WriteTo(p, net.UDPAddrFromAddrPort(remote))
	if err != nil {
		return n, opErr("sendto", fd, ioErr(err))
	}
	return n, nil
}

// RecvFrom receives one datagram and its sender. On stream sockets it reads
// and reports the peer.
func (t *Table) RecvFrom(fd int, p []byte) (int, netip.AddrPort, error) {
	s, err := t.get("recvfrom", fd)
	if err != nil {
		return 0, netip.AddrPort{}, err
	}
	if s.typ == types.SOCK_STREAM {
		n, err := t.Read(fd, p)
		s.mu.Lock()
		remote := s.remote
		s.mu.Unlock()
		return n, remote, err
	}

	s.mu.Lock()
	pc, shut := s.pc, s.shutRead
	s.mu.Unlock()
	if shut {
		return 0, netip.AddrPort{}, io.EOF
	}
	if pc == nil {
		return 0, netip.AddrPort{}, opErr("recvfrom", fd, unix.EINVAL)
	}
	n, from, err := pc.ReadFrom(p)
	if err != nil {
		return n, netip.AddrPort{}, opErr("recvfrom", fd, ioErr(err))
	}
	return n, addrPortOf(from, netip.AddrPort{}), nil
}

type closeReader interface{ CloseRead() error }
type closeWriter interface{ CloseWrite() error }

// Shutdown closes one or both directions of a connected socket. how is
// unix.SHUT_RD, unix.SHUT_WR or unix.SHUT_RDWR.
func (t *Table) Shutdown(fd int, how int) error {
	s, err := t.get("shutdown", fd)
	if err != nil {
		return err
	}
	if how != unix.SHUT_RD && how != unix.SHUT_WR && how != unix.SHUT_RDWR {
		return opErr("shutdown", fd, unix.EINVAL)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateConnected {
		return opErr("shutdown", fd, unix.ENOTCONN)
	}
	if how == unix.SHUT_RD || how == unix.SHUT_RDWR {
		s.shutRead = true
		if cr, ok := s.conn.(closeReader); ok {
			_ = cr.CloseRead()
		}
	}
	if how == unix.SHUT_WR || how == unix.SHUT_RDWR {
		s.shutWr = true
		if cw, ok := s.conn.(closeWriter); ok {
			_ = cw.CloseWrite()
		}
	}
	return nil
}

// Close releases fd. Blocked reads and accepts on it return.
func (t *Table) Close(fd int) error {
	t.mu.Lock()
	if fd < 0 || fd >= len(t.socks) || t.socks[fd] == nil {
		t.mu.Unlock()
		return opErr("close", fd, unix.EBADF)
	}
	s := t.socks[fd]
	t.socks[fd] = nil
	t.mu.Unlock()

	s.close()
	return nil
}

func (s *sock) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
	}
	if s.ln != nil {
		s.ln.Close()
	}
	if s.pc != nil {
		s.pc.Close()
	}
	s.conn, s.ln, s.pc = nil, nil, nil
	s.state = stateOpen
}

// CloseAll releases every descriptor.
func (t *Table) CloseAll() {
	t.mu.Lock()
	socks := t.socks
	t.socks = nil
	t.mu.Unlock()

	for _, s := range socks {
		if s != nil {
			s.close()
		}
	}
}

// Open returns the number of open descriptors.
func (t *Table) Open() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, s := range t.socks {
		if s != nil {
			n++
		}
	}
	return n
}

// GetSockName returns the local address of fd.
func (t *Table) GetSockName(fd int) (netip.AddrPort, error) {
	s, err := t.get("getsockname", fd)
	if err != nil {
		return netip.AddrPort{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.local.Addr().IsValid() {
		return s.local, nil
	}
	return netip.AddrPortFrom(s.unspecified().Addr(), s.local.Port()), nil
}

// GetPeerName returns the remote address of a connected fd.
func (t *Table) GetPeerName(fd int) (netip.AddrPort, error) {
	s, err := t.get("getpeername", fd)
	if err != nil {
		return netip.AddrPort{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateConnected || !s.remote.IsValid() {
		return netip.AddrPort{}, opErr("getpeername", fd, unix.ENOTCONN)
	}
	return s.remote, nil
}

// SetDeadline sets the read and write deadline of fd. The zero time clears
// it. Expired operations fail with EAGAIN.
func (t *Table) SetDeadline(fd int, deadline time.Time) error {
	s, err := t.get("setdeadline", fd)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadline = deadline
	if s.conn != nil {
		if err := s.conn.SetDeadline(deadline); err != nil {
			return opErr("setdeadline", fd, unix.EINVAL)
		}
	}
	if s.pc != nil {
		if err := s.pc.SetDeadline(deadline); err != nil {
			return opErr("setdeadline", fd, unix.EINVAL)
		}
	}
	return nil
}

// SetSockOpt sets an option of fd. Stream sockets take the options listed by
// netstack.SupportedOpt; anything else fails with ENOPROTOOPT. Options set
// before Connect or Listen are applied once the endpoint exists, and accepted
// sockets inherit the listener's.
func (t *Table) SetSockOpt(fd, level, name, value int) error {
	s, err := t.get("setsockopt", fd)
	if err != nil {
		return err
	}
	if s.typ != types.SOCK_STREAM || !netstack.SupportedOpt(level, name) {
		return opErr("setsockopt", fd, unix.ENOPROTOOPT)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if ep := s.endpoint(); ep != nil {
		if err := ep.SetSockOpt(level, name, value); err != nil {
			return opErr("setsockopt", fd, optErr(err))
		}
	}
	if s.options == nil {
		s.options = make(map[optKey]int)
	}
	s.options[optKey{level, name}] = value
	return nil
}

// GetSockOpt reads an option of fd. SO_TYPE and SO_ERROR work on every
// socket.
func (t *Table) GetSockOpt(fd, level, name int) (int, error) {
	s, err := t.get("getsockopt", fd)
	if err != nil {
		return 0, err
	}
	if level == unix.SOL_SOCKET {
		switch name {
		case unix.SO_TYPE:
			return s.typ, nil
		case unix.SO_ERROR:
			return 0, nil
		}
	}
	if s.typ != types.SOCK_STREAM || !netstack.SupportedOpt(level, name) {
		return 0, opErr("getsockopt", fd, unix.ENOPROTOOPT)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if ep := s.endpoint(); ep != nil {
		v, err := ep.GetSockOpt(level, name)
		if err != nil {
			return 0, opErr("getsockopt", fd, optErr(err))
		}
		return v, nil
	}
	if v, ok := s.options[optKey{level, name}]; ok {
		return v, nil
	}
	if level == unix.SOL_SOCKET && name == unix.SO_LINGER {
		return -1, nil
	}
	return 0, nil
}

// endpoint returns the option interface of the socket's connection or
// listener. Callers hold s.mu.
func (s *sock) endpoint() netstack.SockOpts {
	if ep, ok := s.conn.(netstack.SockOpts); ok {
		return ep
	}
	if ep, ok := s.ln.(netstack.SockOpts); ok {
		return ep
	}
	return nil
}

// applyOptions replays the recorded options on a new connection or listener.
func (s *sock) applyOptions(c interface{}) {
	ep, ok := c.(netstack.SockOpts)
	if !ok {
		return
	}
	for k, v := range s.options {
		_ = ep.SetSockOpt(k.level, k.name, v)
	}
}

func addrPortOf(a net.Addr, fallback netip.AddrPort) netip.AddrPort {
	var ap netip.AddrPort
	switch a := a.(type) {
	case *net.TCPAddr:
		ap = a.AddrPort()
	case *net.UDPAddr:
		ap = a.AddrPort()
	case nil:
		return fallback
	default:
		parsed, err := netip.ParseAddrPort(a.String())
		if err != nil {
			return fallback
		}
		ap = parsed
	}
	addr := ap.Addr().Unmap()
	if !addr.IsValid() {
		addr = fallback.Addr()
	}
	return netip.AddrPortFrom(addr, ap.Port())
}

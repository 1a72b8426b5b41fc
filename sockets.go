package vnet

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"time"

	"golang.org/x/sys/unix"

	"github.com/st-keller/vnet/netstack"
	"github.com/st-keller/vnet/types"
)

// stackNetwork exposes the current session's stack to the socket table.
type stackNetwork struct {
	node *Node
}

func (s *stackNetwork) stack() (*netstack.Stack, error) {
	_, st, _, running := s.node.current()
	if !running || st == nil {
		return nil, fmt.Errorf("%w: %w", ErrNotRunning, unix.ENETDOWN)
	}
	return st, nil
}

func (s *stackNetwork) Up() bool {
	_, err := s.stack()
	return err == nil
}

func (s *stackNetwork) Routable(addr netip.Addr) bool {
	if _, _, _, running := s.node.current(); !running {
		return false
	}
	_, ok := s.node.currentTaps().ByAddr(addr)
	return ok
}

func (s *stackNetwork) IsLocal(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, tap := range s.node.currentTaps().List() {
		for _, p := range tap.Addresses() {
			if p.Addr() == addr {
				return true
			}
		}
	}
	return false
}

func (s *stackNetwork) DialTCP(ctx context.Context, local, remote netip.AddrPort) (net.Conn, error) {
	st, err := s.stack()
	if err != nil {
		return nil, err
	}
	start := time.Now()
	conn, err := st.DialTCP(ctx, local, remote)
	s.node.trackConnect(remote, time.Since(start), err)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (s *stackNetwork) ListenTCP(local netip.AddrPort) (net.Listener, error) {
	st, err := s.stack()
	if err != nil {
		return nil, err
	}
	ln, err := st.ListenTCP(local)
	if err != nil {
		return nil, err
	}
	return ln, nil
}

func (s *stackNetwork) DialUDP(local, remote netip.AddrPort, family int) (netstack.UDPConn, error) {
	st, err := s.stack()
	if err != nil {
		return nil, err
	}
	return st.DialUDP(local, remote, family)
}

// trackConnect records a TCP connect to a 6PLANE or RFC 4193 peer as a path
// sample.
func (n *Node) trackConnect(remote netip.AddrPort, latency time.Duration, err error) {
	tap, ok := n.currentTaps().ByAddr(remote.Addr())
	if !ok {
		return
	}
	dev, ok := types.DeviceFromAddr(tap.Network, remote.Addr())
	if !ok {
		return
	}
	if err != nil {
		n.connectivity.TrackFailure(dev.String(), "", latency, err.Error())
		return
	}
	n.connectivity.TrackSuccess(dev.String(), "", latency)
}

// Socket creates a socket descriptor. family is AF_INET or AF_INET6, typ is
// SOCK_STREAM or SOCK_DGRAM.
func (n *Node) Socket(family, typ, protocol int) (int, error) {
	return n.sockets.Socket(family, typ, protocol)
}

// Connect connects fd to host:port. host must be an IP literal reachable
// through a joined network.
func (n *Node) Connect(ctx context.Context, fd int, host string, port int) error {
	return n.sockets.Connect(ctx, fd, host, port)
}

// Bind binds fd to a local address.
func (n *Node) Bind(fd int, host string, port int) error {
	return n.sockets.Bind(fd, host, port)
}

// Listen marks fd as accepting connections.
func (n *Node) Listen(fd int, backlog int) error {
	return n.sockets.Listen(fd, backlog)
}

// Accept waits for a connection on fd.
func (n *Node) Accept(ctx context.Context, fd int) (int, error) {
	return n.sockets.Accept(ctx, fd)
}

// Read reads from fd.
func (n *Node) Read(fd int, p []byte) (int, error) {
	return n.sockets.Read(fd, p)
}

// Write writes to fd.
func (n *Node) Write(fd int, p []byte) (int, error) {
	return n.sockets.Write(fd, p)
}

// SendTo sends a datagram from fd to host:port.
func (n *Node) SendTo(fd int, p []byte, host string, port int) (int, error) {
	return n.sockets.SendTo(fd, p, host, port)
}

// RecvFrom receives a datagram on fd.
func (n *Node) RecvFrom(fd int, p []byte) (int, netip.AddrPort, error) {
	return n.sockets.RecvFrom(fd, p)
}

// Shutdown closes one or both directions of fd.
func (n *Node) Shutdown(fd int, how int) error {
	return n.sockets.Shutdown(fd, how)
}

// Close releases fd.
func (n *Node) Close(fd int) error {
	return n.sockets.Close(fd)
}

// GetSockName returns the local address of fd.
func (n *Node) GetSockName(fd int) (netip.AddrPort, error) {
	return n.sockets.GetSockName(fd)
}

// GetPeerName returns the remote address of fd.
func (n *Node) GetPeerName(fd int) (netip.AddrPort, error) {
	return n.sockets.GetPeerName(fd)
}

// SetDeadline sets the I/O deadline of fd.
func (n *Node) SetDeadline(fd int, t time.Time) error {
	return n.sockets.SetDeadline(fd, t)
}

// SetSockOpt sets a socket option of fd, as setsockopt(2) with an int value.
func (n *Node) SetSockOpt(fd, level, name, value int) error {
	return n.sockets.SetSockOpt(fd, level, name, value)
}

// GetSockOpt reads a socket option of fd.
func (n *Node) GetSockOpt(fd, level, name int) (int, error) {
	return n.sockets.GetSockOpt(fd, level, name)
}

// Dial connects to address on a joined network. network is "tcp", "tcp4",
// "tcp6", "udp", "udp4" or "udp6"; address must be an IP literal and port.
func (n *Node) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	remote, err := netip.ParseAddrPort(address)
	if err != nil {
		return nil, fmt.Errorf("dial %s %s: %w", network, address, err)
	}
	remote = netip.AddrPortFrom(remote.Addr().Unmap(), remote.Port())
	if err := checkFamily(network, remote.Addr()); err != nil {
		return nil, err
	}

	sn := &stackNetwork{node: n}
	st, err := sn.stack()
	if err != nil {
		return nil, err
	}
	if !sn.Routable(remote.Addr()) {
		return nil, fmt.Errorf("dial %s: %w", remote, ErrNoRoute)
	}

	switch network {
	case "tcp", "tcp4", "tcp6":
		return sn.DialTCP(ctx, netip.AddrPort{}, remote)
	case "udp", "udp4", "udp6":
		return st.DialUDP(netip.AddrPort{}, remote, types.FamilyOf(remote.Addr()))
	}
	return nil, fmt.Errorf("dial: unsupported network %q", network)
}

// ListenTCP listens for TCP connections on address. An empty host listens on
// every joined network.
func (n *Node) ListenTCP(network, address string) (net.Listener, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}
	var addr netip.Addr
	switch {
	case host != "":
		if addr, err = netip.ParseAddr(host); err != nil {
			return nil, err
		}
	case network == "tcp4":
		addr = netip.IPv4Unspecified()
	default:
		addr = netip.IPv6Unspecified()
	}
	if err := checkFamily(network, addr); err != nil {
		return nil, err
	}
	p, err := net.LookupPort("tcp", port)
	if err != nil {
		return nil, err
	}

	return (&stackNetwork{node: n}).ListenTCP(netip.AddrPortFrom(addr.Unmap(), uint16(p)))
}

func checkFamily(network string, addr netip.Addr) error {
	switch network {
	case "tcp4", "udp4":
		if !addr.Is4() {
			return fmt.Errorf("%s: %s is not IPv4", network, addr)
		}
	case "tcp6", "udp6":
		if addr.Is4() {
			return fmt.Errorf("%s: %s is not IPv6", network, addr)
		}
	case "tcp", "udp":
	default:
		return fmt.Errorf("unsupported network %q", network)
	}
	return nil
}

// Package netstack runs the userspace TCP/IP stack behind every joined
// network. One gVisor stack serves a node; each network gets its own NIC
// backed by a channel endpoint, so IP packets enter and leave as byte slices.
package netstack

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv6"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/icmp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"

	"github.com/st-keller/vnet/types"
)

// DefaultMTU matches the virtual Ethernet MTU of the overlay.
const DefaultMTU = 2800

var (
	ErrClosed     = errors.New("netstack: closed")
	ErrNICExists  = errors.New("netstack: network already attached")
	ErrNoSuchNIC  = errors.New("netstack: network not attached")
	ErrBadPacket  = errors.New("netstack: not an IP packet")
	outboundDepth = 1024
)

// Packet is an IP packet leaving the stack on a network.
type Packet struct {
	Network types.NetworkID
	Data    []byte
}

// Stack is a gVisor stack with one NIC per network.
type Stack struct {
	s *stack.Stack

	mu     sync.Mutex
	nics   map[types.NetworkID]*nic
	nextID tcpip.NICID

	outbound chan Packet
	done     chan struct{}
	once     sync.Once
}

type nic struct {
	id       tcpip.NICID
	nwid     types.NetworkID
	ep       *channel.Endpoint
	handle   *channel.NotificationHandle
	prefixes []netip.Prefix
	owner    *Stack
}

// New creates an empty stack.
func New() (*Stack, error) {
	s := stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol, ipv6.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol, udp.NewProtocol, icmp.NewProtocol4, icmp.NewProtocol6},
		HandleLocal:        true,
	})
	sack := tcpip.TCPSACKEnabled(true)
	if err := s.SetTransportProtocolOption(tcp.ProtocolNumber, &sack); err != nil {
		return nil, fmt.Errorf("enable sack: %v", err)
	}
	return &Stack{
		s:        s,
		nics:     make(map[types.NetworkID]*nic),
		nextID:   1,
		outbound: make(chan Packet, outboundDepth),
		done:     make(chan struct{}),
	}, nil
}

// Outbound delivers packets the stack wants to send.
func (st *Stack) Outbound() <-chan Packet {
	return st.outbound
}

// WriteNotify drains the endpoint whenever the stack queues a packet.
func (n *nic) WriteNotify() {
	for {
		pkt := n.ep.Read()
		if pkt == nil {
			return
		}
		view := pkt.ToView()
		pkt.DecRef()
		data := append([]byte(nil), view.AsSlice()...)
		view.Release()

		select {
		case n.owner.outbound <- Packet{Network: n.nwid, Data: data}:
		case <-n.owner.done:
			return
		}
	}
}

func protocolOf(addr netip.Addr) tcpip.NetworkProtocolNumber {
	if addr.Is4() {
		return ipv4.ProtocolNumber
	}
	return ipv6.ProtocolNumber
}

func toAddress(addr netip.Addr) tcpip.Address {
	return tcpip.AddrFromSlice(addr.AsSlice())
}

func toFull(ap netip.AddrPort) tcpip.FullAddress {
	fa := tcpip.FullAddress{Port: ap.Port()}
	if ap.Addr().IsValid() && !ap.Addr().IsUnspecified() {
		fa.Addr = toAddress(ap.Addr().Unmap())
	}
	return fa
}

// AddNIC attaches nwid with the given addresses. Each prefix also becomes a
// route. routes are extra destinations reachable through the network.
func (st *Stack) AddNIC(nwid types.NetworkID, mtu int, prefixes []netip.Prefix, routes []netip.Prefix) error {
	if mtu <= 0 {
		mtu = DefaultMTU
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	select {
	case <-st.done:
		return ErrClosed
	default:
	}
	if _, ok := st.nics[nwid]; ok {
		return ErrNICExists
	}

	n := &nic{
		id:       st.nextID,
		nwid:     nwid,
		ep:       channel.New(outboundDepth, uint32(mtu), ""),
		prefixes: append([]netip.Prefix(nil), prefixes...),
		owner:    st,
	}
	st.nextID++
	n.handle = n.ep.AddNotify(n)

	if err := st.s.CreateNIC(n.id, n.ep); err != nil {
		n.ep.RemoveNotify(n.handle)
		return fmt.Errorf("create nic for %s: %v", nwid, err)
	}

	for _, p := range prefixes {
		addr := p.Addr().Unmap()
		pa := tcpip.ProtocolAddress{
			Protocol: protocolOf(addr),
			AddressWithPrefix: tcpip.AddressWithPrefix{
				Address:   toAddress(addr),
				PrefixLen: p.Bits(),
			},
		}
		if err := st.s.AddProtocolAddress(n.id, pa, stack.AddressProperties{}); err != nil {
			st.removeLocked(n)
			return fmt.Errorf("add address %s to %s: %v", p, nwid, err)
		}
	}

	for _, p := range append(append([]netip.Prefix(nil), prefixes...), routes...) {
		masked := p.Masked()
		subnet := tcpip.AddressWithPrefix{
			Address:   toAddress(masked.Addr().Unmap()),
			PrefixLen: masked.Bits(),
		}.Subnet()
		st.s.AddRoute(tcpip.Route{Destination: subnet, NIC: n.id})
	}

	st.nics[nwid] = n
	return nil
}

// RemoveNIC detaches nwid, tearing down its routes and endpoints.
func (st *Stack) RemoveNIC(nwid types.NetworkID) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	n, ok := st.nics[nwid]
	if !ok {
		return ErrNoSuchNIC
	}
	st.removeLocked(n)
	delete(st.nics, nwid)
	return nil
}

func (st *Stack) removeLocked(n *nic) {
	st.s.RemoveRoutes(func(r tcpip.Route) bool { return r.NIC == n.id })
	_ = st.s.RemoveNIC(n.id)
	n.ep.RemoveNotify(n.handle)
	n.ep.Close()
}

// Inject hands an inbound IP packet to the NIC of nwid.
func (st *Stack) Inject(nwid types.NetworkID, packet []byte) error {
	st.mu.Lock()
	n, ok := st.nics[nwid]
	st.mu.Unlock()
	if !ok {
		return ErrNoSuchNIC
	}
	if len(packet) == 0 {
		return ErrBadPacket
	}

	var proto tcpip.NetworkProtocolNumber
	switch packet[0] >> 4 {
	case 4:
		proto = header.IPv4ProtocolNumber
	case 6:
		proto = header.IPv6ProtocolNumber
	default:
		return ErrBadPacket
	}
	pkb := stack.NewPacketBuffer(stack.PacketBufferOptions{Payload: buffer.MakeWithData(packet)})
	n.ep.InjectInbound(proto, pkb)
	pkb.DecRef()
	return nil
}

// UDPConn is both a connected and unconnected datagram socket.
type UDPConn interface {
	net.Conn
	net.PacketConn
}

// DialUDP opens a datagram socket. local may be the zero AddrPort (ephemeral)
// and remote may be the zero AddrPort (unconnected).
func (st *Stack) DialUDP(local, remote netip.AddrPort, family int) (UDPConn, error) {
	var laddr, raddr *tcpip.FullAddress
	if local.IsValid() {
		fa := toFull(local)
		laddr = &fa
	}
	if remote.IsValid() {
		fa := toFull(netip.AddrPortFrom(remote.Addr().Unmap(), remote.Port()))
		raddr = &fa
	}
	proto := tcpip.NetworkProtocolNumber(ipv4.ProtocolNumber)
	if family == types.AF_INET6 {
		proto = ipv6.ProtocolNumber
	}
	conn, err := gonet.DialUDP(st.s, laddr, raddr, proto)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Networks lists the attached networks with their addresses.
func (st *Stack) Networks() map[types.NetworkID][]netip.Prefix {
	st.mu.Lock()
	defer st.mu.Unlock()

	out := make(map[types.NetworkID][]netip.Prefix, len(st.nics))
	for nwid, n := range st.nics {
		out[nwid] = append([]netip.Prefix(nil), n.prefixes...)
	}
	return out
}

// Close detaches every network and stops the stack.
func (st *Stack) Close() {
	st.once.Do(func() {
		st.mu.Lock()
		close(st.done)
		for nwid, n := range st.nics {
			st.removeLocked(n)
			delete(st.nics, nwid)
		}
		st.mu.Unlock()
		st.s.Close()
	})
}

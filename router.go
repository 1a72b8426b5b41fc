package vnet

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/st-keller/vnet/directory"
	"github.com/st-keller/vnet/netstack"
	"github.com/st-keller/vnet/standard"
	"github.com/st-keller/vnet/types"
	"github.com/st-keller/vnet/update"
	"github.com/st-keller/vnet/wire"
)

const (
	lookupTimeout = 2 * time.Second
	maxFrameSize  = 65535
)

var (
	peerRefresh = update.Medium.Duration()
	peerIdle    = 2 * update.Slow.Duration()

	errNotMember = errors.New("frame for a network that is not joined")
)

type peerKey struct {
	nwid types.NetworkID
	dev  types.DeviceID
}

type peerEntry struct {
	key       peerKey
	publicKey [32]byte
	session   *wire.Session
	endpoint  netip.AddrPort
	fetched   time.Time
	lastSeen  time.Time // last authenticated frame from the peer
	touched   time.Time // last data frame either way
	pingSent  time.Time // zero when no ping is outstanding
}

// peerCache holds sessions and endpoints of peers the node talks to.
type peerCache struct {
	mu     sync.Mutex
	peers  map[peerKey]*peerEntry
	byAddr map[types.NetworkID]map[netip.Addr]types.DeviceID
}

func newPeerCache() *peerCache {
	c := &peerCache{}
	c.reset()
	return c
}

func (c *peerCache) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peers = make(map[peerKey]*peerEntry)
	c.byAddr = make(map[types.NetworkID]map[netip.Addr]types.DeviceID)
}

func (c *peerCache) get(key peerKey) (peerEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.peers[key]
	if !ok {
		return peerEntry{}, false
	}
	return *p, true
}

func (c *peerCache) put(p peerEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peers[p.key] = &p
}

// postpone pushes the next refresh of key one peerRefresh out.
func (c *peerCache) postpone(key peerKey, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.peers[key]; ok {
		p.fetched = now
	}
}

// endpointOf returns the most recently heard endpoint of dev on any network.
func (c *peerCache) endpointOf(dev types.DeviceID) (netip.AddrPort, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var (
		best netip.AddrPort
		when time.Time
		ok   bool
	)
	for key, p := range c.peers {
		if key.dev != dev || (ok && !p.lastSeen.After(when)) {
			continue
		}
		best, when, ok = p.endpoint, p.lastSeen, true
	}
	return best, ok
}

func (c *peerCache) deviceFor(nwid types.NetworkID, addr netip.Addr) (types.DeviceID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	dev, ok := c.byAddr[nwid][addr]
	return dev, ok
}

func (c *peerCache) rememberAddrs(nwid types.NetworkID, rec directory.PeerRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.byAddr[nwid]
	if m == nil {
		m = make(map[netip.Addr]types.DeviceID)
		c.byAddr[nwid] = m
	}
	for _, p := range rec.Addresses {
		m[p.Addr()] = rec.Device
	}
}

// seen records an authenticated frame from key arriving from endpoint. Only
// data frames count as use.
func (c *peerCache) seen(key peerKey, from netip.AddrPort, now time.Time, data bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.peers[key]; ok {
		p.endpoint = from
		p.lastSeen = now
		if data {
			p.touched = now
		}
	}
}

func (c *peerCache) touch(key peerKey, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.peers[key]; ok {
		p.touched = now
	}
}

func (c *peerCache) pong(key peerKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.peers[key]; ok {
		p.pingSent = time.Time{}
	}
}

// due returns the peers used within peerIdle and marks a ping as sent to
// each. missed lists those whose previous ping got no answer.
func (c *peerCache) due(now time.Time) (due, missed []peerEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, p := range c.peers {
		if now.Sub(p.touched) > peerIdle {
			delete(c.peers, key)
			continue
		}
		if !p.pingSent.IsZero() {
			missed = append(missed, *p)
		}
		p.pingSent = now
		due = append(due, *p)
	}
	return due, missed
}

func (c *peerCache) forgetNetwork(nwid types.NetworkID, tracker *standard.ConnectivityTracker) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.peers {
		if key.nwid == nwid {
			delete(c.peers, key)
			tracker.Forget(key.dev.String())
		}
	}
	delete(c.byAddr, nwid)
}

func (c *peerCache) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	devs := make(map[types.DeviceID]bool)
	for key, p := range c.peers {
		if !p.lastSeen.IsZero() && now.Sub(p.lastSeen) <= peerIdle {
			devs[key.dev] = true
		}
	}
	return len(devs)
}

func (c *peerCache) snapshot() []PeerInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]PeerInfo, 0, len(c.peers))
	for key, p := range c.peers {
		out = append(out, PeerInfo{Network: key.nwid, Device: key.dev, Endpoint: p.endpoint.String()})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Network != out[j].Network {
			return out[i].Network < out[j].Network
		}
		return out[i].Device < out[j].Device
	})
	return out
}

// newPeerEntry builds the cache entry for rec without storing it. A known
// key keeps the existing session and path statistics.
func (n *Node) newPeerEntry(nwid types.NetworkID, rec directory.PeerRecord, cached peerEntry, wasCached bool) (peerEntry, error) {
	endpoint, err := netip.ParseAddrPort(rec.Endpoint)
	if err != nil {
		return peerEntry{}, fmt.Errorf("peer %s endpoint %q: %w", rec.Device, rec.Endpoint, err)
	}
	now := time.Now()
	p := peerEntry{
		key:       peerKey{nwid, rec.Device},
		publicKey: rec.PublicKey,
		endpoint:  endpoint,
		fetched:   now,
		touched:   now,
	}
	if wasCached {
		p.lastSeen = cached.lastSeen
		p.touched = cached.touched
		p.pingSent = cached.pingSent
		if now.Sub(cached.lastSeen) < peerRefresh {
			// the path we actually hear from wins over the published one.
			p.endpoint = cached.endpoint
		}
	}
	if wasCached && cached.publicKey == rec.PublicKey {
		p.session = cached.session
		return p, nil
	}
	id, _, _, _ := n.current()
	shared, err := id.SharedSecret(rec.PublicKey)
	if err != nil {
		return peerEntry{}, fmt.Errorf("peer %s: %w", rec.Device, err)
	}
	if p.session, err = wire.NewSession(shared); err != nil {
		return peerEntry{}, err
	}
	return p, nil
}

func (n *Node) storePeer(p peerEntry, rec directory.PeerRecord) {
	n.peers.put(p)
	n.peers.rememberAddrs(p.key.nwid, rec)
}

// cachePeer stores the entry for a record fetched for outbound traffic.
func (n *Node) cachePeer(nwid types.NetworkID, rec directory.PeerRecord) (peerEntry, error) {
	cached, ok := n.peers.get(peerKey{nwid, rec.Device})
	p, err := n.newPeerEntry(nwid, rec, cached, ok)
	if err != nil {
		return peerEntry{}, err
	}
	n.storePeer(p, rec)
	return p, nil
}

// destination returns the destination address of an IP packet.
func destination(packet []byte) (netip.Addr, error) {
	if len(packet) == 0 {
		return netip.Addr{}, netstack.ErrBadPacket
	}
	var first gopacket.LayerType
	switch packet[0] >> 4 {
	case 4:
		first = layers.LayerTypeIPv4
	case 6:
		first = layers.LayerTypeIPv6
	default:
		return netip.Addr{}, netstack.ErrBadPacket
	}
	decoded := gopacket.NewPacket(packet, first, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	nl := decoded.NetworkLayer()
	if nl == nil {
		return netip.Addr{}, netstack.ErrBadPacket
	}
	addr, ok := netip.AddrFromSlice(nl.NetworkFlow().Dst().Raw())
	if !ok {
		return netip.Addr{}, netstack.ErrBadPacket
	}
	return addr.Unmap(), nil
}

// outboundLoop moves packets from the stack to peers.
func (n *Node) outboundLoop(ctx context.Context, st *netstack.Stack) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case pkt := <-st.Outbound():
			if err := n.sendPacket(ctx, pkt); err != nil {
				n.log.WithError(err).WithField("nwid", pkt.Network).Debug("dropped outbound packet")
			}
		}
	}
}

func (n *Node) sendPacket(ctx context.Context, pkt netstack.Packet) error {
	dst, err := destination(pkt.Data)
	if err != nil {
		return err
	}
	// neighbor discovery and other link-scope traffic has nowhere to go.
	if dst.IsMulticast() || dst.IsLinkLocalUnicast() || dst == netip.AddrFrom4([4]byte{255, 255, 255, 255}) {
		return nil
	}

	dev, ok := types.DeviceFromAddr(pkt.Network, dst)
	if !ok {
		dev, ok = n.peers.deviceFor(pkt.Network, dst)
	}
	if !ok {
		return n.resolveAddr(ctx, pkt.Network, dst, &pkt)
	}
	key := peerKey{pkt.Network, dev}
	peer, cached := n.peers.get(key)
	if !cached {
		return n.resolveDevice(ctx, key, &pkt)
	}
	if time.Since(peer.fetched) >= peerRefresh {
		// keep talking on the old record while a fresh one is fetched.
		_ = n.resolveDevice(ctx, key, nil)
	}
	return n.sendFrame(wire.KindData, peer, pkt.Data)
}

func (n *Node) sendFrame(kind wire.Kind, peer peerEntry, payload []byte) error {
	n.mu.Lock()
	id, conn := n.id, n.conn
	n.mu.Unlock()

	frame, err := peer.session.Seal(kind, peer.key.nwid, id.Device, peer.key.dev, payload)
	if err != nil {
		return err
	}
	if _, err := conn.WriteToUDPAddrPort(frame, peer.endpoint); err != nil {
		return fmt.Errorf("send to %s: %w", peer.endpoint, err)
	}
	if kind == wire.KindData {
		n.peers.touch(peer.key, time.Now())
	}
	return nil
}

// receiveLoop reads frames until the socket is closed.
func (n *Node) receiveLoop(ctx context.Context, conn *net.UDPConn, st *netstack.Stack) error {
	buf := make([]byte, maxFrameSize)
	for {
		size, from, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("udp socket closed: %w", err)
			}
			n.log.WithError(err).Warn("udp read failed")
			continue
		}
		from = netip.AddrPortFrom(from.Addr().Unmap(), from.Port())
		if err := n.handleFrame(ctx, st, buf[:size], from); err != nil {
			n.log.WithError(err).WithField("from", from).Debug("dropped inbound frame")
		}
	}
}

func (n *Node) handleFrame(ctx context.Context, st *netstack.Stack, frame []byte, from netip.AddrPort) error {
	h, err := wire.PeekHeader(frame)
	if err != nil {
		return err
	}
	id, _, taps, _ := n.current()
	if h.Dst != id.Device {
		return wire.ErrWrongTarget
	}
	if _, ok := taps.ByNetwork(h.Network); !ok {
		return errNotMember
	}

	// the header is cleartext: a frame that fails to open must never cost
	// the sender's cached session.
	key := peerKey{h.Network, h.Src}
	window := update.Fast.Duration()
	if peer, ok := n.peers.get(key); ok {
		hdr, payload, err := peer.session.Open(frame, id.Device)
		if err == nil {
			return n.deliver(st, peer, hdr, payload, from)
		}
		if !errors.Is(err, wire.ErrAuthFailed) {
			return err
		}
		window = peerRefresh
	}
	return n.resolveSender(ctx, st, key, window, inboundFrame{
		frame: append([]byte(nil), frame...),
		from:  from,
	})
}

// deliver acts on an authenticated frame from peer.
func (n *Node) deliver(st *netstack.Stack, peer peerEntry, h wire.Header, payload []byte, from netip.AddrPort) error {
	n.peers.seen(peer.key, from, time.Now(), h.Kind == wire.KindData)
	peer.endpoint = from

	switch h.Kind {
	case wire.KindData:
		return st.Inject(h.Network, payload)
	case wire.KindPing:
		return n.sendFrame(wire.KindPong, peer, payload)
	case wire.KindPong:
		sent, err := wire.ParsePingPayload(payload)
		if err != nil {
			return err
		}
		n.peers.pong(peer.key)
		n.connectivity.TrackSuccess(h.Src.String(), from.String(), time.Since(sent))
	}
	return nil
}

// keepalive pings every active peer on the Fast interval and records paths
// whose previous ping went unanswered.
func (n *Node) keepalive(ctx context.Context) error {
	ticker := time.NewTicker(update.Fast.Duration())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		now := time.Now()
		due, missed := n.peers.due(now)
		for _, p := range missed {
			n.connectivity.TrackFailure(p.key.dev.String(), p.endpoint.String(), now.Sub(p.pingSent), "no pong")
		}
		for _, p := range due {
			if err := n.sendFrame(wire.KindPing, p, wire.PingPayload(now)); err != nil {
				n.connectivity.TrackFailure(p.key.dev.String(), p.endpoint.String(), 0, err.Error())
			}
		}
	}
}

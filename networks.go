package vnet

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os"

	"github.com/st-keller/vnet/directory"
	"github.com/st-keller/vnet/identity"
	"github.com/st-keller/vnet/netconf"
	"github.com/st-keller/vnet/netstack"
	"github.com/st-keller/vnet/registry"
	"github.com/st-keller/vnet/types"
)

// Join joins nwid: the network is recorded in networks.d, attached to the
// stack and announced. Joining a joined network is a no-op.
func (n *Node) Join(ctx context.Context, nwid types.NetworkID) error {
	if _, _, _, running := n.current(); !running {
		return ErrNotRunning
	}
	if _, err := netconf.Ensure(n.cfg.Home, nwid); err != nil {
		return err
	}
	if _, ok := n.currentTaps().ByNetwork(nwid); ok {
		return nil
	}
	err := n.attach(ctx, nwid)
	if errors.Is(err, directory.ErrIdentityCollision) {
		n.signalCollision()
	}
	return err
}

// Leave detaches nwid and removes its networks.d entry.
func (n *Node) Leave(ctx context.Context, nwid types.NetworkID) error {
	if _, _, _, running := n.current(); !running {
		return ErrNotRunning
	}
	if err := netconf.Remove(n.cfg.Home, nwid); err != nil {
		return err
	}
	return n.detach(ctx, nwid)
}

// JoinSoft records nwid in networks.d without touching a running service. The
// network is joined the next time the service starts.
func (n *Node) JoinSoft(nwid types.NetworkID) error {
	if err := os.MkdirAll(n.cfg.Home, 0o755); err != nil {
		return fmt.Errorf("create home: %w", err)
	}
	_, err := netconf.Ensure(n.cfg.Home, nwid)
	return err
}

// LeaveSoft removes nwid from networks.d without touching a running service.
func (n *Node) LeaveSoft(nwid types.NetworkID) error {
	return netconf.Remove(n.cfg.Home, nwid)
}

// SimpleStart starts the service, waits for it, joins nwid and waits for an
// address on it.
func (n *Node) SimpleStart(ctx context.Context, nwid types.NetworkID) error {
	if err := n.Start(ctx); err != nil {
		return err
	}
	if err := n.WaitReady(ctx); err != nil {
		return err
	}
	if err := n.Join(ctx, nwid); err != nil {
		return err
	}
	return n.WaitAddress(ctx, nwid)
}

// WaitAddress blocks until nwid has an address, bounded by ctx and
// ReadyTimeout.
func (n *Node) WaitAddress(ctx context.Context, nwid types.NetworkID) error {
	tap, ok := n.currentTaps().ByNetwork(nwid)
	if !ok {
		return ErrNotJoined
	}
	ctx, cancel := context.WithTimeout(ctx, n.cfg.ReadyTimeout)
	defer cancel()

	select {
	case <-tap.AddressReady():
		return nil
	case <-n.done:
		return ErrStopped
	case <-ctx.Done():
		return fmt.Errorf("%w: network %s: %w", ErrNotReady, nwid, ctx.Err())
	}
}

// attach creates the tap of nwid from its .conf file and announces it.
func (n *Node) attach(ctx context.Context, nwid types.NetworkID) error {
	conf, err := netconf.Load(n.cfg.Home, nwid, n.cfg.MTU)
	if err != nil {
		return err
	}
	id, st, taps, _ := n.current()
	if st == nil {
		return ErrNotRunning
	}

	prefixes := addressesFor(conf, id)
	routes := append([]netip.Prefix(nil), conf.Routes...)
	if conf.SixPlane {
		routes = append(routes, types.SixPlaneNetwork(nwid))
	}

	tap := registry.NewTap(nwid, conf.MTU, routes)
	tap.Checksum = conf.Checksum
	if err := taps.Add(tap); err != nil {
		return err
	}
	if err := st.AddNIC(nwid, conf.MTU, prefixes, routes); err != nil {
		taps.Remove(nwid)
		if errors.Is(err, netstack.ErrNICExists) {
			return nil
		}
		return err
	}

	log := n.log.WithField("nwid", nwid).WithField("tap", tap.Name)
	if err := n.announceWith(ctx, tap, prefixes); err != nil {
		if errors.Is(err, directory.ErrIdentityCollision) {
			taps.Remove(nwid)
			_ = st.RemoveNIC(nwid)
			return err
		}
		// the heartbeat retries and assigns the addresses then.
		log.WithError(err).Warn("joined, announce failed")
		n.requestRetry()
		return nil
	}
	log.WithField("addresses", prefixes).Info("joined network")
	return nil
}

// detach tears down the tap of nwid and withdraws it from the directory.
func (n *Node) detach(ctx context.Context, nwid types.NetworkID) error {
	id, st, taps, _ := n.current()
	if _, ok := taps.Remove(nwid); !ok {
		return ErrNotJoined
	}
	if err := st.RemoveNIC(nwid); err != nil && !errors.Is(err, netstack.ErrNoSuchNIC) {
		return err
	}
	n.peers.forgetNetwork(nwid, n.connectivity)
	if err := n.dir.Withdraw(ctx, nwid, id.Device); err != nil {
		n.log.WithError(err).WithField("nwid", nwid).Warn("withdraw failed")
	}
	n.log.WithField("nwid", nwid).Info("left network")
	return nil
}

// addressesFor orders a network's addresses: managed IPv4, RFC 4193, 6PLANE.
func addressesFor(conf netconf.Network, id *identity.Identity) []netip.Prefix {
	var out []netip.Prefix
	if conf.IPv4.IsValid() {
		out = append(out, conf.IPv4)
	}
	if conf.RFC4193 {
		out = append(out, types.RFC4193Addr(conf.ID, id.Device))
	}
	if conf.SixPlane {
		out = append(out, types.SixPlaneAddr(conf.ID, id.Device))
	}
	return out
}

func (n *Node) announce(ctx context.Context, tap *registry.Tap) error {
	id, _, _, _ := n.current()
	conf, err := netconf.Load(n.cfg.Home, tap.Network, n.cfg.MTU)
	if err != nil {
		// a removed file must not silence a joined network.
		return n.announceWith(ctx, tap, tap.Addresses())
	}
	return n.announceWith(ctx, tap, addressesFor(conf, id))
}

// announceWith publishes the node on tap's network and assigns prefixes to
// the tap once the directory accepted them.
func (n *Node) announceWith(ctx context.Context, tap *registry.Tap, prefixes []netip.Prefix) error {
	n.mu.Lock()
	id, endpoint := n.id, n.endpoint
	n.mu.Unlock()

	rec := directory.PeerRecord{
		Device:    id.Device,
		PublicKey: id.Public,
		Endpoint:  endpoint.String(),
		Addresses: prefixes,
	}
	ttl := 3 * n.cfg.AnnounceInterval.Duration()
	if err := n.dir.Announce(ctx, tap.Network, rec, ttl); err != nil {
		return fmt.Errorf("announce on %s: %w", tap.Network, err)
	}
	if len(tap.Addresses()) == 0 {
		tap.SetAddresses(prefixes)
	}
	return nil
}

// HomePath returns the node's state directory.
func (n *Node) HomePath() string {
	return n.cfg.Home
}

// DeviceID returns the device ID. It is read from identity.public while the
// service is not running.
func (n *Node) DeviceID() (types.DeviceID, error) {
	if id, _, _, _ := n.current(); id != nil {
		return id.Device, nil
	}
	return identity.ReadDeviceID(n.cfg.Home)
}

func (n *Node) address(nwid types.NetworkID, family int) (netip.Addr, error) {
	tap, ok := n.currentTaps().ByNetwork(nwid)
	if !ok {
		return netip.Addr{}, ErrNotJoined
	}
	addr, ok := tap.Address(family)
	if !ok {
		return netip.Addr{}, ErrNoAddress
	}
	return addr, nil
}

// IPv4Address returns the managed IPv4 address on nwid.
func (n *Node) IPv4Address(nwid types.NetworkID) (netip.Addr, error) {
	return n.address(nwid, types.AF_INET)
}

// IPv6Address returns the first IPv6 address on nwid.
func (n *Node) IPv6Address(nwid types.NetworkID) (netip.Addr, error) {
	return n.address(nwid, types.AF_INET6)
}

// HasIPv4 reports whether nwid has an IPv4 address.
func (n *Node) HasIPv4(nwid types.NetworkID) bool {
	_, err := n.IPv4Address(nwid)
	return err == nil
}

// HasIPv6 reports whether nwid has an IPv6 address.
func (n *Node) HasIPv6(nwid types.NetworkID) bool {
	_, err := n.IPv6Address(nwid)
	return err == nil
}

// HasAddress reports whether nwid has any address.
func (n *Node) HasAddress(nwid types.NetworkID) bool {
	tap, ok := n.currentTaps().ByNetwork(nwid)
	return ok && len(tap.Addresses()) > 0
}

// SixPlaneAddr computes this node's 6PLANE address on nwid.
func (n *Node) SixPlaneAddr(nwid types.NetworkID) (netip.Prefix, error) {
	dev, err := n.DeviceID()
	if err != nil {
		return netip.Prefix{}, err
	}
	return types.SixPlaneAddr(nwid, dev), nil
}

// RFC4193Addr computes this node's RFC 4193 address on nwid.
func (n *Node) RFC4193Addr(nwid types.NetworkID) (netip.Prefix, error) {
	dev, err := n.DeviceID()
	if err != nil {
		return netip.Prefix{}, err
	}
	return types.RFC4193Addr(nwid, dev), nil
}

// Networks returns the joined networks in join order.
func (n *Node) Networks() []types.NetworkID {
	var out []types.NetworkID
	for _, tap := range n.currentTaps().List() {
		out = append(out, tap.Network)
	}
	return out
}

// PeerCount is the number of peers with a live path.
func (n *Node) PeerCount() int {
	return n.peers.count()
}

// PeerAddress returns the physical UDP endpoint of dev: the path its frames
// last came from, else the endpoint it publishes on a joined network.
func (n *Node) PeerAddress(ctx context.Context, dev types.DeviceID) (netip.AddrPort, error) {
	_, _, taps, running := n.current()
	if !running {
		return netip.AddrPort{}, ErrNotRunning
	}
	if ep, ok := n.peers.endpointOf(dev); ok {
		return ep, nil
	}
	for _, tap := range taps.List() {
		lctx, cancel := context.WithTimeout(ctx, lookupTimeout)
		rec, err := n.dir.Lookup(lctx, tap.Network, dev)
		cancel()
		if err != nil {
			continue
		}
		if ep, err := netip.ParseAddrPort(rec.Endpoint); err == nil {
			return ep, nil
		}
	}
	return netip.AddrPort{}, fmt.Errorf("peer %s: %w", dev, ErrUnknownPeer)
}

// PeerInfo describes a peer the node exchanged frames with.
type PeerInfo struct {
	Network   types.NetworkID `json:"network"`
	Device    types.DeviceID  `json:"device"`
	Endpoint  string          `json:"endpoint"`
	Addresses []netip.Prefix  `json:"addresses"`
	Status    string          `json:"status,omitempty"`
}

// Peers lists the members of every joined network as the directory knows
// them, excluding this node.
func (n *Node) Peers(ctx context.Context) ([]PeerInfo, error) {
	id, _, taps, running := n.current()
	if !running {
		return nil, ErrNotRunning
	}
	var out []PeerInfo
	for _, tap := range taps.List() {
		recs, err := n.dir.Peers(ctx, tap.Network)
		if err != nil {
			return nil, err
		}
		for _, rec := range recs {
			if rec.Device == id.Device {
				continue
			}
			out = append(out, PeerInfo{
				Network:   tap.Network,
				Device:    rec.Device,
				Endpoint:  rec.Endpoint,
				Addresses: rec.Addresses,
				Status:    n.connectivity.Status(rec.Device.String()),
			})
		}
	}
	return out, nil
}

func (n *Node) networksData() interface{} {
	taps := n.currentTaps().List()
	out := make([]map[string]interface{}, 0, len(taps))
	for _, tap := range taps {
		var addrs []string
		for _, p := range tap.Addresses() {
			addrs = append(addrs, p.String())
		}
		var routes []string
		for _, r := range tap.Routes() {
			routes = append(routes, r.String())
		}
		out = append(out, map[string]interface{}{
			"nwid":      tap.Network.String(),
			"name":      tap.Name,
			"index":     tap.Index,
			"mtu":       tap.MTU,
			"addresses": addrs,
			"routes":    routes,
			"checksum":  tap.Checksum,
			"enabled":   tap.Enabled(),
		})
	}
	return map[string]interface{}{"networks": out}
}

func (n *Node) peersData() interface{} {
	peers := n.peers.snapshot()
	out := make([]map[string]interface{}, 0, len(peers))
	for _, p := range peers {
		out = append(out, map[string]interface{}{
			"nwid":     p.Network.String(),
			"device":   p.Device.String(),
			"endpoint": p.Endpoint,
			"status":   n.connectivity.Status(p.Device.String()),
		})
	}
	return map[string]interface{}{"peers": out, "count": len(out)}
}

package vnet

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"time"

	"github.com/st-keller/vnet/directory"
	"github.com/st-keller/vnet/netstack"
	"github.com/st-keller/vnet/types"
	"github.com/st-keller/vnet/wire"
)

const (
	// pendingPerPeer bounds the traffic parked while a peer is looked up.
	pendingPerPeer = 16
	// maxResolving bounds the lookups in flight.
	maxResolving = 256
	// maxSenderChecks bounds the memory of recent lookups for frames that
	// did not open.
	maxSenderChecks = 4096
)

var (
	errResolveBusy = errors.New("too many peer lookups in flight")
	errQueueFull   = errors.New("peer lookup queue full")
	errUnverified  = errors.New("frame does not authenticate and its sender was checked recently")
)

type inboundFrame struct {
	frame []byte
	from  netip.AddrPort
}

type pendingWork struct {
	packets []netstack.Packet
	frames  []inboundFrame
}

// resolver moves directory lookups off the packet loops. At most one lookup
// per name is in flight; traffic for it waits in a short queue.
type resolver struct {
	mu      sync.Mutex
	pending map[string]*pendingWork
	checked map[peerKey]time.Time
}

func newResolver() *resolver {
	r := &resolver{}
	r.reset()
	return r
}

func (r *resolver) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = make(map[string]*pendingWork)
	r.checked = make(map[peerKey]time.Time)
}

func (r *resolver) parkLocked(name string) (*pendingWork, bool, error) {
	if w, ok := r.pending[name]; ok {
		return w, false, nil
	}
	if len(r.pending) >= maxResolving {
		return nil, false, errResolveBusy
	}
	w := &pendingWork{}
	r.pending[name] = w
	return w, true, nil
}

// parkPacket queues pkt under name; a nil pkt only asks for the lookup. start
// tells the caller to launch it.
func (r *resolver) parkPacket(name string, pkt *netstack.Packet) (start bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, start, err := r.parkLocked(name)
	if err != nil || pkt == nil {
		return start, err
	}
	if len(w.packets) >= pendingPerPeer {
		return start, errQueueFull
	}
	w.packets = append(w.packets, *pkt)
	return start, nil
}

// parkFrame queues f for the sender key. A new lookup for key is started at
// most once per window.
func (r *resolver) parkFrame(name string, key peerKey, window time.Duration, f inboundFrame, now time.Time) (start bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.pending[name]; !ok && !r.mayCheckLocked(key, window, now) {
		return false, errUnverified
	}
	w, start, err := r.parkLocked(name)
	if err != nil {
		return start, err
	}
	if len(w.frames) >= pendingPerPeer {
		return start, errQueueFull
	}
	w.frames = append(w.frames, f)
	return start, nil
}

func (r *resolver) mayCheckLocked(key peerKey, window time.Duration, now time.Time) bool {
	if t, ok := r.checked[key]; ok && now.Sub(t) < window {
		return false
	}
	if len(r.checked) >= maxSenderChecks {
		for k, t := range r.checked {
			if now.Sub(t) >= peerRefresh {
				delete(r.checked, k)
			}
		}
		if len(r.checked) >= maxSenderChecks {
			return false
		}
	}
	r.checked[key] = now
	return true
}

func (r *resolver) take(name string) *pendingWork {
	r.mu.Lock()
	defer r.mu.Unlock()
	w := r.pending[name]
	delete(r.pending, name)
	return w
}

type lookupFunc func(ctx context.Context) (directory.PeerRecord, error)

// resolveDevice fetches the record of key in the background and sends pkt,
// if any, once it arrives.
func (n *Node) resolveDevice(ctx context.Context, key peerKey, pkt *netstack.Packet) error {
	name := "dev/" + key.nwid.String() + "/" + key.dev.String()
	start, err := n.resolve.parkPacket(name, pkt)
	if start {
		go n.finishOutbound(ctx, name, key.nwid, &key, func(ctx context.Context) (directory.PeerRecord, error) {
			return n.dir.Lookup(ctx, key.nwid, key.dev)
		})
	}
	return err
}

// resolveAddr finds the member holding addr on nwid, then sends pkt to it.
func (n *Node) resolveAddr(ctx context.Context, nwid types.NetworkID, addr netip.Addr, pkt *netstack.Packet) error {
	name := "addr/" + nwid.String() + "/" + addr.String()
	start, err := n.resolve.parkPacket(name, pkt)
	if start {
		go n.finishOutbound(ctx, name, nwid, nil, func(ctx context.Context) (directory.PeerRecord, error) {
			return n.dir.LookupAddr(ctx, nwid, addr)
		})
	}
	return err
}

// finishOutbound runs lookup and flushes the packets parked under name. A
// failed refresh of a cached peer postpones the next one.
func (n *Node) finishOutbound(ctx context.Context, name string, nwid types.NetworkID, cached *peerKey, lookup lookupFunc) {
	lctx, cancel := context.WithTimeout(ctx, lookupTimeout)
	rec, err := lookup(lctx)
	cancel()
	w := n.resolve.take(name)
	if ctx.Err() != nil {
		return
	}

	log := n.log.WithField("nwid", nwid).WithField("lookup", name)
	if err != nil {
		if w != nil && len(w.packets) > 0 {
			log.WithError(err).WithField("dropped", len(w.packets)).Debug("peer lookup failed")
		}
		if cached != nil {
			n.peers.postpone(*cached, time.Now())
		}
		return
	}
	peer, err := n.cachePeer(nwid, rec)
	if err != nil {
		log.WithError(err).Debug("unusable peer record")
		return
	}
	if w == nil {
		return
	}
	for _, pkt := range w.packets {
		if err := n.sendFrame(wire.KindData, peer, pkt.Data); err != nil {
			log.WithError(err).Debug("dropped outbound packet")
		}
	}
}

// resolveSender parks a frame that no cached session opens and checks the
// sender's published key in the background.
func (n *Node) resolveSender(ctx context.Context, st *netstack.Stack, key peerKey, window time.Duration, f inboundFrame) error {
	name := "in/" + key.nwid.String() + "/" + key.dev.String()
	start, err := n.resolve.parkFrame(name, key, window, f, time.Now())
	if start {
		go n.finishInbound(ctx, st, name, key)
	}
	return err
}

// finishInbound builds a candidate session from the directory record of key.
// It replaces the cached one only if it opens at least one parked frame.
func (n *Node) finishInbound(ctx context.Context, st *netstack.Stack, name string, key peerKey) {
	lctx, cancel := context.WithTimeout(ctx, lookupTimeout)
	rec, err := n.dir.Lookup(lctx, key.nwid, key.dev)
	cancel()
	w := n.resolve.take(name)
	if ctx.Err() != nil || w == nil {
		return
	}

	log := n.log.WithField("nwid", key.nwid).WithField("peer", key.dev)
	if err != nil {
		log.WithError(err).WithField("dropped", len(w.frames)).Debug("sender lookup failed")
		return
	}
	cached, wasCached := n.peers.get(key)
	candidate, err := n.newPeerEntry(key.nwid, rec, cached, wasCached)
	if err != nil {
		log.WithError(err).Debug("unusable peer record")
		return
	}

	id, _, _, _ := n.current()
	adopted := false
	for _, f := range w.frames {
		h, payload, err := candidate.session.Open(f.frame, id.Device)
		if err != nil {
			continue
		}
		if !adopted {
			n.storePeer(candidate, rec)
			adopted = true
		}
		if err := n.deliver(st, candidate, h, payload, f.from); err != nil {
			log.WithError(err).Debug("dropped inbound frame")
		}
	}
	if !adopted {
		log.WithField("dropped", len(w.frames)).Debug("frames match no published key")
	}
}

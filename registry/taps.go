package registry

import (
	"fmt"
	"net/netip"
	"sort"
	"sync"

	"github.com/st-keller/vnet/types"
)

// Tap is the local end of one joined network.
type Tap struct {
	Network  types.NetworkID
	Name     string
	Index    int
	MTU      int
	Checksum string // of the network's .conf contents

	mu       sync.Mutex
	prefixes []netip.Prefix
	routes   []netip.Prefix
	enabled  bool
	ready    chan struct{}
}

// NewTap creates an enabled tap without addresses.
func NewTap(nwid types.NetworkID, mtu int, routes []netip.Prefix) *Tap {
	return &Tap{
		Network: nwid,
		Name:    "vnet" + nwid.String()[10:],
		MTU:     mtu,
		routes:  append([]netip.Prefix(nil), routes...),
		enabled: true,
		ready:   make(chan struct{}),
	}
}

// SetAddresses assigns the tap's addresses. The first non-empty assignment
// releases AddressReady waiters.
func (t *Tap) SetAddresses(prefixes []netip.Prefix) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.prefixes = append([]netip.Prefix(nil), prefixes...)
	if len(prefixes) > 0 {
		select {
		case <-t.ready:
		default:
			close(t.ready)
		}
	}
}

// Addresses returns a copy of the assigned prefixes.
func (t *Tap) Addresses() []netip.Prefix {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]netip.Prefix(nil), t.prefixes...)
}

// Routes returns a copy of the extra routes.
func (t *Tap) Routes() []netip.Prefix {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]netip.Prefix(nil), t.routes...)
}

// AddressReady is closed once the tap has an address.
func (t *Tap) AddressReady() <-chan struct{} {
	return t.ready
}

// Address returns the first assigned address of family.
func (t *Tap) Address(family int) (netip.Addr, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.prefixes {
		if types.FamilyOf(p.Addr()) == family {
			return p.Addr(), true
		}
	}
	return netip.Addr{}, false
}

// Enabled reports whether the tap still carries traffic.
func (t *Tap) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *Tap) disable() {
	t.mu.Lock()
	t.enabled = false
	t.mu.Unlock()
}

// owns reports whether addr belongs to the tap: an exact address, a covering
// prefix, or a managed route.
func (t *Tap) owns(addr netip.Addr) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, p := range t.prefixes {
		if p.Addr().Is4() != addr.Is4() {
			continue
		}
		if p.Addr() == addr || p.Masked().Contains(addr) {
			return true
		}
	}
	if addr.Is6() && types.SixPlaneNetwork(t.Network).Contains(addr) {
		return true
	}
	for _, r := range t.routes {
		if r.Masked().Contains(addr) {
			return true
		}
	}
	return false
}

// Taps indexes the joined networks.
type Taps struct {
	mu        sync.RWMutex
	taps      map[types.NetworkID]*Tap
	nextIndex int
}

// NewTaps creates an empty tap registry.
func NewTaps() *Taps {
	return &Taps{taps: make(map[types.NetworkID]*Tap), nextIndex: 1}
}

// Add registers tap; a network can only be joined once.
func (r *Taps) Add(tap *Tap) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.taps[tap.Network]; ok {
		return fmt.Errorf("network %s already joined", tap.Network)
	}
	tap.Index = r.nextIndex
	r.nextIndex++
	r.taps[tap.Network] = tap
	return nil
}

// Remove drops the tap of nwid and returns it.
func (r *Taps) Remove(nwid types.NetworkID) (*Tap, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tap, ok := r.taps[nwid]
	if ok {
		tap.disable()
		delete(r.taps, nwid)
	}
	return tap, ok
}

// ByNetwork returns the tap of nwid.
func (r *Taps) ByNetwork(nwid types.NetworkID) (*Tap, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tap, ok := r.taps[nwid]
	return tap, ok
}

// ByAddr selects the tap that can reach addr. Taps are checked in join order.
func (r *Taps) ByAddr(addr netip.Addr) (*Tap, bool) {
	addr = addr.Unmap()
	for _, tap := range r.List() {
		if tap.Enabled() && tap.owns(addr) {
			return tap, true
		}
	}
	return nil, false
}

// List returns the taps in join order.
func (r *Taps) List() []*Tap {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Tap, 0, len(r.taps))
	for _, tap := range r.taps {
		out = append(out, tap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// Disable marks every tap as no longer carrying traffic.
func (r *Taps) Disable() {
	for _, tap := range r.List() {
		tap.disable()
	}
}

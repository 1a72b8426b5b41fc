package directory

import (
	"context"
	"fmt"
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/st-keller/vnet/types"
)

// Memory is an in-process Directory. Nodes sharing one Memory can reach each
// other; useful for tests and single-host deployments.
//
// Expired records are hidden immediately and dropped by Cleanup.
type Memory struct {
	mu       sync.Mutex
	networks map[types.NetworkID]map[types.DeviceID]*memoryEntry
	now      func() time.Time
}

type memoryEntry struct {
	rec     PeerRecord
	expires time.Time
}

// NewMemory creates an empty in-memory directory.
func NewMemory() *Memory {
	return &Memory{
		networks: make(map[types.NetworkID]map[types.DeviceID]*memoryEntry),
		now:      time.Now,
	}
}

func (m *Memory) Announce(_ context.Context, nwid types.NetworkID, rec PeerRecord, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	peers := m.networks[nwid]
	if peers == nil {
		peers = make(map[types.DeviceID]*memoryEntry)
		m.networks[nwid] = peers
	}
	if ent, ok := peers[rec.Device]; ok && now.Before(ent.expires) && ent.rec.PublicKey != rec.PublicKey {
		return ErrIdentityCollision
	}
	for dev, ent := range peers {
		if dev == rec.Device || !now.Before(ent.expires) {
			continue
		}
		for _, p := range rec.Addresses {
			if hasAddr(ent.rec, p.Addr()) {
				return fmt.Errorf("%s held by %s: %w", p.Addr(), dev, ErrAddressInUse)
			}
		}
	}

	rec.SeenAt = now
	rec.Addresses = append([]netip.Prefix(nil), rec.Addresses...)
	peers[rec.Device] = &memoryEntry{rec: rec, expires: now.Add(ttl)}
	return nil
}

func (m *Memory) Lookup(_ context.Context, nwid types.NetworkID, dev types.DeviceID) (PeerRecord, error) {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	ent, ok := m.networks[nwid][dev]
	if !ok || !now.Before(ent.expires) {
		return PeerRecord{}, ErrNotFound
	}
	return ent.rec, nil
}

func (m *Memory) LookupAddr(_ context.Context, nwid types.NetworkID, addr netip.Addr) (PeerRecord, error) {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, ent := range m.networks[nwid] {
		if !now.Before(ent.expires) {
			continue
		}
		if hasAddr(ent.rec, addr) {
			return ent.rec, nil
		}
	}
	return PeerRecord{}, ErrNotFound
}

func (m *Memory) Withdraw(_ context.Context, nwid types.NetworkID, dev types.DeviceID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.networks[nwid], dev)
	if len(m.networks[nwid]) == 0 {
		delete(m.networks, nwid)
	}
	return nil
}

func (m *Memory) Peers(_ context.Context, nwid types.NetworkID) ([]PeerRecord, error) {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]PeerRecord, 0, len(m.networks[nwid]))
	for _, ent := range m.networks[nwid] {
		if now.Before(ent.expires) {
			out = append(out, ent.rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Device < out[j].Device })
	return out, nil
}

// Cleanup drops expired records.
func (m *Memory) Cleanup() {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	for nwid, peers := range m.networks {
		for dev, ent := range peers {
			if !now.Before(ent.expires) {
				delete(peers, dev)
			}
		}
		if len(peers) == 0 {
			delete(m.networks, nwid)
		}
	}
}

// StartJanitor runs Cleanup every interval until ctx is done.
func (m *Memory) StartJanitor(ctx context.Context, every time.Duration) {
	if every <= 0 {
		return
	}

	t := time.NewTicker(every)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				m.Cleanup()
			}
		}
	}()
}

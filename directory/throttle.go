package directory

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/st-keller/vnet/types"
)

// ErrThrottled is returned when lookups for one destination come too fast.
var ErrThrottled = errors.New("directory: lookup throttled")

const (
	sweepAbove = 1024
	// maxThrottleEntries caps the limiter map; past it arbitrary entries are
	// evicted to make room.
	maxThrottleEntries = 4096
)

// Throttled wraps a Directory with a token bucket per looked-up destination,
// so traffic towards an unknown peer turns into a trickle of store queries.
type Throttled struct {
	Directory

	mu      sync.Mutex
	entries map[string]*throttleEntry
	rps     rate.Limit
	burst   int
	idleTTL time.Duration
}

type throttleEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// NewThrottled allows rps lookups per destination with the given burst. A
// burst below one is raised to one, otherwise nothing would ever pass.
func NewThrottled(d Directory, rps float64, burst int) *Throttled {
	if burst < 1 {
		burst = 1
	}
	return &Throttled{
		Directory: d,
		entries:   make(map[string]*throttleEntry),
		rps:       rate.Limit(rps),
		burst:     burst,
		idleTTL:   5 * time.Minute,
	}
}

func (t *Throttled) allow(key string) bool {
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	ent, ok := t.entries[key]
	if !ok {
		t.makeRoomLocked(now)
		ent = &throttleEntry{lim: rate.NewLimiter(t.rps, t.burst)}
		t.entries[key] = ent
	}
	ent.lastSeen = now
	return ent.lim.AllowN(now, 1)
}

func (t *Throttled) makeRoomLocked(now time.Time) {
	if len(t.entries) < sweepAbove {
		return
	}
	cutoff := now.Add(-t.idleTTL)
	for k, e := range t.entries {
		if e.lastSeen.Before(cutoff) {
			delete(t.entries, k)
		}
	}
	for k := range t.entries {
		if len(t.entries) < maxThrottleEntries {
			return
		}
		delete(t.entries, k)
	}
}

// Len is the number of destinations currently tracked.
func (t *Throttled) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *Throttled) Lookup(ctx context.Context, nwid types.NetworkID, dev types.DeviceID) (PeerRecord, error) {
	if !t.allow(nwid.String() + "/" + dev.String()) {
		return PeerRecord{}, ErrThrottled
	}
	return t.Directory.Lookup(ctx, nwid, dev)
}

func (t *Throttled) LookupAddr(ctx context.Context, nwid types.NetworkID, addr netip.Addr) (PeerRecord, error) {
	if !t.allow(nwid.String() + "/" + addr.String()) {
		return PeerRecord{}, ErrThrottled
	}
	return t.Directory.LookupAddr(ctx, nwid, addr)
}

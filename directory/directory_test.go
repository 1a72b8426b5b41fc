package directory

import (
	"context"
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/redis/go-redis/v9"

	"github.com/st-keller/vnet/types"
)

const testNetwork = types.NetworkID(0x8056c2e21c000001)

func testRecord(dev types.DeviceID, key byte, addrs ...string) PeerRecord {
	rec := PeerRecord{Device: dev, Endpoint: "127.0.0.1:9993"}
	rec.PublicKey[0] = key
	for _, a := range addrs {
		rec.Addresses = append(rec.Addresses, netip.MustParsePrefix(a))
	}
	return rec
}

func TestMemoryAnnounceLookup(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	rec := testRecord(0x0102030405, 1, "10.9.9.2/24")
	if err := m.Announce(ctx, testNetwork, rec, time.Minute); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := m.Lookup(ctx, testNetwork, rec.Device)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := cmp.Diff(rec.Addresses, got.Addresses, cmp.Comparer(func(a, b netip.Prefix) bool { return a == b })); diff != "" {
		t.Fatalf("addresses mismatch (-want +got):\n%s", diff)
	}
	if got.SeenAt.IsZero() {
		t.Fatalf("expected SeenAt to be stamped")
	}

	byAddr, err := m.LookupAddr(ctx, testNetwork, netip.MustParseAddr("10.9.9.2"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if byAddr.Device != rec.Device {
		t.Fatalf("expected %s, got %s", rec.Device, byAddr.Device)
	}

	if _, err := m.Lookup(ctx, types.NetworkID(1), rec.Device); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on another network, got %v", err)
	}
}

func TestMemoryCollision(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	if err := m.Announce(ctx, testNetwork, testRecord(0x0102030405, 1), time.Minute); err != nil {
		t.Fatal(err)
	}
	// same key re-announces fine.
	if err := m.Announce(ctx, testNetwork, testRecord(0x0102030405, 1), time.Minute); err != nil {
		t.Fatalf("unexpected error on re-announce: %v", err)
	}
	if err := m.Announce(ctx, testNetwork, testRecord(0x0102030405, 2), time.Minute); !errors.Is(err, ErrIdentityCollision) {
		t.Fatalf("expected ErrIdentityCollision, got %v", err)
	}
}

func TestMemoryExpiry(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	now := time.Unix(1700000000, 0)
	m.now = func() time.Time { return now }

	if err := m.Announce(ctx, testNetwork, testRecord(0x0102030405, 1), time.Second); err != nil {
		t.Fatal(err)
	}
	now = now.Add(2 * time.Second)

	if _, err := m.Lookup(ctx, testNetwork, 0x0102030405); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected expired record to be hidden, got %v", err)
	}
	// an expired owner no longer blocks a new key.
	if err := m.Announce(ctx, testNetwork, testRecord(0x0102030405, 2), time.Second); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	now = now.Add(2 * time.Second)
	m.Cleanup()
	peers, _ := m.Peers(ctx, testNetwork)
	if len(peers) != 0 {
		t.Fatalf("expected no peers after cleanup, got %d", len(peers))
	}
}

func TestMemoryPeersSortedAndWithdraw(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	for _, dev := range []types.DeviceID{3, 1, 2} {
		if err := m.Announce(ctx, testNetwork, testRecord(dev, byte(dev)), time.Minute); err != nil {
			t.Fatal(err)
		}
	}
	if err := m.Withdraw(ctx, testNetwork, 2); err != nil {
		t.Fatal(err)
	}

	peers, err := m.Peers(ctx, testNetwork)
	if err != nil {
		t.Fatal(err)
	}
	var got []types.DeviceID
	for _, p := range peers {
		got = append(got, p.Device)
	}
	if diff := cmp.Diff([]types.DeviceID{1, 3}, got); diff != "" {
		t.Fatalf("peers mismatch (-want +got):\n%s", diff)
	}
}

func TestThrottledLimitsLookups(t *testing.T) {
	ctx := context.Background()
	d := NewThrottled(NewMemory(), 0.01, 2)

	for i := 0; i < 2; i++ {
		if _, err := d.Lookup(ctx, testNetwork, 7); !errors.Is(err, ErrNotFound) {
			t.Fatalf("lookup %d: expected ErrNotFound, got %v", i, err)
		}
	}
	if _, err := d.Lookup(ctx, testNetwork, 7); !errors.Is(err, ErrThrottled) {
		t.Fatalf("expected ErrThrottled, got %v", err)
	}
	// other destinations have their own bucket.
	if _, err := d.Lookup(ctx, testNetwork, 8); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for another device, got %v", err)
	}
}

func TestThrottledFractionalRateAllowsFirstLookup(t *testing.T) {
	ctx := context.Background()
	d := NewThrottled(NewMemory(), 0.3, 0)

	if _, err := d.Lookup(ctx, testNetwork, 7); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected the first lookup to reach the store, got %v", err)
	}
	if _, err := d.Lookup(ctx, testNetwork, 7); !errors.Is(err, ErrThrottled) {
		t.Fatalf("expected ErrThrottled, got %v", err)
	}
}

func TestThrottledCapsTrackedDestinations(t *testing.T) {
	ctx := context.Background()
	d := NewThrottled(NewMemory(), 1, 1)

	for i := 0; i < 3*maxThrottleEntries; i++ {
		addr := netip.AddrFrom4([4]byte{10, byte(i >> 16), byte(i >> 8), byte(i)})
		if _, err := d.LookupAddr(ctx, testNetwork, addr); !errors.Is(err, ErrNotFound) {
			t.Fatalf("lookup %s: expected ErrNotFound, got %v", addr, err)
		}
	}
	if n := d.Len(); n > maxThrottleEntries {
		t.Fatalf("expected at most %d tracked destinations, got %d", maxThrottleEntries, n)
	}
}

func TestRedisKeys(t *testing.T) {
	r := NewRedis(redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"}), WithRedisPrefix("test:dir:"))

	if got := r.peerKey(testNetwork, 0x0102030405); got != "test:dir:8056c2e21c000001:peer:0102030405" {
		t.Fatalf("unexpected peer key %q", got)
	}
	if got := r.addrKey(testNetwork, netip.MustParseAddr("10.9.9.2")); got != "test:dir:8056c2e21c000001:addr:10.9.9.2" {
		t.Fatalf("unexpected addr key %q", got)
	}
	if got := r.membersKey(testNetwork); got != "test:dir:8056c2e21c000001:members" {
		t.Fatalf("unexpected members key %q", got)
	}
}

func TestMemoryRefusesHeldAddress(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	if err := m.Announce(ctx, testNetwork, testRecord(0x0102030405, 1, "10.9.9.203/24"), time.Minute); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.Announce(ctx, testNetwork, testRecord(0x0a0b0c0d0e, 2, "10.9.9.203/24"), time.Minute); !errors.Is(err, ErrAddressInUse) {
		t.Fatalf("expected ErrAddressInUse, got %v", err)
	}
	got, err := m.LookupAddr(ctx, testNetwork, netip.MustParseAddr("10.9.9.203"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Device != 0x0102030405 {
		t.Fatalf("expected the first holder to keep the address, got %s", got.Device)
	}
}

func newTestRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewRedis(rdb, WithRedisPrefix("test:dir")), mr
}

func TestRedisAnnounceLookup(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRedis(t)

	rec := testRecord(0x0102030405, 1, "10.9.9.203/24")
	if err := r.Announce(ctx, testNetwork, rec, time.Minute); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := r.Lookup(ctx, testNetwork, rec.Device)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.PublicKey != rec.PublicKey || got.Endpoint != rec.Endpoint {
		t.Fatalf("unexpected record %+v", got)
	}
	if got.SeenAt.IsZero() {
		t.Fatalf("expected SeenAt to be stamped")
	}

	byAddr, err := r.LookupAddr(ctx, testNetwork, netip.MustParseAddr("10.9.9.203"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if byAddr.Device != rec.Device {
		t.Fatalf("expected %s, got %s", rec.Device, byAddr.Device)
	}
	if _, err := r.LookupAddr(ctx, testNetwork, netip.MustParseAddr("10.9.9.204")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := r.Lookup(ctx, types.NetworkID(1), rec.Device); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on another network, got %v", err)
	}
}

func TestRedisCollision(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRedis(t)

	if err := r.Announce(ctx, testNetwork, testRecord(0x0102030405, 1), time.Minute); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := r.Announce(ctx, testNetwork, testRecord(0x0102030405, 1), time.Minute); err != nil {
		t.Fatalf("re-announce with the same key failed: %v", err)
	}
	if err := r.Announce(ctx, testNetwork, testRecord(0x0102030405, 2), time.Minute); !errors.Is(err, ErrIdentityCollision) {
		t.Fatalf("expected ErrIdentityCollision, got %v", err)
	}
}

func TestRedisAddressOwnership(t *testing.T) {
	ctx := context.Background()
	r, mr := newTestRedis(t)

	if err := r.Announce(ctx, testNetwork, testRecord(0x0102030405, 1, "10.9.9.203/24"), 10*time.Second); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := r.Announce(ctx, testNetwork, testRecord(0x0a0b0c0d0e, 2, "10.9.9.203/24"), time.Minute); !errors.Is(err, ErrAddressInUse) {
		t.Fatalf("expected ErrAddressInUse, got %v", err)
	}

	// the first holder moves to another address; the old one is released.
	if err := r.Announce(ctx, testNetwork, testRecord(0x0102030405, 1, "10.9.9.205/24"), 10*time.Second); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mr.Exists(r.addrKey(testNetwork, netip.MustParseAddr("10.9.9.203"))) {
		t.Fatalf("expected the released address key to be deleted")
	}
	if err := r.Announce(ctx, testNetwork, testRecord(0x0a0b0c0d0e, 2, "10.9.9.203/24"), time.Minute); err != nil {
		t.Fatalf("released address should be free: %v", err)
	}

	// an expired holder owns nothing.
	mr.FastForward(11 * time.Second)
	if _, err := r.LookupAddr(ctx, testNetwork, netip.MustParseAddr("10.9.9.205")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after expiry, got %v", err)
	}
	if err := r.Announce(ctx, testNetwork, testRecord(0x0a0b0c0d0e, 2, "10.9.9.205/24"), time.Minute); err != nil {
		t.Fatalf("expired address should be free: %v", err)
	}
}

func TestRedisStaleIndexOwnsNothing(t *testing.T) {
	ctx := context.Background()
	r, mr := newTestRedis(t)

	// an index entry left behind by a device whose record no longer lists it.
	if err := r.Announce(ctx, testNetwork, testRecord(0x0102030405, 1), time.Minute); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	key := r.addrKey(testNetwork, netip.MustParseAddr("10.9.9.203"))
	if err := mr.Set(key, types.DeviceID(0x0102030405).String()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := r.LookupAddr(ctx, testNetwork, netip.MustParseAddr("10.9.9.203")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := r.Announce(ctx, testNetwork, testRecord(0x0a0b0c0d0e, 2, "10.9.9.203/24"), time.Minute); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRedisPeersAndWithdraw(t *testing.T) {
	ctx := context.Background()
	r, mr := newTestRedis(t)

	addrs := map[types.DeviceID]string{3: "10.9.9.3/24", 1: "10.9.9.1/24", 2: "10.9.9.2/24"}
	for dev, addr := range addrs {
		if err := r.Announce(ctx, testNetwork, testRecord(dev, byte(dev), addr), time.Minute); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	peers, err := r.Peers(ctx, testNetwork)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var got []types.DeviceID
	for _, p := range peers {
		got = append(got, p.Device)
	}
	if diff := cmp.Diff([]types.DeviceID{1, 2, 3}, got); diff != "" {
		t.Fatalf("peers mismatch (-want +got):\n%s", diff)
	}

	if err := r.Withdraw(ctx, testNetwork, 2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := r.Lookup(ctx, testNetwork, 2); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after withdraw, got %v", err)
	}
	if mr.Exists(r.addrKey(testNetwork, netip.MustParseAddr("10.9.9.2"))) {
		t.Fatalf("expected the address key to be withdrawn")
	}
	if ok, _ := mr.SIsMember(r.membersKey(testNetwork), types.DeviceID(2).String()); ok {
		t.Fatalf("expected device 2 to leave the member set")
	}
	if err := r.Withdraw(ctx, testNetwork, 2); err != nil {
		t.Fatalf("withdrawing twice should succeed: %v", err)
	}
}

package registry

import (
	"net/netip"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/st-keller/vnet/types"
)

const (
	netA = types.NetworkID(0x8056c2e21c000001)
	netB = types.NetworkID(0x1d71939404912b40)
)

func TestComponentsCollectChecksum(t *testing.T) {
	r := NewComponents()
	value := "one"
	if err := r.Register("status", func() interface{} { return map[string]string{"v": value} }); err != nil {
		t.Fatal(err)
	}
	if err := r.Register("status", func() interface{} { return nil }); err == nil {
		t.Fatalf("expected duplicate registration to fail")
	}

	first, err := r.Collect("status")
	if err != nil {
		t.Fatal(err)
	}
	again, err := r.Collect("status")
	if err != nil {
		t.Fatal(err)
	}
	if first.Checksum != again.Checksum {
		t.Fatalf("expected stable checksum for unchanged data")
	}

	value = "two"
	changed, err := r.Collect("status")
	if err != nil {
		t.Fatal(err)
	}
	if changed.Checksum == first.Checksum {
		t.Fatalf("expected checksum to change with data")
	}

	if _, err := r.Collect("missing"); err == nil {
		t.Fatalf("expected error for unknown component")
	}
	if diff := cmp.Diff([]string{"status"}, r.IDs()); diff != "" {
		t.Fatalf("ids mismatch (-want +got):\n%s", diff)
	}
}

func TestTapAddressReady(t *testing.T) {
	tap := NewTap(netA, 2800, nil)
	select {
	case <-tap.AddressReady():
		t.Fatalf("expected no address yet")
	default:
	}

	tap.SetAddresses([]netip.Prefix{netip.MustParsePrefix("10.9.9.2/24")})
	select {
	case <-tap.AddressReady():
	default:
		t.Fatalf("expected address ready")
	}
	// a second assignment must not panic on the closed channel.
	tap.SetAddresses([]netip.Prefix{netip.MustParsePrefix("10.9.9.3/24")})

	if a, ok := tap.Address(types.AF_INET); !ok || a != netip.MustParseAddr("10.9.9.3") {
		t.Fatalf("unexpected IPv4 address %v", a)
	}
	if _, ok := tap.Address(types.AF_INET6); ok {
		t.Fatalf("expected no IPv6 address")
	}
}

func TestTapsByAddr(t *testing.T) {
	taps := NewTaps()

	a := NewTap(netA, 2800, nil)
	a.SetAddresses([]netip.Prefix{
		netip.MustParsePrefix("10.9.9.2/24"),
		types.SixPlaneAddr(netA, 0x0102030405),
	})
	b := NewTap(netB, 2800, []netip.Prefix{netip.MustParsePrefix("192.168.50.0/24")})
	b.SetAddresses([]netip.Prefix{types.RFC4193Addr(netB, 0x0102030405)})

	for _, tap := range []*Tap{a, b} {
		if err := taps.Add(tap); err != nil {
			t.Fatal(err)
		}
	}
	if err := taps.Add(NewTap(netA, 2800, nil)); err == nil {
		t.Fatalf("expected duplicate join to fail")
	}

	cases := []struct {
		addr string
		want types.NetworkID
		ok   bool
	}{
		{"10.9.9.203", netA, true},
		{types.SixPlaneAddr(netA, 0x0a0b0c0d0e).Addr().String(), netA, true},
		{types.RFC4193Addr(netB, 0x0a0b0c0d0e).Addr().String(), netB, true},
		{"192.168.50.7", netB, true},
		{"172.16.0.1", 0, false},
	}
	for _, c := range cases {
		tap, ok := taps.ByAddr(netip.MustParseAddr(c.addr))
		if ok != c.ok {
			t.Errorf("ByAddr(%s) ok=%v, want %v", c.addr, ok, c.ok)
			continue
		}
		if ok && tap.Network != c.want {
			t.Errorf("ByAddr(%s) = %s, want %s", c.addr, tap.Network, c.want)
		}
	}

	if list := taps.List(); len(list) != 2 || list[0].Network != netA || list[1] != b {
		t.Fatalf("expected taps in join order, got %v", list)
	}

	taps.Disable()
	if _, ok := taps.ByAddr(netip.MustParseAddr("10.9.9.203")); ok {
		t.Fatalf("expected disabled taps to be skipped")
	}

	if _, ok := taps.Remove(netA); !ok {
		t.Fatalf("expected remove to succeed")
	}
	if list := taps.List(); len(list) != 1 || list[0] != b {
		t.Fatalf("expected only the second tap left, got %v", list)
	}
}

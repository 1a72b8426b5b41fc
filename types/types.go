// Package types defines the identifiers shared by every vnet package:
// network IDs, device IDs and the virtual IPv6 addresses derived from them.
package types

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Socket families and types accepted by the descriptor API.
const (
	AF_INET     = unix.AF_INET
	AF_INET6    = unix.AF_INET6
	SOCK_STREAM = unix.SOCK_STREAM
	SOCK_DGRAM  = unix.SOCK_DGRAM
)

// NetworkID identifies a virtual network (64 bits, 16 hex digits).
type NetworkID uint64

// ParseNetworkID parses exactly 16 hex digits.
func ParseNetworkID(s string) (NetworkID, error) {
	s = strings.TrimSpace(s)
	if len(s) != 16 {
		return 0, fmt.Errorf("network id %q: want 16 hex digits, got %d", s, len(s))
	}
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("network id %q: %w", s, err)
	}
	return NetworkID(v), nil
}

// String returns the 16 digit lowercase hex form.
func (n NetworkID) String() string {
	return fmt.Sprintf("%016x", uint64(n))
}

// Bytes returns the big-endian encoding.
func (n NetworkID) Bytes() [8]byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(n))
	return b
}

// DeviceID is the 40-bit address of a node.
type DeviceID uint64

// DeviceIDMask keeps the low 40 bits.
const DeviceIDMask = 0xffffffffff

// ParseDeviceID parses exactly 10 hex digits.
func ParseDeviceID(s string) (DeviceID, error) {
	s = strings.TrimSpace(s)
	if len(s) != 10 {
		return 0, fmt.Errorf("device id %q: want 10 hex digits, got %d", s, len(s))
	}
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("device id %q: %w", s, err)
	}
	d := DeviceID(v)
	if !d.Valid() {
		return 0, fmt.Errorf("device id %q is reserved", s)
	}
	return d, nil
}

// DeviceIDFromBytes reads 5 big-endian bytes.
func DeviceIDFromBytes(b []byte) DeviceID {
	_ = b[4]
	return DeviceID(uint64(b[0])<<32 | uint64(b[1])<<24 | uint64(b[2])<<16 | uint64(b[3])<<8 | uint64(b[4]))
}

// Valid reports whether d is usable: non-zero and not in the 0xff reserved range.
func (d DeviceID) Valid() bool {
	if d == 0 || uint64(d) > DeviceIDMask {
		return false
	}
	return byte(d>>32) != 0xff
}

// String returns the 10 digit lowercase hex form.
func (d DeviceID) String() string {
	return fmt.Sprintf("%010x", uint64(d))
}

// Bytes returns the 5 byte big-endian encoding.
func (d DeviceID) Bytes() [5]byte {
	return [5]byte{byte(d >> 32), byte(d >> 24), byte(d >> 16), byte(d >> 8), byte(d)}
}

// Prefix lengths of the derived addresses. A 6PLANE node owns a /80 inside
// the network-wide /40; RFC 4193 nodes share the network-wide /88.
const (
	SixPlaneBits        = 80
	SixPlaneNetworkBits = 40
	RFC4193Bits         = 88
)

// SixPlaneAddr derives the 6PLANE address of dev on nwid.
func SixPlaneAddr(nwid NetworkID, dev DeviceID) netip.Prefix {
	folded := uint32(uint64(nwid) ^ uint64(nwid)>>32)
	var a [16]byte
	a[0] = 0xfc
	binary.BigEndian.PutUint32(a[1:5], folded)
	db := dev.Bytes()
	copy(a[5:10], db[:])
	a[15] = 0x01
	return netip.PrefixFrom(netip.AddrFrom16(a), SixPlaneBits)
}

// RFC4193Addr derives the RFC 4193 address of dev on nwid.
func RFC4193Addr(nwid NetworkID, dev DeviceID) netip.Prefix {
	var a [16]byte
	a[0] = 0xfd
	nb := nwid.Bytes()
	copy(a[1:9], nb[:])
	a[9] = 0x99
	a[10] = 0x93
	db := dev.Bytes()
	copy(a[11:16], db[:])
	return netip.PrefixFrom(netip.AddrFrom16(a), RFC4193Bits)
}

// SixPlaneNetwork is the /40 shared by every 6PLANE address of nwid.
func SixPlaneNetwork(nwid NetworkID) netip.Prefix {
	return netip.PrefixFrom(SixPlaneAddr(nwid, 0).Addr(), SixPlaneNetworkBits).Masked()
}

// RFC4193Network is the /88 shared by every RFC 4193 address of nwid.
func RFC4193Network(nwid NetworkID) netip.Prefix {
	return RFC4193Addr(nwid, 0).Masked()
}

// DeviceFromAddr recovers the device embedded in a 6PLANE or RFC 4193
// address of nwid. ok is false for any other address.
func DeviceFromAddr(nwid NetworkID, addr netip.Addr) (DeviceID, bool) {
	if !addr.Is6() || addr.Is4In6() {
		return 0, false
	}
	a := addr.As16()
	if SixPlaneNetwork(nwid).Contains(addr) {
		d := DeviceIDFromBytes(a[5:10])
		return d, d.Valid()
	}
	if RFC4193Network(nwid).Contains(addr) {
		d := DeviceIDFromBytes(a[11:16])
		return d, d.Valid()
	}
	return 0, false
}

// FamilyOf returns AF_INET or AF_INET6 for addr.
func FamilyOf(addr netip.Addr) int {
	if addr.Is4() || addr.Is4In6() {
		return AF_INET
	}
	return AF_INET6
}

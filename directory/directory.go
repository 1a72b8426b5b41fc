// Package directory is the rendezvous store nodes use to find each other.
//
// A node announces one PeerRecord per joined network. Other members look the
// record up by device ID (derived from 6PLANE/RFC 4193 destinations) or by
// any of its virtual addresses (managed IPv4).
package directory

import (
	"context"
	"errors"
	"net/netip"
	"time"

	"github.com/st-keller/vnet/types"
)

var (
	// ErrNotFound means no live record matches.
	ErrNotFound = errors.New("directory: peer not found")
	// ErrIdentityCollision means another key already owns the device ID.
	ErrIdentityCollision = errors.New("directory: identity collision")
	// ErrAddressInUse means another live member holds one of the addresses.
	ErrAddressInUse = errors.New("directory: address held by another member")
)

// PeerRecord is what a node publishes about itself on one network.
type PeerRecord struct {
	Device    types.DeviceID `json:"device"`
	PublicKey [32]byte       `json:"public_key"`
	Endpoint  string         `json:"endpoint"`
	Addresses []netip.Prefix `json:"addresses"`
	SeenAt    time.Time      `json:"seen_at"`
}

// Directory stores peer records with a TTL.
type Directory interface {
	Announce(ctx context.Context, nwid types.NetworkID, rec PeerRecord, ttl time.Duration) error
	Lookup(ctx context.Context, nwid types.NetworkID, dev types.DeviceID) (PeerRecord, error)
	LookupAddr(ctx context.Context, nwid types.NetworkID, addr netip.Addr) (PeerRecord, error)
	Withdraw(ctx context.Context, nwid types.NetworkID, dev types.DeviceID) error
	Peers(ctx context.Context, nwid types.NetworkID) ([]PeerRecord, error)
}

// DefaultTTL is how long a record lives without re-announcement.
const DefaultTTL = 3 * time.Minute

func hasAddr(rec PeerRecord, addr netip.Addr) bool {
	for _, p := range rec.Addresses {
		if p.Addr() == addr {
			return true
		}
	}
	return false
}

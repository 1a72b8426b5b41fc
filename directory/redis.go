package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"net/netip"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/st-keller/vnet/types"
)

// Redis is a Directory shared through a Redis server.
//
// Keys (prefix defaults to "vnet:dir"):
//
//	<prefix>:<nwid>:peer:<device>   JSON PeerRecord, expires with the TTL
//	<prefix>:<nwid>:addr:<ip>       device id owning that address, same TTL
//	<prefix>:<nwid>:members         set of device ids ever announced
type Redis struct {
	rdb    redis.UniversalClient
	prefix string
}

type RedisOption func(*Redis)

func WithRedisPrefix(prefix string) RedisOption {
	return func(r *Redis) { r.prefix = strings.Trim(prefix, ":") }
}

func NewRedis(rdb redis.UniversalClient, opts ...RedisOption) *Redis {
	r := &Redis{rdb: rdb, prefix: "vnet:dir"}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Redis) peerKey(nwid types.NetworkID, dev types.DeviceID) string {
	return fmt.Sprintf("%s:%s:peer:%s", r.prefix, nwid, dev)
}

func (r *Redis) addrKey(nwid types.NetworkID, addr netip.Addr) string {
	return fmt.Sprintf("%s:%s:addr:%s", r.prefix, nwid, addr)
}

func (r *Redis) membersKey(nwid types.NetworkID) string {
	return fmt.Sprintf("%s:%s:members", r.prefix, nwid)
}

// maxTxAttempts bounds the optimistic retries of a watched transaction.
const maxTxAttempts = 8

// watched runs fn in a WATCH transaction on keys, retrying while other
// writers touch them.
func (r *Redis) watched(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error {
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err := r.rdb.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return redis.TxFailedErr
}

// Announce stores rec atomically: a live record under another key is a
// collision, addresses held by another live device are refused, and
// addresses the device no longer announces are released.
func (r *Redis) Announce(ctx context.Context, nwid types.NetworkID, rec PeerRecord, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	peerKey := r.peerKey(nwid, rec.Device)
	keys := []string{peerKey}
	for _, p := range rec.Addresses {
		keys = append(keys, r.addrKey(nwid, p.Addr()))
	}

	err := r.watched(ctx, func(tx *redis.Tx) error {
		existing, err := r.get(ctx, tx, nwid, rec.Device)
		switch {
		case err == nil && existing.PublicKey != rec.PublicKey:
			return ErrIdentityCollision
		case err != nil && !errors.Is(err, ErrNotFound):
			return err
		}

		for _, p := range rec.Addresses {
			owner, held, err := r.liveOwner(ctx, tx, nwid, p.Addr())
			if err != nil {
				return err
			}
			if held && owner != rec.Device {
				return errors.Wrapf(ErrAddressInUse, "%s held by %s", p.Addr(), owner)
			}
		}

		var released []string
		for _, p := range existing.Addresses {
			if hasAddr(rec, p.Addr()) {
				continue
			}
			key := r.addrKey(nwid, p.Addr())
			if err := tx.Watch(ctx, key).Err(); err != nil {
				return err
			}
			owner, err := tx.Get(ctx, key).Result()
			if err != nil && err != redis.Nil {
				return err
			}
			if owner == rec.Device.String() {
				released = append(released, key)
			}
		}

		rec.SeenAt = time.Now().UTC()
		b, err := json.Marshal(rec)
		if err != nil {
			return errors.Wrap(err, "marshal peer record")
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, peerKey, b, ttl)
			for _, p := range rec.Addresses {
				pipe.Set(ctx, r.addrKey(nwid, p.Addr()), rec.Device.String(), ttl)
			}
			if len(released) > 0 {
				pipe.Del(ctx, released...)
			}
			pipe.SAdd(ctx, r.membersKey(nwid), rec.Device.String())
			return nil
		})
		return err
	}, keys...)
	if err != nil && !errors.Is(err, ErrIdentityCollision) && !errors.Is(err, ErrAddressInUse) {
		return errors.Wrapf(err, "announce %s on %s", rec.Device, nwid)
	}
	return err
}

// getter is the read side shared by the client and a transaction.
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (r *Redis) get(ctx context.Context, c getter, nwid types.NetworkID, dev types.DeviceID) (PeerRecord, error) {
	b, err := c.Get(ctx, r.peerKey(nwid, dev)).Bytes()
	if err == redis.Nil {
		return PeerRecord{}, ErrNotFound
	}
	if err != nil {
		return PeerRecord{}, errors.Wrapf(err, "lookup %s on %s", dev, nwid)
	}
	var rec PeerRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return PeerRecord{}, errors.Wrapf(err, "decode record of %s", dev)
	}
	return rec, nil
}

// liveOwner returns the device whose live record holds addr.
func (r *Redis) liveOwner(ctx context.Context, c getter, nwid types.NetworkID, addr netip.Addr) (types.DeviceID, bool, error) {
	s, err := c.Get(ctx, r.addrKey(nwid, addr)).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.Wrapf(err, "owner of %s on %s", addr, nwid)
	}
	dev, err := types.ParseDeviceID(s)
	if err != nil {
		// a garbled index entry owns nothing.
		return 0, false, nil
	}
	rec, err := r.get(ctx, c, nwid, dev)
	if errors.Is(err, ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return dev, hasAddr(rec, addr), nil
}

func (r *Redis) Lookup(ctx context.Context, nwid types.NetworkID, dev types.DeviceID) (PeerRecord, error) {
	return r.get(ctx, r.rdb, nwid, dev)
}

func (r *Redis) LookupAddr(ctx context.Context, nwid types.NetworkID, addr netip.Addr) (PeerRecord, error) {
	dev, held, err := r.liveOwner(ctx, r.rdb, nwid, addr)
	if err != nil {
		return PeerRecord{}, err
	}
	if !held {
		return PeerRecord{}, ErrNotFound
	}
	return r.Lookup(ctx, nwid, dev)
}

// Withdraw drops the record of dev and the address index entries it still
// owns.
func (r *Redis) Withdraw(ctx context.Context, nwid types.NetworkID, dev types.DeviceID) error {
	peerKey := r.peerKey(nwid, dev)
	err := r.watched(ctx, func(tx *redis.Tx) error {
		rec, err := r.get(ctx, tx, nwid, dev)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		var owned []string
		for _, p := range rec.Addresses {
			key := r.addrKey(nwid, p.Addr())
			if err := tx.Watch(ctx, key).Err(); err != nil {
				return err
			}
			owner, err := tx.Get(ctx, key).Result()
			if err != nil && err != redis.Nil {
				return err
			}
			if owner == dev.String() {
				owned = append(owned, key)
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, append([]string{peerKey}, owned...)...)
			pipe.SRem(ctx, r.membersKey(nwid), dev.String())
			return nil
		})
		return err
	}, peerKey)
	if err != nil {
		return errors.Wrapf(err, "withdraw %s from %s", dev, nwid)
	}
	return nil
}

func (r *Redis) Peers(ctx context.Context, nwid types.NetworkID) ([]PeerRecord, error) {
	members, err := r.rdb.SMembers(ctx, r.membersKey(nwid)).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "members of %s", nwid)
	}

	out := make([]PeerRecord, 0, len(members))
	var stale []interface{}
	for _, m := range members {
		dev, err := types.ParseDeviceID(m)
		if err != nil {
			stale = append(stale, m)
			continue
		}
		rec, err := r.Lookup(ctx, nwid, dev)
		if errors.Is(err, ErrNotFound) {
			stale = append(stale, m)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if len(stale) > 0 {
		// expired members; best effort.
		_ = r.rdb.SRem(ctx, r.membersKey(nwid), stale...).Err()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Device < out[j].Device })
	return out, nil
}

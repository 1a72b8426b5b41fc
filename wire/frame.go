// Package wire encodes the encrypted frames nodes exchange over UDP.
//
// Layout:
//
//	version(1) | kind(1) | nwid(8) | src(5) | dst(5) | nonce(12) | sealed payload
//
// The 32 byte header is authenticated as additional data.
package wire

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/st-keller/vnet/types"
)

// Version is the only frame version understood.
const Version = 1

// Kind tells what a frame carries.
type Kind byte

const (
	KindData Kind = 1 // an IP packet
	KindPing Kind = 2 // path sample, payload is a timestamp
	KindPong Kind = 3 // echo of a ping timestamp
)

func (k Kind) String() string {
	switch k {
	case KindData:
		return "data"
	case KindPing:
		return "ping"
	case KindPong:
		return "pong"
	default:
		return fmt.Sprintf("kind(%d)", byte(k))
	}
}

const (
	NonceSize  = chacha20poly1305.NonceSize
	HeaderSize = 1 + 1 + 8 + 5 + 5 + NonceSize
	Overhead   = HeaderSize + chacha20poly1305.Overhead
)

var (
	ErrShortFrame  = errors.New("wire: frame too short")
	ErrBadVersion  = errors.New("wire: unknown frame version")
	ErrBadKind     = errors.New("wire: unknown frame kind")
	ErrAuthFailed  = errors.New("wire: frame authentication failed")
	ErrWrongTarget = errors.New("wire: frame addressed to another device")
)

// Header is the cleartext part of a frame.
type Header struct {
	Kind    Kind
	Network types.NetworkID
	Src     types.DeviceID
	Dst     types.DeviceID
	Nonce   [NonceSize]byte
}

func (h Header) marshal(b []byte) {
	b[0] = Version
	b[1] = byte(h.Kind)
	nb := h.Network.Bytes()
	copy(b[2:10], nb[:])
	sb := h.Src.Bytes()
	copy(b[10:15], sb[:])
	db := h.Dst.Bytes()
	copy(b[15:20], db[:])
	copy(b[20:HeaderSize], h.Nonce[:])
}

// PeekHeader decodes the header without touching the payload.
func PeekHeader(frame []byte) (Header, error) {
	if len(frame) < Overhead {
		return Header{}, ErrShortFrame
	}
	if frame[0] != Version {
		return Header{}, ErrBadVersion
	}
	h := Header{
		Kind:    Kind(frame[1]),
		Network: types.NetworkID(binary.BigEndian.Uint64(frame[2:10])),
		Src:     types.DeviceIDFromBytes(frame[10:15]),
		Dst:     types.DeviceIDFromBytes(frame[15:20]),
	}
	switch h.Kind {
	case KindData, KindPing, KindPong:
	default:
		return Header{}, ErrBadKind
	}
	copy(h.Nonce[:], frame[20:HeaderSize])
	return h, nil
}

// Session holds the AEAD shared with one peer.
type Session struct {
	aead cipher.AEAD
}

// NewSession derives the frame key from an X25519 shared secret.
func NewSession(shared []byte) (*Session, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, nil, []byte("vnet frame v1")), key); err != nil {
		return nil, fmt.Errorf("derive frame key: %w", err)
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}
	return &Session{aead: aead}, nil
}

// Seal builds a frame around payload. A random nonce is drawn per frame.
func (s *Session) Seal(kind Kind, nwid types.NetworkID, src, dst types.DeviceID, payload []byte) ([]byte, error) {
	h := Header{Kind: kind, Network: nwid, Src: src, Dst: dst}
	if _, err := rand.Read(h.Nonce[:]); err != nil {
		return nil, fmt.Errorf("read nonce: %w", err)
	}
	out := make([]byte, HeaderSize, HeaderSize+len(payload)+s.aead.Overhead())
	h.marshal(out)
	return s.aead.Seal(out, h.Nonce[:], payload, out[:HeaderSize]), nil
}

// Open authenticates frame and returns its payload. dst must match the local
// device.
func (s *Session) Open(frame []byte, local types.DeviceID) (Header, []byte, error) {
	h, err := PeekHeader(frame)
	if err != nil {
		return Header{}, nil, err
	}
	if h.Dst != local {
		return Header{}, nil, ErrWrongTarget
	}
	payload, err := s.aead.Open(nil, h.Nonce[:], frame[HeaderSize:], frame[:HeaderSize])
	if err != nil {
		return Header{}, nil, ErrAuthFailed
	}
	return h, payload, nil
}

// PingPayload encodes t for a ping frame.
func PingPayload(t time.Time) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(t.UnixNano()))
	return b
}

// ParsePingPayload is the inverse of PingPayload.
func ParsePingPayload(b []byte) (time.Time, error) {
	if len(b) != 8 {
		return time.Time{}, fmt.Errorf("wire: ping payload is %d bytes", len(b))
	}
	return time.Unix(0, int64(binary.BigEndian.Uint64(b))), nil
}

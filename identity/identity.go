// Package identity manages the key pair and device ID a node keeps in its
// home directory.
package identity

import (
	"crypto/rand"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/crypto/curve25519"

	"github.com/st-keller/vnet/types"
)

// File names inside the home directory.
const (
	SecretFile        = "identity.secret"
	PublicFile        = "identity.public"
	CollisionBackup   = "identity.secret.saved_after_collision"
	identityTypeField = "0"
)

// KeySize is the size of both halves of the key pair.
const KeySize = curve25519.ScalarSize

// Identity is a node's key pair and the device ID derived from its public key.
type Identity struct {
	Device  types.DeviceID
	Public  [KeySize]byte
	private [KeySize]byte
}

// Generate creates a new identity. Keys whose derived device ID is reserved
// are discarded.
func Generate() (*Identity, error) {
	for {
		var priv [KeySize]byte
		if _, err := rand.Read(priv[:]); err != nil {
			return nil, errors.Wrap(err, "read random key")
		}
		id, err := fromPrivate(priv)
		if err != nil {
			return nil, err
		}
		if id.Device.Valid() {
			return id, nil
		}
	}
}

func fromPrivate(priv [KeySize]byte) (*Identity, error) {
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, errors.Wrap(err, "derive public key")
	}
	id := &Identity{private: priv}
	copy(id.Public[:], pub)
	id.Device = DeviceFor(id.Public)
	return id, nil
}

// DeviceFor derives the device ID of a public key: the first 5 bytes of its
// SHA-512 digest.
func DeviceFor(pub [KeySize]byte) types.DeviceID {
	sum := sha512.Sum512(pub[:])
	return types.DeviceIDFromBytes(sum[:5])
}

// SharedSecret runs X25519 against a peer's public key.
func (id *Identity) SharedSecret(peer [KeySize]byte) ([]byte, error) {
	s, err := curve25519.X25519(id.private[:], peer[:])
	if err != nil {
		return nil, errors.Wrap(err, "x25519")
	}
	return s, nil
}

// PublicString is the content of identity.public.
func (id *Identity) PublicString() string {
	return strings.Join([]string{id.Device.String(), identityTypeField, hex.EncodeToString(id.Public[:])}, ":")
}

// SecretString is the content of identity.secret.
func (id *Identity) SecretString() string {
	return id.PublicString() + ":" + hex.EncodeToString(id.private[:])
}

// Parse reads the identity.secret format.
func Parse(s string) (*Identity, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 4 {
		return nil, fmt.Errorf("identity: want 4 fields, got %d", len(parts))
	}
	dev, err := types.ParseDeviceID(parts[0])
	if err != nil {
		return nil, err
	}
	privBytes, err := hex.DecodeString(parts[3])
	if err != nil || len(privBytes) != KeySize {
		return nil, fmt.Errorf("identity: bad private key")
	}
	var priv [KeySize]byte
	copy(priv[:], privBytes)
	id, err := fromPrivate(priv)
	if err != nil {
		return nil, err
	}
	if id.Device != dev {
		return nil, fmt.Errorf("identity: device %s does not match key (%s)", dev, id.Device)
	}
	if parts[2] != hex.EncodeToString(id.Public[:]) {
		return nil, fmt.Errorf("identity: public key does not match private key")
	}
	return id, nil
}

// LoadOrCreate loads the identity stored in home, creating and saving a new
// one when none exists. created reports which happened.
func LoadOrCreate(home string) (id *Identity, created bool, err error) {
	b, err := os.ReadFile(filepath.Join(home, SecretFile))
	switch {
	case err == nil:
		id, err = Parse(string(b))
		if err != nil {
			return nil, false, errors.Wrapf(err, "load %s", SecretFile)
		}
		return id, false, nil
	case !os.IsNotExist(err):
		return nil, false, errors.Wrapf(err, "read %s", SecretFile)
	}

	id, err = Generate()
	if err != nil {
		return nil, false, err
	}
	if err := Save(home, id); err != nil {
		return nil, false, err
	}
	return id, true, nil
}

// Save writes both identity files.
func Save(home string, id *Identity) error {
	if err := os.WriteFile(filepath.Join(home, SecretFile), []byte(id.SecretString()), 0o600); err != nil {
		return errors.Wrapf(err, "write %s", SecretFile)
	}
	if err := os.WriteFile(filepath.Join(home, PublicFile), []byte(id.PublicString()), 0o644); err != nil {
		return errors.Wrapf(err, "write %s", PublicFile)
	}
	return nil
}

// ReadDeviceID returns the device ID recorded in identity.public without
// loading the key pair.
func ReadDeviceID(home string) (types.DeviceID, error) {
	b, err := os.ReadFile(filepath.Join(home, PublicFile))
	if err != nil {
		return 0, errors.Wrapf(err, "read %s", PublicFile)
	}
	if len(b) < 10 {
		return 0, fmt.Errorf("%s is truncated", PublicFile)
	}
	return types.ParseDeviceID(string(b[:10]))
}

// Rotate discards the identity in home after a collision. The old secret is
// kept as identity.secret.saved_after_collision.
func Rotate(home string) error {
	secret := filepath.Join(home, SecretFile)
	old, err := os.ReadFile(secret)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, "read %s", SecretFile)
	}
	if len(old) > 0 {
		if err := os.WriteFile(filepath.Join(home, CollisionBackup), old, 0o600); err != nil {
			return errors.Wrapf(err, "write %s", CollisionBackup)
		}
	}
	if err := os.Remove(secret); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "remove %s", SecretFile)
	}
	if err := os.Remove(filepath.Join(home, PublicFile)); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "remove %s", PublicFile)
	}
	return nil
}

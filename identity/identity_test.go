package identity

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadOrCreatePersistsIdentity(t *testing.T) {
	home := t.TempDir()

	first, created, err := LoadOrCreate(home)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !created {
		t.Fatalf("expected a new identity")
	}
	if !first.Device.Valid() {
		t.Fatalf("expected a valid device id, got %s", first.Device)
	}

	second, created, err := LoadOrCreate(home)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created {
		t.Fatalf("expected the stored identity to be reused")
	}
	if second.Device != first.Device || second.Public != first.Public {
		t.Fatalf("reloaded identity differs: %s vs %s", second.Device, first.Device)
	}

	info, err := os.Stat(filepath.Join(home, SecretFile))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected secret mode 0600, got %v", info.Mode().Perm())
	}
}

func TestReadDeviceIDWithoutKeys(t *testing.T) {
	home := t.TempDir()
	id, _, err := LoadOrCreate(home)
	if err != nil {
		t.Fatal(err)
	}

	dev, err := ReadDeviceID(home)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dev != id.Device {
		t.Fatalf("expected %s, got %s", id.Device, dev)
	}

	if _, err := ReadDeviceID(t.TempDir()); err == nil {
		t.Fatalf("expected error for empty home")
	}
}

func TestParseRejectsMismatchedDevice(t *testing.T) {
	id, err := Generate()
	if err != nil {
		t.Fatal(err)
	}
	s := id.SecretString()
	tampered := "0000000001" + s[10:]
	if _, err := Parse(tampered); err == nil {
		t.Fatalf("expected mismatch error")
	}
	if _, err := Parse("abc"); err == nil {
		t.Fatalf("expected field count error")
	}
}

func TestSharedSecretIsSymmetric(t *testing.T) {
	a, err := Generate()
	if err != nil {
		t.Fatal(err)
	}
	b, err := Generate()
	if err != nil {
		t.Fatal(err)
	}

	ab, err := a.SharedSecret(b.Public)
	if err != nil {
		t.Fatal(err)
	}
	ba, err := b.SharedSecret(a.Public)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(ab, ba) {
		t.Fatalf("expected both sides to agree")
	}
}

func TestRotateKeepsBackup(t *testing.T) {
	home := t.TempDir()
	old, _, err := LoadOrCreate(home)
	if err != nil {
		t.Fatal(err)
	}

	if err := Rotate(home); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	backup, err := os.ReadFile(filepath.Join(home, CollisionBackup))
	if err != nil {
		t.Fatalf("expected backup file: %v", err)
	}
	if string(backup) != old.SecretString() {
		t.Fatalf("backup does not hold the old secret")
	}
	if _, err := os.Stat(filepath.Join(home, PublicFile)); !os.IsNotExist(err) {
		t.Fatalf("expected %s to be removed", PublicFile)
	}

	fresh, created, err := LoadOrCreate(home)
	if err != nil {
		t.Fatal(err)
	}
	if !created || fresh.Public == old.Public {
		t.Fatalf("expected a new key pair after rotation")
	}
}

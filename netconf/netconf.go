// Package netconf reads and writes the per-network files in
// <home>/networks.d. A file's presence means "joined"; its YAML body tunes
// address assignment. An empty file selects the defaults.
package netconf

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/st-keller/vnet/types"
)

// Dir is the directory under home holding the network files.
const Dir = "networks.d"

const suffix = ".conf"

// File is the YAML body of a network file.
type File struct {
	IPv4     string   `yaml:"ipv4,omitempty"`
	SixPlane *bool    `yaml:"sixplane,omitempty"`
	RFC4193  *bool    `yaml:"rfc4193,omitempty"`
	MTU      int      `yaml:"mtu,omitempty"`
	Routes   []string `yaml:"routes,omitempty"`
}

// Network is a validated File.
type Network struct {
	ID       types.NetworkID
	IPv4     netip.Prefix // zero when unassigned
	SixPlane bool
	RFC4193  bool
	MTU      int
	Routes   []netip.Prefix
	Checksum string
}

// Path returns the file path of nwid under home.
func Path(home string, nwid types.NetworkID) string {
	return filepath.Join(home, Dir, nwid.String()+suffix)
}

// Parse validates the body of a network file.
func Parse(nwid types.NetworkID, body []byte, defaultMTU int) (Network, error) {
	var f File
	if err := yaml.Unmarshal(body, &f); err != nil {
		return Network{}, fmt.Errorf("network %s: %w", nwid, err)
	}

	sum := sha256.Sum256(body)
	n := Network{
		ID:       nwid,
		SixPlane: true,
		RFC4193:  true,
		MTU:      defaultMTU,
		Checksum: hex.EncodeToString(sum[:]),
	}
	if f.SixPlane != nil {
		n.SixPlane = *f.SixPlane
	}
	if f.RFC4193 != nil {
		n.RFC4193 = *f.RFC4193
	}
	if f.MTU > 0 {
		if f.MTU < 1280 {
			return Network{}, fmt.Errorf("network %s: mtu %d below 1280", nwid, f.MTU)
		}
		n.MTU = f.MTU
	}
	if f.IPv4 != "" {
		p, err := netip.ParsePrefix(f.IPv4)
		if err != nil {
			return Network{}, fmt.Errorf("network %s: ipv4: %w", nwid, err)
		}
		if !p.Addr().Is4() {
			return Network{}, fmt.Errorf("network %s: ipv4 %s is not IPv4", nwid, p)
		}
		n.IPv4 = p
	}
	for _, r := range f.Routes {
		p, err := netip.ParsePrefix(r)
		if err != nil {
			return Network{}, fmt.Errorf("network %s: route: %w", nwid, err)
		}
		n.Routes = append(n.Routes, p.Masked())
	}
	return n, nil
}

// Load reads the network file of nwid.
func Load(home string, nwid types.NetworkID, defaultMTU int) (Network, error) {
	body, err := os.ReadFile(Path(home, nwid))
	if err != nil {
		return Network{}, err
	}
	return Parse(nwid, body, defaultMTU)
}

// Ensure creates the network file of nwid when it is missing. created
// reports whether a file was written.
func Ensure(home string, nwid types.NetworkID) (created bool, err error) {
	if err := os.MkdirAll(filepath.Join(home, Dir), 0o755); err != nil {
		return false, fmt.Errorf("create %s: %w", Dir, err)
	}
	f, err := os.OpenFile(Path(home, nwid), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if os.IsExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("write network file: %w", err)
	}
	return true, f.Close()
}

// Write replaces the network file of nwid with f.
func Write(home string, nwid types.NetworkID, f File) error {
	if err := os.MkdirAll(filepath.Join(home, Dir), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", Dir, err)
	}
	body, err := yaml.Marshal(f)
	if err != nil {
		return err
	}
	return os.WriteFile(Path(home, nwid), body, 0o644)
}

// Remove deletes the network file of nwid. A missing file is not an error.
func Remove(home string, nwid types.NetworkID) error {
	if err := os.Remove(Path(home, nwid)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// List returns the networks that have a file under home, sorted. Files whose
// name is not the canonical lower-case network id are skipped.
func List(home string) ([]types.NetworkID, error) {
	entries, err := os.ReadDir(filepath.Join(home, Dir))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var out []types.NetworkID
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, suffix) {
			continue
		}
		nwid, err := types.ParseNetworkID(strings.TrimSuffix(name, suffix))
		if err != nil || nwid.String()+suffix != name {
			continue
		}
		out = append(out, nwid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

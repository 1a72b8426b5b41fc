// Package component provides the checksummed status documents the control
// plane serves.
package component

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Component is one status document with a content-based checksum.
// The checksum doubles as the HTTP ETag.
type Component struct {
	ID       string          `json:"id"`
	Checksum string          `json:"checksum"`
	Data     json.RawMessage `json:"data"`
}

// New marshals data and checksums the result.
func New(id string, data interface{}) (Component, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Component{}, err
	}
	hash := sha256.Sum256(raw)

	return Component{
		ID:       id,
		Checksum: hex.EncodeToString(hash[:]),
		Data:     raw,
	}, nil
}

// ETag is the quoted checksum.
func (c Component) ETag() string {
	return `"` + c.Checksum + `"`
}

// Provider produces the data of a component on demand.
type Provider func() interface{}

package vnet

import "errors"

var (
	// ErrNotRunning is returned by operations that need the service online.
	ErrNotRunning = errors.New("vnet: service not running")
	// ErrStopped is returned once Stop was called.
	ErrStopped = errors.New("vnet: node stopped")
	// ErrNotReady wraps a WaitReady or WaitAddress that gave up.
	ErrNotReady = errors.New("vnet: not ready")
	// ErrNotJoined means the network is not joined.
	ErrNotJoined = errors.New("vnet: network not joined")
	// ErrNoAddress means the network has no address of the requested family.
	ErrNoAddress = errors.New("vnet: no address assigned")
	// ErrNoRoute means no joined network reaches the destination.
	ErrNoRoute = errors.New("vnet: no route to destination")
	// ErrUnknownPeer means no joined network knows the device.
	ErrUnknownPeer = errors.New("vnet: unknown peer")
)

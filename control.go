package vnet

import (
	"context"
	"time"

	"github.com/st-keller/vnet/controlplane"
)

// EnableControlPlane serves the node's status and membership API on addr
// and returns the bound address. A running control plane is replaced.
func (n *Node) EnableControlPlane(addr string) (string, error) {
	n.DisableControlPlane()

	srv, err := controlplane.Start(addr, n, n.log.WithField("component", "controlplane"))
	if err != nil {
		return "", err
	}
	n.mu.Lock()
	n.control = srv
	n.mu.Unlock()
	return srv.Addr(), nil
}

// DisableControlPlane stops the control plane if it runs.
func (n *Node) DisableControlPlane() {
	n.mu.Lock()
	srv := n.control
	n.control = nil
	n.mu.Unlock()
	if srv == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Close(ctx); err != nil {
		n.log.WithError(err).Warn("control plane shutdown failed")
	}
}

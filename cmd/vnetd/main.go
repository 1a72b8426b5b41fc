// Command vnetd runs a vnet node and talks to running nodes through their
// control plane.
package main

import "os"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

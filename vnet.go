// Package vnet is a userspace virtual-network SDK.
//
// A Node owns an identity stored in its home directory, a UDP socket that
// carries encrypted frames between nodes, and one userspace TCP/IP stack.
// Joining a network attaches a virtual tap to that stack, announces the node
// in the peer directory and assigns addresses:
//
//  1. 6PLANE and RFC 4193 IPv6 addresses derived from the network and device IDs
//  2. an optional managed IPv4 address from networks.d/<nwid>.conf
//
// Applications use either the descriptor-based socket API (Socket, Connect,
// Read, Write ...) or the Go-native Dial and Listen.
//
// Start runs the service in the background. Ready and WaitReady replace
// polling Running; WaitAddress replaces sleeping until a network is usable.
package vnet

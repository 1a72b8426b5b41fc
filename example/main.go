// Example app embedding a vnet node: start the service, join a network and
// connect a socket to a peer on it.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/st-keller/vnet"
	"github.com/st-keller/vnet/socket"
	"github.com/st-keller/vnet/types"
)

const (
	network  = types.NetworkID(0x8056c2e21c000001)
	peerHost = "fd80:56c2:e21c:0000:0199:9383:4a02:a3f2"
	peerPort = 8080
)

func main() {
	log := logrus.New()
	log.SetLevel(logrus.DebugLevel)

	home := filepath.Join(os.TempDir(), "vnet-example")
	node, err := vnet.New(vnet.Config{Home: home, Logger: log})
	if err != nil {
		log.WithError(err).Fatal("failed to create node")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := node.Start(ctx); err != nil {
		log.WithError(err).Fatal("failed to start node")
	}
	defer node.Stop()

	readyCtx, readyCancel := context.WithTimeout(ctx, 30*time.Second)
	defer readyCancel()
	if err := node.WaitReady(readyCtx); err != nil {
		log.WithError(err).Error("node did not come online")
		return
	}

	if err := node.Join(ctx, network); err != nil {
		log.WithError(err).WithField("nwid", network).Error("join failed")
		return
	}

	fd, err := node.Socket(types.AF_INET6, types.SOCK_STREAM, 0)
	if err != nil {
		log.WithError(err).Error("socket failed")
		return
	}
	defer node.Close(fd)

	if err := node.WaitAddress(readyCtx, network); err != nil {
		log.WithError(err).Error("no address assigned")
		return
	}
	addr, _ := node.IPv6Address(network)
	log.WithField("addr", addr).Info("address assigned")

	err = node.Connect(ctx, fd, peerHost, peerPort)
	switch errno := socket.Errno(err); {
	case err == nil:
		log.WithField("fd", fd).Info("connected")
	case errno == unix.ECONNREFUSED, errno == unix.ETIMEDOUT:
		log.WithError(err).Warn("peer is not answering")
	case errno == unix.EHOSTUNREACH, errno == unix.ENETUNREACH:
		log.WithError(err).Warn("peer is not reachable on this network")
	case errno == unix.ENETDOWN:
		log.WithError(err).Warn("service went offline")
	case errors.Is(err, context.Canceled):
		log.Info("interrupted")
	default:
		log.WithError(err).WithField("errno", int(errno)).Error("connect failed")
	}
}

package vnet

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/st-keller/vnet/component"
	"github.com/st-keller/vnet/controlplane"
	"github.com/st-keller/vnet/directory"
	"github.com/st-keller/vnet/identity"
	"github.com/st-keller/vnet/netconf"
	"github.com/st-keller/vnet/netstack"
	"github.com/st-keller/vnet/registry"
	"github.com/st-keller/vnet/socket"
	"github.com/st-keller/vnet/standard"
	"github.com/st-keller/vnet/update"
)

const (
	maxIdentityRotations = 3
	maxPortAttempts      = 16
)

// Node is the SDK handle: one virtual-network service instance.
type Node struct {
	cfg Config
	log *logrus.Entry
	dir directory.Directory

	// Standard components
	logs         *standard.RecentLogs
	connectivity *standard.ConnectivityTracker
	info         *standard.NodeInfo
	components   *registry.Components

	sockets *socket.Table
	peers   *peerCache
	resolve *resolver

	// System state
	mu        sync.Mutex
	started   bool
	running   bool
	stopped   bool
	cancel    context.CancelFunc
	ready     chan struct{}
	done      chan struct{}
	err       error
	collision chan struct{}
	// retry asks the heartbeat to announce again on the backoff sequence.
	retry chan struct{}

	// Session state, replaced on every identity restart.
	id       *identity.Identity
	conn     *net.UDPConn
	endpoint netip.AddrPort
	stack    *netstack.Stack
	taps     *registry.Taps

	control *controlplane.Server
}

// New creates a node. Nothing touches the disk or network until Start.
func New(cfg Config) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logs := standard.NewRecentLogs(100)

	n := &Node{
		cfg:          cfg,
		log:          nodeLogger(cfg.Logger, logs).WithField("home", cfg.Home),
		dir:          directory.NewThrottled(cfg.Directory, cfg.LookupRate, lookupBurst(cfg.LookupRate)),
		logs:         logs,
		connectivity: standard.NewConnectivityTracker(),
		info:         standard.AutoDetect(Version, cfg.Home),
		components:   registry.NewComponents(),
		peers:        newPeerCache(),
		resolve:      newResolver(),
		ready:        make(chan struct{}),
		done:         make(chan struct{}),
		collision:    make(chan struct{}, 1),
		retry:        make(chan struct{}, 1),
		taps:         registry.NewTaps(),
	}
	n.sockets = socket.NewTable(&stackNetwork{node: n})

	if err := n.registerStandardComponents(); err != nil {
		return nil, fmt.Errorf("failed to register standard components: %w", err)
	}
	return n, nil
}

// nodeLogger derives a logger writing where parent writes, with parent's
// hooks plus the node's own. Hooks added to parent later are not seen.
func nodeLogger(parent *logrus.Logger, own logrus.Hook) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(parent.Out)
	l.SetFormatter(parent.Formatter)
	l.SetLevel(parent.GetLevel())
	l.SetReportCaller(parent.ReportCaller)
	l.ExitFunc = parent.ExitFunc

	hooks := make(logrus.LevelHooks, len(parent.Hooks))
	for level, hs := range parent.Hooks {
		hooks[level] = append([]logrus.Hook(nil), hs...)
	}
	l.ReplaceHooks(hooks)
	l.AddHook(own)
	return l
}

func (n *Node) registerStandardComponents() error {
	providers := map[string]component.Provider{
		controlplane.ComponentStatus:       n.info.GetData,
		controlplane.ComponentLogs:         n.logs.GetData,
		controlplane.ComponentConnectivity: n.connectivity.GetData,
		controlplane.ComponentNetworks:     n.networksData,
		controlplane.ComponentPeers:        n.peersData,
	}
	for id, p := range providers {
		if err := n.components.Register(id, p); err != nil {
			return err
		}
	}
	return nil
}

// ComponentIDs lists the registered status components.
func (n *Node) ComponentIDs() []string {
	return n.components.IDs()
}

// Collect returns the current status component id.
func (n *Node) Collect(id string) (component.Component, error) {
	return n.components.Collect(id)
}

// Logger returns the node's log entry.
func (n *Node) Logger() *logrus.Entry {
	return n.log
}

// Start launches the service in the background and returns immediately.
// Calling it again while started is a no-op. ctx bounds the service
// lifetime.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.stopped {
		return ErrStopped
	}
	if n.started {
		return nil
	}
	n.started = true

	ctx, cancel := context.WithCancel(ctx)
	n.cancel = cancel
	go n.run(ctx)
	return nil
}

// Running reports whether the service is online.
func (n *Node) Running() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.running
}

// Ready is closed the first time the service comes online.
func (n *Node) Ready() <-chan struct{} {
	return n.ready
}

// Done is closed when the service goroutine has exited.
func (n *Node) Done() <-chan struct{} {
	return n.done
}

// Err returns the error that ended the service, if any.
func (n *Node) Err() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.err
}

// WaitReady blocks until the service is online, the service fails, ctx ends
// or ReadyTimeout passes.
func (n *Node) WaitReady(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, n.cfg.ReadyTimeout)
	defer cancel()

	select {
	case <-n.ready:
		return nil
	case <-n.done:
		if err := n.Err(); err != nil {
			return fmt.Errorf("%w: %w", ErrNotReady, err)
		}
		return ErrStopped
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrNotReady, ctx.Err())
	}
}

// Stop shuts the service down and waits for it to exit. Networks stay
// joined on disk and are restored by the next node on the same home.
func (n *Node) Stop() {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return
	}
	n.stopped = true
	started := n.started
	cancel := n.cancel
	n.mu.Unlock()

	n.DisableControlPlane()
	if !started {
		close(n.done)
		return
	}
	cancel()
	<-n.done
}

func (n *Node) run(ctx context.Context) {
	defer close(n.done)

	err := n.serve(ctx)
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	n.mu.Lock()
	n.running = false
	n.err = err
	n.mu.Unlock()
	n.info.SetOffline()

	if err != nil {
		n.log.WithError(err).Error("service stopped")
	} else {
		n.log.Info("service stopped")
	}
}

// serve runs sessions, rotating the identity when another node owns the
// same device ID.
func (n *Node) serve(ctx context.Context) error {
	for rotations := 0; ; rotations++ {
		err := n.session(ctx)
		if !errors.Is(err, directory.ErrIdentityCollision) {
			return err
		}
		if rotations >= maxIdentityRotations {
			return fmt.Errorf("giving up after %d identity rotations: %w", rotations, err)
		}
		n.log.Warn("identity collision, generating a new identity")
		if err := identity.Rotate(n.cfg.Home); err != nil {
			return err
		}
	}
}

// session brings the node online once and runs until ctx ends or an
// identity collision forces a restart.
func (n *Node) session(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Join(n.cfg.Home, netconf.Dir), 0o755); err != nil {
		return fmt.Errorf("create home: %w", err)
	}
	id, created, err := identity.LoadOrCreate(n.cfg.Home)
	if err != nil {
		return err
	}
	log := n.log.WithField("device", id.Device)
	if created {
		log.Info("generated new identity")
	}

	conn, err := n.bindUDP()
	if err != nil {
		return err
	}
	st, err := netstack.New()
	if err != nil {
		conn.Close()
		return err
	}

	n.mu.Lock()
	n.id = id
	n.conn = conn
	n.endpoint = n.advertised(conn)
	n.stack = st
	n.taps = registry.NewTaps()
	n.mu.Unlock()
	n.peers.reset()
	n.resolve.reset()
	select {
	case <-n.collision:
	default:
	}
	defer n.teardown(conn, st)

	if err := n.restoreNetworks(ctx); err != nil {
		return err
	}

	n.mu.Lock()
	n.running = true
	select {
	case <-n.ready:
	default:
		close(n.ready)
	}
	endpoint := n.endpoint
	n.mu.Unlock()
	n.info.SetOnline(id.Device.String(), int(endpoint.Port()))
	log.WithField("endpoint", endpoint).Info("service online")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.receiveLoop(gctx, conn, st) })
	g.Go(func() error { return n.outboundLoop(gctx, st) })
	g.Go(func() error { return n.heartbeat(gctx) })
	g.Go(func() error { return n.keepalive(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		// unblocks receiveLoop.
		conn.Close()
		return nil
	})
	return g.Wait()
}

func (n *Node) teardown(conn *net.UDPConn, st *netstack.Stack) {
	n.mu.Lock()
	n.running = false
	taps := n.taps
	id := n.id
	n.mu.Unlock()

	// best effort; a fresh context since ours is usually done.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, tap := range taps.List() {
		if err := n.dir.Withdraw(ctx, tap.Network, id.Device); err != nil {
			n.log.WithError(err).WithField("nwid", tap.Network).Debug("withdraw failed")
		}
	}
	taps.Disable()

	n.sockets.CloseAll()
	conn.Close()
	st.Close()
}

// bindUDP binds the configured port, or random ports until one is free.
func (n *Node) bindUDP() (*net.UDPConn, error) {
	host := netip.IPv4Unspecified()
	if n.cfg.ListenAddr != "" {
		host = netip.MustParseAddr(n.cfg.ListenAddr)
	}

	if n.cfg.Port != 0 {
		conn, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(netip.AddrPortFrom(host, uint16(n.cfg.Port))))
		if err != nil {
			return nil, fmt.Errorf("bind udp port %d: %w", n.cfg.Port, err)
		}
		return conn, nil
	}

	var lastErr error
	for attempt := 0; attempt < maxPortAttempts; attempt++ {
		port := portBase + rand.Intn(portRange)
		conn, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(netip.AddrPortFrom(host, uint16(port))))
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if !errors.Is(err, unix.EADDRINUSE) {
			break
		}
		n.log.WithField("port", port).Debug("port in use, trying another")
	}
	return nil, fmt.Errorf("bind udp: %w", lastErr)
}

// advertised is the endpoint peers should send frames to.
func (n *Node) advertised(conn *net.UDPConn) netip.AddrPort {
	port := conn.LocalAddr().(*net.UDPAddr).AddrPort().Port()
	if n.cfg.Advertise != "" {
		return netip.AddrPortFrom(netip.MustParseAddr(n.cfg.Advertise), port)
	}
	if n.cfg.ListenAddr != "" {
		if a := netip.MustParseAddr(n.cfg.ListenAddr); !a.IsUnspecified() {
			return netip.AddrPortFrom(a, port)
		}
	}
	return netip.AddrPortFrom(outboundAddr(), port)
}

// outboundAddr guesses the host's primary address. A UDP connect sends
// nothing.
func outboundAddr() netip.Addr {
	c, err := net.Dial("udp", "192.0.2.1:9")
	if err != nil {
		return netip.MustParseAddr("127.0.0.1")
	}
	defer c.Close()
	return c.LocalAddr().(*net.UDPAddr).AddrPort().Addr().Unmap()
}

// restoreNetworks attaches every network that has a .conf file.
func (n *Node) restoreNetworks(ctx context.Context) error {
	ids, err := netconf.List(n.cfg.Home)
	if err != nil {
		return fmt.Errorf("list networks: %w", err)
	}
	for _, nwid := range ids {
		if err := n.attach(ctx, nwid); err != nil {
			if errors.Is(err, directory.ErrIdentityCollision) {
				return err
			}
			n.log.WithError(err).WithField("nwid", nwid).Error("failed to restore network")
		}
	}
	return nil
}

// heartbeat re-announces every joined network. Failures, including those
// reported by attach, retry on the prime backoff sequence.
func (n *Node) heartbeat(ctx context.Context) error {
	interval := n.cfg.AnnounceInterval.Duration()
	timer := time.NewTimer(interval)
	defer timer.Stop()
	var backoff update.Backoff

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-n.collision:
			return directory.ErrIdentityCollision
		case <-n.retry:
			timer.Reset(backoff.Next())
			continue
		case <-timer.C:
		}

		err := n.announceAll(ctx)
		switch {
		case errors.Is(err, directory.ErrIdentityCollision):
			return err
		case err != nil && ctx.Err() == nil:
			wait := backoff.Next()
			n.log.WithError(err).WithField("retry_in", wait.String()).Warn("announce failed, retrying with backoff")
			timer.Reset(wait)
		default:
			backoff.Reset()
			timer.Reset(interval)
		}
	}
}

func (n *Node) announceAll(ctx context.Context) error {
	var firstErr error
	for _, tap := range n.currentTaps().List() {
		if err := n.announce(ctx, tap); err != nil {
			if errors.Is(err, directory.ErrIdentityCollision) {
				return err
			}
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// requestRetry makes the heartbeat announce again soon.
func (n *Node) requestRetry() {
	select {
	case n.retry <- struct{}{}:
	default:
	}
}

// signalCollision asks the running session to restart with a new identity.
func (n *Node) signalCollision() {
	select {
	case n.collision <- struct{}{}:
	default:
	}
}

// current returns the session state and whether the service is online.
func (n *Node) current() (*identity.Identity, *netstack.Stack, *registry.Taps, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.id, n.stack, n.taps, n.running
}

func (n *Node) currentTaps() *registry.Taps {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.taps
}

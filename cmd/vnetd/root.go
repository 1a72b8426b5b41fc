package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/st-keller/vnet"
	"github.com/st-keller/vnet/controlplane"
	"github.com/st-keller/vnet/identity"
	"github.com/st-keller/vnet/socket"
	"github.com/st-keller/vnet/types"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "vnetd",
		Short:        "Userspace virtual network node",
		SilenceUsage: true,
	}
	cmd.AddCommand(
		runCmd(),
		idCmd(),
		softCmd("join-soft", "Record a network to join on next start", (*vnet.Node).JoinSoft),
		softCmd("leave-soft", "Forget a network on next start", (*vnet.Node).LeaveSoft),
		statusCmd(),
		membershipCmd("join", "Join a network on a running node", (*controlplane.Client).Join),
		membershipCmd("leave", "Leave a network on a running node", (*controlplane.Client).Leave),
		connectCmd(),
	)
	return cmd
}

func runCmd() *cobra.Command {
	var (
		configPath string
		flags      fileConfig
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a node until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			fc, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			overrideFromFlags(cmd, &fc, flags)

			log, err := newLogger(fc.LogLevel)
			if err != nil {
				return err
			}
			nwids, err := fc.networkIDs()
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			cfg, cleanup, err := fc.nodeConfig(ctx, log)
			if err != nil {
				return err
			}
			defer cleanup()

			node, err := vnet.New(cfg)
			if err != nil {
				return err
			}
			defer node.Stop()

			if err := node.Start(ctx); err != nil {
				return err
			}
			if err := node.WaitReady(ctx); err != nil {
				return err
			}
			for _, nwid := range nwids {
				if err := node.Join(ctx, nwid); err != nil {
					log.WithError(err).WithField("nwid", nwid).Error("join failed")
				}
			}
			if fc.Control != "" {
				addr, err := node.EnableControlPlane(fc.Control)
				if err != nil {
					return err
				}
				log.WithField("addr", addr).Info("control plane enabled")
			}

			select {
			case <-ctx.Done():
				return nil
			case <-node.Done():
				return node.Err()
			}
		},
	}
	f := cmd.Flags()
	f.StringVar(&configPath, "config", "", "YAML config file")
	f.StringVar(&flags.Home, "home", "", "node home directory")
	f.IntVar(&flags.Port, "port", 0, "UDP port (0 picks one in 9000-9999)")
	f.StringVar(&flags.Listen, "listen", "", "UDP listen address")
	f.StringVar(&flags.Advertise, "advertise", "", "address announced to peers")
	f.StringSliceVar(&flags.Networks, "network", nil, "network id to join (repeatable)")
	f.StringVar(&flags.Control, "control", "", "control plane listen address")
	f.StringVar(&flags.Redis.Addr, "redis", "", "redis address of a shared peer directory")
	f.StringVar(&flags.LogLevel, "log-level", "", "log level")
	return cmd
}

func overrideFromFlags(cmd *cobra.Command, fc *fileConfig, flags fileConfig) {
	f := cmd.Flags()
	if f.Changed("home") {
		fc.Home = flags.Home
	}
	if f.Changed("port") {
		fc.Port = flags.Port
	}
	if f.Changed("listen") {
		fc.Listen = flags.Listen
	}
	if f.Changed("advertise") {
		fc.Advertise = flags.Advertise
	}
	if f.Changed("network") {
		fc.Networks = append(fc.Networks, flags.Networks...)
	}
	if f.Changed("control") {
		fc.Control = flags.Control
	}
	if f.Changed("redis") {
		fc.Redis.Addr = flags.Redis.Addr
	}
	if f.Changed("log-level") {
		fc.LogLevel = flags.LogLevel
	}
}

func idCmd() *cobra.Command {
	var home string
	cmd := &cobra.Command{
		Use:   "id",
		Short: "Print the device id, creating an identity if needed",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := os.MkdirAll(home, 0o755); err != nil {
				return err
			}
			id, created, err := identity.LoadOrCreate(home)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id.Device)
			if created {
				fmt.Fprintln(cmd.ErrOrStderr(), "generated new identity in", home)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&home, "home", "", "node home directory")
	_ = cmd.MarkFlagRequired("home")
	return cmd
}

func softCmd(use, short string, op func(*vnet.Node, types.NetworkID) error) *cobra.Command {
	var home string
	cmd := &cobra.Command{
		Use:   use + " <nwid>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			nwid, err := types.ParseNetworkID(args[0])
			if err != nil {
				return err
			}
			node, err := vnet.New(vnet.Config{Home: home})
			if err != nil {
				return err
			}
			defer node.Stop()
			return op(node, nwid)
		},
	}
	cmd.Flags().StringVar(&home, "home", "", "node home directory")
	_ = cmd.MarkFlagRequired("home")
	return cmd
}

func statusCmd() *cobra.Command {
	var (
		control string
		list    bool
	)
	cmd := &cobra.Command{
		Use:   "status [component]",
		Short: "Print a component of a running node",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := controlplane.ComponentStatus
			if len(args) == 1 {
				id = args[0]
			}
			c, err := controlplane.NewClient(control)
			if err != nil {
				return err
			}
			if list {
				ids, err := c.Components(cmd.Context())
				if err != nil {
					return err
				}
				for _, id := range ids {
					fmt.Fprintln(cmd.OutOrStdout(), id)
				}
				return nil
			}
			comp, err := c.Component(cmd.Context(), id, "")
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(comp, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
	cmd.Flags().StringVar(&control, "control", "127.0.0.1:9993", "control plane address")
	cmd.Flags().BoolVar(&list, "list", false, "list the component ids instead")
	return cmd
}

func membershipCmd(use, short string, op func(*controlplane.Client, context.Context, types.NetworkID) error) *cobra.Command {
	var control string
	cmd := &cobra.Command{
		Use:   use + " <nwid>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			nwid, err := types.ParseNetworkID(args[0])
			if err != nil {
				return err
			}
			c, err := controlplane.NewClient(control)
			if err != nil {
				return err
			}
			return op(c, cmd.Context(), nwid)
		},
	}
	cmd.Flags().StringVar(&control, "control", "127.0.0.1:9993", "control plane address")
	return cmd
}

// connectCmd starts a node, joins a network and connects a stream socket to
// a peer, reporting the outcome the way an app embedding the node would.
func connectCmd() *cobra.Command {
	var (
		home    string
		network string
		host    string
		port    int
		redis   string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Join a network and connect to a peer",
		RunE: func(cmd *cobra.Command, _ []string) error {
			nwid, err := types.ParseNetworkID(network)
			if err != nil {
				return err
			}
			log, err := newLogger("")
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			fc := fileConfig{Home: home, Redis: redisConfig{Addr: redis}}
			cfg, cleanup, err := fc.nodeConfig(ctx, log)
			if err != nil {
				return err
			}
			defer cleanup()

			node, err := vnet.New(cfg)
			if err != nil {
				return err
			}
			defer node.Stop()

			if err := node.Start(ctx); err != nil {
				return err
			}
			if err := node.WaitReady(ctx); err != nil {
				return err
			}
			if err := node.Join(ctx, nwid); err != nil {
				return err
			}

			addr, err := netip.ParseAddr(host)
			if err != nil {
				return fmt.Errorf("host must be an IP address: %w", err)
			}
			fd, err := node.Socket(types.FamilyOf(addr), types.SOCK_STREAM, 0)
			if err != nil {
				return err
			}
			defer node.Close(fd)

			if err := node.WaitAddress(ctx, nwid); err != nil {
				return err
			}
			err = node.Connect(ctx, fd, host, port)
			if err != nil {
				var opErr *socket.OpError
				if errors.As(err, &opErr) {
					return fmt.Errorf("connect %s:%d failed (errno %d): %w", host, port, int(socket.Errno(err)), err)
				}
				return err
			}
			local, _ := node.GetSockName(fd)
			fmt.Fprintf(cmd.OutOrStdout(), "connected fd=%d %s -> %s:%d\n", fd, local, host, port)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&home, "home", "", "node home directory")
	f.StringVar(&network, "network", "", "network id")
	f.StringVar(&host, "host", "", "peer IP address")
	f.IntVar(&port, "port", 0, "peer port")
	f.StringVar(&redis, "redis", "", "redis address of a shared peer directory")
	f.DurationVar(&timeout, "timeout", time.Minute, "overall timeout")
	for _, name := range []string{"home", "network", "host", "port"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"

	"github.com/st-keller/vnet/directory"
	"github.com/st-keller/vnet/identity"
	"github.com/st-keller/vnet/netconf"
	"github.com/st-keller/vnet/types"
	"github.com/st-keller/vnet/update"
)

const sampleConfig = `
home: /var/lib/vnet
port: 9993
listen: 0.0.0.0
networks:
  - 8056c2e21c000001
control: 127.0.0.1:9994
ready_timeout: 45s
announce_interval: medium
log_level: debug
redis:
  addr: redis:6379
  db: 2
  prefix: lab
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vnetd.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	fc, err := loadConfig(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatal(err)
	}
	want := fileConfig{
		Home:             "/var/lib/vnet",
		Port:             9993,
		Listen:           "0.0.0.0",
		Networks:         []string{"8056c2e21c000001"},
		Control:          "127.0.0.1:9994",
		ReadyTimeout:     "45s",
		AnnounceInterval: "medium",
		LogLevel:         "debug",
		Redis:            redisConfig{Addr: "redis:6379", DB: 2, Prefix: "lab"},
	}
	if diff := cmp.Diff(want, fc); diff != "" {
		t.Fatalf("config mismatch (-want +got):\n%s", diff)
	}

	nwids, err := fc.networkIDs()
	if err != nil {
		t.Fatal(err)
	}
	if len(nwids) != 1 || nwids[0] != types.NetworkID(0x8056c2e21c000001) {
		t.Fatalf("unexpected networks %v", nwids)
	}

	if _, err := loadConfig(writeConfig(t, "port: [1")); err == nil {
		t.Fatalf("expected a parse error")
	}
	if fc, err := loadConfig(""); err != nil || fc.Home != "" {
		t.Fatalf("expected empty config without a path, got %+v, %v", fc, err)
	}
}

func TestFlagsOverrideFile(t *testing.T) {
	cmd := runCmd()
	if err := cmd.ParseFlags([]string{"--home", "/tmp/node", "--network", "8056c2e21c000002", "--redis", "10.0.0.1:6379"}); err != nil {
		t.Fatal(err)
	}
	home, _ := cmd.Flags().GetString("home")
	networks, _ := cmd.Flags().GetStringSlice("network")
	redisAddr, _ := cmd.Flags().GetString("redis")

	fc, err := loadConfig(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatal(err)
	}
	overrideFromFlags(cmd, &fc, fileConfig{Home: home, Networks: networks, Redis: redisConfig{Addr: redisAddr}})

	if fc.Home != "/tmp/node" || fc.Redis.Addr != "10.0.0.1:6379" {
		t.Fatalf("flags did not override: %+v", fc)
	}
	if fc.Port != 9993 {
		t.Fatalf("unset flag overrode the file: port %d", fc.Port)
	}
	if diff := cmp.Diff([]string{"8056c2e21c000001", "8056c2e21c000002"}, fc.Networks); diff != "" {
		t.Fatalf("networks mismatch (-want +got):\n%s", diff)
	}
}

func TestNodeConfig(t *testing.T) {
	log := logrus.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fc := fileConfig{Home: t.TempDir(), ReadyTimeout: "5s", AnnounceInterval: "fast"}
	cfg, cleanup, err := fc.nodeConfig(ctx, log)
	if err != nil {
		t.Fatal(err)
	}
	defer cleanup()
	if _, ok := cfg.Directory.(*directory.Memory); !ok {
		t.Fatalf("expected an in-memory directory, got %T", cfg.Directory)
	}
	if cfg.ReadyTimeout != 5*time.Second || cfg.AnnounceInterval != update.Fast {
		t.Fatalf("unexpected config %+v", cfg)
	}

	for _, bad := range []fileConfig{
		{Home: "x", ReadyTimeout: "soon"},
		{Home: "x", AnnounceInterval: "hourly"},
	} {
		if _, _, err := bad.nodeConfig(ctx, log); err == nil {
			t.Errorf("expected error for %+v", bad)
		}
	}
}

func TestOfflineCommands(t *testing.T) {
	home := t.TempDir()

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"id", "--home", home})
	if err := root.Execute(); err != nil {
		t.Fatal(err)
	}
	dev, err := identity.ReadDeviceID(home)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out.String(), dev.String()) {
		t.Fatalf("expected device id %s, got %q", dev, out.String())
	}

	nwid := "8056c2e21c000001"
	root = newRootCmd()
	root.SetArgs([]string{"join-soft", "--home", home, nwid})
	if err := root.Execute(); err != nil {
		t.Fatal(err)
	}
	ids, err := netconf.List(home)
	if err != nil || len(ids) != 1 || ids[0].String() != nwid {
		t.Fatalf("expected %s recorded, got %v, %v", nwid, ids, err)
	}

	root = newRootCmd()
	root.SetArgs([]string{"leave-soft", "--home", home, nwid})
	if err := root.Execute(); err != nil {
		t.Fatal(err)
	}
	if ids, _ := netconf.List(home); len(ids) != 0 {
		t.Fatalf("expected no networks, got %v", ids)
	}

	root = newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"join-soft", "--home", home, "nothex"})
	if err := root.Execute(); err == nil {
		t.Fatalf("expected a bad network id to fail")
	}
}

package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/st-keller/vnet"
	"github.com/st-keller/vnet/directory"
	"github.com/st-keller/vnet/types"
	"github.com/st-keller/vnet/update"
)

// fileConfig is the YAML form of the daemon settings. Flags override it.
type fileConfig struct {
	Home             string      `yaml:"home"`
	Port             int         `yaml:"port"`
	Listen           string      `yaml:"listen"`
	Advertise        string      `yaml:"advertise"`
	MTU              int         `yaml:"mtu"`
	Networks         []string    `yaml:"networks"`
	Control          string      `yaml:"control"`
	ReadyTimeout     string      `yaml:"ready_timeout"`
	AnnounceInterval string      `yaml:"announce_interval"`
	LogLevel         string      `yaml:"log_level"`
	Redis            redisConfig `yaml:"redis"`
}

type redisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

func loadConfig(path string) (fileConfig, error) {
	var fc fileConfig
	if path == "" {
		return fc, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return fc, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(b, &fc); err != nil {
		return fc, fmt.Errorf("parse config %s: %w", path, err)
	}
	return fc, nil
}

func parseInterval(s string) (update.Interval, error) {
	switch strings.ToLower(s) {
	case "":
		return 0, nil
	case "fast":
		return update.Fast, nil
	case "medium":
		return update.Medium, nil
	case "slow":
		return update.Slow, nil
	}
	return 0, fmt.Errorf("announce_interval %q: want fast, medium or slow", s)
}

func (fc fileConfig) networkIDs() ([]types.NetworkID, error) {
	out := make([]types.NetworkID, 0, len(fc.Networks))
	for _, s := range fc.Networks {
		nwid, err := types.ParseNetworkID(s)
		if err != nil {
			return nil, err
		}
		out = append(out, nwid)
	}
	return out, nil
}

// nodeConfig builds the node config. The returned cleanup closes the redis
// client when one was configured.
func (fc fileConfig) nodeConfig(ctx context.Context, log *logrus.Logger) (vnet.Config, func(), error) {
	cfg := vnet.Config{
		Home:       fc.Home,
		Port:       fc.Port,
		ListenAddr: fc.Listen,
		Advertise:  fc.Advertise,
		MTU:        fc.MTU,
		Logger:     log,
	}
	if fc.ReadyTimeout != "" {
		d, err := time.ParseDuration(fc.ReadyTimeout)
		if err != nil {
			return cfg, nil, fmt.Errorf("ready_timeout: %w", err)
		}
		cfg.ReadyTimeout = d
	}
	interval, err := parseInterval(fc.AnnounceInterval)
	if err != nil {
		return cfg, nil, err
	}
	cfg.AnnounceInterval = interval

	if fc.Redis.Addr == "" {
		mem := directory.NewMemory()
		mem.StartJanitor(ctx, time.Minute)
		cfg.Directory = mem
		return cfg, func() {}, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     fc.Redis.Addr,
		Password: fc.Redis.Password,
		DB:       fc.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	_, err = rdb.Ping(pingCtx).Result()
	cancel()
	if err != nil {
		_ = rdb.Close()
		return cfg, nil, fmt.Errorf("redis ping %s: %w", fc.Redis.Addr, err)
	}
	var opts []directory.RedisOption
	if fc.Redis.Prefix != "" {
		opts = append(opts, directory.WithRedisPrefix(fc.Redis.Prefix))
	}
	cfg.Directory = directory.NewRedis(rdb, opts...)
	return cfg, func() { _ = rdb.Close() }, nil
}

func newLogger(level string) (*logrus.Logger, error) {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if level == "" {
		return log, nil
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	log.SetLevel(lvl)
	return log, nil
}

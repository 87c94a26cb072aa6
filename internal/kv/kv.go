// Package kv owns the Redis connection shared by history, moderation, and
// rate limiting.
package kv

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config describes how to reach Redis. URL wins over the discrete fields.
type Config struct {
	URL      string
	Host     string
	Port     int
	DB       int
	Password string
	SSL      bool
}

const (
	dialTimeout = 5 * time.Second
	ioTimeout   = 5 * time.Second
)

// Options converts cfg into go-redis client options.
func Options(cfg Config) (*redis.Options, error) {
	url := cfg.URL
	if url == "" {
		scheme := "redis"
		if cfg.SSL {
			scheme = "rediss"
		}
		url = fmt.Sprintf("%s://%s/%d", scheme, hostPort(cfg), cfg.DB)
	}

	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("kv: parse redis url: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if opts.TLSConfig != nil {
		// Managed Redis endpoints commonly present certificates for an
		// internal hostname.
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: true} //nolint:gosec
	}
	opts.DialTimeout = dialTimeout
	opts.ReadTimeout = ioTimeout
	opts.WriteTimeout = ioTimeout
	return opts, nil
}

func hostPort(cfg Config) string {
	host := cfg.Host
	if host == "" {
		host = "localhost"
	}
	port := cfg.Port
	if port == 0 {
		port = 6379
	}
	return host + ":" + strconv.Itoa(port)
}

// New creates a client and verifies connectivity.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*redis.Client, error) {
	opts, err := Options(cfg)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("kv: ping %s: %w", opts.Addr, err)
	}
	logger.Info("kv: connected", "addr", opts.Addr, "db", opts.DB, "tls", opts.TLSConfig != nil)
	return client, nil
}

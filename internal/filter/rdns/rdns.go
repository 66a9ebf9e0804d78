// Package rdns resolves the address a message arrived from to a host name.
//
// Results, including misses, are cached with separate TTLs in a bounded
// LRU. Concurrent lookups of the same address share one DNS query.
package rdns

import (
	"context"
	"log/slog"
	"net"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/sync/singleflight"

	"github.com/kerk1/ThreatHunting-graylog/internal/filter"
	"github.com/kerk1/ThreatHunting-graylog/internal/logging"
	"github.com/kerk1/ThreatHunting-graylog/internal/message"
)

// Priority places the filter after level and before geoip.
const Priority = 25

// FieldRemoteHostname holds the resolved name of the sender address.
const FieldRemoteHostname = "gl2_remote_hostname"

// Resolver is the subset of *net.Resolver the filter uses.
type Resolver interface {
	LookupAddr(ctx context.Context, addr string) ([]string, error)
}

// Config configures the filter.
type Config struct {
	Timeout     time.Duration // per lookup, default 2s
	PositiveTTL time.Duration // default 5m
	NegativeTTL time.Duration // default 1m
	CacheSize   int           // default 10000

	// OverrideHost replaces the host field with the resolved name.
	OverrideHost bool

	Resolver Resolver
	Now      func() time.Time
	Logger   *slog.Logger
}

type cacheEntry struct {
	hostname string
	expires  time.Time
}

// Filter is the reverse DNS filter. Safe for concurrent use.
type Filter struct {
	cfg    Config
	cache  *lru.Cache
	group  singleflight.Group
	logger *slog.Logger
}

var _ filter.Filter = (*Filter)(nil)

// New creates a reverse DNS filter.
func New(cfg Config) (*Filter, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.PositiveTTL <= 0 {
		cfg.PositiveTTL = 5 * time.Minute
	}
	if cfg.NegativeTTL <= 0 {
		cfg.NegativeTTL = time.Minute
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 10_000
	}
	if cfg.Resolver == nil {
		cfg.Resolver = net.DefaultResolver
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	cache, err := lru.New(cfg.CacheSize)
	if err != nil {
		return nil, err
	}
	return &Filter{
		cfg:    cfg,
		cache:  cache,
		logger: logging.Default(cfg.Logger).With("component", "filter", "filter", "rdns"),
	}, nil
}

func (f *Filter) Name() string  { return "rdns" }
func (f *Filter) Priority() int { return Priority }

// Filter never discards. Messages whose source is not an IP address pass
// unchanged.
func (f *Filter) Filter(ctx context.Context, msg *message.Message) (filter.Verdict, error) {
	ip := senderIP(msg.Source)
	if ip == "" {
		return filter.Pass, nil
	}
	name := f.Lookup(ctx, ip)
	if name == "" {
		return filter.Pass, nil
	}
	msg.Set(FieldRemoteHostname, name)
	if f.cfg.OverrideHost {
		msg.Set(message.FieldHost, name)
	}
	return filter.Pass, nil
}

// Lookup returns the host name of ip, or "" when it has none.
func (f *Filter) Lookup(ctx context.Context, ip string) string {
	if name, ok := f.cached(ip); ok {
		return name
	}

	v, _, _ := f.group.Do(ip, func() (any, error) {
		if name, ok := f.cached(ip); ok {
			return name, nil
		}
		lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.cfg.Timeout)
		defer cancel()
		names, err := f.cfg.Resolver.LookupAddr(lookupCtx, ip)

		var hostname string
		if err == nil && len(names) > 0 {
			hostname = strings.TrimSuffix(names[0], ".")
		} else if err != nil {
			f.logger.Debug("reverse lookup failed", "ip", ip, "error", err)
		}
		ttl := f.cfg.NegativeTTL
		if hostname != "" {
			ttl = f.cfg.PositiveTTL
		}
		f.cache.Add(ip, cacheEntry{hostname: hostname, expires: f.cfg.Now().Add(ttl)})
		return hostname, nil
	})
	return v.(string)
}

func (f *Filter) cached(ip string) (string, bool) {
	v, ok := f.cache.Get(ip)
	if !ok {
		return "", false
	}
	c := v.(cacheEntry)
	if !f.cfg.Now().Before(c.expires) {
		return "", false
	}
	return c.hostname, true
}

// senderIP extracts the IP address from "ip" or "ip:port".
func senderIP(source string) string {
	if source == "" {
		return ""
	}
	host := source
	if h, _, err := net.SplitHostPort(source); err == nil {
		host = h
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.String()
	}
	return ""
}

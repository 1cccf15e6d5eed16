// Package config loads this library's tuning knobs: the DNS
// resolver's cache sizing, TTL floors, lookup timeout, and IP
// resolution strategy, plus the SPF lookup quotas that package spf
// enforces.
package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/oonrumail/mailauth/resolver"
)

// Config holds this module's runtime configuration.
type Config struct {
	Resolver ResolverConfig `yaml:"resolver"`
	SPF      SPFConfig      `yaml:"spf"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ResolverConfig mirrors resolver.Config's fields for YAML loading;
// durations are plain strings on the wire (parsed via
// time.ParseDuration) the way the teacher's *Config fields are.
type ResolverConfig struct {
	CacheSize     int    `yaml:"cache_size"`
	SuccessTTL    string `yaml:"success_ttl"`
	NegativeTTL   string `yaml:"negative_ttl"`
	LookupTimeout string `yaml:"lookup_timeout"`
	IPStrategy    string `yaml:"ip_strategy"`
}

// SPFConfig holds the RFC 7208 §4.6.4 quotas as configuration rather
// than compile-time constants, so a deployment can tighten them
// further (never loosen past the RFC's own ceiling).
type SPFConfig struct {
	MaxDNSLookups  int `yaml:"max_dns_lookups"`
	MaxVoidLookups int `yaml:"max_void_lookups"`
}

// LoggingConfig holds zap's sink settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads YAML configuration from path, falling back to
// DefaultConfig for anything a missing or partial file doesn't set.
// Environment variables take precedence over both.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, err
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}

	cfg.loadFromEnv()
	return cfg, nil
}

// DefaultConfig mirrors resolver.DefaultConfig()'s values plus RFC
// 7208's default quotas.
func DefaultConfig() *Config {
	return &Config{
		Resolver: ResolverConfig{
			CacheSize:     4096,
			SuccessTTL:    "1h",
			NegativeTTL:   "5m",
			LookupTimeout: "10s",
			IPStrategy:    "ipv4_then_ipv6",
		},
		SPF: SPFConfig{
			MaxDNSLookups:  10,
			MaxVoidLookups: 2,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

func (c *Config) loadFromEnv() {
	if v := os.Getenv("MAILAUTH_RESOLVER_CACHE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Resolver.CacheSize = n
		}
	}
	if v := os.Getenv("MAILAUTH_RESOLVER_SUCCESS_TTL"); v != "" {
		c.Resolver.SuccessTTL = v
	}
	if v := os.Getenv("MAILAUTH_RESOLVER_NEGATIVE_TTL"); v != "" {
		c.Resolver.NegativeTTL = v
	}
	if v := os.Getenv("MAILAUTH_SPF_MAX_DNS_LOOKUPS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.SPF.MaxDNSLookups = n
		}
	}
	if v := os.Getenv("MAILAUTH_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// ResolverConfig converts the YAML-facing ResolverConfig into a
// resolver.Config, defaulting unparsable durations to
// resolver.DefaultConfig()'s values.
func (c *Config) ResolverConfig() resolver.Config {
	def := resolver.DefaultConfig()
	cfg := resolver.Config{
		CacheSize:     c.Resolver.CacheSize,
		SuccessTTL:    parseDurationOr(c.Resolver.SuccessTTL, def.SuccessTTL),
		NegativeTTL:   parseDurationOr(c.Resolver.NegativeTTL, def.NegativeTTL),
		LookupTimeout: parseDurationOr(c.Resolver.LookupTimeout, def.LookupTimeout),
		IPStrategy:    parseIPStrategy(c.Resolver.IPStrategy),
	}
	return cfg
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

func parseIPStrategy(s string) resolver.IPStrategy {
	switch s {
	case "ipv6_then_ipv4":
		return resolver.IPv6ThenIPv4
	case "ipv4_only":
		return resolver.IPv4Only
	case "ipv6_only":
		return resolver.IPv6Only
	default:
		return resolver.IPv4ThenIPv6
	}
}

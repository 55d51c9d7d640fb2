// Package config implements the dotted-key configuration loader: an
// immutable snapshot struct swapped under a lock, validated before swap,
// sourced defaults -> YAML file -> dotted environment variables
// ("ircd.net.dns.resolver.timeout" -> "IRCD_NET_DNS_RESOLVER_TIMEOUT").
package config

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config is the full set of tunables the constructd binary and the
// packages it wires together read from. Any field may be overridden by an
// environment variable named after its dotted key with '.' replaced by '_'
// and upper-cased.
type Config struct {
	Listen  string `yaml:"listen"`
	DataDir string `yaml:"data_dir"`

	ServerName string `yaml:"matrix.server_name"`
	SigningKey string `yaml:"matrix.signing_key_path"`

	DNSResolverTimeout  time.Duration `yaml:"ircd.net.dns.resolver.timeout"`
	DNSResolverRetryMax int           `yaml:"ircd.net.dns.resolver.retry_max"`
	DNSUpstreams        []string      `yaml:"ircd.net.dns.resolver.upstreams"`

	FederationConnectTimeout time.Duration `yaml:"ircd.net.federation.connect_timeout"`
	FederationRequestTimeout time.Duration `yaml:"ircd.net.federation.request_timeout"`

	ResourceRequestTimeout time.Duration `yaml:"ircd.resource.request_timeout"`
	ResourcePayloadMax     int64         `yaml:"ircd.resource.payload_max"`

	LogFilespec string `yaml:"ircd.log.filespec"`
}

// Default returns the stock defaults: 10s DNS timeout, 4 retries, 30s
// federation connect/handshake, 60s federation request total, 30s inbound
// request timeout, 128 KiB payload cap.
func Default() Config {
	return Config{
		Listen:                   ":8448",
		DataDir:                  "./data",
		ServerName:               "localhost",
		DNSResolverTimeout:       10 * time.Second,
		DNSResolverRetryMax:      4,
		DNSUpstreams:             []string{"127.0.0.1:53"},
		FederationConnectTimeout: 30 * time.Second,
		FederationRequestTimeout: 60 * time.Second,
		ResourceRequestTimeout:   30 * time.Second,
		ResourcePayloadMax:       128 << 10,
	}
}

// envKey converts a dotted yaml tag to its environment variable name, e.g.
// "ircd.net.dns.resolver.timeout" -> "IRCD_NET_DNS_RESOLVER_TIMEOUT".
func envKey(dotted string) string {
	return strings.ToUpper(strings.ReplaceAll(dotted, ".", "_"))
}

// Load builds a Config from defaults, optionally overlaid by a YAML file at
// path (skipped if path is empty or the file does not exist), then by
// environment variables named per envKey. Validation runs before the value
// is returned.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, errors.Wrapf(err, "config: read %s", path)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, errors.Wrapf(err, "config: parse %s", path)
		}
	}

	applyEnvOverrides(&cfg)

	if err := validate(cfg); err != nil {
		return Config{}, errors.Wrap(err, "config: invalid configuration")
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v, ok := os.LookupEnv(envKey("listen")); ok {
		cfg.Listen = v
	}
	if v, ok := os.LookupEnv(envKey("data_dir")); ok {
		cfg.DataDir = v
	}
	if v, ok := os.LookupEnv(envKey("matrix.server_name")); ok {
		cfg.ServerName = v
	}
	if v, ok := os.LookupEnv(envKey("matrix.signing_key_path")); ok {
		cfg.SigningKey = v
	}
	if v, ok := os.LookupEnv(envKey("ircd.net.dns.resolver.timeout")); ok {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.DNSResolverTimeout = d
		}
	}
	if v, ok := os.LookupEnv(envKey("ircd.net.dns.resolver.retry_max")); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.DNSResolverRetryMax = n
		}
	}
	if v, ok := os.LookupEnv(envKey("ircd.net.dns.resolver.upstreams")); ok {
		cfg.DNSUpstreams = strings.Split(v, ",")
	}
	if v, ok := os.LookupEnv(envKey("ircd.net.federation.connect_timeout")); ok {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.FederationConnectTimeout = d
		}
	}
	if v, ok := os.LookupEnv(envKey("ircd.net.federation.request_timeout")); ok {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.FederationRequestTimeout = d
		}
	}
	if v, ok := os.LookupEnv(envKey("ircd.resource.request_timeout")); ok {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.ResourceRequestTimeout = d
		}
	}
	if v, ok := os.LookupEnv(envKey("ircd.resource.payload_max")); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.ResourcePayloadMax = n
		}
	}
	if v, ok := os.LookupEnv(envKey("ircd.log.filespec")); ok {
		cfg.LogFilespec = v
	}
}

func validate(cfg Config) error {
	if cfg.ServerName == "" {
		return errors.New("matrix.server_name is required")
	}
	if cfg.Listen == "" {
		return errors.New("listen is required")
	}
	if cfg.DNSResolverRetryMax < 1 {
		return errors.New("ircd.net.dns.resolver.retry_max must be >= 1")
	}
	return nil
}

// Store holds the active Config behind a lock so concurrent readers never
// observe a partially-updated snapshot.
type Store struct {
	mu  sync.RWMutex
	cfg Config
}

// NewStore creates a Store holding the given initial configuration.
func NewStore(cfg Config) *Store {
	return &Store{cfg: cfg}
}

// Get returns the currently active configuration snapshot. The returned
// value is a copy and safe to read without further synchronization.
func (s *Store) Get() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Swap replaces the active configuration after validating it.
func (s *Store) Swap(cfg Config) error {
	if err := validate(cfg); err != nil {
		return errors.Wrap(err, "config: invalid configuration")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	return nil
}

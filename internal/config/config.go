package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"zenoh/internal/logging"
	"zenoh/pkg/session"
	"zenoh/pkg/wire"
)

type Config struct {
	Node      NodeConfig      `toml:"node"`
	Session   SessionConfig   `toml:"session"`
	Transport TransportConfig `toml:"transport"`
	Logging   LoggingConfig   `toml:"log"`
	Metrics   MetricsConfig   `toml:"metrics"`
}

type NodeConfig struct {
	Name    string `toml:"name"`
	Mode    string `toml:"mode"` // router, peer or client
	DataDir string `toml:"data_dir"`
}

type SessionConfig struct {
	ResolutionBits    int      `toml:"resolution_bits"`
	MinResolutionBits int      `toml:"min_resolution_bits"`
	BatchSize         int      `toml:"batch_size"`
	Lease             Duration `toml:"lease"`
	KeepAliveFactor   int      `toml:"keep_alive_factor"`
	OpenTimeout       Duration `toml:"open_timeout"`
	QoS               bool     `toml:"qos"`
	Compression       bool     `toml:"compression"`
	LowLatency        bool     `toml:"low_latency"`
	// Auth is a shared token. When set, peers must present the same one.
	Auth string `toml:"auth"`
}

type TransportConfig struct {
	Listen       []string `toml:"listen"`  // endpoints such as tcp/0.0.0.0:7447
	Connect      []string `toml:"connect"` // endpoints dialed with backoff
	MaxSessions  int      `toml:"max_sessions"`
	AcceptRate   float64  `toml:"accept_rate"` // new links per second per host, 0 = unlimited
	Noise        bool     `toml:"noise"`
	WriteTimeout Duration `toml:"write_timeout"`
}

type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // text, json or auto
}

type MetricsConfig struct {
	Listen string `toml:"listen"` // empty disables the endpoint
}

// Duration is a time.Duration written as a string ("10s", "250ms").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Defaults returns a Config with sane defaults.
func Defaults() *Config {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "zenoh"
	}
	return &Config{
		Node: NodeConfig{
			Name:    hostname,
			Mode:    "peer",
			DataDir: "~/.zenoh",
		},
		Session: SessionConfig{
			ResolutionBits:    32,
			MinResolutionBits: 8,
			BatchSize:         int(wire.DefaultBatchSize),
			Lease:             Duration{10 * time.Second},
			KeepAliveFactor:   3,
			OpenTimeout:       Duration{10 * time.Second},
			QoS:               true,
		},
		Transport: TransportConfig{
			MaxSessions:  64,
			AcceptRate:   10,
			WriteTimeout: Duration{5 * time.Second},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "auto",
		},
	}
}

// Load reads a TOML config file and returns the parsed Config.
// If path is empty, ~/.zenoh/config.toml is tried and defaults are
// returned when it does not exist.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path == "" {
		path = expandHome("~/.zenoh/config.toml")
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return cfg, nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	md, err := toml.Decode(string(data), cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("parsing config: unknown key %q", undecoded[0].String())
	}

	return cfg, nil
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(field string, err error) {
		errs = append(errs, fmt.Errorf("%s: %w", field, err))
	}

	if _, err := wire.ParseWhatAmI(c.Node.Mode); err != nil {
		add("node.mode", err)
	}

	s := c.Session
	res, err := wire.BitsFor(s.ResolutionBits)
	if err != nil {
		add("session.resolution_bits", err)
	}
	minRes, err := wire.BitsFor(s.MinResolutionBits)
	if err != nil {
		add("session.min_resolution_bits", err)
	} else if minRes.Width() > res.Width() {
		add("session.min_resolution_bits", fmt.Errorf("%d wider than resolution_bits %d", s.MinResolutionBits, s.ResolutionBits))
	}
	if s.BatchSize < 64 || s.BatchSize > int(wire.DefaultBatchSize) {
		add("session.batch_size", fmt.Errorf("must be in [64, %d], got %d", wire.DefaultBatchSize, s.BatchSize))
	}
	if s.Lease.Duration <= 0 {
		add("session.lease", fmt.Errorf("must be positive, got %v", s.Lease))
	}
	if s.KeepAliveFactor < 1 {
		add("session.keep_alive_factor", fmt.Errorf("must be at least 1, got %d", s.KeepAliveFactor))
	}
	if s.OpenTimeout.Duration <= 0 {
		add("session.open_timeout", fmt.Errorf("must be positive, got %v", s.OpenTimeout))
	}

	for i, ep := range c.Transport.Listen {
		if err := validateEndpoint(ep, validateListenAddr); err != nil {
			add(fmt.Sprintf("transport.listen[%d]", i), err)
		}
	}
	for i, ep := range c.Transport.Connect {
		if err := validateEndpoint(ep, validatePeerAddr); err != nil {
			add(fmt.Sprintf("transport.connect[%d]", i), err)
		}
	}
	if c.Transport.MaxSessions < 1 {
		add("transport.max_sessions", fmt.Errorf("must be at least 1, got %d", c.Transport.MaxSessions))
	}
	if c.Transport.AcceptRate < 0 {
		add("transport.accept_rate", fmt.Errorf("must not be negative, got %v", c.Transport.AcceptRate))
	}
	if c.Transport.WriteTimeout.Duration < 0 {
		add("transport.write_timeout", fmt.Errorf("must not be negative, got %v", c.Transport.WriteTimeout))
	}

	if err := validateLogLevel(c.Logging.Level); err != nil {
		add("log.level", err)
	}
	switch strings.ToLower(strings.TrimSpace(c.Logging.Format)) {
	case "", "auto", "text", "json":
	default:
		add("log.format", fmt.Errorf("unknown format %q", c.Logging.Format))
	}

	if c.Metrics.Listen != "" {
		if err := validateListenAddr(c.Metrics.Listen); err != nil {
			add("metrics.listen", err)
		}
	}

	return errors.Join(errs...)
}

// SessionConfig maps the [node] and [session] sections onto the session
// negotiation parameters. Call Validate first.
func (c *Config) SessionConfig(zid wire.ZenohID) session.Config {
	sc := session.DefaultConfig()
	sc.ZID = zid
	sc.WhatAmI, _ = wire.ParseWhatAmI(c.Node.Mode)

	s := c.Session
	sn, _ := wire.BitsFor(s.ResolutionBits)
	sc.Resolution = wire.NewResolution(sn, wire.DefaultResolution.RequestID())
	sc.MinSNBits, _ = wire.BitsFor(s.MinResolutionBits)
	sc.BatchSize = uint16(s.BatchSize)
	sc.Lease = s.Lease.Duration
	sc.KeepAliveFactor = s.KeepAliveFactor
	sc.OpenTimeout = s.OpenTimeout.Duration
	sc.QoS = s.QoS
	sc.Compression = s.Compression
	sc.LowLatency = s.LowLatency
	if s.Auth != "" {
		sc.Auth = []byte(s.Auth)
	}
	return sc
}

// validateEndpoint checks a proto/host:port endpoint.
func validateEndpoint(ep string, addr func(string) error) error {
	proto, hostport, ok := strings.Cut(strings.TrimSpace(ep), "/")
	if !ok {
		return fmt.Errorf("endpoint %q: want proto/host:port", ep)
	}
	switch proto {
	case "tcp", "ws":
	default:
		return fmt.Errorf("endpoint %q: unsupported protocol %q", ep, proto)
	}
	return addr(hostport)
}

func validateListenAddr(addr string) error {
	host, port, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return err
	}
	if host == "" || port == "" {
		return fmt.Errorf("address %q: host and port required", addr)
	}
	return nil
}

// validatePeerAddr is validateListenAddr minus unspecified addresses,
// which cannot be dialed.
func validatePeerAddr(addr string) error {
	if err := validateListenAddr(addr); err != nil {
		return err
	}
	host, _, _ := net.SplitHostPort(strings.TrimSpace(addr))
	if ip := net.ParseIP(host); ip != nil && ip.IsUnspecified() {
		return fmt.Errorf("address %q: unspecified host cannot be dialed", addr)
	}
	return nil
}

func validateLogLevel(level string) error {
	if _, ok := logging.ParseLevel(level); !ok {
		return fmt.Errorf("unknown level %q", level)
	}
	return nil
}

// ExpandHome resolves a leading ~/ to the user's home directory.
func ExpandHome(path string) string {
	return expandHome(path)
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"zenoh/internal/config"
	"zenoh/internal/identity"
	"zenoh/internal/logging"
	"zenoh/internal/metrics"
	"zenoh/internal/transport"
	"zenoh/pkg/wire"
)

var clog = logging.For("cmd")

var errBadAuth = errors.New("auth token mismatch")

// node is everything a command needs once the config is loaded.
type node struct {
	cfg     *config.Config
	id      *identity.Identity
	reg     *prometheus.Registry
	metrics *metrics.Metrics
}

// loadConfig reads the config file, applies flag overrides and validates
// the result.
func loadConfig(flags *rootFlags) (*config.Config, error) {
	cfg, err := config.Load(flags.config)
	if err != nil {
		return nil, err
	}
	if flags.dataDir != "" {
		cfg.Node.DataDir = flags.dataDir
	}
	if flags.mode != "" {
		cfg.Node.Mode = flags.mode
	}
	if flags.logLevel != "" {
		cfg.Logging.Level = flags.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config:\n%w", err)
	}
	cfg.Node.DataDir = config.ExpandHome(cfg.Node.DataDir)
	return cfg, nil
}

func loadNode(flags *rootFlags) (*node, error) {
	cfg, err := loadConfig(flags)
	if err != nil {
		return nil, err
	}
	logging.Init(cfg.Logging.Level, cfg.Logging.Format)

	if err := os.MkdirAll(cfg.Node.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}
	id, err := identity.Load(cfg.Node.DataDir)
	if err != nil {
		return nil, fmt.Errorf("identity: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return &node{cfg: cfg, id: id, reg: reg, metrics: metrics.New(reg)}, nil
}

// managerConfig builds the transport configuration. listen and connect,
// when non-empty, replace the endpoints from the config file.
func (n *node) managerConfig(listen, connect []string, h transport.Handler, onOpen func(*transport.Peer)) (transport.ManagerConfig, error) {
	if len(listen) == 0 {
		listen = n.cfg.Transport.Listen
	}
	if len(connect) == 0 {
		connect = n.cfg.Transport.Connect
	}
	mc := transport.ManagerConfig{
		MaxSessions:  n.cfg.Transport.MaxSessions,
		AcceptRate:   n.cfg.Transport.AcceptRate,
		Session:      n.cfg.SessionConfig(n.id.ZID),
		WriteTimeout: n.cfg.Transport.WriteTimeout.Duration,
		Handler:      h,
		Metrics:      n.metrics,
		OnOpen:       onOpen,
	}
	var err error
	if mc.Listen, err = parseEndpoints(listen); err != nil {
		return mc, err
	}
	if mc.Connect, err = parseEndpoints(connect); err != nil {
		return mc, err
	}
	if n.cfg.Transport.Noise {
		mc.Link.Noise = &n.id.Static
	}
	if token := n.cfg.Session.Auth; token != "" {
		mc.Session.Authenticate = checkToken([]byte(token))
	}
	return mc, nil
}

func checkToken(want []byte) func(wire.ZenohID, []byte) error {
	return func(peer wire.ZenohID, got []byte) error {
		if subtle.ConstantTimeCompare(got, want) != 1 {
			return fmt.Errorf("peer %s: %w", peer, errBadAuth)
		}
		return nil
	}
}

func parseEndpoints(in []string) ([]transport.Endpoint, error) {
	out := make([]transport.Endpoint, 0, len(in))
	for _, s := range in {
		ep, err := transport.ParseEndpoint(s)
		if err != nil {
			return nil, err
		}
		out = append(out, ep)
	}
	return out, nil
}

// run serves the metrics endpoint, if configured, and the transport
// manager until ctx is done.
func (n *node) run(ctx context.Context, mc transport.ManagerConfig) error {
	if len(mc.Listen) == 0 && len(mc.Connect) == 0 {
		return errors.New("nothing to do: no listen or connect endpoints")
	}
	mgr, err := transport.NewManager(mc)
	if err != nil {
		return err
	}

	if addr := n.cfg.Metrics.Listen; addr != "" {
		go func() {
			if err := metrics.Serve(ctx, addr, n.reg); err != nil {
				clog.Error("metrics server failed", "addr", addr, "err", err)
			}
		}()
	}

	clog.Info("node starting",
		"zid", n.id.ZID.String(),
		"name", n.cfg.Node.Name,
		"mode", n.cfg.Node.Mode,
		"noise", n.cfg.Transport.Noise,
	)
	err = mgr.Start(ctx)
	clog.Info("node stopped")
	return err
}

// logSample logs a received Put or Del.
func logSample(p *transport.Peer, msg wire.NetworkMessage) {
	push, ok := msg.(wire.Push)
	if !ok {
		clog.Debug("received", "peer", p.Remote().ZID.String(), "kind", fmt.Sprintf("%T", msg))
		return
	}
	switch body := push.Body.(type) {
	case wire.Put:
		clog.Info("put", "peer", p.Remote().ZID.String(), "key", push.WireExpr.String(), "value", string(body.Payload))
	case wire.Del:
		clog.Info("del", "peer", p.Remote().ZID.String(), "key", push.WireExpr.String())
	}
}

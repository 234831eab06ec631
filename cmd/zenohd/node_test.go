package main

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"zenoh/internal/config"
	"zenoh/internal/identity"
	"zenoh/internal/transport"
	"zenoh/pkg/wire"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigOverrides(t *testing.T) {
	path := writeConfig(t, `
[node]
mode = "router"

[log]
level = "warn"
`)
	dir := t.TempDir()
	cfg, err := loadConfig(&rootFlags{config: path, dataDir: dir, mode: "client", logLevel: "debug"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Node.Mode != "client" || cfg.Logging.Level != "debug" || cfg.Node.DataDir != dir {
		t.Errorf("overrides not applied: %+v %+v", cfg.Node, cfg.Logging)
	}
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	path := writeConfig(t, `
[session]
lease = "0s"
`)
	if _, err := loadConfig(&rootFlags{config: path}); err == nil {
		t.Fatal("expected validation error")
	}
	if _, err := loadConfig(&rootFlags{config: writeConfig(t, ""), mode: "gateway"}); err == nil {
		t.Fatal("expected validation error")
	}
}

func testNode(t *testing.T) *node {
	t.Helper()
	id, err := identity.Ephemeral()
	if err != nil {
		t.Fatal(err)
	}
	return &node{cfg: config.Defaults(), id: id}
}

func TestManagerConfig(t *testing.T) {
	n := testNode(t)
	n.cfg.Transport.Listen = []string{"tcp/0.0.0.0:7447"}
	n.cfg.Transport.Connect = []string{"tcp/10.0.0.2:7447"}
	n.cfg.Transport.Noise = true
	n.cfg.Session.Auth = "s3cret"

	mc, err := n.managerConfig(nil, []string{"ws/10.0.0.3:7448"}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(mc.Listen) != 1 || mc.Listen[0] != (transport.Endpoint{Proto: "tcp", Addr: "0.0.0.0:7447"}) {
		t.Errorf("listen = %v", mc.Listen)
	}
	if len(mc.Connect) != 1 || mc.Connect[0].Proto != transport.ProtoWS {
		t.Errorf("connect overrides config: %v", mc.Connect)
	}
	if mc.Link.Noise == nil {
		t.Error("noise keypair not set")
	}
	if mc.Session.ZID != n.id.ZID {
		t.Errorf("session zid = %s, want %s", mc.Session.ZID, n.id.ZID)
	}
	if string(mc.Session.Auth) != "s3cret" || mc.Session.Authenticate == nil {
		t.Error("auth token not wired")
	}
	if mc.MaxSessions != n.cfg.Transport.MaxSessions {
		t.Errorf("max sessions = %d", mc.MaxSessions)
	}
}

func TestManagerConfigBadEndpoint(t *testing.T) {
	n := testNode(t)
	if _, err := n.managerConfig([]string{"udp/0.0.0.0:7447"}, nil, nil, nil); err == nil {
		t.Fatal("expected error")
	}
}

func TestCheckToken(t *testing.T) {
	check := checkToken([]byte("s3cret"))
	zid := wire.ZenohID{1}
	if err := check(zid, []byte("s3cret")); err != nil {
		t.Errorf("matching token refused: %v", err)
	}
	for _, bad := range []string{"", "s3cre", "s3cret!", "S3CRET"} {
		if err := check(zid, []byte(bad)); !errors.Is(err, errBadAuth) {
			t.Errorf("token %q: got %v", bad, err)
		}
	}
}

func TestParsePuts(t *testing.T) {
	got, err := parsePuts([]string{"demo/example=hello", "/a/b/=x=y", "empty="})
	if err != nil {
		t.Fatal(err)
	}
	want := []struct{ key, value string }{
		{"demo/example", "hello"},
		{"a/b", "x=y"},
		{"empty", ""},
	}
	for i, w := range want {
		put := got[i].Body.(wire.Put)
		if got[i].WireExpr.Suffix != w.key || string(put.Payload) != w.value {
			t.Errorf("put %d = %s:%q, want %s:%q", i, got[i].WireExpr.Suffix, put.Payload, w.key, w.value)
		}
	}

	for _, bad := range []string{"novalue", "=value", "/=x"} {
		if _, err := parsePuts([]string{bad}); err == nil {
			t.Errorf("parsePuts(%q): expected error", bad)
		}
	}
}

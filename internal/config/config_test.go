package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/driftwire/chatctl/internal/testutil/testlog"
	"github.com/driftwire/chatctl/internal/transport"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chatctl.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, `
[channel]
auth_file = "creds.json"

[transport]
address = "relay.example:7430"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if *cfg.Channel.Reconnect.MaxRetries != 5 || cfg.Channel.Reconnect.DelayMS != 3000 {
		t.Fatalf("reconnect defaults not applied: %+v", cfg.Channel.Reconnect)
	}
	if cfg.Channel.RateLimit.MaxRequests != 30 || cfg.Channel.RateLimit.WindowMS != 1000 {
		t.Fatalf("rate limit defaults not applied: %+v", cfg.Channel.RateLimit)
	}
	if cfg.Channel.GroupSuffix != "@g.relay" {
		t.Fatalf("group suffix default not applied: %q", cfg.Channel.GroupSuffix)
	}
	if cfg.Admin.Addr != ":9400" {
		t.Fatalf("admin addr default not applied: %q", cfg.Admin.Addr)
	}
	if cfg.Transport.SecurityMode != "development" {
		t.Fatalf("security mode default not applied: %q", cfg.Transport.SecurityMode)
	}
}

func TestLoadFullFile(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, `
[channel]
auth_file = "creds.json"
group_suffix = "@broadcast"

[channel.reconnect]
max_retries = 2
delay_ms = 100

[channel.rate_limit]
max_requests = 10
window_ms = 500

[transport]
address = "relay.example:7430"
security_mode = "production"

[transport.tls]
enabled = true
mutual = true
cert_file = "client.pem"
key_file = "client.key"
ca_file = "ca.pem"

[admin]
addr = ":9500"
cors_origins = ["https://ops.example"]
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	svcCfg := cfg.ChannelServiceConfig([]byte(`{}`))
	if svcCfg.Reconnect.MaxRetries != 2 || svcCfg.Reconnect.Delay != 100*time.Millisecond {
		t.Fatalf("reconnect not mapped: %+v", svcCfg.Reconnect)
	}
	if svcCfg.RateLimit.MaxRequests != 10 || svcCfg.RateLimit.Window != 500*time.Millisecond {
		t.Fatalf("rate limit not mapped: %+v", svcCfg.RateLimit)
	}
	if svcCfg.GroupSuffix != "@broadcast" {
		t.Fatalf("group suffix not mapped: %q", svcCfg.GroupSuffix)
	}

	trCfg := cfg.TransportConfig()
	if trCfg.SecurityMode != transport.SecurityModeProduction || !trCfg.TLS.Mutual {
		t.Fatalf("transport not mapped: %+v", trCfg)
	}
	if trCfg.ConnectTimeout == 0 {
		t.Fatal("transport defaults not applied")
	}
	if cfg.Admin.Addr != ":9500" || len(cfg.Admin.CorsOrigins) != 1 {
		t.Fatalf("admin not mapped: %+v", cfg.Admin)
	}
}

func TestLoadMissingAuthFile(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, `
[transport]
address = "relay.example:7430"
`)
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "auth_file") {
		t.Fatalf("expected auth_file error, got %v", err)
	}
}

func TestLoadMissingAddress(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, `
[channel]
auth_file = "creds.json"
`)
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "address") {
		t.Fatalf("expected address error, got %v", err)
	}
}

func TestLoadInvalidTransportSecurity(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, `
[channel]
auth_file = "creds.json"

[transport]
address = "relay.example:7430"
security_mode = "production"
`)
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "transport config invalid") {
		t.Fatalf("expected transport validation error, got %v", err)
	}
}

func TestLoadRejectsNegativeRetries(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, `
[channel]
auth_file = "creds.json"

[channel.reconnect]
max_retries = -1

[transport]
address = "relay.example:7430"
`)
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "max_retries") {
		t.Fatalf("expected max_retries error, got %v", err)
	}
}

func TestLoadZeroRetriesSurvivesDefaulting(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, `
[channel]
auth_file = "creds.json"

[channel.reconnect]
max_retries = 0

[transport]
address = "relay.example:7430"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := cfg.ChannelServiceConfig(nil).Reconnect.MaxRetries; got != 0 {
		t.Fatalf("explicit zero retries overwritten: %d", got)
	}
}

func TestLoadBadToml(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, `[channel`)
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "config parse failed") {
		t.Fatalf("expected parse error, got %v", err)
	}
}

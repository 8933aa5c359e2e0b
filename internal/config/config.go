package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/driftwire/chatctl/internal/channel"
	"github.com/driftwire/chatctl/internal/channel/session"
	"github.com/driftwire/chatctl/internal/ratelimit"
	"github.com/driftwire/chatctl/internal/transport"
)

// File is the daemon's TOML configuration.
type File struct {
	Channel   ChannelConfig   `toml:"channel"`
	Transport TransportConfig `toml:"transport"`
	Admin     AdminConfig     `toml:"admin"`
}

type ChannelConfig struct {
	AuthFile    string          `toml:"auth_file"`
	GroupSuffix string          `toml:"group_suffix"`
	Reconnect   ReconnectConfig `toml:"reconnect"`
	RateLimit   RateLimitConfig `toml:"rate_limit"`
}

type ReconnectConfig struct {
	// MaxRetries is a pointer so an explicit 0 (never retry) survives
	// defaulting.
	MaxRetries *int `toml:"max_retries"`
	DelayMS    int  `toml:"delay_ms"`
}

type RateLimitConfig struct {
	MaxRequests int `toml:"max_requests"`
	WindowMS    int `toml:"window_ms"`
}

type TransportConfig struct {
	Address      string    `toml:"address"`
	SecurityMode string    `toml:"security_mode"`
	TLS          TLSConfig `toml:"tls"`
}

type TLSConfig struct {
	Enabled            bool   `toml:"enabled"`
	Mutual             bool   `toml:"mutual"`
	CertFile           string `toml:"cert_file"`
	KeyFile            string `toml:"key_file"`
	CAFile             string `toml:"ca_file"`
	ServerName         string `toml:"server_name"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
}

type AdminConfig struct {
	Addr        string   `toml:"addr"`
	CorsOrigins []string `toml:"cors_origins"`
}

// Load reads, defaults, and validates a daemon config file.
func Load(path string) (File, error) {
	var cfg File
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return File{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	cfg = cfg.withDefaults()
	if err := Validate(cfg); err != nil {
		return File{}, err
	}
	return cfg, nil
}

func (c File) withDefaults() File {
	if strings.TrimSpace(c.Channel.GroupSuffix) == "" {
		c.Channel.GroupSuffix = channel.DefaultGroupSuffix
	}
	if c.Channel.Reconnect.MaxRetries == nil {
		def := session.DefaultMaxRetries
		c.Channel.Reconnect.MaxRetries = &def
	}
	if c.Channel.Reconnect.DelayMS == 0 {
		c.Channel.Reconnect.DelayMS = int(session.DefaultReconnectDelay / time.Millisecond)
	}
	if c.Channel.RateLimit.MaxRequests == 0 {
		c.Channel.RateLimit.MaxRequests = ratelimit.DefaultMaxRequests
	}
	if c.Channel.RateLimit.WindowMS == 0 {
		c.Channel.RateLimit.WindowMS = int(ratelimit.DefaultWindow / time.Millisecond)
	}
	if strings.TrimSpace(c.Transport.SecurityMode) == "" {
		c.Transport.SecurityMode = string(transport.SecurityModeDevelopment)
	}
	if strings.TrimSpace(c.Admin.Addr) == "" {
		c.Admin.Addr = ":9400"
	}
	return c
}

func Validate(cfg File) error {
	if strings.TrimSpace(cfg.Channel.AuthFile) == "" {
		return fmt.Errorf("channel config missing auth_file")
	}
	if *cfg.Channel.Reconnect.MaxRetries < 0 {
		return fmt.Errorf("channel.reconnect.max_retries must not be negative")
	}
	if cfg.Channel.Reconnect.DelayMS < 0 {
		return fmt.Errorf("channel.reconnect.delay_ms must not be negative")
	}
	if cfg.Channel.RateLimit.MaxRequests < 1 {
		return fmt.Errorf("channel.rate_limit.max_requests must be positive")
	}
	if cfg.Channel.RateLimit.WindowMS < 1 {
		return fmt.Errorf("channel.rate_limit.window_ms must be positive")
	}
	if strings.TrimSpace(cfg.Transport.Address) == "" {
		return fmt.Errorf("transport config missing address")
	}
	if err := cfg.TransportConfig().Validate(); err != nil {
		return fmt.Errorf("transport config invalid: %w", err)
	}
	return nil
}

// ChannelServiceConfig maps the file onto the service configuration.
// The credential blob itself is read separately by the caller.
func (c File) ChannelServiceConfig(authData []byte) channel.Config {
	return channel.Config{
		AuthData:    authData,
		GroupSuffix: c.Channel.GroupSuffix,
		Reconnect: session.ReconnectConfig{
			MaxRetries: *c.Channel.Reconnect.MaxRetries,
			Delay:      time.Duration(c.Channel.Reconnect.DelayMS) * time.Millisecond,
		},
		RateLimit: channel.RateLimitConfig{
			MaxRequests: c.Channel.RateLimit.MaxRequests,
			Window:      time.Duration(c.Channel.RateLimit.WindowMS) * time.Millisecond,
		},
	}
}

func (c File) TransportConfig() transport.Config {
	return transport.Config{
		Address:      c.Transport.Address,
		SecurityMode: transport.SecurityMode(c.Transport.SecurityMode),
		TLS: transport.TLSConfig{
			Enabled:            c.Transport.TLS.Enabled,
			Mutual:             c.Transport.TLS.Mutual,
			CertFile:           c.Transport.TLS.CertFile,
			KeyFile:            c.Transport.TLS.KeyFile,
			CAFile:             c.Transport.TLS.CAFile,
			ServerName:         c.Transport.TLS.ServerName,
			InsecureSkipVerify: c.Transport.TLS.InsecureSkipVerify,
		},
	}.WithDefaults()
}

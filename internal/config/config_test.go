package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	nperrors "github.com/pshima/natproxy/internal/errors"
	"github.com/pshima/natproxy/pkg/tunnel"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.VirtualIP != "10.1.10.1" {
		t.Errorf("DefaultConfig() VirtualIP = %s, want 10.1.10.1", cfg.VirtualIP)
	}
	if cfg.ProxyPort != 0 {
		t.Errorf("DefaultConfig() ProxyPort = %d, want 0", cfg.ProxyPort)
	}
	if cfg.BufferSize != 20000 {
		t.Errorf("DefaultConfig() BufferSize = %d, want 20000", cfg.BufferSize)
	}
	if cfg.Verbose {
		t.Error("DefaultConfig() Verbose = true, want false")
	}
	if cfg.Session.IdleTimeout != 5*time.Minute {
		t.Errorf("DefaultConfig() Session.IdleTimeout = %v, want 5m", cfg.Session.IdleTimeout)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("DefaultConfig() is not valid: %v", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
		errMsg  string
	}{
		{
			name:    "defaults",
			mutate:  func(c *Config) {},
			wantErr: false,
		},
		{
			name: "valid proxies and rules",
			mutate: func(c *Config) {
				c.Proxies = []ProxyConfig{
					{Name: "corp", Kind: "http-connect", Address: "proxy.corp:3128", Username: "u", Password: "p"},
					{Name: "relay", Kind: "relay", Address: "relay.example.net:8388", Password: "secret", Method: "aes-256-ctr"},
				}
				c.Rules = []RuleConfig{{DomainSuffix: "corp.example", Proxy: "corp"}, {DomainSuffix: "local", Proxy: "direct"}}
				c.DefaultProxy = "relay"
			},
			wantErr: false,
		},
		{
			name:    "virtual ip not ipv4",
			mutate:  func(c *Config) { c.VirtualIP = "fd00::1" },
			wantErr: true,
			errMsg:  "virtual_ip must be an IPv4 address",
		},
		{
			name:    "invalid port too high",
			mutate:  func(c *Config) { c.ProxyPort = 70000 },
			wantErr: true,
			errMsg:  "invalid port number",
		},
		{
			name:    "buffer smaller than mtu",
			mutate:  func(c *Config) { c.BufferSize = 1024 },
			wantErr: true,
			errMsg:  "buffer_size must be between mtu",
		},
		{
			name:    "buffer above ceiling",
			mutate:  func(c *Config) { c.BufferSize = 65535 },
			wantErr: true,
			errMsg:  "buffer_size must be between mtu",
		},
		{
			name:    "unknown log format",
			mutate:  func(c *Config) { c.LogFormat = "xml" },
			wantErr: true,
			errMsg:  "unknown log_format",
		},
		{
			name:    "no dns upstreams",
			mutate:  func(c *Config) { c.DNS.Upstreams = nil },
			wantErr: true,
			errMsg:  "dns.upstreams must not be empty",
		},
		{
			name:    "zero idle timeout",
			mutate:  func(c *Config) { c.Session.IdleTimeout = 0 },
			wantErr: true,
			errMsg:  "session.idle_timeout",
		},
		{
			name:    "unknown proxy kind",
			mutate:  func(c *Config) { c.Proxies = []ProxyConfig{{Name: "x", Kind: "socks9", Address: "a:1"}} },
			wantErr: true,
			errMsg:  "unknown tunnel kind",
		},
		{
			name:    "http proxy without address",
			mutate:  func(c *Config) { c.Proxies = []ProxyConfig{{Name: "x", Kind: "http"}} },
			wantErr: true,
			errMsg:  "requires an address",
		},
		{
			name:    "relay without password",
			mutate:  func(c *Config) { c.Proxies = []ProxyConfig{{Name: "x", Kind: "relay", Address: "a:1"}} },
			wantErr: true,
			errMsg:  "requires a password",
		},
		{
			name: "relay with unknown method",
			mutate: func(c *Config) {
				c.Proxies = []ProxyConfig{{Name: "x", Kind: "relay", Address: "a:1", Password: "p", Method: "rc4"}}
			},
			wantErr: true,
			errMsg:  "rc4",
		},
		{
			name:    "rule to unknown proxy",
			mutate:  func(c *Config) { c.Rules = []RuleConfig{{DomainSuffix: "example.com", Proxy: "nope"}} },
			wantErr: true,
			errMsg:  "unknown proxy",
		},
		{
			name:    "unknown default proxy",
			mutate:  func(c *Config) { c.DefaultProxy = "nope" },
			wantErr: true,
			errMsg:  "unknown default proxy",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if tt.wantErr && !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("Validate() error = %v, want error containing %q", err, tt.errMsg)
			}
		})
	}
}

const sampleYAML = `
tun_name: tun7
virtual_ip: 10.9.0.1
proxy_port: 9090
log_file: custom.log
verbose: true
dial_timeout: 5s
dns:
  upstreams: ["9.9.9.9"]
  timeout: 1500ms
  cache_size: 128
  cache_ttl: 1m
session:
  idle_timeout: 2m
  linger: 10s
  sweep_interval: 15s
proxies:
  - name: corp
    kind: http-connect
    address: proxy.corp:3128
rules:
  - domain_suffix: corp.example
    proxy: corp
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write test config file: %v", err)
	}
	return path
}

func TestLoad_FromFile(t *testing.T) {
	cfg, err := Load(writeFile(t, "config.yaml", sampleYAML), CLIOptions{})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.TunName != "tun7" {
		t.Errorf("Load() TunName = %s, want tun7", cfg.TunName)
	}
	if cfg.ProxyPort != 9090 {
		t.Errorf("Load() ProxyPort = %d, want 9090", cfg.ProxyPort)
	}
	if !cfg.Verbose {
		t.Error("Load() Verbose = false, want true")
	}
	if cfg.DNS.Timeout != 1500*time.Millisecond {
		t.Errorf("Load() DNS.Timeout = %v, want 1.5s", cfg.DNS.Timeout)
	}
	if !reflect.DeepEqual(cfg.DNSUpstreams(), []string{"9.9.9.9"}) {
		t.Errorf("Load() DNSUpstreams = %v", cfg.DNSUpstreams())
	}
	// Unset fields keep their defaults.
	if cfg.MTU != 1500 {
		t.Errorf("Load() MTU = %d, want default 1500", cfg.MTU)
	}
	if got := cfg.EvictionPolicy(); got.Idle != 2*time.Minute || got.Linger != 10*time.Second {
		t.Errorf("Load() EvictionPolicy = %+v", got)
	}

	router, err := cfg.Router()
	if err != nil {
		t.Fatalf("Router() error = %v", err)
	}
	route, ok := router.Route(tunnel.Destination{Host: "git.corp.example", Port: 443})
	if !ok || route.Kind != tunnel.KindHTTPConnect || route.Address != "proxy.corp:3128" {
		t.Errorf("Route() = %+v, %v", route, ok)
	}
}

func TestLoad_CLIOverride(t *testing.T) {
	cliOpts := CLIOptions{
		TunName:     "cli0",
		Port:        9999,
		LogFile:     "cli.log",
		MetricsAddr: "127.0.0.1:9100",
		Verbose:     true,
	}

	cfg, err := Load(writeFile(t, "config.yaml", "verbose: false\nlog_file: file.log\n"), cliOpts)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.TunName != "cli0" {
		t.Errorf("Load() TunName = %s, want cli0", cfg.TunName)
	}
	if cfg.ProxyPort != 9999 {
		t.Errorf("Load() ProxyPort = %d, want 9999 (CLI override)", cfg.ProxyPort)
	}
	if cfg.LogFile != "cli.log" {
		t.Errorf("Load() LogFile = %s, want cli.log", cfg.LogFile)
	}
	if cfg.MetricsAddr != "127.0.0.1:9100" {
		t.Errorf("Load() MetricsAddr = %s", cfg.MetricsAddr)
	}
	if !cfg.Verbose {
		t.Error("Load() Verbose = false, want true (CLI override)")
	}
}

func TestLoad_NoConfigFile(t *testing.T) {
	cfg, err := Load("", CLIOptions{Port: 8888, LogFile: "test.log"})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.ProxyPort != 8888 {
		t.Errorf("Load() ProxyPort = %d, want 8888", cfg.ProxyPort)
	}
	if cfg.LogFile != "test.log" {
		t.Errorf("Load() LogFile = %s, want test.log", cfg.LogFile)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name   string
		path   func(t *testing.T) string
		errMsg string
	}{
		{"invalid yaml", func(t *testing.T) string { return writeFile(t, "bad.yaml", "dns: [unclosed") }, "failed to parse config file"},
		{"bad duration", func(t *testing.T) string { return writeFile(t, "bad.yaml", "dial_timeout: soon\n") }, "failed to parse config file"},
		{"non-existent file", func(t *testing.T) string { return "/non/existent/file.yaml" }, "failed to read config file"},
		{"invalid values", func(t *testing.T) string { return writeFile(t, "bad.yaml", "mtu: 10\n") }, "invalid configuration"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(tt.path(t), CLIOptions{})
			if err == nil {
				t.Fatal("Load() should return error")
			}
			if !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("Load() error = %v, want %q", err, tt.errMsg)
			}
			if nperrors.GetKind(err) != nperrors.KindConfig {
				t.Errorf("Load() error kind = %v, want config", nperrors.GetKind(err))
			}
		})
	}
}

func TestConfig_Save(t *testing.T) {
	saveFile := filepath.Join(t.TempDir(), "save-test.yaml")

	cfg := DefaultConfig()
	cfg.TunName = "tun9"
	cfg.ProxyPort = 8443
	cfg.LogFile = "test.log"
	cfg.LogFormat = "json"
	cfg.Verbose = true
	cfg.ProtectMark = 0x2a
	cfg.Proxies = []ProxyConfig{{Name: "relay", Kind: "encrypted-relay", Address: "r:8388", Password: "pw", Method: "xchacha20"}}
	cfg.Rules = []RuleConfig{{DomainSuffix: "example.org", Proxy: "relay"}}

	if err := cfg.Save(saveFile); err != nil {
		t.Fatalf("Config.Save() error = %v", err)
	}

	loaded, err := Load(saveFile, CLIOptions{})
	if err != nil {
		t.Fatalf("Failed to load saved config: %v", err)
	}

	if !reflect.DeepEqual(cfg, loaded) {
		t.Errorf("Saved and loaded configs don't match.\nOriginal: %+v\nLoaded: %+v", cfg, loaded)
	}
}

func TestConfig_Save_InvalidPath(t *testing.T) {
	cfg := DefaultConfig()
	err := cfg.Save("/invalid\x00path/config.yaml")
	if err == nil {
		t.Error("Config.Save() with invalid path should return error")
	}
}

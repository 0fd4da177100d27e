package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tailscale/hujson"
	"gopkg.in/yaml.v3"
)

const (
	TransportWebsocket = "websocket"
	TransportRedis     = "redis"

	defaultPath       = "/ws/protocol"
	defaultListenAddr = ":8080"
)

type Config struct {
	Log    LogConfig    `json:"log" yaml:"log"`
	Server ServerConfig `json:"server" yaml:"server"`
	Store  StoreConfig  `json:"store" yaml:"store"`
	Client ClientConfig `json:"client" yaml:"client"`
	Routes []Route      `json:"routes" yaml:"routes"`
}

type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// ServerConfig describes the delegate side: where hosts reach it and which
// protocol identifiers it serves.
type ServerConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	ListenAddr string `json:"listen_addr" yaml:"listen_addr"`
	Host       string `json:"host" yaml:"host"`
	Port       int    `json:"port" yaml:"port"`
	Path       string `json:"path" yaml:"path"`
	AuthToken  string `json:"auth_token" yaml:"auth_token"`
	// PublicURL is the websocket URL registered as the route of every served
	// protocol. Empty means derive it from ListenAddr and Path.
	PublicURL string   `json:"public_url" yaml:"public_url"`
	Protocols []string `json:"protocols" yaml:"protocols"`
	Transport []string `json:"transport" yaml:"transport"`
}

type StoreConfig struct {
	RedisAddr        string `json:"redis_addr" yaml:"redis_addr"`
	DedupeTTLSeconds int    `json:"dedupe_ttl_seconds" yaml:"dedupe_ttl_seconds"`
}

// ClientConfig describes the host side.
type ClientConfig struct {
	Transport             string `json:"transport" yaml:"transport"`
	AuthToken             string `json:"auth_token" yaml:"auth_token"`
	RequestTimeoutSeconds int    `json:"request_timeout_seconds" yaml:"request_timeout_seconds"`
	LegacyEnvelope        bool   `json:"legacy_envelope" yaml:"legacy_envelope"`
}

type Route struct {
	Protocol string `json:"protocol" yaml:"protocol"`
	URL      string `json:"url" yaml:"url"`
}

func Default() Config {
	token := os.Getenv("PROTOWORKER_AUTH_TOKEN")
	return Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Enabled:    true,
			ListenAddr: defaultListenAddr,
			Path:       defaultPath,
			AuthToken:  token,
			Transport:  []string{TransportWebsocket},
		},
		Store: StoreConfig{
			RedisAddr:        os.Getenv("REDIS_ADDR"),
			DedupeTTLSeconds: 86400,
		},
		Client: ClientConfig{
			Transport:             TransportWebsocket,
			AuthToken:             token,
			RequestTimeoutSeconds: 30,
		},
	}
}

// Load reads path over the defaults. Files ending in .yaml or .yml are YAML;
// anything else is JSON, with comments and trailing commas allowed.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config failed: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config failed: %w", err)
		}
	default:
		std, err := hujson.Standardize(content)
		if err != nil {
			return Config{}, fmt.Errorf("parse config failed: %w", err)
		}
		if err := json.Unmarshal(std, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config failed: %w", err)
		}
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	if c.Server.Path == "" {
		c.Server.Path = defaultPath
	}
	if c.Server.ListenAddr == "" {
		if c.Server.Host != "" && c.Server.Port > 0 {
			c.Server.ListenAddr = fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
		} else {
			c.Server.ListenAddr = defaultListenAddr
		}
	}
	if len(c.Server.Transport) == 0 {
		c.Server.Transport = []string{TransportWebsocket}
	}
	if c.Client.Transport == "" {
		c.Client.Transport = TransportWebsocket
	}
	if c.Client.RequestTimeoutSeconds < 0 {
		c.Client.RequestTimeoutSeconds = 0
	}
	if c.Store.DedupeTTLSeconds <= 0 {
		c.Store.DedupeTTLSeconds = 86400
	}
}

func (c Config) Validate() error {
	for _, t := range append([]string{c.Client.Transport}, c.Server.Transport...) {
		if t != TransportWebsocket && t != TransportRedis {
			return fmt.Errorf("invalid config: unknown transport %q", t)
		}
		if t == TransportRedis && c.Store.RedisAddr == "" {
			return fmt.Errorf("invalid config: transport %q needs store.redis_addr", t)
		}
	}
	for i, r := range c.Routes {
		if r.Protocol == "" || r.URL == "" {
			return fmt.Errorf("invalid config: routes[%d] needs protocol and url", i)
		}
	}
	return nil
}

// RouteURL returns the websocket URL hosts should dial to reach this server.
func (s ServerConfig) RouteURL() string {
	if s.PublicURL != "" {
		return s.PublicURL
	}
	addr := s.ListenAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "ws://" + addr + s.Path
}

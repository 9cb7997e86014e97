// Package config loads the JSON configuration for the client core.
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

type Config struct {
	Log      Log      `json:"log"`
	Data     Data     `json:"data"`
	Identity Identity `json:"identity"`
	Signal   Signal   `json:"signal"`
	Media    Media    `json:"media"`
	Dispatch Dispatch `json:"dispatch"`
}

type Log struct {
	// Level is the default level for all subsystems: debug/info/warn/error.
	Level string `json:"level"`
	// Subsystems overrides per logger name, e.g. {"call": "debug"}.
	Subsystems map[string]string `json:"subsystems"`
}

type Data struct {
	// Dir holds the identity database. Default "data".
	Dir string `json:"dir"`
}

type Identity struct {
	// DisplayName shown to peers. Optional.
	DisplayName string `json:"display_name"`
	// Token for the relay, from the auth subsystem. Optional on p2p.
	Token string `json:"token"`
}

type Signal struct {
	// Transport selects the channel implementation: "relay" or "p2p".
	Transport string `json:"transport"`
	// RelayURL is the relay websocket URL (transport=relay).
	RelayURL string `json:"relay_url"`
	// Pool is the dispatch pool this expert serves, e.g. "pool:experts".
	Pool string `json:"pool"`

	// P2P settings (transport=p2p).
	ListenPort int      `json:"listen_port"`
	MdnsTag    string   `json:"mdns_tag"`
	Bootstrap  []string `json:"bootstrap"`
}

type Media struct {
	// Audio/Video toggle local capture. Both default true.
	Audio bool `json:"audio"`
	Video bool `json:"video"`
	// VideoBitRate in bits per second. Default 1.5 Mbps.
	VideoBitRate int `json:"video_bit_rate"`
	// STUNServers for ICE. Default Google STUN.
	STUNServers []string `json:"stun_servers"`
}

type Dispatch struct {
	// WindowSec is the job-offer acceptance window. Default 20.
	WindowSec int `json:"window_sec"`
}

// Default returns a config with every default applied.
func Default() Config {
	var c Config
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Data.Dir == "" {
		c.Data.Dir = "data"
	}
	if c.Signal.Transport == "" {
		c.Signal.Transport = "relay"
	}
	if c.Signal.Pool == "" {
		c.Signal.Pool = "pool:experts"
	}
	if c.Signal.MdnsTag == "" {
		c.Signal.MdnsTag = "fieldside"
	}
	if c.Media.VideoBitRate == 0 {
		c.Media.Audio = true
		c.Media.Video = true
		c.Media.VideoBitRate = 1_500_000
	}
	if len(c.Media.STUNServers) == 0 {
		c.Media.STUNServers = []string{"stun:stun.l.google.com:19302"}
	}
	if c.Dispatch.WindowSec == 0 {
		c.Dispatch.WindowSec = 20
	}
}

// Load reads path, fills defaults and validates. A missing file yields a
// default config with no error, except that transport=relay then has no URL;
// first-run callers handle that.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var c Config
	if err := json.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return c, nil
}

// Save writes c to path, creating parent directories.
func Save(path string, c Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Validate rejects configurations that cannot work.
func (c *Config) Validate() error {
	switch c.Signal.Transport {
	case "relay":
		// An empty URL is allowed here; dialing reports it when the agent
		// actually starts.
		if c.Signal.RelayURL != "" {
			u, err := url.Parse(c.Signal.RelayURL)
			if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
				return fmt.Errorf("signal.relay_url must be a ws:// or wss:// URL")
			}
		}
	case "p2p":
		if c.Signal.ListenPort < 0 || c.Signal.ListenPort > 65535 {
			return fmt.Errorf("signal.listen_port out of range: %d", c.Signal.ListenPort)
		}
	default:
		return fmt.Errorf("signal.transport must be \"relay\" or \"p2p\", got %q", c.Signal.Transport)
	}

	if !strings.HasPrefix(c.Signal.Pool, "pool:") {
		return fmt.Errorf("signal.pool must start with \"pool:\", got %q", c.Signal.Pool)
	}
	if c.Dispatch.WindowSec < 1 {
		return fmt.Errorf("dispatch.window_sec must be positive, got %d", c.Dispatch.WindowSec)
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug/info/warn/error, got %q", c.Log.Level)
	}
	return nil
}

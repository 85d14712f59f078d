// ABOUTME: TOML configuration with environment expansion, duration strings and validated defaults.

package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that unmarshals from TOML strings like
// "30s" or "5m".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for toml decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", string(text), err)
	}
	*d = Duration(v)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the full bridge configuration.
type Config struct {
	Server  ServerConfig  `toml:"server"`
	Agent   AgentConfig   `toml:"agent"`
	UX      UXConfig      `toml:"ux"`
	Logging LoggingConfig `toml:"logging"`
}

// ServerConfig covers the OneBot WebSocket listener.
type ServerConfig struct {
	// ListenAddr is where NapCat's reverse WebSocket client connects.
	ListenAddr string `toml:"listen_addr"`

	// DedupeTTL and DedupeLimit bound the inbound seen-cache.
	DedupeTTL   Duration `toml:"dedupe_ttl"`
	DedupeLimit int      `toml:"dedupe_limit"`
}

// AgentConfig covers the agent subprocess.
type AgentConfig struct {
	Command              string   `toml:"command"`
	Args                 []string `toml:"args"`
	Cwd                  string   `toml:"cwd"`
	HandshakeTimeout     Duration `toml:"handshake_timeout"`
	MinReconnectInterval Duration `toml:"min_reconnect_interval"`
}

// UXConfig covers user-visible timing and presentation knobs.
type UXConfig struct {
	// ThinkingNotify and ThinkingLongNotify delay the two "still
	// thinking" notices. Zero disables a notice.
	ThinkingNotify     Duration `toml:"thinking_notify"`
	ThinkingLongNotify Duration `toml:"thinking_long_notify"`

	// PermissionTimeout auto-denies unanswered permission requests.
	// Zero waits forever.
	PermissionTimeout Duration `toml:"permission_timeout"`

	// PermissionRawInputMaxLen truncates displayed tool input.
	PermissionRawInputMaxLen int `toml:"permission_raw_input_max_len"`

	// CacheUnknownToolKind treats requests without a tool kind as one
	// shared cache bucket for "always" decisions.
	CacheUnknownToolKind bool `toml:"cache_unknown_tool_kind"`

	// ImageFetchTimeout bounds each attachment download.
	ImageFetchTimeout Duration `toml:"image_fetch_timeout"`
}

// LoggingConfig selects log verbosity and output format.
type LoggingConfig struct {
	Level  string `toml:"level"`  // debug, info, warn, error
	Format string `toml:"format"` // text, json
}

// Default returns the configuration used when the file omits a key.
func Default() Config {
	return Config{
		Server: ServerConfig{
			ListenAddr:  "127.0.0.1:8080",
			DedupeTTL:   Duration(5 * time.Minute),
			DedupeLimit: 4096,
		},
		Agent: AgentConfig{
			Cwd:                  "workspace",
			HandshakeTimeout:     Duration(30 * time.Second),
			MinReconnectInterval: Duration(5 * time.Second),
		},
		UX: UXConfig{
			ThinkingNotify:           Duration(10 * time.Second),
			ThinkingLongNotify:       Duration(30 * time.Second),
			PermissionTimeout:        Duration(300 * time.Second),
			PermissionRawInputMaxLen: 500,
			CacheUnknownToolKind:     true,
			ImageFetchTimeout:        Duration(15 * time.Second),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the TOML file at path, expands ${ENV} references, applies
// defaults for omitted keys and validates the result.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config: %w", err)
	}
	return Parse(os.ExpandEnv(string(raw)))
}

// Parse decodes TOML text over the defaults.
func Parse(text string) (Config, error) {
	cfg := Default()
	meta, err := toml.Decode(text, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("unknown config key %q", undecoded[0].String())
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the bridge cannot run with.
func (c Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr must not be empty")
	}
	if c.Agent.Command == "" {
		return fmt.Errorf("agent.command must be set")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not one of text, json", c.Logging.Format)
	}
	if c.Server.DedupeLimit <= 0 {
		return fmt.Errorf("server.dedupe_limit must be positive")
	}
	return nil
}

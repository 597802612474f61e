package config

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/sethvargo/go-envconfig"
)

// Duration wraps time.Duration so it round-trips through TOML as a string
// like "3s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the global ~/.chatsync/config.toml, with CHATSYNC_* environment
// variables taking precedence over file values.
type Config struct {
	DefaultSession string `toml:"default_session" env:"CHATSYNC_SESSION"`

	ServerURL    string `toml:"server_url" env:"CHATSYNC_SERVER_URL"`
	DirectoryURL string `toml:"directory_url" env:"CHATSYNC_DIRECTORY_URL"`
	AuthToken    string `toml:"auth_token" env:"CHATSYNC_AUTH_TOKEN"`
	UserID       string `toml:"user_id" env:"CHATSYNC_USER_ID"`

	AckTimeout         Duration `toml:"ack_timeout" env:"CHATSYNC_ACK_TIMEOUT"`
	TypingWindow       Duration `toml:"typing_window" env:"CHATSYNC_TYPING_WINDOW"`
	ReconnectBaseDelay Duration `toml:"reconnect_base_delay" env:"CHATSYNC_RECONNECT_BASE_DELAY"`
	ReconnectMaxDelay  Duration `toml:"reconnect_max_delay" env:"CHATSYNC_RECONNECT_MAX_DELAY"`
}

// ApplyDefaults fills zero-valued tunables.
func (c *Config) ApplyDefaults() {
	if c.AckTimeout.Duration == 0 {
		c.AckTimeout.Duration = 3 * time.Second
	}
	if c.TypingWindow.Duration == 0 {
		c.TypingWindow.Duration = 3 * time.Second
	}
	if c.ReconnectBaseDelay.Duration == 0 {
		c.ReconnectBaseDelay.Duration = time.Second
	}
	if c.ReconnectMaxDelay.Duration == 0 {
		c.ReconnectMaxDelay.Duration = 30 * time.Second
	}
}

// Load reads config from the given path. A missing file is not an error: env
// overrides and defaults still apply on a zero config.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err := envconfig.Process(context.Background(), &cfg); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

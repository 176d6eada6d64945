package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/imdevinc/clipbird/internal/util"
)

// Defaults applied to unset fields
const (
	DefaultMaxReadIdle       = 60 * time.Second
	DefaultMaxWriteIdle      = 20 * time.Second
	DefaultScanInterval      = 10 * time.Second
	DefaultBluetoothChannel  = 22
	DefaultHistorySize       = 100
	DefaultClipboardDebounce = 200 * time.Millisecond
	DefaultCouchTimeout      = 30 * time.Second
	DefaultPassphraseEnv     = "CLIPBIRD_PASSPHRASE"
)

// LoadConfig loads and parses the configuration file
func LoadConfig(path string) (*Config, error) {
	var config Config
	md, err := toml.DecodeFile(path, &config)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown config key %q", undecoded[0].String())
	}

	if err := applyDefaults(&config); err != nil {
		return nil, fmt.Errorf("failed to apply defaults: %w", err)
	}
	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &config, nil
}

// LoadOrDefault loads path, falling back to defaults when the file does not exist
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return Default()
	}
	return LoadConfig(path)
}

// Default returns a validated configuration with every default applied
func Default() (*Config, error) {
	var config Config
	if err := applyDefaults(&config); err != nil {
		return nil, err
	}
	if err := validateConfig(&config); err != nil {
		return nil, err
	}
	return &config, nil
}

// applyDefaults fills unset fields
func applyDefaults(c *Config) error {
	if c.Name == "" {
		host, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("no device name configured and hostname unavailable: %w", err)
		}
		c.Name = host
	}
	if c.Role == "" {
		c.Role = RoleServer
	}
	if c.DataDir == "" {
		c.DataDir = util.GetDataDir()
	}
	if c.TLS.CertFile == "" && c.TLS.KeyFile == "" {
		c.TLS.CertFile = filepath.Join(c.DataDir, "host.crt")
		c.TLS.KeyFile = filepath.Join(c.DataDir, "host.key")
		c.TLS.Generate = true
	}
	if c.Bluetooth.Mode == "" {
		c.Bluetooth.Mode = BluetoothModeSDP
	}
	if c.Bluetooth.Channel == 0 {
		c.Bluetooth.Channel = DefaultBluetoothChannel
	}
	if c.Bluetooth.ScanInterval.Duration == 0 {
		c.Bluetooth.ScanInterval.Duration = DefaultScanInterval
	}
	if c.KeepAlive.MaxReadIdle.Duration == 0 {
		c.KeepAlive.MaxReadIdle.Duration = DefaultMaxReadIdle
	}
	if c.KeepAlive.MaxWriteIdle.Duration == 0 {
		c.KeepAlive.MaxWriteIdle.Duration = DefaultMaxWriteIdle
	}
	if c.Hub.DeviceType == "" {
		c.Hub.DeviceType = runtime.GOOS
	}
	if c.History.MaxSize == 0 {
		c.History.MaxSize = DefaultHistorySize
	}
	if c.History.CouchDB != nil && c.History.CouchDB.Timeout.Duration == 0 {
		c.History.CouchDB.Timeout.Duration = DefaultCouchTimeout
	}
	if c.Clipboard.Backend == "" {
		c.Clipboard.Backend = ClipboardMemory
	}
	if c.Clipboard.Debounce.Duration == 0 {
		c.Clipboard.Debounce.Duration = DefaultClipboardDebounce
	}
	if c.Secure.PassphraseEnv == "" {
		c.Secure.PassphraseEnv = DefaultPassphraseEnv
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	return nil
}

// validateConfig performs validation on the loaded configuration
func validateConfig(c *Config) error {
	switch c.Role {
	case RoleNone, RoleServer, RoleClient:
	default:
		return fmt.Errorf("invalid role '%s', must be one of: none, server, client", c.Role)
	}

	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		return fmt.Errorf("tls cert_file and key_file must be set together")
	}
	if c.LAN.Port < 0 || c.LAN.Port > 65535 {
		return fmt.Errorf("lan port %d out of range", c.LAN.Port)
	}

	switch c.Bluetooth.Mode {
	case BluetoothModeSDP, BluetoothModeConnection:
	default:
		return fmt.Errorf("invalid bluetooth mode '%s', must be one of: sdp, connection", c.Bluetooth.Mode)
	}
	if c.Bluetooth.Channel > 30 {
		return fmt.Errorf("bluetooth channel %d out of range 1-30", c.Bluetooth.Channel)
	}

	if c.KeepAlive.MaxWriteIdle.Duration >= c.KeepAlive.MaxReadIdle.Duration {
		return fmt.Errorf("keepalive max_write_idle (%s) must be shorter than max_read_idle (%s)",
			c.KeepAlive.MaxWriteIdle.Duration, c.KeepAlive.MaxReadIdle.Duration)
	}

	if c.Hub.Enabled {
		if c.Hub.URL == "" {
			return fmt.Errorf("hub is enabled but has no url")
		}
		u, err := url.Parse(c.Hub.URL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			return fmt.Errorf("hub url must be a ws:// or wss:// URL, got '%s'", c.Hub.URL)
		}
		if c.Hub.APIURL == "" {
			return fmt.Errorf("hub is enabled but has no api_url")
		}
	}

	if c.History.MaxSize < 0 {
		return fmt.Errorf("history max_size must be positive")
	}
	if db := c.History.CouchDB; db != nil {
		if db.URL == "" {
			return fmt.Errorf("history couchdb has no url")
		}
		if db.Database == "" {
			return fmt.Errorf("history couchdb has no database")
		}
	}

	switch c.Clipboard.Backend {
	case ClipboardMemory:
	case ClipboardFile:
		if c.Clipboard.Path == "" {
			return fmt.Errorf("file clipboard has no path")
		}
	default:
		return fmt.Errorf("invalid clipboard backend '%s', must be one of: memory, file", c.Clipboard.Backend)
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level '%s'", c.Log.Level)
	}
	return nil
}

// Passphrase returns the secure store passphrase from the config or its env var
func (c *Config) Passphrase() string {
	if c.Secure.Passphrase != "" {
		return c.Secure.Passphrase
	}
	return os.Getenv(c.Secure.PassphraseEnv)
}

// DBPath is the bbolt database under DataDir
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "clipbird.db")
}

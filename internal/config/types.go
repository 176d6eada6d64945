package config

import (
	"fmt"
	"time"
)

// Roles a host can start in
const (
	RoleNone   = "none"
	RoleServer = "server"
	RoleClient = "client"
)

// Bluetooth discovery modes
const (
	BluetoothModeSDP        = "sdp"
	BluetoothModeConnection = "connection"
)

// Clipboard backends
const (
	ClipboardMemory = "memory"
	ClipboardFile   = "file"
)

// Config represents the overall configuration for clipbird
type Config struct {
	// Name is this device's name on the LAN and the identity peers trust
	Name    string `toml:"name"`
	Role    string `toml:"role"`
	DataDir string `toml:"data_dir"`
	Workers int    `toml:"workers"`
	// AutoAccept pairs unknown clients without confirmation in the server role
	AutoAccept bool `toml:"auto_accept"`

	TLS       TLSConf       `toml:"tls"`
	LAN       LANConf       `toml:"lan"`
	Bluetooth BluetoothConf `toml:"bluetooth"`
	KeepAlive KeepAliveConf `toml:"keepalive"`
	Hub       HubConf       `toml:"hub"`
	History   HistoryConf   `toml:"history"`
	Clipboard ClipboardConf `toml:"clipboard"`
	Metrics   MetricsConf   `toml:"metrics"`
	Secure    SecureConf    `toml:"secure"`
	Log       LogConf       `toml:"log"`
}

// TLSConf locates the host certificate used for LAN TLS and Bluetooth exchange
type TLSConf struct {
	CertFile string `toml:"cert_file"`
	KeyFile  string `toml:"key_file"`
	// Generate creates a self-signed certificate when none exists
	Generate bool `toml:"generate"`
}

type LANConf struct {
	Enabled *bool  `toml:"enabled"`
	Port    int    `toml:"port"` // 0 picks a free port
	Listen  string `toml:"listen"`
}

// IsEnabled defaults to true
func (c LANConf) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

type BluetoothConf struct {
	Enabled      bool     `toml:"enabled"`
	Mode         string   `toml:"mode"`
	Channel      uint8    `toml:"channel"`
	ScanInterval Duration `toml:"scan_interval"`
	Adapter      string   `toml:"adapter"`
}

// KeepAliveConf holds the session idle thresholds
type KeepAliveConf struct {
	MaxReadIdle  Duration `toml:"max_read_idle"`
	MaxWriteIdle Duration `toml:"max_write_idle"`
}

type HubConf struct {
	Enabled    bool   `toml:"enabled"`
	URL        string `toml:"url"`     // websocket endpoint, ws:// or wss://
	APIURL     string `toml:"api_url"` // REST base URL
	DeviceType string `toml:"device_type"`
}

type HistoryConf struct {
	MaxSize int          `toml:"max_size"`
	CouchDB *CouchDBConf `toml:"couchdb"`
}

// CouchDBConf configures optional history replication
type CouchDBConf struct {
	URL      string   `toml:"url"`
	Database string   `toml:"database"`
	Username string   `toml:"username"`
	Password string   `toml:"password"`
	Timeout  Duration `toml:"timeout"`
}

type ClipboardConf struct {
	Backend  string   `toml:"backend"`
	Path     string   `toml:"path"`
	Debounce Duration `toml:"debounce"`
}

type MetricsConf struct {
	Listen string `toml:"listen"` // empty disables the /metrics endpoint
}

// SecureConf configures the encrypted store holding hub secrets
type SecureConf struct {
	Passphrase    string `toml:"passphrase"`
	PassphraseEnv string `toml:"passphrase_env"`
}

type LogConf struct {
	Level string `toml:"level"`
}

// Duration is a time.Duration written as a string ("20s", "1m") in TOML
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

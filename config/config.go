// Package config is the daemon's static configuration surface: a flat
// struct of tunables loaded from JSON at startup and validated before
// anything else runs.
package config

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"
)

// Environment selects which deployment a transport.Config serves.
type Environment string

const (
	EnvironmentLAN   Environment = "lan"
	EnvironmentCloud Environment = "cloud"
)

// Config is the top-level configuration surface.
type Config struct {
	Environment        Environment       `json:"environment"`
	URL                string            `json:"url,omitempty"`
	FingerprintSHA256   string            `json:"fingerprint_sha256,omitempty"`
	Headers             map[string]string `json:"headers,omitempty"`
	IdleTimeoutMS        int               `json:"idle_timeout_ms"`
	RoundTripTimeoutMS   int               `json:"round_trip_timeout_ms"`
	MaxAttachmentBytes   int               `json:"max_attachment_bytes"`

	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name"`
	Platform   string `json:"platform"`

	// LANPort is the TCP port the embedded WebSocket server listens on and
	// advertises via mDNS.
	LANPort int `json:"lan_port"`

	// ControlSocketPath is the local control-plane socket path the UI
	// process connects to for connection-state and paired-device streams.
	ControlSocketPath string `json:"control_socket_path,omitempty"`
}

const (
	DefaultIdleTimeoutMS      = 30000
	DefaultRoundTripTimeoutMS = 60000
	// DefaultMaxAttachmentBytes bounds file/image payloads. 64 MiB covers
	// clipboard images/screenshots without admitting unbounded memory use
	// per envelope.
	DefaultMaxAttachmentBytes = 64 * 1024 * 1024
)

// Default returns a Config with every default populated, LAN environment
// selected (the common case for a freshly paired desktop).
func Default() Config {
	return Config{
		Environment:        EnvironmentLAN,
		IdleTimeoutMS:       DefaultIdleTimeoutMS,
		RoundTripTimeoutMS:  DefaultRoundTripTimeoutMS,
		MaxAttachmentBytes:  DefaultMaxAttachmentBytes,
		LANPort:             7475,
	}
}

// Load reads and validates a Config from a JSON file at path, filling
// unset fields from Default().
func Load(path string) (Config, error) {
	c := Default()
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&c); err != nil {
		return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks the cross-field invariants: cloud needs a URL, every
// environment needs a valid LAN listen port, and the device id must be set.
func (c Config) Validate() error {
	switch c.Environment {
	case EnvironmentLAN, EnvironmentCloud:
	default:
		return fmt.Errorf("config: unknown environment %q", c.Environment)
	}
	if c.Environment == EnvironmentCloud && c.URL == "" {
		return fmt.Errorf("config: cloud environment requires url")
	}
	if c.DeviceID == "" {
		return fmt.Errorf("config: device_id is required")
	}
	if c.LANPort <= 0 || c.LANPort > 65535 {
		return fmt.Errorf("config: lan_port out of range: %d", c.LANPort)
	}
	return nil
}

func (c Config) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutMS) * time.Millisecond
}

func (c Config) RoundTripTimeout() time.Duration {
	return time.Duration(c.RoundTripTimeoutMS) * time.Millisecond
}

// HTTPHeader converts the JSON-friendly map form into http.Header for the
// transport dialer.
func (c Config) HTTPHeader() http.Header {
	h := make(http.Header, len(c.Headers)+1)
	for k, v := range c.Headers {
		h.Set(k, v)
	}
	h.Set("X-Device-Id", c.DeviceID)
	return h
}

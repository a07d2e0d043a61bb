package connector

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

const (
	DefaultURL                  = "ws://127.0.0.1:8765/v1/bridge"
	DefaultConnectTimeout       = 10 * time.Second
	DefaultHandshakeTimeout     = 10 * time.Second
	DefaultResponseTimeout      = 30 * time.Second
	DefaultWriteTimeout         = 5 * time.Second
	DefaultHeartbeatInterval    = 30 * time.Second
	DefaultMaxReconnectAttempts = 5

	maxMessageSize = 16 * 1024 * 1024
)

// DefaultFeatures is the capability list sent in the handshake.
var DefaultFeatures = []string{
	"file_sync",
	"project_management",
	"task_tracking",
	"session_management",
	"notifications",
}

// Config controls one Connector. Zero durations and a zero
// MaxReconnectAttempts fall back to the defaults; set AutoReconnect to false
// to stop retrying.
type Config struct {
	URL                  string
	Source               string
	Target               string
	ConnectTimeout       time.Duration
	HandshakeTimeout     time.Duration
	ResponseTimeout      time.Duration
	WriteTimeout         time.Duration
	HeartbeatInterval    time.Duration
	MaxReconnectAttempts int
	AutoReconnect        bool
	Encoding             string
	Features             []string
}

func DefaultConfig() Config {
	return Config{
		URL:                  DefaultURL,
		Source:               "cli",
		Target:               "desktop",
		ConnectTimeout:       DefaultConnectTimeout,
		HandshakeTimeout:     DefaultHandshakeTimeout,
		ResponseTimeout:      DefaultResponseTimeout,
		WriteTimeout:         DefaultWriteTimeout,
		HeartbeatInterval:    DefaultHeartbeatInterval,
		MaxReconnectAttempts: DefaultMaxReconnectAttempts,
		AutoReconnect:        true,
		Encoding:             "json",
		Features:             DefaultFeatures,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.URL == "" {
		c.URL = d.URL
	}
	if c.Source == "" {
		c.Source = d.Source
	}
	if c.Target == "" {
		c.Target = d.Target
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.ResponseTimeout <= 0 {
		c.ResponseTimeout = d.ResponseTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = d.MaxReconnectAttempts
	}
	if c.Encoding == "" {
		c.Encoding = d.Encoding
	}
	if c.Features == nil {
		c.Features = d.Features
	}
}

// Validate checks the endpoint URL.
func (c *Config) Validate() error {
	u, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("connector: invalid url %q: %w", c.URL, err)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return fmt.Errorf("connector: unsupported url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("connector: url has no host")
	}
	return nil
}

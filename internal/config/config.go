package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/openmined/deskbridge/internal/connector"
	"github.com/openmined/deskbridge/internal/filesync"
	"github.com/openmined/deskbridge/internal/utils"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	EnvPrefix        = "DESKBRIDGE"
	DefaultFileName  = "config"
	DefaultCPAddr    = "127.0.0.1:7939"
	DefaultPeerAddr  = "127.0.0.1:8765"
	DefaultRateLimit = "50-S"
)

var (
	home, _             = os.UserHomeDir()
	DefaultStateDir     = filepath.Join(home, ".deskbridge")
	DefaultConfigPath   = filepath.Join(DefaultStateDir, "config.yaml")
	DefaultLogFilePath  = filepath.Join(DefaultStateDir, "logs", "deskbridge.log")
	DefaultJournalPath  = filepath.Join(DefaultStateDir, "sync.db")
	DefaultEnvFileNames = []string{".env", ".env.local"}
)

type Config struct {
	StateDir     string             `mapstructure:"state_dir" yaml:"state_dir"`
	LogFile      string             `mapstructure:"log_file" yaml:"log_file"`
	Projects     []string           `mapstructure:"projects" yaml:"projects,omitempty"`
	Connector    ConnectorConfig    `mapstructure:"connector" yaml:"connector"`
	Sync         SyncConfig         `mapstructure:"sync" yaml:"sync"`
	ControlPlane ControlPlaneConfig `mapstructure:"control_plane" yaml:"control_plane"`
	Peer         PeerConfig         `mapstructure:"peer" yaml:"peer"`

	// Path is the config file the values were read from, if any.
	Path string `mapstructure:"-" yaml:"-"`
}

type ConnectorConfig struct {
	URL                  string        `mapstructure:"url" yaml:"url"`
	ConnectTimeout       time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
	HandshakeTimeout     time.Duration `mapstructure:"handshake_timeout" yaml:"handshake_timeout"`
	ResponseTimeout      time.Duration `mapstructure:"response_timeout" yaml:"response_timeout"`
	WriteTimeout         time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	HeartbeatInterval    time.Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts" yaml:"max_reconnect_attempts"`
	AutoReconnect        bool          `mapstructure:"auto_reconnect" yaml:"auto_reconnect"`
	Encoding             string        `mapstructure:"encoding" yaml:"encoding"`
}

type SyncConfig struct {
	Enabled            bool          `mapstructure:"enabled" yaml:"enabled"`
	Root               string        `mapstructure:"root" yaml:"root"`
	Side               string        `mapstructure:"side" yaml:"side"`
	Policy             string        `mapstructure:"policy" yaml:"policy"`
	Interval           time.Duration `mapstructure:"interval" yaml:"interval"`
	IgnorePatterns     []string      `mapstructure:"ignore_patterns" yaml:"ignore_patterns,omitempty"`
	JournalPath        string        `mapstructure:"journal_path" yaml:"journal_path,omitempty"`
	ChecksumWorkers    int           `mapstructure:"checksum_workers" yaml:"checksum_workers"`
	LargeFileThreshold int64         `mapstructure:"large_file_threshold" yaml:"large_file_threshold"`
	Watch              bool          `mapstructure:"watch" yaml:"watch"`
}

type ControlPlaneConfig struct {
	Enabled   bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr      string `mapstructure:"addr" yaml:"addr"`
	Token     string `mapstructure:"token" yaml:"token,omitempty"`
	RateLimit string `mapstructure:"rate_limit" yaml:"rate_limit"`
}

// PeerConfig is the listen side used when running as the desktop end.
type PeerConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

func Default() *Config {
	cc := connector.DefaultConfig()
	sc := filesync.DefaultConfig()
	return &Config{
		StateDir: DefaultStateDir,
		LogFile:  DefaultLogFilePath,
		Connector: ConnectorConfig{
			URL:                  cc.URL,
			ConnectTimeout:       cc.ConnectTimeout,
			HandshakeTimeout:     cc.HandshakeTimeout,
			ResponseTimeout:      cc.ResponseTimeout,
			WriteTimeout:         cc.WriteTimeout,
			HeartbeatInterval:    cc.HeartbeatInterval,
			MaxReconnectAttempts: cc.MaxReconnectAttempts,
			AutoReconnect:        cc.AutoReconnect,
			Encoding:             cc.Encoding,
		},
		Sync: SyncConfig{
			Enabled:            true,
			Root:               ".",
			Side:               string(sc.Side),
			Policy:             string(sc.Policy),
			Interval:           sc.Interval,
			ChecksumWorkers:    sc.ChecksumWorkers,
			LargeFileThreshold: sc.LargeFileThreshold,
			Watch:              true,
		},
		ControlPlane: ControlPlaneConfig{
			Enabled:   true,
			Addr:      DefaultCPAddr,
			RateLimit: DefaultRateLimit,
		},
		Peer: PeerConfig{
			Addr: DefaultPeerAddr,
		},
	}
}

// SetDefaults registers every key with v so env vars and Unmarshal see them.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("state_dir", d.StateDir)
	v.SetDefault("log_file", d.LogFile)
	v.SetDefault("projects", []string{})

	v.SetDefault("connector.url", d.Connector.URL)
	v.SetDefault("connector.connect_timeout", d.Connector.ConnectTimeout)
	v.SetDefault("connector.handshake_timeout", d.Connector.HandshakeTimeout)
	v.SetDefault("connector.response_timeout", d.Connector.ResponseTimeout)
	v.SetDefault("connector.write_timeout", d.Connector.WriteTimeout)
	v.SetDefault("connector.heartbeat_interval", d.Connector.HeartbeatInterval)
	v.SetDefault("connector.max_reconnect_attempts", d.Connector.MaxReconnectAttempts)
	v.SetDefault("connector.auto_reconnect", d.Connector.AutoReconnect)
	v.SetDefault("connector.encoding", d.Connector.Encoding)

	v.SetDefault("sync.enabled", d.Sync.Enabled)
	v.SetDefault("sync.root", d.Sync.Root)
	v.SetDefault("sync.side", d.Sync.Side)
	v.SetDefault("sync.policy", d.Sync.Policy)
	v.SetDefault("sync.interval", d.Sync.Interval)
	v.SetDefault("sync.ignore_patterns", []string{})
	v.SetDefault("sync.journal_path", "")
	v.SetDefault("sync.checksum_workers", d.Sync.ChecksumWorkers)
	v.SetDefault("sync.large_file_threshold", d.Sync.LargeFileThreshold)
	v.SetDefault("sync.watch", d.Sync.Watch)

	v.SetDefault("control_plane.enabled", d.ControlPlane.Enabled)
	v.SetDefault("control_plane.addr", d.ControlPlane.Addr)
	v.SetDefault("control_plane.token", "")
	v.SetDefault("control_plane.rate_limit", d.ControlPlane.RateLimit)

	v.SetDefault("peer.addr", d.Peer.Addr)
}

// NewViper returns a viper instance wired for DESKBRIDGE_* env overrides.
// An explicit path is used as is; otherwise the usual locations are searched.
func NewViper(path string) *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath(DefaultStateDir)
		v.AddConfigPath(filepath.Join(home, ".config", "deskbridge"))
		v.SetConfigName(DefaultFileName)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// LoadEnvFiles loads dotenv files that exist. Variables already set win.
func LoadEnvFiles(paths ...string) error {
	if len(paths) == 0 {
		paths = DefaultEnvFileNames
	}
	var existing []string
	for _, p := range paths {
		if utils.FileExists(p) {
			existing = append(existing, p)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf("load env files: %w", err)
	}
	return nil
}

// Load reads the config file (a missing one is fine) and decodes it.
func Load(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		enoent := errors.Is(err, os.ErrNotExist)
		var notFound viper.ConfigFileNotFoundError
		if !enoent && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config read '%s': %w", v.ConfigFileUsed(), err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config decode: %w", err)
	}
	cfg.Path = v.ConfigFileUsed()
	return &cfg, nil
}

// Validate normalises paths and checks values that would only fail later.
func (c *Config) Validate() error {
	var err error
	if c.StateDir, err = utils.ResolvePath(c.StateDir); err != nil {
		return fmt.Errorf("state dir: %w", err)
	}
	if c.LogFile != "" {
		if c.LogFile, err = utils.ResolvePath(c.LogFile); err != nil {
			return fmt.Errorf("log file: %w", err)
		}
	}

	cc := c.ConnectorConfig()
	if err := cc.Validate(); err != nil {
		return err
	}
	switch c.Connector.Encoding {
	case "", "json", "msgpack":
	default:
		return fmt.Errorf("connector encoding %q: want json or msgpack", c.Connector.Encoding)
	}

	if c.Sync.Root, err = utils.ResolvePath(c.Sync.Root); err != nil {
		return fmt.Errorf("sync root: %w", err)
	}
	if c.Sync.JournalPath != "" && c.Sync.JournalPath != ":memory:" {
		if c.Sync.JournalPath, err = utils.ResolvePath(c.Sync.JournalPath); err != nil {
			return fmt.Errorf("sync journal: %w", err)
		}
	}
	sc, err := c.SyncConfig()
	if err != nil {
		return err
	}
	if err := sc.Validate(); err != nil {
		return err
	}

	if c.ControlPlane.Enabled {
		if _, _, err := net.SplitHostPort(c.ControlPlane.Addr); err != nil {
			return fmt.Errorf("control plane addr %q: %w", c.ControlPlane.Addr, err)
		}
	}
	if _, _, err := net.SplitHostPort(c.Peer.Addr); err != nil {
		return fmt.Errorf("peer addr %q: %w", c.Peer.Addr, err)
	}
	return nil
}

func (c *Config) ConnectorConfig() connector.Config {
	side := filesync.Writer(c.Sync.Side)
	if !side.Valid() {
		side = filesync.WriterCLI
	}
	return connector.Config{
		URL:                  c.Connector.URL,
		Source:               string(side),
		Target:               string(side.Other()),
		ConnectTimeout:       c.Connector.ConnectTimeout,
		HandshakeTimeout:     c.Connector.HandshakeTimeout,
		ResponseTimeout:      c.Connector.ResponseTimeout,
		WriteTimeout:         c.Connector.WriteTimeout,
		HeartbeatInterval:    c.Connector.HeartbeatInterval,
		MaxReconnectAttempts: c.Connector.MaxReconnectAttempts,
		AutoReconnect:        c.Connector.AutoReconnect,
		Encoding:             c.Connector.Encoding,
	}
}

func (c *Config) SyncConfig() (filesync.Config, error) {
	side, err := filesync.ParseWriter(c.Sync.Side)
	if err != nil {
		return filesync.Config{}, err
	}
	policy, err := filesync.ParsePolicy(c.Sync.Policy)
	if err != nil {
		return filesync.Config{}, err
	}
	return filesync.Config{
		Side:               side,
		Policy:             policy,
		Interval:           c.Sync.Interval,
		IgnorePatterns:     c.Sync.IgnorePatterns,
		JournalPath:        c.Sync.JournalPath,
		ChecksumWorkers:    c.Sync.ChecksumWorkers,
		LargeFileThreshold: c.Sync.LargeFileThreshold,
	}, nil
}

// LockPath is the single-instance lock file inside the state dir.
func (c *Config) LockPath() string {
	return filepath.Join(c.StateDir, "deskbridge.lock")
}

// Save writes the config as YAML.
func (c *Config) Save(path string) error {
	if err := utils.EnsureParent(path); err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

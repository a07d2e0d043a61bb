package filesync

import (
	"errors"
	"fmt"
	"time"
)

const (
	DefaultInterval           = 5 * time.Second
	DefaultIgnoreFile         = ".bridgeignore"
	DefaultChecksumWorkers    = 4
	DefaultLargeFileThreshold = 4 << 20
	DefaultChecksumCacheSize  = 4096
)

type Config struct {
	// Side is the writer this engine speaks for.
	Side   Writer
	Policy Policy
	// Interval between full rescans of the watched roots.
	Interval       time.Duration
	IgnorePatterns []string
	IgnoreFile     string
	// JournalPath persists records in SQLite when set.
	JournalPath        string
	ChecksumWorkers    int
	LargeFileThreshold int64
	ChecksumCacheSize  int
}

func DefaultConfig() Config {
	return Config{
		Side:               WriterCLI,
		Policy:             PolicyLatestWins,
		Interval:           DefaultInterval,
		IgnoreFile:         DefaultIgnoreFile,
		ChecksumWorkers:    DefaultChecksumWorkers,
		LargeFileThreshold: DefaultLargeFileThreshold,
		ChecksumCacheSize:  DefaultChecksumCacheSize,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Side == "" {
		c.Side = d.Side
	}
	if c.Policy == "" {
		c.Policy = d.Policy
	}
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.IgnoreFile == "" {
		c.IgnoreFile = d.IgnoreFile
	}
	if c.ChecksumWorkers <= 0 {
		c.ChecksumWorkers = d.ChecksumWorkers
	}
	if c.LargeFileThreshold <= 0 {
		c.LargeFileThreshold = d.LargeFileThreshold
	}
	if c.ChecksumCacheSize <= 0 {
		c.ChecksumCacheSize = d.ChecksumCacheSize
	}
}

func (c *Config) Validate() error {
	if !c.Side.Valid() {
		return fmt.Errorf("filesync: invalid side %q", c.Side)
	}
	if _, err := ParsePolicy(string(c.Policy)); err != nil {
		return err
	}
	if c.Interval <= 0 {
		return errors.New("filesync: interval must be positive")
	}
	return nil
}

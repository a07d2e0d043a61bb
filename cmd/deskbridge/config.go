package main

import (
	"os"

	"github.com/openmined/deskbridge/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// flag name -> config key, bound when the command defines the flag
var flagKeys = map[string]string{
	"root":        "sync.root",
	"policy":      "sync.policy",
	"interval":    "sync.interval",
	"journal":     "sync.journal_path",
	"ignore":      "sync.ignore_patterns",
	"project":     "projects",
	"url":         "connector.url",
	"encoding":    "connector.encoding",
	"http-addr":   "control_plane.addr",
	"http-token":  "control_plane.token",
	"listen":      "peer.addr",
	"state-dir":   "state_dir",
	"log-file":    "log_file",
	"max-retries": "connector.max_reconnect_attempts",
}

// configPath picks the --config flag, then DESKBRIDGE_CONFIG.
func configPath(cmd *cobra.Command) string {
	if f := cmd.Flag("config"); f != nil && f.Changed {
		return f.Value.String()
	}
	return os.Getenv(config.EnvPrefix + "_CONFIG")
}

// loadConfig layers defaults, the config file, .env files, DESKBRIDGE_*
// env vars and the command's flags, then validates the result. Keys in
// force win over every other source.
func loadConfig(cmd *cobra.Command, force map[string]any) (*config.Config, error) {
	if err := config.LoadEnvFiles(); err != nil {
		return nil, err
	}

	v := config.NewViper(configPath(cmd))
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if key := flagKeys[f.Name]; key != "" {
			_ = v.BindPFlag(key, f)
		}
	})
	for key, val := range force {
		v.Set(key, val)
	}

	cfg, err := config.Load(v)
	if err != nil {
		return nil, err
	}
	if noSync, _ := cmd.Flags().GetBool("no-sync"); noSync {
		cfg.Sync.Enabled = false
	}
	if noWatch, _ := cmd.Flags().GetBool("no-watch"); noWatch {
		cfg.Sync.Watch = false
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

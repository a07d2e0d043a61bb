package main

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/openmined/deskbridge/internal/bridge"
	"github.com/openmined/deskbridge/internal/config"
	"github.com/openmined/deskbridge/internal/connector"
	"github.com/openmined/deskbridge/internal/filesync"
	"github.com/openmined/deskbridge/internal/version"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(newDaemonCmd())
	rootCmd.AddCommand(newPeerCmd())
}

func newDaemonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Connect to the desktop app and keep the sync root in step with it",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd, nil)
		},
	}
	addDaemonFlags(cmd)
	cmd.Flags().StringP("url", "u", "", "desktop bridge url (default "+connector.DefaultURL+")")
	cmd.Flags().String("encoding", "", "wire encoding requested from the desktop: json or msgpack")
	cmd.Flags().Int("max-retries", 0, "reconnect attempts before giving up (default "+strconv.Itoa(connector.DefaultMaxReconnectAttempts)+")")
	return cmd
}

// newPeerCmd runs the desktop end, mostly for local testing without the app.
func newPeerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "peer",
		Short: "Serve the desktop end of the bridge",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd, map[string]any{"sync.side": "desktop"})
		},
	}
	addDaemonFlags(cmd)
	cmd.Flags().StringP("listen", "l", "", "address for bridge connections (default "+config.DefaultPeerAddr+")")
	return cmd
}

// addDaemonFlags registers the flags shared by both ends. Zero defaults
// leave the value to the config file and environment.
func addDaemonFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringP("root", "r", "", "sync root directory (default: current directory)")
	f.String("policy", "", "conflict policy: latest_wins, cli_wins, desktop_wins, manual")
	f.Duration("interval", 0, "rescan interval (default "+filesync.DefaultInterval.String()+")")
	f.String("journal", "", "sqlite journal for sync state, or :memory:")
	f.StringSlice("ignore", nil, "extra gitignore style patterns")
	f.StringSlice("project", nil, "project directories under the root (default: every top level dir)")
	f.StringP("http-addr", "a", "", "control plane address (default "+config.DefaultCPAddr+")")
	f.StringP("http-token", "t", "", "bearer token for the control plane")
	f.String("state-dir", "", "state directory (default "+config.DefaultStateDir+")")
	f.String("log-file", "", "log file (default "+config.DefaultLogFilePath+")")
	f.Bool("no-sync", false, "run the link without the sync engine")
	f.Bool("no-watch", false, "disable the file watcher and rely on rescans")
}

func runDaemon(cmd *cobra.Command, force map[string]any) error {
	cmd.SilenceUsage = true

	cfg, err := loadConfig(cmd, force)
	if err != nil {
		return err
	}

	closeLog, err := setupFileLogging(cfg.LogFile)
	if err != nil {
		return err
	}
	defer closeLog()

	slog.Info("deskbridge", "version", version.Version, "revision", version.Revision, "build", version.BuildDate)
	if cfg.Path != "" {
		slog.Info("using config", "path", cfg.Path)
	}

	daemon, err := bridge.New(cfg)
	if err != nil {
		return err
	}

	defer slog.Info("Bye!")
	start := time.Now()
	if err := daemon.Start(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("daemon start", "error", err, "uptime", time.Since(start).Round(time.Second))
		return err
	}
	return nil
}

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/goccy/go-json"
	"github.com/openmined/deskbridge/internal/bridgemsg"
	"github.com/openmined/deskbridge/internal/controlplane"
	"github.com/openmined/deskbridge/internal/filesync"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const ctlTimeout = 15 * time.Second

func init() {
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newConflictsCmd())
	rootCmd.AddCommand(newSyncCmd())
	rootCmd.AddCommand(newNotifyCmd())
	rootCmd.AddCommand(newResolveCmd())
}

// addCtlFlags registers the flags used to reach a running daemon.
func addCtlFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("http-addr", "a", "", "control plane address of the daemon")
	cmd.Flags().StringP("http-token", "t", "", "bearer token for the control plane")
}

func ctlClient(cmd *cobra.Command) (*controlplane.Client, error) {
	cfg, err := loadConfig(cmd, nil)
	if err != nil {
		return nil, err
	}
	baseURL, err := controlplane.AddrToURL(cfg.ControlPlane.Addr)
	if err != nil {
		return nil, err
	}
	return controlplane.NewClient(baseURL, cfg.ControlPlane.Token), nil
}

func ctlContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), ctlTimeout)
}

func newStatusCmd() *cobra.Command {
	var raw bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the state of the running daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			client, err := ctlClient(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := ctlContext(cmd)
			defer cancel()

			status, err := client.StatusRaw(ctx)
			if err != nil {
				return err
			}
			if raw {
				return printJSON(cmd.OutOrStdout(), status)
			}
			return printStatus(cmd.OutOrStdout(), status)
		},
	}
	addCtlFlags(cmd)
	cmd.Flags().BoolVar(&raw, "raw", false, "print the raw json document")
	return cmd
}

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func printStatus(w io.Writer, status map[string]any) error {
	state := "unknown"
	if link, ok := status["link"].(map[string]any); ok {
		if s, ok := link["state"].(string); ok {
			state = s
		} else if clients, ok := link["clients"].([]any); ok {
			state = fmt.Sprintf("serving %d client(s)", len(clients))
		}
	}
	fmt.Fprintf(w, "%s %s\n", cyan("LINK"), colorState(state))

	data, err := yaml.Marshal(status)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func colorState(state string) string {
	switch {
	case state == "connected" || strings.HasPrefix(state, "serving"):
		return green(state)
	case state == "connecting" || state == "closing":
		return yellow(state)
	}
	return red(state)
}

func newConflictsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "List unresolved sync conflicts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			client, err := ctlClient(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := ctlContext(cmd)
			defer cancel()

			resp, err := client.Conflicts(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(resp.Conflicts) == 0 {
				fmt.Fprintln(out, green("no conflicts"))
				return nil
			}
			for _, c := range resp.Conflicts {
				fmt.Fprintf(out, "%s %s incoming from %s %s", yellow("CONFLICT"), c.Path, c.IncomingWriter, humanize.Time(c.IncomingTime))
				if c.Existing != nil {
					fmt.Fprintf(out, ", last written by %s %s", c.Existing.LastWriter, humanize.Time(c.Existing.LastSyncTime))
				}
				fmt.Fprintln(out)
			}
			return nil
		},
	}
	addCtlFlags(cmd)
	return cmd
}

func newSyncCmd() *cobra.Command {
	var now, force bool

	cmd := &cobra.Command{
		Use:   "sync <path>",
		Short: "Queue a file for sync, or sync it right away with --now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			client, err := ctlClient(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := ctlContext(cmd)
			defer cancel()

			resp, err := client.Sync(ctx, controlplane.SyncRequest{Path: args[0], Now: now, Force: force})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			switch {
			case resp.Queued:
				fmt.Fprintf(out, "%s %s\n", cyan("QUEUED"), args[0])
			case resp.Record != nil:
				fmt.Fprintf(out, "%s %s v%d %s\n", green("SYNCED"), resp.Record.Path, resp.Record.Version, humanize.Bytes(uint64(resp.Record.Size)))
			default:
				fmt.Fprintf(out, "%s %s\n", green("SYNCED"), args[0])
			}
			return nil
		},
	}
	addCtlFlags(cmd)
	cmd.Flags().BoolVar(&now, "now", false, "sync inline instead of queueing")
	cmd.Flags().BoolVar(&force, "force", false, "send even if unchanged since the last sync")
	return cmd
}

func newNotifyCmd() *cobra.Command {
	var title, message, level string
	var actions []string

	cmd := &cobra.Command{
		Use:   "notify",
		Short: "Show a notification on the other side",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			if title == "" && message == "" {
				return fmt.Errorf("notify needs --title or --message")
			}
			client, err := ctlClient(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := ctlContext(cmd)
			defer cancel()

			resp, err := client.Notify(ctx, bridgemsg.Notification{
				Title:   title,
				Message: message,
				Level:   level,
				Actions: actions,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", green("SENT"), resp.MessageID)
			return nil
		},
	}
	addCtlFlags(cmd)
	cmd.Flags().StringVar(&title, "title", "", "notification title")
	cmd.Flags().StringVarP(&message, "message", "m", "", "notification body")
	cmd.Flags().StringVar(&level, "level", "info", "info, success, warning or error")
	cmd.Flags().StringSliceVar(&actions, "action", nil, "action button labels")
	return cmd
}

func newResolveCmd() *cobra.Command {
	var contentFile string

	cmd := &cobra.Command{
		Use:       "resolve <path> <cli|desktop|manual>",
		Short:     "Settle a pending conflict",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{string(filesync.WriterCLI), string(filesync.WriterDesktop), filesync.ResolutionManual},
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			req := controlplane.ResolveRequest{Path: args[0], Resolution: args[1]}
			if req.Resolution == filesync.ResolutionManual {
				if contentFile == "" {
					return fmt.Errorf("manual resolution needs --content-file")
				}
				data, err := os.ReadFile(contentFile)
				if err != nil {
					return err
				}
				content := string(data)
				req.Content = &content
			}

			client, err := ctlClient(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := ctlContext(cmd)
			defer cancel()

			resp, err := client.Resolve(ctx, req)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s with %s\n", green("RESOLVED"), resp.Path, resp.Applied)
			return nil
		},
	}
	addCtlFlags(cmd)
	cmd.Flags().StringVarP(&contentFile, "content-file", "f", "", "merged content for a manual resolution")
	return cmd
}

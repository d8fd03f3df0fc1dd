package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/masqctl/masqctl/internal/ctl"
)

var (
	ctlSocket  string
	ctlAddr    string
	ctlNoColor bool
	ctlJSON    bool
)

var ctlCmd = &cobra.Command{
	Use:   "ctl",
	Short: "Control a running masqctl service",
	Long:  "Send commands to a running masqctl service via its API.",
}

func newCtlClient() *ctl.Client {
	if ctlAddr != "" {
		return ctl.NewTCPClient(ctlAddr)
	}
	sock := ctlSocket
	if sock == "" {
		sock = ctl.DefaultSocket
	}
	return ctl.NewUnixClient(sock)
}

// readContent reads a config body from a file, or stdin when path is "-".
func readContent(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	return data, nil
}

func parseVersionID(s string) (uint64, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid version id %q", s)
	}
	return id, nil
}

var ctlStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return newCtlClient().Status(cmd.Context(), ctlJSON, ctlNoColor, cmd.OutOrStdout())
	},
}

var ctlTestCmd = &cobra.Command{
	Use:   "test <file|->",
	Short: "Validate a dnsmasq config without applying it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		content, err := readContent(cmd, args[0])
		if err != nil {
			return err
		}
		res, err := newCtlClient().Test(cmd.Context(), content)
		if err != nil {
			return err
		}
		if !res.Valid {
			return errors.New(res.Error)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "config ok")
		return nil
	},
}

var ctlStageCmd = &cobra.Command{
	Use:   "stage <file|->",
	Short: "Save a config as pending; it is applied by the next restart",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		content, err := readContent(cmd, args[0])
		if err != nil {
			return err
		}
		res, err := newCtlClient().Stage(cmd.Context(), content)
		if err != nil {
			return err
		}
		if !res.Success {
			return errors.New(res.Message)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "staged version %d; run \"masqctl ctl restart\" to apply\n", res.VersionID)
		return nil
	},
}

var ctlApplyCmd = &cobra.Command{
	Use:   "apply <file|->",
	Short: "Validate, install and restart with a new config, rolling back on failure",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		content, err := readContent(cmd, args[0])
		if err != nil {
			return err
		}
		res, err := newCtlClient().Apply(cmd.Context(), content)
		if ctlJSON && res.RequestID != "" {
			if werr := writeJSON(cmd.OutOrStdout(), res); werr != nil {
				return werr
			}
			return err
		}
		if err != nil {
			if res.RolledBack {
				return fmt.Errorf("%w (rolled back to the previous config)", err)
			}
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "applied version %d\n", res.VersionID)
		return nil
	},
}

var ctlRestartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Restart the daemon, applying the pending config if any",
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := newCtlClient().Restart(cmd.Context())
		if err != nil {
			return err
		}
		if res.Result != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "applied version %d and restarted\n", res.Result.VersionID)
			return nil
		}
		fmt.Fprintln(cmd.OutOrStdout(), "restarted")
		return nil
	},
}

var ctlHistoryLimit int

var ctlHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "List stored config versions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return newCtlClient().History(cmd.Context(), ctlHistoryLimit, ctlJSON, cmd.OutOrStdout())
	},
}

var ctlShowCmd = &cobra.Command{
	Use:   "show [version]",
	Short: "Print a stored config version (default: active)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var id uint64
		if len(args) > 0 {
			var err error
			if id, err = parseVersionID(args[0]); err != nil {
				return err
			}
		}
		return newCtlClient().Show(cmd.Context(), id, cmd.OutOrStdout())
	},
}

var ctlRollbackCmd = &cobra.Command{
	Use:   "rollback <version>",
	Short: "Re-apply a stored config version",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseVersionID(args[0])
		if err != nil {
			return err
		}
		res, err := newCtlClient().Rollback(cmd.Context(), id)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "rolled back to version %d as version %d\n", id, res.VersionID)
		return nil
	},
}

var (
	logsFollow bool
	logsLimit  int
)

var ctlLogsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Show recent DNS queries",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newCtlClient()
		if logsFollow {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer cancel()
			return c.LogsFollow(ctx, ctlJSON, cmd.OutOrStdout())
		}
		return c.Logs(cmd.Context(), logsLimit, ctlJSON, cmd.OutOrStdout())
	},
}

var ctlStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show query statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		return newCtlClient().Stats(cmd.Context(), cmd.OutOrStdout())
	},
}

var eventTypes []string

var ctlEventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Stream lifecycle events",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer cancel()
		return newCtlClient().Events(ctx, eventTypes, cmd.OutOrStdout())
	},
}

var ctlHealthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check service liveness",
	RunE: func(cmd *cobra.Command, args []string) error {
		return probeCommand(cmd, newCtlClient().Health, "ok")
	},
}

var ctlReadyCmd = &cobra.Command{
	Use:   "ready",
	Short: "Check service readiness",
	RunE: func(cmd *cobra.Command, args []string) error {
		return probeCommand(cmd, newCtlClient().Ready, "ready")
	},
}

// probeCommand prints the probe status and exits 1 unless it is want.
func probeCommand(cmd *cobra.Command, probe func(context.Context) (string, error), want string) error {
	status, err := probe(cmd.Context())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Fprintln(cmd.OutOrStdout(), strings.ToUpper(status))
	if status != want {
		os.Exit(1)
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	ctlCmd.PersistentFlags().StringVarP(&ctlSocket, "socket", "s", "", "Unix socket path (default "+ctl.DefaultSocket+")")
	ctlCmd.PersistentFlags().StringVar(&ctlAddr, "addr", "", "TCP address (host:port)")
	ctlCmd.PersistentFlags().BoolVar(&ctlJSON, "json", false, "Output JSON")

	ctlStatusCmd.Flags().BoolVar(&ctlNoColor, "no-color", false, "Disable color output")
	ctlHistoryCmd.Flags().IntVarP(&ctlHistoryLimit, "limit", "n", 20, "Number of versions to list")
	ctlLogsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "Follow live queries")
	ctlLogsCmd.Flags().IntVarP(&logsLimit, "limit", "n", 50, "Number of records to show")
	ctlEventsCmd.Flags().StringSliceVar(&eventTypes, "type", nil, "Event types or families to stream (e.g. apply, daemon_state)")

	ctlCmd.AddCommand(
		ctlStatusCmd, ctlTestCmd, ctlStageCmd, ctlApplyCmd, ctlRestartCmd,
		ctlHistoryCmd, ctlShowCmd, ctlRollbackCmd,
		ctlLogsCmd, ctlStatsCmd, ctlEventsCmd,
		ctlHealthCmd, ctlReadyCmd,
	)
	rootCmd.AddCommand(ctlCmd)
}

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"harvester/internal/api"
	"harvester/internal/daemonctl"
)

func newDaemonControlCommands(ctx *commandContext) []*cobra.Command {
	var logLevel string
	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Launch the harvester daemon in the background",
		RunE: func(cmd *cobra.Command, _ []string) error {
			exe, err := os.Executable()
			if err != nil {
				return fmt.Errorf("resolve executable: %w", err)
			}
			return ctx.withClient(func(client *api.Client) error {
				result, err := daemonctl.EnsureStarted(cmd.Context(), client, exe, daemonctl.LaunchOptions{
					ConfigPath: ctx.configPath(),
					LogLevel:   logLevel,
				}, 10*time.Second)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				switch result.State {
				case daemonctl.StartStateStarted:
					fmt.Fprintf(out, "Daemon started (pid %d)\n", result.PID)
				case daemonctl.StartStateAlreadyRunning:
					fmt.Fprintf(out, "Daemon already running (pid %d)\n", result.PID)
				}
				return nil
			})
		},
	}
	startCmd.Flags().StringVar(&logLevel, "log-level", "", "Override logging.level for the launched daemon")

	stopCmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the background harvester daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			pidPath := filepath.Join(cfg.Paths.LogDir, "harvesterd.pid")
			return ctx.withClient(func(client *api.Client) error {
				out := cmd.OutOrStdout()
				result, err := daemonctl.Stop(cmd.Context(), client, pidPath, 10*time.Second)
				if errors.Is(err, daemonctl.ErrDaemonNotRunning) {
					fmt.Fprintln(out, "Daemon is not running")
					return nil
				}
				if err != nil {
					return err
				}
				if result.ForcedKill {
					fmt.Fprintf(out, "Daemon did not exit in time; killed pid %d\n", result.PID)
					return nil
				}
				fmt.Fprintf(out, "Daemon stopped (pid %d)\n", result.PID)
				return nil
			})
		},
	}

	return []*cobra.Command{startCmd, stopCmd}
}

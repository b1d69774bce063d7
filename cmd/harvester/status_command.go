package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"harvester/internal/api"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon, job and harvest status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return ctx.withClient(func(client *api.Client) error {
				st, err := client.Status(cmd.Context())
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, st)
				}
				renderStatus(cmd.OutOrStdout(), st)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

func renderStatus(out io.Writer, st *api.DaemonStatus) {
	fmt.Fprintf(out, "Daemon:       %s (pid %d)\n", runningLabel(st.Running), st.PID)
	fmt.Fprintf(out, "Environment:  %s\n", st.Environment)
	fmt.Fprintf(out, "Backends:     status=%s broker=%s\n", st.StatusBackend, st.BrokerBackend)
	fmt.Fprintf(out, "Database:     %s\n", st.DatabasePath)
	fmt.Fprintf(out, "Queues:       %s\n", strings.Join(st.WorkerQueues, ", "))
	fmt.Fprintf(out, "Live jobs:    %d (%d running here)\n", st.Jobs, len(st.ActiveJobs))
	fmt.Fprintln(out)

	rows := make([][]string, 0, len(st.Harvest.States)+2)
	for _, state := range []string{"new", "metadata_gathered", "processing", "completed", "failed"} {
		rows = append(rows, []string{colorStatus(out, state), strconv.Itoa(st.Harvest.States[state])})
	}
	rows = append(rows,
		[]string{"deleted upstream", strconv.Itoa(st.Harvest.Deleted)},
		[]string{"total", strconv.Itoa(st.Harvest.Total)},
	)
	fmt.Fprintln(out, renderTable([]string{"Harvest items", "Count"}, rows, []columnAlignment{alignLeft, alignRight}))
}

func runningLabel(running bool) string {
	if running {
		return "running"
	}
	return "stopped"
}

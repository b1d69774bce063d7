package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"harvester/internal/api"
)

func newJobsCommand(ctx *commandContext) *cobra.Command {
	jobsCmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and manage dispatched jobs",
	}
	jobsCmd.AddCommand(newJobsListCommand(ctx))
	jobsCmd.AddCommand(newJobsCountCommand(ctx))
	jobsCmd.AddCommand(newJobsShowCommand(ctx))
	jobsCmd.AddCommand(newJobsKillCommand(ctx))
	jobsCmd.AddCommand(newJobsClearCommand(ctx))
	return jobsCmd
}

func newJobsListCommand(ctx *commandContext) *cobra.Command {
	var offset, limit int
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return ctx.withClient(func(client *api.Client) error {
				resp, err := client.ListJobs(cmd.Context(), offset, limit)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, resp.Jobs)
				}
				out := cmd.OutOrStdout()
				if len(resp.Jobs) == 0 {
					fmt.Fprintln(out, "No jobs")
					return nil
				}
				rows := make([][]string, 0, len(resp.Jobs))
				for _, job := range resp.Jobs {
					rows = append(rows, []string{
						job.ID,
						colorStatus(out, job.Status),
						job.OwningClass,
						job.Queue,
						strconv.Itoa(job.Retries),
						job.UpdatedAt,
						truncate(job.LastMessage, 60),
					})
				}
				fmt.Fprintln(out, renderTable(
					[]string{"ID", "Status", "Class", "Queue", "Retries", "Updated", "Message"},
					rows,
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight},
				))
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&offset, "offset", 0, "Skip this many jobs")
	cmd.Flags().IntVar(&limit, "limit", 50, "Show at most this many jobs")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

func newJobsCountCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "count",
		Short: "Print the number of live jobs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return ctx.withClient(func(client *api.Client) error {
				count, err := client.CountJobs(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), count)
				return nil
			})
		},
	}
}

func newJobsShowCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one job with its message history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *api.Client) error {
				job, err := client.GetJob(cmd.Context(), args[0])
				if err != nil {
					return fmt.Errorf("job %s: %w", args[0], err)
				}
				if asJSON {
					return writeJSON(cmd, job)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "ID:       %s\n", job.ID)
				fmt.Fprintf(out, "Status:   %s\n", colorStatus(out, job.Status))
				fmt.Fprintf(out, "Class:    %s\n", job.OwningClass)
				fmt.Fprintf(out, "Queue:    %s\n", job.Queue)
				fmt.Fprintf(out, "Retries:  %d\n", job.Retries)
				if len(job.Args) > 0 {
					fmt.Fprintf(out, "Args:     %s\n", string(job.Args))
				}
				fmt.Fprintf(out, "Created:  %s\n", job.CreatedAt)
				fmt.Fprintf(out, "Updated:  %s\n", job.UpdatedAt)
				if job.ExpiresAt != "" {
					fmt.Fprintf(out, "Expires:  %s\n", job.ExpiresAt)
				}
				fmt.Fprintln(out, "Messages:")
				for i, msg := range job.Messages {
					fmt.Fprintf(out, "  %d. %s\n", i+1, msg)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

func newJobsKillCommand(ctx *commandContext) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "kill <id>",
		Short: "Mark a queued or running job as killed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *api.Client) error {
				job, err := client.KillJob(cmd.Context(), args[0], reason)
				if err != nil {
					return fmt.Errorf("kill %s: %w", args[0], err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Job %s is now %s\n", job.ID, job.Status)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Reason recorded on the job")
	return cmd
}

func newJobsClearCommand(ctx *commandContext) *cobra.Command {
	var statuses []string
	var all bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete job records by status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if len(statuses) == 0 && !all {
				return fmt.Errorf("pass --status or --all")
			}
			if all {
				statuses = nil
			}
			return ctx.withClient(func(client *api.Client) error {
				removed, err := client.ClearJobs(cmd.Context(), statuses...)
				if err != nil {
					return err
				}
				label := "all statuses"
				if len(statuses) > 0 {
					label = strings.Join(statuses, ", ")
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %d jobs (%s)\n", removed, label)
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "Status to clear (repeatable)")
	cmd.Flags().BoolVar(&all, "all", false, "Clear every job record")
	return cmd
}

func truncate(value string, limit int) string {
	runes := []rune(value)
	if len(runes) <= limit {
		return value
	}
	return string(runes[:limit-1]) + "…"
}

package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"harvester/internal/api"
)

func newEnqueueCommand(ctx *commandContext) *cobra.Command {
	var owningClass, queue, strategy string
	var rawArgs, fields []string
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Dispatch a job through the daemon",
		Example: `  harvester enqueue --class Report --queue analysis --arg harvest_id=h-1 --strategy content_hash
  harvester enqueue --class Sync --queue default --arg user=7 --strategy keyed --field user`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			args, err := parseJobArgs(rawArgs)
			if err != nil {
				return err
			}
			return ctx.withClient(func(client *api.Client) error {
				resp, err := client.Enqueue(cmd.Context(), api.EnqueueRequest{
					OwningClass: owningClass,
					Queue:       queue,
					Args:        args,
					Strategy:    strategy,
					Fields:      fields,
				})
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, resp)
				}
				out := cmd.OutOrStdout()
				if resp.Accepted {
					fmt.Fprintf(out, "Queued %s on %s\n", resp.ID, resp.Queue)
				} else {
					fmt.Fprintf(out, "Duplicate of live job %s on %s; nothing queued\n", resp.ID, resp.Queue)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&owningClass, "class", "", "Owning class of the job")
	cmd.Flags().StringVar(&queue, "queue", "default", "Logical or physical queue name")
	cmd.Flags().StringArrayVar(&rawArgs, "arg", nil, "Job argument as key=value; JSON values are decoded (repeatable)")
	cmd.Flags().StringVar(&strategy, "strategy", "random", "Identity strategy: random, content_hash or keyed_template")
	cmd.Flags().StringSliceVar(&fields, "field", nil, "Argument names forming a keyed_template identity, in order")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	_ = cmd.MarkFlagRequired("class")
	return cmd
}

// parseJobArgs turns key=value pairs into job arguments. Values that parse as
// JSON keep their type, so n=3 is a number and s="3" a string.
func parseJobArgs(pairs []string) (map[string]any, error) {
	args := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("argument %q is not key=value", pair)
		}
		if _, dup := args[key]; dup {
			return nil, fmt.Errorf("argument %q given twice", key)
		}
		var decoded any
		if err := json.Unmarshal([]byte(value), &decoded); err == nil {
			args[key] = decoded
		} else {
			args[key] = value
		}
	}
	return args, nil
}

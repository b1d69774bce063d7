package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"harvester/internal/api"
)

func newWebhookCommand(ctx *commandContext) *cobra.Command {
	webhookCmd := &cobra.Command{
		Use:   "webhook",
		Short: "Transfer webhook utilities",
	}
	webhookCmd.AddCommand(newWebhookReplayCommand(ctx))
	return webhookCmd
}

func newWebhookReplayCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "replay <file|->",
		Short: "Post a saved webhook body to the daemon",
		Long:  "Replay reads a JSON webhook body from a file, or stdin when the argument is -, and delivers it as the transfer server would.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := readWebhookBody(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			return ctx.withClient(func(client *api.Client) error {
				resp, err := client.PostWebhook(cmd.Context(), body)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Delivered %s event (request %s)\n", resp.Action, resp.RequestID)
				return nil
			})
		},
	}
}

func readWebhookBody(stdin io.Reader, source string) ([]byte, error) {
	var (
		body []byte
		err  error
	)
	if source == "-" {
		body, err = io.ReadAll(stdin)
	} else {
		body, err = os.ReadFile(source)
	}
	if err != nil {
		return nil, fmt.Errorf("read webhook body: %w", err)
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("webhook body from %s is not valid JSON", source)
	}
	return body, nil
}

package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"harvester/internal/classify"
)

func newClassifyCommand(ctx *commandContext) *cobra.Command {
	var listRules bool
	cmd := &cobra.Command{
		Use:   "classify [message]",
		Short: "Show how an error message would be classified",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			classifier, err := classify.NewFromConfig(cfg)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if listRules {
				rows := make([][]string, 0, len(classifier.Rules()))
				for _, rule := range classifier.Rules() {
					rows = append(rows, []string{rule.Name, string(rule.Kind), rule.Pattern.String()})
				}
				fmt.Fprintln(out, renderTable([]string{"Rule", "Kind", "Pattern"}, rows, nil))
				return nil
			}
			if len(args) == 0 {
				return fmt.Errorf("pass an error message or --rules")
			}
			result := classifier.Classify(strings.Join(args, " "))
			rule := result.MatchedRule
			if rule == "" {
				rule = "(none)"
			}
			fmt.Fprintf(out, "Kind:      %s\n", result.Kind)
			fmt.Fprintf(out, "Rule:      %s\n", rule)
			fmt.Fprintf(out, "Retryable: %s\n", yesNo(result.Kind.Retryable()))
			return nil
		},
	}
	cmd.Flags().BoolVar(&listRules, "rules", false, "List the active rules in evaluation order")
	return cmd
}

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/songzhibin97/chatflow/rules"
	"github.com/songzhibin97/chatflow/workflow"
)

func checkWorkflowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check-workflow <file>",
		Short: "Validate workflow definitions without starting the service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			wfs, err := workflow.LoadFile(args[0])
			if err != nil {
				return err
			}
			ev := rules.NewExprEvaluator()
			for _, wf := range wfs {
				for _, e := range wf.Edges {
					if err := ev.Check(e.Condition); err != nil {
						return fmt.Errorf("workflow %q edge %s->%s: %w", wf.ID, e.From, e.To, err)
					}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "ok  %s  (%d nodes, %d edges)\n", wf.ID, len(wf.Nodes), len(wf.Edges))
			}
			return nil
		},
	}
}

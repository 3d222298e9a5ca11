package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/internal/workflow"
)

var validateCmd = &cobra.Command{
	Use:   "validate-workflows <file>",
	Short: "Validate a workflow definitions file",
	Long:  "Parse a YAML file of workflow definitions and report the first invalid one",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := workflow.LoadFile(args[0])
		if err != nil {
			return err
		}
		for _, id := range p.IDs() {
			fmt.Fprintln(cmd.OutOrStdout(), id)
		}
		return nil
	},
}

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print the Postgres schema",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprint(cmd.OutOrStdout(), repository.Schema)
	},
}

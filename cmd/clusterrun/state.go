package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/rendis/clusterrun/internal/state"
)

func newStateCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect statefiles written by single-step runs",
	}
	cmd.AddCommand(newStateShowCmd(a), newStateQueryCmd(a))
	return cmd
}

func newStateShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show <statefile>",
		Short: "Pretty-print a statefile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := a.validator()
			if err != nil {
				return err
			}
			rec, err := state.Load(args[0], v.Schemas())
			if err != nil {
				return err
			}
			return a.printJSON(rec)
		},
	}
}

func newStateQueryCmd(a *app) *cobra.Command {
	var raw bool
	cmd := &cobra.Command{
		Use:   "query <statefile> <jq-expression>",
		Short: "Evaluate a jq expression against a statefile",
		Long: `Evaluate a jq expression against a statefile. The input is the persisted
array: .[0] is the parameter mapping and .[1:] the step results in order.`,
		Example: `  clusterrun state query /tmp/upgrade.json '.[0].nodes'
  clusterrun state query /tmp/upgrade.json '.[1] | keys'`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := a.validator()
			if err != nil {
				return err
			}
			rec, err := state.Load(args[0], v.Schemas())
			if err != nil {
				return err
			}
			out, err := state.NewQuerier().Query(cmd.Context(), rec, args[1])
			if err != nil {
				return err
			}
			for _, o := range out {
				if s, ok := o.(string); ok && raw {
					if _, err := a.stdout.Write([]byte(s + "\n")); err != nil {
						return err
					}
					continue
				}
				if err := a.printJSON(o); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&raw, "raw-output", "r", false, "print strings without JSON quoting")
	return cmd
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

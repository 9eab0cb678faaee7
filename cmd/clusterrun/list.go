package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rendis/clusterrun/pkg/schema"
)

func newListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List workflows found under the workflow roots",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			l, err := a.loader()
			if err != nil {
				return err
			}
			for _, name := range l.List() {
				fmt.Fprintln(a.stdout, name)
			}
			return nil
		},
	}
}

func newVerifyCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <workflow>",
		Short: "Check a workflow definition without running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := a.loader()
			if err != nil {
				return err
			}
			def, result, err := l.Verify(args[0])
			if err != nil {
				return err
			}
			for _, w := range result.Warnings {
				fmt.Fprintf(a.stderr, "warning: %s\n", w)
			}
			if verr := result.ToError(args[0]); verr != nil {
				for _, e := range result.Errors {
					fmt.Fprintln(a.stdout, e)
				}
				return verr
			}
			printDefinition(a, def)
			return nil
		},
	}
}

func printDefinition(a *app, def *schema.WorkflowDefinition) {
	fmt.Fprintf(a.stdout, "%s: %s\n", def.Name, def.Description)
	if len(def.Parameters) > 0 {
		fmt.Fprintln(a.stdout, "parameters:")
		for _, p := range def.Parameters {
			if p.HasDefault {
				fmt.Fprintf(a.stdout, "  %s (default: %v)\n", p.Name, p.Default)
			} else {
				fmt.Fprintf(a.stdout, "  %s (required)\n", p.Name)
			}
		}
	}
	fmt.Fprintln(a.stdout, "steps:")
	for i, s := range def.Steps {
		fmt.Fprintf(a.stdout, "  %d. %s [%s] %s\n", i+1, s.Name, s.Kind, strings.TrimSpace(s.Call))
	}
}

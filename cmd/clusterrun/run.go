package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rendis/clusterrun/internal/params"
)

func newRunCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "run <workflow> [key=value ...]",
		Short: "Run a workflow across the cluster",
		Long: `Run every step of a workflow in order, or a single step when both
step and statefile are given. Arguments are key=value pairs naming workflow
parameters or one of the common parameters below.

Common parameters:
` + commonParamsHelp(),
		Example: `  clusterrun run health
  clusterrun run health nodes=node1,node2 threshold=10
  clusterrun run upgrade dry_run=yes
  clusterrun run upgrade step=prepare statefile=/tmp/upgrade.json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.run(ctx, args[0], args[1:])
		},
	}
}

func (a *app) run(ctx context.Context, name string, args []string) error {
	r, closeJournal, err := a.runner(ctx, a.stdout)
	if err != nil {
		return err
	}
	defer closeJournal()

	res, err := r.Run(ctx, name, args)
	if res != nil {
		a.logger.Debug("run finished", "run_id", res.RunID, "entries", res.Record.Len())
	}
	return err
}

func commonParamsHelp() string {
	var b strings.Builder
	for _, p := range params.Common {
		def := p.Default
		if def == "" {
			def = "unset"
		}
		fmt.Fprintf(&b, "  %-10s %s (default: %s)\n", p.Name, p.Description, def)
	}
	return b.String()
}

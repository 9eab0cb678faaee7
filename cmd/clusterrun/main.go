package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/rendis/clusterrun/internal/config"
	"github.com/rendis/clusterrun/internal/logging"
)

func main() {
	if err := newRootCmd(os.Stdout, os.Stderr).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// app carries what every subcommand needs once flags are parsed.
type app struct {
	cfgFile string
	stdout  io.Writer
	stderr  io.Writer

	cfg    *config.Config
	logger *slog.Logger
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	a := &app{stdout: stdout, stderr: stderr}

	root := &cobra.Command{
		Use:   "clusterrun",
		Short: "Run multi-step workflows across cluster nodes",
		Long: `clusterrun executes a workflow (a directory holding main.yml and the
programs it calls) across a set of cluster nodes. Steps run in order;
each one sees the record accumulated by the steps before it.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.CompletionOptions.DisableDefaultCmd = true

	pf := root.PersistentFlags()
	pf.StringVar(&a.cfgFile, "config", "", "config file (default: ./config.yaml, ~/.clusterrun/config.yaml, /etc/clusterrun/config.yaml)")
	pf.String("log-level", "", "log level: debug, info, warn, error")
	pf.String("log-format", "", "log format: text or json")
	pf.StringSlice("workflow-root", nil, "workflow search roots, in order")
	pf.String("journal", "", "run journal path (empty string in config disables it)")

	root.AddCommand(
		newRunCmd(a),
		newListCmd(a),
		newVerifyCmd(a),
		newStateCmd(a),
		newHistoryCmd(a),
		newVersionCmd(a),
	)
	return root
}

func (a *app) setup(cmd *cobra.Command) error {
	pf := cmd.Root().PersistentFlags()
	cfg, err := config.Load(a.cfgFile,
		config.WithFlag("log.level", changed(pf.Lookup("log-level"))),
		config.WithFlag("log.format", changed(pf.Lookup("log-format"))),
		config.WithFlag("workflow_roots", changed(pf.Lookup("workflow-root"))),
		config.WithFlag("journal.path", changed(pf.Lookup("journal"))),
	)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, a.stderr)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = logger
	slog.SetDefault(logger)
	return nil
}

// changed drops flags the user did not set, so they never shadow the config file.
func changed(f *pflag.Flag) *pflag.Flag {
	if f == nil || !f.Changed {
		return nil
	}
	return f
}

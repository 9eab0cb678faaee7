package main

import (
	"context"
	"io"

	"github.com/rendis/clusterrun/internal/engine"
	"github.com/rendis/clusterrun/internal/isolation"
	"github.com/rendis/clusterrun/internal/params"
	"github.com/rendis/clusterrun/internal/store"
	"github.com/rendis/clusterrun/internal/transport"
	"github.com/rendis/clusterrun/internal/validation"
	"github.com/rendis/clusterrun/internal/workdir"
	"github.com/rendis/clusterrun/internal/workflows"
)

func (a *app) validator() (*validation.WorkflowValidator, error) {
	return validation.NewWorkflowValidator()
}

func (a *app) loader() (*workflows.Loader, error) {
	v, err := a.validator()
	if err != nil {
		return nil, err
	}
	return workflows.NewLoader(a.cfg.WorkflowRoots, v), nil
}

// nodes prefers the configured static membership and falls back to the
// membership command.
func (a *app) nodes() params.NodeLister {
	var chain params.Chain
	if len(a.cfg.Cluster.Nodes) > 0 {
		chain = append(chain, params.StaticNodes(a.cfg.Cluster.Nodes))
	}
	if a.cfg.Cluster.NodesCommand != "" {
		chain = append(chain, params.CommandNodes{Command: a.cfg.Cluster.NodesCommand, Timeout: a.cfg.SSH.Timeout})
	}
	return chain
}

// journal opens the configured run journal. A disabled or unusable journal
// degrades to a no-op one; it never stops a run.
func (a *app) journal(ctx context.Context) store.Journal {
	if a.cfg.Journal.Path == "" {
		return store.Nop{}
	}
	j, err := store.Open(ctx, a.cfg.Journal.Path)
	if err != nil {
		a.logger.Warn("journal unavailable, running without it", "path", a.cfg.Journal.Path, "error", err)
		return store.Nop{}
	}
	return j
}

// reader opens the journal for history inspection; it must be enabled.
func (a *app) reader(ctx context.Context) (*store.LibSQLStore, error) {
	if a.cfg.Journal.Path == "" {
		return nil, errJournalDisabled
	}
	return store.Open(ctx, a.cfg.Journal.Path)
}

// runner wires a Runner whose report output goes to out. The returned close
// function releases the journal and the SSH transport.
func (a *app) runner(ctx context.Context, out io.Writer) (*engine.Runner, func(), error) {
	v, err := a.validator()
	if err != nil {
		return nil, nil, err
	}
	ssh := transport.NewSSHTransport(transport.SSHConfig{
		User:                  a.cfg.SSH.User,
		Port:                  a.cfg.SSH.Port,
		Timeout:               a.cfg.SSH.Timeout,
		IdentityFiles:         a.cfg.SSH.IdentityFiles,
		KnownHosts:            a.cfg.SSH.KnownHosts,
		StrictHostKeyChecking: a.cfg.SSH.StrictHostKeyChecking,
		UseAgent:              a.cfg.SSH.UseAgent,
		Parallelism:           a.cfg.SSH.Parallelism,
	}, a.logger)
	journal := a.journal(ctx)

	local := transport.NewLocalRunner(transport.LocalConfig{
		Isolator:      isolation.NewIsolator(),
		Timeout:       a.cfg.Local.Timeout,
		MaxOutputSize: a.cfg.Local.MaxOutputBytes,
	}, a.logger)

	exec := engine.NewExecutor(engine.ExecutorConfig{
		Transport: ssh,
		Local:     local,
		Output:    out,
		Journal:   journal,
		Logger:    a.logger,
	})
	r := engine.NewRunner(engine.RunnerConfig{
		Loader:     workflows.NewLoader(a.cfg.WorkflowRoots, v),
		Resolver:   params.NewResolver(a.nodes(), a.logger),
		Workdirs:   workdir.NewManager(a.cfg.TmpDir, a.cfg.UtilsDir, ssh, a.logger),
		Executor:   exec,
		Statefiles: v.Schemas(),
		Journal:    journal,
		LocalNode:  params.LocalNode(a.cfg.LocalNode),
		Logger:     a.logger,
	})
	return r, func() {
		_ = journal.Close()
		_ = ssh.Close()
	}, nil
}

// Package transporttest provides a Transport that runs every "remote" host
// as a local shell process, for tests.
package transporttest

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"sort"
	"sync"

	"github.com/rendis/clusterrun/internal/transport"
)

// HostEnv is set to the host identifier for every command the Fake runs.
const HostEnv = "CLUSTERRUN_HOST"

// Invocation records one Call or Copy against one host.
type Invocation struct {
	Op     string // "call" or "copy"
	Host   string
	Cmd    string
	Local  string
	Remote string
}

// Fake implements transport.Transport on the local machine. Hook, when set,
// may answer an invocation instead of running it.
type Fake struct {
	Hook func(inv Invocation) (transport.Outcome, bool)

	mu    sync.Mutex
	calls []Invocation
}

var _ transport.Transport = (*Fake)(nil)

func (f *Fake) Call(ctx context.Context, hosts []string, cmd string) map[string]transport.Outcome {
	return transport.FanOut(ctx, len(hosts), hosts, func(ctx context.Context, host string) transport.Outcome {
		inv := Invocation{Op: "call", Host: host, Cmd: cmd}
		if o, ok := f.record(inv); ok {
			return o
		}
		return sh(ctx, host, cmd)
	})
}

func (f *Fake) Copy(ctx context.Context, hosts []string, local, remote string) map[string]transport.Outcome {
	return transport.FanOut(ctx, len(hosts), hosts, func(ctx context.Context, host string) transport.Outcome {
		inv := Invocation{Op: "copy", Host: host, Local: local, Remote: remote}
		if o, ok := f.record(inv); ok {
			return o
		}
		if local == remote {
			return transport.Outcome{}
		}
		st, err := os.Stat(local)
		if err != nil {
			return transport.Outcome{Err: err}
		}
		if st.IsDir() {
			return sh(ctx, host, "mkdir -p "+transport.Quote(remote)+" && cp -R "+transport.Quote(local+"/.")+" "+transport.Quote(remote))
		}
		return sh(ctx, host, "cp "+transport.Quote(local)+" "+transport.Quote(remote))
	})
}

func (f *Fake) record(inv Invocation) (transport.Outcome, bool) {
	f.mu.Lock()
	f.calls = append(f.calls, inv)
	hook := f.Hook
	f.mu.Unlock()
	if hook == nil {
		return transport.Outcome{}, false
	}
	return hook(inv)
}

// Invocations returns everything recorded, sorted by host and in call order per host.
func (f *Fake) Invocations() []Invocation {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]Invocation(nil), f.calls...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Host < out[j].Host })
	return out
}

// Commands returns every command run through Call on host, in order.
func (f *Fake) Commands(host string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var cmds []string
	for _, c := range f.calls {
		if c.Op == "call" && c.Host == host {
			cmds = append(cmds, c.Cmd)
		}
	}
	return cmds
}

func sh(ctx context.Context, host, cmd string) transport.Outcome {
	c := exec.CommandContext(ctx, "/bin/sh", "-c", cmd)
	c.Env = append(os.Environ(), HostEnv+"="+host)
	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr
	err := c.Run()
	out := transport.Outcome{Stdout: stdout.String(), Stderr: stderr.String()}
	var exitErr *exec.ExitError
	switch {
	case errors.As(err, &exitErr):
		out.ExitCode = exitErr.ExitCode()
	case err != nil:
		out.Err = err
	}
	return out
}

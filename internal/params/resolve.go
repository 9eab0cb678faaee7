// Package params turns key=value invocation arguments into the resolved
// parameter mapping, host set and run-mode flags of a workflow run.
package params

import (
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/rendis/clusterrun/pkg/schema"
)

// Reserved keys consumed by the runner.
const (
	KeyNodes     = "nodes"
	KeyDryRun    = "dry_run"
	KeyStep      = "step"
	KeyStatefile = "statefile"
)

// CommonParam documents one reserved key for help output.
type CommonParam struct {
	Name        string
	Default     string
	Description string
}

// Common lists the reserved keys every workflow accepts.
var Common = []CommonParam{
	{Name: KeyNodes, Default: "all cluster nodes", Description: "List of nodes to execute the script for (comma or space separated)"},
	{Name: KeyDryRun, Default: "no", Description: "If set, simulate execution only, stopping before the first apply step"},
	{Name: KeyStep, Default: "", Description: "Execute a single step, loading and saving the record through statefile"},
	{Name: KeyStatefile, Default: "", Description: "When executing a single step, path of the persisted record"},
}

// Resolution is the outcome of resolving a run's arguments.
type Resolution struct {
	Params    map[string]any
	Hosts     []string
	DryRun    bool
	Step      string
	Statefile string
}

// ParseArgs splits key=value arguments into a map. Later keys override earlier ones.
func ParseArgs(args []string) (map[string]string, error) {
	out := make(map[string]string, len(args))
	for _, a := range args {
		k, v, ok := strings.Cut(a, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, schema.NewErrorf(schema.ErrCodeConfig, "expected key=value, got %q", a)
		}
		out[k] = v
	}
	return out, nil
}

// ParseBool accepts the yes/no spellings operators type on the command line.
func ParseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "yes", "y", "on":
		return true, nil
	case "no", "n", "off", "":
		return false, nil
	}
	return strconv.ParseBool(s)
}

// SplitNodes splits a host list on commas and whitespace, dropping empties
// and duplicates while keeping order.
func SplitNodes(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	})
	seen := make(map[string]struct{}, len(fields))
	hosts := make([]string, 0, len(fields))
	for _, f := range fields {
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		hosts = append(hosts, f)
	}
	return hosts
}

// Resolver resolves invocation arguments against a workflow's parameters.
type Resolver struct {
	nodes  NodeLister
	logger *slog.Logger
}

// NewResolver creates a Resolver. nodes supplies the host set when the
// invocation does not name one.
func NewResolver(nodes NodeLister, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{nodes: nodes, logger: logger}
}

// Resolve applies defaults, extracts reserved keys and resolves the host set.
// Supplied keys that no parameter declares are passed through with a warning.
func (r *Resolver) Resolve(def *schema.WorkflowDefinition, args []string) (*Resolution, error) {
	supplied, err := ParseArgs(args)
	if err != nil {
		return nil, err
	}

	res := &Resolution{Params: make(map[string]any, len(def.Parameters)+len(supplied))}
	if v, ok := supplied[KeyDryRun]; ok {
		res.DryRun, err = ParseBool(v)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeConfig, "invalid dry_run value %q", v)
		}
	}
	res.Step = strings.TrimSpace(supplied[KeyStep])
	res.Statefile = strings.TrimSpace(supplied[KeyStatefile])
	nodes, named := supplied[KeyNodes]
	for _, k := range []string{KeyNodes, KeyDryRun, KeyStep, KeyStatefile} {
		delete(supplied, k)
	}

	declared := make(map[string]struct{}, len(def.Parameters))
	for _, p := range def.Parameters {
		declared[p.Name] = struct{}{}
		if v, ok := supplied[p.Name]; ok {
			res.Params[p.Name] = v
			continue
		}
		if p.HasDefault {
			res.Params[p.Name] = p.Default
			continue
		}
		return nil, schema.NewErrorf(schema.ErrCodeConfig, "missing required parameter %s", p.Name)
	}

	var extras []string
	for k, v := range supplied {
		if _, ok := declared[k]; ok {
			continue
		}
		res.Params[k] = v
		extras = append(extras, k)
	}
	if len(extras) > 0 {
		sort.Strings(extras)
		r.logger.Warn("parameters not declared by workflow", "workflow", def.Name, "params", extras)
	}

	if named {
		res.Hosts = SplitNodes(nodes)
	} else if r.nodes != nil {
		res.Hosts, err = r.nodes.Nodes()
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeConfig, "failed to list cluster nodes").WithCause(err)
		}
	}
	if len(res.Hosts) == 0 {
		return nil, schema.NewError(schema.ErrCodeConfig, "no hosts")
	}
	return res, nil
}

// SplitLocal removes local from hosts. The returned local is empty when the
// local node is not part of the host set.
func SplitLocal(hosts []string, local string) (remote []string, localNode string) {
	remote = make([]string, 0, len(hosts))
	for _, h := range hosts {
		if local != "" && h == local {
			localNode = h
			continue
		}
		remote = append(remote, h)
	}
	return remote, localNode
}

func (r *Resolution) String() string {
	return fmt.Sprintf("hosts=%v dry_run=%t step=%q statefile=%q", r.Hosts, r.DryRun, r.Step, r.Statefile)
}

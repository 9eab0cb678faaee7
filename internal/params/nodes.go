package params

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// NodeLister supplies the full cluster membership.
type NodeLister interface {
	Nodes() ([]string, error)
}

// StaticNodes is a fixed membership, typically from cluster.nodes.
type StaticNodes []string

func (s StaticNodes) Nodes() ([]string, error) {
	return append([]string(nil), s...), nil
}

// CommandNodes runs a membership command such as "crm_node -l" and parses
// one node per line. Lines are either a bare name or "<id> <name> [state]".
type CommandNodes struct {
	Command string
	Timeout time.Duration
}

func (c CommandNodes) Nodes() ([]string, error) {
	if strings.TrimSpace(c.Command) == "" {
		return nil, fmt.Errorf("no node listing command configured")
	}
	ctx := context.Background()
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	out, err := exec.CommandContext(ctx, "/bin/sh", "-c", c.Command).Output()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", c.Command, err)
	}
	return ParseNodeList(string(out)), nil
}

// ParseNodeList extracts node names from membership command output.
func ParseNodeList(out string) []string {
	var nodes []string
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		f := strings.Fields(sc.Text())
		switch len(f) {
		case 0:
			continue
		case 1:
			nodes = append(nodes, f[0])
		default:
			nodes = append(nodes, f[1])
		}
	}
	return nodes
}

// Chain tries each lister in order and returns the first non-empty membership.
type Chain []NodeLister

func (c Chain) Nodes() ([]string, error) {
	var lastErr error
	for _, l := range c {
		nodes, err := l.Nodes()
		if err != nil {
			lastErr = err
			continue
		}
		if len(nodes) > 0 {
			return nodes, nil
		}
	}
	return nil, lastErr
}

// LocalNode returns the configured identifier, or the hostname.
func LocalNode(configured string) string {
	if configured != "" {
		return configured
	}
	h, err := os.Hostname()
	if err != nil {
		return ""
	}
	return h
}

// Package transport runs commands and copies files on a set of hosts,
// returning one Outcome per host.
package transport

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Outcome is the result of one call on one host. Err is set for
// transport-level failures (connect, auth, timeout); otherwise the command ran
// and ExitCode, Stdout and Stderr describe it.
type Outcome struct {
	Err      error  `json:"-"`
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// OK reports whether the host ran the command and it exited zero.
func (o Outcome) OK() bool {
	return o.Err == nil && o.ExitCode == 0
}

// Message renders the failure for operator output.
func (o Outcome) Message() string {
	switch {
	case o.Err != nil:
		return o.Err.Error()
	case o.ExitCode != 0:
		msg := strings.TrimSpace(o.Stderr)
		if msg == "" {
			return fmt.Sprintf("exited with status %d", o.ExitCode)
		}
		return fmt.Sprintf("exited with status %d: %s", o.ExitCode, msg)
	}
	return ""
}

// Transport is the remote execution capability. Both operations reach every
// host concurrently and return only after every host has an outcome.
type Transport interface {
	Call(ctx context.Context, hosts []string, cmd string) map[string]Outcome
	Copy(ctx context.Context, hosts []string, localPath, remotePath string) map[string]Outcome
}

// Failures returns the failed hosts in sorted order.
func Failures(results map[string]Outcome) []string {
	var failed []string
	for h, o := range results {
		if !o.OK() {
			failed = append(failed, h)
		}
	}
	sort.Strings(failed)
	return failed
}

// Quote single-quotes s for a POSIX shell.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

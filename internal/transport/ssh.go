package transport

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/rendis/clusterrun/internal/logging"
)

const (
	defaultSSHTimeout  = 60 * time.Second
	defaultParallelism = 32
)

// SSHConfig configures SSHTransport.
type SSHConfig struct {
	User                  string
	Port                  int
	Timeout               time.Duration
	IdentityFiles         []string
	KnownHosts            string
	StrictHostKeyChecking bool
	UseAgent              bool
	Parallelism           int

	// AddrFor maps a host identifier to a dial address. Defaults to host:Port.
	AddrFor func(host string) string
}

// SSHTransport implements Transport with one SSH connection per host and call.
// Credentials and known hosts are loaded on the first dial, so a run that
// never leaves the local node does not need either.
type SSHTransport struct {
	cfg    SSHConfig
	logger *slog.Logger

	once      sync.Once
	client    *ssh.ClientConfig
	clientErr error
	agentConn net.Conn
}

var _ Transport = (*SSHTransport)(nil)

// NewSSHTransport applies defaults to cfg.
func NewSSHTransport(cfg SSHConfig, logger *slog.Logger) *SSHTransport {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Port <= 0 {
		cfg.Port = 22
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultSSHTimeout
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = defaultParallelism
	}
	if cfg.User == "" {
		cfg.User = os.Getenv("USER")
	}
	return &SSHTransport{cfg: cfg, logger: logger}
}

// clientConfig builds the client configuration once: auth methods from the
// agent and identity files, host key checking from known_hosts.
func (t *SSHTransport) clientConfig() (*ssh.ClientConfig, error) {
	t.once.Do(func() {
		t.client, t.clientErr = t.buildClientConfig()
	})
	return t.client, t.clientErr
}

func (t *SSHTransport) buildClientConfig() (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	if t.cfg.UseAgent {
		if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
			if conn, err := net.Dial("unix", sock); err == nil {
				t.agentConn = conn
				auth = append(auth, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
			} else {
				t.logger.Warn("ssh agent unavailable", "socket", sock, "error", err)
			}
		}
	}
	var signers []ssh.Signer
	for _, f := range t.cfg.IdentityFiles {
		data, err := os.ReadFile(f)
		if err != nil {
			return nil, fmt.Errorf("read identity %s: %w", f, err)
		}
		s, err := ssh.ParsePrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("parse identity %s: %w", f, err)
		}
		signers = append(signers, s)
	}
	if len(signers) > 0 {
		auth = append(auth, ssh.PublicKeys(signers...))
	}

	hostKey := ssh.InsecureIgnoreHostKey()
	if t.cfg.StrictHostKeyChecking {
		cb, err := knownhosts.New(t.cfg.KnownHosts)
		if err != nil {
			return nil, fmt.Errorf("load known hosts %s: %w", t.cfg.KnownHosts, err)
		}
		hostKey = cb
	}

	return &ssh.ClientConfig{
		User:            t.cfg.User,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         t.cfg.Timeout,
	}, nil
}

// Close releases the agent connection, if one was opened.
func (t *SSHTransport) Close() error {
	if t.agentConn == nil {
		return nil
	}
	return t.agentConn.Close()
}

func (t *SSHTransport) addr(host string) string {
	if t.cfg.AddrFor != nil {
		return t.cfg.AddrFor(host)
	}
	return net.JoinHostPort(host, strconv.Itoa(t.cfg.Port))
}

// Call runs cmd on every host.
func (t *SSHTransport) Call(ctx context.Context, hosts []string, cmd string) map[string]Outcome {
	return FanOut(ctx, t.cfg.Parallelism, hosts, func(ctx context.Context, host string) Outcome {
		return t.run(ctx, host, cmd, nil)
	})
}

// Copy mirrors localPath to remotePath on every host. A directory is copied
// as its contents into remotePath; a file is written as remotePath.
func (t *SSHTransport) Copy(ctx context.Context, hosts []string, localPath, remotePath string) map[string]Outcome {
	archive, err := tarPath(localPath, path.Base(remotePath))
	if err != nil {
		results := make(map[string]Outcome, len(hosts))
		for _, h := range hosts {
			results[h] = Outcome{Err: err}
		}
		return results
	}
	dest := remotePath
	if !archive.dir {
		dest = path.Dir(remotePath)
	}
	cmd := fmt.Sprintf("mkdir -p %s && tar -xf - -C %s", Quote(dest), Quote(dest))
	return FanOut(ctx, t.cfg.Parallelism, hosts, func(ctx context.Context, host string) Outcome {
		return t.run(ctx, host, cmd, bytes.NewReader(archive.data))
	})
}

func (t *SSHTransport) run(ctx context.Context, host, cmd string, stdin io.Reader) Outcome {
	cfg, err := t.clientConfig()
	if err != nil {
		return Outcome{Err: err}
	}
	ctx, cancel := context.WithTimeout(logging.WithHost(ctx, host), t.cfg.Timeout)
	defer cancel()

	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", t.addr(host))
	if err != nil {
		return Outcome{Err: fmt.Errorf("connect %s: %w", host, err)}
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	cc, chans, reqs, err := ssh.NewClientConn(conn, t.addr(host), cfg)
	if err != nil {
		conn.Close()
		return Outcome{Err: fmt.Errorf("ssh handshake %s: %w", host, err)}
	}
	client := ssh.NewClient(cc, chans, reqs)
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return Outcome{Err: fmt.Errorf("ssh session %s: %w", host, err)}
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	session.Stdin = stdin

	logging.LogWith(ctx, t.logger).Debug("ssh exec", "command", cmd)
	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	select {
	case err = <-done:
	case <-ctx.Done():
		client.Close()
		<-done
		return Outcome{Err: fmt.Errorf("%s: %w", host, ctx.Err()), Stdout: stdout.String(), Stderr: stderr.String()}
	}

	out := Outcome{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			out.ExitCode = exitErr.ExitStatus()
			return out
		}
		out.Err = fmt.Errorf("%s: %w", host, err)
	}
	return out
}

type tarball struct {
	data []byte
	dir  bool
}

// tarPath archives localPath. Directory contents are stored relative to the
// directory; a single file is stored under name.
func tarPath(localPath, name string) (*tarball, error) {
	st, err := os.Stat(localPath)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	if !st.IsDir() {
		if err := addFile(tw, localPath, name, st); err != nil {
			return nil, err
		}
		if err := tw.Close(); err != nil {
			return nil, err
		}
		return &tarball{data: buf.Bytes()}, nil
	}

	err = filepath.WalkDir(localPath, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(localPath, p)
		if err != nil || rel == "." {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		switch {
		case d.IsDir():
			hdr, err := tar.FileInfoHeader(info, "")
			if err != nil {
				return err
			}
			hdr.Name = rel + "/"
			return tw.WriteHeader(hdr)
		case info.Mode()&fs.ModeSymlink != 0:
			target, err := os.Readlink(p)
			if err != nil {
				return err
			}
			hdr, err := tar.FileInfoHeader(info, target)
			if err != nil {
				return err
			}
			hdr.Name = rel
			return tw.WriteHeader(hdr)
		case info.Mode().IsRegular():
			return addFile(tw, p, rel, info)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return &tarball{data: buf.Bytes(), dir: true}, nil
}

func addFile(tw *tar.Writer, p, name string, info fs.FileInfo) error {
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = name
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	f, err := os.Open(p)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(tw, f)
	return err
}

// Package sshexec runs commands and transfers files on remote hosts over
// SSH, and bootstraps the managed administrative user.
//
// The executor keeps a bounded connection pool keyed by (host, port, user).
// SSH multiplexes channels, so concurrent commands to the same host share one
// connection. Failures are classified into the tool error taxonomy:
// Unreachable (TCP connect failed), AuthFailed, Timeout, Cancelled, and
// RemoteFailure (non-zero exit, with partial output attached).
package sshexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"evalgo.org/lares/internal/config"
	"evalgo.org/lares/internal/credentials"
	"evalgo.org/lares/models"
)

// Auth carries per-call credentials. Zero value means "use the process
// keypair as the managed user".
type Auth struct {
	Kind     models.AuthKind
	Password string
	KeyPath  string
	KeyBytes []byte
}

// Target identifies a remote endpoint for a single call.
type Target struct {
	Host string
	Port int
	User string
	Auth Auth
}

func (t Target) addr() string {
	port := t.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(t.Host, fmt.Sprintf("%d", port))
}

// RunOptions tune a single command execution.
type RunOptions struct {
	// Timeout overrides the configured default command timeout.
	Timeout time.Duration

	// Stdin is fed to the remote command.
	Stdin []byte

	// Env sets environment variables on the remote session.
	Env map[string]string

	// AsUser runs the command as another user via sudo -n -u.
	AsUser string

	// UseSudo prefixes the command with sudo -n.
	UseSudo bool

	// PTY requests a pseudo-terminal.
	PTY bool
}

// RunResult is the outcome of a remote command.
type RunResult struct {
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`
}

// Executor executes remote commands with connection reuse.
type Executor struct {
	cfg    config.SSHConfig
	keys   *Keypair
	pool   *pool
	hostKk ssh.HostKeyCallback
	creds  *credentials.Store

	// serverHost names this server in key comments (mcp_admin@<host>).
	serverHost string
}

// New creates an executor, generating the process keypair on first start.
func New(cfg config.SSHConfig, creds *credentials.Store) (*Executor, error) {
	keys, err := EnsureKeypair(cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("ensure keypair: %w", err)
	}

	knownHosts := cfg.KnownHostsPath
	if knownHosts == "" {
		knownHosts = filepath.Join(filepath.Dir(keys.PrivatePath), "mcp_known_hosts")
	}
	cb, err := hostKeyCallback(cfg.HostKeyPolicy, knownHosts)
	if err != nil {
		return nil, fmt.Errorf("host key policy: %w", err)
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "lares"
	}

	return &Executor{
		cfg:        cfg,
		keys:       keys,
		pool:       newPool(cfg.PoolSize, cfg.IdleTTL),
		hostKk:     cb,
		creds:      creds,
		serverHost: hostname,
	}, nil
}

// ManagedUser is the administrative account this executor bootstraps.
func (e *Executor) ManagedUser() string { return e.cfg.ManagedUser }

// KeyComment is the authorized_keys comment identifying this server's key.
func (e *Executor) KeyComment() string {
	return fmt.Sprintf("%s@%s", e.cfg.ManagedUser, e.serverHost)
}

// PublicKeyLine is the authorized_keys line for the process public key.
func (e *Executor) PublicKeyLine() string {
	return e.keys.AuthorizedKeysLine(e.KeyComment())
}

// Close shuts down all pooled connections.
func (e *Executor) Close() {
	e.pool.closeAll()
}

// Run executes a command on the target and returns its captured output.
// The returned error is a *models.ToolError for classified failures.
func (e *Executor) Run(ctx context.Context, target Target, command string, opts RunOptions) (*RunResult, error) {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = e.cfg.CommandTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := e.connect(ctx, target)
	if err != nil {
		return nil, err
	}

	session, err := client.NewSession()
	if err != nil {
		// A dead pooled connection; drop it so the next call redials.
		e.pool.invalidate(target)
		return nil, models.NewToolError(models.KindUnreachable, "open session on %s: %v", target.Host, err)
	}
	defer session.Close()

	for k, v := range opts.Env {
		// Setenv failures (AcceptEnv not configured) are non-fatal; the
		// command still runs with the remote default environment.
		_ = session.Setenv(k, v) //nolint:errcheck
	}

	if opts.PTY {
		modes := ssh.TerminalModes{ssh.ECHO: 0}
		if err := session.RequestPty("xterm", 40, 120, modes); err != nil {
			return nil, models.NewToolError(models.KindRemoteFailure, "request pty on %s: %v", target.Host, err)
		}
	}

	if len(opts.Stdin) > 0 {
		session.Stdin = bytes.NewReader(opts.Stdin)
	}

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	full := command
	switch {
	case opts.AsUser != "" && opts.AsUser != target.User:
		full = fmt.Sprintf("sudo -n -u %s bash -c %s", opts.AsUser, shellQuote(command))
	case opts.UseSudo && target.User != "root":
		full = fmt.Sprintf("sudo -n bash -c %s", shellQuote(command))
	}

	start := time.Now()
	done := make(chan error, 1)
	go func() { done <- session.Run(full) }()

	select {
	case <-ctx.Done():
		// Cancel the channel and drop the connection: a wedged command can
		// leave the whole mux unusable.
		_ = session.Close() //nolint:errcheck
		e.pool.invalidate(target)
		kind := models.KindTimeout
		if errors.Is(ctx.Err(), context.Canceled) {
			kind = models.KindCancelled
		}
		return nil, models.NewToolError(kind, "command on %s: %v", target.Host, ctx.Err()).
			WithDetail("partial_stdout", tail(stdout.String(), outputTailLimit)).
			WithDetail("partial_stderr", tail(stderr.String(), outputTailLimit))
	case err = <-done:
	}

	result := &RunResult{
		Stdout:   e.redact(stdout.String()),
		Stderr:   e.redact(stderr.String()),
		Duration: time.Since(start),
	}

	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitStatus()
			return result, nil
		}
		// Transient I/O failure mid-command: report with partial output.
		return result, models.NewToolError(models.KindRemoteFailure, "command on %s: %v", target.Host, err).
			WithDetail("partial_stdout", tail(result.Stdout, outputTailLimit)).
			WithDetail("partial_stderr", tail(result.Stderr, outputTailLimit))
	}

	return result, nil
}

// outputTailLimit bounds stdout/stderr tails attached to errors.
const outputTailLimit = 8 * 1024

// Upload writes content to a remote path with the given octal mode string
// (e.g. "0644"). Parent directories are created.
func (e *Executor) Upload(ctx context.Context, target Target, content []byte, remotePath, mode string) error {
	if mode == "" {
		mode = "0644"
	}
	dir := filepath.Dir(remotePath)
	cmd := fmt.Sprintf("mkdir -p %s && cat > %s && chmod %s %s",
		shellQuote(dir), shellQuote(remotePath), mode, shellQuote(remotePath))
	res, err := e.Run(ctx, target, cmd, RunOptions{Stdin: content})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return models.NewToolError(models.KindRemoteFailure, "upload to %s:%s failed", target.Host, remotePath).
			WithDetail("stderr", tail(res.Stderr, outputTailLimit))
	}
	return nil
}

// Download reads a remote file.
func (e *Executor) Download(ctx context.Context, target Target, remotePath string) ([]byte, error) {
	res, err := e.Run(ctx, target, fmt.Sprintf("cat %s", shellQuote(remotePath)), RunOptions{})
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, models.NewToolError(models.KindNotFound, "download %s:%s failed", target.Host, remotePath).
			WithDetail("stderr", tail(res.Stderr, outputTailLimit))
	}
	return []byte(res.Stdout), nil
}

// connect returns a pooled client for the target, dialing if needed.
func (e *Executor) connect(ctx context.Context, target Target) (*ssh.Client, error) {
	if client := e.pool.get(target); client != nil {
		return client, nil
	}

	authMethods, err := e.authMethods(target)
	if err != nil {
		return nil, err
	}

	cfg := &ssh.ClientConfig{
		User:            target.User,
		Auth:            authMethods,
		HostKeyCallback: e.hostKk,
		Timeout:         e.cfg.ConnectTimeout,
	}

	dialer := net.Dialer{Timeout: e.cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", target.addr())
	if err != nil {
		return nil, models.NewToolError(models.KindUnreachable, "connect to %s: %v", target.addr(), err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, target.addr(), cfg)
	if err != nil {
		_ = conn.Close() //nolint:errcheck
		kind := models.KindAuthFailed
		reason := "handshake"
		if strings.Contains(err.Error(), "knownhosts") || strings.Contains(err.Error(), "host key") {
			reason = "host_key_rejected"
		}
		return nil, models.NewToolError(kind, "authenticate to %s as %s: %v", target.Host, target.User, err).
			WithDetail("reason", reason)
	}

	client := ssh.NewClient(sshConn, chans, reqs)
	e.pool.put(target, client)
	return client, nil
}

// authMethods resolves the auth methods for a target. Connections as the
// managed user default to the process keypair without prompting.
func (e *Executor) authMethods(target Target) ([]ssh.AuthMethod, error) {
	switch target.Auth.Kind {
	case models.AuthPassword:
		if target.Auth.Password == "" {
			return nil, models.NewToolError(models.KindAuthFailed, "password auth requested for %s but no password supplied", target.Host)
		}
		return []ssh.AuthMethod{ssh.Password(target.Auth.Password)}, nil

	case models.AuthKey:
		keyBytes := target.Auth.KeyBytes
		if len(keyBytes) == 0 && target.Auth.KeyPath != "" {
			data, err := os.ReadFile(target.Auth.KeyPath)
			if err != nil {
				return nil, models.NewToolError(models.KindAuthFailed, "read key for %s: %v", target.Host, err)
			}
			keyBytes = data
		}
		if len(keyBytes) == 0 {
			return nil, models.NewToolError(models.KindAuthFailed, "key auth requested for %s but no key supplied", target.Host)
		}
		signer, err := ssh.ParsePrivateKey(keyBytes)
		if err != nil {
			return nil, models.NewToolError(models.KindAuthFailed, "parse key for %s: %v", target.Host, err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil

	case models.AuthAgent:
		sock := os.Getenv("SSH_AUTH_SOCK")
		if sock == "" {
			return nil, models.NewToolError(models.KindAuthFailed, "agent auth requested for %s but SSH_AUTH_SOCK is unset", target.Host)
		}
		conn, err := net.Dial("unix", sock)
		if err != nil {
			return nil, models.NewToolError(models.KindAuthFailed, "connect ssh agent: %v", err)
		}
		return []ssh.AuthMethod{ssh.PublicKeysCallback(agent.NewClient(conn).Signers)}, nil

	default:
		// Managed-user access with the process keypair.
		if target.User == "" || target.User == e.cfg.ManagedUser {
			return []ssh.AuthMethod{ssh.PublicKeys(e.keys.Signer)}, nil
		}
		return nil, models.NewToolError(models.KindAuthFailed,
			"no credentials supplied for %s@%s (only %s uses the server key)", target.User, target.Host, e.cfg.ManagedUser)
	}
}

// redact strips stored credential values from remote output.
func (e *Executor) redact(s string) string {
	if e.creds == nil {
		return s
	}
	return e.creds.Redact(s)
}

// shellQuote single-quotes a string for POSIX shells.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// tail returns the last n bytes of s.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

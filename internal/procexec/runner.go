// Package procexec runs supervised local subprocesses (terraform, ansible,
// docker compose over ssh is not here, that goes through sshexec). It owns
// signal escalation on cancellation and bounded output capture.
package procexec

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"evalgo.org/lares/models"
)

// Escalation deadlines measured from cancellation: the process group gets
// SIGTERM, then SIGKILL if it is still alive.
const (
	sigtermAfter = 5 * time.Second
	sigkillAfter = 20 * time.Second
)

// maxCapture bounds each captured output stream.
const maxCapture = 4 * 1024 * 1024

// Command describes one subprocess invocation.
type Command struct {
	Name  string
	Args  []string
	Dir   string
	Env   []string
	Stdin string

	// Stream receives each output line as it is produced, for progress
	// forwarding. Optional.
	Stream func(line string)
}

// Result is the captured outcome of a finished subprocess.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Runner executes commands. The terraform driver and the installer take
// this interface so tests can substitute a fake.
type Runner interface {
	Run(ctx context.Context, cmd Command) (*Result, error)
}

// ExecRunner runs commands with os/exec in their own process group.
type ExecRunner struct {
	logger *slog.Logger
}

// NewRunner creates the real subprocess runner.
func NewRunner(logger *slog.Logger) *ExecRunner {
	return &ExecRunner{logger: logger}
}

// Run executes the command and waits for it. On context cancellation the
// whole process group is terminated with escalation; the partial output is
// returned inside the error details.
func (r *ExecRunner) Run(ctx context.Context, cmd Command) (*Result, error) {
	proc := exec.Command(cmd.Name, cmd.Args...)
	proc.Dir = cmd.Dir
	proc.Env = cmd.Env
	if cmd.Stdin != "" {
		proc.Stdin = strings.NewReader(cmd.Stdin)
	}
	// Own process group so escalation reaches terraform's and ansible's
	// children too.
	proc.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr cappedBuffer
	stdout.limit, stderr.limit = maxCapture, maxCapture

	stdoutPipe, err := proc.StdoutPipe()
	if err != nil {
		return nil, models.NewToolError(models.KindRemoteFailure, "start %s: %v", cmd.Name, err)
	}
	stderrPipe, err := proc.StderrPipe()
	if err != nil {
		return nil, models.NewToolError(models.KindRemoteFailure, "start %s: %v", cmd.Name, err)
	}

	started := time.Now()
	if err := proc.Start(); err != nil {
		return nil, models.NewToolError(models.KindRemoteFailure, "start %s: %v", cmd.Name, err)
	}

	var pumps sync.WaitGroup
	pumps.Add(2)
	go pump(&pumps, stdoutPipe, &stdout, cmd.Stream)
	go pump(&pumps, stderrPipe, &stderr, cmd.Stream)

	done := make(chan error, 1)
	go func() {
		pumps.Wait()
		done <- proc.Wait()
	}()

	var waitErr error
	cancelled := false
	select {
	case waitErr = <-done:
	case <-ctx.Done():
		cancelled = true
		r.escalate(proc.Process.Pid, cmd.Name)
		waitErr = <-done
	}
	elapsed := time.Since(started)

	result := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: elapsed,
	}

	if cancelled {
		kind := models.KindCancelled
		if ctx.Err() == context.DeadlineExceeded {
			kind = models.KindTimeout
		}
		return result, models.NewToolError(kind, "%s interrupted after %s", cmd.Name, elapsed.Round(time.Second)).
			WithDetail("stderr_tail", tail(result.Stderr, 4096))
	}
	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return result, models.NewToolError(models.KindRemoteFailure, "run %s: %v", cmd.Name, waitErr)
	}
	return result, nil
}

// escalate signals the process group per the escalation deadlines.
func (r *ExecRunner) escalate(pid int, name string) {
	go func() {
		time.Sleep(sigtermAfter)
		if err := syscall.Kill(-pid, syscall.SIGTERM); err == nil {
			r.logger.Warn("subprocess sent SIGTERM", "command", name, "pid", pid)
		}
		time.Sleep(sigkillAfter - sigtermAfter)
		if err := syscall.Kill(-pid, syscall.SIGKILL); err == nil {
			r.logger.Warn("subprocess sent SIGKILL", "command", name, "pid", pid)
		}
	}()
}

func pump(wg *sync.WaitGroup, src io.Reader, dst *cappedBuffer, stream func(string)) {
	defer wg.Done()
	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		dst.WriteLine(line)
		if stream != nil {
			stream(line)
		}
	}
}

// cappedBuffer keeps at most limit bytes, dropping the oldest lines.
type cappedBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (b *cappedBuffer) WriteLine(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.WriteString(line)
	b.buf.WriteByte('\n')
	if b.buf.Len() > b.limit {
		data := b.buf.Bytes()
		trimmed := data[len(data)-b.limit:]
		if idx := bytes.IndexByte(trimmed, '\n'); idx >= 0 {
			trimmed = trimmed[idx+1:]
		}
		remainder := make([]byte, len(trimmed))
		copy(remainder, trimmed)
		b.buf.Reset()
		b.buf.Write(remainder)
	}
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

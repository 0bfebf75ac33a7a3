// Package terraform drives the terraform CLI against per-service working
// directories. Each (service, target) pair owns one directory under the
// state root holding main.tf, terraform.tfvars, and the local state.
package terraform

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"evalgo.org/lares/internal/procexec"
	"evalgo.org/lares/models"
)

const (
	initSentinel      = ".initialized"
	destroyedSentinel = ".destroyed"
	lockFile          = ".lares.lock"
)

// workdirRe keeps service and hostname path components harmless.
var workdirRe = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// Driver runs terraform operations. StepTimeout bounds each CLI step.
type Driver struct {
	binary      string
	stateRoot   string
	stepTimeout time.Duration
	runner      procexec.Runner
	logger      *slog.Logger
}

// Options configures the driver.
type Options struct {
	Binary      string
	StateRoot   string
	StepTimeout time.Duration
}

// New creates a driver over the given subprocess runner.
func New(runner procexec.Runner, logger *slog.Logger, opts Options) *Driver {
	if opts.Binary == "" {
		opts.Binary = "terraform"
	}
	if opts.StepTimeout <= 0 {
		opts.StepTimeout = 10 * time.Minute
	}
	return &Driver{
		binary:      opts.Binary,
		stateRoot:   opts.StateRoot,
		stepTimeout: opts.StepTimeout,
		runner:      runner,
		logger:      logger,
	}
}

// PlanSummary is the structured diff of one plan run.
type PlanSummary struct {
	Add     int    `json:"add"`
	Change  int    `json:"change"`
	Destroy int    `json:"destroy"`
	Clean   bool   `json:"clean"`
	Raw     string `json:"raw,omitempty"`
}

// Workdir returns the working directory for one (service, target) pair.
func (d *Driver) Workdir(service, targetHost string) string {
	name := fmt.Sprintf("%s-%s", sanitize(service), sanitize(targetHost))
	return filepath.Join(d.stateRoot, name)
}

func sanitize(s string) string {
	return workdirRe.ReplaceAllString(strings.ToLower(s), "_")
}

// Prepare materializes the rendered module into the working directory and
// runs init once, cached by a sentinel file.
func (d *Driver) Prepare(ctx context.Context, service, targetHost, mainTF, tfvars string, progress func(string)) error {
	dir := d.Workdir(service, targetHost)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return models.NewToolError(models.KindRemoteFailure, "create workdir: %v", err)
	}

	unlock, err := d.lock(dir, true)
	if err != nil {
		return err
	}
	defer unlock()

	// A re-deploy after destroy starts a fresh lifecycle.
	os.Remove(filepath.Join(dir, destroyedSentinel))

	if err := os.WriteFile(filepath.Join(dir, "main.tf"), []byte(mainTF), 0o644); err != nil {
		return models.NewToolError(models.KindRemoteFailure, "write main.tf: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "terraform.tfvars"), []byte(tfvars), 0o644); err != nil {
		return models.NewToolError(models.KindRemoteFailure, "write tfvars: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, initSentinel)); err == nil {
		return nil
	}
	if _, err := d.step(ctx, dir, progress, "init", "-input=false", "-no-color"); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, initSentinel), []byte(time.Now().UTC().Format(time.RFC3339)), 0o644)
}

// Plan runs terraform plan and parses the resource change counts.
func (d *Driver) Plan(ctx context.Context, service, targetHost string, wait bool, progress func(string)) (*PlanSummary, error) {
	dir := d.Workdir(service, targetHost)
	unlock, err := d.lock(dir, wait)
	if err != nil {
		return nil, err
	}
	defer unlock()

	result, err := d.step(ctx, dir, progress, "plan", "-input=false", "-no-color", "-detailed-exitcode")
	if err != nil {
		return nil, err
	}
	// -detailed-exitcode: 0 clean, 2 changes pending, anything else failed.
	if result.ExitCode != 0 && result.ExitCode != 2 {
		return nil, planError(result)
	}
	summary := parsePlan(result.Stdout)
	summary.Clean = result.ExitCode == 0
	return summary, nil
}

// Apply runs terraform apply and returns the module outputs.
func (d *Driver) Apply(ctx context.Context, service, targetHost string, wait bool, progress func(string)) (map[string]any, error) {
	dir := d.Workdir(service, targetHost)
	unlock, err := d.lock(dir, wait)
	if err != nil {
		return nil, err
	}
	defer unlock()

	result, err := d.step(ctx, dir, progress, "apply", "-input=false", "-no-color", "-auto-approve")
	if err != nil {
		return nil, err
	}
	if result.ExitCode != 0 {
		return nil, planError(result)
	}
	return d.outputs(ctx, dir)
}

// Destroy tears the deployment down, clears the working directory, and
// leaves a tombstone marker. Destroying an already destroyed or never
// deployed pair reports changed=false via the bool return.
func (d *Driver) Destroy(ctx context.Context, service, targetHost string, wait bool, progress func(string)) (bool, error) {
	dir := d.Workdir(service, targetHost)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return false, nil
	}
	if _, err := os.Stat(filepath.Join(dir, destroyedSentinel)); err == nil {
		return false, nil
	}

	unlock, err := d.lock(dir, wait)
	if err != nil {
		return false, err
	}
	defer unlock()

	result, err := d.step(ctx, dir, progress, "destroy", "-input=false", "-no-color", "-auto-approve")
	if err != nil {
		return false, err
	}
	if result.ExitCode != 0 {
		return false, planError(result)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return false, models.NewToolError(models.KindRemoteFailure, "clear workdir: %v", err)
	}
	for _, entry := range entries {
		if entry.Name() == lockFile {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			return false, models.NewToolError(models.KindRemoteFailure, "clear workdir: %v", err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, destroyedSentinel),
		[]byte(time.Now().UTC().Format(time.RFC3339)), 0o644); err != nil {
		return false, models.NewToolError(models.KindRemoteFailure, "write tombstone: %v", err)
	}
	d.logger.Info("terraform deployment destroyed", "service", service, "target", targetHost)
	return true, nil
}

// Outputs reads `terraform output -json` for a live deployment.
func (d *Driver) Outputs(ctx context.Context, service, targetHost string) (map[string]any, error) {
	return d.outputs(ctx, d.Workdir(service, targetHost))
}

func (d *Driver) outputs(ctx context.Context, dir string) (map[string]any, error) {
	result, err := d.step(ctx, dir, nil, "output", "-json", "-no-color")
	if err != nil {
		return nil, err
	}
	if result.ExitCode != 0 {
		return nil, planError(result)
	}

	var raw map[string]struct {
		Value any `json:"value"`
	}
	if err := json.Unmarshal([]byte(result.Stdout), &raw); err != nil {
		return nil, models.NewToolError(models.KindRemoteFailure, "parse terraform outputs: %v", err)
	}
	outputs := make(map[string]any, len(raw))
	for key, entry := range raw {
		outputs[key] = entry.Value
	}
	return outputs, nil
}

func (d *Driver) step(ctx context.Context, dir string, progress func(string), args ...string) (*procexec.Result, error) {
	stepCtx, cancel := context.WithTimeout(ctx, d.stepTimeout)
	defer cancel()

	d.logger.Debug("terraform step", "dir", dir, "args", strings.Join(args, " "))
	return d.runner.Run(stepCtx, procexec.Command{
		Name:   d.binary,
		Args:   args,
		Dir:    dir,
		Stream: progress,
	})
}

// lock takes the per-workdir exclusive lock. With wait=false a held lock
// fails fast with Busy.
func (d *Driver) lock(dir string, wait bool) (func(), error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, models.NewToolError(models.KindRemoteFailure, "create workdir: %v", err)
	}
	lock := flock.New(filepath.Join(dir, lockFile))
	if wait {
		if err := lock.Lock(); err != nil {
			return nil, models.NewToolError(models.KindRemoteFailure, "acquire lock: %v", err)
		}
	} else {
		held, err := lock.TryLock()
		if err != nil {
			return nil, models.NewToolError(models.KindRemoteFailure, "acquire lock: %v", err)
		}
		if !held {
			return nil, models.NewToolError(models.KindBusy, "another operation holds %s", filepath.Base(dir))
		}
	}
	return func() { lock.Unlock() }, nil //nolint:errcheck
}

var planLineRe = regexp.MustCompile(`Plan:\s+(\d+) to add,\s+(\d+) to change,\s+(\d+) to destroy`)

func parsePlan(stdout string) *PlanSummary {
	summary := &PlanSummary{Raw: tailLines(stdout, 20)}
	if m := planLineRe.FindStringSubmatch(stdout); m != nil {
		fmt.Sscanf(m[1], "%d", &summary.Add)     //nolint:errcheck
		fmt.Sscanf(m[2], "%d", &summary.Change)  //nolint:errcheck
		fmt.Sscanf(m[3], "%d", &summary.Destroy) //nolint:errcheck
	}
	return summary
}

func planError(result *procexec.Result) *models.ToolError {
	return models.NewToolError(models.KindRemoteFailure, "terraform exited with code %d", result.ExitCode).
		WithDetail("stderr_tail", tailLines(result.Stderr, 20))
}

func tailLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

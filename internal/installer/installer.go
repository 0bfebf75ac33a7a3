// Package installer deploys services from templates onto target devices.
// It owns the install state machine, pre-flight requirement checks,
// method-specific execution, health verification, and service records.
package installer

import (
	"context"
	"log/slog"
	"path"
	"sync"
	"time"

	"evalgo.org/lares/internal/inventory"
	"evalgo.org/lares/internal/sshexec"
	"evalgo.org/lares/internal/template"
	"evalgo.org/lares/models"
)

// Step names one phase of the install state machine. A failed install
// reports the step it died in.
type Step string

const (
	StepPlanning         Step = "Planning"
	StepRequirementCheck Step = "RequirementCheck"
	StepUploading        Step = "Uploading"
	StepExecuting        Step = "Executing"
	StepVerifying        Step = "Verifying"
	StepRecording        Step = "Recording"
)

// Remote is the slice of the SSH executor the installer drives.
type Remote interface {
	Run(ctx context.Context, target sshexec.Target, command string, opts sshexec.RunOptions) (*sshexec.RunResult, error)
	Upload(ctx context.Context, target sshexec.Target, content []byte, remotePath, mode string) error
}

// Refresher re-probes stale devices before requirement checks.
type Refresher interface {
	Refresh(ctx context.Context, device *models.Device) (bool, error)
	TargetFor(device *models.Device) sshexec.Target
}

// TerraformDriver is the slice of the terraform driver the installer uses.
type TerraformDriver interface {
	Prepare(ctx context.Context, service, targetHost, mainTF, tfvars string, progress func(string)) error
	Apply(ctx context.Context, service, targetHost string, wait bool, progress func(string)) (map[string]any, error)
	Destroy(ctx context.Context, service, targetHost string, wait bool, progress func(string)) (bool, error)
	Workdir(service, targetHost string) string
}

// Options configures the installer.
type Options struct {
	DeploymentRoot string
	StagingRoot    string
	HealthDeadline time.Duration
	Staleness      time.Duration

	AnsibleBinary          string
	AnsiblePlaybookTimeout time.Duration
	AnsibleHostKeyChecking bool
}

// Installer coordinates service deployments. One install runs at a time per
// (device, service) pair; a second caller fails fast with Busy.
type Installer struct {
	store     *inventory.Store
	templates *template.Engine
	ssh       Remote
	refresher Refresher
	tf        TerraformDriver
	ansible   AnsibleRunner
	logger    *slog.Logger
	opts      Options

	mu    sync.Mutex
	locks map[string]bool
}

// New creates an installer.
func New(store *inventory.Store, templates *template.Engine, ssh Remote, refresher Refresher,
	tf TerraformDriver, ansible AnsibleRunner, logger *slog.Logger, opts Options) *Installer {
	if opts.DeploymentRoot == "" {
		opts.DeploymentRoot = "/opt/lares"
	}
	if opts.HealthDeadline <= 0 {
		opts.HealthDeadline = 2 * time.Minute
	}
	if opts.AnsibleBinary == "" {
		opts.AnsibleBinary = "ansible-playbook"
	}
	return &Installer{
		store:     store,
		templates: templates,
		ssh:       ssh,
		refresher: refresher,
		tf:        tf,
		ansible:   ansible,
		logger:    logger,
		opts:      opts,
		locks:     map[string]bool{},
	}
}

// InstallOptions tune one install request.
type InstallOptions struct {
	Config              map[string]any
	RollbackOnUnhealthy bool
	Wait                bool
}

// InstallResult is the outcome of an install run.
type InstallResult struct {
	Service       string         `json:"service"`
	Target        string         `json:"target"`
	Changed       bool           `json:"changed"`
	Health        models.Health  `json:"health"`
	Digest        string         `json:"config_digest"`
	DeploymentDir string         `json:"deployment_dir,omitempty"`
	Outputs       map[string]any `json:"outputs,omitempty"`
	Warnings      []string       `json:"warnings,omitempty"`
	RolledBack    bool           `json:"rolled_back,omitempty"`
}

// UninstallResult is the outcome of an uninstall run.
type UninstallResult struct {
	Service string `json:"service"`
	Target  string `json:"target"`
	Changed bool   `json:"changed"`
	// Partial notes a teardown failure that was recorded but did not keep
	// the service record alive.
	Partial string `json:"partial_failure,omitempty"`
}

// InstallPlan is the dry-run shape returned by Plan.
type InstallPlan struct {
	Service      string               `json:"service"`
	Target       string               `json:"target"`
	Method       models.InstallMethod `json:"method"`
	Digest       string               `json:"config_digest"`
	NoOp         bool                 `json:"no_op"`
	Requirements models.Requirements  `json:"requirements"`
	Failures     []CheckResult        `json:"failures,omitempty"`
	Warnings     []CheckResult        `json:"warnings,omitempty"`
	Artifacts    map[string]any       `json:"artifacts,omitempty"`
}

// ListServices returns the template catalog summaries.
func (i *Installer) ListServices() []models.TemplateSummary {
	return i.templates.List()
}

// lockKey serializes installs per (device, service).
func lockKey(deviceID, service string) string { return deviceID + "\x00" + service }

func (i *Installer) tryLock(deviceID, service string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	key := lockKey(deviceID, service)
	if i.locks[key] {
		return false
	}
	i.locks[key] = true
	return true
}

func (i *Installer) unlock(deviceID, service string) {
	i.mu.Lock()
	delete(i.locks, lockKey(deviceID, service))
	i.mu.Unlock()
}

// resolve loads the device and the template for one request.
func (i *Installer) resolve(ctx context.Context, targetRef, service string) (*models.Device, *models.ServiceTemplate, error) {
	device, err := i.store.Resolve(ctx, targetRef)
	if err != nil {
		if err == inventory.ErrNotFound {
			return nil, nil, models.NewToolError(models.KindNotFound, "device %q is not in the inventory", targetRef)
		}
		return nil, nil, err
	}
	tmpl, ok := i.templates.Get(service)
	if !ok {
		return nil, nil, models.NewToolError(models.KindNotFound, "no template named %q", service)
	}
	return device, tmpl, nil
}

// Plan renders the artifacts and runs pre-flight checks without touching
// the target beyond read-only probes.
func (i *Installer) Plan(ctx context.Context, targetRef, service string, config map[string]any) (*InstallPlan, error) {
	device, tmpl, err := i.resolve(ctx, targetRef, service)
	if err != nil {
		return nil, err
	}

	rendered, err := i.render(tmpl, device, config)
	if err != nil {
		return nil, err
	}

	failures, warnings, err := i.checkRequirements(ctx, device, tmpl, rendered)
	if err != nil {
		return nil, err
	}

	plan := &InstallPlan{
		Service:      service,
		Target:       device.Identity(),
		Method:       rendered.Method,
		Digest:       rendered.Digest,
		Requirements: tmpl.Requirements,
		Failures:     failures,
		Warnings:     warnings,
		Artifacts:    artifactsView(rendered),
	}
	if record, ok := device.ServiceNamed(service); ok {
		plan.NoOp = record.ConfigDigest == rendered.Digest && record.Health == models.HealthHealthy
	}
	return plan, nil
}

// Install runs the full state machine. Progress callbacks are optional.
func (i *Installer) Install(ctx context.Context, targetRef, service string, opts InstallOptions, progress func(step Step, message string)) (*InstallResult, error) {
	if progress == nil {
		progress = func(Step, string) {}
	}

	device, tmpl, err := i.resolve(ctx, targetRef, service)
	if err != nil {
		return nil, err
	}

	if !i.tryLock(device.ID, service) {
		return nil, models.NewToolError(models.KindBusy,
			"an install of %s on %s is already running", service, device.Identity())
	}
	defer i.unlock(device.ID, service)

	// Planning
	progress(StepPlanning, "rendering template")
	if device.ExcludedFromDeployments {
		return nil, models.NewToolError(models.KindRequirementUnmet,
			"device %s is excluded from deployments", device.Identity())
	}
	rendered, err := i.render(tmpl, device, opts.Config)
	if err != nil {
		return nil, err
	}

	result := &InstallResult{
		Service: service,
		Target:  device.Identity(),
		Digest:  rendered.Digest,
	}

	// Idempotence: unchanged digest + healthy record skips straight to
	// verification.
	if record, ok := device.ServiceNamed(service); ok &&
		record.ConfigDigest == rendered.Digest && record.Health == models.HealthHealthy {
		progress(StepVerifying, "configuration unchanged, verifying health")
		health, warnings := i.verify(ctx, device, tmpl, rendered)
		result.Health = health
		result.Warnings = warnings
		result.DeploymentDir = record.DeploymentDir
		result.Outputs = record.Outputs
		if health == models.HealthHealthy {
			result.Changed = false
			return result, nil
		}
		// Healthy record but failing probes now: fall through to a full run.
		i.logger.Warn("recorded healthy service failed probes, reinstalling",
			"service", service, "device", device.Identity())
	}

	// RequirementCheck
	progress(StepRequirementCheck, "checking target requirements")
	device, err = i.refreshIfStale(ctx, device)
	if err != nil {
		return nil, err
	}
	failures, warnings, err := i.checkRequirements(ctx, device, tmpl, rendered)
	if err != nil {
		return nil, err
	}
	for _, w := range warnings {
		result.Warnings = append(result.Warnings, w.String())
	}
	if len(failures) > 0 {
		return nil, requirementError(failures)
	}

	// Uploading + Executing, per method.
	outputs, deploymentDir, err := i.execute(ctx, device, tmpl, rendered, opts.Wait, progress)
	if err != nil {
		return nil, err
	}
	result.Outputs = outputs
	result.DeploymentDir = deploymentDir

	// Verifying
	progress(StepVerifying, "running health probes")
	health, healthWarnings := i.verify(ctx, device, tmpl, rendered)
	result.Health = health
	result.Warnings = append(result.Warnings, healthWarnings...)
	result.Changed = true

	if health != models.HealthHealthy && opts.RollbackOnUnhealthy {
		progress(StepVerifying, "unhealthy, rolling back")
		// No service record exists yet, so tear down from what was just
		// deployed rather than going through Uninstall.
		rollbackRecord := &models.ServiceRecord{
			ServiceName:   service,
			Method:        rendered.Method,
			DeploymentDir: deploymentDir,
		}
		if err := i.teardown(ctx, device, rollbackRecord, tmpl); err != nil {
			i.logger.Error("rollback failed", "service", service, "device", device.Identity(), "error", err)
		}
		result.RolledBack = true
		return result, models.NewToolError(models.KindRemoteFailure,
			"%s on %s failed health verification and was rolled back", service, device.Identity())
	}

	// Recording
	progress(StepRecording, "writing service record")
	record := models.ServiceRecord{
		ServiceName:   service,
		Version:       tmpl.Version,
		Method:        rendered.Method,
		Ports:         tmpl.Requirements.Ports,
		ConfigDigest:  rendered.Digest,
		InstalledAt:   time.Now().UTC(),
		Health:        health,
		DeploymentDir: deploymentDir,
		Outputs:       outputs,
	}
	if err := i.store.RecordService(ctx, device.ID, record); err != nil {
		return nil, models.NewToolError(models.KindRemoteFailure, "record service: %v", err)
	}
	return result, nil
}

// Uninstall tears a service down. The record is removed even when the
// teardown partially fails; the failure is kept in device history.
func (i *Installer) Uninstall(ctx context.Context, targetRef, service string) (*UninstallResult, error) {
	device, err := i.store.Resolve(ctx, targetRef)
	if err != nil {
		if err == inventory.ErrNotFound {
			return nil, models.NewToolError(models.KindNotFound, "device %q is not in the inventory", targetRef)
		}
		return nil, err
	}

	record, ok := device.ServiceNamed(service)
	if !ok {
		return &UninstallResult{Service: service, Target: device.Identity(), Changed: false}, nil
	}

	if !i.tryLock(device.ID, service) {
		return nil, models.NewToolError(models.KindBusy,
			"an operation on %s for %s is already running", service, device.Identity())
	}
	defer i.unlock(device.ID, service)

	tmpl, _ := i.templates.Get(service)
	failure := ""
	if err := i.teardown(ctx, device, record, tmpl); err != nil {
		failure = err.Error()
		i.logger.Warn("uninstall teardown failed, removing record anyway",
			"service", service, "device", device.Identity(), "error", err)
	}

	if err := i.store.ForgetService(ctx, device.ID, service, failure); err != nil {
		return nil, models.NewToolError(models.KindRemoteFailure, "forget service: %v", err)
	}
	return &UninstallResult{
		Service: service,
		Target:  device.Identity(),
		Changed: true,
		Partial: failure,
	}, nil
}

// HealthReport is the outcome of one health check run.
type HealthReport struct {
	Service string        `json:"service"`
	Target  string        `json:"target"`
	Health  models.Health `json:"health"`
	Probes  []ProbeResult `json:"probes,omitempty"`
}

// Health re-runs the template's probes and updates the service record.
func (i *Installer) Health(ctx context.Context, targetRef, service string) (*HealthReport, error) {
	device, tmpl, err := i.resolve(ctx, targetRef, service)
	if err != nil {
		return nil, err
	}
	record, ok := device.ServiceNamed(service)
	if !ok {
		return nil, models.NewToolError(models.KindNotFound,
			"%s is not installed on %s", service, device.Identity())
	}

	vars := template.Vars{
		"target_host": device.Hostname,
		"target_ip":   device.IPAddress,
		"service":     service,
	}
	probes, err := template.RenderProbes(tmpl, vars)
	if err != nil {
		return nil, err
	}

	health, results := i.probeOnce(ctx, device, probes)
	if len(probes) == 0 {
		health = record.Health
		if health == "" {
			health = models.HealthUnknown
		}
	}
	if err := i.store.UpdateServiceHealth(ctx, device.ID, service, health); err != nil {
		return nil, models.NewToolError(models.KindRemoteFailure, "update health: %v", err)
	}
	return &HealthReport{
		Service: service,
		Target:  device.Identity(),
		Health:  health,
		Probes:  results,
	}, nil
}

// render binds the template to the device and the caller's config.
func (i *Installer) render(tmpl *models.ServiceTemplate, device *models.Device, config map[string]any) (*template.Rendered, error) {
	return i.templates.Render(tmpl, template.RenderTarget{
		Host: device.Hostname,
		IP:   device.IPAddress,
	}, config)
}

// refreshIfStale re-probes the device when its facts are stale, so
// requirement checks run against current numbers.
func (i *Installer) refreshIfStale(ctx context.Context, device *models.Device) (*models.Device, error) {
	if i.refresher == nil || i.opts.Staleness <= 0 {
		return device, nil
	}
	stale, err := i.store.IsStale(ctx, device.ID, i.opts.Staleness)
	if err != nil || !stale {
		return device, err
	}
	if _, err := i.refresher.Refresh(ctx, device); err != nil {
		// Requirement checks fall back to last-known facts.
		i.logger.Warn("pre-install refresh failed", "device", device.Identity(), "error", err)
		return device, nil
	}
	return i.store.Get(ctx, device.ID)
}

// deploymentDir is the remote directory a service deploys into.
func (i *Installer) deploymentDir(service string) string {
	return path.Join(i.opts.DeploymentRoot, service)
}

func artifactsView(rendered *template.Rendered) map[string]any {
	view := map[string]any{}
	switch rendered.Method {
	case models.MethodDockerCompose:
		view["compose"] = rendered.Compose
	case models.MethodAnsible:
		view["playbook"] = rendered.Playbook
		if len(rendered.Files) > 0 {
			view["files"] = rendered.Files
		}
	case models.MethodTerraform:
		view["main_tf"] = rendered.MainTF
		view["tfvars"] = rendered.TFVars
	case models.MethodScript:
		view["script"] = rendered.Script
	}
	return view
}

func requirementError(failures []CheckResult) *models.ToolError {
	te := models.NewToolError(models.KindRequirementUnmet, "target does not meet requirements: %s", failures[0].Message)
	for _, failure := range failures {
		if failure.Detail != nil {
			te = te.WithDetail(failure.Name, failure.Detail)
		}
	}
	messages := make([]string, len(failures))
	for idx, failure := range failures {
		messages[idx] = failure.String()
	}
	return te.WithDetail("failures", messages)
}

package installer

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"evalgo.org/lares/internal/sshexec"
	"evalgo.org/lares/internal/template"
	"evalgo.org/lares/models"
)

// ProbeResult is the outcome of one health probe attempt.
type ProbeResult struct {
	Kind    models.ProbeKind `json:"kind"`
	Target  string           `json:"target"`
	OK      bool             `json:"ok"`
	Message string           `json:"message,omitempty"`
}

// verify polls the template's health probes with exponential backoff until
// every probe passes or the deadline runs out. No declared probes means the
// service health is unknown, not unhealthy.
func (i *Installer) verify(ctx context.Context, device *models.Device,
	tmpl *models.ServiceTemplate, rendered *template.Rendered) (models.Health, []string) {

	probes, err := template.RenderProbes(tmpl, rendered.Vars)
	if err != nil {
		return models.HealthUnknown, []string{fmt.Sprintf("health probes unrenderable: %v", err)}
	}
	if len(probes) == 0 {
		return models.HealthUnknown, nil
	}

	deadline, cancel := context.WithTimeout(ctx, i.opts.HealthDeadline)
	defer cancel()

	policy := backoff.WithContext(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(time.Second),
		backoff.WithMaxInterval(15*time.Second),
		backoff.WithMaxElapsedTime(i.opts.HealthDeadline),
	), deadline)

	var lastResults []ProbeResult
	err = backoff.Retry(func() error {
		health, results := i.probeOnce(deadline, device, probes)
		lastResults = results
		if health == models.HealthHealthy {
			return nil
		}
		return fmt.Errorf("probes failing")
	}, policy)

	if err != nil {
		var warnings []string
		for _, result := range lastResults {
			if !result.OK {
				warnings = append(warnings, fmt.Sprintf("%s probe %s failed: %s", result.Kind, result.Target, result.Message))
			}
		}
		return models.HealthUnhealthy, warnings
	}
	return models.HealthHealthy, nil
}

// probeOnce runs every probe one time. Healthy only when all pass.
func (i *Installer) probeOnce(ctx context.Context, device *models.Device, probes []models.HealthProbe) (models.Health, []ProbeResult) {
	results := make([]ProbeResult, 0, len(probes))
	healthy := true
	for _, probe := range probes {
		result := i.runProbe(ctx, device, probe)
		if !result.OK {
			healthy = false
		}
		results = append(results, result)
	}
	if healthy {
		return models.HealthHealthy, results
	}
	return models.HealthUnhealthy, results
}

// runProbe executes one probe on the target over SSH, so probes see the
// service the way the host does.
func (i *Installer) runProbe(ctx context.Context, device *models.Device, probe models.HealthProbe) ProbeResult {
	out := ProbeResult{Kind: probe.Kind, Target: probe.Target}
	target := i.refresher.TargetFor(device)

	var command string
	switch probe.Kind {
	case models.ProbeHTTP:
		command = fmt.Sprintf("curl -fsS -m 10 %s", shellQuote(probe.Target))
	case models.ProbeTCP:
		host, port, err := splitHostPort(probe.Target)
		if err != nil {
			out.Message = err.Error()
			return out
		}
		command = fmt.Sprintf("timeout 5 bash -c %s", shellQuote(fmt.Sprintf("</dev/tcp/%s/%s", host, port)))
	case models.ProbeCommand:
		command = probe.Target
	default:
		out.Message = fmt.Sprintf("unknown probe kind %q", probe.Kind)
		return out
	}

	result, err := i.ssh.Run(ctx, target, command, sshexec.RunOptions{Timeout: 30 * time.Second})
	if err != nil {
		out.Message = err.Error()
		return out
	}
	if result.ExitCode != 0 {
		out.Message = fmt.Sprintf("exit code %d", result.ExitCode)
		return out
	}
	if probe.Expected != "" && !strings.Contains(result.Stdout, probe.Expected) {
		out.Message = fmt.Sprintf("output missing %q", probe.Expected)
		return out
	}
	out.OK = true
	return out
}

// splitHostPort reads "host:port" or a bare port; a bare port probes the
// host's loopback.
func splitHostPort(target string) (string, string, error) {
	if !strings.Contains(target, ":") {
		return "127.0.0.1", target, nil
	}
	host, port, err := net.SplitHostPort(target)
	if err != nil {
		return "", "", fmt.Errorf("tcp probe target %q: %w", target, err)
	}
	if host == "" {
		host = "127.0.0.1"
	}
	return host, port, nil
}

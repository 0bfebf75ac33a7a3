package installer

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"evalgo.org/lares/internal/sshexec"
	"evalgo.org/lares/internal/template"
	"evalgo.org/lares/models"
)

// CheckResult is one pre-flight check outcome.
type CheckResult struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Detail  any    `json:"detail,omitempty"`
}

func (c CheckResult) String() string {
	return fmt.Sprintf("%s: %s", c.Name, c.Message)
}

// checkRequirements validates the template's requirements against the
// device's last-known facts plus live port and dependency probes. Hardware
// hint misses are warnings unless the hint is required.
func (i *Installer) checkRequirements(ctx context.Context, device *models.Device,
	tmpl *models.ServiceTemplate, rendered *template.Rendered) (failures, warnings []CheckResult, err error) {

	req := tmpl.Requirements
	facts := device.Facts

	if req.MemoryGB > 0 && facts.MemoryMB > 0 {
		needMB := int64(req.MemoryGB * 1024)
		if facts.MemoryMB < needMB {
			failures = append(failures, CheckResult{
				Name:    "memory",
				Message: fmt.Sprintf("needs %.1f GB, target has %.1f GB", req.MemoryGB, float64(facts.MemoryMB)/1024),
				Detail:  map[string]any{"required_mb": needMB, "available_mb": facts.MemoryMB},
			})
		}
	}

	if req.CPUCores > 0 && facts.CPUCores > 0 && facts.CPUCores < req.CPUCores {
		failures = append(failures, CheckResult{
			Name:    "cpu_cores",
			Message: fmt.Sprintf("needs %d cores, target has %d", req.CPUCores, facts.CPUCores),
			Detail:  map[string]any{"required": req.CPUCores, "available": facts.CPUCores},
		})
	}

	if req.DiskGB > 0 {
		var totalGB float64
		for _, disk := range facts.Disks {
			totalGB += disk.SizeGB
		}
		if totalGB > 0 && totalGB < req.DiskGB {
			failures = append(failures, CheckResult{
				Name:    "disk",
				Message: fmt.Sprintf("needs %.0f GB, target disks total %.0f GB", req.DiskGB, totalGB),
				Detail:  map[string]any{"required_gb": req.DiskGB, "total_gb": totalGB},
			})
		}
	}

	if len(req.Ports) > 0 {
		bound, portErr := i.boundPorts(ctx, device)
		if portErr != nil {
			return nil, nil, portErr
		}
		var conflicts []int
		for _, port := range req.Ports {
			if bound[port] {
				conflicts = append(conflicts, port)
			}
		}
		if len(conflicts) > 0 {
			failures = append(failures, CheckResult{
				Name:    "ports",
				Message: fmt.Sprintf("ports already bound on target: %v", conflicts),
				Detail:  conflicts,
			})
		}
	}

	if len(req.Dependencies) > 0 {
		missing, depErr := i.missingDependencies(ctx, device, req.Dependencies)
		if depErr != nil {
			return nil, nil, depErr
		}
		if len(missing) > 0 {
			failures = append(failures, CheckResult{
				Name:    "dependencies",
				Message: fmt.Sprintf("missing on target: %s", strings.Join(missing, ", ")),
				Detail:  missing,
			})
		}
	}

	for _, hint := range req.HardwareHints {
		if hardwareMatches(facts, hint.Tag) {
			continue
		}
		check := CheckResult{
			Name:    "hardware",
			Message: fmt.Sprintf("no device matching %q discovered", hint.Tag),
			Detail:  hint.Tag,
		}
		if hint.Required {
			failures = append(failures, check)
		} else {
			warnings = append(warnings, check)
		}
	}

	return failures, warnings, nil
}

// boundPorts lists TCP listening ports on the target.
func (i *Installer) boundPorts(ctx context.Context, device *models.Device) (map[int]bool, error) {
	target := i.refresher.TargetFor(device)
	result, err := i.ssh.Run(ctx, target, "ss -H -tln 2>/dev/null || netstat -tln 2>/dev/null", sshexec.RunOptions{})
	if err != nil {
		return nil, err
	}
	return parseListeningPorts(result.Stdout), nil
}

// parseListeningPorts reads ss/netstat output; the local address column is
// the one ending in :<port>.
func parseListeningPorts(raw string) map[int]bool {
	ports := map[int]bool{}
	for _, line := range strings.Split(raw, "\n") {
		for _, field := range strings.Fields(line) {
			idx := strings.LastIndex(field, ":")
			if idx < 0 || idx == len(field)-1 {
				continue
			}
			if port, err := strconv.Atoi(field[idx+1:]); err == nil && port > 0 && port < 65536 {
				ports[port] = true
				break
			}
		}
	}
	return ports
}

// missingDependencies probes for required commands on the target.
func (i *Installer) missingDependencies(ctx context.Context, device *models.Device, deps []string) ([]string, error) {
	target := i.refresher.TargetFor(device)
	var missing []string
	for _, dep := range deps {
		// `docker compose` style dependencies check the leading command.
		command := strings.Fields(dep)[0]
		result, err := i.ssh.Run(ctx, target, "command -v "+command, sshexec.RunOptions{})
		if err != nil {
			return nil, err
		}
		if result.ExitCode != 0 {
			missing = append(missing, dep)
		}
	}
	return missing, nil
}

// hardwareMatches reports whether any discovered GPU tag, USB, or PCI entry
// matches the hint tag.
func hardwareMatches(facts models.Facts, tag string) bool {
	needle := strings.ToLower(tag)
	for _, gpu := range facts.GPUs {
		for _, capability := range gpu.CapabilityTags {
			if strings.EqualFold(capability, tag) {
				return true
			}
		}
		if strings.Contains(strings.ToLower(gpu.Model), needle) ||
			strings.Contains(strings.ToLower(gpu.Vendor), needle) {
			return true
		}
	}
	for _, list := range [][]string{facts.USBDevices, facts.PCIDevices} {
		for _, entry := range list {
			if strings.Contains(strings.ToLower(entry), needle) {
				return true
			}
		}
	}
	return false
}

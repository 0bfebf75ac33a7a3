// Package discovery gathers hardware and OS facts from remote hosts over
// SSH and maps them into the device inventory.
package discovery

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"evalgo.org/lares/internal/credentials"
	"evalgo.org/lares/internal/events"
	"evalgo.org/lares/internal/inventory"
	"evalgo.org/lares/internal/sshexec"
	"evalgo.org/lares/models"
)

// Remote is the slice of the SSH executor the prober needs.
type Remote interface {
	Run(ctx context.Context, target sshexec.Target, command string, opts sshexec.RunOptions) (*sshexec.RunResult, error)
	ManagedUser() string
}

// probeScript gathers every fact source in one round-trip. Sections are
// delimited so a missing tool (lspci on a slim container image) degrades
// that section instead of failing the probe.
const probeScript = `
section() { echo "===LARES:$1==="; }
section hostname;   hostname 2>/dev/null
section kernel;     uname -r 2>/dev/null
section os_release; cat /etc/os-release 2>/dev/null
section cpuinfo;    cat /proc/cpuinfo 2>/dev/null
section meminfo;    cat /proc/meminfo 2>/dev/null
section lsblk;      lsblk -b -d -P -o NAME,TYPE,SIZE,ROTA,TRAN 2>/dev/null
section addrs;      ip -o addr show 2>/dev/null
section lspci;      lspci 2>/dev/null
section lsusb;      lsusb 2>/dev/null
section uptime;     cat /proc/uptime 2>/dev/null
section end
`

// Prober runs discovery probes and records results in the inventory.
type Prober struct {
	ssh    Remote
	store  *inventory.Store
	creds  *credentials.Store
	logger *slog.Logger
}

// New creates a prober.
func New(ssh Remote, store *inventory.Store, creds *credentials.Store, logger *slog.Logger) *Prober {
	return &Prober{ssh: ssh, store: store, creds: creds, logger: logger}
}

// Probe gathers facts from one host. Returns the remote hostname alongside
// the parsed facts.
func (p *Prober) Probe(ctx context.Context, target sshexec.Target) (*models.Facts, string, error) {
	result, err := p.ssh.Run(ctx, target, probeScript, sshexec.RunOptions{})
	if err != nil {
		return nil, "", err
	}
	if result.ExitCode != 0 && strings.TrimSpace(result.Stdout) == "" {
		return nil, "", models.NewToolError(models.KindRemoteFailure,
			"probe on %s exited with code %d", target.Host, result.ExitCode).
			WithDetail("stderr_tail", result.Stderr)
	}

	sections := splitSections(result.Stdout)
	facts := &models.Facts{Kernel: firstLine(sections["kernel"])}
	facts.OSFamily, facts.OSVersion = parseOSRelease(sections["os_release"])
	facts.CPUModel, facts.CPUCores, facts.CPUThreads = parseCPUInfo(sections["cpuinfo"])
	facts.MemoryMB = parseMemTotalMB(sections["meminfo"])
	facts.Disks = parseLsblk(sections["lsblk"])
	facts.Interfaces = parseInterfaces(sections["addrs"])
	facts.GPUs = parseGPUs(sections["lspci"])
	facts.PCIDevices = parseDeviceList(sections["lspci"])
	facts.USBDevices = parseDeviceList(sections["lsusb"])
	facts.UptimeHours = parseUptimeHours(sections["uptime"])

	return facts, firstLine(sections["hostname"]), nil
}

// DiscoverAndMap probes a host and upserts the result into the inventory.
func (p *Prober) DiscoverAndMap(ctx context.Context, target sshexec.Target, seed *models.Device) (*models.Device, *inventory.UpsertOutcome, error) {
	facts, hostname, err := p.Probe(ctx, target)
	if err != nil {
		return nil, nil, err
	}

	device := &models.Device{
		Hostname:  hostname,
		IPAddress: target.Host,
		Username:  target.User,
		SSHPort:   target.Port,
		Facts:     *facts,
	}
	if seed != nil {
		device.ID = seed.ID
		device.Role = seed.Role
		device.Notes = seed.Notes
		device.AuthKind = seed.AuthKind
		device.CredentialRef = seed.CredentialRef
		if hostname == "" {
			device.Hostname = seed.Hostname
		}
	}
	if device.Hostname == "" && device.IPAddress == "" {
		return nil, nil, models.NewToolError(models.KindRemoteFailure, "probe yielded no identity for %s", target.Host)
	}

	outcome, err := p.store.Upsert(ctx, device, inventory.UpsertOptions{Discovered: true})
	if err != nil {
		return nil, nil, err
	}
	stored, err := p.store.Get(ctx, outcome.ID)
	if err != nil {
		return nil, nil, err
	}
	return stored, outcome, nil
}

// Refresh re-probes a known device, guarded by the store's single-flight
// marker. Returns false without probing when a refresh is already running.
func (p *Prober) Refresh(ctx context.Context, device *models.Device) (bool, error) {
	acquired, err := p.store.MarkRefreshing(ctx, device.ID)
	if err != nil {
		return false, err
	}
	if !acquired {
		return false, nil
	}

	started := time.Now()
	_, _, probeErr := p.DiscoverAndMap(ctx, p.TargetFor(device), device)
	if markErr := p.store.MarkRefreshed(ctx, device.ID, probeErr == nil); markErr != nil {
		p.logger.Error("mark refreshed failed", "device", device.Identity(), "error", markErr)
	}
	if probeErr != nil {
		return true, probeErr
	}
	p.logger.Info("device refreshed", "device", device.Identity(), "duration", time.Since(started))
	return true, nil
}

// TargetFor builds the SSH target for a stored device, resolving its
// credential reference.
func (p *Prober) TargetFor(device *models.Device) sshexec.Target {
	target := sshexec.Target{
		Host: device.IPAddress,
		Port: device.SSHPort,
		User: device.Username,
	}
	if target.Host == "" {
		target.Host = device.Hostname
	}
	if target.User == "" {
		target.User = p.ssh.ManagedUser()
	}

	target.Auth.Kind = device.AuthKind
	if device.AuthKind == models.AuthPassword && device.CredentialRef != "" {
		if secret, ok := p.creds.Get(device.CredentialRef); ok {
			target.Auth.Password = secret
		}
	}
	if device.AuthKind == models.AuthKey && device.CredentialRef != "" {
		if path, ok := p.creds.Get(device.CredentialRef); ok {
			target.Auth.KeyPath = path
		}
	}
	return target
}

// Watch consumes staleness events and refreshes flagged devices until the
// context ends. Explicit refreshes via tool calls hold the single-flight
// marker, so opportunistic refreshes never race them.
func (p *Prober) Watch(ctx context.Context, eventsCh <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-eventsCh:
			if !ok {
				return
			}
			if ev.Kind != events.DeviceStale {
				continue
			}
			device, err := p.store.Get(ctx, ev.DeviceID)
			if err != nil {
				continue
			}
			if _, err := p.Refresh(ctx, device); err != nil {
				p.logger.Warn("opportunistic refresh failed", "device", device.Identity(), "error", err)
			}
		}
	}
}

func splitSections(raw string) map[string]string {
	sections := map[string]string{}
	current := ""
	var buf strings.Builder
	for _, line := range strings.Split(raw, "\n") {
		if name, ok := strings.CutPrefix(line, "===LARES:"); ok {
			if current != "" {
				sections[current] = buf.String()
			}
			current = strings.TrimSuffix(name, "===")
			buf.Reset()
			continue
		}
		buf.WriteString(line)
		buf.WriteByte('\n')
	}
	if current != "" {
		sections[current] = buf.String()
	}
	return sections
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return strings.TrimSpace(line)
}

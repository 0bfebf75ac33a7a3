package discovery

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evalgo.org/lares/internal/credentials"
	"evalgo.org/lares/internal/inventory"
	"evalgo.org/lares/internal/sshexec"
	"evalgo.org/lares/models"
)

const cannedProbe = `===LARES:hostname===
pve1
===LARES:kernel===
6.8.12-pve
===LARES:os_release===
ID=debian
VERSION_ID="12"
PRETTY_NAME="Debian GNU/Linux 12 (bookworm)"
===LARES:cpuinfo===
processor	: 0
model name	: Intel(R) N100
physical id	: 0
core id	: 0

processor	: 1
model name	: Intel(R) N100
physical id	: 0
core id	: 1

===LARES:meminfo===
MemTotal:       32617040 kB
MemFree:        12345678 kB
===LARES:lsblk===
NAME="nvme0n1" TYPE="disk" SIZE="512110190592" ROTA="0" TRAN="nvme"
NAME="sda" TYPE="disk" SIZE="4000787030016" ROTA="1" TRAN="sata"
NAME="sr0" TYPE="rom" SIZE="1073741312" ROTA="1" TRAN="sata"
===LARES:addrs===
1: lo    inet 127.0.0.1/8 scope host lo
2: eth0    inet 192.168.1.10/24 brd 192.168.1.255 scope global eth0
2: eth0    inet6 fe80::1/64 scope link
===LARES:lspci===
00:02.0 VGA compatible controller: Intel Corporation Alder Lake-N [UHD Graphics]
01:00.0 3D controller: NVIDIA Corporation GP107GL [Quadro P400]
02:00.0 Ethernet controller: Intel Corporation I226-V
===LARES:lsusb===
Bus 002 Device 003: ID 1cf1:0030 Dresden Elektronik ZigBee gateway
===LARES:uptime===
360000.12 180000.06
===LARES:end===
`

// fakeRemote scripts the probe output.
type fakeRemote struct {
	result *sshexec.RunResult
	err    error
	calls  int
}

func (f *fakeRemote) Run(ctx context.Context, target sshexec.Target, command string, opts sshexec.RunOptions) (*sshexec.RunResult, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func (f *fakeRemote) ManagedUser() string { return "mcp_admin" }

func testProber(t *testing.T, remote Remote) (*Prober, *inventory.Store) {
	t.Helper()
	store, err := inventory.Open(filepath.Join(t.TempDir(), "devices.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(remote, store, credentials.NewStore(), logger), store
}

func TestProbeParsesAllSections(t *testing.T) {
	remote := &fakeRemote{result: &sshexec.RunResult{Stdout: cannedProbe}}
	prober, _ := testProber(t, remote)

	facts, hostname, err := prober.Probe(context.Background(), sshexec.Target{Host: "192.168.1.10"})
	require.NoError(t, err)

	assert.Equal(t, "pve1", hostname)
	assert.Equal(t, "debian", facts.OSFamily)
	assert.Equal(t, "12", facts.OSVersion)
	assert.Equal(t, "6.8.12-pve", facts.Kernel)
	assert.Equal(t, "Intel(R) N100", facts.CPUModel)
	assert.Equal(t, 2, facts.CPUCores)
	assert.Equal(t, 2, facts.CPUThreads)
	assert.Equal(t, int64(31852), facts.MemoryMB)

	require.Len(t, facts.Disks, 2, "rom devices are not disks")
	assert.Equal(t, models.DiskNVMe, facts.Disks[0].Type)
	assert.InDelta(t, 512.1, facts.Disks[0].SizeGB, 0.1)
	assert.Equal(t, models.DiskHDD, facts.Disks[1].Type)

	require.Len(t, facts.Interfaces, 1, "loopback excluded")
	assert.Equal(t, "eth0", facts.Interfaces[0].Name)
	assert.Equal(t, []string{"192.168.1.10", "fe80::1"}, facts.Interfaces[0].Addresses)

	require.Len(t, facts.GPUs, 2)
	assert.Equal(t, "intel", facts.GPUs[0].Vendor)
	assert.Contains(t, facts.GPUs[0].CapabilityTags, "quicksync")
	assert.Equal(t, "nvidia", facts.GPUs[1].Vendor)
	assert.Contains(t, facts.GPUs[1].CapabilityTags, "cuda")

	assert.Len(t, facts.USBDevices, 1)
	assert.InDelta(t, 100.0, facts.UptimeHours, 0.1)
}

func TestProbeToleratesMissingSections(t *testing.T) {
	remote := &fakeRemote{result: &sshexec.RunResult{
		Stdout: "===LARES:hostname===\npi4\n===LARES:os_release===\nID=raspbian\n===LARES:end===\n",
	}}
	prober, _ := testProber(t, remote)

	facts, hostname, err := prober.Probe(context.Background(), sshexec.Target{Host: "10.0.0.7"})
	require.NoError(t, err)
	assert.Equal(t, "pi4", hostname)
	assert.Equal(t, "raspbian", facts.OSFamily)
	assert.Empty(t, facts.Disks)
	assert.Zero(t, facts.MemoryMB)
}

func TestDiscoverAndMapUpsertsDevice(t *testing.T) {
	remote := &fakeRemote{result: &sshexec.RunResult{Stdout: cannedProbe}}
	prober, store := testProber(t, remote)
	ctx := context.Background()

	device, outcome, err := prober.DiscoverAndMap(ctx, sshexec.Target{Host: "192.168.1.10", User: "mcp_admin"}, nil)
	require.NoError(t, err)
	assert.True(t, outcome.Created)
	assert.Equal(t, "pve1", device.Hostname)
	assert.NotNil(t, device.LastDiscoveryAt, "discovery stamps last_discovery_at")

	stale, err := store.IsStale(ctx, outcome.ID, 24*time.Hour)
	require.NoError(t, err)
	assert.False(t, stale)
}

func TestRefreshIsSingleFlight(t *testing.T) {
	remote := &fakeRemote{result: &sshexec.RunResult{Stdout: cannedProbe}}
	prober, store := testProber(t, remote)
	ctx := context.Background()

	device, _, err := prober.DiscoverAndMap(ctx, sshexec.Target{Host: "192.168.1.10"}, nil)
	require.NoError(t, err)

	// Simulate an in-flight refresh; the next one yields.
	acquired, err := store.MarkRefreshing(ctx, device.ID)
	require.NoError(t, err)
	require.True(t, acquired)

	ran, err := prober.Refresh(ctx, device)
	require.NoError(t, err)
	assert.False(t, ran)

	require.NoError(t, store.MarkRefreshed(ctx, device.ID, true))
	ran, err = prober.Refresh(ctx, device)
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestTargetForResolvesCredentials(t *testing.T) {
	remote := &fakeRemote{}
	prober, _ := testProber(t, remote)
	prober.creds.Put("nas-password", "hunter2")

	target := prober.TargetFor(&models.Device{
		Hostname:      "nas",
		IPAddress:     "10.0.0.5",
		Username:      "root",
		AuthKind:      models.AuthPassword,
		CredentialRef: "nas-password",
		SSHPort:       2222,
	})
	assert.Equal(t, "10.0.0.5", target.Host)
	assert.Equal(t, 2222, target.Port)
	assert.Equal(t, "root", target.User)
	assert.Equal(t, "hunter2", target.Auth.Password)

	// A device without explicit access config falls back to the managed user.
	fallback := prober.TargetFor(&models.Device{Hostname: "h2"})
	assert.Equal(t, "h2", fallback.Host)
	assert.Equal(t, "mcp_admin", fallback.User)
}

package tools

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
	"evalgo.org/lares/internal/discovery"
	"evalgo.org/lares/internal/inventory"
	"evalgo.org/lares/internal/mcp"
	"evalgo.org/lares/internal/sshexec"
	"evalgo.org/lares/internal/template"
	"evalgo.org/lares/models"
)

// probeRemote scripts discovery probes per host.
type probeRemote struct {
	outputs map[string]string
	errors  map[string]error
}

func (p *probeRemote) Run(ctx context.Context, target sshexec.Target, command string, opts sshexec.RunOptions) (*sshexec.RunResult, error) {
	if err, ok := p.errors[target.Host]; ok {
		return nil, err
	}
	return &sshexec.RunResult{Stdout: p.outputs[target.Host]}, nil
}

func (p *probeRemote) ManagedUser() string { return "mcp_admin" }

func probeOutput(hostname string) string {
	return "===LARES:hostname===\n" + hostname + "\n" +
		"===LARES:kernel===\n6.1.0-18-amd64\n" +
		"===LARES:os_release===\nID=debian\nVERSION_ID=\"12\"\n" +
		"===LARES:meminfo===\nMemTotal:        8192000 kB\n"
}

func newToolDeps(t *testing.T) (Deps, *inventory.Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := inventory.Open(filepath.Join(t.TempDir(), "devices.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	remote := &probeRemote{
		outputs: map[string]string{
			"10.0.0.1": probeOutput("pve1"),
			"10.0.0.2": probeOutput("nas"),
		},
		errors: map[string]error{
			"203.0.113.1": models.NewToolError(models.KindUnreachable, "connect to 203.0.113.1:22: timeout"),
		},
	}
	creds := credentials.NewStore()
	prober := discovery.New(remote, store, creds, logger)

	return Deps{
		Store:     store,
		Prober:    prober,
		Creds:     creds,
		Logger:    logger,
		Staleness: 24 * time.Hour,
	}, store
}

func newCatalog(t *testing.T) (*mcp.Registry, Deps, *inventory.Store) {
	t.Helper()
	deps, store := newToolDeps(t)
	deps.Templates = template.NewEngine(deps.Logger)
	registry := mcp.NewRegistry()
	require.NoError(t, RegisterAll(registry, deps))
	return registry, deps, store
}

func dispatch(t *testing.T, registry *mcp.Registry, name string, args map[string]any) *mcp.ToolResult {
	t.Helper()
	result, rpcErr := registry.Dispatch(context.Background(), &mcp.ToolCall{Name: name, Arguments: args})
	require.Nil(t, rpcErr)
	require.NotNil(t, result)
	return result
}

func TestCatalogContainsRequiredTools(t *testing.T) {
	registry, _, _ := newCatalog(t)

	names := map[string]bool{}
	for _, descriptor := range registry.List() {
		names[descriptor.Name] = true
		assert.NotEmpty(t, descriptor.Description, descriptor.Name)
		assert.NotNil(t, descriptor.InputSchema, descriptor.Name)
	}
	for _, required := range []string{
		"ssh_discover", "setup_mcp_admin", "verify_mcp_admin",
		"deploy_vm", "list_vms", "destroy_vm",
		"discover_and_map", "bulk_discover_and_map",
		"list_services", "plan_service", "install_service", "uninstall_service", "service_health",
		"list_devices", "get_device", "device_history", "update_device_role", "delete_device",
		"homelab_topology",
	} {
		assert.True(t, names[required], "missing tool %s", required)
	}
}

func TestDestructiveToolsRequireConfirm(t *testing.T) {
	registry, _, _ := newCatalog(t)

	for _, name := range []string{"destroy_vm", "uninstall_service", "delete_device"} {
		_, rpcErr := registry.Dispatch(context.Background(), &mcp.ToolCall{
			Name:      name,
			Arguments: map[string]any{"target": "h1", "service": "x"},
		})
		require.NotNil(t, rpcErr, name)
		assert.Equal(t, mcp.CodeInvalidParams, rpcErr.Code, name)
	}
}

func TestSSHDiscoverReturnsFacts(t *testing.T) {
	registry, _, _ := newCatalog(t)

	result := dispatch(t, registry, "ssh_discover", map[string]any{"hostname": "10.0.0.1"})
	require.False(t, result.IsError)
	payload := result.Content[0].Data.(map[string]any)
	assert.Equal(t, "pve1", payload["hostname"])
	facts := payload["facts"].(*models.Facts)
	assert.Equal(t, "debian", facts.OSFamily)
	assert.Equal(t, int64(8000), facts.MemoryMB)
}

func TestSSHDiscoverUnreachableIsToolError(t *testing.T) {
	registry, deps, _ := newCatalog(t)

	result := dispatch(t, registry, "ssh_discover", map[string]any{"hostname": "203.0.113.1"})
	assert.True(t, result.IsError)
	assert.Equal(t, models.KindUnreachable, result.Kind)

	// Nothing was mapped into the inventory.
	devices, err := deps.Store.List(context.Background(), inventory.Filter{})
	require.NoError(t, err)
	assert.Empty(t, devices)
}

func TestDiscoverAndMapUpserts(t *testing.T) {
	registry, _, store := newCatalog(t)

	result := dispatch(t, registry, "discover_and_map", map[string]any{
		"hostname": "10.0.0.1",
		"role":     "infrastructure_host",
	})
	require.False(t, result.IsError)
	require.NotNil(t, result.Changed)
	assert.True(t, *result.Changed)

	device, err := store.Resolve(context.Background(), "pve1")
	require.NoError(t, err)
	assert.Equal(t, models.RoleInfrastructureHost, device.Role)
	assert.Equal(t, "10.0.0.1", device.IPAddress)
	assert.NotNil(t, device.LastDiscoveryAt)
}

func TestBulkDiscoverReportsPerHostFailures(t *testing.T) {
	registry, _, store := newCatalog(t)

	result := dispatch(t, registry, "bulk_discover_and_map", map[string]any{
		"hostnames": []any{"10.0.0.1", "10.0.0.2", "203.0.113.1"},
	})
	require.False(t, result.IsError, "partial failure must not fail the call")

	payload := result.Content[0].Data.(map[string]any)
	assert.Equal(t, 1, payload["failed"])
	results := payload["results"].(map[string]any)
	bad := results["203.0.113.1"].(map[string]any)
	assert.Equal(t, true, bad["isError"])
	assert.Equal(t, models.KindUnreachable, bad["kind"])

	devices, err := store.List(context.Background(), inventory.Filter{})
	require.NoError(t, err)
	assert.Len(t, devices, 2)
}

func TestBulkDiscoverAllFailedIsError(t *testing.T) {
	registry, _, _ := newCatalog(t)

	result := dispatch(t, registry, "bulk_discover_and_map", map[string]any{
		"hostnames": []any{"203.0.113.1"},
	})
	assert.True(t, result.IsError)
	assert.Equal(t, models.KindUnreachable, result.Kind)
}

func TestSitemapLifecycle(t *testing.T) {
	registry, _, store := newCatalog(t)
	ctx := context.Background()

	dispatch(t, registry, "discover_and_map", map[string]any{"hostname": "10.0.0.1"})
	dispatch(t, registry, "discover_and_map", map[string]any{"hostname": "10.0.0.2"})

	listed := dispatch(t, registry, "list_devices", map[string]any{})
	payload := listed.Content[0].Data.(map[string]any)
	assert.Equal(t, 2, payload["count"])

	got := dispatch(t, registry, "get_device", map[string]any{"target": "pve1"})
	device := got.Content[0].Data.(*models.Device)
	assert.Equal(t, "pve1", device.Hostname)

	updated := dispatch(t, registry, "update_device_role", map[string]any{
		"target":                    "pve1",
		"role":                      "infrastructure_host",
		"excluded_from_deployments": true,
	})
	require.False(t, updated.IsError)
	after := updated.Content[0].Data.(*models.Device)
	assert.Equal(t, models.RoleInfrastructureHost, after.Role)
	assert.True(t, after.ExcludedFromDeployments)

	history := dispatch(t, registry, "device_history", map[string]any{"target": "pve1"})
	entries := history.Content[0].Data.(map[string]any)["entries"].([]models.HistoryEntry)
	assert.NotEmpty(t, entries)

	deleted := dispatch(t, registry, "delete_device", map[string]any{"target": "nas", "confirm": true})
	require.False(t, deleted.IsError)
	_, err := store.Resolve(ctx, "nas")
	assert.Equal(t, inventory.ErrNotFound, err)

	missing := dispatch(t, registry, "get_device", map[string]any{"target": "nas"})
	assert.True(t, missing.IsError)
	assert.Equal(t, models.KindNotFound, missing.Kind)
}

func TestTopologyAggregates(t *testing.T) {
	registry, _, _ := newCatalog(t)

	dispatch(t, registry, "discover_and_map", map[string]any{"hostname": "10.0.0.1", "role": "infrastructure_host"})
	dispatch(t, registry, "discover_and_map", map[string]any{"hostname": "10.0.0.2", "role": "storage_device"})

	result := dispatch(t, registry, "homelab_topology", map[string]any{})
	stats := result.Content[0].Data.(topologyStats)
	assert.Equal(t, 2, stats.Devices)
	assert.Equal(t, 1, stats.ByRole["infrastructure_host"])
	assert.Equal(t, 1, stats.ByRole["storage_device"])
	assert.Equal(t, 2, stats.ByOS["debian"])
	assert.Equal(t, int64(16000), stats.TotalMemoryMB)
}

func TestSchemaGateRejectsBadArguments(t *testing.T) {
	registry, _, _ := newCatalog(t)

	cases := []struct {
		name string
		args map[string]any
	}{
		{"ssh_discover", map[string]any{}},                                        // missing hostname
		{"ssh_discover", map[string]any{"hostname": "h", "bogus": 1}},             // extra property
		{"discover_and_map", map[string]any{"hostname": "h", "role": "emperor"}},  // enum violation
		{"bulk_discover_and_map", map[string]any{"hostnames": "not-an-array"}},    // wrong type
		{"install_service", map[string]any{"target": "h1"}},                       // missing service
		{"update_device_role", map[string]any{"target": "h1", "role": 7}},         // wrong type
		{"device_history", map[string]any{"target": "h1", "since": 99, "x": "y"}}, // several at once
	}
	for _, tc := range cases {
		_, rpcErr := registry.Dispatch(context.Background(), &mcp.ToolCall{Name: tc.name, Arguments: tc.args})
		require.NotNil(t, rpcErr, "%s %v", tc.name, tc.args)
		assert.Equal(t, mcp.CodeInvalidParams, rpcErr.Code)
	}
}

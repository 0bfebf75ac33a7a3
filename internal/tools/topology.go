package tools

import (
	"context"
	"time"

	"evalgo.org/lares/internal/inventory"
	"evalgo.org/lares/internal/mcp"
	"evalgo.org/lares/models"
)

// factsStale mirrors the inventory staleness rule: never-discovered devices
// are always stale.
func factsStale(device *models.Device, threshold time.Duration) bool {
	if device.LastDiscoveryAt == nil {
		return true
	}
	return threshold > 0 && time.Since(*device.LastDiscoveryAt) > threshold
}

// topologyStats is the homelab_topology result shape.
type topologyStats struct {
	Devices       int                   `json:"devices"`
	Services      int                   `json:"services"`
	ByRole        map[string]int        `json:"by_role"`
	ByOS          map[string]int        `json:"by_os"`
	ServiceHealth map[string]int        `json:"service_health"`
	TotalMemoryMB int64                 `json:"total_memory_mb"`
	TotalCPUCores int                   `json:"total_cpu_cores"`
	TotalDiskGB   float64               `json:"total_disk_gb"`
	Hosts         []topologyHostSummary `json:"hosts"`
}

type topologyHostSummary struct {
	Host     string            `json:"host"`
	Role     models.DeviceRole `json:"role"`
	OS       string            `json:"os,omitempty"`
	Services []string          `json:"services,omitempty"`
	Stale    bool              `json:"stale"`
}

func topologyTools(deps Deps) []mcp.Tool {
	return []mcp.Tool{
		{
			Name:        "homelab_topology",
			Description: "Summarize the fleet: device and service counts, role and OS breakdowns, aggregate resources, and per-host service lists.",
			InputSchema: objectSchema(map[string]any{}),
			SideEffect:  mcp.EffectRead,
			Handler: func(ctx context.Context, call *mcp.ToolCall) (*mcp.ToolResult, error) {
				devices, err := deps.Store.List(ctx, inventory.Filter{})
				if err != nil {
					return nil, err
				}
				stats := topologyStats{
					ByRole:        map[string]int{},
					ByOS:          map[string]int{},
					ServiceHealth: map[string]int{},
					Hosts:         []topologyHostSummary{},
				}
				for _, device := range devices {
					stats.Devices++
					role := device.Role
					if role == "" {
						role = models.RoleUnknown
					}
					stats.ByRole[string(role)]++
					if device.Facts.OSFamily != "" {
						stats.ByOS[device.Facts.OSFamily]++
					}
					stats.TotalMemoryMB += device.Facts.MemoryMB
					stats.TotalCPUCores += device.Facts.CPUCores
					for _, disk := range device.Facts.Disks {
						stats.TotalDiskGB += disk.SizeGB
					}

					host := topologyHostSummary{
						Host:  device.Identity(),
						Role:  role,
						OS:    device.Facts.OSFamily,
						Stale: factsStale(device, deps.Staleness),
					}
					for _, record := range device.Services {
						stats.Services++
						health := record.Health
						if health == "" {
							health = models.HealthUnknown
						}
						stats.ServiceHealth[string(health)]++
						host.Services = append(host.Services, record.ServiceName)
					}
					stats.Hosts = append(stats.Hosts, host)
				}
				return mcp.JSONResult(stats), nil
			},
		},
	}
}

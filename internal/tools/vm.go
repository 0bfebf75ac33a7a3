package tools

import (
	"context"
	"time"

	"evalgo.org/lares/internal/installer"
	"evalgo.org/lares/internal/inventory"
	"evalgo.org/lares/internal/mcp"
	"evalgo.org/lares/models"
)

// vmTools drive terraform-method templates: VM deployment goes through the
// installer so requirement checks, digests, and service records apply, and
// the terraform driver owns the per-(service, target) state directory.
func vmTools(deps Deps) []mcp.Tool {
	return []mcp.Tool{
		{
			Name:        "deploy_vm",
			Description: "Provision a VM from a terraform-method template on an infrastructure host. Idempotent per (template, host); re-deploying with unchanged variables is a no-op.",
			InputSchema: objectSchema(map[string]any{
				"target":  strProp("infrastructure host (device id, hostname, or IP)"),
				"service": strProp("terraform template name"),
				"config": map[string]any{
					"type":        "object",
					"description": "values for the template's declared variables",
				},
				"wait": boolProp("wait for a held state lock instead of failing with Busy"),
			}, "target", "service"),
			SideEffect: mcp.EffectMutate,
			Handler: func(ctx context.Context, call *mcp.ToolCall) (*mcp.ToolResult, error) {
				service := strArg(call.Arguments, "service")
				if err := requireTerraformTemplate(deps, service); err != nil {
					return nil, err
				}
				result, err := deps.Installer.Install(ctx,
					strArg(call.Arguments, "target"), service,
					installer.InstallOptions{
						Config: mapArg(call.Arguments, "config"),
						Wait:   boolArg(call.Arguments, "wait"),
					},
					installProgress(call.Progress))
				if err != nil {
					return nil, err
				}
				return mcp.JSONResult(result).WithChanged(result.Changed), nil
			},
		},
		{
			Name:        "list_vms",
			Description: "List terraform-managed VMs across the inventory with their captured outputs.",
			InputSchema: objectSchema(map[string]any{
				"target": strProp("limit to one host (device id, hostname, or IP)"),
			}),
			SideEffect: mcp.EffectRead,
			Handler: func(ctx context.Context, call *mcp.ToolCall) (*mcp.ToolResult, error) {
				return listVMs(ctx, deps, strArg(call.Arguments, "target"))
			},
		},
		{
			Name:        "destroy_vm",
			Description: "Destroy a terraform-managed VM and remove its service record. The terraform working directory is cleared, leaving a tombstone.",
			InputSchema: objectSchema(map[string]any{
				"target":  strProp("infrastructure host (device id, hostname, or IP)"),
				"service": strProp("terraform template name"),
				"confirm": boolProp("must be true; destroying a VM is irreversible"),
			}, "target", "service", "confirm"),
			SideEffect: mcp.EffectDestructive,
			Handler: func(ctx context.Context, call *mcp.ToolCall) (*mcp.ToolResult, error) {
				result, err := deps.Installer.Uninstall(ctx,
					strArg(call.Arguments, "target"),
					strArg(call.Arguments, "service"))
				if err != nil {
					return nil, err
				}
				return mcp.JSONResult(result).WithChanged(result.Changed), nil
			},
		},
	}
}

func requireTerraformTemplate(deps Deps, service string) error {
	tmpl, ok := deps.Templates.Get(service)
	if !ok {
		return models.NewToolError(models.KindNotFound, "no template named %q", service)
	}
	if tmpl.Installation.Method != models.MethodTerraform {
		return models.NewToolError(models.KindTemplateError,
			"template %q uses method %q, deploy_vm needs terraform", service, tmpl.Installation.Method)
	}
	return nil
}

// vmEntry is one row in the list_vms result.
type vmEntry struct {
	Host        string         `json:"host"`
	Service     string         `json:"service"`
	Health      models.Health  `json:"health"`
	InstalledAt string         `json:"installed_at"`
	Outputs     map[string]any `json:"outputs,omitempty"`
}

func listVMs(ctx context.Context, deps Deps, targetRef string) (*mcp.ToolResult, error) {
	var devices []*models.Device
	if targetRef != "" {
		device, err := deps.Store.Resolve(ctx, targetRef)
		if err != nil {
			return nil, models.NewToolError(models.KindNotFound, "device %q is not in the inventory", targetRef)
		}
		devices = []*models.Device{device}
	} else {
		all, err := deps.Store.List(ctx, inventory.Filter{})
		if err != nil {
			return nil, err
		}
		devices = all
	}

	vms := []vmEntry{}
	for _, device := range devices {
		for _, record := range device.Services {
			if record.Method != models.MethodTerraform {
				continue
			}
			vms = append(vms, vmEntry{
				Host:        device.Identity(),
				Service:     record.ServiceName,
				Health:      record.Health,
				InstalledAt: record.InstalledAt.Format(time.RFC3339),
				Outputs:     record.Outputs,
			})
		}
	}
	return mcp.JSONResult(map[string]any{"vms": vms, "count": len(vms)}), nil
}

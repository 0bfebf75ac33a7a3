package tools

import (
	"context"
	"time"

	"evalgo.org/lares/internal/inventory"
	"evalgo.org/lares/internal/mcp"
	"evalgo.org/lares/models"
)

func sitemapTools(deps Deps) []mcp.Tool {
	return []mcp.Tool{
		{
			Name:        "list_devices",
			Description: "List inventory devices, optionally filtered by role, staleness, or deployability.",
			InputSchema: objectSchema(map[string]any{
				"role":       roleProp(),
				"stale_only": boolProp("only devices whose facts are past the staleness threshold"),
				"deployable": boolProp("only devices not excluded from deployments"),
			}),
			SideEffect: mcp.EffectRead,
			Handler: func(ctx context.Context, call *mcp.ToolCall) (*mcp.ToolResult, error) {
				devices, err := deps.Store.List(ctx, inventory.Filter{
					Role:       models.DeviceRole(strArg(call.Arguments, "role")),
					StaleOnly:  boolArg(call.Arguments, "stale_only"),
					Threshold:  deps.Staleness,
					Deployable: boolArg(call.Arguments, "deployable"),
				})
				if err != nil {
					return nil, err
				}
				return mcp.JSONResult(map[string]any{
					"devices": devices,
					"count":   len(devices),
				}), nil
			},
		},
		{
			Name:        "get_device",
			Description: "Fetch one device with its facts and installed services.",
			InputSchema: objectSchema(map[string]any{
				"target": strProp("device id, hostname, or IP"),
			}, "target"),
			SideEffect: mcp.EffectRead,
			Handler: func(ctx context.Context, call *mcp.ToolCall) (*mcp.ToolResult, error) {
				device, err := resolveDevice(ctx, deps, strArg(call.Arguments, "target"))
				if err != nil {
					return nil, err
				}
				return mcp.JSONResult(device), nil
			},
		},
		{
			Name:        "device_history",
			Description: "Read a device's append-only history log, optionally since an RFC 3339 timestamp.",
			InputSchema: objectSchema(map[string]any{
				"target": strProp("device id, hostname, or IP"),
				"since":  strProp("RFC 3339 timestamp; omit for the full log"),
			}, "target"),
			SideEffect: mcp.EffectRead,
			Handler: func(ctx context.Context, call *mcp.ToolCall) (*mcp.ToolResult, error) {
				device, err := resolveDevice(ctx, deps, strArg(call.Arguments, "target"))
				if err != nil {
					return nil, err
				}
				var since *time.Time
				if raw := strArg(call.Arguments, "since"); raw != "" {
					parsed, err := time.Parse(time.RFC3339, raw)
					if err != nil {
						return nil, models.NewToolError(models.KindTemplateError,
							"since must be RFC 3339: %v", err)
					}
					since = &parsed
				}
				entries, err := deps.Store.History(ctx, device.ID, since)
				if err != nil {
					return nil, err
				}
				return mcp.JSONResult(map[string]any{
					"device":  device.Identity(),
					"entries": entries,
				}), nil
			},
		},
		{
			Name:        "update_device_role",
			Description: "Assign a homelab role to a device and optionally toggle deployment exclusion or replace its notes.",
			InputSchema: objectSchema(map[string]any{
				"target":                    strProp("device id, hostname, or IP"),
				"role":                      roleProp(),
				"excluded_from_deployments": boolProp("exclude the device from installs"),
				"notes":                     strProp("replacement for the device notes"),
			}, "target", "role"),
			SideEffect: mcp.EffectMutate,
			Handler: func(ctx context.Context, call *mcp.ToolCall) (*mcp.ToolResult, error) {
				device, err := resolveDevice(ctx, deps, strArg(call.Arguments, "target"))
				if err != nil {
					return nil, err
				}
				var excluded *bool
				if raw, ok := call.Arguments["excluded_from_deployments"].(bool); ok {
					excluded = &raw
				}
				var notes *string
				if raw, ok := call.Arguments["notes"].(string); ok {
					notes = &raw
				}
				updated, err := deps.Store.SetRole(ctx, device.ID,
					models.DeviceRole(strArg(call.Arguments, "role")), excluded, notes)
				if err != nil {
					return nil, err
				}
				return mcp.JSONResult(updated).WithChanged(updated.Version != device.Version), nil
			},
		},
		{
			Name:        "delete_device",
			Description: "Remove a device from the inventory. Its history log is kept.",
			InputSchema: objectSchema(map[string]any{
				"target":  strProp("device id, hostname, or IP"),
				"confirm": boolProp("must be true; deleting a device is destructive"),
			}, "target", "confirm"),
			SideEffect: mcp.EffectDestructive,
			Handler: func(ctx context.Context, call *mcp.ToolCall) (*mcp.ToolResult, error) {
				device, err := resolveDevice(ctx, deps, strArg(call.Arguments, "target"))
				if err != nil {
					return nil, err
				}
				if err := deps.Store.Delete(ctx, device.ID); err != nil {
					return nil, err
				}
				return mcp.TextResult("deleted " + device.Identity()).WithChanged(true), nil
			},
		},
	}
}

func resolveDevice(ctx context.Context, deps Deps, ref string) (*models.Device, error) {
	device, err := deps.Store.Resolve(ctx, ref)
	if err != nil {
		if err == inventory.ErrNotFound {
			return nil, models.NewToolError(models.KindNotFound, "device %q is not in the inventory", ref)
		}
		return nil, err
	}
	return device, nil
}

package tools

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"evalgo.org/lares/internal/inventory"
	"evalgo.org/lares/internal/mcp"
	"evalgo.org/lares/models"
)

// bulkDiscoveryConcurrency bounds parallel SSH probes during fan-out.
const bulkDiscoveryConcurrency = 8

func discoveryTools(deps Deps) []mcp.Tool {
	return []mcp.Tool{
		{
			Name:        "ssh_discover",
			Description: "Probe a host over SSH and return its hardware and OS facts without touching the inventory.",
			InputSchema: objectSchema(connectionProps(), "hostname"),
			SideEffect:  mcp.EffectRead,
			Handler: func(ctx context.Context, call *mcp.ToolCall) (*mcp.ToolResult, error) {
				target := targetFromArgs(call.Arguments)
				call.Progress(0.1, "connecting to "+target.Host)
				facts, hostname, err := deps.Prober.Probe(ctx, target)
				if err != nil {
					return nil, err
				}
				return mcp.JSONResult(map[string]any{
					"hostname": hostname,
					"facts":    facts,
				}), nil
			},
		},
		{
			Name:        "discover_and_map",
			Description: "Probe a host over SSH and upsert it into the device inventory.",
			InputSchema: objectSchema(mergeProps(connectionProps(), map[string]any{
				"role":  roleProp(),
				"notes": strProp("free-form operator notes"),
			}), "hostname"),
			SideEffect: mcp.EffectMutate,
			Handler: func(ctx context.Context, call *mcp.ToolCall) (*mcp.ToolResult, error) {
				device, outcome, err := discoverOne(ctx, deps, call.Arguments)
				if err != nil {
					return nil, err
				}
				return mcp.JSONResult(map[string]any{
					"device":  device,
					"created": outcome.Created,
					"version": outcome.Version,
				}).WithChanged(true), nil
			},
		},
		{
			Name:        "bulk_discover_and_map",
			Description: "Probe several hosts in parallel and upsert each into the inventory. Returns a per-host result map; individual failures do not fail the call unless every host failed.",
			InputSchema: objectSchema(map[string]any{
				"hostnames": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "hosts to probe",
				},
				"username": strProp("login user applied to every host"),
				"password": strProp("password applied to every host"),
				"key_path": strProp("private key path applied to every host"),
				"port":     intProp("SSH port applied to every host"),
			}, "hostnames"),
			SideEffect: mcp.EffectMutate,
			Handler: func(ctx context.Context, call *mcp.ToolCall) (*mcp.ToolResult, error) {
				return bulkDiscover(ctx, deps, call)
			},
		},
		{
			Name:        "refresh_device",
			Description: "Re-run discovery for a device already in the inventory.",
			InputSchema: objectSchema(map[string]any{
				"target": strProp("device id, hostname, or IP"),
			}, "target"),
			SideEffect: mcp.EffectMutate,
			Handler: func(ctx context.Context, call *mcp.ToolCall) (*mcp.ToolResult, error) {
				device, err := deps.Store.Resolve(ctx, strArg(call.Arguments, "target"))
				if err != nil {
					return nil, models.NewToolError(models.KindNotFound,
						"device %q is not in the inventory", strArg(call.Arguments, "target"))
				}
				refreshed, err := deps.Prober.Refresh(ctx, device)
				if err != nil {
					return nil, err
				}
				if !refreshed {
					return mcp.TextResult("a refresh is already in flight").WithChanged(false), nil
				}
				device, err = deps.Store.Get(ctx, device.ID)
				if err != nil {
					return nil, err
				}
				return mcp.JSONResult(device).WithChanged(true), nil
			},
		},
	}
}

// discoverOne probes and upserts a single host.
func discoverOne(ctx context.Context, deps Deps, args map[string]any) (*models.Device, *inventory.UpsertOutcome, error) {
	target := targetFromArgs(args)
	seed := &models.Device{
		Hostname:  target.Host,
		IPAddress: "",
		Username:  target.User,
		SSHPort:   target.Port,
		Role:      models.DeviceRole(strArg(args, "role")),
		Notes:     strArg(args, "notes"),
	}
	return deps.Prober.DiscoverAndMap(ctx, target, seed)
}

// bulkDiscover fans out over the host list. Each host gets its own entry in
// the result map; the outer call errors only when every host failed.
func bulkDiscover(ctx context.Context, deps Deps, call *mcp.ToolCall) (*mcp.ToolResult, error) {
	hosts := strSliceArg(call.Arguments, "hostnames")
	if len(hosts) == 0 {
		return nil, models.NewToolError(models.KindNotFound, "hostnames list is empty")
	}

	var (
		mu       sync.Mutex
		results  = make(map[string]any, len(hosts))
		failures int
		done     int
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(bulkDiscoveryConcurrency)
	for _, host := range hosts {
		host := host
		group.Go(func() error {
			args := map[string]any{
				"hostname": host,
				"username": strArg(call.Arguments, "username"),
				"password": strArg(call.Arguments, "password"),
				"key_path": strArg(call.Arguments, "key_path"),
			}
			if port, ok := call.Arguments["port"]; ok {
				args["port"] = port
			}
			device, outcome, err := discoverOne(groupCtx, deps, args)

			mu.Lock()
			defer mu.Unlock()
			done++
			call.Progress(float64(done)/float64(len(hosts)), host)
			if err != nil {
				failures++
				te := models.AsToolError(err)
				results[host] = map[string]any{
					"isError": true,
					"kind":    te.Kind,
					"message": te.Message,
				}
				return nil
			}
			results[host] = map[string]any{
				"device":  device,
				"created": outcome.Created,
				"version": outcome.Version,
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	if failures == len(hosts) {
		return nil, models.NewToolError(models.KindUnreachable,
			"all %d hosts failed discovery", len(hosts)).WithDetail("results", results)
	}
	return mcp.JSONResult(map[string]any{
		"results": results,
		"failed":  failures,
		"total":   len(hosts),
	}).WithChanged(failures < len(hosts)), nil
}

func mergeProps(base map[string]any, extra map[string]any) map[string]any {
	for key, value := range extra {
		base[key] = value
	}
	return base
}

func roleProp() map[string]any {
	return map[string]any{
		"type":        "string",
		"description": "homelab role to assign",
		"enum": []any{
			string(models.RoleDevelopment),
			string(models.RoleInfrastructureHost),
			string(models.RoleServiceHost),
			string(models.RoleNetworkDevice),
			string(models.RoleStorageDevice),
			string(models.RoleUnknown),
		},
	}
}

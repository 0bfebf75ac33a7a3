package tools

import (
	"context"

	"evalgo.org/lares/internal/installer"
	"evalgo.org/lares/internal/mcp"
)

// stepFractions maps installer steps to coarse progress fractions.
var stepFractions = map[installer.Step]float64{
	installer.StepPlanning:         0.10,
	installer.StepRequirementCheck: 0.25,
	installer.StepUploading:        0.40,
	installer.StepExecuting:        0.60,
	installer.StepVerifying:        0.80,
	installer.StepRecording:        0.95,
}

func installProgress(progress mcp.ProgressFunc) func(installer.Step, string) {
	return func(step installer.Step, message string) {
		progress(stepFractions[step], string(step)+": "+message)
	}
}

func serviceTools(deps Deps) []mcp.Tool {
	installSchema := objectSchema(map[string]any{
		"target":  strProp("device id, hostname, or IP"),
		"service": strProp("template name"),
		"config": map[string]any{
			"type":        "object",
			"description": "values for the template's declared variables",
		},
		"rollback_on_unhealthy": boolProp("uninstall if health verification fails"),
		"wait":                  boolProp("wait instead of failing with Busy on contended resources"),
	}, "target", "service")

	return []mcp.Tool{
		{
			Name:        "list_services",
			Description: "List the loaded service templates.",
			InputSchema: objectSchema(map[string]any{}),
			SideEffect:  mcp.EffectRead,
			Handler: func(ctx context.Context, call *mcp.ToolCall) (*mcp.ToolResult, error) {
				return mcp.JSONResult(deps.Installer.ListServices()), nil
			},
		},
		{
			Name:        "plan_service",
			Description: "Dry-run an install: render the artifacts, run pre-flight checks, and report whether the install would be a no-op. Nothing is changed on the target.",
			InputSchema: objectSchema(map[string]any{
				"target":  strProp("device id, hostname, or IP"),
				"service": strProp("template name"),
				"config": map[string]any{
					"type":        "object",
					"description": "values for the template's declared variables",
				},
			}, "target", "service"),
			SideEffect: mcp.EffectRead,
			Handler: func(ctx context.Context, call *mcp.ToolCall) (*mcp.ToolResult, error) {
				plan, err := deps.Installer.Plan(ctx,
					strArg(call.Arguments, "target"),
					strArg(call.Arguments, "service"),
					mapArg(call.Arguments, "config"))
				if err != nil {
					return nil, err
				}
				return mcp.JSONResult(plan), nil
			},
		},
		{
			Name:        "install_service",
			Description: "Install a service from a template onto a device. Re-running with an unchanged configuration on a healthy service is a no-op.",
			InputSchema: installSchema,
			SideEffect:  mcp.EffectMutate,
			Handler: func(ctx context.Context, call *mcp.ToolCall) (*mcp.ToolResult, error) {
				result, err := deps.Installer.Install(ctx,
					strArg(call.Arguments, "target"),
					strArg(call.Arguments, "service"),
					installer.InstallOptions{
						Config:              mapArg(call.Arguments, "config"),
						RollbackOnUnhealthy: boolArg(call.Arguments, "rollback_on_unhealthy"),
						Wait:                boolArg(call.Arguments, "wait"),
					},
					installProgress(call.Progress))
				if err != nil {
					return nil, err
				}
				return mcp.JSONResult(result).WithChanged(result.Changed), nil
			},
		},
		{
			Name:        "uninstall_service",
			Description: "Tear a service down and remove its record. The record is removed even when the teardown partially fails.",
			InputSchema: objectSchema(map[string]any{
				"target":  strProp("device id, hostname, or IP"),
				"service": strProp("installed service name"),
				"confirm": boolProp("must be true; uninstalling is destructive"),
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
		{
			Name:        "service_health",
			Description: "Re-run a service's health probes and update its record.",
			InputSchema: objectSchema(map[string]any{
				"target":  strProp("device id, hostname, or IP"),
				"service": strProp("installed service name"),
			}, "target", "service"),
			SideEffect: mcp.EffectMutate,
			Handler: func(ctx context.Context, call *mcp.ToolCall) (*mcp.ToolResult, error) {
				report, err := deps.Installer.Health(ctx,
					strArg(call.Arguments, "target"),
					strArg(call.Arguments, "service"))
				if err != nil {
					return nil, err
				}
				return mcp.JSONResult(report), nil
			},
		},
	}
}

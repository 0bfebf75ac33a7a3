package tools

import (
	"context"

	"evalgo.org/lares/internal/mcp"
	"evalgo.org/lares/internal/sshexec"
)

func adminTools(deps Deps) []mcp.Tool {
	return []mcp.Tool{
		{
			Name:        "setup_mcp_admin",
			Description: "Bootstrap the managed admin user on a host: create the user, grant NOPASSWD sudo, and install this server's public key. Idempotent. With force_update_key, lines carrying this server's key comment are replaced; all other keys are preserved.",
			InputSchema: objectSchema(mergeProps(connectionProps(), map[string]any{
				"force_update_key": boolProp("replace a previously installed key for this server"),
			}), "hostname", "username"),
			SideEffect: mcp.EffectMutate,
			Handler: func(ctx context.Context, call *mcp.ToolCall) (*mcp.ToolResult, error) {
				admin := targetFromArgs(call.Arguments)
				call.Progress(0.1, "connecting as "+admin.User)
				result, err := deps.SSH.BootstrapAdmin(ctx, admin, boolArg(call.Arguments, "force_update_key"))
				if err != nil {
					return nil, err
				}
				changed := result.KeyAction != sshexec.KeyUnchanged || !result.UserExisted
				return mcp.JSONResult(result).WithChanged(changed), nil
			},
		},
		{
			Name:        "verify_mcp_admin",
			Description: "Check that the managed admin user on a host is reachable with this server's key and has passwordless sudo.",
			InputSchema: objectSchema(map[string]any{
				"hostname": strProp("host to verify (name or IP)"),
				"port":     intProp("SSH port, default 22"),
			}, "hostname"),
			SideEffect: mcp.EffectRead,
			Handler: func(ctx context.Context, call *mcp.ToolCall) (*mcp.ToolResult, error) {
				result, err := deps.SSH.VerifyAdmin(ctx,
					strArg(call.Arguments, "hostname"), intArg(call.Arguments, "port", 0))
				if err != nil {
					return nil, err
				}
				return mcp.JSONResult(result), nil
			},
		},
	}
}

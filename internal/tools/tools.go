// Package tools wires the MCP tool catalog: discovery, ssh_admin,
// vm_lifecycle, service_install, terraform, sitemap, and homelab_topology
// handlers over the SSH executor, inventory store, installer, and terraform
// driver.
package tools

import (
	"log/slog"
	"time"

	"evalgo.org/lares/internal/credentials"
	"evalgo.org/lares/internal/discovery"
	"evalgo.org/lares/internal/installer"
	"evalgo.org/lares/internal/inventory"
	"evalgo.org/lares/internal/mcp"
	"evalgo.org/lares/internal/sshexec"
	"evalgo.org/lares/internal/template"
	"evalgo.org/lares/internal/terraform"
	"evalgo.org/lares/models"
)

// Deps are the subsystems the tool handlers operate on.
type Deps struct {
	Store     *inventory.Store
	SSH       *sshexec.Executor
	Prober    *discovery.Prober
	Installer *installer.Installer
	Terraform *terraform.Driver
	Templates *template.Engine
	Creds     *credentials.Store
	Logger    *slog.Logger

	// Staleness is the age past which discovered facts count as stale.
	Staleness time.Duration
}

// RegisterAll populates the registry with the full tool catalog. Called once
// during bootstrap; registration order is the order clients see in
// tools/list.
func RegisterAll(registry *mcp.Registry, deps Deps) error {
	groups := [][]mcp.Tool{
		discoveryTools(deps),
		adminTools(deps),
		vmTools(deps),
		serviceTools(deps),
		sitemapTools(deps),
		topologyTools(deps),
	}
	for _, group := range groups {
		for _, tool := range group {
			if err := registry.Register(tool); err != nil {
				return err
			}
		}
	}
	return nil
}

// objectSchema builds the common top-level tool schema shape.
func objectSchema(properties map[string]any, required ...string) map[string]any {
	schema := map[string]any{
		"type":                 "object",
		"properties":           properties,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		names := make([]any, len(required))
		for i, name := range required {
			names[i] = name
		}
		schema["required"] = names
	}
	return schema
}

func strProp(description string) map[string]any {
	return map[string]any{"type": "string", "description": description}
}

func intProp(description string) map[string]any {
	return map[string]any{"type": "integer", "description": description}
}

func boolProp(description string) map[string]any {
	return map[string]any{"type": "boolean", "description": description}
}

// Argument readers. Schema validation has already enforced types, so these
// only normalize JSON's float64 numbers and missing keys.

func strArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func intArg(args map[string]any, key string, fallback int) int {
	if f, ok := args[key].(float64); ok {
		return int(f)
	}
	return fallback
}

func boolArg(args map[string]any, key string) bool {
	b, _ := args[key].(bool)
	return b
}

func mapArg(args map[string]any, key string) map[string]any {
	m, _ := args[key].(map[string]any)
	return m
}

func strSliceArg(args map[string]any, key string) []string {
	raw, _ := args[key].([]any)
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// targetFromArgs builds an SSH target from the common connection arguments.
// Without a username the executor connects as the managed user with the
// process keypair.
func targetFromArgs(args map[string]any) sshexec.Target {
	target := sshexec.Target{
		Host: strArg(args, "hostname"),
		Port: intArg(args, "port", 0),
		User: strArg(args, "username"),
	}
	if password := strArg(args, "password"); password != "" {
		target.Auth.Kind = models.AuthPassword
		target.Auth.Password = password
	} else if keyPath := strArg(args, "key_path"); keyPath != "" {
		target.Auth.Kind = models.AuthKey
		target.Auth.KeyPath = keyPath
	}
	return target
}

// connectionProps are the shared connection argument schemas.
func connectionProps() map[string]any {
	return map[string]any{
		"hostname": strProp("host to connect to (name or IP)"),
		"port":     intProp("SSH port, default 22"),
		"username": strProp("login user; defaults to the managed admin user"),
		"password": strProp("password for password auth"),
		"key_path": strProp("path to a private key for key auth"),
	}
}

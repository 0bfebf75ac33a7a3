// Package lares is an MCP server for homelab infrastructure automation.
//
// # Overview
//
// Lares exposes homelab operations to AI agents over the Model Context
// Protocol: SSH-based host discovery, managed-admin bootstrap, a durable
// device inventory with an append-only history, template-driven service
// installation (docker-compose, ansible, terraform, script), and
// terraform-backed VM lifecycles.
//
// # Architecture
//
//	┌──────────────────────────────┐
//	│ transports                   │  stdio / WebSocket / streamable HTTP
//	└──────────────┬───────────────┘
//	               │ JSON-RPC 2.0
//	┌──────────────▼───────────────┐
//	│ mcp engine + tool registry   │  sessions, schema validation
//	└──────────────┬───────────────┘
//	               │
//	┌──────────────▼───────────────┐
//	│ tool handlers                │  discovery, ssh_admin, vm_lifecycle,
//	└──┬────────┬────────┬─────────┘  service_install, sitemap, topology
//	   │        │        │
//	┌──▼──┐ ┌───▼────┐ ┌─▼─────────┐
//	│ ssh │ │ store  │ │ installer │──> terraform / ansible / compose
//	└─────┘ └────────┘ └───────────┘
//
// The binary is cmd/lares; subsystem wiring lives in internal/server.
package lares

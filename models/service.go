package models

import "time"

// InstallMethod is the mechanism used to deploy a service onto a device.
type InstallMethod string

const (
	MethodDockerCompose InstallMethod = "docker_compose"
	MethodAnsible       InstallMethod = "ansible"
	MethodTerraform     InstallMethod = "terraform"
	MethodScript        InstallMethod = "script"
)

// Health is the last observed health of an installed service.
type Health string

const (
	HealthHealthy   Health = "healthy"
	HealthUnhealthy Health = "unhealthy"
	HealthUnknown   Health = "unknown"
)

// ServiceRecord describes a service installed on a device. ConfigDigest is a
// hash of the effective rendered configuration and decides whether a
// re-install is a no-op.
type ServiceRecord struct {
	ServiceName   string         `json:"service_name"`
	Version       string         `json:"version,omitempty"`
	Method        InstallMethod  `json:"method"`
	Ports         []int          `json:"ports,omitempty"`
	ConfigDigest  string         `json:"config_digest"`
	InstalledAt   time.Time      `json:"installed_at"`
	Health        Health         `json:"health"`
	DeploymentDir string         `json:"deployment_dir,omitempty"`
	Outputs       map[string]any `json:"outputs,omitempty"`
}

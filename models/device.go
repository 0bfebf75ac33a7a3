// Package models defines the shared data types for Lares: devices and their
// discovered facts, installed service records, service templates, and the
// tool error taxonomy surfaced to MCP clients.
//
// Ownership rules:
//   - Device records are owned by the inventory store; every other package
//     works on read-only snapshots.
//   - Installed service records are owned by the inventory store but written
//     only through the service installer.
//   - Templates are immutable after load.
package models

import "time"

// DeviceRole classifies a device's function in the homelab.
type DeviceRole string

const (
	RoleDevelopment        DeviceRole = "development"
	RoleInfrastructureHost DeviceRole = "infrastructure_host"
	RoleServiceHost        DeviceRole = "service_host"
	RoleNetworkDevice      DeviceRole = "network_device"
	RoleStorageDevice      DeviceRole = "storage_device"
	RoleUnknown            DeviceRole = "unknown"
)

// AuthKind is how the server authenticates against a device.
type AuthKind string

const (
	AuthPassword AuthKind = "password"
	AuthKey      AuthKind = "key"
	AuthAgent    AuthKind = "agent"
)

// DiskType classifies a block device.
type DiskType string

const (
	DiskNVMe    DiskType = "nvme"
	DiskSSD     DiskType = "ssd"
	DiskHDD     DiskType = "hdd"
	DiskUnknown DiskType = "unknown"
)

// Disk is a discovered block device on a managed host.
type Disk struct {
	Device string   `json:"device"`
	Type   DiskType `json:"type"`
	SizeGB float64  `json:"size_gb"`
}

// GPU is a discovered graphics or accelerator device.
type GPU struct {
	Vendor         string   `json:"vendor"`
	Model          string   `json:"model"`
	MemoryGB       float64  `json:"memory_gb,omitempty"`
	CapabilityTags []string `json:"capability_tags,omitempty"`
}

// NetworkInterface is a discovered network interface.
type NetworkInterface struct {
	Name      string   `json:"name"`
	MAC       string   `json:"mac,omitempty"`
	Addresses []string `json:"addresses,omitempty"`
}

// Facts holds the last-known discovered facts for a device. All fields are
// nullable: a nil/zero value means "not discovered yet", and the inventory
// merge keeps the previous non-null value unless the caller resets fields.
type Facts struct {
	OSFamily    string             `json:"os_family,omitempty"`
	OSVersion   string             `json:"os_version,omitempty"`
	Kernel      string             `json:"kernel,omitempty"`
	CPUModel    string             `json:"cpu_model,omitempty"`
	CPUCores    int                `json:"cpu_cores,omitempty"`
	CPUThreads  int                `json:"cpu_threads,omitempty"`
	MemoryMB    int64              `json:"memory_mb,omitempty"`
	Disks       []Disk             `json:"disks,omitempty"`
	Interfaces  []NetworkInterface `json:"interfaces,omitempty"`
	GPUs        []GPU              `json:"gpus,omitempty"`
	USBDevices  []string           `json:"usb_devices,omitempty"`
	PCIDevices  []string           `json:"pci_devices,omitempty"`
	UptimeHours float64            `json:"uptime_hours,omitempty"`
}

// Device is a managed host in the fleet: bare metal, Proxmox VM, LXD or
// Docker container, or a Raspberry Pi. Identified by hostname and/or IP
// address; at least one must be set.
type Device struct {
	ID        string `json:"id"`
	Hostname  string `json:"hostname,omitempty"`
	IPAddress string `json:"ip_address,omitempty"`

	// Access configuration. CredentialRef is an opaque reference into the
	// credential store; plaintext secrets are never stored on the device.
	Username      string   `json:"username,omitempty"`
	AuthKind      AuthKind `json:"auth_kind,omitempty"`
	CredentialRef string   `json:"credential_ref,omitempty"`
	SSHPort       int      `json:"ssh_port,omitempty"`

	Facts Facts `json:"facts"`

	Role                    DeviceRole `json:"role"`
	ExcludedFromDeployments bool       `json:"excluded_from_deployments"`
	Notes                   string     `json:"notes,omitempty"`

	Services []ServiceRecord `json:"services,omitempty"`

	CreatedAt       time.Time  `json:"created_at"`
	LastSeenAt      *time.Time `json:"last_seen_at,omitempty"`
	LastDiscoveryAt *time.Time `json:"last_discovery_at,omitempty"`
	Version         int64      `json:"version"`
}

// Identity returns the preferred human-readable identifier for the device.
func (d *Device) Identity() string {
	if d.Hostname != "" {
		return d.Hostname
	}
	return d.IPAddress
}

// ServiceNamed returns the installed service record with the given name.
func (d *Device) ServiceNamed(name string) (*ServiceRecord, bool) {
	for i := range d.Services {
		if d.Services[i].ServiceName == name {
			return &d.Services[i], true
		}
	}
	return nil, false
}

// HistoryKind tags an entry in a device's append-only history log.
type HistoryKind string

const (
	HistoryCreated          HistoryKind = "created"
	HistoryDiscovered       HistoryKind = "discovered"
	HistoryUpdated          HistoryKind = "updated"
	HistoryRoleChanged      HistoryKind = "role_changed"
	HistoryServiceInstalled HistoryKind = "service_installed"
	HistoryServiceRemoved   HistoryKind = "service_removed"
	HistoryDeleted          HistoryKind = "deleted"
)

// HistoryEntry is one record in a device's append-only history. Entries are
// never mutated after insert.
type HistoryEntry struct {
	ID        int64          `json:"id"`
	DeviceID  string         `json:"device_id"`
	Timestamp time.Time      `json:"timestamp"`
	Kind      HistoryKind    `json:"kind"`
	Diff      map[string]any `json:"diff,omitempty"`
}

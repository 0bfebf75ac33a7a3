package inventory

import (
	"reflect"
	"slices"

	"evalgo.org/lares/models"
)

// MergeDevice merges incoming values into a copy of existing and returns the
// merged device plus a field-level diff. Non-null (non-zero) incoming values
// win; zero values are ignored unless their field name appears in
// resetFields. Identity fields only move from empty to set here; renames go
// through an explicit update operation.
func MergeDevice(existing, incoming *models.Device, resetFields []string) (*models.Device, map[string]any) {
	merged := *existing
	diff := map[string]any{}

	reset := func(name string) bool { return slices.Contains(resetFields, name) }

	setString := func(name string, dst *string, src string) {
		switch {
		case src != "" && src != *dst:
			diff[name] = map[string]any{"from": *dst, "to": src}
			*dst = src
		case src == "" && reset(name) && *dst != "":
			diff[name] = map[string]any{"from": *dst, "to": ""}
			*dst = ""
		}
	}

	// Identity: fill in a missing half of the pair, never overwrite.
	if merged.Hostname == "" && incoming.Hostname != "" {
		diff["hostname"] = map[string]any{"from": "", "to": incoming.Hostname}
		merged.Hostname = incoming.Hostname
	}
	if merged.IPAddress == "" && incoming.IPAddress != "" {
		diff["ip_address"] = map[string]any{"from": "", "to": incoming.IPAddress}
		merged.IPAddress = incoming.IPAddress
	}

	setString("username", &merged.Username, incoming.Username)
	setString("credential_ref", &merged.CredentialRef, incoming.CredentialRef)
	setString("notes", &merged.Notes, incoming.Notes)
	if incoming.AuthKind != "" && incoming.AuthKind != merged.AuthKind {
		diff["auth_kind"] = map[string]any{"from": merged.AuthKind, "to": incoming.AuthKind}
		merged.AuthKind = incoming.AuthKind
	}
	if incoming.SSHPort != 0 && incoming.SSHPort != merged.SSHPort {
		diff["ssh_port"] = map[string]any{"from": merged.SSHPort, "to": incoming.SSHPort}
		merged.SSHPort = incoming.SSHPort
	}
	if incoming.Role != "" && incoming.Role != models.RoleUnknown && incoming.Role != merged.Role {
		diff["role"] = map[string]any{"from": merged.Role, "to": incoming.Role}
		merged.Role = incoming.Role
	}

	factsDiff := mergeFacts(&merged.Facts, &incoming.Facts, resetFields)
	if len(factsDiff) > 0 {
		diff["facts"] = factsDiff
	}

	return &merged, diff
}

// mergeFacts applies non-null-wins to every discovered fact.
func mergeFacts(dst, src *models.Facts, resetFields []string) map[string]any {
	diff := map[string]any{}
	reset := func(name string) bool { return slices.Contains(resetFields, name) }

	str := func(name string, d *string, s string) {
		if s != "" && s != *d {
			diff[name] = s
			*d = s
		} else if s == "" && reset(name) && *d != "" {
			diff[name] = ""
			*d = ""
		}
	}

	str("os_family", &dst.OSFamily, src.OSFamily)
	str("os_version", &dst.OSVersion, src.OSVersion)
	str("kernel", &dst.Kernel, src.Kernel)
	str("cpu_model", &dst.CPUModel, src.CPUModel)

	if src.CPUCores != 0 && src.CPUCores != dst.CPUCores {
		diff["cpu_cores"] = src.CPUCores
		dst.CPUCores = src.CPUCores
	}
	if src.CPUThreads != 0 && src.CPUThreads != dst.CPUThreads {
		diff["cpu_threads"] = src.CPUThreads
		dst.CPUThreads = src.CPUThreads
	}
	if src.MemoryMB != 0 && src.MemoryMB != dst.MemoryMB {
		diff["memory_mb"] = src.MemoryMB
		dst.MemoryMB = src.MemoryMB
	}
	if src.UptimeHours != 0 && src.UptimeHours != dst.UptimeHours {
		diff["uptime_hours"] = src.UptimeHours
		dst.UptimeHours = src.UptimeHours
	}

	if len(src.Disks) > 0 && !reflect.DeepEqual(src.Disks, dst.Disks) {
		diff["disks"] = src.Disks
		dst.Disks = src.Disks
	} else if len(src.Disks) == 0 && reset("disks") && len(dst.Disks) > 0 {
		diff["disks"] = nil
		dst.Disks = nil
	}
	if len(src.Interfaces) > 0 && !reflect.DeepEqual(src.Interfaces, dst.Interfaces) {
		diff["interfaces"] = src.Interfaces
		dst.Interfaces = src.Interfaces
	}
	if len(src.GPUs) > 0 && !reflect.DeepEqual(src.GPUs, dst.GPUs) {
		diff["gpus"] = src.GPUs
		dst.GPUs = src.GPUs
	} else if len(src.GPUs) == 0 && reset("gpus") && len(dst.GPUs) > 0 {
		diff["gpus"] = nil
		dst.GPUs = nil
	}
	if len(src.USBDevices) > 0 && !reflect.DeepEqual(src.USBDevices, dst.USBDevices) {
		diff["usb_devices"] = src.USBDevices
		dst.USBDevices = src.USBDevices
	}
	if len(src.PCIDevices) > 0 && !reflect.DeepEqual(src.PCIDevices, dst.PCIDevices) {
		diff["pci_devices"] = src.PCIDevices
		dst.PCIDevices = src.PCIDevices
	}

	return diff
}

package discovery

import (
	"strconv"
	"strings"

	"evalgo.org/lares/models"
)

// parseOSRelease reads /etc/os-release content into family and version.
func parseOSRelease(raw string) (family, version string) {
	for _, line := range strings.Split(raw, "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		value = strings.Trim(value, `"`)
		switch key {
		case "ID":
			family = value
		case "VERSION_ID":
			version = value
		}
	}
	return family, version
}

// parseMemTotalMB extracts MemTotal from /proc/meminfo.
func parseMemTotalMB(raw string) int64 {
	for _, line := range strings.Split(raw, "\n") {
		if !strings.HasPrefix(line, "MemTotal:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0
		}
		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return 0
		}
		return kb / 1024
	}
	return 0
}

// parseCPUInfo extracts the model name and counts from /proc/cpuinfo.
func parseCPUInfo(raw string) (model string, cores, threads int) {
	physical := map[string]map[string]bool{}
	for _, block := range strings.Split(raw, "\n\n") {
		var physID, coreID string
		threadSeen := false
		for _, line := range strings.Split(block, "\n") {
			key, value, ok := strings.Cut(line, ":")
			if !ok {
				continue
			}
			key = strings.TrimSpace(key)
			value = strings.TrimSpace(value)
			switch key {
			case "model name":
				if model == "" {
					model = value
				}
				threadSeen = true
			case "processor":
				threadSeen = true
			case "physical id":
				physID = value
			case "core id":
				coreID = value
			}
		}
		if !threadSeen {
			continue
		}
		threads++
		if physical[physID] == nil {
			physical[physID] = map[string]bool{}
		}
		physical[physID][coreID] = true
	}
	for _, coreSet := range physical {
		cores += len(coreSet)
	}
	if cores == 0 {
		cores = threads
	}
	return model, cores, threads
}

// parseLsblk reads `lsblk -b -d -P -o NAME,TYPE,SIZE,ROTA,TRAN` pairs
// output into disks.
func parseLsblk(raw string) []models.Disk {
	var disks []models.Disk
	for _, line := range strings.Split(raw, "\n") {
		pairs := parsePairs(line)
		if pairs["TYPE"] != "disk" {
			continue
		}
		size, _ := strconv.ParseInt(pairs["SIZE"], 10, 64)
		disk := models.Disk{
			Device: "/dev/" + pairs["NAME"],
			SizeGB: float64(size) / (1000 * 1000 * 1000),
		}
		switch {
		case pairs["TRAN"] == "nvme" || strings.HasPrefix(pairs["NAME"], "nvme"):
			disk.Type = models.DiskNVMe
		case pairs["ROTA"] == "0":
			disk.Type = models.DiskSSD
		case pairs["ROTA"] == "1":
			disk.Type = models.DiskHDD
		default:
			disk.Type = models.DiskUnknown
		}
		disks = append(disks, disk)
	}
	return disks
}

// parsePairs reads KEY="value" pairs from one lsblk -P line.
func parsePairs(line string) map[string]string {
	pairs := map[string]string{}
	for _, field := range strings.Fields(line) {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		pairs[key] = strings.Trim(value, `"`)
	}
	return pairs
}

// parseInterfaces reads `ip -o addr show` lines.
func parseInterfaces(raw string) []models.NetworkInterface {
	byName := map[string]*models.NetworkInterface{}
	var order []string
	for _, line := range strings.Split(raw, "\n") {
		fields := strings.Fields(line)
		// "2: eth0    inet 192.168.1.10/24 ..."
		if len(fields) < 4 {
			continue
		}
		name := strings.TrimSuffix(fields[1], ":")
		if name == "lo" {
			continue
		}
		iface, seen := byName[name]
		if !seen {
			iface = &models.NetworkInterface{Name: name}
			byName[name] = iface
			order = append(order, name)
		}
		if fields[2] != "inet" && fields[2] != "inet6" {
			continue
		}
		address := strings.SplitN(fields[3], "/", 2)[0]
		iface.Addresses = append(iface.Addresses, address)
	}
	out := make([]models.NetworkInterface, 0, len(order))
	for _, name := range order {
		out = append(out, *byName[name])
	}
	return out
}

// gpuCapabilityTags maps vendor substrings to capability tags used by
// template hardware hints.
func gpuCapabilityTags(vendor string) []string {
	lower := strings.ToLower(vendor)
	switch {
	case strings.Contains(lower, "nvidia"):
		return []string{"gpu", "cuda", "nvenc"}
	case strings.Contains(lower, "amd") || strings.Contains(lower, "ati"):
		return []string{"gpu", "rocm"}
	case strings.Contains(lower, "intel"):
		return []string{"gpu", "quicksync", "vaapi"}
	default:
		return []string{"gpu"}
	}
}

// parseGPUs extracts GPUs from lspci output lines.
func parseGPUs(lspci string) []models.GPU {
	var gpus []models.GPU
	for _, line := range strings.Split(lspci, "\n") {
		if !strings.Contains(line, "VGA compatible controller") &&
			!strings.Contains(line, "3D controller") &&
			!strings.Contains(line, "Display controller") {
			continue
		}
		_, rest, ok := strings.Cut(line, ": ")
		if !ok {
			continue
		}
		gpu := models.GPU{Model: strings.TrimSpace(rest)}
		switch {
		case strings.Contains(rest, "NVIDIA"):
			gpu.Vendor = "nvidia"
		case strings.Contains(rest, "AMD") || strings.Contains(rest, "ATI"):
			gpu.Vendor = "amd"
		case strings.Contains(rest, "Intel"):
			gpu.Vendor = "intel"
		}
		gpu.CapabilityTags = gpuCapabilityTags(gpu.Vendor)
		gpus = append(gpus, gpu)
	}
	return gpus
}

// parseUptimeHours reads /proc/uptime.
func parseUptimeHours(raw string) float64 {
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return 0
	}
	seconds, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0
	}
	return seconds / 3600
}

// parseDeviceList trims one-device-per-line output (lsusb, lspci).
func parseDeviceList(raw string) []string {
	var devices []string
	for _, line := range strings.Split(raw, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			devices = append(devices, line)
		}
	}
	return devices
}

package orchestrator

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// flexNumber decodes a JSON number or a numeric string. Agents are not
// consistent about which one they send for template and route fields.
type flexNumber float64

func (n *flexNumber) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" || raw == `""` {
		*n = 0
		return nil
	}
	raw = strings.Trim(raw, `"`)
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("invalid number %s", data)
	}
	*n = flexNumber(v)
	return nil
}

// computeInfo is the GetComputeInfo payload. CPUModel and KernelVersion
// are required for a hardware merge.
type computeInfo struct {
	CPUModel      *string    `json:"cpuModel"`
	KernelVersion *string    `json:"kernelVersion"`
	Platform      string     `json:"platform"`
	OS            string     `json:"os"`
	SystemMemory  flexNumber `json:"systemMemory"`
	NumCPUs       flexNumber `json:"numCpus"`
	SystemSwap    flexNumber `json:"systemSwap"`
}

func (i computeInfo) distro() string {
	if fields := strings.Fields(i.OS); len(fields) > 0 {
		return fields[0]
	}
	return "Unknown"
}

// diskUsage is one GetDiskUsage entry, sizes in KB.
type diskUsage struct {
	Device string     `json:"device"`
	Total  flexNumber `json:"total"`
	Used   flexNumber `json:"used"`
}

type routeInfo struct {
	Destination string     `json:"destination"`
	Netmask     string     `json:"netmask"`
	Router      string     `json:"router"`
	Flags       string     `json:"flags"`
	Metrics     flexNumber `json:"metrics"`
	Interface   string     `json:"interface"`
}

type templateInfo struct {
	Name          string     `json:"template_name"`
	DomainType    string     `json:"domain_type"`
	VCPUMin       flexNumber `json:"vcpu_min"`
	VCPU          flexNumber `json:"vcpu"`
	VCPUMax       flexNumber `json:"vcpu_max"`
	MemoryMin     flexNumber `json:"memory_min"`
	Memory        flexNumber `json:"memory"`
	MemoryMax     flexNumber `json:"memory_max"`
	SwapMin       flexNumber `json:"swap_min"`
	Swap          flexNumber `json:"swap"`
	SwapMax       flexNumber `json:"swap_max"`
	DiskMin       flexNumber `json:"disk_min"`
	Disk          flexNumber `json:"disk"`
	DiskMax       flexNumber `json:"disk_max"`
	Nameserver    string     `json:"nameserver"`
	Password      string     `json:"passwd"`
	VCPULimitMin  flexNumber `json:"vcpulimit_min"`
	VCPULimit     flexNumber `json:"vcpulimit"`
	IPAddress     string     `json:"ip_address"`
}

type vmConsole struct {
	Type string     `json:"type"`
	PTY  string     `json:"pty"`
	CID  string     `json:"cid"`
	Port flexNumber `json:"port"`
}

type vmInterface struct {
	Name        string `json:"name"`
	MAC         string `json:"mac"`
	IPv4Address string `json:"ipv4_address"`
}

// vmInfo is one ListVMS entry.
type vmInfo struct {
	UUID       string                `json:"uuid"`
	Name       string                `json:"name"`
	State      string                `json:"state"`
	Memory     flexNumber            `json:"memory"`
	Uptime     *flexNumber           `json:"uptime"`
	Diskspace  map[string]flexNumber `json:"diskspace"`
	Consoles   []vmConsole           `json:"consoles"`
	Interfaces []vmInterface         `json:"interfaces"`
	Raw        map[string]any        `json:"-"`
}

func (v *vmInfo) UnmarshalJSON(data []byte) error {
	type plain vmInfo
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*v = vmInfo(p)
	v.Raw = raw
	return nil
}

// DeployParams is the DeployVM argument record.
type DeployParams struct {
	TemplateName string   `json:"template_name"`
	Hostname     string   `json:"hostname"`
	VMType       string   `json:"vm_type"`
	UUID         string   `json:"uuid"`
	Nameservers  []string `json:"nameservers"`
	Autostart    bool     `json:"autostart"`
	IPAddress    string   `json:"ip_address"`
	Passwd       *string  `json:"passwd"`
}

// ConfigValue is one UpdateVM setting.
type ConfigValue struct {
	Field string `json:"field"`
	Value any    `json:"value"`
}

var backendURIs = map[string]string{
	"openvz:///system": "openvz",
	"qemu:///system":   "kvm",
	"xen:///":          "xen",
}

// backendFromURI maps a GetVirtualizationContainers entry to a backend kind.
func backendFromURI(uri string) string {
	uri = strings.TrimSpace(uri)
	if kind, ok := backendURIs[uri]; ok {
		return kind
	}
	if scheme, _, ok := strings.Cut(uri, "://"); ok {
		return scheme
	}
	return uri
}

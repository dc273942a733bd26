package stats

import (
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// HostInfo identifies the machine an agent runs on. It is sent along with
// lease requests so the coordinator can tell which workstation holds a task.
type HostInfo struct {
	Hostname    string  `json:"hostname"`
	OS          string  `json:"os"`
	Platform    string  `json:"platform"`
	Uptime      uint64  `json:"uptime"`
	RAMUsage    float64 `json:"ram_usage"`
	CollectedAt int64   `json:"collected_at"`
}

// DiskUsage describes the volume holding a storage root.
type DiskUsage struct {
	Path        string  `json:"path"`
	Total       uint64  `json:"total"`
	Free        uint64  `json:"free"`
	UsedPercent float64 `json:"used_percent"`
}

type Collector struct{}

func NewCollector() *Collector {
	return &Collector{}
}

// Collect never fails as a whole: fields whose source is unavailable stay
// empty.
func (c *Collector) Collect() *HostInfo {
	info := &HostInfo{
		CollectedAt: time.Now().Unix(),
	}

	hostInfo, err := host.Info()
	if err == nil {
		info.Hostname = hostInfo.Hostname
		info.OS = hostInfo.OS
		info.Platform = hostInfo.Platform
		info.Uptime = hostInfo.Uptime
	}
	if info.Hostname == "" {
		info.Hostname, _ = os.Hostname()
	}

	memInfo, err := mem.VirtualMemory()
	if err == nil {
		info.RAMUsage = memInfo.UsedPercent
	}

	return info
}

// DiskFree reports usage of the filesystem containing path.
func (c *Collector) DiskFree(path string) (*DiskUsage, error) {
	u, err := disk.Usage(path)
	if err != nil {
		return nil, err
	}
	return &DiskUsage{
		Path:        path,
		Total:       u.Total,
		Free:        u.Free,
		UsedPercent: u.UsedPercent,
	}, nil
}

// Package system reports the monitor host's own health for the status
// endpoint. It uses gopsutil for cross-platform telemetry.
package system

import (
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
	psnet "github.com/shirou/gopsutil/v4/net"
)

// Snapshot holds one collection cycle's data.
type Snapshot struct {
	Hostname      string    `json:"hostname"`
	OS            string    `json:"os"`
	UptimeSeconds uint64    `json:"uptime_seconds"`
	CPUUsage      float64   `json:"cpu_usage"`  // percent 0-100
	MemUsage      float64   `json:"mem_usage"`  // percent 0-100
	DiskUsage     float64   `json:"disk_usage"` // percent 0-100 (fullest mount)
	RxBytes       int64     `json:"rx_bytes"`   // ingress bytes/s since last snapshot
	TxBytes       int64     `json:"tx_bytes"`   // egress bytes/s since last snapshot
	CollectedAt   time.Time `json:"collected_at"`
}

// Collector gathers host snapshots. Bandwidth figures are deltas between
// calls, so the first snapshot reports zero.
type Collector struct {
	mu          sync.Mutex
	prevRx      uint64
	prevTx      uint64
	prevTime    time.Time
	initialized bool
}

// NewCollector creates a ready-to-use Collector.
func NewCollector() *Collector {
	return &Collector{}
}

// Collect gathers the current host snapshot. Individual probes that fail
// leave their field zeroed; collection itself never fails.
func (c *Collector) Collect() *Snapshot {
	snap := &Snapshot{CollectedAt: time.Now().UTC()}

	if info, err := host.Info(); err == nil {
		snap.Hostname = info.Hostname
		snap.OS = info.Platform
		if info.PlatformVersion != "" {
			snap.OS += " " + info.PlatformVersion
		}
		snap.UptimeSeconds = info.Uptime
	}

	if pcts, err := cpu.Percent(250*time.Millisecond, false); err == nil && len(pcts) > 0 {
		snap.CPUUsage = pcts[0]
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		snap.MemUsage = vm.UsedPercent
	}

	snap.DiskUsage = maxDiskUsage()

	rx, tx := c.netBandwidth()
	snap.RxBytes = rx
	snap.TxBytes = tx

	return snap
}

// maxDiskUsage returns the used percentage of the fullest partition.
func maxDiskUsage() float64 {
	partitions, err := disk.Partitions(false)
	if err != nil {
		return 0
	}
	var max float64
	for _, p := range partitions {
		usage, err := disk.Usage(p.Mountpoint)
		if err != nil {
			continue
		}
		if usage.UsedPercent > max {
			max = usage.UsedPercent
		}
	}
	return max
}

// netBandwidth computes bytes/s since the last call using IOCounters deltas.
func (c *Collector) netBandwidth() (rxBps, txBps int64) {
	stats, err := psnet.IOCounters(false) // aggregate all interfaces
	if err != nil || len(stats) == 0 {
		return 0, 0
	}
	now := time.Now()
	curRx := stats[0].BytesRecv
	curTx := stats[0].BytesSent

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.initialized {
		dt := now.Sub(c.prevTime).Seconds()
		if dt > 0 {
			rxBps = int64(float64(curRx-c.prevRx) / dt)
			txBps = int64(float64(curTx-c.prevTx) / dt)
			if rxBps < 0 {
				rxBps = 0 // counter reset (reboot)
			}
			if txBps < 0 {
				txBps = 0
			}
		}
	}

	c.prevRx = curRx
	c.prevTx = curTx
	c.prevTime = now
	c.initialized = true
	return
}

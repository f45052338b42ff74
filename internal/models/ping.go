// Package models defines GORM data models for PMD.
package models

import "time"

// PingLog is one probe result. Rows are append-only and never updated.
// A lost probe has no latency: PacketLoss=true implies LatencyMs=nil.
type PingLog struct {
	ID       uint      `gorm:"primarykey" json:"-"`
	Time     time.Time `gorm:"index:idx_ping_target_time,priority:2;not null" json:"time"`
	TargetID uint      `gorm:"index:idx_ping_target_time,priority:1;not null" json:"target_id"`

	LatencyMs  *float64 `json:"latency_ms"`
	Hops       *int     `json:"hops"`
	PacketLoss bool     `json:"packet_loss"`
}

// Rollup granularities. These are the only two the pipeline produces;
// the insights engine re-buckets them to any coarser width on read.
const (
	GranularityMinute = "minute"
	GranularityHour   = "hour"
)

// PingRollup is a pre-aggregated summary of PingLogs for one target over
// one bucket of the given granularity. Produced by the rollup pipeline,
// read-only everywhere else.
type PingRollup struct {
	ID          uint      `gorm:"primarykey" json:"-"`
	TargetID    uint      `gorm:"uniqueIndex:idx_rollup_key,priority:1;not null" json:"target_id"`
	Granularity string    `gorm:"uniqueIndex:idx_rollup_key,priority:2;not null" json:"granularity"`
	Bucket      time.Time `gorm:"uniqueIndex:idx_rollup_key,priority:3;not null" json:"bucket"`

	Samples    int64    `json:"samples"`
	LossCount  int64    `json:"loss_count"`
	AvgLatency *float64 `json:"avg_latency"`
	MinLatency *float64 `json:"min_latency"`
	MaxLatency *float64 `json:"max_latency"`
}

// Package models defines GORM data models for PMD.
package models

import (
	"time"

	"gorm.io/gorm"
)

// Target represents a monitored IP address.
// The scheduler only needs (ID, IPAddress, Frequency) to run a loop;
// everything else is registry bookkeeping surfaced by the API.
type Target struct {
	gorm.Model

	// Identity
	IPAddress string `gorm:"uniqueIndex;not null" json:"ip"`

	// Frequency is the number of seconds between probes (>= 1).
	Frequency int `gorm:"not null;default:1" json:"frequency"`

	// IsActive controls whether a monitoring loop should run.
	// Pause/resume flip this flag; the scheduler is driven separately.
	IsActive bool `gorm:"index;default:true" json:"is_active"`

	// DisplayURL is an optional human-friendly link (device admin page etc).
	DisplayURL *string `json:"url,omitempty"`
	Notes      *string `json:"notes,omitempty"`
}

// TargetOut is the DTO returned by the targets API.
type TargetOut struct {
	ID        uint      `json:"id"`
	IP        string    `json:"ip"`
	Frequency int       `json:"frequency"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	URL       *string   `json:"url"`
	Notes     *string   `json:"notes"`
}

// Out converts a Target row to its API shape.
func (t *Target) Out() TargetOut {
	return TargetOut{
		ID:        t.ID,
		IP:        t.IPAddress,
		Frequency: t.Frequency,
		IsActive:  t.IsActive,
		CreatedAt: t.CreatedAt,
		URL:       t.DisplayURL,
		Notes:     t.Notes,
	}
}

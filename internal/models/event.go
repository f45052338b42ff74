// Package models defines GORM data models for PMD.
package models

import "time"

// EventType classifies scheduler lifecycle and reachability transitions.
type EventType string

const (
	EventStart    EventType = "start"
	EventStop     EventType = "stop"
	EventFailure  EventType = "failure"
	EventRecovery EventType = "recovery"
)

// EventLog records one scheduler lifecycle or state-transition event.
// Append-only; ordered by CreatedAt.
type EventLog struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	TargetID  *uint     `gorm:"index" json:"target_id"`
	EventType EventType `gorm:"index;not null" json:"event_type"`
	Message   string    `gorm:"not null" json:"message"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

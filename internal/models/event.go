package models

import "time"

// ChangeType classifies a mutation recorded in the Change Feed.
type ChangeType string

const (
	ChangeRegistered   ChangeType = "registered"
	ChangeDeregistered ChangeType = "deregistered"
	ChangeHealthChanged ChangeType = "health_changed"
	ChangeHeartbeat    ChangeType = "heartbeat"
	ChangeExpired      ChangeType = "expired"
)

// ServiceChangeEvent describes a single mutation to an instance record,
// ordered by a monotonically increasing Version relative to the registry
// that produced it. Both the pull (changes_since) and push (WebSocket)
// paths of the Change Feed deliver the same shape.
type ServiceChangeEvent struct {
	Version   int64      `json:"version"`
	Type      ChangeType `json:"type"`
	Instance  InstanceRecord `json:"instance"`
	Timestamp time.Time  `json:"timestamp"`
}

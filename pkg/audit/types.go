package audit

import (
	"time"
)

// EventType represents the type of lease event.
type EventType string

const (
	EventLeaseAdded   EventType = "LEASE_ADDED"
	EventLeaseUpdated EventType = "LEASE_UPDATED"
	EventLeaseDeleted EventType = "LEASE_DELETED"
	EventLeaseLoaded  EventType = "LEASE_LOADED"
	EventLeaseDropped EventType = "LEASE_DROPPED"

	EventClientAdded   EventType = "CLIENT_ADDED"
	EventClientDeleted EventType = "CLIENT_DELETED"

	EventDatabaseLoaded EventType = "DATABASE_LOADED"
	EventDatabaseSaved  EventType = "DATABASE_SAVED"

	EventSystemStart EventType = "SYSTEM_START"
	EventSystemStop  EventType = "SYSTEM_STOP"
)

// Event represents a single lease journal entry.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	NodeID    string    `json:"node_id,omitempty"`

	// Lease context
	ClientDUID string `json:"client_duid,omitempty"`
	IAType     string `json:"ia_type,omitempty"`
	IAID       uint32 `json:"iaid,omitempty"`
	Addr       string `json:"addr,omitempty"`
	Length     uint8  `json:"length,omitempty"`
	Pref       uint32 `json:"pref,omitempty"`
	Valid      uint32 `json:"valid,omitempty"`
	Iface      string `json:"iface,omitempty"`

	// Database context
	Clients int    `json:"clients,omitempty"`
	Path    string `json:"path,omitempty"`
	Error   string `json:"error,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`
}

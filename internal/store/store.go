// ABOUTME: Store interfaces and data types for local persistence
// ABOUTME: Defines the run journal and the device pairing registry

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// Run status values
const (
	RunStatusOK         = "ok"          // Final event with content
	RunStatusNoResponse = "no_response" // Final event without content
	RunStatusFailed     = "failed"      // Remote error or rejected request
	RunStatusTimeout    = "timeout"     // Local request or stream timeout
)

// Run is one journaled chat exchange
type Run struct {
	ID         int64
	RunID      string // Server-assigned; empty when the request failed before a run started
	SessionKey string
	Prompt     string
	Response   string
	Status     string
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Device status values
const (
	DeviceStatusPending  = "pending"
	DeviceStatusApproved = "approved"
	DeviceStatusRevoked  = "revoked"
)

// Device is a device identity known to a gateway
type Device struct {
	DeviceID    string
	PublicKey   string // base64url raw Ed25519 key
	DisplayName string
	Status      string
	CreatedAt   time.Time
	LastSeen    time.Time
}

// RunJournal records chat exchanges for later review
type RunJournal interface {
	RecordRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, runID string) (*Run, error)
	RecentRuns(ctx context.Context, limit int) ([]*Run, error)
}

// DeviceRegistry tracks which device identities are paired
type DeviceRegistry interface {
	// SeenDevice records a connection attempt, creating a pending device on
	// first sight. It never changes an existing status.
	SeenDevice(ctx context.Context, device *Device) (*Device, error)
	GetDevice(ctx context.Context, deviceID string) (*Device, error)
	SetDeviceStatus(ctx context.Context, deviceID, status string) error
	ListDevices(ctx context.Context) ([]*Device, error)
}

// Store combines the journal and the registry
type Store interface {
	RunJournal
	DeviceRegistry
	Close() error
}

func validDeviceStatus(status string) bool {
	switch status {
	case DeviceStatusPending, DeviceStatusApproved, DeviceStatusRevoked:
		return true
	}
	return false
}

// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests and the in-process fake gateway to run without SQLite

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu      sync.RWMutex
	runs    []*Run             // append order
	devices map[string]*Device // keyed by device ID
	nextID  int64
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		devices: make(map[string]*Device),
	}
}

// RecordRun appends a copy of run and sets run.ID.
func (m *MockStore) RecordRun(ctx context.Context, run *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	run.ID = m.nextID
	r := *run
	m.runs = append(m.runs, &r)
	return nil
}

// GetRun returns the latest entry for runID.
func (m *MockStore) GetRun(ctx context.Context, runID string) (*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for i := len(m.runs) - 1; i >= 0; i-- {
		if m.runs[i].RunID == runID {
			r := *m.runs[i]
			return &r, nil
		}
	}
	return nil, ErrNotFound
}

// RecentRuns returns up to limit runs, newest first.
func (m *MockStore) RecentRuns(ctx context.Context, limit int) ([]*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = 20
	}

	sorted := make([]*Run, len(m.runs))
	copy(sorted, m.runs)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].StartedAt.Equal(sorted[j].StartedAt) {
			return sorted[i].ID > sorted[j].ID
		}
		return sorted[i].StartedAt.After(sorted[j].StartedAt)
	})

	if len(sorted) > limit {
		sorted = sorted[:limit]
	}
	result := make([]*Run, len(sorted))
	for i, r := range sorted {
		c := *r
		result[i] = &c
	}
	return result, nil
}

// SeenDevice creates a pending device or refreshes a known one.
func (m *MockStore) SeenDevice(ctx context.Context, device *Device) (*Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	existing, ok := m.devices[device.DeviceID]
	if !ok {
		d := *device
		d.Status = DeviceStatusPending
		d.CreatedAt = now
		if d.LastSeen.IsZero() {
			d.LastSeen = now
		}
		m.devices[d.DeviceID] = &d
		result := d
		return &result, nil
	}

	existing.PublicKey = device.PublicKey
	existing.LastSeen = now
	if !device.LastSeen.IsZero() {
		existing.LastSeen = device.LastSeen
	}
	result := *existing
	return &result, nil
}

// GetDevice retrieves a device by ID.
func (m *MockStore) GetDevice(ctx context.Context, deviceID string) (*Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.devices[deviceID]
	if !ok {
		return nil, ErrNotFound
	}
	result := *d
	return &result, nil
}

// SetDeviceStatus changes a device's pairing status.
func (m *MockStore) SetDeviceStatus(ctx context.Context, deviceID, status string) error {
	if !validDeviceStatus(status) {
		return fmt.Errorf("invalid device status %q", status)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.devices[deviceID]
	if !ok {
		return ErrNotFound
	}
	d.Status = status
	return nil
}

// ListDevices returns all devices, oldest first.
func (m *MockStore) ListDevices(ctx context.Context) ([]*Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Device, 0, len(m.devices))
	for _, d := range m.devices {
		c := *d
		result = append(result, &c)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].DeviceID < result[j].DeviceID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// Close is a no-op for MockStore.
func (m *MockStore) Close() error {
	return nil
}

// Compile-time check that both implementations satisfy Store.
var (
	_ Store = (*MockStore)(nil)
	_ Store = (*SQLiteStore)(nil)
)

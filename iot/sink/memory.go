// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package sink

import (
	"context"
	"sync"
)

// DefaultMemoryCapacity is the number of records per device and kind a Memory keeps
const DefaultMemoryCapacity = 1000

// Memory is an in-process Store keeping the latest records of every device
type Memory struct {
	mu        sync.RWMutex
	capacity  int
	telemetry map[string][]TelemetryRecord
	uploads   map[string][]UploadNotification
}

// NewMemory returns a store keeping capacity records per device and kind
func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	return &Memory{
		capacity:  capacity,
		telemetry: map[string][]TelemetryRecord{},
		uploads:   map[string][]UploadNotification{},
	}
}

// Telemetry implements Sink
func (m *Memory) Telemetry(_ context.Context, r TelemetryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.telemetry[r.DeviceID] = appendBounded(m.telemetry[r.DeviceID], r, m.capacity)
	return nil
}

// UploadCompleted implements Sink
func (m *Memory) UploadCompleted(_ context.Context, n UploadNotification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploads[n.DeviceID] = appendBounded(m.uploads[n.DeviceID], n, m.capacity)
	return nil
}

// ListTelemetry implements Store
func (m *Memory) ListTelemetry(_ context.Context, deviceID string, limit int) ([]TelemetryRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return newestFirst(m.telemetry[deviceID], limit), nil
}

// ListUploads implements Store
func (m *Memory) ListUploads(_ context.Context, deviceID string, limit int) ([]UploadNotification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return newestFirst(m.uploads[deviceID], limit), nil
}

func appendBounded[T any](list []T, item T, capacity int) []T {
	list = append(list, item)
	if len(list) > capacity {
		list = append(list[:0:0], list[len(list)-capacity:]...)
	}
	return list
}

func newestFirst[T any](list []T, limit int) []T {
	if limit <= 0 || limit > len(list) {
		limit = len(list)
	}
	result := make([]T, 0, limit)
	for i := len(list) - 1; i >= 0 && len(result) < limit; i-- {
		result = append(result, list[i])
	}
	return result
}

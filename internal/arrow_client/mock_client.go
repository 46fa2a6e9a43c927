package arrow_client

import (
	"context"
	"errors"
	"sync"
)

// MockFlightClient keeps published rows in memory.
type MockFlightClient struct {
	mu        sync.RWMutex
	connected bool
	data      map[string][]ResultRow
	// FailPut, when set, is returned by DoPut.
	FailPut error
}

func NewMockFlightClient() *MockFlightClient {
	return &MockFlightClient{data: make(map[string][]ResultRow)}
}

func (m *MockFlightClient) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = true
	return nil
}

func (m *MockFlightClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	return nil
}

func (m *MockFlightClient) DoPut(ctx context.Context, path string, rows []ResultRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return errors.New("client not connected")
	}
	if m.FailPut != nil {
		return m.FailPut
	}
	m.data[path] = append(m.data[path], rows...)
	return nil
}

func (m *MockFlightClient) DoGet(ctx context.Context, path string) ([]ResultRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.connected {
		return nil, errors.New("client not connected")
	}
	rows, ok := m.data[path]
	if !ok {
		return nil, errors.New("not found")
	}
	return append([]ResultRow(nil), rows...), nil
}

// Reset clears all stored rows.
func (m *MockFlightClient) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = make(map[string][]ResultRow)
}

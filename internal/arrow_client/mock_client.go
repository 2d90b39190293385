package arrow_client

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/23skdu/longbow-quiver/internal/anomaly"
)

// MockFlightClient keeps uploaded batches in memory. Batches go through an
// IPC round trip so what is stored is what a collector would decode.
type MockFlightClient struct {
	mu        sync.RWMutex
	connected bool
	fail      error
	paths     []string
	data      map[string][]anomaly.Result
}

func NewMockFlightClient() *MockFlightClient {
	return &MockFlightClient{data: make(map[string][]anomaly.Result)}
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

// FailWith makes every Put return err until called with nil.
func (m *MockFlightClient) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = err
}

func (m *MockFlightClient) Put(ctx context.Context, path []string, rec arrow.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return ErrNotConnected
	}
	if m.fail != nil {
		return m.fail
	}

	var buf bytes.Buffer
	if err := EncodeIPC(&buf, rec); err != nil {
		return err
	}
	results, err := DecodeIPC(&buf)
	if err != nil {
		return fmt.Errorf("mock decode: %w", err)
	}
	key := strings.Join(path, "/")
	m.paths = append(m.paths, key)
	m.data[key] = results
	return nil
}

// Paths lists upload paths in arrival order.
func (m *MockFlightClient) Paths() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.paths...)
}

// Stored returns the results uploaded under path.
func (m *MockFlightClient) Stored(path string) []anomaly.Result {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data[path]
}

func (m *MockFlightClient) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paths = nil
	m.data = make(map[string][]anomaly.Result)
}

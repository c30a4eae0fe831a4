package archive

import (
	"context"
	"sync"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// MockClickHouseConn implements driver.Conn for testing
type MockClickHouseConn struct {
	driver.Conn

	mu         sync.Mutex
	batches    []*MockBatch
	execs      []string
	prepareErr error
	sendErr    error
}

func (m *MockClickHouseConn) Exec(ctx context.Context, query string, args ...interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.execs = append(m.execs, query)
	return nil
}

func (m *MockClickHouseConn) PrepareBatch(ctx context.Context, query string, opts ...driver.PrepareBatchOption) (driver.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.prepareErr != nil {
		return nil, m.prepareErr
	}
	b := &MockBatch{mu: &m.mu, sendErr: m.sendErr}
	m.batches = append(m.batches, b)
	return b, nil
}

func (m *MockClickHouseConn) sentRows() [][]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	var rows [][]interface{}
	for _, b := range m.batches {
		if b.sent {
			rows = append(rows, b.rows...)
		}
	}
	return rows
}

// MockBatch records appended rows
type MockBatch struct {
	driver.Batch

	mu      *sync.Mutex
	rows    [][]interface{}
	sent    bool
	aborted bool
	sendErr error
}

func (m *MockBatch) Append(v ...interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, v)
	return nil
}

func (m *MockBatch) Send() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = true
	return nil
}

func (m *MockBatch) Abort() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.aborted = true
	return nil
}

package escrow

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory escrow cache for demo/development mode.
type MemoryStore struct {
	byOperation map[string]*Record
	mu          sync.RWMutex
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byOperation: make(map[string]*Record),
	}
}

func (m *MemoryStore) Create(ctx context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *rec
	m.byOperation[rec.OperationID] = &cp
	return nil
}

func (m *MemoryStore) GetByOperation(ctx context.Context, operationID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.byOperation[operationID]
	if !ok {
		return nil, ErrNotFound
	}
	// Return a copy to prevent races on the shared pointer.
	cp := *rec
	return &cp, nil
}

func (m *MemoryStore) GetByTransactionID(ctx context.Context, transactionID uint64) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, rec := range m.byOperation {
		if rec.TransactionID == transactionID {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) Update(ctx context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byOperation[rec.OperationID]; !ok {
		return ErrNotFound
	}
	cp := *rec
	m.byOperation[rec.OperationID] = &cp
	return nil
}

func (m *MemoryStore) ListUnsettled(ctx context.Context, updatedBefore time.Time, limit int) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Record
	for _, rec := range m.byOperation {
		if rec.State.IsTerminal() || !rec.UpdatedAt.Before(updatedBefore) {
			continue
		}
		cp := *rec
		result = append(result, &cp)
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)

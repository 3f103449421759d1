package operations

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory operation store for demo/development mode.
type MemoryStore struct {
	ops map[string]*Operation
	mu  sync.RWMutex
}

// NewMemoryStore creates a new in-memory operation store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		ops: make(map[string]*Operation),
	}
}

func (m *MemoryStore) Create(ctx context.Context, op *Operation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *op
	m.ops[op.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Operation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	op, ok := m.ops[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *op
	return &cp, nil
}

func (m *MemoryStore) UpdateStatus(ctx context.Context, id string, from, to Status, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	op, ok := m.ops[id]
	if !ok {
		return ErrNotFound
	}
	if op.Status != from {
		return ErrStaleStatus
	}

	op.Status = to
	op.StatusReason = reason
	op.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) SetPaymentMethod(ctx context.Context, id string, method PaymentMethod, nonRefundableAck bool) error {
	if !method.Valid() {
		return ErrInvalidMethod
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	op, ok := m.ops[id]
	if !ok {
		return ErrNotFound
	}
	if op.Status.IsTerminal() {
		return ErrMethodLocked
	}

	op.PaymentMethod = &method
	op.NonRefundableAck = nonRefundableAck
	op.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) LinkEscrow(ctx context.Context, id string, transactionID uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	op, ok := m.ops[id]
	if !ok {
		return ErrNotFound
	}

	op.EscrowTransactionID = &transactionID
	op.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) SetPaymentReference(ctx context.Context, id string, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	op, ok := m.ops[id]
	if !ok {
		return ErrNotFound
	}

	op.PaymentReference = ref
	op.UpdatedAt = time.Now()
	return nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)

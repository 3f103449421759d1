package escrow

import (
	"context"
	"time"
)

// Store persists the local escrow transaction cache.
type Store interface {
	Create(ctx context.Context, rec *Record) error
	GetByOperation(ctx context.Context, operationID string) (*Record, error)
	GetByTransactionID(ctx context.Context, transactionID uint64) (*Record, error)
	Update(ctx context.Context, rec *Record) error
	// ListUnsettled returns non-terminal records updated before the cutoff,
	// for the reconciliation sweep. Orphaned and abandoned escrows are
	// included so they eventually settle.
	ListUnsettled(ctx context.Context, updatedBefore time.Time, limit int) ([]*Record, error)
}

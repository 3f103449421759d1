package reconcile

import (
	"context"
	"fmt"

	"github.com/brickvest/reservd/internal/escrow"
	"github.com/brickvest/reservd/internal/logging"
	"github.com/brickvest/reservd/internal/metrics"
)

// Reimburse returns the full escrowed amount to the sender after the
// timeout window has elapsed.
//
// Eligibility is checked against a fresh chain read before submitting,
// so an obviously premature call never costs gas. An open dispute always
// blocks timeout reimbursement. The contract enforces the authoritative
// condition either way, and the cycle that follows re-reads the result.
func (s *Service) Reimburse(ctx context.Context, operationID string) (*Result, error) {
	rec, err := s.escrows.GetByOperation(ctx, operationID)
	if err != nil {
		return nil, err
	}

	tx, err := s.contract.ReadTransaction(ctx, rec.TransactionID)
	if err != nil {
		return nil, fmt.Errorf("reconcile: read before reimburse: %w", err)
	}
	if err := escrow.ReimburseEligible(tx, s.now()); err != nil {
		return nil, err
	}

	if err := s.contract.Reimburse(ctx, rec.TransactionID, tx.Amount); err != nil {
		return nil, err
	}
	metrics.EscrowReimbursedTotal.Inc()
	logging.L(ctx).Info("escrow reimbursed",
		"operation_id", operationID,
		"transaction_id", rec.TransactionID,
		"amount_wei", tx.Amount.String(),
	)

	return s.Reconcile(ctx, operationID)
}

// Execute releases the full escrowed amount to the receiver once the
// contract permits it.
func (s *Service) Execute(ctx context.Context, operationID string) (*Result, error) {
	rec, err := s.escrows.GetByOperation(ctx, operationID)
	if err != nil {
		return nil, err
	}
	if rec.State.IsTerminal() {
		return nil, escrow.ErrAlreadyTerminal
	}
	if rec.State == escrow.StateDisputeCreated {
		return nil, escrow.ErrDisputePending
	}

	if err := s.contract.ExecuteTransaction(ctx, rec.TransactionID); err != nil {
		return nil, err
	}
	metrics.EscrowReleasedTotal.Inc()
	logging.L(ctx).Info("escrow executed",
		"operation_id", operationID,
		"transaction_id", rec.TransactionID,
	)

	return s.Reconcile(ctx, operationID)
}

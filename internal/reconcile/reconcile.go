// Package reconcile aligns local reservation state with on-chain escrow
// state.
//
// The cycle is read-compare-apply: fetch the contract's view of the
// transaction, derive the domain state it implies, and apply the delta to
// the local cache and the owning operation. Every step is idempotent; a
// cycle observing no change writes nothing. A failed chain read aborts
// the cycle with local state untouched.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/brickvest/reservd/internal/chain"
	"github.com/brickvest/reservd/internal/escrow"
	"github.com/brickvest/reservd/internal/logging"
	"github.com/brickvest/reservd/internal/metrics"
	"github.com/brickvest/reservd/internal/notify"
	"github.com/brickvest/reservd/internal/operations"
	"github.com/brickvest/reservd/internal/retry"
)

// Outcome classifies what a reconcile cycle did.
type Outcome string

const (
	OutcomeNoop     Outcome = "noop"     // no observable change
	OutcomeAdvance  Outcome = "advance"  // non-terminal state progressed
	OutcomeFinalize Outcome = "finalize" // reached a terminal settlement
	OutcomeFlagged  Outcome = "flagged"  // data-integrity fault, manual review
)

// Result reports the outcome of one reconcile cycle.
type Result struct {
	Outcome Outcome
	State   escrow.State
	Status  operations.Status
}

var (
	// ErrNoEscrow means the operation has no linked escrow transaction.
	ErrNoEscrow = errors.New("reconcile: operation has no escrow transaction")
)

const (
	chainReadAttempts = 3
	chainReadBackoff  = 2 * time.Second
)

// Service runs reconcile cycles against the escrow contract.
type Service struct {
	escrows  escrow.Store
	ops      operations.Store
	contract chain.EscrowContract
	notifier notify.Notifier
	now      func() time.Time
}

// NewService creates a reconcile service.
func NewService(escrows escrow.Store, ops operations.Store, contract chain.EscrowContract, notifier notify.Notifier) *Service {
	return &Service{
		escrows:  escrows,
		ops:      ops,
		contract: contract,
		notifier: notifier,
		now:      time.Now,
	}
}

// Reconcile runs one cycle for the given operation. Safe to call
// concurrently with itself; the operation status CAS makes a lost race a
// no-op rather than a double-apply.
func (s *Service) Reconcile(ctx context.Context, operationID string) (*Result, error) {
	rec, err := s.escrows.GetByOperation(ctx, operationID)
	if err != nil {
		if errors.Is(err, escrow.ErrNotFound) {
			return nil, ErrNoEscrow
		}
		return nil, err
	}
	return s.reconcileRecord(ctx, rec)
}

func (s *Service) reconcileRecord(ctx context.Context, rec *escrow.Record) (*Result, error) {
	log := logging.L(ctx)

	// Chain read with retry. If the chain cannot be read the cycle aborts
	// here; local state must never advance on guesswork.
	var tx *chain.Transaction
	err := retry.Do(ctx, chainReadAttempts, chainReadBackoff, func() error {
		var readErr error
		tx, readErr = s.contract.ReadTransaction(ctx, rec.TransactionID)
		if errors.Is(readErr, chain.ErrTxNotFound) {
			return retry.Permanent(readErr)
		}
		return readErr
	})
	if err != nil {
		return nil, fmt.Errorf("reconcile: read transaction %d: %w", rec.TransactionID, err)
	}

	now := s.now()

	// Amount integrity check precedes everything else. A mismatch means
	// the stored fee and the chain disagree about money.
	if err := rec.VerifyAmount(tx); err != nil {
		metrics.AmountMismatchTotal.Inc()
		return s.flag(ctx, rec, "escrow amount does not match agreed reservation fee")
	}

	next, err := escrow.NextState(rec.State, tx, now)
	if errors.Is(err, escrow.ErrStatusRegression) {
		return s.flag(ctx, rec, "chain status regressed from terminal state")
	}
	if err != nil {
		return s.flag(ctx, rec, fmt.Sprintf("unreconcilable state transition: %v", err))
	}

	// The record refresh and the operation status write are applied even
	// when the state looks unchanged, so a cycle interrupted between the
	// two writes is repaired by the next one.
	rec.State = next
	rec.LastInteraction = tx.LastInteraction
	rec.DisputeID = tx.DisputeID
	if next.IsTerminal() {
		rec.Resolution = escrow.ResolutionFor(tx)
	}
	rec.UpdatedAt = now
	if err := s.escrows.Update(ctx, rec); err != nil {
		return nil, fmt.Errorf("reconcile: update escrow record: %w", err)
	}

	res, err := s.applyToOperation(ctx, rec)
	if err != nil {
		return nil, err
	}

	log.Info("reconciled escrow",
		"operation_id", rec.OperationID,
		"transaction_id", rec.TransactionID,
		"state", string(rec.State),
		"outcome", string(res.Outcome),
	)
	observeCycle(res.Outcome, string(rec.State))
	return res, nil
}

// applyToOperation maps the escrow state onto the operation status and
// applies it under the CAS guard. A stale CAS means another reconcile
// already applied this transition, so the cycle degrades to a no-op and
// no event is emitted.
func (s *Service) applyToOperation(ctx context.Context, rec *escrow.Record) (*Result, error) {
	op, err := s.ops.Get(ctx, rec.OperationID)
	if err != nil {
		return nil, fmt.Errorf("reconcile: load operation: %w", err)
	}

	target, reason, eventType := statusFor(rec)
	if target == "" || op.Status == target {
		return &Result{Outcome: OutcomeNoop, State: rec.State, Status: op.Status}, nil
	}
	if op.Status.IsTerminal() {
		// Terminal operation statuses never regress.
		return &Result{Outcome: OutcomeNoop, State: rec.State, Status: op.Status}, nil
	}

	err = s.ops.UpdateStatus(ctx, op.ID, op.Status, target, reason)
	if errors.Is(err, operations.ErrStaleStatus) {
		return &Result{Outcome: OutcomeNoop, State: rec.State, Status: op.Status}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reconcile: update operation status: %w", err)
	}

	// The CAS succeeded, so this process owns the transition and the
	// notification fires exactly once for it.
	if eventType != "" {
		s.emit(ctx, notify.Event{
			Type:        eventType,
			OperationID: op.ID,
			Status:      string(target),
			Reason:      reason,
			At:          s.now(),
		})
	}

	outcome := OutcomeAdvance
	if target.IsTerminal() || target == operations.StatusReview {
		outcome = OutcomeFinalize
	}
	return &Result{Outcome: outcome, State: rec.State, Status: target}, nil
}

// statusFor maps an escrow state to the operation status it implies.
func statusFor(rec *escrow.Record) (operations.Status, string, string) {
	switch rec.State {
	case escrow.StateFunded, escrow.StateWaitingReceiver, escrow.StateWaitingSender,
		escrow.StateDisputeCreated, escrow.StateTimedOut:
		return operations.StatusReserved, "escrow funded on-chain", notify.EventReservationActive

	case escrow.StateReleased:
		return operations.StatusCompleted, "escrow released to platform", notify.EventReservationCompleted

	case escrow.StateReimbursed:
		return operations.StatusCancelled, "escrow refunded after timeout", notify.EventReservationCancelled

	case escrow.StateResolved:
		switch rec.Resolution {
		case escrow.ResolutionReleased:
			return operations.StatusCompleted, "dispute resolved in favor of platform", notify.EventReservationCompleted
		case escrow.ResolutionReimbursed:
			return operations.StatusCancelled, "dispute resolved in favor of buyer", notify.EventReservationCancelled
		default:
			return operations.StatusReview, "arbitrator refused to rule", notify.EventEscrowFlagged
		}

	default:
		// Created and Abandoned carry no operation-side transition.
		return "", "", ""
	}
}

// flag marks the operation for manual review without touching the escrow
// record. Flagging is itself CAS-guarded and idempotent.
func (s *Service) flag(ctx context.Context, rec *escrow.Record, reason string) (*Result, error) {
	logging.L(ctx).Error("escrow flagged for review",
		"operation_id", rec.OperationID,
		"transaction_id", rec.TransactionID,
		"reason", reason,
	)

	op, err := s.ops.Get(ctx, rec.OperationID)
	if err != nil {
		return nil, fmt.Errorf("reconcile: load operation: %w", err)
	}
	if op.Status == operations.StatusReview || op.Status.IsTerminal() {
		return &Result{Outcome: OutcomeNoop, State: rec.State, Status: op.Status}, nil
	}

	err = s.ops.UpdateStatus(ctx, op.ID, op.Status, operations.StatusReview, reason)
	if errors.Is(err, operations.ErrStaleStatus) {
		return &Result{Outcome: OutcomeNoop, State: rec.State, Status: op.Status}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reconcile: flag operation: %w", err)
	}
	flaggedTotal.Inc()

	s.emit(ctx, notify.Event{
		Type:        notify.EventEscrowFlagged,
		OperationID: op.ID,
		Status:      string(operations.StatusReview),
		Reason:      reason,
		At:          s.now(),
	})
	observeCycle(OutcomeFlagged, string(rec.State))
	return &Result{Outcome: OutcomeFlagged, State: rec.State, Status: operations.StatusReview}, nil
}

// emit delivers a notification, logging failures rather than failing the
// cycle. The status row already holds the truth; a lost webhook is
// recoverable by the receiver polling.
func (s *Service) emit(ctx context.Context, ev notify.Event) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, ev); err != nil {
		logging.L(ctx).Error("notification delivery failed",
			"type", ev.Type,
			"operation_id", ev.OperationID,
			"error", err,
		)
	}
}

// Sweep reconciles every unsettled escrow whose record has not been
// refreshed since cutoff. This is how abandoned attempts with a confirmed
// on-chain escrow are adopted back into the lifecycle.
func (s *Service) Sweep(ctx context.Context, staleAfter time.Duration, limit int) (int, error) {
	cutoff := s.now().Add(-staleAfter)
	records, err := s.escrows.ListUnsettled(ctx, cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("reconcile: list unsettled: %w", err)
	}

	reconciled := 0
	for _, rec := range records {
		if ctx.Err() != nil {
			return reconciled, ctx.Err()
		}
		if _, err := s.reconcileRecord(ctx, rec); err != nil {
			logging.L(ctx).Error("sweep reconcile failed",
				"operation_id", rec.OperationID,
				"error", err,
			)
			continue
		}
		reconciled++
	}
	return reconciled, nil
}

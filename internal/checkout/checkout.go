// Package checkout orchestrates the payment-method selection flow of a
// reservation.
//
// A ReservationAttempt is the session-scoped container for one user's
// checkout. At most one payment path is active per attempt; switching
// methods invalidates any escrow that was started but never confirmed
// funded. A confirmed escrow cannot be switched away from.
package checkout

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/brickvest/reservd/internal/chain"
	"github.com/brickvest/reservd/internal/escrow"
	"github.com/brickvest/reservd/internal/logging"
	"github.com/brickvest/reservd/internal/metrics"
	"github.com/brickvest/reservd/internal/operations"
)

var (
	ErrAttemptNotFound   = errors.New("checkout: attempt not found")
	ErrAttemptExpired    = errors.New("checkout: attempt expired")
	ErrMethodNotSelected = errors.New("checkout: no payment method selected")
	ErrWrongMethod       = errors.New("checkout: operation not on this payment path")
	ErrConsentRequired   = errors.New("checkout: non-refundable consent not recorded")
	ErrEscrowConfirmed   = errors.New("checkout: escrow already confirmed, method locked")
	ErrEscrowExists      = errors.New("checkout: attempt already has an active escrow")
	ErrOperationClosed   = errors.New("checkout: operation already settled")
)

// Attempt is one in-flight checkout session for an operation.
type Attempt struct {
	ID              string                    `json:"id"`
	OperationID     string                    `json:"operationId"`
	UserID          string                    `json:"userId"`
	Method          *operations.PaymentMethod `json:"method,omitempty"`
	NonRefundable   bool                      `json:"nonRefundableAck"`
	EscrowConfirmed bool                      `json:"escrowConfirmed"`
	CreatedAt       time.Time                 `json:"createdAt"`
	ExpiresAt       time.Time                 `json:"expiresAt"`
}

// Expired reports whether the attempt's TTL has elapsed.
func (a *Attempt) Expired(now time.Time) bool {
	return now.After(a.ExpiresAt)
}

// Config for the checkout service.
type Config struct {
	ReceiverAddress string        // platform wallet receiving reservation fees
	TimeoutPayment  time.Duration // escrow reimburse window
	AttemptTTL      time.Duration
}

// Service manages reservation attempts and drives escrow creation.
type Service struct {
	cfg      Config
	ops      operations.Store
	escrows  escrow.Store
	contract chain.EscrowContract
	payments PaymentProcessor // traditional path, may be nil

	mu       sync.Mutex
	attempts map[string]*Attempt

	opLocks sync.Map // per-operation locks serializing escrow creation and cancellation

	newID func() string
	now   func() time.Time
}

// operationLock returns the mutex for an operation. It is held across
// the existence check, the chain call, and the record write so two
// concurrent creates cannot both fund an escrow for one reservation.
func (s *Service) operationLock(operationID string) *sync.Mutex {
	v, _ := s.opLocks.LoadOrStore(operationID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// PaymentProcessor is the traditional (fiat) payment path.
type PaymentProcessor interface {
	// CreateIntent opens a payment intent and returns its reference and
	// the client secret the frontend needs to confirm it.
	CreateIntent(ctx context.Context, operationID string, amountCents int64, currency string) (ref, clientSecret string, err error)
}

// NewService creates a checkout service.
func NewService(cfg Config, ops operations.Store, escrows escrow.Store, contract chain.EscrowContract, payments PaymentProcessor) *Service {
	return &Service{
		cfg:      cfg,
		ops:      ops,
		escrows:  escrows,
		contract: contract,
		payments: payments,
		attempts: make(map[string]*Attempt),
		newID:    newAttemptID,
		now:      time.Now,
	}
}

// StartAttempt opens a checkout session for an operation.
func (s *Service) StartAttempt(ctx context.Context, operationID, userID string) (*Attempt, error) {
	op, err := s.ops.Get(ctx, operationID)
	if err != nil {
		return nil, err
	}
	if op.Status.IsTerminal() {
		return nil, ErrOperationClosed
	}

	now := s.now()
	a := &Attempt{
		ID:          s.newID(),
		OperationID: operationID,
		UserID:      userID,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.cfg.AttemptTTL),
	}

	s.mu.Lock()
	s.pruneLocked(now)
	s.attempts[a.ID] = a
	s.mu.Unlock()

	cp := *a
	return &cp, nil
}

// GetAttempt returns a copy of the attempt, or ErrAttemptExpired once the
// TTL has elapsed.
func (s *Service) GetAttempt(attemptID string) (*Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(attemptID)
}

func (s *Service) getLocked(attemptID string) (*Attempt, error) {
	a, ok := s.attempts[attemptID]
	if !ok {
		return nil, ErrAttemptNotFound
	}
	if a.Expired(s.now()) {
		delete(s.attempts, attemptID)
		return nil, ErrAttemptExpired
	}
	cp := *a
	return &cp, nil
}

// SelectMethod records the chosen payment path on the attempt and the
// operation. Switching away from an unconfirmed escrow abandons it; a
// confirmed escrow locks the method.
func (s *Service) SelectMethod(ctx context.Context, attemptID string, method operations.PaymentMethod, nonRefundableAck bool) (*Attempt, error) {
	if !method.Valid() {
		return nil, operations.ErrInvalidMethod
	}
	if method == operations.MethodTraditional && !nonRefundableAck {
		return nil, ErrConsentRequired
	}

	s.mu.Lock()
	live, ok := s.attempts[attemptID]
	if !ok {
		s.mu.Unlock()
		return nil, ErrAttemptNotFound
	}
	if live.Expired(s.now()) {
		delete(s.attempts, attemptID)
		s.mu.Unlock()
		return nil, ErrAttemptExpired
	}
	if live.EscrowConfirmed && method != operations.MethodEscrow {
		s.mu.Unlock()
		return nil, ErrEscrowConfirmed
	}
	switching := live.Method != nil && *live.Method != method
	live.Method = &method
	live.NonRefundable = nonRefundableAck
	cp := *live
	s.mu.Unlock()

	if switching {
		if err := s.abandonUnconfirmedEscrow(ctx, cp.OperationID); err != nil {
			return nil, err
		}
	}

	if err := s.ops.SetPaymentMethod(ctx, cp.OperationID, method, nonRefundableAck); err != nil {
		return nil, err
	}
	return &cp, nil
}

// abandonUnconfirmedEscrow marks a Created escrow record abandoned so the
// sweep no longer treats it as this attempt's active payment path. A
// Funded or later escrow is real money on-chain and stays live.
func (s *Service) abandonUnconfirmedEscrow(ctx context.Context, operationID string) error {
	rec, err := s.escrows.GetByOperation(ctx, operationID)
	if errors.Is(err, escrow.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if rec.State != escrow.StateCreated {
		return nil
	}

	rec.State = escrow.StateAbandoned
	rec.UpdatedAt = s.now()
	return s.escrows.Update(ctx, rec)
}

// CreateEscrow funds a new on-chain escrow for the attempt's operation
// with the fixed reservation fee.
//
// The call is refused unless the chain client is ready and the escrow
// method is selected. After the transaction is mined the contract state
// is read back and the amount verified before anything is recorded
// locally; submission success alone confirms nothing.
func (s *Service) CreateEscrow(ctx context.Context, attemptID, metaEvidenceURI string) (*escrow.Record, error) {
	a, err := s.GetAttempt(attemptID)
	if err != nil {
		return nil, err
	}
	if a.Method == nil {
		return nil, ErrMethodNotSelected
	}
	if *a.Method != operations.MethodEscrow {
		return nil, ErrWrongMethod
	}
	if !s.contract.Ready() {
		return nil, chain.ErrNotReady
	}

	lock := s.operationLock(a.OperationID)
	lock.Lock()
	defer lock.Unlock()

	op, err := s.ops.Get(ctx, a.OperationID)
	if err != nil {
		return nil, err
	}
	if op.Status.IsTerminal() {
		return nil, ErrOperationClosed
	}
	if existing, err := s.escrows.GetByOperation(ctx, a.OperationID); err == nil {
		if existing.State != escrow.StateAbandoned {
			return nil, ErrEscrowExists
		}
	} else if !errors.Is(err, escrow.ErrNotFound) {
		return nil, err
	}

	fee, err := chain.ParseWei(op.TotalAmountWei)
	if err != nil {
		return nil, fmt.Errorf("checkout: invalid operation amount: %w", err)
	}

	receiver := common.HexToAddress(s.cfg.ReceiverAddress)
	created, err := s.contract.CreateTransaction(ctx, receiver, s.cfg.TimeoutPayment, metaEvidenceURI, fee)
	if err != nil {
		return nil, err
	}

	// Read back and verify before recording. A mismatch here means the
	// contract holds different money than agreed.
	tx, err := s.contract.ReadTransaction(ctx, created.TransactionID)
	if err != nil {
		return nil, fmt.Errorf("checkout: escrow %d created but unreadable: %w", created.TransactionID, err)
	}

	now := s.now()
	rec := &escrow.Record{
		OperationID:     a.OperationID,
		TransactionID:   created.TransactionID,
		TxHash:          created.TxHash,
		SenderAddr:      tx.Sender.Hex(),
		ReceiverAddr:    tx.Receiver.Hex(),
		AmountWei:       op.TotalAmountWei,
		TimeoutPayment:  tx.TimeoutPayment,
		State:           escrow.StateCreated,
		LastInteraction: tx.LastInteraction,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := rec.VerifyAmount(tx); err != nil {
		// Record it anyway so reconciliation can flag the operation.
		rec.UpdatedAt = now
		if storeErr := s.storeRecord(ctx, rec); storeErr != nil {
			return nil, storeErr
		}
		if linkErr := s.ops.LinkEscrow(ctx, a.OperationID, created.TransactionID); linkErr != nil {
			return nil, linkErr
		}
		return rec, err
	}

	rec.State = escrow.StateFunded
	if err := s.storeRecord(ctx, rec); err != nil {
		return nil, err
	}
	if err := s.ops.LinkEscrow(ctx, a.OperationID, created.TransactionID); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if live, ok := s.attempts[attemptID]; ok {
		live.EscrowConfirmed = true
	}
	s.mu.Unlock()

	metrics.EscrowFundedTotal.Inc()
	logging.L(ctx).Info("escrow funded",
		"operation_id", a.OperationID,
		"transaction_id", created.TransactionID,
		"tx_hash", created.TxHash,
		"amount_wei", op.TotalAmountWei,
	)
	return rec, nil
}

// storeRecord creates the record, or replaces an abandoned predecessor.
func (s *Service) storeRecord(ctx context.Context, rec *escrow.Record) error {
	if _, err := s.escrows.GetByOperation(ctx, rec.OperationID); err == nil {
		return s.escrows.Update(ctx, rec)
	} else if !errors.Is(err, escrow.ErrNotFound) {
		return err
	}
	return s.escrows.Create(ctx, rec)
}

// CreateTraditionalPayment opens a payment intent on the fiat processor.
// Requires the traditional method selected with recorded consent.
func (s *Service) CreateTraditionalPayment(ctx context.Context, attemptID string, amountCents int64, currency string) (ref, clientSecret string, err error) {
	a, err := s.GetAttempt(attemptID)
	if err != nil {
		return "", "", err
	}
	if a.Method == nil {
		return "", "", ErrMethodNotSelected
	}
	if *a.Method != operations.MethodTraditional {
		return "", "", ErrWrongMethod
	}
	if !a.NonRefundable {
		return "", "", ErrConsentRequired
	}
	if s.payments == nil {
		return "", "", errors.New("checkout: no payment processor configured")
	}

	ref, clientSecret, err = s.payments.CreateIntent(ctx, a.OperationID, amountCents, currency)
	if err != nil {
		return "", "", err
	}
	if err := s.ops.SetPaymentReference(ctx, a.OperationID, ref); err != nil {
		return "", "", err
	}
	return ref, clientSecret, nil
}

// CancelAttempt discards the attempt and abandons any unconfirmed escrow.
// Cancellation is local intent only: an operation whose escrow was
// confirmed funded stays open, money is on-chain and reconciliation owns
// settling it. Only an operation with no live escrow that never reached
// reserved is cancelled.
func (s *Service) CancelAttempt(ctx context.Context, attemptID string) error {
	s.mu.Lock()
	a, ok := s.attempts[attemptID]
	if !ok {
		s.mu.Unlock()
		return ErrAttemptNotFound
	}
	delete(s.attempts, attemptID)
	operationID := a.OperationID
	escrowConfirmed := a.EscrowConfirmed
	s.mu.Unlock()

	lock := s.operationLock(operationID)
	lock.Lock()
	defer lock.Unlock()

	if err := s.abandonUnconfirmedEscrow(ctx, operationID); err != nil {
		return err
	}

	if escrowConfirmed {
		return nil
	}
	// The confirmed flag lives on the attempt; re-check the record in
	// case funding landed without it being set.
	if rec, err := s.escrows.GetByOperation(ctx, operationID); err == nil {
		if rec.State != escrow.StateAbandoned {
			return nil
		}
	} else if !errors.Is(err, escrow.ErrNotFound) {
		return err
	}

	err := s.ops.UpdateStatus(ctx, operationID, operations.StatusInitiated, operations.StatusCancelled, "checkout abandoned")
	if errors.Is(err, operations.ErrStaleStatus) {
		// Already advanced past initiated; nothing to cancel.
		return nil
	}
	return err
}

// pruneLocked drops expired attempts. Caller holds s.mu.
func (s *Service) pruneLocked(now time.Time) {
	for id, a := range s.attempts {
		if a.Expired(now) {
			delete(s.attempts, id)
		}
	}
}

func newAttemptID() string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return fmt.Sprintf("att_%x", b)
}

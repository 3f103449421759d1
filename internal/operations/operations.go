// Package operations consumes the platform's Operation records, the
// business-side view of a user's reservation, independent of payment
// mechanism.
//
// The Operations subsystem proper (one active operation per user, CRUD)
// lives elsewhere; this package stores only what the escrow core needs:
// payment method, linked escrow transaction, and a status that advances
// under a compare-and-swap guard so concurrent reconciles cannot
// double-apply a transition.
package operations

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound      = errors.New("operations: operation not found")
	ErrStaleStatus   = errors.New("operations: status changed concurrently, update not applied")
	ErrMethodLocked  = errors.New("operations: payment method already confirmed")
	ErrInvalidMethod = errors.New("operations: unknown payment method")
)

// Status is the reservation lifecycle status of an operation.
type Status string

const (
	StatusInitiated Status = "initiated"    // Checkout begun, nothing committed
	StatusReserved  Status = "reserved"     // Payment observed, unit held
	StatusCompleted Status = "completed"    // Funds released to the platform. Terminal
	StatusCancelled Status = "cancelled"    // Refunded or abandoned. Terminal
	StatusReview    Status = "needs_review" // Data-integrity fault, manual intervention
)

// IsTerminal returns true if the status is final.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// PaymentMethod is a closed set: exactly escrow or traditional.
// Handling must switch exhaustively; an unknown value is an error, never
// a silent fall-through.
type PaymentMethod string

const (
	MethodEscrow      PaymentMethod = "escrow"
	MethodTraditional PaymentMethod = "traditional"
)

// Valid reports whether the method is one of the closed set.
func (m PaymentMethod) Valid() bool {
	return m == MethodEscrow || m == MethodTraditional
}

// Operation is the platform's record of a reservation intent.
type Operation struct {
	ID                  string         `json:"id"`
	UserID              string         `json:"userId"`
	OrganizationID      string         `json:"organizationId"`
	Status              Status         `json:"status"`
	StatusReason        string         `json:"statusReason,omitempty"`
	TotalAmountWei      string         `json:"totalAmountWei"`
	PaymentMethod       *PaymentMethod `json:"paymentMethod,omitempty"`
	NonRefundableAck    bool           `json:"nonRefundableAck"`
	EscrowTransactionID *uint64        `json:"escrowTransactionId,omitempty"`
	PaymentReference    string         `json:"paymentReference,omitempty"` // Stripe intent ID for traditional
	CreatedAt           time.Time      `json:"createdAt"`
	UpdatedAt           time.Time      `json:"updatedAt"`
}

// Store persists operations.
type Store interface {
	Create(ctx context.Context, op *Operation) error
	Get(ctx context.Context, id string) (*Operation, error)
	// UpdateStatus advances the status only if the stored status still
	// equals from. A concurrent advance surfaces as ErrStaleStatus and
	// the caller treats the reconcile as a no-op.
	UpdateStatus(ctx context.Context, id string, from, to Status, reason string) error
	// SetPaymentMethod records the chosen payment path and, for the
	// traditional path, the recorded non-refundable acknowledgment.
	SetPaymentMethod(ctx context.Context, id string, method PaymentMethod, nonRefundableAck bool) error
	// LinkEscrow attaches the chain-assigned escrow transaction ID.
	LinkEscrow(ctx context.Context, id string, transactionID uint64) error
	// SetPaymentReference records an external payment processor reference.
	SetPaymentReference(ctx context.Context, id string, ref string) error
}

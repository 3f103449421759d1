// Package escrow models the lifecycle of one on-chain escrow transaction
// backing a reservation fee.
//
// The chain is the single source of truth: local state only advances by
// re-reading contract state, never by assuming a submitted call took
// effect. Terminal states are permanent.
//
// Flow:
//  1. Buyer funds escrow at creation → Created, then Funded after read-back
//  2. Platform executes after agreement → Executed → Released
//  3. Timeout elapses with no action → TimedOut → buyer reimburses → Reimbursed
//  4. Either party disputes → DisputeCreated → arbitrator ruling → Resolved
package escrow

import (
	"errors"
	"math/big"
	"time"

	"github.com/brickvest/reservd/internal/chain"
)

var (
	ErrNotFound          = errors.New("escrow: transaction not found")
	ErrAmountMismatch    = errors.New("escrow: on-chain amount differs from agreed reservation fee")
	ErrInvalidTransition = errors.New("escrow: invalid state transition")
	ErrStatusRegression  = errors.New("escrow: chain status regressed from a terminal state")
	ErrTimeoutNotElapsed = errors.New("escrow: payment timeout has not elapsed")
	ErrDisputePending    = errors.New("escrow: dispute pending, timeout resolution frozen")
	ErrAlreadyTerminal   = errors.New("escrow: transaction already in a terminal state")
)

// State is the domain lifecycle state of an escrow transaction.
type State string

const (
	StateCreated         State = "created"          // Submitted, awaiting confirmed read-back
	StateFunded          State = "funded"           // Inclusion confirmed, amount verified
	StateWaitingReceiver State = "waiting_receiver" // Receiver owes an arbitration fee
	StateWaitingSender   State = "waiting_sender"   // Sender owes an arbitration fee
	StateDisputeCreated  State = "dispute_created"  // Arbitrator seized, timeouts frozen
	StateTimedOut        State = "timed_out"        // Timeout elapsed, sender may reimburse
	StateAbandoned       State = "abandoned"        // Local intent cancelled before confirmation
	StateExecuted        State = "executed"         // executeTransaction mined
	StateReleased        State = "released"         // Funds with receiver. Terminal
	StateReimbursed      State = "reimbursed"       // Funds back with sender. Terminal
	StateResolved        State = "resolved"         // Arbitrator ruling applied. Terminal
)

// IsTerminal returns true if the state is final.
func (s State) IsTerminal() bool {
	switch s {
	case StateReleased, StateReimbursed, StateResolved:
		return true
	}
	return false
}

// Resolution describes how a terminal escrow settled.
const (
	ResolutionReleased   = "released_to_receiver"
	ResolutionReimbursed = "reimbursed_to_sender"
	ResolutionRefused    = "arbitrator_refused_to_rule"
)

// legalTransitions is the closed transition graph. Chain reads may skip
// intermediate states (a closed browser tab misses nothing: reconcile
// catches up), so reachability is checked transitively via canAdvance.
var legalTransitions = map[State][]State{
	StateCreated:         {StateFunded, StateAbandoned, StateWaitingReceiver, StateWaitingSender, StateDisputeCreated, StateTimedOut, StateExecuted, StateReleased, StateReimbursed, StateResolved},
	StateAbandoned:       {StateFunded, StateWaitingReceiver, StateWaitingSender, StateDisputeCreated, StateTimedOut, StateExecuted, StateReleased, StateReimbursed, StateResolved},
	StateFunded:          {StateWaitingReceiver, StateWaitingSender, StateDisputeCreated, StateTimedOut, StateExecuted, StateReleased, StateReimbursed, StateResolved},
	StateWaitingReceiver: {StateWaitingSender, StateDisputeCreated, StateTimedOut, StateExecuted, StateReleased, StateReimbursed, StateResolved},
	StateWaitingSender:   {StateWaitingReceiver, StateDisputeCreated, StateTimedOut, StateExecuted, StateReleased, StateReimbursed, StateResolved},
	StateDisputeCreated:  {StateResolved},
	StateTimedOut:        {StateReimbursed, StateExecuted, StateReleased, StateDisputeCreated, StateResolved},
	StateExecuted:        {StateReleased},
}

// CanTransition reports whether moving from one state to another is legal.
func CanTransition(from, to State) bool {
	if from == to {
		return true
	}
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Record is the locally cached view of one on-chain escrow transaction,
// linked to the business Operation it backs. All fields mirroring chain
// state are refreshed by re-reading, never mutated on their own.
type Record struct {
	OperationID     string        `json:"operationId"`
	TransactionID   uint64        `json:"transactionId"`
	TxHash          string        `json:"txHash"`
	SenderAddr      string        `json:"senderAddr"`
	ReceiverAddr    string        `json:"receiverAddr"`
	AmountWei       string        `json:"amountWei"` // agreed reservation fee, immutable
	TimeoutPayment  time.Duration `json:"timeoutPayment"`
	DisputeID       *uint64       `json:"disputeId,omitempty"`
	State           State         `json:"state"`
	Resolution      string        `json:"resolution,omitempty"`
	LastInteraction time.Time     `json:"lastInteraction"`
	CreatedAt       time.Time     `json:"createdAt"`
	UpdatedAt       time.Time     `json:"updatedAt"`
}

// Amount returns the agreed reservation fee as a big integer.
func (r *Record) Amount() (*big.Int, error) {
	return chain.ParseWei(r.AmountWei)
}

// VerifyAmount compares the on-chain amount against the agreed fee.
// A mismatch is a data-integrity fault, not a warning: the reservation
// must not advance and the record is flagged for manual review.
func (r *Record) VerifyAmount(tx *chain.Transaction) error {
	agreed, err := r.Amount()
	if err != nil {
		return err
	}
	if tx.Amount == nil || agreed.Cmp(tx.Amount) != 0 {
		return ErrAmountMismatch
	}
	return nil
}

// NextState derives the domain state implied by a fresh chain read.
//
// Rules, in precedence order:
//   - a terminal local state never regresses (ErrStatusRegression)
//   - an open dispute freezes timeout-based resolution
//   - the timeout window only matters while the transaction is undisputed
func NextState(current State, tx *chain.Transaction, now time.Time) (State, error) {
	next := deriveState(tx, now, current)

	if current.IsTerminal() {
		if next != current {
			return current, ErrStatusRegression
		}
		return current, nil
	}

	if !CanTransition(current, next) {
		return current, ErrInvalidTransition
	}
	return next, nil
}

func deriveState(tx *chain.Transaction, now time.Time, current State) State {
	// Dispute precedence: an open dispute freezes everything else.
	if tx.DisputeID != nil && tx.Status != chain.StatusResolved {
		return StateDisputeCreated
	}

	switch tx.Status {
	case chain.StatusResolved:
		if tx.DisputeID != nil {
			return StateResolved
		}
		// Settled without arbitration: the ruling slot records which
		// side the contract paid out.
		if tx.Ruling == chain.RulingSender {
			return StateReimbursed
		}
		return StateReleased
	case chain.StatusDisputeCreated:
		return StateDisputeCreated
	case chain.StatusWaitingReceiver:
		return StateWaitingReceiver
	case chain.StatusWaitingSender:
		return StateWaitingSender
	case chain.StatusNoDispute:
		if !now.Before(tx.ReimburseAfter()) {
			return StateTimedOut
		}
		// Keep the local abandoned marker until the chain moves on.
		if current == StateAbandoned {
			return StateAbandoned
		}
		return StateFunded
	default:
		return current
	}
}

// ReimburseEligible checks the timeout condition locally before a
// reimburse call is attempted, so an obviously premature transaction is
// never submitted. The chain remains authoritative either way.
func ReimburseEligible(tx *chain.Transaction, now time.Time) error {
	if tx.DisputeID != nil && tx.Status != chain.StatusResolved {
		return ErrDisputePending
	}
	if tx.Status == chain.StatusResolved {
		return ErrAlreadyTerminal
	}
	if now.Before(tx.ReimburseAfter()) {
		return ErrTimeoutNotElapsed
	}
	return nil
}

// ResolutionFor maps a terminal chain read to a resolution label.
func ResolutionFor(tx *chain.Transaction) string {
	if tx.Status != chain.StatusResolved {
		return ""
	}
	switch tx.Ruling {
	case chain.RulingReceiver:
		return ResolutionReleased
	case chain.RulingSender:
		return ResolutionReimbursed
	default:
		return ResolutionRefused
	}
}

// ApplyRuling applies an observed arbitrator ruling to the record.
// Invoked only in response to an on-chain ruling read, never speculatively.
func (r *Record) ApplyRuling(ruling chain.Ruling, now time.Time) error {
	if r.State.IsTerminal() {
		return ErrAlreadyTerminal
	}
	if r.State != StateDisputeCreated {
		return ErrInvalidTransition
	}

	r.State = StateResolved
	switch ruling {
	case chain.RulingReceiver:
		r.Resolution = ResolutionReleased
	case chain.RulingSender:
		r.Resolution = ResolutionReimbursed
	default:
		r.Resolution = ResolutionRefused
	}
	r.UpdatedAt = now
	return nil
}

// Package dispute handles arbitration: evidence documents, raising
// disputes, and applying rulings.
//
// Evidence and meta-evidence are JSON documents addressed by URI. The
// package serializes and stores them through an EvidenceStore; pinning to
// IPFS or another content-addressed system is the store's concern.
package dispute

import (
	"context"
	"errors"
	"fmt"

	"github.com/brickvest/reservd/internal/chain"
	"github.com/brickvest/reservd/internal/escrow"
	"github.com/brickvest/reservd/internal/logging"
	"github.com/brickvest/reservd/internal/reconcile"
)

var (
	ErrAlreadyDisputed = errors.New("dispute: dispute already open")
	ErrEscrowSettled   = errors.New("dispute: escrow already settled")
	ErrNoRuling        = errors.New("dispute: no ruling available on-chain")
	ErrNoDispute       = errors.New("dispute: no dispute open for this escrow")
)

// MetaEvidence is the dispute context document registered when the
// escrow is created. Field names follow the ERC-1497 evidence standard.
type MetaEvidence struct {
	Title         string        `json:"title"`
	Description   string        `json:"description"`
	FileURI       string        `json:"fileURI,omitempty"`
	Category      string        `json:"category"`
	Question      string        `json:"question"`
	RulingOptions RulingOptions `json:"rulingOptions"`
}

// RulingOptions enumerates the arbitrator's choices.
type RulingOptions struct {
	Type         string   `json:"type"`
	Titles       []string `json:"titles"`
	Descriptions []string `json:"descriptions"`
}

// Evidence is one party's evidence document for an open dispute.
type Evidence struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	FileURI     string `json:"fileURI,omitempty"`
}

// NewMetaEvidence builds the standard reservation-fee meta-evidence.
func NewMetaEvidence(operationID, amountWei string) MetaEvidence {
	return MetaEvidence{
		Title:       "Reservation fee escrow",
		Description: fmt.Sprintf("Escrow of %s wei reserving investment operation %s.", amountWei, operationID),
		Category:    "Escrow",
		Question:    "Which party is entitled to the escrowed reservation fee?",
		RulingOptions: RulingOptions{
			Type:         "single-select",
			Titles:       []string{"Refund the buyer", "Release to the platform"},
			Descriptions: []string{"Return the full reservation fee to the sender.", "Pay the full reservation fee to the receiver."},
		},
	}
}

// EvidenceStore persists evidence documents and returns their URIs.
type EvidenceStore interface {
	Put(ctx context.Context, doc interface{}) (uri string, err error)
}

// Reconciler triggers a reconcile cycle after chain-side dispute actions.
type Reconciler interface {
	Reconcile(ctx context.Context, operationID string) (*reconcile.Result, error)
}

// Service drives arbitration for escrow transactions.
type Service struct {
	escrows    escrow.Store
	contract   chain.EscrowContract
	evidence   EvidenceStore
	reconciler Reconciler
}

// NewService creates a dispute service.
func NewService(escrows escrow.Store, contract chain.EscrowContract, evidence EvidenceStore, reconciler Reconciler) *Service {
	return &Service{
		escrows:    escrows,
		contract:   contract,
		evidence:   evidence,
		reconciler: reconciler,
	}
}

// MetaEvidenceURI stores the meta-evidence document for an operation and
// returns its URI, for use at escrow creation.
func (s *Service) MetaEvidenceURI(ctx context.Context, operationID, amountWei string) (string, error) {
	return s.evidence.Put(ctx, NewMetaEvidence(operationID, amountWei))
}

// SubmitEvidence stores the evidence document and links it to the escrow
// transaction on-chain.
func (s *Service) SubmitEvidence(ctx context.Context, operationID string, ev Evidence) (string, error) {
	rec, err := s.escrows.GetByOperation(ctx, operationID)
	if err != nil {
		return "", err
	}
	if rec.State.IsTerminal() {
		return "", ErrEscrowSettled
	}

	uri, err := s.evidence.Put(ctx, ev)
	if err != nil {
		return "", fmt.Errorf("dispute: store evidence: %w", err)
	}

	if err := s.contract.SubmitEvidence(ctx, rec.TransactionID, uri); err != nil {
		return "", err
	}

	logging.L(ctx).Info("evidence submitted",
		"operation_id", operationID,
		"transaction_id", rec.TransactionID,
		"evidence_uri", uri,
	)
	return uri, nil
}

// RaiseDispute pays the sender-side arbitration fee, opening (or joining)
// a dispute. The current arbitration cost is read immediately before
// paying; a stale quote would revert on-chain.
func (s *Service) RaiseDispute(ctx context.Context, operationID string) (*reconcile.Result, error) {
	rec, err := s.escrows.GetByOperation(ctx, operationID)
	if err != nil {
		return nil, err
	}
	if rec.State.IsTerminal() {
		return nil, ErrEscrowSettled
	}
	if rec.State == escrow.StateDisputeCreated {
		return nil, ErrAlreadyDisputed
	}

	cost, err := s.contract.ArbitrationCost(ctx)
	if err != nil {
		return nil, err
	}

	if err := s.contract.RaiseDispute(ctx, rec.TransactionID, cost); err != nil {
		return nil, err
	}

	logging.L(ctx).Info("dispute raised",
		"operation_id", operationID,
		"transaction_id", rec.TransactionID,
		"arbitration_cost_wei", cost.String(),
	)
	return s.reconciler.Reconcile(ctx, operationID)
}

// ApplyRuling reconciles an escrow after an arbitrator ruling. The chain
// is read first; if it does not yet show a resolution the call fails and
// local state is untouched.
func (s *Service) ApplyRuling(ctx context.Context, operationID string) (*reconcile.Result, error) {
	rec, err := s.escrows.GetByOperation(ctx, operationID)
	if err != nil {
		return nil, err
	}
	if rec.DisputeID == nil {
		return nil, ErrNoDispute
	}

	tx, err := s.contract.ReadTransaction(ctx, rec.TransactionID)
	if err != nil {
		return nil, err
	}
	if tx.Status != chain.StatusResolved {
		return nil, ErrNoRuling
	}

	return s.reconciler.Reconcile(ctx, operationID)
}

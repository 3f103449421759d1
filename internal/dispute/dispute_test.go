package dispute

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/brickvest/reservd/internal/chain"
	"github.com/brickvest/reservd/internal/escrow"
	"github.com/brickvest/reservd/internal/reconcile"
)

// fakeContract covers only the calls the dispute service makes.
type fakeContract struct {
	tx              *chain.Transaction
	arbitrationCost *big.Int
	costErr         error
	disputeErr      error

	disputesRaised int
	evidenceURIs   []string
	lastDisputeFee *big.Int
}

func (f *fakeContract) CreateTransaction(ctx context.Context, receiver common.Address, timeout time.Duration, metaEvidenceURI string, amount *big.Int) (*chain.CreateResult, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeContract) Pay(ctx context.Context, transactionID uint64, amount *big.Int) error {
	return errors.New("not implemented")
}

func (f *fakeContract) Reimburse(ctx context.Context, transactionID uint64, amount *big.Int) error {
	return errors.New("not implemented")
}

func (f *fakeContract) ExecuteTransaction(ctx context.Context, transactionID uint64) error {
	return errors.New("not implemented")
}

func (f *fakeContract) RaiseDispute(ctx context.Context, transactionID uint64, arbitrationFee *big.Int) error {
	if f.disputeErr != nil {
		return f.disputeErr
	}
	f.disputesRaised++
	f.lastDisputeFee = arbitrationFee
	return nil
}

func (f *fakeContract) SubmitEvidence(ctx context.Context, transactionID uint64, evidenceURI string) error {
	f.evidenceURIs = append(f.evidenceURIs, evidenceURI)
	return nil
}

func (f *fakeContract) ReadTransaction(ctx context.Context, transactionID uint64) (*chain.Transaction, error) {
	if f.tx == nil {
		return nil, chain.ErrTxNotFound
	}
	return f.tx, nil
}

func (f *fakeContract) ArbitrationCost(ctx context.Context) (*big.Int, error) {
	if f.costErr != nil {
		return nil, f.costErr
	}
	return f.arbitrationCost, nil
}

func (f *fakeContract) Address() string { return "0x5555555555555555555555555555555555555555" }
func (f *fakeContract) ChainID() int64  { return 84532 }
func (f *fakeContract) Ready() bool     { return true }

// fakeReconciler records reconcile requests.
type fakeReconciler struct {
	calls  []string
	result *reconcile.Result
}

func (f *fakeReconciler) Reconcile(ctx context.Context, operationID string) (*reconcile.Result, error) {
	f.calls = append(f.calls, operationID)
	if f.result != nil {
		return f.result, nil
	}
	return &reconcile.Result{Outcome: reconcile.OutcomeAdvance}, nil
}

func seedRecord(t *testing.T, store escrow.Store, state escrow.State, disputeID *uint64) {
	t.Helper()
	now := time.Now().UTC()
	err := store.Create(context.Background(), &escrow.Record{
		OperationID:     "res_1",
		TransactionID:   7,
		AmountWei:       "200000000000000000",
		TimeoutPayment:  time.Hour,
		DisputeID:       disputeID,
		State:           state,
		LastInteraction: now,
		CreatedAt:       now,
		UpdatedAt:       now,
	})
	if err != nil {
		t.Fatalf("seed record: %v", err)
	}
}

func TestMemoryEvidenceStoreContentAddressed(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryEvidenceStore()

	doc := Evidence{Name: "Receipt", Description: "Proof of wire transfer"}
	uri1, err := store.Put(ctx, doc)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	uri2, err := store.Put(ctx, doc)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if uri1 != uri2 {
		t.Errorf("same document produced different URIs: %s vs %s", uri1, uri2)
	}
	if !strings.HasPrefix(uri1, "evidence://sha256/") {
		t.Errorf("unexpected URI scheme: %s", uri1)
	}

	body, ok := store.Get(uri1)
	if !ok {
		t.Fatal("document not retrievable")
	}
	var got Evidence
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("unmarshal stored doc: %v", err)
	}
	if got != doc {
		t.Errorf("stored doc = %+v, want %+v", got, doc)
	}

	other, _ := store.Put(ctx, Evidence{Name: "Other"})
	if other == uri1 {
		t.Error("distinct documents share a URI")
	}
}

func TestNewMetaEvidence(t *testing.T) {
	me := NewMetaEvidence("res_1", "200000000000000000")
	if me.Title == "" || me.Question == "" || me.Category != "Escrow" {
		t.Errorf("incomplete meta-evidence: %+v", me)
	}
	if !strings.Contains(me.Description, "res_1") || !strings.Contains(me.Description, "200000000000000000") {
		t.Errorf("description missing operation or amount: %s", me.Description)
	}
	if len(me.RulingOptions.Titles) != 2 || len(me.RulingOptions.Descriptions) != 2 {
		t.Errorf("ruling options incomplete: %+v", me.RulingOptions)
	}
}

func TestSubmitEvidence(t *testing.T) {
	ctx := context.Background()
	escrows := escrow.NewMemoryStore()
	contract := &fakeContract{}
	svc := NewService(escrows, contract, NewMemoryEvidenceStore(), &fakeReconciler{})

	seedRecord(t, escrows, escrow.StateFunded, nil)

	uri, err := svc.SubmitEvidence(ctx, "res_1", Evidence{Name: "Receipt"})
	if err != nil {
		t.Fatalf("SubmitEvidence: %v", err)
	}
	if len(contract.evidenceURIs) != 1 || contract.evidenceURIs[0] != uri {
		t.Errorf("evidence URI not linked on-chain: %v", contract.evidenceURIs)
	}
}

func TestSubmitEvidenceSettledEscrow(t *testing.T) {
	ctx := context.Background()
	escrows := escrow.NewMemoryStore()
	svc := NewService(escrows, &fakeContract{}, NewMemoryEvidenceStore(), &fakeReconciler{})

	seedRecord(t, escrows, escrow.StateReleased, nil)

	if _, err := svc.SubmitEvidence(ctx, "res_1", Evidence{Name: "Receipt"}); !errors.Is(err, ErrEscrowSettled) {
		t.Fatalf("expected ErrEscrowSettled, got %v", err)
	}
}

func TestRaiseDispute(t *testing.T) {
	ctx := context.Background()
	escrows := escrow.NewMemoryStore()
	contract := &fakeContract{arbitrationCost: big.NewInt(1000)}
	rec := &fakeReconciler{}
	svc := NewService(escrows, contract, NewMemoryEvidenceStore(), rec)

	seedRecord(t, escrows, escrow.StateFunded, nil)

	if _, err := svc.RaiseDispute(ctx, "res_1"); err != nil {
		t.Fatalf("RaiseDispute: %v", err)
	}
	if contract.disputesRaised != 1 {
		t.Errorf("disputes raised = %d", contract.disputesRaised)
	}
	if contract.lastDisputeFee.Cmp(big.NewInt(1000)) != 0 {
		t.Errorf("arbitration fee = %s", contract.lastDisputeFee)
	}
	if len(rec.calls) != 1 || rec.calls[0] != "res_1" {
		t.Errorf("reconcile not triggered: %v", rec.calls)
	}
}

func TestRaiseDisputeAlreadyOpen(t *testing.T) {
	ctx := context.Background()
	escrows := escrow.NewMemoryStore()
	contract := &fakeContract{arbitrationCost: big.NewInt(1000)}
	svc := NewService(escrows, contract, NewMemoryEvidenceStore(), &fakeReconciler{})

	id := uint64(99)
	seedRecord(t, escrows, escrow.StateDisputeCreated, &id)

	if _, err := svc.RaiseDispute(ctx, "res_1"); !errors.Is(err, ErrAlreadyDisputed) {
		t.Fatalf("expected ErrAlreadyDisputed, got %v", err)
	}
	if contract.disputesRaised != 0 {
		t.Error("dispute raised despite existing one")
	}
}

func TestRaiseDisputeSettledEscrow(t *testing.T) {
	ctx := context.Background()
	escrows := escrow.NewMemoryStore()
	svc := NewService(escrows, &fakeContract{}, NewMemoryEvidenceStore(), &fakeReconciler{})

	seedRecord(t, escrows, escrow.StateReimbursed, nil)

	if _, err := svc.RaiseDispute(ctx, "res_1"); !errors.Is(err, ErrEscrowSettled) {
		t.Fatalf("expected ErrEscrowSettled, got %v", err)
	}
}

func TestRaiseDisputeCostUnavailable(t *testing.T) {
	ctx := context.Background()
	escrows := escrow.NewMemoryStore()
	contract := &fakeContract{costErr: chain.ErrNetworkUnavailable}
	svc := NewService(escrows, contract, NewMemoryEvidenceStore(), &fakeReconciler{})

	seedRecord(t, escrows, escrow.StateFunded, nil)

	if _, err := svc.RaiseDispute(ctx, "res_1"); !errors.Is(err, chain.ErrNetworkUnavailable) {
		t.Fatalf("expected network error, got %v", err)
	}
	if contract.disputesRaised != 0 {
		t.Error("dispute raised without a cost quote")
	}
}

func TestApplyRulingNoDispute(t *testing.T) {
	ctx := context.Background()
	escrows := escrow.NewMemoryStore()
	svc := NewService(escrows, &fakeContract{}, NewMemoryEvidenceStore(), &fakeReconciler{})

	seedRecord(t, escrows, escrow.StateFunded, nil)

	if _, err := svc.ApplyRuling(ctx, "res_1"); !errors.Is(err, ErrNoDispute) {
		t.Fatalf("expected ErrNoDispute, got %v", err)
	}
}

func TestApplyRulingNotYetResolved(t *testing.T) {
	ctx := context.Background()
	escrows := escrow.NewMemoryStore()
	id := uint64(99)
	contract := &fakeContract{tx: &chain.Transaction{
		ID:        7,
		Status:    chain.StatusDisputeCreated,
		DisputeID: &id,
	}}
	svc := NewService(escrows, contract, NewMemoryEvidenceStore(), &fakeReconciler{})

	seedRecord(t, escrows, escrow.StateDisputeCreated, &id)

	if _, err := svc.ApplyRuling(ctx, "res_1"); !errors.Is(err, ErrNoRuling) {
		t.Fatalf("expected ErrNoRuling, got %v", err)
	}
}

func TestApplyRulingResolved(t *testing.T) {
	ctx := context.Background()
	escrows := escrow.NewMemoryStore()
	id := uint64(99)
	contract := &fakeContract{tx: &chain.Transaction{
		ID:        7,
		Status:    chain.StatusResolved,
		Ruling:    chain.RulingReceiver,
		DisputeID: &id,
	}}
	rec := &fakeReconciler{result: &reconcile.Result{Outcome: reconcile.OutcomeFinalize}}
	svc := NewService(escrows, contract, NewMemoryEvidenceStore(), rec)

	seedRecord(t, escrows, escrow.StateDisputeCreated, &id)

	res, err := svc.ApplyRuling(ctx, "res_1")
	if err != nil {
		t.Fatalf("ApplyRuling: %v", err)
	}
	if res.Outcome != reconcile.OutcomeFinalize {
		t.Errorf("outcome = %s", res.Outcome)
	}
	if len(rec.calls) != 1 {
		t.Errorf("reconcile calls = %d", len(rec.calls))
	}
}

func TestMetaEvidenceURI(t *testing.T) {
	store := NewMemoryEvidenceStore()
	svc := NewService(escrow.NewMemoryStore(), &fakeContract{}, store, &fakeReconciler{})

	uri, err := svc.MetaEvidenceURI(context.Background(), "res_1", "200000000000000000")
	if err != nil {
		t.Fatalf("MetaEvidenceURI: %v", err)
	}
	body, ok := store.Get(uri)
	if !ok {
		t.Fatal("meta-evidence not stored")
	}
	var me MetaEvidence
	if err := json.Unmarshal(body, &me); err != nil {
		t.Fatalf("unmarshal meta-evidence: %v", err)
	}
	if me.Question == "" {
		t.Error("stored meta-evidence missing question")
	}
}

package reconcile

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/brickvest/reservd/internal/chain"
	"github.com/brickvest/reservd/internal/escrow"
	"github.com/brickvest/reservd/internal/notify"
	"github.com/brickvest/reservd/internal/operations"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeContract is an in-memory stand-in for the escrow contract.
type fakeContract struct {
	mu      sync.Mutex
	txs     map[uint64]*chain.Transaction
	readErr error
}

func newFakeContract() *fakeContract {
	return &fakeContract{txs: make(map[uint64]*chain.Transaction)}
}

func (f *fakeContract) set(tx *chain.Transaction) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *tx
	f.txs[tx.ID] = &cp
}

func (f *fakeContract) ReadTransaction(ctx context.Context, id uint64) (*chain.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return nil, f.readErr
	}
	tx, ok := f.txs[id]
	if !ok {
		return nil, chain.ErrTxNotFound
	}
	cp := *tx
	return &cp, nil
}

func (f *fakeContract) CreateTransaction(ctx context.Context, receiver common.Address, timeout time.Duration, metaEvidenceURI string, amount *big.Int) (*chain.CreateResult, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeContract) Pay(ctx context.Context, id uint64, amount *big.Int) error { return nil }

func (f *fakeContract) Reimburse(ctx context.Context, id uint64, amount *big.Int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx := f.txs[id]
	tx.Status = chain.StatusResolved
	tx.Ruling = chain.RulingSender
	return nil
}

func (f *fakeContract) ExecuteTransaction(ctx context.Context, id uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx := f.txs[id]
	tx.Status = chain.StatusResolved
	tx.Ruling = chain.RulingReceiver
	return nil
}

func (f *fakeContract) RaiseDispute(ctx context.Context, id uint64, fee *big.Int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx := f.txs[id]
	disputeID := uint64(99)
	tx.DisputeID = &disputeID
	tx.Status = chain.StatusDisputeCreated
	return nil
}

func (f *fakeContract) SubmitEvidence(ctx context.Context, id uint64, uri string) error { return nil }

func (f *fakeContract) ArbitrationCost(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1000), nil
}

func (f *fakeContract) Address() string { return "0x3333333333333333333333333333333333333333" }
func (f *fakeContract) ChainID() int64  { return 84532 }
func (f *fakeContract) Ready() bool     { return true }

// recordingNotifier captures emitted events.
type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recordingNotifier) Notify(ctx context.Context, ev notify.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

type fixture struct {
	svc      *Service
	contract *fakeContract
	escrows  *escrow.MemoryStore
	ops      *operations.MemoryStore
	notifier *recordingNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		contract: newFakeContract(),
		escrows:  escrow.NewMemoryStore(),
		ops:      operations.NewMemoryStore(),
		notifier: &recordingNotifier{},
	}
	f.svc = NewService(f.escrows, f.ops, f.contract, f.notifier)
	f.svc.now = func() time.Time { return baseTime }
	return f
}

// seed creates a funded-on-chain escrow backing an initiated operation.
func (f *fixture) seed(t *testing.T, state escrow.State, status operations.Status) {
	t.Helper()
	ctx := context.Background()

	op := &operations.Operation{
		ID:             "res_1",
		UserID:         "user_1",
		Status:         status,
		TotalAmountWei: "200",
		CreatedAt:      baseTime,
		UpdatedAt:      baseTime,
	}
	if err := f.ops.Create(ctx, op); err != nil {
		t.Fatalf("seed operation: %v", err)
	}

	rec := &escrow.Record{
		OperationID:     "res_1",
		TransactionID:   7,
		TxHash:          "0xabc",
		AmountWei:       "200",
		TimeoutPayment:  time.Hour,
		State:           state,
		LastInteraction: baseTime.Add(-time.Minute),
		CreatedAt:       baseTime,
		UpdatedAt:       baseTime,
	}
	if err := f.escrows.Create(ctx, rec); err != nil {
		t.Fatalf("seed escrow: %v", err)
	}

	f.contract.set(&chain.Transaction{
		ID:              7,
		Sender:          common.HexToAddress("0x1111111111111111111111111111111111111111"),
		Receiver:        common.HexToAddress("0x2222222222222222222222222222222222222222"),
		Amount:          big.NewInt(200),
		TimeoutPayment:  time.Hour,
		LastInteraction: baseTime.Add(-time.Minute),
		Status:          chain.StatusNoDispute,
	})
}

func TestReconcileAdvancesToReserved(t *testing.T) {
	f := newFixture(t)
	f.seed(t, escrow.StateCreated, operations.StatusInitiated)
	ctx := context.Background()

	res, err := f.svc.Reconcile(ctx, "res_1")
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if res.Outcome != OutcomeAdvance {
		t.Errorf("outcome = %s, want advance", res.Outcome)
	}
	if res.State != escrow.StateFunded || res.Status != operations.StatusReserved {
		t.Errorf("got state=%s status=%s", res.State, res.Status)
	}

	op, _ := f.ops.Get(ctx, "res_1")
	if op.Status != operations.StatusReserved {
		t.Errorf("operation status = %s", op.Status)
	}
	if f.notifier.count() != 1 {
		t.Errorf("expected 1 event, got %d", f.notifier.count())
	}
	if f.notifier.events[0].Type != notify.EventReservationActive {
		t.Errorf("event type = %s", f.notifier.events[0].Type)
	}
}

func TestReconcileIdempotent(t *testing.T) {
	f := newFixture(t)
	f.seed(t, escrow.StateCreated, operations.StatusInitiated)
	ctx := context.Background()

	if _, err := f.svc.Reconcile(ctx, "res_1"); err != nil {
		t.Fatalf("first reconcile: %v", err)
	}

	// Second cycle observes the same chain state: no-op, no new event.
	res, err := f.svc.Reconcile(ctx, "res_1")
	if err != nil {
		t.Fatalf("second reconcile: %v", err)
	}
	if res.Outcome != OutcomeNoop {
		t.Errorf("outcome = %s, want noop", res.Outcome)
	}
	if f.notifier.count() != 1 {
		t.Errorf("expected exactly 1 event, got %d", f.notifier.count())
	}
}

func TestReconcileFinalizesRelease(t *testing.T) {
	f := newFixture(t)
	f.seed(t, escrow.StateFunded, operations.StatusReserved)
	ctx := context.Background()

	f.contract.mu.Lock()
	f.contract.txs[7].Status = chain.StatusResolved
	f.contract.txs[7].Ruling = chain.RulingReceiver
	f.contract.mu.Unlock()

	res, err := f.svc.Reconcile(ctx, "res_1")
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if res.Outcome != OutcomeFinalize || res.State != escrow.StateReleased || res.Status != operations.StatusCompleted {
		t.Errorf("got %+v", res)
	}

	rec, _ := f.escrows.GetByOperation(ctx, "res_1")
	if rec.Resolution != escrow.ResolutionReleased {
		t.Errorf("resolution = %s", rec.Resolution)
	}
}

func TestReconcileTimeoutThenReimburse(t *testing.T) {
	f := newFixture(t)
	f.seed(t, escrow.StateFunded, operations.StatusReserved)
	ctx := context.Background()

	// Move past the reimburse window.
	f.svc.now = func() time.Time { return baseTime.Add(2 * time.Hour) }

	res, err := f.svc.Reconcile(ctx, "res_1")
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if res.State != escrow.StateTimedOut {
		t.Errorf("state = %s, want timed_out", res.State)
	}

	res, err = f.svc.Reimburse(ctx, "res_1")
	if err != nil {
		t.Fatalf("Reimburse: %v", err)
	}
	if res.State != escrow.StateReimbursed || res.Status != operations.StatusCancelled {
		t.Errorf("got state=%s status=%s", res.State, res.Status)
	}
}

func TestReimburseBlockedByDispute(t *testing.T) {
	f := newFixture(t)
	f.seed(t, escrow.StateFunded, operations.StatusReserved)
	ctx := context.Background()

	disputeID := uint64(99)
	f.contract.mu.Lock()
	f.contract.txs[7].DisputeID = &disputeID
	f.contract.txs[7].Status = chain.StatusDisputeCreated
	f.contract.mu.Unlock()

	f.svc.now = func() time.Time { return baseTime.Add(2 * time.Hour) }

	if _, err := f.svc.Reimburse(ctx, "res_1"); !errors.Is(err, escrow.ErrDisputePending) {
		t.Fatalf("expected ErrDisputePending, got %v", err)
	}
}

func TestReimbursePremature(t *testing.T) {
	f := newFixture(t)
	f.seed(t, escrow.StateFunded, operations.StatusReserved)

	if _, err := f.svc.Reimburse(context.Background(), "res_1"); !errors.Is(err, escrow.ErrTimeoutNotElapsed) {
		t.Fatalf("expected ErrTimeoutNotElapsed, got %v", err)
	}
}

func TestReconcileDisputeRulingForBuyer(t *testing.T) {
	f := newFixture(t)
	f.seed(t, escrow.StateDisputeCreated, operations.StatusReserved)
	ctx := context.Background()

	disputeID := uint64(99)
	f.contract.mu.Lock()
	f.contract.txs[7].DisputeID = &disputeID
	f.contract.txs[7].Status = chain.StatusResolved
	f.contract.txs[7].Ruling = chain.RulingSender
	f.contract.mu.Unlock()

	res, err := f.svc.Reconcile(ctx, "res_1")
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if res.State != escrow.StateResolved || res.Status != operations.StatusCancelled {
		t.Errorf("got state=%s status=%s", res.State, res.Status)
	}

	rec, _ := f.escrows.GetByOperation(ctx, "res_1")
	if rec.Resolution != escrow.ResolutionReimbursed {
		t.Errorf("resolution = %s", rec.Resolution)
	}
}

func TestReconcileAmountMismatchFlags(t *testing.T) {
	f := newFixture(t)
	f.seed(t, escrow.StateCreated, operations.StatusInitiated)
	ctx := context.Background()

	f.contract.mu.Lock()
	f.contract.txs[7].Amount = big.NewInt(150)
	f.contract.mu.Unlock()

	res, err := f.svc.Reconcile(ctx, "res_1")
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if res.Outcome != OutcomeFlagged {
		t.Errorf("outcome = %s, want flagged", res.Outcome)
	}

	op, _ := f.ops.Get(ctx, "res_1")
	if op.Status != operations.StatusReview {
		t.Errorf("operation status = %s, want needs_review", op.Status)
	}

	// Escrow record untouched by the flagging path.
	rec, _ := f.escrows.GetByOperation(ctx, "res_1")
	if rec.State != escrow.StateCreated {
		t.Errorf("escrow state = %s, want created", rec.State)
	}

	// Re-flagging is a no-op with no duplicate event.
	res, err = f.svc.Reconcile(ctx, "res_1")
	if err != nil {
		t.Fatalf("second reconcile: %v", err)
	}
	if res.Outcome != OutcomeNoop {
		t.Errorf("second outcome = %s, want noop", res.Outcome)
	}
	if f.notifier.count() != 1 {
		t.Errorf("expected 1 flagged event, got %d", f.notifier.count())
	}
}

func TestReconcileChainReadFailureAborts(t *testing.T) {
	f := newFixture(t)
	f.seed(t, escrow.StateCreated, operations.StatusInitiated)
	ctx := context.Background()

	f.contract.readErr = chain.ErrTxNotFound

	if _, err := f.svc.Reconcile(ctx, "res_1"); err == nil {
		t.Fatal("expected error on chain read failure")
	}

	// Neither side advanced.
	rec, _ := f.escrows.GetByOperation(ctx, "res_1")
	if rec.State != escrow.StateCreated {
		t.Errorf("escrow state changed to %s", rec.State)
	}
	op, _ := f.ops.Get(ctx, "res_1")
	if op.Status != operations.StatusInitiated {
		t.Errorf("operation status changed to %s", op.Status)
	}
	if f.notifier.count() != 0 {
		t.Errorf("events emitted on failed cycle: %d", f.notifier.count())
	}
}

func TestReconcileTerminalOperationUntouched(t *testing.T) {
	f := newFixture(t)
	f.seed(t, escrow.StateFunded, operations.StatusCancelled)
	ctx := context.Background()

	res, err := f.svc.Reconcile(ctx, "res_1")
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if res.Outcome != OutcomeNoop {
		t.Errorf("outcome = %s, want noop", res.Outcome)
	}

	op, _ := f.ops.Get(ctx, "res_1")
	if op.Status != operations.StatusCancelled {
		t.Errorf("terminal status changed to %s", op.Status)
	}
}

func TestReconcileNoEscrow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.ops.Create(ctx, &operations.Operation{ID: "res_bare", Status: operations.StatusInitiated}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := f.svc.Reconcile(ctx, "res_bare"); !errors.Is(err, ErrNoEscrow) {
		t.Fatalf("expected ErrNoEscrow, got %v", err)
	}
}

func TestSweepAdoptsStaleRecords(t *testing.T) {
	f := newFixture(t)
	f.seed(t, escrow.StateCreated, operations.StatusInitiated)
	ctx := context.Background()

	// Make the record look stale so the sweep picks it up.
	rec, _ := f.escrows.GetByOperation(ctx, "res_1")
	rec.UpdatedAt = baseTime.Add(-10 * time.Minute)
	if err := f.escrows.Update(ctx, rec); err != nil {
		t.Fatalf("Update: %v", err)
	}

	n, err := f.svc.Sweep(ctx, time.Minute, 10)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 1 {
		t.Errorf("reconciled = %d, want 1", n)
	}

	op, _ := f.ops.Get(ctx, "res_1")
	if op.Status != operations.StatusReserved {
		t.Errorf("operation status = %s, want reserved", op.Status)
	}
}

func TestExecuteReleasesEscrow(t *testing.T) {
	f := newFixture(t)
	f.seed(t, escrow.StateFunded, operations.StatusReserved)
	ctx := context.Background()

	res, err := f.svc.Execute(ctx, "res_1")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.State != escrow.StateReleased || res.Status != operations.StatusCompleted {
		t.Errorf("got state=%s status=%s", res.State, res.Status)
	}
}

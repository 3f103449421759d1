package operations

import (
	"context"
	"errors"
	"testing"
	"time"
)

func testOperation(id string, status Status) *Operation {
	now := time.Now()
	return &Operation{
		ID:             id,
		UserID:         "user_1",
		Status:         status,
		TotalAmountWei: "200000000000000000",
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func TestMemoryStoreUpdateStatusCAS(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	if err := store.Create(ctx, testOperation("op_1", StatusInitiated)); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := store.UpdateStatus(ctx, "op_1", StatusInitiated, StatusReserved, "escrow funded"); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	// A second writer still expecting initiated loses the race.
	err := store.UpdateStatus(ctx, "op_1", StatusInitiated, StatusCancelled, "abandoned")
	if !errors.Is(err, ErrStaleStatus) {
		t.Fatalf("expected ErrStaleStatus, got %v", err)
	}

	got, err := store.Get(ctx, "op_1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusReserved || got.StatusReason != "escrow funded" {
		t.Errorf("unexpected operation: %+v", got)
	}
}

func TestMemoryStoreUpdateStatusNotFound(t *testing.T) {
	store := NewMemoryStore()
	err := store.UpdateStatus(context.Background(), "missing", StatusInitiated, StatusReserved, "")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStoreSetPaymentMethod(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	if err := store.Create(ctx, testOperation("op_1", StatusInitiated)); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := store.SetPaymentMethod(ctx, "op_1", PaymentMethod("paypal"), false); !errors.Is(err, ErrInvalidMethod) {
		t.Errorf("expected ErrInvalidMethod, got %v", err)
	}

	if err := store.SetPaymentMethod(ctx, "op_1", MethodTraditional, true); err != nil {
		t.Fatalf("SetPaymentMethod: %v", err)
	}
	got, _ := store.Get(ctx, "op_1")
	if got.PaymentMethod == nil || *got.PaymentMethod != MethodTraditional || !got.NonRefundableAck {
		t.Errorf("method not recorded: %+v", got)
	}

	// Terminal operations lock the method.
	if err := store.Create(ctx, testOperation("op_done", StatusCompleted)); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.SetPaymentMethod(ctx, "op_done", MethodEscrow, false); !errors.Is(err, ErrMethodLocked) {
		t.Errorf("expected ErrMethodLocked, got %v", err)
	}
}

func TestMemoryStoreLinkEscrow(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	if err := store.Create(ctx, testOperation("op_1", StatusInitiated)); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.LinkEscrow(ctx, "op_1", 42); err != nil {
		t.Fatalf("LinkEscrow: %v", err)
	}
	got, _ := store.Get(ctx, "op_1")
	if got.EscrowTransactionID == nil || *got.EscrowTransactionID != 42 {
		t.Errorf("escrow not linked: %+v", got)
	}
}

func TestPaymentMethodValid(t *testing.T) {
	if !MethodEscrow.Valid() || !MethodTraditional.Valid() {
		t.Error("known methods rejected")
	}
	if PaymentMethod("").Valid() || PaymentMethod("cheque").Valid() {
		t.Error("unknown method accepted")
	}
}

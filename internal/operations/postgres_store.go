package operations

import (
	"context"
	"database/sql"
	"time"
)

// PostgresStore persists operations in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed operation store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const operationColumns = `id, user_id, organization_id, status, status_reason,
	       total_amount_wei, payment_method, non_refundable_ack,
	       escrow_transaction_id, payment_reference, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, op *Operation) error {
	var method sql.NullString
	if op.PaymentMethod != nil {
		method = sql.NullString{String: string(*op.PaymentMethod), Valid: true}
	}
	var escrowID sql.NullInt64
	if op.EscrowTransactionID != nil {
		escrowID = sql.NullInt64{Int64: int64(*op.EscrowTransactionID), Valid: true}
	}

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO operations (
			id, user_id, organization_id, status, status_reason,
			total_amount_wei, payment_method, non_refundable_ack,
			escrow_transaction_id, payment_reference, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6::NUMERIC(38,0), $7, $8,
			$9, $10, $11, $12
		)`,
		op.ID, op.UserID, op.OrganizationID, string(op.Status), nullString(op.StatusReason),
		op.TotalAmountWei, method, op.NonRefundableAck,
		escrowID, nullString(op.PaymentReference), op.CreatedAt, op.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Operation, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+operationColumns+` FROM operations WHERE id = $1`, id)

	op := &Operation{}
	var (
		statusReason sql.NullString
		method       sql.NullString
		escrowID     sql.NullInt64
		paymentRef   sql.NullString
		status       string
	)
	err := row.Scan(
		&op.ID, &op.UserID, &op.OrganizationID, &status, &statusReason,
		&op.TotalAmountWei, &method, &op.NonRefundableAck,
		&escrowID, &paymentRef, &op.CreatedAt, &op.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	op.Status = Status(status)
	op.StatusReason = statusReason.String
	op.PaymentReference = paymentRef.String
	if method.Valid {
		m := PaymentMethod(method.String)
		op.PaymentMethod = &m
	}
	if escrowID.Valid {
		id := uint64(escrowID.Int64)
		op.EscrowTransactionID = &id
	}

	return op, nil
}

// UpdateStatus applies the transition inside a single guarded UPDATE.
// The WHERE clause carries the expected-previous-status precondition, so
// a concurrent reconcile that already advanced the row makes this a
// zero-row update, reported as ErrStaleStatus.
func (p *PostgresStore) UpdateStatus(ctx context.Context, id string, from, to Status, reason string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE operations SET status = $1, status_reason = $2, updated_at = $3
		WHERE id = $4 AND status = $5`,
		string(to), nullString(reason), time.Now(), id, string(from),
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		// Distinguish a missing row from a lost race.
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM operations WHERE id = $1)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrStaleStatus
	}
	return nil
}

func (p *PostgresStore) SetPaymentMethod(ctx context.Context, id string, method PaymentMethod, nonRefundableAck bool) error {
	if !method.Valid() {
		return ErrInvalidMethod
	}

	result, err := p.db.ExecContext(ctx, `
		UPDATE operations SET payment_method = $1, non_refundable_ack = $2, updated_at = $3
		WHERE id = $4 AND status NOT IN ('completed', 'cancelled')`,
		string(method), nonRefundableAck, time.Now(), id,
	)
	if err != nil {
		return err
	}
	return checkAffected(ctx, p.db, result, id)
}

func (p *PostgresStore) LinkEscrow(ctx context.Context, id string, transactionID uint64) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE operations SET escrow_transaction_id = $1, updated_at = $2
		WHERE id = $3`,
		int64(transactionID), time.Now(), id,
	)
	if err != nil {
		return err
	}
	return checkAffected(ctx, p.db, result, id)
}

func (p *PostgresStore) SetPaymentReference(ctx context.Context, id string, ref string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE operations SET payment_reference = $1, updated_at = $2
		WHERE id = $3`,
		ref, time.Now(), id,
	)
	if err != nil {
		return err
	}
	return checkAffected(ctx, p.db, result, id)
}

func checkAffected(ctx context.Context, db *sql.DB, result sql.Result, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		var exists bool
		if err := db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM operations WHERE id = $1)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrMethodLocked
	}
	return nil
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

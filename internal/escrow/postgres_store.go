package escrow

import (
	"context"
	"database/sql"
	"time"
)

// PostgresStore persists the escrow cache in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const escrowColumns = `operation_id, transaction_id, tx_hash, sender_addr, receiver_addr,
	       amount_wei, timeout_payment_secs, dispute_id, state, resolution,
	       last_interaction, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, r *Record) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrow_transactions (
			operation_id, transaction_id, tx_hash, sender_addr, receiver_addr,
			amount_wei, timeout_payment_secs, dispute_id, state, resolution,
			last_interaction, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6::NUMERIC(38,0), $7, $8, $9, $10,
			$11, $12, $13
		)`,
		r.OperationID, int64(r.TransactionID), r.TxHash, r.SenderAddr, r.ReceiverAddr,
		r.AmountWei, int64(r.TimeoutPayment/time.Second), nullUint64(r.DisputeID),
		string(r.State), nullString(r.Resolution),
		r.LastInteraction, r.CreatedAt, r.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) GetByOperation(ctx context.Context, operationID string) (*Record, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+escrowColumns+` FROM escrow_transactions WHERE operation_id = $1`, operationID)

	r, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return r, err
}

func (p *PostgresStore) GetByTransactionID(ctx context.Context, transactionID uint64) (*Record, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+escrowColumns+` FROM escrow_transactions WHERE transaction_id = $1`, int64(transactionID))

	r, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return r, err
}

func (p *PostgresStore) Update(ctx context.Context, r *Record) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrow_transactions SET
			transaction_id = $1, tx_hash = $2, dispute_id = $3,
			state = $4, resolution = $5, last_interaction = $6, updated_at = $7
		WHERE operation_id = $8`,
		int64(r.TransactionID), r.TxHash, nullUint64(r.DisputeID),
		string(r.State), nullString(r.Resolution), r.LastInteraction, r.UpdatedAt,
		r.OperationID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) ListUnsettled(ctx context.Context, updatedBefore time.Time, limit int) ([]*Record, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrow_transactions
		WHERE state NOT IN ('released', 'reimbursed', 'resolved')
		  AND updated_at < $1
		ORDER BY updated_at ASC
		LIMIT $2`, updatedBefore, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(s scanner) (*Record, error) {
	r := &Record{}
	var (
		transactionID int64
		timeoutSecs   int64
		disputeID     sql.NullInt64
		state         string
		resolution    sql.NullString
	)

	err := s.Scan(
		&r.OperationID, &transactionID, &r.TxHash, &r.SenderAddr, &r.ReceiverAddr,
		&r.AmountWei, &timeoutSecs, &disputeID, &state, &resolution,
		&r.LastInteraction, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.TransactionID = uint64(transactionID)
	r.TimeoutPayment = time.Duration(timeoutSecs) * time.Second
	r.State = State(state)
	r.Resolution = resolution.String
	if disputeID.Valid {
		id := uint64(disputeID.Int64)
		r.DisputeID = &id
	}

	return r, nil
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullUint64 converts a *uint64 to sql.NullInt64.
func nullUint64(v *uint64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

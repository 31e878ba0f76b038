package escrow

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/nexusans/escrowd/internal/pagination"
)

// PostgresStore persists escrows in PostgreSQL. Conditional updates compile
// to a single UPDATE ... WHERE status = ANY(...), so the status guard is
// atomic even across multiple service instances.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const escrowColumns = `id, buyer_wallet, seller_agent, seller_wallet,
		amount_lamports, fee_lamports, currency, status,
		service_details, proof_of_delivery, verification_data,
		lock_tx_signature, release_tx_signature, refund_tx_signature, error_message,
		created_at, expires_at, locked_at, confirmed_at, verified_at,
		released_at, refunded_at, disputed_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, e *Escrow) error {
	serviceJSON, proofJSON, verifyJSON, err := marshalPayloads(e)
	if err != nil {
		return err
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO escrows (`+escrowColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
			$16, $17, $18, $19, $20, $21, $22, $23, $24)`,
		e.ID, e.BuyerWallet, e.SellerAgent, nullString(e.SellerWallet),
		e.AmountLamports, e.FeeLamports, e.Currency, string(e.Status),
		serviceJSON, proofJSON, verifyJSON,
		nullString(e.LockTxSignature), nullString(e.ReleaseTxSignature),
		nullString(e.RefundTxSignature), nullString(e.ErrorMessage),
		e.CreatedAt, e.ExpiresAt, nullTime(e.LockedAt), nullTime(e.ConfirmedAt),
		nullTime(e.VerifiedAt), nullTime(e.ReleasedAt), nullTime(e.RefundedAt),
		nullTime(e.DisputedAt), e.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id)
	e, err := scanEscrow(row)
	if err == sql.ErrNoRows {
		return nil, ErrEscrowNotFound
	}
	return e, err
}

func (p *PostgresStore) UpdateIf(ctx context.Context, e *Escrow, expected ...Status) error {
	if len(expected) == 0 {
		return fmt.Errorf("UpdateIf requires at least one expected status")
	}
	serviceJSON, proofJSON, verifyJSON, err := marshalPayloads(e)
	if err != nil {
		return err
	}

	statuses := make([]string, len(expected))
	for i, st := range expected {
		statuses[i] = string(st)
	}

	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET
			seller_wallet = $1, status = $2,
			service_details = $3, proof_of_delivery = $4, verification_data = $5,
			lock_tx_signature = $6, release_tx_signature = $7, refund_tx_signature = $8,
			error_message = $9,
			locked_at = $10, confirmed_at = $11, verified_at = $12,
			released_at = $13, refunded_at = $14, disputed_at = $15, updated_at = $16
		WHERE id = $17 AND status = ANY($18)`,
		nullString(e.SellerWallet), string(e.Status),
		serviceJSON, proofJSON, verifyJSON,
		nullString(e.LockTxSignature), nullString(e.ReleaseTxSignature),
		nullString(e.RefundTxSignature), nullString(e.ErrorMessage),
		nullTime(e.LockedAt), nullTime(e.ConfirmedAt), nullTime(e.VerifiedAt),
		nullTime(e.ReleasedAt), nullTime(e.RefundedAt), nullTime(e.DisputedAt),
		e.UpdatedAt,
		e.ID, pq.Array(statuses),
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		// Distinguish a missing row from a status mismatch.
		var current string
		err := p.db.QueryRowContext(ctx,
			`SELECT status FROM escrows WHERE id = $1`, e.ID).Scan(&current)
		if err == sql.ErrNoRows {
			return ErrEscrowNotFound
		}
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: have %s, expected %s",
			ErrStatusConflict, current, strings.Join(statuses, "|"))
	}
	return nil
}

func (p *PostgresStore) ListByWallet(ctx context.Context, wallet string, cursor *pagination.Cursor, limit int) ([]*Escrow, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if cursor != nil {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+escrowColumns+`
			FROM escrows
			WHERE (buyer_wallet = $1 OR seller_wallet = $1)
			  AND (created_at, id) < ($2, $3)
			ORDER BY created_at DESC, id DESC
			LIMIT $4`, wallet, cursor.CreatedAt, cursor.ID, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+escrowColumns+`
			FROM escrows
			WHERE buyer_wallet = $1 OR seller_wallet = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2`, wallet, limit)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

func (p *PostgresStore) ListExpired(ctx context.Context, status Status, before time.Time, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE status = $1 AND expires_at < $2
		ORDER BY expires_at ASC
		LIMIT $3`, string(status), before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEscrow(s scanner) (*Escrow, error) {
	e := &Escrow{}
	var (
		sellerWallet sql.NullString
		status       string
		serviceJSON  []byte
		proofJSON    []byte
		verifyJSON   []byte
		lockTx       sql.NullString
		releaseTx    sql.NullString
		refundTx     sql.NullString
		errorMessage sql.NullString
		lockedAt     sql.NullTime
		confirmedAt  sql.NullTime
		verifiedAt   sql.NullTime
		releasedAt   sql.NullTime
		refundedAt   sql.NullTime
		disputedAt   sql.NullTime
	)

	err := s.Scan(
		&e.ID, &e.BuyerWallet, &e.SellerAgent, &sellerWallet,
		&e.AmountLamports, &e.FeeLamports, &e.Currency, &status,
		&serviceJSON, &proofJSON, &verifyJSON,
		&lockTx, &releaseTx, &refundTx, &errorMessage,
		&e.CreatedAt, &e.ExpiresAt, &lockedAt, &confirmedAt, &verifiedAt,
		&releasedAt, &refundedAt, &disputedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.SellerWallet = sellerWallet.String
	e.Status = Status(status)
	e.LockTxSignature = lockTx.String
	e.ReleaseTxSignature = releaseTx.String
	e.RefundTxSignature = refundTx.String
	e.ErrorMessage = errorMessage.String
	e.LockedAt = timePtr(lockedAt)
	e.ConfirmedAt = timePtr(confirmedAt)
	e.VerifiedAt = timePtr(verifiedAt)
	e.ReleasedAt = timePtr(releasedAt)
	e.RefundedAt = timePtr(refundedAt)
	e.DisputedAt = timePtr(disputedAt)
	if len(serviceJSON) > 0 {
		_ = json.Unmarshal(serviceJSON, &e.ServiceDetails)
	}
	if len(proofJSON) > 0 {
		_ = json.Unmarshal(proofJSON, &e.ProofOfDelivery)
	}
	if len(verifyJSON) > 0 {
		_ = json.Unmarshal(verifyJSON, &e.VerificationData)
	}

	return e, nil
}

func scanEscrows(rows *sql.Rows) ([]*Escrow, error) {
	var result []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func marshalPayloads(e *Escrow) (service, proof, verify []byte, err error) {
	if service, err = json.Marshal(orEmpty(e.ServiceDetails)); err != nil {
		return nil, nil, nil, err
	}
	if proof, err = json.Marshal(orEmpty(e.ProofOfDelivery)); err != nil {
		return nil, nil, nil, err
	}
	if verify, err = json.Marshal(orEmpty(e.VerificationData)); err != nil {
		return nil, nil, nil, err
	}
	return service, proof, verify, nil
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	return &t.Time
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

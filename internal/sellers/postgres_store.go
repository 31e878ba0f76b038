package sellers

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"
)

// PostgresStore persists seller registrations in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed seller store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const sellerColumns = `agent_name, wallet, webhook_url, verify_url, api_key, active, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, s *Seller) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO sellers (`+sellerColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		s.AgentName, s.Wallet, nullString(s.WebhookURL), nullString(s.VerifyURL),
		nullString(s.APIKey), s.Active, s.CreatedAt, s.UpdatedAt,
	)
	if err != nil && isUniqueViolation(err) {
		return ErrSellerExists
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, agentName string) (*Seller, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+sellerColumns+` FROM sellers WHERE agent_name = $1`, agentName)

	s := &Seller{}
	var webhookURL, verifyURL, apiKey sql.NullString
	err := row.Scan(&s.AgentName, &s.Wallet, &webhookURL, &verifyURL, &apiKey,
		&s.Active, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrSellerNotFound
	}
	if err != nil {
		return nil, err
	}
	s.WebhookURL = webhookURL.String
	s.VerifyURL = verifyURL.String
	s.APIKey = apiKey.String
	return s, nil
}

func (p *PostgresStore) Update(ctx context.Context, s *Seller) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE sellers SET
			wallet = $1, webhook_url = $2, verify_url = $3, api_key = $4,
			active = $5, updated_at = $6
		WHERE agent_name = $7`,
		s.Wallet, nullString(s.WebhookURL), nullString(s.VerifyURL), nullString(s.APIKey),
		s.Active, s.UpdatedAt, s.AgentName,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrSellerNotFound
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context, limit int) ([]*Seller, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+sellerColumns+` FROM sellers ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Seller
	for rows.Next() {
		s := &Seller{}
		var webhookURL, verifyURL, apiKey sql.NullString
		if err := rows.Scan(&s.AgentName, &s.Wallet, &webhookURL, &verifyURL, &apiKey,
			&s.Active, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, err
		}
		s.WebhookURL = webhookURL.String
		s.VerifyURL = verifyURL.String
		s.APIKey = apiKey.String
		result = append(result, s)
	}
	return result, rows.Err()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// isUniqueViolation reports whether err is a Postgres unique_violation.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

package webhooks

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

// PostgresStore persists webhook jobs in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed job store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const jobColumns = `id, url, method, headers, payload, escrow_id, webhook_type,
		status, attempts, next_retry_at, last_error, response_status,
		created_at, completed_at, failed_at`

func (p *PostgresStore) Create(ctx context.Context, job *Job) error {
	headersJSON, err := json.Marshal(job.Headers)
	if err != nil {
		return err
	}
	payloadJSON, err := json.Marshal(job.Payload)
	if err != nil {
		return err
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO webhook_queue (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		job.ID, job.URL, job.Method, headersJSON, payloadJSON,
		nullString(job.EscrowID), string(job.Type),
		string(job.Status), job.Attempts, job.NextRetryAt,
		nullString(job.LastError), nullInt(job.ResponseStatus),
		job.CreatedAt, nullTime(job.CompletedAt), nullTime(job.FailedAt),
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Job, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM webhook_queue WHERE id = $1`, id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	return job, err
}

func (p *PostgresStore) Update(ctx context.Context, job *Job) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE webhook_queue SET
			status = $1, attempts = $2, next_retry_at = $3, last_error = $4,
			response_status = $5, completed_at = $6, failed_at = $7
		WHERE id = $8`,
		string(job.Status), job.Attempts, job.NextRetryAt, nullString(job.LastError),
		nullInt(job.ResponseStatus), nullTime(job.CompletedAt), nullTime(job.FailedAt),
		job.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (p *PostgresStore) ListDue(ctx context.Context, now time.Time, maxAttempts, limit int) ([]*Job, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM webhook_queue
		WHERE status = 'pending'
		  AND next_retry_at <= $1
		  AND attempts < $2
		ORDER BY created_at ASC
		LIMIT $3`, now, maxAttempts, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanJobs(rows)
}

func (p *PostgresStore) ListByEscrow(ctx context.Context, escrowID string, limit int) ([]*Job, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM webhook_queue
		WHERE escrow_id = $1
		ORDER BY created_at ASC
		LIMIT $2`, escrowID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanJobs(rows)
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(s scanner) (*Job, error) {
	job := &Job{}
	var (
		headersJSON    []byte
		payloadJSON    []byte
		escrowID       sql.NullString
		webhookType    string
		status         string
		lastError      sql.NullString
		responseStatus sql.NullInt64
		completedAt    sql.NullTime
		failedAt       sql.NullTime
	)

	err := s.Scan(
		&job.ID, &job.URL, &job.Method, &headersJSON, &payloadJSON,
		&escrowID, &webhookType,
		&status, &job.Attempts, &job.NextRetryAt, &lastError, &responseStatus,
		&job.CreatedAt, &completedAt, &failedAt,
	)
	if err != nil {
		return nil, err
	}

	job.EscrowID = escrowID.String
	job.Type = Type(webhookType)
	job.Status = Status(status)
	job.LastError = lastError.String
	job.ResponseStatus = int(responseStatus.Int64)
	if completedAt.Valid {
		job.CompletedAt = &completedAt.Time
	}
	if failedAt.Valid {
		job.FailedAt = &failedAt.Time
	}
	if len(headersJSON) > 0 {
		_ = json.Unmarshal(headersJSON, &job.Headers)
	}
	if len(payloadJSON) > 0 {
		_ = json.Unmarshal(payloadJSON, &job.Payload)
	}

	return job, nil
}

func scanJobs(rows *sql.Rows) ([]*Job, error) {
	var result []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, job)
	}
	return result, rows.Err()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullInt(i int) sql.NullInt64 {
	if i == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(i), Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

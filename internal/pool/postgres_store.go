package pool

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresStore persists channel pool state in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed channel store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const channelColumns = `id, status, trade_id, invite_token, assigned_at, completed_at, created_at`

func (p *PostgresStore) Register(ctx context.Context, ch *Channel) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO channels (id, status, trade_id, invite_token, assigned_at, completed_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		ch.ID, string(ch.Status), nullString(ch.TradeID), nullString(ch.InviteToken),
		nullTime(ch.AssignedAt), nullTime(ch.CompletedAt), ch.CreatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Channel, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+channelColumns+` FROM channels WHERE id = $1`, id)
	ch, err := scanChannel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrChannelNotFound
	}
	return ch, err
}

// Claim selects the oldest available channel and marks it assigned in a
// single statement. FOR UPDATE SKIP LOCKED makes concurrent claimants
// pick distinct rows instead of blocking or double-assigning.
func (p *PostgresStore) Claim(ctx context.Context, tradeID string, at time.Time) (*Channel, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE channels SET
			status = 'assigned',
			trade_id = $1,
			assigned_at = $2,
			completed_at = NULL
		WHERE id = (
			SELECT id FROM channels
			WHERE status = 'available'
			ORDER BY created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING `+channelColumns,
		tradeID, at,
	)
	ch, err := scanChannel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoChannels
	}
	return ch, err
}

func (p *PostgresStore) GetByTrade(ctx context.Context, tradeID string) (*Channel, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+channelColumns+` FROM channels
		WHERE trade_id = $1 AND status != 'archived'
		ORDER BY assigned_at DESC LIMIT 1`, tradeID)
	ch, err := scanChannel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotAssigned
	}
	return ch, err
}

func (p *PostgresStore) SetStatus(ctx context.Context, id string, from, to ChannelStatus, token string) error {
	var query string
	args := []interface{}{id, string(from)}
	switch to {
	case StatusAvailable:
		query = `UPDATE channels SET status = 'available', trade_id = NULL,
			assigned_at = NULL, completed_at = NULL, invite_token = $3
			WHERE id = $1 AND status = $2`
		args = append(args, nullString(token))
	case StatusCompleted:
		query = `UPDATE channels SET status = 'completed', completed_at = now(), invite_token = $3
			WHERE id = $1 AND status = $2`
		args = append(args, nullString(token))
	case StatusArchived:
		query = `UPDATE channels SET status = 'archived', trade_id = NULL, invite_token = NULL
			WHERE id = $1 AND status = $2`
	default:
		query = `UPDATE channels SET status = 'assigned', invite_token = $3
			WHERE id = $1 AND status = $2`
		args = append(args, nullString(token))
	}

	result, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrChannelNotFound
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context, status ChannelStatus, limit int) ([]*Channel, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+channelColumns+` FROM channels
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanChannels(rows)
}

func (p *PostgresStore) ListAssigned(ctx context.Context, limit int) ([]*Channel, error) {
	return p.List(ctx, StatusAssigned, limit)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanChannel(s scanner) (*Channel, error) {
	ch := &Channel{}
	var (
		status      string
		tradeID     sql.NullString
		inviteToken sql.NullString
		assignedAt  sql.NullTime
		completedAt sql.NullTime
	)
	err := s.Scan(&ch.ID, &status, &tradeID, &inviteToken, &assignedAt, &completedAt, &ch.CreatedAt)
	if err != nil {
		return nil, err
	}
	ch.Status = ChannelStatus(status)
	ch.TradeID = tradeID.String
	ch.InviteToken = inviteToken.String
	if assignedAt.Valid {
		ch.AssignedAt = &assignedAt.Time
	}
	if completedAt.Valid {
		ch.CompletedAt = &completedAt.Time
	}
	return ch, nil
}

func scanChannels(rows *sql.Rows) ([]*Channel, error) {
	var result []*Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, ch)
	}
	return result, rows.Err()
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

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

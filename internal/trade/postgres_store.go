package trade

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists trade data in PostgreSQL.
//
// Conditional updates are expressed as status-guarded UPDATEs; the
// trade_refs table carries a UNIQUE constraint on the reference column,
// which is what makes "a reference is consumed by at most one trade,
// ever" hold even when two workers race on the same reference.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed trade store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const tradeColumns = `id, channel_id, status, asset, network, quantity, rate, payment_method,
	       buyer_id, buyer_name, seller_id, seller_name,
	       buyer_payout_addr, seller_refund_addr,
	       buyer_terms, seller_terms, buyer_release, seller_release, buyer_refund, seller_refund,
	       terms_finalized, deposited_amount, deposited_units::text, pending_amount,
	       release_used, refund_used, prior_status,
	       created_at, started_at, last_activity_at, completed_at`

func (p *PostgresStore) Create(ctx context.Context, t *Trade) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO trades (
			id, channel_id, status, asset, network, quantity, rate, payment_method,
			buyer_id, buyer_name, seller_id, seller_name,
			buyer_payout_addr, seller_refund_addr,
			buyer_terms, seller_terms, buyer_release, seller_release, buyer_refund, seller_refund,
			terms_finalized, deposited_amount, deposited_units, pending_amount,
			release_used, refund_used, prior_status,
			created_at, started_at, last_activity_at, completed_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8,
			$9, $10, $11, $12,
			$13, $14,
			$15, $16, $17, $18, $19, $20,
			$21, $22, $23::NUMERIC, $24,
			$25, $26, $27,
			$28, $29, $30, $31
		)`,
		t.ID, nullString(t.ChannelID), string(t.Status), t.Asset, t.Network,
		nullString(t.Quantity), nullString(t.Rate), nullString(t.PaymentMethod),
		t.Buyer.ID, nullString(t.Buyer.DisplayName), t.Seller.ID, nullString(t.Seller.DisplayName),
		nullString(t.BuyerPayoutAddr), nullString(t.SellerRefundAddr),
		t.Approvals.BuyerTerms, t.Approvals.SellerTerms,
		t.Approvals.BuyerRelease, t.Approvals.SellerRelease,
		t.Approvals.BuyerRefund, t.Approvals.SellerRefund,
		t.TermsFinalized, zeroAmount(t.DepositedAmount), zeroUnits(t.DepositedUnits),
		nullStringPtr(t.PendingAmount),
		t.ReleaseUsed, t.RefundUsed, nullString(string(t.PriorStatus)),
		t.CreatedAt, nullTime(t.StartedAt), t.LastActivityAt, nullTime(t.CompletedAt),
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Trade, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+tradeColumns+` FROM trades WHERE id = $1`, id)
	t, err := scanTrade(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTradeNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := p.loadRefs(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (p *PostgresStore) GetByChannel(ctx context.Context, channelID string) (*Trade, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+tradeColumns+` FROM trades
		WHERE channel_id = $1 AND status NOT IN ('completed', 'refunded')
		ORDER BY created_at DESC LIMIT 1`, channelID)
	t, err := scanTrade(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTradeNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := p.loadRefs(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (p *PostgresStore) UpdateIf(ctx context.Context, t *Trade, expect Status) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE trades SET
			channel_id = $1, status = $2, quantity = $3, rate = $4, payment_method = $5,
			buyer_payout_addr = $6, seller_refund_addr = $7,
			buyer_terms = $8, seller_terms = $9, buyer_release = $10, seller_release = $11,
			buyer_refund = $12, seller_refund = $13,
			terms_finalized = $14, pending_amount = $15,
			release_used = $16, refund_used = $17, prior_status = $18,
			started_at = $19, last_activity_at = $20, completed_at = $21
		WHERE id = $22 AND status = $23`,
		nullString(t.ChannelID), string(t.Status),
		nullString(t.Quantity), nullString(t.Rate), nullString(t.PaymentMethod),
		nullString(t.BuyerPayoutAddr), nullString(t.SellerRefundAddr),
		t.Approvals.BuyerTerms, t.Approvals.SellerTerms,
		t.Approvals.BuyerRelease, t.Approvals.SellerRelease,
		t.Approvals.BuyerRefund, t.Approvals.SellerRefund,
		t.TermsFinalized, nullStringPtr(t.PendingAmount),
		t.ReleaseUsed, t.RefundUsed, nullString(string(t.PriorStatus)),
		nullTime(t.StartedAt), t.LastActivityAt, nullTime(t.CompletedAt),
		t.ID, string(expect),
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		// Distinguish a missing trade from a lost precondition.
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM trades WHERE id = $1)`, t.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrTradeNotFound
		}
		return ErrConflictingState
	}
	return nil
}

func (p *PostgresStore) AcceptDeposit(ctx context.Context, tradeID string, acc DepositAccept) (*Trade, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	// The unique index on trade_refs.ref is the global duplicate gate.
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO trade_refs (ref, trade_id) VALUES ($1, $2)`,
		acc.Ref, tradeID,
	); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return nil, ErrDuplicateReference
		}
		return nil, fmt.Errorf("record reference: %w", err)
	}

	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(acc.Decimals)), nil)
	row := tx.QueryRowContext(ctx, `
		UPDATE trades SET
			deposited_units = deposited_units + $1::NUMERIC,
			deposited_amount = round((deposited_units + $1::NUMERIC) / $2::NUMERIC, $3)::text,
			status = CASE
				WHEN deposited_units + $1::NUMERIC >= $4::NUMERIC THEN 'deposited'
				ELSE status
			END,
			last_activity_at = now()
		WHERE id = $5 AND status = 'awaiting_deposit'
		RETURNING `+tradeColumns,
		acc.Units.String(), scale.String(), acc.Decimals,
		acc.ThresholdUnits.String(), tradeID,
	)
	t, err := scanTrade(row)
	if errors.Is(err, sql.ErrNoRows) {
		// Rolling back also discards the reference insert.
		return nil, ErrConflictingState
	}
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	if err := p.loadRefs(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (p *PostgresStore) FindByConsumedRef(ctx context.Context, ref string) (string, error) {
	var tradeID string
	err := p.db.QueryRowContext(ctx,
		`SELECT trade_id FROM trade_refs WHERE ref = $1`, ref).Scan(&tradeID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return tradeID, err
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Trade, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+tradeColumns+` FROM trades
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, t := range result {
		if err := p.loadRefs(ctx, t); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (p *PostgresStore) loadRefs(ctx context.Context, t *Trade) error {
	rows, err := p.db.QueryContext(ctx,
		`SELECT ref FROM trade_refs WHERE trade_id = $1 ORDER BY seq`, t.ID)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	t.ConsumedRefs = nil
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			return err
		}
		t.ConsumedRefs = append(t.ConsumedRefs, ref)
	}
	return rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTrade(s scanner) (*Trade, error) {
	t := &Trade{}
	var (
		channelID     sql.NullString
		status        string
		quantity      sql.NullString
		rate          sql.NullString
		paymentMethod sql.NullString
		buyerName     sql.NullString
		sellerName    sql.NullString
		buyerPayout   sql.NullString
		sellerRefund  sql.NullString
		pendingAmount sql.NullString
		priorStatus   sql.NullString
		startedAt     sql.NullTime
		completedAt   sql.NullTime
	)

	err := s.Scan(
		&t.ID, &channelID, &status, &t.Asset, &t.Network, &quantity, &rate, &paymentMethod,
		&t.Buyer.ID, &buyerName, &t.Seller.ID, &sellerName,
		&buyerPayout, &sellerRefund,
		&t.Approvals.BuyerTerms, &t.Approvals.SellerTerms,
		&t.Approvals.BuyerRelease, &t.Approvals.SellerRelease,
		&t.Approvals.BuyerRefund, &t.Approvals.SellerRefund,
		&t.TermsFinalized, &t.DepositedAmount, &t.DepositedUnits, &pendingAmount,
		&t.ReleaseUsed, &t.RefundUsed, &priorStatus,
		&t.CreatedAt, &startedAt, &t.LastActivityAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	t.ChannelID = channelID.String
	t.Status = Status(status)
	t.Quantity = quantity.String
	t.Rate = rate.String
	t.PaymentMethod = paymentMethod.String
	t.Buyer.DisplayName = buyerName.String
	t.Seller.DisplayName = sellerName.String
	t.BuyerPayoutAddr = buyerPayout.String
	t.SellerRefundAddr = sellerRefund.String
	t.PriorStatus = Status(priorStatus.String)
	if pendingAmount.Valid {
		v := pendingAmount.String
		t.PendingAmount = &v
	}
	if startedAt.Valid {
		t.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	return t, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullStringPtr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func zeroAmount(s string) string {
	if s == "" {
		return "0"
	}
	return s
}

func zeroUnits(s string) string {
	if s == "" {
		return "0"
	}
	return s
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"tablebook-referrals/internal/domain"
	"tablebook-referrals/internal/domain/model"
	"tablebook-referrals/internal/domain/ports/repository"
)

// Ensure implementation satisfies the interface.
var _ repository.RedemptionRepository = (*redemptionRepo)(nil)

type redemptionRepo struct {
	pool *pgxpool.Pool
}

func NewRedemptionRepo(pool *pgxpool.Pool) *redemptionRepo {
	return &redemptionRepo{pool: pool}
}

const redemptionColumns = `id, referral_code, owner_user_id, new_user_id, redeemed_at, metadata, points_owner, points_new_user, settled_at`

func scanRedemption(row pgx.Row) (*model.ReferralRedemption, error) {
	var (
		r    model.ReferralRedemption
		meta []byte
	)
	err := row.Scan(&r.ID, &r.ReferralCode, &r.OwnerUserID, &r.NewUserID, &r.RedeemedAt, &meta,
		&r.PointsAwardedToOwner, &r.PointsAwardedToNewUser, &r.SettledAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	r.Metadata = map[string]string{}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &r.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return &r, nil
}

// Record runs the conditional increment and the insert in one transaction.
// The UPDATE row lock serialises concurrent redemptions of the same code, so
// use_count can never pass max_uses.
func (r *redemptionRepo) Record(ctx context.Context, tx repository.Tx, red *model.ReferralRedemption, now time.Time) (*model.ReferralCode, error) {
	meta, err := json.Marshal(red.Metadata)
	if err != nil {
		return nil, fmt.Errorf("%w: encode metadata: %v", domain.ErrInvalidArgument, err)
	}

	var updated *model.ReferralCode
	err = inTx(ctx, r.pool, tx, func(q querier) error {
		c, err := scanCode(q.QueryRow(ctx, `
UPDATE referral_codes
   SET use_count  = use_count + 1,
       status     = CASE WHEN max_uses IS NOT NULL AND use_count + 1 >= max_uses THEN 'EXHAUSTED' ELSE status END,
       updated_at = $2
 WHERE code = $1
   AND status = 'ACTIVE'
   AND (expires_at IS NULL OR expires_at >= $2)
   AND (max_uses IS NULL OR use_count < max_uses)
RETURNING `+codeColumns, red.ReferralCode, now))
		if errors.Is(err, domain.ErrNotFound) {
			return classifyLostIncrement(ctx, q, red.ReferralCode, now)
		}
		if err != nil {
			return wrapErr("increment use count", err)
		}

		_, err = q.Exec(ctx, `
INSERT INTO referral_redemptions (`+redemptionColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			red.ID, red.ReferralCode, red.OwnerUserID, red.NewUserID, red.RedeemedAt, string(meta),
			red.PointsAwardedToOwner, red.PointsAwardedToNewUser, red.SettledAt)
		if constraint, dup := uniqueViolationOn(err); dup && constraint == "ux_referral_redemptions_new_user" {
			return domain.ErrAlreadyReferred
		}
		if err != nil {
			return wrapErr("insert redemption", err)
		}
		updated = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// classifyLostIncrement re-reads the code to explain why the conditional
// UPDATE matched nothing.
func classifyLostIncrement(ctx context.Context, q querier, code string, now time.Time) error {
	c, err := findCode(ctx, q, code)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.ErrCodeNotFound
	}
	if err != nil {
		return wrapErr("reload code", err)
	}
	if reason := c.Check(now); reason != "" {
		return reason.Err()
	}
	return fmt.Errorf("%w: increment on %s matched no row", domain.ErrStoreFailure, code)
}

func (r *redemptionRepo) findOne(ctx context.Context, tx repository.Tx, where string, arg interface{}) (*model.ReferralRedemption, error) {
	q, err := getExecutor(r.pool, tx)
	if err != nil {
		return nil, err
	}
	red, err := scanRedemption(q.QueryRow(ctx, `SELECT `+redemptionColumns+` FROM referral_redemptions WHERE `+where, arg))
	return red, wrapErr("find redemption", err)
}

func (r *redemptionRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.ReferralRedemption, error) {
	return r.findOne(ctx, tx, `id = $1`, id)
}

func (r *redemptionRepo) FindByNewUser(ctx context.Context, tx repository.Tx, newUserID string) (*model.ReferralRedemption, error) {
	return r.findOne(ctx, tx, `new_user_id = $1`, newUserID)
}

func (r *redemptionRepo) list(ctx context.Context, tx repository.Tx, sql string, args ...interface{}) ([]*model.ReferralRedemption, error) {
	q, err := getExecutor(r.pool, tx)
	if err != nil {
		return nil, err
	}
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, wrapErr("list redemptions", err)
	}
	defer rows.Close()

	var out []*model.ReferralRedemption
	for rows.Next() {
		red, err := scanRedemption(rows)
		if err != nil {
			return nil, wrapErr("scan redemption", err)
		}
		out = append(out, red)
	}
	return out, wrapErr("list redemptions", rows.Err())
}

func (r *redemptionRepo) ListByOwner(ctx context.Context, tx repository.Tx, ownerUserID string) ([]*model.ReferralRedemption, error) {
	return r.list(ctx, tx,
		`SELECT `+redemptionColumns+` FROM referral_redemptions WHERE owner_user_id = $1 ORDER BY id`, ownerUserID)
}

func (r *redemptionRepo) ListUnsettled(ctx context.Context, tx repository.Tx, before time.Time, limit int) ([]*model.ReferralRedemption, error) {
	return r.list(ctx, tx, `
SELECT `+redemptionColumns+`
  FROM referral_redemptions
 WHERE settled_at IS NULL AND redeemed_at < $1
 ORDER BY redeemed_at
 LIMIT $2`, before, limit)
}

func (r *redemptionRepo) CountByOwner(ctx context.Context, tx repository.Tx, ownerUserID string) (int, error) {
	q, err := getExecutor(r.pool, tx)
	if err != nil {
		return 0, err
	}
	var n int
	err = q.QueryRow(ctx, `SELECT COUNT(*) FROM referral_redemptions WHERE owner_user_id = $1`, ownerUserID).Scan(&n)
	return n, wrapErr("count owner redemptions", err)
}

func (r *redemptionRepo) Count(ctx context.Context, tx repository.Tx) (int, error) {
	q, err := getExecutor(r.pool, tx)
	if err != nil {
		return 0, err
	}
	var n int
	err = q.QueryRow(ctx, `SELECT COUNT(*) FROM referral_redemptions`).Scan(&n)
	return n, wrapErr("count redemptions", err)
}

func (r *redemptionRepo) TopReferrers(ctx context.Context, tx repository.Tx, limit int) ([]model.TopReferrer, error) {
	q, err := getExecutor(r.pool, tx)
	if err != nil {
		return nil, err
	}
	rows, err := q.Query(ctx, `
SELECT owner_user_id,
       COUNT(*) AS redemptions,
       COALESCE(SUM(points_owner) FILTER (WHERE settled_at IS NOT NULL), 0)::BIGINT AS points
  FROM referral_redemptions
 GROUP BY owner_user_id
 ORDER BY redemptions DESC, points DESC, owner_user_id
 LIMIT $1`, limit)
	if err != nil {
		return nil, wrapErr("top referrers", err)
	}
	defer rows.Close()

	out := []model.TopReferrer{}
	for rows.Next() {
		var t model.TopReferrer
		if err := rows.Scan(&t.UserID, &t.Redemptions, &t.Points); err != nil {
			return nil, wrapErr("scan top referrer", err)
		}
		out = append(out, t)
	}
	return out, wrapErr("top referrers", rows.Err())
}

// MarkSettled keeps the first settlement timestamp.
func (r *redemptionRepo) MarkSettled(ctx context.Context, tx repository.Tx, id string, at time.Time) error {
	q, err := getExecutor(r.pool, tx)
	if err != nil {
		return err
	}
	tag, err := q.Exec(ctx,
		`UPDATE referral_redemptions SET settled_at = COALESCE(settled_at, $2) WHERE id = $1`, id, at)
	if err != nil {
		return wrapErr("mark settled", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

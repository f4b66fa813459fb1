package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"tablebook-referrals/internal/domain"
	"tablebook-referrals/internal/domain/model"
	"tablebook-referrals/internal/domain/ports/repository"
)

var (
	_ repository.ReferralCodeRepository = (*CodeRepo)(nil)
	_ repository.RedemptionRepository   = (*RedemptionRepo)(nil)
)

type rowScanner interface {
	Scan(dest ...any) error
}

const codeColumns = `id, code, owner_user_id, created_at, updated_at, expires_at, max_uses, use_count, status`

func scanCode(row rowScanner) (*model.ReferralCode, error) {
	var (
		c                model.ReferralCode
		created, updated string
		expires          sql.NullString
		maxUses          sql.NullInt64
		status           string
	)
	if err := row.Scan(&c.ID, &c.Code, &c.OwnerUserID, &created, &updated, &expires, &maxUses, &c.UseCount, &status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	var err error
	if c.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if c.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	if c.ExpiresAt, err = parseTimePtr(expires); err != nil {
		return nil, err
	}
	if maxUses.Valid {
		n := int(maxUses.Int64)
		c.MaxUses = &n
	}
	c.Status = model.ReferralCodeStatus(status)
	return &c, nil
}

// ---- codes ----

type CodeRepo struct{ db *DB }

func NewReferralCodeRepo(db *DB) *CodeRepo { return &CodeRepo{db: db} }

func (r *CodeRepo) Create(ctx context.Context, tx repository.Tx, c *model.ReferralCode) error {
	q, err := r.db.executor(tx)
	if err != nil {
		return err
	}
	var maxUses any
	if c.MaxUses != nil {
		maxUses = *c.MaxUses
	}
	_, err = q.ExecContext(ctx, `INSERT INTO referral_codes (`+codeColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Code, c.OwnerUserID, formatTime(c.CreatedAt), formatTime(c.UpdatedAt),
		formatTimePtr(c.ExpiresAt), maxUses, c.UseCount, string(c.Status))
	if _, dup := uniqueViolation(err); dup {
		return domain.ErrAlreadyExists
	}
	return wrapErr("insert code", err)
}

func (r *CodeRepo) FindByCode(ctx context.Context, tx repository.Tx, code string) (*model.ReferralCode, error) {
	q, err := r.db.executor(tx)
	if err != nil {
		return nil, err
	}
	c, err := scanCode(q.QueryRowContext(ctx, `SELECT `+codeColumns+` FROM referral_codes WHERE code = ?`, code))
	return c, wrapErr("find code", err)
}

func (r *CodeRepo) FindActiveByOwner(ctx context.Context, tx repository.Tx, ownerUserID string) (*model.ReferralCode, error) {
	q, err := r.db.executor(tx)
	if err != nil {
		return nil, err
	}
	c, err := scanCode(q.QueryRowContext(ctx,
		`SELECT `+codeColumns+` FROM referral_codes WHERE owner_user_id = ? AND status = 'ACTIVE'`, ownerUserID))
	return c, wrapErr("find active code", err)
}

func (r *CodeRepo) ListByOwner(ctx context.Context, tx repository.Tx, ownerUserID string) ([]*model.ReferralCode, error) {
	q, err := r.db.executor(tx)
	if err != nil {
		return nil, err
	}
	rows, err := q.QueryContext(ctx,
		`SELECT `+codeColumns+` FROM referral_codes WHERE owner_user_id = ? ORDER BY created_at DESC`, ownerUserID)
	if err != nil {
		return nil, wrapErr("list codes", err)
	}
	defer rows.Close()

	var out []*model.ReferralCode
	for rows.Next() {
		c, err := scanCode(rows)
		if err != nil {
			return nil, wrapErr("scan code", err)
		}
		out = append(out, c)
	}
	return out, wrapErr("list codes", rows.Err())
}

func (r *CodeRepo) Exists(ctx context.Context, tx repository.Tx, code string) (bool, error) {
	q, err := r.db.executor(tx)
	if err != nil {
		return false, err
	}
	var n int
	err = q.QueryRowContext(ctx, `SELECT COUNT(1) FROM referral_codes WHERE code = ?`, code).Scan(&n)
	return n > 0, wrapErr("code exists", err)
}

func (r *CodeRepo) TransitionStatus(ctx context.Context, tx repository.Tx, code string, from, to model.ReferralCodeStatus, now time.Time) (bool, error) {
	q, err := r.db.executor(tx)
	if err != nil {
		return false, err
	}
	res, err := q.ExecContext(ctx, `UPDATE referral_codes SET status = ?, updated_at = ? WHERE code = ? AND status = ?`,
		string(to), formatTime(now), code, string(from))
	if err != nil {
		return false, wrapErr("transition status", err)
	}
	n, err := res.RowsAffected()
	return n == 1, wrapErr("transition status", err)
}

func (r *CodeRepo) ExpireOverdue(ctx context.Context, tx repository.Tx, now time.Time) (int, error) {
	q, err := r.db.executor(tx)
	if err != nil {
		return 0, err
	}
	ts := formatTime(now)
	res, err := q.ExecContext(ctx, `
		UPDATE referral_codes SET status = 'EXPIRED', updated_at = ?
		 WHERE status = 'ACTIVE' AND expires_at IS NOT NULL AND expires_at < ?`, ts, ts)
	if err != nil {
		return 0, wrapErr("expire overdue", err)
	}
	n, err := res.RowsAffected()
	return int(n), wrapErr("expire overdue", err)
}

func (r *CodeRepo) DeleteInactive(ctx context.Context, tx repository.Tx, cutoff time.Time) (int, error) {
	q, err := r.db.executor(tx)
	if err != nil {
		return 0, err
	}
	res, err := q.ExecContext(ctx, `
		DELETE FROM referral_codes
		 WHERE status IN ('EXPIRED', 'EXHAUSTED')
		   AND updated_at < ?
		   AND NOT EXISTS (
		       SELECT 1 FROM referral_redemptions r
		        WHERE r.referral_code = referral_codes.code AND r.settled_at IS NULL
		   )`, formatTime(cutoff))
	if err != nil {
		return 0, wrapErr("delete inactive", err)
	}
	n, err := res.RowsAffected()
	return int(n), wrapErr("delete inactive", err)
}

func (r *CodeRepo) Count(ctx context.Context, tx repository.Tx) (int, error) {
	q, err := r.db.executor(tx)
	if err != nil {
		return 0, err
	}
	var n int
	err = q.QueryRowContext(ctx, `SELECT COUNT(*) FROM referral_codes`).Scan(&n)
	return n, wrapErr("count codes", err)
}

// ---- redemptions ----

type RedemptionRepo struct{ db *DB }

func NewRedemptionRepo(db *DB) *RedemptionRepo { return &RedemptionRepo{db: db} }

const redemptionColumns = `id, referral_code, owner_user_id, new_user_id, redeemed_at, metadata, points_owner, points_new_user, settled_at`

func scanRedemption(row rowScanner) (*model.ReferralRedemption, error) {
	var (
		red      model.ReferralRedemption
		redeemed string
		meta     string
		settled  sql.NullString
	)
	err := row.Scan(&red.ID, &red.ReferralCode, &red.OwnerUserID, &red.NewUserID, &redeemed, &meta,
		&red.PointsAwardedToOwner, &red.PointsAwardedToNewUser, &settled)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	if red.RedeemedAt, err = parseTime(redeemed); err != nil {
		return nil, err
	}
	if red.SettledAt, err = parseTimePtr(settled); err != nil {
		return nil, err
	}
	red.Metadata = map[string]string{}
	if meta != "" {
		if err := json.Unmarshal([]byte(meta), &red.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return &red, nil
}

// Record mirrors the Postgres statement pair inside one IMMEDIATE transaction.
func (r *RedemptionRepo) Record(ctx context.Context, tx repository.Tx, red *model.ReferralRedemption, now time.Time) (*model.ReferralCode, error) {
	meta, err := json.Marshal(red.Metadata)
	if err != nil {
		return nil, fmt.Errorf("%w: encode metadata: %v", domain.ErrInvalidArgument, err)
	}
	ts := formatTime(now)

	var updated *model.ReferralCode
	err = r.db.inTx(ctx, tx, func(q querier) error {
		c, err := scanCode(q.QueryRowContext(ctx, `
			UPDATE referral_codes
			   SET use_count = use_count + 1,
			       status = CASE WHEN max_uses IS NOT NULL AND use_count + 1 >= max_uses THEN 'EXHAUSTED' ELSE status END,
			       updated_at = ?
			 WHERE code = ?
			   AND status = 'ACTIVE'
			   AND (expires_at IS NULL OR expires_at >= ?)
			   AND (max_uses IS NULL OR use_count < max_uses)
			RETURNING `+codeColumns, ts, red.ReferralCode, ts))
		if errors.Is(err, domain.ErrNotFound) {
			cur, ferr := scanCode(q.QueryRowContext(ctx, `SELECT `+codeColumns+` FROM referral_codes WHERE code = ?`, red.ReferralCode))
			if errors.Is(ferr, domain.ErrNotFound) {
				return domain.ErrCodeNotFound
			}
			if ferr != nil {
				return wrapErr("reload code", ferr)
			}
			if reason := cur.Check(now); reason != "" {
				return reason.Err()
			}
			return fmt.Errorf("%w: increment on %s matched no row", domain.ErrStoreFailure, red.ReferralCode)
		}
		if err != nil {
			return wrapErr("increment use count", err)
		}

		_, err = q.ExecContext(ctx, `INSERT INTO referral_redemptions (`+redemptionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			red.ID, red.ReferralCode, red.OwnerUserID, red.NewUserID, formatTime(red.RedeemedAt), string(meta),
			red.PointsAwardedToOwner, red.PointsAwardedToNewUser, formatTimePtr(red.SettledAt))
		if msg, dup := uniqueViolation(err); dup && strings.Contains(msg, "new_user_id") {
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

func (r *RedemptionRepo) findOne(ctx context.Context, tx repository.Tx, where string, arg any) (*model.ReferralRedemption, error) {
	q, err := r.db.executor(tx)
	if err != nil {
		return nil, err
	}
	red, err := scanRedemption(q.QueryRowContext(ctx, `SELECT `+redemptionColumns+` FROM referral_redemptions WHERE `+where, arg))
	return red, wrapErr("find redemption", err)
}

func (r *RedemptionRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.ReferralRedemption, error) {
	return r.findOne(ctx, tx, `id = ?`, id)
}

func (r *RedemptionRepo) FindByNewUser(ctx context.Context, tx repository.Tx, newUserID string) (*model.ReferralRedemption, error) {
	return r.findOne(ctx, tx, `new_user_id = ?`, newUserID)
}

func (r *RedemptionRepo) list(ctx context.Context, tx repository.Tx, query string, args ...any) ([]*model.ReferralRedemption, error) {
	q, err := r.db.executor(tx)
	if err != nil {
		return nil, err
	}
	rows, err := q.QueryContext(ctx, query, args...)
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

func (r *RedemptionRepo) ListByOwner(ctx context.Context, tx repository.Tx, ownerUserID string) ([]*model.ReferralRedemption, error) {
	return r.list(ctx, tx, `SELECT `+redemptionColumns+` FROM referral_redemptions WHERE owner_user_id = ? ORDER BY id`, ownerUserID)
}

func (r *RedemptionRepo) ListUnsettled(ctx context.Context, tx repository.Tx, before time.Time, limit int) ([]*model.ReferralRedemption, error) {
	return r.list(ctx, tx, `
		SELECT `+redemptionColumns+` FROM referral_redemptions
		 WHERE settled_at IS NULL AND redeemed_at < ?
		 ORDER BY redeemed_at LIMIT ?`, formatTime(before), limit)
}

func (r *RedemptionRepo) CountByOwner(ctx context.Context, tx repository.Tx, ownerUserID string) (int, error) {
	q, err := r.db.executor(tx)
	if err != nil {
		return 0, err
	}
	var n int
	err = q.QueryRowContext(ctx, `SELECT COUNT(*) FROM referral_redemptions WHERE owner_user_id = ?`, ownerUserID).Scan(&n)
	return n, wrapErr("count owner redemptions", err)
}

func (r *RedemptionRepo) Count(ctx context.Context, tx repository.Tx) (int, error) {
	q, err := r.db.executor(tx)
	if err != nil {
		return 0, err
	}
	var n int
	err = q.QueryRowContext(ctx, `SELECT COUNT(*) FROM referral_redemptions`).Scan(&n)
	return n, wrapErr("count redemptions", err)
}

func (r *RedemptionRepo) TopReferrers(ctx context.Context, tx repository.Tx, limit int) ([]model.TopReferrer, error) {
	q, err := r.db.executor(tx)
	if err != nil {
		return nil, err
	}
	rows, err := q.QueryContext(ctx, `
		SELECT owner_user_id,
		       COUNT(*) AS redemptions,
		       COALESCE(SUM(CASE WHEN settled_at IS NOT NULL THEN points_owner ELSE 0 END), 0) AS points
		  FROM referral_redemptions
		 GROUP BY owner_user_id
		 ORDER BY redemptions DESC, points DESC, owner_user_id
		 LIMIT ?`, limit)
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

func (r *RedemptionRepo) MarkSettled(ctx context.Context, tx repository.Tx, id string, at time.Time) error {
	q, err := r.db.executor(tx)
	if err != nil {
		return err
	}
	res, err := q.ExecContext(ctx, `UPDATE referral_redemptions SET settled_at = COALESCE(settled_at, ?) WHERE id = ?`, formatTime(at), id)
	if err != nil {
		return wrapErr("mark settled", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapErr("mark settled", err)
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

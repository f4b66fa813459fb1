package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"tablebook-referrals/internal/domain"
	"tablebook-referrals/internal/domain/model"
	"tablebook-referrals/internal/domain/ports/repository"
)

// Ensure implementation satisfies the interface.
var _ repository.ReferralCodeRepository = (*referralCodeRepo)(nil)

type referralCodeRepo struct {
	pool *pgxpool.Pool
}

func NewReferralCodeRepo(pool *pgxpool.Pool) *referralCodeRepo {
	return &referralCodeRepo{pool: pool}
}

const codeColumns = `id, code, owner_user_id, created_at, updated_at, expires_at, max_uses, use_count, status`

func scanCode(row pgx.Row) (*model.ReferralCode, error) {
	var (
		c       model.ReferralCode
		maxUses *int32
		status  string
	)
	err := row.Scan(&c.ID, &c.Code, &c.OwnerUserID, &c.CreatedAt, &c.UpdatedAt, &c.ExpiresAt, &maxUses, &c.UseCount, &status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	if maxUses != nil {
		n := int(*maxUses)
		c.MaxUses = &n
	}
	c.Status = model.ReferralCodeStatus(status)
	return &c, nil
}

func findCode(ctx context.Context, q querier, code string) (*model.ReferralCode, error) {
	return scanCode(q.QueryRow(ctx, `SELECT `+codeColumns+` FROM referral_codes WHERE code = $1`, code))
}

// Create relies on the table's unique constraints: the code column and the
// partial index on ACTIVE owners both map to ErrAlreadyExists.
func (r *referralCodeRepo) Create(ctx context.Context, tx repository.Tx, c *model.ReferralCode) error {
	q, err := getExecutor(r.pool, tx)
	if err != nil {
		return err
	}
	var maxUses *int32
	if c.MaxUses != nil {
		n := int32(*c.MaxUses)
		maxUses = &n
	}
	_, err = q.Exec(ctx, `
INSERT INTO referral_codes (`+codeColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		c.ID, c.Code, c.OwnerUserID, c.CreatedAt, c.UpdatedAt, c.ExpiresAt, maxUses, c.UseCount, string(c.Status),
	)
	if _, dup := uniqueViolationOn(err); dup {
		return domain.ErrAlreadyExists
	}
	return wrapErr("insert code", err)
}

func (r *referralCodeRepo) FindByCode(ctx context.Context, tx repository.Tx, code string) (*model.ReferralCode, error) {
	q, err := getExecutor(r.pool, tx)
	if err != nil {
		return nil, err
	}
	c, err := findCode(ctx, q, code)
	return c, wrapErr("find code", err)
}

func (r *referralCodeRepo) FindActiveByOwner(ctx context.Context, tx repository.Tx, ownerUserID string) (*model.ReferralCode, error) {
	q, err := getExecutor(r.pool, tx)
	if err != nil {
		return nil, err
	}
	c, err := scanCode(q.QueryRow(ctx,
		`SELECT `+codeColumns+` FROM referral_codes WHERE owner_user_id = $1 AND status = 'ACTIVE'`, ownerUserID))
	return c, wrapErr("find active code", err)
}

func (r *referralCodeRepo) ListByOwner(ctx context.Context, tx repository.Tx, ownerUserID string) ([]*model.ReferralCode, error) {
	q, err := getExecutor(r.pool, tx)
	if err != nil {
		return nil, err
	}
	rows, err := q.Query(ctx,
		`SELECT `+codeColumns+` FROM referral_codes WHERE owner_user_id = $1 ORDER BY created_at DESC`, ownerUserID)
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

func (r *referralCodeRepo) Exists(ctx context.Context, tx repository.Tx, code string) (bool, error) {
	q, err := getExecutor(r.pool, tx)
	if err != nil {
		return false, err
	}
	var ok bool
	err = q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM referral_codes WHERE code = $1)`, code).Scan(&ok)
	return ok, wrapErr("code exists", err)
}

func (r *referralCodeRepo) TransitionStatus(ctx context.Context, tx repository.Tx, code string, from, to model.ReferralCodeStatus, now time.Time) (bool, error) {
	q, err := getExecutor(r.pool, tx)
	if err != nil {
		return false, err
	}
	tag, err := q.Exec(ctx,
		`UPDATE referral_codes SET status = $3, updated_at = $4 WHERE code = $1 AND status = $2`,
		code, string(from), string(to), now)
	if err != nil {
		return false, wrapErr("transition status", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *referralCodeRepo) ExpireOverdue(ctx context.Context, tx repository.Tx, now time.Time) (int, error) {
	q, err := getExecutor(r.pool, tx)
	if err != nil {
		return 0, err
	}
	tag, err := q.Exec(ctx, `
UPDATE referral_codes
   SET status = 'EXPIRED', updated_at = $1
 WHERE status = 'ACTIVE' AND expires_at IS NOT NULL AND expires_at < $1`, now)
	if err != nil {
		return 0, wrapErr("expire overdue", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *referralCodeRepo) DeleteInactive(ctx context.Context, tx repository.Tx, cutoff time.Time) (int, error) {
	q, err := getExecutor(r.pool, tx)
	if err != nil {
		return 0, err
	}
	tag, err := q.Exec(ctx, `
DELETE FROM referral_codes c
 WHERE c.status IN ('EXPIRED', 'EXHAUSTED')
   AND c.updated_at < $1
   AND NOT EXISTS (
       SELECT 1 FROM referral_redemptions r
        WHERE r.referral_code = c.code AND r.settled_at IS NULL
   )`, cutoff)
	if err != nil {
		return 0, wrapErr("delete inactive", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *referralCodeRepo) Count(ctx context.Context, tx repository.Tx) (int, error) {
	q, err := getExecutor(r.pool, tx)
	if err != nil {
		return 0, err
	}
	var n int
	err = q.QueryRow(ctx, `SELECT COUNT(*) FROM referral_codes`).Scan(&n)
	return n, wrapErr("count codes", err)
}

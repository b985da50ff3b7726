package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"circles/src/models"
)

const inviteColumns = `id, token_hash, circle_id, created_by, max_uses, use_count, expires_at, is_active, created_at`

type InviteRepo struct {
	pool *pgxpool.Pool
}

func NewInviteRepo(pool *pgxpool.Pool) *InviteRepo {
	return &InviteRepo{pool: pool}
}

func (r *InviteRepo) InsertInvite(ctx context.Context, invite models.InviteToken) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO invite_tokens (`+inviteColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, invite.ID, invite.TokenHash, invite.CircleID, invite.CreatedBy, invite.MaxUses,
		invite.UseCount, invite.ExpiresAt, invite.IsActive, invite.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert invite token: %w", err)
	}
	return nil
}

func scanInvite(row pgx.Row) (models.InviteToken, error) {
	var t models.InviteToken
	err := row.Scan(&t.ID, &t.TokenHash, &t.CircleID, &t.CreatedBy, &t.MaxUses,
		&t.UseCount, &t.ExpiresAt, &t.IsActive, &t.CreatedAt)
	return t, err
}

func (r *InviteRepo) GetInvite(ctx context.Context, inviteID string) (models.InviteToken, error) {
	t, err := scanInvite(r.pool.QueryRow(ctx, `
		SELECT `+inviteColumns+` FROM invite_tokens WHERE id = $1
	`, inviteID))
	if err != nil {
		return models.InviteToken{}, notFoundOr(err, "scan invite token")
	}
	return t, nil
}

func (r *InviteRepo) GetInviteByHash(ctx context.Context, tokenHash string) (models.InviteToken, error) {
	t, err := scanInvite(r.pool.QueryRow(ctx, `
		SELECT `+inviteColumns+` FROM invite_tokens WHERE token_hash = $1
	`, tokenHash))
	if err != nil {
		return models.InviteToken{}, notFoundOr(err, "scan invite token")
	}
	return t, nil
}

func (r *InviteRepo) ListInvites(ctx context.Context, circleID string) ([]models.InviteToken, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+inviteColumns+`
		FROM invite_tokens
		WHERE circle_id = $1
		ORDER BY created_at DESC
	`, circleID)
	if err != nil {
		return nil, fmt.Errorf("query invite tokens: %w", err)
	}
	defer rows.Close()

	invites := make([]models.InviteToken, 0)
	for rows.Next() {
		t, err := scanInvite(rows)
		if err != nil {
			return nil, fmt.Errorf("scan invite token row: %w", err)
		}
		invites = append(invites, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate invite tokens: %w", err)
	}
	return invites, nil
}

func (r *InviteRepo) DeactivateInvite(ctx context.Context, inviteID string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE invite_tokens SET is_active = FALSE WHERE id = $1`, inviteID)
	if err != nil {
		return fmt.Errorf("deactivate invite token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *InviteRepo) RedeemInvite(ctx context.Context, tokenHash string, m models.Membership, now time.Time) (models.Membership, error) {
	var admitted models.Membership
	err := inTx(ctx, r.pool, func(tx pgx.Tx) error {
		var circleID string
		err := tx.QueryRow(ctx, `
			UPDATE invite_tokens t
			SET use_count = t.use_count + 1
			FROM circles c
			WHERE t.token_hash = $1
			  AND c.id = t.circle_id
			  AND NOT c.is_deleted
			  AND t.is_active
			  AND t.expires_at > $2
			  AND t.use_count < t.max_uses
			RETURNING t.circle_id
		`, tokenHash, now).Scan(&circleID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrConditionFailed
			}
			return fmt.Errorf("claim invite use: %w", err)
		}

		row := tx.QueryRow(ctx, `
			INSERT INTO memberships (`+membershipColumns+`)
			VALUES ($1, $2, $3, 'accepted', $4, $5)
			ON CONFLICT (circle_id, user_id) DO UPDATE
			SET invite_status = 'accepted',
				joined_at = EXCLUDED.joined_at
			WHERE memberships.invite_status = 'pending'
			RETURNING `+membershipColumns,
			circleID, m.UserID, m.Role, m.InvitedBy, m.JoinedAt)
		admitted, err = scanMembership(row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrConflict
			}
			return fmt.Errorf("admit member: %w", err)
		}
		return nil
	})
	if err != nil {
		return models.Membership{}, err
	}
	return admitted, nil
}

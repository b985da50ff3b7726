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

const membershipColumns = `circle_id, user_id, role, invite_status, invited_by, joined_at`

type CircleRepo struct {
	pool *pgxpool.Pool
}

func NewCircleRepo(pool *pgxpool.Pool) *CircleRepo {
	return &CircleRepo{pool: pool}
}

func (r *CircleRepo) InsertCircle(ctx context.Context, circle models.Circle) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO circles (id, name, description, created_by, is_private, is_deleted, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, circle.ID, circle.Name, circle.Description, circle.CreatedBy,
		circle.IsPrivate, circle.IsDeleted, circle.CreatedAt, circle.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert circle: %w", err)
	}
	return nil
}

func (r *CircleRepo) DeleteCircleRow(ctx context.Context, circleID string) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM circles WHERE id = $1`, circleID); err != nil {
		return fmt.Errorf("delete circle row: %w", err)
	}
	return nil
}

func (r *CircleRepo) GetCircle(ctx context.Context, circleID string) (models.Circle, error) {
	return getCircle(ctx, r.pool, circleID, false)
}

func getCircle(ctx context.Context, q queryer, circleID string, forUpdate bool) (models.Circle, error) {
	sql := `
		SELECT id, name, description, created_by, is_private, is_deleted, created_at, updated_at
		FROM circles
		WHERE id = $1
	`
	if forUpdate {
		sql += " FOR UPDATE"
	}
	var c models.Circle
	err := q.QueryRow(ctx, sql, circleID).Scan(&c.ID, &c.Name, &c.Description, &c.CreatedBy,
		&c.IsPrivate, &c.IsDeleted, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return models.Circle{}, notFoundOr(err, "scan circle")
	}
	return c, nil
}

func (r *CircleRepo) InsertMembership(ctx context.Context, m models.Membership) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO memberships (`+membershipColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, m.CircleID, m.UserID, m.Role, m.InviteStatus, m.InvitedBy, m.JoinedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert membership: %w", err)
	}
	return nil
}

func (r *CircleRepo) GetMembership(ctx context.Context, circleID, userID string) (models.Membership, error) {
	return getMembership(ctx, r.pool, circleID, userID)
}

func getMembership(ctx context.Context, q queryer, circleID, userID string) (models.Membership, error) {
	row := q.QueryRow(ctx, `
		SELECT `+membershipColumns+`
		FROM memberships
		WHERE circle_id = $1 AND user_id = $2
	`, circleID, userID)
	m, err := scanMembership(row)
	if err != nil {
		return models.Membership{}, notFoundOr(err, "scan membership")
	}
	return m, nil
}

func scanMembership(row pgx.Row) (models.Membership, error) {
	var m models.Membership
	err := row.Scan(&m.CircleID, &m.UserID, &m.Role, &m.InviteStatus, &m.InvitedBy, &m.JoinedAt)
	return m, err
}

func (r *CircleRepo) ListMemberships(ctx context.Context, circleID string) ([]models.Membership, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+membershipColumns+`
		FROM memberships
		WHERE circle_id = $1
		ORDER BY joined_at ASC, user_id ASC
	`, circleID)
	if err != nil {
		return nil, fmt.Errorf("query memberships: %w", err)
	}
	defer rows.Close()

	members := make([]models.Membership, 0)
	for rows.Next() {
		m, err := scanMembership(rows)
		if err != nil {
			return nil, fmt.Errorf("scan membership row: %w", err)
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memberships: %w", err)
	}
	return members, nil
}

func (r *CircleRepo) CountGoverning(ctx context.Context, circleID string) (int, error) {
	return countGoverning(ctx, r.pool, circleID)
}

func countGoverning(ctx context.Context, q queryer, circleID string) (int, error) {
	var n int
	err := q.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM memberships
		WHERE circle_id = $1
		  AND role IN ('owner', 'admin')
		  AND invite_status = 'accepted'
	`, circleID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count governing members: %w", err)
	}
	return n, nil
}

func (r *CircleRepo) AcceptMembership(ctx context.Context, circleID, userID string, at time.Time) (models.Membership, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE memberships
		SET invite_status = 'accepted', joined_at = $3
		WHERE circle_id = $1 AND user_id = $2 AND invite_status = 'pending'
		RETURNING `+membershipColumns,
		circleID, userID, at)
	m, err := scanMembership(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Membership{}, ErrConditionFailed
		}
		return models.Membership{}, fmt.Errorf("accept membership: %w", err)
	}
	return m, nil
}

func (r *CircleRepo) SetRole(ctx context.Context, circleID, userID string, role models.Role) error {
	return setRole(ctx, r.pool, circleID, userID, role)
}

func setRole(ctx context.Context, q queryer, circleID, userID string, role models.Role) error {
	if role == models.RoleOwner {
		return ErrConditionFailed
	}
	var current models.Role
	err := q.QueryRow(ctx, `
		SELECT role FROM memberships WHERE circle_id = $1 AND user_id = $2
	`, circleID, userID).Scan(&current)
	if err != nil {
		return notFoundOr(err, "load membership role")
	}
	if current == models.RoleOwner {
		return ErrConditionFailed
	}
	if _, err := q.Exec(ctx, `
		UPDATE memberships SET role = $3
		WHERE circle_id = $1 AND user_id = $2 AND role <> 'owner'
	`, circleID, userID, role); err != nil {
		return fmt.Errorf("set membership role: %w", err)
	}
	return nil
}

func (r *CircleRepo) RemoveMembership(ctx context.Context, circleID, userID string) error {
	return removeMembership(ctx, r.pool, circleID, userID)
}

func removeMembership(ctx context.Context, q queryer, circleID, userID string) error {
	tag, err := q.Exec(ctx, `
		DELETE FROM memberships
		WHERE circle_id = $1 AND user_id = $2 AND role <> 'owner'
	`, circleID, userID)
	if err != nil {
		return fmt.Errorf("remove membership: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	// Nothing deleted: either already gone, or the row is the owner.
	m, err := getMembership(ctx, q, circleID, userID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if m.Role == models.RoleOwner {
		return ErrConditionFailed
	}
	return nil
}

func (r *CircleRepo) WithCircleLock(ctx context.Context, circleID string, fn func(CircleTx) error) error {
	return inTx(ctx, r.pool, func(tx pgx.Tx) error {
		circle, err := getCircle(ctx, tx, circleID, true)
		if err != nil {
			return err
		}
		// Lock governing rows so a concurrent demotion waits for us.
		if _, err := tx.Exec(ctx, `
			SELECT 1 FROM memberships
			WHERE circle_id = $1 AND role IN ('owner', 'admin')
			FOR UPDATE
		`, circleID); err != nil {
			return fmt.Errorf("lock governing members: %w", err)
		}
		return fn(&pgCircleTx{tx: tx, circle: circle})
	})
}

type pgCircleTx struct {
	tx     pgx.Tx
	circle models.Circle
}

func (t *pgCircleTx) Circle() models.Circle { return t.circle }

func (t *pgCircleTx) CountGoverning(ctx context.Context) (int, error) {
	return countGoverning(ctx, t.tx, t.circle.ID)
}

func (t *pgCircleTx) HasPassedVote(ctx context.Context, voteType models.VoteType) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM votes
			WHERE circle_id = $1 AND vote_type = $2 AND status = 'passed'
		)
	`, t.circle.ID, voteType).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("scan passed vote existence: %w", err)
	}
	return exists, nil
}

func (t *pgCircleTx) MarkDeleted(ctx context.Context, at time.Time) error {
	if _, err := t.tx.Exec(ctx, `
		UPDATE circles SET is_deleted = TRUE, updated_at = $2 WHERE id = $1
	`, t.circle.ID, at); err != nil {
		return fmt.Errorf("mark circle deleted: %w", err)
	}
	if _, err := t.tx.Exec(ctx, `DELETE FROM memberships WHERE circle_id = $1`, t.circle.ID); err != nil {
		return fmt.Errorf("delete circle memberships: %w", err)
	}
	if _, err := t.tx.Exec(ctx, `
		UPDATE invite_tokens SET is_active = FALSE WHERE circle_id = $1
	`, t.circle.ID); err != nil {
		return fmt.Errorf("deactivate circle invites: %w", err)
	}
	t.circle.IsDeleted = true
	t.circle.UpdatedAt = at
	return nil
}

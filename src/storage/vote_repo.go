package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"circles/src/models"
)

const voteColumns = `id, circle_id, vote_type, target_user_id, initiated_by, status,
	yes_count, no_count, quorum, expires_at, created_at, resolved_at`

type VoteRepo struct {
	pool *pgxpool.Pool
}

func NewVoteRepo(pool *pgxpool.Pool) *VoteRepo {
	return &VoteRepo{pool: pool}
}

func (r *VoteRepo) InsertVote(ctx context.Context, v models.Vote) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO votes (`+voteColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, v.ID, v.CircleID, v.VoteType, nullable(v.TargetUserID), v.InitiatedBy, v.Status,
		v.YesCount, v.NoCount, v.Quorum, v.ExpiresAt, v.CreatedAt, v.ResolvedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert vote: %w", err)
	}
	return nil
}

func scanVote(row pgx.Row) (models.Vote, error) {
	var v models.Vote
	var target *string
	err := row.Scan(&v.ID, &v.CircleID, &v.VoteType, &target, &v.InitiatedBy, &v.Status,
		&v.YesCount, &v.NoCount, &v.Quorum, &v.ExpiresAt, &v.CreatedAt, &v.ResolvedAt)
	v.TargetUserID = deref(target)
	return v, err
}

func (r *VoteRepo) GetVote(ctx context.Context, voteID string) (models.Vote, error) {
	v, err := scanVote(r.pool.QueryRow(ctx, `SELECT `+voteColumns+` FROM votes WHERE id = $1`, voteID))
	if err != nil {
		return models.Vote{}, notFoundOr(err, "scan vote")
	}
	return v, nil
}

func (r *VoteRepo) ListVotes(ctx context.Context, circleID string) ([]models.Vote, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+voteColumns+`
		FROM votes
		WHERE circle_id = $1
		ORDER BY created_at DESC
	`, circleID)
	if err != nil {
		return nil, fmt.Errorf("query votes: %w", err)
	}
	defer rows.Close()

	votes := make([]models.Vote, 0)
	for rows.Next() {
		v, err := scanVote(rows)
		if err != nil {
			return nil, fmt.Errorf("scan vote row: %w", err)
		}
		votes = append(votes, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate votes: %w", err)
	}
	return votes, nil
}

func (r *VoteRepo) FindActiveVote(ctx context.Context, circleID string, voteType models.VoteType, targetUserID string) (models.Vote, error) {
	v, err := scanVote(r.pool.QueryRow(ctx, `
		SELECT `+voteColumns+`
		FROM votes
		WHERE circle_id = $1
		  AND vote_type = $2
		  AND COALESCE(target_user_id, '') = $3
		  AND status = 'active'
	`, circleID, voteType, targetUserID))
	if err != nil {
		return models.Vote{}, notFoundOr(err, "scan active vote")
	}
	return v, nil
}

func (r *VoteRepo) ExpireVote(ctx context.Context, voteID string, at time.Time) (models.Vote, error) {
	if _, err := r.pool.Exec(ctx, `
		UPDATE votes SET status = 'expired', resolved_at = $2
		WHERE id = $1 AND status = 'active'
	`, voteID, at); err != nil {
		return models.Vote{}, fmt.Errorf("expire vote: %w", err)
	}
	return r.GetVote(ctx, voteID)
}

func (r *VoteRepo) ExpireDueVotes(ctx context.Context, circleID string, now time.Time) (int, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE votes SET status = 'expired', resolved_at = $2
		WHERE circle_id = $1 AND status = 'active' AND expires_at <= $2
	`, circleID, now)
	if err != nil {
		return 0, fmt.Errorf("expire due votes: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *VoteRepo) HasBallot(ctx context.Context, voteID, userID string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM ballots WHERE vote_id = $1 AND user_id = $2)
	`, voteID, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("scan ballot existence: %w", err)
	}
	return exists, nil
}

func (r *VoteRepo) ListBallots(ctx context.Context, voteID string) ([]models.Ballot, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT vote_id, user_id, choice, created_at
		FROM ballots
		WHERE vote_id = $1
		ORDER BY created_at ASC, user_id ASC
	`, voteID)
	if err != nil {
		return nil, fmt.Errorf("query ballots: %w", err)
	}
	defer rows.Close()

	ballots := make([]models.Ballot, 0)
	for rows.Next() {
		var b models.Ballot
		if err := rows.Scan(&b.VoteID, &b.UserID, &b.Choice, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ballot row: %w", err)
		}
		ballots = append(ballots, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ballots: %w", err)
	}
	return ballots, nil
}

func (r *VoteRepo) WithVoteLock(ctx context.Context, voteID string, fn func(VoteTx) error) error {
	return inTx(ctx, r.pool, func(tx pgx.Tx) error {
		v, err := scanVote(tx.QueryRow(ctx, `
			SELECT `+voteColumns+` FROM votes WHERE id = $1 FOR UPDATE
		`, voteID))
		if err != nil {
			return notFoundOr(err, "lock vote")
		}
		return fn(&pgVoteTx{tx: tx, vote: v})
	})
}

type pgVoteTx struct {
	tx   pgx.Tx
	vote models.Vote
}

func (t *pgVoteTx) Vote() models.Vote { return t.vote }

func (t *pgVoteTx) GetMembership(ctx context.Context, userID string) (models.Membership, error) {
	return getMembership(ctx, t.tx, t.vote.CircleID, userID)
}

func (t *pgVoteTx) InsertBallot(ctx context.Context, b models.Ballot) error {
	// A savepoint keeps the outer transaction usable after a unique violation.
	sp, err := t.tx.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin ballot savepoint: %w", err)
	}
	if _, err := sp.Exec(ctx, `
		INSERT INTO ballots (vote_id, user_id, choice, created_at)
		VALUES ($1, $2, $3, $4)
	`, b.VoteID, b.UserID, b.Choice, b.CreatedAt); err != nil {
		_ = sp.Rollback(ctx)
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert ballot: %w", err)
	}
	return sp.Commit(ctx)
}

func (t *pgVoteTx) CountGoverning(ctx context.Context) (int, error) {
	return countGoverning(ctx, t.tx, t.vote.CircleID)
}

func (t *pgVoteTx) CountBallots(ctx context.Context) (int, int, error) {
	var yes, no int
	err := t.tx.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE choice = 'yes'),
			COUNT(*) FILTER (WHERE choice = 'no')
		FROM ballots
		WHERE vote_id = $1
	`, t.vote.ID).Scan(&yes, &no)
	if err != nil {
		return 0, 0, fmt.Errorf("count ballots: %w", err)
	}
	return yes, no, nil
}

func (t *pgVoteTx) UpdateVote(ctx context.Context, v models.Vote) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE votes
		SET status = $2, yes_count = $3, no_count = $4, quorum = $5, resolved_at = $6
		WHERE id = $1
	`, v.ID, v.Status, v.YesCount, v.NoCount, v.Quorum, v.ResolvedAt)
	if err != nil {
		return fmt.Errorf("update vote: %w", err)
	}
	t.vote = v
	return nil
}

func (t *pgVoteTx) SetRole(ctx context.Context, userID string, role models.Role) error {
	return setRole(ctx, t.tx, t.vote.CircleID, userID, role)
}

func (t *pgVoteTx) RemoveMembership(ctx context.Context, userID string) error {
	return removeMembership(ctx, t.tx, t.vote.CircleID, userID)
}

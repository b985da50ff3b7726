package storage

import (
	"context"
	"errors"
	"time"

	"circles/src/models"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict reports a uniqueness violation.
	ErrConflict = errors.New("conflict")
	// ErrConditionFailed reports a conditional write that matched no row.
	ErrConditionFailed = errors.New("condition failed")
)

// CircleRepository owns circle and membership rows.
type CircleRepository interface {
	InsertCircle(ctx context.Context, circle models.Circle) error
	// DeleteCircleRow hard-deletes a circle row. It exists only to compensate
	// a circle whose owner membership could not be written.
	DeleteCircleRow(ctx context.Context, circleID string) error
	GetCircle(ctx context.Context, circleID string) (models.Circle, error)

	InsertMembership(ctx context.Context, membership models.Membership) error
	GetMembership(ctx context.Context, circleID, userID string) (models.Membership, error)
	ListMemberships(ctx context.Context, circleID string) ([]models.Membership, error)
	CountGoverning(ctx context.Context, circleID string) (int, error)
	AcceptMembership(ctx context.Context, circleID, userID string, at time.Time) (models.Membership, error)
	// SetRole never changes an owner row; it returns ErrConditionFailed for one.
	SetRole(ctx context.Context, circleID, userID string, role models.Role) error
	// RemoveMembership is idempotent for absent rows and refuses owner rows.
	RemoveMembership(ctx context.Context, circleID, userID string) error

	WithCircleLock(ctx context.Context, circleID string, fn func(CircleTx) error) error
}

// CircleTx is the unit of work held while a circle is deleted. Governing
// memberships are locked for its duration.
type CircleTx interface {
	Circle() models.Circle
	CountGoverning(ctx context.Context) (int, error)
	HasPassedVote(ctx context.Context, voteType models.VoteType) (bool, error)
	MarkDeleted(ctx context.Context, at time.Time) error
}

type InviteRepository interface {
	InsertInvite(ctx context.Context, invite models.InviteToken) error
	GetInvite(ctx context.Context, inviteID string) (models.InviteToken, error)
	GetInviteByHash(ctx context.Context, tokenHash string) (models.InviteToken, error)
	ListInvites(ctx context.Context, circleID string) ([]models.InviteToken, error)
	DeactivateInvite(ctx context.Context, inviteID string) error
	// RedeemInvite claims one use of the token with a compare-and-set on
	// use_count and admits the member in the same transaction. It returns
	// ErrConditionFailed when the token is no longer redeemable and
	// ErrConflict when the user is already an accepted member.
	RedeemInvite(ctx context.Context, tokenHash string, membership models.Membership, now time.Time) (models.Membership, error)
}

type VoteRepository interface {
	// InsertVote returns ErrConflict when an active vote already exists for
	// the same circle, vote type and target.
	InsertVote(ctx context.Context, vote models.Vote) error
	GetVote(ctx context.Context, voteID string) (models.Vote, error)
	ListVotes(ctx context.Context, circleID string) ([]models.Vote, error)
	FindActiveVote(ctx context.Context, circleID string, voteType models.VoteType, targetUserID string) (models.Vote, error)
	// ExpireVote moves an active vote to expired and returns the stored row.
	// Terminal votes are returned unchanged.
	ExpireVote(ctx context.Context, voteID string, at time.Time) (models.Vote, error)
	ExpireDueVotes(ctx context.Context, circleID string, now time.Time) (int, error)
	HasBallot(ctx context.Context, voteID, userID string) (bool, error)
	ListBallots(ctx context.Context, voteID string) ([]models.Ballot, error)

	// WithVoteLock runs fn while holding the single-writer lock of one vote.
	// Locks on different votes never contend. When fn returns an error every
	// write made through the VoteTx is discarded.
	WithVoteLock(ctx context.Context, voteID string, fn func(VoteTx) error) error
}

// VoteTx is the critical section scoped to a single vote.
type VoteTx interface {
	Vote() models.Vote
	GetMembership(ctx context.Context, userID string) (models.Membership, error)
	InsertBallot(ctx context.Context, ballot models.Ballot) error
	CountGoverning(ctx context.Context) (int, error)
	CountBallots(ctx context.Context) (yes int, no int, err error)
	UpdateVote(ctx context.Context, vote models.Vote) error
	SetRole(ctx context.Context, userID string, role models.Role) error
	RemoveMembership(ctx context.Context, userID string) error
}

package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"circles/src/apperr"
	"circles/src/lib"
	"circles/src/models"
	"circles/src/storage"
)

// VoteRequest carries the inputs of InitiateVote. ExpiresInDays of zero
// selects the configured default.
type VoteRequest struct {
	CircleID      string
	InitiatorID   string
	VoteType      models.VoteType
	TargetUserID  string
	ExpiresInDays int
}

// VoteEngine creates votes, accepts ballots, resolves votes and applies the
// resulting effect. Expiry is evaluated lazily whenever a vote is read.
type VoteEngine struct {
	votes             storage.VoteRepository
	circles           storage.CircleRepository
	guard             *Guard
	notifier          Notifier
	metrics           *lib.Metrics
	logger            *slog.Logger
	defaultExpiryDays int
	maxExpiryDays     int
	now               func() time.Time
}

func NewVoteEngine(
	votes storage.VoteRepository,
	circles storage.CircleRepository,
	guard *Guard,
	notifier Notifier,
	metrics *lib.Metrics,
	logger *slog.Logger,
	defaultExpiryDays int,
	maxExpiryDays int,
) *VoteEngine {
	return &VoteEngine{
		votes:             votes,
		circles:           circles,
		guard:             guard,
		notifier:          notifier,
		metrics:           metrics,
		logger:            logger,
		defaultExpiryDays: defaultExpiryDays,
		maxExpiryDays:     maxExpiryDays,
		now:               time.Now,
	}
}

func (e *VoteEngine) InitiateVote(ctx context.Context, req VoteRequest) (models.Vote, error) {
	if req.InitiatorID == "" {
		return models.Vote{}, apperr.Unauthenticated()
	}
	if !req.VoteType.Valid() {
		return models.Vote{}, apperr.Invalid("unknown vote type %q", req.VoteType)
	}
	req.TargetUserID = strings.TrimSpace(req.TargetUserID)
	days := req.ExpiresInDays
	if days == 0 {
		days = e.defaultExpiryDays
	}
	if days < 1 || days > e.maxExpiryDays {
		return models.Vote{}, apperr.Invalid("expires_in_days must be between 1 and %d", e.maxExpiryDays)
	}

	circle, err := e.circles.GetCircle(ctx, req.CircleID)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && circle.IsDeleted) {
		return models.Vote{}, apperr.NotFound("circle not found")
	}
	if err != nil {
		return models.Vote{}, fmt.Errorf("load circle: %w", err)
	}

	initiator, err := actingMembership(ctx, e.circles, req.CircleID, req.InitiatorID)
	if err != nil {
		return models.Vote{}, err
	}
	if err := e.guard.RequireAdminOrOwner(initiator); err != nil {
		return models.Vote{}, err
	}

	var target *models.Membership
	if req.VoteType.Targeted() {
		if req.TargetUserID == "" {
			return models.Vote{}, apperr.Invalid("%s requires target_user_id", req.VoteType)
		}
		m, err := acceptedMembership(ctx, e.circles, req.CircleID, req.TargetUserID)
		if err != nil {
			if apperr.KindOf(err) == apperr.KindNotFound {
				return models.Vote{}, apperr.NotFound("target is not a member of this circle")
			}
			return models.Vote{}, err
		}
		target = &m
	} else if req.TargetUserID != "" {
		return models.Vote{}, apperr.Invalid("%s does not take a target member", req.VoteType)
	}
	if err := e.guard.EligibleTarget(req.VoteType, target); err != nil {
		return models.Vote{}, err
	}

	now := e.now().UTC()
	// Votes past their deadline must not block a fresh one.
	if n, err := e.votes.ExpireDueVotes(ctx, req.CircleID, now); err != nil {
		return models.Vote{}, fmt.Errorf("expire due votes: %w", err)
	} else if n > 0 {
		e.metrics.Add("votes_expired_total", uint64(n))
	}

	if _, err := e.votes.FindActiveVote(ctx, req.CircleID, req.VoteType, req.TargetUserID); err == nil {
		return models.Vote{}, duplicateVote(req.VoteType)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return models.Vote{}, fmt.Errorf("find active vote: %w", err)
	}

	quorum, err := e.circles.CountGoverning(ctx, req.CircleID)
	if err != nil {
		return models.Vote{}, fmt.Errorf("count governing members: %w", err)
	}
	vote := models.Vote{
		ID:           uuid.NewString(),
		CircleID:     req.CircleID,
		VoteType:     req.VoteType,
		TargetUserID: req.TargetUserID,
		InitiatedBy:  req.InitiatorID,
		Status:       models.VoteActive,
		Quorum:       quorum,
		ExpiresAt:    now.AddDate(0, 0, days),
		CreatedAt:    now,
	}
	if err := e.votes.InsertVote(ctx, vote); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return models.Vote{}, duplicateVote(req.VoteType)
		}
		return models.Vote{}, fmt.Errorf("insert vote: %w", err)
	}

	e.metrics.Inc("votes_initiated_total")
	e.logger.Info("vote initiated", "vote_id", vote.ID, "circle_id", vote.CircleID, "type", vote.VoteType, "target", vote.TargetUserID)
	dispatchNotice(ctx, e.notifier, e.logger, e.metrics, models.Notice{
		Type:       models.NoticeVoteOpened,
		CircleID:   vote.CircleID,
		ActorID:    req.InitiatorID,
		Vote:       &vote,
		OccurredAt: now,
	})
	return vote, nil
}

func duplicateVote(voteType models.VoteType) error {
	return apperr.Conflict(apperr.CodeDuplicateVote, "an active %s vote already exists for this target", voteType)
}

func closedVoteError(v models.Vote) error {
	if v.Status == models.VoteExpired {
		return apperr.Closed(apperr.CodeVoteExpired, "vote expired")
	}
	return apperr.Closed(apperr.CodeVoteResolved, "vote already %s", v.Status)
}

// CastBallot records voterID's choice and resolves the vote when the live
// tally reaches a decision. Ballot insertion, tallying, resolution and the
// vote's effect all happen under the vote's own lock.
func (e *VoteEngine) CastBallot(ctx context.Context, voteID, voterID string, choice models.Choice) (models.Vote, error) {
	if voterID == "" {
		return models.Vote{}, apperr.Unauthenticated()
	}
	if !choice.Valid() {
		return models.Vote{}, apperr.Invalid("choice must be %q or %q", models.ChoiceYes, models.ChoiceNo)
	}

	vote, err := e.loadVote(ctx, voteID)
	if err != nil {
		return models.Vote{}, err
	}
	if vote.Status != models.VoteActive {
		return models.Vote{}, closedVoteError(vote)
	}

	voter, err := actingMembership(ctx, e.circles, vote.CircleID, voterID)
	if err != nil {
		return models.Vote{}, err
	}
	if err := e.guard.RequireAdminOrOwner(voter); err != nil {
		return models.Vote{}, err
	}
	if voted, err := e.votes.HasBallot(ctx, voteID, voterID); err != nil {
		return models.Vote{}, fmt.Errorf("check ballot: %w", err)
	} else if voted {
		return models.Vote{}, alreadyVoted()
	}

	var (
		result    models.Vote
		expiredIn bool
	)
	err = e.votes.WithVoteLock(ctx, voteID, func(tx storage.VoteTx) error {
		v := tx.Vote()
		now := e.now().UTC()
		if v.ExpiredAt(now) {
			v.Status = models.VoteExpired
			v.ResolvedAt = &now
			expiredIn = true
			result = v
			return tx.UpdateVote(ctx, v)
		}
		if v.Status != models.VoteActive {
			return closedVoteError(v)
		}

		m, err := tx.GetMembership(ctx, voterID)
		if errors.Is(err, storage.ErrNotFound) {
			return apperr.Forbidden("not a member of this circle")
		}
		if err != nil {
			return err
		}
		if err := e.guard.RequireAdminOrOwner(m); err != nil {
			return err
		}

		if err := tx.InsertBallot(ctx, models.Ballot{
			VoteID:    voteID,
			UserID:    voterID,
			Choice:    choice,
			CreatedAt: now,
		}); err != nil {
			if errors.Is(err, storage.ErrConflict) {
				return alreadyVoted()
			}
			return err
		}

		quorum, err := tx.CountGoverning(ctx)
		if err != nil {
			return err
		}
		yes, no, err := tx.CountBallots(ctx)
		if err != nil {
			return err
		}
		v.YesCount, v.NoCount, v.Quorum = yes, no, quorum
		v.Status = resolveTally(yes, no, quorum)
		if v.Status.Terminal() {
			v.ResolvedAt = &now
		}
		if v.Status == models.VotePassed {
			if err := applyVoteEffect(ctx, tx, v); err != nil {
				return err
			}
		}
		if err := tx.UpdateVote(ctx, v); err != nil {
			return err
		}
		result = v
		return nil
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return models.Vote{}, apperr.NotFound("vote not found")
		}
		if apperr.KindOf(err) != apperr.KindInternal {
			return models.Vote{}, err
		}
		return models.Vote{}, fmt.Errorf("cast ballot: %w", err)
	}
	if expiredIn {
		e.metrics.Inc("votes_expired_total")
		return models.Vote{}, closedVoteError(result)
	}

	e.metrics.Inc("ballots_cast_total")
	if result.Status.Terminal() {
		e.recordResolution(ctx, result, voterID)
	}
	return result, nil
}

func alreadyVoted() error {
	return apperr.Conflict(apperr.CodeDuplicateBallot, "already voted on this vote")
}

func (e *VoteEngine) recordResolution(ctx context.Context, v models.Vote, actorID string) {
	e.metrics.Inc("votes_" + string(v.Status) + "_total")
	e.logger.Info("vote resolved",
		"vote_id", v.ID, "circle_id", v.CircleID, "type", v.VoteType, "status", v.Status,
		"yes", v.YesCount, "no", v.NoCount, "quorum", v.Quorum)
	dispatchNotice(ctx, e.notifier, e.logger, e.metrics, models.Notice{
		Type:       models.NoticeVoteResolved,
		CircleID:   v.CircleID,
		ActorID:    actorID,
		Vote:       &v,
		OccurredAt: e.now().UTC(),
	})
}

// loadVote reads a vote and expires it first when its deadline has passed.
func (e *VoteEngine) loadVote(ctx context.Context, voteID string) (models.Vote, error) {
	vote, err := e.votes.GetVote(ctx, voteID)
	if errors.Is(err, storage.ErrNotFound) {
		return models.Vote{}, apperr.NotFound("vote not found")
	}
	if err != nil {
		return models.Vote{}, fmt.Errorf("load vote: %w", err)
	}
	now := e.now().UTC()
	if !vote.ExpiredAt(now) {
		return vote, nil
	}
	expired, err := e.votes.ExpireVote(ctx, voteID, now)
	if err != nil {
		return models.Vote{}, fmt.Errorf("expire vote: %w", err)
	}
	if expired.Status == models.VoteExpired {
		e.metrics.Inc("votes_expired_total")
	}
	return expired, nil
}

// GetVote returns a vote to a member of its circle.
func (e *VoteEngine) GetVote(ctx context.Context, voteID, actorID string) (models.Vote, error) {
	vote, err := e.loadVote(ctx, voteID)
	if err != nil {
		return models.Vote{}, err
	}
	if _, err := actingMembership(ctx, e.circles, vote.CircleID, actorID); err != nil {
		return models.Vote{}, err
	}
	return vote, nil
}

func (e *VoteEngine) ListVotes(ctx context.Context, circleID, actorID string) ([]models.Vote, error) {
	if _, err := actingMembership(ctx, e.circles, circleID, actorID); err != nil {
		return nil, err
	}
	if n, err := e.votes.ExpireDueVotes(ctx, circleID, e.now().UTC()); err != nil {
		return nil, fmt.Errorf("expire due votes: %w", err)
	} else if n > 0 {
		e.metrics.Add("votes_expired_total", uint64(n))
	}
	votes, err := e.votes.ListVotes(ctx, circleID)
	if err != nil {
		return nil, fmt.Errorf("list votes: %w", err)
	}
	return votes, nil
}

func (e *VoteEngine) ListBallots(ctx context.Context, voteID, actorID string) ([]models.Ballot, error) {
	vote, err := e.GetVote(ctx, voteID, actorID)
	if err != nil {
		return nil, err
	}
	ballots, err := e.votes.ListBallots(ctx, vote.ID)
	if err != nil {
		return nil, fmt.Errorf("list ballots: %w", err)
	}
	return ballots, nil
}

package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"circles/src/apperr"
	"circles/src/lib"
	"circles/src/models"
	"circles/src/storage"
)

const maxCircleNameLen = 100

// MembershipService owns circles and memberships. Every mutation it exposes
// is gated by the Guard.
type MembershipService struct {
	circles  storage.CircleRepository
	guard    *Guard
	notifier Notifier
	metrics  *lib.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

func NewMembershipService(
	circles storage.CircleRepository,
	guard *Guard,
	notifier Notifier,
	metrics *lib.Metrics,
	logger *slog.Logger,
) *MembershipService {
	return &MembershipService{
		circles:  circles,
		guard:    guard,
		notifier: notifier,
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
	}
}

// CreateCircle writes the circle and then its owner membership. A failed
// membership write deletes the circle again, so callers never observe a
// circle without an owner once this returns an error.
func (s *MembershipService) CreateCircle(ctx context.Context, ownerID, name, description string, isPrivate bool) (models.Circle, error) {
	if ownerID == "" {
		return models.Circle{}, apperr.Unauthenticated()
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return models.Circle{}, apperr.Invalid("circle name must not be empty")
	}
	if utf8.RuneCountInString(name) > maxCircleNameLen {
		return models.Circle{}, apperr.Invalid("circle name must be at most %d characters", maxCircleNameLen)
	}

	now := s.now().UTC()
	circle := models.Circle{
		ID:          uuid.NewString(),
		Name:        name,
		Description: strings.TrimSpace(description),
		CreatedBy:   ownerID,
		IsPrivate:   isPrivate,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.circles.InsertCircle(ctx, circle); err != nil {
		return models.Circle{}, fmt.Errorf("create circle: %w", err)
	}

	owner := models.Membership{
		CircleID:     circle.ID,
		UserID:       ownerID,
		Role:         models.RoleOwner,
		InviteStatus: models.InviteStatusAccepted,
		InvitedBy:    ownerID,
		JoinedAt:     now,
	}
	if err := s.circles.InsertMembership(ctx, owner); err != nil {
		s.metrics.Inc("circle_create_rollback_total")
		if rbErr := s.circles.DeleteCircleRow(ctx, circle.ID); rbErr != nil {
			s.logger.Error("circle rollback failed", "circle_id", circle.ID, "error", rbErr)
			return models.Circle{}, fmt.Errorf("create owner membership: %w (rollback: %v)", err, rbErr)
		}
		return models.Circle{}, fmt.Errorf("create owner membership: %w", err)
	}

	s.metrics.Inc("circles_created_total")
	s.logger.Info("circle created", "circle_id", circle.ID, "owner", ownerID)
	return circle, nil
}

// GetCircle returns a live circle. Private circles are visible to members only.
func (s *MembershipService) GetCircle(ctx context.Context, circleID, actorID string) (models.Circle, error) {
	circle, err := s.liveCircle(ctx, circleID)
	if err != nil {
		return models.Circle{}, err
	}
	if circle.IsPrivate {
		if _, err := s.GetMembership(ctx, circleID, actorID); err != nil {
			return models.Circle{}, apperr.NotFound("circle not found")
		}
	}
	return circle, nil
}

func (s *MembershipService) liveCircle(ctx context.Context, circleID string) (models.Circle, error) {
	circle, err := s.circles.GetCircle(ctx, circleID)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && circle.IsDeleted) {
		return models.Circle{}, apperr.NotFound("circle not found")
	}
	if err != nil {
		return models.Circle{}, fmt.Errorf("load circle: %w", err)
	}
	return circle, nil
}

// GetMembership returns the accepted membership of userID in circleID. Pending
// memberships are reported as not found.
func (s *MembershipService) GetMembership(ctx context.Context, circleID, userID string) (models.Membership, error) {
	return acceptedMembership(ctx, s.circles, circleID, userID)
}

func acceptedMembership(ctx context.Context, circles storage.CircleRepository, circleID, userID string) (models.Membership, error) {
	if userID == "" {
		return models.Membership{}, apperr.Unauthenticated()
	}
	m, err := circles.GetMembership(ctx, circleID, userID)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && !m.Accepted()) {
		return models.Membership{}, apperr.NotFound("membership not found")
	}
	if err != nil {
		return models.Membership{}, fmt.Errorf("load membership: %w", err)
	}
	return m, nil
}

// actingMembership resolves the caller's membership, reporting absence as an
// authorization failure rather than a missing resource.
func actingMembership(ctx context.Context, circles storage.CircleRepository, circleID, userID string) (models.Membership, error) {
	m, err := acceptedMembership(ctx, circles, circleID, userID)
	if apperr.KindOf(err) == apperr.KindNotFound {
		return models.Membership{}, apperr.Forbidden("not a member of this circle")
	}
	return m, err
}

func (s *MembershipService) ListMembers(ctx context.Context, circleID, actorID string) ([]models.Membership, error) {
	if _, err := s.liveCircle(ctx, circleID); err != nil {
		return nil, err
	}
	if _, err := actingMembership(ctx, s.circles, circleID, actorID); err != nil {
		return nil, err
	}
	members, err := s.circles.ListMemberships(ctx, circleID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	return members, nil
}

// SetRole and RemoveMembership are the raw mutations; callers outside this
// package reach them only through DirectSetRole/DirectRemoveMember or a
// resolved vote.
func (s *MembershipService) SetRole(ctx context.Context, circleID, userID string, role models.Role) error {
	err := s.circles.SetRole(ctx, circleID, userID, role)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return apperr.NotFound("membership not found")
	case errors.Is(err, storage.ErrConditionFailed):
		return apperr.Forbidden("the owner role cannot be changed")
	case err != nil:
		return fmt.Errorf("set role: %w", err)
	}
	return nil
}

func (s *MembershipService) RemoveMembership(ctx context.Context, circleID, userID string) error {
	err := s.circles.RemoveMembership(ctx, circleID, userID)
	switch {
	case errors.Is(err, storage.ErrConditionFailed):
		return apperr.Forbidden("the owner cannot be removed")
	case err != nil:
		return fmt.Errorf("remove membership: %w", err)
	}
	return nil
}

// directAction resolves actor and target for an unvoted governance action.
func (s *MembershipService) directAction(ctx context.Context, circleID, actorID, targetID string, voteType models.VoteType) error {
	if _, err := s.liveCircle(ctx, circleID); err != nil {
		return err
	}
	actor, err := actingMembership(ctx, s.circles, circleID, actorID)
	if err != nil {
		return err
	}
	if err := s.guard.RequireOwner(actor); err != nil {
		return err
	}
	target, err := acceptedMembership(ctx, s.circles, circleID, targetID)
	if err != nil {
		return err
	}
	if err := s.guard.EligibleTarget(voteType, &target); err != nil {
		return err
	}
	needsVote, err := s.guard.RequiresVote(ctx, circleID, actor.Role)
	if err != nil {
		return fmt.Errorf("check vote requirement: %w", err)
	}
	if needsVote {
		return apperr.Conflict(apperr.CodeVoteRequired, "%s requires a vote while more than one admin exists", voteType)
	}
	return nil
}

func (s *MembershipService) DirectSetRole(ctx context.Context, circleID, actorID, targetID string, role models.Role) error {
	voteType, err := voteTypeForRole(role)
	if err != nil {
		return err
	}
	if err := s.directAction(ctx, circleID, actorID, targetID, voteType); err != nil {
		return err
	}
	if err := s.SetRole(ctx, circleID, targetID, role); err != nil {
		return err
	}
	s.logger.Info("role changed directly", "circle_id", circleID, "actor", actorID, "target", targetID, "role", role)
	return nil
}

func (s *MembershipService) DirectRemoveMember(ctx context.Context, circleID, actorID, targetID string) error {
	if err := s.directAction(ctx, circleID, actorID, targetID, models.VoteRemoveMember); err != nil {
		return err
	}
	if err := s.RemoveMembership(ctx, circleID, targetID); err != nil {
		return err
	}
	s.logger.Info("member removed directly", "circle_id", circleID, "actor", actorID, "target", targetID)
	return nil
}

// InviteUser records a pending membership that the user later accepts.
func (s *MembershipService) InviteUser(ctx context.Context, circleID, inviterID, userID string) (models.Membership, error) {
	if _, err := s.liveCircle(ctx, circleID); err != nil {
		return models.Membership{}, err
	}
	inviter, err := actingMembership(ctx, s.circles, circleID, inviterID)
	if err != nil {
		return models.Membership{}, err
	}
	if err := s.guard.RequireAdminOrOwner(inviter); err != nil {
		return models.Membership{}, err
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return models.Membership{}, apperr.Invalid("user_id is required")
	}

	m := models.Membership{
		CircleID:     circleID,
		UserID:       userID,
		Role:         models.RoleMember,
		InviteStatus: models.InviteStatusPending,
		InvitedBy:    inviterID,
		JoinedAt:     s.now().UTC(),
	}
	if err := s.circles.InsertMembership(ctx, m); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return models.Membership{}, apperr.Conflict(apperr.CodeAlreadyMember, "user already belongs to or is invited to this circle")
		}
		return models.Membership{}, fmt.Errorf("invite user: %w", err)
	}
	return m, nil
}

func (s *MembershipService) AcceptInvitation(ctx context.Context, circleID, userID string) (models.Membership, error) {
	if userID == "" {
		return models.Membership{}, apperr.Unauthenticated()
	}
	if _, err := s.liveCircle(ctx, circleID); err != nil {
		return models.Membership{}, err
	}
	m, err := s.circles.AcceptMembership(ctx, circleID, userID, s.now().UTC())
	if errors.Is(err, storage.ErrConditionFailed) {
		if _, err := acceptedMembership(ctx, s.circles, circleID, userID); err == nil {
			return models.Membership{}, apperr.Conflict(apperr.CodeAlreadyMember, "already a member")
		}
		return models.Membership{}, apperr.NotFound("no pending invitation")
	}
	if err != nil {
		return models.Membership{}, fmt.Errorf("accept invitation: %w", err)
	}
	return m, nil
}

func (s *MembershipService) LeaveCircle(ctx context.Context, circleID, userID string) error {
	m, err := acceptedMembership(ctx, s.circles, circleID, userID)
	if err != nil {
		return err
	}
	if m.Role == models.RoleOwner {
		return apperr.Forbidden("the owner cannot leave the circle")
	}
	return s.RemoveMembership(ctx, circleID, userID)
}

// DeleteCircle soft-deletes a circle. When more than one governing member
// exists a passed delete_circle vote must be on record; both the vote
// requirement and the vote are re-checked under the circle lock.
func (s *MembershipService) DeleteCircle(ctx context.Context, circleID, actorID string) error {
	if _, err := s.liveCircle(ctx, circleID); err != nil {
		return err
	}
	actor, err := actingMembership(ctx, s.circles, circleID, actorID)
	if err != nil {
		return err
	}
	if err := s.guard.RequireOwner(actor); err != nil {
		return err
	}

	now := s.now().UTC()
	err = s.circles.WithCircleLock(ctx, circleID, func(tx storage.CircleTx) error {
		if tx.Circle().IsDeleted {
			return apperr.NotFound("circle not found")
		}
		governing, err := tx.CountGoverning(ctx)
		if err != nil {
			return err
		}
		if requiresVoteFor(governing) {
			passed, err := tx.HasPassedVote(ctx, models.VoteDeleteCircle)
			if err != nil {
				return err
			}
			if !passed {
				return apperr.Conflict(apperr.CodeVoteRequired, "deleting this circle requires a passed delete_circle vote")
			}
		}
		return tx.MarkDeleted(ctx, now)
	})
	if errors.Is(err, storage.ErrNotFound) {
		return apperr.NotFound("circle not found")
	}
	if err != nil {
		if apperr.KindOf(err) != apperr.KindInternal {
			return err
		}
		return fmt.Errorf("delete circle: %w", err)
	}

	s.logger.Info("circle deleted", "circle_id", circleID, "actor", actorID)
	dispatchNotice(ctx, s.notifier, s.logger, s.metrics, models.Notice{
		Type:       models.NoticeCircleDeleted,
		CircleID:   circleID,
		ActorID:    actorID,
		OccurredAt: now,
	})
	return nil
}

package services

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
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

const tokenBytes = 32

// InviteService issues, validates and redeems invite tokens.
type InviteService struct {
	invites           storage.InviteRepository
	circles           storage.CircleRepository
	guard             *Guard
	metrics           *lib.Metrics
	logger            *slog.Logger
	defaultExpiryDays int
	maxUses           int
	now               func() time.Time
}

func NewInviteService(
	invites storage.InviteRepository,
	circles storage.CircleRepository,
	guard *Guard,
	metrics *lib.Metrics,
	logger *slog.Logger,
	defaultExpiryDays int,
	maxUses int,
) *InviteService {
	return &InviteService{
		invites:           invites,
		circles:           circles,
		guard:             guard,
		metrics:           metrics,
		logger:            logger,
		defaultExpiryDays: defaultExpiryDays,
		maxUses:           maxUses,
		now:               time.Now,
	}
}

func newToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// CreateInvite issues a token for circleID. The plain token is only ever
// returned here.
func (s *InviteService) CreateInvite(ctx context.Context, circleID, actorID string, maxUses, expiresInDays int) (models.InviteToken, error) {
	circle, err := s.circles.GetCircle(ctx, circleID)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && circle.IsDeleted) {
		return models.InviteToken{}, apperr.NotFound("circle not found")
	}
	if err != nil {
		return models.InviteToken{}, fmt.Errorf("load circle: %w", err)
	}
	actor, err := actingMembership(ctx, s.circles, circleID, actorID)
	if err != nil {
		return models.InviteToken{}, err
	}
	if err := s.guard.RequireAdminOrOwner(actor); err != nil {
		return models.InviteToken{}, err
	}

	if maxUses < 1 || maxUses > s.maxUses {
		return models.InviteToken{}, apperr.Invalid("max_uses must be between 1 and %d", s.maxUses)
	}
	if expiresInDays == 0 {
		expiresInDays = s.defaultExpiryDays
	}
	if expiresInDays < 1 {
		return models.InviteToken{}, apperr.Invalid("expires_in_days must be positive")
	}

	token, err := newToken()
	if err != nil {
		return models.InviteToken{}, err
	}
	now := s.now().UTC()
	invite := models.InviteToken{
		ID:        uuid.NewString(),
		Token:     token,
		TokenHash: hashToken(token),
		CircleID:  circleID,
		CreatedBy: actorID,
		MaxUses:   maxUses,
		ExpiresAt: now.AddDate(0, 0, expiresInDays),
		IsActive:  true,
		CreatedAt: now,
	}
	if err := s.invites.InsertInvite(ctx, invite); err != nil {
		return models.InviteToken{}, fmt.Errorf("insert invite: %w", err)
	}
	s.metrics.Inc("invites_created_total")
	return invite, nil
}

// ValidateInvite reports whether token is redeemable and previews its circle.
// It has no side effects.
func (s *InviteService) ValidateInvite(ctx context.Context, token string) (models.InvitePreview, error) {
	invite, circle, err := s.check(ctx, token)
	if err != nil {
		return models.InvitePreview{}, err
	}
	members, err := s.circles.ListMemberships(ctx, circle.ID)
	if err != nil {
		return models.InvitePreview{}, fmt.Errorf("count members: %w", err)
	}
	accepted := 0
	for _, m := range members {
		if m.Accepted() {
			accepted++
		}
	}
	return models.InvitePreview{
		Circle:        circle,
		UsesRemaining: invite.UsesRemaining(),
		MemberCount:   accepted,
	}, nil
}

func (s *InviteService) check(ctx context.Context, token string) (models.InviteToken, models.Circle, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return models.InviteToken{}, models.Circle{}, apperr.InviteDenied(apperr.CodeInviteNotFound)
	}
	invite, err := s.invites.GetInviteByHash(ctx, hashToken(token))
	if errors.Is(err, storage.ErrNotFound) {
		return models.InviteToken{}, models.Circle{}, apperr.InviteDenied(apperr.CodeInviteNotFound)
	}
	if err != nil {
		return models.InviteToken{}, models.Circle{}, fmt.Errorf("load invite: %w", err)
	}
	circle, err := s.circles.GetCircle(ctx, invite.CircleID)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && circle.IsDeleted) {
		return models.InviteToken{}, models.Circle{}, apperr.InviteDenied(apperr.CodeInviteCircleDeleted)
	}
	if err != nil {
		return models.InviteToken{}, models.Circle{}, fmt.Errorf("load invite circle: %w", err)
	}
	if code := denialFor(invite, s.now()); code != "" {
		return models.InviteToken{}, models.Circle{}, apperr.InviteDenied(code)
	}
	return invite, circle, nil
}

func denialFor(invite models.InviteToken, now time.Time) apperr.Code {
	switch {
	case !invite.IsActive:
		return apperr.CodeInviteDeactivated
	case !now.Before(invite.ExpiresAt):
		return apperr.CodeInviteExpired
	case invite.UseCount >= invite.MaxUses:
		return apperr.CodeInviteExhausted
	}
	return ""
}

// RedeemInvite turns a token into an accepted membership for userID.
func (s *InviteService) RedeemInvite(ctx context.Context, token, userID string) (models.Membership, error) {
	if userID == "" {
		return models.Membership{}, apperr.Unauthenticated()
	}
	m, err := s.redeem(ctx, token, userID)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindInviteDenied {
			s.metrics.Inc("invite_redeem_denied_total")
		}
		return models.Membership{}, err
	}
	s.metrics.Inc("invites_redeemed_total")
	s.logger.Info("invite redeemed", "circle_id", m.CircleID, "user", userID)
	return m, nil
}

func (s *InviteService) redeem(ctx context.Context, token, userID string) (models.Membership, error) {
	for attempt := 0; ; attempt++ {
		invite, _, err := s.check(ctx, token)
		if err != nil {
			return models.Membership{}, err
		}
		if _, err := acceptedMembership(ctx, s.circles, invite.CircleID, userID); err == nil {
			return models.Membership{}, apperr.InviteDenied(apperr.CodeAlreadyMember)
		} else if apperr.KindOf(err) != apperr.KindNotFound {
			return models.Membership{}, err
		}

		now := s.now().UTC()
		m, err := s.invites.RedeemInvite(ctx, invite.TokenHash, models.Membership{
			CircleID:     invite.CircleID,
			UserID:       userID,
			Role:         models.RoleMember,
			InviteStatus: models.InviteStatusAccepted,
			InvitedBy:    invite.CreatedBy,
			JoinedAt:     now,
		}, now)
		switch {
		case err == nil:
			return m, nil
		case errors.Is(err, storage.ErrConflict):
			return models.Membership{}, apperr.InviteDenied(apperr.CodeAlreadyMember)
		case errors.Is(err, storage.ErrConditionFailed):
			// Lost a race for the last use, or the token changed underneath
			// us. One retry re-reads the token and reports why.
			if attempt == 0 {
				continue
			}
			return models.Membership{}, apperr.InviteDenied(apperr.CodeInviteExhausted)
		default:
			return models.Membership{}, fmt.Errorf("redeem invite: %w", err)
		}
	}
}

func (s *InviteService) ListInvites(ctx context.Context, circleID, actorID string) ([]models.InviteToken, error) {
	actor, err := actingMembership(ctx, s.circles, circleID, actorID)
	if err != nil {
		return nil, err
	}
	if err := s.guard.RequireAdminOrOwner(actor); err != nil {
		return nil, err
	}
	invites, err := s.invites.ListInvites(ctx, circleID)
	if err != nil {
		return nil, fmt.Errorf("list invites: %w", err)
	}
	return invites, nil
}

func (s *InviteService) DeactivateInvite(ctx context.Context, inviteID, actorID string) error {
	invite, err := s.invites.GetInvite(ctx, inviteID)
	if errors.Is(err, storage.ErrNotFound) {
		return apperr.NotFound("invite not found")
	}
	if err != nil {
		return fmt.Errorf("load invite: %w", err)
	}
	actor, err := actingMembership(ctx, s.circles, invite.CircleID, actorID)
	if err != nil {
		return err
	}
	if err := s.guard.RequireAdminOrOwner(actor); err != nil {
		return err
	}
	if err := s.invites.DeactivateInvite(ctx, inviteID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return apperr.NotFound("invite not found")
		}
		return fmt.Errorf("deactivate invite: %w", err)
	}
	return nil
}

package services

import (
	"context"

	"circles/src/apperr"
	"circles/src/models"
	"circles/src/storage"
)

// Guard holds the authorization and eligibility rules consulted before any
// membership or vote mutation. It keeps no state of its own.
type Guard struct {
	circles storage.CircleRepository
}

func NewGuard(circles storage.CircleRepository) *Guard {
	return &Guard{circles: circles}
}

func (g *Guard) RequireAdminOrOwner(m models.Membership) error {
	if !m.Accepted() || !m.Role.Governing() {
		return apperr.Forbidden("admin or owner role required")
	}
	return nil
}

func (g *Guard) RequireOwner(m models.Membership) error {
	if !m.Accepted() || m.Role != models.RoleOwner {
		return apperr.Forbidden("only the circle owner may do this")
	}
	return nil
}

// EligibleTarget checks that target may be acted on by a vote of voteType.
// delete_circle takes no target and is always eligible.
func (g *Guard) EligibleTarget(voteType models.VoteType, target *models.Membership) error {
	if !voteType.Valid() {
		return apperr.Invalid("unknown vote type %q", voteType)
	}
	if !voteType.Targeted() {
		if target != nil {
			return apperr.Invalid("%s does not take a target member", voteType)
		}
		return nil
	}
	if target == nil {
		return apperr.Invalid("%s requires a target member", voteType)
	}
	if target.Role == models.RoleOwner {
		return apperr.Forbidden("cannot act against the circle owner")
	}

	switch voteType {
	case models.VoteRemoveMember:
		if target.Role != models.RoleAdmin && target.Role != models.RoleMember {
			return apperr.Invalid("target has unexpected role %q", target.Role)
		}
	case models.VotePromoteAdmin:
		if target.Role == models.RoleAdmin {
			return apperr.Invalid("already an admin")
		}
		if target.Role != models.RoleMember {
			return apperr.Invalid("only members can be promoted")
		}
	case models.VoteDemoteAdmin:
		if target.Role != models.RoleAdmin {
			return apperr.Invalid("not an admin")
		}
	}
	return nil
}

// RequiresVote reports whether an action by a member holding actingRole must
// go through a vote. Only an owner who is the sole governing member may act
// alone.
func (g *Guard) RequiresVote(ctx context.Context, circleID string, actingRole models.Role) (bool, error) {
	if actingRole != models.RoleOwner {
		return true, nil
	}
	n, err := g.circles.CountGoverning(ctx, circleID)
	if err != nil {
		return false, err
	}
	return requiresVoteFor(n), nil
}

func requiresVoteFor(governing int) bool {
	return governing > 1
}

// voteTypeForRole maps a direct role change onto the vote type that would
// authorize the same change.
func voteTypeForRole(role models.Role) (models.VoteType, error) {
	switch role {
	case models.RoleAdmin:
		return models.VotePromoteAdmin, nil
	case models.RoleMember:
		return models.VoteDemoteAdmin, nil
	default:
		return "", apperr.Invalid("role %q cannot be assigned", role)
	}
}

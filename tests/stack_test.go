package tests

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nbd-wtf/go-nostr"

	"circles/src/lib"
	"circles/src/models"
	"circles/src/services"
	"circles/src/storage"
)

// stack is the service graph over the Postgres repositories.
type stack struct {
	circles *storage.CircleRepo
	invites *storage.InviteRepo
	votes   *storage.VoteRepo
	metrics *lib.Metrics

	members *services.MembershipService
	invite  *services.InviteService
	engine  *services.VoteEngine
}

func newStack(pool *pgxpool.Pool) *stack {
	circles := storage.NewCircleRepo(pool)
	invites := storage.NewInviteRepo(pool)
	votes := storage.NewVoteRepo(pool)
	metrics := lib.NewMetrics()
	logger := lib.DiscardLogger()
	guard := services.NewGuard(circles)

	return &stack{
		circles: circles,
		invites: invites,
		votes:   votes,
		metrics: metrics,
		members: services.NewMembershipService(circles, guard, nil, metrics, logger),
		invite:  services.NewInviteService(invites, circles, guard, metrics, logger, 7, 100),
		engine:  services.NewVoteEngine(votes, circles, guard, nil, metrics, logger, 7, 30),
	}
}

// seedCircle creates a circle owned by owner plus accepted admins and members.
func (s *stack) seedCircle(t *testing.T, owner string, admins, members []string) string {
	t.Helper()
	ctx := context.Background()
	circle, err := s.members.CreateCircle(ctx, owner, "Integration circle", "", false)
	if err != nil {
		t.Fatalf("CreateCircle: %v", err)
	}
	add := func(userID string, role models.Role) {
		if err := s.circles.InsertMembership(ctx, models.Membership{
			CircleID:     circle.ID,
			UserID:       userID,
			Role:         role,
			InviteStatus: models.InviteStatusAccepted,
			InvitedBy:    owner,
			JoinedAt:     time.Now().UTC(),
		}); err != nil {
			t.Fatalf("insert %s %s: %v", role, userID, err)
		}
	}
	for _, id := range admins {
		add(id, models.RoleAdmin)
	}
	for _, id := range members {
		add(id, models.RoleMember)
	}
	return circle.ID
}

func generateKeypair(t *testing.T) (priv string, pub string) {
	t.Helper()
	priv = nostr.GeneratePrivateKey()
	var err error
	pub, err = nostr.GetPublicKey(priv)
	if err != nil {
		t.Fatalf("derive pubkey: %v", err)
	}
	return priv, pub
}

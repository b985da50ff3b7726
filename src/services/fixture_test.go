package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"circles/src/lib"
	"circles/src/models"
	"circles/src/storage/memory"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingNotifier struct {
	mu      sync.Mutex
	notices []models.Notice
	err     error
}

func (n *recordingNotifier) Notify(_ context.Context, notice models.Notice) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, notice)
	return n.err
}

// waitFor polls until a notice of the given type arrives.
func (n *recordingNotifier) waitFor(t *testing.T, typ models.NoticeType) models.Notice {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		n.mu.Lock()
		for _, notice := range n.notices {
			if notice.Type == typ {
				n.mu.Unlock()
				return notice
			}
		}
		n.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no %s notice delivered", typ)
	return models.Notice{}
}

type fixture struct {
	store    *memory.Store
	metrics  *lib.Metrics
	notifier *recordingNotifier
	clock    *testClock
	members  *MembershipService
	invites  *InviteService
	votes    *VoteEngine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.New()
	metrics := lib.NewMetrics()
	notifier := &recordingNotifier{}
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	logger := lib.DiscardLogger()
	guard := NewGuard(store)

	f := &fixture{
		store:    store,
		metrics:  metrics,
		notifier: notifier,
		clock:    clock,
		members:  NewMembershipService(store, guard, notifier, metrics, logger),
		invites:  NewInviteService(store, store, guard, metrics, logger, 7, 100),
		votes:    NewVoteEngine(store, store, guard, notifier, metrics, logger, 7, 30),
	}
	f.members.now = clock.Now
	f.invites.now = clock.Now
	f.votes.now = clock.Now
	return f
}

// circle creates a circle owned by owner and seeds accepted memberships.
func (f *fixture) circle(t *testing.T, owner string, admins []string, members []string) string {
	t.Helper()
	ctx := context.Background()
	c, err := f.members.CreateCircle(ctx, owner, "Book club", "", false)
	if err != nil {
		t.Fatalf("CreateCircle() error = %v", err)
	}
	seed := func(userID string, role models.Role) {
		err := f.store.InsertMembership(ctx, models.Membership{
			CircleID:     c.ID,
			UserID:       userID,
			Role:         role,
			InviteStatus: models.InviteStatusAccepted,
			InvitedBy:    owner,
			JoinedAt:     f.clock.Now(),
		})
		if err != nil {
			t.Fatalf("seed %s %s: %v", role, userID, err)
		}
	}
	for _, id := range admins {
		seed(id, models.RoleAdmin)
	}
	for _, id := range members {
		seed(id, models.RoleMember)
	}
	return c.ID
}

func (f *fixture) role(t *testing.T, circleID, userID string) (models.Role, bool) {
	t.Helper()
	m, err := f.store.GetMembership(context.Background(), circleID, userID)
	if err != nil {
		return "", false
	}
	return m.Role, true
}

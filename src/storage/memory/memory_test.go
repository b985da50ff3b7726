package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"circles/src/models"
	"circles/src/storage"
)

func seed(t *testing.T) (*Store, string) {
	t.Helper()
	ctx := context.Background()
	s := New()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := s.InsertCircle(ctx, models.Circle{ID: "c1", Name: "c", CreatedBy: "owner", CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatalf("InsertCircle: %v", err)
	}
	for _, m := range []models.Membership{
		{CircleID: "c1", UserID: "owner", Role: models.RoleOwner, InviteStatus: models.InviteStatusAccepted, JoinedAt: now},
		{CircleID: "c1", UserID: "alice", Role: models.RoleAdmin, InviteStatus: models.InviteStatusAccepted, JoinedAt: now.Add(time.Second)},
		{CircleID: "c1", UserID: "carol", Role: models.RoleMember, InviteStatus: models.InviteStatusAccepted, JoinedAt: now.Add(2 * time.Second)},
		{CircleID: "c1", UserID: "dave", Role: models.RoleAdmin, InviteStatus: models.InviteStatusPending, JoinedAt: now.Add(3 * time.Second)},
	} {
		if err := s.InsertMembership(ctx, m); err != nil {
			t.Fatalf("InsertMembership(%s): %v", m.UserID, err)
		}
	}
	return s, "c1"
}

func TestMembershipContracts(t *testing.T) {
	ctx := context.Background()
	s, circleID := seed(t)

	if n, _ := s.CountGoverning(ctx, circleID); n != 2 {
		t.Fatalf("CountGoverning = %d, want 2 (pending admins excluded)", n)
	}
	err := s.InsertMembership(ctx, models.Membership{CircleID: circleID, UserID: "eve", Role: models.RoleOwner, InviteStatus: models.InviteStatusAccepted})
	if !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("second owner err = %v, want ErrConflict", err)
	}
	err = s.InsertMembership(ctx, models.Membership{CircleID: "missing", UserID: "eve", Role: models.RoleMember})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("membership in unknown circle err = %v, want ErrNotFound", err)
	}
	if err := s.SetRole(ctx, circleID, "owner", models.RoleAdmin); !errors.Is(err, storage.ErrConditionFailed) {
		t.Fatalf("SetRole(owner) err = %v", err)
	}
	if err := s.SetRole(ctx, circleID, "carol", models.RoleOwner); !errors.Is(err, storage.ErrConditionFailed) {
		t.Fatalf("SetRole(to owner) err = %v", err)
	}
	if err := s.RemoveMembership(ctx, circleID, "owner"); !errors.Is(err, storage.ErrConditionFailed) {
		t.Fatalf("RemoveMembership(owner) err = %v", err)
	}
	if err := s.RemoveMembership(ctx, circleID, "nobody"); err != nil {
		t.Fatalf("RemoveMembership(absent) err = %v", err)
	}

	members, _ := s.ListMemberships(ctx, circleID)
	if len(members) != 4 || members[0].UserID != "owner" || members[3].UserID != "dave" {
		t.Fatalf("ListMemberships order = %+v", members)
	}

	if _, err := s.AcceptMembership(ctx, circleID, "dave", time.Now()); err != nil {
		t.Fatalf("AcceptMembership: %v", err)
	}
	if _, err := s.AcceptMembership(ctx, circleID, "dave", time.Now()); !errors.Is(err, storage.ErrConditionFailed) {
		t.Fatalf("second AcceptMembership err = %v", err)
	}
}

func TestVoteLockRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s, circleID := seed(t)
	now := time.Now()
	vote := models.Vote{ID: "v1", CircleID: circleID, VoteType: models.VoteRemoveMember, TargetUserID: "carol", Status: models.VoteActive, ExpiresAt: now.Add(time.Hour)}
	if err := s.InsertVote(ctx, vote); err != nil {
		t.Fatalf("InsertVote: %v", err)
	}

	boom := errors.New("boom")
	err := s.WithVoteLock(ctx, "v1", func(tx storage.VoteTx) error {
		if err := tx.InsertBallot(ctx, models.Ballot{VoteID: "v1", UserID: "alice", Choice: models.ChoiceYes}); err != nil {
			return err
		}
		if err := tx.RemoveMembership(ctx, "carol"); err != nil {
			return err
		}
		if err := tx.SetRole(ctx, "alice", models.RoleMember); err != nil {
			return err
		}
		v := tx.Vote()
		v.Status = models.VotePassed
		if err := tx.UpdateVote(ctx, v); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithVoteLock err = %v, want boom", err)
	}

	if ok, _ := s.HasBallot(ctx, "v1", "alice"); ok {
		t.Fatalf("ballot survived rollback")
	}
	if _, err := s.GetMembership(ctx, circleID, "carol"); err != nil {
		t.Fatalf("removed member not restored: %v", err)
	}
	if m, _ := s.GetMembership(ctx, circleID, "alice"); m.Role != models.RoleAdmin {
		t.Fatalf("alice role = %s, want admin after rollback", m.Role)
	}
	if v, _ := s.GetVote(ctx, "v1"); v.Status != models.VoteActive {
		t.Fatalf("vote status = %s, want active after rollback", v.Status)
	}
}

func TestActiveVoteUniqueness(t *testing.T) {
	ctx := context.Background()
	s, circleID := seed(t)
	now := time.Now()
	v := models.Vote{ID: "v1", CircleID: circleID, VoteType: models.VoteDeleteCircle, Status: models.VoteActive, ExpiresAt: now}
	if err := s.InsertVote(ctx, v); err != nil {
		t.Fatalf("InsertVote: %v", err)
	}
	v.ID = "v2"
	if err := s.InsertVote(ctx, v); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("duplicate active vote err = %v", err)
	}
	if n, _ := s.ExpireDueVotes(ctx, circleID, now); n != 1 {
		t.Fatalf("ExpireDueVotes = %d, want 1", n)
	}
	if err := s.InsertVote(ctx, v); err != nil {
		t.Fatalf("InsertVote after expiry: %v", err)
	}
	expired, err := s.ExpireVote(ctx, "v1", now)
	if err != nil || expired.Status != models.VoteExpired {
		t.Fatalf("ExpireVote on terminal vote = %+v, %v", expired, err)
	}
}

func TestRedeemInviteConditions(t *testing.T) {
	ctx := context.Background()
	s, circleID := seed(t)
	now := time.Now()
	if err := s.InsertInvite(ctx, models.InviteToken{ID: "i1", Token: "plain", TokenHash: "h1", CircleID: circleID, MaxUses: 1, ExpiresAt: now.Add(time.Hour), IsActive: true}); err != nil {
		t.Fatalf("InsertInvite: %v", err)
	}
	if inv, _ := s.GetInvite(ctx, "i1"); inv.Token != "" {
		t.Fatalf("plain token stored")
	}

	newcomer := models.Membership{UserID: "erin", Role: models.RoleMember, JoinedAt: now}
	if _, err := s.RedeemInvite(ctx, "h1", models.Membership{UserID: "carol", Role: models.RoleMember}, now); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("redeem by member err = %v, want ErrConflict", err)
	}
	m, err := s.RedeemInvite(ctx, "h1", newcomer, now)
	if err != nil {
		t.Fatalf("RedeemInvite: %v", err)
	}
	if m.CircleID != circleID || !m.Accepted() {
		t.Fatalf("membership = %+v", m)
	}
	if _, err := s.RedeemInvite(ctx, "h1", models.Membership{UserID: "frank"}, now); !errors.Is(err, storage.ErrConditionFailed) {
		t.Fatalf("exhausted redeem err = %v, want ErrConditionFailed", err)
	}
	if _, err := s.RedeemInvite(ctx, "nope", newcomer, now); !errors.Is(err, storage.ErrConditionFailed) {
		t.Fatalf("unknown hash err = %v, want ErrConditionFailed", err)
	}
}

func TestCircleLockStagesDeletion(t *testing.T) {
	ctx := context.Background()
	s, circleID := seed(t)

	boom := errors.New("boom")
	err := s.WithCircleLock(ctx, circleID, func(tx storage.CircleTx) error {
		if err := tx.MarkDeleted(ctx, time.Now()); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithCircleLock err = %v", err)
	}
	if c, _ := s.GetCircle(ctx, circleID); c.IsDeleted {
		t.Fatalf("failed lock applied deletion")
	}

	if err := s.WithCircleLock(ctx, circleID, func(tx storage.CircleTx) error {
		return tx.MarkDeleted(ctx, time.Now())
	}); err != nil {
		t.Fatalf("WithCircleLock: %v", err)
	}
	if c, _ := s.GetCircle(ctx, circleID); !c.IsDeleted {
		t.Fatalf("circle not deleted")
	}
	if members, _ := s.ListMemberships(ctx, circleID); len(members) != 0 {
		t.Fatalf("memberships survived deletion: %d", len(members))
	}
	if err := s.WithCircleLock(ctx, "missing", func(storage.CircleTx) error { return nil }); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("missing circle err = %v", err)
	}
}

func TestExpiryWaitsForVoteLock(t *testing.T) {
	ctx := context.Background()
	s, circleID := seed(t)
	now := time.Now()
	if err := s.InsertVote(ctx, models.Vote{ID: "v1", CircleID: circleID, VoteType: models.VoteDeleteCircle, Status: models.VoteActive, ExpiresAt: now.Add(time.Second)}); err != nil {
		t.Fatalf("InsertVote: %v", err)
	}

	tests := []struct {
		name   string
		expire func() models.VoteStatus
	}{
		{
			name: "ExpireVote",
			expire: func() models.VoteStatus {
				v, err := s.ExpireVote(ctx, "v1", now.Add(2*time.Second))
				if err != nil {
					t.Errorf("ExpireVote: %v", err)
				}
				return v.Status
			},
		},
		{
			name: "ExpireDueVotes",
			expire: func() models.VoteStatus {
				if _, err := s.ExpireDueVotes(ctx, circleID, now.Add(2*time.Second)); err != nil {
					t.Errorf("ExpireDueVotes: %v", err)
				}
				v, _ := s.GetVote(ctx, "v1")
				return v.Status
			},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			v := models.Vote{ID: "v1", CircleID: circleID, VoteType: models.VoteDeleteCircle, Status: models.VoteActive, ExpiresAt: now.Add(time.Second)}
			s.mu.Lock()
			s.votes["v1"] = v
			s.mu.Unlock()

			done := make(chan models.VoteStatus, 1)
			err := s.WithVoteLock(ctx, "v1", func(tx storage.VoteTx) error {
				go func() { done <- tc.expire() }()
				select {
				case st := <-done:
					t.Fatalf("expiry finished with status %s while the vote lock was held", st)
				case <-time.After(50 * time.Millisecond):
				}
				passed := tx.Vote()
				passed.Status = models.VotePassed
				return tx.UpdateVote(ctx, passed)
			})
			if err != nil {
				t.Fatalf("WithVoteLock: %v", err)
			}

			if st := <-done; st != models.VotePassed {
				t.Fatalf("expiry observed status %s, want passed", st)
			}
			if got, _ := s.GetVote(ctx, "v1"); got.Status != models.VotePassed {
				t.Fatalf("stored status = %s, want passed", got.Status)
			}
		})
	}
}

func TestUpdateVoteKeepsTerminalStatus(t *testing.T) {
	ctx := context.Background()
	s, circleID := seed(t)
	now := time.Now()
	if err := s.InsertVote(ctx, models.Vote{ID: "v1", CircleID: circleID, VoteType: models.VoteDeleteCircle, Status: models.VoteActive, ExpiresAt: now}); err != nil {
		t.Fatalf("InsertVote: %v", err)
	}
	if _, err := s.ExpireVote(ctx, "v1", now); err != nil {
		t.Fatalf("ExpireVote: %v", err)
	}

	err := s.WithVoteLock(ctx, "v1", func(tx storage.VoteTx) error {
		stale := tx.Vote()
		stale.Status = models.VoteActive
		return tx.UpdateVote(ctx, stale)
	})
	if !errors.Is(err, storage.ErrConditionFailed) {
		t.Fatalf("reviving expired vote err = %v, want ErrConditionFailed", err)
	}
	if got, _ := s.GetVote(ctx, "v1"); got.Status != models.VoteExpired {
		t.Fatalf("stored status = %s, want expired", got.Status)
	}
}

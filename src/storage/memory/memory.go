// Package memory is an in-process implementation of the storage
// repositories. It honours the same locking and conditional-write contracts
// as the Postgres repositories.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"circles/src/models"
	"circles/src/storage"
)

var (
	_ storage.CircleRepository = (*Store)(nil)
	_ storage.InviteRepository = (*Store)(nil)
	_ storage.VoteRepository   = (*Store)(nil)
)

type Store struct {
	mu      sync.Mutex
	circles map[string]models.Circle
	members map[string]map[string]models.Membership
	invites map[string]models.InviteToken
	byHash  map[string]string
	votes   map[string]models.Vote
	ballots map[string]map[string]models.Ballot

	locksMu   sync.Mutex
	voteLocks map[string]*sync.Mutex
}

func New() *Store {
	return &Store{
		circles:   make(map[string]models.Circle),
		members:   make(map[string]map[string]models.Membership),
		invites:   make(map[string]models.InviteToken),
		byHash:    make(map[string]string),
		votes:     make(map[string]models.Vote),
		ballots:   make(map[string]map[string]models.Ballot),
		voteLocks: make(map[string]*sync.Mutex),
	}
}

// Circles and memberships.

func (s *Store) InsertCircle(_ context.Context, c models.Circle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.circles[c.ID]; ok {
		return storage.ErrConflict
	}
	s.circles[c.ID] = c
	return nil
}

func (s *Store) DeleteCircleRow(_ context.Context, circleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.circles, circleID)
	delete(s.members, circleID)
	return nil
}

func (s *Store) GetCircle(_ context.Context, circleID string) (models.Circle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.circles[circleID]
	if !ok {
		return models.Circle{}, storage.ErrNotFound
	}
	return c, nil
}

func (s *Store) InsertMembership(_ context.Context, m models.Membership) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.circles[m.CircleID]; !ok {
		return storage.ErrNotFound
	}
	circle := s.members[m.CircleID]
	if circle == nil {
		circle = make(map[string]models.Membership)
		s.members[m.CircleID] = circle
	}
	if _, ok := circle[m.UserID]; ok {
		return storage.ErrConflict
	}
	if m.Role == models.RoleOwner {
		for _, existing := range circle {
			if existing.Role == models.RoleOwner {
				return storage.ErrConflict
			}
		}
	}
	circle[m.UserID] = m
	return nil
}

func (s *Store) GetMembership(_ context.Context, circleID, userID string) (models.Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getMembershipLocked(circleID, userID)
}

func (s *Store) getMembershipLocked(circleID, userID string) (models.Membership, error) {
	m, ok := s.members[circleID][userID]
	if !ok {
		return models.Membership{}, storage.ErrNotFound
	}
	return m, nil
}

func (s *Store) ListMemberships(_ context.Context, circleID string) ([]models.Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Membership, 0, len(s.members[circleID]))
	for _, m := range s.members[circleID] {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].UserID < out[j].UserID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out, nil
}

func (s *Store) CountGoverning(_ context.Context, circleID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.countGoverningLocked(circleID), nil
}

func (s *Store) countGoverningLocked(circleID string) int {
	n := 0
	for _, m := range s.members[circleID] {
		if m.Role.Governing() && m.Accepted() {
			n++
		}
	}
	return n
}

func (s *Store) AcceptMembership(_ context.Context, circleID, userID string, at time.Time) (models.Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[circleID][userID]
	if !ok || m.InviteStatus != models.InviteStatusPending {
		return models.Membership{}, storage.ErrConditionFailed
	}
	m.InviteStatus = models.InviteStatusAccepted
	m.JoinedAt = at
	s.members[circleID][userID] = m
	return m, nil
}

func (s *Store) SetRole(_ context.Context, circleID, userID string, role models.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.setRoleLocked(circleID, userID, role)
	return err
}

// setRoleLocked returns the previous role for undo.
func (s *Store) setRoleLocked(circleID, userID string, role models.Role) (models.Role, error) {
	m, ok := s.members[circleID][userID]
	if !ok {
		return "", storage.ErrNotFound
	}
	if role == models.RoleOwner || m.Role == models.RoleOwner {
		return "", storage.ErrConditionFailed
	}
	prev := m.Role
	m.Role = role
	s.members[circleID][userID] = m
	return prev, nil
}

func (s *Store) RemoveMembership(_ context.Context, circleID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _, err := s.removeMembershipLocked(circleID, userID)
	return err
}

func (s *Store) removeMembershipLocked(circleID, userID string) (models.Membership, bool, error) {
	m, ok := s.members[circleID][userID]
	if !ok {
		return models.Membership{}, false, nil
	}
	if m.Role == models.RoleOwner {
		return models.Membership{}, false, storage.ErrConditionFailed
	}
	delete(s.members[circleID], userID)
	return m, true, nil
}

// WithCircleLock holds the store mutex for the whole of fn, so no membership
// or vote write can interleave with it.
func (s *Store) WithCircleLock(_ context.Context, circleID string, fn func(storage.CircleTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.circles[circleID]
	if !ok {
		return storage.ErrNotFound
	}
	tx := &circleTx{s: s, circle: c}
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

type circleTx struct {
	s       *Store
	circle  models.Circle
	deleted bool
}

func (t *circleTx) Circle() models.Circle { return t.circle }

func (t *circleTx) CountGoverning(context.Context) (int, error) {
	return t.s.countGoverningLocked(t.circle.ID), nil
}

func (t *circleTx) HasPassedVote(_ context.Context, voteType models.VoteType) (bool, error) {
	for _, v := range t.s.votes {
		if v.CircleID == t.circle.ID && v.VoteType == voteType && v.Status == models.VotePassed {
			return true, nil
		}
	}
	return false, nil
}

// MarkDeleted is staged and only applied when fn succeeds.
func (t *circleTx) MarkDeleted(_ context.Context, at time.Time) error {
	t.circle.IsDeleted = true
	t.circle.UpdatedAt = at
	t.deleted = true
	return nil
}

func (t *circleTx) commit() {
	if !t.deleted {
		return
	}
	t.s.circles[t.circle.ID] = t.circle
	delete(t.s.members, t.circle.ID)
	for id, inv := range t.s.invites {
		if inv.CircleID == t.circle.ID {
			inv.IsActive = false
			t.s.invites[id] = inv
		}
	}
}

// Invites.

func (s *Store) InsertInvite(_ context.Context, inv models.InviteToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.invites[inv.ID]; ok {
		return storage.ErrConflict
	}
	if _, ok := s.byHash[inv.TokenHash]; ok {
		return storage.ErrConflict
	}
	inv.Token = ""
	s.invites[inv.ID] = inv
	s.byHash[inv.TokenHash] = inv.ID
	return nil
}

func (s *Store) GetInvite(_ context.Context, inviteID string) (models.InviteToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invites[inviteID]
	if !ok {
		return models.InviteToken{}, storage.ErrNotFound
	}
	return inv, nil
}

func (s *Store) GetInviteByHash(_ context.Context, tokenHash string) (models.InviteToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byHash[tokenHash]
	if !ok {
		return models.InviteToken{}, storage.ErrNotFound
	}
	return s.invites[id], nil
}

func (s *Store) ListInvites(_ context.Context, circleID string) ([]models.InviteToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.InviteToken, 0)
	for _, inv := range s.invites {
		if inv.CircleID == circleID {
			out = append(out, inv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) DeactivateInvite(_ context.Context, inviteID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invites[inviteID]
	if !ok {
		return storage.ErrNotFound
	}
	inv.IsActive = false
	s.invites[inviteID] = inv
	return nil
}

func (s *Store) RedeemInvite(_ context.Context, tokenHash string, m models.Membership, now time.Time) (models.Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byHash[tokenHash]
	if !ok {
		return models.Membership{}, storage.ErrConditionFailed
	}
	inv := s.invites[id]
	circle, ok := s.circles[inv.CircleID]
	if !ok || circle.IsDeleted || !inv.IsActive || !now.Before(inv.ExpiresAt) || inv.UseCount >= inv.MaxUses {
		return models.Membership{}, storage.ErrConditionFailed
	}

	members := s.members[inv.CircleID]
	if members == nil {
		members = make(map[string]models.Membership)
		s.members[inv.CircleID] = members
	}
	admitted := m
	admitted.CircleID = inv.CircleID
	admitted.InviteStatus = models.InviteStatusAccepted
	if existing, ok := members[m.UserID]; ok {
		if existing.Accepted() {
			return models.Membership{}, storage.ErrConflict
		}
		admitted = existing
		admitted.InviteStatus = models.InviteStatusAccepted
		admitted.JoinedAt = m.JoinedAt
	}
	members[m.UserID] = admitted
	inv.UseCount++
	s.invites[id] = inv
	return admitted, nil
}

// Votes.

func (s *Store) InsertVote(_ context.Context, v models.Vote) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.votes[v.ID]; ok {
		return storage.ErrConflict
	}
	if v.Status == models.VoteActive {
		for _, existing := range s.votes {
			if existing.Status == models.VoteActive && existing.CircleID == v.CircleID &&
				existing.VoteType == v.VoteType && existing.TargetUserID == v.TargetUserID {
				return storage.ErrConflict
			}
		}
	}
	s.votes[v.ID] = v
	return nil
}

func (s *Store) GetVote(_ context.Context, voteID string) (models.Vote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.votes[voteID]
	if !ok {
		return models.Vote{}, storage.ErrNotFound
	}
	return v, nil
}

func (s *Store) ListVotes(_ context.Context, circleID string) ([]models.Vote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Vote, 0)
	for _, v := range s.votes {
		if v.CircleID == circleID {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) FindActiveVote(_ context.Context, circleID string, voteType models.VoteType, targetUserID string) (models.Vote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range s.votes {
		if v.Status == models.VoteActive && v.CircleID == circleID &&
			v.VoteType == voteType && v.TargetUserID == targetUserID {
			return v, nil
		}
	}
	return models.Vote{}, storage.ErrNotFound
}

// ExpireVote and ExpireDueVotes take the per-vote lock, so an expiry never
// interleaves with a ballot being tallied under WithVoteLock.
func (s *Store) ExpireVote(_ context.Context, voteID string, at time.Time) (models.Vote, error) {
	l := s.voteLock(voteID)
	l.Lock()
	defer l.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.votes[voteID]
	if !ok {
		return models.Vote{}, storage.ErrNotFound
	}
	if v.Status == models.VoteActive {
		v = s.expireLocked(v, at)
	}
	return v, nil
}

func (s *Store) ExpireDueVotes(_ context.Context, circleID string, now time.Time) (int, error) {
	s.mu.Lock()
	due := make([]string, 0)
	for id, v := range s.votes {
		if v.CircleID == circleID && v.ExpiredAt(now) {
			due = append(due, id)
		}
	}
	s.mu.Unlock()

	n := 0
	for _, id := range due {
		if s.expireIfDue(id, now) {
			n++
		}
	}
	return n, nil
}

// expireIfDue re-reads the vote under its lock; a ballot may have resolved
// it since it was found due.
func (s *Store) expireIfDue(voteID string, now time.Time) bool {
	l := s.voteLock(voteID)
	l.Lock()
	defer l.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.votes[voteID]
	if !ok || !v.ExpiredAt(now) {
		return false
	}
	s.expireLocked(v, now)
	return true
}

func (s *Store) expireLocked(v models.Vote, at time.Time) models.Vote {
	v.Status = models.VoteExpired
	resolved := at
	v.ResolvedAt = &resolved
	s.votes[v.ID] = v
	return v
}

func (s *Store) HasBallot(_ context.Context, voteID, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.ballots[voteID][userID]
	return ok, nil
}

func (s *Store) ListBallots(_ context.Context, voteID string) ([]models.Ballot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Ballot, 0, len(s.ballots[voteID]))
	for _, b := range s.ballots[voteID] {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].UserID < out[j].UserID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) voteLock(voteID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.voteLocks[voteID]
	if !ok {
		l = &sync.Mutex{}
		s.voteLocks[voteID] = l
	}
	return l
}

func (s *Store) WithVoteLock(ctx context.Context, voteID string, fn func(storage.VoteTx) error) error {
	l := s.voteLock(voteID)
	l.Lock()
	defer l.Unlock()

	v, err := s.GetVote(ctx, voteID)
	if err != nil {
		return err
	}
	tx := &voteTx{s: s, vote: v}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

// voteTx applies writes immediately and keeps undo steps for rollback.
type voteTx struct {
	s    *Store
	vote models.Vote
	undo []func()
}

func (t *voteTx) Vote() models.Vote { return t.vote }

func (t *voteTx) rollback() {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func (t *voteTx) GetMembership(_ context.Context, userID string) (models.Membership, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	return t.s.getMembershipLocked(t.vote.CircleID, userID)
}

func (t *voteTx) InsertBallot(_ context.Context, b models.Ballot) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	ballots := t.s.ballots[b.VoteID]
	if ballots == nil {
		ballots = make(map[string]models.Ballot)
		t.s.ballots[b.VoteID] = ballots
	}
	if _, ok := ballots[b.UserID]; ok {
		return storage.ErrConflict
	}
	ballots[b.UserID] = b
	t.undo = append(t.undo, func() { delete(ballots, b.UserID) })
	return nil
}

func (t *voteTx) CountGoverning(context.Context) (int, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	return t.s.countGoverningLocked(t.vote.CircleID), nil
}

func (t *voteTx) CountBallots(context.Context) (int, int, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	yes, no := 0, 0
	for _, b := range t.s.ballots[t.vote.ID] {
		switch b.Choice {
		case models.ChoiceYes:
			yes++
		case models.ChoiceNo:
			no++
		}
	}
	return yes, no, nil
}

func (t *voteTx) UpdateVote(_ context.Context, v models.Vote) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	prev, ok := t.s.votes[v.ID]
	if !ok {
		return storage.ErrNotFound
	}
	if prev.Status.Terminal() && prev.Status != v.Status {
		return storage.ErrConditionFailed
	}
	t.s.votes[v.ID] = v
	t.vote = v
	t.undo = append(t.undo, func() { t.s.votes[prev.ID] = prev })
	return nil
}

func (t *voteTx) SetRole(_ context.Context, userID string, role models.Role) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	circleID := t.vote.CircleID
	prev, err := t.s.setRoleLocked(circleID, userID, role)
	if err != nil {
		return err
	}
	t.undo = append(t.undo, func() {
		if m, ok := t.s.members[circleID][userID]; ok {
			m.Role = prev
			t.s.members[circleID][userID] = m
		}
	})
	return nil
}

func (t *voteTx) RemoveMembership(_ context.Context, userID string) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	circleID := t.vote.CircleID
	removed, ok, err := t.s.removeMembershipLocked(circleID, userID)
	if err != nil || !ok {
		return err
	}
	t.undo = append(t.undo, func() {
		if t.s.members[circleID] == nil {
			t.s.members[circleID] = make(map[string]models.Membership)
		}
		t.s.members[circleID][userID] = removed
	})
	return nil
}

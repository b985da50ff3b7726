package models

import "time"

type VoteType string

const (
	VoteRemoveMember VoteType = "remove_member"
	VotePromoteAdmin VoteType = "promote_admin"
	VoteDemoteAdmin  VoteType = "demote_admin"
	VoteDeleteCircle VoteType = "delete_circle"
)

func (t VoteType) Valid() bool {
	switch t {
	case VoteRemoveMember, VotePromoteAdmin, VoteDemoteAdmin, VoteDeleteCircle:
		return true
	}
	return false
}

// Targeted reports whether the vote type acts on a single member.
func (t VoteType) Targeted() bool {
	return t != VoteDeleteCircle
}

type VoteStatus string

const (
	VoteActive  VoteStatus = "active"
	VotePassed  VoteStatus = "passed"
	VoteFailed  VoteStatus = "failed"
	VoteExpired VoteStatus = "expired"
)

func (s VoteStatus) Terminal() bool {
	return s == VotePassed || s == VoteFailed || s == VoteExpired
}

// Vote is a governance proposal over one circle. Tally fields reflect the
// last ballot tallied.
type Vote struct {
	ID           string     `json:"id"`
	CircleID     string     `json:"circle_id"`
	VoteType     VoteType   `json:"vote_type"`
	TargetUserID string     `json:"target_user_id,omitempty"`
	InitiatedBy  string     `json:"initiated_by"`
	Status       VoteStatus `json:"status"`
	YesCount     int        `json:"yes_count"`
	NoCount      int        `json:"no_count"`
	Quorum       int        `json:"quorum"`
	ExpiresAt    time.Time  `json:"expires_at"`
	CreatedAt    time.Time  `json:"created_at"`
	ResolvedAt   *time.Time `json:"resolved_at,omitempty"`
}

// ExpiredAt reports whether an active vote has run past its deadline.
func (v Vote) ExpiredAt(now time.Time) bool {
	return v.Status == VoteActive && !now.Before(v.ExpiresAt)
}

type Choice string

const (
	ChoiceYes Choice = "yes"
	ChoiceNo  Choice = "no"
)

func (c Choice) Valid() bool {
	return c == ChoiceYes || c == ChoiceNo
}

// Ballot is one voter's choice on one vote. Ballots are append-only.
type Ballot struct {
	VoteID    string    `json:"vote_id"`
	UserID    string    `json:"user_id"`
	Choice    Choice    `json:"choice"`
	CreatedAt time.Time `json:"created_at"`
}

package models

import "time"

type NoticeType string

const (
	NoticeVoteOpened    NoticeType = "vote_opened"
	NoticeVoteResolved  NoticeType = "vote_resolved"
	NoticeCircleDeleted NoticeType = "circle_deleted"
)

// Notice is the payload handed to the outbound notifier.
type Notice struct {
	Type       NoticeType `json:"type"`
	CircleID   string     `json:"circle_id"`
	ActorID    string     `json:"actor_id"`
	Vote       *Vote      `json:"vote,omitempty"`
	OccurredAt time.Time  `json:"occurred_at"`
}

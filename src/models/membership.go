package models

import "time"

type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

func (r Role) Valid() bool {
	switch r {
	case RoleOwner, RoleAdmin, RoleMember:
		return true
	}
	return false
}

// Governing reports whether the role counts toward quorum.
func (r Role) Governing() bool {
	return r == RoleOwner || r == RoleAdmin
}

type InviteStatus string

const (
	InviteStatusPending  InviteStatus = "pending"
	InviteStatusAccepted InviteStatus = "accepted"
)

// Membership is a user's role and acceptance state within one circle.
type Membership struct {
	CircleID     string       `json:"circle_id"`
	UserID       string       `json:"user_id"`
	Role         Role         `json:"role"`
	InviteStatus InviteStatus `json:"invite_status"`
	InvitedBy    string       `json:"invited_by,omitempty"`
	JoinedAt     time.Time    `json:"joined_at"`
}

func (m Membership) Accepted() bool {
	return m.InviteStatus == InviteStatusAccepted
}

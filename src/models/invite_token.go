package models

import "time"

// InviteToken is a bounded-use, expiring credential that converts into a
// Membership on redemption. Only the hash of the token is persisted; Token is
// populated once, on creation.
type InviteToken struct {
	ID        string    `json:"id"`
	Token     string    `json:"token,omitempty"`
	TokenHash string    `json:"-"`
	CircleID  string    `json:"circle_id"`
	CreatedBy string    `json:"created_by"`
	MaxUses   int       `json:"max_uses"`
	UseCount  int       `json:"use_count"`
	ExpiresAt time.Time `json:"expires_at"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

func (t InviteToken) UsesRemaining() int {
	if t.UseCount >= t.MaxUses {
		return 0
	}
	return t.MaxUses - t.UseCount
}

// InvitePreview is what an unauthenticated caller learns from a valid token.
type InvitePreview struct {
	Circle        Circle `json:"circle"`
	UsesRemaining int    `json:"uses_remaining"`
	MemberCount   int    `json:"member_count"`
}

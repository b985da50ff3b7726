// Package apperr defines the error kinds returned by the governance services
// and their mapping onto transport status codes.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a domain error.
type Kind string

const (
	KindAuthentication    Kind = "authentication"
	KindAuthorization     Kind = "authorization"
	KindNotFound          Kind = "not_found"
	KindValidation        Kind = "validation"
	KindConflict          Kind = "conflict"
	KindExpiredOrResolved Kind = "expired_or_resolved"
	KindInviteDenied      Kind = "invite_denied"
	KindRateLimited       Kind = "rate_limited"
	KindInternal          Kind = "internal"
)

// Code refines a Kind with a machine-readable reason.
type Code string

const (
	CodeInviteNotFound      Code = "not_found"
	CodeInviteDeactivated   Code = "deactivated"
	CodeInviteExpired       Code = "expired"
	CodeInviteExhausted     Code = "exhausted"
	CodeInviteCircleDeleted Code = "circle_deleted"
	CodeAlreadyMember       Code = "already_member"

	CodeVoteExpired     Code = "expired"
	CodeVoteResolved    Code = "already_resolved"
	CodeDuplicateVote   Code = "duplicate_active_vote"
	CodeDuplicateBallot Code = "already_voted"
	CodeVoteRequired    Code = "vote_required"
)

type Error struct {
	Kind   Kind
	Code   Code
	Reason string
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.Code, e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

// Is matches another *Error by kind and, when set on the target, by code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Code == "" || t.Code == e.Code
}

func New(kind Kind, code Code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Reason: fmt.Sprintf(format, args...)}
}

func Unauthenticated() *Error {
	return &Error{Kind: KindAuthentication, Reason: "authentication required"}
}

func Forbidden(format string, args ...any) *Error {
	return New(KindAuthorization, "", format, args...)
}

func NotFound(format string, args ...any) *Error {
	return New(KindNotFound, "", format, args...)
}

func Invalid(format string, args ...any) *Error {
	return New(KindValidation, "", format, args...)
}

func Conflict(code Code, format string, args ...any) *Error {
	return New(KindConflict, code, format, args...)
}

func Closed(code Code, format string, args ...any) *Error {
	return New(KindExpiredOrResolved, code, format, args...)
}

func InviteDenied(code Code) *Error {
	return &Error{Kind: KindInviteDenied, Code: code, Reason: "invite " + string(code)}
}

func RateLimited() *Error {
	return &Error{Kind: KindRateLimited, Reason: "rate limit exceeded"}
}

// KindOf returns the kind of err, or KindInternal when err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// CodeOf returns the code carried by err, if any.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// HTTPStatus maps an error onto the status its caller should see.
func HTTPStatus(err error) int {
	var e *Error
	if !errors.As(err, &e) {
		return http.StatusInternalServerError
	}
	switch e.Kind {
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindAuthorization:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindValidation, KindExpiredOrResolved:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindInviteDenied:
		switch e.Code {
		case CodeInviteNotFound:
			return http.StatusNotFound
		case CodeAlreadyMember:
			return http.StatusConflict
		default:
			return http.StatusGone
		}
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether the caller may reasonably try again.
func Retryable(err error) bool {
	k := KindOf(err)
	return k == KindConflict || k == KindRateLimited || k == KindInternal
}

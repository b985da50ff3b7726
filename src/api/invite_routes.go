package api

import (
	"net/http"
	"strings"
)

type createInviteRequest struct {
	MaxUses       int `json:"max_uses" validate:"required,min=1"`
	ExpiresInDays int `json:"expires_in_days" validate:"min=0"`
}

func (r Routes) handleCircleInvites(w http.ResponseWriter, req *http.Request, circleID string) {
	switch req.Method {
	case http.MethodGet:
		userID, ok := r.caller(w, req)
		if !ok {
			return
		}
		invites, err := r.Invites.ListInvites(req.Context(), circleID, userID)
		if err != nil {
			r.writeError(w, req, err)
			return
		}
		writeJSON(w, http.StatusOK, invites)

	case http.MethodPost:
		userID, ok := r.caller(w, req)
		if !ok {
			return
		}
		var body createInviteRequest
		if err := decodeBody(req, &body); err != nil {
			r.writeError(w, req, err)
			return
		}
		invite, err := r.Invites.CreateInvite(req.Context(), circleID, userID, body.MaxUses, body.ExpiresInDays)
		if err != nil {
			r.writeError(w, req, err)
			return
		}
		writeJSON(w, http.StatusCreated, invite)

	default:
		methodNotAllowed(w)
	}
}

// handleInviteSubroutes serves /invites/{token}, /invites/{token}/redeem and
// /invites/{inviteId}/deactivate.
func (r Routes) handleInviteSubroutes(w http.ResponseWriter, req *http.Request) {
	parts := splitPath(strings.TrimPrefix(req.URL.Path, "/invites/"))
	switch {
	case len(parts) == 1:
		r.handleValidateInvite(w, req, parts[0])
	case len(parts) == 2 && parts[1] == "redeem":
		r.handleRedeemInvite(w, req, parts[0])
	case len(parts) == 2 && parts[1] == "deactivate":
		r.handleDeactivateInvite(w, req, parts[0])
	default:
		notFound(w)
	}
}

// handleValidateInvite is public so an invite link can be previewed before
// sign-in.
func (r Routes) handleValidateInvite(w http.ResponseWriter, req *http.Request, token string) {
	if req.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	preview, err := r.Invites.ValidateInvite(req.Context(), token)
	if err != nil {
		r.writeError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, preview)
}

func (r Routes) handleRedeemInvite(w http.ResponseWriter, req *http.Request, token string) {
	if req.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	userID, ok := r.caller(w, req)
	if !ok {
		return
	}
	m, err := r.Invites.RedeemInvite(req.Context(), token, userID)
	if err != nil {
		r.writeError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (r Routes) handleDeactivateInvite(w http.ResponseWriter, req *http.Request, inviteID string) {
	if req.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	userID, ok := r.caller(w, req)
	if !ok {
		return
	}
	if err := r.Invites.DeactivateInvite(req.Context(), inviteID, userID); err != nil {
		r.writeError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deactivated"})
}

package api

import (
	"net/http"
	"strings"

	"circles/src/models"
)

type createCircleRequest struct {
	Name        string `json:"name" validate:"required,max=100"`
	Description string `json:"description" validate:"max=2000"`
	IsPrivate   bool   `json:"is_private"`
}

func (r *createCircleRequest) trim() {
	r.Name = strings.TrimSpace(r.Name)
	r.Description = strings.TrimSpace(r.Description)
}

type inviteUserRequest struct {
	UserID string `json:"user_id" validate:"required,max=128"`
}

func (r *inviteUserRequest) trim() {
	r.UserID = strings.TrimSpace(r.UserID)
}

type setRoleRequest struct {
	Role models.Role `json:"role" validate:"required,oneof=admin member"`
}

func (r Routes) handleCircles(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	userID, ok := r.caller(w, req)
	if !ok {
		return
	}
	var body createCircleRequest
	if err := decodeBody(req, &body); err != nil {
		r.writeError(w, req, err)
		return
	}
	circle, err := r.Members.CreateCircle(req.Context(), userID, body.Name, body.Description, body.IsPrivate)
	if err != nil {
		r.writeError(w, req, err)
		return
	}
	writeJSON(w, http.StatusCreated, circle)
}

func (r Routes) handleCircleSubroutes(w http.ResponseWriter, req *http.Request) {
	parts := splitPath(strings.TrimPrefix(req.URL.Path, "/circles/"))
	if len(parts) == 0 {
		notFound(w)
		return
	}
	circleID := parts[0]

	switch len(parts) {
	case 1:
		r.handleCircleByID(w, req, circleID)
		return
	case 2:
		switch parts[1] {
		case "members":
			r.handleCircleMembers(w, req, circleID)
		case "accept":
			r.handleAcceptInvitation(w, req, circleID)
		case "leave":
			r.handleLeaveCircle(w, req, circleID)
		case "invites":
			r.handleCircleInvites(w, req, circleID)
		case "votes":
			r.handleCircleVotes(w, req, circleID)
		default:
			notFound(w)
		}
		return
	case 3:
		if parts[1] == "members" {
			r.handleMemberByID(w, req, circleID, parts[2])
			return
		}
	case 4:
		if parts[1] == "members" && parts[3] == "role" {
			r.handleMemberRole(w, req, circleID, parts[2])
			return
		}
	}
	notFound(w)
}

func (r Routes) handleCircleByID(w http.ResponseWriter, req *http.Request, circleID string) {
	switch req.Method {
	case http.MethodGet:
		userID, ok := r.caller(w, req)
		if !ok {
			return
		}
		circle, err := r.Members.GetCircle(req.Context(), circleID, userID)
		if err != nil {
			r.writeError(w, req, err)
			return
		}
		writeJSON(w, http.StatusOK, circle)

	case http.MethodDelete:
		userID, ok := r.caller(w, req)
		if !ok {
			return
		}
		if err := r.Members.DeleteCircle(req.Context(), circleID, userID); err != nil {
			r.writeError(w, req, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})

	default:
		methodNotAllowed(w)
	}
}

func (r Routes) handleCircleMembers(w http.ResponseWriter, req *http.Request, circleID string) {
	switch req.Method {
	case http.MethodGet:
		userID, ok := r.caller(w, req)
		if !ok {
			return
		}
		members, err := r.Members.ListMembers(req.Context(), circleID, userID)
		if err != nil {
			r.writeError(w, req, err)
			return
		}
		writeJSON(w, http.StatusOK, members)

	case http.MethodPost:
		userID, ok := r.caller(w, req)
		if !ok {
			return
		}
		var body inviteUserRequest
		if err := decodeBody(req, &body); err != nil {
			r.writeError(w, req, err)
			return
		}
		m, err := r.Members.InviteUser(req.Context(), circleID, userID, body.UserID)
		if err != nil {
			r.writeError(w, req, err)
			return
		}
		writeJSON(w, http.StatusCreated, m)

	default:
		methodNotAllowed(w)
	}
}

func (r Routes) handleAcceptInvitation(w http.ResponseWriter, req *http.Request, circleID string) {
	if req.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	userID, ok := r.caller(w, req)
	if !ok {
		return
	}
	m, err := r.Members.AcceptInvitation(req.Context(), circleID, userID)
	if err != nil {
		r.writeError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (r Routes) handleLeaveCircle(w http.ResponseWriter, req *http.Request, circleID string) {
	if req.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	userID, ok := r.caller(w, req)
	if !ok {
		return
	}
	if err := r.Members.LeaveCircle(req.Context(), circleID, userID); err != nil {
		r.writeError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "left"})
}

func (r Routes) handleMemberByID(w http.ResponseWriter, req *http.Request, circleID, targetID string) {
	if req.Method != http.MethodDelete {
		methodNotAllowed(w)
		return
	}
	userID, ok := r.caller(w, req)
	if !ok {
		return
	}
	if err := r.Members.DirectRemoveMember(req.Context(), circleID, userID, targetID); err != nil {
		r.writeError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (r Routes) handleMemberRole(w http.ResponseWriter, req *http.Request, circleID, targetID string) {
	if req.Method != http.MethodPut {
		methodNotAllowed(w)
		return
	}
	userID, ok := r.caller(w, req)
	if !ok {
		return
	}
	var body setRoleRequest
	if err := decodeBody(req, &body); err != nil {
		r.writeError(w, req, err)
		return
	}
	if err := r.Members.DirectSetRole(req.Context(), circleID, userID, targetID, body.Role); err != nil {
		r.writeError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated", "role": string(body.Role)})
}

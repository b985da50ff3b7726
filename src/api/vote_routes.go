package api

import (
	"net/http"
	"strings"

	"circles/src/models"
	"circles/src/services"
)

type initiateVoteRequest struct {
	VoteType      models.VoteType `json:"vote_type" validate:"required,oneof=remove_member promote_admin demote_admin delete_circle"`
	TargetUserID  string          `json:"target_user_id" validate:"max=128"`
	ExpiresInDays int             `json:"expires_in_days" validate:"min=0"`
}

func (r *initiateVoteRequest) trim() {
	r.TargetUserID = strings.TrimSpace(r.TargetUserID)
}

type castBallotRequest struct {
	Choice models.Choice `json:"choice" validate:"required,oneof=yes no"`
}

func (r Routes) handleCircleVotes(w http.ResponseWriter, req *http.Request, circleID string) {
	switch req.Method {
	case http.MethodGet:
		userID, ok := r.caller(w, req)
		if !ok {
			return
		}
		votes, err := r.Votes.ListVotes(req.Context(), circleID, userID)
		if err != nil {
			r.writeError(w, req, err)
			return
		}
		writeJSON(w, http.StatusOK, votes)

	case http.MethodPost:
		userID, ok := r.caller(w, req)
		if !ok {
			return
		}
		var body initiateVoteRequest
		if err := decodeBody(req, &body); err != nil {
			r.writeError(w, req, err)
			return
		}
		vote, err := r.Votes.InitiateVote(req.Context(), services.VoteRequest{
			CircleID:      circleID,
			InitiatorID:   userID,
			VoteType:      body.VoteType,
			TargetUserID:  body.TargetUserID,
			ExpiresInDays: body.ExpiresInDays,
		})
		if err != nil {
			r.writeError(w, req, err)
			return
		}
		writeJSON(w, http.StatusCreated, vote)

	default:
		methodNotAllowed(w)
	}
}

func (r Routes) handleVoteSubroutes(w http.ResponseWriter, req *http.Request) {
	parts := splitPath(strings.TrimPrefix(req.URL.Path, "/votes/"))
	switch {
	case len(parts) == 1:
		r.handleVoteByID(w, req, parts[0])
	case len(parts) == 2 && parts[1] == "ballots":
		r.handleBallots(w, req, parts[0])
	default:
		notFound(w)
	}
}

func (r Routes) handleVoteByID(w http.ResponseWriter, req *http.Request, voteID string) {
	if req.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	userID, ok := r.caller(w, req)
	if !ok {
		return
	}
	vote, err := r.Votes.GetVote(req.Context(), voteID, userID)
	if err != nil {
		r.writeError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, vote)
}

func (r Routes) handleBallots(w http.ResponseWriter, req *http.Request, voteID string) {
	switch req.Method {
	case http.MethodGet:
		userID, ok := r.caller(w, req)
		if !ok {
			return
		}
		ballots, err := r.Votes.ListBallots(req.Context(), voteID, userID)
		if err != nil {
			r.writeError(w, req, err)
			return
		}
		writeJSON(w, http.StatusOK, ballots)

	case http.MethodPost:
		userID, ok := r.caller(w, req)
		if !ok {
			return
		}
		var body castBallotRequest
		if err := decodeBody(req, &body); err != nil {
			r.writeError(w, req, err)
			return
		}
		vote, err := r.Votes.CastBallot(req.Context(), voteID, userID, body.Choice)
		if err != nil {
			r.writeError(w, req, err)
			return
		}
		writeJSON(w, http.StatusOK, vote)

	default:
		methodNotAllowed(w)
	}
}

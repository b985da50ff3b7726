package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"circles/src/apperr"
	"circles/src/lib"
	"circles/src/services"
)

// userHeader carries the authenticated caller. Authentication itself happens
// upstream of this service.
const userHeader = "X-User-ID"

type Routes struct {
	Members *services.MembershipService
	Invites *services.InviteService
	Votes   *services.VoteEngine
	Limiter *services.RateLimiter
	Metrics *lib.Metrics
	Logger  *slog.Logger
}

func RegisterRoutes(mux *http.ServeMux, routes Routes) {
	mux.HandleFunc("/circles", routes.handleCircles)
	mux.HandleFunc("/circles/", routes.handleCircleSubroutes)
	mux.HandleFunc("/invites/", routes.handleInviteSubroutes)
	mux.HandleFunc("/votes/", routes.handleVoteSubroutes)
}

// caller resolves the acting user and charges mutating requests against the
// rate limiter. It writes the error response itself when it returns false.
func (r Routes) caller(w http.ResponseWriter, req *http.Request) (string, bool) {
	userID := strings.TrimSpace(req.Header.Get(userHeader))
	if userID == "" {
		r.writeError(w, req, apperr.Unauthenticated())
		return "", false
	}
	if req.Method != http.MethodGet && r.Limiter != nil && !r.Limiter.Allow(userID, time.Now()) {
		r.Metrics.Inc("rate_limited_total")
		r.writeError(w, req, apperr.RateLimited())
		return "", false
	}
	return userID, true
}

func (r Routes) writeError(w http.ResponseWriter, req *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	if apperr.Retryable(err) {
		w.Header().Set("Retry-After", "1")
	}
	if status == http.StatusInternalServerError {
		r.Logger.Error("request failed", "method", req.Method, "path", req.URL.Path, "error", err)
		writeJSON(w, status, map[string]string{"error": "internal error"})
		return
	}

	body := map[string]string{"error": string(apperr.KindOf(err))}
	if code := apperr.CodeOf(err); code != "" {
		body["code"] = string(code)
	}
	var e *apperr.Error
	if errors.As(err, &e) {
		body["message"] = e.Reason
	}
	r.Logger.Debug("request rejected", "method", req.Method, "path", req.URL.Path, "error", err)
	writeJSON(w, status, body)
}

func methodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
}

func notFound(w http.ResponseWriter) {
	writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
}

func splitPath(path string) []string {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	parts := strings.Split(path, "/")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

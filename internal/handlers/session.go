package handlers

import (
	"context"
	"errors"
	"log"
	"net/http"

	"github.com/AhmetzhanDev/whatsaaap-service-2.0/internal/broadcast"
	"github.com/AhmetzhanDev/whatsaaap-service-2.0/internal/logging"
	"github.com/AhmetzhanDev/whatsaaap-service-2.0/internal/middleware"
	"github.com/AhmetzhanDev/whatsaaap-service-2.0/internal/orchestrator"
	"github.com/AhmetzhanDev/whatsaaap-service-2.0/internal/sessions"
	"github.com/AhmetzhanDev/whatsaaap-service-2.0/internal/sessionstate"
	"github.com/AhmetzhanDev/whatsaaap-service-2.0/internal/supervisor"
)

// SessionService is implemented by *sessions.Manager.
type SessionService interface {
	Provision(ctx context.Context, userID string) (supervisor.RuntimeHandle, error)
	Stop(ctx context.Context, userID string) error
	Remove(ctx context.Context, userID string) error
	Status(ctx context.Context, userID string) (orchestrator.RuntimeStatus, error)
	SessionState(userID string) sessionstate.UserSession
	Challenge(userID string) (sessions.Challenge, bool)
	History(userID string) []sessionstate.Transition
	Subscribe(userID string) *broadcast.Subscription
	Unsubscribe(sub *broadcast.Subscription)
}

var Sessions SessionService

// writeSessionError maps lifecycle errors to HTTP responses.
func writeSessionError(w http.ResponseWriter, userID string, err error) {
	var perr *supervisor.ProvisionError
	switch {
	case errors.Is(err, supervisor.ErrConflict):
		writeError(w, http.StatusConflict, "A runtime for this user already exists or is changing state")
	case errors.Is(err, supervisor.ErrNotFound):
		writeError(w, http.StatusNotFound, "No runtime for this user")
	case errors.As(err, &perr):
		log.Printf("[session] %s: %v", logging.Sanitize(userID), err)
		if perr.Stage == supervisor.StageStart {
			writeError(w, http.StatusBadGateway, "Failed to start runtime")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to prepare session ("+perr.Stage+")")
	default:
		log.Printf("[session] %s: %v", logging.Sanitize(userID), err)
		writeError(w, http.StatusInternalServerError, "Internal error")
	}
}

func ProvisionSession(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r)
	handle, err := Sessions.Provision(r.Context(), userID)
	if err != nil {
		writeSessionError(w, userID, err)
		return
	}
	writeJSON(w, http.StatusCreated, handle)
}

func StopSession(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r)
	if err := Sessions.Stop(r.Context(), userID); err != nil {
		writeSessionError(w, userID, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"userId": userID, "status": "stopped"})
}

func RemoveSession(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r)
	if err := Sessions.Remove(r.Context(), userID); err != nil {
		writeSessionError(w, userID, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func GetRuntimeStatus(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r)
	status, err := Sessions.Status(r.Context(), userID)
	if err != nil {
		writeSessionError(w, userID, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"userId": userID, "status": string(status)})
}

func GetSessionState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Sessions.SessionState(middleware.GetUserID(r)))
}

func GetChallenge(w http.ResponseWriter, r *http.Request) {
	c, ok := Sessions.Challenge(middleware.GetUserID(r))
	if !ok {
		writeError(w, http.StatusNotFound, "No pending login challenge")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func GetHistory(w http.ResponseWriter, r *http.Request) {
	history := Sessions.History(middleware.GetUserID(r))
	if history == nil {
		history = []sessionstate.Transition{}
	}
	writeJSON(w, http.StatusOK, history)
}

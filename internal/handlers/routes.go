package handlers

import (
	"github.com/go-chi/chi/v5"

	"github.com/AhmetzhanDev/whatsaaap-service-2.0/internal/middleware"
)

// Mount registers the session API on r. Every route requires the user id
// header.
func Mount(r chi.Router, userHeader string) {
	r.Route("/api/v1/session", func(r chi.Router) {
		r.Use(middleware.RequireUser(userHeader))

		r.Post("/provision", ProvisionSession)
		r.Post("/stop", StopSession)
		r.Delete("/", RemoveSession)
		r.Get("/runtime", GetRuntimeStatus)
		r.Get("/state", GetSessionState)
		r.Get("/challenge", GetChallenge)
		r.Get("/history", GetHistory)
		r.Get("/ws", StreamStatus)
	})
	r.Get("/health", HealthCheck)
}

package handlers

import (
	"net/http"

	"gorm.io/gorm"

	"github.com/AhmetzhanDev/whatsaaap-service-2.0/internal/database"
)

var (
	DB      *gorm.DB
	Backend string
)

func HealthCheck(w http.ResponseWriter, r *http.Request) {
	dbStatus := "disconnected"
	if DB != nil && database.Ping(DB) == nil {
		dbStatus = "connected"
	}

	orchStatus := "disconnected"
	orchBackend := "none"
	if Backend != "" {
		orchStatus = "connected"
		orchBackend = Backend
	}

	status := "healthy"
	if dbStatus != "connected" || orchStatus != "connected" {
		status = "unhealthy"
	}

	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{
		"status":               status,
		"orchestrator":         orchStatus,
		"orchestrator_backend": orchBackend,
		"database":             dbStatus,
	})
}

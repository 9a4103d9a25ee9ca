package handlers

import (
	"log/slog"
	"net/http"

	"github.com/syn-zhu/EverMemOS/internal/backup"
)

// QueueSizeGetter reports the embedding queue depth.
type QueueSizeGetter interface {
	GetQueueSize() int
}

// BackupHealth reports on scheduled snapshots.
type BackupHealth interface {
	Health() (*backup.HealthStatus, error)
}

// HealthHandler serves GET /api/v1/health.
type HealthHandler struct {
	queue  QueueSizeGetter
	backup BackupHealth
	logger *slog.Logger
}

// NewHealthHandler creates a HealthHandler. Both sources are optional.
func NewHealthHandler(queue QueueSizeGetter, b BackupHealth, logger *slog.Logger) *HealthHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthHandler{queue: queue, backup: b, logger: logger}
}

// Health reports liveness, queue depth and backup freshness. A failing
// backup check degrades the status but still answers 200.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: StatusOK}
	if h.queue != nil {
		resp.QueueSize = h.queue.GetQueueSize()
	}
	if h.backup != nil {
		status, err := h.backup.Health()
		if err != nil {
			h.logger.Warn("handlers: backup health", "err", err)
			resp.Status = "degraded"
		} else {
			resp.Backup = status
			if status.Status != "healthy" {
				resp.Status = "degraded"
			}
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

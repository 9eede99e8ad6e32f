package handler

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-proctor/internal/response"
)

const healthTimeout = 2 * time.Second

// HealthCheck probes one dependency.
type HealthCheck func(ctx context.Context) error

// HealthHandler reports dependency status and gateway load.
type HealthHandler struct {
	checks     map[string]HealthCheck
	queueDepth func(ctx context.Context) (int64, error)
	attempts   func() int64
	startTime  time.Time
	log        zerolog.Logger
}

type healthReport struct {
	Status         string            `json:"status"`
	Uptime         string            `json:"uptime"`
	Checks         map[string]string `json:"checks"`
	ActiveAttempts int64             `json:"active_attempts"`
	AuditQueue     int64             `json:"audit_queue"`
	Goroutines     int               `json:"goroutines"`
	GoVersion      string            `json:"go_version"`
}

// NewHealthHandler creates a HealthHandler. queueDepth and attempts may be
// nil.
func NewHealthHandler(
	checks map[string]HealthCheck,
	queueDepth func(ctx context.Context) (int64, error),
	attempts func() int64,
	log zerolog.Logger,
) *HealthHandler {
	return &HealthHandler{
		checks:     checks,
		queueDepth: queueDepth,
		attempts:   attempts,
		startTime:  time.Now(),
		log:        log.With().Str("component", "health_handler").Logger(),
	}
}

// Health godoc
// GET /health
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()

	report := healthReport{
		Status:     "ok",
		Uptime:     formatDuration(time.Since(h.startTime)),
		Checks:     make(map[string]string, len(h.checks)),
		Goroutines: runtime.NumGoroutine(),
		GoVersion:  runtime.Version(),
	}

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := h.checks[name](ctx); err != nil {
			h.log.Warn().Err(err).Str("dependency", name).Msg("Health check failed")
			report.Checks[name] = "down"
			report.Status = "degraded"
			continue
		}
		report.Checks[name] = "up"
	}

	if h.attempts != nil {
		report.ActiveAttempts = h.attempts()
	}
	if h.queueDepth != nil {
		report.AuditQueue, _ = h.queueDepth(ctx)
	}

	status := http.StatusOK
	if report.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	response.Success(c, status, report)
}

func formatDuration(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	}
	return fmt.Sprintf("%dm %ds", minutes, seconds)
}

package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/proctor"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
)

const (
	refreshInterval   = 15 * time.Second
	keepAliveInterval = 30 * time.Second
	refreshTimeout    = 5 * time.Second // prevent slow queries from blocking the SSE loop
)

type MonitorHandler struct {
	rdb            *redis.Client
	monitorService *service.MonitorService
	log            zerolog.Logger
}

func NewMonitorHandler(rdb *redis.Client, monitorService *service.MonitorService, log zerolog.Logger) *MonitorHandler {
	return &MonitorHandler{
		rdb:            rdb,
		monitorService: monitorService,
		log:            log.With().Str("component", "monitor_handler").Logger(),
	}
}

// MonitorTestSSE godoc
// GET /api/v1/faculty/tests/:test_id/monitor
// Streams live proctor events of a test to staff. An optional student_id
// query narrows the stream to one student. Role checks run in the route
// middleware.
func (h *MonitorHandler) MonitorTestSSE(c *gin.Context) {
	testID, err := strconv.ParseInt(c.Param("test_id"), 10, 64)
	if err != nil || testID <= 0 {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	var studentID int64
	if raw := c.Query("student_id"); raw != "" {
		studentID, err = strconv.ParseInt(raw, 10, 64)
		if err != nil || studentID <= 0 {
			response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
			return
		}
	}
	f := monitorFilter{studentID: studentID}

	reqCtx := c.Request.Context()

	snapshot, err := h.snapshot(reqCtx, testID, f)
	if err != nil {
		h.log.Error().Err(err).Int64("test_id", testID).Msg("Failed to build monitor snapshot")
		response.Fail(c, http.StatusServiceUnavailable, response.ErrServiceUnavailable)
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	c.SSEvent("message", gin.H{"type": "snapshot", "data": snapshot})
	c.Writer.Flush()

	pubsub := h.rdb.Subscribe(reqCtx, config.CacheKey.TestMonitorChannel(testID))
	defer pubsub.Close()

	ch := pubsub.Channel()

	keepAliveTicker := time.NewTicker(keepAliveInterval)
	defer keepAliveTicker.Stop()

	refreshTicker := time.NewTicker(refreshInterval)
	defer refreshTicker.Stop()

	// Only refresh after events arrived since the last snapshot.
	dirty := false

	h.log.Info().Int64("test_id", testID).Int64("student_id", studentID).Msg("Staff attached to live monitor SSE")

	pingPayload, _ := json.Marshal(map[string]string{"type": "ping"})

	for {
		select {
		case <-reqCtx.Done():
			h.log.Info().Int64("test_id", testID).Msg("Staff disconnected from live monitor SSE")
			return

		case msg, ok := <-ch:
			if !ok {
				return
			}
			if !f.matches(msg.Payload) {
				continue
			}
			// Forward the raw event JSON without re-encoding it.
			c.Writer.Write([]byte(`data: {"type":"event","data":`))
			c.Writer.Write([]byte(msg.Payload))
			c.Writer.Write([]byte("}\n\n"))
			c.Writer.Flush()
			dirty = true

		case <-refreshTicker.C:
			if !dirty {
				continue
			}
			if h.sendRefresh(c, reqCtx, testID, f) {
				dirty = false
			}

		case <-keepAliveTicker.C:
			c.Writer.Write([]byte("data: "))
			c.Writer.Write(pingPayload)
			c.Writer.Write([]byte("\n\n"))
			c.Writer.Flush()
		}
	}
}

func (h *MonitorHandler) snapshot(parentCtx context.Context, testID int64, f monitorFilter) (*service.MonitorSnapshot, error) {
	ctx, cancel := context.WithTimeout(parentCtx, refreshTimeout)
	defer cancel()
	snap, err := h.monitorService.GetSnapshot(ctx, testID, proctor.MaxViolations)
	if err != nil {
		return nil, err
	}
	return f.apply(snap), nil
}

// sendRefresh re-reads the audit trail and sends a refresh event.
func (h *MonitorHandler) sendRefresh(c *gin.Context, ctx context.Context, testID int64, f monitorFilter) bool {
	snapshot, err := h.snapshot(ctx, testID, f)
	if err != nil {
		h.log.Warn().Err(err).Int64("test_id", testID).Msg("Failed to refresh monitor snapshot")
		return false
	}
	c.SSEvent("message", gin.H{"type": "refresh", "data": snapshot})
	c.Writer.Flush()
	return true
}

// monitorFilter narrows a monitor stream to one student. The zero value
// passes everything.
type monitorFilter struct {
	studentID int64
}

func (f monitorFilter) matches(payload string) bool {
	if f.studentID == 0 {
		return true
	}
	var ev struct {
		StudentID int64 `json:"student_id"`
	}
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return false
	}
	return ev.StudentID == f.studentID
}

// apply keeps only the filtered student's row. Stats stay test-wide.
func (f monitorFilter) apply(snap *service.MonitorSnapshot) *service.MonitorSnapshot {
	if f.studentID == 0 {
		return snap
	}
	students := make([]model.StudentActivity, 0, 1)
	for _, a := range snap.Students {
		if a.StudentID == f.studentID {
			students = append(students, a)
		}
	}
	snap.Students = students
	return snap
}

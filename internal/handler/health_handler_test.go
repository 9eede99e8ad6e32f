package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
)

func serveHealth(t *testing.T, h *HealthHandler) (int, healthReport) {
	t.Helper()
	r := gin.New()
	r.GET("/health", h.Health)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	var body struct {
		Data healthReport `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return w.Code, body.Data
}

func TestHealth_AllUp(t *testing.T) {
	up := func(context.Context) error { return nil }
	h := NewHealthHandler(
		map[string]HealthCheck{"postgres": up, "redis": up},
		func(context.Context) (int64, error) { return 12, nil },
		func() int64 { return 3 },
		zerolog.Nop(),
	)

	code, report := serveHealth(t, h)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", report.Status)
	assert.Equal(t, map[string]string{"postgres": "up", "redis": "up"}, report.Checks)
	assert.EqualValues(t, 3, report.ActiveAttempts)
	assert.EqualValues(t, 12, report.AuditQueue)
}

func TestHealth_Degraded(t *testing.T) {
	h := NewHealthHandler(map[string]HealthCheck{
		"postgres": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return errors.New("connection refused") },
	}, nil, nil, zerolog.Nop())

	code, report := serveHealth(t, h)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "degraded", report.Status)
	assert.Equal(t, "down", report.Checks["redis"])
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "0m 5s", formatDuration(5*time.Second))
	assert.Equal(t, "2h 3m 4s", formatDuration(2*time.Hour+3*time.Minute+4*time.Second))
	assert.Equal(t, "1d 1h 0m 0s", formatDuration(25*time.Hour))
}

type stubActivity struct {
	err error
}

func (s stubActivity) ListActivity(ctx context.Context, testID int64) ([]model.StudentActivity, error) {
	return nil, s.err
}

func TestMonitorTestSSE_EarlyFailures(t *testing.T) {
	tests := []struct {
		name   string
		testID string
		err    error
		status int
		code   response.ErrCode
	}{
		{name: "bad id", testID: "x1", status: http.StatusBadRequest, code: response.ErrInvalidID},
		{name: "zero id", testID: "0", status: http.StatusBadRequest, code: response.ErrInvalidID},
		{name: "bad student filter", testID: "42?student_id=abc", status: http.StatusBadRequest, code: response.ErrInvalidID},
		{name: "audit store down", testID: "42", err: errors.New("pool closed"), status: http.StatusServiceUnavailable, code: response.ErrServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewMonitorHandler(nil, service.NewMonitorService(stubActivity{err: tt.err}), zerolog.Nop())
			r := gin.New()
			r.GET("/monitor/:test_id", h.MonitorTestSSE)

			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/monitor/"+tt.testID, nil))

			assert.Equal(t, tt.status, w.Code)
			var body response.Response
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, tt.code, body.Error.Code)
		})
	}
}

func TestMonitorFilter(t *testing.T) {
	all := monitorFilter{}
	assert.True(t, all.matches(`not json`))

	one := monitorFilter{studentID: 7}
	assert.True(t, one.matches(`{"test_id":42,"student_id":7,"kind":"VIOLATION"}`))
	assert.False(t, one.matches(`{"test_id":42,"student_id":8,"kind":"VIOLATION"}`))
	assert.False(t, one.matches(`not json`))

	snap := &service.MonitorSnapshot{
		TestID:   42,
		Stats:    service.MonitorStats{TotalJoined: 2},
		Students: []model.StudentActivity{{StudentID: 7}, {StudentID: 8}},
	}
	got := one.apply(snap)
	assert.Equal(t, []model.StudentActivity{{StudentID: 7}}, got.Students)
	assert.Equal(t, 2, got.Stats.TotalJoined)
}

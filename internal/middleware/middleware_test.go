package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newAuth() *service.AuthService {
	return service.NewAuthService(&config.Config{JWTSecret: "test-secret", JWTExpiry: time.Hour})
}

func mustToken(t *testing.T, auth *service.AuthService, userID int64, role service.Role) string {
	t.Helper()
	token, err := auth.GenerateToken(userID, role)
	require.NoError(t, err)
	return token
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) response.ErrCode {
	t.Helper()
	var body response.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.NotNil(t, body.Error)
	return body.Error.Code
}

func TestRequireStudentWSAuth(t *testing.T) {
	auth := newAuth()
	r := gin.New()
	r.GET("/ws", RequireStudentWSAuth(auth), func(c *gin.Context) {
		token, err := GetToken(c)
		require.NoError(t, err)
		c.JSON(http.StatusOK, gin.H{"user_id": GetClaims(c).UserID, "token": token})
	})

	student := mustToken(t, auth, 7, service.RoleStudent)
	faculty := mustToken(t, auth, 3, service.RoleFaculty)

	tests := []struct {
		name   string
		query  string
		status int
		code   response.ErrCode
	}{
		{"missing token", "", http.StatusUnauthorized, response.ErrTokenRequired},
		{"garbage token", "?token=abc", http.StatusUnauthorized, response.ErrTokenInvalid},
		{"faculty token", "?token=" + faculty, http.StatusForbidden, response.ErrStudentAccessOnly},
		{"student token", "?token=" + student, http.StatusOK, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ws"+tt.query, nil))
			assert.Equal(t, tt.status, w.Code)
			if tt.code != "" {
				assert.Equal(t, tt.code, errorCode(t, w))
				return
			}
			var body map[string]interface{}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, float64(7), body["user_id"])
			assert.Equal(t, student, body["token"])
		})
	}
}

func TestRequireJWTAndRole(t *testing.T) {
	auth := newAuth()
	r := gin.New()
	r.GET("/monitor",
		RequireJWT(auth),
		RequireRole(response.ErrStaffAccessOnly, service.StaffRoles...),
		func(c *gin.Context) { c.Status(http.StatusNoContent) },
	)

	hod := mustToken(t, auth, 3, service.RoleHOD)
	student := mustToken(t, auth, 7, service.RoleStudent)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/monitor", nil)
	req.Header.Set("Authorization", "Bearer "+hod)
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/monitor?token="+hod, nil))
	assert.Equal(t, http.StatusNoContent, w.Code, "query fallback for EventSource")

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/monitor?token="+student, nil))
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, response.ErrStaffAccessOnly, errorCode(t, w))

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/monitor", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRateLimiterRefills(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)
	now := time.Now()
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("ip:1"))
	assert.True(t, rl.Allow("ip:1"))
	assert.False(t, rl.Allow("ip:1"))
	assert.True(t, rl.Allow("ip:2"), "buckets are per key")

	now = now.Add(time.Minute)
	assert.True(t, rl.Allow("ip:1"))

	now = now.Add(10 * time.Minute)
	rl.cleanup()
	rl.mu.Lock()
	assert.Empty(t, rl.visitors)
	rl.mu.Unlock()
}

func TestRateLimiterMiddleware(t *testing.T) {
	rl := NewRateLimiter(1, time.Hour)
	r := gin.New()
	r.Use(NoStore(), rl.Middleware())
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, response.ErrRateLimitExceeded, errorCode(t, w))
}

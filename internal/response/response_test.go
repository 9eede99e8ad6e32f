package response

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestFailEnvelopeCarriesRequestID(t *testing.T) {
	r := gin.New()
	r.Use(RequestIDMiddleware())
	r.GET("/x", func(c *gin.Context) {
		FailWithFields(c, http.StatusBadRequest, ErrInvalidPayload, map[string]string{"index": "index is required"})
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("X-Request-ID", "req-123")
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "req-123", w.Header().Get("X-Request-ID"))

	var body Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.NotNil(t, body.Error)
	assert.Equal(t, ErrInvalidPayload, body.Error.Code)
	assert.Equal(t, GetMessage(ErrInvalidPayload), body.Error.Message)
	assert.Equal(t, "index is required", body.Error.Fields["index"])
	assert.Equal(t, "req-123", body.Metadata.RequestID)
	assert.NotEmpty(t, body.Metadata.Timestamp)
}

func TestSuccessGeneratesRequestID(t *testing.T) {
	r := gin.New()
	r.GET("/x", func(c *gin.Context) {
		Success(c, http.StatusOK, gin.H{"status": "ok"})
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))

	var body Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Nil(t, body.Error)
	assert.NotEmpty(t, body.Metadata.RequestID)
	assert.Equal(t, map[string]interface{}{"status": "ok"}, body.Data)
}

func TestEveryCodeHasMessage(t *testing.T) {
	codes := []ErrCode{
		ErrTokenRequired, ErrTokenInvalid, ErrStudentAccessOnly, ErrStaffAccessOnly,
		ErrInvalidID, ErrInvalidPayload, ErrUnknownAction, ErrAttemptActive, ErrNotInProgress,
		ErrWarningPending, ErrSubmitInFlight, ErrInvalidState, ErrOutOfRange, ErrQuizServiceError,
		ErrRateLimitExceeded, ErrServiceUnavailable, ErrInternal,
	}
	for _, code := range codes {
		assert.NotEqual(t, GetMessage("UNKNOWN"), GetMessage(code), code)
	}
}

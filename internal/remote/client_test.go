package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *atomic.Int32) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	var logouts atomic.Int32
	c := NewClient(Options{
		BaseURL:        srv.URL + "/api/",
		Timeout:        2 * time.Second,
		Token:          StaticToken("student-token"),
		OnUnauthorized: func() { logouts.Add(1) },
	}, zerolog.Nop())
	return c, &logouts
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func TestStartSession(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/quiz/42/start", r.URL.Path)
		assert.Equal(t, "Bearer student-token", r.Header.Get("Authorization"))
		assert.NotEmpty(t, r.Header.Get("X-Request-ID"))
		writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "student_test_id": 900})
	})

	res, err := c.StartSession(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, int64(900), res.StudentTestID)
	assert.False(t, res.AlreadyCompleted)
}

func TestStartSessionAlreadyCompleted(t *testing.T) {
	for _, code := range []int{http.StatusOK, http.StatusConflict, http.StatusBadRequest, http.StatusForbidden} {
		c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, code, map[string]interface{}{
				"success":           false,
				"already_completed": true,
				"title":             "Test Completed",
				"message":           "You have already completed this test.",
			})
		})

		res, err := c.StartSession(context.Background(), 42)
		require.NoError(t, err, "status %d", code)
		assert.True(t, res.AlreadyCompleted)
		assert.Equal(t, "Test Completed", res.Title)
		assert.Equal(t, "You have already completed this test.", res.Message)
	}
}

func TestStartSessionFailure(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"success": false, "message": "database down"})
	})

	_, err := c.StartSession(context.Background(), 42)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
	assert.Equal(t, "database down", apiErr.Message)
}

func TestStartSessionMissingID(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
	})

	_, err := c.StartSession(context.Background(), 42)
	assert.ErrorIs(t, err, ErrMalformedResponse)
}

func TestFetchPaper(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/quiz/42/questions", r.URL.Path)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"test": map[string]interface{}{
				"test_id": 42, "title": "Midterm", "subject": "DSA",
				"duration_minutes": 30, "total_questions": 1,
			},
			"questions": []map[string]interface{}{
				{"question_id": 7, "text": "Height of a single node tree?", "options": []string{"0", "1"}, "marks": 2, "topic_title": "Trees"},
			},
		})
	})

	paper, err := c.FetchPaper(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, "Midterm", paper.Test.Title)
	assert.Equal(t, 1800, paper.DurationSeconds())
	require.Len(t, paper.Questions, 1)
	assert.Equal(t, int64(7), paper.Questions[0].ID)
	assert.Equal(t, []string{"0", "1"}, paper.Questions[0].Options)
}

func TestFetchPaperRejectsInvalidPayload(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"zero duration", `{"success":true,"test":{"test_id":1,"title":"T","duration_minutes":0},"questions":[{"question_id":1,"text":"q","options":["a","b"]}]}`},
		{"single option", `{"success":true,"test":{"test_id":1,"title":"T","duration_minutes":5},"questions":[{"question_id":1,"text":"q","options":["a"]}]}`},
		{"no questions", `{"success":true,"test":{"test_id":1,"title":"T","duration_minutes":5},"questions":[]}`},
		{"not json", `<html>oops</html>`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
				_, _ = w.Write([]byte(tt.body))
			})
			_, err := c.FetchPaper(context.Background(), 1)
			assert.ErrorIs(t, err, ErrMalformedResponse)
		})
	}
}

func TestSaveAnswer(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/quiz/answer", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body map[string]int64
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, map[string]int64{"student_test_id": 900, "question_id": 7, "answer": 2}, body)
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	})

	assert.NoError(t, c.SaveAnswer(context.Background(), 900, 7, 2))
}

func TestSubmitSession(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/quiz/submit", r.URL.Path)

		var body map[string]int64
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, map[string]int64{"student_test_id": 900}, body)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"results": map[string]interface{}{"score": 75.5, "correct_answers": 3, "total_questions": 4},
		})
	})

	res, err := c.SubmitSession(context.Background(), 900)
	require.NoError(t, err)
	assert.Equal(t, 75.5, res.Score)
	assert.Equal(t, 3, res.CorrectAnswers)
	assert.Equal(t, 4, res.TotalQuestions)
}

func TestSubmitSessionMissingResults(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	})

	_, err := c.SubmitSession(context.Background(), 900)
	assert.ErrorIs(t, err, ErrMalformedResponse)
}

func TestUnauthorizedTriggersLogout(t *testing.T) {
	c, logouts := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "token expired"})
	})

	_, err := c.StartSession(context.Background(), 42)
	assert.ErrorIs(t, err, ErrUnauthorized)
	err = c.SaveAnswer(context.Background(), 900, 7, 1)
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, int32(2), logouts.Load())
}

func TestTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewClient(Options{BaseURL: url, Timeout: time.Second}, zerolog.Nop())
	_, err := c.SubmitSession(context.Background(), 900)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrMalformedResponse)
	var apiErr *APIError
	assert.False(t, errors.As(err, &apiErr))
}

func TestContextCancellation(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.StartSession(ctx, 42)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

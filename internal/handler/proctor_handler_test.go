package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/proctor"
	"github.com/stemsi/exstem-proctor/internal/remote"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// stubRemote is an in-memory quiz service for one connection.
type stubRemote struct {
	mu             sync.Mutex
	start          *model.StartResult
	paper          *model.Paper
	rejectToken    bool
	onUnauthorized func()
	saves          []int
	submits        int
}

func newStubRemote() *stubRemote {
	p := &model.Paper{Test: model.Test{ID: 42, Title: "Operating Systems Quiz", DurationMinutes: 20, TotalQuestions: 3}}
	for i := 0; i < 3; i++ {
		p.Questions = append(p.Questions, model.Question{
			ID:      int64(300 + i),
			Text:    fmt.Sprintf("Question %d", i+1),
			Options: []string{"A", "B", "C", "D"},
			Marks:   1,
		})
	}
	return &stubRemote{start: &model.StartResult{StudentTestID: 77}, paper: p}
}

func (r *stubRemote) StartSession(ctx context.Context, testID int64) (*model.StartResult, error) {
	if r.rejectToken {
		r.onUnauthorized()
		return nil, remote.ErrUnauthorized
	}
	return r.start, nil
}

func (r *stubRemote) FetchPaper(ctx context.Context, testID int64) (*model.Paper, error) {
	return r.paper, nil
}

func (r *stubRemote) SaveAnswer(ctx context.Context, studentTestID, questionID int64, option int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saves = append(r.saves, option)
	return nil
}

func (r *stubRemote) SubmitSession(ctx context.Context, studentTestID int64) (*model.Results, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.submits++
	return &model.Results{Score: 66.7, CorrectAnswers: 2, TotalQuestions: 3}, nil
}

// silentTicks never ticks, so tests control the clock.
func silentTicks() (<-chan time.Time, func()) {
	return make(chan time.Time), func() {}
}

type wsFixture struct {
	server *httptest.Server
	auth   *service.AuthService
	stub   *stubRemote
	tokens []string
	mu     sync.Mutex
}

func newWSFixture(t *testing.T) *wsFixture {
	t.Helper()
	f := &wsFixture{
		auth: service.NewAuthService(&config.Config{JWTSecret: "test-secret", JWTExpiry: time.Hour}),
		stub: newStubRemote(),
	}
	factory := func(token string, onUnauthorized func()) proctor.RemoteService {
		f.mu.Lock()
		f.tokens = append(f.tokens, token)
		f.mu.Unlock()
		f.stub.onUnauthorized = onUnauthorized
		return f.stub
	}
	h := NewProctorHandler(factory, nil, nil, proctor.Config{
		SubmitRetryDelay:  10 * time.Millisecond,
		PersistTimeout:    time.Second,
		ViolationCoalesce: time.Millisecond,
		TickSource:        silentTicks,
	}, zerolog.Nop(), nil)

	r := gin.New()
	r.GET("/ws/v1/proctor/tests/:test_id/stream", middleware.RequireStudentWSAuth(f.auth), h.ProctorStream)
	f.server = httptest.NewServer(r)
	t.Cleanup(f.server.Close)
	return f
}

func (f *wsFixture) url(t *testing.T, testID string) string {
	t.Helper()
	token, err := f.auth.GenerateToken(7, service.RoleStudent)
	require.NoError(t, err)
	return "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws/v1/proctor/tests/" + testID + "/stream?token=" + token
}

func (f *wsFixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(f.url(t, "42"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

type frame map[string]interface{}

// readUntil returns the first frame of the given event, skipping others.
func readUntil(t *testing.T, conn *websocket.Conn, event string) frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var f frame
		require.NoError(t, conn.ReadJSON(&f), "waiting for %q", event)
		if f["event"] == event {
			return f
		}
	}
}

// readState returns the first state frame whose session is in state.
func readState(t *testing.T, conn *websocket.Conn, state model.SessionState) frame {
	t.Helper()
	for {
		f := readUntil(t, conn, "state")
		session := f["session"].(map[string]interface{})
		if session["state"] == string(state) {
			return session
		}
	}
}

func send(t *testing.T, conn *websocket.Conn, v interface{}) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(v))
}

func TestProctorStream_RejectsBadTestID(t *testing.T) {
	f := newWSFixture(t)
	url := strings.Replace(f.url(t, "abc"), "ws", "http", 1)

	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var body response.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, response.ErrInvalidID, body.Error.Code)
}

func TestProctorStream_FullAttempt(t *testing.T) {
	f := newWSFixture(t)
	conn := f.dial(t)

	readState(t, conn, model.SessionStateNotStarted)

	send(t, conn, map[string]interface{}{"action": "acknowledge"})
	readState(t, conn, model.SessionStateInProgress)

	paper := readUntil(t, conn, "paper")
	assert.Len(t, paper["questions"], 3)
	assert.Contains(t, paper["forbidden_chords"], "F12")
	assert.Equal(t, "Operating Systems Quiz", paper["test"].(map[string]interface{})["title"])

	send(t, conn, map[string]interface{}{"action": "select", "option": 2})
	session := readState(t, conn, model.SessionStateInProgress)
	counts := session["counts"].(map[string]interface{})
	assert.EqualValues(t, 1, counts["answered"])

	send(t, conn, map[string]interface{}{"action": "navigate", "index": 2})
	session = readState(t, conn, model.SessionStateInProgress)
	assert.EqualValues(t, 2, session["current_index"])

	send(t, conn, map[string]interface{}{"action": "submit"})
	session = readState(t, conn, model.SessionStateSubmitted)
	assert.Equal(t, "manual", session["submit_reason"])
	assert.EqualValues(t, 2, session["results"].(map[string]interface{})["correct_answers"])

	f.mu.Lock()
	require.Len(t, f.tokens, 1)
	assert.NotEmpty(t, f.tokens[0])
	f.mu.Unlock()

	assert.Eventually(t, func() bool {
		f.stub.mu.Lock()
		defer f.stub.mu.Unlock()
		return len(f.stub.saves) == 1 && f.stub.submits == 1
	}, time.Second, 10*time.Millisecond)
}

func TestProctorStream_RejectsActionsBeforeStart(t *testing.T) {
	f := newWSFixture(t)
	conn := f.dial(t)
	readState(t, conn, model.SessionStateNotStarted)

	send(t, conn, map[string]interface{}{"action": "skip"})
	errFrame := readUntil(t, conn, "error")
	assert.Equal(t, string(response.ErrNotInProgress), errFrame["code"])
}

func TestProctorStream_InvalidPayloads(t *testing.T) {
	f := newWSFixture(t)
	conn := f.dial(t)
	readState(t, conn, model.SessionStateNotStarted)

	tests := []struct {
		name  string
		raw   string
		code  response.ErrCode
		field string
	}{
		{name: "not json", raw: `{"action":`, code: response.ErrInvalidPayload, field: "body"},
		{name: "missing action", raw: `{}`, code: response.ErrInvalidPayload, field: "action"},
		{name: "navigate without index", raw: `{"action":"navigate"}`, code: response.ErrInvalidPayload, field: "index"},
		{name: "negative option", raw: `{"action":"select","option":-1}`, code: response.ErrInvalidPayload, field: "option"},
		{name: "chord missing", raw: `{"action":"signal","kind":"key_chord"}`, code: response.ErrInvalidPayload, field: "chord"},
		{name: "unknown signal", raw: `{"action":"signal","kind":"shake"}`, code: response.ErrInvalidPayload, field: "kind"},
		{name: "unknown action", raw: `{"action":"teleport"}`, code: response.ErrUnknownAction},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(tt.raw)))
			errFrame := readUntil(t, conn, "error")
			assert.Equal(t, string(tt.code), errFrame["code"])
			if tt.field != "" {
				fields, ok := errFrame["fields"].(map[string]interface{})
				require.True(t, ok)
				assert.Contains(t, fields, tt.field)
			}
		})
	}
}

func TestProctorStream_ViolationWarning(t *testing.T) {
	f := newWSFixture(t)
	conn := f.dial(t)
	send(t, conn, map[string]interface{}{"action": "acknowledge"})
	readUntil(t, conn, "paper")

	send(t, conn, map[string]interface{}{"action": "signal", "kind": "key_chord", "chord": "f12"})
	violation := readUntil(t, conn, "violation")
	assert.EqualValues(t, 1, violation["violation"].(map[string]interface{})["count"])
	warning := readUntil(t, conn, "warning")
	assert.EqualValues(t, 2, warning["warning"].(map[string]interface{})["remaining"])

	send(t, conn, map[string]interface{}{"action": "select", "option": 0})
	errFrame := readUntil(t, conn, "error")
	assert.Equal(t, string(response.ErrWarningPending), errFrame["code"])

	send(t, conn, map[string]interface{}{"action": "ack_warning"})
	session := readState(t, conn, model.SessionStateInProgress)
	assert.Nil(t, session["warning"])
	assert.EqualValues(t, 1, session["violation_count"])
}

func TestProctorStream_PingPong(t *testing.T) {
	f := newWSFixture(t)
	conn := f.dial(t)

	send(t, conn, map[string]interface{}{"action": "ping"})
	readUntil(t, conn, "pong")
}

func TestProctorStream_UnauthorizedLogsOut(t *testing.T) {
	f := newWSFixture(t)
	f.stub.rejectToken = true
	conn := f.dial(t)

	send(t, conn, map[string]interface{}{"action": "acknowledge"})
	readUntil(t, conn, "logout")

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error: %v", err)
			break
		}
	}
}

func TestSessionErrorCode(t *testing.T) {
	tests := []struct {
		err  error
		want response.ErrCode
	}{
		{proctor.ErrWarningPending, response.ErrWarningPending},
		{proctor.ErrSubmitInFlight, response.ErrSubmitInFlight},
		{proctor.ErrNotInProgress, response.ErrNotInProgress},
		{proctor.ErrQuestionOutOfRange, response.ErrOutOfRange},
		{fmt.Errorf("select: %w", proctor.ErrOptionOutOfRange), response.ErrOutOfRange},
		{proctor.ErrInvalidTransition, response.ErrInvalidState},
		{proctor.ErrSessionClosed, response.ErrInvalidState},
		{&remote.APIError{StatusCode: 502}, response.ErrQuizServiceError},
		{fmt.Errorf("start: %w", remote.ErrMalformedResponse), response.ErrQuizServiceError},
		{errors.New("boom"), response.ErrInternal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, sessionErrorCode(tt.err), tt.err.Error())
	}
}

func TestBuildUpgrader_CheckOrigin(t *testing.T) {
	open := buildUpgrader(nil)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://evil.example")
	assert.True(t, open.CheckOrigin(req))

	strict := buildUpgrader([]string{"https://exam.example.edu"})
	assert.False(t, strict.CheckOrigin(req))
	req.Header.Set("Origin", "https://EXAM.example.edu")
	assert.True(t, strict.CheckOrigin(req))
}

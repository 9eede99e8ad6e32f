package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/proctor"
	"github.com/stemsi/exstem-proctor/internal/remote"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/validator"
	ws "github.com/stemsi/exstem-proctor/internal/websocket"
)

// buildUpgrader creates a WebSocket upgrader with origin validation.
// allowedOrigins comes from config.Config.AllowedOrigins.
// An empty slice permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// RemoteFactory builds the quiz service client for one connection. The
// client acts with the student's own token; onUnauthorized fires when the
// quiz service rejects it.
type RemoteFactory func(token string, onUnauthorized func()) proctor.RemoteService

// ProctorHandler runs one proctored attempt per WebSocket connection.
type ProctorHandler struct {
	remotes   RemoteFactory
	locks     *service.RunnerLockService
	publisher service.EventPublisher
	base      proctor.Config
	log       zerolog.Logger
	upgrader  websocket.Upgrader

	active atomic.Int64
}

// NewProctorHandler creates a new ProctorHandler. base carries the session
// tuning shared by every attempt. A nil locks disables the single-runner
// guard and a nil publisher disables the audit trail.
func NewProctorHandler(
	remotes RemoteFactory,
	locks *service.RunnerLockService,
	publisher service.EventPublisher,
	base proctor.Config,
	log zerolog.Logger,
	allowedOrigins []string,
) *ProctorHandler {
	return &ProctorHandler{
		remotes:   remotes,
		locks:     locks,
		publisher: publisher,
		base:      base,
		log:       log.With().Str("component", "proctor_handler").Logger(),
		upgrader:  buildUpgrader(allowedOrigins),
	}
}

// ActiveAttempts returns the number of open attempt streams.
func (h *ProctorHandler) ActiveAttempts() int64 {
	return h.active.Load()
}

// ProctorStream godoc
// WS /ws/v1/proctor/tests/:test_id/stream
// Upgrades to WebSocket and drives one proctored attempt for the student.
func (h *ProctorHandler) ProctorStream(c *gin.Context) {
	claims := middleware.GetClaims(c)
	token, err := middleware.GetToken(c)
	if claims == nil || err != nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	testID, err := strconv.ParseInt(c.Param("test_id"), 10, 64)
	if err != nil || testID <= 0 {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	if h.locks != nil {
		lock, err := h.locks.Acquire(c.Request.Context(), testID, claims.UserID)
		switch {
		case errors.Is(err, service.ErrAttemptActive):
			response.Fail(c, http.StatusConflict, response.ErrAttemptActive)
			return
		case err != nil:
			h.log.Error().Err(err).Int64("test_id", testID).Msg("Runner lock unavailable")
			response.Fail(c, http.StatusServiceUnavailable, response.ErrServiceUnavailable)
			return
		}
		defer lock.Release(context.Background())
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	wsLog := h.log.With().
		Int64("student_id", claims.UserID).
		Int64("test_id", testID).
		Logger()

	stream := ws.NewStream(conn, wsLog)
	defer stream.Close()

	observers := proctor.MultiObserver{streamObserver{stream: stream}}
	if h.publisher != nil {
		observers = append(observers, service.NewAuditObserver(h.publisher, testID, claims.UserID, wsLog))
	}

	cfg := h.base
	cfg.TestID = testID
	cfg.StudentID = claims.UserID
	cfg.Observer = observers

	quiz := h.remotes(token, func() {
		wsLog.Warn().Msg("Quiz service rejected student token, logging out")
		stream.Send(ws.LogoutResponse{Event: ws.EventLogout})
		go stream.Close()
	})
	sess := proctor.NewSession(quiz, cfg, wsLog)
	defer sess.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h.active.Add(1)
	defer h.active.Add(-1)

	wsLog.Info().Msg("Student connected")
	stream.Send(ws.StateResponse{Event: ws.EventState, Session: sess.Snapshot()})

	a := &attempt{session: sess, stream: stream, chords: proctor.ChordList(cfg.ForbiddenChords), log: wsLog}
	for {
		data, err := ws.ReadMessage(conn)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wsLog.Warn().Err(err).Msg("Unexpected close")
			} else {
				wsLog.Debug().Msg("Connection closed")
			}
			break
		}
		a.dispatch(ctx, data)
	}
}

// attempt routes client actions for one connection to its session.
type attempt struct {
	session *proctor.Session
	stream  *ws.Stream
	chords  []string
	log     zerolog.Logger
}

func (a *attempt) dispatch(ctx context.Context, data []byte) {
	var env ws.RequestEnvelope
	if fields := decodeRequest(data, &env); fields != nil {
		a.fail(response.ErrInvalidPayload, fields)
		return
	}

	var err error
	switch env.Action {
	case ws.ActionAcknowledge:
		err = a.session.Acknowledge(ctx)
		if err == nil {
			a.sendPaper()
		}
	case ws.ActionAbandon:
		err = a.session.Abandon()
	case ws.ActionNavigate:
		var req ws.NavigateRequest
		if fields := decodeRequest(data, &req); fields != nil {
			a.fail(response.ErrInvalidPayload, fields)
			return
		}
		err = a.session.Navigate(*req.Index)
	case ws.ActionSelect:
		var req ws.SelectRequest
		if fields := decodeRequest(data, &req); fields != nil {
			a.fail(response.ErrInvalidPayload, fields)
			return
		}
		err = a.session.Select(*req.Option)
	case ws.ActionSkip:
		err = a.session.Skip()
	case ws.ActionSubmit:
		_, err = a.session.Submit(ctx)
	case ws.ActionAcknowledgeWarning:
		err = a.session.AcknowledgeWarning()
	case ws.ActionSignal:
		var req ws.SignalRequest
		if fields := decodeRequest(data, &req); fields != nil {
			a.fail(response.ErrInvalidPayload, fields)
			return
		}
		a.session.Observe(proctor.Signal{
			Kind:   proctor.SignalKind(req.Kind),
			Chord:  req.Chord,
			Repeat: req.Repeat,
			At:     time.Now(),
		})
	case ws.ActionPing:
		a.stream.Send(ws.PongResponse{Event: ws.EventPong})
	default:
		a.log.Warn().Str("action", string(env.Action)).Msg("Unknown action")
		a.fail(response.ErrUnknownAction, nil)
		return
	}

	if err == nil {
		return
	}
	// Setup and submit failures already reached the client as a state event
	// carrying a notice.
	if errors.Is(err, proctor.ErrSetupFailed) || errors.Is(err, proctor.ErrSubmitFailed) {
		return
	}
	a.log.Debug().Err(err).Str("action", string(env.Action)).Msg("Action rejected")
	a.fail(sessionErrorCode(err), nil)
}

// sendPaper delivers the question set once the attempt is in progress.
func (a *attempt) sendPaper() {
	snap := a.session.Snapshot()
	if snap.Test == nil {
		return
	}
	a.stream.Send(ws.PaperResponse{
		Event:           ws.EventPaper,
		Test:            *snap.Test,
		Questions:       a.session.Questions(),
		ForbiddenChords: a.chords,
	})
}

func (a *attempt) fail(code response.ErrCode, fields map[string]string) {
	a.stream.SendError(string(code), response.GetMessage(code), fields)
}

// decodeRequest unmarshals and validates one client frame. It returns the
// field errors, or nil when dst is usable.
func decodeRequest(data []byte, dst interface{}) map[string]string {
	if err := json.Unmarshal(data, dst); err != nil {
		return map[string]string{"body": "must be a valid JSON object"}
	}
	if err := validator.Struct(dst); err != nil {
		return validator.TranslateErrors(err)
	}
	return nil
}

func sessionErrorCode(err error) response.ErrCode {
	switch {
	case errors.Is(err, proctor.ErrWarningPending):
		return response.ErrWarningPending
	case errors.Is(err, proctor.ErrSubmitInFlight):
		return response.ErrSubmitInFlight
	case errors.Is(err, proctor.ErrNotInProgress):
		return response.ErrNotInProgress
	case errors.Is(err, proctor.ErrQuestionOutOfRange), errors.Is(err, proctor.ErrOptionOutOfRange):
		return response.ErrOutOfRange
	case errors.Is(err, proctor.ErrInvalidTransition), errors.Is(err, proctor.ErrSessionClosed):
		return response.ErrInvalidState
	case errors.Is(err, remote.ErrMalformedResponse), errors.As(err, new(*remote.APIError)):
		return response.ErrQuizServiceError
	default:
		return response.ErrInternal
	}
}

// streamObserver mirrors session events onto the student's connection.
type streamObserver struct {
	stream *ws.Stream
}

func (o streamObserver) StateChanged(snap proctor.Snapshot) {
	o.stream.Send(ws.StateResponse{Event: ws.EventState, Session: snap})
}

func (o streamObserver) Tick(remainingSeconds int) {
	o.stream.Send(ws.TickResponse{Event: ws.EventTick, RemainingSeconds: remainingSeconds})
}

func (o streamObserver) Warned(w proctor.Warning) {
	o.stream.Send(ws.WarningResponse{Event: ws.EventWarning, Warning: w})
}

func (o streamObserver) Violated(ev model.ViolationEvent) {
	o.stream.Send(ws.ViolationResponse{Event: ws.EventViolation, Violation: ev})
}

package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/validator"
)

var (
	// ErrUnauthorized is returned when the quiz service rejects the bearer token.
	ErrUnauthorized = errors.New("quiz service rejected credentials")
	// ErrMalformedResponse is returned when a body cannot be decoded or fails validation.
	ErrMalformedResponse = errors.New("malformed quiz service response")
)

// maxBodyBytes caps how much of a response body is read.
const maxBodyBytes = 4 << 20

// APIError is a well-formed failure reported by the quiz service.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("quiz service returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("quiz service returned status %d: %s", e.StatusCode, e.Message)
}

// TokenSource returns the current bearer token.
type TokenSource func() string

// StaticToken returns a TokenSource that always yields token.
func StaticToken(token string) TokenSource {
	return func() string { return token }
}

// Options configures a Client.
type Options struct {
	BaseURL string
	Timeout time.Duration
	Token   TokenSource
	// OnUnauthorized is called on every 401 (global logout).
	OnUnauthorized func()
	HTTPClient     *http.Client
}

// Client talks to the quiz service that owns attempts, answers and scores.
type Client struct {
	baseURL        string
	httpClient     *http.Client
	token          TokenSource
	onUnauthorized func()
	log            zerolog.Logger
}

// NewClient creates a quiz service client.
func NewClient(opts Options, log zerolog.Logger) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	token := opts.Token
	if token == nil {
		token = StaticToken("")
	}
	return &Client{
		baseURL:        strings.TrimRight(opts.BaseURL, "/"),
		httpClient:     httpClient,
		token:          token,
		onUnauthorized: opts.OnUnauthorized,
		log:            log.With().Str("component", "quiz_client").Logger(),
	}
}

// status is the part every quiz service body shares.
type status struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

func (s status) text() string {
	if s.Message != "" {
		return s.Message
	}
	return s.Error
}

type startResponse struct {
	status
	StudentTestID    int64  `json:"student_test_id"`
	AlreadyCompleted bool   `json:"already_completed"`
	Title            string `json:"title"`
}

type questionsResponse struct {
	status
	model.Paper
}

type answerRequest struct {
	StudentTestID int64 `json:"student_test_id"`
	QuestionID    int64 `json:"question_id"`
	Answer        int   `json:"answer"`
}

type submitRequest struct {
	StudentTestID int64 `json:"student_test_id"`
}

type submitResponse struct {
	status
	Results *model.Results `json:"results"`
}

// StartSession opens (or reopens) the attempt for testID. A test the student
// already finished yields AlreadyCompleted rather than an error, whatever the
// status code other than 401.
func (c *Client) StartSession(ctx context.Context, testID int64) (*model.StartResult, error) {
	var resp startResponse
	code, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/quiz/%d/start", testID), struct{}{}, &resp)
	if err != nil {
		return nil, err
	}

	if resp.AlreadyCompleted {
		return &model.StartResult{
			AlreadyCompleted: true,
			Title:            resp.Title,
			Message:          resp.Message,
		}, nil
	}
	if !isSuccess(code) || !resp.Success {
		return nil, &APIError{StatusCode: code, Message: resp.text()}
	}
	if resp.StudentTestID <= 0 {
		return nil, fmt.Errorf("%w: start: missing student_test_id", ErrMalformedResponse)
	}
	return &model.StartResult{StudentTestID: resp.StudentTestID}, nil
}

// FetchPaper loads the test header and question set.
func (c *Client) FetchPaper(ctx context.Context, testID int64) (*model.Paper, error) {
	var resp questionsResponse
	code, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/quiz/%d/questions", testID), nil, &resp)
	if err != nil {
		return nil, err
	}
	if !isSuccess(code) || !resp.Success {
		return nil, &APIError{StatusCode: code, Message: resp.text()}
	}
	if err := validator.Struct(&resp.Paper); err != nil {
		return nil, fmt.Errorf("%w: questions: %v", ErrMalformedResponse, validator.TranslateErrors(err))
	}
	return &resp.Paper, nil
}

// SaveAnswer persists one selection.
func (c *Client) SaveAnswer(ctx context.Context, studentTestID, questionID int64, option int) error {
	var resp status
	body := answerRequest{StudentTestID: studentTestID, QuestionID: questionID, Answer: option}
	code, err := c.do(ctx, http.MethodPost, "/quiz/answer", body, &resp)
	if err != nil {
		return err
	}
	if !isSuccess(code) || !resp.Success {
		return &APIError{StatusCode: code, Message: resp.text()}
	}
	return nil
}

// SubmitSession finalizes the attempt. The quiz service scores from the
// answers it stored, so no answers are sent.
func (c *Client) SubmitSession(ctx context.Context, studentTestID int64) (*model.Results, error) {
	var resp submitResponse
	code, err := c.do(ctx, http.MethodPost, "/quiz/submit", submitRequest{StudentTestID: studentTestID}, &resp)
	if err != nil {
		return nil, err
	}
	if !isSuccess(code) || !resp.Success {
		return nil, &APIError{StatusCode: code, Message: resp.text()}
	}
	if resp.Results == nil {
		return nil, fmt.Errorf("%w: submit: missing results", ErrMalformedResponse)
	}
	if err := validator.Struct(resp.Results); err != nil {
		return nil, fmt.Errorf("%w: submit: %v", ErrMalformedResponse, validator.TranslateErrors(err))
	}
	return resp.Results, nil
}

// do sends one request and decodes the body into out whatever the status.
// Only transport failures, 401 and undecodable success bodies are errors.
func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) (int, error) {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, fmt.Errorf("build %s %s: %w", method, path, err)
	}
	reqID := uuid.New().String()
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", reqID)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Warn().Err(err).Str("method", method).Str("path", path).Str("request_id", reqID).Msg("Quiz service unreachable")
		return 0, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read %s %s: %w", method, path, err)
	}

	c.log.Debug().
		Str("method", method).
		Str("path", path).
		Str("request_id", reqID).
		Int("status", resp.StatusCode).
		Dur("latency", time.Since(start)).
		Msg("Quiz service call")

	if resp.StatusCode == http.StatusUnauthorized {
		c.log.Warn().Str("path", path).Msg("Quiz service rejected token")
		if c.onUnauthorized != nil {
			c.onUnauthorized()
		}
		return resp.StatusCode, ErrUnauthorized
	}

	if len(bytes.TrimSpace(raw)) == 0 {
		if isSuccess(resp.StatusCode) {
			return resp.StatusCode, fmt.Errorf("%w: %s %s: empty body", ErrMalformedResponse, method, path)
		}
		return resp.StatusCode, nil
	}
	if err := json.Unmarshal(raw, out); err != nil && isSuccess(resp.StatusCode) {
		return resp.StatusCode, fmt.Errorf("%w: %s %s: %v", ErrMalformedResponse, method, path, err)
	}
	return resp.StatusCode, nil
}

func isSuccess(code int) bool {
	return code >= 200 && code < 300
}

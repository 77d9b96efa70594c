package conversation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"sync"
	"time"

	"devopspal/internal/backend"
	"devopspal/internal/config"
	"devopspal/internal/session"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// FallbackReply is appended to the transcript in place of a real reply when
// an exchange fails.
const FallbackReply = "Sorry, I encountered an error. Please try again."

var (
	// ErrEmptyMessage is returned when the message is blank after trimming.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrNoSession is returned when no session has been started yet.
	ErrNoSession = errors.New("no active session")
	// ErrBusy is returned when another call is already in flight.
	ErrBusy = errors.New("another call is in flight")
	// ErrSessionReplaced is returned when a reply settles after the session
	// it belongs to was replaced; its transcript effects are discarded.
	ErrSessionReplaced = errors.New("session replaced before reply settled")
)

// Controller owns conversation state (session id, transcript, in-flight
// flag) and mediates the backend operations. All mutation happens under a
// single mutex so it can be driven from any goroutine.
type Controller struct {
	baseURL    string
	authToken  string
	httpClient *http.Client
	logger     *slog.Logger
	tracer     trace.Tracer
	meter      metric.Meter

	mu        sync.Mutex
	sessionID string
	startTime time.Time
	messages  []session.Message
	inFlight  bool
	starting  bool
	epoch     uint64
}

// NewController creates a conversation controller for the configured
// backend. The HTTP client carries a cookie jar so backend-issued session
// cookies survive across calls; a bearer token can be layered on top via
// config without touching the controller logic.
func NewController(cfg config.Config, logger *slog.Logger, tracer trace.Tracer, meter metric.Meter) (*Controller, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}

	return &Controller{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		authToken: cfg.AuthToken,
		httpClient: &http.Client{
			Jar:     jar,
			Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		},
		logger: logger,
		tracer: tracer,
		meter:  meter,
	}, nil
}

// StartSession asks the backend for a fresh session. On success the held
// session id is replaced and the transcript is cleared; prior contents are
// never merged. On failure the previous session and transcript are left
// untouched and the condition is only logged.
//
// A start is allowed while an exchange is still outstanding; bumping the
// epoch makes that exchange's eventual settlement stale so it cannot land
// on the reset transcript.
func (c *Controller) StartSession(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.starting {
		c.mu.Unlock()
		return "", ErrBusy
	}
	c.starting = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.starting = false
		c.mu.Unlock()
	}()

	ctx, span := c.tracer.Start(ctx, "start_session")
	defer span.End()

	var out backend.StartSessionResponse
	if err := c.post(ctx, "/api/start_session", nil, &out); err != nil {
		c.logger.Error("failed to start session", "error", err)
		return "", err
	}
	if out.SessionID == "" {
		err := errors.New("backend returned empty session_id")
		c.logger.Error("failed to start session", "error", err)
		return "", err
	}

	c.mu.Lock()
	c.sessionID = out.SessionID
	c.startTime = time.Now()
	c.messages = nil
	c.epoch++
	c.mu.Unlock()

	c.logger.Info("started session", "session_id", out.SessionID)
	return out.SessionID, nil
}

// Send submits one user message and waits for the assistant reply. The user
// message is appended to the transcript before the network call is issued.
// The returned string is whatever was appended as the assistant turn: the
// real reply, FallbackReply when the call failed (err then carries the
// diagnostic), or "" when the backend answered without a reply field.
//
// Preconditions: non-blank text, an active session, and no call already in
// flight; otherwise nothing is sent and nothing changes.
func (c *Controller) Send(ctx context.Context, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyMessage
	}

	c.mu.Lock()
	if c.sessionID == "" {
		c.mu.Unlock()
		return "", ErrNoSession
	}
	if c.inFlight || c.starting {
		c.mu.Unlock()
		return "", ErrBusy
	}
	c.inFlight = true
	c.messages = append(c.messages, session.Message{
		Role:      session.RoleUser,
		Content:   text,
		Timestamp: time.Now(),
	})
	sid := c.sessionID
	epoch := c.epoch
	c.mu.Unlock()

	reply, err := c.exchange(ctx, sid, text)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.inFlight = false

	if c.epoch != epoch {
		c.logger.Warn("discarding stale exchange result", "session_id", sid)
		return "", ErrSessionReplaced
	}

	if err != nil {
		c.logger.Error("exchange failed", "session_id", sid, "error", err)
		c.messages = append(c.messages, session.Message{
			Role:      session.RoleAssistant,
			Content:   FallbackReply,
			Timestamp: time.Now(),
		})
		return FallbackReply, err
	}

	if reply == "" {
		c.logger.Warn("backend answered without a reply", "session_id", sid)
		return "", nil
	}

	c.messages = append(c.messages, session.Message{
		Role:      session.RoleAssistant,
		Content:   reply,
		Timestamp: time.Now(),
	})
	return reply, nil
}

// History fetches the backend's view of the current session's transcript,
// which can include system and tool turns the client never produced.
func (c *Controller) History(ctx context.Context) ([]session.Message, error) {
	c.mu.Lock()
	sid := c.sessionID
	c.mu.Unlock()
	if sid == "" {
		return nil, ErrNoSession
	}

	ctx, span := c.tracer.Start(ctx, "fetch_history")
	defer span.End()

	var out backend.HistoryResponse
	if err := c.post(ctx, "/api/history", backend.HistoryRequest{SessionID: sid}, &out); err != nil {
		c.logger.Error("failed to fetch history", "session_id", sid, "error", err)
		return nil, err
	}

	messages := make([]session.Message, len(out.History))
	for i, m := range out.History {
		messages[i] = session.Message{
			Role:     m.Role,
			Content:  m.Content,
			ToolCall: m.ToolCall,
		}
	}
	return messages, nil
}

// Resume replaces conversation state with a previously archived session.
// The backend keeps session history server-side, so exchanges against a
// resumed id continue the old conversation.
func (c *Controller) Resume(sess *session.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sessionID = sess.ID
	c.startTime = sess.StartTime
	c.messages = append([]session.Message(nil), sess.Messages...)
	c.epoch++

	c.logger.Info("resumed session", "session_id", sess.ID, "message_count", len(sess.Messages))
}

// exchange performs one POST /api/chat round trip.
func (c *Controller) exchange(ctx context.Context, sessionID, message string) (string, error) {
	ctx, span := c.tracer.Start(ctx, "chat_exchange")
	defer span.End()

	start := time.Now()

	var out backend.ChatResponse
	err := c.post(ctx, "/api/chat", backend.ChatRequest{SessionID: sessionID, Message: message}, &out)

	duration := time.Since(start)
	histogram, herr := c.meter.Float64Histogram(
		"http.client.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
	)
	if herr == nil {
		histogram.Record(ctx, float64(duration.Milliseconds()))
	}
	counter, cerr := c.meter.Int64Counter(
		"chat.exchanges",
		metric.WithDescription("Number of chat exchanges attempted"),
	)
	if cerr == nil {
		counter.Add(ctx, 1)
	}

	if err != nil {
		return "", err
	}
	return out.Response, nil
}

// post sends a JSON POST to the backend and decodes the response into out.
func (c *Controller) post(ctx context.Context, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		jsonData, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewBuffer(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("content-type", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("API error: %s - %s", resp.Status, string(respBody))
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}

// SessionID returns the current session identifier, or "" before the first
// successful start.
func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// InFlight reports whether a start or exchange call is currently
// outstanding. Callers use it to gate user-triggered operations.
func (c *Controller) InFlight() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight || c.starting
}

// Transcript returns a copy of the conversation so far.
func (c *Controller) Transcript() []session.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]session.Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// Snapshot captures the current session for archiving.
func (c *Controller) Snapshot() *session.Session {
	c.mu.Lock()
	defer c.mu.Unlock()

	messages := make([]session.Message, len(c.messages))
	copy(messages, c.messages)

	return &session.Session{
		ID:        c.sessionID,
		StartTime: c.startTime,
		BaseURL:   c.baseURL,
		Messages:  messages,
	}
}

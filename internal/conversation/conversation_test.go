package conversation_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"devopspal/internal/config"
	"devopspal/internal/conversation"
	"devopspal/internal/session"

	"github.com/stretchr/testify/require"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

func newController(t *testing.T, baseURL string) *conversation.Controller {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctrl, err := conversation.NewController(
		config.Config{BaseURL: baseURL},
		logger,
		tracenoop.NewTracerProvider().Tracer("test"),
		metricnoop.NewMeterProvider().Meter("test"),
	)
	require.NoError(t, err)
	return ctrl
}

// startSessionHandler returns session ids from ids in order, repeating the
// last one once exhausted.
func startSessionHandler(ids ...string) http.HandlerFunc {
	var calls atomic.Int32
	return func(w http.ResponseWriter, r *http.Request) {
		n := int(calls.Add(1)) - 1
		if n >= len(ids) {
			n = len(ids) - 1
		}
		json.NewEncoder(w).Encode(map[string]string{"session_id": ids[n]})
	}
}

func chatReply(response string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"response": response})
	}
}

func TestStartSessionReplacesStateAndClearsTranscript(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/start_session", startSessionHandler("s1", "s2"))
	mux.HandleFunc("/api/chat", chatReply("hello there"))
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ctrl := newController(t, srv.URL)
	ctx := context.Background()

	id, err := ctrl.StartSession(ctx)
	require.NoError(t, err)
	require.Equal(t, "s1", id)

	_, err = ctrl.Send(ctx, "hi")
	require.NoError(t, err)
	require.Len(t, ctrl.Transcript(), 2)

	id, err = ctrl.StartSession(ctx)
	require.NoError(t, err)
	require.Equal(t, "s2", id)
	require.Equal(t, "s2", ctrl.SessionID())
	require.Empty(t, ctrl.Transcript(), "restart must discard the prior transcript")
}

func TestSendWithoutSessionIsNoOp(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
	}))
	defer srv.Close()

	ctrl := newController(t, srv.URL)

	_, err := ctrl.Send(context.Background(), "hello")
	require.ErrorIs(t, err, conversation.ErrNoSession)
	require.Empty(t, ctrl.Transcript())
	require.Zero(t, requests.Load(), "no request may be issued without a session")
}

func TestSendWhitespaceOnlyIsNoOp(t *testing.T) {
	var chatRequests atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/start_session", startSessionHandler("s1"))
	mux.HandleFunc("/api/chat", func(w http.ResponseWriter, r *http.Request) {
		chatRequests.Add(1)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ctrl := newController(t, srv.URL)
	_, err := ctrl.StartSession(context.Background())
	require.NoError(t, err)

	_, err = ctrl.Send(context.Background(), "   \t\n")
	require.ErrorIs(t, err, conversation.ErrEmptyMessage)
	require.Empty(t, ctrl.Transcript())
	require.Zero(t, chatRequests.Load())
}

func TestSendAppendsUserMessageBeforeCallResolves(t *testing.T) {
	ctrlCh := make(chan *conversation.Controller, 1)
	observed := make(chan []session.Message, 1)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/start_session", startSessionHandler("s1"))
	mux.HandleFunc("/api/chat", func(w http.ResponseWriter, r *http.Request) {
		ctrl := <-ctrlCh
		observed <- ctrl.Transcript()
		chatReply("ack")(w, r)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ctrl := newController(t, srv.URL)
	_, err := ctrl.StartSession(context.Background())
	require.NoError(t, err)

	ctrlCh <- ctrl
	_, err = ctrl.Send(context.Background(), "deploy app")
	require.NoError(t, err)

	during := <-observed
	require.Len(t, during, 1, "user message must be appended before the call resolves")
	require.Equal(t, session.RoleUser, during[0].Role)
	require.Equal(t, "deploy app", during[0].Content)
}

func TestSendAppendsAssistantReply(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/start_session", startSessionHandler("s1"))
	mux.HandleFunc("/api/chat", chatReply("X"))
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ctrl := newController(t, srv.URL)
	_, err := ctrl.StartSession(context.Background())
	require.NoError(t, err)

	reply, err := ctrl.Send(context.Background(), "question")
	require.NoError(t, err)
	require.Equal(t, "X", reply)

	transcript := ctrl.Transcript()
	require.Len(t, transcript, 2)
	require.Equal(t, session.RoleUser, transcript[0].Role)
	require.Equal(t, session.RoleAssistant, transcript[1].Role)
	require.Equal(t, "X", transcript[1].Content)
}

func TestSendServerErrorAppendsFallback(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/start_session", startSessionHandler("s1"))
	mux.HandleFunc("/api/chat", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ctrl := newController(t, srv.URL)
	_, err := ctrl.StartSession(context.Background())
	require.NoError(t, err)

	reply, err := ctrl.Send(context.Background(), "fail me")
	require.Error(t, err)
	require.Equal(t, conversation.FallbackReply, reply)

	transcript := ctrl.Transcript()
	require.Len(t, transcript, 2)
	require.Equal(t, "fail me", transcript[0].Content)
	require.Equal(t, session.RoleAssistant, transcript[1].Role)
	require.Equal(t, conversation.FallbackReply, transcript[1].Content)
}

func TestSendMissingResponseFieldAppendsNothing(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/start_session", startSessionHandler("s1"))
	mux.HandleFunc("/api/chat", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ctrl := newController(t, srv.URL)
	_, err := ctrl.StartSession(context.Background())
	require.NoError(t, err)

	reply, err := ctrl.Send(context.Background(), "anyone there")
	require.NoError(t, err, "a reply-less success is not an error")
	require.Empty(t, reply)

	transcript := ctrl.Transcript()
	require.Len(t, transcript, 1, "only the user message may be appended")
	require.Equal(t, session.RoleUser, transcript[0].Role)
}

func TestInFlightGatesOverlappingSends(t *testing.T) {
	release := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("/api/start_session", startSessionHandler("s1"))
	mux.HandleFunc("/api/chat", func(w http.ResponseWriter, r *http.Request) {
		<-release
		chatReply("done")(w, r)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ctrl := newController(t, srv.URL)
	_, err := ctrl.StartSession(context.Background())
	require.NoError(t, err)
	require.False(t, ctrl.InFlight())

	done := make(chan struct{})
	go func() {
		defer close(done)
		ctrl.Send(context.Background(), "slow one")
	}()

	require.Eventually(t, ctrl.InFlight, time.Second, 5*time.Millisecond)

	_, err = ctrl.Send(context.Background(), "too eager")
	require.ErrorIs(t, err, conversation.ErrBusy)

	close(release)
	<-done
	require.False(t, ctrl.InFlight())
	require.Len(t, ctrl.Transcript(), 2, "the rejected send must leave no trace")
}

func TestEndToEndDeployScenario(t *testing.T) {
	var gotSessionID, gotMessage string
	mux := http.NewServeMux()
	mux.HandleFunc("/api/start_session", startSessionHandler("s1"))
	mux.HandleFunc("/api/chat", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			SessionID string `json:"session_id"`
			Message   string `json:"message"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		gotSessionID = req.SessionID
		gotMessage = req.Message
		chatReply("Deploying...")(w, r)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ctrl := newController(t, srv.URL)
	ctx := context.Background()

	id, err := ctrl.StartSession(ctx)
	require.NoError(t, err)
	require.Equal(t, "s1", id)

	reply, err := ctrl.Send(ctx, "deploy app")
	require.NoError(t, err)
	require.Equal(t, "Deploying...", reply)
	require.Equal(t, "s1", gotSessionID)
	require.Equal(t, "deploy app", gotMessage)

	transcript := ctrl.Transcript()
	require.Len(t, transcript, 2)
	require.Equal(t, "deploy app", transcript[0].Content)
	require.Equal(t, "Deploying...", transcript[1].Content)
}

func TestEndToEndFailureScenario(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/start_session", startSessionHandler("s1"))
	mux.HandleFunc("/api/chat", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "internal error", http.StatusInternalServerError)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ctrl := newController(t, srv.URL)
	ctx := context.Background()

	_, err := ctrl.StartSession(ctx)
	require.NoError(t, err)

	_, err = ctrl.Send(ctx, "fail me")
	require.Error(t, err)

	transcript := ctrl.Transcript()
	require.Len(t, transcript, 2)
	require.Equal(t, session.RoleUser, transcript[0].Role)
	require.Equal(t, "fail me", transcript[0].Content)
	require.Equal(t, session.RoleAssistant, transcript[1].Role)
	require.Equal(t, conversation.FallbackReply, transcript[1].Content)
}

func TestStartSessionFailureLeavesStateUntouched(t *testing.T) {
	var startCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/start_session", func(w http.ResponseWriter, r *http.Request) {
		if startCalls.Add(1) == 1 {
			json.NewEncoder(w).Encode(map[string]string{"session_id": "s1"})
			return
		}
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	})
	mux.HandleFunc("/api/chat", chatReply("sure"))
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ctrl := newController(t, srv.URL)
	ctx := context.Background()

	_, err := ctrl.StartSession(ctx)
	require.NoError(t, err)
	_, err = ctrl.Send(ctx, "keep this")
	require.NoError(t, err)

	_, err = ctrl.StartSession(ctx)
	require.Error(t, err)
	require.Equal(t, "s1", ctrl.SessionID(), "failed start must keep the old session")
	require.Len(t, ctrl.Transcript(), 2, "failed start must keep the transcript")
}

func TestStartSessionMalformedResponse(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `not json`},
		{"empty session id", `{"session_id": ""}`},
		{"missing session id", `{}`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			ctrl := newController(t, srv.URL)
			_, err := ctrl.StartSession(context.Background())
			require.Error(t, err)
			require.Empty(t, ctrl.SessionID())
		})
	}
}

func TestStaleReplyDiscardedAfterRestart(t *testing.T) {
	release := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("/api/start_session", startSessionHandler("s1", "s2"))
	mux.HandleFunc("/api/chat", func(w http.ResponseWriter, r *http.Request) {
		<-release
		chatReply("late reply")(w, r)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ctrl := newController(t, srv.URL)
	ctx := context.Background()

	_, err := ctrl.StartSession(ctx)
	require.NoError(t, err)

	sendErr := make(chan error, 1)
	go func() {
		_, err := ctrl.Send(ctx, "hello")
		sendErr <- err
	}()
	require.Eventually(t, ctrl.InFlight, time.Second, 5*time.Millisecond)

	// Restart mid-exchange; the outstanding reply must not land on the
	// fresh transcript when it eventually settles.
	id, err := ctrl.StartSession(ctx)
	require.NoError(t, err)
	require.Equal(t, "s2", id)

	close(release)
	require.ErrorIs(t, <-sendErr, conversation.ErrSessionReplaced)
	require.Empty(t, ctrl.Transcript())
	require.Equal(t, "s2", ctrl.SessionID())
}

func TestHistoryMapsBackendRows(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/start_session", startSessionHandler("s1"))
	mux.HandleFunc("/api/history", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			SessionID string `json:"session_id"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "s1", req.SessionID)
		w.Write([]byte(`{"history":[
			{"role":"user","content":"list containers"},
			{"role":"tool","tool_call":"list_running_containers","content":"[]"},
			{"role":"assistant","content":"No containers are running."}
		]}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ctrl := newController(t, srv.URL)
	_, err := ctrl.StartSession(context.Background())
	require.NoError(t, err)

	history, err := ctrl.History(context.Background())
	require.NoError(t, err)
	require.Len(t, history, 3)
	require.Equal(t, session.RoleTool, history[1].Role)
	require.Equal(t, "list_running_containers", history[1].ToolCall)
	require.Equal(t, "No containers are running.", history[2].Content)
}

func TestHistoryWithoutSession(t *testing.T) {
	srv := httptest.NewServer(http.NewServeMux())
	defer srv.Close()

	ctrl := newController(t, srv.URL)
	_, err := ctrl.History(context.Background())
	require.ErrorIs(t, err, conversation.ErrNoSession)
}

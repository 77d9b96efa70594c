package chatbot

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"devopspal/internal/config"
	"devopspal/internal/conversation"
	"devopspal/internal/session"
	"devopspal/internal/store"
	"devopspal/internal/telemetry"

	"github.com/fatih/color"
)

// ChatBot represents the main application
type ChatBot struct {
	config     config.Config
	logger     *slog.Logger
	cleanup    func()
	controller *conversation.Controller
	store      *store.Store

	userColor      *color.Color
	assistantColor *color.Color
	noteColor      *color.Color
}

// NewChatBot creates a new ChatBot instance
func NewChatBot(cfg config.Config) (*ChatBot, error) {
	logger, err := telemetry.InitLogger(cfg.Debug)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	ctx := context.Background()
	tracer, meter, cleanup, err := telemetry.InitTelemetry(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	st, err := store.Open(cfg.ArchivePath)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to open transcript archive: %w", err)
	}

	controller, err := conversation.NewController(cfg, logger, tracer, meter)
	if err != nil {
		cleanup()
		st.Close()
		return nil, fmt.Errorf("failed to create conversation controller: %w", err)
	}

	if cfg.Debug {
		logger.Info("Debug mode enabled")
	}

	return &ChatBot{
		config:         cfg,
		logger:         logger,
		cleanup:        cleanup,
		controller:     controller,
		store:          st,
		userColor:      color.New(color.FgGreen, color.Bold),
		assistantColor: color.New(color.FgCyan),
		noteColor:      color.New(color.Faint),
	}, nil
}

// Run starts the chat loop
func (cb *ChatBot) Run() error {
	defer cb.cleanup()
	defer cb.store.Close()

	ctx := context.Background()

	fmt.Println("=== DevOps Pal ===")
	fmt.Printf("Backend: %s\n", cb.config.BaseURL)
	fmt.Println("Type /help for commands, /quit to exit")
	fmt.Println()

	if cb.config.ResumeSessionID != "" {
		cb.resumeSession(cb.config.ResumeSessionID)
	} else {
		if id, err := cb.controller.StartSession(ctx); err == nil {
			fmt.Printf("Session: %s\n\n", id)
		}
	}

	scanner := bufio.NewScanner(os.Stdin)

	for {
		cb.userColor.Print("You: ")
		if !scanner.Scan() {
			break
		}

		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			shouldQuit, err := cb.handleCommand(ctx, input)
			if err != nil {
				fmt.Printf("Error: %v\n", err)
				cb.logger.Error("command error", "error", err)
			}
			if shouldQuit {
				break
			}
			continue
		}

		reply, err := cb.controller.Send(ctx, input)
		if err != nil {
			switch {
			case errors.Is(err, conversation.ErrNoSession):
				cb.noteColor.Println("No active session. Use /new-session to start one.")
				continue
			case errors.Is(err, conversation.ErrEmptyMessage),
				errors.Is(err, conversation.ErrBusy),
				errors.Is(err, conversation.ErrSessionReplaced):
				continue
			}
			// Exchange failed; the fallback reply is already in the
			// transcript and in reply, so fall through and print it.
		}

		if reply != "" {
			cb.assistantColor.Printf("Pal: %s\n\n", reply)
		}
	}

	cb.archiveCurrent()
	fmt.Println("Goodbye!")
	return nil
}

// resumeSession loads an archived transcript and points the controller at
// the old session id. The backend keeps its own history for the session, so
// the conversation picks up where it left off.
func (cb *ChatBot) resumeSession(sessionID string) {
	sess, err := cb.store.LoadSession(sessionID)
	if err != nil {
		cb.logger.Warn("failed to resume session, starting a new one", "session_id", sessionID, "error", err)
		if id, err := cb.controller.StartSession(context.Background()); err == nil {
			fmt.Printf("Session: %s\n\n", id)
		}
		return
	}

	cb.controller.Resume(sess)
	fmt.Printf("Resumed session: %s\n\n", sess.ID)
	for _, msg := range sess.Messages {
		cb.printMessage(msg)
	}
	fmt.Println()
}

// handleCommand handles slash commands
func (cb *ChatBot) handleCommand(ctx context.Context, cmd string) (bool, error) {
	parts := strings.Fields(cmd)
	if len(parts) == 0 {
		return false, nil
	}

	switch parts[0] {
	case "/quit", "/exit":
		return true, nil

	case "/new-session":
		cb.archiveCurrent()
		id, err := cb.controller.StartSession(ctx)
		if err != nil {
			return false, fmt.Errorf("failed to start session: %w", err)
		}
		fmt.Println("Started new session:", id)
		return false, nil

	case "/session":
		id := cb.controller.SessionID()
		if id == "" {
			fmt.Println("No active session.")
		} else {
			fmt.Println("Current session:", id)
		}
		return false, nil

	case "/history":
		messages, err := cb.controller.History(ctx)
		if err != nil {
			return false, fmt.Errorf("failed to fetch history: %w", err)
		}
		if len(messages) == 0 {
			fmt.Println("No messages in this session yet.")
			return false, nil
		}
		fmt.Println()
		for _, msg := range messages {
			cb.printMessage(msg)
		}
		fmt.Println()
		return false, nil

	case "/save":
		sess := cb.controller.Snapshot()
		if sess.ID == "" {
			fmt.Println("No active session to save.")
			return false, nil
		}
		if err := cb.store.SaveSession(sess); err != nil {
			return false, fmt.Errorf("failed to save session: %w", err)
		}
		fmt.Printf("Saved session %s (%d messages)\n", sess.ID, len(sess.Messages))
		return false, nil

	case "/sessions":
		sessions, err := cb.store.ListSessions()
		if err != nil {
			return false, fmt.Errorf("failed to list sessions: %w", err)
		}
		if len(sessions) == 0 {
			fmt.Println("No archived sessions.")
			return false, nil
		}
		fmt.Println("\nArchived sessions:")
		for i, sess := range sessions {
			fmt.Printf("%d. %s  (%s)\n", i+1, sess.ID, sess.StartTime.Format("2006-01-02 15:04"))
		}
		fmt.Println()
		return false, nil

	case "/help":
		fmt.Println("Available commands:")
		fmt.Println("  /quit, /exit   - Exit DevOps Pal")
		fmt.Println("  /new-session   - Archive the current session and start a new one")
		fmt.Println("  /session       - Show the current session id")
		fmt.Println("  /history       - Show the backend's transcript for this session")
		fmt.Println("  /save          - Archive the current transcript locally")
		fmt.Println("  /sessions      - List locally archived sessions")
		fmt.Println("  /help          - Show this help message")
		return false, nil

	default:
		return false, nil
	}
}

// printMessage renders one transcript entry.
func (cb *ChatBot) printMessage(msg session.Message) {
	switch msg.Role {
	case session.RoleUser:
		cb.userColor.Print("You: ")
		fmt.Println(msg.Content)
	case session.RoleAssistant:
		cb.assistantColor.Printf("Pal: %s\n", msg.Content)
	case session.RoleTool:
		cb.noteColor.Printf("[tool %s] %s\n", msg.ToolCall, msg.Content)
	default:
		cb.noteColor.Printf("[%s] %s\n", msg.Role, msg.Content)
	}
}

// archiveCurrent saves the current transcript, if any. Best effort.
func (cb *ChatBot) archiveCurrent() {
	sess := cb.controller.Snapshot()
	if sess.ID == "" || len(sess.Messages) == 0 {
		return
	}
	if err := cb.store.SaveSession(sess); err != nil {
		cb.logger.Error("failed to archive session", "session_id", sess.ID, "error", err)
	}
}

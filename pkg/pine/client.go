package pine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/user/pineai/internal/config"
	"github.com/user/pineai/internal/rest"
	"github.com/user/pineai/internal/stream"
	"github.com/user/pineai/internal/transport"
	"github.com/user/pineai/internal/types"
)

// ErrNotLoggedIn is returned by operations that need stored credentials.
var ErrNotLoggedIn = errors.New("not logged in, run auth login first")

// CodeChallenge and Verified are the two steps of the email login flow.
type (
	CodeChallenge = rest.CodeChallenge
	Verified      = rest.Verified
)

// Client is the full API surface: REST (auth, sessions, attachments) plus
// the live event stream over the socket. One Client serves many sessions
// concurrently; events for each session arrive in order on its own stream.
type Client struct {
	cfg      *config.Config
	rest     *rest.Client
	ch       *transport.Channel
	router   *stream.Router
	deviceID types.DeviceID

	credMu sync.RWMutex
	creds  *config.Credentials

	mu        sync.Mutex
	connected bool
	watchStop context.CancelFunc
}

// New builds a Client from configuration. Credentials are loaded from the
// data dir if present; Connect requires them, REST auth calls do not.
func New(cfg *config.Config) (*Client, error) {
	creds, err := config.LoadCredentials(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:      cfg,
		creds:    creds,
		deviceID: config.DeviceID(cfg.DataDir),
	}
	c.rest = rest.New(cfg.BaseURL, c.token)
	c.ch = transport.NewChannel(transport.Options{
		BaseURL:        cfg.BaseURL,
		Token:          c.token,
		UserID:         c.userID,
		DeviceID:       c.deviceID,
		ReadyTimeout:   time.Duration(cfg.Transport.ReadyTimeoutSec) * time.Second,
		PingInterval:   time.Duration(cfg.Transport.PingIntervalSec) * time.Second,
		WriteTimeout:   time.Duration(cfg.Transport.WriteTimeoutSec) * time.Second,
		RequestTimeout: time.Duration(cfg.Transport.RequestTimeoutSec) * time.Second,
		Retry: &transport.RetryPolicy{
			MaxAttempts:  cfg.Transport.MaxReconnects,
			InitialDelay: time.Duration(cfg.Transport.ReconnectBaseMs) * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     time.Duration(cfg.Transport.ReconnectMaxMs) * time.Millisecond,
		},
	})
	c.router = stream.NewRouter(stream.Config{
		Coalescer: stream.CoalescerConfig{
			Debounce:     time.Duration(cfg.Stream.DebounceMs) * time.Millisecond,
			IdleSeal:     time.Duration(cfg.Stream.IdleSealMs) * time.Millisecond,
			FlushCeiling: time.Duration(cfg.Stream.FlushCeilingMs) * time.Millisecond,
		},
		BufferSize:    cfg.Stream.SessionBufferSize,
		MaxConcurrent: int64(cfg.Stream.MaxConcurrent),
	}, nil)
	return c, nil
}

func (c *Client) token() string {
	c.credMu.RLock()
	defer c.credMu.RUnlock()
	return c.creds.AccessToken
}

func (c *Client) userID() string {
	c.credMu.RLock()
	defer c.credMu.RUnlock()
	return c.creds.UserID
}

// LoggedIn reports whether stored credentials exist.
func (c *Client) LoggedIn() bool {
	c.credMu.RLock()
	defer c.credMu.RUnlock()
	return c.creds.Valid()
}

// UserEmail returns the email the stored credentials belong to.
func (c *Client) UserEmail() string {
	c.credMu.RLock()
	defer c.credMu.RUnlock()
	return c.creds.Email
}

// UserID returns the logged-in account id.
func (c *Client) UserID() string { return c.userID() }

// RequestCode starts the email login: the server mails a verification code.
func (c *Client) RequestCode(ctx context.Context, email string) (*CodeChallenge, error) {
	return c.rest.RequestCode(ctx, email)
}

// VerifyCode completes the login and persists the credentials.
func (c *Client) VerifyCode(ctx context.Context, email, code, requestToken string) (*Verified, error) {
	verified, err := c.rest.VerifyCode(ctx, email, code, requestToken)
	if err != nil {
		return nil, err
	}
	creds := &config.Credentials{
		AccessToken: verified.AccessToken,
		UserID:      verified.UserID,
		Email:       email,
	}
	if err := config.SaveCredentials(c.cfg.DataDir, creds); err != nil {
		return nil, err
	}
	c.credMu.Lock()
	c.creds = creds
	c.credMu.Unlock()
	return verified, nil
}

// Logout deletes the stored credentials.
func (c *Client) Logout() error {
	if err := config.ClearCredentials(c.cfg.DataDir); err != nil {
		return err
	}
	c.credMu.Lock()
	c.creds = &config.Credentials{}
	c.credMu.Unlock()
	return nil
}

// Connect opens the socket and starts the event pipeline. On a dropped
// connection the client reconnects with backoff, suspending per-session
// debounce windows for the outage; streams see a terminal error event only
// after the reconnect budget is exhausted.
func (c *Client) Connect(ctx context.Context) error {
	if !c.LoggedIn() {
		return ErrNotLoggedIn
	}

	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.connected = true
	c.mu.Unlock()

	c.router.Start(context.Background())

	c.ch.OnRawEvent(func(raw types.RawEvent) {
		if err := c.router.Route(raw); err != nil && !errors.Is(err, types.ErrUnknownSession) {
			slog.Warn("dropping event", "session_id", string(raw.SessionID), "error", err)
		}
	})
	c.ch.OnDisconnect(func(err error) {
		slog.Info("connection lost, suspending streams", "error", err)
		c.router.Suspend()
	})
	c.ch.OnReconnect(func(conn int64) {
		for _, id := range c.router.Sessions() {
			if err := c.ch.Send(transport.C2SJoin, nil, id, ""); err != nil {
				slog.Warn("rejoin failed", "session_id", string(id), "error", err)
			}
		}
		c.router.Resume()
		slog.Info("reconnected", "conn", conn)
	})
	c.ch.OnFailure(func(err error) {
		slog.Error("reconnect budget exhausted", "error", err)
		c.router.FailAll(err)
	})

	// Pick up a token refreshed by another process (auth login elsewhere);
	// the next reconnect dials with the new credentials.
	watchCtx, cancel := context.WithCancel(context.Background())
	if err := config.WatchCredentials(watchCtx, c.cfg.DataDir, func(creds *config.Credentials) {
		if !creds.Valid() {
			return
		}
		c.credMu.Lock()
		c.creds = creds
		c.credMu.Unlock()
		slog.Debug("credentials refreshed")
	}); err != nil {
		slog.Debug("credentials watcher unavailable", "error", err)
		cancel()
	} else {
		c.mu.Lock()
		c.watchStop = cancel
		c.mu.Unlock()
	}

	if err := c.ch.Connect(ctx); err != nil {
		c.mu.Lock()
		c.connected = false
		if c.watchStop != nil {
			c.watchStop()
			c.watchStop = nil
		}
		c.mu.Unlock()
		c.router.Stop()
		return fmt.Errorf("connecting: %w", err)
	}
	return nil
}

// Disconnect closes the socket and ends all session streams.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return
	}
	c.connected = false
	if c.watchStop != nil {
		c.watchStop()
		c.watchStop = nil
	}
	c.mu.Unlock()

	c.ch.Disconnect()
	c.router.Stop()
}

// JoinSession subscribes to a session's events. The server acknowledges the
// join before any events for the session are delivered.
func (c *Client) JoinSession(ctx context.Context, id SessionID) error {
	if _, err := c.ch.Request(ctx, transport.C2SJoin, nil, id); err != nil {
		return fmt.Errorf("joining session: %w", err)
	}
	c.router.Join(id)
	return nil
}

// LeaveSession unsubscribes and ends the session's stream.
func (c *Client) LeaveSession(id SessionID) {
	_ = c.ch.Send(transport.C2SLeave, nil, id, "")
	c.router.Leave(id)
}

// messageBody is the wire shape the server reads for a user message.
type messageBody struct {
	Content            string   `json:"content"`
	Attachments        []string `json:"attachments"`
	ReferencedSessions []string `json:"referenced_sessions"`
	ClientNowDate      string   `json:"client_now_date"`
}

// Chat sends a user message and returns the stream of normalized events for
// the turn. The stream ends when the server is waiting on the user again;
// cancel its context to stop early without losing buffered content.
func (c *Client) Chat(ctx context.Context, id SessionID, content string, attachmentIDs []string) (*Stream, error) {
	ss, ok := c.router.Get(id)
	if !ok {
		if err := c.JoinSession(ctx, id); err != nil {
			return nil, err
		}
		ss, _ = c.router.Get(id)
	}
	if attachmentIDs == nil {
		attachmentIDs = []string{}
	}

	ss.BeginTurn()
	body := messageBody{
		Content:            content,
		Attachments:        attachmentIDs,
		ReferencedSessions: []string{},
		ClientNowDate:      time.Now().Format(time.RFC3339),
	}
	if err := c.ch.Send(transport.C2SMessage, body, id, ""); err != nil {
		return nil, fmt.Errorf("sending message: %w", err)
	}
	return ss.OpenStream(), nil
}

// Listen returns a stream of the session's events without sending anything.
// It runs until cancelled: server-initiated activity (call updates, task
// progress) flows through the same normalization as chat turns.
func (c *Client) Listen(ctx context.Context, id SessionID) (*Stream, error) {
	ss, ok := c.router.Get(id)
	if !ok {
		if err := c.JoinSession(ctx, id); err != nil {
			return nil, err
		}
		ss, _ = c.router.Get(id)
	}
	return ss.OpenListen(), nil
}

// SendMessage fires a user message without opening a stream. Use Chat to
// consume the response.
func (c *Client) SendMessage(id SessionID, content string) error {
	body := messageBody{
		Content:            content,
		Attachments:        []string{},
		ReferencedSessions: []string{},
		ClientNowDate:      time.Now().Format(time.RFC3339),
	}
	return c.ch.Send(transport.C2SMessage, body, id, "")
}

// SendFormResponse answers a form event with the user's field values.
func (c *Client) SendFormResponse(id SessionID, messageID MessageID, values map[string]any) error {
	return c.ch.Send(transport.C2SFormResponse, map[string]any{"content": values}, id, messageID)
}

// SendAuthConfirmation answers an interactive auth request.
func (c *Client) SendAuthConfirmation(id SessionID, messageID MessageID, data map[string]any) error {
	return c.ch.Send(transport.C2SAuthConfirm, map[string]any{"content": data}, id, messageID)
}

// GetHistory replays the session's past messages as normalized events in
// their original order. Replay, not live: no coalescing happens because the
// server stores messages already merged.
func (c *Client) GetHistory(ctx context.Context, id SessionID, limit int) ([]Event, error) {
	raw, err := c.ch.Request(ctx, transport.C2SHistory, map[string]any{"limit": limit}, id)
	if err != nil {
		return nil, fmt.Errorf("fetching history: %w", err)
	}
	var messages []HistoryMessage
	var wrapped struct {
		Messages []HistoryMessage `json:"messages"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil && wrapped.Messages != nil {
		messages = wrapped.Messages
	} else if err := json.Unmarshal(raw, &messages); err != nil {
		return nil, fmt.Errorf("decoding history: %w", err)
	}

	events := make([]Event, 0, len(messages))
	for _, m := range messages {
		if ev, ok := historyEvent(id, m); ok {
			events = append(events, ev)
		}
	}
	return events, nil
}

// historyEvent converts one stored message to its normalized form. Message
// kinds with no caller-facing equivalent are skipped.
func historyEvent(id SessionID, m HistoryMessage) (Event, bool) {
	ev := Event{SessionID: id, MessageID: m.ID, EmittedAt: m.CreatedAt}
	switch m.Type {
	case "text", "":
		ev.Type = EventText
		ev.Text = &TextData{Content: m.Content}
	case "work_log":
		ev.Type = EventWorkLog
		var wl WorkLogData
		_ = json.Unmarshal(m.Data, &wl)
		ev.WorkLog = &wl
	case "form", "form_to_user":
		ev.Type = EventForm
		var form FormData
		_ = json.Unmarshal(m.Data, &form)
		if form.MessageToUser == "" {
			form.MessageToUser = m.Content
		}
		ev.Form = &form
	case "payment":
		ev.Type = EventPayment
		var payment PaymentData
		_ = json.Unmarshal(m.Data, &payment)
		ev.Payment = &payment
	case "task_ready":
		ev.Type = EventTaskReady
		var task TaskUpdateData
		_ = json.Unmarshal(m.Data, &task)
		ev.Task = &task
	case "task_update", "task_finished":
		ev.Type = EventTaskUpdate
		var task TaskUpdateData
		_ = json.Unmarshal(m.Data, &task)
		ev.Task = &task
	case "error":
		ev.Type = EventError
		ev.Err = &ErrorData{Message: m.Content}
	default:
		return Event{}, false
	}
	return ev, true
}

// SessionPhase reports the client-side view of a joined session's state.
func (c *Client) SessionPhase(id SessionID) (Phase, bool) {
	ss, ok := c.router.Get(id)
	if !ok {
		return "", false
	}
	return ss.Phase(), true
}

// Inconsistencies returns how many server reports contradicted the local
// state model for a joined session. The server's view always wins; the count
// is diagnostic.
func (c *Client) Inconsistencies(id SessionID) int {
	ss, ok := c.router.Get(id)
	if !ok {
		return 0
	}
	return ss.Inconsistencies()
}

// REST passthroughs.

func (c *Client) ListSessions(ctx context.Context, state string, limit, offset int) (*SessionListing, error) {
	return c.rest.ListSessions(ctx, state, limit, offset)
}

func (c *Client) GetSession(ctx context.Context, id SessionID) (*SessionInfo, error) {
	return c.rest.GetSession(ctx, id)
}

func (c *Client) CreateSession(ctx context.Context) (*SessionInfo, error) {
	return c.rest.CreateSession(ctx)
}

func (c *Client) DeleteSession(ctx context.Context, id SessionID, force bool) error {
	return c.rest.DeleteSession(ctx, id, force)
}

// StartTask confirms a prepared task; the resulting progress arrives on the
// session's stream as work-log and task events.
func (c *Client) StartTask(ctx context.Context, id SessionID) error {
	return c.rest.StartTask(ctx, id)
}

// StopTask halts a running task.
func (c *Client) StopTask(ctx context.Context, id SessionID) error {
	return c.rest.StopTask(ctx, id)
}

func (c *Client) UploadAttachment(ctx context.Context, filePath string) ([]Attachment, error) {
	return c.rest.UploadAttachment(ctx, filePath)
}

func (c *Client) DeleteAttachment(ctx context.Context, attachmentID string) error {
	return c.rest.DeleteAttachment(ctx, attachmentID)
}

// SessionURL returns the web address for a session.
func (c *Client) SessionURL(id SessionID) string {
	return strings.TrimSuffix(c.cfg.BaseURL, "/") + "/sessions/" + string(id)
}

package http

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"lunchrun/app/core/orchestrator/conversation"
	"lunchrun/app/core/orchestrator/schedule"
	"lunchrun/app/pkg/logger"
	"lunchrun/app/pkg/types"

	"go.uber.org/zap"
)

const (
	defaultResponseTimeout = 90 * time.Second
	maxRequestBytes        = 64 << 10
)

// ConversationReader is the read side of the conversation store.
type ConversationReader interface {
	Get(ctx context.Context, id string) (conversation.State, error)
	List(ctx context.Context, limit int) ([]conversation.Summary, error)
}

// TaskAdmin exposes scheduled tasks for inspection and cancellation.
type TaskAdmin interface {
	List(ctx context.Context, status string, limit int) ([]schedule.Task, error)
	Get(ctx context.Context, id string) (schedule.Task, error)
	Runs(ctx context.Context, id string, limit int) ([]schedule.RunRecord, error)
	Cancel(ctx context.Context, id string) error
}

var _ types.Channel = (*HTTPChannel)(nil)

type HTTPChannel struct {
	id              string
	port            int
	server          *http.Server
	handler         func(types.Message)
	statusProvider  func(context.Context) map[string]interface{}
	shutdownTimeout time.Duration
	responseTimeout time.Duration

	pendingMu   sync.Mutex
	pending     map[string]chan types.Message
	counter     uint64
	startedUnix atomic.Int64

	conversations ConversationReader
	tasks         TaskAdmin
}

func NewHTTPChannel(port int) *HTTPChannel {
	return &HTTPChannel{
		id:              "http",
		port:            port,
		pending:         map[string]chan types.Message{},
		shutdownTimeout: 5 * time.Second,
		responseTimeout: defaultResponseTimeout,
	}
}

func (c *HTTPChannel) ID() string {
	return c.id
}

func (c *HTTPChannel) SetStatusProvider(provider func(context.Context) map[string]interface{}) {
	c.statusProvider = provider
}

func (c *HTTPChannel) SetShutdownTimeout(timeout time.Duration) {
	if timeout <= 0 {
		return
	}
	c.shutdownTimeout = timeout
}

func (c *HTTPChannel) SetResponseTimeout(timeout time.Duration) {
	if timeout <= 0 {
		return
	}
	c.responseTimeout = timeout
}

func (c *HTTPChannel) SetConversationReader(reader ConversationReader) {
	c.conversations = reader
}

func (c *HTTPChannel) SetTaskAdmin(admin TaskAdmin) {
	c.tasks = admin
}

func (c *HTTPChannel) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/chat", c.handleChat)
	mux.HandleFunc("/api/status", c.handleStatus)
	mux.HandleFunc("/api/conversations", c.handleConversations)
	mux.HandleFunc("/api/conversations/", c.handleConversations)
	mux.HandleFunc("/api/tasks", c.handleTasks)
	mux.HandleFunc("/api/tasks/", c.handleTasks)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	return mux
}

func (c *HTTPChannel) Start(ctx context.Context, handler func(types.Message)) error {
	c.handler = handler
	c.startedUnix.Store(time.Now().Unix())

	c.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", c.port),
		Handler:           c.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), c.shutdownTimeout)
		defer cancel()
		if err := c.server.Shutdown(shutdownCtx); err != nil {
			logger.L().Warn("[HTTP] shutdown error", zap.Error(err))
		}
	}()

	logger.L().Info("[HTTP] listening", zap.Int("port", c.port))
	if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Send hands a reply to the request waiting on its RequestID. Replies for
// requests that already timed out are dropped.
func (c *HTTPChannel) Send(ctx context.Context, msg types.Message) error {
	if strings.TrimSpace(msg.RequestID) == "" {
		logger.L().Warn("[HTTP] outgoing message without request id", zap.String("conversation_id", msg.ConversationID))
		return nil
	}

	c.pendingMu.Lock()
	ch, ok := c.pending[msg.RequestID]
	c.pendingMu.Unlock()
	if !ok {
		logger.L().Info("[HTTP] pending request not found", zap.String("request_id", msg.RequestID))
		return nil
	}

	select {
	case ch <- msg:
	default:
	}
	return nil
}

type chatRequest struct {
	ConversationID string `json:"conversation_id"`
	Message        string `json:"message"`
	UserID         string `json:"user_id,omitempty"`
}

type statusResponse struct {
	ChannelID       string                 `json:"channel_id"`
	PendingRequests int                    `json:"pending_requests"`
	StartedAt       string                 `json:"started_at,omitempty"`
	UptimeSec       int64                  `json:"uptime_sec"`
	Runtime         map[string]interface{} `json:"runtime,omitempty"`
}

type conversationListResponse struct {
	Conversations []conversation.Summary `json:"conversations"`
}

type taskListResponse struct {
	Tasks []schedule.Task `json:"tasks"`
}

type taskRunsResponse struct {
	Runs []schedule.RunRecord `json:"runs"`
}

func (c *HTTPChannel) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	var req chatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		http.Error(w, "message is required", http.StatusBadRequest)
		return
	}
	if c.handler == nil {
		http.Error(w, "handler not ready", http.StatusServiceUnavailable)
		return
	}

	msg, respCh := c.prepareMessage(req)
	defer c.removePendingRequest(msg.RequestID)

	go c.handler(msg)

	select {
	case response := <-respCh:
		writeEvents(w, response)
	case <-r.Context().Done():
	case <-time.After(c.responseTimeout):
		http.Error(w, "request timeout", http.StatusGatewayTimeout)
	}
}

func (c *HTTPChannel) prepareMessage(req chatRequest) (types.Message, chan types.Message) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		userID = "local_user"
	}

	requestID := c.newID("req")
	respCh := make(chan types.Message, 1)
	c.pendingMu.Lock()
	c.pending[requestID] = respCh
	c.pendingMu.Unlock()

	return types.Message{
		ID:             c.newID("http"),
		Content:        req.Message,
		Role:           types.MessageRoleUser,
		ChannelID:      c.id,
		UserID:         userID,
		ConversationID: strings.TrimSpace(req.ConversationID),
		RequestID:      requestID,
		Meta:           map[string]interface{}{"user_id": userID},
	}, respCh
}

func (c *HTTPChannel) removePendingRequest(requestID string) {
	c.pendingMu.Lock()
	delete(c.pending, requestID)
	c.pendingMu.Unlock()
}

// writeEvents streams the turn as newline-delimited JSON, one event per line.
func writeEvents(w http.ResponseWriter, response types.Message) {
	events := response.Events
	if len(events) == 0 {
		events = []types.Event{
			{Type: types.EventMessage, ConversationID: response.ConversationID, Content: response.Content},
			{Type: types.EventEnd, ConversationID: response.ConversationID},
		}
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	encoder := json.NewEncoder(w)
	flusher, _ := w.(http.Flusher)
	for _, ev := range events {
		_ = encoder.Encode(ev)
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func (c *HTTPChannel) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	c.pendingMu.Lock()
	pendingCount := len(c.pending)
	c.pendingMu.Unlock()

	resp := statusResponse{
		ChannelID:       c.id,
		PendingRequests: pendingCount,
	}
	if started := c.startedUnix.Load(); started > 0 {
		resp.StartedAt = time.Unix(started, 0).UTC().Format(time.RFC3339)
		resp.UptimeSec = time.Now().Unix() - started
	}
	if c.statusProvider != nil {
		resp.Runtime = c.statusProvider(r.Context())
	}
	writeJSON(w, http.StatusOK, resp)
}

func (c *HTTPChannel) handleConversations(w http.ResponseWriter, r *http.Request) {
	if c.conversations == nil {
		http.Error(w, "conversation store unavailable", http.StatusServiceUnavailable)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.URL.Path == "/api/conversations" {
		items, err := c.conversations.List(r.Context(), parseListLimit(r.URL.Query().Get("limit")))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, conversationListResponse{Conversations: items})
		return
	}

	id, action, ok := parseResourcePath("/api/conversations/", r.URL.Path)
	if !ok || action != "" {
		http.NotFound(w, r)
		return
	}
	state, err := c.conversations.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			http.NotFound(w, r)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (c *HTTPChannel) handleTasks(w http.ResponseWriter, r *http.Request) {
	if c.tasks == nil {
		http.Error(w, "task service unavailable", http.StatusServiceUnavailable)
		return
	}

	if r.URL.Path == "/api/tasks" {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		status := strings.TrimSpace(r.URL.Query().Get("status"))
		if status != "" && !validStatus(status) {
			http.Error(w, "unknown status: "+status, http.StatusBadRequest)
			return
		}
		items, err := c.tasks.List(r.Context(), status, parseListLimit(r.URL.Query().Get("limit")))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, taskListResponse{Tasks: items})
		return
	}

	id, action, ok := parseResourcePath("/api/tasks/", r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}

	switch action {
	case "":
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		task, err := c.tasks.Get(r.Context(), id)
		if err != nil {
			writeTaskError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, task)
	case "runs":
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		runs, err := c.tasks.Runs(r.Context(), id, parseListLimit(r.URL.Query().Get("limit")))
		if err != nil {
			writeTaskError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, taskRunsResponse{Runs: runs})
	case "cancel":
		if r.Method != http.MethodPost && r.Method != http.MethodDelete {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if err := c.tasks.Cancel(r.Context(), id); err != nil {
			writeTaskError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.NotFound(w, r)
	}
}

func writeTaskError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case schedule.IsNotFound(err):
		http.NotFound(w, r)
	case errors.Is(err, schedule.ErrNotPending):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func validStatus(status string) bool {
	switch status {
	case schedule.StatusPending, schedule.StatusInProgress, schedule.StatusExecuted,
		schedule.StatusFailed, schedule.StatusCancelled:
		return true
	}
	return false
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func parseResourcePath(prefix, path string) (id string, action string, ok bool) {
	if !strings.HasPrefix(path, prefix) {
		return "", "", false
	}
	tail := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if tail == "" {
		return "", "", false
	}
	parts := strings.Split(tail, "/")
	if len(parts) == 1 {
		return parts[0], "", true
	}
	if len(parts) == 2 {
		return parts[0], parts[1], true
	}
	return "", "", false
}

func parseListLimit(raw string) int {
	const (
		defaultLimit = 20
		maxLimit     = 100
	)
	size, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || size <= 0 {
		return defaultLimit
	}
	if size > maxLimit {
		return maxLimit
	}
	return size
}

func (c *HTTPChannel) newID(prefix string) string {
	seq := atomic.AddUint64(&c.counter, 1)
	return prefix + "-" + strconv.FormatInt(time.Now().UnixNano(), 10) + "-" + strconv.FormatUint(seq, 10)
}

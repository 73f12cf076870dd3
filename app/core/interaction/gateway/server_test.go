package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"lunchrun/app/pkg/types"
)

type testAgent struct {
	err   error
	reply types.Message
}

func (a *testAgent) Process(_ context.Context, msg types.Message) (types.Message, error) {
	if a.err != nil {
		return a.reply, a.err
	}
	return types.Message{Content: "ok", ConversationID: msg.ConversationID}, nil
}

func (a *testAgent) Name() string {
	return "test"
}

type testChannel struct {
	id       string
	startFn  func(context.Context, func(types.Message)) error
	sendMu   sync.Mutex
	sentMsgs []types.Message
}

func (c *testChannel) Start(ctx context.Context, handler func(types.Message)) error {
	if c.startFn != nil {
		return c.startFn(ctx, handler)
	}
	<-ctx.Done()
	return nil
}

func (c *testChannel) Send(_ context.Context, msg types.Message) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	c.sentMsgs = append(c.sentMsgs, msg)
	return nil
}

func (c *testChannel) ID() string {
	return c.id
}

func (c *testChannel) sent() []types.Message {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return append([]types.Message(nil), c.sentMsgs...)
}

// runUntilSent starts gw, waits for ch to receive n replies and stops it.
func runUntilSent(t *testing.T, gw *DefaultGateway, ch *testChannel, n int) []types.Message {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- gw.Start(ctx) }()

	deadline := time.Now().Add(500 * time.Millisecond)
	for len(ch.sent()) < n {
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("expected %d replies, got %d", n, len(ch.sent()))
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("gateway start returned error: %v", err)
	}
	return ch.sent()
}

func TestHealthStatusIncludesRegisteredChannels(t *testing.T) {
	gw := NewGateway(&testAgent{})
	gw.RegisterChannel(&testChannel{id: "http"})
	gw.RegisterChannel(&testChannel{id: "cli"})

	status := gw.HealthStatus()
	if status.Started {
		t.Fatal("expected gateway to be stopped")
	}
	if len(status.RegisteredChannels) != 2 {
		t.Fatalf("expected 2 channels, got %d", len(status.RegisteredChannels))
	}
	if status.RegisteredChannels[0] != "cli" || status.RegisteredChannels[1] != "http" {
		t.Fatalf("channels should be sorted, got %v", status.RegisteredChannels)
	}
	if status.Agent != "test" {
		t.Fatalf("unexpected agent: %s", status.Agent)
	}
}

func TestGatewayDeliversReplyWithEvents(t *testing.T) {
	gw := NewGateway(&testAgent{})
	ch := &testChannel{id: "cli"}
	ch.startFn = func(ctx context.Context, handler func(types.Message)) error {
		handler(types.Message{ID: "m1", Content: "hello", ChannelID: "cli", ConversationID: "c-1", RequestID: "r-1"})
		<-ctx.Done()
		return nil
	}
	gw.RegisterChannel(ch)

	sent := runUntilSent(t, gw, ch, 1)
	reply := sent[0]
	if reply.RequestID != "r-1" || reply.ChannelID != "cli" || reply.ID != "resp-m1" {
		t.Fatalf("reply not normalized: %+v", reply)
	}
	if len(reply.Events) != 2 || reply.Events[0].Type != types.EventMessage || reply.Events[1].Type != types.EventEnd {
		t.Fatalf("expected message+end events, got %+v", reply.Events)
	}
	if reply.Events[0].ConversationID != "c-1" {
		t.Fatalf("events must carry the conversation id, got %+v", reply.Events[0])
	}

	status := gw.HealthStatus()
	if !status.Started || status.ProcessedMessages != 1 || status.LastMessageAt.IsZero() {
		t.Fatalf("unexpected health status: %+v", status)
	}
}

func TestGatewaySendsErrorReplyWhenAgentFails(t *testing.T) {
	gw := NewGateway(&testAgent{err: errors.New("database is locked")})
	ch := &testChannel{id: "http"}
	ch.startFn = func(ctx context.Context, handler func(types.Message)) error {
		handler(types.Message{ID: "m1", Content: "hello", ChannelID: "http", ConversationID: "c-2"})
		<-ctx.Done()
		return nil
	}
	gw.RegisterChannel(ch)

	reply := runUntilSent(t, gw, ch, 1)[0]
	if len(reply.Events) != 2 || reply.Events[0].Type != types.EventError {
		t.Fatalf("expected error+end events, got %+v", reply.Events)
	}
	if !strings.Contains(reply.Events[0].Content, "database is locked") {
		t.Fatalf("unexpected error content: %q", reply.Events[0].Content)
	}
	if got := gw.HealthStatus().FailedTurns; got != 1 {
		t.Fatalf("expected 1 failed turn, got %d", got)
	}
}

func TestGatewayForwardsAgentFailureReply(t *testing.T) {
	failure := types.Message{
		Content: "Sorry",
		Events: []types.Event{
			{Type: types.EventError, ConversationID: "c-3", Content: "save conversation: disk full"},
			{Type: types.EventEnd, ConversationID: "c-3"},
		},
	}
	gw := NewGateway(&testAgent{err: errors.New("disk full"), reply: failure})
	ch := &testChannel{id: "http"}
	ch.startFn = func(ctx context.Context, handler func(types.Message)) error {
		handler(types.Message{ID: "m1", Content: "hi", ChannelID: "http", ConversationID: "c-3"})
		<-ctx.Done()
		return nil
	}
	gw.RegisterChannel(ch)

	reply := runUntilSent(t, gw, ch, 1)[0]
	if reply.Content != "Sorry" || reply.Events[0].Content != "save conversation: disk full" {
		t.Fatalf("agent failure reply should be forwarded as-is, got %+v", reply)
	}
}

func TestNormalizeReplyCopiesRequestFields(t *testing.T) {
	request := types.Message{
		ID:             "m-1",
		ChannelID:      "http",
		UserID:         "u-1",
		RequestID:      "req-1",
		ConversationID: "c-1",
		Meta:           map[string]interface{}{"source": "test", "keep": "request"},
	}
	response := types.Message{Content: "hi", Meta: map[string]interface{}{"keep": "response"}}
	normalizeReply(&response, request)

	if response.ID != "resp-m-1" || response.Role != types.MessageRoleAssistant {
		t.Fatalf("unexpected identity: %+v", response)
	}
	if response.ConversationID != "c-1" || response.UserID != "u-1" || response.RequestID != "req-1" {
		t.Fatalf("request fields not copied: %+v", response)
	}
	if response.Meta["source"] != "test" || response.Meta["keep"] != "response" {
		t.Fatalf("unexpected meta merge: %#v", response.Meta)
	}
	if response.Events[0].Content != "hi" {
		t.Fatalf("expected synthesized message event, got %+v", response.Events)
	}
}

func TestGatewayWritesEndToEndTraceEvents(t *testing.T) {
	traceDir := t.TempDir()
	recorder, err := NewTraceRecorder(traceDir)
	if err != nil {
		t.Fatalf("new trace recorder failed: %v", err)
	}
	fixed := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)
	recorder.now = func() time.Time { return fixed }

	gw := NewGateway(&testAgent{})
	gw.SetTraceRecorder(recorder)
	ch := &testChannel{id: "cli"}
	ch.startFn = func(ctx context.Context, handler func(types.Message)) error {
		handler(types.Message{ID: "m1", Content: "hello", ChannelID: "cli", ConversationID: "c-9", RequestID: "req-1"})
		<-ctx.Done()
		return nil
	}
	gw.RegisterChannel(ch)
	runUntilSent(t, gw, ch, 1)

	f, err := os.Open(filepath.Join(traceDir, "2025-03-14", "gateway_events.jsonl"))
	if err != nil {
		t.Fatalf("open trace log failed: %v", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	events := map[string]bool{}
	for scanner.Scan() {
		var entry TraceEvent
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			t.Fatalf("decode trace entry failed: %v", err)
		}
		if entry.ConversationID != "c-9" {
			t.Fatalf("trace entry missing conversation id: %+v", entry)
		}
		events[entry.Event] = true
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scan trace log failed: %v", err)
	}
	for _, expected := range []string{"inbound_received", "agent_process", "deliver_reply"} {
		if !events[expected] {
			t.Fatalf("expected trace event %q, got %#v", expected, events)
		}
	}
}

func TestGatewayTracesChannelDisconnect(t *testing.T) {
	traceDir := t.TempDir()
	recorder, err := NewTraceRecorder(traceDir)
	if err != nil {
		t.Fatalf("new trace recorder failed: %v", err)
	}
	fixed := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)
	recorder.now = func() time.Time { return fixed }

	gw := NewGateway(&testAgent{})
	gw.SetTraceRecorder(recorder)
	gw.RegisterChannel(&testChannel{id: "cli", startFn: func(context.Context, func(types.Message)) error {
		return errors.New("connection dropped")
	}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := gw.Start(ctx); err != nil {
		t.Fatalf("gateway start returned error: %v", err)
	}

	content, err := os.ReadFile(filepath.Join(traceDir, "2025-03-14", "gateway_events.jsonl"))
	if err != nil {
		t.Fatalf("read trace log failed: %v", err)
	}
	if !containsTraceEvent(content, "channel_disconnected") {
		t.Fatalf("expected channel_disconnected event, got %s", string(content))
	}
}

func containsTraceEvent(content []byte, event string) bool {
	scanner := bufio.NewScanner(strings.NewReader(string(content)))
	for scanner.Scan() {
		var entry TraceEvent
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		if entry.Event == event {
			return true
		}
	}
	return false
}

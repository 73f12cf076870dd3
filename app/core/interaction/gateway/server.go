package gateway

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"lunchrun/app/pkg/logger"
	"lunchrun/app/pkg/types"

	"go.uber.org/zap"
)

var _ types.Gateway = (*DefaultGateway)(nil)

// DefaultGateway fans inbound messages from every registered channel into
// the agent and delivers each reply back on the channel it came from.
type DefaultGateway struct {
	agent    types.Agent
	channels map[string]types.Channel
	mu       sync.RWMutex
	tracer   TraceRecorder

	processedMessages uint64
	failedTurns       uint64
	lastMessageUnix   atomic.Int64
	startedUnix       atomic.Int64
}

type HealthStatus struct {
	Started            bool      `json:"started"`
	StartedAt          time.Time `json:"started_at"`
	Agent              string    `json:"agent"`
	RegisteredChannels []string  `json:"channels"`
	ProcessedMessages  uint64    `json:"processed_messages"`
	FailedTurns        uint64    `json:"failed_turns"`
	LastMessageAt      time.Time `json:"last_message_at"`
}

func NewGateway(agent types.Agent) *DefaultGateway {
	return &DefaultGateway{
		agent:    agent,
		channels: make(map[string]types.Channel),
	}
}

func (g *DefaultGateway) RegisterChannel(c types.Channel) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.channels[c.ID()] = c
	logger.L().Info("[Gateway] registered channel", zap.String("channel", c.ID()))
}

func (g *DefaultGateway) SetTraceRecorder(tracer TraceRecorder) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tracer = tracer
}

// Start runs every channel until ctx is cancelled. Each channel invokes the
// handler from its own goroutines, so turns for different callers proceed
// concurrently; the agent serializes turns of one conversation.
func (g *DefaultGateway) Start(ctx context.Context) error {
	var wg sync.WaitGroup
	g.startedUnix.Store(time.Now().Unix())

	handler := func(msg types.Message) {
		atomic.AddUint64(&g.processedMessages, 1)
		g.lastMessageUnix.Store(time.Now().Unix())
		logger.L().Debug("[Gateway] inbound message",
			zap.String("channel", msg.ChannelID),
			zap.String("conversation_id", msg.ConversationID))
		g.trace(msg, "inbound_received", "ok", "")

		if err := g.processAndReply(ctx, msg); err != nil {
			atomic.AddUint64(&g.failedTurns, 1)
			logger.L().Warn("[Gateway] turn failed", zap.String("channel", msg.ChannelID), zap.Error(err))
		}
	}

	g.mu.RLock()
	for _, c := range g.channels {
		wg.Add(1)
		go func(ch types.Channel) {
			defer wg.Done()
			if err := ch.Start(ctx, handler); err != nil {
				logger.L().Error("[Gateway] channel stopped", zap.String("channel", ch.ID()), zap.Error(err))
				if ctx.Err() == nil {
					g.trace(types.Message{ChannelID: ch.ID()}, "channel_disconnected", "error", err.Error())
				}
			}
		}(c)
	}
	g.mu.RUnlock()

	logger.L().Info("[Gateway] started all channels")
	wg.Wait()
	return nil
}

// processAndReply runs one turn. An agent error still carries a reply with
// an error event, which is delivered so the caller is never left waiting.
func (g *DefaultGateway) processAndReply(ctx context.Context, msg types.Message) error {
	channel, exists := g.channelByID(msg.ChannelID)
	if !exists {
		g.trace(msg, "deliver_reply", "error", "channel not found for reply")
		return fmt.Errorf("channel not found for reply: %s", msg.ChannelID)
	}
	if g.agent == nil {
		err := fmt.Errorf("gateway has no agent")
		_ = g.sendErrorReply(ctx, channel, msg, err)
		return err
	}

	response, procErr := g.agent.Process(ctx, msg)
	if procErr != nil {
		g.trace(msg, "agent_process", "error", procErr.Error())
		if len(response.Events) == 0 {
			_ = g.sendErrorReply(ctx, channel, msg, procErr)
			return fmt.Errorf("agent process: %w", procErr)
		}
	} else {
		g.trace(msg, "agent_process", "ok", "")
	}

	normalizeReply(&response, msg)
	if err := channel.Send(ctx, response); err != nil {
		g.trace(response, "deliver_reply", "error", err.Error())
		return fmt.Errorf("send reply: %w", err)
	}
	g.trace(response, "deliver_reply", "ok", "")
	if procErr != nil {
		return fmt.Errorf("agent process: %w", procErr)
	}
	return nil
}

func (g *DefaultGateway) sendErrorReply(ctx context.Context, channel types.Channel, msg types.Message, cause error) error {
	response := types.Message{
		Content: "Sorry, something went wrong on my side. Please try again.",
		Role:    types.MessageRoleAssistant,
		Meta:    map[string]interface{}{"error": cause.Error()},
		Events: []types.Event{
			{Type: types.EventError, ConversationID: msg.ConversationID, Content: cause.Error()},
			{Type: types.EventEnd, ConversationID: msg.ConversationID},
		},
	}
	normalizeReply(&response, msg)
	if err := channel.Send(ctx, response); err != nil {
		g.trace(response, "deliver_error_reply", "error", err.Error())
		return err
	}
	g.trace(response, "deliver_error_reply", "ok", "")
	return nil
}

func (g *DefaultGateway) trace(msg types.Message, event, status, detail string) {
	g.mu.RLock()
	tracer := g.tracer
	g.mu.RUnlock()
	if tracer == nil {
		return
	}

	traceEvent := TraceEvent{
		RequestID:      strings.TrimSpace(msg.RequestID),
		MessageID:      strings.TrimSpace(msg.ID),
		ChannelID:      strings.TrimSpace(msg.ChannelID),
		UserID:         strings.TrimSpace(msg.UserID),
		ConversationID: strings.TrimSpace(msg.ConversationID),
		Event:          strings.TrimSpace(event),
		Status:         strings.TrimSpace(status),
		Detail:         strings.TrimSpace(detail),
	}
	if err := tracer.Record(traceEvent); err != nil {
		logger.L().Warn("[Gateway] trace write failed", zap.Error(err))
	}
}

func normalizeReply(response *types.Message, request types.Message) {
	if response.ID == "" {
		response.ID = "resp-" + request.ID
	}
	if response.ChannelID == "" {
		response.ChannelID = request.ChannelID
	}
	if response.Role == "" {
		response.Role = types.MessageRoleAssistant
	}
	if response.UserID == "" {
		response.UserID = request.UserID
	}
	if response.RequestID == "" {
		response.RequestID = request.RequestID
	}
	if response.ConversationID == "" {
		response.ConversationID = request.ConversationID
	}
	if len(response.Events) == 0 {
		response.Events = []types.Event{
			{Type: types.EventMessage, ConversationID: response.ConversationID, Content: response.Content},
			{Type: types.EventEnd, ConversationID: response.ConversationID},
		}
	}
	if response.Meta == nil {
		response.Meta = map[string]interface{}{}
	}
	for k, v := range request.Meta {
		if _, exists := response.Meta[k]; !exists {
			response.Meta[k] = v
		}
	}
}

func (g *DefaultGateway) channelByID(channelID string) (types.Channel, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	channel, exists := g.channels[channelID]
	return channel, exists
}

func (g *DefaultGateway) HealthStatus() HealthStatus {
	g.mu.RLock()
	channels := make([]string, 0, len(g.channels))
	for id := range g.channels {
		channels = append(channels, id)
	}
	agentName := ""
	if g.agent != nil {
		agentName = g.agent.Name()
	}
	g.mu.RUnlock()
	sort.Strings(channels)

	status := HealthStatus{
		Agent:              agentName,
		RegisteredChannels: channels,
		ProcessedMessages:  atomic.LoadUint64(&g.processedMessages),
		FailedTurns:        atomic.LoadUint64(&g.failedTurns),
	}
	if started := g.startedUnix.Load(); started > 0 {
		status.Started = true
		status.StartedAt = time.Unix(started, 0).UTC()
	}
	if last := g.lastMessageUnix.Load(); last > 0 {
		status.LastMessageAt = time.Unix(last, 0).UTC()
	}
	return status
}

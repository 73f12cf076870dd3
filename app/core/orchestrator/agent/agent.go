package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"lunchrun/app/core/orchestrator/conversation"
	"lunchrun/app/core/orchestrator/handlers"
	"lunchrun/app/core/orchestrator/router"
	"lunchrun/app/pkg/logger"
	"lunchrun/app/pkg/types"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("lunchrun/agent")

// Extractor proposes slot values for one user message.
type Extractor interface {
	Extract(ctx context.Context, text string, state conversation.State) (conversation.Extraction, error)
}

type Options struct {
	Name            string
	ExtractTimeout  time.Duration
	Now             func() time.Time
	NewConversation func() string
}

// DefaultAgent runs one conversation turn: merge, route, handle, persist.
type DefaultAgent struct {
	name      string
	store     *conversation.Store
	locker    *conversation.Locker
	extractor Extractor
	router    *router.Router
	table     handlers.Table

	extractTimeout time.Duration
	now            func() time.Time
	newID          func() string

	mu sync.RWMutex
}

func NewAgent(store *conversation.Store, extractor Extractor, rt *router.Router, table handlers.Table, opts Options) *DefaultAgent {
	if opts.Name == "" {
		opts.Name = "LunchRun"
	}
	if opts.ExtractTimeout <= 0 {
		opts.ExtractTimeout = 20 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewConversation == nil {
		opts.NewConversation = uuid.NewString
	}
	if rt == nil {
		rt = router.Default()
	}
	return &DefaultAgent{
		name:           opts.Name,
		store:          store,
		locker:         conversation.NewLocker(),
		extractor:      extractor,
		router:         rt,
		table:          table,
		extractTimeout: opts.ExtractTimeout,
		now:            opts.Now,
		newID:          opts.NewConversation,
	}
}

// Process handles one inbound message. Turns for the same conversation are
// serialized; different conversations run concurrently.
func (a *DefaultAgent) Process(ctx context.Context, msg types.Message) (types.Message, error) {
	convID := strings.TrimSpace(msg.ConversationID)
	if convID == "" {
		convID = a.newID()
	}
	msg.ConversationID = convID
	text := strings.TrimSpace(msg.Content)
	if text == "" {
		return a.failure(msg, errors.New("message is empty")), nil
	}

	ctx, span := tracer.Start(ctx, "agent.turn")
	defer span.End()
	span.SetAttributes(attribute.String("conversation_id", convID))

	unlock, err := a.locker.Lock(ctx, convID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return a.failure(msg, err), err
	}
	defer unlock()

	state, created, err := a.store.LoadOrCreate(ctx, convID, a.now())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.L().Error("[Agent] load conversation failed", zap.String("conversation_id", convID), zap.Error(err))
		return a.failure(msg, fmt.Errorf("load conversation: %w", err)), err
	}
	if created {
		logger.L().Info("[Agent] conversation started", zap.String("conversation_id", convID), zap.String("channel", msg.ChannelID))
	}
	state.Append(types.MessageRoleUser, text, a.now())

	state = conversation.Merge(state, a.extract(ctx, text, state))

	actions, outcomes := a.handle(ctx, &state)
	span.SetAttributes(attribute.String("action", string(actions[0])))

	replies := make([]string, 0, len(outcomes))
	var events []types.Event
	for _, out := range outcomes {
		if out.Reply != "" {
			replies = append(replies, out.Reply)
		}
		for _, s := range out.Structured {
			events = append(events, types.Event{Type: types.EventStructured, ConversationID: convID, Kind: s.Kind, Data: s.Data})
		}
		if out.Err != nil {
			logger.L().Warn("[Agent] handler reported failure", zap.String("conversation_id", convID), zap.Error(out.Err))
		}
	}
	reply := strings.Join(replies, "\n\n")
	state.Append(types.MessageRoleAssistant, reply, a.now())
	state.UpdatedAt = a.now()

	if err := a.store.Save(ctx, &state); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.L().Error("[Agent] save conversation failed", zap.String("conversation_id", convID), zap.Error(err))
		return a.failure(msg, fmt.Errorf("save conversation: %w", err)), err
	}

	names := make([]string, len(actions))
	for i, act := range actions {
		names[i] = string(act)
	}
	out := a.newReply(msg, reply, map[string]interface{}{"actions": names})
	out.Events = append([]types.Event{{Type: types.EventMessage, ConversationID: convID, Content: reply}}, events...)
	out.Events = append(out.Events, types.Event{Type: types.EventEnd, ConversationID: convID})
	return out, nil
}

// extract falls back to an empty extraction when the extractor fails; the
// turn still routes on the existing state.
func (a *DefaultAgent) extract(ctx context.Context, text string, state conversation.State) conversation.Extraction {
	if a.extractor == nil {
		return conversation.Extraction{}
	}
	callCtx, cancel := context.WithTimeout(ctx, a.extractTimeout)
	defer cancel()
	ext, err := a.extractor.Extract(callCtx, text, state)
	if err != nil {
		level := zap.WarnLevel
		if errors.Is(err, conversation.ErrExtractionParse) {
			level = zap.InfoLevel
		}
		logger.L().Check(level, "[Agent] extraction ignored").Write(
			zap.String("conversation_id", state.ConversationID), zap.Error(err))
		return conversation.Extraction{}
	}
	return ext
}

// handle runs the routed action and, after an artifact exists, the
// scheduling step the secondary router asks for.
func (a *DefaultAgent) handle(ctx context.Context, state *conversation.State) ([]router.Action, []handlers.Outcome) {
	action := a.router.Route(*state)
	switch action {
	case router.ActionCreateArtifact:
		out := a.table.Dispatch(ctx, action, state)
		if out.Err != nil || a.router.RouteAfterArtifact(*state) != router.ActionSchedule {
			return []router.Action{action}, []handlers.Outcome{out}
		}
		sched := a.table.Dispatch(ctx, router.ActionSchedule, state)
		return []router.Action{action, router.ActionSchedule}, []handlers.Outcome{out, sched}
	case router.ActionFinish:
		if a.router.RouteAfterArtifact(*state) != router.ActionSchedule {
			return []router.Action{action}, []handlers.Outcome{a.table.Dispatch(ctx, action, state)}
		}
		sched := a.table.Dispatch(ctx, router.ActionSchedule, state)
		if sched.Err != nil {
			return []router.Action{router.ActionSchedule}, []handlers.Outcome{sched}
		}
		return []router.Action{router.ActionSchedule, action}, []handlers.Outcome{sched, a.table.Dispatch(ctx, action, state)}
	default:
		return []router.Action{action}, []handlers.Outcome{a.table.Dispatch(ctx, action, state)}
	}
}

func (a *DefaultAgent) failure(msg types.Message, err error) types.Message {
	out := a.newReply(msg, "Sorry, something went wrong on my side. Please try again.", map[string]interface{}{"error": err.Error()})
	out.Events = []types.Event{
		{Type: types.EventError, ConversationID: msg.ConversationID, Content: err.Error()},
		{Type: types.EventEnd, ConversationID: msg.ConversationID},
	}
	return out
}

func (a *DefaultAgent) newReply(msg types.Message, content string, meta map[string]interface{}) types.Message {
	if meta == nil {
		meta = map[string]interface{}{}
	}
	for k, v := range msg.Meta {
		if _, exists := meta[k]; !exists {
			meta[k] = v
		}
	}
	return types.Message{
		ID:             fmt.Sprintf("asst-%d", time.Now().UnixNano()),
		Content:        content,
		Role:           types.MessageRoleAssistant,
		ChannelID:      msg.ChannelID,
		UserID:         msg.UserID,
		ConversationID: msg.ConversationID,
		RequestID:      msg.RequestID,
		Meta:           meta,
	}
}

// Conversation returns the stored state for id.
func (a *DefaultAgent) Conversation(ctx context.Context, id string) (conversation.State, error) {
	return a.store.Get(ctx, id)
}

func (a *DefaultAgent) Name() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.name
}

func (a *DefaultAgent) SetName(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.name = name
}

package handlers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"lunchrun/app/core/orchestrator/conversation"
	"lunchrun/app/core/orchestrator/router"
	"lunchrun/app/core/orchestrator/schedule"
)

// ErrCollaboratorUnavailable marks a failed or malformed external call. The
// state is left unchanged so the same action is routed again next turn.
var ErrCollaboratorUnavailable = errors.New("handlers: collaborator unavailable")

// Structured event kinds.
const (
	KindRestaurantList = "restaurant_list"
	KindFormCreated    = "form_created"
	KindTaskScheduled  = "task_scheduled"
)

// Place is one raw search hit.
type Place struct {
	Name    string
	Rating  float64
	Address string
	ID      string
	Types   []string
}

// Searcher finds shops serving a food category near a location.
type Searcher interface {
	Search(ctx context.Context, query string, location string) ([]Place, error)
}

type ArtifactRequest struct {
	Title       string
	Description string
	Options     []string
}

// ArtifactCreator creates the order form and its response sheet.
type ArtifactCreator interface {
	Create(ctx context.Context, req ArtifactRequest) (conversation.ArtifactRefs, error)
}

type DeadlineParser interface {
	Parse(text string, now time.Time) (time.Time, error)
}

type TaskScheduler interface {
	Schedule(ctx context.Context, conversationID string, executeAt time.Time, payload schedule.Payload) (string, error)
}

type Structured struct {
	Kind string      `json:"kind"`
	Data interface{} `json:"data"`
}

// Outcome is what one handler produced for the turn.
type Outcome struct {
	Reply      string
	Structured []Structured
	Err        error
}

type Handler interface {
	Handle(ctx context.Context, state *conversation.State) Outcome
}

type HandlerFunc func(ctx context.Context, state *conversation.State) Outcome

func (f HandlerFunc) Handle(ctx context.Context, state *conversation.State) Outcome {
	return f(ctx, state)
}

// Table dispatches a routed action to its handler.
type Table map[router.Action]Handler

func (t Table) Dispatch(ctx context.Context, action router.Action, state *conversation.State) Outcome {
	h, ok := t[action]
	if !ok {
		return Outcome{Err: fmt.Errorf("handlers: no handler for action %q", action)}
	}
	return h.Handle(ctx, state)
}

type Deps struct {
	Searcher       Searcher
	Artifacts      ArtifactCreator
	Deadlines      DeadlineParser
	Tasks          TaskScheduler
	Targets        schedule.Targets
	DefaultOptions []string
	SearchLimit    int
	Timeout        time.Duration
	Now            func() time.Time
}

// NewTable wires one handler per routed action.
func NewTable(deps Deps) Table {
	if deps.SearchLimit <= 0 {
		deps.SearchLimit = 8
	}
	if deps.Timeout <= 0 {
		deps.Timeout = 20 * time.Second
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return Table{
		router.ActionAsk:            HandlerFunc(ask),
		router.ActionSearch:         &searchHandler{searcher: deps.Searcher, limit: deps.SearchLimit, timeout: deps.Timeout},
		router.ActionCreateArtifact: &artifactHandler{creator: deps.Artifacts, options: deps.DefaultOptions, timeout: deps.Timeout},
		router.ActionSchedule: &scheduleHandler{
			parser:  deps.Deadlines,
			tasks:   deps.Tasks,
			targets: deps.Targets,
			timeout: deps.Timeout,
			now:     deps.Now,
		},
		router.ActionFinish: HandlerFunc(finish),
	}
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrCollaboratorUnavailable, op, err)
}

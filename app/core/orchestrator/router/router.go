package router

import (
	"fmt"
	"strings"

	"lunchrun/app/core/orchestrator/conversation"
)

type Action string

const (
	ActionAsk            Action = "ask"
	ActionSearch         Action = "search"
	ActionCreateArtifact Action = "create_artifact"
	ActionSchedule       Action = "schedule"
	ActionFinish         Action = "finish"
)

// DefaultPriority completes an in-flight artifact before starting a search.
var DefaultPriority = []Action{ActionCreateArtifact, ActionSearch}

// Router maps conversation state to the next action. Route and
// RouteAfterArtifact read nothing but the state, so identical state always
// yields the identical action.
type Router struct {
	priority []Action
}

// New validates priority, which orders the create_artifact and search rules.
// An empty priority selects DefaultPriority.
func New(priority []string) (*Router, error) {
	if len(priority) == 0 {
		return &Router{priority: append([]Action(nil), DefaultPriority...)}, nil
	}
	seen := map[Action]bool{}
	out := make([]Action, 0, len(DefaultPriority))
	for _, raw := range priority {
		action := Action(strings.ToLower(strings.TrimSpace(raw)))
		if action != ActionCreateArtifact && action != ActionSearch {
			return nil, fmt.Errorf("router: priority entry %q must be %s or %s", raw, ActionCreateArtifact, ActionSearch)
		}
		if seen[action] {
			return nil, fmt.Errorf("router: duplicate priority entry %q", raw)
		}
		seen[action] = true
		out = append(out, action)
	}
	for _, action := range DefaultPriority {
		if !seen[action] {
			out = append(out, action)
		}
	}
	return &Router{priority: out}, nil
}

// Default returns a router using DefaultPriority.
func Default() *Router {
	r, _ := New(nil)
	return r
}

func (r *Router) Priority() []Action {
	return append([]Action(nil), r.priority...)
}

// Route picks the main action for a turn; the first matching rule wins.
func (r *Router) Route(state conversation.State) Action {
	for _, action := range r.priority {
		if matches(action, state) {
			return action
		}
	}
	if state.Artifact != nil {
		return ActionFinish
	}
	return ActionAsk
}

func matches(action Action, state conversation.State) bool {
	switch action {
	case ActionCreateArtifact:
		return state.Artifact == nil && state.Slots.Has(conversation.ArtifactSlots...)
	case ActionSearch:
		return !state.HasCurrentSearch() && state.Slots.Has(conversation.SlotLocation, conversation.SlotFoodCategory)
	default:
		return false
	}
}

// RouteAfterArtifact applies the post-artifact rule, which ignores priority.
func (r *Router) RouteAfterArtifact(state conversation.State) Action {
	return RouteAfterArtifact(state)
}

// RouteAfterArtifact decides whether the aggregation task should be
// scheduled once an artifact exists.
func RouteAfterArtifact(state conversation.State) Action {
	if state.Artifact != nil &&
		!state.Scheduled &&
		state.Slots.Has(conversation.SlotDeadline, conversation.SlotOrganizerContact) {
		return ActionSchedule
	}
	return ActionFinish
}

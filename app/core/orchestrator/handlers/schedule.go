package handlers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"lunchrun/app/core/orchestrator/conversation"
	"lunchrun/app/core/orchestrator/schedule"
	"lunchrun/app/pkg/logger"

	"go.uber.org/zap"
)

type scheduleHandler struct {
	parser  DeadlineParser
	tasks   TaskScheduler
	targets schedule.Targets
	timeout time.Duration
	now     func() time.Time
}

func (h *scheduleHandler) Handle(ctx context.Context, state *conversation.State) Outcome {
	if h.parser == nil || h.tasks == nil {
		return Outcome{
			Reply: "Sorry, deadline tallies are not available right now.",
			Err:   unavailable("schedule", errors.New("scheduler not configured")),
		}
	}
	if state.Artifact == nil {
		return Outcome{Reply: "There is no order form yet, so there is nothing to tally."}
	}

	executeAt, err := h.parser.Parse(state.Slots.Deadline, h.now())
	if err != nil {
		logger.L().Info("[Handlers] deadline not understood", zap.String("deadline", state.Slots.Deadline), zap.Error(err))
		return Outcome{
			Reply: fmt.Sprintf("I could not work out when %q is. Could you give the deadline as a date and time, like \"tomorrow 5pm\" or \"2025-03-14 17:00\"?", state.Slots.Deadline),
			Err:   err,
		}
	}

	payload := schedule.Payload{
		PrimaryURL:   state.Artifact.PrimaryURL,
		SecondaryURL: state.Artifact.SecondaryURL,
		Title:        state.Slots.Title,
		Targets: schedule.Targets{
			PushTargets: append([]string(nil), h.targets.PushTargets...),
			Emails:      recipients(state.Slots.OrganizerContact, h.targets.Emails),
		},
	}

	callCtx, cancel := context.WithTimeout(ctx, h.timeout)
	taskID, err := h.tasks.Schedule(callCtx, state.ConversationID, executeAt, payload)
	cancel()
	if err != nil {
		logger.L().Warn("[Handlers] schedule failed", zap.String("conversation_id", state.ConversationID), zap.Error(err))
		return Outcome{
			Reply: "Sorry, I could not schedule the tally. Send any message and I will try again.",
			Err:   unavailable("schedule", err),
		}
	}

	state.Scheduled = true
	state.ScheduledTaskID = taskID
	return Outcome{
		Reply: fmt.Sprintf("I will tally the orders at %s and send the summary.", executeAt.Format("2006-01-02 15:04 MST")),
		Structured: []Structured{{Kind: KindTaskScheduled, Data: map[string]string{
			"task_id":    taskID,
			"execute_at": executeAt.Format(time.RFC3339),
		}}},
	}
}

// recipients puts the organizer first when the contact looks like an email.
func recipients(contact string, extra []string) []string {
	out := make([]string, 0, len(extra)+1)
	seen := map[string]bool{}
	add := func(addr string) {
		addr = strings.TrimSpace(addr)
		key := strings.ToLower(addr)
		if addr == "" || !strings.Contains(addr, "@") || seen[key] {
			return
		}
		seen[key] = true
		out = append(out, addr)
	}
	add(contact)
	for _, e := range extra {
		add(e)
	}
	return out
}

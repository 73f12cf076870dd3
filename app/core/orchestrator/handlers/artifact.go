package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"lunchrun/app/core/orchestrator/conversation"
	"lunchrun/app/pkg/logger"

	"go.uber.org/zap"
)

type artifactHandler struct {
	creator ArtifactCreator
	options []string
	timeout time.Duration
}

func (h *artifactHandler) Handle(ctx context.Context, state *conversation.State) Outcome {
	if h.creator == nil {
		return Outcome{
			Reply: "Sorry, order forms cannot be created right now.",
			Err:   unavailable("create artifact", errors.New("no artifact creator")),
		}
	}
	slots := state.Slots
	req := ArtifactRequest{
		Title:       slots.Title,
		Description: fmt.Sprintf("Group order from %s. Ordering closes %s. Organizer: %s.", slots.SelectedOption, slots.Deadline, slots.OrganizerContact),
		Options:     append([]string(nil), h.options...),
	}

	callCtx, cancel := context.WithTimeout(ctx, h.timeout)
	refs, err := h.creator.Create(callCtx, req)
	cancel()
	if err == nil {
		err = validateRefs(refs)
	}
	if err != nil {
		logger.L().Warn("[Handlers] create artifact failed", zap.String("conversation_id", state.ConversationID), zap.Error(err))
		return Outcome{
			Reply: "Sorry, I could not create the order form. Send any message and I will try again.",
			Err:   unavailable("create artifact", err),
		}
	}

	state.Artifact = &refs
	return Outcome{
		Reply: fmt.Sprintf("I created the order form for %s: %s\nShare it with everyone. Responses land in %s", slots.SelectedOption, refs.PrimaryURL, refs.SecondaryURL),
		Structured: []Structured{{Kind: KindFormCreated, Data: map[string]string{
			"form_url":  refs.PrimaryURL,
			"sheet_url": refs.SecondaryURL,
			"title":     slots.Title,
		}}},
	}
}

func validateRefs(refs conversation.ArtifactRefs) error {
	for name, raw := range map[string]string{"primary_url": refs.PrimaryURL, "secondary_url": refs.SecondaryURL} {
		u, err := url.Parse(strings.TrimSpace(raw))
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("malformed %s %q", name, raw)
		}
	}
	return nil
}

package handlers

import (
	"context"
	"fmt"
	"strings"

	"lunchrun/app/core/orchestrator/conversation"
)

var slotPrompts = map[string]string{
	conversation.SlotLocation:         "where everyone is (an area or lat,lng)",
	conversation.SlotFoodCategory:     "what kind of food or drinks you want",
	conversation.SlotSelectedOption:   "which shop you picked",
	conversation.SlotTitle:            "a title for the group order",
	conversation.SlotDeadline:         "when ordering should close",
	conversation.SlotOrganizerContact: "an email or contact for the organizer",
}

// ask names the slots still needed for the next step. It never calls out and
// never touches slots.
func ask(_ context.Context, state *conversation.State) Outcome {
	slots := state.Slots
	var missing []string
	switch {
	case state.Artifact != nil:
		return finish(context.Background(), state)
	case !state.HasCurrentSearch() && slots.SelectedOption == "":
		missing = slots.Missing(conversation.SlotLocation, conversation.SlotFoodCategory)
		if len(missing) == 0 {
			missing = slots.Missing(conversation.ArtifactSlots...)
		}
	default:
		missing = slots.Missing(conversation.ArtifactSlots...)
	}
	if len(missing) == 0 {
		return Outcome{Reply: "Got it. Anything else you want to change before I set things up?"}
	}

	parts := make([]string, 0, len(missing))
	for _, name := range missing {
		parts = append(parts, slotPrompts[name])
	}
	return Outcome{Reply: "To keep going I still need " + joinList(parts) + "."}
}

// finish closes the main path. Calling it repeatedly has no side effects.
func finish(_ context.Context, state *conversation.State) Outcome {
	if state.Artifact == nil {
		return Outcome{Reply: "All done for now."}
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Your order form is ready: %s\nResponses are collected in: %s", state.Artifact.PrimaryURL, state.Artifact.SecondaryURL)
	if state.Scheduled {
		fmt.Fprintf(&b, "\nI will tally the orders at the deadline (%s) and send the summary.", state.Slots.Deadline)
	}
	return Outcome{Reply: b.String()}
}

func joinList(parts []string) string {
	switch len(parts) {
	case 0:
		return ""
	case 1:
		return parts[0]
	case 2:
		return parts[0] + " and " + parts[1]
	default:
		return strings.Join(parts[:len(parts)-1], ", ") + " and " + parts[len(parts)-1]
	}
}

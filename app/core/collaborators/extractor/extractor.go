// Package extractor turns a user message into candidate slot values by
// asking a chat model for a JSON object.
package extractor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"lunchrun/app/core/orchestrator/conversation"
)

const systemPrompt = `You extract fields for organizing a group food or drink order.
Reply with one JSON object and nothing else. Allowed keys:
  location           where the group is (area name or "lat,lng")
  food_category      kind of food or drink wanted
  selected_option    the shop the user picked
  title              title for the order form
  deadline           when ordering closes, copied as the user wrote it
  organizer_contact  organizer email or contact
  selection_confirmed  true only when the user clearly picks a shop in this message
Omit keys the latest message does not mention. Never guess selected_option.`

// Completer sends one system and user prompt pair to a chat model and
// returns the raw reply text.
type Completer interface {
	Complete(ctx context.Context, system string, user string) (string, error)
}

type Extractor struct {
	completer Completer
	history   int
}

// New returns an extractor that includes up to history earlier messages.
func New(completer Completer, history int) *Extractor {
	if history <= 0 {
		history = 12
	}
	return &Extractor{completer: completer, history: history}
}

// Extract asks the model about text. A reply that is not a JSON object is
// reported with conversation.ErrExtractionParse.
func (e *Extractor) Extract(ctx context.Context, text string, state conversation.State) (conversation.Extraction, error) {
	raw, err := e.completer.Complete(ctx, systemPrompt, e.prompt(text, state))
	if err != nil {
		return conversation.Extraction{}, fmt.Errorf("extractor: %w", err)
	}
	return conversation.ParseExtraction(raw)
}

func (e *Extractor) prompt(text string, state conversation.State) string {
	var b strings.Builder
	b.WriteString("Today is ")
	b.WriteString(time.Now().Format("2006-01-02 Mon"))
	b.WriteString(".\n")

	var known []string
	for _, name := range conversation.SlotNames {
		if v := state.Slots.Get(name); v != "" {
			known = append(known, name+"="+v)
		}
	}
	if len(known) > 0 {
		b.WriteString("Already known: ")
		b.WriteString(strings.Join(known, "; "))
		b.WriteString("\n")
	}
	if len(state.SearchResults) > 0 {
		b.WriteString("Shops offered to the user:")
		for i, r := range state.SearchResults {
			fmt.Fprintf(&b, "\n%d. %s", i+1, r.Name)
		}
		b.WriteString("\n")
	}

	history := state.RecentMessages(e.history)
	// The newest entry is usually the message being extracted.
	if n := len(history); n > 0 && history[n-1].Role == "user" && history[n-1].Text == text {
		history = history[:n-1]
	}
	if len(history) > 0 {
		b.WriteString("Conversation so far:\n")
		for _, m := range history {
			b.WriteString(m.Role)
			b.WriteString(": ")
			b.WriteString(m.Text)
			b.WriteString("\n")
		}
	}
	b.WriteString("Latest user message:\n")
	b.WriteString(text)
	return b.String()
}

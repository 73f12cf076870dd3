package extractor

import (
	"context"
	"errors"
	"testing"
	"time"

	"lunchrun/app/core/orchestrator/conversation"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCompleter struct {
	reply  string
	err    error
	system string
	user   string
}

func (f *fakeCompleter) Complete(_ context.Context, system string, user string) (string, error) {
	f.system = system
	f.user = user
	return f.reply, f.err
}

func TestExtractParsesFencedReply(t *testing.T) {
	fc := &fakeCompleter{reply: "```json\n{\"location\":\"Nangang\",\"food_category\":\"bubble tea\"}\n```"}
	ext, err := New(fc, 4).Extract(context.Background(), "bubble tea near Nangang", conversation.State{})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"location": "Nangang", "food_category": "bubble tea"}, ext.Fields)
	assert.False(t, ext.SelectionConfirmed)
	assert.Contains(t, fc.system, "selection_confirmed")
}

func TestExtractMalformedReply(t *testing.T) {
	fc := &fakeCompleter{reply: "sure, happy to help"}
	_, err := New(fc, 4).Extract(context.Background(), "hi", conversation.State{})
	assert.True(t, errors.Is(err, conversation.ErrExtractionParse))
}

func TestExtractCompleterError(t *testing.T) {
	fc := &fakeCompleter{err: errors.New("timeout")}
	_, err := New(fc, 4).Extract(context.Background(), "hi", conversation.State{})
	require.Error(t, err)
	assert.False(t, errors.Is(err, conversation.ErrExtractionParse))
}

func TestPromptCarriesContext(t *testing.T) {
	now := time.Date(2025, 3, 13, 10, 0, 0, 0, time.UTC)
	st := conversation.New("c", now)
	st.Slots.Location = "Nangang"
	st.SearchResults = []conversation.SearchResult{{Name: "Tea Shop"}, {Name: "Milk Bar"}}
	st.Append("user", "first message", now)
	st.Append("assistant", "here are shops", now)
	st.Append("user", "the second one", now)

	fc := &fakeCompleter{reply: `{"selected_option":"Milk Bar","selection_confirmed":true}`}
	ext, err := New(fc, 12).Extract(context.Background(), "the second one", st)
	require.NoError(t, err)
	assert.True(t, ext.SelectionConfirmed)

	assert.Contains(t, fc.user, "location=Nangang")
	assert.Contains(t, fc.user, "2. Milk Bar")
	assert.Contains(t, fc.user, "assistant: here are shops")
	assert.Contains(t, fc.user, "Latest user message:\nthe second one")
	assert.NotContains(t, fc.user, "user: the second one")
}

func TestNewRequiresKeys(t *testing.T) {
	_, err := NewOpenAI("", "", "gpt-4o-mini")
	assert.Error(t, err)
	_, err = NewGemini(context.Background(), " ", "gemini-2.0-flash")
	assert.Error(t, err)
}

package conversation

import (
	"strings"
	"time"
)

// Slot names as emitted by the extractor.
const (
	SlotLocation         = "location"
	SlotFoodCategory     = "food_category"
	SlotSelectedOption   = "selected_option"
	SlotTitle            = "title"
	SlotDeadline         = "deadline"
	SlotOrganizerContact = "organizer_contact"
)

// SlotNames lists every recognized slot in display order.
var SlotNames = []string{
	SlotLocation,
	SlotFoodCategory,
	SlotSelectedOption,
	SlotTitle,
	SlotDeadline,
	SlotOrganizerContact,
}

// Slots holds the structured fields collected from the conversation.
// An empty string means the slot is unset.
type Slots struct {
	Location         string `json:"location,omitempty"`
	FoodCategory     string `json:"food_category,omitempty"`
	SelectedOption   string `json:"selected_option,omitempty"`
	Title            string `json:"title,omitempty"`
	Deadline         string `json:"deadline,omitempty"`
	OrganizerContact string `json:"organizer_contact,omitempty"`
}

// Get returns the value of the named slot.
func (s Slots) Get(name string) string {
	switch name {
	case SlotLocation:
		return s.Location
	case SlotFoodCategory:
		return s.FoodCategory
	case SlotSelectedOption:
		return s.SelectedOption
	case SlotTitle:
		return s.Title
	case SlotDeadline:
		return s.Deadline
	case SlotOrganizerContact:
		return s.OrganizerContact
	default:
		return ""
	}
}

func (s *Slots) set(name, value string) {
	switch name {
	case SlotLocation:
		s.Location = value
	case SlotFoodCategory:
		s.FoodCategory = value
	case SlotSelectedOption:
		s.SelectedOption = value
	case SlotTitle:
		s.Title = value
	case SlotDeadline:
		s.Deadline = value
	case SlotOrganizerContact:
		s.OrganizerContact = value
	}
}

// Has reports whether every named slot is non-empty.
func (s Slots) Has(names ...string) bool {
	for _, name := range names {
		if strings.TrimSpace(s.Get(name)) == "" {
			return false
		}
	}
	return true
}

// Missing returns the named slots that are still empty, in argument order.
func (s Slots) Missing(names ...string) []string {
	var out []string
	for _, name := range names {
		if strings.TrimSpace(s.Get(name)) == "" {
			out = append(out, name)
		}
	}
	return out
}

// ArtifactSlots must all be set before the order artifact is created.
var ArtifactSlots = []string{SlotTitle, SlotSelectedOption, SlotDeadline, SlotOrganizerContact}

// SearchResult is one shop offered to the group, as shown to the user.
type SearchResult struct {
	Name          string  `json:"name"`
	Rating        float64 `json:"rating"`
	Address       string  `json:"address"`
	ID            string  `json:"id"`
	CategoryLabel string  `json:"category_label"`
}

// ArtifactRefs points at the order form and its response sheet.
type ArtifactRefs struct {
	PrimaryURL   string `json:"primary_url"`
	SecondaryURL string `json:"secondary_url"`
}

// LogEntry is one message of the append-only conversation log.
type LogEntry struct {
	Role string    `json:"role"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// State is the canonical record for one conversation.
type State struct {
	ConversationID  string         `json:"conversation_id"`
	Messages        []LogEntry     `json:"messages"`
	Slots           Slots          `json:"slots"`
	SearchResults   []SearchResult `json:"search_results,omitempty"`
	SearchKey       string         `json:"search_key,omitempty"`
	Artifact        *ArtifactRefs  `json:"artifact,omitempty"`
	Scheduled       bool           `json:"scheduled"`
	ScheduledTaskID string         `json:"scheduled_task_id,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`

	// persisted counts log entries already written by Store.Save.
	persisted int
}

// SearchKeyFor identifies the location and food category pair a search ran for.
func SearchKeyFor(slots Slots) string {
	return strings.ToLower(strings.TrimSpace(slots.Location)) + "|" +
		strings.ToLower(strings.TrimSpace(slots.FoodCategory))
}

// HasCurrentSearch reports whether SearchResults were produced for the
// location and food category the slots hold now. Results from an earlier
// pair count as unset.
func (s State) HasCurrentSearch() bool {
	return s.SearchResults != nil && s.SearchKey == SearchKeyFor(s.Slots)
}

// New returns an empty state for id.
func New(id string, now time.Time) State {
	return State{
		ConversationID: id,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Clone returns a deep copy so handlers and merges never alias slices.
func (s State) Clone() State {
	out := s
	if s.Messages != nil {
		out.Messages = append([]LogEntry(nil), s.Messages...)
	}
	if s.SearchResults != nil {
		out.SearchResults = append([]SearchResult(nil), s.SearchResults...)
	}
	if s.Artifact != nil {
		refs := *s.Artifact
		out.Artifact = &refs
	}
	return out
}

// Append adds one entry to the message log.
func (s *State) Append(role, text string, at time.Time) {
	s.Messages = append(s.Messages, LogEntry{Role: role, Text: text, At: at})
}

// RecentMessages returns the last n log entries.
func (s State) RecentMessages(n int) []LogEntry {
	if n <= 0 || len(s.Messages) <= n {
		return s.Messages
	}
	return s.Messages[len(s.Messages)-n:]
}

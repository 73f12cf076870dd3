package conversation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

type Store struct {
	conn *sql.DB
}

func NewStore(conn *sql.DB) (*Store, error) {
	if conn == nil {
		return nil, errors.New("conversation store: db connection is required")
	}
	return &Store{conn: conn}, nil
}

// Get loads a conversation with its full message log. A missing id returns
// an error wrapping sql.ErrNoRows.
func (s *Store) Get(ctx context.Context, id string) (State, error) {
	var (
		state       State
		slotsJSON   string
		resultsJSON sql.NullString
		searchKey   string
		primaryURL  sql.NullString
		secondary   sql.NullString
		scheduled   int
		taskID      sql.NullString
		createdAt   int64
		updatedAt   int64
	)
	err := s.conn.QueryRowContext(ctx, `
		SELECT id, slots_json, search_results_json, search_key, artifact_primary_url, artifact_secondary_url,
			scheduled, scheduled_task_id, created_at, updated_at
		FROM conversations
		WHERE id = ?
	`, id).Scan(&state.ConversationID, &slotsJSON, &resultsJSON, &searchKey, &primaryURL, &secondary, &scheduled, &taskID, &createdAt, &updatedAt)
	if err != nil {
		return State{}, fmt.Errorf("conversation store: get %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(slotsJSON), &state.Slots); err != nil {
		return State{}, fmt.Errorf("conversation store: decode slots: %w", err)
	}
	if resultsJSON.Valid && resultsJSON.String != "" {
		if err := json.Unmarshal([]byte(resultsJSON.String), &state.SearchResults); err != nil {
			return State{}, fmt.Errorf("conversation store: decode search results: %w", err)
		}
	}
	state.SearchKey = searchKey
	if primaryURL.Valid && primaryURL.String != "" {
		state.Artifact = &ArtifactRefs{PrimaryURL: primaryURL.String, SecondaryURL: secondary.String}
	}
	state.Scheduled = scheduled != 0
	state.ScheduledTaskID = taskID.String
	state.CreatedAt = time.Unix(createdAt, 0).UTC()
	state.UpdatedAt = time.Unix(updatedAt, 0).UTC()

	messages, err := s.loadMessages(ctx, id)
	if err != nil {
		return State{}, err
	}
	state.Messages = messages
	state.persisted = len(messages)
	return state, nil
}

// LoadOrCreate returns the stored state for id, or a fresh unsaved one.
func (s *Store) LoadOrCreate(ctx context.Context, id string, now time.Time) (State, bool, error) {
	state, err := s.Get(ctx, id)
	if err == nil {
		return state, false, nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return New(id, now.UTC()), true, nil
	}
	return State{}, false, err
}

func (s *Store) loadMessages(ctx context.Context, id string) ([]LogEntry, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT role, content, created_at
		FROM conversation_messages
		WHERE conversation_id = ?
		ORDER BY id ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("conversation store: load messages: %w", err)
	}
	defer rows.Close()

	items := make([]LogEntry, 0)
	for rows.Next() {
		var entry LogEntry
		var at int64
		if err := rows.Scan(&entry.Role, &entry.Text, &at); err != nil {
			return nil, err
		}
		entry.At = time.Unix(at, 0).UTC()
		items = append(items, entry)
	}
	return items, rows.Err()
}

// Save upserts the state row and appends log entries added since the state
// was loaded. The message log is append-only.
func (s *Store) Save(ctx context.Context, state *State) error {
	if state == nil || strings.TrimSpace(state.ConversationID) == "" {
		return errors.New("conversation store: conversation id is required")
	}
	slotsJSON, err := json.Marshal(state.Slots)
	if err != nil {
		return fmt.Errorf("conversation store: encode slots: %w", err)
	}
	var resultsJSON interface{}
	if state.SearchResults != nil {
		raw, err := json.Marshal(state.SearchResults)
		if err != nil {
			return fmt.Errorf("conversation store: encode search results: %w", err)
		}
		resultsJSON = string(raw)
	}
	var primaryURL, secondaryURL interface{}
	if state.Artifact != nil {
		primaryURL = state.Artifact.PrimaryURL
		secondaryURL = state.Artifact.SecondaryURL
	}
	scheduled := 0
	if state.Scheduled {
		scheduled = 1
	}
	if state.CreatedAt.IsZero() {
		state.CreatedAt = time.Now().UTC()
	}
	state.UpdatedAt = time.Now().UTC()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversations(
			id, slots_json, search_results_json, search_key, artifact_primary_url, artifact_secondary_url,
			scheduled, scheduled_task_id, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			slots_json = excluded.slots_json,
			search_results_json = excluded.search_results_json,
			search_key = excluded.search_key,
			artifact_primary_url = excluded.artifact_primary_url,
			artifact_secondary_url = excluded.artifact_secondary_url,
			scheduled = excluded.scheduled,
			scheduled_task_id = excluded.scheduled_task_id,
			updated_at = excluded.updated_at
	`,
		state.ConversationID,
		string(slotsJSON),
		resultsJSON,
		state.SearchKey,
		primaryURL,
		secondaryURL,
		scheduled,
		nullIfEmpty(state.ScheduledTaskID),
		state.CreatedAt.Unix(),
		state.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("conversation store: upsert: %w", err)
	}

	start := state.persisted
	if start > len(state.Messages) {
		start = len(state.Messages)
	}
	for _, entry := range state.Messages[start:] {
		at := entry.At
		if at.IsZero() {
			at = state.UpdatedAt
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO conversation_messages(conversation_id, role, content, created_at)
			VALUES (?, ?, ?, ?)
		`, state.ConversationID, entry.Role, entry.Text, at.UTC().Unix()); err != nil {
			return fmt.Errorf("conversation store: append message: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	state.persisted = len(state.Messages)
	return nil
}

// Summary is a conversation row without its message log.
type Summary struct {
	ConversationID string    `json:"conversation_id"`
	Slots          Slots     `json:"slots"`
	HasArtifact    bool      `json:"has_artifact"`
	Scheduled      bool      `json:"scheduled"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (s *Store) List(ctx context.Context, limit int) ([]Summary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, slots_json, artifact_primary_url, scheduled, updated_at
		FROM conversations
		ORDER BY updated_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]Summary, 0)
	for rows.Next() {
		var (
			item       Summary
			slotsJSON  string
			primaryURL sql.NullString
			scheduled  int
			updatedAt  int64
		)
		if err := rows.Scan(&item.ConversationID, &slotsJSON, &primaryURL, &scheduled, &updatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(slotsJSON), &item.Slots); err != nil {
			return nil, fmt.Errorf("conversation store: decode slots: %w", err)
		}
		item.HasArtifact = primaryURL.Valid && primaryURL.String != ""
		item.Scheduled = scheduled != 0
		item.UpdatedAt = time.Unix(updatedAt, 0).UTC()
		items = append(items, item)
	}
	return items, rows.Err()
}

func nullIfEmpty(v string) interface{} {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

package handlers

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"lunchrun/app/core/orchestrator/conversation"
	"lunchrun/app/core/orchestrator/deadline"
	"lunchrun/app/core/orchestrator/router"
	"lunchrun/app/core/orchestrator/schedule"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2025, 3, 13, 10, 0, 0, 0, time.UTC)

type fakeSearcher struct {
	places []Place
	err    error
	calls  int
	query  string
}

func (f *fakeSearcher) Search(_ context.Context, query string, _ string) ([]Place, error) {
	f.calls++
	f.query = query
	return f.places, f.err
}

type fakeCreator struct {
	refs  conversation.ArtifactRefs
	err   error
	calls int
	last  ArtifactRequest
}

func (f *fakeCreator) Create(_ context.Context, req ArtifactRequest) (conversation.ArtifactRefs, error) {
	f.calls++
	f.last = req
	return f.refs, f.err
}

type fakeTasks struct {
	calls     int
	executeAt time.Time
	payload   schedule.Payload
	err       error
}

func (f *fakeTasks) Schedule(_ context.Context, _ string, executeAt time.Time, payload schedule.Payload) (string, error) {
	f.calls++
	f.executeAt = executeAt
	f.payload = payload
	if f.err != nil {
		return "", f.err
	}
	return "agg-test", nil
}

func artifactState() conversation.State {
	st := conversation.New("conv-1", testNow)
	st.Slots = conversation.Slots{
		Location:         "Nangang",
		FoodCategory:     "bubble tea",
		SelectedOption:   "Tea Shop",
		Title:            "Friday drinks",
		Deadline:         "tomorrow 5pm",
		OrganizerContact: "boss@example.com",
	}
	st.SearchResults = []conversation.SearchResult{{Name: "Tea Shop"}}
	st.SearchKey = conversation.SearchKeyFor(st.Slots)
	st.Artifact = &conversation.ArtifactRefs{PrimaryURL: "https://forms.example/f", SecondaryURL: "https://sheets.example/s"}
	return st
}

func newParser(t *testing.T) *deadline.Parser {
	t.Helper()
	p, err := deadline.New("UTC")
	require.NoError(t, err)
	return p
}

func TestSearchStoresTopResults(t *testing.T) {
	places := make([]Place, 10)
	for i := range places {
		places[i] = Place{Name: "shop", Rating: 4.5, Types: []string{"cafe", "food"}}
	}
	searcher := &fakeSearcher{places: places}
	table := NewTable(Deps{Searcher: searcher, SearchLimit: 8})

	st := conversation.New("c", testNow)
	st.Slots.Location = "Nangang"
	st.Slots.FoodCategory = "bubble tea"

	out := table.Dispatch(context.Background(), router.ActionSearch, &st)
	require.NoError(t, out.Err)
	assert.Equal(t, "bubble tea", searcher.query)
	assert.Len(t, st.SearchResults, 8)
	assert.Equal(t, "Cafe", st.SearchResults[0].CategoryLabel)
	require.Len(t, out.Structured, 1)
	assert.Equal(t, KindRestaurantList, out.Structured[0].Kind)
	assert.Equal(t, "nangang|bubble tea", st.SearchKey)
}

func TestSearchReplacesResultsForEarlierPair(t *testing.T) {
	st := conversation.New("c", testNow)
	st.Slots.Location = "Nangang"
	st.Slots.FoodCategory = "bubble tea"
	st.SearchResults = []conversation.SearchResult{{Name: "Tea Shop"}}
	st.SearchKey = conversation.SearchKeyFor(st.Slots)

	st.Slots.Location = "Xinyi"
	st.Slots.FoodCategory = "ramen"
	require.Equal(t, router.ActionSearch, router.Default().Route(st))

	searcher := &fakeSearcher{places: []Place{{Name: "Ramen Bar", Rating: 4.2}}}
	out := NewTable(Deps{Searcher: searcher}).Dispatch(context.Background(), router.ActionSearch, &st)
	require.NoError(t, out.Err)
	assert.Equal(t, "ramen", searcher.query)
	require.Len(t, st.SearchResults, 1)
	assert.Equal(t, "Ramen Bar", st.SearchResults[0].Name)
	assert.True(t, st.HasCurrentSearch())
	assert.Equal(t, router.ActionAsk, router.Default().Route(st))
}

func TestSearchFailureLeavesResultsUnset(t *testing.T) {
	cases := []struct {
		name    string
		search  *fakeSearcher
		wantErr bool
	}{
		{name: "provider error", search: &fakeSearcher{err: errors.New("quota")}, wantErr: true},
		{name: "no results", search: &fakeSearcher{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			st := conversation.New("c", testNow)
			st.Slots.Location = "Nangang"
			st.Slots.FoodCategory = "ramen"

			out := NewTable(Deps{Searcher: tc.search}).Dispatch(context.Background(), router.ActionSearch, &st)
			assert.Nil(t, st.SearchResults)
			assert.Contains(t, out.Reply, "Sorry")
			if tc.wantErr {
				assert.ErrorIs(t, out.Err, ErrCollaboratorUnavailable)
			}
			assert.Equal(t, router.ActionSearch, router.Default().Route(st))
		})
	}
}

func TestCategoryLabel(t *testing.T) {
	cases := []struct {
		tags  []string
		query string
		want  string
	}{
		{tags: []string{"point_of_interest", "meal_takeaway"}, query: "", want: "Meal Takeaway"},
		{tags: []string{"food", "establishment"}, query: "手搖飲料", want: "Drinks & Light Bites"},
		{tags: nil, query: "Coffee", want: "Drinks & Light Bites"},
		{tags: []string{"restaurant"}, query: "ramen", want: "Noodles"},
		{tags: []string{"store"}, query: "something", want: "Restaurant"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, CategoryLabel(tc.tags, tc.query), "%v %q", tc.tags, tc.query)
	}
}

func TestCreateArtifactSetsRefs(t *testing.T) {
	creator := &fakeCreator{refs: conversation.ArtifactRefs{PrimaryURL: "https://forms.example/f", SecondaryURL: "https://sheets.example/s"}}
	st := artifactState()
	st.Artifact = nil

	out := NewTable(Deps{Artifacts: creator, DefaultOptions: []string{"A", "B"}}).Dispatch(context.Background(), router.ActionCreateArtifact, &st)
	require.NoError(t, out.Err)
	require.NotNil(t, st.Artifact)
	assert.Equal(t, "https://forms.example/f", st.Artifact.PrimaryURL)
	assert.Equal(t, "Friday drinks", creator.last.Title)
	assert.Contains(t, creator.last.Description, "Tea Shop")
	assert.Equal(t, []string{"A", "B"}, creator.last.Options)
	assert.Equal(t, KindFormCreated, out.Structured[0].Kind)
}

func TestCreateArtifactRejectsMalformedRefs(t *testing.T) {
	cases := []struct {
		name    string
		creator *fakeCreator
	}{
		{name: "error", creator: &fakeCreator{err: errors.New("403")}},
		{name: "missing secondary", creator: &fakeCreator{refs: conversation.ArtifactRefs{PrimaryURL: "https://f.example/x"}}},
		{name: "relative url", creator: &fakeCreator{refs: conversation.ArtifactRefs{PrimaryURL: "/form", SecondaryURL: "https://s.example"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			st := artifactState()
			st.Artifact = nil

			out := NewTable(Deps{Artifacts: tc.creator}).Dispatch(context.Background(), router.ActionCreateArtifact, &st)
			assert.ErrorIs(t, out.Err, ErrCollaboratorUnavailable)
			assert.Nil(t, st.Artifact)
			assert.Equal(t, router.ActionCreateArtifact, router.Default().Route(st))
		})
	}
}

func TestScheduleRegistersTask(t *testing.T) {
	tasks := &fakeTasks{}
	st := artifactState()
	deps := Deps{
		Deadlines: newParser(t),
		Tasks:     tasks,
		Targets:   schedule.Targets{PushTargets: []string{"U1"}, Emails: []string{"Boss@example.com", "ops@example.com"}},
		Now:       func() time.Time { return testNow },
	}

	out := NewTable(deps).Dispatch(context.Background(), router.ActionSchedule, &st)
	require.NoError(t, out.Err)
	assert.True(t, st.Scheduled)
	assert.Equal(t, "agg-test", st.ScheduledTaskID)
	assert.Equal(t, 14, tasks.executeAt.Day())
	assert.Equal(t, 17, tasks.executeAt.Hour())
	assert.Equal(t, []string{"boss@example.com", "ops@example.com"}, tasks.payload.Targets.Emails)
	assert.Equal(t, []string{"U1"}, tasks.payload.Targets.PushTargets)
	assert.Equal(t, "https://sheets.example/s", tasks.payload.SecondaryURL)
	assert.Equal(t, router.ActionFinish, router.Default().RouteAfterArtifact(st))
}

func TestScheduleUnparseableDeadline(t *testing.T) {
	tasks := &fakeTasks{}
	st := artifactState()
	st.Slots.Deadline = "not a date"
	before := st.Clone()

	out := NewTable(Deps{Deadlines: newParser(t), Tasks: tasks, Now: func() time.Time { return testNow }}).
		Dispatch(context.Background(), router.ActionSchedule, &st)

	assert.ErrorIs(t, out.Err, deadline.ErrDeadlineParse)
	assert.False(t, st.Scheduled)
	assert.Zero(t, tasks.calls)
	assert.True(t, strings.Contains(out.Reply, "not a date"))
	if diff := cmp.Diff(before, st, cmp.AllowUnexported(conversation.State{})); diff != "" {
		t.Fatalf("state changed (-before +after):\n%s", diff)
	}
}

func TestScheduleFailureKeepsUnscheduled(t *testing.T) {
	tasks := &fakeTasks{err: errors.New("disk full")}
	st := artifactState()

	out := NewTable(Deps{Deadlines: newParser(t), Tasks: tasks, Now: func() time.Time { return testNow }}).
		Dispatch(context.Background(), router.ActionSchedule, &st)
	assert.ErrorIs(t, out.Err, ErrCollaboratorUnavailable)
	assert.False(t, st.Scheduled)
	assert.Equal(t, router.ActionSchedule, router.Default().RouteAfterArtifact(st))
}

func TestAskAndFinishDoNotTouchState(t *testing.T) {
	st := conversation.New("c", testNow)
	st.Slots.Location = "Nangang"
	before := st.Clone()

	out := NewTable(Deps{}).Dispatch(context.Background(), router.ActionAsk, &st)
	assert.Contains(t, out.Reply, "what kind of food")
	assert.NotContains(t, out.Reply, "where everyone is")
	assert.Empty(t, cmp.Diff(before, st, cmp.AllowUnexported(conversation.State{})))

	done := artifactState()
	done.Scheduled = true
	snapshot := done.Clone()
	first := NewTable(Deps{}).Dispatch(context.Background(), router.ActionFinish, &done)
	second := NewTable(Deps{}).Dispatch(context.Background(), router.ActionFinish, &done)
	assert.Equal(t, first, second)
	assert.Contains(t, first.Reply, "https://forms.example/f")
	assert.Empty(t, cmp.Diff(snapshot, done, cmp.AllowUnexported(conversation.State{})))
}

func TestDispatchUnknownAction(t *testing.T) {
	st := conversation.New("c", testNow)
	out := Table{}.Dispatch(context.Background(), router.ActionAsk, &st)
	assert.Error(t, out.Err)
}

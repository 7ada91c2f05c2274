package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/rlm/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() {
		_ = s.Close()
		_ = os.RemoveAll(dir)
	})
	return s
}

func seedRun(t *testing.T, s *LibSQLStore, task string) *Run {
	t.Helper()
	r := &Run{
		ID:             uuid.New().String(),
		Task:           task,
		InitialContext: json.RawMessage(`{"doc":"hello"}`),
		Options:        json.RawMessage(`{"model":"gpt-4"}`),
	}
	require.NoError(t, s.CreateRun(context.Background(), r))
	return r
}

// --- Migrations ---

func TestMigrate_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Migrate(ctx))

	v, err := schemaVersion(ctx, s.db)
	require.NoError(t, err)
	assert.Equal(t, len(migrations), v)
}

func TestSplitStatements(t *testing.T) {
	script := `-- header
CREATE TABLE a (x INTEGER);
-- only a comment;
CREATE INDEX i ON a(x);
`
	stmts := splitStatements(script)
	require.Len(t, stmts, 2)
	assert.Equal(t, "CREATE TABLE a (x INTEGER)", stmts[0])
	assert.Equal(t, "CREATE INDEX i ON a(x)", stmts[1])
}

// --- Runs ---

func TestCreateAndGetRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := seedRun(t, s, "summarize the document")

	got, err := s.GetRun(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, r.ID, got.ID)
	assert.Equal(t, "summarize the document", got.Task)
	assert.Equal(t, schema.RunStatusRunning, got.Status)
	assert.JSONEq(t, `{"doc":"hello"}`, string(got.InitialContext))
	assert.JSONEq(t, `{"model":"gpt-4"}`, string(got.Options))
	assert.Nil(t, got.FinalContext)
	assert.Nil(t, got.CompletedAt)
	assert.Empty(t, got.Output)
}

func TestCreateRun_DefaultsInitialContext(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := &Run{ID: uuid.New().String(), Task: "t"}
	require.NoError(t, s.CreateRun(ctx, r))

	got, err := s.GetRun(ctx, r.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(got.InitialContext))
}

func TestCreateRun_DuplicateID(t *testing.T) {
	s := newTestStore(t)
	r := seedRun(t, s, "t")

	err := s.CreateRun(context.Background(), &Run{ID: r.ID, Task: "again"})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeStore, schema.CodeOf(err))
}

func TestGetRun_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetRun(context.Background(), "nonexistent")
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestUpdateRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := seedRun(t, s, "t")

	status := schema.RunStatusCompleted
	output := "120"
	depth := 1
	calls := 2
	now := time.Now().UTC()
	require.NoError(t, s.UpdateRun(ctx, r.ID, RunUpdate{
		Status:       &status,
		Output:       &output,
		FinalContext: json.RawMessage(`{"output":120}`),
		Depth:        &depth,
		ModelCalls:   &calls,
		CompletedAt:  &now,
	}))

	got, err := s.GetRun(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, got.Status)
	assert.Equal(t, "120", got.Output)
	assert.JSONEq(t, `{"output":120}`, string(got.FinalContext))
	assert.Equal(t, 1, got.Depth)
	assert.Equal(t, 2, got.ModelCalls)
	require.NotNil(t, got.CompletedAt)
}

func TestUpdateRun_Error(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := seedRun(t, s, "t")

	status := schema.RunStatusFailed
	require.NoError(t, s.UpdateRun(ctx, r.ID, RunUpdate{
		Status: &status,
		Error:  json.RawMessage(`{"code":"RECURSION_LIMIT_EXCEEDED"}`),
	}))

	got, err := s.GetRun(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusFailed, got.Status)
	assert.JSONEq(t, `{"code":"RECURSION_LIMIT_EXCEEDED"}`, string(got.Error))
}

func TestUpdateRun_NoFields(t *testing.T) {
	s := newTestStore(t)
	assert.NoError(t, s.UpdateRun(context.Background(), "whatever", RunUpdate{}))
}

func TestUpdateRun_NotFound(t *testing.T) {
	s := newTestStore(t)
	status := schema.RunStatusCompleted
	err := s.UpdateRun(context.Background(), "nonexistent", RunUpdate{Status: &status})
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestListRuns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := seedRun(t, s, "a")
	seedRun(t, s, "b")
	seedRun(t, s, "c")

	failed := schema.RunStatusFailed
	require.NoError(t, s.UpdateRun(ctx, a.ID, RunUpdate{Status: &failed}))

	all, err := s.ListRuns(ctx, RunFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	onlyFailed, err := s.ListRuns(ctx, RunFilter{Status: &failed})
	require.NoError(t, err)
	require.Len(t, onlyFailed, 1)
	assert.Equal(t, a.ID, onlyFailed[0].ID)

	page, err := s.ListRuns(ctx, RunFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, page, 2)

	rest, err := s.ListRuns(ctx, RunFilter{Limit: 2, Offset: 2})
	require.NoError(t, err)
	assert.Len(t, rest, 1)
}

func TestDeleteRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := seedRun(t, s, "t")
	require.NoError(t, s.AppendEvent(ctx, &Event{RunID: r.ID, Type: schema.EventRunStarted}))

	require.NoError(t, s.DeleteRun(ctx, r.ID))

	_, err := s.GetRun(ctx, r.ID)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
	events, err := s.GetEvents(ctx, r.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, events)

	assert.True(t, schema.IsCode(s.DeleteRun(ctx, r.ID), schema.ErrCodeNotFound))
}

// --- Events ---

func TestAppendEvent_Sequence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r1 := seedRun(t, s, "one")
	r2 := seedRun(t, s, "two")

	for i := 0; i < 3; i++ {
		e := &Event{RunID: r1.ID, Type: schema.EventModelInvoked}
		require.NoError(t, s.AppendEvent(ctx, e))
		assert.Equal(t, int64(i+1), e.Sequence)
		assert.False(t, e.Timestamp.IsZero())
	}

	// Sequences are per run.
	e := &Event{RunID: r2.ID, Type: schema.EventRunStarted}
	require.NoError(t, s.AppendEvent(ctx, e))
	assert.Equal(t, int64(1), e.Sequence)
}

func TestGetEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := seedRun(t, s, "t")

	idx := 2
	require.NoError(t, s.AppendEvent(ctx, &Event{RunID: r.ID, Type: schema.EventRunStarted}))
	require.NoError(t, s.AppendEvent(ctx, &Event{
		RunID:        r.ID,
		Depth:        1,
		SnippetIndex: &idx,
		Type:         schema.EventSnippetSucceeded,
		Payload:      json.RawMessage(`{"succeeded":true}`),
	}))

	events, err := s.GetEvents(ctx, r.ID, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Nil(t, events[0].SnippetIndex)
	assert.Nil(t, events[0].Payload)
	require.NotNil(t, events[1].SnippetIndex)
	assert.Equal(t, 2, *events[1].SnippetIndex)
	assert.Equal(t, 1, events[1].Depth)
	assert.JSONEq(t, `{"succeeded":true}`, string(events[1].Payload))

	after, err := s.GetEvents(ctx, r.ID, 1)
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, schema.EventSnippetSucceeded, after[0].Type)
}

func TestGetEventsByType(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r1 := seedRun(t, s, "one")
	r2 := seedRun(t, s, "two")

	for _, id := range []string{r1.ID, r2.ID, r2.ID} {
		require.NoError(t, s.AppendEvent(ctx, &Event{RunID: id, Type: schema.EventModelInvoked}))
	}
	require.NoError(t, s.AppendEvent(ctx, &Event{RunID: r1.ID, Type: schema.EventRunCompleted}))

	all, err := s.GetEventsByType(ctx, schema.EventModelInvoked, EventFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	forRun, err := s.GetEventsByType(ctx, schema.EventModelInvoked, EventFilter{RunID: r2.ID})
	require.NoError(t, err)
	assert.Len(t, forRun, 2)

	limited, err := s.GetEventsByType(ctx, schema.EventModelInvoked, EventFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

package analysis

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pair-review/pair-review/internal/config"
	"github.com/pair-review/pair-review/internal/llm"
	"github.com/pair-review/pair-review/internal/progress"
	"github.com/pair-review/pair-review/internal/store"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []RunEvent
}

func (r *eventRecorder) Publish(_ string, payload any) {
	if ev, ok := payload.(RunEvent); ok {
		r.mu.Lock()
		r.events = append(r.events, ev)
		r.mu.Unlock()
	}
}

func (r *eventRecorder) byType(eventType string) []RunEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []RunEvent
	for _, ev := range r.events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

type fakeCounter struct{ counts map[string]int }

func (f fakeCounter) FileLineCounts(_ string, _ []string) map[string]int { return f.counts }

type testEnv struct {
	scheduler *Scheduler
	store     *store.Store
	events    *eventRecorder
	sessionID int64
}

func newSessionStore(t *testing.T) (*store.Store, int64) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	sessionID, err := st.UpsertLocalSession(ctx, store.LocalKey{Root: t.TempDir(), Head: "abc123"})
	require.NoError(t, err)
	require.NoError(t, st.StorePRBundle(ctx, sessionID, &store.PRSnapshot{
		Title:        "Add widget frobnicator",
		UnifiedDiff:  "--- a/a.js\n+++ b/a.js\n@@ -1,2 +1,3 @@\n line\n+added\n line\n",
		ChangedFiles: []store.FileChange{{Path: "a.js", Additions: 1}},
		FetchedAt:    time.Now(),
	}, "", ""))
	return st, sessionID
}

func newTestEnv(t *testing.T, client llm.Client, counts map[string]int) *testEnv {
	t.Helper()
	st, sessionID := newSessionStore(t)

	rec := &eventRecorder{}
	cfg := config.DefaultConfig()
	sched := NewScheduler(st, client, rec, fakeCounter{counts}, &cfg, "")
	return &testEnv{scheduler: sched, store: st, events: rec, sessionID: sessionID}
}

func waitForRun(t *testing.T, st *store.Store, runID string) *store.AnalysisRun {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		run, err := st.GetRun(context.Background(), runID)
		require.NoError(t, err)
		if run.State != store.RunRunning {
			return run
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("run never finished")
	return nil
}

func singleVoiceCouncil() CouncilConfig {
	return CouncilConfig{
		Voices: []Voice{claude()},
		Levels: map[int]LevelSpec{1: {Enabled: true}},
	}
}

const oneSuggestion = `{"suggestions": [{
	"file": "a.js", "line_start": 2, "line_end": 2, "side": "NEW", "type": "bug",
	"title": "off-by-one in loop", "description": "the loop skips the last element",
	"suggestion_text": "use <=", "confidence": 0.9, "reasoning": ["index bound"]
}]}`

func TestRun_SingleVoiceHappyPath(t *testing.T) {
	mock := llm.NewMockClient()
	mock.DefaultResult = oneSuggestion
	env := newTestEnv(t, mock, map[string]int{"a.js": 10})

	run, err := env.scheduler.Start(context.Background(), env.sessionID, singleVoiceCouncil())
	require.NoError(t, err)

	finished := waitForRun(t, env.store, run.ID)
	assert.Equal(t, store.RunDone, finished.State)

	stored, err := env.store.ListSuggestions(context.Background(), env.sessionID, "")
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "off-by-one in loop", stored[0].Title)
	assert.Equal(t, run.ID, stored[0].RunID)
	assert.Equal(t, "anthropic/claude", stored[0].Voice)

	events := env.events.byType(EventRunFinished)
	require.Len(t, events, 1)
	assert.Equal(t, "done", events[0].State)
	assert.Empty(t, events[0].Warnings)
}

func TestRun_FailingVoiceIsIsolated(t *testing.T) {
	mock := llm.NewMockClient()
	mock.SetTitleResult("level1 anthropic/claude", oneSuggestion)
	mock.SetTitleResult("level1 google/gemini", "I refuse to answer in JSON.")
	env := newTestEnv(t, mock, map[string]int{"a.js": 10})

	cfg := CouncilConfig{
		Voices: []Voice{claude(), gemini()},
		Levels: map[int]LevelSpec{1: {Enabled: true}},
	}
	run, err := env.scheduler.Start(context.Background(), env.sessionID, cfg)
	require.NoError(t, err)

	finished := waitForRun(t, env.store, run.ID)
	assert.Equal(t, store.RunDone, finished.State)

	// The surviving voice's output is adopted without consolidation.
	stored, err := env.store.ListSuggestions(context.Background(), env.sessionID, "")
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "anthropic/claude", stored[0].Voice)

	events := env.events.byType(EventRunFinished)
	require.Len(t, events, 1)
	assert.Contains(t, events[0].Warnings, "voice gemini failed: extraction")

	var statuses []string
	for _, ev := range env.events.byType(EventVoiceFinished) {
		statuses = append(statuses, ev.Voice+"="+ev.Status)
	}
	assert.Contains(t, statuses, "anthropic/claude=ok")
	assert.Contains(t, statuses, "google/gemini=err")
}

func TestRun_AllVoicesFailFailsRun(t *testing.T) {
	mock := llm.NewMockClient()
	mock.DefaultResult = "not json at all"
	env := newTestEnv(t, mock, nil)

	run, err := env.scheduler.Start(context.Background(), env.sessionID, singleVoiceCouncil())
	require.NoError(t, err)

	finished := waitForRun(t, env.store, run.ID)
	assert.Equal(t, store.RunFailed, finished.State)
	assert.NotEmpty(t, finished.FailureReason)

	stored, err := env.store.ListSuggestions(context.Background(), env.sessionID, "")
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestRun_OnlyFinalListPersisted(t *testing.T) {
	mock := llm.NewMockClient()
	mock.SetTitleResult("level1 anthropic/claude", oneSuggestion)
	mock.SetTitleResult("level2 anthropic/claude", `{"suggestions": [{
		"file": "a.js", "line_start": 3, "line_end": 3, "type": "improvement",
		"title": "extract helper", "description": "d", "confidence": 0.5
	}]}`)
	mock.SetTitleResult("orchestration", `{"suggestions": [{
		"file": "a.js", "line_start": 2, "line_end": 2, "type": "bug",
		"title": "curated finding", "description": "d", "confidence": 0.95
	}]}`)
	env := newTestEnv(t, mock, map[string]int{"a.js": 10})

	cfg := CouncilConfig{
		Voices: []Voice{claude()},
		Levels: map[int]LevelSpec{1: {Enabled: true}, 2: {Enabled: true}},
	}
	run, err := env.scheduler.Start(context.Background(), env.sessionID, cfg)
	require.NoError(t, err)

	finished := waitForRun(t, env.store, run.ID)
	require.Equal(t, store.RunDone, finished.State)

	stored, err := env.store.ListSuggestions(context.Background(), env.sessionID, "")
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "curated finding", stored[0].Title)
	assert.Len(t, env.events.byType(EventOrchestrationStarted), 1)
}

func TestRun_BeyondEOFSuggestionConverted(t *testing.T) {
	mock := llm.NewMockClient()
	mock.DefaultResult = `{"suggestions": [{
		"file": "a.js", "line_start": 999, "line_end": 999, "type": "bug",
		"title": "phantom line", "description": "past the end", "confidence": 0.8
	}]}`
	env := newTestEnv(t, mock, map[string]int{"a.js": 10})

	run, err := env.scheduler.Start(context.Background(), env.sessionID, singleVoiceCouncil())
	require.NoError(t, err)
	waitForRun(t, env.store, run.ID)

	stored, err := env.store.ListSuggestions(context.Background(), env.sessionID, "")
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.True(t, stored[0].IsFileLevel)
	assert.Nil(t, stored[0].LineStart)
	assert.Nil(t, stored[0].LineEnd)
	assert.Equal(t, "phantom line", stored[0].Title)
	assert.Equal(t, store.TypeBug, stored[0].Type)
	assert.InDelta(t, 0.8, stored[0].Confidence, 1e-9)
}

type blockingClient struct {
	started chan struct{}
	once    sync.Once
}

func (b *blockingClient) CreateSession(_ context.Context, title string, _ string) (*llm.SessionInfo, error) {
	return &llm.SessionInfo{ID: "blocked", Title: title}, nil
}

func (b *blockingClient) SendPrompt(ctx context.Context, _ string, _ string) (*llm.PromptResponse, error) {
	b.once.Do(func() { close(b.started) })
	<-ctx.Done()
	return nil, ctx.Err()
}

func (b *blockingClient) DeleteSession(_ context.Context, _ string) error { return nil }
func (b *blockingClient) AbortSession(_ context.Context, _ string) error  { return nil }

func TestRun_CancelMidFlight(t *testing.T) {
	client := &blockingClient{started: make(chan struct{})}
	env := newTestEnv(t, client, nil)

	run, err := env.scheduler.Start(context.Background(), env.sessionID, singleVoiceCouncil())
	require.NoError(t, err)

	select {
	case <-client.started:
	case <-time.After(5 * time.Second):
		t.Fatal("voice never reached the LLM call")
	}
	require.True(t, env.scheduler.Cancel(run.ID))

	finished := waitForRun(t, env.store, run.ID)
	assert.Equal(t, store.RunCancelled, finished.State)

	stored, err := env.store.ListSuggestions(context.Background(), env.sessionID, "")
	require.NoError(t, err)
	assert.Empty(t, stored, "cancelled run must not persist suggestions")

	events := env.events.byType(EventRunFinished)
	require.Len(t, events, 1)
	assert.Equal(t, "cancelled", events[0].State)
}

func TestNewScheduler_ClampsConcurrency(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Analysis.MaxConcurrentCalls = 0
	s := NewScheduler(nil, nil, nil, fakeCounter{}, &cfg, "")
	assert.Equal(t, int64(1), s.maxConcurrent)

	cfg.Analysis.MaxConcurrentCalls = -3
	s = NewScheduler(nil, nil, nil, fakeCounter{}, &cfg, "")
	assert.Equal(t, int64(1), s.maxConcurrent)
}

func TestRun_LevelStartedWaitsForSlot(t *testing.T) {
	st, sessionID := newSessionStore(t)
	client := &blockingClient{started: make(chan struct{})}
	rec := &eventRecorder{}
	cfg := config.DefaultConfig()
	cfg.Analysis.MaxConcurrentCalls = 1
	sched := NewScheduler(st, client, rec, fakeCounter{}, &cfg, "")

	council := CouncilConfig{
		Voices: []Voice{claude()},
		Levels: map[int]LevelSpec{1: {Enabled: true}, 2: {Enabled: true}},
	}
	run, err := sched.Start(context.Background(), sessionID, council)
	require.NoError(t, err)

	select {
	case <-client.started:
	case <-time.After(5 * time.Second):
		t.Fatal("voice never reached the LLM call")
	}

	// One voice holds the only slot. The other level has no slot yet, so
	// its level_started must not have fired.
	assert.Len(t, rec.byType(EventLevelStarted), 1)

	require.True(t, sched.Cancel(run.ID))
	finished := waitForRun(t, st, run.ID)
	assert.Equal(t, store.RunCancelled, finished.State)
	assert.Len(t, rec.byType(EventLevelStarted), 1)
}

func TestRun_MirrorsProgressForLateSubscribers(t *testing.T) {
	st, sessionID := newSessionStore(t)
	mock := llm.NewMockClient()
	mock.DefaultResult = oneSuggestion
	rec := &eventRecorder{}
	snapshots := progress.NewBroker(time.Minute)
	cfg := config.DefaultConfig()
	sched := NewScheduler(st, mock, NewRunPublisher(rec, snapshots),
		fakeCounter{map[string]int{"a.js": 10}}, &cfg, "")

	run, err := sched.Start(context.Background(), sessionID, singleVoiceCouncil())
	require.NoError(t, err)
	finished := waitForRun(t, st, run.ID)
	require.Equal(t, store.RunDone, finished.State)

	// Attaching after the fact still replays the full event history.
	events, cancel := snapshots.Subscribe(RunTopic(run.ID))
	defer cancel()
	var types []string
	for ev := range events {
		types = append(types, ev.Type)
	}
	assert.Contains(t, types, EventLevelStarted)
	assert.Contains(t, types, EventVoiceFinished)
	require.NotEmpty(t, types)
	assert.Equal(t, progress.EventComplete, types[len(types)-1])
}

func TestRun_PraiseNeverCarriesSuggestionText(t *testing.T) {
	mock := llm.NewMockClient()
	mock.DefaultResult = `{"suggestions": [
		{"file": "a.js", "type": "praise", "title": "clean split",
		 "description": "nicely factored", "suggestion_text": "keep going", "confidence": 0.9},
		{"file": "a.js", "line_start": 2, "line_end": 2, "type": "bug",
		 "title": "off-by-one", "description": "loop bound is wrong", "confidence": 0.8}
	]}`
	env := newTestEnv(t, mock, map[string]int{"a.js": 10})

	run, err := env.scheduler.Start(context.Background(), env.sessionID, singleVoiceCouncil())
	require.NoError(t, err)
	finished := waitForRun(t, env.store, run.ID)
	require.Equal(t, store.RunDone, finished.State)

	stored, err := env.store.ListSuggestions(context.Background(), env.sessionID, "")
	require.NoError(t, err)
	require.Len(t, stored, 2)

	// File-level praise sorts first.
	assert.Equal(t, store.TypePraise, stored[0].Type)
	assert.Empty(t, stored[0].SuggestionText)
	// Actionable types fall back to the description for their text.
	assert.Equal(t, store.TypeBug, stored[1].Type)
	assert.Equal(t, "loop bound is wrong", stored[1].SuggestionText)
}

func TestCancel_UnknownRun(t *testing.T) {
	env := newTestEnv(t, llm.NewMockClient(), nil)
	assert.False(t, env.scheduler.Cancel("no-such-run"))
}

func TestSortSuggestions_DeterministicOrdering(t *testing.T) {
	order := fileOrder([]store.FileChange{{Path: "first.go"}, {Path: "second.go"}})

	mk := func(file string, line *int, confidence float64, voice, title string) store.Suggestion {
		return store.Suggestion{File: file, LineStart: line, LineEnd: line,
			Confidence: confidence, Voice: voice, Title: title}
	}
	suggestions := []store.Suggestion{
		mk("second.go", intp(1), 0.9, "v1", "a"),
		mk("first.go", intp(5), 0.5, "v1", "b"),
		mk("first.go", nil, 0.5, "v1", "file-level"),
		mk("first.go", intp(5), 0.9, "v1", "c"),
		mk("first.go", intp(5), 0.9, "v2", "a"),
		mk("first.go", intp(5), 0.9, "v1", "a"),
	}
	sortSuggestions(suggestions, order)

	titles := make([]string, len(suggestions))
	for i, sg := range suggestions {
		titles[i] = fmt.Sprintf("%s:%s", sg.File, sg.Title)
	}
	assert.Equal(t, []string{
		"first.go:file-level", // file-level before line-anchored
		"first.go:a",          // conf 0.9, voice v1, title a
		"first.go:c",          // conf 0.9, voice v1, title c
		"first.go:a",          // conf 0.9, voice v2
		"first.go:b",          // conf 0.5
		"second.go:a",
	}, titles)
}

func TestApplyConsensusBoosts(t *testing.T) {
	mk := func(line int, confidence float64, sgType store.SuggestionType, merged int) store.Suggestion {
		return store.Suggestion{File: "a.go", LineStart: intp(line), LineEnd: intp(line),
			Confidence: confidence, Type: sgType, MergedFrom: merged}
	}

	union := []store.Suggestion{
		mk(1, 0.7, store.TypeBug, 0),
		mk(1, 0.8, store.TypeBug, 0),
		mk(1, 0.75, store.TypeBug, 0),
		mk(2, 0.6, store.TypeBug, 0),
		mk(2, 0.9, store.TypeBug, 0),
		mk(3, 0.5, store.TypeBug, 0),
		mk(4, 0.4, store.TypeBug, 0),
		mk(4, 0.9, store.TypePraise, 0),
		mk(5, 0.95, store.TypeBug, 0),
	}
	merged := []store.Suggestion{
		mk(1, 0.8, store.TypeBug, 3),    // strong consensus: +0.2
		mk(2, 0.9, store.TypeBug, 2),    // two voices: +0.1
		mk(3, 0.5, store.TypeBug, 1),    // single voice: unchanged
		mk(4, 0.7, store.TypeBug, 2),    // contradiction: min(0.4, 0.9) - 0.1
		mk(5, 0.95, store.TypeBug, 3),   // capped at 1.0
	}
	applyConsensusBoosts(merged, union)

	assert.InDelta(t, 1.0, merged[0].Confidence, 1e-9)
	assert.InDelta(t, 1.0, merged[1].Confidence, 1e-9)
	assert.InDelta(t, 0.5, merged[2].Confidence, 1e-9)
	assert.InDelta(t, 0.3, merged[3].Confidence, 1e-9)
	assert.InDelta(t, 1.0, merged[4].Confidence, 1e-9)
}

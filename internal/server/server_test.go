package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pair-review/pair-review/internal/analysis"
	"github.com/pair-review/pair-review/internal/config"
	"github.com/pair-review/pair-review/internal/llm"
	"github.com/pair-review/pair-review/internal/progress"
	"github.com/pair-review/pair-review/internal/provider"
	"github.com/pair-review/pair-review/internal/pubsub"
	"github.com/pair-review/pair-review/internal/repo"
	"github.com/pair-review/pair-review/internal/setup"
	"github.com/pair-review/pair-review/internal/store"
)

type fakeProvider struct {
	pr        *provider.PRData
	reviewID  int64
	submitted []provider.ReviewPayload
	threads   []provider.ReviewThread
}

func (f *fakeProvider) VerifyAccess(ctx context.Context, owner, repoName string) error { return nil }

func (f *fakeProvider) FetchPR(ctx context.Context, key store.PRKey) (*provider.PRData, error) {
	if f.pr == nil {
		return nil, fmt.Errorf("pull request %s/%s#%d: %w", key.Owner, key.Repo, key.Number, provider.ErrNotFound)
	}
	return f.pr, nil
}

func (f *fakeProvider) SubmitReview(ctx context.Context, key store.PRKey, payload provider.ReviewPayload) (int64, error) {
	f.submitted = append(f.submitted, payload)
	return f.reviewID, nil
}

func (f *fakeProvider) ListReviewThreads(ctx context.Context, key store.PRKey) ([]provider.ReviewThread, error) {
	return f.threads, nil
}

type fakeWorktrees struct{}

func (fakeWorktrees) DiscoverSource(ctx context.Context, owner, repoName, cloneURL string) (repo.Source, error) {
	return repo.Source{MainRoot: "/repos/" + repoName}, nil
}

func (fakeWorktrees) CreateForPR(ctx context.Context, spec repo.PRSpec, src repo.Source) (string, error) {
	return "/worktrees/" + spec.Repo, nil
}

func (fakeWorktrees) EnsurePRDirectoriesCheckedOut(ctx context.Context, worktree string, changed []store.FileChange) error {
	return nil
}

func (fakeWorktrees) Diff(ctx context.Context, worktree, baseRevision, headRevision string) (string, error) {
	return "", errors.New("no local diff")
}

func (fakeWorktrees) ChangedFiles(ctx context.Context, worktree, baseRevision, headRevision string) ([]store.FileChange, error) {
	return nil, errors.New("no local diff")
}

func (fakeWorktrees) WorkingTreeDiff(ctx context.Context, root string) (string, []store.FileChange, error) {
	return "", nil, nil
}

type fakeGit struct{}

func (fakeGit) Run(ctx context.Context, dir string, args ...string) (string, error) {
	return dir, nil
}

type fakeCounter struct{}

func (fakeCounter) FileLineCounts(dir string, paths []string) map[string]int {
	counts := make(map[string]int)
	for _, p := range paths {
		counts[p] = 100
	}
	return counts
}

type env struct {
	store    *store.Store
	provider *fakeProvider
	llm      *llm.MockClient
	ts       *httptest.Server
}

func newTestServer(t *testing.T) *env {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := config.DefaultConfig()
	prog := progress.NewBroker(0)
	ps := pubsub.NewBroker()
	client := &fakeProvider{reviewID: 77, pr: &provider.PRData{
		Title:        "Add frobnicator",
		BaseBranch:   "main",
		HeadRevision: "head111",
		UnifiedDiff:  "diff --git a/a.js b/a.js\n",
		ChangedFiles: []store.FileChange{{Path: "a.js", Additions: 1}},
	}}
	mock := llm.NewMockClient()

	setups := setup.New(st, client, fakeWorktrees{}, fakeGit{}, prog)
	sched := analysis.NewScheduler(st, mock, analysis.NewRunPublisher(ps, prog), fakeCounter{}, &cfg, "")
	srv := New(st, setups, sched, prog, ps, client, &cfg)

	mux := http.NewServeMux()
	srv.registerRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	return &env{store: st, provider: client, llm: mock, ts: ts}
}

func (e *env) do(t *testing.T, method, path string, body any) (*http.Response, map[string]json.RawMessage) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.ts.URL+path, &buf)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var decoded map[string]json.RawMessage
	json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func seedPRSession(t *testing.T, st *store.Store) int64 {
	t.Helper()
	ctx := context.Background()
	id, err := st.UpsertPRSession(ctx, store.PRKey{Owner: "acme", Repo: "widget", Number: 42})
	require.NoError(t, err)
	snap := &store.PRSnapshot{
		Title:        "Add frobnicator",
		BaseBranch:   "main",
		HeadRevision: "head111",
		UnifiedDiff:  "diff --git a/a.js b/a.js\n--- a/a.js\n+++ b/a.js\n@@ -1,2 +1,3 @@\n line1\n+added\n line2\n",
		ChangedFiles: []store.FileChange{{Path: "a.js", Additions: 1}},
	}
	require.NoError(t, st.StorePRBundle(ctx, id, snap, "/worktrees/widget", "main"))
	return id
}

func TestGetSession_NotFound(t *testing.T) {
	e := newTestServer(t)
	resp, _ := e.do(t, "GET", "/session/999", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetSession_IncludesSnapshot(t *testing.T) {
	e := newTestServer(t)
	id := seedPRSession(t, e.store)

	resp, body := e.do(t, "GET", fmt.Sprintf("/session/%d", id), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body["snapshot"]), "Add frobnicator")
}

func TestSetupPR_ProgressStream(t *testing.T) {
	e := newTestServer(t)

	resp, body := e.do(t, "POST", "/setup/pr/acme/widget/42", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var setupID string
	require.NoError(t, json.Unmarshal(body["setup_id"], &setupID))

	stream, err := http.Get(e.ts.URL + "/setup/pr/progress?setup_id=" + setupID)
	require.NoError(t, err)
	defer stream.Body.Close()
	assert.Equal(t, "text/event-stream", stream.Header.Get("Content-Type"))

	var out bytes.Buffer
	_, err = out.ReadFrom(stream.Body)
	require.NoError(t, err)
	text := out.String()
	assert.Contains(t, text, "event: step")
	assert.Contains(t, text, `"step":"verify"`)
	assert.Contains(t, text, "event: complete")
	assert.Contains(t, text, "/pr/acme/widget/42")
}

func TestSetupPR_InvalidNumber(t *testing.T) {
	e := newTestServer(t)
	resp, _ := e.do(t, "POST", "/setup/pr/acme/widget/zero", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStartCouncil_RunsToCompletion(t *testing.T) {
	e := newTestServer(t)
	id := seedPRSession(t, e.store)
	e.llm.SetTitleResult("level1 anthropic/claude", `{"suggestions": [{
		"file": "a.js", "line_start": 2, "line_end": 2, "type": "bug",
		"title": "Off by one", "description": "loop bound", "confidence": 0.8}]}`)

	resp, body := e.do(t, "POST", fmt.Sprintf("/session/%d/analyses/council", id), map[string]any{
		"council_config": map[string]any{
			"voices": []map[string]string{{"provider": "anthropic", "model": "claude", "tier": "balanced"}},
			"levels": map[string]any{"1": true},
		},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var runID string
	require.NoError(t, json.Unmarshal(body["run_id"], &runID))

	require.Eventually(t, func() bool {
		run, err := e.store.GetRun(context.Background(), runID)
		return err == nil && run.State == store.RunDone
	}, 5*time.Second, 20*time.Millisecond)

	suggestions, err := e.store.ListSuggestions(context.Background(), id, store.SuggestionActive)
	require.NoError(t, err)
	require.Len(t, suggestions, 1)
	assert.Equal(t, "Off by one", suggestions[0].Title)
}

func TestStartCouncil_BadConfig(t *testing.T) {
	e := newTestServer(t)
	id := seedPRSession(t, e.store)

	resp, _ := e.do(t, "POST", fmt.Sprintf("/session/%d/analyses/council", id), map[string]any{
		"council_config": map[string]any{"voices": []any{}, "levels": map[string]any{}},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = e.do(t, "POST", fmt.Sprintf("/session/%d/analyses/council", id), map[string]any{
		"council_config": map[string]any{"voices": []any{}},
		"config_type":    "galactic",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStartCouncil_ByStoredCouncilID(t *testing.T) {
	e := newTestServer(t)
	id := seedPRSession(t, e.store)
	e.llm.SetTitleResult("level1 anthropic/claude", `{"suggestions": [{
		"file": "a.js", "line_start": 2, "line_end": 2, "type": "bug",
		"title": "Off by one", "description": "loop bound", "confidence": 0.8}]}`)

	resp, body := e.do(t, "POST", "/councils", map[string]any{
		"name": "default",
		"council_config": map[string]any{
			"voices": []map[string]string{{"provider": "anthropic", "model": "claude", "tier": "balanced"}},
			"levels": map[string]any{"1": true},
		},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var councilID string
	require.NoError(t, json.Unmarshal(body["council_id"], &councilID))

	resp, body = e.do(t, "POST", fmt.Sprintf("/session/%d/analyses/council", id),
		map[string]any{"council_id": councilID})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var runID string
	require.NoError(t, json.Unmarshal(body["run_id"], &runID))

	require.Eventually(t, func() bool {
		run, err := e.store.GetRun(context.Background(), runID)
		return err == nil && run.State == store.RunDone
	}, 5*time.Second, 20*time.Millisecond)

	resp, _ = e.do(t, "GET", "/councils", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStartCouncil_CouncilIDVariants(t *testing.T) {
	e := newTestServer(t)
	id := seedPRSession(t, e.store)
	path := fmt.Sprintf("/session/%d/analyses/council", id)

	// Unknown stored council.
	resp, _ := e.do(t, "POST", path, map[string]any{"council_id": "nope"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Inline config and reference are mutually exclusive.
	resp, _ = e.do(t, "POST", path, map[string]any{
		"council_id":     "whatever",
		"council_config": map[string]any{"levels": map[string]any{}},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// An explicit council type demands top-level voices.
	resp, _ = e.do(t, "POST", path, map[string]any{
		"config_type": "council",
		"council_config": map[string]any{
			"levels": map[string]any{"1": map[string]any{
				"enabled": true,
				"voices":  []map[string]string{{"provider": "anthropic", "model": "claude", "tier": "balanced"}},
			}},
		},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRunProgress_ReplaysAfterCompletion(t *testing.T) {
	e := newTestServer(t)
	id := seedPRSession(t, e.store)
	e.llm.SetTitleResult("level1 anthropic/claude", `{"suggestions": [{
		"file": "a.js", "line_start": 2, "line_end": 2, "type": "bug",
		"title": "Off by one", "description": "loop bound", "confidence": 0.8}]}`)

	resp, body := e.do(t, "POST", fmt.Sprintf("/session/%d/analyses/council", id), map[string]any{
		"council_config": map[string]any{
			"voices": []map[string]string{{"provider": "anthropic", "model": "claude", "tier": "balanced"}},
			"levels": map[string]any{"1": true},
		},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var runID string
	require.NoError(t, json.Unmarshal(body["run_id"], &runID))

	require.Eventually(t, func() bool {
		run, err := e.store.GetRun(context.Background(), runID)
		return err == nil && run.State == store.RunDone
	}, 5*time.Second, 20*time.Millisecond)

	// The mirrored stream replays the full history to a subscriber who
	// attaches only after the run finished.
	stream, err := http.Get(e.ts.URL + fmt.Sprintf("/session/%d/analyses/%s/progress", id, runID))
	require.NoError(t, err)
	defer stream.Body.Close()
	assert.Equal(t, "text/event-stream", stream.Header.Get("Content-Type"))

	var out bytes.Buffer
	_, err = out.ReadFrom(stream.Body)
	require.NoError(t, err)
	text := out.String()
	assert.Contains(t, text, "event: level_started")
	assert.Contains(t, text, "event: voice_finished")
	assert.Contains(t, text, "event: complete")
}

func TestComments_CRUD(t *testing.T) {
	e := newTestServer(t)
	id := seedPRSession(t, e.store)
	base := fmt.Sprintf("/session/%d/comments", id)

	resp, body := e.do(t, "POST", base, map[string]any{
		"file": "a.js", "line_start": 2, "line_end": 2, "side": "NEW", "body": "tighten this", "author": "dev",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var commentID string
	require.NoError(t, json.Unmarshal(body["id"], &commentID))

	resp, body = e.do(t, "PUT", base+"/"+commentID, map[string]string{"body": "tighten this loop"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body["body"]), "tighten this loop")

	resp, _ = e.do(t, "DELETE", base+"/"+commentID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = e.do(t, "GET", base, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAdoptSuggestion(t *testing.T) {
	e := newTestServer(t)
	id := seedPRSession(t, e.store)

	line := 2
	sg := &store.Suggestion{
		ID: "sg-1", SessionID: id, File: "a.js", LineStart: &line, LineEnd: &line,
		Side: store.SideNew, Type: store.TypeBug, Title: "Off by one",
		Description: "loop bound", SuggestionText: "use <= here", Confidence: 0.9,
	}
	require.NoError(t, e.store.InsertSuggestions(context.Background(), []*store.Suggestion{sg}))

	resp, body := e.do(t, "POST", "/suggestions/sg-1/adopt", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body["body"]), "use <= here")

	// Adoption is once-only.
	resp, _ = e.do(t, "POST", "/suggestions/sg-1/adopt", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestDismissSuggestion(t *testing.T) {
	e := newTestServer(t)
	id := seedPRSession(t, e.store)

	sg := &store.Suggestion{ID: "sg-2", SessionID: id, File: "a.js",
		Type: store.TypeSuggestion, Title: "Rename", SuggestionText: "rename it", IsFileLevel: true}
	require.NoError(t, e.store.InsertSuggestions(context.Background(), []*store.Suggestion{sg}))

	resp, _ := e.do(t, "POST", "/suggestions/sg-2/dismiss", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	got, err := e.store.GetSuggestion(context.Background(), "sg-2")
	require.NoError(t, err)
	assert.Equal(t, store.SuggestionDismissed, got.Status)
}

func TestListSuggestions_UnknownStatus(t *testing.T) {
	e := newTestServer(t)
	id := seedPRSession(t, e.store)

	resp, _ := e.do(t, "GET", fmt.Sprintf("/session/%d/suggestions?status=bogus", id), nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSubmitReview(t *testing.T) {
	e := newTestServer(t)
	id := seedPRSession(t, e.store)
	e.provider.threads = []provider.ReviewThread{{ID: "thread-1", Path: "a.js", FirstBody: "tighten this"}}

	line := 2
	require.NoError(t, e.store.CreateComment(context.Background(), &store.Comment{
		SessionID: id, File: "a.js", LineStart: &line, LineEnd: &line,
		Side: store.SideNew, Body: "tighten this", Author: "dev",
	}))

	resp, body := e.do(t, "POST", fmt.Sprintf("/session/%d/review", id),
		map[string]string{"event": "REQUEST_CHANGES", "body": "a few issues"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "77", string(body["review_id"]))

	require.Len(t, e.provider.submitted, 1)
	assert.Equal(t, "REQUEST_CHANGES", e.provider.submitted[0].Event)
	require.Len(t, e.provider.submitted[0].Comments, 1)

	sess, err := e.store.GetSession(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusSubmitted, sess.Status)
	assert.Equal(t, int64(77), sess.RemoteReviewID)

	comments, err := e.store.ListComments(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, comments, 1)
	assert.Equal(t, "thread-1", comments[0].ThreadID)
}

func TestSubmitReview_LocalSessionRejected(t *testing.T) {
	e := newTestServer(t)
	id, err := e.store.UpsertLocalSession(context.Background(),
		store.LocalKey{Root: "/home/dev/widget", Head: "abc123"})
	require.NoError(t, err)

	resp, body := e.do(t, "POST", fmt.Sprintf("/session/%d/review", id),
		map[string]string{"event": "COMMENT"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body["error"]), "local sessions")
}

func TestSubmitReview_UnknownEvent(t *testing.T) {
	e := newTestServer(t)
	id := seedPRSession(t, e.store)

	resp, _ := e.do(t, "POST", fmt.Sprintf("/session/%d/review", id),
		map[string]string{"event": "SHIP_IT"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
func TestCancelRun_Unknown(t *testing.T) {
	e := newTestServer(t)
	id := seedPRSession(t, e.store)

	resp, _ := e.do(t, "POST", fmt.Sprintf("/session/%d/analyses/nope/cancel", id), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

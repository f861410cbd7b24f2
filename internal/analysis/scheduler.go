package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/pair-review/pair-review/internal/config"
	"github.com/pair-review/pair-review/internal/llm"
	"github.com/pair-review/pair-review/internal/prompts"
	"github.com/pair-review/pair-review/internal/store"
)

// maxContextFileBytes caps how much of a changed file is inlined into a
// level-2 prompt.
const maxContextFileBytes = 64 * 1024

// Scheduler fans a council of AI voices out over the enabled analysis
// levels, consolidates within each level, orchestrates across levels,
// and persists only the final curated suggestion list.
type Scheduler struct {
	store     *store.Store
	llm       llm.Client
	pub       Publisher
	configDir string

	maxConcurrent int64
	taskTimeout   time.Duration
	runTimeout    time.Duration

	// lineCounts is swappable for tests.
	lineCounts func(dir string, paths []string) map[string]int

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// LineCounter supplies per-file line counts for suggestion validation,
// with -1 for unreadable files.
type LineCounter interface {
	FileLineCounts(dir string, paths []string) map[string]int
}

// NewScheduler wires a scheduler against the store, LLM client, and
// progress publisher. Concurrency and timeouts come from cfg.
func NewScheduler(st *store.Store, client llm.Client, pub Publisher, counter LineCounter, cfg *config.Config, configDir string) *Scheduler {
	maxConcurrent := int64(cfg.Analysis.MaxConcurrentCalls)
	if maxConcurrent < 1 {
		// A zero-weight semaphore would block every voice forever.
		maxConcurrent = 1
	}
	return &Scheduler{
		store:         st,
		llm:           client,
		pub:           pub,
		configDir:     configDir,
		maxConcurrent: maxConcurrent,
		taskTimeout:   cfg.Analysis.ParseTaskTimeout(),
		runTimeout:    cfg.Analysis.ParseRunTimeout(),
		lineCounts:    counter.FileLineCounts,
		running:       make(map[string]context.CancelFunc),
	}
}

type runInput struct {
	run      *store.AnalysisRun
	session  *store.Session
	council  CouncilConfig
	workdir  string
	diff     string
	title    string
	desc     string
	custom   string
	files    []store.FileChange
	topic    string
}

// Start validates the council config, creates the run row, and launches
// the pipeline in the background. Progress is published to the run's
// topic; the returned run is already in state running.
func (s *Scheduler) Start(ctx context.Context, sessionID int64, cfg CouncilConfig) (*store.AnalysisRun, error) {
	norm := cfg.Normalize()
	if err := norm.Validate(); err != nil {
		return nil, fmt.Errorf("invalid council config: %w", err)
	}

	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	snap, err := s.store.GetSnapshot(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	workdir := ""
	if session.Local != nil {
		workdir = session.Local.Root
	} else if wt, err := s.store.GetWorktree(ctx, sessionID); err == nil {
		workdir = wt.Path
	}

	cfgJSON, err := json.Marshal(norm)
	if err != nil {
		return nil, fmt.Errorf("encoding council config: %w", err)
	}
	run, err := s.store.CreateRun(ctx, sessionID, string(cfgJSON))
	if err != nil {
		return nil, err
	}

	in := runInput{
		run:     run,
		session: session,
		council: norm,
		workdir: workdir,
		diff:    snap.UnifiedDiff,
		title:   snap.Title,
		desc:    snap.Description,
		custom:  session.CustomInstructions,
		files:   snap.ChangedFiles,
		topic:   RunTopic(run.ID),
	}

	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.runTimeout)
	s.mu.Lock()
	s.running[run.ID] = cancel
	s.mu.Unlock()

	go func() {
		defer func() {
			cancel()
			s.mu.Lock()
			delete(s.running, run.ID)
			s.mu.Unlock()
		}()
		s.execute(runCtx, in)
	}()

	return run, nil
}

// Cancel requests cooperative cancellation of a running analysis.
// Returns false when the run is not in flight.
func (s *Scheduler) Cancel(runID string) bool {
	s.mu.Lock()
	cancel, ok := s.running[runID]
	s.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

type voiceResult struct {
	level       int
	voice       Voice
	suggestions []store.Suggestion
	err         error
	cancelled   bool
}

func (s *Scheduler) execute(ctx context.Context, in runInput) {
	slog.Info("analysis run started", "run", in.run.ID, "session", in.session.ID,
		"levels", in.council.EnabledLevels())

	var (
		mu       sync.Mutex
		results  []voiceResult
		warnings []string
	)

	sem := semaphore.NewWeighted(s.maxConcurrent)
	g, gctx := errgroup.WithContext(ctx)

	// level_started fires when the level's first voice actually gets a
	// concurrency slot, not when the run is scheduled.
	levelStarted := make(map[int]*sync.Once, len(in.council.EnabledLevels()))
	for _, level := range in.council.EnabledLevels() {
		levelStarted[level] = &sync.Once{}
	}

	for _, level := range in.council.EnabledLevels() {
		for _, voice := range in.council.Levels[level].Voices {
			level, voice := level, voice
			g.Go(func() error {
				if err := sem.Acquire(gctx, 1); err != nil {
					mu.Lock()
					results = append(results, voiceResult{level: level, voice: voice, cancelled: true})
					mu.Unlock()
					return nil
				}
				defer sem.Release(1)
				// A slot freed by a cancelled voice can still be handed
				// out; don't start work on a dead run.
				if gctx.Err() != nil {
					mu.Lock()
					results = append(results, voiceResult{level: level, voice: voice, cancelled: true})
					mu.Unlock()
					return nil
				}

				levelStarted[level].Do(func() {
					s.pub.Publish(in.topic, RunEvent{Type: EventLevelStarted, RunID: in.run.ID, Level: level})
				})
				res := s.runVoice(gctx, in, level, voice)
				mu.Lock()
				results = append(results, res)
				mu.Unlock()
				// Voice failures are isolated; never fail the group.
				return nil
			})
		}
	}
	_ = g.Wait()

	if ctx.Err() != nil {
		s.finish(in, store.RunCancelled, "cancelled", nil)
		return
	}

	for _, res := range results {
		if res.err != nil && !res.cancelled {
			warnings = append(warnings, fmt.Sprintf("voice %s failed: %s", res.voice.Model, failureReason(res.err)))
		}
	}

	levelOutputs := make(map[int][]store.Suggestion)
	for _, level := range in.council.EnabledLevels() {
		var succeeded []voiceResult
		for _, res := range results {
			if res.level == level && res.err == nil && !res.cancelled {
				succeeded = append(succeeded, res)
			}
		}

		switch {
		case len(succeeded) == 0:
			warnings = append(warnings, fmt.Sprintf("level %d skipped: no voice succeeded", level))
		case len(succeeded) == 1:
			// Single-voice level: consolidation is a no-op.
			levelOutputs[level] = succeeded[0].suggestions
		default:
			consolidated, err := s.consolidate(ctx, in, level, succeeded)
			if err != nil {
				if ctx.Err() != nil {
					s.finish(in, store.RunCancelled, "cancelled", nil)
					return
				}
				warnings = append(warnings, fmt.Sprintf("level %d consolidation failed: %s; using raw union", level, failureReason(err)))
				for _, res := range succeeded {
					consolidated = append(consolidated, res.suggestions...)
				}
			}
			levelOutputs[level] = consolidated
		}
		s.pub.Publish(in.topic, RunEvent{
			Type: EventLevelFinished, RunID: in.run.ID, Level: level, Count: len(levelOutputs[level]),
		})
	}

	if len(levelOutputs) == 0 {
		s.finish(in, store.RunFailed, "every enabled level failed", warnings)
		return
	}

	final, err := s.orchestrate(ctx, in, levelOutputs)
	if err != nil {
		if ctx.Err() != nil {
			s.finish(in, store.RunCancelled, "cancelled", nil)
			return
		}
		warnings = append(warnings, fmt.Sprintf("orchestration failed: %s; using concatenated levels", failureReason(err)))
		final = nil
		for _, level := range in.council.EnabledLevels() {
			final = append(final, levelOutputs[level]...)
		}
	}

	sortSuggestions(final, fileOrder(in.files))

	// Only the final curated list is persisted; intermediate output never
	// reaches the store.
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	rows := make([]*store.Suggestion, len(final))
	for i := range final {
		final[i].SessionID = in.session.ID
		rows[i] = &final[i]
	}
	if err := s.store.ReplaceFinalForRun(persistCtx, in.run.ID, rows); err != nil {
		slog.Error("persisting final suggestions failed", "run", in.run.ID, "error", err)
		s.finish(in, store.RunFailed, fmt.Sprintf("persistence: %v", err), warnings)
		return
	}

	s.finish(in, store.RunDone, "", warnings)
	slog.Info("analysis run finished", "run", in.run.ID, "suggestions", len(final), "warnings", len(warnings))
}

func (s *Scheduler) finish(in runInput, state store.RunState, reason string, warnings []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.store.FinishRun(ctx, in.run.ID, state, reason); err != nil {
		slog.Error("marking run finished failed", "run", in.run.ID, "state", state, "error", err)
	}
	s.pub.Publish(in.topic, RunEvent{
		Type: EventRunFinished, RunID: in.run.ID, State: string(state), Warnings: warnings,
	})
}

// runVoice executes one (level, voice) analysis task end to end: prompt,
// LLM call, extraction, line validation.
func (s *Scheduler) runVoice(ctx context.Context, in runInput, level int, voice Voice) voiceResult {
	res := voiceResult{level: level, voice: voice}

	taskCtx, cancel := context.WithTimeout(ctx, s.taskTimeout)
	defer cancel()

	s.pub.Publish(in.topic, RunEvent{
		Type: EventVoiceStarted, RunID: in.run.ID, Level: level, Voice: voice.ID(),
	})

	prompt, err := s.buildLevelPrompt(in, level, voice.Tier)
	if err == nil {
		res.suggestions, err = s.callAndExtract(taskCtx, in, fmt.Sprintf("level%d %s", level, voice.ID()), prompt, voice.ID())
	}

	status := "ok"
	switch {
	case err != nil && ctx.Err() != nil:
		res.cancelled = true
		status = "cancelled"
	case err != nil:
		res.err = err
		status = "err"
		slog.Warn("voice failed", "run", in.run.ID, "level", level, "voice", voice.ID(), "error", err)
	default:
		validated := ValidateLines(res.suggestions, s.countLines(in), true)
		res.suggestions = append(validated.Valid, validated.Converted...)
	}

	s.pub.Publish(in.topic, RunEvent{
		Type: EventVoiceFinished, RunID: in.run.ID, Level: level, Voice: voice.ID(), Status: status,
	})
	return res
}

func (s *Scheduler) countLines(in runInput) map[string]int {
	if in.workdir == "" {
		return nil
	}
	paths := make([]string, len(in.files))
	for i, f := range in.files {
		paths[i] = f.Path
	}
	return s.lineCounts(in.workdir, paths)
}

func (s *Scheduler) buildLevelPrompt(in runInput, level int, tier string) (string, error) {
	var name string
	vars := map[string]string{
		"diff":                in.diff,
		"title":               in.title,
		"description":         in.desc,
		"custom_instructions": in.custom,
	}

	switch level {
	case 1:
		name = prompts.TypeLevel1
	case 2:
		name = prompts.TypeLevel2
		vars["files"] = s.changedFileContents(in)
	case 3:
		name = prompts.TypeLevel3
		vars["workdir"] = in.workdir
	default:
		return "", fmt.Errorf("unknown analysis level %d", level)
	}

	tmpl, err := prompts.Load(name, s.configDir)
	if err != nil {
		return "", err
	}
	return tmpl.Build(tier, vars)
}

func (s *Scheduler) changedFileContents(in runInput) string {
	var b strings.Builder
	for _, f := range in.files {
		if f.Binary {
			continue
		}
		data, err := os.ReadFile(filepath.Join(in.workdir, f.Path))
		if err != nil {
			continue
		}
		if len(data) > maxContextFileBytes {
			data = data[:maxContextFileBytes]
		}
		fmt.Fprintf(&b, "=== %s ===\n%s\n\n", f.Path, data)
	}
	return b.String()
}

// consolidate merges the output of ≥2 voices at one level and applies
// consensus confidence boosts.
func (s *Scheduler) consolidate(ctx context.Context, in runInput, level int, succeeded []voiceResult) ([]store.Suggestion, error) {
	grouped := make(map[string][]store.Suggestion, len(succeeded))
	var union []store.Suggestion
	for _, res := range succeeded {
		grouped[res.voice.ID()] = res.suggestions
		union = append(union, res.suggestions...)
	}
	payload, err := json.MarshalIndent(grouped, "", "  ")
	if err != nil {
		return nil, err
	}

	tmpl, err := prompts.Load(prompts.TypeConsolidation, s.configDir)
	if err != nil {
		return nil, err
	}
	voice := *in.council.Consolidation
	prompt, err := tmpl.Build(voice.Tier, map[string]string{"suggestions": string(payload)})
	if err != nil {
		return nil, err
	}

	merged, err := s.callAndExtract(ctx, in, fmt.Sprintf("consolidation level%d", level), prompt, voice.ID())
	if err != nil {
		return nil, err
	}
	applyConsensusBoosts(merged, union)
	return merged, nil
}

// applyConsensusBoosts adjusts merged confidences: +0.2 for agreement of
// three or more voices, +0.1 for two, and min-0.1 where the underlying
// voices contradicted each other about the same location. Capped at 1.0.
func applyConsensusBoosts(merged []store.Suggestion, union []store.Suggestion) {
	type locStat struct {
		minConfidence float64
		hasBug        bool
		hasPraise     bool
	}
	stats := make(map[string]*locStat)
	for _, sg := range union {
		key := locationKey(sg)
		st, ok := stats[key]
		if !ok {
			st = &locStat{minConfidence: sg.Confidence}
			stats[key] = st
		}
		if sg.Confidence < st.minConfidence {
			st.minConfidence = sg.Confidence
		}
		switch sg.Type {
		case store.TypeBug:
			st.hasBug = true
		case store.TypePraise:
			st.hasPraise = true
		}
	}

	for i := range merged {
		sg := &merged[i]
		if st, ok := stats[locationKey(*sg)]; ok && st.hasBug && st.hasPraise {
			sg.Confidence = st.minConfidence - 0.1
		} else {
			switch {
			case sg.MergedFrom >= 3:
				sg.Confidence += 0.2
			case sg.MergedFrom == 2:
				sg.Confidence += 0.1
			}
		}
		if sg.Confidence > 1.0 {
			sg.Confidence = 1.0
		}
		if sg.Confidence < 0 {
			sg.Confidence = 0
		}
	}
}

func locationKey(sg store.Suggestion) string {
	start, end := -1, -1
	if sg.LineStart != nil {
		start = *sg.LineStart
	}
	if sg.LineEnd != nil {
		end = *sg.LineEnd
	}
	return fmt.Sprintf("%s|%d|%d", sg.File, start, end)
}

// orchestrate merges consolidated per-level output. A single surviving
// level is adopted unchanged.
func (s *Scheduler) orchestrate(ctx context.Context, in runInput, levelOutputs map[int][]store.Suggestion) ([]store.Suggestion, error) {
	if len(levelOutputs) == 1 {
		for _, out := range levelOutputs {
			return out, nil
		}
	}

	s.pub.Publish(in.topic, RunEvent{Type: EventOrchestrationStarted, RunID: in.run.ID})

	grouped := make(map[string][]store.Suggestion, len(levelOutputs))
	for level, out := range levelOutputs {
		grouped[fmt.Sprintf("level%d", level)] = out
	}
	payload, err := json.MarshalIndent(grouped, "", "  ")
	if err != nil {
		return nil, err
	}

	tmpl, err := prompts.Load(prompts.TypeOrchestration, s.configDir)
	if err != nil {
		return nil, err
	}
	voice := *in.council.Consolidation
	prompt, err := tmpl.Build(voice.Tier, map[string]string{"suggestions": string(payload)})
	if err != nil {
		return nil, err
	}
	return s.callAndExtract(ctx, in, "orchestration", prompt, voice.ID())
}

// callAndExtract runs one LLM round trip and parses the suggestions out
// of the response.
func (s *Scheduler) callAndExtract(ctx context.Context, in runInput, title, prompt, voiceID string) ([]store.Suggestion, error) {
	sess, err := s.llm.CreateSession(ctx, title, in.workdir)
	if err != nil {
		return nil, fmt.Errorf("creating LLM session: %w", err)
	}
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		_ = s.llm.DeleteSession(cleanupCtx, sess.ID)
	}()

	resp, err := s.llm.SendPrompt(ctx, sess.ID, prompt)
	if err != nil {
		return nil, err
	}

	var out struct {
		Suggestions []rawSuggestion `json:"suggestions"`
	}
	if err := llm.ExtractInto(resp.Content, &out); err != nil {
		return nil, err
	}

	suggestions := make([]store.Suggestion, 0, len(out.Suggestions))
	for _, raw := range out.Suggestions {
		if sg, ok := raw.toSuggestion(voiceID); ok {
			suggestions = append(suggestions, sg)
		}
	}
	return suggestions, nil
}

type rawSuggestion struct {
	File           string   `json:"file"`
	LineStart      *int     `json:"line_start"`
	LineEnd        *int     `json:"line_end"`
	Side           string   `json:"side"`
	Type           string   `json:"type"`
	Title          string   `json:"title"`
	Description    string   `json:"description"`
	SuggestionText string   `json:"suggestion_text"`
	Confidence     float64  `json:"confidence"`
	Reasoning      []string `json:"reasoning"`
	MergedFrom     int      `json:"merged_from"`
}

func (r rawSuggestion) toSuggestion(voiceID string) (store.Suggestion, bool) {
	if r.File == "" || r.Title == "" {
		return store.Suggestion{}, false
	}
	confidence := r.Confidence
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}
	sg := store.Suggestion{
		File:           r.File,
		LineStart:      r.LineStart,
		LineEnd:        r.LineEnd,
		Side:           store.Side(strings.ToUpper(r.Side)),
		Type:           store.SuggestionType(r.Type),
		Title:          r.Title,
		Description:    r.Description,
		SuggestionText: r.SuggestionText,
		Confidence:     confidence,
		Reasoning:      r.Reasoning,
		Voice:          voiceID,
		MergedFrom:     r.MergedFrom,
	}
	if sg.Side != store.SideOld && sg.Side != store.SideNew {
		sg.Side = store.SideNew
	}
	if !store.ValidSuggestionType(sg.Type) {
		sg.Type = store.TypeSuggestion
	}
	// Replacement text travels only on actionable types: praise never
	// carries it, everything else always does.
	if sg.Type == store.TypePraise {
		sg.SuggestionText = ""
	} else if sg.SuggestionText == "" {
		sg.SuggestionText = sg.Description
		if sg.SuggestionText == "" {
			sg.SuggestionText = sg.Title
		}
	}
	if sg.LineStart == nil && sg.LineEnd == nil {
		sg.IsFileLevel = true
	}
	// A one-sided range collapses to a point.
	if sg.LineStart != nil && sg.LineEnd == nil {
		sg.LineEnd = sg.LineStart
	}
	if sg.LineEnd != nil && sg.LineStart == nil {
		sg.LineStart = sg.LineEnd
	}
	return sg, true
}

func failureReason(err error) string {
	var ee *llm.ExtractionError
	switch {
	case errors.As(err, &ee):
		return "extraction"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return err.Error()
	}
}

// fileOrder maps each changed file to its position in the diff's declared
// file order.
func fileOrder(files []store.FileChange) map[string]int {
	order := make(map[string]int, len(files))
	for i, f := range files {
		order[f.Path] = i
	}
	return order
}

// sortSuggestions applies the final deterministic ordering: diff file
// order, line_start ascending with file-level first, confidence
// descending, then voice id and title.
func sortSuggestions(suggestions []store.Suggestion, order map[string]int) {
	sort.SliceStable(suggestions, func(i, j int) bool {
		a, b := suggestions[i], suggestions[j]

		ai, aok := order[a.File]
		bi, bok := order[b.File]
		switch {
		case aok && !bok:
			return true
		case !aok && bok:
			return false
		case aok && bok && ai != bi:
			return ai < bi
		case !aok && !bok && a.File != b.File:
			return a.File < b.File
		}

		al, bl := lineRank(a), lineRank(b)
		if al != bl {
			return al < bl
		}
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if a.Voice != b.Voice {
			return a.Voice < b.Voice
		}
		return a.Title < b.Title
	})
}

func lineRank(sg store.Suggestion) int {
	if sg.LineStart == nil {
		return -1 // file-level sorts first
	}
	return *sg.LineStart
}

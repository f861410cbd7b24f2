package setup

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pair-review/pair-review/internal/progress"
	"github.com/pair-review/pair-review/internal/provider"
	"github.com/pair-review/pair-review/internal/repo"
	"github.com/pair-review/pair-review/internal/store"
)

// setupTimeout bounds one whole setup run, clone included.
const setupTimeout = 10 * time.Minute

// Worktrees is the repository surface the orchestrator drives. Satisfied
// by *repo.Manager.
type Worktrees interface {
	DiscoverSource(ctx context.Context, owner, repoName, cloneURL string) (repo.Source, error)
	CreateForPR(ctx context.Context, spec repo.PRSpec, src repo.Source) (string, error)
	EnsurePRDirectoriesCheckedOut(ctx context.Context, worktree string, changed []store.FileChange) error
	Diff(ctx context.Context, worktree, baseRevision, headRevision string) (string, error)
	ChangedFiles(ctx context.Context, worktree, baseRevision, headRevision string) ([]store.FileChange, error)
	WorkingTreeDiff(ctx context.Context, root string) (string, []store.FileChange, error)
}

// Result is the synchronous answer to a setup request. Either Existing is
// true and ReviewURL points at the ready session, or SetupID names a
// background setup whose progress stream the caller should follow.
type Result struct {
	SetupID   string `json:"setup_id,omitempty"`
	Existing  bool   `json:"existing,omitempty"`
	ReviewURL string `json:"review_url,omitempty"`
	SessionID int64  `json:"session_id,omitempty"`
}

// StepEvent is one progress update from a running setup.
type StepEvent struct {
	Step    string `json:"step"`
	Status  string `json:"status"` // running, completed, error
	Message string `json:"message,omitempty"`
}

// CompletePayload is the terminal event of a successful setup.
type CompletePayload struct {
	ReviewURL string `json:"review_url"`
	Title     string `json:"title,omitempty"`
	SessionID int64  `json:"session_id"`
}

// Orchestrator runs session setups in the background and reports their
// progress through the broker. Concurrent requests for the same target
// share one setup.
type Orchestrator struct {
	store     *store.Store
	provider  provider.Client
	worktrees Worktrees
	git       repo.Git
	progress  *progress.Broker
	registry  *registry
}

func New(st *store.Store, client provider.Client, wt Worktrees, git repo.Git, broker *progress.Broker) *Orchestrator {
	return &Orchestrator{
		store:     st,
		provider:  client,
		worktrees: wt,
		git:       git,
		progress:  broker,
		registry:  newRegistry(),
	}
}

func prReviewURL(key store.PRKey) string {
	return fmt.Sprintf("/pr/%s/%s/%d", key.Owner, key.Repo, key.Number)
}

// StartPR begins (or joins) a PR setup. A session that already has both
// its snapshot and its worktree row is returned directly; a session whose
// worktree was pruned is set up again.
func (o *Orchestrator) StartPR(ctx context.Context, key store.PRKey) (*Result, error) {
	if sess, err := o.store.GetSessionByPRKey(ctx, key); err == nil {
		_, snapErr := o.store.GetSnapshot(ctx, sess.ID)
		_, wtErr := o.store.GetWorktree(ctx, sess.ID)
		if snapErr == nil && wtErr == nil {
			return &Result{Existing: true, ReviewURL: prReviewURL(key), SessionID: sess.ID}, nil
		}
	}

	regKey := strings.ToLower(fmt.Sprintf("pr:%s/%s/%d", key.Owner, key.Repo, key.Number))
	h, created := o.registry.getOrCreate(regKey, func() string {
		return "pr-" + uuid.NewString()
	})
	if created {
		go o.runPRSetup(context.WithoutCancel(ctx), regKey, h.id, key)
	}
	return &Result{SetupID: h.id}, nil
}

func (o *Orchestrator) runPRSetup(ctx context.Context, regKey, setupID string, key store.PRKey) {
	defer o.registry.release(regKey)
	ctx, cancel := context.WithTimeout(ctx, setupTimeout)
	defer cancel()

	log := slog.With("setup_id", setupID, "pr", prReviewURL(key))
	fail := func(step string, err error) {
		log.Error("setup failed", "step", step, "error", err)
		o.progress.Publish(setupID, "step", StepEvent{Step: step, Status: "error", Message: err.Error()})
		o.progress.Publish(setupID, progress.EventError, map[string]string{"step": step, "message": err.Error()})
	}
	begin := func(step, message string) {
		o.progress.Publish(setupID, "step", StepEvent{Step: step, Status: "running", Message: message})
	}
	done := func(step, message string) {
		o.progress.Publish(setupID, "step", StepEvent{Step: step, Status: "completed", Message: message})
	}

	begin("verify", "checking repository access")
	if err := o.provider.VerifyAccess(ctx, key.Owner, key.Repo); err != nil {
		fail("verify", err)
		return
	}
	done("verify", "")

	begin("fetch", "fetching pull request")
	pr, err := o.provider.FetchPR(ctx, key)
	if err != nil {
		fail("fetch", err)
		return
	}
	done("fetch", pr.Title)

	begin("repo", "locating repository")
	src, err := o.worktrees.DiscoverSource(ctx, key.Owner, key.Repo, pr.CloneURL)
	if err != nil {
		fail("repo", err)
		return
	}
	if src.FreshlyCloned {
		done("repo", fmt.Sprintf("cloned %s/%s", key.Owner, key.Repo))
	} else {
		done("repo", src.MainRoot)
	}

	begin("worktree", "creating worktree")
	worktreePath, err := o.worktrees.CreateForPR(ctx, repo.PRSpec{
		Owner:        key.Owner,
		Repo:         key.Repo,
		Number:       key.Number,
		BaseBranch:   pr.BaseBranch,
		HeadRevision: pr.HeadRevision,
		CloneURL:     pr.CloneURL,
		SSHURL:       pr.SSHURL,
	}, src)
	if err != nil {
		fail("worktree", err)
		return
	}
	done("worktree", worktreePath)

	// Changed directories must be materialized before diffing; a sparse
	// checkout otherwise yields an empty or partial diff.
	begin("sparse", "materializing changed directories")
	if err := o.worktrees.EnsurePRDirectoriesCheckedOut(ctx, worktreePath, pr.ChangedFiles); err != nil {
		fail("sparse", err)
		return
	}
	done("sparse", "")

	begin("diff", "computing diff")
	diff := pr.UnifiedDiff
	changed := pr.ChangedFiles
	if local, err := o.worktrees.Diff(ctx, worktreePath, pr.BaseRevision, pr.HeadRevision); err == nil && local != "" {
		diff = local
		if files, err := o.worktrees.ChangedFiles(ctx, worktreePath, pr.BaseRevision, pr.HeadRevision); err == nil {
			changed = files
		}
	}
	done("diff", fmt.Sprintf("%d files changed", len(changed)))

	begin("store", "saving session")
	sessionID, err := o.store.UpsertPRSession(ctx, key)
	if err != nil {
		fail("store", err)
		return
	}
	snap := &store.PRSnapshot{
		Title:        pr.Title,
		Description:  pr.Description,
		Author:       pr.Author,
		BaseBranch:   pr.BaseBranch,
		HeadBranch:   pr.HeadBranch,
		BaseRevision: pr.BaseRevision,
		HeadRevision: pr.HeadRevision,
		UnifiedDiff:  diff,
		ChangedFiles: changed,
	}
	if err := o.store.StorePRBundle(ctx, sessionID, snap, worktreePath, pr.BaseBranch); err != nil {
		fail("store", err)
		return
	}
	if cur, err := o.store.GetLocalPath(ctx, key.Owner, key.Repo); err != nil || cur != src.MainRoot {
		if err := o.store.SetLocalPath(ctx, key.Owner, key.Repo, src.MainRoot); err != nil {
			log.Warn("recording repo location failed", "error", err)
		}
	}
	done("store", "")

	log.Info("setup complete", "session_id", sessionID)
	o.progress.Publish(setupID, progress.EventComplete, CompletePayload{
		ReviewURL: prReviewURL(key),
		Title:     pr.Title,
		SessionID: sessionID,
	})
}

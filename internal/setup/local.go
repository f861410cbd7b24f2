package setup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/pair-review/pair-review/internal/progress"
	"github.com/pair-review/pair-review/internal/repo"
	"github.com/pair-review/pair-review/internal/store"
)

// LocalID derives the deterministic session identity for a local review:
// the same repository root at the same head always maps to the same id.
func LocalID(root, head string) string {
	sum := sha256.Sum256([]byte(root + "\n" + head))
	return hex.EncodeToString(sum[:])[:16]
}

func localReviewURL(id string) string {
	return "/local/" + id
}

// StartLocal begins (or joins) a local working-tree setup rooted at path.
// Root and head resolve synchronously so the setup id is deterministic;
// the diff refresh runs in the background and is idempotent.
func (o *Orchestrator) StartLocal(ctx context.Context, path string) (*Result, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving path: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("path %s: %w", abs, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("path %s is not a directory", abs)
	}

	root, err := repo.RepoRoot(ctx, o.git, abs)
	if err != nil {
		return nil, fmt.Errorf("not a git repository: %w", err)
	}
	head, err := repo.HeadRevision(ctx, o.git, root)
	if err != nil {
		return nil, fmt.Errorf("resolving HEAD: %w", err)
	}

	id := LocalID(root, head)
	h, created := o.registry.getOrCreate("local:"+id, func() string {
		return "local-" + id
	})
	if created {
		go o.runLocalSetup(context.WithoutCancel(ctx), "local:"+id, h.id, root, head)
	}
	return &Result{SetupID: h.id}, nil
}

func (o *Orchestrator) runLocalSetup(ctx context.Context, regKey, setupID, root, head string) {
	defer o.registry.release(regKey)
	ctx, cancel := context.WithTimeout(ctx, setupTimeout)
	defer cancel()

	log := slog.With("setup_id", setupID, "root", root)
	fail := func(step string, err error) {
		log.Error("local setup failed", "step", step, "error", err)
		o.progress.Publish(setupID, "step", StepEvent{Step: step, Status: "error", Message: err.Error()})
		o.progress.Publish(setupID, progress.EventError, map[string]string{"step": step, "message": err.Error()})
	}
	emit := func(step, status, message string) {
		o.progress.Publish(setupID, "step", StepEvent{Step: step, Status: status, Message: message})
	}

	emit("validate", "completed", root)
	emit("git", "completed", head)

	id := LocalID(root, head)
	emit("identity", "completed", id)

	emit("diff", "running", "diffing working tree")
	diff, changed, err := o.worktrees.WorkingTreeDiff(ctx, root)
	if err != nil {
		fail("diff", err)
		return
	}
	emit("diff", "completed", fmt.Sprintf("%d files changed", len(changed)))

	emit("store", "running", "saving session")
	sessionID, err := o.store.UpsertLocalSession(ctx, store.LocalKey{Root: root, Head: head})
	if err != nil {
		fail("store", err)
		return
	}
	title := "Local changes: " + filepath.Base(root)
	snap := &store.PRSnapshot{
		Title:        title,
		HeadRevision: head,
		UnifiedDiff:  diff,
		ChangedFiles: changed,
	}
	// Local sessions have no worktree row; the working tree itself is
	// the checkout.
	if err := o.store.StorePRBundle(ctx, sessionID, snap, "", ""); err != nil {
		fail("store", err)
		return
	}
	emit("store", "completed", "")

	log.Info("local setup complete", "session_id", sessionID)
	o.progress.Publish(setupID, progress.EventComplete, CompletePayload{
		ReviewURL: localReviewURL(id),
		Title:     title,
		SessionID: sessionID,
	})
}

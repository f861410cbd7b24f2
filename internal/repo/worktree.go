package repo

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pair-review/pair-review/internal/store"
)

// PRSpec carries everything the worktree manager needs to materialize a
// pull request checkout.
type PRSpec struct {
	Owner        string
	Repo         string
	Number       int
	BaseBranch   string
	HeadRevision string
	CloneURL     string
	SSHURL       string
}

// Source is a discovered local repository usable as the anchor for a new
// worktree. When the discovered path is itself a linked worktree with an
// inherited sparse configuration, WorktreeSource keeps that path so the new
// worktree inherits the sparse state; MainRoot is used for writes.
type Source struct {
	MainRoot       string
	WorktreeSource string
	FreshlyCloned  bool
}

// RepoLocator is the slice of the store the manager needs for the
// registered-location discovery tier.
type RepoLocator interface {
	GetLocalPath(ctx context.Context, owner, repo string) (string, error)
	SetLocalPath(ctx context.Context, owner, repo, path string) error
}

// Manager owns the filesystem layout of per-PR worktrees and cached clones.
type Manager struct {
	git          Git
	worktreesDir string
	reposDir     string
	monorepos    map[string]string
	locations    RepoLocator
}

// NewManager creates a worktree manager rooted at the given directories.
func NewManager(git Git, worktreesDir, reposDir string, monorepos map[string]string, locations RepoLocator) *Manager {
	return &Manager{
		git:          git,
		worktreesDir: worktreesDir,
		reposDir:     reposDir,
		monorepos:    monorepos,
		locations:    locations,
	}
}

// WorktreePath returns the canonical worktree location for a PR.
func (m *Manager) WorktreePath(owner, repo string, number int) string {
	return filepath.Join(m.worktreesDir, fmt.Sprintf("%s-%s-%d", owner, repo, number))
}

// prRef is the private local ref the PR head is fetched into.
func prRef(number int) string {
	return fmt.Sprintf("refs/pair-review/pr-%d", number)
}

// CreateForPR materializes an isolated checkout of the PR head anchored at
// the base branch. On any failure the partially created worktree is removed
// best-effort before the error is returned.
func (m *Manager) CreateForPR(ctx context.Context, spec PRSpec, src Source) (string, error) {
	if err := os.MkdirAll(m.worktreesDir, 0755); err != nil {
		return "", fmt.Errorf("creating worktrees directory: %w", err)
	}

	target := m.WorktreePath(spec.Owner, spec.Repo, spec.Number)
	if _, err := os.Stat(target); err == nil {
		if err := m.removeWorktree(ctx, src.MainRoot, target); err != nil {
			return "", err
		}
	}

	remote, err := m.ResolveRemoteForRepo(ctx, src.MainRoot, spec.CloneURL, spec.SSHURL)
	if err != nil {
		return "", err
	}

	// Fetch the base branch; a clashing local ref gets a forced update.
	baseRef := fmt.Sprintf("%s:refs/remotes/origin/%s", spec.BaseBranch, spec.BaseBranch)
	if _, err := m.git.Run(ctx, src.MainRoot, "fetch", remote, baseRef); err != nil {
		if _, err := m.git.Run(ctx, src.MainRoot, "fetch", remote, "+"+baseRef); err != nil {
			return "", fmt.Errorf("fetching base branch %s: %w", spec.BaseBranch, err)
		}
	}

	// Anchor the worktree at the base; inherit sparse state from the
	// worktree source when one exists.
	addDir := src.MainRoot
	if src.WorktreeSource != "" {
		addDir = src.WorktreeSource
	}
	anchor := "origin/" + spec.BaseBranch
	if _, err := m.git.Run(ctx, addDir, "worktree", "add", "--detach", target, anchor); err != nil {
		if !strings.Contains(err.Error(), "already registered") {
			return "", fmt.Errorf("adding worktree: %w", err)
		}
		if _, err := m.git.Run(ctx, addDir, "worktree", "add", "--force", "--detach", target, anchor); err != nil {
			return "", fmt.Errorf("adding worktree (forced): %w", err)
		}
	}

	// Fetch the PR head into a private ref and check it out.
	headRef := fmt.Sprintf("+refs/pull/%d/head:%s", spec.Number, prRef(spec.Number))
	if _, err := m.git.Run(ctx, src.MainRoot, "fetch", remote, headRef); err != nil {
		m.cleanup(ctx, src.MainRoot, target)
		return "", fmt.Errorf("fetching PR head: %w", err)
	}
	if _, err := m.git.Run(ctx, target, "checkout", "--detach", prRef(spec.Number)); err != nil {
		m.cleanup(ctx, src.MainRoot, target)
		return "", fmt.Errorf("checking out PR head: %w", err)
	}

	// Divergence from the snapshot head is worth knowing about but not
	// fatal: the PR may have been pushed to since the metadata fetch.
	head, err := HeadRevision(ctx, m.git, target)
	if err == nil && spec.HeadRevision != "" && head != spec.HeadRevision {
		slog.Warn("worktree HEAD diverges from fetched snapshot",
			"expected", spec.HeadRevision, "actual", head, "worktree", target)
	}

	return target, nil
}

// removeWorktree deletes a stale worktree, preferring the VCS-assisted path
// so the registration is cleaned up too.
func (m *Manager) removeWorktree(ctx context.Context, mainRoot, target string) error {
	if _, err := m.git.Run(ctx, mainRoot, "worktree", "remove", "--force", target); err != nil {
		slog.Debug("git worktree remove failed, falling back to rm", "target", target, "error", err)
		if err := os.RemoveAll(target); err != nil {
			return fmt.Errorf("removing stale worktree %s: %w", target, err)
		}
		// Drop the dangling registration if one is left behind.
		m.git.Run(ctx, mainRoot, "worktree", "prune")
	}
	return nil
}

func (m *Manager) cleanup(ctx context.Context, mainRoot, target string) {
	if err := m.removeWorktree(ctx, mainRoot, target); err != nil {
		slog.Warn("worktree cleanup failed", "target", target, "error", err)
	}
}

// EnsurePRDirectoriesCheckedOut expands a sparse checkout to cover every
// directory touched by the PR. Must run before diff generation so the diff
// can read real file contents. A full (non-sparse) checkout is a no-op.
func (m *Manager) EnsurePRDirectoriesCheckedOut(ctx context.Context, worktree string, changed []store.FileChange) error {
	sparse, err := m.git.Run(ctx, worktree, "config", "core.sparseCheckout")
	if err != nil || sparse != "true" {
		return nil
	}

	dirSet := make(map[string]struct{})
	for _, fc := range changed {
		dir := filepath.Dir(fc.Path)
		if dir == "." {
			continue
		}
		dirSet[dir] = struct{}{}
	}
	if len(dirSet) == 0 {
		return nil
	}

	dirs := make([]string, 0, len(dirSet))
	for d := range dirSet {
		dirs = append(dirs, d)
	}
	sort.Strings(dirs)

	args := append([]string{"sparse-checkout", "add"}, dirs...)
	if _, err := m.git.Run(ctx, worktree, args...); err != nil {
		return fmt.Errorf("expanding sparse checkout: %w", err)
	}
	return nil
}

// Diff computes the unified diff between the snapshot's base and head
// revisions with three lines of context. SHAs, not branch names: branches
// move, the snapshot does not.
func (m *Manager) Diff(ctx context.Context, worktree, baseRevision, headRevision string) (string, error) {
	out, err := m.git.Run(ctx, worktree, "diff", "--unified=3",
		fmt.Sprintf("%s..%s", baseRevision, headRevision))
	if err != nil {
		return "", fmt.Errorf("computing diff: %w", err)
	}
	return out, nil
}

// ChangedFiles lists the files touched between two revisions, preserving
// git's declared order.
func (m *Manager) ChangedFiles(ctx context.Context, worktree, baseRevision, headRevision string) ([]store.FileChange, error) {
	out, err := m.git.Run(ctx, worktree, "diff", "--numstat",
		fmt.Sprintf("%s..%s", baseRevision, headRevision))
	if err != nil {
		return nil, fmt.Errorf("listing changed files: %w", err)
	}
	return parseNumstat(out), nil
}

// parseNumstat parses `git diff --numstat` output. Binary files report "-"
// for both counts.
func parseNumstat(out string) []store.FileChange {
	var changes []store.FileChange
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		fields := strings.SplitN(scanner.Text(), "\t", 3)
		if len(fields) != 3 {
			continue
		}
		fc := store.FileChange{Path: fields[2]}
		if fields[0] == "-" || fields[1] == "-" {
			fc.Binary = true
		} else {
			fc.Additions, _ = strconv.Atoi(fields[0])
			fc.Deletions, _ = strconv.Atoi(fields[1])
		}
		changes = append(changes, fc)
	}
	return changes
}

// FileLineCounts reads each file under the worktree and returns its line
// count. Files that are missing or unreadable map to -1 so downstream
// validation can tell "absent" from "empty".
func (m *Manager) FileLineCounts(worktree string, paths []string) map[string]int {
	counts := make(map[string]int, len(paths))
	for _, p := range paths {
		counts[p] = countFileLines(filepath.Join(worktree, p))
	}
	return counts
}

func countFileLines(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return -1
	}
	if len(data) == 0 {
		return 0
	}
	n := strings.Count(string(data), "\n")
	if !strings.HasSuffix(string(data), "\n") {
		n++
	}
	return n
}

// WorkingTreeDiff produces the diff of uncommitted changes in root plus
// synthesized new-file diffs for untracked files. Running it twice against
// the same working state yields the same text.
func (m *Manager) WorkingTreeDiff(ctx context.Context, root string) (string, []store.FileChange, error) {
	diff, err := m.git.Run(ctx, root, "diff", "--unified=3", "HEAD")
	if err != nil {
		return "", nil, fmt.Errorf("working-tree diff: %w", err)
	}
	numstat, err := m.git.Run(ctx, root, "diff", "--numstat", "HEAD")
	if err != nil {
		return "", nil, fmt.Errorf("working-tree numstat: %w", err)
	}
	changes := parseNumstat(numstat)

	untracked, err := m.git.Run(ctx, root, "ls-files", "--others", "--exclude-standard")
	if err != nil {
		return "", nil, fmt.Errorf("listing untracked files: %w", err)
	}
	var sb strings.Builder
	sb.WriteString(diff)
	for _, f := range strings.Split(untracked, "\n") {
		if f == "" {
			continue
		}
		// --no-index exits 1 when the files differ, which is the expected
		// case for a new file; only an empty result is a real failure.
		fileDiff, _ := m.git.Run(ctx, root, "diff", "--no-index", "--unified=3", "--", "/dev/null", f)
		if fileDiff == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(fileDiff)
		changes = append(changes, store.FileChange{
			Path:      f,
			Additions: countFileLines(filepath.Join(root, f)),
		})
	}
	return sb.String(), changes, nil
}

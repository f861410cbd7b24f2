package repo

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// DiscoverSource locates a local repository for owner/repo, trying tiers in
// priority order:
//
//  1. explicit monorepo override from config
//  2. registered repo location from the store (verified; cleared when stale)
//  3. an existing worktree for the same repo (its parent root)
//  4. cached bare clone under the repos directory, created on demand
//
// The returned Source records whether the chosen path is itself a sparse
// worktree, so new worktrees can inherit the sparse state.
func (m *Manager) DiscoverSource(ctx context.Context, owner, repo, cloneURL string) (Source, error) {
	key := owner + "/" + repo

	if path, ok := m.monorepos[key]; ok {
		return m.describeSource(ctx, path)
	}

	if m.locations != nil {
		path, err := m.locations.GetLocalPath(ctx, owner, repo)
		if err == nil && path != "" {
			if IsRepo(ctx, m.git, path) {
				return m.describeSource(ctx, path)
			}
			slog.Info("registered repo location is stale, clearing", "repo", key, "path", path)
			if err := m.locations.SetLocalPath(ctx, owner, repo, ""); err != nil {
				slog.Warn("clearing stale repo location failed", "repo", key, "error", err)
			}
		}
	}

	if src, ok := m.sourceFromExistingWorktree(ctx, owner, repo); ok {
		return src, nil
	}

	return m.ensureCachedClone(ctx, owner, repo, cloneURL)
}

// describeSource inspects a discovered path. A linked worktree keeps its
// own path as WorktreeSource and resolves the main repository root for
// writes; a plain checkout is its own root.
func (m *Manager) describeSource(ctx context.Context, path string) (Source, error) {
	gitDir, err := m.git.Run(ctx, path, "rev-parse", "--git-dir")
	if err != nil {
		return Source{}, fmt.Errorf("inspecting source %s: %w", path, err)
	}
	commonDir, err := m.git.Run(ctx, path, "rev-parse", "--git-common-dir")
	if err != nil {
		return Source{}, fmt.Errorf("inspecting source %s: %w", path, err)
	}
	if gitDir == commonDir {
		return Source{MainRoot: path}, nil
	}

	// Linked worktree: the common dir is <main>/.git (or the bare repo).
	mainRoot := filepath.Dir(commonDir)
	if !filepath.IsAbs(commonDir) {
		mainRoot = filepath.Dir(filepath.Join(path, commonDir))
	}

	src := Source{MainRoot: mainRoot}
	if sparse, err := m.git.Run(ctx, path, "config", "core.sparseCheckout"); err == nil && sparse == "true" {
		src.WorktreeSource = path
	}
	return src, nil
}

// sourceFromExistingWorktree checks whether another PR of the same repo
// already has a worktree on disk, and derives the parent root from it.
func (m *Manager) sourceFromExistingWorktree(ctx context.Context, owner, repo string) (Source, bool) {
	prefix := fmt.Sprintf("%s-%s-", owner, repo)
	entries, err := os.ReadDir(m.worktreesDir)
	if err != nil {
		return Source{}, false
	}
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(strings.ToLower(e.Name()), strings.ToLower(prefix)) {
			continue
		}
		path := filepath.Join(m.worktreesDir, e.Name())
		if !IsRepo(ctx, m.git, path) {
			continue
		}
		src, err := m.describeSource(ctx, path)
		if err != nil {
			continue
		}
		return src, true
	}
	return Source{}, false
}

// ensureCachedClone returns the cached clone for owner/repo, creating it
// with a blob-filtered no-checkout clone when absent.
func (m *Manager) ensureCachedClone(ctx context.Context, owner, repo, cloneURL string) (Source, error) {
	path := filepath.Join(m.reposDir, owner, repo)
	if IsRepo(ctx, m.git, path) {
		return Source{MainRoot: path}, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return Source{}, fmt.Errorf("creating repos directory: %w", err)
	}
	slog.Info("cloning repository", "repo", owner+"/"+repo, "path", path)
	if _, err := m.git.Run(ctx, "", "clone", "--filter=blob:none", "--no-checkout", cloneURL, path); err != nil {
		return Source{}, fmt.Errorf("cloning %s: %w", cloneURL, err)
	}
	return Source{MainRoot: path, FreshlyCloned: true}, nil
}

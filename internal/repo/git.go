package repo

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Git runs version-control commands in a directory. The production
// implementation shells out to the git binary; tests substitute a fake.
type Git interface {
	// Run executes git with the given arguments in dir and returns trimmed
	// stdout. A non-zero exit returns an error carrying combined output.
	Run(ctx context.Context, dir string, args ...string) (string, error)
}

// ExecGit is the Git implementation backed by the local git binary.
type ExecGit struct{}

func (ExecGit) Run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	out, err := cmd.CombinedOutput()
	trimmed := strings.TrimSpace(string(out))
	if err != nil {
		// Output is returned alongside the error: some commands (diff
		// --no-index) signal differences through the exit code while still
		// producing the wanted text.
		return trimmed, fmt.Errorf("git %s: %s: %w", strings.Join(args, " "), trimmed, err)
	}
	return trimmed, nil
}

// RepoRoot returns the top-level directory of the repository containing dir.
func RepoRoot(ctx context.Context, git Git, dir string) (string, error) {
	return git.Run(ctx, dir, "rev-parse", "--show-toplevel")
}

// HeadRevision returns the full SHA of HEAD in dir.
func HeadRevision(ctx context.Context, git Git, dir string) (string, error) {
	return git.Run(ctx, dir, "rev-parse", "HEAD")
}

// IsRepo reports whether dir is inside a usable git repository. Used to
// verify registered repo locations before trusting them.
func IsRepo(ctx context.Context, git Git, dir string) bool {
	_, err := git.Run(ctx, dir, "rev-parse", "--is-inside-work-tree")
	return err == nil
}

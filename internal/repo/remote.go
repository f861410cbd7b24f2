package repo

import (
	"context"
	"fmt"
	"strings"
)

// FallbackRemote is the dedicated remote name added when no configured
// remote matches the PR's repository.
const FallbackRemote = "pair-review-base"

// NormalizeGitURL reduces a git URL to a comparable host/owner/repo form.
// Insensitive to trailing ".git", case, and ssh vs https spellings: the
// same repository under any form yields the same normalized string.
func NormalizeGitURL(url string) string {
	url = strings.TrimSpace(url)
	url = strings.TrimSuffix(url, "/")
	url = strings.TrimSuffix(url, ".git")

	// ssh://user@host/owner/repo -> host/owner/repo
	if rest, ok := strings.CutPrefix(url, "ssh://"); ok {
		if i := strings.IndexByte(rest, '@'); i >= 0 {
			rest = rest[i+1:]
		}
		url = rest
	}

	// user@host:owner/repo -> host/owner/repo
	if i := strings.IndexByte(url, '@'); i >= 0 && !strings.Contains(url[:i], "/") {
		url = url[i+1:]
		url = strings.Replace(url, ":", "/", 1)
	}

	url = strings.TrimPrefix(url, "https://")
	url = strings.TrimPrefix(url, "http://")
	url = strings.TrimSuffix(url, "/")

	return strings.ToLower(url)
}

// ResolveRemoteForRepo inspects the remotes configured in dir and returns
// the name of the one pointing at the PR's repository (either URL form
// matches). When none matches, the fallback remote is added or updated to
// the clone URL and its name returned.
func (m *Manager) ResolveRemoteForRepo(ctx context.Context, dir, cloneURL, sshURL string) (string, error) {
	out, err := m.git.Run(ctx, dir, "remote", "-v")
	if err != nil {
		return "", fmt.Errorf("listing remotes: %w", err)
	}

	wantClone := NormalizeGitURL(cloneURL)
	wantSSH := NormalizeGitURL(sshURL)

	fallbackExists := false
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		name, url := fields[0], NormalizeGitURL(fields[1])
		if name == FallbackRemote {
			fallbackExists = true
		}
		if url == wantClone || (wantSSH != "" && url == wantSSH) {
			return name, nil
		}
	}

	if fallbackExists {
		if _, err := m.git.Run(ctx, dir, "remote", "set-url", FallbackRemote, cloneURL); err != nil {
			return "", fmt.Errorf("updating %s remote: %w", FallbackRemote, err)
		}
	} else {
		if _, err := m.git.Run(ctx, dir, "remote", "add", FallbackRemote, cloneURL); err != nil {
			return "", fmt.Errorf("adding %s remote: %w", FallbackRemote, err)
		}
	}
	return FallbackRemote, nil
}

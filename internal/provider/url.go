package provider

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/pair-review/pair-review/internal/store"
)

// ParsePRInput resolves user input to a PR key. Accepted forms:
//
//   - host URL:       https://github.com/acme/widget/pull/42
//   - Graphite-style: https://app.graphite.dev/github/pr/acme/widget/42[/slug]
//   - bare number:    "42" or "#42", resolved against contextRepo
//
// contextRepo may be nil; bare numbers then fail with an input error.
func ParsePRInput(input string, contextRepo *store.PRKey) (store.PRKey, error) {
	input = strings.TrimSpace(input)

	if n, err := strconv.Atoi(strings.TrimPrefix(input, "#")); err == nil {
		if contextRepo == nil {
			return store.PRKey{}, fmt.Errorf("bare PR number %d needs a repository context", n)
		}
		return store.PRKey{Owner: contextRepo.Owner, Repo: contextRepo.Repo, Number: n}, nil
	}

	u, err := url.Parse(input)
	if err != nil || u.Host == "" {
		return store.PRKey{}, fmt.Errorf("unparsable PR reference %q", input)
	}

	parts := splitPath(u.Path)
	host := strings.ToLower(u.Hostname())

	switch {
	case host == "app.graphite.dev":
		// /github/pr/<owner>/<repo>/<number>[/<slug>]
		if len(parts) >= 5 && parts[0] == "github" && parts[1] == "pr" {
			if n, err := strconv.Atoi(parts[4]); err == nil {
				return store.PRKey{Owner: parts[2], Repo: parts[3], Number: n}, nil
			}
		}
	default:
		// /<owner>/<repo>/pull/<number>
		if len(parts) >= 4 && parts[2] == "pull" {
			if n, err := strconv.Atoi(parts[3]); err == nil {
				return store.PRKey{Owner: parts[0], Repo: parts[1], Number: n}, nil
			}
		}
	}

	return store.PRKey{}, fmt.Errorf("unrecognized PR reference %q", input)
}

// PRURL serialises a PR key to its canonical host URL. ParsePRInput is its
// inverse for all well-formed keys.
func PRURL(key store.PRKey) string {
	return fmt.Sprintf("https://github.com/%s/%s/pull/%d", key.Owner, key.Repo, key.Number)
}

func splitPath(p string) []string {
	var parts []string
	for _, seg := range strings.Split(p, "/") {
		if seg != "" {
			parts = append(parts, seg)
		}
	}
	return parts
}

package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	github_ratelimit "github.com/gofri/go-github-ratelimit/v2/github_ratelimit"
	gh "github.com/google/go-github/v82/github"
	"github.com/shurcooL/githubv4"
	"golang.org/x/oauth2"

	"github.com/pair-review/pair-review/internal/provider"
	"github.com/pair-review/pair-review/internal/store"
)

// Backend implements provider.Client against the GitHub REST and GraphQL
// APIs. REST calls go through the rate-limit middleware; GraphQL is only
// needed for review threads and is created lazily.
type Backend struct {
	client    *gh.Client
	gqlOnce   sync.Once
	gqlClient *githubv4.Client
	token     string
}

// NewBackend creates a GitHub backend authenticated with token.
func NewBackend(token string) *Backend {
	rateLimiter := github_ratelimit.NewClient(nil)
	client := gh.NewClient(rateLimiter).WithAuthToken(token)
	return &Backend{
		client: client,
		token:  token,
	}
}

// VerifyAccess probes that the repository exists and the token can read it.
func (b *Backend) VerifyAccess(ctx context.Context, owner, repo string) error {
	_, err := provider.Retry(ctx, "verify access", func() (struct{}, error) {
		_, _, err := b.client.Repositories.Get(ctx, owner, repo)
		return struct{}{}, mapError(err)
	})
	return err
}

// FetchPR retrieves metadata, the unified diff, and the changed-file list
// in three REST calls. Transient failures are retried.
func (b *Backend) FetchPR(ctx context.Context, key store.PRKey) (*provider.PRData, error) {
	return provider.Retry(ctx, "fetch PR", func() (*provider.PRData, error) {
		pr, _, err := b.client.PullRequests.Get(ctx, key.Owner, key.Repo, key.Number)
		if err != nil {
			return nil, fmt.Errorf("get pull request: %w", mapError(err))
		}

		diff, _, err := b.client.PullRequests.GetRaw(ctx, key.Owner, key.Repo, key.Number,
			gh.RawOptions{Type: gh.Diff})
		if err != nil {
			return nil, fmt.Errorf("get pull request diff: %w", mapError(err))
		}

		files, err := b.listChangedFiles(ctx, key)
		if err != nil {
			return nil, err
		}

		return &provider.PRData{
			Title:        pr.GetTitle(),
			Description:  pr.GetBody(),
			Author:       pr.GetUser().GetLogin(),
			BaseBranch:   pr.GetBase().GetRef(),
			HeadBranch:   pr.GetHead().GetRef(),
			BaseRevision: pr.GetBase().GetSHA(),
			HeadRevision: pr.GetHead().GetSHA(),
			CloneURL:     pr.GetBase().GetRepo().GetCloneURL(),
			SSHURL:       pr.GetBase().GetRepo().GetSSHURL(),
			UnifiedDiff:  diff,
			ChangedFiles: files,
		}, nil
	})
}

func (b *Backend) listChangedFiles(ctx context.Context, key store.PRKey) ([]store.FileChange, error) {
	var changes []store.FileChange
	opts := &gh.ListOptions{PerPage: 100}
	for {
		files, resp, err := b.client.PullRequests.ListFiles(ctx, key.Owner, key.Repo, key.Number, opts)
		if err != nil {
			return nil, fmt.Errorf("list changed files: %w", mapError(err))
		}
		for _, f := range files {
			changes = append(changes, store.FileChange{
				Path:      f.GetFilename(),
				Additions: f.GetAdditions(),
				Deletions: f.GetDeletions(),
				// Binary files carry no patch and report zero line changes.
				Binary: f.GetPatch() == "" && f.GetAdditions() == 0 && f.GetDeletions() == 0 && f.GetChanges() == 0,
			})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return changes, nil
}

// SubmitReview posts an outgoing review and returns the remote review id.
// Not retried: a duplicated review is worse than a surfaced error.
func (b *Backend) SubmitReview(ctx context.Context, key store.PRKey, payload provider.ReviewPayload) (int64, error) {
	req := &gh.PullRequestReviewRequest{
		Body: gh.Ptr(payload.Body),
	}
	// An absent event leaves the review pending (draft) on the host.
	if payload.Event != "" && payload.Event != "DRAFT" {
		req.Event = gh.Ptr(payload.Event)
	}
	for _, c := range payload.Comments {
		draft := &gh.DraftReviewComment{
			Path: gh.Ptr(c.Path),
			Body: gh.Ptr(c.Body),
		}
		if c.Position > 0 {
			draft.Position = gh.Ptr(c.Position)
		} else {
			draft.Line = gh.Ptr(c.Line)
			if c.Side != "" {
				draft.Side = gh.Ptr(c.Side)
			}
		}
		req.Comments = append(req.Comments, draft)
	}

	review, _, err := b.client.PullRequests.CreateReview(ctx, key.Owner, key.Repo, key.Number, req)
	if err != nil {
		return 0, fmt.Errorf("create review: %w", mapError(err))
	}
	return review.GetID(), nil
}

// ListReviewThreads returns the PR's review conversations via GraphQL.
// The REST API has no thread-level view.
func (b *Backend) ListReviewThreads(ctx context.Context, key store.PRKey) ([]provider.ReviewThread, error) {
	gql := b.getGraphQLClient(ctx)

	var query struct {
		Repository struct {
			PullRequest struct {
				ReviewThreads struct {
					Nodes []struct {
						ID         githubv4.ID
						Path       githubv4.String
						Line       *githubv4.Int
						IsResolved githubv4.Boolean
						Comments   struct {
							Nodes []struct {
								Body githubv4.String
							}
						} `graphql:"comments(first: 1)"`
					}
					PageInfo struct {
						HasNextPage githubv4.Boolean
						EndCursor   githubv4.String
					}
				} `graphql:"reviewThreads(first: 100, after: $cursor)"`
			} `graphql:"pullRequest(number: $number)"`
		} `graphql:"repository(owner: $owner, name: $name)"`
	}

	variables := map[string]interface{}{
		"owner":  githubv4.String(key.Owner),
		"name":   githubv4.String(key.Repo),
		"number": githubv4.Int(key.Number),
		"cursor": (*githubv4.String)(nil),
	}

	var threads []provider.ReviewThread
	for {
		if err := gql.Query(ctx, &query, variables); err != nil {
			return nil, fmt.Errorf("list review threads: %w", err)
		}
		for _, node := range query.Repository.PullRequest.ReviewThreads.Nodes {
			thread := provider.ReviewThread{
				ID:         fmt.Sprintf("%v", node.ID),
				Path:       string(node.Path),
				IsResolved: bool(node.IsResolved),
			}
			if node.Line != nil {
				thread.Line = int(*node.Line)
			}
			if len(node.Comments.Nodes) > 0 {
				thread.FirstBody = string(node.Comments.Nodes[0].Body)
			}
			threads = append(threads, thread)
		}
		if !query.Repository.PullRequest.ReviewThreads.PageInfo.HasNextPage {
			break
		}
		variables["cursor"] = githubv4.NewString(query.Repository.PullRequest.ReviewThreads.PageInfo.EndCursor)
	}
	return threads, nil
}

// getGraphQLClient returns (and lazily creates) the GitHub GraphQL client.
// Thread-safe via sync.Once.
func (b *Backend) getGraphQLClient(ctx context.Context) *githubv4.Client {
	b.gqlOnce.Do(func() {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: b.token})
		httpClient := oauth2.NewClient(ctx, ts)
		b.gqlClient = githubv4.NewClient(httpClient)
	})
	return b.gqlClient
}

// mapError classifies go-github failures into the provider's error kinds.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return provider.ErrTimeout
	}

	var rateErr *gh.RateLimitError
	if errors.As(err, &rateErr) {
		return &provider.RemoteError{Transient: true, Err: err}
	}
	var abuseErr *gh.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		return &provider.RemoteError{Transient: true, Err: err}
	}

	var ghErr *gh.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		switch code := ghErr.Response.StatusCode; {
		case code == http.StatusUnauthorized || code == http.StatusForbidden:
			return fmt.Errorf("%w: %v", provider.ErrAuth, err)
		case code == http.StatusNotFound:
			return fmt.Errorf("%w: %v", provider.ErrNotFound, err)
		case code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500:
			return &provider.RemoteError{Transient: true, Err: err}
		default:
			return &provider.RemoteError{Transient: false, Err: err}
		}
	}

	// Network-level failures (connection reset, DNS) are worth retrying.
	return &provider.RemoteError{Transient: true, Err: err}
}

var _ provider.Client = (*Backend)(nil)

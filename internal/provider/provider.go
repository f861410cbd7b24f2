package provider

import (
	"context"

	"github.com/pair-review/pair-review/internal/store"
)

// PRData is everything fetched about a remote pull request in one call.
type PRData struct {
	Title        string
	Description  string
	Author       string
	BaseBranch   string
	HeadBranch   string
	BaseRevision string
	HeadRevision string
	CloneURL     string
	SSHURL       string
	UnifiedDiff  string
	ChangedFiles []store.FileChange
}

// ReviewComment is one positioned comment in an outgoing review.
type ReviewComment struct {
	Path string `json:"path"`
	// Position is the diff-relative position; zero means the Line/Side
	// anchoring form is used instead.
	Position int    `json:"position,omitempty"`
	Line     int    `json:"line,omitempty"`
	Side     string `json:"side,omitempty"` // LEFT or RIGHT
	Body     string `json:"body"`
}

// ReviewPayload is an outgoing review submission.
type ReviewPayload struct {
	Event    string          `json:"event"` // APPROVE, REQUEST_CHANGES, COMMENT, DRAFT
	Body     string          `json:"body"`
	Comments []ReviewComment `json:"comments"`
}

// ReviewThread is a remote review conversation, used to link submitted
// comments back to their host-side threads.
type ReviewThread struct {
	ID         string
	Path       string
	Line       int
	IsResolved bool
	FirstBody  string
}

// Client is the remote VCS host API surface the core depends on.
// Implementations live under provider/<host>; everything else treats this
// as an opaque collaborator.
type Client interface {
	// VerifyAccess probes that the repository exists and the token can
	// read it.
	VerifyAccess(ctx context.Context, owner, repo string) error

	// FetchPR retrieves metadata, the unified diff, and the changed-file
	// list for a pull request.
	FetchPR(ctx context.Context, key store.PRKey) (*PRData, error)

	// SubmitReview posts an outgoing review and returns the remote review
	// id. A later submission supersedes any earlier one; the previous
	// review stays on the host.
	SubmitReview(ctx context.Context, key store.PRKey, payload ReviewPayload) (int64, error)

	// ListReviewThreads returns the PR's review conversations.
	ListReviewThreads(ctx context.Context, key store.PRKey) ([]ReviewThread, error)
}

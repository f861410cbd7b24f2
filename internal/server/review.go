package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/pair-review/pair-review/internal/review"
	"github.com/pair-review/pair-review/internal/store"
)

// handleSubmitReview assembles the session's comments into a review and
// posts it to the host. A later submission supersedes the stored review
// id; the previous review stays on the host.
func (s *Server) handleSubmitReview(w http.ResponseWriter, r *http.Request) {
	id, ok := s.sessionID(w, r)
	if !ok {
		return
	}
	var req struct {
		Event string `json:"event"`
		Body  string `json:"body"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}

	ctx := r.Context()
	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		writeError(w, err)
		return
	}
	if sess.PR == nil {
		badRequest(w, "local sessions have no remote review target")
		return
	}
	snap, err := s.store.GetSnapshot(ctx, id)
	if err != nil {
		writeError(w, err)
		return
	}
	comments, err := s.store.ListComments(ctx, id)
	if err != nil {
		writeError(w, err)
		return
	}

	payloads, err := review.Assemble(review.Input{
		Event:           req.Event,
		Body:            req.Body,
		Diff:            snap.UnifiedDiff,
		Comments:        comments,
		MaxComments:     s.cfg.Review.MaxComments,
		SplitOnOverflow: s.cfg.Review.SplitOnOverflow,
	})
	if err != nil {
		// Unknown events and overflow with splitting disabled are both
		// caller mistakes.
		badRequest(w, err.Error())
		return
	}

	if err := s.store.SetSessionStatus(ctx, id, store.StatusSubmitting); err != nil {
		writeError(w, err)
		return
	}

	var reviewID int64
	for i, payload := range payloads {
		remoteID, err := s.provider.SubmitReview(ctx, *sess.PR, payload)
		if err != nil {
			s.store.SetSessionStatus(ctx, id, store.StatusDraft)
			writeError(w, err)
			return
		}
		if i == 0 {
			reviewID = remoteID
		}
	}

	if err := s.store.SetRemoteReviewID(ctx, id, reviewID); err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.SetSessionStatus(ctx, id, store.StatusSubmitted); err != nil {
		writeError(w, err)
		return
	}

	s.linkReviewThreads(r, *sess.PR, comments)

	writeJSON(w, map[string]any{"review_id": reviewID, "status": store.StatusSubmitted})
}

// linkReviewThreads records host-side thread ids on the comments that
// started them, matching by path and body prefix. Best effort: a failure
// here never fails the submission.
func (s *Server) linkReviewThreads(r *http.Request, key store.PRKey, comments []*store.Comment) {
	ctx := r.Context()
	threads, err := s.provider.ListReviewThreads(ctx, key)
	if err != nil {
		slog.Warn("listing review threads failed", "error", err)
		return
	}

	for _, cm := range comments {
		if cm.Deleted || cm.ThreadID != "" || cm.File == "" {
			continue
		}
		for _, th := range threads {
			if th.Path != cm.File || !strings.HasPrefix(th.FirstBody, firstLine(cm.Body)) {
				continue
			}
			if err := s.store.SetCommentThreadID(ctx, cm.ID, th.ID); err != nil {
				slog.Warn("recording thread id failed", "comment", cm.ID, "error", err)
			}
			break
		}
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

package review

import (
	"fmt"
	"strings"

	"github.com/pair-review/pair-review/internal/provider"
	"github.com/pair-review/pair-review/internal/store"
)

// Review events accepted by the assembler. DRAFT leaves the review
// pending on the host.
var validEvents = map[string]bool{
	"APPROVE":         true,
	"REQUEST_CHANGES": true,
	"COMMENT":         true,
	"DRAFT":           true,
}

// Input is everything needed to assemble an outgoing review. The
// assembler is pure: it touches no external systems.
type Input struct {
	Event    string
	Body     string
	Diff     string
	Comments []*store.Comment

	// MaxComments bounds comments per submission; SplitOnOverflow picks
	// between splitting into several payloads and refusing.
	MaxComments     int
	SplitOnOverflow bool
}

// ErrTooManyComments is returned on overflow when splitting is disabled.
type ErrTooManyComments struct {
	Count, Max int
}

func (e *ErrTooManyComments) Error() string {
	return fmt.Sprintf("%d comments exceed the per-review limit of %d", e.Count, e.Max)
}

// Assemble produces one or more review payloads. Line-anchored comments
// get a diff-relative position where the diff covers them, falling back
// to line+side anchoring; file-level comments are folded into the review
// body. On overflow the comments are split across payloads (the first
// carries the event and body, followups are plain COMMENT reviews) or
// the whole submission is refused.
func Assemble(in Input) ([]provider.ReviewPayload, error) {
	if !validEvents[in.Event] {
		return nil, fmt.Errorf("unknown review event %q", in.Event)
	}

	posIndex := positions(in.Diff)

	var positioned []provider.ReviewComment
	var fileLevel []string
	for _, cm := range in.Comments {
		if cm.Deleted {
			continue
		}
		if cm.File == "" || (cm.LineStart == nil && cm.LineEnd == nil) {
			fileLevel = append(fileLevel, formatFileLevel(cm))
			continue
		}
		positioned = append(positioned, buildComment(cm, posIndex))
	}

	body := in.Body
	if len(fileLevel) > 0 {
		if body != "" {
			body += "\n\n"
		}
		body += strings.Join(fileLevel, "\n\n")
	}

	if in.MaxComments > 0 && len(positioned) > in.MaxComments {
		if !in.SplitOnOverflow {
			return nil, &ErrTooManyComments{Count: len(positioned), Max: in.MaxComments}
		}
		return split(in.Event, body, positioned, in.MaxComments), nil
	}

	return []provider.ReviewPayload{{Event: in.Event, Body: body, Comments: positioned}}, nil
}

func buildComment(cm *store.Comment, posIndex map[anchor]int) provider.ReviewComment {
	// Reviews anchor on the last line of a range.
	var line int
	if cm.LineEnd != nil {
		line = *cm.LineEnd
	} else {
		line = *cm.LineStart
	}
	side := cm.Side
	if side == "" {
		side = store.SideNew
	}

	out := provider.ReviewComment{Path: cm.File, Body: cm.Body}
	if pos, ok := posIndex[anchor{cm.File, side, line}]; ok {
		out.Position = pos
		return out
	}

	// Outside the diff: anchor by line and side instead.
	out.Line = line
	if side == store.SideOld {
		out.Side = "LEFT"
	} else {
		out.Side = "RIGHT"
	}
	return out
}

func formatFileLevel(cm *store.Comment) string {
	if cm.File == "" {
		return cm.Body
	}
	return fmt.Sprintf("**%s**: %s", cm.File, cm.Body)
}

func split(event, body string, comments []provider.ReviewComment, max int) []provider.ReviewPayload {
	var payloads []provider.ReviewPayload
	for start := 0; start < len(comments); start += max {
		end := start + max
		if end > len(comments) {
			end = len(comments)
		}
		p := provider.ReviewPayload{Comments: comments[start:end]}
		if start == 0 {
			p.Event = event
			p.Body = body
		} else {
			p.Event = "COMMENT"
			p.Body = fmt.Sprintf("Continued review (%d/%d).", start/max+1, (len(comments)+max-1)/max)
		}
		payloads = append(payloads, p)
	}
	return payloads
}

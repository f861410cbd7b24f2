package store

import "time"

// SessionStatus is the lifecycle state of a review session.
type SessionStatus string

const (
	StatusDraft      SessionStatus = "draft"
	StatusSubmitting SessionStatus = "submitting"
	StatusSubmitted  SessionStatus = "submitted"
)

// Side identifies which side of the diff a coordinate refers to.
type Side string

const (
	SideOld Side = "OLD"
	SideNew Side = "NEW"
)

// SuggestionType classifies an AI finding.
type SuggestionType string

const (
	TypeBug         SuggestionType = "bug"
	TypeImprovement SuggestionType = "improvement"
	TypePraise      SuggestionType = "praise"
	TypeSuggestion  SuggestionType = "suggestion"
	TypeDesign      SuggestionType = "design"
	TypePerformance SuggestionType = "performance"
	TypeSecurity    SuggestionType = "security"
	TypeCodeStyle   SuggestionType = "code-style"
)

// ValidSuggestionType reports whether t is one of the known suggestion
// types.
func ValidSuggestionType(t SuggestionType) bool {
	switch t {
	case TypeBug, TypeImprovement, TypePraise, TypeSuggestion,
		TypeDesign, TypePerformance, TypeSecurity, TypeCodeStyle:
		return true
	}
	return false
}

// SuggestionStatus is the human disposition of a suggestion.
type SuggestionStatus string

const (
	SuggestionActive    SuggestionStatus = "active"
	SuggestionAdopted   SuggestionStatus = "adopted"
	SuggestionDismissed SuggestionStatus = "dismissed"
)

// RunState is the lifecycle state of an analysis run.
type RunState string

const (
	RunRunning   RunState = "running"
	RunDone      RunState = "done"
	RunFailed    RunState = "failed"
	RunCancelled RunState = "cancelled"
)

// PRKey identifies a remote pull request.
type PRKey struct {
	Owner  string `json:"owner"`
	Repo   string `json:"repo"`
	Number int    `json:"number"`
}

// LocalKey identifies a local working-tree review.
type LocalKey struct {
	Root string `json:"root"` // absolute repository root
	Head string `json:"head"` // head revision at setup time
}

// Session is a review instance. Exactly one of PR or Local is set.
type Session struct {
	ID                 int64         `json:"id"`
	PR                 *PRKey        `json:"pr,omitempty"`
	Local              *LocalKey     `json:"local,omitempty"`
	Status             SessionStatus `json:"status"`
	Summary            string        `json:"summary,omitempty"`
	CustomInstructions string        `json:"custom_instructions,omitempty"`
	RemoteReviewID     int64         `json:"remote_review_id,omitempty"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
}

// FileChange describes one file touched by a change.
type FileChange struct {
	Path      string `json:"path"`
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
	Binary    bool   `json:"binary,omitempty"`
}

// PRSnapshot is the fetched state of a remote pull request.
type PRSnapshot struct {
	SessionID    int64        `json:"session_id"`
	Title        string       `json:"title"`
	Description  string       `json:"description"`
	Author       string       `json:"author"`
	BaseBranch   string       `json:"base_branch"`
	HeadBranch   string       `json:"head_branch"`
	BaseRevision string       `json:"base_revision"`
	HeadRevision string       `json:"head_revision"`
	UnifiedDiff  string       `json:"unified_diff"`
	ChangedFiles []FileChange `json:"changed_files"`
	FetchedAt    time.Time    `json:"fetched_at"`
}

// Worktree is an isolated on-disk checkout bound to one session.
type Worktree struct {
	ID           int64     `json:"id"`
	SessionID    int64     `json:"session_id"`
	Path         string    `json:"path"`
	SourceBranch string    `json:"source_branch"`
	CreatedAt    time.Time `json:"created_at"`
}

// Suggestion is one AI finding. Line coordinates are nil for file-level
// suggestions; otherwise 1 <= LineStart <= LineEnd <= line count of File at
// insertion time.
type Suggestion struct {
	ID             string           `json:"id"`
	SessionID      int64            `json:"session_id"`
	RunID          string           `json:"run_id,omitempty"`
	File           string           `json:"file"`
	LineStart      *int             `json:"line_start,omitempty"`
	LineEnd        *int             `json:"line_end,omitempty"`
	Side           Side             `json:"side"`
	Type           SuggestionType   `json:"type"`
	Title          string           `json:"title"`
	Description    string           `json:"description"`
	SuggestionText string           `json:"suggestion_text,omitempty"`
	Confidence     float64          `json:"confidence"`
	Reasoning      []string         `json:"reasoning,omitempty"`
	Status         SuggestionStatus `json:"status"`
	IsFileLevel    bool             `json:"is_file_level"`
	Voice          string           `json:"voice,omitempty"`
	// MergedFrom counts the voices that raised the finding. Carried
	// through consolidation only; not persisted.
	MergedFrom int       `json:"merged_from,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Comment is a human comment or an adopted suggestion. Soft-deletable.
type Comment struct {
	ID                 string    `json:"id"`
	SessionID          int64     `json:"session_id"`
	File               string    `json:"file,omitempty"`
	LineStart          *int      `json:"line_start,omitempty"`
	LineEnd            *int      `json:"line_end,omitempty"`
	Side               Side      `json:"side"`
	Body               string    `json:"body"`
	Author             string    `json:"author"`
	ParentSuggestionID string    `json:"parent_suggestion_id,omitempty"`
	ThreadID           string    `json:"thread_id,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
	Deleted            bool      `json:"deleted,omitempty"`
}

// Council is a saved committee configuration, referenced by id when
// starting an analysis. ConfigType records which shape the config was
// authored in.
type Council struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	ConfigType string    `json:"config_type"`
	Config     string    `json:"config"` // council config JSON
	CreatedAt  time.Time `json:"created_at"`
}

// AnalysisRun is one execution of the analysis pipeline against a session.
type AnalysisRun struct {
	ID            string     `json:"id"`
	SessionID     int64      `json:"session_id"`
	CouncilConfig string     `json:"council_config"`
	StartedAt     time.Time  `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	State         RunState   `json:"state"`
	FailureReason string     `json:"failure_reason,omitempty"`
}

package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/pair-review/pair-review/internal/analysis"
	"github.com/pair-review/pair-review/internal/store"
)

func (s *Server) handleSetupPR(w http.ResponseWriter, r *http.Request) {
	number, err := strconv.Atoi(r.PathValue("n"))
	if err != nil || number <= 0 {
		badRequest(w, "invalid pull request number")
		return
	}
	key := store.PRKey{Owner: r.PathValue("owner"), Repo: r.PathValue("repo"), Number: number}
	if key.Owner == "" || key.Repo == "" {
		badRequest(w, "owner and repo are required")
		return
	}

	res, err := s.setups.StartPR(r.Context(), key)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, res)
}

func (s *Server) handleSetupLocal(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
		badRequest(w, "body must carry a path")
		return
	}

	res, err := s.setups.StartLocal(r.Context(), req.Path)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	writeJSON(w, res)
}

func (s *Server) sessionID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		badRequest(w, "invalid session id")
		return 0, false
	}
	return id, true
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id, ok := s.sessionID(w, r)
	if !ok {
		return
	}
	sess, err := s.store.GetSession(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	out := struct {
		*store.Session
		Snapshot *store.PRSnapshot `json:"snapshot,omitempty"`
	}{Session: sess}
	if snap, err := s.store.GetSnapshot(r.Context(), id); err == nil {
		out.Snapshot = snap
	}
	writeJSON(w, out)
}

func (s *Server) handleGetDiff(w http.ResponseWriter, r *http.Request) {
	id, ok := s.sessionID(w, r)
	if !ok {
		return
	}
	snap, err := s.store.GetSnapshot(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{
		"diff":          snap.UnifiedDiff,
		"changed_files": snap.ChangedFiles,
	})
}

func (s *Server) handleListSuggestions(w http.ResponseWriter, r *http.Request) {
	id, ok := s.sessionID(w, r)
	if !ok {
		return
	}
	status := store.SuggestionStatus(r.URL.Query().Get("status"))
	switch status {
	case "", store.SuggestionActive, store.SuggestionAdopted, store.SuggestionDismissed:
	default:
		badRequest(w, "unknown suggestion status")
		return
	}

	suggestions, err := s.store.ListSuggestions(r.Context(), id, status)
	if err != nil {
		writeError(w, err)
		return
	}
	if suggestions == nil {
		suggestions = []*store.Suggestion{}
	}
	writeJSON(w, suggestions)
}

func (s *Server) handleStartCouncil(w http.ResponseWriter, r *http.Request) {
	id, ok := s.sessionID(w, r)
	if !ok {
		return
	}
	var req struct {
		CouncilConfig json.RawMessage `json:"council_config"`
		CouncilID     string          `json:"council_id"`
		ConfigType    string          `json:"config_type"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if !analysis.ValidConfigType(req.ConfigType) {
		badRequest(w, "config_type must be council or advanced")
		return
	}

	// Either an inline config or a reference to a saved council. An
	// explicit config_type wins; a saved council otherwise supplies its
	// recorded type.
	raw := req.CouncilConfig
	configType := req.ConfigType
	switch {
	case len(raw) > 0 && req.CouncilID != "":
		badRequest(w, "council_config and council_id are mutually exclusive")
		return
	case req.CouncilID != "":
		council, err := s.store.GetCouncil(r.Context(), req.CouncilID)
		if err != nil {
			writeError(w, err)
			return
		}
		raw = json.RawMessage(council.Config)
		if configType == "" {
			configType = council.ConfigType
		}
	case len(raw) == 0:
		badRequest(w, "council_config or council_id is required")
		return
	}

	// Level specs accept both the voice-centric and the advanced
	// level-centric shape; normalization happens before validation.
	var cfg analysis.CouncilConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		badRequest(w, "invalid council config: "+err.Error())
		return
	}
	if err := cfg.ValidateAs(configType); err != nil {
		badRequest(w, "invalid council config: "+err.Error())
		return
	}

	run, err := s.scheduler.Start(r.Context(), id, cfg)
	if err != nil {
		if store.IsNotFound(err) {
			writeError(w, err)
			return
		}
		badRequest(w, err.Error())
		return
	}
	writeJSON(w, map[string]string{"run_id": run.ID})
}

func (s *Server) handleSaveCouncil(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name          string          `json:"name"`
		ConfigType    string          `json:"config_type"`
		CouncilConfig json.RawMessage `json:"council_config"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if req.Name == "" || len(req.CouncilConfig) == 0 {
		badRequest(w, "name and council_config are required")
		return
	}
	if !analysis.ValidConfigType(req.ConfigType) {
		badRequest(w, "config_type must be council or advanced")
		return
	}

	var cfg analysis.CouncilConfig
	if err := json.Unmarshal(req.CouncilConfig, &cfg); err != nil {
		badRequest(w, "invalid council config: "+err.Error())
		return
	}
	if err := cfg.ValidateAs(req.ConfigType); err != nil {
		badRequest(w, "invalid council config: "+err.Error())
		return
	}

	council := &store.Council{
		Name:       req.Name,
		ConfigType: req.ConfigType,
		Config:     string(req.CouncilConfig),
	}
	if err := s.store.SaveCouncil(r.Context(), council); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]string{"council_id": council.ID})
}

func (s *Server) handleListCouncils(w http.ResponseWriter, r *http.Request) {
	councils, err := s.store.ListCouncils(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if councils == nil {
		councils = []*store.Council{}
	}
	writeJSON(w, councils)
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	if !s.scheduler.Cancel(runID) {
		httpError(w, http.StatusNotFound, "no running analysis with that id")
		return
	}
	writeJSON(w, map[string]string{"status": "cancelling"})
}

func (s *Server) handleListComments(w http.ResponseWriter, r *http.Request) {
	id, ok := s.sessionID(w, r)
	if !ok {
		return
	}
	comments, err := s.store.ListComments(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if comments == nil {
		comments = []*store.Comment{}
	}
	writeJSON(w, comments)
}

func (s *Server) handleCreateComment(w http.ResponseWriter, r *http.Request) {
	id, ok := s.sessionID(w, r)
	if !ok {
		return
	}
	var cm store.Comment
	if err := json.NewDecoder(r.Body).Decode(&cm); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if cm.Body == "" {
		badRequest(w, "comment body is required")
		return
	}
	cm.SessionID = id
	if _, err := s.store.GetSession(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.CreateComment(r.Context(), &cm); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, &cm)
}

func (s *Server) handleUpdateComment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Body string `json:"body"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Body == "" {
		badRequest(w, "body is required")
		return
	}
	commentID := r.PathValue("comment_id")
	if err := s.store.UpdateComment(r.Context(), commentID, req.Body); err != nil {
		writeError(w, err)
		return
	}
	cm, err := s.store.GetComment(r.Context(), commentID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, cm)
}

func (s *Server) handleDeleteComment(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteComment(r.Context(), r.PathValue("comment_id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "deleted"})
}

func (s *Server) handleAdoptSuggestion(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Body   string `json:"body"`
		Author string `json:"author"`
	}
	// The body is optional; adoption without one prefills from the
	// suggestion itself.
	json.NewDecoder(r.Body).Decode(&req)
	if req.Author == "" {
		req.Author = "reviewer"
	}

	cm, err := s.store.AdoptSuggestion(r.Context(), r.PathValue("id"), req.Body, req.Author)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, cm)
}

func (s *Server) handleDismissSuggestion(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.SetSuggestionStatus(r.Context(), id, store.SuggestionDismissed); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "dismissed"})
}

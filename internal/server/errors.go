package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/pair-review/pair-review/internal/provider"
	"github.com/pair-review/pair-review/internal/store"
)

// writeError maps the error taxonomy onto HTTP status codes. Anything
// unrecognized is an internal error: logged in full, reported generically.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case store.IsNotFound(err) || errors.Is(err, provider.ErrNotFound):
		httpError(w, http.StatusNotFound, err.Error())
	case store.IsConflict(err):
		httpError(w, http.StatusConflict, err.Error())
	case errors.Is(err, provider.ErrAuth):
		httpError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, provider.ErrTimeout):
		httpError(w, http.StatusGatewayTimeout, err.Error())
	default:
		var re *provider.RemoteError
		if errors.As(err, &re) {
			httpError(w, http.StatusBadGateway, err.Error())
			return
		}
		slog.Error("internal error", "error", err)
		httpError(w, http.StatusInternalServerError, "internal error")
	}
}

func httpError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func badRequest(w http.ResponseWriter, message string) {
	httpError(w, http.StatusBadRequest, message)
}

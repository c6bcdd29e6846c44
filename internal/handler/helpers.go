package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/teammsg/internal/logger"
	"github.com/teammsg/internal/repository"
	"github.com/teammsg/internal/unread"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Errorf("writeJSON encode: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeUnreadError maps the unread package's error taxonomy onto HTTP
// statuses. Store outages are 503 so clients can retry, bad ids are the
// caller's fault.
func writeUnreadError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, unread.ErrInvalidArgument):
		writeError(w, http.StatusBadRequest, "invalid id")
	case errors.Is(err, unread.ErrNotFound), errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, unread.ErrStoreUnavailable):
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
	default:
		logger.Errorf("unread: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func queryInt(r *http.Request, key string, defaultVal int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}

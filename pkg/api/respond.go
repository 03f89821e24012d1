// Package api implements both HTTP frontends: the Local Proxy API the CLI
// talks to, and the Remote Server API the bridge forwards to.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/ailabber/ailabber/pkg/errdefs"
	"github.com/ailabber/ailabber/pkg/metrics"
	"github.com/ailabber/ailabber/pkg/types"
)

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// writeError maps an error kind to its HTTP status and a structured body.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	kind := "internal"
	switch {
	case errdefs.IsInvalidParameter(err):
		status = http.StatusBadRequest
		kind = "validation"
	case errdefs.IsTerminalState(err):
		status = http.StatusBadRequest
		kind = "terminal_state"
	case errdefs.IsUnauthorized(err):
		status = http.StatusForbidden
		kind = "unauthorized"
	case errdefs.IsNotFound(err):
		status = http.StatusNotFound
		kind = "not_found"
	case errdefs.IsSubmission(err):
		kind = "submission"
	case errdefs.IsRemoteUnavailable(err):
		kind = "remote_unavailable"
	case errdefs.IsTimeout(err):
		kind = "timeout"
	}
	writeJSON(w, status, types.ErrorResponse{Error: kind, Message: err.Error()})
}

func decodeJSON(r *http.Request, out interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		return errdefs.Wrap(errdefs.ErrInvalidParameter, "malformed JSON body: %v", err)
	}
	return nil
}

// checkOwner enforces the ownership tag when the caller supplies one.
func checkOwner(task *types.Task, username string) error {
	if username != "" && username != task.Username {
		return errdefs.Wrap(errdefs.ErrUnauthorized, "task %s is not owned by %s", task.TaskID, username)
	}
	return nil
}

// countRequests is a middleware recording per-method status counts.
func countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		metrics.APIRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(sw.status)).Inc()
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

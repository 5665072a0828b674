package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/pasturetech/herdsync/internal/localstore"
	"github.com/pasturetech/herdsync/internal/syncengine"
)

// Problem represents an RFC 7807 Problem Details response.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail"`
	Instance string `json:"instance,omitempty"`
}

// problemTypes maps HTTP status codes to RFC 7807 type URIs and titles.
var problemTypes = map[int]struct {
	typeURI string
	title   string
}{
	http.StatusUnauthorized: {
		typeURI: "https://herdsync.dev/errors/unauthorized",
		title:   "Unauthorized",
	},
	http.StatusBadRequest: {
		typeURI: "https://herdsync.dev/errors/bad-request",
		title:   "Bad Request",
	},
	http.StatusNotFound: {
		typeURI: "https://herdsync.dev/errors/not-found",
		title:   "Not Found",
	},
	http.StatusConflict: {
		typeURI: "https://herdsync.dev/errors/conflict",
		title:   "Conflict",
	},
	http.StatusInternalServerError: {
		typeURI: "https://herdsync.dev/errors/internal-error",
		title:   "Internal Server Error",
	},
	http.StatusServiceUnavailable: {
		typeURI: "https://herdsync.dev/errors/service-unavailable",
		title:   "Service Unavailable",
	},
}

// WriteProblem writes an RFC 7807 Problem Details response.
func WriteProblem(w http.ResponseWriter, r *http.Request, status int, detail string) {
	pt, ok := problemTypes[status]
	if !ok {
		pt = struct {
			typeURI string
			title   string
		}{
			typeURI: "https://herdsync.dev/errors/unknown",
			title:   http.StatusText(status),
		}
	}

	p := Problem{
		Type:     pt.typeURI,
		Title:    pt.title,
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(p); err != nil {
		slog.Error("failed to encode problem response", "error", err)
	}
}

// MapSyncError converts domain errors to Problem Details responses.
func MapSyncError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, localstore.ErrNotFound):
		WriteProblem(w, r, http.StatusNotFound, "Resource not found")
	case errors.Is(err, syncengine.ErrSyncInProgress):
		WriteProblem(w, r, http.StatusConflict, "Sync already in progress")
	default:
		// Never expose internal error details to client
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
	}
}

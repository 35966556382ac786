// Capsule - Star Citizen gameplay recording companion
// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package api

import (
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/capsulerec/capsule/internal/logging"
	"github.com/capsulerec/capsule/internal/middleware"
)

// APIResponse is the response wrapper for every endpoint.
type APIResponse struct {
	Success bool      `json:"success"`
	Data    any       `json:"data,omitempty"`
	Error   *APIError `json:"error,omitempty"`
	Meta    *APIMeta  `json:"meta,omitempty"`
}

// APIError carries a machine-readable code plus a human-readable message.
type APIError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// APIMeta carries response metadata.
type APIMeta struct {
	RequestID string    `json:"request_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Error codes used by the GUI surface.
const (
	ErrCodeBadRequest        = "BAD_REQUEST"
	ErrCodeNotRecording      = "NOT_RECORDING"
	ErrCodeNoSession         = "NO_SESSION"
	ErrCodeSaveInProgress    = "SAVE_IN_PROGRESS"
	ErrCodeEngineUnavailable = "ENGINE_UNAVAILABLE"
	ErrCodeUnsupported       = "UNSUPPORTED"
	ErrCodeInternal          = "INTERNAL_ERROR"
)

func writeJSON(w http.ResponseWriter, r *http.Request, status int, resp APIResponse) {
	if resp.Meta == nil {
		resp.Meta = &APIMeta{Timestamp: time.Now().UTC()}
	}
	resp.Meta.RequestID = middleware.GetRequestID(r.Context())

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logging.Error().Err(err).Str("path", r.URL.Path).Msg("encode response")
	}
}

func writeSuccess(w http.ResponseWriter, r *http.Request, status int, data any) {
	writeJSON(w, r, status, APIResponse{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, r, status, APIResponse{
		Success: false,
		Error: &APIError{
			Code:      code,
			Message:   message,
			RequestID: middleware.GetRequestID(r.Context()),
		},
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v); err != nil {
		writeError(w, r, http.StatusBadRequest, ErrCodeBadRequest, "malformed request body: "+err.Error())
		return false
	}
	return true
}

// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package quotaapi exposes the send-quota enforcer over HTTP so the
// application tier can ask before sending and report after.
package quotaapi

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/bcem/inbound/internal/activity"
	"github.com/bcem/inbound/internal/models"
	"github.com/bcem/inbound/internal/ratelimit"
)

const maxRequestBytes = 1 << 20

// CheckRequest asks whether a send may proceed.
type CheckRequest struct {
	UserID     string           `json:"userId"`
	Action     ratelimit.Action `json:"action"`
	Recipients int              `json:"recipients"`
}

// RecordRequest reports the outcome of a send.
type RecordRequest struct {
	UserID          string           `json:"userId"`
	OrganizationID  string           `json:"organizationId"`
	Action          ratelimit.Action `json:"action"`
	Count           int              `json:"count"`
	Status          string           `json:"status"`
	RecipientCount  int              `json:"recipientCount"`
	RecipientEmails []string         `json:"recipientEmails,omitempty"`
	CampaignID      string           `json:"campaignId,omitempty"`
	CampaignTitle   string           `json:"campaignTitle,omitempty"`
	ErrorMessage    string           `json:"errorMessage,omitempty"`

	// Type overrides the activity type derived from Action. Only a
	// campaign send may be logged as "scheduled".
	Type string `json:"type,omitempty"`
}

// Handler serves the quota endpoints.
type Handler struct {
	enforcer *ratelimit.Enforcer
	log      *activity.Logger
	token    []byte
}

// NewHandler creates the quota API. An empty token disables authentication.
func NewHandler(e *ratelimit.Enforcer, log *activity.Logger, token string) *Handler {
	h := &Handler{enforcer: e, log: log}
	if token != "" {
		h.token = []byte(token)
	}
	return h
}

// Register mounts the quota routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("POST /v1/quota/check", h.authorize(http.HandlerFunc(h.check)))
	mux.Handle("POST /v1/quota/record", h.authorize(http.HandlerFunc(h.record)))
}

func (h *Handler) authorize(next http.Handler) http.Handler {
	if h.token == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), h.token) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) check(w http.ResponseWriter, r *http.Request) {
	var req CheckRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := validate(req.UserID, req.Action); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	d := h.enforcer.CheckSend(r.Context(), req.UserID, req.Action, req.Recipients)
	writeJSON(w, http.StatusOK, d)
}

func (h *Handler) record(w http.ResponseWriter, r *http.Request) {
	var req RecordRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := validate(req.UserID, req.Action); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	activityType, err := req.Action.ActivityTypeFor(req.Type)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	status := req.Status
	switch status {
	case "":
		status = models.StatusSuccess
	case models.StatusSuccess, models.StatusFailed, models.StatusRateLimited:
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", req.Status))
		return
	}

	if status == models.StatusSuccess {
		count := req.Count
		if count <= 0 {
			count = 1
		}
		if err := h.enforcer.RecordAction(r.Context(), req.UserID, req.OrganizationID, req.Action, count); err != nil {
			slog.Error("failed to record send action",
				"user_id", req.UserID,
				"action", req.Action,
				"error", err,
			)
			writeError(w, http.StatusInternalServerError, "failed to record action")
			return
		}
	}

	if h.log != nil {
		h.log.LogAsync(models.ActivityLogEntry{
			UserID:          req.UserID,
			OrganizationID:  req.OrganizationID,
			Type:            activityType,
			CampaignID:      req.CampaignID,
			CampaignTitle:   req.CampaignTitle,
			RecipientCount:  req.RecipientCount,
			RecipientEmails: req.RecipientEmails,
			Status:          status,
			ErrorMessage:    req.ErrorMessage,
			IP:              remoteIP(r),
			UserAgent:       r.UserAgent(),
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{"recorded": status == models.StatusSuccess, "status": status})
}

func validate(userID string, action ratelimit.Action) error {
	if strings.TrimSpace(userID) == "" {
		return errors.New("userId is required")
	}
	if !action.Valid() {
		return fmt.Errorf("unknown action %q", action)
	}
	return nil
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

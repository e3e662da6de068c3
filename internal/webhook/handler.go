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

// Package webhook serves the inbound-parse endpoint. The relay POSTs each
// received e-mail as a multipart form; the handler verifies and throttles
// the request, then hands the parsed payload to the ingestion pipeline and
// reports the outcome synchronously.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/bcem/inbound/internal/metrics"
	"github.com/bcem/inbound/internal/normalize"
	"github.com/bcem/inbound/internal/pipeline"
)

// Path is where the relay posts inbound mail.
const Path = "/webhooks/sendgrid/inbound"

const (
	SignatureHeader = "X-Twilio-Email-Event-Webhook-Signature"
	TimestampHeader = "X-Twilio-Email-Event-Webhook-Timestamp"
)

const (
	DefaultMaxBodyBytes = 30 << 20
	DefaultMaxMemory    = 32 << 20
	DefaultMaxSkew      = 5 * time.Minute
)

// Processor runs one parsed delivery through ingestion.
type Processor interface {
	Process(ctx context.Context, p *normalize.Payload) (*pipeline.Result, error)
}

// Config holds the configuration for the webhook handler.
type Config struct {
	// Secret enables HMAC verification when non-empty.
	Secret       string
	MaxBodyBytes int64
	MaxMemory    int64
	// MaxSkew bounds how old a signed timestamp may be. Zero uses the default.
	MaxSkew time.Duration
	// RatePerSecond and Burst configure the per-IP throttle; zero disables it.
	RatePerSecond float64
	Burst         int
	TrustProxy    bool
	Now           func() time.Time
}

// Handler serves the inbound-parse webhook.
type Handler struct {
	processor  Processor
	secret     []byte
	maxBody    int64
	maxMemory  int64
	maxSkew    time.Duration
	limiter    *ipLimiter
	trustProxy bool
	now        func() time.Time
}

// NewHandler creates an inbound webhook handler.
func NewHandler(p Processor, cfg Config) *Handler {
	h := &Handler{
		processor:  p,
		maxBody:    cfg.MaxBodyBytes,
		maxMemory:  cfg.MaxMemory,
		maxSkew:    cfg.MaxSkew,
		trustProxy: cfg.TrustProxy,
		now:        cfg.Now,
	}
	if cfg.Secret != "" {
		h.secret = []byte(cfg.Secret)
	}
	if h.maxBody <= 0 {
		h.maxBody = DefaultMaxBodyBytes
	}
	if h.maxMemory <= 0 {
		h.maxMemory = DefaultMaxMemory
	}
	if h.maxSkew <= 0 {
		h.maxSkew = DefaultMaxSkew
	}
	if h.now == nil {
		h.now = time.Now
	}
	if cfg.RatePerSecond > 0 {
		h.limiter = newIPLimiter(cfg.RatePerSecond, cfg.Burst)
		h.limiter.now = h.now
	}
	return h
}

// Register mounts the handler on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle(Path, h)
}

// Response is the JSON body returned to the relay.
type Response struct {
	Success   bool   `json:"success"`
	MessageID string `json:"messageId,omitempty"`
	ThreadID  string `json:"threadId,omitempty"`
	Status    string `json:"status,omitempty"`
	Detail    string `json:"detail,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{
			"status":   "ok",
			"endpoint": Path,
			"signed":   h.secret != nil,
		})
	case http.MethodPost:
		h.serveInbound(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		writeJSON(w, http.StatusMethodNotAllowed, Response{Error: "method not allowed"})
	}
}

func (h *Handler) serveInbound(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r, h.trustProxy)

	if h.limiter != nil && !h.limiter.Allow(ip) {
		h.reject(w, http.StatusTooManyRequests, "rate_limited", "too many requests", "ip", ip)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.reject(w, http.StatusRequestEntityTooLarge, "too_large", "payload too large", "ip", ip)
			return
		}
		h.reject(w, http.StatusBadRequest, "unreadable", "could not read body", "ip", ip, "error", err)
		return
	}

	if h.secret != nil {
		if err := h.verify(r.Header, body); err != nil {
			h.reject(w, http.StatusUnauthorized, "signature", "invalid signature", "ip", ip, "error", err)
			return
		}
	}

	r.Body = io.NopCloser(bytes.NewReader(body))
	payload, err := normalize.ParseForm(r, h.maxMemory)
	if err != nil {
		h.reject(w, http.StatusBadRequest, "malformed", err.Error(), "ip", ip)
		return
	}
	if r.MultipartForm != nil {
		defer r.MultipartForm.RemoveAll()
	}

	res, err := h.processor.Process(r.Context(), payload)
	if err != nil {
		if errors.Is(err, normalize.ErrMalformedPayload) {
			writeJSON(w, http.StatusBadRequest, Response{Error: err.Error()})
			return
		}
		slog.Error("inbound processing failed", "ip", ip, "error", err)
		writeJSON(w, http.StatusInternalServerError, Response{Error: "processing failed"})
		return
	}

	writeJSON(w, http.StatusOK, Response{
		Success:   true,
		MessageID: res.EmailMessageID,
		ThreadID:  res.ThreadID,
		Status:    string(res.Outcome),
		Detail:    res.Detail,
	})
}

// verify checks the base64 HMAC-SHA256 of timestamp+body.
func (h *Handler) verify(hdr http.Header, body []byte) error {
	sig := hdr.Get(SignatureHeader)
	ts := hdr.Get(TimestampHeader)
	if sig == "" || ts == "" {
		return errors.New("missing signature headers")
	}

	secs, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("parse timestamp: %w", err)
	}
	if age := h.now().Sub(time.Unix(secs, 0)); age > h.maxSkew || age < -h.maxSkew {
		return fmt.Errorf("timestamp outside tolerance: %s", age)
	}

	got, err := base64.StdEncoding.DecodeString(sig)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	if !hmac.Equal(got, Sign(h.secret, ts, body)) {
		return errors.New("signature mismatch")
	}
	return nil
}

// Sign returns the raw HMAC-SHA256 of timestamp+body under secret.
func Sign(secret []byte, timestamp string, body []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp))
	mac.Write(body)
	return mac.Sum(nil)
}

func (h *Handler) reject(w http.ResponseWriter, status int, reason, msg string, attrs ...any) {
	metrics.WebhookRejections.WithLabelValues(reason).Inc()
	slog.Warn("inbound webhook rejected", append([]any{"reason", reason, "status", status}, attrs...)...)
	writeJSON(w, status, Response{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// Serve starts the HTTP server on the given port.
// It binds the port immediately and signals readiness via the first returned
// channel before starting to accept connections. When ctx is cancelled the
// server drains in-flight requests for up to shutdownTimeout and then closes
// the second channel.
func Serve(ctx context.Context, port int, handler http.Handler, shutdownTimeout time.Duration) (<-chan struct{}, <-chan struct{}, error) {
	server := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, nil, fmt.Errorf("bind http port %d: %w", port, err)
	}

	ready := make(chan struct{})
	done := make(chan struct{})

	go func() {
		<-ctx.Done()
		slog.Info("http server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", "error", err)
			server.Close()
		}
		close(done)
	}()

	go func() {
		slog.Info("http server listening", "port", port)
		close(ready)
		if err := server.Serve(ln); err != http.ErrServerClosed {
			slog.Error("http server error", "error", err)
		}
	}()

	return ready, done, nil
}

// Package stream implements Server-Sent Events (SSE) notifications for
// completed correction runs. Clients connect via GET /api/v1/stream/runs and
// receive one message each time a new run is published.
//
// SSE message format:
//
//	data: {"type":"run_completed","run_id":"...","source":"site.csv","satellites":32,...}\n\n
//
// First message is always metadata:
//
//	data: {"type":"metadata","run_id":"...","run_age_seconds":42}\n\n
//
// Keep-alive comments (:\n\n) are sent every KeepaliveInterval to prevent timeout.
// Reconnecting clients receive a fresh metadata message on each connection.
package stream

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"time"

	"github.com/star/rtecfix/internal/correction"
	"github.com/star/rtecfix/internal/gnss"
	"github.com/star/rtecfix/internal/httputil"
	"github.com/star/rtecfix/internal/metrics"
	"github.com/star/rtecfix/internal/results"
)

// Config holds streaming configuration loaded from environment variables.
type Config struct {
	MaxConcurrentPerIP int           // Max concurrent streams per IP (default: 10).
	MaxConcurrent      int           // Max concurrent streams overall (default: 1000).
	PollInterval       time.Duration // How often the run store is checked (default: 1s).
	KeepaliveInterval  time.Duration // Keep-alive ping interval (default: 30s).
	TrustProxy         bool          // Use X-Forwarded-For for the per-IP limit.
}

// DefaultConfig returns the streaming defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentPerIP: 10,
		MaxConcurrent:      1000,
		PollInterval:       time.Second,
		KeepaliveInterval:  30 * time.Second,
	}
}

// Handler manages SSE streaming connections.
type Handler struct {
	store   *results.Store
	config  Config
	limiter *connLimiter
	logger  *slog.Logger
}

// NewHandler creates a new streaming handler. Non-positive intervals and a
// non-positive overall cap fall back to the defaults.
func NewHandler(store *results.Store, config Config, logger *slog.Logger) *Handler {
	def := DefaultConfig()
	if config.PollInterval <= 0 {
		config.PollInterval = def.PollInterval
	}
	if config.KeepaliveInterval <= 0 {
		config.KeepaliveInterval = def.KeepaliveInterval
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = def.MaxConcurrent
	}
	return &Handler{
		store:   store,
		config:  config,
		limiter: newConnLimiter(config.MaxConcurrentPerIP, config.MaxConcurrent),
		logger:  logger,
	}
}

// HandleRuns serves the SSE run stream.
// GET /api/v1/stream/runs?sat=G05
func (h *Handler) HandleRuns(w http.ResponseWriter, r *http.Request) {
	var filter gnss.SatID
	if v := r.URL.Query().Get("sat"); v != "" {
		sat, err := gnss.ParseSatID(v)
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"error": "invalid sat parameter: " + err.Error()})
			return
		}
		filter = sat
	}

	// Rate limiting: enforce concurrent stream limit per IP.
	ip := httputil.ClientIP(r, h.config.TrustProxy)
	if !h.limiter.acquire(ip) {
		metrics.IncStreamErrors("rate_limit")
		h.logger.Warn("stream rate limit exceeded",
			"remote_ip", ip,
			"current_count", h.limiter.count(ip),
		)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]string{"error": "too many concurrent streams"})
		return
	}

	metrics.IncStreamConnections("connect")
	metrics.IncStreamsActive()

	startTime := time.Now()
	h.logger.Info("stream connected",
		"remote_ip", ip,
		"user_agent", r.Header.Get("User-Agent"),
		"sat", string(filter),
	)

	var c *client
	defer func() {
		h.limiter.release(ip)
		metrics.IncStreamConnections("disconnect")
		metrics.DecStreamsActive()
		attrs := []any{
			"remote_ip", ip,
			"duration_seconds", int(time.Since(startTime).Seconds()),
		}
		if c != nil {
			attrs = append(attrs, "messages_sent", c.messagesSent, "bytes_sent", c.bytesSent)
		}
		h.logger.Info("stream disconnected", attrs...)
	}()

	flusher, ok := w.(http.Flusher)
	if !ok {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]string{"error": "streaming not supported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering.
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Clear the server's default WriteTimeout for this connection.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		h.logger.Debug("could not clear write deadline", "error", err)
	}

	c = &client{
		w:       w,
		flusher: flusher,
		rc:      rc,
		ip:      ip,
		logger:  h.logger,
	}

	// Jittered retry interval (3-7s) spreads reconnects after a restart.
	retryMs := 3000 + rand.Intn(4000)
	fmt.Fprintf(w, "retry: %d\n\n", retryMs)
	flusher.Flush()

	var lastID string
	meta := metadataMessage{Type: "metadata", RunAge: -1}
	if run := h.store.Latest(); run != nil {
		lastID = run.ID
		meta.RunID = run.ID
		meta.RunAge = int(time.Since(run.FinishedAt).Seconds())
	}
	if err := c.sendJSON(meta); err != nil {
		metrics.IncStreamErrors("send_error")
		h.logger.Warn("stream send error (metadata)", "remote_ip", ip, "error", err)
		return
	}

	ticker := time.NewTicker(h.config.PollInterval)
	defer ticker.Stop()

	keepaliveTicker := time.NewTicker(h.config.KeepaliveInterval)
	defer keepaliveTicker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			run := h.store.Latest()
			if run == nil || run.ID == lastID {
				continue
			}
			lastID = run.ID

			msg, ok := buildRunMessage(run, filter)
			if !ok {
				continue
			}
			if err := c.sendJSON(msg); err != nil {
				metrics.IncStreamErrors("send_error")
				h.logger.Warn("stream send error", "remote_ip", ip, "error", err)
				return
			}

			// Reset keepalive since we just sent data.
			keepaliveTicker.Reset(h.config.KeepaliveInterval)

		case <-keepaliveTicker.C:
			if err := c.sendKeepalive(); err != nil {
				metrics.IncStreamErrors("send_error")
				h.logger.Warn("stream keepalive error", "remote_ip", ip, "error", err)
				return
			}
		}
	}
}

// buildRunMessage summarises a run. With a satellite filter the message
// carries that satellite's corrections, and runs without it are skipped.
func buildRunMessage(run *results.Run, filter gnss.SatID) (runMessage, bool) {
	msg := runMessage{
		Type:       "run_completed",
		RunID:      run.ID,
		Source:     run.Source,
		FinishedAt: run.FinishedAt.UTC().Format(time.RFC3339),
		Satellites: len(run.Results),
		Failed:     run.Failed(),
		CycleSlips: correction.SlipCount(run.Results),
	}
	if filter == "" {
		return msg, true
	}

	res, ok := run.Results[filter]
	if !ok {
		return msg, false
	}
	sat := &satPayload{ID: string(filter)}
	if res.Err != nil {
		sat.Error = res.Err.Error()
	}
	for _, ev := range res.Events {
		sat.Slips = append(sat.Slips, slipPayload{
			T:  ev.Time.UTC().Format(time.RFC3339),
			L1: ev.DeltaL1,
			L2: ev.DeltaL2,
		})
	}
	msg.Sat = sat
	return msg, true
}

// SSE message payload types.

type metadataMessage struct {
	Type   string `json:"type"`
	RunID  string `json:"run_id,omitempty"`
	RunAge int    `json:"run_age_seconds"`
}

type runMessage struct {
	Type       string      `json:"type"`
	RunID      string      `json:"run_id"`
	Source     string      `json:"source"`
	FinishedAt string      `json:"finished_at"`
	Satellites int         `json:"satellites"`
	Failed     int         `json:"failed"`
	CycleSlips int         `json:"cycle_slips"`
	Sat        *satPayload `json:"sat,omitempty"`
}

type satPayload struct {
	ID    string        `json:"id"`
	Error string        `json:"error,omitempty"`
	Slips []slipPayload `json:"slips,omitempty"`
}

type slipPayload struct {
	T  string `json:"t"`
	L1 int64  `json:"l1"`
	L2 int64  `json:"l2"`
}

package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"smsrelay/config"
	"smsrelay/models"
	"smsrelay/scheduler"
	"smsrelay/storage"
	"smsrelay/task"
)

// EventRequest is one captured item posted to /events.
type EventRequest struct {
	DeviceID        string          `json:"device_id,omitempty"`
	MessageType     string          `json:"message_type"`
	Source          string          `json:"source"`
	OriginTimestamp json.RawMessage `json:"origin_timestamp,omitempty"`
	Body            string          `json:"body"`
}

// IngestResponse reports how many posted items were made durable.
type IngestResponse struct {
	BatchID  string   `json:"batch_id"`
	Accepted int      `json:"accepted"`
	Rejected int      `json:"rejected"`
	Errors   []string `json:"errors,omitempty"`
}

// StatusResponse is the GET /status body.
type StatusResponse struct {
	DeviceID            string              `json:"device_id"`
	ServerURL           string              `json:"server_url"`
	Unsent              int                 `json:"unsent"`
	Throttled           int                 `json:"throttled"`
	StateChanges        int64               `json:"state_changes"`
	Jobs                []scheduler.JobInfo `json:"jobs"`
	Breaker             string              `json:"breaker,omitempty"`
	CredentialIssues    []string            `json:"credential_issues"`
	CredentialCheckedAt *time.Time          `json:"credential_checked_at,omitempty"`
}

// SettingsRequest updates the collector settings. Absent fields are kept.
type SettingsRequest struct {
	ServerURL *string `json:"server_url"`
	ServerKey *string `json:"server_key"`
}

// SettingsResponse never echoes the key, only whether one is set.
type SettingsResponse struct {
	ServerURL    string `json:"server_url"`
	ServerKeySet bool   `json:"server_key_set"`
}

// Health reports liveness and whether the outbox answers.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.logger.Warn("health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Status summarizes the outbox, jobs and credential state.
func (s *Server) Status(w http.ResponseWriter, r *http.Request) {
	unsent, err := s.store.CountUnsent(r.Context())
	if err != nil {
		s.internalError(w, r, "count unsent", err)
		return
	}

	current := s.settings.Get()
	resp := StatusResponse{
		DeviceID:         current.DeviceID,
		ServerURL:        current.ServerURL,
		Unsent:           unsent,
		Throttled:        s.pipeline.Throttled(),
		StateChanges:     s.pipeline.StateChanges(),
		Jobs:             s.pipeline.PendingJobs(),
		CredentialIssues: []string{},
	}
	if resp.Jobs == nil {
		resp.Jobs = []scheduler.JobInfo{}
	}
	if s.breaker != nil {
		resp.Breaker = s.breaker.BreakerState()
	}
	if s.credentials != nil {
		report := s.credentials.LastReport()
		if !report.CheckedAt.IsZero() {
			checkedAt := report.CheckedAt
			resp.CredentialCheckedAt = &checkedAt
			resp.CredentialIssues = append(resp.CredentialIssues, report.Issues...)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListMessages returns the newest outbox rows with their sent flag.
func (s *Server) ListMessages(w http.ResponseWriter, r *http.Request) {
	events, err := s.store.RecentTail(r.Context(), storage.RecentTailLimit)
	if err != nil {
		s.internalError(w, r, "recent tail", err)
		return
	}
	if events == nil {
		events = []models.MessageEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": events})
}

// ListDispatchAttempts lists recorded chunk attempts, newest first.
func (s *Server) ListDispatchAttempts(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := storage.DispatchAttemptFilter{
		Result: strings.TrimSpace(query.Get("result")),
		Limit:  DefaultAttemptLimit,
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = limit
	}

	switch filter.Result {
	case "", storage.DispatchResultSent, storage.DispatchResultFailed, storage.DispatchResultSkipped:
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown result %q", filter.Result))
		return
	}

	attempts, err := s.store.DispatchAttempts(r.Context(), filter)
	if err != nil {
		s.internalError(w, r, "dispatch attempts", err)
		return
	}
	if attempts == nil {
		attempts = []storage.DispatchAttempt{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": attempts})
}

// IngestEvents accepts a JSON array or a single object of EventRequest.
// Invalid items are rejected individually; the rest are persisted before the
// response is written.
func (s *Server) IngestEvents(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	items, err := decodeItems(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload: "+err.Error())
		return
	}

	resp := IngestResponse{BatchID: uuid.NewString()}
	logger := s.logger.With(
		zap.String("request_id", middleware.GetReqID(r.Context())),
		zap.String("batch_id", resp.BatchID),
	)
	defaultDevice := s.settings.Get().DeviceID

	pending := make([]*task.Task[models.MessageEvent], 0, len(items))
	for i, raw := range items {
		event, err := s.toEvent(raw, defaultDevice)
		if err != nil {
			resp.Rejected++
			resp.Errors = append(resp.Errors, fmt.Sprintf("item %d: %v", i, err))
			continue
		}
		pending = append(pending, s.pipeline.Capture(event))
	}

	for _, t := range pending {
		if _, err := t.Wait(r.Context()); err != nil {
			resp.Rejected++
			resp.Errors = append(resp.Errors, "persist: "+err.Error())
			continue
		}
		resp.Accepted++
	}

	logger.Info("events ingested", zap.Int("accepted", resp.Accepted), zap.Int("rejected", resp.Rejected))

	status := http.StatusAccepted
	if resp.Accepted == 0 && resp.Rejected > 0 {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, resp)
}

// Resend schedules the one-shot resend job.
func (s *Server) Resend(w http.ResponseWriter, r *http.Request) {
	s.pipeline.ScheduleOnce()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "scheduled"})
}

// UpdateSettings changes the collector URL and key at runtime.
func (s *Server) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req SettingsRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad request body")
		return
	}
	if req.ServerURL == nil && req.ServerKey == nil {
		writeError(w, http.StatusBadRequest, "server_url or server_key is required")
		return
	}
	if req.ServerURL != nil {
		if err := config.ValidateServerURL(*req.ServerURL); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	updated, err := s.settings.Update(func(c *config.Config) {
		if req.ServerURL != nil {
			c.ServerURL = *req.ServerURL
		}
		if req.ServerKey != nil {
			c.ServerKey = *req.ServerKey
		}
	})
	if err != nil {
		s.internalError(w, r, "update settings", err)
		return
	}

	s.logger.Info("settings updated",
		zap.String("server_url", updated.ServerURL),
		zap.Bool("server_key_set", updated.ServerKey != ""),
	)
	writeJSON(w, http.StatusOK, SettingsResponse{
		ServerURL:    updated.ServerURL,
		ServerKeySet: updated.ServerKey != "",
	})
}

func (s *Server) toEvent(raw json.RawMessage, defaultDevice string) (models.MessageEvent, error) {
	var req EventRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return models.MessageEvent{}, err
	}

	messageType, err := models.ParseMessageType(req.MessageType)
	if err != nil {
		return models.MessageEvent{}, err
	}
	origin, err := parseTimestamp(req.OriginTimestamp)
	if err != nil {
		return models.MessageEvent{}, err
	}
	deviceID := strings.TrimSpace(req.DeviceID)
	if deviceID == "" {
		deviceID = defaultDevice
	}

	event := models.MessageEvent{
		DeviceID:        deviceID,
		MessageType:     messageType,
		Source:          strings.TrimSpace(req.Source),
		CapturedAt:      s.now(),
		OriginTimestamp: origin,
		Body:            req.Body,
	}
	if err := event.Validate(); err != nil {
		return models.MessageEvent{}, err
	}
	return event, nil
}

func decodeItems(body []byte) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, errors.New("empty body")
	}
	if trimmed[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, err
		}
		return items, nil
	}
	if trimmed[0] != '{' {
		return nil, errors.New("expected an object or an array")
	}
	if !json.Valid(trimmed) {
		return nil, errors.New("malformed object")
	}
	return []json.RawMessage{trimmed}, nil
}

// parseTimestamp accepts unix milliseconds or an RFC 3339 string. Absent
// means "now", which the relay fills in.
func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return time.Time{}, nil
	}
	if raw[0] == '"' {
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return time.Time{}, err
		}
		parsed, err := time.Parse(time.RFC3339, text)
		if err != nil {
			return time.Time{}, fmt.Errorf("origin_timestamp: %w", err)
		}
		return parsed, nil
	}
	millis, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("origin_timestamp must be unix millis or RFC 3339")
	}
	return time.UnixMilli(millis), nil
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, op string, err error) {
	s.logger.Error(op+" failed",
		zap.String("request_id", middleware.GetReqID(r.Context())),
		zap.Error(err),
	)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

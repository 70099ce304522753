package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/linkgate/internal/config"
)

const (
	defaultMaxBodyBytes = 256 * 1024
	maxWakeEvents       = 50

	HookHandlerWake = "wake"
	HookHandlerLog  = "log"
)

// WebhookPayload is the body of a hook request.
type WebhookPayload struct {
	Message string `json:"message"`

	// Name is the sender name (default: "Webhook").
	Name string `json:"name,omitempty"`

	// WakeMode is "now" or "next-poll" (default: "now").
	WakeMode string `json:"wakeMode,omitempty"`

	TimeoutSeconds int            `json:"timeoutSeconds,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// WebhookResponse is the body of every hook reply.
type WebhookResponse struct {
	OK        bool           `json:"ok"`
	RequestID string         `json:"requestId,omitempty"`
	Message   string         `json:"message,omitempty"`
	Error     string         `json:"error,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// WebhookHandler processes hook requests for one handler type.
type WebhookHandler interface {
	Handle(ctx context.Context, payload *WebhookPayload, mapping *config.HookMapping) (*WebhookResponse, error)
}

// WebhookHandlerFunc adapts a function to WebhookHandler.
type WebhookHandlerFunc func(ctx context.Context, payload *WebhookPayload, mapping *config.HookMapping) (*WebhookResponse, error)

// Handle implements WebhookHandler.
func (f WebhookHandlerFunc) Handle(ctx context.Context, payload *WebhookPayload, mapping *config.HookMapping) (*WebhookResponse, error) {
	return f(ctx, payload, mapping)
}

// WakeEvent is one accepted wake hook.
type WakeEvent struct {
	RequestID string    `json:"requestId"`
	Hook      string    `json:"hook"`
	Name      string    `json:"name"`
	Message   string    `json:"message"`
	Mode      string    `json:"mode"`
	At        time.Time `json:"at"`
}

// WebhookHooks serves token-gated hooks under a base path. Routes mounted
// with Mount bypass the token and answer for their exact path.
type WebhookHooks struct {
	cfg    config.HooksConfig
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[string]WebhookHandler
	routes   map[string]http.Handler

	stats *WebhookStats

	wakeMu sync.Mutex
	wakes  []WakeEvent
}

// WebhookStats tracks hook usage.
type WebhookStats struct {
	mu             sync.Mutex
	TotalRequests  int64            `json:"totalRequests"`
	TotalSuccesses int64            `json:"totalSuccesses"`
	TotalErrors    int64            `json:"totalErrors"`
	ByPath         map[string]int64 `json:"byPath"`
	LastRequestAt  time.Time        `json:"lastRequestAt"`
}

// NewWebhookHooks builds the hooks router. Disabled hooks still serve
// mounted routes. The wake and log handlers are registered.
func NewWebhookHooks(cfg config.HooksConfig, logger *slog.Logger) (*WebhookHooks, error) {
	if cfg.Enabled && strings.TrimSpace(cfg.Token) == "" {
		return nil, fmt.Errorf("webhook hooks require a token")
	}
	if cfg.BasePath == "" {
		cfg.BasePath = config.DefaultHooksBasePath
	}
	if !strings.HasPrefix(cfg.BasePath, "/") {
		cfg.BasePath = "/" + cfg.BasePath
	}
	cfg.BasePath = strings.TrimSuffix(cfg.BasePath, "/")
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if logger == nil {
		logger = slog.Default()
	}

	h := &WebhookHooks{
		cfg:      cfg,
		logger:   logger.With("component", "hooks"),
		handlers: make(map[string]WebhookHandler),
		routes:   make(map[string]http.Handler),
		stats:    &WebhookStats{ByPath: make(map[string]int64)},
	}
	h.RegisterHandler(HookHandlerWake, h.wakeHandler())
	h.RegisterHandler(HookHandlerLog, h.logHandler())
	return h, nil
}

// RegisterHandler registers a handler for a handler type.
func (h *WebhookHooks) RegisterHandler(handlerType string, handler WebhookHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[handlerType] = handler
}

// Mount serves handler at an exact path without the hook token. A nil
// handler unmounts the path.
func (h *WebhookHooks) Mount(path string, handler http.Handler) {
	path = strings.TrimSpace(path)
	if path == "" {
		return
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if handler == nil {
		delete(h.routes, path)
		return
	}
	h.routes[path] = handler
}

// HandleRequest serves r if it belongs to the hooks subsystem and reports
// whether it did. Paths outside the base path fall through.
func (h *WebhookHooks) HandleRequest(w http.ResponseWriter, r *http.Request) bool {
	if h == nil {
		return false
	}
	h.mu.RLock()
	route := h.routes[r.URL.Path]
	h.mu.RUnlock()
	if route != nil {
		route.ServeHTTP(w, r)
		return true
	}
	if !h.cfg.Enabled {
		return false
	}
	if r.URL.Path != h.cfg.BasePath && !strings.HasPrefix(r.URL.Path, h.cfg.BasePath+"/") {
		return false
	}
	h.ServeHTTP(w, r)
	return true
}

// ServeHTTP implements http.Handler for hook requests.
func (h *WebhookHooks) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.stats.mu.Lock()
	h.stats.TotalRequests++
	h.stats.LastRequestAt = time.Now()
	h.stats.mu.Unlock()

	if r.Method != http.MethodPost {
		h.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if !h.validateToken(h.extractToken(r)) {
		h.respondError(w, http.StatusUnauthorized, "invalid token")
		return
	}

	path := strings.TrimPrefix(r.URL.Path, h.cfg.BasePath)
	mapping := h.findMapping(path)
	if mapping == nil {
		h.respondError(w, http.StatusNotFound, "webhook not found")
		return
	}

	h.stats.mu.Lock()
	h.stats.ByPath[path]++
	h.stats.mu.Unlock()

	payload, err := h.readPayload(w, r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.respondError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.mu.RLock()
	handler, ok := h.handlers[mapping.Handler]
	h.mu.RUnlock()
	if !ok {
		h.respondError(w, http.StatusNotImplemented, "handler not implemented: "+mapping.Handler)
		return
	}

	ctx := r.Context()
	if payload.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(payload.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	response, err := handler.Handle(ctx, payload, mapping)
	if err != nil {
		h.stats.mu.Lock()
		h.stats.TotalErrors++
		h.stats.mu.Unlock()
		h.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.stats.mu.Lock()
	h.stats.TotalSuccesses++
	h.stats.mu.Unlock()

	if response.RequestID == "" {
		response.RequestID = uuid.NewString()
	}
	h.respondJSON(w, http.StatusOK, response)
}

// extractToken reads the token from the Authorization header, the
// X-Webhook-Token header or the token query parameter, in that order.
func (h *WebhookHooks) extractToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	if token := r.Header.Get("X-Webhook-Token"); token != "" {
		return strings.TrimSpace(token)
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

func (h *WebhookHooks) validateToken(token string) bool {
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.cfg.Token)) == 1
}

func (h *WebhookHooks) findMapping(path string) *config.HookMapping {
	path = strings.TrimPrefix(path, "/")
	for i := range h.cfg.Mappings {
		if strings.TrimPrefix(h.cfg.Mappings[i].Path, "/") == path {
			return &h.cfg.Mappings[i]
		}
	}
	return nil
}

func (h *WebhookHooks) readPayload(w http.ResponseWriter, r *http.Request) (*WebhookPayload, error) {
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}

	var payload WebhookPayload
	if len(body) > 0 {
		if err := json.Unmarshal(body, &payload); err != nil {
			return nil, fmt.Errorf("invalid JSON: %w", err)
		}
	}
	if payload.Name == "" {
		payload.Name = "Webhook"
	}
	if payload.WakeMode == "" {
		payload.WakeMode = "now"
	}
	return &payload, nil
}

func (h *WebhookHooks) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, &WebhookResponse{OK: false, Error: message})
}

func (h *WebhookHooks) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// Stats returns a copy of the usage statistics.
func (h *WebhookHooks) Stats() *WebhookStats {
	h.stats.mu.Lock()
	defer h.stats.mu.Unlock()

	byPath := make(map[string]int64, len(h.stats.ByPath))
	for k, v := range h.stats.ByPath {
		byPath[k] = v
	}
	return &WebhookStats{
		TotalRequests:  h.stats.TotalRequests,
		TotalSuccesses: h.stats.TotalSuccesses,
		TotalErrors:    h.stats.TotalErrors,
		ByPath:         byPath,
		LastRequestAt:  h.stats.LastRequestAt,
	}
}

// Wakes returns the most recent wake events, oldest first.
func (h *WebhookHooks) Wakes() []WakeEvent {
	h.wakeMu.Lock()
	defer h.wakeMu.Unlock()
	return append([]WakeEvent(nil), h.wakes...)
}

func (h *WebhookHooks) wakeHandler() WebhookHandler {
	return WebhookHandlerFunc(func(_ context.Context, payload *WebhookPayload, mapping *config.HookMapping) (*WebhookResponse, error) {
		if payload.Message == "" {
			return &WebhookResponse{OK: false, Error: "message required"}, nil
		}
		mode := payload.WakeMode
		if mode != "now" && mode != "next-poll" {
			mode = "now"
		}
		event := WakeEvent{
			RequestID: uuid.NewString(),
			Hook:      mapping.Name,
			Name:      payload.Name,
			Message:   payload.Message,
			Mode:      mode,
			At:        time.Now(),
		}
		h.wakeMu.Lock()
		h.wakes = append(h.wakes, event)
		if len(h.wakes) > maxWakeEvents {
			h.wakes = h.wakes[len(h.wakes)-maxWakeEvents:]
		}
		h.wakeMu.Unlock()

		return &WebhookResponse{
			OK:        true,
			RequestID: event.RequestID,
			Message:   "wake recorded",
			Data:      map[string]any{"mode": mode},
		}, nil
	})
}

func (h *WebhookHooks) logHandler() WebhookHandler {
	return WebhookHandlerFunc(func(_ context.Context, payload *WebhookPayload, mapping *config.HookMapping) (*WebhookResponse, error) {
		h.logger.Info("hook received",
			"hook", mapping.Name,
			"name", payload.Name,
			"message", payload.Message,
			"metadata", payload.Metadata,
		)
		return &WebhookResponse{OK: true, Message: "logged"}, nil
	})
}

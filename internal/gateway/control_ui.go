package gateway

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/haasonsaas/linkgate/internal/channels/whatsapp"
	"github.com/haasonsaas/linkgate/internal/rpc"
	"github.com/haasonsaas/linkgate/pkg/models"
)

const controlUIStatusTimeout = 6 * time.Second

// ControlUIConfig wires the control UI.
type ControlUIConfig struct {
	BasePath string
	Version  string
	Started  time.Time

	// Caller builds the status snapshot, normally a LocalCaller.
	Caller rpc.Caller

	// WebSocket serves <base>/ws.
	WebSocket http.Handler

	// CurrentQR returns the active WhatsApp QR payload, or "".
	CurrentQR func() string

	Metrics http.Handler
	Hooks   *WebhookHooks
	Logger  *slog.Logger
}

// ControlUI serves the administrative surface under its base path.
type ControlUI struct {
	cfg    ControlUIConfig
	logger *slog.Logger
}

// NewControlUI returns the control UI handler.
func NewControlUI(cfg ControlUIConfig) *ControlUI {
	cfg.BasePath = strings.TrimSuffix(cfg.BasePath, "/")
	if cfg.Started.IsZero() {
		cfg.Started = time.Now()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ControlUI{cfg: cfg, logger: logger.With("component", "control-ui")}
}

// ControlUIStatus is the body of GET <base>/.
type ControlUIStatus struct {
	Version  string                 `json:"version"`
	UptimeMs int64                  `json:"uptimeMs"`
	Status   *models.StatusSnapshot `json:"status,omitempty"`
	Error    string                 `json:"error,omitempty"`
	Hooks    *WebhookStats          `json:"hooks,omitempty"`
}

func (c *ControlUI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sub := strings.TrimPrefix(r.URL.Path, c.cfg.BasePath)
	switch sub {
	case "", "/":
		c.handleStatus(w, r)
	case "/ws":
		if c.cfg.WebSocket == nil {
			http.NotFound(w, r)
			return
		}
		c.cfg.WebSocket.ServeHTTP(w, r)
	case "/qr.png":
		c.handleQR(w, r)
	case "/metrics":
		if c.cfg.Metrics == nil {
			http.NotFound(w, r)
			return
		}
		c.cfg.Metrics.ServeHTTP(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (c *ControlUI) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body := ControlUIStatus{
		Version:  c.cfg.Version,
		UptimeMs: time.Since(c.cfg.Started).Milliseconds(),
	}
	if c.cfg.Hooks != nil {
		body.Hooks = c.cfg.Hooks.Stats()
	}
	status := http.StatusOK
	if c.cfg.Caller != nil {
		var snapshot models.StatusSnapshot
		err := c.cfg.Caller.Call(r.Context(), models.MethodProvidersStatus,
			models.StatusParams{Probe: false}, controlUIStatusTimeout, &snapshot)
		if err != nil {
			c.logger.Warn("status snapshot failed", "error", err)
			body.Error = err.Error()
			status = http.StatusServiceUnavailable
		} else {
			body.Status = &snapshot
		}
	}
	writeJSON(w, status, &body)
}

func (c *ControlUI) handleQR(w http.ResponseWriter, r *http.Request) {
	code := ""
	if c.cfg.CurrentQR != nil {
		code = c.cfg.CurrentQR()
	}
	if code == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	png, err := whatsapp.QRPNG(code, 0)
	if err != nil {
		c.logger.Error("render qr failed", "error", err)
		http.Error(w, "render qr failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(png)
}

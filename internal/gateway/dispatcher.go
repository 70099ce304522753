package gateway

import (
	"bufio"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/haasonsaas/linkgate/internal/config"
	"github.com/haasonsaas/linkgate/internal/observability"
)

// Route labels used in metrics and logs.
const (
	routeHealth          = "health"
	routeUnauthorized    = "unauthorized"
	routeHooks           = "hooks"
	routeControlUI       = "control_ui"
	routeChatCompletions = "chat_completions"
	routeResponses       = "responses"
	routeCanvas          = "canvas"
	routeNotFound        = "not_found"
)

// ResolvedAuth is the effective HTTP authentication policy.
type ResolvedAuth struct {
	Mode     string
	Password string
}

// CanvasHost serves files under a namespace path.
type CanvasHost interface {
	http.Handler
	Namespace() string
}

// DispatcherOptions configures a Dispatcher. Zero values disable the
// corresponding surface.
type DispatcherOptions struct {
	CanvasHost CanvasHost

	ControlUIEnabled  bool
	ControlUIBasePath string
	ControlUI         http.Handler

	OpenAIChatCompletionsEnabled bool
	OpenResponsesEnabled         bool
	ChatCompletions              http.Handler
	Responses                    http.Handler

	// HandleHooksRequest reports whether it served the request.
	HandleHooksRequest func(w http.ResponseWriter, r *http.Request) bool

	ResolvedAuth ResolvedAuth

	Logger  *slog.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

// Dispatcher is the gateway's single HTTP entry point. Routes are tried in a
// fixed order and the first match wins:
//
//  1. /health and /healthz, before any credential check
//  2. authentication
//  3. hooks
//  4. control UI
//  5. POST /v1/chat/completions
//  6. POST /v1/responses
//  7. canvas namespace
//  8. 404
//
// A panicking handler yields 500 and never takes the process down.
type Dispatcher struct {
	opts   DispatcherOptions
	logger *slog.Logger
}

// NewDispatcher returns a Dispatcher for opts.
func NewDispatcher(opts DispatcherOptions) *Dispatcher {
	if opts.ControlUIBasePath == "" {
		opts.ControlUIBasePath = config.DefaultControlUIBasePath
	}
	opts.ControlUIBasePath = strings.TrimSuffix(opts.ControlUIBasePath, "/")
	if opts.ResolvedAuth.Mode == "" {
		opts.ResolvedAuth.Mode = config.AuthModeNone
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{opts: opts, logger: logger.With("component", "http")}
}

func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rw := &responseWriter{ResponseWriter: w}
	route := routeNotFound

	ctx, span := d.opts.Tracer.TraceHTTPRequest(r.Context(), r.Method, r.URL.Path)
	ctx = observability.AddRequestID(ctx, uuid.NewString())
	r = r.WithContext(ctx)

	defer func() {
		if p := recover(); p != nil {
			d.logger.ErrorContext(ctx, "http handler panic",
				"route", route,
				"path", r.URL.Path,
				"panic", p,
				"stack", string(debug.Stack()),
			)
			span.SetStatus(codes.Error, "panic")
			if !rw.wroteHeader {
				http.Error(rw, "internal server error", http.StatusInternalServerError)
			}
		}
		status := rw.statusCode()
		span.SetAttributes(attribute.String("http.route", route), attribute.Int("http.status_code", status))
		span.End()
		d.opts.Metrics.RecordHTTPRequest(route, strconv.Itoa(status), time.Since(start).Seconds())
	}()

	d.dispatch(rw, r, &route)
}

func (d *Dispatcher) dispatch(w http.ResponseWriter, r *http.Request, route *string) {
	path := r.URL.Path

	if path == "/health" || path == "/healthz" {
		*route = routeHealth
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
		return
	}

	if !d.authorized(r) {
		*route = routeUnauthorized
		w.Header().Set("WWW-Authenticate", `Bearer realm="linkgate"`)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	if d.opts.HandleHooksRequest != nil {
		*route = routeHooks
		if d.opts.HandleHooksRequest(w, r) {
			return
		}
	}

	if d.opts.ControlUIEnabled && d.opts.ControlUI != nil && hasPathPrefix(path, d.opts.ControlUIBasePath) {
		*route = routeControlUI
		d.opts.ControlUI.ServeHTTP(w, r)
		return
	}

	if d.opts.OpenAIChatCompletionsEnabled && d.opts.ChatCompletions != nil &&
		r.Method == http.MethodPost && path == "/v1/chat/completions" {
		*route = routeChatCompletions
		d.opts.ChatCompletions.ServeHTTP(w, r)
		return
	}

	if d.opts.OpenResponsesEnabled && d.opts.Responses != nil &&
		r.Method == http.MethodPost && path == "/v1/responses" {
		*route = routeResponses
		d.opts.Responses.ServeHTTP(w, r)
		return
	}

	if d.opts.CanvasHost != nil && hasPathPrefix(path, d.opts.CanvasHost.Namespace()) {
		*route = routeCanvas
		d.opts.CanvasHost.ServeHTTP(w, r)
		return
	}

	*route = routeNotFound
	http.NotFound(w, r)
}

// authorized applies the auth policy. Password mode accepts only a bearer
// token equal to the configured secret.
func (d *Dispatcher) authorized(r *http.Request) bool {
	if d.opts.ResolvedAuth.Mode != config.AuthModePassword {
		return true
	}
	token, ok := bearerToken(r)
	if !ok || token == "" || d.opts.ResolvedAuth.Password == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(d.opts.ResolvedAuth.Password)) == 1
}

func bearerToken(r *http.Request) (string, bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return "", false
	}
	return strings.TrimSpace(header[7:]), true
}

// hasPathPrefix matches prefix as a whole path segment.
func hasPathPrefix(path, prefix string) bool {
	if prefix == "" || prefix == "/" {
		return false
	}
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

// responseWriter captures the status code. It passes through Flush for
// server-sent events and Hijack for websocket upgrades.
type responseWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.status = code
		rw.wroteHeader = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

func (rw *responseWriter) Flush() {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	conn, buf, err := h.Hijack()
	if err == nil {
		rw.wroteHeader = true
		rw.status = http.StatusSwitchingProtocols
	}
	return conn, buf, err
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

func (rw *responseWriter) statusCode() int {
	if rw.status == 0 {
		return http.StatusOK
	}
	return rw.status
}

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/haasonsaas/linkgate/internal/config"
)

func newTestHooks(t *testing.T, mutate func(*config.HooksConfig)) *WebhookHooks {
	t.Helper()
	cfg := config.HooksConfig{
		Enabled: true,
		Token:   "token",
		Mappings: []config.HookMapping{
			{Path: "wake", Name: "alarm", Handler: HookHandlerWake},
			{Path: "audit", Name: "audit", Handler: HookHandlerLog},
			{Path: "custom", Name: "custom", Handler: "custom"},
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	hooks, err := NewWebhookHooks(cfg, nil)
	if err != nil {
		t.Fatalf("NewWebhookHooks: %v", err)
	}
	return hooks
}

func postHook(h http.Handler, path string, body []byte, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	if token != "" {
		req.Header.Set("X-Webhook-Token", token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestNewWebhookHooksRequiresToken(t *testing.T) {
	t.Parallel()

	if _, err := NewWebhookHooks(config.HooksConfig{Enabled: true}, nil); err == nil {
		t.Fatal("expected error for enabled hooks without a token")
	}
	if _, err := NewWebhookHooks(config.HooksConfig{}, nil); err != nil {
		t.Fatalf("disabled hooks need no token: %v", err)
	}
}

func TestWebhookHooksRejectsLargeBody(t *testing.T) {
	t.Parallel()

	hooks := newTestHooks(t, func(c *config.HooksConfig) { c.MaxBodyBytes = 10 })
	hooks.RegisterHandler("custom", WebhookHandlerFunc(func(context.Context, *WebhookPayload, *config.HookMapping) (*WebhookResponse, error) {
		return &WebhookResponse{OK: true}, nil
	}))

	rec := postHook(hooks, "/hooks/custom", bytes.Repeat([]byte("a"), 11), "token")
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusRequestEntityTooLarge)
	}
}

func TestWebhookHooksAcceptsValidPayload(t *testing.T) {
	t.Parallel()

	hooks := newTestHooks(t, nil)
	var got *WebhookPayload
	hooks.RegisterHandler("custom", WebhookHandlerFunc(func(_ context.Context, payload *WebhookPayload, _ *config.HookMapping) (*WebhookResponse, error) {
		got = payload
		return &WebhookResponse{OK: true}, nil
	}))

	body, err := json.Marshal(&WebhookPayload{Message: "hi"})
	if err != nil {
		t.Fatalf("json.Marshal: %v", err)
	}
	rec := postHook(hooks, "/hooks/custom", body, "token")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if got == nil || got.Message != "hi" || got.Name != "Webhook" || got.WakeMode != "now" {
		t.Fatalf("payload = %+v", got)
	}
	var resp WebhookResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.OK || resp.RequestID == "" {
		t.Fatalf("response = %+v", resp)
	}
}

func TestWebhookHooksErrors(t *testing.T) {
	t.Parallel()

	hooks := newTestHooks(t, nil)
	hooks.RegisterHandler("custom", WebhookHandlerFunc(func(context.Context, *WebhookPayload, *config.HookMapping) (*WebhookResponse, error) {
		return nil, io.ErrUnexpectedEOF
	}))

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		body   string
		want   int
	}{
		{name: "GET", method: http.MethodGet, path: "/hooks/wake", token: "token", want: http.StatusMethodNotAllowed},
		{name: "no token", method: http.MethodPost, path: "/hooks/wake", want: http.StatusUnauthorized},
		{name: "wrong token", method: http.MethodPost, path: "/hooks/wake", token: "nope", want: http.StatusUnauthorized},
		{name: "unknown mapping", method: http.MethodPost, path: "/hooks/missing", token: "token", want: http.StatusNotFound},
		{name: "bad json", method: http.MethodPost, path: "/hooks/wake", token: "token", body: "{", want: http.StatusBadRequest},
		{name: "handler error", method: http.MethodPost, path: "/hooks/custom", token: "token", body: "{}", want: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, bytes.NewBufferString(tt.body))
			if tt.token != "" {
				req.Header.Set("Authorization", "Bearer "+tt.token)
			}
			rec := httptest.NewRecorder()
			hooks.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}

	stats := hooks.Stats()
	if stats.TotalRequests != int64(len(tests)) || stats.TotalErrors != 1 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestWebhookHooksUnregisteredHandler(t *testing.T) {
	t.Parallel()

	hooks := newTestHooks(t, nil)
	rec := postHook(hooks, "/hooks/custom", []byte(`{}`), "token")
	if rec.Code != http.StatusNotImplemented {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotImplemented)
	}
}

func TestWebhookHooksRecordsWakes(t *testing.T) {
	t.Parallel()

	hooks := newTestHooks(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/hooks/wake?token=token", bytes.NewBufferString(`{"message":"ping","wakeMode":"next-poll"}`))
	rec := httptest.NewRecorder()
	hooks.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	wakes := hooks.Wakes()
	if len(wakes) != 1 {
		t.Fatalf("wakes = %d, want 1", len(wakes))
	}
	if wakes[0].Hook != "alarm" || wakes[0].Message != "ping" || wakes[0].Mode != "next-poll" {
		t.Fatalf("wake = %+v", wakes[0])
	}

	var resp WebhookResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.RequestID != wakes[0].RequestID {
		t.Fatalf("request id %q != wake id %q", resp.RequestID, wakes[0].RequestID)
	}
}

func TestWebhookHooksWakeRingIsBounded(t *testing.T) {
	t.Parallel()

	hooks := newTestHooks(t, nil)
	for i := 0; i < maxWakeEvents+5; i++ {
		postHook(hooks, "/hooks/wake", []byte(`{"message":"m"}`), "token")
	}
	if got := len(hooks.Wakes()); got != maxWakeEvents {
		t.Fatalf("wakes = %d, want %d", got, maxWakeEvents)
	}
}

func TestWebhookHooksHandleRequest(t *testing.T) {
	t.Parallel()

	hooks := newTestHooks(t, nil)
	mounted := 0
	hooks.Mount("/telegram/webhook", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mounted++
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name    string
		path    string
		claimed bool
		status  int
	}{
		{name: "mounted route skips token", path: "/telegram/webhook", claimed: true, status: http.StatusNoContent},
		{name: "base path", path: "/hooks/wake", claimed: true, status: http.StatusUnauthorized},
		{name: "prefix needs segment", path: "/hooksx", claimed: false},
		{name: "elsewhere", path: "/linkgate", claimed: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, tt.path, nil)
			if got := hooks.HandleRequest(rec, req); got != tt.claimed {
				t.Fatalf("claimed = %v, want %v", got, tt.claimed)
			}
			if tt.claimed && rec.Code != tt.status {
				t.Fatalf("status = %d, want %d", rec.Code, tt.status)
			}
		})
	}
	if mounted != 1 {
		t.Fatalf("mounted handler calls = %d", mounted)
	}

	hooks.Mount("/telegram/webhook", nil)
	if hooks.HandleRequest(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/telegram/webhook", nil)) {
		t.Fatal("unmounted route still claimed")
	}
}

func TestDisabledHooksServeOnlyMountedRoutes(t *testing.T) {
	t.Parallel()

	hooks := newTestHooks(t, func(c *config.HooksConfig) {
		c.Enabled = false
		c.Token = ""
	})
	hooks.Mount("/tg", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	if hooks.HandleRequest(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/hooks/wake", nil)) {
		t.Fatal("disabled hooks claimed base path")
	}
	if !hooks.HandleRequest(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/tg", nil)) {
		t.Fatal("mounted route not claimed")
	}

	var nilHooks *WebhookHooks
	if nilHooks.HandleRequest(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/tg", nil)) {
		t.Fatal("nil hooks claimed a request")
	}
}

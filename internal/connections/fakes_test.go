package connections

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/haasonsaas/linkgate/pkg/models"
)

type recordedCall struct {
	method  models.Method
	params  any
	timeout time.Duration
}

// fakeCaller answers calls from per-method handlers. A handler's result is
// copied into out through JSON the way a real transport would.
type fakeCaller struct {
	mu       sync.Mutex
	handlers map[models.Method]func(ctx context.Context, params any) (any, error)
	calls    []recordedCall
}

func newFakeCaller() *fakeCaller {
	return &fakeCaller{handlers: make(map[models.Method]func(context.Context, any) (any, error))}
}

func (f *fakeCaller) handle(method models.Method, fn func(ctx context.Context, params any) (any, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[method] = fn
}

func (f *fakeCaller) reply(method models.Method, result any) {
	f.handle(method, func(context.Context, any) (any, error) { return result, nil })
}

func (f *fakeCaller) Call(ctx context.Context, method models.Method, params any, timeout time.Duration, out any) error {
	f.mu.Lock()
	f.calls = append(f.calls, recordedCall{method: method, params: params, timeout: timeout})
	fn := f.handlers[method]
	f.mu.Unlock()

	if fn == nil {
		return nil
	}
	result, err := fn(ctx, params)
	if err != nil {
		return err
	}
	if out == nil || result == nil {
		return nil
	}
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func (f *fakeCaller) callsTo(method models.Method) []recordedCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []recordedCall
	for _, c := range f.calls {
		if c.method == method {
			out = append(out, c)
		}
	}
	return out
}

type fakeRefresher struct {
	mu     sync.Mutex
	probes []bool
}

func (r *fakeRefresher) Refresh(_ context.Context, probe bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.probes = append(r.probes, probe)
	return nil
}

func (r *fakeRefresher) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.probes)
}

// gate blocks a handler until released and reports when it was entered.
type gate struct {
	entered chan struct{}
	release chan struct{}
}

func newGate() *gate {
	return &gate{entered: make(chan struct{}, 16), release: make(chan struct{})}
}

func (g *gate) wait(ctx context.Context) error {
	g.entered <- struct{}{}
	select {
	case <-g.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func testSnapshot(ts int64) models.StatusSnapshot {
	return models.StatusSnapshot{
		TS:       ts,
		WhatsApp: models.WhatsAppStatus{Configured: true, Linked: true, Running: true, Connected: true},
		Telegram: models.TelegramStatus{Configured: true, TokenSource: models.TokenSourceConfig, Running: true, Mode: models.TelegramModePolling},
	}
}

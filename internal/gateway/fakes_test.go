package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/haasonsaas/linkgate/pkg/models"
)

type fakeWhatsApp struct {
	mu sync.Mutex

	status    models.WhatsAppStatus
	qr        string
	start     models.LoginStartResult
	startErr  error
	wait      models.LoginWaitResult
	waitErr   error
	waitBlock bool
	cleared   bool
	logoutErr error

	probes       []bool
	forces       []bool
	startTimeout time.Duration
	waitTimeout  time.Duration
	logouts      int
}

func (f *fakeWhatsApp) Status(_ context.Context, probe bool) models.WhatsAppStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probes = append(f.probes, probe)
	return f.status
}

func (f *fakeWhatsApp) CurrentQR() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.qr
}

func (f *fakeWhatsApp) StartLogin(_ context.Context, force bool, timeout time.Duration) (models.LoginStartResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forces = append(f.forces, force)
	f.startTimeout = timeout
	return f.start, f.startErr
}

func (f *fakeWhatsApp) WaitLogin(ctx context.Context, timeout time.Duration) (models.LoginWaitResult, error) {
	f.mu.Lock()
	f.waitTimeout = timeout
	block := f.waitBlock
	result, err := f.wait, f.waitErr
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return models.LoginWaitResult{}, ctx.Err()
	}
	return result, err
}

func (f *fakeWhatsApp) Logout(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logouts++
	return f.cleared, f.logoutErr
}

type fakeTelegram struct {
	mu sync.Mutex

	status    models.TelegramStatus
	logoutErr error

	probes    []bool
	timeouts  []time.Duration
	envTokens []string
}

func (f *fakeTelegram) Status(_ context.Context, probe bool, timeout time.Duration) models.TelegramStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probes = append(f.probes, probe)
	f.timeouts = append(f.timeouts, timeout)
	return f.status
}

func (f *fakeTelegram) Logout(_ context.Context, envToken string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.envTokens = append(f.envTokens, envToken)
	return f.logoutErr
}

func envMap(values map[string]string) func(string) string {
	return func(key string) string { return values[key] }
}

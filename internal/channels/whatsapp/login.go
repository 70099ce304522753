package whatsapp

import (
	"context"
	"sync"
)

// loginSession tracks one QR login. firstCode closes when the first code
// arrives; done closes when the login succeeds or fails.
type loginSession struct {
	cancel context.CancelFunc

	firstCode chan struct{}
	firstOnce sync.Once
	done      chan struct{}
	doneOnce  sync.Once

	mu        sync.Mutex
	code      string
	connected bool
	err       error
}

func newLoginSession(cancel context.CancelFunc) *loginSession {
	if cancel == nil {
		cancel = func() {}
	}
	return &loginSession{
		cancel:    cancel,
		firstCode: make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (s *loginSession) setCode(code string) {
	s.mu.Lock()
	s.code = code
	s.mu.Unlock()
	s.firstOnce.Do(func() { close(s.firstCode) })
}

func (s *loginSession) currentCode() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.code
}

func (s *loginSession) finish(connected bool, err error) {
	s.doneOnce.Do(func() {
		s.mu.Lock()
		s.connected = connected
		s.err = err
		s.code = ""
		s.mu.Unlock()
		close(s.done)
	})
}

func (s *loginSession) finished() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *loginSession) result() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected, s.err
}

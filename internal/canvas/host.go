// Package canvas serves a static canvas directory under a URL namespace with
// optional live reload.
package canvas

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	// DefaultNamespace is the URL prefix the canvas is served under.
	DefaultNamespace = "/__canvas__"

	livePath       = "/_live"
	liveScriptPath = "/_live.js"
	reloadDebounce = 200 * time.Millisecond
)

// Config configures a Host.
type Config struct {
	Root       string
	Namespace  string
	LiveReload bool
}

// Host serves a canvas directory with optional live reload.
type Host struct {
	root       string
	namespace  string
	liveReload bool
	logger     *slog.Logger

	mu      sync.RWMutex
	clients map[chan struct{}]struct{}
	watcher *fsnotify.Watcher
}

// NewHost creates a canvas host for cfg.Root.
func NewHost(cfg Config, logger *slog.Logger) (*Host, error) {
	if strings.TrimSpace(cfg.Root) == "" {
		return nil, fmt.Errorf("canvas root is required")
	}
	ns := strings.TrimSuffix(strings.TrimSpace(cfg.Namespace), "/")
	if ns == "" {
		ns = DefaultNamespace
	}
	if !strings.HasPrefix(ns, "/") {
		ns = "/" + ns
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Host{
		root:       cfg.Root,
		namespace:  ns,
		liveReload: cfg.LiveReload,
		logger:     logger.With("component", "canvas"),
		clients:    make(map[chan struct{}]struct{}),
	}, nil
}

// Namespace returns the URL prefix the host answers under.
func (h *Host) Namespace() string {
	return h.namespace
}

// Start begins watching the canvas directory when live reload is on.
func (h *Host) Start(ctx context.Context) error {
	if h == nil || !h.liveReload {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := h.watchRecursive(watcher, h.root); err != nil {
		_ = watcher.Close()
		return err
	}
	h.mu.Lock()
	h.watcher = watcher
	h.mu.Unlock()

	go h.watchLoop(ctx, watcher)
	return nil
}

// Close stops watching.
func (h *Host) Close() error {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.watcher == nil {
		return nil
	}
	err := h.watcher.Close()
	h.watcher = nil
	return err
}

// ServeHTTP serves files below the namespace and the live reload endpoints.
func (h *Host) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sub := strings.TrimPrefix(r.URL.Path, h.namespace)
	if h.liveReload {
		switch sub {
		case livePath:
			h.serveLiveReload(w, r)
			return
		case liveScriptPath:
			h.serveLiveScript(w)
			return
		}
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if sub == "" {
		http.Redirect(w, r, h.namespace+"/", http.StatusMovedPermanently)
		return
	}

	// Clean of a rooted path cannot climb above the root.
	clean := filepath.Clean("/" + sub)
	fullPath := filepath.Join(h.root, filepath.FromSlash(clean))
	info, err := os.Stat(fullPath)
	if err == nil && info.IsDir() {
		fullPath = filepath.Join(fullPath, "index.html")
	}
	if strings.HasSuffix(fullPath, ".html") {
		h.serveHTML(w, r, fullPath)
		return
	}
	if _, err := os.Stat(fullPath); err != nil {
		http.NotFound(w, r)
		return
	}
	http.ServeFile(w, r, fullPath)
}

func (h *Host) serveLiveReload(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := make(chan struct{}, 1)
	h.addClient(ch)
	defer h.removeClient(ch)

	_, _ = fmt.Fprintf(w, "event: hello\ndata: %d\n\n", time.Now().Unix())
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ch:
			_, _ = fmt.Fprintf(w, "event: reload\ndata: %d\n\n", time.Now().Unix())
			flusher.Flush()
		}
	}
}

func (h *Host) serveLiveScript(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/javascript")
	if _, err := io.WriteString(w, liveReloadScript(h.namespace+livePath)); err != nil {
		h.logger.Warn("failed to write live reload script", "error", err)
	}
}

func (h *Host) serveHTML(w http.ResponseWriter, r *http.Request, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	html := string(data)
	if h.liveReload {
		html = injectLiveReload(html, h.namespace+liveScriptPath)
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err := io.WriteString(w, html); err != nil {
		h.logger.Warn("failed to write canvas html", "error", err)
	}
}

// ClientCount returns the number of connected live reload streams.
func (h *Host) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Host) addClient(ch chan struct{}) {
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()
}

func (h *Host) removeClient(ch chan struct{}) {
	h.mu.Lock()
	delete(h.clients, ch)
	h.mu.Unlock()
}

func (h *Host) broadcastReload() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.clients {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (h *Host) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	var mu sync.Mutex
	var timer *time.Timer
	schedule := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(reloadDebounce, h.broadcastReload)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-watcher.Events:
			if !ok {
				return
			}
			if evt.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if evt.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(evt.Name); err == nil && info.IsDir() {
					if err := h.watchRecursive(watcher, evt.Name); err != nil {
						h.logger.Warn("failed to watch new directory", "path", evt.Name, "error", err)
					}
				}
			}
			schedule()
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			h.logger.Warn("canvas watch error", "error", err)
		}
	}
}

func (h *Host) watchRecursive(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		return watcher.Add(path)
	})
}

func injectLiveReload(html, scriptURL string) string {
	snippet := `<script src="` + scriptURL + `"></script>`
	if strings.Contains(html, "</body>") {
		return strings.Replace(html, "</body>", snippet+"</body>", 1)
	}
	return html + snippet
}

func liveReloadScript(streamURL string) string {
	return `
(() => {
  const source = new EventSource('` + streamURL + `');
  source.addEventListener('reload', () => {
    window.location.reload();
  });
})();
`
}

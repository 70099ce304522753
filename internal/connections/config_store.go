package connections

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/haasonsaas/linkgate/internal/config"
	"github.com/haasonsaas/linkgate/internal/rpc"
	"github.com/haasonsaas/linkgate/pkg/models"
)

const configCallTimeout = 10000 * time.Millisecond

// SectionEditor rewrites one top-level section of the config document.
// Apply receives a copy of the section (empty if absent) and edits it in
// place; an emptied section is removed from the document.
type SectionEditor interface {
	Section() string
	Apply(section map[string]any)
}

// ConfigStore holds the last loaded config document and persists section
// edits through config.set. Sections it does not edit are written back
// unchanged.
type ConfigStore struct {
	caller    rpc.Caller
	refresher Refresher
	logger    *slog.Logger

	saving atomic.Bool

	mu     sync.Mutex
	root   map[string]any
	path   string
	loaded bool
	status string
	issues []models.ConfigIssue
}

// NewConfigStore returns an empty, unloaded store. refresher may be nil.
func NewConfigStore(caller rpc.Caller, refresher Refresher, logger *slog.Logger) *ConfigStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConfigStore{
		caller:    caller,
		refresher: refresher,
		logger:    logger.With("component", "config-store"),
		root:      map[string]any{},
	}
}

// Load fetches the document. An invalid document is loaded anyway with an
// advisory status. On failure the previous copy and loaded flag are kept.
func (s *ConfigStore) Load(ctx context.Context) error {
	var doc models.ConfigDocument
	err := s.caller.Call(ctx, models.MethodConfigGet, nil, configCallTimeout, &doc)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.status = err.Error()
		return err
	}
	s.path = doc.Path
	s.issues = doc.Issues
	s.root = doc.Config
	if s.root == nil {
		s.root = map[string]any{}
	}
	s.loaded = true
	if doc.Invalid() {
		s.status = fmt.Sprintf("Config invalid; fix it in %s.", s.displayPathLocked())
	} else {
		s.status = ""
	}
	return nil
}

// Save applies editor to the loaded document and writes it. The document is
// loaded first if needed. A concurrent Save returns ErrBusy. On failure the
// edit stays in memory so Save can be retried without reloading.
func (s *ConfigStore) Save(ctx context.Context, editor SectionEditor) error {
	if !s.saving.CompareAndSwap(false, true) {
		return ErrBusy
	}
	defer s.saving.Store(false)

	if !s.Loaded() {
		if err := s.Load(ctx); err != nil {
			return err
		}
	}

	s.mu.Lock()
	name := editor.Section()
	section := cloneSection(s.root[name])
	editor.Apply(section)
	if len(section) == 0 {
		delete(s.root, name)
	} else {
		s.root[name] = section
	}
	raw, err := config.MarshalDocument(s.root)
	if err != nil {
		s.status = err.Error()
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	var result models.ConfigSetResult
	if err := s.caller.Call(ctx, models.MethodConfigSet, models.ConfigSetParams{Raw: string(raw)}, configCallTimeout, &result); err != nil {
		s.setStatus(err.Error())
		return err
	}
	s.logger.Info("config section saved", "section", name, "path", result.Path, "issues", len(result.Issues))

	_ = s.Load(ctx)
	s.mu.Lock()
	if result.Path != "" {
		s.path = result.Path
	}
	s.status = fmt.Sprintf("Saved to %s.", s.displayPathLocked())
	s.mu.Unlock()

	refresh(ctx, s.refresher, true)
	return nil
}

// Loaded reports whether a document has been loaded.
func (s *ConfigStore) Loaded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loaded
}

// Saving reports whether a save is in flight.
func (s *ConfigStore) Saving() bool {
	return s.saving.Load()
}

// Status returns the last display message, or "".
func (s *ConfigStore) Status() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Path returns the gateway-side path of the document.
func (s *ConfigStore) Path() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.path
}

// Issues returns the validation issues reported by the last load.
func (s *ConfigStore) Issues() []models.ConfigIssue {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.ConfigIssue(nil), s.issues...)
}

// Section returns a copy of the named section, or nil.
func (s *ConfigStore) Section(name string) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.root[name]; !ok {
		return nil
	}
	return cloneSection(s.root[name])
}

// TelegramForm projects the telegram section into a form.
func (s *ConfigStore) TelegramForm() TelegramForm {
	return TelegramFormFrom(s.Section(TelegramSection))
}

func (s *ConfigStore) setStatus(status string) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

func (s *ConfigStore) displayPathLocked() string {
	if s.path == "" {
		return "the gateway config file"
	}
	return s.path
}

// cloneSection deep-copies a section value. Non-object values yield an
// empty section.
func cloneSection(v any) map[string]any {
	src, ok := v.(map[string]any)
	if !ok {
		return map[string]any{}
	}
	out, _ := cloneValue(src).(map[string]any)
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = cloneValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = cloneValue(val)
		}
		return out
	default:
		return v
	}
}

// TelegramSection is the config section TelegramForm edits.
const TelegramSection = "telegram"

// TokenEnvLockReason explains why the bot token cannot be edited.
const TokenEnvLockReason = "Token set via TELEGRAM_BOT_TOKEN env; config edits won't override it."

// Locked is a form value that may be read-only. A non-empty Reason means
// editors must not offer the value for editing.
type Locked[T any] struct {
	Value  T
	Reason string
}

// IsLocked reports whether the value is read-only.
func (l Locked[T]) IsLocked() bool {
	return l.Reason != ""
}

// TokenLock returns the lock reason for the bot token given the latest
// status snapshot, or "" when the token is editable.
func TokenLock(snapshot *models.StatusSnapshot) string {
	if snapshot == nil || !snapshot.Telegram.TokenLocked() {
		return ""
	}
	return TokenEnvLockReason
}

// TelegramForm is the editable projection of the telegram section. Text
// fields that are blank after trimming unset their key. AllowFrom is a
// comma-separated list.
type TelegramForm struct {
	BotToken       Locked[string]
	RequireMention bool
	AllowFrom      string
	Proxy          string
	WebhookURL     string
	WebhookSecret  string
	WebhookPath    string
}

var _ SectionEditor = TelegramForm{}

// TelegramFormFrom projects a telegram section. requireMention defaults to
// true; allowFrom entries may be numbers or strings.
func TelegramFormFrom(section map[string]any) TelegramForm {
	form := TelegramForm{
		BotToken:       Locked[string]{Value: stringField(section, "botToken")},
		RequireMention: true,
		AllowFrom:      joinAllowFrom(section["allowFrom"]),
		Proxy:          stringField(section, "proxy"),
		WebhookURL:     stringField(section, "webhookUrl"),
		WebhookSecret:  stringField(section, "webhookSecret"),
		WebhookPath:    stringField(section, "webhookPath"),
	}
	if v, ok := section["requireMention"].(bool); ok {
		form.RequireMention = v
	}
	return form
}

// Section implements SectionEditor.
func (f TelegramForm) Section() string {
	return TelegramSection
}

// Apply implements SectionEditor. requireMention is written only when
// false since true is the default.
func (f TelegramForm) Apply(section map[string]any) {
	setOrDelete(section, "botToken", f.BotToken.Value)
	if f.RequireMention {
		delete(section, "requireMention")
	} else {
		section["requireMention"] = false
	}
	if allow := SplitAllowFrom(f.AllowFrom); len(allow) > 0 {
		list := make([]any, len(allow))
		for i, entry := range allow {
			list[i] = entry
		}
		section["allowFrom"] = list
	} else {
		delete(section, "allowFrom")
	}
	setOrDelete(section, "proxy", f.Proxy)
	setOrDelete(section, "webhookUrl", f.WebhookURL)
	setOrDelete(section, "webhookSecret", f.WebhookSecret)
	setOrDelete(section, "webhookPath", f.WebhookPath)
}

// SplitAllowFrom splits a comma-separated allow list, trimming entries and
// dropping empty ones.
func SplitAllowFrom(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func joinAllowFrom(v any) string {
	list, ok := v.([]any)
	if !ok {
		return ""
	}
	entries := make([]string, 0, len(list))
	for _, entry := range list {
		switch e := entry.(type) {
		case string:
			entries = append(entries, e)
		case json.Number:
			if n, err := e.Int64(); err == nil {
				entries = append(entries, strconv.FormatInt(n, 10))
			} else if f, err := e.Float64(); err == nil {
				entries = append(entries, strconv.FormatInt(int64(f), 10))
			}
		case float64:
			entries = append(entries, strconv.FormatInt(int64(e), 10))
		case int:
			entries = append(entries, strconv.Itoa(e))
		case int64:
			entries = append(entries, strconv.FormatInt(e, 10))
		}
	}
	return strings.Join(entries, ", ")
}

func stringField(section map[string]any, key string) string {
	s, _ := section[key].(string)
	return s
}

func setOrDelete(section map[string]any, key, value string) {
	if value = strings.TrimSpace(value); value == "" {
		delete(section, key)
		return
	}
	section[key] = value
}

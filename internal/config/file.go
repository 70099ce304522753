package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/haasonsaas/linkgate/pkg/models"
)

// File is the gateway-owned config document on disk. Reads and writes are
// serialized; writes replace the file atomically.
type File struct {
	path string
	mu   sync.Mutex
}

// NewFile returns a File for path. The file does not need to exist.
func NewFile(path string) *File {
	return &File{path: ExpandPath(path)}
}

// ErrInvalidDocument is returned by WriteRaw when the text does not parse to
// an object.
var ErrInvalidDocument = errors.New("config is not a JSON object")

// Path returns the absolute-or-as-given path of the document.
func (f *File) Path() string {
	return f.path
}

// Snapshot reads the document and reports its validity. A missing file is a
// valid empty document. A parse failure yields valid=false with a single
// issue at the root; the raw text is still returned.
func (f *File) Snapshot() (*models.ConfigDocument, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc := &models.ConfigDocument{Path: f.path}
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			doc.Exists = models.Bool(false)
			doc.Valid = models.Bool(true)
			doc.Config = map[string]any{}
			doc.Parsed = json.RawMessage("{}")
			return doc, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	doc.Exists = models.Bool(true)
	doc.Raw = string(data)

	root, err := parseRawBytes(data, f.path)
	if err != nil {
		doc.Valid = models.Bool(false)
		doc.Issues = []models.ConfigIssue{{Path: "", Message: err.Error()}}
		return doc, nil
	}
	doc.Config = root
	if parsed, err := json.Marshal(root); err == nil {
		doc.Parsed = parsed
	}

	issues, err := checkDocument(root)
	if err != nil {
		return nil, err
	}
	doc.Issues = issues
	doc.Valid = models.Bool(len(issues) == 0)
	return doc, nil
}

// WriteRaw replaces the document with raw, which must parse to an object.
// Schema issues do not block the write; they are returned so callers can
// surface them.
func (f *File) WriteRaw(raw string) ([]models.ConfigIssue, error) {
	root, err := parseRawBytes([]byte(raw), f.path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	issues, err := checkDocument(root)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.writeLocked([]byte(raw)); err != nil {
		return nil, err
	}
	return issues, nil
}

// ClearTelegramToken removes telegram.botToken from the document. It reports
// whether a token was present. An emptied telegram section is removed.
func (f *File) ClearTelegramToken() (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("read config: %w", err)
	}
	root, err := parseRawBytes(data, f.path)
	if err != nil {
		return false, fmt.Errorf("parse config: %w", err)
	}
	section, ok := root["telegram"].(map[string]any)
	if !ok {
		return false, nil
	}
	token, ok := section["botToken"].(string)
	if !ok {
		return false, nil
	}
	delete(section, "botToken")
	if len(section) == 0 {
		delete(root, "telegram")
	}
	out, err := MarshalDocument(root)
	if err != nil {
		return false, err
	}
	if err := f.writeLocked(out); err != nil {
		return false, err
	}
	return strings.TrimSpace(token) != "", nil
}

func (f *File) writeLocked(data []byte) error {
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp config: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp config: %w", err)
	}
	if prev, err := os.ReadFile(f.path); err == nil {
		_ = os.WriteFile(f.path+".bak", prev, 0o600)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}

// checkDocument returns schema issues plus any typed validation failure.
func checkDocument(root map[string]any) ([]models.ConfigIssue, error) {
	issues, err := Validate(root)
	if err != nil {
		return nil, err
	}
	if len(issues) > 0 {
		return issues, nil
	}
	cfg, err := decodeRawConfig(root)
	if err != nil {
		return []models.ConfigIssue{{Path: "", Message: err.Error()}}, nil
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return []models.ConfigIssue{{Path: "", Message: err.Error()}}, nil
	}
	return nil, nil
}

// MarshalDocument renders a document as indented JSON with sorted keys and
// without HTML escaping, followed by a newline.
func MarshalDocument(root map[string]any) ([]byte, error) {
	if root == nil {
		root = map[string]any{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(root); err != nil {
		return nil, fmt.Errorf("serialize config: %w", err)
	}
	return buf.Bytes(), nil
}

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"
)

// includeKeys are checked in order; the first one present wins.
var includeKeys = []string{"$include", "include"}

var envRefPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// rawLoader reads a tree of config files joined by include directives.
type rawLoader struct {
	getenv func(string) string
	// active holds the files currently being read, outermost first.
	active []string
}

// LoadRaw reads the config file at path into one merged map. Included files
// are merged first, so the including file overrides them.
func LoadRaw(path string) (map[string]any, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("config path is required")
	}
	l := &rawLoader{getenv: os.Getenv}
	return l.load(path)
}

func (l *rawLoader) load(path string) (map[string]any, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	for _, open := range l.active {
		if open == abs {
			chain := append(append([]string{}, l.active...), abs)
			return nil, fmt.Errorf("config include cycle: %s", strings.Join(chain, " -> "))
		}
	}
	l.active = append(l.active, abs)
	defer func() { l.active = l.active[:len(l.active)-1] }()

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, err
	}
	doc, err := parseRawBytes(l.expand(data), abs)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", abs, err)
	}
	includes, err := takeIncludes(doc)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", abs, err)
	}

	base := map[string]any{}
	for _, inc := range includes {
		target := ExpandPath(inc)
		if !filepath.IsAbs(target) {
			target = filepath.Join(filepath.Dir(abs), target)
		}
		included, err := l.load(target)
		if err != nil {
			return nil, err
		}
		base = mergeMaps(base, included)
	}
	return mergeMaps(base, doc), nil
}

// expand substitutes ${VAR} references. A bare $VAR is kept, which leaves
// "$include" intact.
func (l *rawLoader) expand(data []byte) []byte {
	return envRefPattern.ReplaceAllFunc(data, func(ref []byte) []byte {
		return []byte(l.getenv(string(envRefPattern.FindSubmatch(ref)[1])))
	})
}

// parseRawBytes decodes one document: JSON5 for .json and .json5 files,
// YAML for everything else. An empty document decodes to an empty map.
func parseRawBytes(data []byte, pathHint string) (map[string]any, error) {
	var doc map[string]any
	switch strings.ToLower(filepath.Ext(pathHint)) {
	case ".json", ".json5":
		if len(bytes.TrimSpace(data)) > 0 {
			if err := json5.Unmarshal(data, &doc); err != nil {
				return nil, err
			}
		}
	default:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		var extra any
		if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
			return nil, errors.New("config holds more than one YAML document")
		}
	}
	if doc == nil {
		doc = map[string]any{}
	}
	return doc, nil
}

// takeIncludes removes the include directive from doc and returns its
// non-blank paths.
func takeIncludes(doc map[string]any) ([]string, error) {
	for _, key := range includeKeys {
		value, ok := doc[key]
		if !ok {
			continue
		}
		delete(doc, key)

		var entries []any
		switch v := value.(type) {
		case nil:
		case string:
			entries = []any{v}
		case []any:
			entries = v
		default:
			return nil, fmt.Errorf("%s must be a path or a list of paths", key)
		}
		paths := make([]string, 0, len(entries))
		for _, entry := range entries {
			p, ok := entry.(string)
			if !ok {
				return nil, fmt.Errorf("%s entries must be strings", key)
			}
			if strings.TrimSpace(p) != "" {
				paths = append(paths, p)
			}
		}
		return paths, nil
	}
	return nil, nil
}

// mergeMaps deep-merges src over dst and returns dst. Only maps merge;
// lists and scalars from src replace.
func mergeMaps(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	for key, value := range src {
		sub, isMap := value.(map[string]any)
		existing, hasMap := dst[key].(map[string]any)
		if isMap && hasMap {
			dst[key] = mergeMaps(existing, sub)
		} else {
			dst[key] = value
		}
	}
	return dst
}

// decodeRawConfig maps the merged document onto Config through yaml so the
// struct tags are the single source of key names. Sections Config does not
// know are dropped here and survive only in the raw document.
func decodeRawConfig(raw map[string]any) (*Config, error) {
	encoded, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(encoded, cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

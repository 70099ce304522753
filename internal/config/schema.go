package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/haasonsaas/linkgate/pkg/models"
	invopop "github.com/invopop/jsonschema"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

var (
	schemaOnce     sync.Once
	schemaJSON     []byte
	schemaCompiled *jsonschema.Schema
	schemaErr      error
)

// JSONSchema returns the JSON Schema for the Config struct. Unknown sections
// and keys are allowed so that documents written by newer tools still load.
func JSONSchema() ([]byte, error) {
	initSchema()
	return schemaJSON, schemaErr
}

func initSchema() {
	schemaOnce.Do(func() {
		r := &invopop.Reflector{
			FieldNameTag:              "yaml",
			AllowAdditionalProperties: true,
			Anonymous:                 true,
		}
		schema := r.Reflect(&Config{})
		schemaJSON, schemaErr = json.MarshalIndent(schema, "", "  ")
		if schemaErr != nil {
			return
		}
		schemaCompiled, schemaErr = jsonschema.CompileString("linkgate_config.json", string(schemaJSON))
	})
}

// Validate checks a raw document against the config schema and returns one
// issue per failing leaf, ordered by path. Paths are dotted ("gateway.port").
func Validate(raw map[string]any) ([]models.ConfigIssue, error) {
	initSchema()
	if schemaErr != nil {
		return nil, fmt.Errorf("config schema: %w", schemaErr)
	}
	// Round trip through JSON so YAML-decoded integers validate like JSON
	// numbers.
	payload, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("serialize config: %w", err)
	}
	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	err = schemaCompiled.Validate(doc)
	if err == nil {
		return nil, nil
	}
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return nil, err
	}
	issues := flattenValidationError(verr, nil)
	sort.SliceStable(issues, func(i, j int) bool { return issues[i].Path < issues[j].Path })
	return issues, nil
}

func flattenValidationError(verr *jsonschema.ValidationError, out []models.ConfigIssue) []models.ConfigIssue {
	if len(verr.Causes) == 0 {
		return append(out, models.ConfigIssue{
			Path:    dottedPath(verr.InstanceLocation),
			Message: verr.Message,
		})
	}
	for _, cause := range verr.Causes {
		out = flattenValidationError(cause, out)
	}
	return out
}

// dottedPath turns a JSON pointer ("/gateway/port") into "gateway.port".
func dottedPath(pointer string) string {
	pointer = strings.TrimPrefix(pointer, "/")
	if pointer == "" {
		return ""
	}
	parts := strings.Split(pointer, "/")
	for i, part := range parts {
		part = strings.ReplaceAll(part, "~1", "/")
		parts[i] = strings.ReplaceAll(part, "~0", "~")
	}
	return strings.Join(parts, ".")
}

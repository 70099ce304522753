package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/linkgate/pkg/models"
)

// frameSchemas holds the compiled request envelope and per-method params
// schemas.
type frameSchemas struct {
	request *jsonschema.Schema
	params  map[models.Method]*jsonschema.Schema
}

var loadFrameSchemas = sync.OnceValues(compileFrameSchemas)

func compileFrameSchemas() (*frameSchemas, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020

	sources := map[string]string{"request.json": requestFrameSchema}
	for method, schema := range paramsSchemaSources {
		sources[schemaURL(method)] = schema
	}
	for url, src := range sources {
		if err := c.AddResource(url, strings.NewReader(src)); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", url, err)
		}
	}

	out := &frameSchemas{params: make(map[models.Method]*jsonschema.Schema, len(paramsSchemaSources))}
	var err error
	if out.request, err = c.Compile("request.json"); err != nil {
		return nil, fmt.Errorf("compile request schema: %w", err)
	}
	for method := range paramsSchemaSources {
		if out.params[method], err = c.Compile(schemaURL(method)); err != nil {
			return nil, fmt.Errorf("compile %s params schema: %w", method, err)
		}
	}
	return out, nil
}

func schemaURL(method models.Method) string {
	return "params/" + string(method) + ".json"
}

// validateWSRequestFrame checks the request envelope only; params are
// checked per method at dispatch.
func validateWSRequestFrame(raw []byte) error {
	schemas, err := loadFrameSchemas()
	if err != nil {
		return err
	}
	var frame any
	if err := json.Unmarshal(raw, &frame); err != nil {
		return err
	}
	return schemas.request.Validate(frame)
}

// validateMethodParams checks params against the method's schema. Missing
// params validate as an empty object; unknown methods pass.
func validateMethodParams(method string, raw json.RawMessage) error {
	schemas, err := loadFrameSchemas()
	if err != nil {
		return err
	}
	schema, ok := schemas.params[models.Method(method)]
	if !ok {
		return nil
	}
	var params any = map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &params); err != nil {
			return err
		}
	}
	err = schema.Validate(params)
	var verr *jsonschema.ValidationError
	if errors.As(err, &verr) {
		return errors.New(leafMessage(verr))
	}
	return err
}

// leafMessage reports the deepest first cause, prefixed with its location.
func leafMessage(verr *jsonschema.ValidationError) string {
	for len(verr.Causes) > 0 {
		verr = verr.Causes[0]
	}
	if verr.InstanceLocation == "" {
		return verr.Message
	}
	return verr.InstanceLocation + ": " + verr.Message
}

const requestFrameSchema = `{
  "type": "object",
  "required": ["type", "id", "method"],
  "properties": {
    "type": {"const": "req"},
    "id": {"type": "string", "minLength": 1},
    "method": {"type": "string", "minLength": 1}
  }
}`

const objectParams = `{"type": "object"}`

const timeoutOnlyParams = `{
  "type": "object",
  "properties": {"timeoutMs": {"type": "integer", "minimum": 0}}
}`

var paramsSchemaSources = map[models.Method]string{
	models.MethodConnect: `{
  "type": "object",
  "required": ["minProtocol", "maxProtocol", "client"],
  "properties": {
    "minProtocol": {"type": "integer", "minimum": 1},
    "maxProtocol": {"type": "integer", "minimum": 1},
    "client": {
      "type": "object",
      "required": ["id", "version", "platform"],
      "properties": {
        "id": {"type": "string", "minLength": 1},
        "version": {"type": "string", "minLength": 1},
        "platform": {"type": "string", "minLength": 1}
      }
    }
  }
}`,
	models.MethodProvidersStatus: `{
  "type": "object",
  "properties": {
    "probe": {"type": "boolean"},
    "timeoutMs": {"type": "integer", "minimum": 0}
  }
}`,
	models.MethodWebLoginStart: `{
  "type": "object",
  "properties": {
    "force": {"type": "boolean"},
    "timeoutMs": {"type": "integer", "minimum": 0}
  }
}`,
	models.MethodWebLoginWait:   timeoutOnlyParams,
	models.MethodWebLogout:      objectParams,
	models.MethodTelegramLogout: objectParams,
	models.MethodConfigGet:      objectParams,
	models.MethodConfigSet: `{
  "type": "object",
  "required": ["raw"],
  "properties": {"raw": {"type": "string", "minLength": 2}}
}`,
}

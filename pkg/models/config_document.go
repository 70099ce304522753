package models

import "encoding/json"

// ConfigIssue is one validation problem found in the config document.
type ConfigIssue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// ConfigDocument is the gateway's view of the persisted configuration file.
//
// When Valid is false, Config may still hold a best-effort parse; it must not
// be written back without reloading first.
type ConfigDocument struct {
	Path   string          `json:"path,omitempty"`
	Exists *bool           `json:"exists,omitempty"`
	Raw    string          `json:"raw,omitempty"`
	Parsed json.RawMessage `json:"parsed,omitempty"`
	Valid  *bool           `json:"valid,omitempty"`
	Config map[string]any  `json:"config,omitempty"`
	Issues []ConfigIssue   `json:"issues,omitempty"`
}

// Invalid reports whether the gateway flagged the document as invalid. An
// absent Valid means unknown and is not treated as invalid.
func (d *ConfigDocument) Invalid() bool {
	return d != nil && d.Valid != nil && !*d.Valid
}

// Section returns the named top-level section as a map, or nil.
func (d *ConfigDocument) Section(name string) map[string]any {
	if d == nil || d.Config == nil {
		return nil
	}
	section, _ := d.Config[name].(map[string]any)
	return section
}

// Bool returns a pointer to b.
func Bool(b bool) *bool { return &b }

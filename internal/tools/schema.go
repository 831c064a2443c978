package tools

import (
	"encoding/json"
	"strings"
)

// Schema is the JSON-Schema-shaped parameter description published to
// the model. Property types are normalized before publication so the
// model only ever sees the canonical six.
type Schema struct {
	Type       string              `json:"type"`
	Properties map[string]Property `json:"properties,omitempty"`
	Required   []string            `json:"required,omitempty"`
}

// Property describes one named parameter.
type Property struct {
	Type        string    `json:"type"`
	Description string    `json:"description,omitempty"`
	Items       *Property `json:"items,omitempty"`
	Enum        []string  `json:"enum,omitempty"`
	Default     any       `json:"default,omitempty"`
}

// canonicalTypes is the closed set a published schema may use.
var canonicalTypes = map[string]bool{
	"string": true, "integer": true, "number": true,
	"boolean": true, "array": true, "object": true,
}

// NormalizeType maps free-text type annotations onto the canonical set.
// Authors write whatever their source language suggests ("str",
// "list[str]", "Dict[str, Any]"); the model gets JSON-Schema types.
func NormalizeType(raw string) string {
	t := strings.ToLower(strings.TrimSpace(raw))
	if canonicalTypes[t] {
		return t
	}
	switch {
	case t == "str" || strings.HasPrefix(t, "str["):
		return "string"
	case t == "int" || strings.HasPrefix(t, "int["):
		return "integer"
	case t == "float" || t == "double" || strings.HasPrefix(t, "float["):
		return "number"
	case t == "bool":
		return "boolean"
	case strings.HasPrefix(t, "list") || strings.HasPrefix(t, "array") ||
		strings.HasPrefix(t, "sequence") || strings.HasPrefix(t, "tuple") ||
		strings.HasPrefix(t, "set"):
		return "array"
	case strings.HasPrefix(t, "dict") || strings.HasPrefix(t, "map") ||
		strings.HasPrefix(t, "object") || strings.HasPrefix(t, "mapping"):
		return "object"
	case strings.HasPrefix(t, "optional[") && strings.HasSuffix(t, "]"):
		return NormalizeType(t[len("optional[") : len(t)-1])
	}
	return "string"
}

// Normalize rewrites every type in the schema to the canonical set and
// defaults the top-level type to "object".
func (s *Schema) Normalize() {
	if s.Type == "" {
		s.Type = "object"
	} else {
		s.Type = NormalizeType(s.Type)
	}
	for name, prop := range s.Properties {
		prop.normalize()
		s.Properties[name] = prop
	}
}

func (p *Property) normalize() {
	p.Type = NormalizeType(p.Type)
	if p.Items != nil {
		p.Items.normalize()
	}
}

// JSON renders the schema for the function-calling payload. A schema
// without properties renders as an empty object schema.
func (s Schema) JSON() json.RawMessage {
	if s.Type == "" {
		s.Type = "object"
	}
	if s.Properties == nil {
		s.Properties = map[string]Property{}
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return json.RawMessage(`{"type":"object","properties":{}}`)
	}
	return raw
}

// FunctionSpec is one entry of the tool array published to the model,
// already in OpenAI function-calling shape.
type FunctionSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"

	googleschema "github.com/google/jsonschema-go/jsonschema"
	"github.com/invopop/jsonschema"
	"github.com/mealmate/mealmate-mcp/mcp"
)

// reflectInputSchema reflects A into the simplified tool input schema. Unknown
// fields are always rejected.
func reflectInputSchema[A any]() mcp.ToolInputSchema {
	r := &jsonschema.Reflector{
		DoNotReference:            true,
		ExpandedStruct:            true,
		AllowAdditionalProperties: false,
	}
	s := r.Reflect(new(A))

	out := mcp.ToolInputSchema{
		Type:       "object",
		Properties: map[string]mcp.SchemaProperty{},
	}
	if s == nil || s.Type != "object" {
		return out
	}
	if s.Properties != nil {
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			out.Properties[el.Key] = toProperty(el.Value)
		}
	}
	if len(s.Required) > 0 {
		out.Required = append([]string(nil), s.Required...)
	}
	return out
}

func toProperty(s *jsonschema.Schema) mcp.SchemaProperty {
	if s == nil {
		return mcp.SchemaProperty{}
	}
	p := mcp.SchemaProperty{
		Type:        s.Type,
		Description: s.Description,
		Format:      s.Format,
		MinLength:   s.MinLength,
		MinItems:    s.MinItems,
	}
	if len(s.Enum) > 0 {
		p.Enum = s.Enum
	}
	if v, err := s.Minimum.Float64(); err == nil && s.Minimum != "" {
		p.Minimum = &v
	}
	if v, err := s.Maximum.Float64(); err == nil && s.Maximum != "" {
		p.Maximum = &v
	}
	if s.Type == "array" && s.Items != nil {
		item := toProperty(s.Items)
		p.Items = &item
	}
	if s.Type == "object" {
		closed := false
		p.AdditionalProperties = &closed
		if s.Properties != nil {
			m := make(map[string]mcp.SchemaProperty, s.Properties.Len())
			for el := s.Properties.Oldest(); el != nil; el = el.Next() {
				m[el.Key] = toProperty(el.Value)
			}
			p.Properties = m
		}
		if len(s.Required) > 0 {
			p.Required = append([]string(nil), s.Required...)
		}
	}
	return p
}

// validator checks raw tool arguments against a declared input schema.
type validator struct {
	declared mcp.ToolInputSchema
	resolved *googleschema.Resolved
}

func newValidator(in mcp.ToolInputSchema) (*validator, error) {
	b, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("marshal input schema: %w", err)
	}
	var s googleschema.Schema
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("load input schema: %w", err)
	}
	rs, err := s.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("resolve input schema: %w", err)
	}
	return &validator{declared: in, resolved: rs}, nil
}

var (
	propertyPathRe = regexp.MustCompile(`/properties/([A-Za-z0-9_]+)`)
	quotedNameRe   = regexp.MustCompile(`\\?"([A-Za-z0-9_]+)\\?"`)
)

// validate decodes raw into a generic JSON value and validates it. The
// returned error is a *ValidationError naming the offending fields.
func (v *validator) validate(tool string, raw json.RawMessage) error {
	instance := map[string]any{}
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &instance); err != nil {
			return &ValidationError{Tool: tool, Reason: "arguments must be a JSON object"}
		}
	}

	var missing []string
	for _, name := range v.declared.Required {
		if _, ok := instance[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return &ValidationError{Tool: tool, Fields: missing, Reason: "missing required " + strings.Join(missing, ", ")}
	}

	var unknown []string
	for name := range instance {
		if _, ok := v.declared.Properties[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		slices.Sort(unknown)
		return &ValidationError{Tool: tool, Fields: unknown, Reason: "unexpected " + strings.Join(unknown, ", ")}
	}

	err := v.resolved.Validate(instance)
	if err == nil {
		return nil
	}
	return &ValidationError{Tool: tool, Fields: fieldsOf(err), Reason: lastSegment(err.Error())}
}

// fieldsOf extracts the top-level argument names a validation error refers to.
func fieldsOf(err error) []string {
	msg := err.Error()
	if m := propertyPathRe.FindStringSubmatch(msg); m != nil {
		return []string{m[1]}
	}
	var fields []string
	if strings.Contains(msg, "additional properties") || strings.Contains(msg, "missing properties") {
		for _, m := range quotedNameRe.FindAllStringSubmatch(msg, -1) {
			if !slices.Contains(fields, m[1]) {
				fields = append(fields, m[1])
			}
		}
	}
	return fields
}

// decodeFields maps a json decode failure onto the argument it concerns.
func decodeFields(err error) []string {
	var te *json.UnmarshalTypeError
	if errors.As(err, &te) && te.Field != "" {
		return []string{strings.SplitN(te.Field, ".", 2)[0]}
	}
	const unknown = "json: unknown field "
	if msg := err.Error(); strings.HasPrefix(msg, unknown) {
		return []string{strings.Trim(strings.TrimPrefix(msg, unknown), `"`)}
	}
	return nil
}

func lastSegment(msg string) string {
	if i := strings.LastIndex(msg, ": "); i >= 0 {
		head := msg[:i]
		if j := strings.LastIndex(head, ": "); j >= 0 {
			return msg[j+2:]
		}
	}
	return msg
}

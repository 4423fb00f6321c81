// Package schema implements field-typed payload validation, version
// freezing, and forward/backward migration transforms (§4.6).
package schema

import (
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/anvilhq/anvil/pkg/anvilerr"
)

// FieldType is one of the value kinds a Field may take (§3).
type FieldType string

const (
	FieldText        FieldType = "text"
	FieldSelect      FieldType = "select"
	FieldMultiselect FieldType = "multiselect"
	FieldRange       FieldType = "range"
	FieldNumber      FieldType = "number"
	FieldBoolean     FieldType = "boolean"
	FieldDate        FieldType = "date"
	FieldDatetime    FieldType = "datetime"
)

// PIILevel flags how sensitive a field's values are (§3).
type PIILevel string

const (
	PIINone     PIILevel = "none"
	PIIPossible PIILevel = "possible"
	PIILikely   PIILevel = "likely"
	PIIDefinite PIILevel = "definite"
)

// RedactionPolicy names the export-time treatment for a field (§4.10).
type RedactionPolicy string

const (
	RedactPreserve     RedactionPolicy = "preserve"
	RedactStrip        RedactionPolicy = "strip"
	RedactTruncate     RedactionPolicy = "truncate"
	RedactHash         RedactionPolicy = "hash"
	RedactRegexRedact  RedactionPolicy = "regex_redact"
)

// FieldMetadata carries the PII and retention annotations from §3.
type FieldMetadata struct {
	PII             PIILevel
	RetentionDays   int // 0 means infinite retention
	RedactionPolicy RedactionPolicy
}

// Field is one entry in a SchemaVersion's Definition (§3).
type Field struct {
	Name     string
	Type     FieldType
	Required bool
	Options  []string // select / multiselect
	Min      *float64 // range / number
	Max      *float64
	Pattern  string // text, compiled lazily
	Default  any
	Metadata FieldMetadata

	compiledPattern *regexp.Regexp
}

// Definition is an ordered set of Fields, identified by name within a
// SchemaVersion.
type Definition struct {
	Fields []Field
}

func (d Definition) field(name string) (Field, bool) {
	for _, f := range d.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// SortedFieldNames returns field names in lexicographic order, the column
// order the export engine uses (§4.11).
func (d Definition) SortedFieldNames() []string {
	names := make([]string, len(d.Fields))
	for i, f := range d.Fields {
		names[i] = f.Name
	}
	sort.Strings(names)
	return names
}

// Validate checks a raw payload against the definition (§4.6). Unknown
// keys are silently stripped; this tolerance is intentional. Returns the
// normalized payload or an ordered list of FieldErrors.
func Validate(def Definition, payload map[string]any) (map[string]any, []anvilerr.FieldError) {
	var errs []anvilerr.FieldError
	out := make(map[string]any, len(def.Fields))

	for _, f := range def.Fields {
		raw, present := payload[f.Name]
		if !present || raw == nil {
			if f.Required {
				errs = append(errs, anvilerr.FieldError{Field: f.Name, Error: "required"})
			}
			continue
		}
		normalized, err := validateField(f, raw)
		if err != "" {
			errs = append(errs, anvilerr.FieldError{Field: f.Name, Error: err, Provided: raw})
			continue
		}
		out[f.Name] = normalized
	}
	return out, errs
}

func validateField(f Field, raw any) (any, string) {
	switch f.Type {
	case FieldText:
		s, ok := raw.(string)
		if !ok {
			return nil, "expected string"
		}
		if f.Pattern != "" {
			re := f.compiledPattern
			if re == nil {
				var err error
				re, err = regexp.Compile(f.Pattern)
				if err != nil {
					return nil, "invalid pattern configuration"
				}
			}
			if !re.MatchString(s) {
				return nil, "does not match pattern"
			}
		}
		if f.Max != nil && float64(len(s)) > *f.Max {
			return nil, "exceeds max length"
		}
		return s, ""

	case FieldSelect:
		s, ok := raw.(string)
		if !ok {
			return nil, "expected string"
		}
		if !contains(f.Options, s) {
			return nil, "not one of the allowed options"
		}
		return s, ""

	case FieldMultiselect:
		list, ok := toStringSlice(raw)
		if !ok {
			return nil, "expected list of strings"
		}
		seen := make(map[string]bool, len(list))
		for _, v := range list {
			if !contains(f.Options, v) {
				return nil, fmt.Sprintf("%q is not one of the allowed options", v)
			}
			if seen[v] {
				return nil, fmt.Sprintf("duplicate value %q", v)
			}
			seen[v] = true
		}
		return list, ""

	case FieldRange:
		n, ok := toFloat(raw)
		if !ok || n != float64(int64(n)) {
			return nil, "expected integer"
		}
		if f.Min != nil && n < *f.Min {
			return nil, "below minimum"
		}
		if f.Max != nil && n > *f.Max {
			return nil, "above maximum"
		}
		return int64(n), ""

	case FieldNumber:
		n, ok := toFloat(raw)
		if !ok {
			return nil, "expected finite number"
		}
		return n, ""

	case FieldBoolean:
		b, ok := raw.(bool)
		if !ok {
			return nil, "expected boolean"
		}
		return b, ""

	case FieldDate:
		s, ok := raw.(string)
		if !ok {
			return nil, "expected string"
		}
		if _, err := time.Parse("2006-01-02", s); err != nil {
			return nil, "expected ISO-8601 date"
		}
		return s, ""

	case FieldDatetime:
		s, ok := raw.(string)
		if !ok {
			return nil, "expected string"
		}
		if _, err := time.Parse(time.RFC3339, s); err != nil {
			return nil, "expected ISO-8601 datetime"
		}
		return s, ""

	default:
		return nil, "unknown field type"
	}
}

func contains(options []string, v string) bool {
	for _, o := range options {
		if o == v {
			return true
		}
	}
	return false
}

func toStringSlice(v any) ([]string, bool) {
	list, ok := v.([]any)
	if !ok {
		if strs, ok := v.([]string); ok {
			return strs, true
		}
		return nil, false
	}
	out := make([]string, len(list))
	for i, item := range list {
		s, ok := item.(string)
		if !ok {
			return nil, false
		}
		out[i] = s
	}
	return out, true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, !isInfOrNaN(n)
	case float32:
		return float64(n), !isInfOrNaN(float64(n))
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func isInfOrNaN(f float64) bool {
	return f != f || f > maxFinite || f < -maxFinite
}

const maxFinite = 1.7976931348623157e+308

// Transform migrates payloads between adjacent SchemaVersions (§4.6).
// Forward(Backward(x)) and Backward(Forward(x)) must be identity for all x
// valid under the respective version (P7).
type Transform interface {
	Forward(old map[string]any) (map[string]any, error)
	Backward(new map[string]any) (map[string]any, error)
}

// RenameTransform is the common case: a field was renamed between
// versions, with all other fields passing through unchanged.
type RenameTransform struct {
	// OldToNew maps predecessor field names to their new names.
	OldToNew map[string]string
}

func (t RenameTransform) Forward(old map[string]any) (map[string]any, error) {
	return renameKeys(old, t.OldToNew), nil
}

func (t RenameTransform) Backward(new map[string]any) (map[string]any, error) {
	inverse := make(map[string]string, len(t.OldToNew))
	for old, newName := range t.OldToNew {
		inverse[newName] = old
	}
	return renameKeys(new, inverse), nil
}

func renameKeys(in map[string]any, mapping map[string]string) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		if renamed, ok := mapping[k]; ok {
			out[renamed] = v
			continue
		}
		out[k] = v
	}
	return out
}

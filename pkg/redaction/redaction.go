// Package redaction applies per-field PII policies to payloads at export
// time (§4.10).
package redaction

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"

	"github.com/anvilhq/anvil/pkg/schema"
)

// Mode is the export-wide redaction mode (§4.10).
type Mode string

const (
	ModeNone       Mode = "none"
	ModeAutomatic  Mode = "automatic"
	ModeAggressive Mode = "aggressive"
)

const defaultTruncateLen = 100

// defaultPatterns are applied by regex_redact when the caller supplies
// none: email, SSN, phone, credit card, in that order.
var defaultPatterns = []*regexp.Regexp{
	regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`),
	regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
	regexp.MustCompile(`\b(?:\+?1[-. ]?)?\(?\d{3}\)?[-. ]?\d{3}[-. ]?\d{4}\b`),
	regexp.MustCompile(`\b(?:\d[ -]*?){13,16}\b`),
}

// Redactor applies field policies to payloads for one schema definition.
type Redactor struct {
	def      schema.Definition
	mode     Mode
	salt     []byte
	patterns []*regexp.Regexp
}

// New builds a Redactor for def under mode. salt is used by the hash
// policy; patterns overrides the default regex_redact pattern set when
// non-empty (§4.10).
func New(def schema.Definition, mode Mode, salt []byte, patterns []*regexp.Regexp) *Redactor {
	if len(patterns) == 0 {
		patterns = defaultPatterns
	}
	return &Redactor{def: def, mode: mode, salt: salt, patterns: patterns}
}

// Apply redacts payload in place (on a copy) per field, returning the row
// to emit. A stripped field is simply absent from the result.
func (r *Redactor) Apply(payload map[string]any) map[string]any {
	if r.mode == ModeNone {
		return payload
	}

	out := make(map[string]any, len(payload))
	for _, f := range r.def.Fields {
		v, present := payload[f.Name]
		if !present {
			continue
		}
		policy := f.Metadata.RedactionPolicy
		if r.mode == ModeAggressive && f.Metadata.PII != schema.PIINone {
			policy = schema.RedactStrip
		}
		redacted, keep := r.applyPolicy(policy, v)
		if keep {
			out[f.Name] = redacted
		}
	}
	return out
}

func (r *Redactor) applyPolicy(policy schema.RedactionPolicy, v any) (any, bool) {
	switch policy {
	case schema.RedactStrip:
		return nil, false
	case schema.RedactTruncate:
		s, ok := v.(string)
		if !ok {
			return v, true
		}
		if len(s) > defaultTruncateLen {
			return s[:defaultTruncateLen], true
		}
		return s, true
	case schema.RedactHash:
		s := fmt.Sprintf("%v", v)
		h := sha256.Sum256(append(append([]byte{}, r.salt...), s...))
		return hex.EncodeToString(h[:]), true
	case schema.RedactRegexRedact:
		s, ok := v.(string)
		if !ok {
			return v, true
		}
		for _, re := range r.patterns {
			s = re.ReplaceAllString(s, "[REDACTED]")
		}
		return s, true
	case schema.RedactPreserve, "":
		return v, true
	default:
		return v, true
	}
}

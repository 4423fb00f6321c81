package redaction

import (
	"testing"

	"github.com/anvilhq/anvil/pkg/schema"
)

func fieldDef() schema.Definition {
	return schema.Definition{Fields: []schema.Field{
		{Name: "cat", Type: schema.FieldSelect, Metadata: schema.FieldMetadata{PII: schema.PIINone, RedactionPolicy: schema.RedactPreserve}},
		{Name: "email", Type: schema.FieldText, Metadata: schema.FieldMetadata{PII: schema.PIIDefinite, RedactionPolicy: schema.RedactStrip}},
		{Name: "notes", Type: schema.FieldText, Metadata: schema.FieldMetadata{PII: schema.PIIPossible, RedactionPolicy: schema.RedactRegexRedact}},
		{Name: "ssn_hash", Type: schema.FieldText, Metadata: schema.FieldMetadata{PII: schema.PIIDefinite, RedactionPolicy: schema.RedactHash}},
	}}
}

func TestApplyModeNone(t *testing.T) {
	r := New(fieldDef(), ModeNone, []byte("salt"), nil)
	payload := map[string]any{"cat": "a", "email": "x@y.com"}
	got := r.Apply(payload)
	if got["email"] != "x@y.com" {
		t.Errorf("mode none should preserve everything, got %v", got)
	}
}

func TestApplyAutomaticStripsDeclaredPolicy(t *testing.T) {
	r := New(fieldDef(), ModeAutomatic, []byte("salt"), nil)
	payload := map[string]any{"cat": "a", "email": "user@example.com"}
	got := r.Apply(payload)
	if _, present := got["email"]; present {
		t.Errorf("email should have been stripped, got %v", got["email"])
	}
	if got["cat"] != "a" {
		t.Errorf("cat should be preserved, got %v", got["cat"])
	}
}

func TestApplyAggressiveStripsAllPII(t *testing.T) {
	r := New(fieldDef(), ModeAggressive, []byte("salt"), nil)
	payload := map[string]any{"cat": "a", "notes": "call me at 555-123-4567"}
	got := r.Apply(payload)
	if _, present := got["notes"]; present {
		t.Errorf("aggressive mode should strip any non-none PII field, got %v", got["notes"])
	}
	if got["cat"] != "a" {
		t.Errorf("non-PII field should be preserved, got %v", got["cat"])
	}
}

func TestApplyRegexRedact(t *testing.T) {
	r := New(fieldDef(), ModeAutomatic, []byte("salt"), nil)
	payload := map[string]any{"notes": "reach me at someone@example.com please"}
	got := r.Apply(payload)
	if got["notes"] == payload["notes"] {
		t.Errorf("expected email to be redacted, got unchanged: %v", got["notes"])
	}
}

func TestApplyHashIsDeterministic(t *testing.T) {
	r := New(fieldDef(), ModeAutomatic, []byte("salt"), nil)
	p1 := r.Apply(map[string]any{"ssn_hash": "123-45-6789"})
	p2 := r.Apply(map[string]any{"ssn_hash": "123-45-6789"})
	if p1["ssn_hash"] != p2["ssn_hash"] {
		t.Errorf("hash policy should be deterministic for the same input and salt")
	}
	if p1["ssn_hash"] == "123-45-6789" {
		t.Errorf("hash policy should not leak the raw value")
	}
}

package schema

import (
	"testing"
)

func ptr(f float64) *float64 { return &f }

func TestValidate(t *testing.T) {
	def := Definition{Fields: []Field{
		{Name: "cat", Type: FieldSelect, Required: true, Options: []string{"a", "b", "c"}},
		{Name: "tags", Type: FieldMultiselect, Options: []string{"x", "y"}},
		{Name: "confidence", Type: FieldRange, Min: ptr(0), Max: ptr(5)},
		{Name: "score", Type: FieldNumber},
		{Name: "flag", Type: FieldBoolean},
		{Name: "note", Type: FieldText, Max: ptr(10)},
		{Name: "day", Type: FieldDate},
	}}

	tests := []struct {
		name       string
		payload    map[string]any
		wantErrs   int
		wantFields map[string]any
	}{
		{
			name:    "valid minimal",
			payload: map[string]any{"cat": "a"},
			wantFields: map[string]any{
				"cat": "a",
			},
		},
		{
			name:     "missing required",
			payload:  map[string]any{},
			wantErrs: 1,
		},
		{
			name:     "select not in options",
			payload:  map[string]any{"cat": "z"},
			wantErrs: 1,
		},
		{
			name:     "multiselect duplicate",
			payload:  map[string]any{"cat": "a", "tags": []any{"x", "x"}},
			wantErrs: 1,
		},
		{
			name:     "range out of bounds",
			payload:  map[string]any{"cat": "a", "confidence": 10.0},
			wantErrs: 1,
		},
		{
			name:     "range non-integer",
			payload:  map[string]any{"cat": "a", "confidence": 2.5},
			wantErrs: 1,
		},
		{
			name:     "text too long",
			payload:  map[string]any{"cat": "a", "note": "this is way too long"},
			wantErrs: 1,
		},
		{
			name:     "bad date",
			payload:  map[string]any{"cat": "a", "day": "not-a-date"},
			wantErrs: 1,
		},
		{
			name:    "unknown keys stripped silently",
			payload: map[string]any{"cat": "a", "unknown_field": "whatever"},
			wantFields: map[string]any{
				"cat": "a",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			normalized, errs := Validate(def, tt.payload)
			if len(errs) != tt.wantErrs {
				t.Fatalf("got %d errors (%v), want %d", len(errs), errs, tt.wantErrs)
			}
			if tt.wantFields != nil {
				for k, v := range tt.wantFields {
					if normalized[k] != v {
						t.Errorf("normalized[%q] = %v, want %v", k, normalized[k], v)
					}
				}
				if _, ok := normalized["unknown_field"]; ok {
					t.Errorf("unknown_field should have been stripped")
				}
			}
		})
	}
}

func TestSortedFieldNames(t *testing.T) {
	def := Definition{Fields: []Field{
		{Name: "zeta"}, {Name: "alpha"}, {Name: "mid"},
	}}
	got := def.SortedFieldNames()
	want := []string{"alpha", "mid", "zeta"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("SortedFieldNames() = %v, want %v", got, want)
		}
	}
}

func TestRenameTransformRoundTrip(t *testing.T) {
	tr := RenameTransform{OldToNew: map[string]string{"category": "cat"}}

	old := map[string]any{"category": "a", "score": 1.0}
	forward, err := tr.Forward(old)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if forward["cat"] != "a" {
		t.Fatalf("forward[cat] = %v, want a", forward["cat"])
	}

	back, err := tr.Backward(forward)
	if err != nil {
		t.Fatalf("Backward: %v", err)
	}
	if back["category"] != old["category"] || back["score"] != old["score"] {
		t.Errorf("round trip mismatch: got %v, want %v", back, old)
	}
}

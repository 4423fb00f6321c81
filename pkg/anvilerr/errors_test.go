package anvilerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestIs(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind Kind
		want bool
	}{
		{"direct match", StaleErr(), Stale, true},
		{"direct mismatch", StaleErr(), NotFound, false},
		{"wrapped match", fmt.Errorf("context: %w", StaleErr()), Stale, true},
		{"plain error", errors.New("boom"), Stale, false},
		{"nil error", nil, Stale, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Is(tt.err, tt.kind); got != tt.want {
				t.Errorf("Is() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestErrorMessages(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{"forbidden with reason", ForbiddenReason("tenant_mismatch"), "forbidden(tenant_mismatch)"},
		{"forbidden without reason", &Error{Kind: Forbidden}, "forbidden"},
		{"invalid transition", InvalidTransitionf("pending", "completed"), "invalid_transition(pending,completed)"},
		{"validation failed", ValidationFailedErr([]FieldError{{Field: "cat", Error: "required"}}), "validation_failed(1 errors)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := StorageErrf(cause, "writing assignment")
	if !errors.Is(err, cause) {
		t.Errorf("expected errors.Is to find wrapped cause")
	}
}

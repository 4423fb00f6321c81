package assignment

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/anvilhq/anvil/pkg/anvilerr"
	"github.com/anvilhq/anvil/pkg/storage"
)

func TestStart(t *testing.T) {
	now := time.Now()
	a := storage.Assignment{Status: storage.StatusPending, Attempts: 0}

	got, err := Start(a, now, 30*time.Minute)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got.Status != storage.StatusInProgress {
		t.Errorf("status = %v, want in_progress", got.Status)
	}
	if got.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", got.Attempts)
	}
	if got.Deadline == nil || !got.Deadline.Equal(now.Add(30*time.Minute)) {
		t.Errorf("deadline = %v, want %v", got.Deadline, now.Add(30*time.Minute))
	}
}

func TestInvalidTransitions(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name string
		run  func() error
	}{
		{"completed cannot restart", func() error {
			_, err := Start(storage.Assignment{Status: storage.StatusCompleted}, now, time.Minute)
			return err
		}},
		{"pending cannot complete directly", func() error {
			_, err := Complete(storage.Assignment{Status: storage.StatusPending}, uuid.New(), now)
			return err
		}},
		{"expired cannot skip", func() error {
			_, err := Skip(storage.Assignment{Status: storage.StatusExpired}, "reason", now)
			return err
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.run()
			if !anvilerr.Is(err, anvilerr.InvalidTransition) {
				t.Errorf("expected invalid_transition, got %v", err)
			}
		})
	}
}

func TestCompleteSetsLabelID(t *testing.T) {
	now := time.Now()
	labelID := uuid.New()
	a := storage.Assignment{Status: storage.StatusInProgress}

	got, err := Complete(a, labelID, now)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got.LabelID == nil || *got.LabelID != labelID {
		t.Errorf("LabelID = %v, want %v", got.LabelID, labelID)
	}
	if !IsTerminal(got.Status) {
		t.Errorf("completed should be terminal")
	}
}

func TestExpireFromBothPendingAndInProgress(t *testing.T) {
	now := time.Now()
	for _, from := range []storage.AssignmentStatus{storage.StatusPending, storage.StatusInProgress} {
		got, err := Expire(storage.Assignment{Status: from}, now)
		if err != nil {
			t.Fatalf("Expire from %v: %v", from, err)
		}
		if got.Status != storage.StatusExpired || got.ExpiredAt == nil {
			t.Errorf("Expire from %v = %+v, want expired with ExpiredAt set", from, got)
		}
	}
}

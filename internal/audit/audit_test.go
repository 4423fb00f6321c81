package audit

import (
	"context"
	"log/slog"
	"net/http/httptest"
	"net/netip"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/anvilhq/anvil/pkg/storage"
)

func TestClientIP_XForwardedFor(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("X-Forwarded-For", "203.0.113.50, 70.41.3.18")

	ip := clientIP(r)
	want := netip.MustParseAddr("203.0.113.50")
	if ip != want {
		t.Errorf("clientIP = %v, want %v", ip, want)
	}
}

func TestClientIP_XRealIP(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("X-Real-IP", "198.51.100.23")

	ip := clientIP(r)
	want := netip.MustParseAddr("198.51.100.23")
	if ip != want {
		t.Errorf("clientIP = %v, want %v", ip, want)
	}
}

func TestClientIP_RemoteAddr(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "192.0.2.1:12345"

	ip := clientIP(r)
	want := netip.MustParseAddr("192.0.2.1")
	if ip != want {
		t.Errorf("clientIP = %v, want %v", ip, want)
	}
}

func TestClientIP_Precedence(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("X-Forwarded-For", "203.0.113.50")
	r.Header.Set("X-Real-IP", "198.51.100.23")
	r.RemoteAddr = "192.0.2.1:12345"

	ip := clientIP(r)
	want := netip.MustParseAddr("203.0.113.50")
	if ip != want {
		t.Errorf("clientIP = %v, want %v (X-Forwarded-For should take precedence)", ip, want)
	}
}

func TestClientIP_XRealIPFallback(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("X-Real-IP", "198.51.100.23")
	r.RemoteAddr = "192.0.2.1:12345"

	ip := clientIP(r)
	want := netip.MustParseAddr("198.51.100.23")
	if ip != want {
		t.Errorf("clientIP = %v, want %v (X-Real-IP should take precedence over RemoteAddr)", ip, want)
	}
}

func TestClientIP_InvalidXFF(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("X-Forwarded-For", "not-an-ip")
	r.RemoteAddr = "192.0.2.1:12345"

	ip := clientIP(r)
	want := netip.MustParseAddr("192.0.2.1")
	if ip != want {
		t.Errorf("clientIP = %v, want %v (should fall back to RemoteAddr)", ip, want)
	}
}

func TestLog_DropsWhenFull(t *testing.T) {
	w := NewWriter(nil, slog.Default())
	// Don't start the background goroutine — nothing drains the channel.

	for i := 0; i < bufferSize; i++ {
		w.Log(storage.AuditLog{Action: "test", EntityType: "sample"})
	}

	// The next log should be dropped (non-blocking), not deadlock the test.
	w.Log(storage.AuditLog{Action: "dropped", EntityType: "sample"})

	if len(w.entries) != bufferSize {
		t.Errorf("buffer size = %d, want %d", len(w.entries), bufferSize)
	}
}

func TestLogFromRequest_ExtractsFields(t *testing.T) {
	w := NewWriter(nil, slog.Default())
	// Don't start — read the raw entry back off the channel directly.

	r := httptest.NewRequest("POST", "/", nil)
	r.Header.Set("User-Agent", "test-agent/1.0")
	r.Header.Set("X-Real-IP", "198.51.100.23")

	tenantID := uuid.New()
	w.LogFromRequest(r, tenantID, "labeler-1", "labeler", "assignment.completed", "assignment", "a1", nil)

	entry := <-w.entries

	if entry.Tenant != tenantID {
		t.Errorf("Tenant = %v, want %v", entry.Tenant, tenantID)
	}
	if entry.Action != "assignment.completed" {
		t.Errorf("Action = %q, want %q", entry.Action, "assignment.completed")
	}
	if entry.EntityType != "assignment" {
		t.Errorf("EntityType = %q, want %q", entry.EntityType, "assignment")
	}
	if got := entry.Metadata["ip_address"]; got != "198.51.100.23" {
		t.Errorf("Metadata[ip_address] = %v, want 198.51.100.23", got)
	}
	if got := entry.Metadata["user_agent"]; got != "test-agent/1.0" {
		t.Errorf("Metadata[user_agent] = %v, want test-agent/1.0", got)
	}
}

// recordingStore is a minimal storage.Store stub that only implements
// AppendAudit; it exists to exercise the Writer's flush loop without a real
// Store behind it.
type recordingStore struct {
	storage.Store
	mu      sync.Mutex
	entries []storage.AuditLog
}

func (r *recordingStore) AppendAudit(_ context.Context, entry storage.AuditLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
	return nil
}

func (r *recordingStore) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func TestWriterFlushesOnClose(t *testing.T) {
	store := &recordingStore{}
	w := NewWriter(store, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)

	w.Log(storage.AuditLog{Action: "assignment.completed", EntityType: "assignment"})
	w.Log(storage.AuditLog{Action: "label.submitted", EntityType: "label"})

	cancel()
	w.Close()

	if got := store.count(); got != 2 {
		t.Errorf("flushed entries = %d, want 2", got)
	}
}

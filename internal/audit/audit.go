// Package audit implements the §4.12 audit port: every state-changing
// core operation appends an AuditLog entry. The async buffered Writer
// decouples that append from request latency while still flushing
// through storage.Store.AppendAudit, so every entry lands in the same
// durable store the rest of Anvil uses.
package audit

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/anvilhq/anvil/pkg/storage"
)

const (
	bufferSize    = 256
	flushInterval = 2 * time.Second
	flushBatch    = 32
)

// Writer is an async, buffered audit log writer: entries are sent to an
// internal channel and flushed in batches by a background goroutine.
type Writer struct {
	store   storage.Store
	logger  *slog.Logger
	entries chan storage.AuditLog
	wg      sync.WaitGroup
}

// NewWriter creates an audit Writer. Call Start to begin processing entries.
func NewWriter(store storage.Store, logger *slog.Logger) *Writer {
	return &Writer{
		store:   store,
		logger:  logger,
		entries: make(chan storage.AuditLog, bufferSize),
	}
}

// Start begins the background goroutine that flushes audit entries to the
// store and returns immediately. The goroutine exits once the context is
// cancelled (or Close is called) and the entries still buffered have been
// flushed.
func (w *Writer) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(ctx)
	}()
}

// Close waits for all pending entries to be flushed.
func (w *Writer) Close() {
	close(w.entries)
	w.wg.Wait()
}

// Log enqueues an audit entry for async writing. It never blocks the
// caller; if the buffer is full the entry is dropped and a warning is
// logged, since audit delivery is best-effort against write-path latency
// (the authoritative record for every completed operation is the
// Assignment/Label row itself, per §5's shared-resource policy).
func (w *Writer) Log(entry storage.AuditLog) {
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = time.Now()
	}
	select {
	case w.entries <- entry:
	default:
		w.logger.Warn("audit log buffer full, dropping entry",
			"action", entry.Action, "entity_type", entry.EntityType)
	}
}

// LogFromRequest is a convenience method for HTTP handlers: it enqueues an
// entry carrying the caller-resolved tenant/actor plus the request's
// client IP and user agent in metadata.
func (w *Writer) LogFromRequest(r *http.Request, tenant uuid.UUID, actorID, actorType, action, entityType, entityID string, metadata map[string]any) {
	if metadata == nil {
		metadata = map[string]any{}
	}
	if ip := clientIP(r); ip.IsValid() {
		metadata["ip_address"] = ip.String()
	}
	if ua := r.Header.Get("User-Agent"); ua != "" {
		metadata["user_agent"] = ua
	}
	w.Log(storage.AuditLog{
		Tenant:     tenant,
		ActorID:    actorID,
		ActorType:  actorType,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Metadata:   metadata,
		OccurredAt: time.Now(),
	})
}

// run is the background loop that drains the entries channel.
func (w *Writer) run(ctx context.Context) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]storage.AuditLog, 0, flushBatch)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		w.flush(batch)
		batch = batch[:0]
	}

	for {
		select {
		case entry, ok := <-w.entries:
			if !ok {
				flush()
				return
			}
			batch = append(batch, entry)
			if len(batch) >= flushBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			for {
				select {
				case entry, ok := <-w.entries:
					if !ok {
						flush()
						return
					}
					batch = append(batch, entry)
				default:
					flush()
					return
				}
			}
		}
	}
}

// flush writes a batch of entries to the store.
func (w *Writer) flush(entries []storage.AuditLog) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, e := range entries {
		if err := w.store.AppendAudit(ctx, e); err != nil {
			w.logger.Error("writing audit log entry", "error", err,
				"action", e.Action, "entity_type", e.EntityType)
		}
	}
}

// clientIP extracts the client IP address from the request, preferring
// X-Forwarded-For and X-Real-IP headers over RemoteAddr.
func clientIP(r *http.Request) netip.Addr {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.SplitN(xff, ",", 2)
		if addr, err := netip.ParseAddr(strings.TrimSpace(parts[0])); err == nil {
			return addr
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		if addr, err := netip.ParseAddr(strings.TrimSpace(xri)); err == nil {
			return addr
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	addr, _ := netip.ParseAddr(host)
	return addr
}

// Package audit implements the C10 audit pipeline: a bounded in-memory
// queue feeding a background batcher that performs one transactional insert
// per batch, plus query/export/retention on top of the persisted trail.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/lavente/identity-core/internal/coreid"
	"github.com/lavente/identity-core/internal/corestore"
)

// Config configures a Pipeline. BatchSize and FlushInterval bound how long
// an event can sit in the queue before it is durably written.
type Config struct {
	Realm         string
	Store         corestore.Store
	Clock         coreid.Clock
	IDs           coreid.UuidGen
	Logger        *slog.Logger
	QueueSize     int
	BatchSize     int
	FlushInterval time.Duration
}

// Pipeline implements the C10 contract described above the package: events
// are enqueued non-blockingly and written in batches by a single background
// goroutine started with Run.
type Pipeline struct {
	realm  string
	store  corestore.Store
	clock  coreid.Clock
	ids    coreid.UuidGen
	log    *slog.Logger
	queue  chan corestore.AuditEvent
	batch  int
	flush  time.Duration
}

func NewPipeline(cfg Config) *Pipeline {
	if cfg.Clock == nil {
		cfg.Clock = coreid.SystemClock{}
	}
	if cfg.IDs == nil {
		cfg.IDs = coreid.GoogleUUIDGen{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 2 * time.Second
	}
	return &Pipeline{
		realm: cfg.Realm, store: cfg.Store, clock: cfg.Clock, ids: cfg.IDs, log: cfg.Logger,
		queue: make(chan corestore.AuditEvent, cfg.QueueSize),
		batch: cfg.BatchSize, flush: cfg.FlushInterval,
	}
}

// RecordInput is the caller-facing shape for Enqueue; ID and Timestamp are
// filled in by the pipeline so producers never have to carry a clock.
type RecordInput struct {
	EventType  string
	ActorID    *uuid.UUID
	ActorType  corestore.ActorType
	TargetID   *uuid.UUID
	TargetType *string
	Result     corestore.AuditResult
	Metadata   map[string]interface{}
	SessionID  *uuid.UUID
}

// Enqueue is non-blocking: if the queue is full the event is dropped and
// logged rather than applying backpressure to the caller.
func (p *Pipeline) Enqueue(in RecordInput) {
	ev := corestore.AuditEvent{
		ID:         p.ids.New(),
		EventType:  in.EventType,
		Timestamp:  p.clock.Now(),
		ActorID:    in.ActorID,
		ActorType:  in.ActorType,
		TargetID:   in.TargetID,
		TargetType: in.TargetType,
		Result:     in.Result,
		Metadata:   sanitizeMetadata(in.Metadata),
		Realm:      p.realm,
		SessionID:  in.SessionID,
	}
	select {
	case p.queue <- ev:
	default:
		p.log.Error("audit queue full, dropping event", "realm", p.realm, "event_type", in.EventType)
	}
}

// Run starts the background batcher. It blocks until ctx is cancelled, at
// which point it drains whatever is left in the queue exactly once before
// returning.
func (p *Pipeline) Run(ctx context.Context) {
	ticker := time.NewTicker(p.flush)
	defer ticker.Stop()

	buf := make([]corestore.AuditEvent, 0, p.batch)
	for {
		select {
		case ev := <-p.queue:
			buf = append(buf, ev)
			if len(buf) >= p.batch {
				p.flushBatch(ctx, buf)
				buf = buf[:0]
			}
		case <-ticker.C:
			if len(buf) > 0 {
				p.flushBatch(ctx, buf)
				buf = buf[:0]
			}
		case <-ctx.Done():
			p.drain(buf)
			return
		}
	}
}

func (p *Pipeline) drain(buf []corestore.AuditEvent) {
	for {
		select {
		case ev := <-p.queue:
			buf = append(buf, ev)
		default:
			if len(buf) > 0 {
				p.flushBatch(context.Background(), buf)
			}
			return
		}
	}
}

func (p *Pipeline) flushBatch(ctx context.Context, batch []corestore.AuditEvent) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("audit batch insert panicked, discarding batch", "realm", p.realm, "size", len(batch), "panic", r)
		}
	}()
	cp := make([]corestore.AuditEvent, len(batch))
	copy(cp, batch)
	if err := p.store.InsertAuditEvents(ctx, cp); err != nil {
		p.log.Error("audit batch insert failed, discarding batch", "realm", p.realm, "size", len(cp), "error", err)
	}
}

// Query and Count pass the filter straight through to storage; ordering and
// pagination are the store implementation's responsibility.
func (p *Pipeline) Query(ctx context.Context, f corestore.AuditFilter) ([]corestore.AuditEvent, error) {
	return p.store.QueryAuditEvents(ctx, f)
}

func (p *Pipeline) Count(ctx context.Context, f corestore.AuditFilter) (int, error) {
	return p.store.CountAuditEvents(ctx, f)
}

// CleanupOlderThan deletes audit rows strictly before cutoff.
func (p *Pipeline) CleanupOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	return p.store.DeleteAuditEventsOlderThan(ctx, cutoff)
}

// CleanupOldAuditLogs deletes rows older than retention, measured from now.
func (p *Pipeline) CleanupOldAuditLogs(ctx context.Context, retention time.Duration) (int, error) {
	return p.CleanupOlderThan(ctx, p.clock.Now().Add(-retention))
}

// RunRetentionLoop periodically prunes the audit trail until ctx is
// cancelled. One instance per realm.
func (p *Pipeline) RunRetentionLoop(ctx context.Context, retention, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n, err := p.CleanupOldAuditLogs(ctx, retention)
			if err != nil {
				p.log.Error("audit retention sweep failed", "realm", p.realm, "error", err)
				continue
			}
			if n > 0 {
				p.log.Info("audit retention sweep", "realm", p.realm, "deleted", n)
			}
		case <-ctx.Done():
			return
		}
	}
}

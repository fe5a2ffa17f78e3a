package audit_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lavente/identity-core/internal/audit"
	"github.com/lavente/identity-core/internal/coreid"
	"github.com/lavente/identity-core/internal/corestore"
)

// fakeAuditStore embeds a nil corestore.Store and overrides only the Audit
// methods the pipeline calls, so the test doesn't have to hand-implement
// every other entity family on the interface.
type fakeAuditStore struct {
	corestore.Store

	mu       sync.Mutex
	inserted [][]corestore.AuditEvent
	failNext bool
}

func (f *fakeAuditStore) InsertAuditEvents(ctx context.Context, events []corestore.AuditEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return assert.AnError
	}
	cp := make([]corestore.AuditEvent, len(events))
	copy(cp, events)
	f.inserted = append(f.inserted, cp)
	return nil
}

func (f *fakeAuditStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.inserted {
		n += len(b)
	}
	return n
}

func (f *fakeAuditStore) QueryAuditEvents(ctx context.Context, filter corestore.AuditFilter) ([]corestore.AuditEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []corestore.AuditEvent
	for _, b := range f.inserted {
		out = append(out, b...)
	}
	return out, nil
}

func (f *fakeAuditStore) DeleteAuditEventsOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	return 0, nil
}

func newTestPipeline(store *fakeAuditStore) *audit.Pipeline {
	return audit.NewPipeline(audit.Config{
		Realm:         "acme",
		Store:         store,
		Clock:         coreid.NewFixedClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
		IDs:           coreid.GoogleUUIDGen{},
		Logger:        slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1})),
		QueueSize:     10,
		BatchSize:     3,
		FlushInterval: 20 * time.Millisecond,
	})
}

func TestPipeline_FlushesOnBatchSize(t *testing.T) {
	store := &fakeAuditStore{}
	p := newTestPipeline(store)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	for i := 0; i < 3; i++ {
		p.Enqueue(audit.RecordInput{EventType: "login.success", Result: corestore.ResultSuccess, ActorType: corestore.ActorUser})
	}

	require.Eventually(t, func() bool { return store.count() == 3 }, time.Second, 5*time.Millisecond)
}

func TestPipeline_FlushesOnInterval(t *testing.T) {
	store := &fakeAuditStore{}
	p := newTestPipeline(store)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	p.Enqueue(audit.RecordInput{EventType: "login.failed", Result: corestore.ResultFailure})

	require.Eventually(t, func() bool { return store.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestPipeline_DropsWhenQueueFull(t *testing.T) {
	store := &fakeAuditStore{}
	p := audit.NewPipeline(audit.Config{
		Realm: "acme", Store: store,
		Clock: coreid.NewFixedClock(time.Now()), IDs: coreid.GoogleUUIDGen{},
		Logger: slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1})),
		QueueSize: 1, BatchSize: 100, FlushInterval: time.Hour,
	})

	// No Run loop consuming, so the second Enqueue must not block the test.
	done := make(chan struct{})
	go func() {
		p.Enqueue(audit.RecordInput{EventType: "a"})
		p.Enqueue(audit.RecordInput{EventType: "b"})
		p.Enqueue(audit.RecordInput{EventType: "c"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Enqueue blocked on a full queue")
	}

	// Only the first event fit in the queue; draining it must flush exactly one.
	ctx, cancel := context.WithCancel(context.Background())
	go p.Run(ctx)
	cancel()
	require.Eventually(t, func() bool { return store.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestPipeline_DiscardsFailedBatchAndContinues(t *testing.T) {
	store := &fakeAuditStore{failNext: true}
	p := newTestPipeline(store)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	for i := 0; i < 3; i++ {
		p.Enqueue(audit.RecordInput{EventType: "login.success"})
	}
	for i := 0; i < 3; i++ {
		p.Enqueue(audit.RecordInput{EventType: "login.success"})
	}

	require.Eventually(t, func() bool { return store.count() == 3 }, time.Second, 5*time.Millisecond)
}

func TestPipeline_MetadataSanitizedBeforeQueueing(t *testing.T) {
	store := &fakeAuditStore{}
	p := newTestPipeline(store)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	p.Enqueue(audit.RecordInput{
		EventType: "login.failed",
		Metadata: map[string]interface{}{
			"password": "hunter2",
			"note":     "<script>alert(1)</script>",
			"nested":   map[string]interface{}{"session_token": "abc", "name": "a & b"},
		},
	})

	var events []corestore.AuditEvent
	require.Eventually(t, func() bool {
		events, _ = p.Query(ctx, corestore.AuditFilter{})
		return len(events) == 1
	}, time.Second, 5*time.Millisecond)

	meta := events[0].Metadata
	assert.Equal(t, "[REDACTED]", meta["password"])
	assert.Equal(t, "&lt;script&gt;alert(1)&lt;&#x2F;script&gt;", meta["note"])
	nested := meta["nested"].(map[string]interface{})
	assert.Equal(t, "[REDACTED]", nested["session_token"])
	assert.Equal(t, "a &amp; b", nested["name"])
}

func TestPipeline_CleanupOlderThanReturnsStoreDeleteCount(t *testing.T) {
	store := &fakeAuditStore{}
	p := newTestPipeline(store)
	n, err := p.CleanupOlderThan(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestExport_JSONIsPrettyPrintedArray(t *testing.T) {
	store := &fakeAuditStore{inserted: [][]corestore.AuditEvent{{
		{ID: uuid.New(), EventType: "login.success", Realm: "acme", Result: corestore.ResultSuccess},
	}}}
	p := newTestPipeline(store)

	out, err := p.Export(context.Background(), corestore.AuditFilter{}, audit.FormatJSON)
	require.NoError(t, err)
	assert.Contains(t, string(out), "\n  {")
	assert.Contains(t, string(out), "login.success")
}

func TestExport_CSVHasFixedHeader(t *testing.T) {
	store := &fakeAuditStore{inserted: [][]corestore.AuditEvent{{
		{ID: uuid.New(), EventType: "login.success", Realm: "acme", Result: corestore.ResultSuccess, Metadata: map[string]interface{}{"k": "v"}},
	}}}
	p := newTestPipeline(store)

	out, err := p.Export(context.Background(), corestore.AuditFilter{}, audit.FormatCSV)
	require.NoError(t, err)
	lines := string(out)
	assert.Contains(t, lines, "id,eventType,timestamp,actorId,actorType,targetId,targetType,result,realmId,sessionId,metadata")
	assert.Contains(t, lines, "login.success")
}

package syncer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quarterlit/sitecap/internal/domain"
)

// fakeSource mimics the scheduler's unsynced counter.
type fakeSource struct {
	mu       sync.Mutex
	rec      *domain.UsageRecord
	unsynced int
}

func (f *fakeSource) tick(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsynced += n
	if f.rec != nil {
		f.rec.TimeSpent += n
	}
}

func (f *fakeSource) SyncSnapshot() (*domain.UsageRecord, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rec == nil || f.unsynced == 0 {
		return nil, 0
	}
	rec := *f.rec
	n := f.unsynced
	f.unsynced = 0
	return &rec, n
}

func (f *fakeSource) RestoreUnsynced(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsynced += n
}

// fakeTransport fails the first failN writes synchronously.
type fakeTransport struct {
	failN    int
	payloads []domain.SyncPayload
}

func (t *fakeTransport) Write(_ context.Context, p domain.SyncPayload) error {
	if t.failN > 0 {
		t.failN--
		return errors.New("channel unavailable")
	}
	t.payloads = append(t.payloads, p)
	return nil
}

var _ Source = (*fakeSource)(nil)
var _ domain.SyncTransport = (*fakeTransport)(nil)

func TestFlush_NoActiveTimer(t *testing.T) {
	tr := &fakeTransport{}
	a := New(&fakeSource{}, tr, "user-1", "dev-1", time.Minute, zap.NewNop())

	a.Flush(context.Background())
	assert.Empty(t, tr.payloads)
}

func TestFlush_CarriesFullRecord(t *testing.T) {
	src := &fakeSource{rec: &domain.UsageRecord{Site: "social.example", TimeSpent: 120, TimeLimit: 600}}
	src.unsynced = 7
	tr := &fakeTransport{}
	a := New(src, tr, "user-1", "dev-1", time.Minute, zap.NewNop())

	a.Flush(context.Background())

	require.Len(t, tr.payloads, 1)
	p := tr.payloads[0]
	assert.Equal(t, domain.SiteID("social.example"), p.Site)
	assert.Equal(t, 120, p.TimeSpent)
	assert.Equal(t, 600, p.TimeLimit)
	assert.Equal(t, "user-1", p.UserID)
	assert.Equal(t, "dev-1", p.DeviceID)
	assert.NotEmpty(t, p.FlushID)
	assert.Equal(t, 0, src.unsynced)
}

// N failed attempts followed by a success deliver a record covering every
// second ticked since the last success: nothing lost, nothing doubled.
func TestFlush_RetryConvergence(t *testing.T) {
	src := &fakeSource{rec: &domain.UsageRecord{Site: "social.example", TimeLimit: 600}}
	tr := &fakeTransport{failN: 3}
	a := New(src, tr, "user-1", "dev-1", time.Minute, zap.NewNop())
	ctx := context.Background()

	total := 0
	for i := 0; i < 3; i++ {
		src.tick(10)
		total += 10
		a.Flush(ctx)
		assert.Empty(t, tr.payloads)
		assert.Equal(t, total, src.unsynced, "counter restored after synchronous failure")
	}

	src.tick(5)
	total += 5
	a.Flush(ctx)

	require.Len(t, tr.payloads, 1)
	assert.Equal(t, total, tr.payloads[0].TimeSpent)
	assert.Equal(t, 0, src.unsynced)

	// Nothing left to send: the next flush is a no-op, no double count.
	a.Flush(ctx)
	assert.Len(t, tr.payloads, 1)
}

func TestFlushRecord_BestEffort(t *testing.T) {
	tr := &fakeTransport{failN: 1}
	a := New(&fakeSource{}, tr, "user-1", "dev-1", time.Minute, zap.NewNop())

	rec := domain.UsageRecord{Site: "news.example", TimeSpent: 42, TimeLimit: 300}
	a.FlushRecord(context.Background(), rec, 42) // fails, not retried
	assert.Empty(t, tr.payloads)

	a.FlushRecord(context.Background(), rec, 42)
	require.Len(t, tr.payloads, 1)
	assert.Equal(t, 42, tr.payloads[0].TimeSpent)

	a.FlushRecord(context.Background(), rec, 0) // nothing unsynced: no-op
	assert.Len(t, tr.payloads, 1)
}

package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/a11y-scanner/internal/audit"
	"github.com/JakeFAU/a11y-scanner/internal/storage/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type seqIDs struct {
	n atomic.Int64
}

func (s *seqIDs) NewID() (string, error) {
	return fmt.Sprintf("job-%d", s.n.Add(1)), nil
}

type fixture struct {
	store *memory.Store
	clock *fakeClock
	sched *Scheduler
}

func newFixture(t *testing.T, scanIDs ...string) fixture {
	t.Helper()
	store := memory.NewStore()
	clock := &fakeClock{now: time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)}
	for _, id := range scanIDs {
		require.NoError(t, store.CreateScan(context.Background(), audit.Scan{ID: id, URL: "https://example.com/", Status: audit.ScanStatusQueued}))
	}
	return fixture{
		store: store,
		clock: clock,
		sched: NewScheduler(store, &seqIDs{}, clock, Config{}, zap.NewNop()),
	}
}

func TestBackoff(t *testing.T) {
	t.Parallel()

	base, maxDelay := 30*time.Second, 5*time.Minute
	require.Equal(t, 30*time.Second, Backoff(0, base, maxDelay))
	require.Equal(t, 30*time.Second, Backoff(1, base, maxDelay))
	require.Equal(t, 60*time.Second, Backoff(2, base, maxDelay))
	require.Equal(t, 90*time.Second, Backoff(3, base, maxDelay))
	require.Equal(t, 5*time.Minute, Backoff(20, base, maxDelay))
}

func TestEnqueueIsIdempotent(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "scan-1")
	ctx := context.Background()

	first, err := f.sched.Enqueue(ctx, "scan-1", "")
	require.NoError(t, err)
	second, err := f.sched.Enqueue(ctx, "scan-1", "")
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	claim, ok, err := f.sched.ClaimNext(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	third, err := f.sched.Enqueue(ctx, "scan-1", "")
	require.NoError(t, err)
	require.Equal(t, claim.Job.ID, third.ID)
	require.Equal(t, audit.JobStatusRunning, third.Status)

	require.NoError(t, f.sched.Complete(ctx, claim.Job.ID))
	fresh, err := f.sched.Enqueue(ctx, "scan-1", "")
	require.NoError(t, err)
	require.NotEqual(t, first.ID, fresh.ID)
	require.Equal(t, 0, fresh.Attempts)
}

func TestEnqueueResetsFailedJob(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "scan-1")
	ctx := context.Background()
	job, err := f.sched.Enqueue(ctx, "scan-1", "")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, ok, err := f.sched.ClaimNext(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		_, err = f.sched.Fail(ctx, job.ID, "boom")
		require.NoError(t, err)
		f.clock.Advance(10 * time.Minute)
	}
	failed, err := f.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, audit.JobStatusFailed, failed.Status)

	again, err := f.sched.Enqueue(ctx, "scan-1", "")
	require.NoError(t, err)
	require.Equal(t, job.ID, again.ID)
	require.Equal(t, audit.JobStatusQueued, again.Status)
	require.Equal(t, f.clock.Now().UTC(), again.NextRunAt)
	require.Zero(t, again.Attempts)
	require.Empty(t, again.LastError)
}

func TestClaimNextExclusiveLease(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "scan-1", "scan-2")
	ctx := context.Background()
	_, err := f.sched.Enqueue(ctx, "scan-1", "")
	require.NoError(t, err)
	f.clock.Advance(time.Second)
	_, err = f.sched.Enqueue(ctx, "scan-2", "")
	require.NoError(t, err)

	claim, ok, err := f.sched.ClaimNext(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "scan-1", claim.Scan.ID)
	require.Equal(t, audit.ScanStatusRunning, claim.Scan.Status)
	require.Equal(t, 1, claim.Job.Attempts)

	f.clock.Advance(4 * time.Minute)
	_, ok, err = f.sched.ClaimNext(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, f.sched.Complete(ctx, claim.Job.ID))
	next, ok, err := f.sched.ClaimNext(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "scan-2", next.Scan.ID)
}

func TestClaimNextConcurrentPollers(t *testing.T) {
	t.Parallel()

	var ids []string
	for i := 0; i < 10; i++ {
		ids = append(ids, fmt.Sprintf("scan-%d", i))
	}
	f := newFixture(t, ids...)
	ctx := context.Background()
	for _, id := range ids {
		_, err := f.sched.Enqueue(ctx, id, "")
		require.NoError(t, err)
	}

	var (
		wg      sync.WaitGroup
		claimed atomic.Int32
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := f.sched.ClaimNext(ctx)
			if err == nil && ok {
				claimed.Add(1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), claimed.Load())
}

func TestLeaseExpiryReclaims(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "scan-1")
	ctx := context.Background()
	job, err := f.sched.Enqueue(ctx, "scan-1", "")
	require.NoError(t, err)
	_, ok, err := f.sched.ClaimNext(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	f.clock.Advance(4 * time.Minute)
	require.NoError(t, f.sched.Heartbeat(ctx, job.ID))
	f.clock.Advance(4 * time.Minute)
	_, ok, err = f.sched.ClaimNext(ctx)
	require.NoError(t, err)
	require.False(t, ok, "heartbeat should keep the lease alive")

	f.clock.Advance(6 * time.Minute)
	claim, ok, err := f.sched.ClaimNext(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, job.ID, claim.Job.ID)
	require.Equal(t, 2, claim.Job.Attempts)
}

func TestHeartbeatAfterReclaimReportsLeaseLost(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "scan-1", "scan-2")
	ctx := context.Background()
	job, err := f.sched.Enqueue(ctx, "scan-1", "")
	require.NoError(t, err)
	_, ok, err := f.sched.ClaimNext(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, f.store.InTx(ctx, func(tx audit.QueueTx) error {
		j, err := tx.GetJob(ctx, job.ID)
		if err != nil {
			return err
		}
		j.Status = audit.JobStatusQueued
		return tx.UpdateJob(ctx, j)
	}))
	require.ErrorIs(t, f.sched.Heartbeat(ctx, job.ID), audit.ErrLeaseLost)
	require.ErrorIs(t, f.sched.Heartbeat(ctx, "missing"), audit.ErrJobNotFound)
}

func TestPerUserExclusivity(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "scan-1", "scan-2")
	ctx := context.Background()
	ts := f.clock.Now().UTC()

	// A stale RUNNING job of user u1 and a fresh QUEUED job of the same user.
	require.NoError(t, f.store.InTx(ctx, func(tx audit.QueueTx) error {
		if err := tx.InsertJob(ctx, audit.ScanJob{
			ID: "running", ScanID: "scan-1", UserID: "u1", Status: audit.JobStatusRunning,
			Attempts: 1, NextRunAt: ts, CreatedAt: ts, UpdatedAt: ts,
		}); err != nil {
			return err
		}
		return tx.InsertJob(ctx, audit.ScanJob{
			ID: "queued", ScanID: "scan-2", UserID: "u1", Status: audit.JobStatusQueued,
			NextRunAt: ts.Add(-time.Hour), CreatedAt: ts, UpdatedAt: ts,
		})
	}))

	f.clock.Advance(time.Minute)
	_, ok, err := f.sched.ClaimNext(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	// After the lease expires the reclaimed job is re-queued and the earliest due job wins.
	f.clock.Advance(10 * time.Minute)
	claim, ok, err := f.sched.ClaimNext(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "queued", claim.Job.ID)

	reclaimed, err := f.store.GetJob(ctx, "running")
	require.NoError(t, err)
	require.Equal(t, audit.JobStatusQueued, reclaimed.Status)

	// The lease is held again, so nothing else starts.
	_, ok, err = f.sched.ClaimNext(ctx)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestFailBackoffAndTerminal(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "scan-1")
	ctx := context.Background()
	job, err := f.sched.Enqueue(ctx, "scan-1", "")
	require.NoError(t, err)

	for attempt, delay := range []time.Duration{30 * time.Second, 60 * time.Second} {
		_, ok, err := f.sched.ClaimNext(ctx)
		require.NoError(t, err)
		require.True(t, ok, "attempt %d", attempt+1)

		terminal, err := f.sched.Fail(ctx, job.ID, "render crashed")
		require.NoError(t, err)
		require.False(t, terminal)

		stored, err := f.store.GetJob(ctx, job.ID)
		require.NoError(t, err)
		require.Equal(t, audit.JobStatusQueued, stored.Status)
		require.Equal(t, f.clock.Now().UTC().Add(delay), stored.NextRunAt)

		scan, err := f.store.GetScan(ctx, "scan-1")
		require.NoError(t, err)
		require.Empty(t, scan.Error)

		_, ok, err = f.sched.ClaimNext(ctx)
		require.NoError(t, err)
		require.False(t, ok, "job must wait out its backoff")
		f.clock.Advance(delay)
	}

	_, ok, err := f.sched.ClaimNext(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	terminal, err := f.sched.Fail(ctx, job.ID, "render crashed")
	require.NoError(t, err)
	require.True(t, terminal)

	stored, err := f.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, audit.JobStatusFailed, stored.Status)
	require.Equal(t, 3, stored.Attempts)
	scan, err := f.store.GetScan(ctx, "scan-1")
	require.NoError(t, err)
	require.Equal(t, audit.ScanStatusFailed, scan.Status)
	require.Equal(t, "render crashed", scan.Error)

	f.clock.Advance(time.Hour)
	_, ok, err = f.sched.ClaimNext(ctx)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestClaimNextFailsOrphanedJob(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "scan-1")
	ctx := context.Background()
	job, err := f.sched.Enqueue(ctx, "scan-1", "")
	require.NoError(t, err)
	require.NoError(t, f.store.DeleteScan(ctx, "scan-1"))

	_, ok, err := f.sched.ClaimNext(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	stored, err := f.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, audit.JobStatusFailed, stored.Status)
	require.Equal(t, orphanError, stored.LastError)
}

func TestCompleteAndFailUnknownJob(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	require.ErrorIs(t, f.sched.Complete(ctx, "nope"), audit.ErrJobNotFound)
	_, err := f.sched.Fail(ctx, "nope", "x")
	require.ErrorIs(t, err, audit.ErrJobNotFound)
}

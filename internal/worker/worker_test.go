package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/a11y-scanner/internal/audit"
	pubmemory "github.com/JakeFAU/a11y-scanner/internal/publisher/memory"
	"github.com/JakeFAU/a11y-scanner/internal/queue"
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

type runFunc func(ctx context.Context, scan audit.Scan, plan audit.Plan, progress audit.ProgressFunc) (audit.ScanResult, error)

type fakeRunner struct {
	mu    sync.Mutex
	fn    runFunc
	plans []audit.Plan
}

func (r *fakeRunner) Run(ctx context.Context, scan audit.Scan, plan audit.Plan, progress audit.ProgressFunc) (audit.ScanResult, error) {
	r.mu.Lock()
	r.plans = append(r.plans, plan)
	fn := r.fn
	r.mu.Unlock()
	return fn(ctx, scan, plan, progress)
}

func (r *fakeRunner) Plans() []audit.Plan {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]audit.Plan(nil), r.plans...)
}

func succeed(ctx context.Context, scan audit.Scan, _ audit.Plan, progress audit.ProgressFunc) (audit.ScanResult, error) {
	progress(ctx, audit.Progress{PagesDone: 0, PagesTotal: 1})
	progress(ctx, audit.Progress{PagesDone: 1, PagesTotal: 1})
	fs := []audit.Finding{
		{RuleID: "image-alt", Severity: audit.SeverityP0, PageURL: scan.URL, Selector: "img"},
		{RuleID: "label", Severity: audit.SeverityP1, PageURL: scan.URL, Selector: "input"},
	}
	return audit.ScanResult{
		Totals:        audit.Totals{P0: 1, P1: 1, Total: 2},
		SampleFinding: fs[0],
		Findings:      fs,
		Pages:         []audit.PageMeta{{URL: scan.URL, Mode: audit.ModeFull, ElapsedMs: 900}},
	}, nil
}

type fixture struct {
	store  *memory.Store
	clock  *fakeClock
	sched  *queue.Scheduler
	runner *fakeRunner
	events *pubmemory.Publisher
	worker *Worker
}

func newFixture(t *testing.T, fn runFunc) fixture {
	t.Helper()
	store := memory.NewStore()
	clock := &fakeClock{now: time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)}
	sched := queue.NewScheduler(store, &seqIDs{}, clock, queue.Config{}, zap.NewNop())
	runner := &fakeRunner{fn: fn}
	events := pubmemory.New()
	return fixture{
		store:  store,
		clock:  clock,
		sched:  sched,
		runner: runner,
		events: events,
		worker: New(sched, store, runner, events, clock, Config{PollInterval: 10 * time.Millisecond}, zap.NewNop()),
	}
}

func (f fixture) submit(t *testing.T, id string, payment audit.Payment) audit.ScanJob {
	t.Helper()
	scan := audit.Scan{ID: id, URL: "https://example.com/", Status: audit.ScanStatusQueued, Payment: payment}
	if payment.IsPaid {
		plan, err := audit.PlanForTier(payment.Tier)
		require.NoError(t, err)
		scan.Plan = &plan
	}
	require.NoError(t, f.store.CreateScan(context.Background(), scan))
	job, err := f.sched.Enqueue(context.Background(), id, "")
	require.NoError(t, err)
	return job
}

func TestRunOnceEmptyQueue(t *testing.T) {
	t.Parallel()

	f := newFixture(t, succeed)
	processed, err := f.worker.RunOnce(context.Background())
	require.NoError(t, err)
	require.False(t, processed)
}

func TestRunOnceTeaserStoresNoFindings(t *testing.T) {
	t.Parallel()

	f := newFixture(t, succeed)
	job := f.submit(t, "scan-1", audit.Payment{})

	processed, err := f.worker.RunOnce(context.Background())
	require.NoError(t, err)
	require.True(t, processed)
	require.Equal(t, []audit.Plan{audit.TeaserPlan}, f.runner.Plans())

	scan, err := f.store.GetScan(context.Background(), "scan-1")
	require.NoError(t, err)
	require.Equal(t, audit.ScanStatusSucceeded, scan.Status)
	require.Equal(t, 2, scan.Totals.Total)
	require.Equal(t, "image-alt", scan.SampleFinding.RuleID)
	require.Nil(t, scan.Findings)
	require.Len(t, scan.Pages, 1)
	require.Equal(t, audit.Progress{PagesDone: 1, PagesTotal: 1}, scan.Progress)

	stored, err := f.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, audit.JobStatusDone, stored.Status)

	require.Equal(t, []string{
		audit.TopicScanProgress,
		audit.TopicScanProgress,
		audit.TopicScanSucceeded,
	}, f.events.Topics())
}

func TestRunOncePaidStoresFindings(t *testing.T) {
	t.Parallel()

	f := newFixture(t, succeed)
	f.submit(t, "scan-1", audit.Payment{IsPaid: true, Tier: audit.TierStandard})

	processed, err := f.worker.RunOnce(context.Background())
	require.NoError(t, err)
	require.True(t, processed)
	require.Equal(t, 15, f.runner.Plans()[0].MaxPages)

	scan, err := f.store.GetScan(context.Background(), "scan-1")
	require.NoError(t, err)
	require.Len(t, scan.Findings, 2)
}

func TestRunOnceRetriesThenFails(t *testing.T) {
	t.Parallel()

	f := newFixture(t, func(context.Context, audit.Scan, audit.Plan, audit.ProgressFunc) (audit.ScanResult, error) {
		return audit.ScanResult{}, errors.New("browser crashed")
	})
	job := f.submit(t, "scan-1", audit.Payment{})

	for attempt := 1; attempt <= 3; attempt++ {
		processed, err := f.worker.RunOnce(context.Background())
		require.NoError(t, err)
		require.True(t, processed, "attempt %d", attempt)

		stored, err := f.store.GetJob(context.Background(), job.ID)
		require.NoError(t, err)
		require.Equal(t, attempt, stored.Attempts)
		if attempt < 3 {
			require.Equal(t, audit.JobStatusQueued, stored.Status)
			processed, err = f.worker.RunOnce(context.Background())
			require.NoError(t, err)
			require.False(t, processed, "job must wait out its backoff")
			f.clock.Advance(5 * time.Minute)
		} else {
			require.Equal(t, audit.JobStatusFailed, stored.Status)
		}
	}

	scan, err := f.store.GetScan(context.Background(), "scan-1")
	require.NoError(t, err)
	require.Equal(t, audit.ScanStatusFailed, scan.Status)
	require.Equal(t, "browser crashed", scan.Error)
	require.Equal(t, []string{audit.TopicScanFailed}, f.events.Topics())
}

func TestRunOnceRecoversPanics(t *testing.T) {
	t.Parallel()

	f := newFixture(t, func(context.Context, audit.Scan, audit.Plan, audit.ProgressFunc) (audit.ScanResult, error) {
		panic("nil map")
	})
	job := f.submit(t, "scan-1", audit.Payment{})

	processed, err := f.worker.RunOnce(context.Background())
	require.NoError(t, err)
	require.True(t, processed)

	stored, err := f.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, audit.JobStatusQueued, stored.Status)
	require.Contains(t, stored.LastError, "nil map")
}

func TestRunOnceRequeuesScanPaidMidRun(t *testing.T) {
	t.Parallel()

	var f fixture
	f = newFixture(t, func(ctx context.Context, scan audit.Scan, plan audit.Plan, progress audit.ProgressFunc) (audit.ScanResult, error) {
		if plan == audit.TeaserPlan {
			full, err := audit.PlanForTier(audit.TierMini)
			if err != nil {
				return audit.ScanResult{}, err
			}
			if _, err := f.store.UpdateScan(ctx, scan.ID, func(s *audit.Scan) error {
				s.Payment = audit.Payment{IsPaid: true, Tier: audit.TierMini}
				s.Plan = &full
				s.Status = audit.ScanStatusQueued
				return nil
			}); err != nil {
				return audit.ScanResult{}, err
			}
		}
		return succeed(ctx, scan, plan, progress)
	})
	first := f.submit(t, "scan-1", audit.Payment{})

	processed, err := f.worker.RunOnce(context.Background())
	require.NoError(t, err)
	require.True(t, processed)

	scan, err := f.store.GetScan(context.Background(), "scan-1")
	require.NoError(t, err)
	require.Equal(t, audit.ScanStatusQueued, scan.Status)
	require.Nil(t, scan.Findings)
	require.Equal(t, 2, scan.Totals.Total)
	require.NotContains(t, f.events.Topics(), audit.TopicScanSucceeded)

	stored, err := f.store.GetJob(context.Background(), first.ID)
	require.NoError(t, err)
	require.Equal(t, audit.JobStatusDone, stored.Status)

	processed, err = f.worker.RunOnce(context.Background())
	require.NoError(t, err)
	require.True(t, processed)
	plans := f.runner.Plans()
	require.Len(t, plans, 2)
	require.Equal(t, 5, plans[1].MaxPages)

	scan, err = f.store.GetScan(context.Background(), "scan-1")
	require.NoError(t, err)
	require.Equal(t, audit.ScanStatusSucceeded, scan.Status)
	require.Len(t, scan.Findings, 2)
}

// payingScheduler confirms payment for the scan right before the job is completed, the way
// a payment webhook racing the end of a teaser run would.
type payingScheduler struct {
	*queue.Scheduler
	store *memory.Store
	once  sync.Once
}

func (p *payingScheduler) Complete(ctx context.Context, jobID string) error {
	var err error
	p.once.Do(func() {
		job, gerr := p.store.GetJob(ctx, jobID)
		if gerr != nil {
			err = gerr
			return
		}
		full, perr := audit.PlanForTier(audit.TierMini)
		if perr != nil {
			err = perr
			return
		}
		if _, err = p.store.UpdateScan(ctx, job.ScanID, func(s *audit.Scan) error {
			s.Payment = audit.Payment{IsPaid: true, Tier: audit.TierMini}
			s.Plan = &full
			s.Status = audit.ScanStatusQueued
			s.Progress = audit.Progress{}
			return nil
		}); err != nil {
			return
		}
		var active audit.ScanJob
		active, err = p.Scheduler.Enqueue(ctx, job.ScanID, "")
		if err == nil && active.ID != jobID {
			err = fmt.Errorf("expected the running job %s back, got %s", jobID, active.ID)
		}
	})
	if err != nil {
		return err
	}
	return p.Scheduler.Complete(ctx, jobID)
}

func TestRunOnceRequeuesScanPaidBeforeCompletion(t *testing.T) {
	t.Parallel()

	f := newFixture(t, succeed)
	sched := &payingScheduler{Scheduler: f.sched, store: f.store}
	w := New(sched, f.store, f.runner, f.events, f.clock, Config{PollInterval: 10 * time.Millisecond}, zap.NewNop())
	first := f.submit(t, "scan-1", audit.Payment{})

	processed, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	require.True(t, processed)

	stored, err := f.store.GetJob(context.Background(), first.ID)
	require.NoError(t, err)
	require.Equal(t, audit.JobStatusDone, stored.Status)

	scan, err := f.store.GetScan(context.Background(), "scan-1")
	require.NoError(t, err)
	require.Equal(t, audit.ScanStatusQueued, scan.Status)
	require.NotContains(t, f.events.Topics(), audit.TopicScanSucceeded)

	processed, err = w.RunOnce(context.Background())
	require.NoError(t, err)
	require.True(t, processed)
	plans := f.runner.Plans()
	require.Len(t, plans, 2)
	require.Equal(t, audit.TeaserPlan, plans[0])
	require.Equal(t, 5, plans[1].MaxPages)

	scan, err = f.store.GetScan(context.Background(), "scan-1")
	require.NoError(t, err)
	require.Equal(t, audit.ScanStatusSucceeded, scan.Status)
	require.Len(t, scan.Findings, 2)
	require.Contains(t, f.events.Topics(), audit.TopicScanSucceeded)
}

func TestRunOnceAbandonsLostLease(t *testing.T) {
	t.Parallel()

	var f fixture
	f = newFixture(t, func(ctx context.Context, scan audit.Scan, _ audit.Plan, progress audit.ProgressFunc) (audit.ScanResult, error) {
		// Another poller reclaimed the job after the lease expired.
		err := f.store.InTx(ctx, func(tx audit.QueueTx) error {
			running, err := tx.RunningJobs(ctx)
			if err != nil {
				return err
			}
			for _, job := range running {
				job.Status = audit.JobStatusQueued
				if err := tx.UpdateJob(ctx, job); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return audit.ScanResult{}, err
		}
		progress(ctx, audit.Progress{PagesTotal: 1})
		if ctx.Err() != nil {
			return audit.ScanResult{}, fmt.Errorf("scan canceled: %w", ctx.Err())
		}
		return succeed(ctx, scan, audit.TeaserPlan, progress)
	})
	job := f.submit(t, "scan-1", audit.Payment{})

	processed, err := f.worker.RunOnce(context.Background())
	require.NoError(t, err)
	require.True(t, processed)

	stored, err := f.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, audit.JobStatusQueued, stored.Status)
	require.Empty(t, stored.LastError)

	scan, err := f.store.GetScan(context.Background(), "scan-1")
	require.NoError(t, err)
	require.NotEqual(t, audit.ScanStatusSucceeded, scan.Status)
	require.Empty(t, f.events.Messages())
}

func TestRunOnceSkipsWhileBusy(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	release := make(chan struct{})
	f := newFixture(t, func(ctx context.Context, scan audit.Scan, plan audit.Plan, progress audit.ProgressFunc) (audit.ScanResult, error) {
		close(started)
		<-release
		return succeed(ctx, scan, plan, progress)
	})
	f.submit(t, "scan-1", audit.Payment{})
	f.submit(t, "scan-2", audit.Payment{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = f.worker.RunOnce(context.Background())
	}()
	<-started

	processed, err := f.worker.RunOnce(context.Background())
	require.NoError(t, err)
	require.False(t, processed)

	close(release)
	<-done
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	f := newFixture(t, succeed)
	f.submit(t, "scan-1", audit.Payment{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.worker.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		scan, err := f.store.GetScan(context.Background(), "scan-1")
		return err == nil && scan.Status == audit.ScanStatusSucceeded
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after context cancel")
	}
}

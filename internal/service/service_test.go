package service

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/a11y-scanner/internal/audit"
	"github.com/JakeFAU/a11y-scanner/internal/discovery"
	"github.com/JakeFAU/a11y-scanner/internal/hash/sha256"
	"github.com/JakeFAU/a11y-scanner/internal/id/uuid"
	pubmemory "github.com/JakeFAU/a11y-scanner/internal/publisher/memory"
	"github.com/JakeFAU/a11y-scanner/internal/queue"
	"github.com/JakeFAU/a11y-scanner/internal/report"
	"github.com/JakeFAU/a11y-scanner/internal/safety"
	"github.com/JakeFAU/a11y-scanner/internal/storage/memory"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type fakeGate struct{}

func (fakeGate) Validate(_ context.Context, rawURL string) (safety.Target, error) {
	if strings.Contains(rawURL, "127.0.0.1") {
		return safety.Target{}, &safety.ValidationError{Kind: audit.ErrBlockedIP, Input: rawURL}
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return safety.Target{}, &safety.ValidationError{Kind: audit.ErrInvalidURL, Input: rawURL}
	}
	if u.Path == "" {
		u.Path = "/"
	}
	return safety.Target{URL: u}, nil
}

type fakePrimer struct {
	html string
	err  error
}

func (p fakePrimer) Prime(_ context.Context, rawURL string) (discovery.Page, error) {
	if p.err != nil {
		return discovery.Page{}, p.err
	}
	return discovery.Page{URL: rawURL, FinalURL: rawURL, HTML: []byte(p.html)}, nil
}

type fixture struct {
	svc    *Service
	store  *memory.Store
	events *pubmemory.Publisher
	queue  *queue.Scheduler
}

func newFixture(t *testing.T, estimator discovery.Primer) fixture {
	t.Helper()
	store := memory.NewStore()
	clock := fixedClock{now: time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)}
	ids := uuid.New()
	sched := queue.NewScheduler(store, ids, clock, queue.DefaultConfig(), zap.NewNop())
	renderer, err := report.NewHTMLRenderer()
	require.NoError(t, err)
	reports := report.NewGenerator(store, memory.NewBlobStore(), sha256.New(), renderer, clock, zap.NewNop())
	events := pubmemory.New()
	svc := New(Deps{
		Scans:     store,
		Jobs:      store,
		Queue:     sched,
		Gate:      fakeGate{},
		Estimator: estimator,
		Reports:   reports,
		Events:    events,
		IDs:       ids,
		Tokens:    ids,
		Clock:     clock,
	}, Config{EstimateTimeout: time.Second}, zap.NewNop())
	return fixture{svc: svc, store: store, events: events, queue: sched}
}

func TestSubmitScanCreatesTeaserAndJob(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	res, err := f.svc.SubmitScan(context.Background(), SubmitRequest{URL: "https://example.com", AuthorizedToScan: true})
	require.NoError(t, err)
	require.NotEmpty(t, res.ScanID)
	require.NotEmpty(t, res.JobID)
	require.NotEmpty(t, res.ScanToken)
	require.Nil(t, res.DiscoveredPageEstimate)

	scan, err := f.store.GetScan(context.Background(), res.ScanID)
	require.NoError(t, err)
	require.Equal(t, "https://example.com/", scan.URL)
	require.Equal(t, audit.ScanStatusQueued, scan.Status)
	require.False(t, scan.Payment.IsPaid)
	require.Equal(t, res.ScanToken, scan.AccessToken)

	job, err := f.store.GetJob(context.Background(), res.JobID)
	require.NoError(t, err)
	require.Equal(t, res.ScanID, job.ScanID)
	require.Equal(t, audit.JobStatusQueued, job.Status)

	require.Equal(t, []string{audit.TopicScanQueued}, f.events.Topics())
}

func TestSubmitScanRejectsBeforePersisting(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	_, err := f.svc.SubmitScan(context.Background(), SubmitRequest{URL: "https://example.com", AuthorizedToScan: false})
	require.ErrorIs(t, err, audit.ErrNotAuthorized)

	_, err = f.svc.SubmitScan(context.Background(), SubmitRequest{URL: "http://127.0.0.1/", AuthorizedToScan: true})
	require.ErrorIs(t, err, audit.ErrBlockedIP)
	require.True(t, audit.IsInputError(err))

	stale, err := f.store.ListStaleScans(context.Background(), time.Now().Add(time.Hour), 0)
	require.NoError(t, err)
	require.Empty(t, stale)
	require.Empty(t, f.events.Messages())
}

func TestSubmitScanEstimatesPages(t *testing.T) {
	t.Parallel()

	html := `<html><body><a href="/impressum">Impressum</a><a href="/shop">Shop</a><a href="https://other.example/">x</a></body></html>`
	f := newFixture(t, fakePrimer{html: html})
	res, err := f.svc.SubmitScan(context.Background(), SubmitRequest{URL: "https://example.com/", AuthorizedToScan: true})
	require.NoError(t, err)
	require.NotNil(t, res.DiscoveredPageEstimate)
	require.Equal(t, 3, *res.DiscoveredPageEstimate)

	f = newFixture(t, fakePrimer{err: errors.New("connection refused")})
	res, err = f.svc.SubmitScan(context.Background(), SubmitRequest{URL: "https://example.com/", AuthorizedToScan: true})
	require.NoError(t, err)
	require.Nil(t, res.DiscoveredPageEstimate)
}

func TestGetJobStatus(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	res, err := f.svc.SubmitScan(context.Background(), SubmitRequest{URL: "https://example.com/", AuthorizedToScan: true})
	require.NoError(t, err)
	_, err = f.store.UpdateScan(context.Background(), res.ScanID, func(s *audit.Scan) error {
		s.Progress = audit.Progress{PagesDone: 1, PagesTotal: 1}
		s.Totals = &audit.Totals{P1: 2, Total: 2}
		s.SampleFinding = &audit.Finding{RuleID: "label", Severity: audit.SeverityP1}
		return nil
	})
	require.NoError(t, err)

	view, err := f.svc.GetJobStatus(context.Background(), res.JobID)
	require.NoError(t, err)
	require.Equal(t, res.ScanID, view.ScanID)
	require.Equal(t, audit.JobStatusQueued, view.Status)
	require.Equal(t, 1, view.Progress.PagesDone)
	require.Equal(t, 2, view.Totals.Total)
	require.Equal(t, "label", view.SampleFinding.RuleID)

	_, err = f.svc.GetJobStatus(context.Background(), "missing")
	require.ErrorIs(t, err, audit.ErrJobNotFound)
}

func seedFinished(t *testing.T, f fixture, paid bool) SubmitResult {
	t.Helper()
	res, err := f.svc.SubmitScan(context.Background(), SubmitRequest{URL: "https://example.com/", AuthorizedToScan: true})
	require.NoError(t, err)
	if paid {
		_, err = f.svc.MarkPaid(context.Background(), res.ScanID, audit.TierStandard)
		require.NoError(t, err)
	}
	findings := []audit.Finding{
		{RuleID: "image-alt", Severity: audit.SeverityP0, PageURL: "https://example.com/", Selector: "img"},
		{RuleID: "label", Severity: audit.SeverityP1, PageURL: "https://example.com/", Selector: "input"},
	}
	_, err = f.store.UpdateScan(context.Background(), res.ScanID, func(s *audit.Scan) error {
		s.Status = audit.ScanStatusSucceeded
		s.Totals = &audit.Totals{P0: 1, P1: 1, Total: 2}
		s.SampleFinding = &findings[0]
		if s.Payment.IsPaid {
			s.Findings = findings
		}
		return nil
	})
	require.NoError(t, err)
	return res
}

func TestGetScanPaywall(t *testing.T) {
	t.Parallel()

	t.Run("unpaid returns teaser regardless of token", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, nil)
		res := seedFinished(t, f, false)
		for _, token := range []string{"", "wrong", res.ScanToken} {
			view, err := f.svc.GetScan(context.Background(), res.ScanID, token)
			require.NoError(t, err)
			require.Equal(t, 2, view.Totals.Total)
			require.NotNil(t, view.SampleFinding)
			require.Empty(t, view.Findings)
			require.Empty(t, view.ReportURL)
		}
	})

	t.Run("paid with wrong token is denied", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, nil)
		res := seedFinished(t, f, true)
		_, err := f.svc.GetScan(context.Background(), res.ScanID, "wrong")
		require.ErrorIs(t, err, audit.ErrAccessDenied)
		_, err = f.svc.GetScan(context.Background(), res.ScanID, "")
		require.ErrorIs(t, err, audit.ErrAccessDenied)
	})

	t.Run("paid with token unlocks findings", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, nil)
		res := seedFinished(t, f, true)
		view, err := f.svc.GetScan(context.Background(), res.ScanID, res.ScanToken)
		require.NoError(t, err)
		require.True(t, view.IsPaid)
		require.Equal(t, audit.TierStandard, view.Tier)
		require.Equal(t, 15, view.Plan.MaxPages)
		require.Len(t, view.Findings, 2)
	})

	t.Run("missing scan", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, nil)
		_, err := f.svc.GetScan(context.Background(), "missing", "")
		require.ErrorIs(t, err, audit.ErrScanNotFound)
	})
}

func TestMarkPaid(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	first := seedFinished(t, f, true)

	res, err := f.svc.SubmitScan(context.Background(), SubmitRequest{URL: "https://example.com/", AuthorizedToScan: true})
	require.NoError(t, err)

	paid, err := f.svc.MarkPaid(context.Background(), res.ScanID, audit.TierMini)
	require.NoError(t, err)
	require.True(t, paid.Payment.IsPaid)
	require.Equal(t, audit.TierMini, paid.Payment.Tier)
	require.NotNil(t, paid.Payment.PaidAt)
	require.Equal(t, 5, paid.Plan.MaxPages)
	require.Equal(t, audit.ScanStatusQueued, paid.Status)
	require.Equal(t, first.ScanID, paid.PreviousScanID)

	again, err := f.svc.MarkPaid(context.Background(), res.ScanID, audit.TierPlus)
	require.NoError(t, err)
	require.Equal(t, audit.TierMini, again.Payment.Tier)

	paidEvents := 0
	for _, msg := range f.events.Messages() {
		if msg.Topic == audit.TopicScanPaid {
			paidEvents++
		}
	}
	require.Equal(t, 2, paidEvents)

	_, err = f.svc.MarkPaid(context.Background(), res.ScanID, audit.Tier("gold"))
	require.Error(t, err)
	_, err = f.svc.MarkPaid(context.Background(), "missing", audit.TierMini)
	require.ErrorIs(t, err, audit.ErrScanNotFound)
}

func TestGenerateReport(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	res := seedFinished(t, f, true)

	_, err := f.svc.GenerateReport(context.Background(), res.ScanID, "wrong")
	require.ErrorIs(t, err, audit.ErrAccessDenied)

	rep, err := f.svc.GenerateReport(context.Background(), res.ScanID, res.ScanToken)
	require.NoError(t, err)
	require.NotEmpty(t, rep.ArtifactURI)
	require.Len(t, rep.Findings, 2)

	view, err := f.svc.GetScan(context.Background(), res.ScanID, res.ScanToken)
	require.NoError(t, err)
	require.Equal(t, rep.ArtifactURI, view.ReportURL)

	unpaid := seedFinished(t, f, false)
	_, err = f.svc.GenerateReport(context.Background(), unpaid.ScanID, unpaid.ScanToken)
	require.ErrorIs(t, err, audit.ErrAccessDenied)
}

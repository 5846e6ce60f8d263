package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/a11y-scanner/internal/audit"
	"github.com/JakeFAU/a11y-scanner/internal/auditor"
	"github.com/JakeFAU/a11y-scanner/internal/discovery"
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

type fakePrimer struct {
	page discovery.Page
	err  error
}

func (p fakePrimer) Prime(context.Context, string) (discovery.Page, error) {
	return p.page, p.err
}

type fakeAuditor struct {
	clock    *fakeClock
	perPage  time.Duration
	findings func(pageURL string) []audit.Finding
	visited  []string
	budgets  []time.Duration
}

func (a *fakeAuditor) Audit(_ context.Context, pageURL string, budget time.Duration) auditor.Result {
	a.visited = append(a.visited, pageURL)
	a.budgets = append(a.budgets, budget)
	if a.clock != nil {
		a.clock.Advance(a.perPage)
	}
	var fs []audit.Finding
	if a.findings != nil {
		fs = a.findings(pageURL)
	}
	return auditor.Result{Mode: audit.ModeFull, Findings: fs, ElapsedMs: a.perPage.Milliseconds()}
}

type fakeScans map[string]audit.Scan

func (s fakeScans) GetScan(_ context.Context, id string) (audit.Scan, error) {
	scan, ok := s[id]
	if !ok {
		return audit.Scan{}, audit.ErrScanNotFound
	}
	return scan, nil
}

const site = `<a href="/produkte">P</a><a href="/impressum">I</a><a href="/blog">B</a>`

func finding(page, rule string, sev audit.Severity) audit.Finding {
	return audit.Finding{RuleID: rule, PageURL: page, Selector: "h1", Severity: sev}
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func TestRunAuditsDiscoveredPagesInOrder(t *testing.T) {
	t.Parallel()

	clock := newClock()
	aud := &fakeAuditor{clock: clock, perPage: time.Second, findings: func(page string) []audit.Finding {
		return []audit.Finding{finding(page, "image-alt", audit.SeverityP0), finding(page, "region", audit.SeverityP1)}
	}}
	primer := fakePrimer{page: discovery.Page{HTML: []byte(site)}}
	o := New(primer, aud, nil, clock, Config{}, zap.NewNop())

	plan, err := audit.PlanForTier(audit.TierMini)
	require.NoError(t, err)

	var progress []audit.Progress
	res, err := o.Run(context.Background(), audit.Scan{ID: "s1", URL: "https://example.com/"}, plan, func(_ context.Context, p audit.Progress) {
		progress = append(progress, p)
	})
	require.NoError(t, err)

	require.Equal(t, []string{
		"https://example.com/",
		"https://example.com/impressum",
		"https://example.com/produkte",
		"https://example.com/blog",
	}, aud.visited)
	require.Equal(t, []audit.Progress{
		{PagesDone: 0, PagesTotal: 4},
		{PagesDone: 1, PagesTotal: 4},
		{PagesDone: 2, PagesTotal: 4},
		{PagesDone: 3, PagesTotal: 4},
		{PagesDone: 4, PagesTotal: 4},
	}, progress)
	require.Equal(t, audit.Totals{P0: 4, P1: 4, Total: 8}, res.Totals)
	require.Len(t, res.Pages, 4)
	require.Equal(t, audit.ModeFull, res.Pages[0].Mode)
	require.Equal(t, "https://example.com/", res.SampleFinding.PageURL)
	require.Equal(t, "image-alt", res.SampleFinding.RuleID)
	for _, b := range aud.budgets {
		require.Equal(t, 25*time.Second, b)
	}
	require.Nil(t, res.Diff)
}

func TestRunPrimerFailureAuditsStartOnly(t *testing.T) {
	t.Parallel()

	clock := newClock()
	aud := &fakeAuditor{clock: clock, perPage: time.Second}
	o := New(fakePrimer{err: errors.New("render crashed")}, aud, nil, clock, Config{}, zap.NewNop())

	plan, err := audit.PlanForTier(audit.TierPlus)
	require.NoError(t, err)
	res, err := o.Run(context.Background(), audit.Scan{ID: "s1", URL: "https://example.com/"}, plan, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"https://example.com/"}, aud.visited)
	require.Equal(t, NoIssuesRuleID, res.SampleFinding.RuleID)
	require.Empty(t, res.Findings)
	require.Equal(t, audit.Totals{}, res.Totals)
}

func TestRunStopsAtWallTimeBudget(t *testing.T) {
	t.Parallel()

	clock := newClock()
	aud := &fakeAuditor{clock: clock, perPage: 2 * time.Minute}
	o := New(fakePrimer{page: discovery.Page{HTML: []byte(site)}}, aud, nil, clock, Config{}, zap.NewNop())

	plan := audit.Plan{MaxPages: 10, MaxWallTimeMs: (3 * time.Minute).Milliseconds(), MaxPerPageTimeMs: 25000}
	var last audit.Progress
	res, err := o.Run(context.Background(), audit.Scan{ID: "s1", URL: "https://example.com/"}, plan, func(_ context.Context, p audit.Progress) {
		last = p
	})
	require.NoError(t, err)
	require.Len(t, aud.visited, 2)
	require.Len(t, res.Pages, 2)
	require.Equal(t, audit.Progress{PagesDone: 2, PagesTotal: 4}, last)
}

func TestRunEnforcesGlobalFindingCap(t *testing.T) {
	t.Parallel()

	var html string
	for i := 0; i < 6; i++ {
		html += fmt.Sprintf(`<a href="/p%d">p</a>`, i)
	}
	clock := newClock()
	aud := &fakeAuditor{clock: clock, findings: func(page string) []audit.Finding {
		out := make([]audit.Finding, 120)
		for i := range out {
			out[i] = audit.Finding{RuleID: "r", PageURL: page, Selector: fmt.Sprint(i), Severity: audit.SeverityP2}
		}
		return out
	}}
	o := New(fakePrimer{page: discovery.Page{HTML: []byte(html)}}, aud, nil, clock, Config{}, zap.NewNop())

	plan, err := audit.PlanForTier(audit.TierStandard)
	require.NoError(t, err)
	res, err := o.Run(context.Background(), audit.Scan{ID: "s1", URL: "https://example.com/"}, plan, nil)
	require.NoError(t, err)

	require.Len(t, aud.visited, 7)
	require.Len(t, res.Findings, 500)
	require.Equal(t, 500, res.Totals.Total)
	require.Equal(t, "https://example.com/", res.Findings[0].PageURL)
	require.Equal(t, "https://example.com/p3", res.Findings[499].PageURL)
	require.Equal(t, "19", res.Findings[499].Selector)
}

func TestRunDiffsAgainstPreviousPaidScan(t *testing.T) {
	t.Parallel()

	clock := newClock()
	aud := &fakeAuditor{clock: clock, findings: func(page string) []audit.Finding {
		return []audit.Finding{finding(page, "b", audit.SeverityP1), finding(page, "c", audit.SeverityP2)}
	}}
	scans := fakeScans{"prev": {
		ID:       "prev",
		Payment:  audit.Payment{IsPaid: true},
		Findings: []audit.Finding{finding("https://example.com/", "a", audit.SeverityP0), finding("https://example.com/", "b", audit.SeverityP1)},
	}}
	o := New(nil, aud, scans, clock, Config{}, zap.NewNop())

	res, err := o.Run(context.Background(), audit.Scan{ID: "s2", URL: "https://example.com/", PreviousScanID: "prev"}, audit.TeaserPlan, nil)
	require.NoError(t, err)
	require.Equal(t, &audit.DiffSummary{Fixed: 1, New: 1, Persisting: 1}, res.Diff)

	res, err = o.Run(context.Background(), audit.Scan{ID: "s3", URL: "https://example.com/", PreviousScanID: "gone"}, audit.TeaserPlan, nil)
	require.NoError(t, err)
	require.Nil(t, res.Diff)
}

func TestRunCanceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	o := New(nil, &fakeAuditor{}, nil, newClock(), Config{}, zap.NewNop())
	_, err := o.Run(ctx, audit.Scan{ID: "s1", URL: "https://example.com/"}, audit.TeaserPlan, nil)
	require.ErrorIs(t, err, context.Canceled)
}

package discovery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/a11y-scanner/internal/browser"
	"github.com/JakeFAU/a11y-scanner/internal/safety"
)

const maxPrimeBody = 5 << 20

// Page is the rendered start page used to drive discovery.
type Page struct {
	URL      string
	FinalURL string
	HTML     []byte
}

// Primer loads the start page of a scan.
type Primer interface {
	Prime(ctx context.Context, rawURL string) (Page, error)
}

// HeadlessPrimer renders the start page in a browser so script-built navigation is visible.
type HeadlessPrimer struct {
	renderer browser.Renderer
	settle   time.Duration
}

// NewHeadlessPrimer wraps a browser renderer.
func NewHeadlessPrimer(renderer browser.Renderer) *HeadlessPrimer {
	return &HeadlessPrimer{renderer: renderer, settle: 300 * time.Millisecond}
}

// Prime renders rawURL with sub-resources blocked.
func (p *HeadlessPrimer) Prime(ctx context.Context, rawURL string) (Page, error) {
	rendered, err := p.renderer.Render(ctx, rawURL, browser.RenderOptions{BlockSubresources: true, Settle: p.settle})
	if err != nil {
		return Page{}, err
	}
	return Page{URL: rawURL, FinalURL: rendered.FinalURL, HTML: []byte(rendered.HTML)}, nil
}

// HTTPConfig controls the colly-backed primer.
type HTTPConfig struct {
	UserAgent string
	Timeout   time.Duration
}

// HTTPPrimer fetches the start page over plain HTTP with colly. Every connection and
// redirect hop goes through the supplied transport and redirect check.
type HTTPPrimer struct {
	cfg           HTTPConfig
	baseCollector *colly.Collector
}

// NewHTTPPrimer builds a primer over transport. checkRedirect may be nil.
func NewHTTPPrimer(cfg HTTPConfig, transport http.RoundTripper, checkRedirect func(*http.Request, []*http.Request) error) *HTTPPrimer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	c := colly.NewCollector(
		colly.Async(false),
		colly.MaxBodySize(maxPrimeBody),
		colly.IgnoreRobotsTxt(),
		colly.AllowURLRevisit(),
	)
	if transport != nil {
		c.WithTransport(transport)
	}
	if checkRedirect != nil {
		c.SetRedirectHandler(checkRedirect)
	}
	c.SetRequestTimeout(cfg.Timeout)
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	return &HTTPPrimer{cfg: cfg, baseCollector: c}
}

// Prime fetches rawURL and returns its HTML body.
func (p *HTTPPrimer) Prime(ctx context.Context, rawURL string) (Page, error) {
	var (
		page     Page
		fetchErr error
	)
	collector := p.baseCollector.Clone()
	collector.OnResponse(func(r *colly.Response) {
		page = Page{
			URL:      rawURL,
			FinalURL: r.Request.URL.String(),
			HTML:     append([]byte(nil), r.Body...),
		}
	})
	collector.OnError(func(_ *colly.Response, err error) {
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(rawURL)
	}()
	select {
	case <-ctx.Done():
		return Page{}, fmt.Errorf("prime canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return Page{}, fmt.Errorf("colly visit failed: %w", err)
		}
		if fetchErr != nil {
			return Page{}, fmt.Errorf("colly response failed: %w", fetchErr)
		}
		return page, nil
	}
}

// SafeFetcher performs a GET whose every redirect hop is validated, as safety.Gate does.
type SafeFetcher interface {
	FetchSafely(ctx context.Context, rawURL string, opts safety.FetchOptions) (*http.Response, error)
}

// GatePrimer fetches the start page through a SafeFetcher without rendering it.
type GatePrimer struct {
	fetcher SafeFetcher
	opts    safety.FetchOptions
}

// NewGatePrimer builds a primer over fetcher.
func NewGatePrimer(fetcher SafeFetcher, opts safety.FetchOptions) *GatePrimer {
	return &GatePrimer{fetcher: fetcher, opts: opts}
}

// Prime fetches rawURL and returns at most maxPrimeBody bytes of its body.
func (p *GatePrimer) Prime(ctx context.Context, rawURL string) (Page, error) {
	resp, err := p.fetcher.FetchSafely(ctx, rawURL, p.opts)
	if err != nil {
		return Page{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Page{}, fmt.Errorf("prime %s: unexpected status %d", rawURL, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPrimeBody))
	if err != nil {
		return Page{}, fmt.Errorf("read start page: %w", err)
	}
	finalURL := rawURL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}
	return Page{URL: rawURL, FinalURL: finalURL, HTML: body}, nil
}

// ChainPrimer tries each primer in order and returns the first success.
type ChainPrimer struct {
	primers []Primer
	logger  *zap.Logger
}

// NewChainPrimer builds a fallback chain of primers.
func NewChainPrimer(logger *zap.Logger, primers ...Primer) *ChainPrimer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChainPrimer{primers: primers, logger: logger.Named("primer")}
}

// Prime runs the chain.
func (c *ChainPrimer) Prime(ctx context.Context, rawURL string) (Page, error) {
	var errs []error
	for i, p := range c.primers {
		page, err := p.Prime(ctx, rawURL)
		if err == nil {
			return page, nil
		}
		c.logger.Debug("primer failed", zap.Int("index", i), zap.String("url", rawURL), zap.Error(err))
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	if len(errs) == 0 {
		return Page{}, errors.New("no primers configured")
	}
	return Page{}, errors.Join(errs...)
}

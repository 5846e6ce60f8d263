// Package browser drives headless Chrome for page rendering and in-page rule evaluation.
package browser

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/a11y-scanner/internal/safety"
)

// ErrUnavailable is returned by Noop.
var ErrUnavailable = errors.New("headless browser not configured")

const maxForwardBody = 20 << 20

var droppedRequestHeaders = map[string]struct{}{
	"accept-encoding": {}, "connection": {}, "content-length": {}, "host": {},
}

var droppedResponseHeaders = map[string]struct{}{
	"connection": {}, "content-encoding": {}, "content-length": {}, "keep-alive": {}, "transfer-encoding": {},
}

// Guard validates every outbound browser request.
type Guard interface {
	Validate(ctx context.Context, rawURL string) (safety.Target, error)
}

// Config controls the behavior of the headless browser.
type Config struct {
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	ExecPath          string
	NoSandbox         bool
	// Transport, when set, carries every http(s) request of the page instead of Chrome's own
	// network stack, so connections go to the addresses the guard validated.
	Transport http.RoundTripper
}

// RenderOptions tunes a single Render call.
type RenderOptions struct {
	// BlockSubresources drops image, media and font requests.
	BlockSubresources bool
	// Settle waits after the body is ready so late scripts can mutate the DOM.
	Settle time.Duration
	// Scripts are evaluated in order after load; the JSON value of the last one is returned.
	Scripts []string
}

// Page is the outcome of a render.
type Page struct {
	RequestURL string
	FinalURL   string
	Status     int
	HTML       string
	Result     []byte
	Blocked    int
}

// Renderer is implemented by Browser and Noop.
type Renderer interface {
	Render(ctx context.Context, rawURL string, opts RenderOptions) (Page, error)
}

// Browser renders pages with chromedp and headless Chrome.
type Browser struct {
	cfg         Config
	guard       Guard
	logger      *zap.Logger
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
}

// New creates a Browser. A nil guard lets every request through.
func New(cfg Config, guard Guard, logger *zap.Logger) (*Browser, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	if cfg.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Browser{
		cfg:         cfg,
		guard:       guard,
		logger:      logger.Named("browser"),
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close shuts the browser down.
func (b *Browser) Close() {
	b.allocCancel()
}

// Render navigates to rawURL in a fresh tab and returns the rendered DOM.
func (b *Browser) Render(ctx context.Context, rawURL string, opts RenderOptions) (Page, error) {
	if err := b.acquire(ctx); err != nil {
		return Page{}, err
	}
	defer b.release()

	taskCtx, taskCancel := chromedp.NewContext(b.allocator)
	defer taskCancel()
	// Tie the tab to the caller's deadline.
	stop := context.AfterFunc(ctx, taskCancel)
	defer stop()

	timeout := b.cfg.NavigationTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	taskCtx, cancel := context.WithTimeout(taskCtx, timeout)
	defer cancel()

	meta := &responseMeta{}
	interceptor := &interceptor{
		guard:     b.guard,
		transport: b.cfg.Transport,
		block:     opts.BlockSubresources,
		logger:    b.logger,
	}
	chromedp.ListenTarget(taskCtx, func(ev any) {
		switch e := ev.(type) {
		case *network.EventResponseReceived:
			meta.capture(e)
		case *fetch.EventRequestPaused:
			go interceptor.handle(taskCtx, e)
		}
	})

	page := Page{RequestURL: rawURL}
	actions := []chromedp.Action{
		b.setupAction(),
		chromedp.Navigate(rawURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	}
	if opts.Settle > 0 {
		actions = append(actions, chromedp.Sleep(opts.Settle))
	}
	actions = append(actions,
		chromedp.Location(&page.FinalURL),
		chromedp.OuterHTML("html", &page.HTML, chromedp.ByQuery),
	)
	for i, script := range opts.Scripts {
		if i == len(opts.Scripts)-1 {
			actions = append(actions, chromedp.Evaluate(script, &page.Result, awaitPromise))
			continue
		}
		actions = append(actions, chromedp.Evaluate(script, nil))
	}
	if err := chromedp.Run(taskCtx, actions...); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Page{}, fmt.Errorf("render %s: %w", rawURL, ctxErr)
		}
		return Page{}, fmt.Errorf("render %s: %w", rawURL, err)
	}
	page.Status = meta.statusOr(200)
	page.Blocked = interceptor.blockedCount()
	return page, nil
}

func awaitPromise(p *runtime.EvaluateParams) *runtime.EvaluateParams {
	return p.WithAwaitPromise(true).WithReturnByValue(true)
}

func (b *Browser) setupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if b.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(b.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		patterns := []*fetch.RequestPattern{{URLPattern: "*", RequestStage: fetch.RequestStageRequest}}
		if err := fetch.Enable().WithPatterns(patterns).Do(ctx); err != nil {
			return fmt.Errorf("enable fetch domain: %w", err)
		}
		return nil
	})
}

func (b *Browser) acquire(ctx context.Context) error {
	if b.limiter == nil {
		return nil
	}
	select {
	case b.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("browser slot wait canceled: %w", ctx.Err())
	}
}

func (b *Browser) release() {
	if b.limiter == nil {
		return
	}
	select {
	case <-b.limiter:
	default:
	}
}

type interceptor struct {
	guard     Guard
	transport http.RoundTripper
	block     bool
	logger    *zap.Logger

	mu      sync.Mutex
	blocked int
}

func (i *interceptor) handle(ctx context.Context, ev *fetch.EventRequestPaused) {
	c := chromedp.FromContext(ctx)
	if c == nil || c.Target == nil {
		return
	}
	execCtx := cdp.WithExecutor(ctx, c.Target)

	var err error
	if reason := i.verdict(ctx, ev); reason != "" {
		err = i.reject(execCtx, ev, reason)
	} else if i.transport != nil && forwardable(ev) {
		fulfill, ferr := i.forward(ctx, ev)
		switch {
		case ferr == nil:
			err = fulfill.Do(execCtx)
		case isValidationError(ferr):
			err = i.reject(execCtx, ev, ferr.Error())
		default:
			i.logger.Debug("forward request failed", zap.String("url", ev.Request.URL), zap.Error(ferr))
			err = fetch.FailRequest(ev.RequestID, network.ErrorReasonFailed).Do(execCtx)
		}
	} else {
		err = fetch.ContinueRequest(ev.RequestID).Do(execCtx)
	}
	if err != nil && ctx.Err() == nil {
		i.logger.Debug("intercept response failed", zap.Error(err))
	}
}

func (i *interceptor) reject(execCtx context.Context, ev *fetch.EventRequestPaused, reason string) error {
	i.mu.Lock()
	i.blocked++
	i.mu.Unlock()
	i.logger.Debug("request blocked", zap.String("url", ev.Request.URL), zap.String("reason", reason))
	return fetch.FailRequest(ev.RequestID, network.ErrorReasonBlockedByClient).Do(execCtx)
}

// forward performs the paused request over the interceptor's transport and turns the
// response into a fulfill command. Redirects are handed back to Chrome, whose follow-up
// request is paused and checked again.
func (i *interceptor) forward(ctx context.Context, ev *fetch.EventRequestPaused) (*fetch.FulfillRequestParams, error) {
	var body io.Reader
	if ev.Request.HasPostData {
		var buf bytes.Buffer
		for _, entry := range ev.Request.PostDataEntries {
			chunk, err := base64.StdEncoding.DecodeString(entry.Bytes)
			if err != nil {
				return nil, fmt.Errorf("decode post data: %w", err)
			}
			buf.Write(chunk)
		}
		body = &buf
	}
	req, err := http.NewRequestWithContext(ctx, ev.Request.Method, ev.Request.URL, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for name, value := range ev.Request.Headers {
		if _, drop := droppedRequestHeaders[strings.ToLower(name)]; drop {
			continue
		}
		req.Header.Set(name, fmt.Sprint(value))
	}

	resp, err := i.transport.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxForwardBody+1))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if len(data) > maxForwardBody {
		return nil, fmt.Errorf("response larger than %d bytes", maxForwardBody)
	}

	headers := make([]*fetch.HeaderEntry, 0, len(resp.Header))
	for name, values := range resp.Header {
		if _, drop := droppedResponseHeaders[strings.ToLower(name)]; drop {
			continue
		}
		for _, v := range values {
			headers = append(headers, &fetch.HeaderEntry{Name: name, Value: v})
		}
	}
	return fetch.FulfillRequest(ev.RequestID, int64(resp.StatusCode)).
		WithResponseHeaders(headers).
		WithBody(base64.StdEncoding.EncodeToString(data)), nil
}

func forwardable(ev *fetch.EventRequestPaused) bool {
	if ev.Request == nil {
		return false
	}
	u, err := url.Parse(ev.Request.URL)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https")
}

func isValidationError(err error) bool {
	var verr *safety.ValidationError
	return errors.As(err, &verr)
}

// verdict returns a non-empty reason when the paused request must not proceed.
func (i *interceptor) verdict(ctx context.Context, ev *fetch.EventRequestPaused) string {
	if i.block && BlockedResourceType(ev.ResourceType) {
		return "resource type " + ev.ResourceType.String()
	}
	if i.guard == nil || ev.Request == nil {
		return ""
	}
	u, err := url.Parse(ev.Request.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return ""
	}
	if _, err := i.guard.Validate(ctx, ev.Request.URL); err != nil {
		return err.Error()
	}
	return ""
}

func (i *interceptor) blockedCount() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.blocked
}

// BlockedResourceType reports whether sub-resources of this type are dropped during audits.
func BlockedResourceType(t network.ResourceType) bool {
	switch t {
	case network.ResourceTypeImage, network.ResourceTypeMedia, network.ResourceTypeFont:
		return true
	default:
		return false
	}
}

type responseMeta struct {
	mu     sync.RWMutex
	status int
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	m.mu.Lock()
	if m.status == 0 {
		m.status = int(event.Response.Status)
	}
	m.mu.Unlock()
}

func (m *responseMeta) statusOr(fallback int) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.status == 0 {
		return fallback
	}
	return m.status
}

// Noop implements Renderer but always fails; used when headless rendering is disabled.
type Noop struct{}

// Render returns ErrUnavailable.
func (Noop) Render(context.Context, string, RenderOptions) (Page, error) {
	return Page{}, ErrUnavailable
}

package safety

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/a11y-scanner/internal/audit"
)

// FetchOptions tunes a single FetchSafely call.
type FetchOptions struct {
	MaxRedirects int
	Header       http.Header
}

// DialContext resolves addr through the gate and dials the first permitted address.
// Connections are made to the validated IP so a rebinding DNS answer cannot redirect them.
func (g *Gate) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("split dial address: %w", err)
	}
	if isBlockedHostname(host) {
		return nil, &ValidationError{Kind: audit.ErrBlockedHostname, Input: host}
	}
	addrs, err := g.resolve(ctx, host)
	if err != nil {
		return nil, &ValidationError{Kind: audit.ErrDNSUnresolved, Input: host, Reason: err.Error()}
	}
	for _, a := range addrs {
		if g.blocked(a) {
			return nil, &ValidationError{Kind: audit.ErrBlockedIP, Input: host, Reason: a.String()}
		}
	}
	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	var lastErr error
	for _, a := range addrs {
		conn, dialErr := dialer.DialContext(ctx, network, net.JoinHostPort(a.String(), port))
		if dialErr == nil {
			return conn, nil
		}
		lastErr = dialErr
	}
	return nil, fmt.Errorf("dial %s: %w", host, lastErr)
}

// Transport returns an http.Transport whose every connection passes through the gate.
func (g *Gate) Transport() *http.Transport {
	return &http.Transport{
		DialContext:           g.DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          20,
		IdleConnTimeout:       90 * time.Second,
	}
}

// FetchSafely performs a GET without automatic redirects. Each Location hop is re-validated
// before it is followed. The caller owns the returned response body.
func (g *Gate) FetchSafely(ctx context.Context, rawURL string, opts FetchOptions) (*http.Response, error) {
	maxRedirects := opts.MaxRedirects
	if maxRedirects <= 0 || maxRedirects > g.cfg.MaxRedirects {
		maxRedirects = g.cfg.MaxRedirects
	}
	client := &http.Client{
		Transport: g.Transport(),
		Timeout:   g.cfg.Timeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	current := rawURL
	for hop := 0; ; hop++ {
		target, err := g.Validate(ctx, current)
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.URL.String(), nil)
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		for k, values := range opts.Header {
			for _, v := range values {
				req.Header.Add(k, v)
			}
		}
		if g.cfg.UserAgent != "" && req.Header.Get("User-Agent") == "" {
			req.Header.Set("User-Agent", g.cfg.UserAgent)
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("fetch %s: %w", target.URL.Redacted(), err)
		}
		location := resp.Header.Get("Location")
		if !isRedirect(resp.StatusCode) || location == "" {
			return resp, nil
		}
		_ = resp.Body.Close()
		if hop >= maxRedirects {
			return nil, &ValidationError{
				Kind:   audit.ErrRedirectLimitExceeded,
				Input:  rawURL,
				Reason: fmt.Sprintf("more than %d redirects", maxRedirects),
			}
		}
		next, err := target.URL.Parse(location)
		if err != nil {
			return nil, &ValidationError{Kind: audit.ErrInvalidURL, Input: location, Reason: err.Error()}
		}
		g.logger.Debug("following redirect",
			zap.String("from", target.URL.Redacted()),
			zap.String("to", next.Redacted()),
			zap.Int("hop", hop+1),
		)
		current = next.String()
	}
}

// CheckRedirect validates a redirect hop for clients that follow redirects themselves.
func (g *Gate) CheckRedirect(req *http.Request, via []*http.Request) error {
	if len(via) > g.cfg.MaxRedirects {
		return &ValidationError{Kind: audit.ErrRedirectLimitExceeded, Input: req.URL.String()}
	}
	if _, err := g.Validate(req.Context(), req.URL.String()); err != nil {
		return err
	}
	return nil
}

func isRedirect(code int) bool {
	switch code {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	default:
		return false
	}
}

// SameOrigin reports whether two URLs share scheme, host and port.
func SameOrigin(a, b *url.URL) bool {
	return a.Scheme == b.Scheme && a.Hostname() == b.Hostname() && effectivePort(a) == effectivePort(b)
}

func effectivePort(u *url.URL) string {
	if p := u.Port(); p != "" {
		return p
	}
	if u.Scheme == "https" {
		return "443"
	}
	return "80"
}

// Package safety validates scan targets and keeps outbound requests off private networks.
package safety

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/idna"

	"github.com/JakeFAU/a11y-scanner/internal/audit"
)

const (
	defaultCacheTTL     = 60 * time.Second
	defaultMaxRedirects = 5
)

// Resolver looks up the addresses of a hostname.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Config controls gate behavior.
type Config struct {
	CacheTTL     time.Duration
	MaxRedirects int
	Timeout      time.Duration
	UserAgent    string
}

// ValidationError describes why a URL was rejected. Kind is one of the audit input errors.
type ValidationError struct {
	Kind   error
	Input  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%v: %s", e.Kind, e.Input)
	}
	return fmt.Sprintf("%v: %s (%s)", e.Kind, e.Input, e.Reason)
}

// Unwrap exposes the sentinel kind to errors.Is.
func (e *ValidationError) Unwrap() error {
	return e.Kind
}

// Target is a validated URL along with the addresses it resolved to.
type Target struct {
	URL         *url.URL
	ResolvedIPs []netip.Addr
}

type cacheEntry struct {
	addrs   []netip.Addr
	expires time.Time
}

// Gate validates URLs and resolves hosts with a short-lived per-hostname cache.
type Gate struct {
	resolver Resolver
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time
	blocked  func(netip.Addr) bool

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// New constructs a Gate. A nil resolver uses net.DefaultResolver.
func New(resolver Resolver, cfg Config, logger *zap.Logger) *Gate {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultCacheTTL
	}
	if cfg.MaxRedirects <= 0 || cfg.MaxRedirects > defaultMaxRedirects {
		cfg.MaxRedirects = defaultMaxRedirects
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{
		resolver: resolver,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		blocked:  IsBlockedAddr,
		cache:    make(map[string]cacheEntry),
	}
}

// Validate parses rawURL and rejects anything that is not a public http(s) target.
func (g *Gate) Validate(ctx context.Context, rawURL string) (Target, error) {
	u, err := parseTarget(rawURL)
	if err != nil {
		return Target{}, err
	}
	host := u.Hostname()
	if isBlockedHostname(host) {
		return Target{}, &ValidationError{Kind: audit.ErrBlockedHostname, Input: rawURL}
	}
	addrs, err := g.resolve(ctx, host)
	if err != nil {
		return Target{}, &ValidationError{Kind: audit.ErrDNSUnresolved, Input: rawURL, Reason: err.Error()}
	}
	for _, addr := range addrs {
		if g.blocked(addr) {
			return Target{}, &ValidationError{Kind: audit.ErrBlockedIP, Input: rawURL, Reason: addr.String()}
		}
	}
	return Target{URL: u, ResolvedIPs: addrs}, nil
}

func parseTarget(rawURL string) (*url.URL, error) {
	trimmed := strings.TrimSpace(rawURL)
	if trimmed == "" {
		return nil, &ValidationError{Kind: audit.ErrInvalidURL, Input: rawURL, Reason: "empty"}
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return nil, &ValidationError{Kind: audit.ErrInvalidURL, Input: rawURL, Reason: err.Error()}
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, &ValidationError{Kind: audit.ErrInvalidURL, Input: rawURL, Reason: "scheme must be http or https"}
	}
	host := u.Hostname()
	if host == "" {
		return nil, &ValidationError{Kind: audit.ErrInvalidURL, Input: rawURL, Reason: "missing hostname"}
	}
	if _, err := netip.ParseAddr(host); err != nil {
		ascii, idnaErr := idna.Lookup.ToASCII(strings.TrimSuffix(host, "."))
		if idnaErr != nil {
			return nil, &ValidationError{Kind: audit.ErrInvalidURL, Input: rawURL, Reason: idnaErr.Error()}
		}
		if port := u.Port(); port != "" {
			u.Host = net.JoinHostPort(ascii, port)
		} else {
			u.Host = ascii
		}
	}
	return u, nil
}

func isBlockedHostname(host string) bool {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	return host == "localhost" ||
		strings.HasSuffix(host, ".localhost") ||
		strings.HasSuffix(host, ".local")
}

func (g *Gate) resolve(ctx context.Context, host string) ([]netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{addr.Unmap().WithZone("")}, nil
	}
	key := strings.ToLower(host)
	now := g.now()

	g.mu.Lock()
	entry, ok := g.cache[key]
	g.mu.Unlock()
	if ok && now.Before(entry.expires) {
		return entry.addrs, nil
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	records, err := g.resolver.LookupIPAddr(lookupCtx, host)
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", host, err)
	}
	addrs := make([]netip.Addr, 0, len(records))
	for _, rec := range records {
		addr, ok := netip.AddrFromSlice(rec.IP)
		if !ok {
			continue
		}
		addrs = append(addrs, addr.Unmap())
	}
	if len(addrs) == 0 {
		return nil, errors.New("no A/AAAA records")
	}

	g.mu.Lock()
	g.cache[key] = cacheEntry{addrs: addrs, expires: now.Add(g.cfg.CacheTTL)}
	g.mu.Unlock()
	return addrs, nil
}

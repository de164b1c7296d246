package scraper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"marketwatch/watcher-service/internal/settings"
)

const (
	defaultMaxAttempts = 3
	defaultTimeout     = 10 * time.Second
	maxBodyBytes       = 8 << 20
)

// RequestFailedError is returned once every attempt of a logical request has
// been used up. StatusCode is the last HTTP status seen, 0 when the last
// attempt failed at the transport level.
type RequestFailedError struct {
	URL        string
	Attempts   int
	StatusCode int
	Err        error
}

func (e *RequestFailedError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("GET %s failed after %d attempts: status %d", e.URL, e.Attempts, e.StatusCode)
	}
	return fmt.Sprintf("GET %s failed after %d attempts: %v", e.URL, e.Attempts, e.Err)
}

func (e *RequestFailedError) Unwrap() error { return e.Err }

// ClientOptions are the process-level knobs of a Client. Per-run knobs
// (identities, proxies, domain) come from the settings snapshot.
type ClientOptions struct {
	MaxAttempts int
	Timeout     time.Duration
	// Limiter paces outbound requests. It may be shared across clients; nil
	// means unlimited.
	Limiter *rate.Limiter
	// BaseURL replaces https://www.<domain>/ when set.
	BaseURL string
	// Transport is cloned for every client; nil uses http.DefaultTransport.
	Transport *http.Transport
}

// Client talks to the marketplace API. It rotates the outbound user agent
// on soft blocks (401/403/404) and the user agent plus proxy on transport
// failures.
type Client struct {
	baseURL     string
	maxAttempts int
	limiter     *rate.Limiter
	headers     http.Header
	http        *http.Client
	jar         *sessionJar
	identities  *Rotator
	proxies     *Rotator
	log         *zap.Logger

	mu        sync.Mutex
	userAgent string
}

// NewClient builds a Client for one pipeline run.
func NewClient(opts ClientOptions, cfg settings.Scraper, log *zap.Logger) (*Client, error) {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}

	base := opts.BaseURL
	if base == "" {
		if cfg.Domain == "" {
			return nil, errors.New("scraper domain is not configured")
		}
		base = "https://www." + cfg.Domain + "/"
	}
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}

	jar, err := newSessionJar()
	if err != nil {
		return nil, err
	}

	var transport *http.Transport
	if opts.Transport != nil {
		transport = opts.Transport.Clone()
	} else {
		transport = http.DefaultTransport.(*http.Transport).Clone()
	}
	transport.Proxy = proxyFromContext

	identities := cfg.Identities
	if len(identities) == 0 {
		identities = []string{settings.DefaultUserAgent}
	}

	c := &Client{
		baseURL:     base,
		maxAttempts: opts.MaxAttempts,
		limiter:     opts.Limiter,
		headers:     baseHeaders(cfg, base),
		http:        &http.Client{Timeout: opts.Timeout, Jar: jar, Transport: transport},
		jar:         jar,
		identities:  NewRotator(identities, cfg.IdentityRotation),
		proxies:     NewRotator(cfg.ActiveProxies(), cfg.ProxyRotation),
		log:         log.Named("client"),
	}
	c.userAgent = c.identities.Next()
	return c, nil
}

// BaseURL returns the marketplace root the client talks to.
func (c *Client) BaseURL() string { return c.baseURL }

// UserAgent returns the identity the next request will use.
func (c *Client) UserAgent() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userAgent
}

func (c *Client) rotateIdentity() {
	next := c.identities.Next()
	c.mu.Lock()
	c.userAgent = next
	c.mu.Unlock()
}

// Get issues a GET with the retry and rotation policy and returns the body of
// the first 200 response.
func (c *Client) Get(ctx context.Context, rawURL string, params url.Values) ([]byte, error) {
	reqURL := rawURL
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	proxy := c.proxies.Next()
	var (
		lastErr    error
		lastStatus int
	)
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("rate limiter: %w", err)
			}
		}

		status, body, err := c.do(ctx, reqURL, proxy)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr, lastStatus = err, 0
			c.log.Debug("request error",
				zap.String("url", reqURL), zap.Int("attempt", attempt), zap.Error(err))
			if attempt < c.maxAttempts {
				c.rotateIdentity()
				proxy = c.proxies.Next()
			}
			continue
		}

		if status == http.StatusOK {
			return body, nil
		}

		lastErr, lastStatus = fmt.Errorf("unexpected status %d", status), status
		c.log.Debug("non-200 response",
			zap.String("url", reqURL), zap.Int("attempt", attempt), zap.Int("status", status))
		if isSoftBlock(status) && attempt < c.maxAttempts {
			c.rotateIdentity()
			c.refreshCookies(ctx, proxy)
		}
	}

	return nil, &RequestFailedError{
		URL:        rawURL,
		Attempts:   c.maxAttempts,
		StatusCode: lastStatus,
		Err:        lastErr,
	}
}

func (c *Client) do(ctx context.Context, reqURL, proxy string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(withProxy(ctx, proxy), http.MethodGet, reqURL, nil)
	if err != nil {
		return 0, nil, err
	}
	c.applyHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("http GET: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return 0, nil, fmt.Errorf("read body: %w", err)
	}
	return resp.StatusCode, body, nil
}

// refreshCookies drops the session cookies and primes a new session with a
// HEAD to the marketplace root. Failure is logged and ignored.
func (c *Client) refreshCookies(ctx context.Context, proxy string) {
	if err := c.jar.reset(); err != nil {
		c.log.Warn("cookie jar reset failed", zap.Error(err))
		return
	}
	req, err := http.NewRequestWithContext(withProxy(ctx, proxy), http.MethodHead, c.baseURL, nil)
	if err != nil {
		return
	}
	c.applyHeaders(req)
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Debug("cookie refresh failed", zap.Error(err))
		return
	}
	resp.Body.Close()
}

func (c *Client) applyHeaders(req *http.Request) {
	for k, v := range c.headers {
		req.Header[k] = v
	}
	req.Header.Set("User-Agent", c.UserAgent())
}

func baseHeaders(cfg settings.Scraper, base string) http.Header {
	h := http.Header{}
	h.Set("Accept", "application/json, text/plain, */*")
	if cfg.AcceptLanguage != "" {
		h.Set("Accept-Language", cfg.AcceptLanguage)
	}
	h.Set("X-Requested-With", "XMLHttpRequest")
	for k, v := range cfg.Headers {
		h.Set(k, v)
	}
	h.Set("Referer", base)
	return h
}

func isSoftBlock(status int) bool {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return true
	}
	return false
}

// ── Proxy selection ────────────────────────────────────────────────────────

type proxyKey struct{}

func withProxy(ctx context.Context, proxy string) context.Context {
	if proxy == "" {
		return ctx
	}
	return context.WithValue(ctx, proxyKey{}, proxy)
}

// proxyFromContext lets one transport serve every proxy in the pool.
func proxyFromContext(req *http.Request) (*url.URL, error) {
	raw, _ := req.Context().Value(proxyKey{}).(string)
	if raw == "" {
		return nil, nil
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	return url.Parse(raw)
}

// ── Cookie session ─────────────────────────────────────────────────────────

// sessionJar is a cookie jar that can be swapped out atomically while
// requests are in flight.
type sessionJar struct {
	mu  sync.Mutex
	jar *cookiejar.Jar
}

func newSessionJar() (*sessionJar, error) {
	j := &sessionJar{}
	return j, j.reset()
}

func (s *sessionJar) reset() error {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return fmt.Errorf("cookiejar.New: %w", err)
	}
	s.mu.Lock()
	s.jar = jar
	s.mu.Unlock()
	return nil
}

func (s *sessionJar) current() *cookiejar.Jar {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jar
}

func (s *sessionJar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	s.current().SetCookies(u, cookies)
}

func (s *sessionJar) Cookies(u *url.URL) []*http.Cookie {
	return s.current().Cookies(u)
}

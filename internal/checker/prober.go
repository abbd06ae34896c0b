package checker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// maxDrainBytes bounds how much of a response body is read before the
// connection is returned to the pool.
const maxDrainBytes = 64 << 10

// connection pooling limits to prevent resource exhaustion when probing many endpoints
const (
	defaultMaxIdleConns        = 100
	defaultMaxIdleConnsPerHost = 4
	defaultMaxConnsPerHost     = 4
	defaultIdleConnTimeout     = 60 * time.Second
)

// ProberOptions configures an HTTPProber.
type ProberOptions struct {
	// Timeout bounds a single request including redirects and body drain.
	Timeout time.Duration
	// MaxRedirects is the number of redirects followed before the last
	// response is classified as is.
	MaxRedirects int
	// Method is GET or HEAD. Empty means GET.
	Method string
	// HTTPFallback retries an https URL over plain http when the https
	// attempt gets no response.
	HTTPFallback bool
	UserAgent    string
}

// ProbeResult is the classification of one probe.
type ProbeResult struct {
	URL string
	// StatusCode is zero when no response was received.
	StatusCode   int
	Reachable    bool
	Latency      time.Duration
	UsedFallback bool
	// Err is a *ProbeError when the endpoint was unreachable.
	Err error
}

// IsDown reports whether the result counts as an outage. Only 200 is up.
func (r ProbeResult) IsDown() bool {
	return !r.Reachable || r.StatusCode != http.StatusOK
}

// ProbeError describes a network, DNS, TLS or timeout failure.
type ProbeError struct {
	URL string
	Err error
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("probe %s: %v", e.URL, e.Err)
}

func (e *ProbeError) Unwrap() error { return e.Err }

// Timeout reports whether the probe failed because the deadline expired.
func (e *ProbeError) Timeout() bool {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(e.Err, &netErr) && netErr.Timeout()
}

// HTTPProber performs single health checks. It holds no per-endpoint state and
// is safe for concurrent use.
type HTTPProber struct {
	httpClient *http.Client
	opts       ProberOptions
}

// NewProber creates an HTTPProber with a pooled transport. Timeouts are applied
// per request via context, not as a global client timeout.
func NewProber(opts ProberOptions) *HTTPProber {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.MaxRedirects < 0 {
		opts.MaxRedirects = 0
	}
	if opts.Method == "" {
		opts.Method = http.MethodGet
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "endpointwatch"
	}
	maxRedirects := opts.MaxRedirects
	return &HTTPProber{
		opts: opts,
		httpClient: &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        defaultMaxIdleConns,
				MaxIdleConnsPerHost: defaultMaxIdleConnsPerHost,
				MaxConnsPerHost:     defaultMaxConnsPerHost,
				IdleConnTimeout:     defaultIdleConnTimeout,
				TLSHandshakeTimeout: opts.Timeout,
			},
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) > maxRedirects {
					return http.ErrUseLastResponse
				}
				return nil
			},
		},
	}
}

// Probe checks url once, falling back from https to http when configured.
// It never returns an error; failures are classified in the result.
func (p *HTTPProber) Probe(ctx context.Context, url string) ProbeResult {
	res := p.fetch(ctx, url)
	if res.Reachable || !p.opts.HTTPFallback || ctx.Err() != nil {
		return res
	}
	scheme, rest, ok := strings.Cut(url, "://")
	if !ok || !strings.EqualFold(scheme, "https") {
		return res
	}

	fallback := p.fetch(ctx, "http://"+rest)
	if !fallback.Reachable {
		// keep the https failure
		res.Latency += fallback.Latency
		return res
	}
	fallback.URL = url
	fallback.UsedFallback = true
	fallback.Latency += res.Latency
	return fallback
}

func (p *HTTPProber) fetch(ctx context.Context, url string) ProbeResult {
	ctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, p.opts.Method, url, nil)
	if err != nil {
		return ProbeResult{URL: url, Err: &ProbeError{URL: url, Err: err}}
	}
	req.Header.Set("User-Agent", p.opts.UserAgent)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return ProbeResult{URL: url, Latency: time.Since(start), Err: &ProbeError{URL: url, Err: err}}
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainBytes))
	_ = resp.Body.Close()

	return ProbeResult{
		URL:        url,
		StatusCode: resp.StatusCode,
		Reachable:  true,
		Latency:    time.Since(start),
	}
}

// Close closes all idle connections in the prober's connection pool.
func (p *HTTPProber) Close() {
	if p == nil || p.httpClient == nil {
		return
	}
	if transport, ok := p.httpClient.Transport.(*http.Transport); ok {
		transport.CloseIdleConnections()
	}
}

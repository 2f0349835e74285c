// Package httpkit builds the outbound HTTP clients used by Mnemo's model
// providers.
//
// Clients carry no overall timeout: model calls are bounded by the
// caller's context. A provider that must wait a long time for response
// headers widens [WithHeaderTimeout]; one reached over a flaky local
// network adds [WithRetry], which only repeats requests that never
// reached the server.
package httpkit

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/nugget/mnemo/internal/buildinfo"
)

const defaultHeaderTimeout = 15 * time.Second

// Option configures a client built by [NewClient].
type Option func(*options)

type options struct {
	headerTimeout time.Duration
	retries       int
	retryDelay    time.Duration
	logger        *slog.Logger
}

// WithHeaderTimeout bounds the wait for response headers. Zero waits
// for as long as the request context allows.
func WithHeaderTimeout(d time.Duration) Option {
	return func(o *options) { o.headerTimeout = d }
}

// WithRetry repeats a request up to n more times, delay apart, when the
// connection could not be established. A request whose body cannot be
// rewound through GetBody is never repeated.
func WithRetry(n int, delay time.Duration) Option {
	return func(o *options) {
		o.retries = n
		o.retryDelay = delay
	}
}

// WithLogger sets the logger for retry diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// NewClient returns an *http.Client that stamps the Mnemo User-Agent on
// every request.
func NewClient(opts ...Option) *http.Client {
	o := options{headerTimeout: defaultHeaderTimeout, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	base := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: o.headerTimeout,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConnsPerHost:   5,
		ForceAttemptHTTP2:     true,
	}

	return &http.Client{Transport: &transport{
		base:       base,
		userAgent:  buildinfo.UserAgent(),
		retries:    o.retries,
		retryDelay: o.retryDelay,
		logger:     o.logger,
	}}
}

type transport struct {
	base       http.RoundTripper
	userAgent  string
	retries    int
	retryDelay time.Duration
	logger     *slog.Logger
}

func (t *transport) RoundTrip(req *http.Request) (*http.Response, error) {
	rewindable := req.Body == nil || req.Body == http.NoBody || req.GetBody != nil

	for attempt := 0; ; attempt++ {
		r := req.Clone(req.Context())
		if r.Header.Get("User-Agent") == "" {
			r.Header.Set("User-Agent", t.userAgent)
		}
		if attempt > 0 && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, fmt.Errorf("rewind request body: %w", err)
			}
			r.Body = body
		}

		resp, err := t.base.RoundTrip(r)
		if err == nil || attempt >= t.retries || !rewindable || !connectFailed(err) {
			return resp, err
		}

		t.logger.Debug("retrying request after connect failure",
			"method", req.Method,
			"url", req.URL.Redacted(),
			"attempt", attempt+1,
			"error", err,
		)
		timer := time.NewTimer(t.retryDelay)
		select {
		case <-req.Context().Done():
			timer.Stop()
			return nil, req.Context().Err()
		case <-timer.C:
		}
	}
}

// connectFailed reports errors raised before any bytes reached the
// server. A reset connection is not one of them.
func connectFailed(err error) bool {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false
	}
	return errno == syscall.ECONNREFUSED || errno == syscall.EHOSTUNREACH || errno == syscall.ENETUNREACH
}

// DrainAndClose discards up to limit bytes of rc and closes it so the
// connection returns to the pool.
func DrainAndClose(rc io.ReadCloser, limit int64) {
	if rc == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, limit))
	rc.Close()
}

// ReadErrorBody returns at most limit bytes of an error response body
// for inclusion in an error message, then drains and closes it.
func ReadErrorBody(rc io.ReadCloser, limit int64) string {
	if rc == nil {
		return ""
	}
	defer DrainAndClose(rc, 1024)
	body, err := io.ReadAll(io.LimitReader(rc, limit))
	if err != nil {
		return fmt.Sprintf("(unreadable error body: %v)", err)
	}
	return string(body)
}

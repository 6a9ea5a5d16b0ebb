package client

import (
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/rocketship-ai/rpreport/pkg/config"
)

const defaultBackoff = 250 * time.Millisecond

// Transport retries requests that failed to connect or came back with 429 or
// a 5xx status. Requests with a body are only retried when the body can be
// replayed through GetBody.
type Transport struct {
	Base http.RoundTripper

	// RetryMax is the number of retries after the first attempt.
	RetryMax int

	// Backoff is the wait before the first retry; it doubles every attempt.
	Backoff time.Duration

	Logger *slog.Logger
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil {
		return nil, errors.New("nil request")
	}
	if t.Base == nil {
		return nil, errors.New("nil base transport")
	}

	max := t.RetryMax
	if max < 0 {
		max = 0
	}
	if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
		max = 0
	}
	wait := t.Backoff
	if wait <= 0 {
		wait = defaultBackoff
	}

	var (
		resp    *http.Response
		lastErr error
	)
	for attempt := 0; attempt <= max; attempt++ {
		r := req.Clone(req.Context())
		if attempt > 0 && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, err
			}
			r.Body = body
		}

		resp, lastErr = t.Base.RoundTrip(r)
		if lastErr == nil && !retryableStatus(resp.StatusCode) {
			return resp, nil
		}
		if attempt == max {
			break
		}
		if lastErr == nil {
			// Drain so the connection can be reused.
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
			_ = resp.Body.Close()
		}
		if t.Logger != nil {
			t.Logger.Debug("retrying request", "method", req.Method, "url", req.URL.Redacted(), "attempt", attempt+1, "status", statusOf(resp, lastErr), "error", lastErr)
		}

		timer := time.NewTimer(wait)
		select {
		case <-req.Context().Done():
			timer.Stop()
			if lastErr == nil {
				lastErr = req.Context().Err()
			}
			return nil, lastErr
		case <-timer.C:
		}
		wait *= 2
	}
	return resp, lastErr
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

func statusOf(resp *http.Response, err error) int {
	if err != nil || resp == nil {
		return 0
	}
	return resp.StatusCode
}

// newBaseTransport applies the connection settings of cfg.
func newBaseTransport(cfg *config.Config) *http.Transport {
	dialer := &net.Dialer{
		Timeout:   cfg.ConnectTimeout,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   cfg.ConnectTimeout,
		ResponseHeaderTimeout: cfg.ReadTimeout,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: !cfg.VerifySSL, // #nosec G402 -- opt-in via verify_ssl: false
		},
	}
}

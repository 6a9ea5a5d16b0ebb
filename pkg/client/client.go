// Package client is the HTTP sink: it speaks the test-management service's
// v2 reporting API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/rocketship-ai/rpreport/pkg/config"
	"github.com/rocketship-ai/rpreport/pkg/sink"
)

const maxErrorBody = 64 << 10

type Client struct {
	base string
	http *http.Client
	log  *slog.Logger
}

type Option func(*options)

type options struct {
	logger  *slog.Logger
	backoff time.Duration
	base    http.RoundTripper
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithBackoff sets the wait before the first retry.
func WithBackoff(d time.Duration) Option {
	return func(o *options) { o.backoff = d }
}

// WithBaseTransport replaces the network transport under the retry and auth
// layers.
func WithBaseTransport(rt http.RoundTripper) Option {
	return func(o *options) { o.base = rt }
}

// New returns a client for cfg's endpoint and project. Requests carry the
// API key as a bearer token, or a token from the OAuth password grant when
// oauth.token_url is set.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Client, error) {
	if err := cfg.RequireRemote(); err != nil {
		return nil, err
	}
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.base == nil {
		o.base = newBaseTransport(cfg)
	}

	retrying := &Transport{
		Base:     o.base,
		RetryMax: cfg.Retries,
		Backoff:  o.backoff,
		Logger:   o.logger,
	}

	var ts oauth2.TokenSource
	if cfg.OAuth.Enabled() {
		conf := &oauth2.Config{
			ClientID:     cfg.OAuth.ClientID,
			ClientSecret: cfg.OAuth.ClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: cfg.OAuth.TokenURL},
		}
		if cfg.OAuth.Scope != "" {
			conf.Scopes = strings.Fields(cfg.OAuth.Scope)
		}
		tokenCtx := context.WithValue(context.WithoutCancel(ctx), oauth2.HTTPClient, &http.Client{Transport: retrying})
		ts = oauth2.ReuseTokenSource(nil, &passwordSource{
			ctx:      tokenCtx,
			conf:     conf,
			username: cfg.OAuth.Username,
			password: cfg.OAuth.Password,
		})
	} else {
		ts = oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.APIKey, TokenType: "Bearer"})
	}

	base := strings.TrimRight(cfg.Endpoint, "/") + "/api/v2/" + url.PathEscape(cfg.Project)
	return &Client{
		base: base,
		http: &http.Client{Transport: &oauth2.Transport{Source: ts, Base: retrying}},
		log:  o.logger,
	}, nil
}

// passwordSource fetches a fresh token with the resource owner password
// grant. ReuseTokenSource calls it again once the token expires.
type passwordSource struct {
	ctx      context.Context
	conf     *oauth2.Config
	username string
	password string
}

func (p *passwordSource) Token() (*oauth2.Token, error) {
	tok, err := p.conf.PasswordCredentialsToken(p.ctx, p.username, p.password)
	if err != nil {
		return nil, fmt.Errorf("oauth password grant failed: %w", err)
	}
	return tok, nil
}

func (c *Client) StartLaunch(ctx context.Context, req sink.StartLaunchRequest) (string, error) {
	body := startLaunchBody{
		Name:        req.Name,
		Description: req.Description,
		StartTime:   millis(req.StartTime),
		Attributes:  req.Attributes,
		Mode:        string(req.Mode),
		Rerun:       req.Rerun,
		RerunOf:     req.RerunOf,
	}
	var resp idResponse
	if err := c.doJSON(ctx, sink.OpStartLaunch, http.MethodPost, "/launch", body, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (c *Client) FinishLaunch(ctx context.Context, launchID string, req sink.FinishLaunchRequest) error {
	body := finishLaunchBody{EndTime: millis(req.EndTime), Status: string(req.Status)}
	return c.doJSON(ctx, sink.OpFinishLaunch, http.MethodPut, "/launch/"+url.PathEscape(launchID)+"/finish", body, nil)
}

func (c *Client) StartItem(ctx context.Context, req sink.StartItemRequest) (string, error) {
	body := startItemBody{
		Name:        req.Name,
		StartTime:   millis(req.StartTime),
		Type:        string(req.Type),
		LaunchUUID:  req.LaunchID,
		Description: req.Description,
		Attributes:  req.Attributes,
		Parameters:  parameters(req.Parameters),
		CodeRef:     req.CodeRef,
		TestCaseID:  req.TestCaseID,
		HasStats:    req.HasStats,
		Retry:       req.Retry,
	}
	path := "/item"
	if req.ParentID != "" {
		path += "/" + url.PathEscape(req.ParentID)
	}
	var resp idResponse
	if err := c.doJSON(ctx, sink.OpStartItem, http.MethodPost, path, body, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (c *Client) FinishItem(ctx context.Context, itemID string, req sink.FinishItemRequest) error {
	body := finishItemBody{
		EndTime:     millis(req.EndTime),
		Status:      string(req.Status),
		LaunchUUID:  req.LaunchID,
		Issue:       req.Issue,
		Description: req.Description,
		Attributes:  req.Attributes,
	}
	return c.doJSON(ctx, sink.OpFinishItem, http.MethodPut, "/item/"+url.PathEscape(itemID), body, nil)
}

// Log sends one entry. Entries with an attachment go out as a one-entry batch
// since the file has to travel as a multipart part.
func (c *Client) Log(ctx context.Context, entry sink.LogEntry) error {
	if entry.Attachment != nil {
		return c.logMultipart(ctx, sink.OpLog, []sink.LogEntry{entry})
	}
	return c.doJSON(ctx, sink.OpLog, http.MethodPost, "/log", logBody(entry), nil)
}

// LogBatch sends every entry in one multipart request.
func (c *Client) LogBatch(ctx context.Context, entries []sink.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return c.logMultipart(ctx, sink.OpLogBatch, entries)
}

func (c *Client) logMultipart(ctx context.Context, op string, entries []sink.LogEntry) error {
	payload, contentType, err := encodeBatch(entries)
	if err != nil {
		return &sink.Error{Op: op, Err: err}
	}
	return c.do(ctx, op, http.MethodPost, "/log", contentType, payload, nil)
}

func (c *Client) doJSON(ctx context.Context, op, method, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return &sink.Error{Op: op, Err: fmt.Errorf("failed to encode request: %w", err)}
	}
	return c.do(ctx, op, method, path, "application/json", payload, out)
}

func (c *Client) do(ctx context.Context, op, method, path, contentType string, payload []byte, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, bytes.NewReader(payload))
	if err != nil {
		return &sink.Error{Op: op, Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return &sink.Error{Op: op, Err: fmt.Errorf("failed to send request: %w", err)}
	}
	defer func() { _ = resp.Body.Close() }()
	c.log.Debug("reporting request", "op", op, "method", method, "path", path, "status", resp.StatusCode, "duration", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return responseError(op, resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &sink.Error{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	if r, ok := out.(*idResponse); ok && r.ID == "" {
		return &sink.Error{Op: op, StatusCode: resp.StatusCode, Message: "response carries no id"}
	}
	return nil
}

func responseError(op string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var body errorResponse
	msg := strings.TrimSpace(string(raw))
	if err := json.Unmarshal(raw, &body); err == nil && body.Message != "" {
		msg = body.Message
		if body.ErrorCode != 0 {
			msg = fmt.Sprintf("%s (error code %d)", msg, body.ErrorCode)
		}
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &sink.Error{Op: op, StatusCode: resp.StatusCode, Message: msg}
}

// IsStatus reports whether err is a sink error with the given HTTP status.
func IsStatus(err error, code int) bool {
	var se *sink.Error
	return errors.As(err, &se) && se.StatusCode == code
}

func millis(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return strconv.FormatInt(t.UnixMilli(), 10)
}

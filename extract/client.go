// Package extract implements the secevents extractor over the file-event search HTTP API.
package extract

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"
	"southwinds.dev/secevents"
)

const (
	loginPath  = "/c42api/v3/auth/jwt"
	searchPath = "/forensic-search/queryservice/api/v1/fileevent"

	mfaErrorCode = "TOTP_AUTH_CONFLICT_ERROR"

	defaultTimeout    = 60 * time.Second
	defaultMaxRetries = 3
	defaultRetryDelay = time.Second
)

// Config tunes the HTTP client
type Config struct {
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
	UserAgent  string
	Logger     logrus.FieldLogger

	// Transport overrides the base transport, tests point it at httptest servers
	Transport *http.Transport
}

// Client authenticates sessions and pages through file events. It implements
// both secevents.SessionFactory and secevents.Extractor.
type Client struct {
	cfg Config
	log logrus.FieldLogger
}

// NewClient returns a client with defaults filled in
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	} else if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "secevents"
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	return &Client{cfg: cfg, log: cfg.Logger.WithField("component", "extract")}
}

type session struct {
	baseURL *url.URL
	http    *http.Client
	token   string
	debug   bool
	log     logrus.FieldLogger
}

func (s *session) Close() error {
	s.token = ""
	s.http.CloseIdleConnections()
	return nil
}

type loginResponse struct {
	Data struct {
		Token string `json:"v3_user_token"`
	} `json:"data"`
}

type apiError struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// NewSession logs in with basic auth and keeps the returned token
func (c *Client) NewSession(ctx context.Context, sc secevents.SessionConfig) (secevents.Session, error) {
	base, err := url.Parse(sc.Server)
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("%w: invalid server address %q", secevents.ErrValidation, sc.Server)
	}

	s := &session{
		baseURL: base,
		http:    c.httpClient(sc.IgnoreSSL),
		debug:   sc.Debug,
		log:     c.log.WithField("server", base.Host),
	}
	if sc.IgnoreSSL {
		s.log.Warn("TLS certificate verification is disabled")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(base, loginPath, "useBody=true"), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create login request: %w", err)
	}
	req.SetBasicAuth(sc.Username, sc.Password)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	if sc.TOTP != "" {
		req.Header.Set("totp-auth", sc.TOTP)
	}

	body, status, err := c.do(ctx, s, req)
	if err != nil {
		return nil, err
	}

	switch {
	case status == http.StatusOK:
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		if isMFAError(body) {
			return nil, fmt.Errorf("login as %s: %w", sc.Username, secevents.ErrMFARequired)
		}
		return nil, fmt.Errorf("login as %s: %w", sc.Username, secevents.ErrCredential)
	default:
		return nil, fmt.Errorf("login failed: unexpected status %d", status)
	}

	var lr loginResponse
	if err = json.Unmarshal(body, &lr); err != nil {
		return nil, fmt.Errorf("failed to parse login response: %w", err)
	}
	if lr.Data.Token == "" {
		return nil, errors.New("login failed: empty token received")
	}

	s.token = lr.Data.Token
	return s, nil
}

// Extract pages through the search results in insertion order, numbering
// pages from zero. It stops when the service returns no continuation token.
func (c *Client) Extract(ctx context.Context, sess secevents.Session, q secevents.Query, handler secevents.PageHandler) error {
	s, ok := sess.(*session)
	if !ok {
		return fmt.Errorf("unsupported session type %T", sess)
	}
	if s.token == "" {
		return errors.New("session is closed")
	}

	pgToken := ""
	for seq := 0; ; seq++ {
		body, err := c.search(ctx, s, buildQuery(q, pgToken))
		if err != nil {
			return err
		}

		page, next, err := parsePage(seq, body)
		if err != nil {
			return err
		}

		if len(page.Events) > 0 {
			if err = handler(ctx, page); err != nil {
				return err
			}
		}

		if next == "" || next == pgToken || len(page.Events) == 0 {
			return nil
		}
		pgToken = next
	}
}

func (c *Client) search(ctx context.Context, s *session, query searchQuery) ([]byte, error) {
	payload, err := json.Marshal(query)
	if err != nil {
		return nil, fmt.Errorf("failed to encode search query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(s.baseURL, searchPath, ""), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create search request: %w", err)
	}
	req.Header.Set("Authorization", "v3_user_token "+s.token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	body, status, err := c.do(ctx, s, req)
	if err != nil {
		return nil, err
	}
	switch {
	case status == http.StatusOK:
		return body, nil
	case status == http.StatusUnauthorized:
		return nil, fmt.Errorf("file event search: %w", secevents.ErrCredential)
	default:
		return nil, fmt.Errorf("file event search failed: status %d: %s", status, describeError(body))
	}
}

// do sends req, retrying transport errors and 429/5xx responses with linear backoff
func (c *Client) do(ctx context.Context, s *session, req *http.Request) ([]byte, int, error) {
	var payload []byte
	if req.Body != nil {
		var err error
		if payload, err = io.ReadAll(req.Body); err != nil {
			return nil, 0, err
		}
		_ = req.Body.Close()
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, 0, ctx.Err()
			case <-time.After(time.Duration(attempt) * c.cfg.RetryDelay):
			}
		}

		if payload != nil {
			req.Body = io.NopCloser(bytes.NewReader(payload))
		}

		start := time.Now()
		resp, err := s.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, 0, ctx.Err()
			}
			lastErr = fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
			s.log.WithError(err).Debug("request failed, retrying")
			continue
		}

		body, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("failed to read response body: %w", err)
			continue
		}

		if s.debug {
			s.log.WithFields(logrus.Fields{
				"method":   req.Method,
				"path":     req.URL.Path,
				"status":   resp.StatusCode,
				"bytes":    len(body),
				"duration": time.Since(start).String(),
			}).Debug("api request")
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("%s %s: status %d", req.Method, req.URL.Path, resp.StatusCode)
			continue
		}
		return body, resp.StatusCode, nil
	}
	return nil, 0, lastErr
}

func (c *Client) httpClient(insecure bool) *http.Client {
	var transport *http.Transport
	if c.cfg.Transport != nil {
		transport = c.cfg.Transport.Clone()
	} else {
		transport = http.DefaultTransport.(*http.Transport).Clone()
	}

	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if transport.TLSClientConfig != nil {
		tlsConfig = transport.TLSClientConfig.Clone()
	}
	tlsConfig.InsecureSkipVerify = insecure //nolint:gosec
	transport.TLSClientConfig = tlsConfig

	return &http.Client{Transport: transport, Timeout: c.cfg.Timeout}
}

func (c *Client) endpoint(base *url.URL, path, rawQuery string) string {
	u := *base
	u.Path = strings.TrimRight(base.Path, "/") + path
	u.RawQuery = rawQuery
	return u.String()
}

func isMFAError(body []byte) bool {
	return bytes.Contains(body, []byte(mfaErrorCode))
}

func describeError(body []byte) string {
	var errs []apiError
	if err := json.Unmarshal(body, &errs); err == nil && len(errs) > 0 {
		return errs[0].Name + ": " + errs[0].Description
	}
	text := strings.TrimSpace(string(body))
	if len(text) > 200 {
		text = text[:200]
	}
	return text
}

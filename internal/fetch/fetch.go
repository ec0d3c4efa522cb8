// Package fetch retrieves the raw attendance report over HTTP.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"attwatch/pkg/logx"
)

// ErrLoginRequired indicates the portal bounced the request to its login
// page: the session credentials are missing or expired. Terminal for the
// current poll cycle; the engine rate-limits the user-facing prompt.
var ErrLoginRequired = errors.New("login required")

// HTTPError is a non-2xx response. Transient; the engine schedules one retry.
type HTTPError struct {
	Status int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("unexpected http status %d", e.Status)
}

// CredentialProvider supplies ambient session credentials for the portal.
// The fetcher depends on this capability, not on any specific cookie store.
type CredentialProvider interface {
	Credentials(ctx context.Context) ([]*http.Cookie, error)
}

// Config configures the fetcher.
type Config struct {
	// URL of the weekly report resource.
	URL string
	// LoginPathPattern is matched (case-insensitive) against the final
	// resolved URL path after redirects to detect a login bounce.
	LoginPathPattern string
	// Timeout bounds a single fetch, defaults to 30s.
	Timeout time.Duration
	// MinInterval floors the time between requests so config mistakes or
	// competing callers cannot hammer the portal. Defaults to 30s.
	MinInterval time.Duration

	maxBodyBytes int64
}

const defaultMaxBodyBytes = 4 << 20

// Client fetches the report, following redirects with the injected
// credentials attached.
type Client struct {
	cfg     Config
	http    *http.Client
	creds   CredentialProvider
	limiter *rate.Limiter
	log     logx.Logger
}

func New(cfg Config, creds CredentialProvider, log logx.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = 30 * time.Second
	}
	if cfg.LoginPathPattern == "" {
		cfg.LoginPathPattern = "login"
	}
	if cfg.maxBodyBytes <= 0 {
		cfg.maxBodyBytes = defaultMaxBodyBytes
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		creds:   creds,
		limiter: rate.NewLimiter(rate.Every(cfg.MinInterval), 1),
		log:     log,
	}
}

// Fetch GETs the report and returns the raw document.
//
// Fails with ErrLoginRequired when the final resolved URL looks like the
// login page, or *HTTPError for any non-2xx status.
func (c *Client) Fetch(ctx context.Context) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.URL, nil)
	if err != nil {
		return "", err
	}
	if c.creds != nil {
		cookies, err := c.creds.Credentials(ctx)
		if err != nil {
			return "", fmt.Errorf("credentials: %w", err)
		}
		for _, ck := range cookies {
			req.AddCookie(ck)
		}
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	// resp.Request carries the final URL after redirect-following.
	final := resp.Request.URL
	if strings.Contains(strings.ToLower(final.Path), strings.ToLower(c.cfg.LoginPathPattern)) {
		c.log.Debug("fetch bounced to login page", logx.String("final", final.String()))
		return "", ErrLoginRequired
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &HTTPError{Status: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.maxBodyBytes))
	if err != nil {
		return "", err
	}
	c.log.Debug("report fetched",
		logx.Int("bytes", len(body)),
		logx.Duration("took", time.Since(start)))
	return string(body), nil
}

// Package source fetches the latest post of an X account through the v2 API,
// rotating bearer tokens from a credential pool under rate limiting.
package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"xrelay/internal/credential"
	logx "xrelay/pkg/logx"
)

const (
	DefaultBaseURL = "https://api.twitter.com"

	maxResponseBodySize = 1 << 20 // 1MB
	maxErrorBodySize    = 512
)

// Config controls the X API client. Zero fields take defaults.
type Config struct {
	BaseURL string
	// Timeout bounds each HTTP request (default 30s).
	Timeout time.Duration
	// RatePerSec paces outbound requests across all credentials (default 1).
	RatePerSec float64
	// MaxAttempts bounds the credential retry loop per call (default 2: one retry).
	MaxAttempts int
	// Cooldown applied to a credential on 429 (default credential.DefaultCooldown).
	Cooldown time.Duration
	// MaxResults is passed to the timeline endpoint (default 5).
	MaxResults int
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.BaseURL) == "" {
		c.BaseURL = DefaultBaseURL
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 1
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 2
	}
	if c.Cooldown <= 0 {
		c.Cooldown = credential.DefaultCooldown
	}
	if c.MaxResults < 5 || c.MaxResults > 100 {
		c.MaxResults = 5
	}
	return c
}

// Post is the most recent post of an account.
type Post struct {
	ID        string
	Text      string
	MediaURLs []string
}

// User is a resolved account.
type User struct {
	ID       string
	Username string
	Name     string
}

// Client talks to the X API with credentials from a Pool.
type Client struct {
	cfg     Config
	pool    *credential.Pool
	http    *http.Client
	limiter *rate.Limiter
	log     logx.Logger
}

type Option func(*Client)

// WithHTTPClient replaces the HTTP client (tests). Its Timeout is left as given.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

func New(cfg Config, pool *credential.Pool, log logx.Logger, opts ...Option) *Client {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	burst := int(cfg.RatePerSec)
	if burst < 1 {
		burst = 1
	}
	c := &Client{
		cfg:     cfg,
		pool:    pool,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst),
		log:     log,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Pool exposes the credential pool for status reporting.
func (c *Client) Pool() *credential.Pool { return c.pool }

type timelineResponse struct {
	Data []struct {
		ID          string `json:"id"`
		Text        string `json:"text"`
		Attachments *struct {
			MediaKeys []string `json:"media_keys"`
		} `json:"attachments,omitempty"`
	} `json:"data"`
	Includes struct {
		Media []media `json:"media"`
	} `json:"includes"`
}

type media struct {
	MediaKey        string `json:"media_key"`
	Type            string `json:"type"`
	URL             string `json:"url"`
	PreviewImageURL string `json:"preview_image_url"`
}

// FetchLatest returns the newest post of accountID with the media attached to it.
//
// The timeline is assumed newest-first; only the first entry is used. Media in
// the response's includes that belong to other posts are dropped.
func (c *Client) FetchLatest(ctx context.Context, accountID string) (Post, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return Post{}, &FetchError{Kind: KindNoData, Body: "account id is empty"}
	}

	q := url.Values{}
	q.Set("max_results", strconv.Itoa(c.cfg.MaxResults))
	q.Set("expansions", "attachments.media_keys")
	q.Set("media.fields", "preview_image_url,url")

	var resp timelineResponse
	raw, err := c.get(ctx, "/2/users/"+url.PathEscape(accountID)+"/tweets", q, &resp)
	if err != nil {
		return Post{}, err
	}
	if len(resp.Data) == 0 {
		return Post{}, &FetchError{Kind: KindNoData, Body: truncate(string(raw), maxErrorBodySize)}
	}

	latest := resp.Data[0]
	var keys []string
	if latest.Attachments != nil {
		keys = latest.Attachments.MediaKeys
	}
	return Post{
		ID:        latest.ID,
		Text:      latest.Text,
		MediaURLs: selectMedia(keys, resp.Includes.Media),
	}, nil
}

// selectMedia returns the URLs of media referenced by keys, in key order.
// Media without a direct url (videos, gifs) are skipped.
func selectMedia(keys []string, all []media) []string {
	if len(keys) == 0 || len(all) == 0 {
		return nil
	}
	byKey := make(map[string]media, len(all))
	for _, m := range all {
		if m.MediaKey != "" {
			byKey[m.MediaKey] = m
		}
	}
	out := make([]string, 0, len(keys))
	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		m, ok := byKey[k]
		if !ok || seen[k] || m.URL == "" {
			continue
		}
		seen[k] = true
		out = append(out, m.URL)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

type userResponse struct {
	Data *struct {
		ID       string `json:"id"`
		Name     string `json:"name"`
		Username string `json:"username"`
	} `json:"data"`
}

// LookupUser resolves a handle (with or without '@') to an account.
func (c *Client) LookupUser(ctx context.Context, handle string) (User, error) {
	handle = strings.TrimPrefix(strings.TrimSpace(handle), "@")
	if handle == "" {
		return User{}, &FetchError{Kind: KindNoData, Body: "handle is empty"}
	}
	var resp userResponse
	raw, err := c.get(ctx, "/2/users/by/username/"+url.PathEscape(handle), nil, &resp)
	if err != nil {
		return User{}, err
	}
	if resp.Data == nil || resp.Data.ID == "" {
		return User{}, &FetchError{Kind: KindNoData, Body: truncate(string(raw), maxErrorBodySize)}
	}
	u := User{ID: resp.Data.ID, Username: resp.Data.Username, Name: resp.Data.Name}
	if u.Username == "" {
		u.Username = handle
	}
	return u, nil
}

// get runs the bounded credential attempt loop and decodes a 200 body into out.
//
// A 429 marks the credential and retries with the next one. When there is no
// alternate credential, or the retry fails in any way, the call reports
// KindRateLimited with the last failure as its cause.
func (c *Client) get(ctx context.Context, path string, q url.Values, out any) ([]byte, error) {
	prev := -1
	var lastCause error
	for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
		lease, ok := c.pool.Select()
		if !ok {
			return nil, &FetchError{Kind: KindTransport, Cause: ErrNoCredentials}
		}
		if attempt > 0 && lease.Index == prev {
			c.log.Warn("all credentials rate limited", logx.Int("credentials", c.pool.Len()))
			break
		}

		status, body, err := c.do(ctx, lease.Token, path, q)
		var fe *FetchError
		switch {
		case err != nil:
			fe = &FetchError{Kind: KindTransport, Cause: err}
		case status == http.StatusTooManyRequests:
			c.pool.MarkRateLimited(lease.Index, c.cfg.Cooldown)
			c.log.Warn("credential rate limited", logx.Int("credential", lease.Index+1), logx.Duration("cooldown", c.cfg.Cooldown))
			prev = lease.Index
			lastCause = fmt.Errorf("credential %d: http 429", lease.Index+1)
			continue
		case status != http.StatusOK:
			fe = &FetchError{Kind: KindAPI, Status: status, Body: truncate(strings.TrimSpace(string(body)), maxErrorBodySize)}
		default:
			if err := json.Unmarshal(body, out); err != nil {
				fe = &FetchError{Kind: KindTransport, Cause: fmt.Errorf("decode response: %w", err)}
			}
		}
		if fe == nil {
			if attempt > 0 {
				c.log.Info("switched credential", logx.Int("credential", lease.Index+1))
			}
			return body, nil
		}
		if attempt > 0 {
			return nil, &FetchError{Kind: KindRateLimited, Status: http.StatusTooManyRequests, Cause: fe}
		}
		return nil, fe
	}
	return nil, &FetchError{Kind: KindRateLimited, Status: http.StatusTooManyRequests, Cause: lastCause}
}

func (c *Client) do(ctx context.Context, token, path string, q url.Values) (int, []byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, nil, err
	}

	u := c.cfg.BaseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, http.NoBody)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil && !errors.Is(err, io.EOF) {
		return resp.StatusCode, nil, err
	}
	c.log.Debug("x api request", logx.String("path", path), logx.Int("status", resp.StatusCode), logx.Duration("took", time.Since(start)))
	return resp.StatusCode, body, nil
}

func truncate(s string, maxN int) string {
	if maxN <= 0 || len(s) <= maxN {
		return s
	}
	if maxN < 10 {
		return s[:maxN]
	}
	return s[:maxN-3] + "..."
}

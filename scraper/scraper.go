package scraper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aluiziolira/go-profile-insights/config"
	"github.com/aluiziolira/go-profile-insights/metrics"
	"github.com/aluiziolira/go-profile-insights/models"
	"github.com/aluiziolira/go-profile-insights/parser"
)

const (
	sourceProfile  = "profile"
	sourceComments = "comments"

	maxDatasetBytes = 32 << 20
)

// RawRecorder receives every raw dataset item the client fetches.
type RawRecorder interface {
	Record(kind, identity string, payload json.RawMessage) error
}

// Client runs the hosted scraping actors synchronously and returns their
// dataset items.
type Client struct {
	cfg        *config.Config
	endpoint   *url.URL
	httpClient *http.Client
	metrics    *metrics.Metrics
	raw        RawRecorder

	requestCount int64
}

type profileInput struct {
	Usernames              []string `json:"usernames"`
	ResultsLimit           int      `json:"resultsLimit"`
	ResultsType            string   `json:"resultsType"`
	ResultsLimitPerProfile int      `json:"resultsLimitPerProfile"`
	ScrapePosts            bool     `json:"scrapePosts"`
	ScrapePostsLikes       bool     `json:"scrapePostsLikes"`
	ScrapePostsComments    bool     `json:"scrapePostsComments"`
	ShouldDownloadVideos   bool     `json:"shouldDownloadVideos"`
}

type commentInput struct {
	DirectURLs   []string `json:"directUrls"`
	ResultsLimit int      `json:"resultsLimit"`
}

type itemError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"errorDescription"`
}

// NewClient builds a client for the service at cfg.SourceBaseURL.
func NewClient(cfg *config.Config, m *metrics.Metrics) (*Client, error) {
	parsed, err := url.Parse(cfg.SourceBaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse source url: %w", err)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("source url must include a host")
	}

	return &Client{
		cfg:      cfg,
		endpoint: parsed,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   30 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: cfg.Workers + 1,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		metrics: m,
	}, nil
}

// WithTransport replaces the HTTP transport, mainly for tests.
func (c *Client) WithTransport(rt http.RoundTripper) {
	c.httpClient.Transport = rt
}

// SetRawRecorder enables raw dataset logging.
func (c *Client) SetRawRecorder(r RawRecorder) {
	c.raw = r
}

// Requests returns the number of HTTP requests issued.
func (c *Client) Requests() int64 {
	return atomic.LoadInt64(&c.requestCount)
}

// FetchProfile returns the first profile item for identity with up to
// postLimit embedded posts. An empty dataset yields ErrProfileNotFound.
func (c *Client) FetchProfile(ctx context.Context, identity string, postLimit int) (*parser.ProfilePayload, error) {
	input := profileInput{
		Usernames:              []string{identity},
		ResultsLimit:           1,
		ResultsType:            "full",
		ResultsLimitPerProfile: postLimit,
		ScrapePosts:            true,
		ScrapePostsLikes:       true,
	}
	items, err := c.runActor(ctx, sourceProfile, c.cfg.ProfileActor, input)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, ErrProfileNotFound
	}
	c.record(sourceProfile, identity, items[0])

	var probe itemError
	if err := json.Unmarshal(items[0], &probe); err == nil && probe.Error != "" {
		slog.Warn("profile item carries an error",
			slog.String("identity", identity),
			slog.String("error", probe.Error),
			slog.String("description", probe.ErrorDescription),
		)
		return nil, ErrProfileNotFound
	}

	var payload parser.ProfilePayload
	if err := json.Unmarshal(items[0], &payload); err != nil {
		return nil, ErrUpstream{Err: fmt.Errorf("decode profile item: %w", err)}
	}
	if len(payload.LatestPosts) > postLimit && postLimit > 0 {
		payload.LatestPosts = payload.LatestPosts[:postLimit]
	}
	return &payload, nil
}

// FetchComments returns up to limit comments for the post at postURL.
func (c *Client) FetchComments(ctx context.Context, postURL string, limit int) ([]models.Comment, error) {
	input := commentInput{
		DirectURLs:   []string{postURL},
		ResultsLimit: limit,
	}
	items, err := c.runActor(ctx, sourceComments, c.cfg.CommentActor, input)
	if err != nil {
		return nil, err
	}
	comments := parser.ParseComments(items)
	if limit > 0 && len(comments) > limit {
		comments = comments[:limit]
	}
	return comments, nil
}

func (c *Client) record(kind, identity string, item json.RawMessage) {
	if c.raw == nil {
		return
	}
	if err := c.raw.Record(kind, identity, item); err != nil {
		slog.Warn("raw log write failed", slog.String("kind", kind), slog.Any("error", err))
	}
}

func (c *Client) runActor(ctx context.Context, source, actor string, input any) ([]json.RawMessage, error) {
	body, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("encode %s input: %w", source, err)
	}
	target := c.actorURL(actor)

	items, err := c.do(ctx, source, target, body)
	if err != nil {
		label := ErrorTypeLabel(err)
		c.metrics.IncError(source, label)
		slog.Debug("actor request failed",
			slog.String("source", source),
			slog.String("category", label),
			slog.Any("error", err),
		)
		return nil, err
	}
	return items, nil
}

func (c *Client) do(ctx context.Context, source, target string, body []byte) ([]json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", source, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	if c.cfg.SourceToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.SourceToken)
	}

	atomic.AddInt64(&c.requestCount, 1)
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	c.metrics.ObserveRequest(source, time.Since(start))
	if err != nil {
		return nil, classifyError(err, 0)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDatasetBytes))
	if err != nil {
		return nil, classifyError(err, 0)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, classifyError(fmt.Errorf("%s actor returned %s: %s", source, resp.Status, snippet(data)), resp.StatusCode)
	}

	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, ErrUpstream{Err: fmt.Errorf("decode %s dataset: %w", source, err)}
	}
	return items, nil
}

func (c *Client) actorURL(actor string) string {
	base := strings.TrimSuffix(c.endpoint.String(), "/")
	return fmt.Sprintf("%s/v2/acts/%s/run-sync-get-dataset-items", base, url.PathEscape(actor))
}

func snippet(data []byte) string {
	s := strings.TrimSpace(string(data))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

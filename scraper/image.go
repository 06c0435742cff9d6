package scraper

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/aluiziolira/go-profile-insights/config"
	"github.com/aluiziolira/go-profile-insights/metrics"
	"github.com/gocolly/colly/v2"
)

const (
	sourceImage = "image"

	maxImageBytes = 8 << 20
)

// Image is a downloaded image body.
type Image struct {
	ContentType string
	Data        []byte
}

// ImageFetcher downloads profile images through a colly collector.
type ImageFetcher struct {
	collector *colly.Collector
	metrics   *metrics.Metrics
}

// NewImageFetcher builds a fetcher with the configured image timeout.
func NewImageFetcher(cfg *config.Config, m *metrics.Metrics) *ImageFetcher {
	collector := colly.NewCollector(
		colly.UserAgent(cfg.UserAgent),
		colly.AllowURLRevisit(),
		colly.MaxBodySize(maxImageBytes),
	)
	collector.IgnoreRobotsTxt = true
	collector.SetRequestTimeout(cfg.ImageTimeout)
	collector.WithTransport(&http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.ImageTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        20,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	})

	return &ImageFetcher{collector: collector, metrics: m}
}

// WithTransport replaces the collector transport, mainly for tests.
func (f *ImageFetcher) WithTransport(rt http.RoundTripper) {
	f.collector.WithTransport(rt)
}

// Fetch downloads rawURL. Non-2xx statuses are returned as classified errors.
func (f *ImageFetcher) Fetch(ctx context.Context, rawURL string) (*Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, ErrTimeout{Err: err}
	}
	if strings.TrimSpace(rawURL) == "" {
		return nil, fmt.Errorf("image url is empty")
	}

	c := f.collector.Clone()

	var (
		img      *Image
		fetchErr error
		start    time.Time
	)
	c.OnRequest(func(r *colly.Request) {
		start = time.Now()
		if ctx.Err() != nil {
			r.Abort()
		}
	})
	c.OnResponse(func(r *colly.Response) {
		f.metrics.ObserveRequest(sourceImage, time.Since(start))
		contentType := ""
		if r.Headers != nil {
			contentType = r.Headers.Get("Content-Type")
		}
		img = &Image{ContentType: contentType, Data: r.Body}
	})
	c.OnError(func(r *colly.Response, err error) {
		statusCode := 0
		if r != nil {
			statusCode = r.StatusCode
		}
		fetchErr = classifyError(err, statusCode)
		f.metrics.IncError(sourceImage, ErrorTypeLabel(fetchErr))
		slog.Debug("image fetch failed",
			slog.String("url", rawURL),
			slog.Int("status", statusCode),
			slog.Any("error", err),
		)
	})

	if err := c.Visit(rawURL); err != nil && fetchErr == nil {
		fetchErr = classifyError(err, 0)
	}
	c.Wait()

	if fetchErr != nil {
		return nil, fetchErr
	}
	if img == nil {
		if err := ctx.Err(); err != nil {
			return nil, ErrTimeout{Err: err}
		}
		return nil, fmt.Errorf("image fetch returned no response")
	}
	return img, nil
}

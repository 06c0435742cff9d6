package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/aluiziolira/go-profile-insights/imaging"
	"github.com/aluiziolira/go-profile-insights/metrics"
	"github.com/aluiziolira/go-profile-insights/models"
	"github.com/aluiziolira/go-profile-insights/parser"
	"github.com/aluiziolira/go-profile-insights/progress"
	"github.com/aluiziolira/go-profile-insights/scraper"
	"golang.org/x/sync/errgroup"
)

// DataSource fetches profiles and post comments from the scraping service.
type DataSource interface {
	FetchProfile(ctx context.Context, identity string, postLimit int) (*parser.ProfilePayload, error)
	FetchComments(ctx context.Context, postURL string, limit int) ([]models.Comment, error)
}

// ImageFetcher downloads a single image.
type ImageFetcher interface {
	Fetch(ctx context.Context, rawURL string) (*scraper.Image, error)
}

// AssemblerConfig holds the assembler limits.
type AssemblerConfig struct {
	PostLimit    int
	CommentLimit int
	ImageSize    int
	ImageTimeout time.Duration
}

// Assembly is a normalized profile with its enriched posts, in source order.
type Assembly struct {
	Profile models.Profile
	Posts   []models.Post
}

// Assembler fetches a profile and enriches its posts through the shared pool.
type Assembler struct {
	source  DataSource
	images  ImageFetcher
	pool    *Pool
	cfg     AssemblerConfig
	metrics *metrics.Metrics
}

func NewAssembler(source DataSource, images ImageFetcher, pool *Pool, cfg AssemblerConfig, m *metrics.Metrics) *Assembler {
	return &Assembler{source: source, images: images, pool: pool, cfg: cfg, metrics: m}
}

// Assemble runs the profile fetch and the content stage, reporting each
// stage through report. Only the profile fetch can fail the assembly.
func (a *Assembler) Assemble(ctx context.Context, identity string, report func(progress.Stage)) (*Assembly, error) {
	if report == nil {
		report = func(progress.Stage) {}
	}

	report(progress.FetchingProfile)
	payload, err := a.source.FetchProfile(ctx, identity, a.cfg.PostLimit)
	if err != nil {
		return nil, fmt.Errorf("fetch profile %q: %w", identity, err)
	}
	if payload == nil {
		return nil, fmt.Errorf("fetch profile %q: %w", identity, scraper.ErrProfileNotFound)
	}

	profile := parser.NormalizeProfile(identity, payload)
	stubs := payload.LatestPosts
	if a.cfg.PostLimit > 0 && len(stubs) > a.cfg.PostLimit {
		stubs = stubs[:a.cfg.PostLimit]
	}

	report(progress.FetchingContent)
	var (
		g     errgroup.Group
		posts []models.Post
	)
	g.Go(func() error {
		profile.ProfileImageEncoded = a.encodeImage(ctx, identity, profile.ProfileImageURL)
		return nil
	})
	g.Go(func() error {
		posts = a.enrichPosts(ctx, identity, stubs)
		return nil
	})
	_ = g.Wait()

	return &Assembly{Profile: profile, Posts: posts}, nil
}

// enrichPosts normalizes every stub and fans comment fetches out to the
// pool. Each task writes its own index, so source order is kept.
func (a *Assembler) enrichPosts(ctx context.Context, identity string, stubs []parser.PostPayload) []models.Post {
	posts := make([]models.Post, len(stubs))
	var wg sync.WaitGroup

	for i, stub := range stubs {
		posts[i] = parser.NormalizePost(stub)
		postURL := posts[i].CanonicalURL
		if postURL == "" || a.cfg.CommentLimit <= 0 {
			continue
		}

		idx := i
		wg.Add(1)
		task := func() {
			defer wg.Done()
			posts[idx].Comments = a.fetchComments(ctx, identity, postURL)
		}
		if err := a.pool.Submit(ctx, task); err != nil {
			wg.Done()
			a.metrics.IncCommentFailure()
			slog.Warn("comment fetch not scheduled",
				slog.String("identity", identity),
				slog.String("post", postURL),
				slog.Any("error", err),
			)
		}
	}

	wg.Wait()
	return posts
}

func (a *Assembler) fetchComments(ctx context.Context, identity, postURL string) []models.Comment {
	comments, err := a.source.FetchComments(ctx, postURL, a.cfg.CommentLimit)
	if err != nil {
		a.metrics.IncCommentFailure()
		slog.Warn("comment fetch failed",
			slog.String("identity", identity),
			slog.String("post", postURL),
			slog.String("category", scraper.ErrorTypeLabel(err)),
			slog.Any("error", err),
		)
		return []models.Comment{}
	}
	if comments == nil {
		return []models.Comment{}
	}
	return comments
}

func (a *Assembler) encodeImage(ctx context.Context, identity, rawURL string) string {
	if a.images == nil || strings.TrimSpace(rawURL) == "" {
		return ""
	}
	if a.cfg.ImageTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.ImageTimeout)
		defer cancel()
	}

	img, err := a.images.Fetch(ctx, rawURL)
	if err != nil {
		slog.Warn("profile image fetch failed",
			slog.String("identity", identity),
			slog.Any("error", err),
		)
		return ""
	}
	encoded, err := imaging.Inline(img.ContentType, img.Data, a.cfg.ImageSize)
	if err != nil {
		slog.Warn("profile image encode failed",
			slog.String("identity", identity),
			slog.Any("error", err),
		)
		return ""
	}
	return encoded
}

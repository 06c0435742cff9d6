package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aluiziolira/go-profile-insights/config"
	"github.com/aluiziolira/go-profile-insights/metrics"
	"github.com/aluiziolira/go-profile-insights/models"
	"github.com/aluiziolira/go-profile-insights/pipeline"
	"github.com/aluiziolira/go-profile-insights/progress"
	"github.com/aluiziolira/go-profile-insights/scorer"
	"github.com/aluiziolira/go-profile-insights/scraper"
	"github.com/aluiziolira/go-profile-insights/server"
	"github.com/aluiziolira/go-profile-insights/store"
	"github.com/gin-gonic/gin"
)

type app struct {
	cfg     *config.Config
	metrics *metrics.Metrics
	client  *scraper.Client
	pool    *pipeline.Pool
	results store.ResultStore
	rawLog  *store.RawLog
	service *pipeline.Service
}

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file")
	addr := flag.String("addr", "", "HTTP listen address (overrides config)")
	analyze := flag.String("analyze", "", "Analyze a single profile and print the result instead of serving")
	csvFile := flag.String("csv", "", "Also write the one-shot result as CSV to this file")
	verbose := flag.Bool("v", false, "Enable verbose logging")

	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.ListenAddr = *addr
	}
	if *verbose {
		cfg.Verbose = true
	}

	logger, level := newLogger(cfg.Verbose)
	slog.SetDefault(logger)
	slog.SetLogLoggerLevel(level.Level())

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		slog.Error("initialising", slog.Any("error", err))
		os.Exit(1)
	}

	if *analyze != "" {
		err = a.runOnce(ctx, *analyze, *csvFile)
	} else {
		err = a.serve(ctx)
	}
	a.close()
	if err != nil {
		slog.Error("exiting", slog.Any("error", err))
		os.Exit(1)
	}
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	m := metrics.New()

	client, err := scraper.NewClient(cfg, m)
	if err != nil {
		return nil, fmt.Errorf("create data source: %w", err)
	}

	var rawLog *store.RawLog
	if cfg.RawLogFile != "" {
		rawLog, err = store.NewRawLog(cfg.RawLogFile)
		if err != nil {
			return nil, fmt.Errorf("open raw log: %w", err)
		}
		client.SetRawRecorder(rawLog)
	}

	provider, err := scorer.NewProvider(ctx, cfg)
	if err != nil {
		if !errors.Is(err, scorer.ErrNotConfigured) {
			return nil, fmt.Errorf("create language model provider: %w", err)
		}
		slog.Warn("no language model configured, analyses will carry a failure narrative",
			slog.String("provider", cfg.LLMProvider),
		)
		provider = nil
	}
	sc := scorer.New(provider, cfg.MaxOutputTokens, m)
	if rawLog != nil {
		sc.SetRecorder(rawLog)
	}

	results, err := store.Open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open result store: %w", err)
	}

	pool := pipeline.NewPool(cfg.Workers, cfg.QueueSize, m)
	assembler := pipeline.NewAssembler(client, scraper.NewImageFetcher(cfg, m), pool, pipeline.AssemblerConfig{
		PostLimit:    cfg.PostLimit,
		CommentLimit: cfg.CommentLimit,
		ImageSize:    cfg.ImageSize,
		ImageTimeout: cfg.ImageTimeout,
	}, m)

	slog.Info("analysis service ready",
		slog.String("source", cfg.SourceBaseURL),
		slog.String("store", cfg.StoreBackend),
		slog.String("llm", cfg.LLMProvider),
		slog.Int("workers", cfg.Workers),
	)

	return &app{
		cfg:     cfg,
		metrics: m,
		client:  client,
		pool:    pool,
		results: results,
		rawLog:  rawLog,
		service: pipeline.NewService(assembler, sc, results, progress.NewTracker(), m),
	}, nil
}

func (a *app) serve(ctx context.Context) error {
	if !a.cfg.Verbose {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := &http.Server{
		Addr:              a.cfg.ListenAddr,
		Handler:           server.NewRouter(server.NewHandler(a.service), a.metrics.Registry),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	slog.Info("http server listening", slog.String("addr", a.cfg.ListenAddr))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		slog.Info("shutdown signal received, waiting for in-flight analyses to finish")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server shutdown failed", slog.Any("error", err))
	}
	if err := a.service.Drain(shutdownCtx); err != nil {
		slog.Error("analyses still running at shutdown", slog.Any("error", err))
	}
	return nil
}

func (a *app) runOnce(ctx context.Context, identity, csvFile string) error {
	startTime := time.Now()
	result, err := a.service.Analyze(ctx, identity)
	if err != nil {
		return fmt.Errorf("analyze %s: %w", identity, err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return fmt.Errorf("encode result: %w", err)
	}

	if csvFile != "" {
		if err := writeCSV(csvFile, result); err != nil {
			return err
		}
	}

	printSummary(result, a.client, time.Since(startTime), a.pool.Processed())
	return nil
}

func writeCSV(filename string, result *models.AnalysisResult) error {
	w, err := store.NewCSVWriter(filename)
	if err != nil {
		return fmt.Errorf("create csv writer: %w", err)
	}
	defer func() {
		if err := w.Close(); err != nil {
			slog.Error("close csv writer", slog.Any("error", err))
		}
	}()
	if err := w.Write(result); err != nil {
		return fmt.Errorf("write csv: %w", err)
	}
	if err := w.Validate(); err != nil {
		return fmt.Errorf("csv output validation failed: %w", err)
	}
	return nil
}

func (a *app) close() {
	if err := a.pool.Close(); err != nil {
		slog.Error("pool shutdown failed", slog.Any("error", err))
	}
	if err := a.results.Close(); err != nil {
		slog.Error("close result store", slog.Any("error", err))
	}
	if a.rawLog != nil {
		if err := a.rawLog.Close(); err != nil {
			slog.Error("close raw log", slog.Any("error", err))
		}
	}
}

func printSummary(result *models.AnalysisResult, client *scraper.Client, duration time.Duration, tasks int64) {
	separator := "--------------------------------------------------"
	fmt.Fprintln(os.Stderr, "\n"+separator)
	fmt.Fprintln(os.Stderr, "Analysis complete")

	comments := 0
	for _, post := range result.Posts {
		comments += len(post.Comments)
	}
	fmt.Fprintf(os.Stderr, "  Profile:       %s\n", result.Profile.Identity)
	fmt.Fprintf(os.Stderr, "  Followers:     %d\n", result.Profile.FollowerCount)
	fmt.Fprintf(os.Stderr, "  Posts:         %d\n", len(result.Posts))
	fmt.Fprintf(os.Stderr, "  Comments:      %d\n", comments)
	if result.Score > 0 {
		fmt.Fprintf(os.Stderr, "  Score:         %d/10\n", result.Score)
	} else {
		fmt.Fprintln(os.Stderr, "  Score:         not determined")
	}
	fmt.Fprintf(os.Stderr, "  Requests:      %d\n", client.Requests())
	fmt.Fprintf(os.Stderr, "  Pool tasks:    %d\n", tasks)
	fmt.Fprintf(os.Stderr, "  Duration:      %v\n", duration)
	fmt.Fprintln(os.Stderr, separator)
}

func newLogger(verbose bool) (*slog.Logger, *slog.LevelVar) {
	level := &slog.LevelVar{}
	if verbose {
		level.Set(slog.LevelDebug)
	} else {
		level.Set(slog.LevelInfo)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if isTerminal(os.Stderr) {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}

	return slog.New(handler), level
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}

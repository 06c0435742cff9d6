package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/aluiziolira/go-profile-insights/metrics"
	"github.com/aluiziolira/go-profile-insights/models"
	"github.com/aluiziolira/go-profile-insights/progress"
	"github.com/aluiziolira/go-profile-insights/scorer"
	"github.com/aluiziolira/go-profile-insights/store"
	"github.com/google/uuid"
)

// ErrEmptyIdentity is returned for a blank identity.
var ErrEmptyIdentity = errors.New("pipeline: identity is required")

// Scorer produces the narrative and score for an assembled profile.
type Scorer interface {
	Score(ctx context.Context, profile models.Profile, posts []models.Post) scorer.Outcome
}

// ProgressTracker stores the latest stage of every run.
type ProgressTracker interface {
	SetStage(identity string, stage progress.Stage)
	Get(identity string) models.ProgressState
	Clear(identity string)
}

// Run is the handle of one analysis, cached or live.
type Run struct {
	ID        string
	Identity  string
	Cached    bool
	StartedAt time.Time

	done   chan struct{}
	once   sync.Once
	result *models.AnalysisResult
	err    error

	released bool // guarded by Service.mu
}

func newRun(identity string, cached bool) *Run {
	return &Run{
		ID:        uuid.NewString(),
		Identity:  identity,
		Cached:    cached,
		StartedAt: time.Now(),
		done:      make(chan struct{}),
	}
}

// Done is closed once the run reaches a terminal state.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the run finishes or ctx ends.
func (r *Run) Wait(ctx context.Context) (*models.AnalysisResult, error) {
	select {
	case <-r.done:
		return r.result, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Run) finish(result *models.AnalysisResult, err error) {
	r.once.Do(func() {
		r.result = result
		r.err = err
		close(r.done)
	})
}

func (r *Run) finished() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// Service drives analyses from cache lookup to the stored result.
type Service struct {
	assembler *Assembler
	scorer    Scorer
	store     store.ResultStore
	tracker   ProgressTracker
	metrics   *metrics.Metrics
	now       func() time.Time

	wg   sync.WaitGroup
	mu   sync.Mutex
	runs map[string]*Run
}

func NewService(assembler *Assembler, sc Scorer, results store.ResultStore, tracker ProgressTracker, m *metrics.Metrics) *Service {
	return &Service{
		assembler: assembler,
		scorer:    sc,
		store:     results,
		tracker:   tracker,
		metrics:   m,
		now:       time.Now,
		runs:      make(map[string]*Run),
	}
}

// StartAnalysis returns immediately. A cached result yields a finished run
// and a cached-complete progress state; an in-flight run for the same
// identity is returned as is; otherwise a new run starts in the background.
func (s *Service) StartAnalysis(ctx context.Context, identity string) (*Run, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return nil, ErrEmptyIdentity
	}

	if run := s.inFlight(identity); run != nil {
		return run, nil
	}

	cached, ok, err := s.store.Get(ctx, identity)
	if err != nil {
		slog.Warn("result store lookup failed, running analysis",
			slog.String("identity", identity),
			slog.Any("error", err),
		)
	}
	if err == nil && ok {
		run := newRun(identity, true)
		run.finish(cached, nil)
		s.mu.Lock()
		s.runs[identity] = run
		s.mu.Unlock()
		s.tracker.SetStage(identity, progress.CompleteCached)
		s.metrics.IncRun("cached")
		slog.Info("serving cached analysis", slog.String("identity", identity))
		return run, nil
	}

	s.mu.Lock()
	if existing, ok := s.runs[identity]; ok && !existing.finished() {
		existing.released = false
		s.mu.Unlock()
		return existing, nil
	}
	run := newRun(identity, false)
	s.runs[identity] = run
	s.wg.Add(1)
	s.mu.Unlock()

	s.tracker.SetStage(identity, progress.Initializing)
	slog.Info("analysis started", slog.String("identity", identity), slog.String("run_id", run.ID))
	go s.execute(context.WithoutCancel(ctx), run)
	return run, nil
}

// Analyze runs an analysis and waits for its result.
func (s *Service) Analyze(ctx context.Context, identity string) (*models.AnalysisResult, error) {
	run, err := s.StartAnalysis(ctx, identity)
	if err != nil {
		return nil, err
	}
	return run.Wait(ctx)
}

// Progress returns the latest snapshot for identity, never blocking.
func (s *Service) Progress(identity string) models.ProgressState {
	return s.tracker.Get(strings.TrimSpace(identity))
}

// Result returns the stored result for identity, falling back to a
// finished run whose result could not be persisted.
func (s *Service) Result(ctx context.Context, identity string) (*models.AnalysisResult, bool, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return nil, false, ErrEmptyIdentity
	}

	result, ok, err := s.store.Get(ctx, identity)
	if err == nil && ok {
		return result, true, nil
	}

	s.mu.Lock()
	run := s.runs[identity]
	s.mu.Unlock()
	if run != nil && run.finished() && run.err == nil && run.result != nil {
		return run.result, true, nil
	}
	if err != nil {
		return nil, false, err
	}
	return nil, false, nil
}

// Release clears the progress entry and forgets a finished run. Called
// once the terminal state has been consumed. A run still in flight is
// marked instead and clears its own entry when it finishes.
func (s *Service) Release(identity string) {
	identity = strings.TrimSpace(identity)

	s.mu.Lock()
	defer s.mu.Unlock()
	if run, ok := s.runs[identity]; ok && !run.finished() {
		run.released = true
		return
	}
	s.tracker.Clear(identity)
	delete(s.runs, identity)
}

// Drain waits for background runs to finish or ctx to end.
func (s *Service) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) inFlight(identity string) *Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	if run, ok := s.runs[identity]; ok && !run.finished() {
		// a new caller will poll this run again
		run.released = false
		return run
	}
	return nil
}

func (s *Service) execute(ctx context.Context, run *Run) {
	defer s.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			s.fail(run, fmt.Errorf("pipeline panic: %v", r))
		}
	}()

	started := time.Now()
	result, err := s.process(ctx, run.Identity)
	if err != nil {
		s.fail(run, err)
		return
	}

	s.settle(run, progress.Complete, result, nil)
	s.metrics.IncRun("complete")
	slog.Info("analysis complete",
		slog.String("identity", run.Identity),
		slog.String("run_id", run.ID),
		slog.Int("posts", len(result.Posts)),
		slog.Int("score", result.Score),
		slog.Duration("elapsed", time.Since(started)),
	)
}

func (s *Service) process(ctx context.Context, identity string) (*models.AnalysisResult, error) {
	assembly, err := s.assembler.Assemble(ctx, identity, func(stage progress.Stage) {
		s.tracker.SetStage(identity, stage)
	})
	if err != nil {
		return nil, err
	}

	s.tracker.SetStage(identity, progress.Scoring)
	outcome := s.scorer.Score(ctx, assembly.Profile, assembly.Posts)

	result := &models.AnalysisResult{
		Profile:       assembly.Profile,
		Posts:         assembly.Posts,
		NarrativeText: outcome.Text,
		Score:         outcome.Score,
		AnalyzedAt:    s.now().UTC(),
	}
	if err := s.store.Put(ctx, identity, result); err != nil {
		slog.Error("result store write failed",
			slog.String("identity", identity),
			slog.Any("error", err),
		)
	}
	return result, nil
}

func (s *Service) fail(run *Run, err error) {
	s.settle(run, progress.Failed, nil, err)
	s.metrics.IncRun("failed")
	slog.Error("analysis failed",
		slog.String("identity", run.Identity),
		slog.String("run_id", run.ID),
		slog.Any("error", err),
	)
}

// settle records the terminal stage and finishes run in one step, so a
// concurrent Release either sees the run in flight or the final entry.
func (s *Service) settle(run *Run, stage progress.Stage, result *models.AnalysisResult, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if run.released {
		s.tracker.Clear(run.Identity)
		if s.runs[run.Identity] == run {
			delete(s.runs, run.Identity)
		}
	} else {
		s.tracker.SetStage(run.Identity, stage)
	}
	run.finish(result, err)
}

package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aluiziolira/go-profile-insights/metrics"
	"github.com/aluiziolira/go-profile-insights/models"
	"github.com/aluiziolira/go-profile-insights/parser"
	"github.com/aluiziolira/go-profile-insights/progress"
	"github.com/aluiziolira/go-profile-insights/scorer"
	"github.com/aluiziolira/go-profile-insights/scraper"
)

type fakeSource struct {
	mu           sync.Mutex
	profiles     map[string]*parser.ProfilePayload
	failComments map[string]bool
	delays       map[string]time.Duration
	gate         chan struct{}

	profileCalls int64
	commentCalls int64
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		profiles:     make(map[string]*parser.ProfilePayload),
		failComments: make(map[string]bool),
		delays:       make(map[string]time.Duration),
	}
}

func (f *fakeSource) FetchProfile(ctx context.Context, identity string, postLimit int) (*parser.ProfilePayload, error) {
	atomic.AddInt64(&f.profileCalls, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	payload, ok := f.profiles[identity]
	if !ok {
		return nil, scraper.ErrProfileNotFound
	}
	return payload, nil
}

func (f *fakeSource) FetchComments(ctx context.Context, postURL string, limit int) ([]models.Comment, error) {
	atomic.AddInt64(&f.commentCalls, 1)
	f.mu.Lock()
	fail := f.failComments[postURL]
	delay := f.delays[postURL]
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}

	if delay > 0 {
		time.Sleep(delay)
	}
	if fail {
		return nil, scraper.ErrUpstream{Err: errors.New("actor crashed")}
	}
	return []models.Comment{{Text: "comment on " + postURL, OwnerUsername: "fan"}}, nil
}

type fakeImages struct {
	calls int64
	data  []byte
	err   error
}

func (f *fakeImages) Fetch(ctx context.Context, rawURL string) (*scraper.Image, error) {
	atomic.AddInt64(&f.calls, 1)
	if f.err != nil {
		return nil, f.err
	}
	return &scraper.Image{ContentType: "image/png", Data: f.data}, nil
}

type fakeScorer struct {
	calls int64
	out   scorer.Outcome
}

func (f *fakeScorer) Score(ctx context.Context, profile models.Profile, posts []models.Post) scorer.Outcome {
	atomic.AddInt64(&f.calls, 1)
	return f.out
}

type memStore struct {
	mu      sync.Mutex
	data    map[string]*models.AnalysisResult
	puts    int
	failPut bool
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string]*models.AnalysisResult)}
}

func (m *memStore) Get(ctx context.Context, identity string) (*models.AnalysisResult, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.data[identity]
	return r, ok, nil
}

func (m *memStore) Put(ctx context.Context, identity string, result *models.AnalysisResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.puts++
	if m.failPut {
		return errors.New("disk full")
	}
	m.data[identity] = result
	return nil
}

func (m *memStore) Close() error { return nil }

type recordingTracker struct {
	*progress.Tracker
	mu      sync.Mutex
	history map[string][]int
}

func newRecordingTracker() *recordingTracker {
	return &recordingTracker{Tracker: progress.NewTracker(), history: make(map[string][]int)}
}

func (r *recordingTracker) SetStage(identity string, stage progress.Stage) {
	r.mu.Lock()
	r.history[identity] = append(r.history[identity], stage.Percentage)
	r.mu.Unlock()
	r.Tracker.SetStage(identity, stage)
}

func (r *recordingTracker) percentages(identity string) []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.history[identity]...)
}

type harness struct {
	source  *fakeSource
	images  *fakeImages
	scorer  *fakeScorer
	store   *memStore
	tracker *recordingTracker
	service *Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		source:  newFakeSource(),
		images:  &fakeImages{err: errors.New("no image")},
		scorer:  &fakeScorer{out: scorer.Outcome{Text: "Overall Score: 7/10 solid", Score: 7}},
		store:   newMemStore(),
		tracker: newRecordingTracker(),
	}
	m := metrics.New()
	pool := NewPool(5, 16, m)
	t.Cleanup(func() {
		if err := pool.Close(); err != nil {
			t.Errorf("close pool: %v", err)
		}
	})
	assembler := NewAssembler(h.source, h.images, pool, AssemblerConfig{
		PostLimit:    5,
		CommentLimit: 5,
		ImageSize:    16,
		ImageTimeout: time.Second,
	}, m)
	h.service = NewService(assembler, h.scorer, h.store, h.tracker, m)
	return h
}

func (h *harness) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.service.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
}

func profileWithPosts(username string, shortCodes ...string) *parser.ProfilePayload {
	payload := &parser.ProfilePayload{
		Username:       username,
		FullName:       strings.ToUpper(username),
		FollowersCount: 5000,
		ProfilePicURL:  "http://cdn.test/" + username + ".png",
	}
	for i, code := range shortCodes {
		payload.LatestPosts = append(payload.LatestPosts, parser.PostPayload{
			ShortCode:  code,
			Caption:    fmt.Sprintf("post %d #tag%d #daily", i, i),
			Type:       "Image",
			LikesCount: parser.Count(10 * (i + 1)),
		})
	}
	return payload
}

func TestServiceCacheHitSkipsPipeline(t *testing.T) {
	h := newHarness(t)
	cached := &models.AnalysisResult{Profile: models.Profile{Identity: "alice"}, NarrativeText: "cached", Score: 6}
	h.store.data["alice"] = cached

	run, err := h.service.StartAnalysis(context.Background(), "alice")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if !run.Cached {
		t.Fatalf("run should be cached")
	}
	result, ok, err := h.service.Result(context.Background(), "alice")
	if err != nil || !ok || result != cached {
		t.Fatalf("result = %+v ok %v err %v", result, ok, err)
	}
	if state := h.service.Progress("alice"); state.Percentage != 100 || state.State != progress.Complete.State {
		t.Fatalf("progress = %+v", state)
	}
	if calls := atomic.LoadInt64(&h.source.profileCalls) + atomic.LoadInt64(&h.source.commentCalls); calls != 0 {
		t.Fatalf("data source calls = %d, want 0", calls)
	}
	if atomic.LoadInt64(&h.scorer.calls) != 0 {
		t.Fatalf("scorer calls = %d, want 0", h.scorer.calls)
	}
}

func TestServiceKeepsEveryPostInSourceOrder(t *testing.T) {
	h := newHarness(t)
	codes := []string{"a1", "b2", "c3", "d4", "e5"}
	h.source.profiles["carol"] = profileWithPosts("carol", codes...)
	for i, code := range codes {
		// later posts finish first
		h.source.delays[parser.PostURL(code)] = time.Duration(len(codes)-i) * 5 * time.Millisecond
	}
	h.source.failComments[parser.PostURL("b2")] = true
	h.source.failComments[parser.PostURL("d4")] = true

	result, err := h.service.Analyze(context.Background(), "carol")
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if len(result.Posts) != len(codes) {
		t.Fatalf("posts = %d, want %d", len(result.Posts), len(codes))
	}
	for i, post := range result.Posts {
		if post.ShortCode != codes[i] {
			t.Fatalf("post %d = %s, want %s", i, post.ShortCode, codes[i])
		}
		failed := post.ShortCode == "b2" || post.ShortCode == "d4"
		if post.Comments == nil {
			t.Fatalf("post %s comments are nil", post.ShortCode)
		}
		if failed && len(post.Comments) != 0 {
			t.Fatalf("post %s comments = %v, want empty", post.ShortCode, post.Comments)
		}
		if !failed && len(post.Comments) != 1 {
			t.Fatalf("post %s comments = %d, want 1", post.ShortCode, len(post.Comments))
		}
	}
	if result.Score != 7 || h.store.data["carol"] != result {
		t.Fatalf("result not stored: score=%d", result.Score)
	}
}

func TestServiceFailedProfile(t *testing.T) {
	h := newHarness(t)

	run, err := h.service.StartAnalysis(context.Background(), "alice")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := run.Wait(context.Background()); !errors.Is(err, scraper.ErrProfileNotFound) {
		t.Fatalf("wait err = %v, want ErrProfileNotFound", err)
	}
	h.drain(t)

	state := h.service.Progress("alice")
	if state.State != progress.Failed.State || state.Percentage != 0 || state.Label != progress.Failed.Label {
		t.Fatalf("progress = %+v", state)
	}
	if _, ok, err := h.service.Result(context.Background(), "alice"); ok || err != nil {
		t.Fatalf("result present = %v err %v, want absent", ok, err)
	}
	if atomic.LoadInt64(&h.source.commentCalls) != 0 || atomic.LoadInt64(&h.scorer.calls) != 0 {
		t.Fatalf("no fan-out or scoring expected after a failed profile fetch")
	}
	if h.store.puts != 0 {
		t.Fatalf("store puts = %d, want 0", h.store.puts)
	}
}

func TestServicePostWithoutShortCode(t *testing.T) {
	h := newHarness(t)
	payload := profileWithPosts("dave", "x1", "", "x3")
	h.source.profiles["dave"] = payload

	result, err := h.service.Analyze(context.Background(), "dave")
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if len(result.Posts) != 3 {
		t.Fatalf("posts = %d, want 3", len(result.Posts))
	}
	missing := result.Posts[1]
	if len(missing.Comments) != 0 || missing.Comments == nil {
		t.Fatalf("comments = %#v, want empty slice", missing.Comments)
	}
	if missing.CanonicalURL != "" {
		t.Fatalf("canonical url = %q, want empty", missing.CanonicalURL)
	}
	if want := []string{"tag1", "daily"}; !reflect.DeepEqual(missing.Hashtags, want) {
		t.Fatalf("hashtags = %v, want %v", missing.Hashtags, want)
	}
	if got := atomic.LoadInt64(&h.source.commentCalls); got != 2 {
		t.Fatalf("comment calls = %d, want 2", got)
	}
}

func TestServiceProgressIsMonotonic(t *testing.T) {
	h := newHarness(t)
	h.source.profiles["erin"] = profileWithPosts("erin", "e1", "e2")

	if _, err := h.service.Analyze(context.Background(), "erin"); err != nil {
		t.Fatalf("analyze: %v", err)
	}
	h.drain(t)

	want := []int{0, 20, 50, 80, 100}
	if got := h.tracker.percentages("erin"); !reflect.DeepEqual(got, want) {
		t.Fatalf("progress = %v, want %v", got, want)
	}

	h.service.Release("erin")
	if state := h.service.Progress("erin"); state.State != progress.Waiting.State {
		t.Fatalf("progress after release = %+v", state)
	}
	if _, ok, _ := h.service.Result(context.Background(), "erin"); !ok {
		t.Fatalf("stored result must survive release")
	}
}

func TestServiceConcurrentSameIdentity(t *testing.T) {
	h := newHarness(t)
	h.source.profiles["bob"] = profileWithPosts("bob", "b1", "b2", "b3")
	h.source.delays[parser.PostURL("b1")] = 20 * time.Millisecond

	var wg sync.WaitGroup
	runs := make([]*Run, 2)
	for i := range runs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			run, err := h.service.StartAnalysis(context.Background(), "bob")
			if err != nil {
				t.Errorf("start: %v", err)
				return
			}
			if _, err := run.Wait(context.Background()); err != nil {
				t.Errorf("wait: %v", err)
			}
			runs[i] = run
		}(i)
	}
	wg.Wait()
	h.drain(t)

	calls := atomic.LoadInt64(&h.source.profileCalls)
	if calls < 1 || calls > 2 {
		t.Fatalf("profile calls = %d, want 1 or 2", calls)
	}
	stored, ok, err := h.store.Get(context.Background(), "bob")
	if err != nil || !ok {
		t.Fatalf("stored = ok %v err %v", ok, err)
	}
	if stored.Profile.Identity != "bob" || len(stored.Posts) != 3 || stored.Score != 7 {
		t.Fatalf("stored result is incoherent: %+v", stored)
	}
	if state := h.service.Progress("bob"); state.Percentage != 100 {
		t.Fatalf("progress = %+v", state)
	}
}

func TestServiceStoreFailureStillCompletes(t *testing.T) {
	h := newHarness(t)
	h.store.failPut = true
	h.source.profiles["fay"] = profileWithPosts("fay", "f1")

	result, err := h.service.Analyze(context.Background(), "fay")
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	h.drain(t)

	if state := h.service.Progress("fay"); state.State != progress.Complete.State {
		t.Fatalf("progress = %+v", state)
	}
	got, ok, err := h.service.Result(context.Background(), "fay")
	if err != nil || !ok || got != result {
		t.Fatalf("result fallback = %+v ok %v err %v", got, ok, err)
	}
}

type failingProvider struct{}

func (failingProvider) Name() string { return "failing" }

func (failingProvider) Complete(ctx context.Context, prompt string, maxTokens int) (string, error) {
	return "", &scorer.TransportError{Provider: "failing", Err: errors.New("connection reset")}
}

func TestServiceScoringFailureStillCompletes(t *testing.T) {
	h := newHarness(t)
	h.service.scorer = scorer.New(failingProvider{}, 200, nil)
	h.source.profiles["gus"] = profileWithPosts("gus", "g1")

	result, err := h.service.Analyze(context.Background(), "gus")
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if result.Score != 0 {
		t.Fatalf("score = %d, want 0", result.Score)
	}
	if !strings.HasPrefix(result.NarrativeText, "Failed to get AI analysis due to a network or API call error") {
		t.Fatalf("narrative = %q", result.NarrativeText)
	}
	if _, ok := h.store.data["gus"]; !ok {
		t.Fatalf("degraded result should still be stored")
	}
}

func TestServiceEncodesProfileImage(t *testing.T) {
	h := newHarness(t)
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	img.Set(1, 1, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	h.images.err = nil
	h.images.data = buf.Bytes()
	h.source.profiles["hal"] = profileWithPosts("hal")

	result, err := h.service.Analyze(context.Background(), "hal")
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if !strings.HasPrefix(result.Profile.ProfileImageEncoded, "data:image/webp;base64,") {
		t.Fatalf("encoded image = %.40q", result.Profile.ProfileImageEncoded)
	}
	if len(result.Posts) != 0 || result.Posts == nil {
		t.Fatalf("posts = %#v, want empty slice", result.Posts)
	}
}

func TestServiceImageFailureIsNonFatal(t *testing.T) {
	h := newHarness(t)
	h.source.profiles["ivy"] = profileWithPosts("ivy", "i1")

	result, err := h.service.Analyze(context.Background(), "ivy")
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if result.Profile.ProfileImageEncoded != "" {
		t.Fatalf("encoded image should be absent")
	}
	if atomic.LoadInt64(&h.images.calls) != 1 {
		t.Fatalf("image calls = %d, want 1", h.images.calls)
	}
}

func TestServiceRejectsEmptyIdentity(t *testing.T) {
	h := newHarness(t)
	if _, err := h.service.StartAnalysis(context.Background(), "   "); !errors.Is(err, ErrEmptyIdentity) {
		t.Fatalf("err = %v, want ErrEmptyIdentity", err)
	}
	if state := h.service.Progress("unknown"); state.State != progress.Waiting.State || state.Percentage != 0 {
		t.Fatalf("progress = %+v", state)
	}
	if _, ok, err := h.service.Result(context.Background(), "unknown"); ok || err != nil {
		t.Fatalf("result = ok %v err %v", ok, err)
	}
}

func (h *harness) tracked(identity string) bool {
	h.service.mu.Lock()
	defer h.service.mu.Unlock()
	_, ok := h.service.runs[identity]
	return ok
}

func TestServiceReleaseFailedRun(t *testing.T) {
	h := newHarness(t)

	if _, err := h.service.Analyze(context.Background(), "ghost"); !errors.Is(err, scraper.ErrProfileNotFound) {
		t.Fatalf("analyze err = %v", err)
	}
	h.drain(t)
	if state := h.service.Progress("ghost"); state.State != progress.Failed.State {
		t.Fatalf("progress = %+v, want failed", state)
	}

	h.service.Release("ghost")
	if state := h.service.Progress("ghost"); state.State != progress.Waiting.State {
		t.Fatalf("progress after release = %+v, want waiting", state)
	}
	if h.tracked("ghost") {
		t.Fatalf("failed run still tracked after release")
	}
}

func TestServiceReleaseWhileRunning(t *testing.T) {
	h := newHarness(t)
	h.source.profiles["jay"] = profileWithPosts("jay", "j1")
	h.source.gate = make(chan struct{})

	run, err := h.service.StartAnalysis(context.Background(), "jay")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	h.service.Release("jay")
	if state := h.service.Progress("jay"); state.State == progress.Waiting.State {
		t.Fatalf("in-flight progress cleared early: %+v", state)
	}

	close(h.source.gate)
	if _, err := run.Wait(context.Background()); err != nil {
		t.Fatalf("wait: %v", err)
	}
	h.drain(t)

	if state := h.service.Progress("jay"); state.State != progress.Waiting.State {
		t.Fatalf("progress = %+v, want cleared after the released run finished", state)
	}
	if h.tracked("jay") {
		t.Fatalf("released run still tracked")
	}
	if _, ok, _ := h.service.Result(context.Background(), "jay"); !ok {
		t.Fatalf("stored result missing")
	}
}

func TestServiceRejoinKeepsProgress(t *testing.T) {
	h := newHarness(t)
	h.source.profiles["kim"] = profileWithPosts("kim", "k1")
	h.source.gate = make(chan struct{})

	first, err := h.service.StartAnalysis(context.Background(), "kim")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	h.service.Release("kim")
	second, err := h.service.StartAnalysis(context.Background(), "kim")
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if second != first {
		t.Fatalf("in-flight run not reused")
	}

	close(h.source.gate)
	if _, err := second.Wait(context.Background()); err != nil {
		t.Fatalf("wait: %v", err)
	}
	h.drain(t)
	if state := h.service.Progress("kim"); state.State != progress.Complete.State || state.Percentage != 100 {
		t.Fatalf("progress = %+v, want complete", state)
	}
}

package scraper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"testing"

	"github.com/aluiziolira/go-profile-insights/config"
	"github.com/aluiziolira/go-profile-insights/metrics"
	"github.com/jarcoal/httpmock"
)

const testBaseURL = "http://apify.test"

func profileURL() string {
	return testBaseURL + "/v2/acts/apify~instagram-profile-scraper/run-sync-get-dataset-items"
}

func commentsURL() string {
	return testBaseURL + "/v2/acts/apify~instagram-comment-scraper/run-sync-get-dataset-items"
}

func newTestClient(t *testing.T, transport http.RoundTripper) *Client {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.SourceBaseURL = testBaseURL
	cfg.SourceToken = "secret"

	c, err := NewClient(cfg, metrics.New())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	c.WithTransport(transport)
	return c
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		statusCode int
		expected   string
	}{
		{name: "nil", err: nil, statusCode: 0, expected: "unknown"},
		{name: "context timeout", err: context.DeadlineExceeded, statusCode: 0, expected: "timeout"},
		{name: "net timeout", err: &net.DNSError{IsTimeout: true}, statusCode: 0, expected: "timeout"},
		{name: "connection", err: &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, statusCode: 0, expected: "connection"},
		{name: "unauthorized", err: nil, statusCode: http.StatusUnauthorized, expected: "forbidden"},
		{name: "forbidden", err: nil, statusCode: http.StatusForbidden, expected: "forbidden"},
		{name: "not found", err: nil, statusCode: http.StatusNotFound, expected: "not_found"},
		{name: "rate limited", err: nil, statusCode: http.StatusTooManyRequests, expected: "rate_limited"},
		{name: "server error", err: nil, statusCode: http.StatusBadGateway, expected: "upstream"},
		{name: "profile missing", err: ErrProfileNotFound, statusCode: 0, expected: "profile_not_found"},
		{name: "other", err: errors.New("some other error"), statusCode: 0, expected: "other"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ErrorTypeLabel(classifyError(tt.err, tt.statusCode)); got != tt.expected {
				t.Fatalf("classifyError(%v, %d) = %q, want %q", tt.err, tt.statusCode, got, tt.expected)
			}
		})
	}
}

func TestFetchProfileSendsActorInput(t *testing.T) {
	transport := httpmock.NewMockTransport()
	var got profileInput
	transport.RegisterResponder(http.MethodPost, profileURL(), func(req *http.Request) (*http.Response, error) {
		if auth := req.Header.Get("Authorization"); auth != "Bearer secret" {
			return httpmock.NewStringResponse(http.StatusUnauthorized, ""), nil
		}
		if err := json.NewDecoder(req.Body).Decode(&got); err != nil {
			return nil, err
		}
		return httpmock.NewStringResponse(http.StatusOK, `[{
			"username": "alice",
			"fullName": "Alice A",
			"followersCount": 1200,
			"latestPosts": [
				{"shortCode": "p1", "caption": "one", "type": "Image"},
				{"shortCode": "p2", "caption": "two", "type": "Video"},
				{"shortCode": "p3", "caption": "three", "type": "Sidecar"}
			]
		}]`), nil
	})

	c := newTestClient(t, transport)
	recorder := &memoryRecorder{}
	c.SetRawRecorder(recorder)

	payload, err := c.FetchProfile(context.Background(), "alice", 2)
	if err != nil {
		t.Fatalf("fetch profile: %v", err)
	}
	if payload.FullName != "Alice A" || payload.FollowersCount.Int() != 1200 {
		t.Fatalf("payload = %+v", payload)
	}
	if len(payload.LatestPosts) != 2 {
		t.Fatalf("posts = %d, want capped to 2", len(payload.LatestPosts))
	}
	if len(got.Usernames) != 1 || got.Usernames[0] != "alice" {
		t.Fatalf("usernames = %v", got.Usernames)
	}
	if got.ResultsLimit != 1 || got.ResultsType != "full" || got.ResultsLimitPerProfile != 2 {
		t.Fatalf("input = %+v", got)
	}
	if !got.ScrapePosts || !got.ScrapePostsLikes || got.ScrapePostsComments || got.ShouldDownloadVideos {
		t.Fatalf("input flags = %+v", got)
	}
	if recorder.Count() != 1 {
		t.Fatalf("raw records = %d, want 1", recorder.Count())
	}
}

func TestFetchProfileEmptyDataset(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "empty", body: `[]`},
		{name: "error item", body: `[{"error": "not_found", "errorDescription": "Profile does not exist"}]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			transport := httpmock.NewMockTransport()
			transport.RegisterResponder(http.MethodPost, profileURL(), httpmock.NewStringResponder(http.StatusOK, tt.body))

			_, err := newTestClient(t, transport).FetchProfile(context.Background(), "ghost", 5)
			if !errors.Is(err, ErrProfileNotFound) {
				t.Fatalf("err = %v, want ErrProfileNotFound", err)
			}
		})
	}
}

func TestFetchProfileHTTPStatusClassification(t *testing.T) {
	tests := []struct {
		status   int
		expected string
		calls    int
	}{
		{status: http.StatusTooManyRequests, expected: "rate_limited", calls: 1},
		{status: http.StatusForbidden, expected: "forbidden", calls: 1},
		{status: http.StatusNotFound, expected: "not_found", calls: 1},
		{status: http.StatusInternalServerError, expected: "upstream", calls: 1},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("status_%d", tt.status), func(t *testing.T) {
			transport := httpmock.NewMockTransport()
			transport.RegisterResponder(http.MethodPost, profileURL(), httpmock.NewStringResponder(tt.status, `{"error":"nope"}`))

			c := newTestClient(t, transport)
			_, err := c.FetchProfile(context.Background(), "alice", 5)
			if got := ErrorTypeLabel(err); got != tt.expected {
				t.Fatalf("label = %q, want %q (err=%v)", got, tt.expected, err)
			}
			if got := transport.GetTotalCallCount(); got != tt.calls {
				t.Fatalf("calls = %d, want %d", got, tt.calls)
			}
		})
	}
}

func TestFetchComments(t *testing.T) {
	transport := httpmock.NewMockTransport()
	var got commentInput
	transport.RegisterResponder(http.MethodPost, commentsURL(), func(req *http.Request) (*http.Response, error) {
		if err := json.NewDecoder(req.Body).Decode(&got); err != nil {
			return nil, err
		}
		return httpmock.NewStringResponse(http.StatusOK, `[
			{"text": "first", "ownerUsername": "bob"},
			{"text": "second", "ownerUsername": "carol"},
			{"text": "third", "ownerUsername": "dave"}
		]`), nil
	})

	comments, err := newTestClient(t, transport).FetchComments(context.Background(), "https://www.instagram.com/p/p1/", 2)
	if err != nil {
		t.Fatalf("fetch comments: %v", err)
	}
	if len(comments) != 2 {
		t.Fatalf("comments = %d, want 2", len(comments))
	}
	if comments[0].Text != "first" || comments[1].OwnerUsername != "carol" {
		t.Fatalf("comments = %+v", comments)
	}
	if len(got.DirectURLs) != 1 || got.DirectURLs[0] != "https://www.instagram.com/p/p1/" || got.ResultsLimit != 2 {
		t.Fatalf("input = %+v", got)
	}
}

func TestFetchCommentsMalformedDataset(t *testing.T) {
	transport := httpmock.NewMockTransport()
	transport.RegisterResponder(http.MethodPost, commentsURL(), httpmock.NewStringResponder(http.StatusOK, `{"not": "a list"}`))

	_, err := newTestClient(t, transport).FetchComments(context.Background(), "https://www.instagram.com/p/p1/", 5)
	var upstream ErrUpstream
	if !errors.As(err, &upstream) {
		t.Fatalf("err = %v, want ErrUpstream", err)
	}
}

type memoryRecorder struct {
	mu      sync.Mutex
	records []json.RawMessage
}

func (m *memoryRecorder) Record(kind, identity string, payload json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, payload)
	return nil
}

func (m *memoryRecorder) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

package progress

import (
	"fmt"
	"sync"
	"testing"
)

func TestTrackerDefaultsToWaiting(t *testing.T) {
	tr := NewTracker()
	got := tr.Get("nobody")
	if got.State != "waiting" || got.Percentage != 0 || got.Label == "" {
		t.Fatalf("default state = %+v", got)
	}
	if tr.Len() != 0 {
		t.Fatalf("Get must not create entries")
	}
}

func TestTrackerSetGetClear(t *testing.T) {
	tr := NewTracker()
	tr.SetStage("alice", FetchingContent)
	if got := tr.Get("alice"); got.Percentage != 50 || got.State != FetchingContent.State {
		t.Fatalf("state = %+v", got)
	}

	tr.Set("alice", "custom", "over", 140)
	if got := tr.Get("alice"); got.Percentage != 100 {
		t.Fatalf("percentage = %d, want clamped to 100", got.Percentage)
	}

	tr.Clear("alice")
	if tr.Len() != 0 {
		t.Fatalf("len = %d after clear", tr.Len())
	}
	if got := tr.Get("alice"); got.State != Waiting.State {
		t.Fatalf("state after clear = %+v", got)
	}
}

func TestStagePercentagesNonDecreasing(t *testing.T) {
	order := []Stage{Initializing, FetchingProfile, FetchingContent, Scoring, Complete}
	want := []int{0, 20, 50, 80, 100}
	for i, s := range order {
		if s.Percentage != want[i] {
			t.Fatalf("%s percentage = %d, want %d", s.State, s.Percentage, want[i])
		}
	}
	if !Terminal(Complete.State) || !Terminal(Failed.State) || Terminal(Scoring.State) {
		t.Fatalf("terminal classification is wrong")
	}
	if Failed.Percentage != 0 {
		t.Fatalf("failed percentage = %d", Failed.Percentage)
	}
}

func TestTrackerConcurrentAccess(t *testing.T) {
	tr := NewTracker()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("user-%d", i%4)
			for j := 0; j < 200; j++ {
				tr.Set(id, "running", "step", j%101)
				state := tr.Get(id)
				if state.Percentage < 0 || state.Percentage > 100 {
					t.Errorf("out of range percentage %d", state.Percentage)
					return
				}
			}
		}(i)
	}
	wg.Wait()
	if tr.Len() != 4 {
		t.Fatalf("len = %d, want 4", tr.Len())
	}
}

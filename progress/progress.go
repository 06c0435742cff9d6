// Package progress keeps the latest stage snapshot of every run, keyed by identity.
package progress

import (
	"sync"

	"github.com/aluiziolira/go-profile-insights/models"
)

// Stage is a pipeline state with its fixed label and percentage.
type Stage struct {
	State      string
	Label      string
	Percentage int
}

// Pipeline stages in emission order. Failed is terminal and reports 0.
var (
	Waiting         = Stage{State: "waiting", Label: "Waiting to start...", Percentage: 0}
	Initializing    = Stage{State: "initializing", Label: "Initializing analysis...", Percentage: 0}
	FetchingProfile = Stage{State: "fetching_profile", Label: "Fetching profile data...", Percentage: 20}
	FetchingContent = Stage{State: "fetching_content", Label: "Fetching posts and comments...", Percentage: 50}
	Scoring         = Stage{State: "scoring", Label: "Running AI analysis...", Percentage: 80}
	Complete        = Stage{State: "complete", Label: "Analysis complete!", Percentage: 100}
	CompleteCached  = Stage{State: "complete", Label: "Analysis complete (cached)!", Percentage: 100}
	Failed          = Stage{State: "failed", Label: "Failed to retrieve profile data. Profile might be private or non-existent.", Percentage: 0}
)

// Terminal reports whether state ends a run.
func Terminal(state string) bool {
	return state == Complete.State || state == Failed.State
}

// Tracker is a concurrent identity -> ProgressState map. Writes replace the
// whole snapshot so readers never observe a partial update.
type Tracker struct {
	mu     sync.RWMutex
	states map[string]models.ProgressState
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{states: make(map[string]models.ProgressState)}
}

// Set overwrites the snapshot for identity. Percentages are clamped to [0,100].
func (t *Tracker) Set(identity, state, label string, percentage int) {
	if percentage < 0 {
		percentage = 0
	}
	if percentage > 100 {
		percentage = 100
	}
	t.mu.Lock()
	t.states[identity] = models.ProgressState{State: state, Label: label, Percentage: percentage}
	t.mu.Unlock()
}

// SetStage records one of the predefined stages.
func (t *Tracker) SetStage(identity string, stage Stage) {
	t.Set(identity, stage.State, stage.Label, stage.Percentage)
}

// Get returns the snapshot for identity, or the waiting state when unknown.
func (t *Tracker) Get(identity string) models.ProgressState {
	t.mu.RLock()
	state, ok := t.states[identity]
	t.mu.RUnlock()
	if !ok {
		return models.ProgressState{State: Waiting.State, Label: Waiting.Label, Percentage: Waiting.Percentage}
	}
	return state
}

// Clear drops the snapshot for identity.
func (t *Tracker) Clear(identity string) {
	t.mu.Lock()
	delete(t.states, identity)
	t.mu.Unlock()
}

// Len returns the number of tracked identities.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.states)
}

package client

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"partyquiz-service/internal/domain"
)

func TestPollerDrivesRoundToCompletion(t *testing.T) {
	clock := clockwork.NewFakeClockAt(trackerBase)
	game := newFakeGame(trackerBase)
	tracker := NewTracker("Alice")
	poller := NewPoller(game, tracker, "ABC123", "Alice", WithPollerClock(clock), WithInterval(time.Second))

	done := make(chan error, 1)
	go func() { done <- poller.Run(context.Background()) }()

	// First poll happens immediately.
	u := nextUpdate(t, poller.Updates())
	if u.Phase != PhaseAnswering {
		t.Fatalf("expected answering, got %v", u.Phase)
	}

	// Walk the clock through the answer window; at 0 remaining the host
	// poller must fire expiry, which fills sentinels server-side.
	for i := 0; i < 21; i++ {
		clock.Advance(time.Second)
		u = nextUpdate(t, poller.Updates())
	}
	if got := game.expiryCalls(); got != 1 {
		t.Fatalf("expected exactly one expiry call, got %d", got)
	}

	// Next poll sees every player answered and starts the countdown.
	clock.Advance(time.Second)
	u = nextUpdate(t, poller.Updates())
	if !u.AllAnswered || u.Phase != PhaseShowingResults {
		t.Fatalf("expected showing-results, got %+v", u)
	}

	// Countdown runs out; the host poller advances and the game completes.
	for i := 0; i < 11; i++ {
		clock.Advance(time.Second)
		select {
		case u = <-poller.Updates():
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for update %d", i)
		}
		if u.Completed {
			break
		}
	}
	if !u.Completed {
		t.Fatalf("expected completion, got %+v", u)
	}
	if got := game.advanceCalls(); got != 1 {
		t.Fatalf("expected exactly one advance call, got %d", got)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("poller did not stop after completion")
	}
}

func TestPollerStopsWhenGameGone(t *testing.T) {
	game := newFakeGame(trackerBase)
	game.setGone()
	poller := NewPoller(game, NewTracker("Bob"), "ABC123", "Bob", WithInterval(time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := poller.Run(ctx); err != nil {
		t.Fatalf("expected clean exit when game vanished, got %v", err)
	}
}

func TestPollerSubmitMarksTracker(t *testing.T) {
	game := newFakeGame(trackerBase)
	tracker := NewTracker("Bob")
	poller := NewPoller(game, tracker, "ABC123", "Bob")

	_ = tracker.Observe(playingSnap(0, trackerBase, openAnswers()), trackerBase)
	if err := poller.Submit(context.Background(), 2); err != nil {
		t.Fatalf("submit: %v", err)
	}
	u := tracker.Observe(playingSnap(0, trackerBase, openAnswers()), trackerBase.Add(time.Second))
	if u.Phase != PhaseAwaitingOthers {
		t.Fatalf("expected awaiting-others after submit, got %v", u.Phase)
	}
}

func nextUpdate(t *testing.T, updates <-chan Update) Update {
	t.Helper()
	select {
	case u := <-updates:
		return u
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for update")
		return Update{}
	}
}

// fakeGame is a single-question in-memory game that reacts to expiry and
// advance the way the real service does.
type fakeGame struct {
	mu        sync.Mutex
	gone      bool
	completed bool
	startMs   int64
	answers   map[string]domain.PlayerAnswer
	expiries  int
	advances  int
}

func newFakeGame(start time.Time) *fakeGame {
	return &fakeGame{
		startMs: start.UnixMilli(),
		answers: map[string]domain.PlayerAnswer{"Alice": {}, "Bob": {}},
	}
}

func (f *fakeGame) Snapshot(_ context.Context, _ string) (*domain.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gone {
		return nil, domain.ErrGameNotFound
	}
	snap := &domain.Snapshot{
		Code:    "ABC123",
		Host:    "Alice",
		Players: []string{"Alice", "Bob"},
		Scores:  map[string]int{"Alice": 0, "Bob": 0},
		Status:  domain.StatusPlaying,
	}
	if f.completed {
		snap.Status = domain.StatusCompleted
		return snap, nil
	}
	idx := 0
	snap.CurrentQuestion = &idx
	snap.QuestionStartMs = f.startMs
	snap.PlayerAnswers = make(map[string]domain.PlayerAnswer, len(f.answers))
	for name, pa := range f.answers {
		snap.PlayerAnswers[name] = pa
	}
	return snap, nil
}

func (f *fakeGame) SubmitAnswer(_ context.Context, _, player string, option int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	opt := option
	t := int64(1000)
	f.answers[player] = domain.PlayerAnswer{Option: &opt, TimeTakenMs: &t}
	return nil
}

func (f *fakeGame) HandleTimeExpiry(_ context.Context, _, _ string, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expiries++
	sentinel := domain.NoAnswer
	full := int64(domain.QuestionTimeMs)
	for name, pa := range f.answers {
		if pa.Option == nil {
			f.answers[name] = domain.PlayerAnswer{Option: &sentinel, TimeTakenMs: &full}
		}
	}
	return nil
}

func (f *fakeGame) AdvanceQuestion(_ context.Context, _, _ string, _ int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.advances++
	f.completed = true
	return true, nil
}

func (f *fakeGame) setGone() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gone = true
}

func (f *fakeGame) expiryCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.expiries
}

func (f *fakeGame) advanceCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.advances
}

// Package client implements the polling side of the session protocol: each
// participant repeatedly fetches the game snapshot and re-derives its local
// view from scratch. There is no push channel; the Tracker turns a stream of
// eventually-consistent snapshots into one coherent per-client state.
package client

import (
	"sync"
	"time"

	"partyquiz-service/internal/domain"
)

// Phase is the single per-client state derived from the last snapshot plus
// elapsed time. It replaces the pile of booleans a naive polling UI
// accumulates (submitted, timeUp, showResults, countdownStarted, ...).
type Phase int

const (
	// PhaseIdle: no active round (lobby, or the game is over).
	PhaseIdle Phase = iota
	// PhaseAnswering: a question is live and this client has not submitted.
	PhaseAnswering
	// PhaseAwaitingOthers: submitted, waiting for the rest of the players.
	PhaseAwaitingOthers
	// PhaseShowingResults: every player has a terminal answer; the results
	// countdown is running.
	PhaseShowingResults
	// PhaseAdvancing: advancement has been initiated for this question.
	PhaseAdvancing
)

func (p Phase) String() string {
	switch p {
	case PhaseAnswering:
		return "answering"
	case PhaseAwaitingOthers:
		return "awaiting-others"
	case PhaseShowingResults:
		return "showing-results"
	case PhaseAdvancing:
		return "advancing"
	default:
		return "idle"
	}
}

// Update is what one Observe pass derives from a snapshot.
type Update struct {
	Phase            Phase
	QuestionIndex    int // -1 when no round is active
	RemainingSeconds int
	CountdownSeconds int
	AllAnswered      bool
	Completed        bool
	Scores           map[string]int

	// FireExpiry asks the caller to invoke the time-expiry transition for
	// QuestionIndex. Set at most once per question.
	FireExpiry bool
	// FireAdvance asks the caller to advance from QuestionIndex. Set at most
	// once per question.
	FireAdvance bool
}

// Tracker reconciles polled snapshots into per-client state. All transient
// per-question state resets when the observed question index changes, so a
// stale flag can never leak into the next round.
type Tracker struct {
	mu       sync.Mutex
	player   string
	failover time.Duration

	hasIndex  bool
	lastIndex int

	submitted        bool
	expiryFired      bool
	advanceInitiated bool
	resultsShown     bool
	resultsAt        time.Time
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithFailover lets a non-host client fire expiry/advance once the relevant
// deadline has lapsed by d. Zero keeps the strict host-only convention.
func WithFailover(d time.Duration) TrackerOption {
	return func(t *Tracker) { t.failover = d }
}

func NewTracker(player string, opts ...TrackerOption) *Tracker {
	t := &Tracker{player: player, lastIndex: -1}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Observe folds one polled snapshot into the tracker and returns the derived
// view plus any actions this client is responsible for.
func (t *Tracker) Observe(snap *domain.Snapshot, now time.Time) Update {
	t.mu.Lock()
	defer t.mu.Unlock()

	u := Update{QuestionIndex: -1, Scores: snap.Scores}
	if snap.Status == domain.StatusCompleted {
		u.Completed = true
		return u
	}
	if snap.Status != domain.StatusPlaying || snap.CurrentQuestion == nil {
		return u
	}

	index := *snap.CurrentQuestion
	if !t.hasIndex || index != t.lastIndex {
		t.reset(index)
	}
	u.QuestionIndex = index

	isHost := snap.Host == t.player
	start := time.UnixMilli(snap.QuestionStartMs)
	u.RemainingSeconds = remainingSeconds(start, now)

	allAnswered := len(snap.Players) > 0
	for _, name := range snap.Players {
		// The no-answer sentinel counts as answered; only a null row is open.
		if pa, ok := snap.PlayerAnswers[name]; !ok || pa.Option == nil {
			allAnswered = false
			break
		}
	}
	u.AllAnswered = allAnswered

	expiryDeadline := start.Add(domain.QuestionTimeMs * time.Millisecond)
	if u.RemainingSeconds == 0 && !allAnswered && !t.expiryFired && t.mayAct(isHost, expiryDeadline, now) {
		t.expiryFired = true
		u.FireExpiry = true
	}

	if !allAnswered {
		if t.advanceInitiated {
			u.Phase = PhaseAdvancing
		} else if t.submitted {
			u.Phase = PhaseAwaitingOthers
		} else {
			u.Phase = PhaseAnswering
		}
		return u
	}

	if !t.resultsShown {
		t.resultsShown = true
		t.resultsAt = now
	}
	u.CountdownSeconds = countdownSeconds(t.resultsAt, now)
	advanceDeadline := expiryDeadline.Add(domain.ResultsSeconds * time.Second)
	if u.CountdownSeconds == 0 && !t.advanceInitiated && t.mayAct(isHost, advanceDeadline, now) {
		t.advanceInitiated = true
		u.FireAdvance = true
	}
	if t.advanceInitiated {
		u.Phase = PhaseAdvancing
	} else {
		u.Phase = PhaseShowingResults
	}
	return u
}

// MarkSubmitted records that this client submitted an answer for the current
// question; the phase becomes awaiting-others on the next Observe.
func (t *Tracker) MarkSubmitted() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.submitted = true
}

// RequestAdvance claims the manual "next question" action. It reports false
// when advancement was already initiated for this question, which guards the
// manual button against racing the auto-advance countdown.
func (t *Tracker) RequestAdvance() (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.advanceInitiated || !t.hasIndex {
		return 0, false
	}
	t.advanceInitiated = true
	return t.lastIndex, true
}

// CurrentIndex returns the last observed question index, or -1.
func (t *Tracker) CurrentIndex() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.hasIndex {
		return -1
	}
	return t.lastIndex
}

// unlatchExpiry re-arms the expiry one-shot after a failed call so the next
// poll retries it.
func (t *Tracker) unlatchExpiry() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.expiryFired = false
}

// unlatchAdvance re-arms the advance one-shot after a failed call.
func (t *Tracker) unlatchAdvance() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.advanceInitiated = false
}

func (t *Tracker) reset(index int) {
	t.hasIndex = true
	t.lastIndex = index
	t.submitted = false
	t.expiryFired = false
	t.advanceInitiated = false
	t.resultsShown = false
	t.resultsAt = time.Time{}
}

// mayAct reports whether this client may drive a host transition: the host
// always, others only once the deadline lapsed by the failover delay.
func (t *Tracker) mayAct(isHost bool, deadline, now time.Time) bool {
	if isHost {
		return true
	}
	if t.failover <= 0 {
		return false
	}
	return !now.Before(deadline.Add(t.failover))
}

func remainingSeconds(start, now time.Time) int {
	elapsed := int(now.Sub(start) / time.Second)
	remaining := domain.QuestionTimeMs/1000 - elapsed
	if remaining < 0 {
		return 0
	}
	return remaining
}

func countdownSeconds(resultsAt, now time.Time) int {
	elapsed := int(now.Sub(resultsAt) / time.Second)
	remaining := domain.ResultsSeconds - elapsed
	if remaining < 0 {
		return 0
	}
	return remaining
}

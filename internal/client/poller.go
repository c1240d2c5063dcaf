package client

import (
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"partyquiz-service/internal/domain"
)

// DefaultPollInterval matches the reference clients' ~1 second cadence.
const DefaultPollInterval = time.Second

// GameClient is the slice of the session engine a polling client needs.
// *app.GameService satisfies it directly; a remote HTTP client can too.
type GameClient interface {
	Snapshot(ctx context.Context, code string) (*domain.Snapshot, error)
	SubmitAnswer(ctx context.Context, code, player string, option int) error
	HandleTimeExpiry(ctx context.Context, code, caller string, questionIndex int) error
	AdvanceQuestion(ctx context.Context, code, caller string, fromIndex int) (bool, error)
}

// Poller drives one client's view of a game: fetch a snapshot every interval,
// fold it through the Tracker, and fire whatever transitions this client is
// responsible for. Failed polls and failed transitions are retried on the
// next tick; the poller never gives up on transient errors.
type Poller struct {
	client   GameClient
	tracker  *Tracker
	code     string
	player   string
	interval time.Duration
	clock    clockwork.Clock
	log      zerolog.Logger
	updates  chan Update
}

// PollerOption configures a Poller.
type PollerOption func(*Poller)

// WithInterval overrides the poll interval.
func WithInterval(d time.Duration) PollerOption {
	return func(p *Poller) { p.interval = d }
}

// WithPollerClock injects a clock for deterministic tests.
func WithPollerClock(clock clockwork.Clock) PollerOption {
	return func(p *Poller) { p.clock = clock }
}

// WithLogger attaches a logger.
func WithLogger(log zerolog.Logger) PollerOption {
	return func(p *Poller) { p.log = log }
}

func NewPoller(client GameClient, tracker *Tracker, code, player string, opts ...PollerOption) *Poller {
	p := &Poller{
		client:   client,
		tracker:  tracker,
		code:     code,
		player:   player,
		interval: DefaultPollInterval,
		clock:    clockwork.NewRealClock(),
		log:      zerolog.Nop(),
		updates:  make(chan Update, 8),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Updates delivers the derived view after every poll. Stale updates are
// dropped rather than blocking the loop.
func (p *Poller) Updates() <-chan Update {
	return p.updates
}

// Run polls until the context is canceled, the game completes, or the game
// disappears (host left). It returns nil in the latter two cases; the caller
// treats them as exit-to-lobby.
func (p *Poller) Run(ctx context.Context) error {
	defer close(p.updates)

	ticker := p.clock.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		done := p.poll(ctx)
		if done {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
		}
	}
}

// Submit sends this player's answer and flips the local phase.
func (p *Poller) Submit(ctx context.Context, option int) error {
	if err := p.client.SubmitAnswer(ctx, p.code, p.player, option); err != nil {
		return err
	}
	p.tracker.MarkSubmitted()
	return nil
}

// Advance is the manual "next question" action. It is a no-op when the
// auto-advance already claimed this question.
func (p *Poller) Advance(ctx context.Context) error {
	index, ok := p.tracker.RequestAdvance()
	if !ok {
		return nil
	}
	if _, err := p.client.AdvanceQuestion(ctx, p.code, p.player, index); err != nil {
		p.tracker.unlatchAdvance()
		return err
	}
	return nil
}

func (p *Poller) poll(ctx context.Context) bool {
	snap, err := p.client.Snapshot(ctx, p.code)
	if errors.Is(err, domain.ErrGameNotFound) {
		// The game was deleted (host left or cleanup): exit to lobby.
		p.log.Info().Str("code", p.code).Msg("game gone, stopping poll loop")
		return true
	}
	if err != nil {
		// Transient failure: silently retry on the next interval.
		p.log.Debug().Err(err).Str("code", p.code).Msg("poll failed")
		return false
	}

	update := p.tracker.Observe(snap, p.clock.Now())

	if update.FireExpiry {
		if err := p.client.HandleTimeExpiry(ctx, p.code, p.player, update.QuestionIndex); err != nil {
			p.log.Warn().Err(err).Int("question", update.QuestionIndex).Msg("time expiry failed")
			p.tracker.unlatchExpiry()
		}
	}
	if update.FireAdvance {
		if _, err := p.client.AdvanceQuestion(ctx, p.code, p.player, update.QuestionIndex); err != nil {
			p.log.Warn().Err(err).Int("question", update.QuestionIndex).Msg("advance failed")
			p.tracker.unlatchAdvance()
		}
	}

	p.publish(update)
	return update.Completed
}

func (p *Poller) publish(update Update) {
	select {
	case p.updates <- update:
	default:
		// Drop the oldest pending update so a slow consumer never stalls
		// the poll loop.
		select {
		case <-p.updates:
		default:
		}
		p.updates <- update
	}
}

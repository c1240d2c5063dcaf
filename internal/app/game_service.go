package app

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"partyquiz-service/internal/domain"
	"partyquiz-service/internal/scoring"
)

// GameRepository abstracts how game, player, and answer records are stored
// (in-memory, Redis, etc). All conditional semantics live here so that the
// service never needs in-process locks: the real concurrency is cross-client
// through the shared store.
type GameRepository interface {
	// InsertGame stores a new game, failing with domain.ErrCodeTaken if the
	// code is already live.
	InsertGame(ctx context.Context, game *domain.Game) error
	GetGame(ctx context.Context, code string) (*domain.Game, error)
	// UpdateGame is a compare-and-swap keyed on game.Version. On success the
	// stored version is bumped; on mismatch it fails with
	// domain.ErrVersionConflict and stores nothing.
	UpdateGame(ctx context.Context, game *domain.Game) error
	// TouchGame bumps the last-activity timestamp without a version check.
	TouchGame(ctx context.Context, code string, at time.Time) error
	// DeleteGame removes the game and cascades to players and answers.
	DeleteGame(ctx context.Context, code string) error
	// DeleteIdleSince removes every game whose last activity is before the
	// cutoff, returning how many were reclaimed.
	DeleteIdleSince(ctx context.Context, cutoff time.Time) (int, error)

	// InsertPlayer appends a player, failing with domain.ErrNameTaken on a
	// duplicate name and domain.ErrNotJoinable when the game is full.
	InsertPlayer(ctx context.Context, player *domain.Player) error
	// ListPlayers returns players in join order (the host joined first).
	ListPlayers(ctx context.Context, code string) ([]domain.Player, error)
	// DeletePlayer removes a player and their answer history.
	DeletePlayer(ctx context.Context, code, name string) error
	// IncrementScore atomically adds delta to a player's score.
	IncrementScore(ctx context.Context, code, name string, delta int) error

	// SeedAnswer creates the null answer row for (code, player, index) if it
	// does not exist yet; an existing row is left untouched.
	SeedAnswer(ctx context.Context, code, name string, questionIndex int) error
	// PutAnswer upserts a real answer; resubmission overwrites.
	PutAnswer(ctx context.Context, answer *domain.Answer) error
	// FillNoAnswer writes the no-answer sentinel with the full window time,
	// but only if the row is still null at write time. A genuine answer that
	// landed first is never overwritten.
	FillNoAnswer(ctx context.Context, code, name string, questionIndex int) error
	ListAnswers(ctx context.Context, code string, questionIndex int) ([]domain.Answer, error)
}

// QuestionSource loads ordered question lists by set ID (from cache or a
// backing store). The service treats loaded questions as opaque content.
type QuestionSource interface {
	Questions(ctx context.Context, setID string) ([]domain.Question, error)
}

// DefaultGracePeriod is how long past a deadline a non-host player must wait
// before they may drive expiry or advancement for a stalled host.
const DefaultGracePeriod = 3 * time.Second

// GameService is the session state machine: create, join, start, submit,
// expiry, advance, leave, remove, cleanup. It is the sole writer of game
// state; clients only ever poll snapshots.
type GameService struct {
	games     GameRepository
	questions QuestionSource
	clock     clockwork.Clock
	grace     time.Duration
	log       zerolog.Logger
}

// Option configures a GameService.
type Option func(*GameService)

// WithClock injects a clock, used by tests for deterministic timing.
func WithClock(clock clockwork.Clock) Option {
	return func(s *GameService) { s.clock = clock }
}

// WithGracePeriod overrides the host-failover grace period.
func WithGracePeriod(d time.Duration) Option {
	return func(s *GameService) { s.grace = d }
}

func NewGameService(games GameRepository, questions QuestionSource, log zerolog.Logger, opts ...Option) *GameService {
	s := &GameService{
		games:     games,
		questions: questions,
		clock:     clockwork.NewRealClock(),
		grace:     DefaultGracePeriod,
		log:       log,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create allocates a fresh game in waiting status with the host as its sole
// player and returns the new game code.
func (s *GameService) Create(ctx context.Context, hostName string) (string, error) {
	now := s.clock.Now()
	for {
		code := newCode()
		game := &domain.Game{
			Code:            code,
			Host:            hostName,
			Status:          domain.StatusWaiting,
			CurrentQuestion: -1,
			LastActive:      now,
			Version:         1,
		}
		err := s.games.InsertGame(ctx, game)
		if errors.Is(err, domain.ErrCodeTaken) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("insert game: %w", err)
		}
		host := &domain.Player{GameCode: code, Name: hostName, JoinedAt: now}
		if err := s.games.InsertPlayer(ctx, host); err != nil {
			return "", fmt.Errorf("insert host: %w", err)
		}
		s.log.Info().Str("code", code).Str("host", hostName).Msg("game created")
		return code, nil
	}
}

// Join appends a player to a waiting, non-full game.
func (s *GameService) Join(ctx context.Context, code, name string) error {
	code = NormalizeCode(code)
	game, err := s.games.GetGame(ctx, code)
	if err != nil {
		return err
	}
	if game.Status != domain.StatusWaiting {
		return domain.ErrNotJoinable
	}
	players, err := s.games.ListPlayers(ctx, code)
	if err != nil {
		return fmt.Errorf("list players: %w", err)
	}
	if len(players) >= domain.MaxPlayers {
		return domain.ErrNotJoinable
	}
	for _, p := range players {
		if p.Name == name {
			return domain.ErrNameTaken
		}
	}
	player := &domain.Player{GameCode: code, Name: name, JoinedAt: s.clock.Now()}
	if err := s.games.InsertPlayer(ctx, player); err != nil {
		return err
	}
	return s.games.TouchGame(ctx, code, s.clock.Now())
}

// Start moves a waiting game into play: questions are sanitized and frozen,
// the current index becomes 0, and a null answer row is seeded per player.
// Only the stored host may start.
func (s *GameService) Start(ctx context.Context, code, caller string, questions []domain.Question) error {
	code = NormalizeCode(code)
	game, err := s.games.GetGame(ctx, code)
	if err != nil {
		return err
	}
	if caller != game.Host {
		return domain.ErrNotHost
	}
	if game.Status != domain.StatusWaiting {
		return domain.ErrNotJoinable
	}
	players, err := s.games.ListPlayers(ctx, code)
	if err != nil {
		return fmt.Errorf("list players: %w", err)
	}
	if len(players) < domain.MinPlayers {
		return domain.ErrNotEnoughPlayers
	}
	sanitized, err := SanitizeQuestions(questions)
	if err != nil {
		return err
	}

	now := s.clock.Now()
	game.Status = domain.StatusPlaying
	game.Questions = sanitized
	game.CurrentQuestion = 0
	game.QuestionStart = now
	game.LastActive = now
	if err := s.games.UpdateGame(ctx, game); err != nil {
		if errors.Is(err, domain.ErrVersionConflict) {
			// A concurrent start won; report the game as no longer waiting.
			return domain.ErrNotJoinable
		}
		return fmt.Errorf("update game: %w", err)
	}
	for _, p := range players {
		if err := s.games.SeedAnswer(ctx, code, p.Name, 0); err != nil {
			return fmt.Errorf("seed answer: %w", err)
		}
	}
	s.log.Info().Str("code", code).Int("questions", len(sanitized)).Int("players", len(players)).Msg("game started")
	return nil
}

// StartWithSet loads a question set from the configured source and starts
// the game with it.
func (s *GameService) StartWithSet(ctx context.Context, code, caller, setID string) error {
	if s.questions == nil {
		return domain.ErrQuestionSetNotFound
	}
	questions, err := s.questions.Questions(ctx, setID)
	if err != nil {
		return err
	}
	return s.Start(ctx, code, caller, questions)
}

// SubmitAnswer records a player's choice for the current question. Elapsed
// time is capped at the question window. Resubmission overwrites, which makes
// client retries idempotent.
func (s *GameService) SubmitAnswer(ctx context.Context, code, playerName string, option int) error {
	code = NormalizeCode(code)
	if option < 0 || option >= domain.OptionCount {
		return domain.ErrInvalidAnswer
	}
	game, err := s.games.GetGame(ctx, code)
	if err != nil {
		return err
	}
	if game.Status != domain.StatusPlaying {
		return domain.ErrGameNotActive
	}
	if err := s.requirePlayer(ctx, code, playerName); err != nil {
		return err
	}

	now := s.clock.Now()
	elapsed := now.Sub(game.QuestionStart).Milliseconds()
	if elapsed > domain.QuestionTimeMs {
		elapsed = domain.QuestionTimeMs
	}
	if elapsed < 0 {
		elapsed = 0
	}
	opt := option
	answer := &domain.Answer{
		GameCode:      code,
		Player:        playerName,
		QuestionIndex: game.CurrentQuestion,
		Option:        &opt,
		TimeTakenMs:   &elapsed,
	}
	if err := s.games.PutAnswer(ctx, answer); err != nil {
		return fmt.Errorf("put answer: %w", err)
	}
	return s.games.TouchGame(ctx, code, now)
}

// HandleTimeExpiry records the no-answer sentinel for every player whose row
// is still null for question questionIndex. A signal for an index the game
// has already moved past is a stale duplicate and no-ops. The sentinel write
// is conditional at the row level, so a genuine late answer is never
// clobbered even when expiry and submission race on the same row.
func (s *GameService) HandleTimeExpiry(ctx context.Context, code, caller string, questionIndex int) error {
	code = NormalizeCode(code)
	game, err := s.games.GetGame(ctx, code)
	if err != nil {
		return err
	}
	if game.Status != domain.StatusPlaying {
		return domain.ErrGameNotActive
	}
	if game.CurrentQuestion != questionIndex {
		return nil
	}
	deadline := game.QuestionStart.Add(domain.QuestionTimeMs * time.Millisecond)
	if err := s.requireHostOrLapsed(ctx, game, caller, deadline); err != nil {
		return err
	}
	players, err := s.games.ListPlayers(ctx, code)
	if err != nil {
		return fmt.Errorf("list players: %w", err)
	}
	for _, p := range players {
		if err := s.games.FillNoAnswer(ctx, code, p.Name, game.CurrentQuestion); err != nil {
			return fmt.Errorf("fill no-answer: %w", err)
		}
	}
	return s.games.TouchGame(ctx, code, s.clock.Now())
}

// AdvanceQuestion scores question fromIndex and either moves the game to the
// next index or completes it at the last one. Returns true when the game
// completed. fromIndex is the index the caller observed; if the game has
// already moved past it the call is a duplicate trigger and no-ops, and the
// game-version CAS closes the remaining window: only the CAS winner applies
// score increments, so duplicates never double-award.
func (s *GameService) AdvanceQuestion(ctx context.Context, code, caller string, fromIndex int) (bool, error) {
	code = NormalizeCode(code)
	for {
		game, err := s.games.GetGame(ctx, code)
		if err != nil {
			return false, err
		}
		switch game.Status {
		case domain.StatusPlaying:
		case domain.StatusCompleted:
			// Duplicate trigger after completion.
			return true, nil
		default:
			return false, domain.ErrGameNotActive
		}
		if game.CurrentQuestion != fromIndex {
			// A concurrent call already advanced this question.
			return false, nil
		}
		deadline := game.QuestionStart.Add((domain.QuestionTimeMs + domain.ResultsSeconds*1000) * time.Millisecond)
		if err := s.requireHostOrLapsed(ctx, game, caller, deadline); err != nil {
			return false, err
		}

		index := game.CurrentQuestion
		if index < 0 || index >= len(game.Questions) {
			return false, domain.ErrGameNotActive
		}
		answers, err := s.games.ListAnswers(ctx, code, index)
		if err != nil {
			return false, fmt.Errorf("list answers: %w", err)
		}
		awards := questionAwards(game.Questions[index], answers)

		now := s.clock.Now()
		completed := index == len(game.Questions)-1
		if completed {
			game.Status = domain.StatusCompleted
		} else {
			game.CurrentQuestion = index + 1
			game.QuestionStart = now
		}
		game.LastActive = now
		if err := s.games.UpdateGame(ctx, game); err != nil {
			if errors.Is(err, domain.ErrVersionConflict) {
				fresh, gerr := s.games.GetGame(ctx, code)
				if gerr != nil {
					return false, gerr
				}
				if fresh.Status == domain.StatusCompleted {
					return true, nil
				}
				if fresh.CurrentQuestion != fromIndex {
					return false, nil
				}
				continue
			}
			return false, fmt.Errorf("update game: %w", err)
		}

		for name, points := range awards {
			if err := s.games.IncrementScore(ctx, code, name, points); err != nil {
				return completed, fmt.Errorf("increment score: %w", err)
			}
		}
		if !completed {
			players, err := s.games.ListPlayers(ctx, code)
			if err != nil {
				return false, fmt.Errorf("list players: %w", err)
			}
			for _, p := range players {
				if err := s.games.SeedAnswer(ctx, code, p.Name, game.CurrentQuestion); err != nil {
					return false, fmt.Errorf("seed answer: %w", err)
				}
			}
		}
		s.log.Info().Str("code", code).Int("question", index).Bool("completed", completed).Msg("question advanced")
		return completed, nil
	}
}

// Leave removes a player. A leaving host takes the whole game down; hosts
// cannot be replaced.
func (s *GameService) Leave(ctx context.Context, code, playerName string) error {
	code = NormalizeCode(code)
	game, err := s.games.GetGame(ctx, code)
	if err != nil {
		return err
	}
	if game.Host == playerName {
		s.log.Info().Str("code", code).Msg("host left, deleting game")
		return s.games.DeleteGame(ctx, code)
	}
	if err := s.games.DeletePlayer(ctx, code, playerName); err != nil {
		return err
	}
	return s.games.TouchGame(ctx, code, s.clock.Now())
}

// RemovePlayer ejects a non-host player on behalf of the host.
func (s *GameService) RemovePlayer(ctx context.Context, code, caller, target string) error {
	code = NormalizeCode(code)
	game, err := s.games.GetGame(ctx, code)
	if err != nil {
		return err
	}
	if caller != game.Host {
		return domain.ErrNotHost
	}
	if target == game.Host {
		return domain.ErrCannotRemoveHost
	}
	if err := s.games.DeletePlayer(ctx, code, target); err != nil {
		return err
	}
	return s.games.TouchGame(ctx, code, s.clock.Now())
}

// Cleanup reclaims games idle for longer than maxAge.
func (s *GameService) Cleanup(ctx context.Context, maxAge time.Duration) error {
	cutoff := s.clock.Now().Add(-maxAge)
	removed, err := s.games.DeleteIdleSince(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("delete idle games: %w", err)
	}
	if removed > 0 {
		s.log.Info().Int("removed", removed).Msg("idle games reclaimed")
	}
	return nil
}

// Snapshot assembles the full poll payload for a game. Players are ordered
// host-first; answer state covers the current question only.
func (s *GameService) Snapshot(ctx context.Context, code string) (*domain.Snapshot, error) {
	code = NormalizeCode(code)
	game, err := s.games.GetGame(ctx, code)
	if err != nil {
		return nil, err
	}
	players, err := s.games.ListPlayers(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("list players: %w", err)
	}

	names := make([]string, 0, len(players))
	scores := make(map[string]int, len(players))
	for _, p := range players {
		names = append(names, p.Name)
		scores[p.Name] = p.Score
	}
	// Host first, remaining players keep join order.
	for i, name := range names {
		if name == game.Host && i > 0 {
			copy(names[1:i+1], names[:i])
			names[0] = game.Host
			break
		}
	}

	snap := &domain.Snapshot{
		Code:          game.Code,
		Host:          game.Host,
		Players:       names,
		Scores:        scores,
		Status:        game.Status,
		Questions:     game.Questions,
		LastUpdatedMs: game.LastActive.UnixMilli(),
		Version:       game.Version,
	}
	if game.Status == domain.StatusPlaying {
		index := game.CurrentQuestion
		snap.CurrentQuestion = &index
		snap.QuestionStartMs = game.QuestionStart.UnixMilli()

		answers, err := s.games.ListAnswers(ctx, code, index)
		if err != nil {
			return nil, fmt.Errorf("list answers: %w", err)
		}
		snap.PlayerAnswers = make(map[string]domain.PlayerAnswer, len(players))
		for _, a := range answers {
			snap.PlayerAnswers[a.Player] = domain.PlayerAnswer{Option: a.Option, TimeTakenMs: a.TimeTakenMs}
		}
		// Players without a seeded row yet still appear as not-answered.
		for _, name := range names {
			if _, ok := snap.PlayerAnswers[name]; !ok {
				snap.PlayerAnswers[name] = domain.PlayerAnswer{}
			}
		}
	}
	return snap, nil
}

func (s *GameService) requirePlayer(ctx context.Context, code, name string) error {
	players, err := s.games.ListPlayers(ctx, code)
	if err != nil {
		return fmt.Errorf("list players: %w", err)
	}
	for _, p := range players {
		if p.Name == name {
			return nil
		}
	}
	return domain.ErrPlayerNotFound
}

// requireHostOrLapsed grants the host immediately, and any other player of
// the game once the deadline has lapsed by the grace period. That keeps the
// single-writer convention in the common case while letting a game recover
// from a stalled host.
func (s *GameService) requireHostOrLapsed(ctx context.Context, game *domain.Game, caller string, deadline time.Time) error {
	if caller == game.Host {
		return nil
	}
	if s.clock.Now().Before(deadline.Add(s.grace)) {
		return domain.ErrNotHost
	}
	return s.requirePlayer(ctx, game.Code, caller)
}

// questionAwards maps player names to points earned on one question.
func questionAwards(q domain.Question, answers []domain.Answer) map[string]int {
	awards := make(map[string]int)
	for _, a := range answers {
		if a.Option == nil || *a.Option != q.CorrectIndex {
			continue
		}
		t := int64(domain.QuestionTimeMs)
		if a.TimeTakenMs != nil {
			t = *a.TimeTakenMs
		}
		awards[a.Player] = scoring.Award(true, t)
	}
	return awards
}

// SanitizeQuestions coerces raw question input into the fixed 4-option shape,
// substituting empty strings and option 0 for missing fields rather than
// rejecting. Only an empty list is an error.
func SanitizeQuestions(questions []domain.Question) ([]domain.Question, error) {
	if len(questions) == 0 {
		return nil, domain.ErrInvalidQuestions
	}
	out := make([]domain.Question, len(questions))
	for i, q := range questions {
		options := make([]string, domain.OptionCount)
		copy(options, q.Options)
		correct := q.CorrectIndex
		if correct < 0 || correct >= domain.OptionCount {
			correct = 0
		}
		out[i] = domain.Question{Prompt: q.Prompt, Options: options, CorrectIndex: correct}
	}
	return out, nil
}

// NormalizeCode upper-cases a game code; codes are case-insensitive.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// newCode derives a 6-character code from a base-36 random value.
func newCode() string {
	s := strconv.FormatInt(rand.Int63(), 36)
	if len(s) > domain.CodeLength {
		s = s[len(s)-domain.CodeLength:]
	}
	for len(s) < domain.CodeLength {
		s = "0" + s
	}
	return strings.ToUpper(s)
}

package memory

import (
	"context"
	"sync"
	"time"

	"partyquiz-service/internal/domain"
)

type answerKey struct {
	name  string
	index int
}

// GameRepository is an in-memory implementation of app.GameRepository.
// Conditional semantics (insert-if-absent, version CAS, sentinel-only-if-null)
// match the Redis implementation so either can back the service.
type GameRepository struct {
	mu      sync.RWMutex
	games   map[string]*domain.Game
	players map[string][]*domain.Player
	answers map[string]map[answerKey]*domain.Answer
}

func NewGameRepository() *GameRepository {
	return &GameRepository{
		games:   make(map[string]*domain.Game),
		players: make(map[string][]*domain.Player),
		answers: make(map[string]map[answerKey]*domain.Answer),
	}
}

func (r *GameRepository) InsertGame(_ context.Context, game *domain.Game) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.games[game.Code]; ok {
		return domain.ErrCodeTaken
	}
	r.games[game.Code] = copyGame(game)
	r.answers[game.Code] = make(map[answerKey]*domain.Answer)
	return nil
}

func (r *GameRepository) GetGame(_ context.Context, code string) (*domain.Game, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	game, ok := r.games[code]
	if !ok {
		return nil, domain.ErrGameNotFound
	}
	return copyGame(game), nil
}

func (r *GameRepository) UpdateGame(_ context.Context, game *domain.Game) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.games[game.Code]
	if !ok {
		return domain.ErrGameNotFound
	}
	if stored.Version != game.Version {
		return domain.ErrVersionConflict
	}
	next := copyGame(game)
	next.Version = stored.Version + 1
	r.games[game.Code] = next
	game.Version = next.Version
	return nil
}

func (r *GameRepository) TouchGame(_ context.Context, code string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	game, ok := r.games[code]
	if !ok {
		return domain.ErrGameNotFound
	}
	game.LastActive = at
	return nil
}

func (r *GameRepository) DeleteGame(_ context.Context, code string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.games[code]; !ok {
		return domain.ErrGameNotFound
	}
	delete(r.games, code)
	delete(r.players, code)
	delete(r.answers, code)
	return nil
}

func (r *GameRepository) DeleteIdleSince(_ context.Context, cutoff time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for code, game := range r.games {
		if game.LastActive.Before(cutoff) {
			delete(r.games, code)
			delete(r.players, code)
			delete(r.answers, code)
			removed++
		}
	}
	return removed, nil
}

func (r *GameRepository) InsertPlayer(_ context.Context, player *domain.Player) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.games[player.GameCode]; !ok {
		return domain.ErrGameNotFound
	}
	existing := r.players[player.GameCode]
	if len(existing) >= domain.MaxPlayers {
		return domain.ErrNotJoinable
	}
	for _, p := range existing {
		if p.Name == player.Name {
			return domain.ErrNameTaken
		}
	}
	clone := *player
	r.players[player.GameCode] = append(existing, &clone)
	return nil
}

func (r *GameRepository) ListPlayers(_ context.Context, code string) ([]domain.Player, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.games[code]; !ok {
		return nil, domain.ErrGameNotFound
	}
	players := make([]domain.Player, 0, len(r.players[code]))
	for _, p := range r.players[code] {
		players = append(players, *p)
	}
	return players, nil
}

func (r *GameRepository) DeletePlayer(_ context.Context, code, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing := r.players[code]
	for i, p := range existing {
		if p.Name == name {
			r.players[code] = append(existing[:i], existing[i+1:]...)
			for key := range r.answers[code] {
				if key.name == name {
					delete(r.answers[code], key)
				}
			}
			return nil
		}
	}
	return domain.ErrPlayerNotFound
}

func (r *GameRepository) IncrementScore(_ context.Context, code, name string, delta int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.players[code] {
		if p.Name == name {
			p.Score += delta
			return nil
		}
	}
	return domain.ErrPlayerNotFound
}

func (r *GameRepository) SeedAnswer(_ context.Context, code, name string, questionIndex int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rows, ok := r.answers[code]
	if !ok {
		return domain.ErrGameNotFound
	}
	key := answerKey{name: name, index: questionIndex}
	if _, exists := rows[key]; exists {
		return nil
	}
	rows[key] = &domain.Answer{GameCode: code, Player: name, QuestionIndex: questionIndex}
	return nil
}

func (r *GameRepository) PutAnswer(_ context.Context, answer *domain.Answer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rows, ok := r.answers[answer.GameCode]
	if !ok {
		return domain.ErrGameNotFound
	}
	clone := copyAnswer(answer)
	rows[answerKey{name: answer.Player, index: answer.QuestionIndex}] = clone
	return nil
}

func (r *GameRepository) FillNoAnswer(_ context.Context, code, name string, questionIndex int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rows, ok := r.answers[code]
	if !ok {
		return domain.ErrGameNotFound
	}
	key := answerKey{name: name, index: questionIndex}
	row, exists := rows[key]
	if exists && row.Option != nil {
		// A real answer landed first; keep it.
		return nil
	}
	sentinel := domain.NoAnswer
	full := int64(domain.QuestionTimeMs)
	rows[key] = &domain.Answer{
		GameCode:      code,
		Player:        name,
		QuestionIndex: questionIndex,
		Option:        &sentinel,
		TimeTakenMs:   &full,
	}
	return nil
}

func (r *GameRepository) ListAnswers(_ context.Context, code string, questionIndex int) ([]domain.Answer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rows, ok := r.answers[code]
	if !ok {
		return nil, domain.ErrGameNotFound
	}
	answers := make([]domain.Answer, 0, len(rows))
	for key, row := range rows {
		if key.index == questionIndex {
			answers = append(answers, *copyAnswer(row))
		}
	}
	return answers, nil
}

func copyGame(game *domain.Game) *domain.Game {
	clone := *game
	clone.Questions = append([]domain.Question(nil), game.Questions...)
	return &clone
}

func copyAnswer(answer *domain.Answer) *domain.Answer {
	clone := *answer
	if answer.Option != nil {
		opt := *answer.Option
		clone.Option = &opt
	}
	if answer.TimeTakenMs != nil {
		t := *answer.TimeTakenMs
		clone.TimeTakenMs = &t
	}
	return &clone
}

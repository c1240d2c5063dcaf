package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"partyquiz-service/internal/domain"
)

// Key layout, all scoped by game code:
//
//	game:{code}           hash  host, status, questions, current, started_at, last_active, version
//	game:{code}:players   hash  name -> score
//	game:{code}:joined    hash  name -> join time (unix ms)
//	game:{code}:order     list  names in join order
//	game:{code}:answers:N hash  name -> "opt|ms" ("n" while unanswered)
//	games:active          zset  code scored by last activity (unix ms)
//
// Every conditional write (insert-if-absent, version CAS, sentinel-only-if-null)
// runs as a Lua script so concurrent service instances see one winner.
const activeKey = "games:active"

var insertGameScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then return 0 end
redis.call('HSET', KEYS[1], 'host', ARGV[2], 'status', ARGV[3], 'questions', ARGV[4], 'current', ARGV[5], 'started_at', ARGV[6], 'last_active', ARGV[7], 'version', ARGV[8])
redis.call('ZADD', KEYS[2], ARGV[7], ARGV[1])
return 1
`)

var updateGameScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
local v = tonumber(redis.call('HGET', KEYS[1], 'version'))
if v ~= tonumber(ARGV[2]) then return 0 end
redis.call('HSET', KEYS[1], 'status', ARGV[3], 'questions', ARGV[4], 'current', ARGV[5], 'started_at', ARGV[6], 'last_active', ARGV[7], 'version', v + 1)
redis.call('ZADD', KEYS[2], ARGV[7], ARGV[1])
return v + 1
`)

var touchGameScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
redis.call('HSET', KEYS[1], 'last_active', ARGV[2])
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
return 1
`)

var insertPlayerScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -3 end
if redis.call('HEXISTS', KEYS[2], ARGV[1]) == 1 then return -1 end
if redis.call('HLEN', KEYS[2]) >= tonumber(ARGV[3]) then return -2 end
redis.call('HSET', KEYS[2], ARGV[1], 0)
redis.call('RPUSH', KEYS[3], ARGV[1])
redis.call('HSET', KEYS[4], ARGV[1], ARGV[2])
return 1
`)

var deletePlayerScript = redis.NewScript(`
if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 0 then return -1 end
redis.call('HDEL', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('LREM', KEYS[3], 0, ARGV[1])
return 1
`)

var incrementScoreScript = redis.NewScript(`
if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 0 then return -1 end
redis.call('HINCRBY', KEYS[1], ARGV[1], ARGV[2])
return 1
`)

var seedAnswerScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
redis.call('HSETNX', KEYS[2], ARGV[1], 'n')
return 1
`)

var putAnswerScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
redis.call('HSET', KEYS[2], ARGV[1], ARGV[2])
return 1
`)

var fillNoAnswerScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
local v = redis.call('HGET', KEYS[2], ARGV[1])
if v == false or v == 'n' then
  redis.call('HSET', KEYS[2], ARGV[1], ARGV[2])
end
return 1
`)

// GameRepository is the Redis implementation of app.GameRepository. It keeps
// no in-process state, so multiple service instances can share one game.
type GameRepository struct {
	client *redis.Client
}

func NewGameRepository(client *redis.Client) *GameRepository {
	return &GameRepository{client: client}
}

func (r *GameRepository) InsertGame(ctx context.Context, game *domain.Game) error {
	questions, err := json.Marshal(game.Questions)
	if err != nil {
		return fmt.Errorf("marshal questions: %w", err)
	}
	res, err := insertGameScript.Run(ctx, r.client,
		[]string{gameKey(game.Code), activeKey},
		game.Code, game.Host, string(game.Status), string(questions),
		game.CurrentQuestion, msOrZero(game.QuestionStart), msOrZero(game.LastActive), game.Version,
	).Int()
	if err != nil {
		return fmt.Errorf("insert game: %w", err)
	}
	if res == 0 {
		return domain.ErrCodeTaken
	}
	return nil
}

func (r *GameRepository) GetGame(ctx context.Context, code string) (*domain.Game, error) {
	fields, err := r.client.HGetAll(ctx, gameKey(code)).Result()
	if err != nil {
		return nil, fmt.Errorf("get game: %w", err)
	}
	if len(fields) == 0 {
		return nil, domain.ErrGameNotFound
	}
	return parseGame(code, fields)
}

func (r *GameRepository) UpdateGame(ctx context.Context, game *domain.Game) error {
	questions, err := json.Marshal(game.Questions)
	if err != nil {
		return fmt.Errorf("marshal questions: %w", err)
	}
	res, err := updateGameScript.Run(ctx, r.client,
		[]string{gameKey(game.Code), activeKey},
		game.Code, game.Version, string(game.Status), string(questions),
		game.CurrentQuestion, msOrZero(game.QuestionStart), msOrZero(game.LastActive),
	).Int()
	if err != nil {
		return fmt.Errorf("update game: %w", err)
	}
	switch res {
	case -1:
		return domain.ErrGameNotFound
	case 0:
		return domain.ErrVersionConflict
	}
	game.Version = int64(res)
	return nil
}

func (r *GameRepository) TouchGame(ctx context.Context, code string, at time.Time) error {
	res, err := touchGameScript.Run(ctx, r.client,
		[]string{gameKey(code), activeKey}, code, at.UnixMilli()).Int()
	if err != nil {
		return fmt.Errorf("touch game: %w", err)
	}
	if res == -1 {
		return domain.ErrGameNotFound
	}
	return nil
}

func (r *GameRepository) DeleteGame(ctx context.Context, code string) error {
	exists, err := r.client.Exists(ctx, gameKey(code)).Result()
	if err != nil {
		return fmt.Errorf("delete game: %w", err)
	}
	if exists == 0 {
		return domain.ErrGameNotFound
	}
	return r.purge(ctx, code)
}

func (r *GameRepository) DeleteIdleSince(ctx context.Context, cutoff time.Time) (int, error) {
	codes, err := r.client.ZRangeByScore(ctx, activeKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("scan idle games: %w", err)
	}
	removed := 0
	for _, code := range codes {
		if err := r.purge(ctx, code); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func (r *GameRepository) InsertPlayer(ctx context.Context, player *domain.Player) error {
	res, err := insertPlayerScript.Run(ctx, r.client,
		[]string{gameKey(player.GameCode), playersKey(player.GameCode), orderKey(player.GameCode), joinedKey(player.GameCode)},
		player.Name, player.JoinedAt.UnixMilli(), domain.MaxPlayers,
	).Int()
	if err != nil {
		return fmt.Errorf("insert player: %w", err)
	}
	switch res {
	case -1:
		return domain.ErrNameTaken
	case -2:
		return domain.ErrNotJoinable
	case -3:
		return domain.ErrGameNotFound
	}
	return nil
}

func (r *GameRepository) ListPlayers(ctx context.Context, code string) ([]domain.Player, error) {
	exists, err := r.client.Exists(ctx, gameKey(code)).Result()
	if err != nil {
		return nil, fmt.Errorf("list players: %w", err)
	}
	if exists == 0 {
		return nil, domain.ErrGameNotFound
	}
	order, err := r.client.LRange(ctx, orderKey(code), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list players: %w", err)
	}
	scores, err := r.client.HGetAll(ctx, playersKey(code)).Result()
	if err != nil {
		return nil, fmt.Errorf("list players: %w", err)
	}
	joined, err := r.client.HGetAll(ctx, joinedKey(code)).Result()
	if err != nil {
		return nil, fmt.Errorf("list players: %w", err)
	}

	players := make([]domain.Player, 0, len(order))
	for _, name := range order {
		score, _ := strconv.Atoi(scores[name])
		joinedMs, _ := strconv.ParseInt(joined[name], 10, 64)
		players = append(players, domain.Player{
			GameCode: code,
			Name:     name,
			Score:    score,
			JoinedAt: time.UnixMilli(joinedMs),
		})
	}
	return players, nil
}

func (r *GameRepository) DeletePlayer(ctx context.Context, code, name string) error {
	res, err := deletePlayerScript.Run(ctx, r.client,
		[]string{playersKey(code), joinedKey(code), orderKey(code)}, name).Int()
	if err != nil {
		return fmt.Errorf("delete player: %w", err)
	}
	if res == -1 {
		return domain.ErrPlayerNotFound
	}
	answerKeys, err := r.client.Keys(ctx, answersPattern(code)).Result()
	if err != nil {
		return fmt.Errorf("delete player answers: %w", err)
	}
	for _, key := range answerKeys {
		if err := r.client.HDel(ctx, key, name).Err(); err != nil {
			return fmt.Errorf("delete player answers: %w", err)
		}
	}
	return nil
}

func (r *GameRepository) IncrementScore(ctx context.Context, code, name string, delta int) error {
	res, err := incrementScoreScript.Run(ctx, r.client,
		[]string{playersKey(code)}, name, delta).Int()
	if err != nil {
		return fmt.Errorf("increment score: %w", err)
	}
	if res == -1 {
		return domain.ErrPlayerNotFound
	}
	return nil
}

func (r *GameRepository) SeedAnswer(ctx context.Context, code, name string, questionIndex int) error {
	res, err := seedAnswerScript.Run(ctx, r.client,
		[]string{gameKey(code), answersKey(code, questionIndex)}, name).Int()
	if err != nil {
		return fmt.Errorf("seed answer: %w", err)
	}
	if res == -1 {
		return domain.ErrGameNotFound
	}
	return nil
}

func (r *GameRepository) PutAnswer(ctx context.Context, answer *domain.Answer) error {
	res, err := putAnswerScript.Run(ctx, r.client,
		[]string{gameKey(answer.GameCode), answersKey(answer.GameCode, answer.QuestionIndex)},
		answer.Player, encodeAnswer(answer)).Int()
	if err != nil {
		return fmt.Errorf("put answer: %w", err)
	}
	if res == -1 {
		return domain.ErrGameNotFound
	}
	return nil
}

func (r *GameRepository) FillNoAnswer(ctx context.Context, code, name string, questionIndex int) error {
	sentinel := fmt.Sprintf("%d|%d", domain.NoAnswer, domain.QuestionTimeMs)
	res, err := fillNoAnswerScript.Run(ctx, r.client,
		[]string{gameKey(code), answersKey(code, questionIndex)}, name, sentinel).Int()
	if err != nil {
		return fmt.Errorf("fill no-answer: %w", err)
	}
	if res == -1 {
		return domain.ErrGameNotFound
	}
	return nil
}

func (r *GameRepository) ListAnswers(ctx context.Context, code string, questionIndex int) ([]domain.Answer, error) {
	exists, err := r.client.Exists(ctx, gameKey(code)).Result()
	if err != nil {
		return nil, fmt.Errorf("list answers: %w", err)
	}
	if exists == 0 {
		return nil, domain.ErrGameNotFound
	}
	rows, err := r.client.HGetAll(ctx, answersKey(code, questionIndex)).Result()
	if err != nil {
		return nil, fmt.Errorf("list answers: %w", err)
	}
	answers := make([]domain.Answer, 0, len(rows))
	for name, raw := range rows {
		answer, err := decodeAnswer(code, name, questionIndex, raw)
		if err != nil {
			return nil, err
		}
		answers = append(answers, answer)
	}
	return answers, nil
}

// purge drops every key belonging to one game.
func (r *GameRepository) purge(ctx context.Context, code string) error {
	answerKeys, err := r.client.Keys(ctx, answersPattern(code)).Result()
	if err != nil {
		return fmt.Errorf("purge game: %w", err)
	}
	keys := append([]string{gameKey(code), playersKey(code), joinedKey(code), orderKey(code)}, answerKeys...)
	pipe := r.client.Pipeline()
	pipe.Del(ctx, keys...)
	pipe.ZRem(ctx, activeKey, code)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("purge game: %w", err)
	}
	return nil
}

func parseGame(code string, fields map[string]string) (*domain.Game, error) {
	var questions []domain.Question
	if raw := fields["questions"]; raw != "" && raw != "null" {
		if err := json.Unmarshal([]byte(raw), &questions); err != nil {
			return nil, fmt.Errorf("unmarshal questions: %w", err)
		}
	}
	current, err := strconv.Atoi(fields["current"])
	if err != nil {
		return nil, fmt.Errorf("parse current question: %w", err)
	}
	version, err := strconv.ParseInt(fields["version"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse version: %w", err)
	}
	startedMs, _ := strconv.ParseInt(fields["started_at"], 10, 64)
	lastActiveMs, _ := strconv.ParseInt(fields["last_active"], 10, 64)

	game := &domain.Game{
		Code:            code,
		Host:            fields["host"],
		Status:          domain.Status(fields["status"]),
		Questions:       questions,
		CurrentQuestion: current,
		LastActive:      time.UnixMilli(lastActiveMs),
		Version:         version,
	}
	if startedMs > 0 {
		game.QuestionStart = time.UnixMilli(startedMs)
	}
	return game, nil
}

func encodeAnswer(answer *domain.Answer) string {
	if answer.Option == nil {
		return "n"
	}
	t := int64(domain.QuestionTimeMs)
	if answer.TimeTakenMs != nil {
		t = *answer.TimeTakenMs
	}
	return fmt.Sprintf("%d|%d", *answer.Option, t)
}

func decodeAnswer(code, name string, questionIndex int, raw string) (domain.Answer, error) {
	answer := domain.Answer{GameCode: code, Player: name, QuestionIndex: questionIndex}
	if raw == "n" {
		return answer, nil
	}
	parts := strings.SplitN(raw, "|", 2)
	if len(parts) != 2 {
		return domain.Answer{}, fmt.Errorf("malformed answer row %q for %s", raw, name)
	}
	option, err := strconv.Atoi(parts[0])
	if err != nil {
		return domain.Answer{}, fmt.Errorf("malformed answer option %q for %s", parts[0], name)
	}
	timeTaken, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return domain.Answer{}, fmt.Errorf("malformed answer time %q for %s", parts[1], name)
	}
	answer.Option = &option
	answer.TimeTakenMs = &timeTaken
	return answer, nil
}

func msOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func gameKey(code string) string     { return "game:" + code }
func playersKey(code string) string  { return "game:" + code + ":players" }
func joinedKey(code string) string   { return "game:" + code + ":joined" }
func orderKey(code string) string    { return "game:" + code + ":order" }
func answersPattern(c string) string { return "game:" + c + ":answers:*" }
func answersKey(c string, i int) string {
	return "game:" + c + ":answers:" + strconv.Itoa(i)
}

package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"partyquiz-service/internal/domain"
	"partyquiz-service/internal/infra/memory"
)

// QuestionSource caches question sets in Redis as JSON blobs and falls back
// to a loader on cache miss. A shared cache lets every service instance reuse
// one load instead of each hitting the backing store.
//
// Cached as: SET questions:{setID} {json} EX ttl
type QuestionSource struct {
	client *redis.Client
	loader memory.QuestionLoader
	ttl    time.Duration
	sf     singleflight.Group
	rnd    *rand.Rand
}

func NewQuestionSource(client *redis.Client, loader memory.QuestionLoader, ttl time.Duration) *QuestionSource {
	return &QuestionSource{
		client: client,
		loader: loader,
		ttl:    ttl,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (s *QuestionSource) Questions(ctx context.Context, setID string) ([]domain.Question, error) {
	key := s.key(setID)

	if questions, ok := s.fromCache(ctx, key); ok {
		return questions, nil
	}

	result, err, _ := s.sf.Do(setID, func() (interface{}, error) {
		// Re-check cache in case another goroutine filled it.
		if questions, ok := s.fromCache(ctx, key); ok {
			return questions, nil
		}

		questions, err := s.loader.LoadQuestions(ctx, setID)
		if err != nil {
			return nil, err
		}

		raw, err := json.Marshal(questions)
		if err != nil {
			return nil, fmt.Errorf("marshal question set: %w", err)
		}
		// best-effort cache fill
		_ = s.client.Set(ctx, key, raw, s.ttlWithJitter()).Err()

		return questions, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]domain.Question), nil
}

func (s *QuestionSource) fromCache(ctx context.Context, key string) ([]domain.Question, bool) {
	raw, err := s.client.Get(ctx, key).Result()
	if err != nil {
		return nil, false
	}
	var questions []domain.Question
	if err := json.Unmarshal([]byte(raw), &questions); err != nil {
		return nil, false
	}
	return questions, true
}

func (s *QuestionSource) key(setID string) string {
	return "questions:" + setID
}

func (s *QuestionSource) ttlWithJitter() time.Duration {
	if s.ttl <= 0 {
		return 0
	}
	jitterMax := int64(s.ttl) / 10
	return s.ttl + time.Duration(s.rnd.Int63n(jitterMax+1))
}

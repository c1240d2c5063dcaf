package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"partyquiz-service/internal/domain"
	"partyquiz-service/internal/infra/memory"
)

func TestQuestionSourceCachesInRedis(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	defer mr.Close()

	loader := &countingLoader{
		QuestionLoader: memory.NewStaticQuestionLoader(map[string][]domain.Question{
			"general": sampleQuestions(),
		}),
	}
	source := NewQuestionSource(newClient(mr), loader, time.Minute)

	questions, err := source.Questions(context.Background(), "general")
	if err != nil {
		t.Fatalf("load questions: %v", err)
	}
	if len(questions) != 1 || questions[0].CorrectIndex != 1 {
		t.Fatalf("unexpected questions %+v", questions)
	}
	if loader.calls != 1 {
		t.Fatalf("expected loader called once, got %d", loader.calls)
	}

	// Second call should hit cache, loader not incremented.
	cached, err := source.Questions(context.Background(), "general")
	if err != nil {
		t.Fatalf("cached load: %v", err)
	}
	if loader.calls != 1 {
		t.Fatalf("expected cache hit, loader calls=%d", loader.calls)
	}
	if len(cached) != 1 || cached[0].Prompt != questions[0].Prompt {
		t.Fatalf("cache returned different content: %+v", cached)
	}

	// Expired cache falls back to the loader.
	mr.FastForward(2 * time.Minute)
	if _, err := source.Questions(context.Background(), "general"); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if loader.calls != 2 {
		t.Fatalf("expected reload after expiry, got %d calls", loader.calls)
	}
}

func TestQuestionSourceUnknownSet(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	defer mr.Close()

	source := NewQuestionSource(newClient(mr), memory.NewStaticQuestionLoader(nil), time.Minute)
	if _, err := source.Questions(context.Background(), "missing"); !errors.Is(err, domain.ErrQuestionSetNotFound) {
		t.Fatalf("expected ErrQuestionSetNotFound, got %v", err)
	}
}

type countingLoader struct {
	memory.QuestionLoader
	calls int
}

func (l *countingLoader) LoadQuestions(ctx context.Context, setID string) ([]domain.Question, error) {
	l.calls++
	return l.QuestionLoader.LoadQuestions(ctx, setID)
}

func sampleQuestions() []domain.Question {
	return []domain.Question{
		{
			Prompt:       "What is 2 + 2?",
			Options:      []string{"3", "4", "5", "6"},
			CorrectIndex: 1,
		},
	}
}

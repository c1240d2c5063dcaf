package integration

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/migrate"

	"partyquiz-service/internal/app"
	"partyquiz-service/internal/domain"
	pgstore "partyquiz-service/internal/infra/postgres"
	pgmigrations "partyquiz-service/internal/infra/postgres/migrations"
	redisstore "partyquiz-service/internal/infra/redis"
)

func TestGameEndToEnd(t *testing.T) {
	ctx := context.Background()
	requireDocker(t)

	pgURL, pgCleanup := startPostgres(t, ctx)
	defer pgCleanup()
	redisURL, redisCleanup := startRedis(t, ctx)
	defer redisCleanup()

	seedQuestionSet(t, ctx, pgURL, "general", sampleQuestions())

	pool, err := pgxpool.Connect(ctx, pgURL)
	if err != nil {
		t.Fatalf("connect pg: %v", err)
	}
	defer pool.Close()

	redisClient, err := redisClientFromURL(redisURL)
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}

	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	questions := redisstore.NewQuestionSource(redisClient, pgstore.NewQuestionLoader(pool), 5*time.Minute)
	service := app.NewGameService(
		redisstore.NewGameRepository(redisClient),
		questions,
		zerolog.Nop(),
		app.WithClock(clock),
	)

	code, err := service.Create(ctx, "Alice")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := service.Join(ctx, code, "Bob"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := service.StartWithSet(ctx, code, "Alice", "general"); err != nil {
		t.Fatalf("start: %v", err)
	}

	// Question 0: Alice answers correctly at 5s, Bob never answers.
	clock.Advance(5 * time.Second)
	if err := service.SubmitAnswer(ctx, code, "Alice", 1); err != nil {
		t.Fatalf("submit: %v", err)
	}
	clock.Advance(16 * time.Second)
	if err := service.HandleTimeExpiry(ctx, code, "Alice", 0); err != nil {
		t.Fatalf("expiry: %v", err)
	}

	snap, err := service.Snapshot(ctx, code)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if pa := snap.PlayerAnswers["Bob"]; pa.Option == nil || *pa.Option != domain.NoAnswer {
		t.Fatalf("expected no-answer sentinel for Bob, got %+v", pa)
	}

	completed, err := service.AdvanceQuestion(ctx, code, "Alice", 0)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if completed {
		t.Fatalf("two-question game must not complete after one round")
	}

	// Question 1: both answer correctly, Bob faster.
	clock.Advance(2 * time.Second)
	if err := service.SubmitAnswer(ctx, code, "Bob", 2); err != nil {
		t.Fatalf("submit: %v", err)
	}
	clock.Advance(4 * time.Second)
	if err := service.SubmitAnswer(ctx, code, "Alice", 2); err != nil {
		t.Fatalf("submit: %v", err)
	}
	completed, err = service.AdvanceQuestion(ctx, code, "Alice", 1)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if !completed {
		t.Fatalf("expected completion after last question")
	}

	snap, err = service.Snapshot(ctx, code)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.Status != domain.StatusCompleted {
		t.Fatalf("expected completed, got %s", snap.Status)
	}
	// Alice: 1750 (5s on q0) + 1700 (6s on q1). Bob: 1900 (2s on q1).
	if snap.Scores["Alice"] != 3450 {
		t.Fatalf("expected Alice at 3450, got %d", snap.Scores["Alice"])
	}
	if snap.Scores["Bob"] != 1900 {
		t.Fatalf("expected Bob at 1900, got %d", snap.Scores["Bob"])
	}

	// Completion is terminal; duplicate advance reports done, no error.
	completed, err = service.AdvanceQuestion(ctx, code, "Alice", 1)
	if err != nil || !completed {
		t.Fatalf("duplicate advance after completion: completed=%v err=%v", completed, err)
	}
}

func startPostgres(t *testing.T, ctx context.Context) (string, func()) {
	t.Helper()
	req := tc.ContainerRequest{
		Image:        "postgres:15-alpine",
		Env:          map[string]string{"POSTGRES_USER": "quiz", "POSTGRES_PASSWORD": "quizpass", "POSTGRES_DB": "quizdb"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		if strings.Contains(err.Error(), "Cannot connect to the Docker daemon") {
			t.Skipf("docker not available: %v", err)
		}
		t.Fatalf("start postgres: %v", err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		t.Fatalf("port: %v", err)
	}
	dsn := fmt.Sprintf("postgres://quiz:quizpass@%s:%s/quizdb?sslmode=disable", host, port.Port())
	return dsn, func() {
		_ = container.Terminate(ctx)
	}
}

func startRedis(t *testing.T, ctx context.Context) (string, func()) {
	t.Helper()
	req := tc.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(30 * time.Second),
	}
	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		if strings.Contains(err.Error(), "Cannot connect to the Docker daemon") {
			t.Skipf("docker not available: %v", err)
		}
		t.Fatalf("start redis: %v", err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("redis host: %v", err)
	}
	port, err := container.MappedPort(ctx, "6379/tcp")
	if err != nil {
		t.Fatalf("redis port: %v", err)
	}
	url := fmt.Sprintf("redis://%s:%s", host, port.Port())
	return url, func() {
		_ = container.Terminate(ctx)
	}
}

func seedQuestionSet(t *testing.T, ctx context.Context, dsn, setID string, questions []domain.Question) {
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	db := bun.NewDB(sqldb, pgdialect.New())
	defer db.Close()

	migrator := migrate.NewMigrator(db, pgmigrations.Migrations)
	if err := migrator.Init(ctx); err != nil {
		t.Fatalf("migrator init: %v", err)
	}
	if _, err := migrator.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	data, err := json.Marshal(questions)
	if err != nil {
		t.Fatalf("marshal questions: %v", err)
	}
	if _, err := db.ExecContext(ctx, `INSERT INTO question_sets (id, data) VALUES (?, ?::jsonb) ON CONFLICT (id) DO UPDATE SET data=EXCLUDED.data`, setID, string(data)); err != nil {
		t.Fatalf("insert question set: %v", err)
	}
}

func sampleQuestions() []domain.Question {
	return []domain.Question{
		{
			Prompt:       "What is 2 + 2?",
			Options:      []string{"3", "4", "5", "6"},
			CorrectIndex: 1,
		},
		{
			Prompt:       "Capital of France?",
			Options:      []string{"Lyon", "Nice", "Paris", "Lille"},
			CorrectIndex: 2,
		},
	}
}

func redisClientFromURL(url string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return goredis.NewClient(&goredis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	}), nil
}

func requireDocker(t *testing.T) {
	t.Helper()
	if _, err := tc.NewDockerProvider(); err != nil {
		t.Skipf("docker not available: %v", err)
	}
}

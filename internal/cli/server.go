package cli

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"partyquiz-service/internal/app"
	"partyquiz-service/internal/config"
	"partyquiz-service/internal/domain"
	"partyquiz-service/internal/infra/memory"
	pgstore "partyquiz-service/internal/infra/postgres"
	redisstore "partyquiz-service/internal/infra/redis"
	transport "partyquiz-service/internal/transport/http"
)

// NewStartCmd builds the CLI subcommand to start the server.
func NewStartCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the game server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), *configPath, *port)
		},
	}
}

func runServer(ctx context.Context, configPath, portFlag string) error {
	log := zerolog.New(os.Stderr).With().Timestamp().Logger()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if cfg.Postgres.URL != "" {
		if err := runMigrationsWithConfig(ctx, cfg, log); err != nil {
			return err
		}
	}

	finalPort := portFlag
	if finalPort == "" {
		finalPort = cfg.Server.Port
	}
	if finalPort == "" {
		finalPort = "8080"
	}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	var pool *pgxpool.Pool
	if cfg.Postgres.URL != "" {
		pool, err = pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			return err
		}
		defer pool.Close()
	}

	var loader memory.QuestionLoader = memory.NewStaticQuestionLoader(sampleQuestionSets())
	if pool != nil {
		loader = pgstore.NewQuestionLoader(pool)
	}

	questionsTTL := config.Duration(cfg.Questions.TTL, 10*time.Minute)
	var questions app.QuestionSource
	if redisClient != nil {
		questions = redisstore.NewQuestionSource(redisClient, loader, questionsTTL)
	} else {
		questions = memory.NewQuestionSource(loader, questionsTTL)
	}

	var games app.GameRepository
	if redisClient != nil {
		games = redisstore.NewGameRepository(redisClient)
	} else {
		games = memory.NewGameRepository()
	}

	grace := config.Duration(cfg.Game.Grace, app.DefaultGracePeriod)
	service := app.NewGameService(games, questions, log, app.WithGracePeriod(grace))

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	transport.NewHandler(service, log).Register(mux)
	streamInterval := config.Duration(cfg.Game.StreamInterval, time.Second)
	ws := transport.NewWSHandler(service, log, transport.WithStreamInterval(streamInterval))
	mux.HandleFunc("GET /games/{code}/watch", ws.ServeWS)

	server := &http.Server{
		Addr:         ":" + finalPort,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go runCleanupLoop(sweepCtx, service, cfg, log)

	go func() {
		log.Info().Str("port", finalPort).Msg("starting game service")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("failed to start server")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-stop:
		log.Info().Msg("shutting down server")
	case <-ctx.Done():
		log.Info().Msg("context canceled, shutting down server")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// runCleanupLoop periodically reclaims games with no recent activity.
func runCleanupLoop(ctx context.Context, service *app.GameService, cfg config.Config, log zerolog.Logger) {
	interval := config.Duration(cfg.Game.CleanupInterval, 10*time.Minute)
	maxAge := config.Duration(cfg.Game.MaxAge, 2*time.Hour)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := service.Cleanup(ctx, maxAge); err != nil {
			log.Warn().Err(err).Msg("idle game sweep failed")
		}
	}
}

// sampleQuestionSets provides a minimal built-in set; configure Postgres to
// serve real content.
func sampleQuestionSets() map[string][]domain.Question {
	return map[string][]domain.Question{
		"general": {
			{
				Prompt:       "What is 2 + 2?",
				Options:      []string{"3", "4", "5", "6"},
				CorrectIndex: 1,
			},
			{
				Prompt:       "Which planet is closest to the sun?",
				Options:      []string{"Venus", "Earth", "Mercury", "Mars"},
				CorrectIndex: 2,
			},
		},
	}
}

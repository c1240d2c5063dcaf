package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"partyquiz-service/internal/app"
	"partyquiz-service/internal/config"
	redisstore "partyquiz-service/internal/infra/redis"
)

// NewCleanupCmd runs one idle-game sweep against the shared store and exits.
// Useful as a cron job when the long-running sweep loop is not wanted.
func NewCleanupCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Reclaim idle games once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCleanup(cmd.Context(), *configPath)
		},
	}
}

func runCleanup(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.Redis.Addr == "" {
		return fmt.Errorf("cleanup requires a redis-backed game store")
	}

	log := zerolog.New(os.Stderr).With().Timestamp().Logger()
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer client.Close()

	service := app.NewGameService(redisstore.NewGameRepository(client), nil, log)
	return service.Cleanup(ctx, config.Duration(cfg.Game.MaxAge, 2*time.Hour))
}

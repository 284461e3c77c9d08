package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/maltedev/markschecker/internal/events"
)

func watchCMD() *cobra.Command {
	var (
		group     string
		name      string
		completed bool
	)

	watch := &cobra.Command{
		Use:   "watch",
		Short: "Print session events from the Redis stream as JSON lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Redis.Addr == "" {
				return fmt.Errorf("REDIS_ADDR is required")
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			rdb := redis.NewClient(&redis.Options{
				Addr:     cfg.Redis.Addr,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			})
			defer rdb.Close()

			if err := rdb.Ping(ctx).Err(); err != nil {
				return fmt.Errorf("failed to connect to Redis: %w", err)
			}

			consumerCfg := events.ConsumerConfig{Stream: cfg.Redis.Stream, Group: group, Name: name}
			if completed {
				consumerCfg.Types = []events.EventType{events.EventTypeSessionCompleted}
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			err = events.NewConsumer(rdb, consumerCfg, logger).Run(ctx, func(_ context.Context, msg events.Message) error {
				return enc.Encode(msg)
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	watch.Flags().StringVar(&group, "group", "markschecker-watchers", "consumer group")
	watch.Flags().StringVar(&name, "name", "watcher-1", "consumer name within the group")
	watch.Flags().BoolVar(&completed, "completed-only", false, "only print SESSION_COMPLETED events")

	return watch
}

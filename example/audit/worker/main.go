// Command worker is a standalone consumer of the push topic that logs every
// normalized push. It runs next to the notifier as a second consumer group.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"gitslack/internal"
	"gitslack/pkg/worker"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to app config")
	driver := flag.String("driver", "", "Override subscriber driver (amqp|nats|kafka|sql)")
	group := flag.String("group", "gitslack-audit", "Consumer group")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := internal.LoadConfig(*configPath)
	logger := internal.NewLogger(cfg.Log.Level, cfg.Log.Format, "audit")
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}
	cfg.Worker.ConsumerGroup = *group
	cfg.Worker.Durable = *group
	subCfg := cfg.SubscriberConfig()
	if *driver != "" {
		subCfg.Driver = *driver
		subCfg.Drivers = nil
	}

	wk, err := worker.NewFromConfig(subCfg, logger,
		worker.WithTopics(cfg.Topic),
		worker.WithRetry(worker.AckPermanent{Permanent: internal.IsPermanent}),
		worker.WithListener(worker.Listener{
			OnSubscribed: func(ctx context.Context, topic string) { logger.Info().Str("group", *group).Msg("auditing " + topic) },
			OnStopped:    func(ctx context.Context) { logger.Info().Msg("audit stopped") },
		}),
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("subscriber")
	}
	defer func() {
		if err := wk.Close(); err != nil {
			logger.Error().Err(err).Msg("subscriber close")
		}
	}()

	wk.HandleTopic(cfg.Topic, func(ctx context.Context, evt *worker.Event) error {
		push, err := internal.DecodePush(evt.Payload)
		if err != nil {
			return err
		}
		branch, _ := push.Branch()
		logger.Info().
			Str("provider", evt.Provider).
			Str("request_id", evt.RequestID()).
			Str("repository", push.Repository.FullName).
			Str("branch", branch).
			Bool("deleted", push.Deleted).
			Int("commits", len(push.Commits)).
			Msg("push")
		return nil
	})

	if err := wk.Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("worker")
	}
}

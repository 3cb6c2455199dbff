package main

import (
	"context"
	"errors"
	"expvar"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/rs/zerolog"

	"gitslack/internal"
	"gitslack/pkg/slack"
	"gitslack/pkg/worker"
	"gitslack/webhook"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	mode := flag.String("mode", internal.ModeAll, "Run mode: all, ingress or worker")
	flag.Parse()

	boot := internal.NewLogger("info", "json", "server")
	config, err := internal.LoadConfig(*configPath)
	if err != nil {
		boot.Fatal().Err(err).Str("path", *configPath).Msg("load config")
	}
	if err := config.Validate(*mode); err != nil {
		boot.Fatal().Err(err).Msg("invalid config")
	}
	logger := internal.NewLogger(config.Log.Level, config.Log.Format, "server")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err = run(ctx, config, *mode, logger)
	stop()
	if err != nil {
		logger.Error().Err(err).Msg("exited with error")
		os.Exit(1)
	}
}

func run(ctx context.Context, config internal.Config, mode string, logger zerolog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	runIngress := mode != internal.ModeWorker
	runWorker := mode != internal.ModeIngress

	var shared *gochannel.GoChannel
	if usesGoChannel(config.Watermill) {
		if mode != internal.ModeAll {
			logger.Warn().Str("mode", mode).Msg("gochannel only connects ingress and worker inside one process")
		} else {
			shared = gochannel.NewGoChannel(gochannel.Config{
				OutputChannelBuffer:            config.Watermill.GoChannel.OutputChannelBuffer,
				Persistent:                     config.Watermill.GoChannel.Persistent,
				BlockPublishUntilSubscriberAck: config.Watermill.GoChannel.BlockPublishUntilSubscriberAck,
			}, worker.NewWatermillLogger(internal.NewLogger(config.Log.Level, config.Log.Format, "gochannel")))
			internal.RegisterPublisherDriver("gochannel", func(internal.WatermillConfig, watermill.LoggerAdapter) (message.Publisher, func() error, error) {
				return shared, nil, nil
			})
		}
	}

	errChan := make(chan error, 3)
	var (
		server    *http.Server
		publisher internal.Publisher
		wk        *worker.Worker
		delivery  *slack.Webhook
	)

	mux := http.NewServeMux()
	if config.Server.MetricsEnabled {
		mux.Handle(config.Server.MetricsPath, expvar.Handler())
	}

	if runIngress {
		var err error
		publisher, err = internal.NewPublisher(config.Watermill, internal.NewLogger(config.Log.Level, config.Log.Format, "publisher"))
		if err != nil {
			return err
		}
		if err := mountProviders(mux, config, publisher, logger); err != nil {
			return err
		}
	}

	if runWorker {
		engine, err := internal.NewRuleEngine(config.Rules, internal.NewLogger(config.Log.Level, config.Log.Format, "rules"))
		if err != nil {
			return err
		}
		logger.Info().Int("rules", engine.Len()).Msg("rules compiled")

		delivery = newDelivery(config.Slack, internal.NewLogger(config.Log.Level, config.Log.Format, "slack"))
		notifier := internal.NewNotifier(
			engine,
			internal.NewRenderer(logger),
			delivery,
			internal.Defaults{Username: config.Slack.Username, Channel: config.Slack.Channel},
			internal.NewLogger(config.Log.Level, config.Log.Format, "notifier"),
		)

		wk, err = newWorker(config, shared, internal.NewLogger(config.Log.Level, config.Log.Format, "worker"))
		if err != nil {
			return err
		}
		wk.HandleTopic(config.Topic, notifier.HandleEvent)

		go func() {
			if err := delivery.Run(ctx); err != nil {
				errChan <- err
			}
		}()
		go func() {
			if err := wk.Run(ctx); err != nil {
				errChan <- err
			}
		}()
	}

	if runIngress || config.Server.MetricsEnabled {
		server = newServer(config, mux)
		go func() {
			logger.Info().Str("addr", server.Addr).Str("mode", mode).Msg("listening")
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errChan <- err
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
	case runErr = <-errChan:
		logger.Error().Err(runErr).Msg("component failed, shutting down")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Duration(config.Server.ShutdownMS)*time.Millisecond)
	defer shutdownCancel()
	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("server shutdown")
		}
	}
	cancel()
	if wk != nil {
		if err := wk.Close(); err != nil {
			logger.Error().Err(err).Msg("worker close")
		}
	}
	if delivery != nil {
		delivery.Stop()
	}
	if publisher != nil {
		if err := publisher.Close(); err != nil {
			logger.Error().Err(err).Msg("publisher close")
		}
	}
	return runErr
}

func mountProviders(mux *http.ServeMux, config internal.Config, publisher internal.Publisher, logger zerolog.Logger) error {
	providers := config.Providers
	maxBody := config.Server.MaxBodyBytes

	if providers.GitHub.Enabled {
		h, err := webhook.NewGitHubHandler(providers.GitHub.Secret, publisher, config.Topic, providerLogger(config, "github"), maxBody)
		if err != nil {
			return err
		}
		mux.Handle(providers.GitHub.Path, h)
		logger.Info().Str("path", providers.GitHub.Path).Msg("github webhook enabled")
	}
	if providers.GitLab.Enabled {
		h, err := webhook.NewGitLabHandler(providers.GitLab.Secret, publisher, config.Topic, providerLogger(config, "gitlab"), maxBody)
		if err != nil {
			return err
		}
		mux.Handle(providers.GitLab.Path, h)
		logger.Info().Str("path", providers.GitLab.Path).Msg("gitlab webhook enabled")
	}
	if providers.Bitbucket.Enabled {
		h, err := webhook.NewBitbucketHandler(providers.Bitbucket.Secret, publisher, config.Topic, providerLogger(config, "bitbucket"), maxBody)
		if err != nil {
			return err
		}
		mux.Handle(providers.Bitbucket.Path, h)
		logger.Info().Str("path", providers.Bitbucket.Path).Msg("bitbucket webhook enabled")
	}
	return nil
}

func providerLogger(config internal.Config, provider string) zerolog.Logger {
	return internal.NewLogger(config.Log.Level, config.Log.Format, "webhook").With().Str("provider", provider).Logger()
}

func newDelivery(cfg internal.SlackConfig, logger zerolog.Logger) *slack.Webhook {
	return slack.NewWebhook(cfg.Endpoint,
		slack.WithMinPostDelay(cfg.MinPostDelay()),
		slack.WithTimeout(cfg.Timeout()),
		slack.WithContinueOnError(cfg.ContinueOnError),
		slack.WithLogger(logger),
		slack.WithListener(slack.Listener{
			OnPosted:      func(slack.Message) { internal.IncPosted() },
			OnRateLimited: internal.ObserveRateLimited,
			OnError:       func(error) { internal.IncDeliveryError() },
		}),
	)
}

func newWorker(config internal.Config, shared *gochannel.GoChannel, logger zerolog.Logger) (*worker.Worker, error) {
	opts := []worker.Option{
		worker.WithTopics(config.Topic),
		worker.WithConcurrency(config.Worker.Concurrency),
		worker.WithRetry(worker.AckPermanent{Permanent: internal.IsPermanent}),
		worker.WithMiddleware(worker.Recoverer()),
		worker.WithListener(worker.Listener{
			OnFailed: func(_ context.Context, _ *worker.Event, _ error, requeued bool) {
				internal.IncWorkerFailure(requeued)
			},
		}),
	}
	if shared != nil {
		return worker.New(append(opts, worker.WithLogger(logger), worker.WithSubscriber(shared))...), nil
	}
	return worker.NewFromConfig(config.SubscriberConfig(), logger, opts...)
}

func newServer(config internal.Config, mux *http.ServeMux) *http.Server {
	ms := func(v int64) time.Duration { return time.Duration(v) * time.Millisecond }
	ttl := ms(config.Server.RateLimitTTLMS)
	return &http.Server{
		Addr:              ":" + strconv.Itoa(config.Server.Port),
		Handler:           internal.NewRateLimitHandler(mux, config.Server.RateLimitRPS, config.Server.RateLimitBurst, ttl),
		ReadTimeout:       ms(config.Server.ReadTimeoutMS),
		WriteTimeout:      ms(config.Server.WriteTimeoutMS),
		IdleTimeout:       ms(config.Server.IdleTimeoutMS),
		ReadHeaderTimeout: ms(config.Server.ReadHeaderMS),
	}
}

// usesGoChannel reports whether the in-process channel is the only broker.
func usesGoChannel(cfg internal.WatermillConfig) bool {
	for _, d := range append([]string{cfg.Driver}, cfg.Drivers...) {
		if d != "" && !strings.EqualFold(d, "gochannel") {
			return false
		}
	}
	return true
}

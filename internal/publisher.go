package internal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmamqp "github.com/ThreeDotsLabs/watermill-amqp/pkg/amqp"
	wmhttp "github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	wmkafka "github.com/ThreeDotsLabs/watermill-kafka/pkg/kafka"
	wmnats "github.com/ThreeDotsLabs/watermill-nats/pkg/nats"
	wmsql "github.com/ThreeDotsLabs/watermill-sql/pkg/sql"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	stan "github.com/nats-io/stan.go"
	"github.com/rs/zerolog"

	"gitslack/pkg/worker"
)

// Publisher sends normalized push events to the broker.
type Publisher interface {
	Publish(ctx context.Context, topic string, event Event) error
	Close() error
}

// PublisherFactory builds one broker publisher. The returned close func, if
// any, runs after the publisher is closed.
type PublisherFactory func(cfg WatermillConfig, logger watermill.LoggerAdapter) (message.Publisher, func() error, error)

var publisherFactories = map[string]PublisherFactory{
	"gochannel": newGoChannelPublisher,
	"http":      newHTTPPublisher,
	"kafka":     newKafkaPublisher,
	"nats":      newNATSPublisher,
	"amqp":      newAMQPPublisher,
	"sql":       newSQLPublisher,
}

// RegisterPublisherDriver registers or replaces a named publisher driver.
func RegisterPublisherDriver(name string, factory PublisherFactory) {
	if name == "" || factory == nil {
		return
	}
	publisherFactories[strings.ToLower(name)] = factory
}

// NewPublisher connects every configured driver. Drivers that cannot be
// connected are logged and skipped; it fails only when none can.
func NewPublisher(cfg WatermillConfig, logger zerolog.Logger) (Publisher, error) {
	wmLogger := worker.NewWatermillLogger(logger)

	mux := &publisherMux{
		attempts: max(cfg.PublishRetry.Attempts, 1),
		delay:    time.Duration(cfg.PublishRetry.DelayMS) * time.Millisecond,
		logger:   logger,
	}
	for _, driver := range publisherDrivers(cfg) {
		pub, err := connectPublisher(cfg, wmLogger, driver)
		if err != nil {
			logger.Error().Err(err).Str("driver", driver).Msg("publisher unavailable, skipping driver")
			continue
		}
		mux.targets = append(mux.targets, pub)
	}
	if len(mux.targets) == 0 {
		return nil, errors.New("no publisher driver could be connected")
	}
	return mux, nil
}

// publisherDrivers returns the lowercased, deduplicated driver list,
// defaulting to gochannel.
func publisherDrivers(cfg WatermillConfig) []string {
	names := append(append([]string{}, cfg.Drivers...), cfg.Driver)
	seen := make(map[string]bool, len(names))
	var drivers []string
	for _, name := range names {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		drivers = append(drivers, name)
	}
	if len(drivers) == 0 {
		drivers = []string{"gochannel"}
	}
	return drivers
}

var (
	publisherBuildAttempts = 10
	publisherBuildDelay    = 2 * time.Second
)

// connectPublisher builds one driver, retrying while the broker starts up.
// Unknown drivers fail without retrying.
func connectPublisher(cfg WatermillConfig, logger watermill.LoggerAdapter, driver string) (*watermillPublisher, error) {
	factory, ok := publisherFactories[driver]
	if !ok {
		return nil, fmt.Errorf("unsupported watermill driver: %s", driver)
	}
	var err error
	for attempt := 1; attempt <= publisherBuildAttempts; attempt++ {
		var (
			pub     message.Publisher
			closeFn func() error
		)
		if pub, closeFn, err = factory(cfg, logger); err == nil {
			return &watermillPublisher{driver: driver, publisher: pub, closeFn: closeFn}, nil
		}
		if attempt < publisherBuildAttempts {
			time.Sleep(publisherBuildDelay)
		}
	}
	return nil, fmt.Errorf("%s: %w", driver, err)
}

func newGoChannelPublisher(cfg WatermillConfig, logger watermill.LoggerAdapter) (message.Publisher, func() error, error) {
	return gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer:            cfg.GoChannel.OutputChannelBuffer,
		Persistent:                     cfg.GoChannel.Persistent,
		BlockPublishUntilSubscriberAck: cfg.GoChannel.BlockPublishUntilSubscriberAck,
	}, logger), nil, nil
}

// newHTTPPublisher posts each message to a URL derived from the topic.
func newHTTPPublisher(cfg WatermillConfig, logger watermill.LoggerAdapter) (message.Publisher, func() error, error) {
	if _, err := httpTargetURL(cfg.HTTP, "probe"); err != nil {
		return nil, nil, err
	}
	pub, err := wmhttp.NewPublisher(wmhttp.PublisherConfig{
		MarshalMessageFunc: func(topic string, msg *message.Message) (*http.Request, error) {
			target, err := httpTargetURL(cfg.HTTP, topic)
			if err != nil {
				return nil, err
			}
			return wmhttp.DefaultMarshalMessageFunc(target, msg)
		},
	}, logger)
	return pub, nil, err
}

func newKafkaPublisher(cfg WatermillConfig, logger watermill.LoggerAdapter) (message.Publisher, func() error, error) {
	if len(cfg.Kafka.Brokers) == 0 {
		return nil, nil, errors.New("kafka brokers are required")
	}
	pub, err := wmkafka.NewPublisher(cfg.Kafka.Brokers, wmkafka.DefaultMarshaler{}, nil, logger)
	return pub, nil, err
}

func newNATSPublisher(cfg WatermillConfig, logger watermill.LoggerAdapter) (message.Publisher, func() error, error) {
	if cfg.NATS.ClusterID == "" || cfg.NATS.ClientID == "" {
		return nil, nil, errors.New("nats cluster_id and client_id are required")
	}
	natsCfg := wmnats.StreamingPublisherConfig{
		ClusterID: cfg.NATS.ClusterID,
		ClientID:  cfg.NATS.ClientID,
		Marshaler: wmnats.GobMarshaler{},
	}
	if cfg.NATS.URL != "" {
		natsCfg.StanOptions = append(natsCfg.StanOptions, stan.NatsURL(cfg.NATS.URL))
	}
	pub, err := wmnats.NewStreamingPublisher(natsCfg, logger)
	return pub, nil, err
}

func newAMQPPublisher(cfg WatermillConfig, logger watermill.LoggerAdapter) (message.Publisher, func() error, error) {
	if cfg.AMQP.URL == "" {
		return nil, nil, errors.New("amqp url is required")
	}
	amqpCfg, err := worker.AMQPConfigFromMode(cfg.AMQP.URL, cfg.AMQP.Mode, "")
	if err != nil {
		return nil, nil, err
	}
	pub, err := wmamqp.NewPublisher(amqpCfg, logger)
	return pub, nil, err
}

func newSQLPublisher(cfg WatermillConfig, logger watermill.LoggerAdapter) (message.Publisher, func() error, error) {
	if cfg.SQL.Driver == "" || cfg.SQL.DSN == "" {
		return nil, nil, errors.New("sql driver and dsn are required")
	}
	schema, _, err := worker.SQLAdapters(cfg.SQL.Dialect)
	if err != nil {
		return nil, nil, err
	}
	db, err := sql.Open(cfg.SQL.Driver, cfg.SQL.DSN)
	if err != nil {
		return nil, nil, err
	}
	pub, err := wmsql.NewPublisher(db, wmsql.PublisherConfig{
		SchemaAdapter:        schema,
		AutoInitializeSchema: cfg.SQL.AutoInitializeSchema || cfg.SQL.InitializeSchema,
	}, logger)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return pub, db.Close, nil
}

// watermillPublisher is one connected driver.
type watermillPublisher struct {
	driver    string
	publisher message.Publisher
	closeFn   func() error
}

func (w *watermillPublisher) publish(topic string, event Event) error {
	payload, err := json.Marshal(event.Push)
	if err != nil {
		return err
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	for key, value := range event.Metadata() {
		msg.Metadata.Set(key, value)
	}
	return w.publisher.Publish(topic, msg)
}

func (w *watermillPublisher) Close() error {
	err := w.publisher.Close()
	if w.closeFn != nil {
		err = errors.Join(err, w.closeFn())
	}
	return err
}

// publisherMux fans every event out to all connected drivers.
type publisherMux struct {
	targets  []*watermillPublisher
	attempts int
	delay    time.Duration
	logger   zerolog.Logger
}

// Publish sends event to every driver, retrying each one independently. The
// returned error joins the failures of all drivers that gave up.
func (m *publisherMux) Publish(ctx context.Context, topic string, event Event) error {
	var errs error
	for _, target := range m.targets {
		err := m.publishWithRetry(ctx, target, topic, event)
		if err == nil {
			continue
		}
		IncPublishError(target.driver)
		m.logger.Error().Err(err).
			Str("driver", target.driver).
			Str("topic", topic).
			Str("repository", event.Push.Repository.FullName).
			Msg("publish failed")
		errs = errors.Join(errs, fmt.Errorf("%s: %w", target.driver, err))
	}
	if errs == nil {
		IncPublished(event.Provider)
	}
	return errs
}

func (m *publisherMux) publishWithRetry(ctx context.Context, target *watermillPublisher, topic string, event Event) error {
	err := target.publish(topic, event)
	for attempt := 2; err != nil && attempt <= m.attempts; attempt++ {
		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(m.delay):
		}
		err = target.publish(topic, event)
	}
	return err
}

func (m *publisherMux) Close() error {
	var err error
	for _, target := range m.targets {
		err = errors.Join(err, target.Close())
	}
	return err
}

func httpTargetURL(cfg HTTPConfig, topic string) (string, error) {
	switch strings.ToLower(cfg.Mode) {
	case "topic_url":
		if topic == "" {
			return "", fmt.Errorf("http topic url is empty")
		}
		return topic, nil
	case "base_url":
		if cfg.BaseURL == "" {
			return "", fmt.Errorf("http base_url is empty")
		}
		if topic == "" {
			return strings.TrimRight(cfg.BaseURL, "/"), nil
		}
		return strings.TrimRight(cfg.BaseURL, "/") + "/" + strings.TrimLeft(topic, "/"), nil
	default:
		return "", fmt.Errorf("unsupported http mode: %s", cfg.Mode)
	}
}

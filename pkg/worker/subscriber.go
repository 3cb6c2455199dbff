package worker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmamqp "github.com/ThreeDotsLabs/watermill-amqp/pkg/amqp"
	wmkafka "github.com/ThreeDotsLabs/watermill-kafka/pkg/kafka"
	wmnats "github.com/ThreeDotsLabs/watermill-nats/pkg/nats"
	wmsql "github.com/ThreeDotsLabs/watermill-sql/pkg/sql"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	stan "github.com/nats-io/stan.go"
	"github.com/rs/zerolog"
)

// MetadataDriver is set on messages received through a multi-driver
// subscriber and names the broker the message came from.
const MetadataDriver = "driver"

type subscriberBuilder func(cfg SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error)

var subscriberBuilders = map[string]subscriberBuilder{
	"gochannel": newGoChannelSubscriber,
	"amqp":      newAMQPSubscriber,
	"kafka":     newKafkaSubscriber,
	"nats":      newNATSSubscriber,
	"sql":       newSQLSubscriber,
}

// BuildSubscriber connects to every configured broker. With one driver the
// broker's own subscriber is returned; with several, their streams are
// merged and each message is tagged with MetadataDriver. Drivers that fail
// to connect after retrying are skipped; it fails only when none connect.
func BuildSubscriber(cfg SubscriberConfig, log zerolog.Logger) (message.Subscriber, error) {
	logger := NewWatermillLogger(log)

	drivers := normalizeDrivers(append(append([]string{}, cfg.Drivers...), cfg.Driver))
	if len(drivers) == 0 {
		drivers = []string{"gochannel"}
	}
	if len(drivers) == 1 {
		return connectSubscriber(cfg, logger, drivers[0])
	}

	merged := &mergedSubscriber{buffer: cfg.GoChannel.OutputChannelBuffer}
	for _, driver := range drivers {
		sub, err := connectSubscriber(cfg, logger, driver)
		if err != nil {
			log.Error().Err(err).Str("driver", driver).Msg("subscriber unavailable, skipping driver")
			continue
		}
		merged.sources = append(merged.sources, source{driver: driver, sub: sub})
	}
	if len(merged.sources) == 0 {
		return nil, errors.New("no subscriber driver could be connected")
	}
	return merged, nil
}

var (
	subscriberBuildAttempts = 10
	subscriberBuildDelay    = 2 * time.Second
)

// connectSubscriber builds one driver, retrying while the broker starts up.
func connectSubscriber(cfg SubscriberConfig, logger watermill.LoggerAdapter, driver string) (message.Subscriber, error) {
	build, ok := subscriberBuilders[driver]
	if !ok {
		return nil, fmt.Errorf("unsupported subscriber driver: %s", driver)
	}
	var err error
	for attempt := 1; attempt <= subscriberBuildAttempts; attempt++ {
		var sub message.Subscriber
		if sub, err = build(cfg, logger); err == nil {
			return sub, nil
		}
		logger.Info("subscriber connect failed", watermill.LogFields{
			"driver":  driver,
			"attempt": attempt,
			"error":   err.Error(),
		})
		if attempt < subscriberBuildAttempts {
			time.Sleep(subscriberBuildDelay)
		}
	}
	return nil, fmt.Errorf("%s: %w", driver, err)
}

func newGoChannelSubscriber(cfg SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer:            cfg.GoChannel.OutputChannelBuffer,
		Persistent:                     cfg.GoChannel.Persistent,
		BlockPublishUntilSubscriberAck: cfg.GoChannel.BlockPublishUntilSubscriberAck,
	}, logger), nil
}

func newAMQPSubscriber(cfg SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	if cfg.AMQP.URL == "" {
		return nil, errors.New("amqp url is required")
	}
	amqpCfg, err := AMQPConfigFromMode(cfg.AMQP.URL, cfg.AMQP.Mode, cfg.AMQP.QueueSuffix)
	if err != nil {
		return nil, err
	}
	return wmamqp.NewSubscriber(amqpCfg, logger)
}

func newKafkaSubscriber(cfg SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	if len(cfg.Kafka.Brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	return wmkafka.NewSubscriber(wmkafka.SubscriberConfig{
		Brokers:       cfg.Kafka.Brokers,
		ConsumerGroup: cfg.Kafka.ConsumerGroup,
	}, nil, wmkafka.DefaultMarshaler{}, logger)
}

func newNATSSubscriber(cfg SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	if cfg.NATS.ClusterID == "" || cfg.NATS.ClientID == "" {
		return nil, errors.New("nats cluster_id and client_id are required")
	}
	natsCfg := wmnats.StreamingSubscriberConfig{
		ClusterID:   cfg.NATS.ClusterID,
		ClientID:    cfg.NATS.ClientID + cfg.NATS.ClientIDSuffix,
		DurableName: cfg.NATS.Durable,
		Unmarshaler: wmnats.GobMarshaler{},
	}
	if cfg.NATS.URL != "" {
		natsCfg.StanOptions = append(natsCfg.StanOptions, stan.NatsURL(cfg.NATS.URL))
	}
	return wmnats.NewStreamingSubscriber(natsCfg, logger)
}

func newSQLSubscriber(cfg SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	if cfg.SQL.Driver == "" || cfg.SQL.DSN == "" {
		return nil, errors.New("sql driver and dsn are required")
	}
	schema, offsets, err := SQLAdapters(cfg.SQL.Dialect)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(cfg.SQL.Driver, cfg.SQL.DSN)
	if err != nil {
		return nil, err
	}
	sub, err := wmsql.NewSubscriber(db, wmsql.SubscriberConfig{
		ConsumerGroup:    cfg.SQL.ConsumerGroup,
		SchemaAdapter:    schema,
		OffsetsAdapter:   offsets,
		InitializeSchema: cfg.SQL.InitializeSchema,
	}, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &dbSubscriber{Subscriber: sub, db: db}, nil
}

// dbSubscriber closes the database handle together with the subscriber.
type dbSubscriber struct {
	message.Subscriber
	db *sql.DB
}

func (s *dbSubscriber) Close() error {
	return errors.Join(s.Subscriber.Close(), s.db.Close())
}

type source struct {
	driver string
	sub    message.Subscriber
}

// mergedSubscriber fans several broker subscriptions into one channel.
type mergedSubscriber struct {
	sources []source
	buffer  int64
}

func (m *mergedSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	buffer := m.buffer
	if buffer <= 0 {
		buffer = 64
	}
	out := make(chan *message.Message, buffer)

	streams := make([]<-chan *message.Message, len(m.sources))
	for i, src := range m.sources {
		ch, err := src.sub.Subscribe(ctx, topic)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", src.driver, err)
		}
		streams[i] = ch
	}

	var wg sync.WaitGroup
	for i, ch := range streams {
		wg.Add(1)
		go func(driver string, ch <-chan *message.Message) {
			defer wg.Done()
			for msg := range ch {
				if msg.Metadata == nil {
					msg.Metadata = message.Metadata{}
				}
				msg.Metadata.Set(MetadataDriver, driver)
				select {
				case out <- msg:
				case <-ctx.Done():
					msg.Nack()
					return
				}
			}
		}(m.sources[i].driver, ch)
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out, nil
}

func (m *mergedSubscriber) Close() error {
	var err error
	for _, src := range m.sources {
		err = errors.Join(err, src.sub.Close())
	}
	return err
}

// AMQPConfigFromMode returns the AMQP topology for a named mode. A non-empty
// queueSuffix gives each consumer group its own queue in pub/sub modes.
func AMQPConfigFromMode(url, mode, queueSuffix string) (wmamqp.Config, error) {
	queueName := wmamqp.GenerateQueueNameTopicName
	if queueSuffix != "" {
		queueName = wmamqp.GenerateQueueNameTopicNameWithSuffix(queueSuffix)
	}
	switch strings.ToLower(mode) {
	case "", "durable_queue":
		return wmamqp.NewDurableQueueConfig(url), nil
	case "nondurable_queue":
		return wmamqp.NewNonDurableQueueConfig(url), nil
	case "durable_pubsub":
		return wmamqp.NewDurablePubSubConfig(url, queueName), nil
	case "nondurable_pubsub":
		return wmamqp.NewNonDurablePubSubConfig(url, queueName), nil
	default:
		return wmamqp.Config{}, fmt.Errorf("unsupported amqp mode: %s", mode)
	}
}

// SQLAdapters returns the Watermill schema and offsets adapters for a dialect.
func SQLAdapters(dialect string) (wmsql.SchemaAdapter, wmsql.OffsetsAdapter, error) {
	switch strings.ToLower(dialect) {
	case "postgres", "postgresql":
		return wmsql.DefaultPostgreSQLSchema{}, wmsql.DefaultPostgreSQLOffsetsAdapter{}, nil
	case "mysql":
		return wmsql.DefaultMySQLSchema{}, wmsql.DefaultMySQLOffsetsAdapter{}, nil
	default:
		return nil, nil, fmt.Errorf("unsupported sql dialect: %s", dialect)
	}
}

// normalizeDrivers lowercases, trims and dedupes driver names in order.
func normalizeDrivers(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, value := range values {
		value = strings.ToLower(strings.TrimSpace(value))
		if value == "" {
			continue
		}
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	return out
}

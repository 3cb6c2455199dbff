package worker

// SubscriberConfig selects the brokers a Worker consumes from. Drivers wins
// over Driver when both are set; names are case-insensitive.
type SubscriberConfig struct {
	Driver    string
	Drivers   []string
	GoChannel GoChannelConfig
	Kafka     KafkaConfig
	NATS      NATSConfig
	AMQP      AMQPConfig
	SQL       SQLConfig
}

// GoChannelConfig configures the in-process channel. OutputChannelBuffer
// also sizes the merged channel of a multi-driver subscriber.
type GoChannelConfig struct {
	OutputChannelBuffer            int64
	Persistent                     bool
	BlockPublishUntilSubscriberAck bool
}

type KafkaConfig struct {
	Brokers       []string
	ConsumerGroup string
}

// NATSConfig configures a NATS streaming subscription. ClientIDSuffix is
// appended to ClientID so several workers can share one configuration.
type NATSConfig struct {
	ClusterID      string
	ClientID       string
	ClientIDSuffix string
	URL            string
	Durable        string
}

// AMQPConfig configures an AMQP subscription. See AMQPConfigFromMode.
type AMQPConfig struct {
	URL         string
	Mode        string
	QueueSuffix string
}

type SQLConfig struct {
	Driver           string
	DSN              string
	Dialect          string
	ConsumerGroup    string
	InitializeSchema bool
}

package sink

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"
)

// KafkaSink ring-buffers items and flushes them to a Kafka topic via
// sarama's synchronous producer. The channel name doubles as the
// connection URI: kafka:<topic>@<host:port>[,<host:port>...].
type KafkaSink struct {
	log      *zap.Logger
	topic    string
	producer sarama.SyncProducer
	ring     *RingSink
}

// parseKafkaURI splits a channel name of the form
// kafka:<topic>@<broker1>[,<broker2>...] into its topic and broker list.
func parseKafkaURI(channel string) (topic string, brokers []string, err error) {
	malformed := fmt.Errorf("sink: malformed kafka channel %q, want kafka:<topic>@<broker>[,<broker>...]", channel)

	atParts := strings.SplitN(channel, "@", 2)
	if len(atParts) != 2 {
		return "", nil, malformed
	}
	colonParts := strings.SplitN(atParts[0], ":", 2)
	if len(colonParts) != 2 || colonParts[0] != "kafka" || colonParts[1] == "" {
		return "", nil, malformed
	}
	brokers = strings.Split(atParts[1], ",")
	if len(brokers) == 0 || brokers[0] == "" {
		return "", nil, malformed
	}
	return colonParts[1], brokers, nil
}

// NewKafkaSink parses channel, connects a sarama SyncProducer to its
// brokers, and starts a RingSink flushing batches to its topic.
func NewKafkaSink(log *zap.Logger, channel string) (*KafkaSink, error) {
	topic, brokers, err := parseKafkaURI(channel)
	if err != nil {
		return nil, err
	}

	cfg := sarama.NewConfig()
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	cfg.Producer.Timeout = time.Second
	cfg.Producer.Return.Successes = true

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("sink: connect to kafka brokers %v: %w", brokers, err)
	}

	k := &KafkaSink{log: log, topic: topic, producer: producer}
	k.ring = NewRingSink(log, k.flushBatch)
	return k, nil
}

// Write enqueues item on the ring buffer; it blocks only as long as the
// ring is full.
func (k *KafkaSink) Write(channel string, item string) error {
	return k.ring.Write(channel, item)
}

func (k *KafkaSink) flushBatch(batch []string) error {
	messages := make([]*sarama.ProducerMessage, len(batch))
	for i, item := range batch {
		messages[i] = &sarama.ProducerMessage{
			Topic: k.topic,
			Key:   sarama.StringEncoder(strconv.Itoa(i)),
			Value: sarama.StringEncoder(item),
		}
	}
	return k.producer.SendMessages(messages)
}

// Close stops the ring's flush goroutine (flushing anything buffered)
// and closes the underlying producer.
func (k *KafkaSink) Close() error {
	k.ring.Close()
	return k.producer.Close()
}

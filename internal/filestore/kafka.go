package filestore

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"

	"github.com/segmentio/kafka-go"

	"github.com/apphub-io/timestore/internal/config"
)

// KafkaConfig is the activity-channel connection configuration.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// LoadKafkaConfig reads the channel settings from the environment.
func LoadKafkaConfig() *KafkaConfig {
	return &KafkaConfig{
		Brokers: config.ParseCommaSeparatedList(config.GetEnvStr("KAFKA_BROKERS", "localhost:9092")),
		Topic:   config.GetEnvStr("KAFKA_FILESTORE_TOPIC", "filestore-activity"),
		GroupID: config.GetEnvStr("KAFKA_FILESTORE_GROUP", "timestore-filestore"),
	}
}

// KafkaSource reads activity events from the external event channel. One
// reader per consumer preserves partition order for every node routed to it.
type KafkaSource struct {
	reader *kafka.Reader
	logger *slog.Logger
}

var _ Source = (*KafkaSource)(nil)

// NewKafkaSource opens a consumer-group reader on the activity topic.
func NewKafkaSource(cfg *KafkaConfig) *KafkaSource {
	return &KafkaSource{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  cfg.Brokers,
			GroupID:  cfg.GroupID,
			Topic:    cfg.Topic,
			MinBytes: 1,
			MaxBytes: 10 << 20,
		}),
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}
}

// Next blocks for the next decodable event. Undecodable messages are logged
// and skipped; their offsets are still committed so the group advances.
func (s *KafkaSource) Next(ctx context.Context) (*Event, error) {
	for {
		msg, err := s.reader.ReadMessage(ctx)
		if err != nil {
			return nil, err
		}

		var event Event
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			s.logger.Warn("dropping undecodable filestore event",
				"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "error", err)

			continue
		}

		if event.JournalID == 0 {
			// Offsets are monotonic per partition, which is where node
			// ordering lives.
			event.JournalID = msg.Offset + 1
		}

		return &event, nil
	}
}

// Close releases the reader and its group membership.
func (s *KafkaSource) Close() error {
	return s.reader.Close()
}

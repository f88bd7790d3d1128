package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/segmentio/kafka-go"
	"github.com/xela07ax/iiot-sentinel/internal/domain"
	"github.com/xela07ax/iiot-sentinel/internal/infra"
	"go.uber.org/zap"
)

// Sink: куда источник отдаёт показания (Ingestor).
type Sink interface {
	Ingest(ctx context.Context, r domain.TelemetryReading) (domain.FeatureSample, error)
}

// MessageReader: подмножество *kafka.Reader, которое нужно источнику.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSource читает JSON-показания из топика и передаёт их в ingest.
// Повторы с ограниченным бэкоффом лежат на этом цикле, а не на скоринге.
type KafkaSource struct {
	reader     MessageReader
	sink       Sink
	maxRetries uint
	maxBackoff time.Duration
	logger     *zap.Logger
}

func NewKafkaSource(cfg infra.KafkaConfig, sink Sink, logger *zap.Logger) *KafkaSource {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1e3,
		MaxBytes: 10e6,
	})
	return NewKafkaSourceWithReader(reader, cfg, sink, logger)
}

func NewKafkaSourceWithReader(reader MessageReader, cfg infra.KafkaConfig, sink Sink, logger *zap.Logger) *KafkaSource {
	retries := uint(cfg.MaxRetries)
	if retries == 0 {
		retries = 1
	}
	return &KafkaSource{
		reader:     reader,
		sink:       sink,
		maxRetries: retries,
		maxBackoff: cfg.MaxBackoff,
		logger:     logger.Named("kafka"),
	}
}

// Run блокирует до отмены контекста.
func (k *KafkaSource) Run(ctx context.Context) error {
	defer k.reader.Close()
	k.logger.Info("kafka ingest started")
	for {
		msg, err := k.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				k.logger.Info("kafka ingest stopped")
				return nil
			}
			k.logger.Warn("kafka read error", zap.Error(err))
			continue
		}

		k.handle(ctx, msg)

		if err := k.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			k.logger.Warn("kafka commit failed", zap.Int64("offset", msg.Offset), zap.Error(err))
		}
	}
}

func (k *KafkaSource) handle(ctx context.Context, msg kafka.Message) {
	var reading domain.TelemetryReading
	if err := json.Unmarshal(msg.Value, &reading); err != nil {
		k.logger.Warn("malformed telemetry message", zap.Int64("offset", msg.Offset), zap.Error(err))
		return
	}
	if reading.NodeID == "" && len(msg.Key) > 0 {
		reading.NodeID = string(msg.Key)
	}

	err := retry.New(
		retry.Context(ctx),
		retry.Attempts(k.maxRetries),
		retry.Delay(100*time.Millisecond),
		retry.MaxDelay(k.maxBackoff),
		retry.LastErrorOnly(true),
		retry.RetryIf(retryableIngest),
	).Do(func() error {
		_, err := k.sink.Ingest(ctx, reading)
		return err
	})
	if err == nil {
		return
	}
	// Устаревшие/повторные показания отбрасываются молча, счётчик уже увеличен в ingest
	switch domain.KindOf(err) {
	case domain.KindValidation:
		return
	case domain.KindNotFound:
		k.logger.Debug("reading for unknown node", zap.String("node_id", reading.NodeID))
	default:
		k.logger.Warn("reading dropped after retries", zap.String("node_id", reading.NodeID), zap.Error(err))
	}
}

func retryableIngest(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	return domain.KindOf(err) == domain.KindTransient || errors.Is(err, context.DeadlineExceeded)
}

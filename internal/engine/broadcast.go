package engine

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/iiot-sentinel/internal/domain"
	"github.com/xela07ax/iiot-sentinel/internal/infra"
	"go.uber.org/zap"
)

const publishTimeout = 2 * time.Second

// EventSink: локальный получатель событий (websocket hub).
type EventSink interface {
	Publish(evt domain.AnomalyEvent)
}

// Broadcaster рассылает события жизненного цикла всем инстансам через Redis Pub/Sub.
// Publish не ждёт сеть: события копятся в буфере, отдельная горутина их отправляет.
type Broadcaster struct {
	rdb     redis.UniversalClient
	channel string
	ch      chan domain.AnomalyEvent
	logger  *zap.Logger

	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

func NewBroadcaster(rdb redis.UniversalClient, bufferSize int, logger *zap.Logger) *Broadcaster {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	return &Broadcaster{
		rdb:     rdb,
		channel: infra.RedisChanAnomalyEvents,
		ch:      make(chan domain.AnomalyEvent, bufferSize),
		logger:  logger.Named("broadcast"),
	}
}

func (b *Broadcaster) Start() {
	b.wg.Add(1)
	go b.worker()
}

// Stop дожидается отправки накопленного.
func (b *Broadcaster) Stop() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.ch)
	b.mu.Unlock()
	b.wg.Wait()
}

// Publish реализует lifecycle.Publisher.
func (b *Broadcaster) Publish(evt domain.AnomalyEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	select {
	case b.ch <- evt:
	default:
		b.logger.Warn("broadcast buffer full, event dropped", zap.String("event_id", evt.ID))
	}
}

func (b *Broadcaster) worker() {
	defer b.wg.Done()
	for evt := range b.ch {
		data, err := json.Marshal(evt)
		if err != nil {
			b.logger.Error("failed to encode event", zap.String("event_id", evt.ID), zap.Error(err))
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		err = b.rdb.Publish(ctx, b.channel, data).Err()
		cancel()
		if err != nil {
			b.logger.Warn("failed to broadcast event", zap.String("event_id", evt.ID), zap.Error(err))
		}
	}
}

// RelayEvents доставляет события из Redis локальным получателям (hub, Lifecycle
// Manager). Блокирует до отмены ctx.
func RelayEvents(ctx context.Context, rdb redis.UniversalClient, logger *zap.Logger, sinks ...EventSink) {
	log := logger.Named("relay")
	ListenResilient(ctx, rdb, log, infra.RedisChanAnomalyEvents, nil, func(payload string) {
		evt, err := DecodeEvent(payload)
		if err != nil {
			log.Warn("malformed anomaly event", zap.Error(err))
			return
		}
		for _, sink := range sinks {
			sink.Publish(evt)
		}
	})
}

func DecodeEvent(payload string) (domain.AnomalyEvent, error) {
	var evt domain.AnomalyEvent
	if err := json.Unmarshal([]byte(payload), &evt); err != nil {
		return evt, err
	}
	if evt.ID == "" || evt.Type == "" {
		return evt, domain.Validationf("event id and type are required")
	}
	return evt, nil
}

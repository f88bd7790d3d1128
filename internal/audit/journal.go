package audit

/*
Файл journal.go реализует журнал событий жизненного цикла аномалий (Audit Trail).

- Non-blocking: Publish не ждёт БД, события уходят в буферизованный канал.
  Задержки записи не влияют на скоринг и HTTP-ответы.
- Batching: накопление и пакетная запись (COPY) по таймеру или при достижении лимита.
- Drain Pattern: Stop закрывает канал, воркер вычитывает остаток и делает финальный flush.
*/

import (
	"context"
	"sync"
	"time"

	"github.com/xela07ax/iiot-sentinel/internal/domain"
	"github.com/xela07ax/iiot-sentinel/internal/infra"
	"go.uber.org/zap"
)

// Storage определяет, куда физически сохраняются события
type Storage interface {
	// WriteBatch сохраняет пачку событий за один раз
	WriteBatch(ctx context.Context, events []domain.AnomalyEvent) error
}

type Journal struct {
	ch        chan domain.AnomalyEvent // Буфер для асинхронности
	repo      Storage
	batchSize int
	interval  time.Duration
	metrics   *infra.Metrics
	logger    *zap.Logger

	wg     sync.WaitGroup
	mu     sync.RWMutex // Publish держит RLock на время отправки, Stop, Lock на закрытие
	closed bool
}

func NewJournal(repo Storage, cfg infra.LifecycleConfig, metrics *infra.Metrics, logger *zap.Logger) *Journal {
	size := cfg.JournalBufferSize
	if size <= 0 {
		size = 10000
	}
	interval := cfg.JournalFlush
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	if metrics == nil {
		metrics = infra.NewMetrics(nil)
	}
	return &Journal{
		ch:        make(chan domain.AnomalyEvent, size),
		repo:      repo,
		batchSize: 100,
		interval:  interval,
		metrics:   metrics,
		logger:    logger.Named("journal"),
	}
}

func (j *Journal) Start() {
	j.wg.Add(1)
	go j.worker()
}

// Stop «запирает» вход и ждёт, пока воркер всё допишет.
func (j *Journal) Stop() {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return
	}
	j.closed = true
	j.logger.Info("stopping journal: closing channel and flushing buffer...")
	close(j.ch)
	j.mu.Unlock()

	j.wg.Wait()
	j.logger.Info("journal stopped gracefully")
}

// Publish реализует lifecycle.Publisher.
func (j *Journal) Publish(evt domain.AnomalyEvent) {
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = time.Now().UTC()
	}

	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		j.logger.Warn("journal event dropped: journal is stopping", zap.String("id", evt.ID))
		return
	}

	// Load Shedding: при переполнении буфера событие уходит только в лог
	select {
	case j.ch <- evt:
		j.metrics.JournalBufferFill.Set(float64(len(j.ch)))
	default:
		j.logger.Error("journal_buffer_overflow",
			zap.String("event_id", evt.ID),
			zap.String("type", string(evt.Type)),
			zap.Int64("anomaly_id", evt.Anomaly.ID),
		)
	}
}

func (j *Journal) worker() {
	defer j.wg.Done()

	batch := make([]domain.AnomalyEvent, 0, j.batchSize)
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// Background: контекст запроса к этому моменту уже может быть закрыт
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := j.repo.WriteBatch(ctx, batch); err != nil {
			j.logger.Error("journal flush failed", zap.Int("events", len(batch)), zap.Error(err))
		}
		batch = batch[:0]
		j.metrics.JournalBufferFill.Set(float64(len(j.ch)))
	}

	for {
		select {
		case evt, ok := <-j.ch:
			if !ok {
				// Канал закрыт в Stop(): остаток уже вычитан, финальный сброс
				flush()
				j.logger.Info("journal worker finished")
				return
			}
			batch = append(batch, evt)
			if len(batch) >= j.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// LogStorage: запись журнала в лог, когда база не настроена.
type LogStorage struct {
	logger *zap.Logger
}

func NewLogStorage(logger *zap.Logger) *LogStorage {
	return &LogStorage{logger: logger.Named("audit")}
}

func (s *LogStorage) WriteBatch(_ context.Context, events []domain.AnomalyEvent) error {
	for _, evt := range events {
		s.logger.Info("anomaly event",
			zap.String("event_id", evt.ID),
			zap.String("type", string(evt.Type)),
			zap.Int64("anomaly_id", evt.Anomaly.ID),
			zap.String("node_id", evt.Anomaly.NodeID),
			zap.String("actor", evt.Actor),
			zap.Time("occurred_at", evt.OccurredAt),
		)
	}
	return nil
}

package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/iiot-sentinel/internal/domain"
	"github.com/xela07ax/iiot-sentinel/internal/infra"
	"go.uber.org/zap"
)

// Store: персистентность аномалий (Postgres или память).
type Store interface {
	// CreateUnlessOpen вставляет аномалию, если у узла нет открытой в пределах cooldown
	// от a.DetectedAt. Проверка и вставка атомарны на стороне хранилища (между инстансами).
	CreateUnlessOpen(ctx context.Context, a *domain.Anomaly, cooldown time.Duration) (created bool, err error)
	Get(ctx context.Context, id int64) (*domain.Anomaly, error)
	// LatestOpen возвращает последнюю открытую аномалию узла или nil.
	LatestOpen(ctx context.Context, nodeID string) (*domain.Anomaly, error)
	// MarkResolved переводит open→resolved. changed=false, если уже была разрешена.
	MarkResolved(ctx context.Context, id int64, actor string, at time.Time) (a *domain.Anomaly, changed bool, err error)
	List(ctx context.Context, f domain.AnomalyFilter) ([]domain.Anomaly, error)
	Summary(ctx context.Context, dayStart time.Time) (domain.AnalyticsSnapshot, error)
}

// Aggregator: потребитель событий для аналитики.
type Aggregator interface {
	OnAnomalyCreated(a domain.Anomaly)
	OnAnomalyResolved(a domain.Anomaly)
}

// Publisher: журнал и live-стрим. Publish не должен блокировать.
type Publisher interface {
	Publish(evt domain.AnomalyEvent)
}

// PublisherFunc адаптирует функцию к Publisher.
type PublisherFunc func(evt domain.AnomalyEvent)

func (f PublisherFunc) Publish(evt domain.AnomalyEvent) { f(evt) }

// nodeSlot: состояние одного узла в арене. Проверка cooldown и создание
// аномалии выполняются под slot.mu как одна транзакция.
type nodeSlot struct {
	mu     sync.Mutex
	loaded bool
	open   *domain.Anomaly
}

type Manager struct {
	store      Store
	aggregator Aggregator
	publishers []Publisher

	threshold float64
	cooldown  time.Duration
	origin    string

	slots sync.Map // node_id -> *nodeSlot

	metrics *infra.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

func NewManager(store Store, agg Aggregator, cfg infra.LifecycleConfig, metrics *infra.Metrics, logger *zap.Logger) *Manager {
	if metrics == nil {
		metrics = infra.NewMetrics(nil)
	}
	return &Manager{
		store:      store,
		aggregator: agg,
		threshold:  cfg.DetectionThreshold,
		cooldown:   cfg.Cooldown,
		metrics:    metrics,
		logger:     logger.Named("lifecycle"),
		now:        time.Now,
	}
}

// Subscribe добавляет получателя событий (журнал, Redis-трансляция).
func (m *Manager) Subscribe(p Publisher) {
	m.publishers = append(m.publishers, p)
}

// WithClock подменяет часы для событий без собственной отметки времени.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// WithOrigin задаёт идентификатор инстанса, которым помечаются события.
func (m *Manager) WithOrigin(id string) *Manager {
	m.origin = id
	return m
}

func (m *Manager) slot(nodeID string) *nodeSlot {
	if v, ok := m.slots.Load(nodeID); ok {
		return v.(*nodeSlot)
	}
	v, _ := m.slots.LoadOrStore(nodeID, &nodeSlot{})
	return v.(*nodeSlot)
}

// RecordScore открывает аномалию, если уверенность не ниже порога и у узла нет
// открытой аномалии в пределах cooldown. Иначе возвращает nil без ошибки.
func (m *Manager) RecordScore(ctx context.Context, res domain.ScoreResult) (*domain.Anomaly, error) {
	if res.Confidence < m.threshold {
		return nil, nil
	}
	detectedAt := res.Timestamp
	if detectedAt.IsZero() {
		detectedAt = m.now()
	}
	detectedAt = detectedAt.UTC()

	// Запись не должна обрываться посреди: отмена вызывающего не оставит полусозданной аномалии
	persistCtx := context.WithoutCancel(ctx)

	s := m.slot(res.NodeID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.loaded {
		open, err := m.store.LatestOpen(persistCtx, res.NodeID)
		if err != nil {
			return nil, err
		}
		s.open, s.loaded = open, true
	}

	if s.open != nil && !s.open.IsResolved && absDuration(detectedAt.Sub(s.open.DetectedAt)) < m.cooldown {
		m.metrics.AnomaliesSuppressed.Inc()
		return nil, nil
	}

	attack := res.AttackType
	if attack == domain.AttackNone {
		attack = domain.AttackUnknown
	}
	a := &domain.Anomaly{
		NodeID:     res.NodeID,
		Confidence: res.Confidence,
		DetectedAt: detectedAt,
		Severity:   res.Severity,
		AttackType: attack,
		Degraded:   res.Degraded,
	}
	created, err := m.store.CreateUnlessOpen(persistCtx, a, m.cooldown)
	if err != nil {
		return nil, err
	}
	if !created {
		// Аномалию успел открыть другой инстанс: перечитаем при следующей оценке
		s.loaded = false
		m.metrics.AnomaliesSuppressed.Inc()
		return nil, nil
	}

	s.open = a
	if m.aggregator != nil {
		m.aggregator.OnAnomalyCreated(*a)
	}
	m.metrics.AnomaliesCreated.WithLabelValues(string(a.AttackType)).Inc()
	m.metrics.OpenAnomalies.Inc()
	m.publish(domain.AnomalyCreated, *a, "")

	m.logger.Info("anomaly opened",
		zap.Int64("id", a.ID),
		zap.String("node_id", a.NodeID),
		zap.Float64("confidence", a.Confidence),
		zap.String("severity", string(a.Severity)),
		zap.String("attack_type", string(a.AttackType)),
		zap.Bool("degraded", a.Degraded),
	)
	out := *a
	return &out, nil
}

// Resolve: идемпотентный перевод в resolved. Повтор возвращает то же состояние без ошибки.
func (m *Manager) Resolve(ctx context.Context, id int64, actor string) (*domain.Anomaly, error) {
	persistCtx := context.WithoutCancel(ctx)

	current, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.IsResolved {
		return current, nil
	}

	s := m.slot(current.NodeID)
	s.mu.Lock()
	defer s.mu.Unlock()

	a, changed, err := m.store.MarkResolved(persistCtx, id, actor, m.now().UTC())
	if err != nil {
		return nil, err
	}
	if !changed {
		return a, nil
	}

	if s.open != nil && s.open.ID == a.ID {
		s.open = nil
	}
	if m.aggregator != nil {
		m.aggregator.OnAnomalyResolved(*a)
	}
	m.metrics.AnomaliesResolved.Inc()
	m.metrics.OpenAnomalies.Dec()
	m.publish(domain.AnomalyResolved, *a, actor)

	m.logger.Info("anomaly resolved", zap.Int64("id", a.ID), zap.String("node_id", a.NodeID), zap.String("actor", actor))
	return a, nil
}

// ApplyRemote учитывает событие другого инстанса: сбрасывает кэш открытой
// аномалии узла и обновляет счётчики аналитики. Свои события пропускаются.
func (m *Manager) ApplyRemote(evt domain.AnomalyEvent) {
	if evt.Origin == m.origin {
		return
	}
	switch evt.Type {
	case domain.AnomalyCreated, domain.AnomalyResolved:
	default:
		m.logger.Debug("unknown remote event", zap.String("event_id", evt.ID), zap.String("type", string(evt.Type)))
		return
	}

	s := m.slot(evt.Anomaly.NodeID)
	s.mu.Lock()
	// Следующая оценка перечитает LatestOpen из хранилища
	s.loaded = false
	s.open = nil
	s.mu.Unlock()

	if m.aggregator == nil {
		return
	}
	if evt.Type == domain.AnomalyCreated {
		m.aggregator.OnAnomalyCreated(evt.Anomaly)
	} else {
		m.aggregator.OnAnomalyResolved(evt.Anomaly)
	}
}

// List: выборка, самые свежие первыми.
func (m *Manager) List(ctx context.Context, f domain.AnomalyFilter) ([]domain.Anomaly, error) {
	return m.store.List(ctx, f.Normalize())
}

// Get: одна аномалия.
func (m *Manager) Get(ctx context.Context, id int64) (*domain.Anomaly, error) {
	return m.store.Get(ctx, id)
}

func (m *Manager) publish(typ domain.AnomalyEventType, a domain.Anomaly, actor string) {
	if len(m.publishers) == 0 {
		return
	}
	evt := domain.AnomalyEvent{
		ID:         uuid.NewString(),
		Type:       typ,
		Anomaly:    a,
		Actor:      actor,
		OccurredAt: m.now().UTC(),
		Origin:     m.origin,
	}
	for _, p := range m.publishers {
		p.Publish(evt)
	}
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

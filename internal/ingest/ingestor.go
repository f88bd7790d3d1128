package ingest

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/xela07ax/iiot-sentinel/internal/domain"
	"github.com/xela07ax/iiot-sentinel/internal/infra"
	"go.uber.org/zap"
)

const (
	TriggerWindowFull = "window_full"
	TriggerTick       = "tick"
	TriggerSync       = "sync"
)

// NodeLookup: то, что ingest нужно от Topology Store.
type NodeLookup interface {
	GetNode(id string) (domain.Node, error)
}

// window: скользящее окно одного узла. Свой мьютекс: узлы не делят блокировок.
type window struct {
	mu      sync.Mutex
	node    domain.Node
	samples []domain.FeatureSample // по возрастанию Timestamp, len <= capacity
	pending int                    // отсчётов с последней выдачи вектора
}

type Ingestor struct {
	topo     NodeLookup
	capacity int
	timeout  time.Duration
	tick     time.Duration

	windows sync.Map // node_id -> *window

	out    chan domain.FeatureVector
	sendMu sync.RWMutex
	closed bool

	metrics *infra.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

func New(topo NodeLookup, cfg infra.IngestConfig, metrics *infra.Metrics, logger *zap.Logger) *Ingestor {
	if metrics == nil {
		metrics = infra.NewMetrics(nil)
	}
	capacity := cfg.WindowSize
	if capacity < 2 {
		capacity = 2
	}
	queue := cfg.QueueSize
	if queue <= 0 {
		queue = 1024
	}
	return &Ingestor{
		topo:     topo,
		capacity: capacity,
		timeout:  cfg.Timeout,
		tick:     cfg.TickInterval,
		out:      make(chan domain.FeatureVector, queue),
		metrics:  metrics,
		logger:   logger.Named("ingest"),
		now:      time.Now,
	}
}

// Vectors: поток векторов признаков для Scoring Engine.
func (i *Ingestor) Vectors() <-chan domain.FeatureVector {
	return i.out
}

// Capacity: размер окна.
func (i *Ingestor) Capacity() int { return i.capacity }

// Ingest принимает одно показание. Неизвестный узел, устаревшее и повторное показание
// отклоняются типизированной ошибкой; вызывающий решает, логировать ли её.
func (i *Ingestor) Ingest(ctx context.Context, r domain.TelemetryReading) (domain.FeatureSample, error) {
	if r.Value == nil || math.IsNaN(*r.Value) || math.IsInf(*r.Value, 0) {
		i.metrics.ReadingsTotal.WithLabelValues("invalid").Inc()
		return domain.FeatureSample{}, domain.ErrInvalidReading
	}

	w, err := i.windowFor(r.NodeID)
	if err != nil {
		i.metrics.ReadingsTotal.WithLabelValues("unknown_node").Inc()
		return domain.FeatureSample{}, err
	}

	ts := r.Timestamp
	if ts.IsZero() {
		ts = i.now()
	}
	ts = ts.UTC()

	w.mu.Lock()
	sample, err := w.insert(r.NodeID, *r.Value, ts, i.capacity)
	if err != nil {
		w.mu.Unlock()
		if domain.KindOf(err) == domain.KindValidation {
			i.metrics.ReadingsTotal.WithLabelValues(resultLabel(err)).Inc()
			i.logger.Debug("reading dropped", zap.String("node_id", r.NodeID), zap.Time("ts", ts), zap.Error(err))
		}
		return domain.FeatureSample{}, err
	}
	var vec *domain.FeatureVector
	if w.pending >= i.capacity {
		v := w.vector(TriggerWindowFull)
		vec = &v
	}
	w.mu.Unlock()

	i.metrics.ReadingsTotal.WithLabelValues("accepted").Inc()

	// Отправка вне блокировки окна: медленный скоринг не держит чужие показания этого узла
	if vec != nil {
		i.emit(ctx, *vec)
	}
	return sample, nil
}

func resultLabel(err error) string {
	switch domain.AsError(err).Code {
	case domain.ErrStaleReading.Code:
		return "stale"
	case domain.ErrDuplicateReading.Code:
		return "duplicate"
	default:
		return "invalid"
	}
}

func (i *Ingestor) windowFor(nodeID string) (*window, error) {
	if v, ok := i.windows.Load(nodeID); ok {
		return v.(*window), nil
	}
	node, err := i.topo.GetNode(nodeID)
	if err != nil {
		return nil, err
	}
	v, _ := i.windows.LoadOrStore(nodeID, &window{
		node:    node,
		samples: make([]domain.FeatureSample, 0, i.capacity),
	})
	return v.(*window), nil
}

// insert вставляет отсчёт с сохранением порядка. Вызывается под w.mu.
func (w *window) insert(nodeID string, value float64, ts time.Time, capacity int) (domain.FeatureSample, error) {
	idx := sort.Search(len(w.samples), func(k int) bool {
		return !w.samples[k].Timestamp.Before(ts)
	})
	if idx < len(w.samples) && w.samples[idx].Timestamp.Equal(ts) {
		return domain.FeatureSample{}, domain.ErrDuplicateReading
	}
	// Окно заполнено, а отсчёт старше пола: он был бы вытеснен сразу же
	if len(w.samples) >= capacity && idx == 0 {
		return domain.FeatureSample{}, domain.ErrStaleReading
	}

	w.samples = append(w.samples, domain.FeatureSample{})
	copy(w.samples[idx+1:], w.samples[idx:])
	w.samples[idx] = domain.FeatureSample{NodeID: nodeID, Timestamp: ts, Value: value}
	w.derive(idx)
	if idx+1 < len(w.samples) {
		w.derive(idx + 1)
	}

	// FIFO-вытеснение: единственная политика, память окна ограничена capacity
	if len(w.samples) > capacity {
		copy(w.samples, w.samples[1:])
		w.samples = w.samples[:len(w.samples)-1]
		idx--
	}
	w.pending++
	return w.samples[idx], nil
}

func (w *window) derive(k int) {
	if k == 0 {
		return
	}
	prev, cur := w.samples[k-1], &w.samples[k]
	cur.Delta = cur.Value - prev.Value
	cur.Interval = cur.Timestamp.Sub(prev.Timestamp).Seconds()
	if cur.Interval > 0 {
		cur.Rate = cur.Delta / cur.Interval
	}
}

// vector снимает копию окна и сбрасывает счётчик ожидающих. Вызывается под w.mu.
func (w *window) vector(trigger string) domain.FeatureVector {
	samples := append([]domain.FeatureSample(nil), w.samples...)
	w.pending = 0
	return domain.FeatureVector{
		NodeID:    w.node.ID,
		Timestamp: samples[len(samples)-1].Timestamp,
		Samples:   samples,
		Features:  ComputeFeatures(samples, w.node),
		Trigger:   trigger,
	}
}

// Snapshot: вектор для синхронного пути (/model/predict).
func (i *Ingestor) Snapshot(nodeID string) (domain.FeatureVector, error) {
	v, ok := i.windows.Load(nodeID)
	if !ok {
		if _, err := i.topo.GetNode(nodeID); err != nil {
			return domain.FeatureVector{}, err
		}
		return domain.FeatureVector{}, domain.Validationf("no telemetry ingested for node %q", nodeID)
	}
	w := v.(*window)
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.samples) == 0 {
		return domain.FeatureVector{}, domain.Validationf("no telemetry ingested for node %q", nodeID)
	}
	return w.vector(TriggerSync), nil
}

// WindowLen: текущий размер окна узла.
func (i *Ingestor) WindowLen(nodeID string) int {
	v, ok := i.windows.Load(nodeID)
	if !ok {
		return 0
	}
	w := v.(*window)
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.samples)
}

// Flush отдаёт векторы всех узлов с новыми отсчётами (периодический тик).
func (i *Ingestor) Flush(ctx context.Context) int {
	var batch []domain.FeatureVector
	i.windows.Range(func(_, v any) bool {
		w := v.(*window)
		w.mu.Lock()
		if w.pending > 0 && len(w.samples) > 0 {
			batch = append(batch, w.vector(TriggerTick))
		}
		w.mu.Unlock()
		return true
	})
	for _, vec := range batch {
		i.emit(ctx, vec)
	}
	return len(batch)
}

// Run: тикер окна. Завершается по отмене контекста.
func (i *Ingestor) Run(ctx context.Context) error {
	if i.tick <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(i.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := i.Flush(ctx); n > 0 {
				i.logger.Debug("tick flush", zap.Int("vectors", n))
			}
		}
	}
}

// Close закрывает выходной канал. Вызывать после остановки всех источников.
func (i *Ingestor) Close() {
	i.sendMu.Lock()
	defer i.sendMu.Unlock()
	if !i.closed {
		i.closed = true
		close(i.out)
	}
}

// emit никогда не блокирует дольше таймаута ingest.
func (i *Ingestor) emit(ctx context.Context, vec domain.FeatureVector) {
	if i.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, i.timeout)
		defer cancel()
	}

	i.sendMu.RLock()
	defer i.sendMu.RUnlock()
	if i.closed {
		i.metrics.WindowsEmitted.WithLabelValues("dropped").Inc()
		return
	}
	select {
	case i.out <- vec:
		i.metrics.WindowsEmitted.WithLabelValues(vec.Trigger).Inc()
	case <-ctx.Done():
		i.metrics.WindowsEmitted.WithLabelValues("dropped").Inc()
		i.logger.Warn("feature vector dropped: scoring queue saturated",
			zap.String("node_id", vec.NodeID), zap.String("trigger", vec.Trigger))
	}
}

package scoring

import (
	"context"
	"hash/fnv"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xela07ax/iiot-sentinel/internal/domain"
	"github.com/xela07ax/iiot-sentinel/internal/infra"
	"go.uber.org/zap"
)

// NeighborSource: соседи узла из Topology Store.
type NeighborSource interface {
	Neighbors(id string) ([]string, error)
}

// StatusSink: куда отражается статус узла по результату скоринга.
type StatusSink interface {
	SetStatus(ctx context.Context, id string, status domain.NodeStatus) (bool, error)
}

const defaultStateShards = 64

type nodeState struct {
	confidence float64
	flagged    bool
}

type stateShard struct {
	mu    sync.RWMutex
	nodes map[string]nodeState
}

// Engine: Scoring Engine: топологический контекст, таймаут, политика severity.
type Engine struct {
	scorer   Scorer
	model    atomic.Pointer[Model]
	topo     NeighborSource
	status   StatusSink
	severity domain.SeverityPolicy
	timeout  time.Duration

	shards []stateShard

	metrics *infra.Metrics
	logger  *zap.Logger
}

func NewEngine(scorer Scorer, model *Model, topo NeighborSource, cfg infra.ScoringConfig, metrics *infra.Metrics, logger *zap.Logger) *Engine {
	if scorer == nil {
		scorer = GraphScorer{}
	}
	if model == nil {
		model = DefaultModel()
	}
	if metrics == nil {
		metrics = infra.NewMetrics(nil)
	}
	e := &Engine{
		scorer:   scorer,
		topo:     topo,
		severity: cfg.Severity,
		timeout:  cfg.Timeout,
		metrics:  metrics,
		logger:   logger.Named("scoring"),
	}
	n := cfg.Shards
	if n <= 0 {
		n = defaultStateShards
	}
	e.shards = make([]stateShard, n)
	for i := range e.shards {
		e.shards[i].nodes = make(map[string]nodeState)
	}
	e.model.Store(model)
	return e
}

// WithStatusSink подключает обновление статусов узлов.
func (e *Engine) WithStatusSink(s StatusSink) *Engine {
	e.status = s
	return e
}

// Model: текущий снимок.
func (e *Engine) Model() *Model {
	return e.model.Load()
}

// SwapModel атомарно заменяет снимок. Скоринг, уже взявший старый снимок, досчитает по нему.
func (e *Engine) SwapModel(m *Model) error {
	if err := m.Validate(); err != nil {
		return err
	}
	prev := e.model.Swap(m)
	e.logger.Info("model swapped", zap.String("from", prev.Version), zap.String("to", m.Version))
	return nil
}

// Score оценивает окно узла. Никогда не возвращает ошибку: нехватка топологии
// или таймаут дают результат с Degraded=true.
func (e *Engine) Score(ctx context.Context, vec domain.FeatureVector) domain.ScoreResult {
	start := time.Now()
	model := e.model.Load()
	tc := e.topologyContext(vec.NodeID)

	assessment, ok := e.run(ctx, model, vec, tc)
	degraded := !tc.Available
	if !ok {
		// Таймаут: временной сигнал считается встроенной формулой без соседей
		conf, attack := Temporal(model, vec.Features)
		assessment = Assessment{Confidence: conf, Temporal: conf, AttackType: attack}
		degraded = true
		e.logger.Warn("scoring timed out, degraded to temporal-only", zap.String("node_id", vec.NodeID))
	}

	conf := clamp01(assessment.Confidence)
	res := domain.ScoreResult{
		NodeID:       vec.NodeID,
		Timestamp:    vec.Timestamp,
		Confidence:   conf,
		Severity:     e.severity.Classify(conf),
		AttackType:   assessment.AttackType,
		Degraded:     degraded,
		ModelVersion: model.Version,
		Temporal:     assessment.Temporal,
		Structural:   assessment.Structural,
	}

	e.remember(vec.NodeID, conf, conf >= model.FlagThreshold)
	e.updateStatus(ctx, vec.NodeID, conf >= model.FlagThreshold)

	e.metrics.ScoringDuration.Observe(time.Since(start).Seconds())
	e.metrics.ScoresTotal.WithLabelValues(string(res.Severity), strconv.FormatBool(res.Degraded)).Inc()
	return res
}

func (e *Engine) run(ctx context.Context, model *Model, vec domain.FeatureVector, tc TopologyContext) (Assessment, bool) {
	if e.timeout <= 0 {
		return e.scorer.Score(model, vec, tc), true
	}
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	// Буфер 1: зависший Scorer допишет результат и завершится, никого не блокируя
	done := make(chan Assessment, 1)
	go func() {
		done <- e.scorer.Score(model, vec, tc)
	}()
	select {
	case a := <-done:
		return a, true
	case <-ctx.Done():
		return Assessment{}, false
	}
}

func (e *Engine) topologyContext(nodeID string) TopologyContext {
	if e.topo == nil {
		return TopologyContext{}
	}
	ids, err := e.topo.Neighbors(nodeID)
	if err != nil {
		return TopologyContext{}
	}
	tc := TopologyContext{Available: true, Neighbors: make([]NeighborState, 0, len(ids))}
	for _, id := range ids {
		st := e.lookup(id)
		tc.Neighbors = append(tc.Neighbors, NeighborState{NodeID: id, Confidence: st.confidence, Flagged: st.flagged})
	}
	return tc
}

func (e *Engine) shard(nodeID string) *stateShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(nodeID))
	return &e.shards[h.Sum32()%uint32(len(e.shards))]
}

func (e *Engine) lookup(nodeID string) nodeState {
	s := e.shard(nodeID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nodes[nodeID]
}

func (e *Engine) remember(nodeID string, conf float64, flagged bool) {
	s := e.shard(nodeID)
	s.mu.Lock()
	s.nodes[nodeID] = nodeState{confidence: conf, flagged: flagged}
	s.mu.Unlock()
}

func (e *Engine) updateStatus(ctx context.Context, nodeID string, flagged bool) {
	if e.status == nil {
		return
	}
	next := domain.NodeOnline
	if flagged {
		next = domain.NodeAlert
	}
	if _, err := e.status.SetStatus(context.WithoutCancel(ctx), nodeID, next); err != nil {
		e.logger.Debug("node status not updated", zap.String("node_id", nodeID), zap.Error(err))
	}
}

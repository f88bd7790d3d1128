package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/iiot-sentinel/internal/domain"
	"github.com/xela07ax/iiot-sentinel/internal/infra"
	"github.com/xela07ax/iiot-sentinel/internal/scoring"
	"go.uber.org/zap"
)

const warmupLockKey = infra.RedisNamespace + ":nodes:warmup-lock"

// StatusStore: локальная топология, куда применяются статусы других инстансов.
type StatusStore interface {
	SetStatus(ctx context.Context, id string, status domain.NodeStatus) (bool, error)
	View() domain.TopologyView
}

type statusSignal struct {
	nodeID string
	status domain.NodeStatus
}

// NodeStatusSync держит статусы узлов согласованными между инстансами:
// локальная смена уходит в хэш Redis и канал сигналов, чужие сигналы применяются к Store.
type NodeStatusSync struct {
	rdb    redis.UniversalClient
	store  StatusStore
	ch     chan statusSignal
	logger *zap.Logger

	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

func NewNodeStatusSync(rdb redis.UniversalClient, store StatusStore, logger *zap.Logger) *NodeStatusSync {
	return &NodeStatusSync{
		rdb:    rdb,
		store:  store,
		ch:     make(chan statusSignal, 256),
		logger: logger.Named("status-sync"),
	}
}

func (s *NodeStatusSync) Start() {
	s.wg.Add(1)
	go s.worker()
}

func (s *NodeStatusSync) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.ch)
	s.mu.Unlock()
	s.wg.Wait()
}

// OnLocalChange подключается через topology.Store.OnStatusChange. Не блокирует скоринг.
func (s *NodeStatusSync) OnLocalChange(nodeID string, status domain.NodeStatus) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- statusSignal{nodeID: nodeID, status: status}:
	default:
		s.logger.Warn("status signal dropped", zap.String("node_id", nodeID))
	}
}

func (s *NodeStatusSync) worker() {
	defer s.wg.Done()
	for sig := range s.ch {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, infra.RedisKeyNodeStatus, sig.nodeID, string(sig.status))
			pipe.Publish(ctx, infra.RedisChanNodeStatus, infra.NodeStatusSignal(sig.nodeID, string(sig.status)))
			return nil
		})
		cancel()
		if err != nil {
			s.logger.Warn("failed to share node status", zap.String("node_id", sig.nodeID), zap.Error(err))
		}
	}
}

// Warmup заливает статусы в пустой хэш Redis. Греет только один инстанс (SetNX-замок).
func (s *NodeStatusSync) Warmup(ctx context.Context) error {
	ok, err := s.rdb.SetNX(ctx, warmupLockKey, "processing", 30*time.Second).Result()
	if err != nil || !ok {
		return err // либо ошибка сети, либо другой уже греет кэш
	}

	count, err := s.rdb.HLen(ctx, infra.RedisKeyNodeStatus).Result()
	if err != nil {
		s.logger.Warn("could not check status hash size, proceeding with warm-up", zap.Error(err))
		count = 0
	}
	view := s.store.View()
	if count > 0 || len(view.Nodes) == 0 {
		return nil
	}

	values := make([]any, 0, 2*len(view.Nodes))
	for _, n := range view.Nodes {
		values = append(values, n.ID, string(n.Status))
	}
	s.logger.Info("status hash is empty, warming up from topology", zap.Int("nodes", len(view.Nodes)))
	return s.rdb.HSet(ctx, infra.RedisKeyNodeStatus, values...).Err()
}

// Listen применяет чужие сигналы. На каждом переподключении подтягивает полный хэш.
func (s *NodeStatusSync) Listen(ctx context.Context) {
	ListenResilient(ctx, s.rdb, s.logger, infra.RedisChanNodeStatus, s.resync, func(payload string) {
		nodeID, status, err := ParseStatusSignal(payload)
		if err != nil {
			s.logger.Error("invalid signal format", zap.String("payload", payload))
			return
		}
		s.apply(ctx, nodeID, status)
	})
}

func (s *NodeStatusSync) resync(ctx context.Context) error {
	all, err := s.rdb.HGetAll(ctx, infra.RedisKeyNodeStatus).Result()
	if err != nil {
		return err
	}
	for id, st := range all {
		s.apply(ctx, id, domain.NodeStatus(st))
	}
	return nil
}

func (s *NodeStatusSync) apply(ctx context.Context, nodeID string, status domain.NodeStatus) {
	changed, err := s.store.SetStatus(ctx, nodeID, status)
	if err != nil {
		s.logger.Debug("remote status ignored", zap.String("node_id", nodeID), zap.Error(err))
		return
	}
	if changed {
		s.logger.Debug("remote status applied", zap.String("node_id", nodeID), zap.String("status", string(status)))
	}
}

// ParseStatusSignal разбирает "node_id:status". Идентификатор узла может содержать ':'.
func ParseStatusSignal(payload string) (string, domain.NodeStatus, error) {
	i := strings.LastIndex(payload, ":")
	if i <= 0 || i == len(payload)-1 {
		return "", "", domain.Validationf("invalid status signal %q", payload)
	}
	status := domain.NodeStatus(payload[i+1:])
	if !status.Valid() {
		return "", "", domain.Validationf("unknown node status %q", status)
	}
	return payload[:i], status, nil
}

// ModelSwapper: то, что нужно от scoring.Engine.
type ModelSwapper interface {
	Model() *scoring.Model
	SwapModel(m *scoring.Model) error
}

// ListenModelUpdates: горячая замена модели по сигналу Redis. Актуальный снимок
// лежит в RedisKeyModelSnapshot и подтягивается при каждом переподключении.
func ListenModelUpdates(ctx context.Context, rdb redis.UniversalClient, swapper ModelSwapper, logger *zap.Logger) {
	log := logger.Named("model-sync")
	resync := func(ctx context.Context) error {
		data, err := rdb.Get(ctx, infra.RedisKeyModelSnapshot).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		return applyModel(swapper, data)
	}
	ListenResilient(ctx, rdb, log, infra.RedisChanModelUpdate, resync, func(payload string) {
		if err := applyModel(swapper, []byte(payload)); err != nil {
			log.Error("model update rejected", zap.Error(err))
		}
	})
}

func applyModel(swapper ModelSwapper, data []byte) error {
	m, err := scoring.ParseModel(data)
	if err != nil {
		return err
	}
	if cur := swapper.Model(); cur != nil && cur.Version == m.Version {
		return nil
	}
	return swapper.SwapModel(m)
}

// PublishModel сохраняет снимок и рассылает сигнал замены (sentinel-admin publish-model).
func PublishModel(ctx context.Context, rdb redis.UniversalClient, data []byte) (*scoring.Model, error) {
	m, err := scoring.ParseModel(data)
	if err != nil {
		return nil, err
	}
	_, err = rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, infra.RedisKeyModelSnapshot, data, 0)
		pipe.Publish(ctx, infra.RedisChanModelUpdate, data)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

package scoring

import (
	"context"
	"hash/fnv"
	"runtime"

	"github.com/xela07ax/iiot-sentinel/internal/domain"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ResultHandler получает результат (Lifecycle Manager). Ошибка логируется, поток не останавливает.
type ResultHandler func(ctx context.Context, res domain.ScoreResult) error

// Pool: воркеры скоринга. Окна одного узла всегда попадают в один воркер
// (порядок сохраняется), разные узлы считаются параллельно.
type Pool struct {
	engine  *Engine
	handler ResultHandler
	workers int
	logger  *zap.Logger
}

func NewPool(engine *Engine, handler ResultHandler, workers int, logger *zap.Logger) *Pool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Pool{
		engine:  engine,
		handler: handler,
		workers: workers,
		logger:  logger.Named("scoring-pool"),
	}
}

// Run читает векторы до закрытия in (штатная остановка с дренажом)
// или до отмены ctx (прерывание: воркеры доделывают текущее окно и выходят).
func (p *Pool) Run(ctx context.Context, in <-chan domain.FeatureVector) error {
	g, gctx := errgroup.WithContext(ctx)

	lanes := make([]chan domain.FeatureVector, p.workers)
	for i := range lanes {
		lanes[i] = make(chan domain.FeatureVector, 64)
		lane := lanes[i]
		g.Go(func() error {
			p.work(gctx, lane)
			return nil
		})
	}

	g.Go(func() error {
		defer func() {
			for _, l := range lanes {
				close(l)
			}
		}()
		for {
			select {
			case <-gctx.Done():
				return nil
			case vec, ok := <-in:
				if !ok {
					return nil
				}
				select {
				case lanes[p.lane(vec.NodeID)] <- vec:
				case <-gctx.Done():
					return nil
				}
			}
		}
	})

	err := g.Wait()
	p.logger.Info("scoring pool stopped")
	return err
}

func (p *Pool) work(ctx context.Context, lane <-chan domain.FeatureVector) {
	for vec := range lane {
		if ctx.Err() != nil {
			// Прерывание: остаток очереди отбрасываем, но канал вычитываем до закрытия
			continue
		}
		res := p.engine.Score(ctx, vec)
		if p.handler == nil {
			continue
		}
		if err := p.handler(ctx, res); err != nil {
			p.logger.Warn("score result not recorded", zap.String("node_id", res.NodeID), zap.Error(err))
		}
	}
}

func (p *Pool) lane(nodeID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(nodeID))
	return int(h.Sum32() % uint32(p.workers))
}

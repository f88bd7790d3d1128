package engine

import (
	"context"
	"time"

	"github.com/xela07ax/iiot-sentinel/internal/domain"
	"github.com/xela07ax/iiot-sentinel/internal/scoring"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Source: внешний поток показаний (Kafka и т.п.). Run блокирует до отмены ctx.
type Source interface {
	Run(ctx context.Context) error
}

// FeatureStream: то, что конвейер требует от Feature Ingest.
type FeatureStream interface {
	Run(ctx context.Context) error
	Vectors() <-chan domain.FeatureVector
	Close()
}

// Pipeline связывает ingest → scoring → lifecycle и отвечает за порядок остановки:
// сначала источники, затем закрытие очереди ingest, затем дренаж пула скоринга.
type Pipeline struct {
	ingest       FeatureStream
	pool         *scoring.Pool
	sources      map[string]Source
	drainTimeout time.Duration
	logger       *zap.Logger
}

func NewPipeline(in FeatureStream, pool *scoring.Pool, drainTimeout time.Duration, logger *zap.Logger) *Pipeline {
	if drainTimeout <= 0 {
		drainTimeout = 10 * time.Second
	}
	return &Pipeline{
		ingest:       in,
		pool:         pool,
		sources:      make(map[string]Source),
		drainTimeout: drainTimeout,
		logger:       logger.Named("pipeline"),
	}
}

// AddSource регистрирует источник до вызова Run.
func (p *Pipeline) AddSource(name string, s Source) {
	p.sources[name] = s
}

// Run блокирует до отмены ctx или падения источника. Векторы, уже поставленные
// в очередь, досчитываются в пределах drainTimeout; после него пул прерывается.
func (p *Pipeline) Run(ctx context.Context) error {
	poolCtx, abortPool := context.WithCancel(context.WithoutCancel(ctx))
	defer abortPool()
	poolDone := make(chan error, 1)
	go func() {
		poolDone <- p.pool.Run(poolCtx, p.ingest.Vectors())
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.ingest.Run(gctx) })
	for name, src := range p.sources {
		g.Go(func() error {
			p.logger.Info("source started", zap.String("source", name))
			err := src.Run(gctx)
			if err != nil {
				p.logger.Error("source failed", zap.String("source", name), zap.Error(err))
			}
			return err
		})
	}
	srcErr := g.Wait()

	p.ingest.Close()
	p.logger.Info("sources stopped, draining scoring queue")

	timer := time.NewTimer(p.drainTimeout)
	defer timer.Stop()
	select {
	case err := <-poolDone:
		if srcErr == nil {
			srcErr = err
		}
	case <-timer.C:
		p.logger.Warn("drain timeout, aborting in-flight scoring", zap.Duration("timeout", p.drainTimeout))
		abortPool()
		<-poolDone
	}
	return srcErr
}

// RecordHandler: результат скоринга в Lifecycle Manager.
func RecordHandler(lc interface {
	RecordScore(ctx context.Context, res domain.ScoreResult) (*domain.Anomaly, error)
}) scoring.ResultHandler {
	return func(ctx context.Context, res domain.ScoreResult) error {
		_, err := lc.RecordScore(ctx, res)
		return err
	}
}

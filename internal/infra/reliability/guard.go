package reliability

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sony/gobreaker"
	"github.com/xela07ax/iiot-sentinel/internal/domain"
	"github.com/xela07ax/iiot-sentinel/internal/infra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Guard: граница между ядром и внешним хранилищем: лимитер, предохранитель и
// ограниченный ретрай с бэкоффом. Исчерпание попыток превращается в ErrStorageUnavailable (503).
type Guard struct {
	name      string
	cb        *gobreaker.CircuitBreaker
	limiter   *rate.Limiter
	attempts  uint
	opTimeout time.Duration
	baseDelay time.Duration
	maxDelay  time.Duration
	logger    *zap.Logger
}

type Option func(*Guard)

// WithDelays переопределяет параметры бэкоффа (в тестах, миллисекунды).
func WithDelays(base, max time.Duration) Option {
	return func(g *Guard) {
		g.baseDelay = base
		g.maxDelay = max
	}
}

func NewGuard(name string, cfg infra.ReliabilityConfig, metrics *infra.Metrics, logger *zap.Logger, opts ...Option) *Guard {
	g := &Guard{
		name:      name,
		attempts:  cfg.Attempts,
		opTimeout: cfg.OpTimeout,
		baseDelay: 100 * time.Millisecond,
		maxDelay:  2 * time.Second,
		logger:    logger.Named("reliability").With(zap.String("guard", name)),
	}
	if g.attempts == 0 {
		g.attempts = 1
	}
	for _, opt := range opts {
		opt(g)
	}

	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}

	failures := cfg.CBFailures
	if failures == 0 {
		failures = 5
	}
	// Настройка предохранителя
	g.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.CBMaxRequests,
		Interval:    cfg.CBInterval,
		Timeout:     cfg.CBTimeout, // Время, через которое CB попробует "закрыться"
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		// Бизнес-ошибки (not found, conflict) не должны выбивать предохранитель
		IsSuccessful: func(err error) bool {
			return err == nil || !IsTransient(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			g.logger.Warn("circuit breaker state changed",
				zap.String("from", from.String()), zap.String("to", to.String()))
			if metrics != nil {
				metrics.CircuitBreakerState.WithLabelValues(name).Set(stateValue(to))
			}
		},
	})
	return g
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 0.5
	default:
		return 0
	}
}

// Do выполняет операцию под защитой. Нетранзиентные ошибки возвращаются как есть с первой попытки.
func (g *Guard) Do(ctx context.Context, op func(ctx context.Context) error) error {
	// 1. Rate Limiter
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return domain.ErrStorageUnavailable.WithCause(fmt.Errorf("rate limit wait: %w", err))
		}
	}

	// 2. Circuit Breaker вокруг ретраев
	_, err := g.cb.Execute(func() (interface{}, error) {
		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(g.attempts),
			retry.Delay(g.baseDelay),
			retry.MaxDelay(g.maxDelay),
			retry.LastErrorOnly(true),
			retry.RetryIf(IsTransient),
			retry.OnRetry(func(n uint, err error) {
				g.logger.Debug("retrying storage call", zap.Uint("attempt", n+1), zap.Error(err))
			}),
		)
		return nil, r.Do(func() error {
			opCtx := ctx
			if g.opTimeout > 0 {
				var cancel context.CancelFunc
				opCtx, cancel = context.WithTimeout(ctx, g.opTimeout)
				defer cancel()
			}
			return op(opCtx)
		})
	})
	if err == nil {
		return nil
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return domain.ErrStorageUnavailable.WithCause(err)
	}
	if IsTransient(err) {
		g.logger.Warn("storage call failed after retries", zap.Error(err))
		return domain.ErrStorageUnavailable.WithCause(err)
	}
	return err
}

// Call: типизированная обёртка над Do.
func Call[T any](ctx context.Context, g *Guard, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := g.Do(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// IsTransient решает, имеет ли смысл повторять вызов.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	// Отмена снаружи не повод ретраить
	if errors.Is(err, context.Canceled) {
		return false
	}
	if domain.KindOf(err) == domain.KindTransient {
		return true
	}
	var de *domain.Error
	if errors.As(err, &de) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Класс 08 (connection exception), 40001/40P01 (serialization/deadlock), 57P0x (shutdown)
		switch {
		case len(pgErr.Code) >= 2 && pgErr.Code[:2] == "08":
			return true
		case pgErr.Code == "40001", pgErr.Code == "40P01", pgErr.Code == "57P01", pgErr.Code == "57P03":
			return true
		}
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

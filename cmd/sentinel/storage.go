package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/xela07ax/iiot-sentinel/internal/audit"
	"github.com/xela07ax/iiot-sentinel/internal/console/service"
	"github.com/xela07ax/iiot-sentinel/internal/infra"
	"github.com/xela07ax/iiot-sentinel/internal/infra/reliability"
	"github.com/xela07ax/iiot-sentinel/internal/lifecycle"
	"github.com/xela07ax/iiot-sentinel/internal/repository/memory"
	"github.com/xela07ax/iiot-sentinel/internal/repository/postgres"
	"github.com/xela07ax/iiot-sentinel/internal/topology"
	"go.uber.org/zap"
)

// storage: набор хранилищ одного режима: Postgres или память.
type storage struct {
	anomalies lifecycle.Store
	users    service.UserRepository
	journal  audit.Storage
	topology *postgres.TopologyRepo // nil в режиме памяти
	pool     *pgxpool.Pool
}

func (s *storage) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func openStorage(ctx context.Context, cfg *infra.Config, metrics *infra.Metrics, logger *zap.Logger) (*storage, error) {
	if cfg.Database.URL == "" {
		logger.Warn("database.url is empty, running on in-memory storage; state is lost on restart")
		return &storage{
			anomalies: lifecycle.NewMemoryStore(),
			users:     memory.NewUserStore(),
			journal:   audit.NewLogStorage(logger),
		}, nil
	}

	pool, err := postgres.Connect(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	if cfg.Database.AutoMigrate {
		if err := postgres.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
		logger.Info("database schema is up to date")
	}
	db := postgres.NewDB(pool, reliability.NewGuard("postgres", cfg.Reliability, metrics, logger), logger)
	return &storage{
		anomalies: postgres.NewAnomalyRepo(db),
		users:     postgres.NewUserRepo(db),
		journal:   postgres.NewJournalRepo(db),
		topology:  postgres.NewTopologyRepo(db),
		pool:      pool,
	}, nil
}

// loadTopology наполняет граф. С базой файл служит сидом: атрибуты и связи
// обновляются, статусы узлов переживают рестарт.
func loadTopology(ctx context.Context, topo *topology.Store, st *storage, file string, logger *zap.Logger) error {
	if st.topology == nil {
		if file == "" {
			return fmt.Errorf("topology.file is required without a database")
		}
		return topo.LoadFile(file)
	}

	if file != "" {
		nodes, edges, err := topology.ParseFile(file)
		if err != nil {
			return err
		}
		if err := st.topology.SaveTopology(ctx, nodes, edges); err != nil {
			return fmt.Errorf("seed topology: %w", err)
		}
		logger.Info("topology seeded from file", zap.String("file", file), zap.Int("nodes", len(nodes)))
	}
	nodes, edges, err := st.topology.LoadTopology(ctx)
	if err != nil {
		return err
	}
	if err := topo.Load(nodes, edges); err != nil {
		return err
	}
	topo.WithPersister(st.topology)
	return nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/xela07ax/iiot-sentinel/internal/console/service"
	"github.com/xela07ax/iiot-sentinel/internal/domain"
	"github.com/xela07ax/iiot-sentinel/internal/engine"
	"github.com/xela07ax/iiot-sentinel/internal/infra"
	"github.com/xela07ax/iiot-sentinel/internal/infra/reliability"
	"github.com/xela07ax/iiot-sentinel/internal/repository/postgres"
	"github.com/xela07ax/iiot-sentinel/internal/topology"
	"go.uber.org/zap"
)

const commandTimeout = 30 * time.Second

// env: общее окружение команды: конфиг, логгер и (по требованию) база.
type env struct {
	cfg    *infra.Config
	logger *zap.Logger
	pool   *pgxpool.Pool
	db     *postgres.DB
}

func setup(ctx context.Context, configPath string, needDB bool) (*env, error) {
	cfg, err := infra.LoadConfigFrom(configPath)
	if err != nil {
		return nil, err
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		return nil, err
	}
	e := &env{cfg: cfg, logger: logger}
	if !needDB {
		return e, nil
	}
	if cfg.Database.URL == "" {
		return nil, errors.New("database.url is not configured")
	}
	e.pool, err = postgres.Connect(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	e.db = postgres.NewDB(e.pool, reliability.NewGuard("postgres", cfg.Reliability, nil, logger), logger)
	return e, nil
}

func (e *env) Close() {
	if e.pool != nil {
		e.pool.Close()
	}
	_ = e.logger.Sync()
}

func newMigrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()
			e, err := setup(ctx, *configPath, true)
			if err != nil {
				return err
			}
			defer e.Close()
			if err := postgres.Migrate(ctx, e.pool); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
			return nil
		},
	}
}

func newCreateAdminCmd(configPath *string) *cobra.Command {
	var req domain.SignupRequest
	cmd := &cobra.Command{
		Use:   "create-admin",
		Short: "Create an approved administrator account",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if req.Password == "" {
				req.Password = os.Getenv("SENTINEL_ADMIN_PASSWORD")
			}
			req.ConfirmPassword = req.Password

			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()
			e, err := setup(ctx, *configPath, true)
			if err != nil {
				return err
			}
			defer e.Close()

			svc, err := service.NewAuthService(postgres.NewUserRepo(e.db), nil, service.NewMailer(e.cfg.Mail, e.logger),
				e.cfg.Auth, e.cfg.Server.FrontendURL, e.logger)
			if err != nil {
				return err
			}
			u, err := svc.CreateAdmin(ctx, req)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "admin %s created (id=%d)\n", u.Email, u.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&req.Name, "name", "", "full name")
	cmd.Flags().StringVar(&req.EmployeeID, "employee-id", "", "employee id")
	cmd.Flags().StringVar(&req.Email, "email", "", "login email")
	cmd.Flags().StringVar(&req.Password, "password", "", "password (or SENTINEL_ADMIN_PASSWORD)")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func newSeedTopologyCmd(configPath *string) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "seed-topology",
		Short: "Upsert nodes and replace edges from a topology YAML file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()
			e, err := setup(ctx, *configPath, true)
			if err != nil {
				return err
			}
			defer e.Close()

			if file == "" {
				file = e.cfg.Topology.File
			}
			nodes, edges, err := topology.ParseFile(file)
			if err != nil {
				return err
			}
			// Граф проверяется до записи: дубликаты и висячие связи не попадают в базу
			if err := topology.NewStore(e.logger).Load(nodes, edges); err != nil {
				return err
			}
			if err := postgres.NewTopologyRepo(e.db).SaveTopology(ctx, nodes, edges); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "topology saved: %d nodes, %d edges\n", len(nodes), len(edges))
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "topology YAML (default: topology.file from config)")
	return cmd
}

func newPublishModelCmd(configPath *string) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "publish-model",
		Short: "Publish a model snapshot to all running instances via Redis",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()
			e, err := setup(ctx, *configPath, false)
			if err != nil {
				return err
			}
			defer e.Close()

			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("read model file: %w", err)
			}
			rdb := redis.NewClient(&redis.Options{Addr: e.cfg.Redis.Addr, Password: e.cfg.Redis.Password, DB: e.cfg.Redis.DB})
			defer rdb.Close()

			m, err := engine.PublishModel(ctx, rdb, data)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "model %s published\n", m.Version)
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "model snapshot JSON")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/xela07ax/iiot-sentinel/internal/domain"
)

// TopologyRepo: персистентный граф узлов и связей. Статусы узлов переживают рестарт.
type TopologyRepo struct {
	*DB
}

func NewTopologyRepo(db *DB) *TopologyRepo {
	return &TopologyRepo{DB: db}
}

// SaveTopology заменяет набор связей и обновляет атрибуты узлов. Статус существующих узлов не трогаем.
func (r *TopologyRepo) SaveTopology(ctx context.Context, nodes []domain.Node, edges []domain.Edge) error {
	return r.run(ctx, func(ctx context.Context) error {
		return r.inTx(ctx, func(tx pgx.Tx) error {
			batch := &pgx.Batch{}
			for _, n := range nodes {
				var envMin, envMax *float64
				if n.Envelope != nil {
					envMin, envMax = &n.Envelope.Min, &n.Envelope.Max
				}
				status := n.Status
				if status == "" {
					status = domain.NodeOnline
				}
				batch.Queue(`
					INSERT INTO nodes (id, type, name, label, pos_x, pos_y, status, envelope_min, envelope_max, expected_interval_ms)
					VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
					ON CONFLICT (id) DO UPDATE SET
						type = EXCLUDED.type,
						name = EXCLUDED.name,
						label = EXCLUDED.label,
						pos_x = EXCLUDED.pos_x,
						pos_y = EXCLUDED.pos_y,
						envelope_min = EXCLUDED.envelope_min,
						envelope_max = EXCLUDED.envelope_max,
						expected_interval_ms = EXCLUDED.expected_interval_ms,
						updated_at = NOW()`,
					n.ID, string(n.Type), n.Name, n.Label, n.Position.X, n.Position.Y, string(status),
					envMin, envMax, n.ExpectedInterval.Milliseconds(),
				)
			}
			if err := tx.SendBatch(ctx, batch).Close(); err != nil {
				return fmt.Errorf("upsert nodes: %w", err)
			}

			if _, err := tx.Exec(ctx, `DELETE FROM edges`); err != nil {
				return fmt.Errorf("clear edges: %w", err)
			}
			if len(edges) == 0 {
				return nil
			}
			rows := make([][]any, len(edges))
			for i, e := range edges {
				rows[i] = []any{e.Source, e.Target}
			}
			n, err := tx.CopyFrom(ctx, pgx.Identifier{"edges"}, []string{"source", "target"}, pgx.CopyFromRows(rows))
			if err != nil {
				return fmt.Errorf("failed to copy edges: %w", err)
			}
			if int(n) != len(edges) {
				return fmt.Errorf("mismatch in copied edges count: expected %d, got %d", len(edges), n)
			}
			return nil
		})
	})
}

// LoadTopology читает граф целиком. Пустая БД возвращает пустые срезы.
func (r *TopologyRepo) LoadTopology(ctx context.Context) ([]domain.Node, []domain.Edge, error) {
	var (
		nodes []domain.Node
		edges []domain.Edge
	)
	err := r.run(ctx, func(ctx context.Context) error {
		rows, err := r.pool.Query(ctx, `
			SELECT id, type, name, label, pos_x, pos_y, status, envelope_min, envelope_max, expected_interval_ms
			FROM nodes ORDER BY id`)
		if err != nil {
			return fmt.Errorf("load nodes: %w", err)
		}
		nodes, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Node, error) {
			var (
				n              domain.Node
				envMin, envMax *float64
				intervalMS     int64
			)
			if err := row.Scan(&n.ID, &n.Type, &n.Name, &n.Label, &n.Position.X, &n.Position.Y, &n.Status,
				&envMin, &envMax, &intervalMS); err != nil {
				return n, err
			}
			if envMin != nil && envMax != nil {
				n.Envelope = &domain.Envelope{Min: *envMin, Max: *envMax}
			}
			n.ExpectedInterval = time.Duration(intervalMS) * time.Millisecond
			return n, nil
		})
		if err != nil {
			return fmt.Errorf("scan nodes: %w", err)
		}

		rows, err = r.pool.Query(ctx, `SELECT source, target FROM edges ORDER BY source, target`)
		if err != nil {
			return fmt.Errorf("load edges: %w", err)
		}
		edges, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Edge, error) {
			var e domain.Edge
			err := row.Scan(&e.Source, &e.Target)
			return e, err
		})
		if err != nil {
			return fmt.Errorf("scan edges: %w", err)
		}
		return nil
	})
	return nodes, edges, err
}

// UpdateNodeStatus сохраняет статус узла (реализует topology.Persister).
func (r *TopologyRepo) UpdateNodeStatus(ctx context.Context, nodeID string, status domain.NodeStatus) error {
	return r.run(ctx, func(ctx context.Context) error {
		tag, err := r.pool.Exec(ctx, `UPDATE nodes SET status = $2, updated_at = NOW() WHERE id = $1`, nodeID, string(status))
		if err != nil {
			return fmt.Errorf("update node status: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return domain.ErrUnknownNode.WithMessage("node %q is not persisted", nodeID)
		}
		return nil
	})
}

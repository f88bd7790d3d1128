package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/xela07ax/iiot-sentinel/internal/domain"
)

const anomalyColumns = `id, node_id, confidence, detected_at, is_resolved, severity, attack_type, degraded, resolved_at, resolved_by`

// AnomalyRepo: хранилище аномалий (реализует lifecycle.Store).
type AnomalyRepo struct {
	*DB
}

func NewAnomalyRepo(db *DB) *AnomalyRepo {
	return &AnomalyRepo{DB: db}
}

func scanAnomaly(row pgx.Row) (domain.Anomaly, error) {
	var a domain.Anomaly
	err := row.Scan(
		&a.ID, &a.NodeID, &a.Confidence, &a.DetectedAt, &a.IsResolved,
		&a.Severity, &a.AttackType, &a.Degraded, &a.ResolvedAt, &a.ResolvedBy,
	)
	return a, err
}

// CreateUnlessOpen: проверка «нет открытой аномалии в окне cooldown» и вставка в одной транзакции.
// Advisory-lock по node_id сериализует конкурирующие инстансы на одном узле.
func (r *AnomalyRepo) CreateUnlessOpen(ctx context.Context, a *domain.Anomaly, cooldown time.Duration) (bool, error) {
	var created bool
	err := r.run(ctx, func(ctx context.Context) error {
		created = false
		return r.inTx(ctx, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, a.NodeID); err != nil {
				return fmt.Errorf("lock node %s: %w", a.NodeID, err)
			}
			query := `
				INSERT INTO anomalies (node_id, confidence, detected_at, severity, attack_type, degraded)
				SELECT $1, $2, $3, $4, $5, $6
				WHERE NOT EXISTS (
					SELECT 1 FROM anomalies
					WHERE node_id = $1 AND is_resolved = FALSE
					  AND detected_at > $3::timestamptz - $7::bigint * INTERVAL '1 millisecond'
					  AND detected_at < $3::timestamptz + $7::bigint * INTERVAL '1 millisecond'
				)
				RETURNING id`
			var id int64
			err := tx.QueryRow(ctx, query,
				a.NodeID, a.Confidence, a.DetectedAt.UTC(), string(a.Severity), string(a.AttackType), a.Degraded,
				cooldown.Milliseconds(),
			).Scan(&id)
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("insert anomaly: %w", err)
			}
			a.ID = id
			created = true
			return nil
		})
	})
	return created, err
}

func (r *AnomalyRepo) Get(ctx context.Context, id int64) (*domain.Anomaly, error) {
	var out domain.Anomaly
	err := r.run(ctx, func(ctx context.Context) error {
		a, err := scanAnomaly(r.pool.QueryRow(ctx, `SELECT `+anomalyColumns+` FROM anomalies WHERE id = $1`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrAnomalyNotFound
		}
		if err != nil {
			return fmt.Errorf("get anomaly %d: %w", id, err)
		}
		out = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// LatestOpen: последняя открытая аномалия узла или nil.
func (r *AnomalyRepo) LatestOpen(ctx context.Context, nodeID string) (*domain.Anomaly, error) {
	var out *domain.Anomaly
	err := r.run(ctx, func(ctx context.Context) error {
		out = nil
		query := `SELECT ` + anomalyColumns + ` FROM anomalies
			WHERE node_id = $1 AND is_resolved = FALSE
			ORDER BY detected_at DESC, id DESC LIMIT 1`
		a, err := scanAnomaly(r.pool.QueryRow(ctx, query, nodeID))
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("latest open anomaly for %s: %w", nodeID, err)
		}
		out = &a
		return nil
	})
	return out, err
}

// MarkResolved: атомарный переход open→resolved. Повторный вызов возвращает текущую запись с changed=false.
func (r *AnomalyRepo) MarkResolved(ctx context.Context, id int64, actor string, at time.Time) (*domain.Anomaly, bool, error) {
	var (
		out     domain.Anomaly
		changed bool
	)
	var by *string
	if actor != "" {
		by = &actor
	}
	err := r.run(ctx, func(ctx context.Context) error {
		query := `
			UPDATE anomalies SET is_resolved = TRUE, resolved_at = $2, resolved_by = $3
			WHERE id = $1 AND is_resolved = FALSE
			RETURNING ` + anomalyColumns
		a, err := scanAnomaly(r.pool.QueryRow(ctx, query, id, at.UTC(), by))
		if err == nil {
			out, changed = a, true
			return nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("resolve anomaly %d: %w", id, err)
		}
		// Либо уже разрешена, либо не существует
		a, err = scanAnomaly(r.pool.QueryRow(ctx, `SELECT `+anomalyColumns+` FROM anomalies WHERE id = $1`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrAnomalyNotFound
		}
		if err != nil {
			return fmt.Errorf("get anomaly %d: %w", id, err)
		}
		out, changed = a, false
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return &out, changed, nil
}

func (r *AnomalyRepo) List(ctx context.Context, f domain.AnomalyFilter) ([]domain.Anomaly, error) {
	f = f.Normalize()

	var (
		conds []string
		args  []any
	)
	if f.Resolved != nil {
		args = append(args, *f.Resolved)
		conds = append(conds, fmt.Sprintf("is_resolved = $%d", len(args)))
	}
	if f.NodeID != "" {
		args = append(args, f.NodeID)
		conds = append(conds, fmt.Sprintf("node_id = $%d", len(args)))
	}
	query := `SELECT ` + anomalyColumns + ` FROM anomalies`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	args = append(args, f.Limit)
	query += fmt.Sprintf(` ORDER BY detected_at DESC, id DESC LIMIT $%d`, len(args))

	var out []domain.Anomaly
	err := r.run(ctx, func(ctx context.Context) error {
		rows, err := r.pool.Query(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("list anomalies: %w", err)
		}
		out, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Anomaly, error) {
			return scanAnomaly(row)
		})
		if err != nil {
			return fmt.Errorf("scan anomalies: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []domain.Anomaly{}
	}
	return out, nil
}

// Summary: счётчики для первичного заполнения агрегатора аналитики.
func (r *AnomalyRepo) Summary(ctx context.Context, dayStart time.Time) (domain.AnalyticsSnapshot, error) {
	out := domain.AnalyticsSnapshot{DayStart: dayStart}
	err := r.run(ctx, func(ctx context.Context) error {
		out.AttackTypes = make(map[domain.AttackType]int64)
		out.Severities = make(map[domain.Severity]int64)

		countQuery := `
			SELECT COUNT(*),
			       COUNT(*) FILTER (WHERE detected_at >= $1 AND detected_at < $2),
			       COUNT(*) FILTER (WHERE is_resolved = FALSE)
			FROM anomalies`
		err := r.pool.QueryRow(ctx, countQuery, dayStart.UTC(), dayStart.AddDate(0, 0, 1).UTC()).
			Scan(&out.TotalAnomalies, &out.AnomaliesToday, &out.OpenAnomalies)
		if err != nil {
			return fmt.Errorf("count anomalies: %w", err)
		}

		dimQuery := `
			SELECT 'attack_type', attack_type, COUNT(*) FROM anomalies GROUP BY attack_type
			UNION ALL
			SELECT 'severity', severity, COUNT(*) FROM anomalies GROUP BY severity`
		rows, err := r.pool.Query(ctx, dimQuery)
		if err != nil {
			return fmt.Errorf("group anomalies: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var (
				dim, key string
				n        int64
			)
			if err := rows.Scan(&dim, &key, &n); err != nil {
				return fmt.Errorf("scan anomaly group: %w", err)
			}
			if dim == "attack_type" {
				out.AttackTypes[domain.AttackType(key)] = n
			} else {
				out.Severities[domain.Severity(key)] = n
			}
		}
		return rows.Err()
	})
	out.GeneratedAt = time.Now().UTC()
	return out, err
}

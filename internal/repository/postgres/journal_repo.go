package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/xela07ax/iiot-sentinel/internal/domain"
)

var journalColumns = []string{"id", "type", "anomaly_id", "node_id", "actor", "payload", "occurred_at"}

// JournalRepo: приёмник журнала событий аномалий (реализует audit.Storage).
type JournalRepo struct {
	*DB
}

func NewJournalRepo(db *DB) *JournalRepo {
	return &JournalRepo{DB: db}
}

// WriteBatch пишет пачку событий одним COPY.
func (r *JournalRepo) WriteBatch(ctx context.Context, events []domain.AnomalyEvent) error {
	if len(events) == 0 {
		return nil
	}
	rows := make([][]any, len(events))
	for i, e := range events {
		payload, err := json.Marshal(e.Anomaly)
		if err != nil {
			return fmt.Errorf("marshal event %s: %w", e.ID, err)
		}
		rows[i] = []any{
			e.ID, string(e.Type), e.Anomaly.ID, e.Anomaly.NodeID, e.Actor,
			json.RawMessage(payload), e.OccurredAt.UTC(),
		}
	}
	return r.run(ctx, func(ctx context.Context) error {
		n, err := r.pool.CopyFrom(ctx, pgx.Identifier{"anomaly_events"}, journalColumns, pgx.CopyFromRows(rows))
		if err != nil {
			return fmt.Errorf("failed to copy anomaly events: %w", err)
		}
		if int(n) != len(events) {
			return fmt.Errorf("mismatch in copied events count: expected %d, got %d", len(events), n)
		}
		return nil
	})
}

package postgres

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/iiot-sentinel/internal/domain"
	"github.com/xela07ax/iiot-sentinel/internal/infra"
	"github.com/xela07ax/iiot-sentinel/internal/infra/reliability"
	"go.uber.org/zap"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

var anomalyCols = []string{"id", "node_id", "confidence", "detected_at", "is_resolved", "severity", "attack_type", "degraded", "resolved_at", "resolved_by"}

func q(sql string) string { return regexp.QuoteMeta(sql) }

func newMock(t *testing.T) (pgxmock.PgxPoolIface, *DB) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock, NewDB(mock, nil, zap.NewNop())
}

func TestMigrate(t *testing.T) {
	mock, _ := newMock(t)
	mock.ExpectExec(q("CREATE TABLE IF NOT EXISTS users")).WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, Migrate(context.Background(), mock))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAnomalyRepo_CreateUnlessOpen(t *testing.T) {
	ctx := context.Background()

	t.Run("inserts when no open anomaly in cooldown", func(t *testing.T) {
		mock, db := newMock(t)
		repo := NewAnomalyRepo(db)

		mock.ExpectBegin()
		mock.ExpectExec(q("SELECT pg_advisory_xact_lock(hashtext($1))")).
			WithArgs("A").
			WillReturnResult(pgxmock.NewResult("SELECT", 1))
		mock.ExpectQuery(q("INSERT INTO anomalies")).
			WithArgs("A", 0.9, t0, "high", string(domain.AttackFDI), false, int64(300000)).
			WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(7)))
		mock.ExpectCommit()
		mock.ExpectRollback().WillReturnError(pgx.ErrTxClosed)

		a := &domain.Anomaly{NodeID: "A", Confidence: 0.9, DetectedAt: t0, Severity: domain.SeverityHigh, AttackType: domain.AttackFDI}
		created, err := repo.CreateUnlessOpen(ctx, a, 5*time.Minute)
		require.NoError(t, err)
		assert.True(t, created)
		assert.EqualValues(t, 7, a.ID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("suppressed when open anomaly exists", func(t *testing.T) {
		mock, db := newMock(t)
		repo := NewAnomalyRepo(db)

		mock.ExpectBegin()
		mock.ExpectExec(q("pg_advisory_xact_lock")).WithArgs("A").WillReturnResult(pgxmock.NewResult("SELECT", 1))
		mock.ExpectQuery(q("INSERT INTO anomalies")).
			WithArgs("A", 0.8, t0, "high", string(domain.AttackFDI), false, int64(300000)).
			WillReturnRows(pgxmock.NewRows([]string{"id"}))
		mock.ExpectCommit()
		mock.ExpectRollback().WillReturnError(pgx.ErrTxClosed)

		a := &domain.Anomaly{NodeID: "A", Confidence: 0.8, DetectedAt: t0, Severity: domain.SeverityHigh, AttackType: domain.AttackFDI}
		created, err := repo.CreateUnlessOpen(ctx, a, 5*time.Minute)
		require.NoError(t, err)
		assert.False(t, created)
		assert.Zero(t, a.ID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestAnomalyRepo_MarkResolved(t *testing.T) {
	ctx := context.Background()
	resolvedAt := t0.Add(time.Hour)
	actor := "alice"

	t.Run("transition", func(t *testing.T) {
		mock, db := newMock(t)
		repo := NewAnomalyRepo(db)
		mock.ExpectQuery(q("UPDATE anomalies SET is_resolved = TRUE")).
			WithArgs(int64(3), resolvedAt, &actor).
			WillReturnRows(pgxmock.NewRows(anomalyCols).
				AddRow(int64(3), "A", 0.9, t0, true, domain.SeverityHigh, domain.AttackFDI, false, &resolvedAt, &actor))

		a, changed, err := repo.MarkResolved(ctx, 3, actor, resolvedAt)
		require.NoError(t, err)
		assert.True(t, changed)
		assert.True(t, a.IsResolved)
		require.NotNil(t, a.ResolvedBy)
		assert.Equal(t, "alice", *a.ResolvedBy)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("already resolved", func(t *testing.T) {
		mock, db := newMock(t)
		repo := NewAnomalyRepo(db)
		mock.ExpectQuery(q("UPDATE anomalies SET is_resolved = TRUE")).
			WithArgs(int64(3), resolvedAt, &actor).
			WillReturnRows(pgxmock.NewRows(anomalyCols))
		mock.ExpectQuery(q("FROM anomalies WHERE id = $1")).
			WithArgs(int64(3)).
			WillReturnRows(pgxmock.NewRows(anomalyCols).
				AddRow(int64(3), "A", 0.9, t0, true, domain.SeverityHigh, domain.AttackFDI, false, &t0, &actor))

		a, changed, err := repo.MarkResolved(ctx, 3, actor, resolvedAt)
		require.NoError(t, err)
		assert.False(t, changed)
		assert.True(t, a.IsResolved)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("not found", func(t *testing.T) {
		mock, db := newMock(t)
		repo := NewAnomalyRepo(db)
		mock.ExpectQuery(q("UPDATE anomalies")).WithArgs(int64(9), resolvedAt, &actor).WillReturnRows(pgxmock.NewRows(anomalyCols))
		mock.ExpectQuery(q("FROM anomalies WHERE id = $1")).WithArgs(int64(9)).WillReturnRows(pgxmock.NewRows(anomalyCols))

		_, _, err := repo.MarkResolved(ctx, 9, actor, resolvedAt)
		assert.ErrorIs(t, err, domain.ErrAnomalyNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestAnomalyRepo_ListBuildsFilter(t *testing.T) {
	mock, db := newMock(t)
	repo := NewAnomalyRepo(db)

	open := false
	mock.ExpectQuery(q("WHERE is_resolved = $1 AND node_id = $2 ORDER BY detected_at DESC, id DESC LIMIT $3")).
		WithArgs(false, "A", 50).
		WillReturnRows(pgxmock.NewRows(anomalyCols).
			AddRow(int64(2), "A", 0.95, t0.Add(time.Minute), false, domain.SeverityCritical, domain.AttackDoS, false, nil, nil).
			AddRow(int64(1), "A", 0.75, t0, false, domain.SeverityHigh, domain.AttackUnknown, true, nil, nil))

	list, err := repo.List(context.Background(), domain.AnomalyFilter{Resolved: &open, NodeID: "A"})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.EqualValues(t, 2, list[0].ID)
	assert.Nil(t, list[0].ResolvedAt)
	assert.True(t, list[1].Degraded)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAnomalyRepo_Summary(t *testing.T) {
	mock, db := newMock(t)
	repo := NewAnomalyRepo(db)

	mock.ExpectQuery(q("COUNT(*) FILTER (WHERE detected_at >= $1 AND detected_at < $2)")).
		WithArgs(t0, t0.AddDate(0, 0, 1)).
		WillReturnRows(pgxmock.NewRows([]string{"total", "today", "open"}).AddRow(int64(5), int64(2), int64(1)))
	mock.ExpectQuery(q("UNION ALL")).
		WillReturnRows(pgxmock.NewRows([]string{"dim", "key", "n"}).
			AddRow("attack_type", "FDI Attack", int64(3)).
			AddRow("attack_type", "DoS", int64(2)).
			AddRow("severity", "high", int64(5)))

	s, err := repo.Summary(context.Background(), t0)
	require.NoError(t, err)
	assert.EqualValues(t, 5, s.TotalAnomalies)
	assert.EqualValues(t, 2, s.AnomaliesToday)
	assert.EqualValues(t, 1, s.OpenAnomalies)
	assert.EqualValues(t, 3, s.AttackTypes[domain.AttackFDI])
	assert.EqualValues(t, 5, s.Severities[domain.SeverityHigh])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAnomalyRepo_GuardRetriesTransient(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	guard := reliability.NewGuard("postgres", infra.ReliabilityConfig{Attempts: 3, CBFailures: 10},
		nil, zap.NewNop(), reliability.WithDelays(time.Millisecond, 2*time.Millisecond))
	repo := NewAnomalyRepo(NewDB(mock, guard, zap.NewNop()))

	mock.ExpectQuery(q("FROM anomalies WHERE id = $1")).WithArgs(int64(1)).
		WillReturnError(&pgconn.PgError{Code: "40001"})
	mock.ExpectQuery(q("FROM anomalies WHERE id = $1")).WithArgs(int64(1)).
		WillReturnRows(pgxmock.NewRows(anomalyCols).
			AddRow(int64(1), "A", 0.9, t0, false, domain.SeverityHigh, domain.AttackFDI, false, nil, nil))

	a, err := repo.Get(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "A", a.NodeID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepo_CreateUserDuplicate(t *testing.T) {
	mock, db := newMock(t)
	repo := NewUserRepo(db)

	insertArgs := func() []any {
		args := make([]any, 10)
		for i := range args {
			args[i] = pgxmock.AnyArg()
		}
		return args
	}
	mock.ExpectQuery(q("INSERT INTO users")).WithArgs(insertArgs()...).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "users_employee_id_key"})
	mock.ExpectQuery(q("INSERT INTO users")).WithArgs(insertArgs()...).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "users_email_key"})

	u := &domain.User{
		Name: "Ivan", EmployeeID: "E-1", Email: "ivan@plant.io", Role: domain.RoleUser, Status: domain.StatusPending,
	}
	assert.ErrorIs(t, repo.CreateUser(context.Background(), u), domain.ErrDuplicateEmployeeID)
	assert.ErrorIs(t, repo.CreateUser(context.Background(), u), domain.ErrDuplicateEmail)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepo_DecideUserAlreadyDecided(t *testing.T) {
	mock, db := newMock(t)
	repo := NewUserRepo(db)

	userCols := []string{"id", "name", "employee_id", "email", "password_hash", "role", "status", "is_active", "email_verified",
		"rejection_reason", "verification_token", "verification_expires", "created_at", "updated_at"}
	mock.ExpectQuery(q("WHERE id = $1 AND status = 'pending'")).
		WithArgs(int64(4), "approved", true, (*string)(nil), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows(userCols))
	mock.ExpectQuery(q("SELECT TRUE FROM users WHERE id = $1")).
		WithArgs(int64(4)).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	_, err := repo.DecideUser(context.Background(), domain.Decision{UserID: 4, Approved: true, DecidedBy: 1})
	assert.ErrorIs(t, err, domain.ErrAlreadyDecided)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepo_ConsumeExpiredToken(t *testing.T) {
	mock, db := newMock(t)
	repo := NewUserRepo(db)

	mock.ExpectQuery(q("UPDATE users SET email_verified = TRUE")).
		WithArgs("tok", t0).
		WillReturnRows(pgxmock.NewRows([]string{"id"}))
	mock.ExpectQuery(q("SELECT TRUE FROM users WHERE verification_token = $1")).
		WithArgs("tok").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	_, err := repo.ConsumeVerificationToken(context.Background(), "tok", t0)
	assert.ErrorIs(t, err, domain.ErrVerificationTokenExpired)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTopologyRepo_UpdateNodeStatusUnknown(t *testing.T) {
	mock, db := newMock(t)
	repo := NewTopologyRepo(db)

	mock.ExpectExec(q("UPDATE nodes SET status = $2")).
		WithArgs("ghost", "alert").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := repo.UpdateNodeStatus(context.Background(), "ghost", domain.NodeAlert)
	assert.ErrorIs(t, err, domain.ErrUnknownNode)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTopologyRepo_SaveTopology(t *testing.T) {
	mock, db := newMock(t)
	repo := NewTopologyRepo(db)

	mock.ExpectBegin()
	batch := mock.ExpectBatch()
	batch.ExpectExec(q("INSERT INTO nodes")).
		WithArgs("A", "sensor", "Temp", "", 0.0, 0.0, "online", (*float64)(nil), (*float64)(nil), int64(5000)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	batch.ExpectExec(q("INSERT INTO nodes")).
		WithArgs("B", "plc", "PLC", "", 1.0, 2.0, "online", (*float64)(nil), (*float64)(nil), int64(0)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(q("DELETE FROM edges")).WillReturnResult(pgxmock.NewResult("DELETE", 3))
	mock.ExpectCopyFrom(pgx.Identifier{"edges"}, []string{"source", "target"}).WillReturnResult(1)
	mock.ExpectCommit()
	mock.ExpectRollback().WillReturnError(pgx.ErrTxClosed)

	err := repo.SaveTopology(context.Background(),
		[]domain.Node{
			{ID: "A", Type: domain.NodeSensor, Name: "Temp", ExpectedInterval: 5 * time.Second},
			{ID: "B", Type: domain.NodePLC, Name: "PLC", Position: domain.Position{X: 1, Y: 2}},
		},
		[]domain.Edge{{Source: "A", Target: "B"}},
	)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestJournalRepo_WriteBatch(t *testing.T) {
	mock, db := newMock(t)
	repo := NewJournalRepo(db)

	mock.ExpectCopyFrom(pgx.Identifier{"anomaly_events"}, journalColumns).WillReturnResult(2)

	err := repo.WriteBatch(context.Background(), []domain.AnomalyEvent{
		{ID: "e1", Type: domain.AnomalyCreated, Anomaly: domain.Anomaly{ID: 1, NodeID: "A"}, OccurredAt: t0},
		{ID: "e2", Type: domain.AnomalyResolved, Anomaly: domain.Anomaly{ID: 1, NodeID: "A"}, Actor: "alice", OccurredAt: t0},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

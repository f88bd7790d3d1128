package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/iiot-sentinel/internal/domain"
	"github.com/xela07ax/iiot-sentinel/internal/infra"
	"github.com/xela07ax/iiot-sentinel/internal/topology"
	"go.uber.org/zap"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTopo(t *testing.T) *topology.Store {
	t.Helper()
	s := topology.NewStore(zap.NewNop())
	require.NoError(t, s.Load([]domain.Node{
		{ID: "s1", Type: domain.NodeSensor, Envelope: &domain.Envelope{Min: 0, Max: 100}, ExpectedInterval: time.Second},
		{ID: "s2", Type: domain.NodeSensor},
	}, []domain.Edge{{Source: "s1", Target: "s2"}}))
	return s
}

func newIngestor(t *testing.T, capacity int) *Ingestor {
	t.Helper()
	return New(newTopo(t), infra.IngestConfig{
		WindowSize: capacity,
		Timeout:    50 * time.Millisecond,
		QueueSize:  128,
	}, nil, zap.NewNop())
}

func reading(node string, v float64, ts time.Time) domain.TelemetryReading {
	return domain.TelemetryReading{NodeID: node, Value: &v, Timestamp: ts}
}

func TestIngest_UnknownNode(t *testing.T) {
	ing := newIngestor(t, 4)
	_, err := ing.Ingest(context.Background(), reading("ghost", 1, t0))
	assert.ErrorIs(t, err, domain.ErrUnknownNode)
}

func TestIngest_InvalidValue(t *testing.T) {
	ing := newIngestor(t, 4)
	_, err := ing.Ingest(context.Background(), domain.TelemetryReading{NodeID: "s1", Timestamp: t0})
	assert.ErrorIs(t, err, domain.ErrInvalidReading)
}

func TestIngest_DuplicateAndStale(t *testing.T) {
	ing := newIngestor(t, 3)
	ctx := context.Background()
	for k := 0; k < 3; k++ {
		_, err := ing.Ingest(ctx, reading("s1", float64(k), t0.Add(time.Duration(k)*time.Second)))
		require.NoError(t, err)
	}

	_, err := ing.Ingest(ctx, reading("s1", 9, t0.Add(time.Second)))
	assert.ErrorIs(t, err, domain.ErrDuplicateReading)

	// Окно полно, пол = t0; всё, что раньше, устаревшее
	_, err = ing.Ingest(ctx, reading("s1", 9, t0.Add(-time.Second)))
	assert.ErrorIs(t, err, domain.ErrStaleReading)

	// Внутри окна, но не по порядку, принимается и сортируется
	s, err := ing.Ingest(ctx, reading("s1", 5, t0.Add(1500*time.Millisecond)))
	require.NoError(t, err)
	assert.Equal(t, 5.0, s.Value)
	assert.Equal(t, 3, ing.WindowLen("s1"))
}

func TestIngest_EmitsWhenWindowFull(t *testing.T) {
	ing := newIngestor(t, 3)
	ctx := context.Background()
	for k := 0; k < 3; k++ {
		_, err := ing.Ingest(ctx, reading("s1", float64(10+k), t0.Add(time.Duration(k)*time.Second)))
		require.NoError(t, err)
	}

	select {
	case vec := <-ing.Vectors():
		assert.Equal(t, "s1", vec.NodeID)
		assert.Equal(t, TriggerWindowFull, vec.Trigger)
		assert.Len(t, vec.Samples, 3)
		assert.InDelta(t, 1.0, vec.Features.Slope, 1e-9)
		assert.Equal(t, t0.Add(2*time.Second), vec.Timestamp)
	default:
		t.Fatal("expected a feature vector")
	}
}

func TestIngest_FlushEmitsOnlyPending(t *testing.T) {
	ing := newIngestor(t, 10)
	ctx := context.Background()
	_, err := ing.Ingest(ctx, reading("s1", 1, t0))
	require.NoError(t, err)

	assert.Equal(t, 1, ing.Flush(ctx))
	vec := <-ing.Vectors()
	assert.Equal(t, TriggerTick, vec.Trigger)

	// Новых отсчётов нет, тик ничего не шлёт
	assert.Equal(t, 0, ing.Flush(ctx))
}

func TestIngest_EmitDropsWhenQueueSaturated(t *testing.T) {
	ing := New(newTopo(t), infra.IngestConfig{WindowSize: 2, Timeout: 10 * time.Millisecond, QueueSize: 1}, nil, zap.NewNop())
	ctx := context.Background()
	for k := 0; k < 6; k++ {
		_, err := ing.Ingest(ctx, reading("s1", float64(k), t0.Add(time.Duration(k)*time.Second)))
		require.NoError(t, err)
	}
	assert.Len(t, ing.Vectors(), 1)
}

func TestIngest_CloseIsSafeWithLateProducers(t *testing.T) {
	ing := newIngestor(t, 2)
	ing.Close()
	ing.Close()
	ctx := context.Background()
	_, err := ing.Ingest(ctx, reading("s1", 1, t0))
	require.NoError(t, err)
	_, err = ing.Ingest(ctx, reading("s1", 2, t0.Add(time.Second)))
	require.NoError(t, err)
}

func TestSnapshot(t *testing.T) {
	ing := newIngestor(t, 8)
	_, err := ing.Snapshot("ghost")
	assert.ErrorIs(t, err, domain.ErrUnknownNode)

	_, err = ing.Snapshot("s2")
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))

	_, err = ing.Ingest(context.Background(), reading("s2", 3, t0))
	require.NoError(t, err)
	vec, err := ing.Snapshot("s2")
	require.NoError(t, err)
	assert.Equal(t, TriggerSync, vec.Trigger)
	assert.Equal(t, 1, vec.Features.Count)
}

// Память окна ограничена при любой последовательности отметок времени.
func TestIngest_WindowNeverExceedsCapacity(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("window <= capacity", prop.ForAll(
		func(capacity int, offsets []int) bool {
			ing := New(newTopo(t), infra.IngestConfig{WindowSize: capacity, Timeout: time.Millisecond, QueueSize: 1024}, nil, zap.NewNop())
			for k, off := range offsets {
				_, _ = ing.Ingest(context.Background(), reading("s1", float64(k), t0.Add(time.Duration(off)*time.Second)))
				if ing.WindowLen("s1") > capacity {
					return false
				}
			}
			return true
		},
		gen.IntRange(2, 16),
		gen.SliceOf(gen.IntRange(-50, 500)),
	))

	properties.TestingRun(t)
}

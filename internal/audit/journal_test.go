package audit

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/xela07ax/iiot-sentinel/internal/domain"
	"github.com/xela07ax/iiot-sentinel/internal/infra"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type memStorage struct {
	mu      sync.Mutex
	batches [][]domain.AnomalyEvent
}

func (m *memStorage) WriteBatch(_ context.Context, events []domain.AnomalyEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches = append(m.batches, append([]domain.AnomalyEvent(nil), events...))
	return nil
}

func (m *memStorage) total() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, b := range m.batches {
		n += len(b)
	}
	return n
}

func TestJournal_StopFlushesEverything(t *testing.T) {
	store := &memStorage{}
	j := NewJournal(store, infra.LifecycleConfig{JournalFlush: time.Hour}, nil, zap.NewNop())
	j.Start()

	for i := 0; i < 250; i++ {
		j.Publish(domain.AnomalyEvent{ID: fmt.Sprint(i), Type: domain.AnomalyCreated})
	}
	j.Stop()

	assert.Equal(t, 250, store.total())
	// 100 + 100 по лимиту, 50 финальным сбросом
	assert.Len(t, store.batches, 3)
}

func TestJournal_FlushesOnTicker(t *testing.T) {
	store := &memStorage{}
	j := NewJournal(store, infra.LifecycleConfig{JournalFlush: 10 * time.Millisecond}, nil, zap.NewNop())
	j.Start()
	defer j.Stop()

	j.Publish(domain.AnomalyEvent{ID: "one"})
	assert.Eventually(t, func() bool { return store.total() == 1 }, time.Second, 5*time.Millisecond)
}

func TestJournal_PublishAfterStopIsDropped(t *testing.T) {
	store := &memStorage{}
	j := NewJournal(store, infra.LifecycleConfig{}, nil, zap.NewNop())
	j.Start()
	j.Stop()
	j.Stop()

	j.Publish(domain.AnomalyEvent{ID: "late"})
	assert.Zero(t, store.total())
}

func TestJournal_OverflowSheds(t *testing.T) {
	store := &memStorage{}
	j := NewJournal(store, infra.LifecycleConfig{JournalBufferSize: 2}, nil, zap.NewNop())
	// Воркер не запущен: буфер заполняется
	for i := 0; i < 5; i++ {
		j.Publish(domain.AnomalyEvent{ID: fmt.Sprint(i)})
	}
	assert.Len(t, j.ch, 2)
}

func TestLogStorage_WritesOneEntryPerEvent(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	s := NewLogStorage(zap.New(core))
	err := s.WriteBatch(context.Background(), []domain.AnomalyEvent{
		{ID: "e1", Type: domain.AnomalyCreated, Anomaly: domain.Anomaly{ID: 1, NodeID: "A"}},
		{ID: "e2", Type: domain.AnomalyResolved, Anomaly: domain.Anomaly{ID: 1, NodeID: "A"}, Actor: "ops@plant.io"},
	})
	assert.NoError(t, err)
	assert.Equal(t, 2, logs.FilterMessage("anomaly event").Len())
	assert.Equal(t, "ops@plant.io", logs.All()[1].ContextMap()["actor"])
}

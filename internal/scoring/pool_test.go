package scoring

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/iiot-sentinel/internal/domain"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type collector struct {
	mu  sync.Mutex
	got map[string][]time.Time
}

func (c *collector) handle(_ context.Context, res domain.ScoreResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got[res.NodeID] = append(c.got[res.NodeID], res.Timestamp)
	return nil
}

func TestPool_DrainsAndPreservesPerNodeOrder(t *testing.T) {
	e := NewEngine(fixed(0.2), nil, plant(t), cfg(), nil, zap.NewNop())
	c := &collector{got: map[string][]time.Time{}}
	pool := NewPool(e, c.handle, 4, zap.NewNop())

	in := make(chan domain.FeatureVector)
	done := make(chan error)
	go func() { done <- pool.Run(context.Background(), in) }()

	const nodes, perNode = 16, 25
	for k := 0; k < perNode; k++ {
		for n := 0; n < nodes; n++ {
			in <- domain.FeatureVector{NodeID: fmt.Sprintf("n%02d", n), Timestamp: t0.Add(time.Duration(k) * time.Second)}
		}
	}
	close(in)
	require.NoError(t, <-done)

	c.mu.Lock()
	defer c.mu.Unlock()
	require.Len(t, c.got, nodes)
	for node, ts := range c.got {
		require.Len(t, ts, perNode, node)
		for k := 1; k < len(ts); k++ {
			assert.True(t, ts[k].After(ts[k-1]), "results for %s out of order", node)
		}
	}
}

func TestPool_StopsOnCancel(t *testing.T) {
	e := NewEngine(fixed(0.2), nil, nil, cfg(), nil, zap.NewNop())
	pool := NewPool(e, nil, 2, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	in := make(chan domain.FeatureVector)
	done := make(chan error)
	go func() { done <- pool.Run(ctx, in) }()

	in <- domain.FeatureVector{NodeID: "A"}
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not stop after cancel")
	}
}

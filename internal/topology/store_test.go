package topology

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/iiot-sentinel/internal/domain"
	"go.uber.org/zap"
)

func plant() ([]domain.Node, []domain.Edge) {
	return []domain.Node{
			{ID: "A", Type: domain.NodeSensor, Name: "Temp A"},
			{ID: "B", Type: domain.NodePLC, Name: "PLC B"},
			{ID: "C", Type: domain.NodeHMI, Name: "HMI C"},
		}, []domain.Edge{
			{Source: "A", Target: "B"},
		}
}

func TestStore_NeighborsRoundTrip(t *testing.T) {
	s := NewStore(zap.NewNop())
	nodes, edges := plant()
	require.NoError(t, s.Load(nodes, edges))

	nA, err := s.Neighbors("A")
	require.NoError(t, err)
	assert.Equal(t, []string{"B"}, nA)

	nB, err := s.Neighbors("B")
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, nB)

	nC, err := s.Neighbors("C")
	require.NoError(t, err)
	assert.Empty(t, nC)
}

func TestStore_LoadRejectsDanglingEdge(t *testing.T) {
	s := NewStore(zap.NewNop())
	nodes, _ := plant()
	require.NoError(t, s.Load(nodes, nil))

	err := s.Load(nodes, []domain.Edge{{Source: "A", Target: "ghost"}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInvalidTopology))
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))

	// Прежний граф не тронут
	assert.Equal(t, 3, s.Size())
}

func TestStore_LoadRejectsDuplicateAndBadType(t *testing.T) {
	s := NewStore(zap.NewNop())
	err := s.Load([]domain.Node{{ID: "A", Type: domain.NodeSensor}, {ID: "A", Type: domain.NodeSensor}}, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidTopology)

	err = s.Load([]domain.Node{{ID: "A", Type: "robot"}}, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidTopology)
}

func TestStore_GetNodeUnknown(t *testing.T) {
	s := NewStore(zap.NewNop())
	_, err := s.GetNode("nope")
	assert.ErrorIs(t, err, domain.ErrUnknownNode)
	assert.Equal(t, domain.KindNotFound, domain.KindOf(err))
}

type countingPersister struct{ calls int }

func (c *countingPersister) UpdateNodeStatus(context.Context, string, domain.NodeStatus) error {
	c.calls++
	return nil
}

func TestStore_SetStatusIdempotent(t *testing.T) {
	p := &countingPersister{}
	s := NewStore(zap.NewNop()).WithPersister(p)
	nodes, edges := plant()
	require.NoError(t, s.Load(nodes, edges))

	var events []domain.NodeStatus
	s.OnStatusChange(func(_ string, st domain.NodeStatus) { events = append(events, st) })

	changed, err := s.SetStatus(context.Background(), "A", domain.NodeAlert)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = s.SetStatus(context.Background(), "A", domain.NodeAlert)
	require.NoError(t, err)
	assert.False(t, changed)

	n, _ := s.GetNode("A")
	assert.Equal(t, domain.NodeAlert, n.Status)
	assert.Equal(t, 1, p.calls)
	assert.Equal(t, []domain.NodeStatus{domain.NodeAlert}, events)

	_, err = s.SetStatus(context.Background(), "A", "broken")
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))
}

func TestParse_YAML(t *testing.T) {
	doc := []byte(`
nodes:
  - id: s1
    type: sensor
    name: Boiler temperature
    position: {x: 10, y: 20}
    envelope: {min: 20, max: 90}
    expected_interval: 5s
  - id: plc1
    type: plc
    name: Boiler PLC
edges:
  - {source: s1, target: plc1}
`)
	nodes, edges, err := Parse(doc)
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.Equal(t, 5*time.Second, nodes[0].ExpectedInterval)
	assert.Equal(t, 90.0, nodes[0].Envelope.Max)
	assert.Equal(t, []domain.Edge{{Source: "s1", Target: "plc1"}}, edges)

	s := NewStore(zap.NewNop())
	require.NoError(t, s.Load(nodes, edges))
	view := s.View()
	assert.Equal(t, "s1", view.Nodes[0].ID)
	assert.Equal(t, domain.NodeOnline, view.Nodes[0].Status)
}

func TestShippedTopologyFile(t *testing.T) {
	s := NewStore(zap.NewNop())
	require.NoError(t, s.LoadFile("../../configs/topology.yaml"))
	assert.Equal(t, 6, s.Size())

	n, err := s.GetNode("sensor-pressure-1")
	require.NoError(t, err)
	require.NotNil(t, n.Envelope)
	assert.Equal(t, 6.0, n.Envelope.Max)
	assert.Equal(t, time.Second, n.ExpectedInterval)
	assert.Equal(t, domain.NodeOnline, n.Status)

	nb, err := s.Neighbors("plc-1")
	require.NoError(t, err)
	assert.Len(t, nb, 5)
}

package topology

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/xela07ax/iiot-sentinel/internal/domain"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Persister: куда отражаются изменения статусов (Postgres или ничего).
type Persister interface {
	UpdateNodeStatus(ctx context.Context, nodeID string, status domain.NodeStatus) error
}

// StatusListener получает уведомление о фактической смене статуса узла.
type StatusListener func(nodeID string, status domain.NodeStatus)

// Store: граф узлов мониторинга. Read-mostly: после Load меняется только статус.
type Store struct {
	mu        sync.RWMutex
	nodes     map[string]*domain.Node
	order     []string
	adjacency map[string]map[string]struct{}
	edges     []domain.Edge

	persist   Persister
	listeners []StatusListener
	logger    *zap.Logger
}

func NewStore(logger *zap.Logger) *Store {
	return &Store{
		nodes:     make(map[string]*domain.Node),
		adjacency: make(map[string]map[string]struct{}),
		logger:    logger.Named("topology"),
	}
}

// WithPersister подключает хранилище статусов.
func (s *Store) WithPersister(p Persister) *Store {
	s.persist = p
	return s
}

// OnStatusChange регистрирует подписчика (вызывается вне блокировки).
func (s *Store) OnStatusChange(fn StatusListener) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// Load атомарно заменяет граф. Рёбра на несуществующие узлы, ErrInvalidTopology,
// в этом случае прежнее состояние не трогается.
func (s *Store) Load(nodes []domain.Node, edges []domain.Edge) error {
	nextNodes := make(map[string]*domain.Node, len(nodes))
	order := make([]string, 0, len(nodes))
	for i := range nodes {
		n := nodes[i]
		if n.ID == "" {
			return domain.ErrInvalidTopology.WithMessage("node #%d has empty id", i)
		}
		if !n.Type.Valid() {
			return domain.ErrInvalidTopology.WithMessage("node %q has unknown type %q", n.ID, n.Type)
		}
		if _, dup := nextNodes[n.ID]; dup {
			return domain.ErrInvalidTopology.WithMessage("duplicate node id %q", n.ID)
		}
		if n.Envelope != nil && n.Envelope.Min > n.Envelope.Max {
			return domain.ErrInvalidTopology.WithMessage("node %q envelope min > max", n.ID)
		}
		if !n.Status.Valid() {
			n.Status = domain.NodeOnline
		}
		nextNodes[n.ID] = &n
		order = append(order, n.ID)
	}

	adjacency := make(map[string]map[string]struct{}, len(nextNodes))
	kept := make([]domain.Edge, 0, len(edges))
	for _, e := range edges {
		if _, ok := nextNodes[e.Source]; !ok {
			return domain.ErrInvalidTopology.WithMessage("edge %s->%s: unknown source", e.Source, e.Target)
		}
		if _, ok := nextNodes[e.Target]; !ok {
			return domain.ErrInvalidTopology.WithMessage("edge %s->%s: unknown target", e.Source, e.Target)
		}
		if e.Source == e.Target {
			continue
		}
		// Корреляция симметрична: рёбра храним как неориентированные
		link(adjacency, e.Source, e.Target)
		link(adjacency, e.Target, e.Source)
		kept = append(kept, e)
	}

	s.mu.Lock()
	s.nodes = nextNodes
	s.order = order
	s.adjacency = adjacency
	s.edges = kept
	s.mu.Unlock()

	s.logger.Info("topology loaded", zap.Int("nodes", len(nextNodes)), zap.Int("edges", len(kept)))
	return nil
}

func link(adj map[string]map[string]struct{}, a, b string) {
	set, ok := adj[a]
	if !ok {
		set = make(map[string]struct{})
		adj[a] = set
	}
	set[b] = struct{}{}
}

// GetNode возвращает копию узла или ErrUnknownNode.
func (s *Store) GetNode(id string) (domain.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	if !ok {
		return domain.Node{}, domain.ErrUnknownNode.WithMessage("node %q is not registered", id)
	}
	return *n, nil
}

// Has: быстрая проверка для горячего пути ingest.
func (s *Store) Has(id string) bool {
	s.mu.RLock()
	_, ok := s.nodes[id]
	s.mu.RUnlock()
	return ok
}

// Neighbors возвращает отсортированный список соседей.
func (s *Store) Neighbors(id string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.nodes[id]; !ok {
		return nil, domain.ErrUnknownNode.WithMessage("node %q is not registered", id)
	}
	set := s.adjacency[id]
	out := make([]string, 0, len(set))
	for n := range set {
		out = append(out, n)
	}
	sort.Strings(out)
	return out, nil
}

// SetStatus: единственная мутация после загрузки. Повторная установка того же статуса ничего не делает.
// Возвращает true, если статус действительно изменился.
func (s *Store) SetStatus(ctx context.Context, id string, status domain.NodeStatus) (bool, error) {
	if !status.Valid() {
		return false, domain.Validationf("unknown node status %q", status)
	}

	s.mu.Lock()
	n, ok := s.nodes[id]
	if !ok {
		s.mu.Unlock()
		return false, domain.ErrUnknownNode.WithMessage("node %q is not registered", id)
	}
	if n.Status == status {
		s.mu.Unlock()
		return false, nil
	}
	n.Status = status
	listeners := append([]StatusListener(nil), s.listeners...)
	s.mu.Unlock()

	if s.persist != nil {
		if err := s.persist.UpdateNodeStatus(ctx, id, status); err != nil {
			// Статус в памяти остаётся актуальным, БД догонит при следующей смене
			s.logger.Warn("failed to persist node status", zap.String("node_id", id), zap.Error(err))
		}
	}
	for _, fn := range listeners {
		fn(id, status)
	}
	return true, nil
}

// View: снимок для GET /model/topology (узлы в порядке загрузки).
func (s *Store) View() domain.TopologyView {
	s.mu.RLock()
	defer s.mu.RUnlock()
	view := domain.TopologyView{
		Nodes: make([]domain.Node, 0, len(s.order)),
		Edges: append([]domain.Edge(nil), s.edges...),
	}
	for _, id := range s.order {
		view.Nodes = append(view.Nodes, *s.nodes[id])
	}
	return view
}

// Size: количество узлов.
func (s *Store) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes)
}

// seedFile: формат YAML-описания топологии.
type seedFile struct {
	Nodes []domain.Node `yaml:"nodes"`
	Edges []domain.Edge `yaml:"edges"`
}

// ParseFile читает YAML-описание топологии без загрузки в Store.
func ParseFile(path string) ([]domain.Node, []domain.Edge, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read topology file: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) ([]domain.Node, []domain.Edge, error) {
	var seed seedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, nil, domain.ErrInvalidTopology.WithMessage("malformed topology yaml").WithCause(err)
	}
	return seed.Nodes, seed.Edges, nil
}

// LoadFile: ParseFile + Load.
func (s *Store) LoadFile(path string) error {
	nodes, edges, err := ParseFile(path)
	if err != nil {
		return err
	}
	return s.Load(nodes, edges)
}

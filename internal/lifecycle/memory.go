package lifecycle

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/xela07ax/iiot-sentinel/internal/domain"
)

// MemoryStore: in-memory хранилище аномалий (разработка без БД, тесты).
type MemoryStore struct {
	mu     sync.RWMutex
	nextID int64
	items  []*domain.Anomaly // по возрастанию ID
	byID   map[int64]*domain.Anomaly
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[int64]*domain.Anomaly)}
}

func (s *MemoryStore) CreateUnlessOpen(_ context.Context, a *domain.Anomaly, cooldown time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, x := range s.items {
		if x.NodeID == a.NodeID && !x.IsResolved && absDuration(a.DetectedAt.Sub(x.DetectedAt)) < cooldown {
			return false, nil
		}
	}
	s.nextID++
	a.ID = s.nextID
	cp := *a
	s.items = append(s.items, &cp)
	s.byID[cp.ID] = &cp
	return true, nil
}

func (s *MemoryStore) Get(_ context.Context, id int64) (*domain.Anomaly, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.byID[id]
	if !ok {
		return nil, domain.ErrAnomalyNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) LatestOpen(_ context.Context, nodeID string) (*domain.Anomaly, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *domain.Anomaly
	for _, x := range s.items {
		if x.NodeID == nodeID && !x.IsResolved && (latest == nil || x.DetectedAt.After(latest.DetectedAt)) {
			latest = x
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

func (s *MemoryStore) MarkResolved(_ context.Context, id int64, actor string, at time.Time) (*domain.Anomaly, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.byID[id]
	if !ok {
		return nil, false, domain.ErrAnomalyNotFound
	}
	changed := !a.IsResolved
	if changed {
		a.IsResolved = true
		a.ResolvedAt = &at
		if actor != "" {
			by := actor
			a.ResolvedBy = &by
		}
	}
	cp := *a
	return &cp, changed, nil
}

func (s *MemoryStore) List(_ context.Context, f domain.AnomalyFilter) ([]domain.Anomaly, error) {
	f = f.Normalize()
	s.mu.RLock()
	matched := make([]domain.Anomaly, 0, f.Limit)
	for _, x := range s.items {
		if f.Match(x) {
			matched = append(matched, *x)
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].DetectedAt.Equal(matched[j].DetectedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].DetectedAt.After(matched[j].DetectedAt)
	})
	if len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}
	return matched, nil
}

func (s *MemoryStore) Summary(_ context.Context, dayStart time.Time) (domain.AnalyticsSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := domain.AnalyticsSnapshot{
		AttackTypes: make(map[domain.AttackType]int64),
		Severities:  make(map[domain.Severity]int64),
		DayStart:    dayStart,
		GeneratedAt: time.Now().UTC(),
	}
	dayEnd := dayStart.AddDate(0, 0, 1)
	for _, x := range s.items {
		out.TotalAnomalies++
		if !x.DetectedAt.Before(dayStart) && x.DetectedAt.Before(dayEnd) {
			out.AnomaliesToday++
		}
		if !x.IsResolved {
			out.OpenAnomalies++
		}
		out.AttackTypes[x.AttackType]++
		out.Severities[x.Severity]++
	}
	return out, nil
}

package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/xela07ax/iiot-sentinel/internal/domain"
)

// UserStore: in-memory аналог postgres.UserRepo (режим без БД, тесты сервисов).
// Повторяет его контракт: уникальность email/табельного номера, атомарное решение по заявке.
type UserStore struct {
	mu     sync.RWMutex
	nextID int64
	byID   map[int64]*domain.User
	now    func() time.Time
}

func NewUserStore() *UserStore {
	return &UserStore{byID: make(map[int64]*domain.User), now: time.Now}
}

func clone(u *domain.User) *domain.User {
	cp := *u
	return &cp
}

func (s *UserStore) CreateUser(_ context.Context, u *domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Как в Postgres: при двойном совпадении побеждает email
	for _, x := range s.byID {
		if strings.EqualFold(x.Email, u.Email) {
			return domain.ErrDuplicateEmail
		}
	}
	for _, x := range s.byID {
		if x.EmployeeID == u.EmployeeID {
			return domain.ErrDuplicateEmployeeID
		}
	}
	s.nextID++
	now := s.now().UTC()
	u.ID, u.CreatedAt, u.UpdatedAt = s.nextID, now, now
	s.byID[u.ID] = clone(u)
	return nil
}

func (s *UserStore) GetUserByEmail(_ context.Context, email string) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.byID {
		if strings.EqualFold(u.Email, email) {
			return clone(u), nil
		}
	}
	return nil, domain.ErrUserNotFound
}

func (s *UserStore) GetUserByID(_ context.Context, id int64) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.byID[id]
	if !ok {
		return nil, domain.ErrUserNotFound
	}
	return clone(u), nil
}

func (s *UserStore) ConsumeVerificationToken(_ context.Context, token string, now time.Time) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.byID {
		if u.VerificationToken == nil || *u.VerificationToken != token {
			continue
		}
		if u.VerificationExpires == nil || !u.VerificationExpires.After(now) {
			return nil, domain.ErrVerificationTokenExpired
		}
		u.EmailVerified = true
		u.VerificationToken, u.VerificationExpires = nil, nil
		u.UpdatedAt = s.now().UTC()
		return clone(u), nil
	}
	return nil, domain.ErrInvalidVerificationToken
}

func (s *UserStore) SetVerificationToken(_ context.Context, userID int64, token string, expires time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.byID[userID]
	if !ok || u.EmailVerified {
		return domain.ErrUserNotFound
	}
	exp := expires.UTC()
	u.VerificationToken, u.VerificationExpires = &token, &exp
	u.UpdatedAt = s.now().UTC()
	return nil
}

func (s *UserStore) ListPendingUsers(_ context.Context) ([]domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []domain.User{}
	for _, u := range s.byID {
		if u.Status == domain.StatusPending && u.EmailVerified {
			out = append(out, *u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *UserStore) DecideUser(_ context.Context, d domain.Decision) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.byID[d.UserID]
	if !ok {
		return nil, domain.ErrUserNotFound
	}
	if err := u.CanTransitionTo(d.Status()); err != nil {
		return nil, err
	}
	u.Status = d.Status()
	u.IsActive = d.Approved
	u.RejectionReason = d.Reason
	u.UpdatedAt = s.now().UTC()
	return clone(u), nil
}

func (s *UserStore) UserStats(_ context.Context) (domain.UserStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var st domain.UserStats
	for _, u := range s.byID {
		st.TotalUsers++
		if u.IsActive {
			st.ActiveUsers++
		}
		if u.Status == domain.StatusPending {
			st.PendingUsers++
		}
	}
	return st, nil
}

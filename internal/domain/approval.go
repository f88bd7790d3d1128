package domain

import "time"

// Статусы State Machine регистрации: pending → approved | rejected (оба терминальные)
type UserStatus string

const (
	StatusPending  UserStatus = "pending"
	StatusApproved UserStatus = "approved"
	StatusRejected UserStatus = "rejected"
)

type UserRole string

const (
	RoleAdmin UserRole = "admin"
	RoleUser  UserRole = "user"
)

type User struct {
	ID              int64      `json:"id"`
	Name            string     `json:"name"`
	EmployeeID      string     `json:"employee_id"`
	Email           string     `json:"email"`
	PasswordHash    string     `json:"-"` // Никогда не отправляем на фронт
	Role            UserRole   `json:"role"`
	Status          UserStatus `json:"status"`
	IsActive        bool       `json:"is_active"`
	EmailVerified   bool       `json:"email_verified"`
	RejectionReason *string    `json:"rejection_reason,omitempty"`

	VerificationToken   *string    `json:"-"`
	VerificationExpires *time.Time `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CanTransitionTo проверяет правила конечного автомата
func (u *User) CanTransitionTo(next UserStatus) error {
	if u.Status != StatusPending {
		return ErrAlreadyDecided
	}
	if next != StatusApproved && next != StatusRejected {
		return Validationf("invalid user status transition %s -> %s", u.Status, next)
	}
	return nil
}

// Decision: решение администратора по заявке.
type Decision struct {
	UserID    int64
	Approved  bool
	Reason    *string
	DecidedBy int64
}

// Status возвращает целевой статус решения.
func (d Decision) Status() UserStatus {
	if d.Approved {
		return StatusApproved
	}
	return StatusRejected
}

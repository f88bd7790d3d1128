package domain

import (
	"github.com/golang-jwt/jwt/v5"
)

type CustomClaims struct {
	UserID int64    `json:"user_id"`
	Email  string   `json:"email"`
	Role   UserRole `json:"role"`
	jwt.RegisteredClaims
}

// IsAdmin: короткая проверка роли для middleware.
func (c *CustomClaims) IsAdmin() bool {
	return c != nil && c.Role == RoleAdmin
}

// SignupRequest: поля формы регистрации. full_name принимается как синоним name.
type SignupRequest struct {
	Name            string `json:"name" validate:"omitempty,min=2,max=120"`
	FullName        string `json:"full_name" validate:"omitempty,min=2,max=120"`
	EmployeeID      string `json:"employee_id" validate:"required,min=2,max=64"`
	Email           string `json:"email" validate:"required,email,max=254"`
	Password        string `json:"password" validate:"required,min=8,max=72"`
	ConfirmPassword string `json:"confirm_password" validate:"required,eqfield=Password"`
}

// DisplayName возвращает имя с учётом синонима full_name.
func (r SignupRequest) DisplayName() string {
	if r.Name != "" {
		return r.Name
	}
	return r.FullName
}

// Secure Token Issuing
type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"` // Всегда "bearer"
	ExpiresIn   int64  `json:"expires_in"`
	User        *User  `json:"user"`
}

// Session: результат успешной аутентификации.
type Session = TokenResponse

type ApproveUserRequest struct {
	UserID          int64   `json:"user_id" validate:"required,gt=0"`
	Approved        *bool   `json:"approved" validate:"required"`
	RejectionReason *string `json:"rejection_reason,omitempty" validate:"omitempty,max=500"`
}

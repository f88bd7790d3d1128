package service

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/xela07ax/iiot-sentinel/internal/domain"
	"github.com/xela07ax/iiot-sentinel/internal/infra"
	"github.com/xela07ax/iiot-sentinel/internal/infra/auth"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"
)

// UserRepository описывает требования к хранилищу учётных записей (Postgres или память).
type UserRepository interface {
	CreateUser(ctx context.Context, u *domain.User) error
	GetUserByEmail(ctx context.Context, email string) (*domain.User, error)
	GetUserByID(ctx context.Context, id int64) (*domain.User, error)
	ConsumeVerificationToken(ctx context.Context, token string, now time.Time) (*domain.User, error)
	SetVerificationToken(ctx context.Context, userID int64, token string, expires time.Time) error
	ListPendingUsers(ctx context.Context) ([]domain.User, error)
	DecideUser(ctx context.Context, d domain.Decision) (*domain.User, error)
	UserStats(ctx context.Context) (domain.UserStats, error)
}

type AuthService struct {
	repo      UserRepository
	issuer    *auth.TokenIssuer
	mailer    Mailer
	cost      int
	verifyTTL time.Duration
	frontend  string
	throttle  *loginThrottle
	dummyHash []byte
	now       func() time.Time
	logger    *zap.Logger
}

func NewAuthService(repo UserRepository, issuer *auth.TokenIssuer, mailer Mailer, cfg infra.AuthConfig, frontendURL string, logger *zap.Logger) (*AuthService, error) {
	cost := cfg.BcryptCost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	// Хэш-пустышка: для несуществующего email тратим столько же времени, сколько на реальный
	dummy, err := bcrypt.GenerateFromPassword([]byte("sentinel-timing-equalizer"), cost)
	if err != nil {
		return nil, fmt.Errorf("prepare dummy hash: %w", err)
	}
	ttl := cfg.VerificationTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &AuthService{
		repo:      repo,
		issuer:    issuer,
		mailer:    mailer,
		cost:      cost,
		verifyTTL: ttl,
		frontend:  strings.TrimRight(frontendURL, "/"),
		throttle:  newLoginThrottle(cfg.LoginRatePerMinute),
		dummyHash: dummy,
		now:       time.Now,
		logger:    logger.Named("auth-service"),
	}, nil
}

// WithClock подменяет часы (истечение токена подтверждения в тестах).
func (s *AuthService) WithClock(now func() time.Time) *AuthService {
	s.now = now
	return s
}

// Signup создаёт заявку в статусе pending и отправляет письмо для подтверждения email.
func (s *AuthService) Signup(ctx context.Context, req domain.SignupRequest) (*domain.User, error) {
	if err := validateStruct(req); err != nil {
		return nil, err
	}
	name := strings.TrimSpace(req.DisplayName())
	if len([]rune(name)) < 2 {
		return nil, domain.Validationf("name: field is required")
	}
	if err := checkPasswordStrength(req.Password); err != nil {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.cost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	token, err := newVerificationToken()
	if err != nil {
		return nil, err
	}
	expires := s.now().Add(s.verifyTTL).UTC()

	u := &domain.User{
		Name:                name,
		EmployeeID:          strings.TrimSpace(req.EmployeeID),
		Email:               normalizeEmail(req.Email),
		PasswordHash:        string(hash),
		Role:                domain.RoleUser,
		Status:              domain.StatusPending,
		VerificationToken:   &token,
		VerificationExpires: &expires,
	}
	if err := s.repo.CreateUser(ctx, u); err != nil {
		return nil, err
	}
	s.logger.Info("user signed up", zap.Int64("user_id", u.ID), zap.String("email", u.Email))

	s.sendVerification(ctx, u, token)
	return u, nil
}

// VerifyEmail гасит одноразовый токен подтверждения.
func (s *AuthService) VerifyEmail(ctx context.Context, token string) (*domain.User, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, domain.ErrInvalidVerificationToken
	}
	u, err := s.repo.ConsumeVerificationToken(ctx, token, s.now())
	if err != nil {
		return nil, err
	}
	s.logger.Info("email verified", zap.Int64("user_id", u.ID))
	return u, nil
}

// ResendVerification перевыпускает токен. Ответ не зависит от того, существует ли адрес.
func (s *AuthService) ResendVerification(ctx context.Context, email string) error {
	u, err := s.repo.GetUserByEmail(ctx, normalizeEmail(email))
	if errors.Is(err, domain.ErrUserNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if u.EmailVerified {
		return nil
	}
	token, err := newVerificationToken()
	if err != nil {
		return err
	}
	if err := s.repo.SetVerificationToken(ctx, u.ID, token, s.now().Add(s.verifyTTL)); err != nil {
		if errors.Is(err, domain.ErrUserNotFound) {
			return nil
		}
		return err
	}
	s.sendVerification(ctx, u, token)
	return nil
}

// CreateAdmin: первичная учётная запись администратора (sentinel-admin create-admin).
// Сразу одобрена, активна и с подтверждённым email; те же правила пароля, что у Signup.
func (s *AuthService) CreateAdmin(ctx context.Context, req domain.SignupRequest) (*domain.User, error) {
	if err := validateStruct(req); err != nil {
		return nil, err
	}
	name := strings.TrimSpace(req.DisplayName())
	if len([]rune(name)) < 2 {
		return nil, domain.Validationf("name: field is required")
	}
	if err := checkPasswordStrength(req.Password); err != nil {
		return nil, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.cost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	u := &domain.User{
		Name:          name,
		EmployeeID:    strings.TrimSpace(req.EmployeeID),
		Email:         normalizeEmail(req.Email),
		PasswordHash:  string(hash),
		Role:          domain.RoleAdmin,
		Status:        domain.StatusApproved,
		IsActive:      true,
		EmailVerified: true,
	}
	if err := s.repo.CreateUser(ctx, u); err != nil {
		return nil, err
	}
	s.logger.Info("admin account created", zap.Int64("user_id", u.ID), zap.String("email", u.Email))
	return u, nil
}

// Login проверяет пароль и состояние заявки. Неизвестный email и неверный пароль
// неразличимы ни по ответу, ни по времени; состояние заявки раскрывается только владельцу пароля.
func (s *AuthService) Login(ctx context.Context, req domain.LoginRequest) (*domain.TokenResponse, error) {
	if err := validateStruct(req); err != nil {
		return nil, err
	}
	email := normalizeEmail(req.Email)
	if !s.throttle.Allow(email) {
		s.logger.Warn("login throttled", zap.String("email", email))
		return nil, domain.ErrTooManyAttempts
	}

	u, err := s.repo.GetUserByEmail(ctx, email)
	if errors.Is(err, domain.ErrUserNotFound) {
		_ = bcrypt.CompareHashAndPassword(s.dummyHash, []byte(req.Password))
		return nil, domain.ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(req.Password)); err != nil {
		return nil, domain.ErrInvalidCredentials
	}

	switch {
	case !u.EmailVerified:
		return nil, domain.ErrEmailNotVerified
	case u.Status == domain.StatusPending:
		return nil, domain.ErrAccountPending
	case u.Status == domain.StatusRejected:
		return nil, domain.ErrAccountRejected
	case !u.IsActive:
		return nil, domain.ErrAccountInactive
	}

	resp, err := s.issuer.Issue(u)
	if err != nil {
		return nil, err
	}
	s.logger.Info("user logged in", zap.Int64("user_id", u.ID), zap.String("role", string(u.Role)))
	return resp, nil
}

func (s *AuthService) sendVerification(ctx context.Context, u *domain.User, token string) {
	link := fmt.Sprintf("%s/verify-email?token=%s", s.frontend, token)
	err := s.mailer.Send(ctx, Message{
		To:      u.Email,
		Subject: "Verify your email - IIoT Sentinel",
		Body: fmt.Sprintf("Hello %s,\n\nconfirm your email address by opening the link below:\n%s\n\n"+
			"The link expires in %s. After confirmation an administrator will review your request.\n",
			u.Name, link, s.verifyTTL),
	})
	if err != nil {
		// Письмо можно перезапросить через resend-verification, регистрацию не откатываем
		s.logger.Error("failed to send verification email", zap.Int64("user_id", u.ID), zap.Error(err))
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func newVerificationToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate verification token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// loginThrottle: лимит попыток входа на один email.
type loginThrottle struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*rate.Limiter
}

const maxThrottleEntries = 10000

func newLoginThrottle(perMinute int) *loginThrottle {
	if perMinute <= 0 {
		return nil
	}
	return &loginThrottle{
		limit:    rate.Limit(float64(perMinute) / 60),
		burst:    perMinute,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (t *loginThrottle) Allow(key string) bool {
	if t == nil {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.limiters[key]
	if !ok {
		if len(t.limiters) >= maxThrottleEntries {
			t.limiters = make(map[string]*rate.Limiter)
		}
		l = rate.NewLimiter(t.limit, t.burst)
		t.limiters[key] = l
	}
	return l.Allow()
}

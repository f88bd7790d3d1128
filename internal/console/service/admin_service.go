package service

import (
	"context"
	"fmt"
	"math"

	"github.com/xela07ax/iiot-sentinel/internal/domain"
	"go.uber.org/zap"
)

// AnalyticsSource: инкрементальный агрегатор аномалий.
type AnalyticsSource interface {
	Snapshot() domain.AnalyticsSnapshot
}

// Пороги system_health по числу открытых аномалий
const (
	healthWarningOpen  = 1
	healthCriticalOpen = 5
)

type AdminService struct {
	repo      UserRepository
	mailer    Mailer
	analytics AnalyticsSource
	logger    *zap.Logger
}

func NewAdminService(repo UserRepository, mailer Mailer, analytics AnalyticsSource, logger *zap.Logger) *AdminService {
	return &AdminService{
		repo:      repo,
		mailer:    mailer,
		analytics: analytics,
		logger:    logger.Named("admin-service"),
	}
}

// PendingUsers: заявки с подтверждённым email.
func (s *AdminService) PendingUsers(ctx context.Context) ([]domain.User, error) {
	return s.repo.ListPendingUsers(ctx)
}

// DecideUser: одно решение на заявку. Повтор (в том числе конкурентный) получает ErrAlreadyDecided.
func (s *AdminService) DecideUser(ctx context.Context, req domain.ApproveUserRequest, adminID int64) (*domain.User, error) {
	if err := validateStruct(req); err != nil {
		return nil, err
	}
	d := domain.Decision{
		UserID:    req.UserID,
		Approved:  *req.Approved,
		DecidedBy: adminID,
	}
	if !d.Approved {
		d.Reason = req.RejectionReason
	}

	u, err := s.repo.DecideUser(ctx, d)
	if err != nil {
		return nil, err
	}
	s.logger.Info("registration decided",
		zap.Int64("user_id", u.ID),
		zap.String("status", string(u.Status)),
		zap.Int64("admin_id", adminID))

	s.notifyDecision(ctx, u)
	return u, nil
}

func (s *AdminService) notifyDecision(ctx context.Context, u *domain.User) {
	msg := Message{To: u.Email}
	if u.Status == domain.StatusApproved {
		msg.Subject = "Your account has been approved - IIoT Sentinel"
		msg.Body = fmt.Sprintf("Hello %s,\n\nyour registration has been approved. You can now sign in.\n", u.Name)
	} else {
		reason := "no reason provided"
		if u.RejectionReason != nil && *u.RejectionReason != "" {
			reason = *u.RejectionReason
		}
		msg.Subject = "Your registration was declined - IIoT Sentinel"
		msg.Body = fmt.Sprintf("Hello %s,\n\nyour registration request was declined.\nReason: %s\n", u.Name, reason)
	}
	if err := s.mailer.Send(ctx, msg); err != nil {
		s.logger.Error("failed to send decision email", zap.Int64("user_id", u.ID), zap.Error(err))
	}
}

// Analytics объединяет снимок агрегатора аномалий со счётчиками пользователей.
func (s *AdminService) Analytics(ctx context.Context) (domain.AdminAnalytics, error) {
	snap := s.analytics.Snapshot()
	users, err := s.repo.UserStats(ctx)
	if err != nil {
		return domain.AdminAnalytics{}, err
	}

	hours := snap.GeneratedAt.Sub(snap.DayStart).Hours()
	hours = math.Max(hours, 1)

	return domain.AdminAnalytics{
		AnalyticsSnapshot: snap,
		UserStats:         users,
		AnomalyFrequency:  math.Round(float64(snap.AnomaliesToday)/hours*100) / 100,
		SystemHealth:      systemHealth(snap.OpenAnomalies),
	}, nil
}

func systemHealth(open int64) string {
	switch {
	case open >= healthCriticalOpen:
		return "critical"
	case open >= healthWarningOpen:
		return "warning"
	default:
		return "healthy"
	}
}


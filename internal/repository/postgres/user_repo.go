package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/xela07ax/iiot-sentinel/internal/domain"
)

const userColumns = `id, name, employee_id, email, password_hash, role, status, is_active, email_verified,
	rejection_reason, verification_token, verification_expires, created_at, updated_at`

// UserRepo: учётные записи и заявки на регистрацию.
type UserRepo struct {
	*DB
}

func NewUserRepo(db *DB) *UserRepo {
	return &UserRepo{DB: db}
}

func scanUser(row pgx.Row) (domain.User, error) {
	var u domain.User
	err := row.Scan(
		&u.ID, &u.Name, &u.EmployeeID, &u.Email, &u.PasswordHash, &u.Role, &u.Status, &u.IsActive, &u.EmailVerified,
		&u.RejectionReason, &u.VerificationToken, &u.VerificationExpires, &u.CreatedAt, &u.UpdatedAt,
	)
	return u, err
}

// CreateUser вставляет пользователя и заполняет ID/CreatedAt/UpdatedAt.
// Уникальность email и табельного номера проверяет БД.
func (r *UserRepo) CreateUser(ctx context.Context, u *domain.User) error {
	query := `
		INSERT INTO users (name, employee_id, email, password_hash, role, status, is_active, email_verified,
		                   verification_token, verification_expires)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at, updated_at`
	return r.run(ctx, func(ctx context.Context) error {
		err := r.pool.QueryRow(ctx, query,
			u.Name, u.EmployeeID, u.Email, u.PasswordHash, string(u.Role), string(u.Status), u.IsActive, u.EmailVerified,
			u.VerificationToken, u.VerificationExpires,
		).Scan(&u.ID, &u.CreatedAt, &u.UpdatedAt)
		if constraint, ok := uniqueViolation(err); ok {
			switch constraint {
			case "users_employee_id_key":
				return domain.ErrDuplicateEmployeeID
			default:
				return domain.ErrDuplicateEmail
			}
		}
		if err != nil {
			return fmt.Errorf("insert user: %w", err)
		}
		return nil
	})
}

func (r *UserRepo) getBy(ctx context.Context, column string, value any) (*domain.User, error) {
	var out domain.User
	err := r.run(ctx, func(ctx context.Context) error {
		u, err := scanUser(r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE `+column+` = $1`, value))
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrUserNotFound
		}
		if err != nil {
			return fmt.Errorf("get user by %s: %w", column, err)
		}
		out = u
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *UserRepo) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	return r.getBy(ctx, "email", email)
}

func (r *UserRepo) GetUserByID(ctx context.Context, id int64) (*domain.User, error) {
	return r.getBy(ctx, "id", id)
}

// ConsumeVerificationToken: одноразовое подтверждение email. Токен гасится в том же UPDATE,
// поэтому два параллельных клика не подтвердят дважды.
func (r *UserRepo) ConsumeVerificationToken(ctx context.Context, token string, now time.Time) (*domain.User, error) {
	var out domain.User
	err := r.run(ctx, func(ctx context.Context) error {
		query := `
			UPDATE users SET email_verified = TRUE, verification_token = NULL, verification_expires = NULL, updated_at = NOW()
			WHERE verification_token = $1 AND verification_expires > $2
			RETURNING ` + userColumns
		u, err := scanUser(r.pool.QueryRow(ctx, query, token, now.UTC()))
		if err == nil {
			out = u
			return nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("consume verification token: %w", err)
		}
		// Различаем просроченный и несуществующий токен
		var expired bool
		err = r.pool.QueryRow(ctx, `SELECT TRUE FROM users WHERE verification_token = $1`, token).Scan(&expired)
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrInvalidVerificationToken
		}
		if err != nil {
			return fmt.Errorf("lookup verification token: %w", err)
		}
		return domain.ErrVerificationTokenExpired
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// SetVerificationToken выдаёт новый токен (повторная отправка письма). Старый перестаёт действовать.
func (r *UserRepo) SetVerificationToken(ctx context.Context, userID int64, token string, expires time.Time) error {
	return r.run(ctx, func(ctx context.Context) error {
		tag, err := r.pool.Exec(ctx, `
			UPDATE users SET verification_token = $2, verification_expires = $3, updated_at = NOW()
			WHERE id = $1 AND email_verified = FALSE`, userID, token, expires.UTC())
		if err != nil {
			return fmt.Errorf("set verification token: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return domain.ErrUserNotFound
		}
		return nil
	})
}

// ListPendingUsers: заявки с подтверждённым email, ожидающие решения администратора.
func (r *UserRepo) ListPendingUsers(ctx context.Context) ([]domain.User, error) {
	var out []domain.User
	err := r.run(ctx, func(ctx context.Context) error {
		rows, err := r.pool.Query(ctx, `SELECT `+userColumns+` FROM users
			WHERE status = 'pending' AND email_verified = TRUE
			ORDER BY created_at, id`)
		if err != nil {
			return fmt.Errorf("list pending users: %w", err)
		}
		out, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.User, error) {
			return scanUser(row)
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []domain.User{}
	}
	return out, nil
}

// DecideUser: атомарный переход pending→approved|rejected.
// Только один из конкурирующих администраторов получит строку из RETURNING.
func (r *UserRepo) DecideUser(ctx context.Context, d domain.Decision) (*domain.User, error) {
	var out domain.User
	err := r.run(ctx, func(ctx context.Context) error {
		query := `
			UPDATE users SET status = $2, is_active = $3, rejection_reason = $4, decided_by = $5, updated_at = NOW()
			WHERE id = $1 AND status = 'pending'
			RETURNING ` + userColumns
		var decidedBy *int64
		if d.DecidedBy > 0 {
			decidedBy = &d.DecidedBy
		}
		u, err := scanUser(r.pool.QueryRow(ctx, query, d.UserID, string(d.Status()), d.Approved, d.Reason, decidedBy))
		if err == nil {
			out = u
			return nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("decide user %d: %w", d.UserID, err)
		}
		var exists bool
		err = r.pool.QueryRow(ctx, `SELECT TRUE FROM users WHERE id = $1`, d.UserID).Scan(&exists)
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrUserNotFound
		}
		if err != nil {
			return fmt.Errorf("lookup user %d: %w", d.UserID, err)
		}
		return domain.ErrAlreadyDecided
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *UserRepo) UserStats(ctx context.Context) (domain.UserStats, error) {
	var s domain.UserStats
	err := r.run(ctx, func(ctx context.Context) error {
		return r.pool.QueryRow(ctx, `
			SELECT COUNT(*),
			       COUNT(*) FILTER (WHERE is_active),
			       COUNT(*) FILTER (WHERE status = 'pending')
			FROM users`).Scan(&s.TotalUsers, &s.ActiveUsers, &s.PendingUsers)
	})
	if err != nil {
		return domain.UserStats{}, fmt.Errorf("user stats: %w", err)
	}
	return s, nil
}

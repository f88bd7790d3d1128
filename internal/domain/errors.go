package domain

import (
	"errors"
	"fmt"
)

// Kind: машиночитаемый класс ошибки. По нему транспортный слой выбирает
// HTTP/gRPC статус, клиент, текст для пользователя.
type Kind string

const (
	KindValidation    Kind = "validation_error"
	KindAuth          Kind = "auth_error"
	KindAuthorization Kind = "authorization_error"
	KindNotFound      Kind = "not_found"
	KindConflict      Kind = "conflict"
	KindTransient     Kind = "transient_io_error"
	KindInternal      Kind = "internal_error"
)

// Error: единый тип пользовательских ошибок ядра.
// Code уточняет причину внутри Kind (например, account_pending внутри auth_error).
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s/%s: %s: %v", e.Kind, e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s/%s: %s", e.Kind, e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is сравнивает по Kind и Code, поэтому обёрнутые копии сентинелов
// (WithCause, Wrapf) продолжают матчиться через errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	if t.Code == "" {
		return e.Kind == t.Kind
	}
	return e.Kind == t.Kind && e.Code == t.Code
}

// WithCause возвращает копию ошибки с причиной (сам сентинел не мутируется).
func (e *Error) WithCause(err error) *Error {
	cp := *e
	cp.Err = err
	return &cp
}

// WithMessage возвращает копию ошибки с уточнённым текстом.
func (e *Error) WithMessage(format string, args ...any) *Error {
	cp := *e
	cp.Message = fmt.Sprintf(format, args...)
	return &cp
}

func newErr(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Message: msg}
}

// Сентинелы по классам таксономии.
var (
	ErrValidation    = newErr(KindValidation, "", "invalid request")
	ErrUnauthorized  = newErr(KindAuth, "", "authentication required")
	ErrForbidden     = newErr(KindAuthorization, "", "insufficient role")
	ErrNotFound      = newErr(KindNotFound, "", "resource not found")
	ErrConflict      = newErr(KindConflict, "", "conflict")
	ErrTransientIO   = newErr(KindTransient, "", "storage temporarily unavailable")
	ErrInternalError = newErr(KindInternal, "", "internal error")
)

// Топология и телеметрия
var (
	ErrInvalidTopology  = newErr(KindValidation, "invalid_topology", "topology references unknown nodes")
	ErrUnknownNode      = newErr(KindNotFound, "unknown_node", "node is not registered in topology")
	ErrStaleReading     = newErr(KindValidation, "stale_reading", "reading is older than the window floor")
	ErrDuplicateReading = newErr(KindValidation, "duplicate_reading", "reading with this timestamp already ingested")
	ErrInvalidReading   = newErr(KindValidation, "invalid_reading", "reading value is not a finite number")
)

// Аномалии
var (
	ErrAnomalyNotFound = newErr(KindNotFound, "anomaly_not_found", "anomaly not found")
)

// Пользователи и доступ
var (
	ErrUserNotFound             = newErr(KindNotFound, "user_not_found", "user not found")
	ErrDuplicateEmail           = newErr(KindConflict, "duplicate_email", "email already registered")
	ErrDuplicateEmployeeID      = newErr(KindConflict, "duplicate_employee_id", "employee id already registered")
	ErrAlreadyDecided           = newErr(KindConflict, "already_decided", "registration request already processed")
	ErrInvalidCredentials       = newErr(KindAuth, "invalid_credentials", "incorrect email or password")
	ErrTooManyAttempts          = newErr(KindAuth, "too_many_attempts", "too many login attempts, try again later")
	ErrAccountPending           = newErr(KindAuth, "account_pending", "account is pending admin approval")
	ErrAccountRejected          = newErr(KindAuth, "account_rejected", "account registration was rejected")
	ErrAccountInactive          = newErr(KindAuth, "account_inactive", "account is inactive")
	ErrEmailNotVerified         = newErr(KindAuth, "email_not_verified", "please verify your email before logging in")
	ErrInvalidToken             = newErr(KindAuth, "invalid_token", "invalid or expired access token")
	ErrInvalidVerificationToken = newErr(KindValidation, "invalid_verification_token", "invalid verification token")
	ErrVerificationTokenExpired = newErr(KindValidation, "verification_token_expired", "verification token has expired, request a new one")
	ErrStorageUnavailable       = newErr(KindTransient, "storage_unavailable", "storage temporarily unavailable")
)

// KindOf достаёт Kind из произвольной ошибки; всё, что не *Error, считается internal.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}

// AsError приводит произвольную ошибку к *Error, не раскрывая текст внутренних сбоев.
func AsError(err error) *Error {
	var de *Error
	if errors.As(err, &de) {
		return de
	}
	return ErrInternalError.WithCause(err)
}

// Validationf: короткий конструктор для ошибок формы запроса.
func Validationf(format string, args ...any) *Error {
	return ErrValidation.WithMessage(format, args...)
}

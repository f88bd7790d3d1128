package handler

import (
	"encoding/json"
	"net/http"

	"github.com/xela07ax/iiot-sentinel/internal/domain"
	"github.com/xela07ax/iiot-sentinel/internal/infra/auth"
	"go.uber.org/zap"
)

// statusFor: таксономия ошибок ядра на HTTP-коды.
func statusFor(e *domain.Error) int {
	if e.Code == domain.ErrTooManyAttempts.Code {
		return http.StatusTooManyRequests
	}
	switch e.Kind {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindAuth:
		return http.StatusUnauthorized
	case domain.KindAuthorization:
		return http.StatusForbidden
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindConflict:
		return http.StatusConflict
	case domain.KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError отдаёт {kind, code, message}. Текст внутренних сбоев наружу не уходит.
func writeError(w http.ResponseWriter, logger *zap.Logger, err error) {
	e := domain.AsError(err)
	status := statusFor(e)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", zap.Error(err))
	}
	auth.WriteError(w, status, e)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		return domain.Validationf("malformed JSON body: %v", err)
	}
	return nil
}

type messageResponse struct {
	Message string `json:"message"`
}

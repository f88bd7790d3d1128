package auth

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/xela07ax/iiot-sentinel/internal/domain"
	"go.uber.org/zap"
)

type ctxKey struct{}

// ClaimsFromContext возвращает claims, положенные middleware.
func ClaimsFromContext(ctx context.Context) (*domain.CustomClaims, bool) {
	c, ok := ctx.Value(ctxKey{}).(*domain.CustomClaims)
	return c, ok
}

// WithClaims кладёт claims в контекст (gRPC интерсептор, тесты).
func WithClaims(ctx context.Context, c *domain.CustomClaims) context.Context {
	return context.WithValue(ctx, ctxKey{}, c)
}

// NewMiddleware проверяет Bearer-токен. Браузерный WebSocket не умеет ставить заголовки,
// поэтому для upgrade-запросов токен принимается и из ?token=.
func NewMiddleware(v TokenValidator, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" && websocket.IsWebSocketUpgrade(r) {
				authHeader = r.URL.Query().Get("token")
			}
			if authHeader == "" {
				WriteError(w, http.StatusUnauthorized, domain.ErrUnauthorized)
				return
			}

			claims, err := v.VerifyToken(authHeader)
			if err != nil {
				logger.Warn("auth failure", zap.String("path", r.URL.Path), zap.Error(err))
				WriteError(w, http.StatusUnauthorized, domain.AsError(err))
				return
			}

			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

// RequireAdmin пропускает только роль admin. Ставится после NewMiddleware.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := ClaimsFromContext(r.Context())
		if !ok {
			WriteError(w, http.StatusUnauthorized, domain.ErrUnauthorized)
			return
		}
		if !claims.IsAdmin() {
			WriteError(w, http.StatusForbidden, domain.ErrForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ErrorBody: формат ошибки API, общий для middleware и хендлеров.
type ErrorBody struct {
	Kind    domain.Kind `json:"kind"`
	Code    string      `json:"code,omitempty"`
	Message string      `json:"message"`
}

func WriteError(w http.ResponseWriter, status int, e *domain.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorBody{Kind: e.Kind, Code: e.Code, Message: e.Message})
}

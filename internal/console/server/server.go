package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/xela07ax/iiot-sentinel/internal/console/handler"
	"github.com/xela07ax/iiot-sentinel/internal/engine"
	"github.com/xela07ax/iiot-sentinel/internal/infra"
	"github.com/xela07ax/iiot-sentinel/internal/infra/auth"
	"go.uber.org/zap"
)

// Handlers: обработчики бизнес-доменов, собранные в main.
type Handlers struct {
	Auth   *handler.AuthHandler   // /auth/*
	Admin  *handler.AdminHandler  // /admin/* (только роль admin)
	Model  *handler.ModelHandler  // /model/*
	Stream *handler.StreamHub     // /model/anomalies/stream
	Health *handler.HealthHandler // /, /health
}

type APIServer struct {
	router *chi.Mux
	logger *zap.Logger

	// Проверка RS256 токенов
	authValidator auth.TokenValidator
	metrics       *infra.Metrics
	h             Handlers
}

// NewAPIServer инициализирует HTTP API со всеми зависимостями
func NewAPIServer(logger *zap.Logger, validator auth.TokenValidator, metrics *infra.Metrics, h Handlers) *APIServer {
	if metrics == nil {
		metrics = infra.NewMetrics(nil)
	}
	s := &APIServer{
		router:        chi.NewRouter(),
		logger:        logger.Named("api"),
		authValidator: validator,
		metrics:       metrics,
		h:             h,
	}
	s.routes()
	return s
}

func (s *APIServer) routes() {
	r := s.router

	// --- 1. Глобальные инфраструктурные Middleware (для всех) ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(engine.TracingMiddleware)
	r.Use(engine.AccessLog(s.logger))
	r.Use(engine.RequestMetrics(s.metrics))
	r.Use(middleware.Recoverer)

	// --- 2. ПУБЛИЧНЫЕ РОУТЫ ---
	r.Group(func(r chi.Router) {
		r.Get("/", s.h.Health.Banner)
		r.Get("/health", s.h.Health.Health)

		r.Route("/auth", func(r chi.Router) {
			r.Post("/signup", s.h.Auth.Signup)
			r.Post("/login", s.h.Auth.Login)
			r.Post("/verify-email", s.h.Auth.VerifyEmail)
			r.Post("/resend-verification", s.h.Auth.ResendVerification)
		})
	})

	// --- 3. ЗАЩИЩЕННЫЙ ПЕРИМЕТР (RS256 токен) ---
	r.Group(func(r chi.Router) {
		r.Use(auth.NewMiddleware(s.authValidator, s.logger))

		r.Route("/model", func(r chi.Router) {
			r.Get("/topology", s.h.Model.Topology)
			r.Post("/predict", s.h.Model.Predict)
			r.Route("/anomalies", func(r chi.Router) {
				r.Get("/", s.h.Model.Anomalies)
				r.Get("/stream", s.h.Stream.ServeWS)
				r.Post("/{id}/resolve", s.h.Model.Resolve)
			})
		})

		// Управление заявками и аналитика
		r.Route("/admin", func(r chi.Router) {
			r.Use(auth.RequireAdmin)
			r.Get("/pending-users", s.h.Admin.PendingUsers)
			r.Post("/approve-user", s.h.Admin.ApproveUser)
			r.Get("/analytics", s.h.Admin.Analytics)
		})
	})
}

// ServeHTTP позволяет использовать APIServer как стандартный http.Handler
func (s *APIServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

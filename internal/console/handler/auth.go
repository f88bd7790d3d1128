package handler

import (
	"context"
	"net/http"

	"github.com/xela07ax/iiot-sentinel/internal/domain"
	"go.uber.org/zap"
)

// AuthService описываем, что нам нужно от сервиса
type AuthService interface {
	Signup(ctx context.Context, req domain.SignupRequest) (*domain.User, error)
	VerifyEmail(ctx context.Context, token string) (*domain.User, error)
	ResendVerification(ctx context.Context, email string) error
	Login(ctx context.Context, req domain.LoginRequest) (*domain.TokenResponse, error)
}

type AuthHandler struct {
	service AuthService
	logger  *zap.Logger
}

func NewAuthHandler(s AuthService, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{service: s, logger: logger.Named("auth-handler")}
}

func (h *AuthHandler) Signup(w http.ResponseWriter, r *http.Request) {
	var req domain.SignupRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	u, err := h.service.Signup(r.Context(), req)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req domain.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	resp, err := h.service.Login(r.Context(), req)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *AuthHandler) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	if _, err := h.service.VerifyEmail(r.Context(), r.URL.Query().Get("token")); err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "Email verified successfully. Please wait for admin approval."})
}

func (h *AuthHandler) ResendVerification(w http.ResponseWriter, r *http.Request) {
	email := r.URL.Query().Get("email")
	if email == "" {
		writeError(w, h.logger, domain.Validationf("email: field is required"))
		return
	}
	if err := h.service.ResendVerification(r.Context(), email); err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "If the email exists, a verification link has been sent."})
}

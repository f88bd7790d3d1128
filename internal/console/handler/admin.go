package handler

import (
	"context"
	"net/http"

	"github.com/xela07ax/iiot-sentinel/internal/domain"
	"github.com/xela07ax/iiot-sentinel/internal/infra/auth"
	"go.uber.org/zap"
)

type AdminService interface {
	PendingUsers(ctx context.Context) ([]domain.User, error)
	DecideUser(ctx context.Context, req domain.ApproveUserRequest, adminID int64) (*domain.User, error)
	Analytics(ctx context.Context) (domain.AdminAnalytics, error)
}

type AdminHandler struct {
	service AdminService
	logger  *zap.Logger
}

func NewAdminHandler(s AdminService, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{service: s, logger: logger.Named("admin-handler")}
}

func (h *AdminHandler) PendingUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.service.PendingUsers(r.Context())
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

// ApproveUser: 204 при первом решении, 409 при повторном.
func (h *AdminHandler) ApproveUser(w http.ResponseWriter, r *http.Request) {
	var req domain.ApproveUserRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, h.logger, domain.ErrUnauthorized)
		return
	}
	if _, err := h.service.DecideUser(r.Context(), req, claims.UserID); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AdminHandler) Analytics(w http.ResponseWriter, r *http.Request) {
	out, err := h.service.Analytics(r.Context())
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

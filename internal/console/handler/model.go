package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/iiot-sentinel/internal/domain"
	"github.com/xela07ax/iiot-sentinel/internal/infra/auth"
	"go.uber.org/zap"
)

type DetectionService interface {
	Topology() domain.TopologyView
	Anomalies(ctx context.Context, f domain.AnomalyFilter) ([]domain.Anomaly, error)
	Resolve(ctx context.Context, id int64, actor string) (*domain.Anomaly, error)
	Predict(ctx context.Context, r domain.TelemetryReading) (domain.ScoreResult, error)
}

type ModelHandler struct {
	service DetectionService
	logger  *zap.Logger
}

func NewModelHandler(s DetectionService, logger *zap.Logger) *ModelHandler {
	return &ModelHandler{service: s, logger: logger.Named("model-handler")}
}

func (h *ModelHandler) Topology(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.service.Topology())
}

// Anomalies: ?limit=&resolved=&node_id=. Без resolved возвращаются все.
func (h *ModelHandler) Anomalies(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f domain.AnomalyFilter

	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			writeError(w, h.logger, domain.Validationf("limit: must be a non-negative integer"))
			return
		}
		f.Limit = limit
	}
	if v := q.Get("resolved"); v != "" {
		resolved, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, h.logger, domain.Validationf("resolved: must be true or false"))
			return
		}
		f.Resolved = &resolved
	}
	f.NodeID = q.Get("node_id")

	list, err := h.service.Anomalies(r.Context(), f)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *ModelHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, h.logger, domain.ErrAnomalyNotFound)
		return
	}
	var actor string
	if claims, ok := auth.ClaimsFromContext(r.Context()); ok {
		actor = claims.Email
	}
	if _, err := h.service.Resolve(r.Context(), id, actor); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type predictRequest struct {
	SensorData *domain.TelemetryReading `json:"sensor_data"`
}

func (h *ModelHandler) Predict(w http.ResponseWriter, r *http.Request) {
	var req predictRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	if req.SensorData == nil {
		writeError(w, h.logger, domain.Validationf("sensor_data: field is required"))
		return
	}
	res, err := h.service.Predict(r.Context(), *req.SensorData)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

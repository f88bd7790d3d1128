package service

import (
	"context"
	"math"

	"github.com/xela07ax/iiot-sentinel/internal/domain"
	"go.uber.org/zap"
)

// Зависимости синхронного пути /model/*. Реализуются ingest.Ingestor, scoring.Engine,
// lifecycle.Manager и topology.Store.
type (
	TelemetryIngest interface {
		Ingest(ctx context.Context, r domain.TelemetryReading) (domain.FeatureSample, error)
		Snapshot(nodeID string) (domain.FeatureVector, error)
	}
	NodeScorer interface {
		Score(ctx context.Context, vec domain.FeatureVector) domain.ScoreResult
	}
	AnomalyLifecycle interface {
		RecordScore(ctx context.Context, res domain.ScoreResult) (*domain.Anomaly, error)
		Resolve(ctx context.Context, id int64, actor string) (*domain.Anomaly, error)
		List(ctx context.Context, f domain.AnomalyFilter) ([]domain.Anomaly, error)
	}
	TopologyViewer interface {
		View() domain.TopologyView
	}
)

type DetectionService struct {
	ingest    TelemetryIngest
	scorer    NodeScorer
	lifecycle AnomalyLifecycle
	topology  TopologyViewer
	logger    *zap.Logger
}

func NewDetectionService(in TelemetryIngest, sc NodeScorer, lc AnomalyLifecycle, topo TopologyViewer, logger *zap.Logger) *DetectionService {
	return &DetectionService{
		ingest:    in,
		scorer:    sc,
		lifecycle: lc,
		topology:  topo,
		logger:    logger.Named("detection-service"),
	}
}

func (s *DetectionService) Topology() domain.TopologyView {
	return s.topology.View()
}

func (s *DetectionService) Anomalies(ctx context.Context, f domain.AnomalyFilter) ([]domain.Anomaly, error) {
	if f.Limit < 0 {
		return nil, domain.Validationf("limit: must be positive")
	}
	return s.lifecycle.List(ctx, f)
}

func (s *DetectionService) Resolve(ctx context.Context, id int64, actor string) (*domain.Anomaly, error) {
	if id <= 0 {
		return nil, domain.ErrAnomalyNotFound
	}
	return s.lifecycle.Resolve(ctx, id, actor)
}

// Predict: синхронная оценка: показание проходит тот же путь, что и потоковая телеметрия,
// затем окно узла оценивается немедленно. Созданная аномалия отражается в anomaly_id.
func (s *DetectionService) Predict(ctx context.Context, r domain.TelemetryReading) (domain.ScoreResult, error) {
	if err := validateStruct(r); err != nil {
		return domain.ScoreResult{}, err
	}
	if math.IsNaN(*r.Value) || math.IsInf(*r.Value, 0) {
		return domain.ScoreResult{}, domain.ErrInvalidReading
	}
	if _, err := s.ingest.Ingest(ctx, r); err != nil {
		return domain.ScoreResult{}, err
	}
	vec, err := s.ingest.Snapshot(r.NodeID)
	if err != nil {
		return domain.ScoreResult{}, err
	}

	res := s.scorer.Score(ctx, vec)
	a, err := s.lifecycle.RecordScore(ctx, res)
	if err != nil {
		return domain.ScoreResult{}, err
	}
	if a != nil {
		id := a.ID
		res.AnomalyID = &id
	}
	return res, nil
}

package scoring

import (
	"math"

	"github.com/xela07ax/iiot-sentinel/internal/domain"
)

// NeighborState: последнее известное состояние соседа.
type NeighborState struct {
	NodeID     string
	Confidence float64
	Flagged    bool
}

// TopologyContext: структурный контекст узла. Available=false означает деградацию
// до чисто временного сигнала.
type TopologyContext struct {
	Available bool
	Neighbors []NeighborState
}

// Assessment: сырой выход Scorer до применения политики severity.
type Assessment struct {
	Confidence float64
	Temporal   float64
	Structural float64
	AttackType domain.AttackType
}

// Scorer: подключаемая модель (эвристика, GNN-сервис, заглушка в тестах).
// Реализация обязана быть детерминированной при одинаковых входах и снимке модели.
type Scorer interface {
	Score(model *Model, vec domain.FeatureVector, tc TopologyContext) Assessment
}

// ScorerFunc позволяет передать функцию как Scorer.
type ScorerFunc func(model *Model, vec domain.FeatureVector, tc TopologyContext) Assessment

func (f ScorerFunc) Score(model *Model, vec domain.FeatureVector, tc TopologyContext) Assessment {
	return f(model, vec, tc)
}

// GraphScorer: встроенная графовая модель: логистический временной сигнал плюс
// влияние соседей, поднимающее уверенность в сторону 1.
type GraphScorer struct{}

func (GraphScorer) Score(m *Model, vec domain.FeatureVector, tc TopologyContext) Assessment {
	temporal, dominant := temporalSignal(m, vec.Features)

	var signal float64
	if tc.Available {
		signal = NeighborSignal(tc.Neighbors)
	}
	confidence := temporal + m.NeighborWeight*signal*(1-temporal)

	return Assessment{
		Confidence: clamp01(confidence),
		Temporal:   temporal,
		Structural: signal,
		AttackType: label(m, confidence, dominant),
	}
}

// indicator: вклад одного признака в логит.
type indicator struct {
	kind  domain.AttackType
	value float64
}

// Temporal: только временной сигнал узла (используется и как деградированный путь).
func Temporal(m *Model, f domain.Features) (float64, domain.AttackType) {
	conf, dominant := temporalSignal(m, f)
	return conf, label(m, conf, dominant)
}

func temporalSignal(m *Model, f domain.Features) (float64, indicator) {
	if f.Count == 0 {
		return sigmoid(m.Bias), indicator{}
	}

	meanInterval := 0.0
	if f.Count > 1 {
		meanInterval = f.Span / float64(f.Count-1)
	}

	var stuck float64
	if f.Count >= 4 {
		stuck = clamp01((0.5 - f.UniqueRatio) * 2)
	}

	var gap float64
	if f.GapRatio > 0 {
		gap = clamp01((math.Max(f.GapRatio, 1/f.GapRatio) - 1) / 3)
	}

	scale := math.Max(math.Abs(f.Mean), 1)
	contributions := []indicator{
		{domain.AttackFDI, m.Weights.Spike * clamp01(f.ZScore/6)},
		{domain.AttackFDI, m.Weights.Envelope * clamp01(f.EnvelopeDist*4)},
		{domain.AttackFDI, m.Weights.Rate * clamp01(math.Abs(f.RateOfChange)*meanInterval/(4*f.StdDev+1e-9))},
		{domain.AttackDoS, m.Weights.Gap * gap},
		{domain.AttackReplay, m.Weights.Stuck * stuck},
		{domain.AttackSpoofing, m.Weights.Drift * clamp01(math.Abs(f.Slope)*f.Span/scale*2)},
	}

	logit := m.Bias
	var dominant indicator
	for _, c := range contributions {
		logit += c.value
		// При равенстве побеждает первый в списке: порядок фиксирован, результат детерминирован
		if c.value > dominant.value {
			dominant = c
		}
	}
	return sigmoid(logit), dominant
}

// NeighborSignal: max(доля помеченных соседей, средняя уверенность соседей).
func NeighborSignal(neighbors []NeighborState) float64 {
	if len(neighbors) == 0 {
		return 0
	}
	var flagged int
	var sum float64
	for _, n := range neighbors {
		if n.Flagged {
			flagged++
		}
		sum += n.Confidence
	}
	frac := float64(flagged) / float64(len(neighbors))
	return clamp01(math.Max(frac, sum/float64(len(neighbors))))
}

func label(m *Model, confidence float64, dominant indicator) domain.AttackType {
	if confidence < m.LabelThreshold {
		return domain.AttackNone
	}
	if dominant.value < 0.5 {
		return domain.AttackUnknown
	}
	return dominant.kind
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

package scoring

import (
	"encoding/json"
	"fmt"
	"math"
	"os"

	"github.com/xela07ax/iiot-sentinel/internal/domain"
)

// Weights: веса индикаторов временного сигнала. Все индикаторы нормированы в [0,1].
type Weights struct {
	Spike    float64 `json:"spike"`    // z-оценка последнего значения
	Envelope float64 `json:"envelope"` // выход за рабочий диапазон
	Rate     float64 `json:"rate"`     // резкий шаг относительно разброса окна
	Gap      float64 `json:"gap"`      // нарушение каденции (задержки или флуд)
	Stuck    float64 `json:"stuck"`    // повторяющиеся значения (replay)
	Drift    float64 `json:"drift"`    // медленный дрейф (spoofing)
}

// Model: неизменяемый снимок состояния модели. Заменяется целиком через atomic-указатель
// и никогда не мутирует, пока по нему идёт скоринг.
type Model struct {
	Version string  `json:"version"`
	Bias    float64 `json:"bias"`
	Weights Weights `json:"weights"`

	// NeighborWeight: доля «оставшейся» уверенности, которую могут добавить соседи, [0,1]
	NeighborWeight float64 `json:"neighbor_weight"`
	// FlagThreshold: с какой уверенности узел считается помеченным для соседей
	FlagThreshold float64 `json:"flag_threshold"`
	// LabelThreshold: с какой уверенности результату присваивается attack_type
	LabelThreshold float64 `json:"label_threshold"`
}

func DefaultModel() *Model {
	return &Model{
		Version: "heuristic-v1",
		Bias:    -4,
		Weights: Weights{
			Spike:    6,
			Envelope: 6,
			Rate:     3,
			Gap:      5,
			Stuck:    3,
			Drift:    4,
		},
		NeighborWeight: 0.5,
		FlagThreshold:  0.7,
		LabelThreshold: 0.5,
	}
}

// Validate: модель с NaN или выходящими за [0,1] долями не принимается к горячей замене.
func (m *Model) Validate() error {
	if m == nil {
		return domain.Validationf("model snapshot is empty")
	}
	if m.Version == "" {
		return domain.Validationf("model version is required")
	}
	vals := []float64{m.Bias, m.Weights.Spike, m.Weights.Envelope, m.Weights.Rate,
		m.Weights.Gap, m.Weights.Stuck, m.Weights.Drift}
	for _, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return domain.Validationf("model %s has non-finite parameters", m.Version)
		}
	}
	for name, v := range map[string]float64{
		"neighbor_weight": m.NeighborWeight,
		"flag_threshold":  m.FlagThreshold,
		"label_threshold": m.LabelThreshold,
	} {
		if v < 0 || v > 1 || math.IsNaN(v) {
			return domain.Validationf("model %s: %s must be in [0,1], got %v", m.Version, name, v)
		}
	}
	return nil
}

// ParseModel разбирает JSON-снимок (файл или сообщение Redis).
func ParseModel(data []byte) (*Model, error) {
	var m Model
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, domain.Validationf("malformed model snapshot").WithCause(err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// LoadModelFile читает снимок с диска; пустой путь, модель по умолчанию.
func LoadModelFile(path string) (*Model, error) {
	if path == "" {
		return DefaultModel(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model file: %w", err)
	}
	return ParseModel(data)
}

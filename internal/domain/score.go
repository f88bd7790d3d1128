package domain

import (
	"fmt"
	"time"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// AttackType: классификационная метка. Независима от Severity: severity
// выводится из confidence, тип, из характера отклонения.
type AttackType string

const (
	AttackNone     AttackType = ""
	AttackFDI      AttackType = "FDI Attack"
	AttackDoS      AttackType = "DoS"
	AttackReplay   AttackType = "Replay"
	AttackSpoofing AttackType = "Spoofing"
	// AttackUnknown: аномалия без доминирующего признака (например, поднята только соседями)
	AttackUnknown AttackType = "Unknown"
)

// ScoreResult: результат оценки узла за окно. Не персистится сам по себе.
type ScoreResult struct {
	NodeID       string     `json:"node_id"`
	Timestamp    time.Time  `json:"timestamp"`
	Confidence   float64    `json:"confidence"`
	Severity     Severity   `json:"severity"`
	AttackType   AttackType `json:"attack_type,omitempty"`
	Degraded     bool       `json:"degraded"`
	ModelVersion string     `json:"model_version,omitempty"`

	// Компоненты для объяснимости
	Temporal   float64 `json:"temporal"`
	Structural float64 `json:"structural"`

	// Заполняется синхронным путём /model/predict, если создана аномалия
	AnomalyID *int64 `json:"anomaly_id,omitempty"`
}

// SeverityPolicy: монотонное отображение confidence → severity.
// Пороги настраиваются (scoring.severity в конфиге), по умолчанию 0.4 / 0.7 / 0.9.
type SeverityPolicy struct {
	Medium   float64 `mapstructure:"medium" json:"medium"`
	High     float64 `mapstructure:"high" json:"high"`
	Critical float64 `mapstructure:"critical" json:"critical"`
}

func DefaultSeverityPolicy() SeverityPolicy {
	return SeverityPolicy{Medium: 0.4, High: 0.7, Critical: 0.9}
}

// Validate проверяет монотонность порогов.
func (p SeverityPolicy) Validate() error {
	if !(0 <= p.Medium && p.Medium <= p.High && p.High <= p.Critical && p.Critical <= 1) {
		return Validationf("severity thresholds must satisfy 0 <= medium <= high <= critical <= 1, got %.2f/%.2f/%.2f",
			p.Medium, p.High, p.Critical)
	}
	return nil
}

// Classify: метод-интерпретатор, гарантирует валидный уровень для любого confidence.
func (p SeverityPolicy) Classify(confidence float64) Severity {
	switch {
	case confidence >= p.Critical:
		return SeverityCritical
	case confidence >= p.High:
		return SeverityHigh
	case confidence >= p.Medium:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

func (p SeverityPolicy) String() string {
	return fmt.Sprintf("low<%.2f<=medium<%.2f<=high<%.2f<=critical", p.Medium, p.High, p.Critical)
}

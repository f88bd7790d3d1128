package domain

import "time"

// Anomaly: персистентная запись об обнаруженном отклонении.
// Единственная мутация, разрешение (is_resolved false→true, односторонне). Не удаляется.
type Anomaly struct {
	ID         int64      `json:"id"`
	NodeID     string     `json:"node_id"`
	Confidence float64    `json:"confidence"`
	DetectedAt time.Time  `json:"detected_at"`
	IsResolved bool       `json:"is_resolved"`
	Severity   Severity   `json:"severity"`
	AttackType AttackType `json:"attack_type,omitempty"`
	Degraded   bool       `json:"degraded"`

	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy *string    `json:"resolved_by,omitempty"`
}

// Open: аномалия не разрешена.
func (a *Anomaly) Open() bool { return a != nil && !a.IsResolved }

// AnomalyFilter: параметры выборки списка. Resolved == nil означает «все».
type AnomalyFilter struct {
	Resolved *bool
	NodeID   string
	Limit    int
}

const (
	DefaultAnomalyLimit = 50
	MaxAnomalyLimit     = 1000
)

// Normalize приводит лимит к допустимому диапазону.
func (f AnomalyFilter) Normalize() AnomalyFilter {
	if f.Limit <= 0 {
		f.Limit = DefaultAnomalyLimit
	}
	if f.Limit > MaxAnomalyLimit {
		f.Limit = MaxAnomalyLimit
	}
	return f
}

// Match используется in-memory хранилищем.
func (f AnomalyFilter) Match(a *Anomaly) bool {
	if f.Resolved != nil && a.IsResolved != *f.Resolved {
		return false
	}
	if f.NodeID != "" && a.NodeID != f.NodeID {
		return false
	}
	return true
}

// AnomalyEventType: тип события жизненного цикла (для журнала и live-стрима).
type AnomalyEventType string

const (
	AnomalyCreated  AnomalyEventType = "anomaly.created"
	AnomalyResolved AnomalyEventType = "anomaly.resolved"
)

// AnomalyEvent: упорядоченное событие жизненного цикла аномалии.
type AnomalyEvent struct {
	ID         string           `json:"id"`
	Type       AnomalyEventType `json:"type"`
	Anomaly    Anomaly          `json:"anomaly"`
	Actor      string           `json:"actor,omitempty"`
	OccurredAt time.Time        `json:"occurred_at"`
	// Origin: идентификатор инстанса, создавшего событие.
	Origin     string           `json:"origin,omitempty"`
}

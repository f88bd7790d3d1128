package domain

import "time"

// AnalyticsSnapshot: производная от хранилища аномалий.
// Инварианты: TotalAnomalies == count(Anomaly), AnomaliesToday == count(detected_at в текущих сутках),
// AttackTypes[k] == count(attack_type == k).
type AnalyticsSnapshot struct {
	TotalAnomalies int64                `json:"total_anomalies"`
	AnomaliesToday int64                `json:"anomalies_today"`
	OpenAnomalies  int64                `json:"open_anomalies"`
	AttackTypes    map[AttackType]int64 `json:"attack_types"`
	Severities     map[Severity]int64   `json:"severities"`
	DayStart       time.Time            `json:"day_start"`
	GeneratedAt    time.Time            `json:"generated_at"`
}

// UserStats: счётчики учётных записей для админки.
type UserStats struct {
	TotalUsers   int64 `json:"total_users"`
	ActiveUsers  int64 `json:"active_users"`
	PendingUsers int64 `json:"pending_users"`
}

// AdminAnalytics: ответ GET /admin/analytics.
type AdminAnalytics struct {
	AnalyticsSnapshot
	UserStats
	AnomalyFrequency float64 `json:"anomaly_frequency"` // аномалий в час за текущие сутки
	SystemHealth     string  `json:"system_health"`
}

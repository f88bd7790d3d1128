package domain

import "time"

// FeatureSample: одно нормализованное показание узла в скользящем окне.
type FeatureSample struct {
	NodeID    string    `json:"node_id"`
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`

	// Производные признаки относительно предыдущего показания
	Delta    float64 `json:"delta"`
	Rate     float64 `json:"rate"`     // изменение в секунду
	Interval float64 `json:"interval"` // секунды с предыдущего показания
}

// Features: агрегаты по окну, вход для Scorer.
type Features struct {
	Count        int     `json:"count"`
	Mean         float64 `json:"mean"`
	StdDev       float64 `json:"std_dev"`
	Min          float64 `json:"min"`
	Max          float64 `json:"max"`
	Last         float64 `json:"last"`
	ZScore       float64 `json:"z_score"`       // отклонение последнего значения от среднего окна
	Slope        float64 `json:"slope"`         // тренд (ед./сек), МНК по окну
	RateOfChange float64 `json:"rate_of_change"` // скорость изменения на последнем шаге
	EnvelopeDist float64 `json:"envelope_dist"`  // насколько последнее значение вышло за рабочий диапазон, в долях ширины диапазона
	GapRatio     float64 `json:"gap_ratio"`      // средний интервал / ожидаемый интервал
	UniqueRatio  float64 `json:"unique_ratio"`   // доля различных значений в окне
	Span         float64 `json:"span"`           // секунды от первого до последнего отсчёта
}

// FeatureVector: то, что Feature Ingest отдаёт скорингу: окно узла на момент Timestamp.
type FeatureVector struct {
	NodeID    string          `json:"node_id"`
	Timestamp time.Time       `json:"timestamp"`
	Samples   []FeatureSample `json:"samples"`
	Features  Features        `json:"features"`
	Trigger   string          `json:"trigger"` // "window_full" | "tick" | "sync"
}

// TelemetryReading: сырое показание на входе (HTTP, gRPC, Kafka).
type TelemetryReading struct {
	NodeID    string    `json:"node_id" validate:"required,max=128"`
	Value     *float64  `json:"value" validate:"required"`
	Timestamp time.Time `json:"timestamp"`
}

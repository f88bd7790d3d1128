package ingest

import (
	"math"

	"github.com/xela07ax/iiot-sentinel/internal/domain"
)

// z-оценка ограничивается сверху: при почти нулевой дисперсии окна она иначе уходит в бесконечность
const maxZScore = 10.0

// ComputeFeatures сворачивает окно (по возрастанию времени) в агрегаты для скоринга.
func ComputeFeatures(samples []domain.FeatureSample, node domain.Node) domain.Features {
	n := len(samples)
	if n == 0 {
		return domain.Features{GapRatio: 1, UniqueRatio: 1}
	}

	f := domain.Features{
		Count: n,
		Min:   samples[0].Value,
		Max:   samples[0].Value,
		Last:  samples[n-1].Value,
	}

	// Welford по всему окну
	var mean, m2 float64
	unique := make(map[float64]struct{}, n)
	for i, s := range samples {
		diff := s.Value - mean
		mean += diff / float64(i+1)
		m2 += diff * (s.Value - mean)
		f.Min = math.Min(f.Min, s.Value)
		f.Max = math.Max(f.Max, s.Value)
		unique[s.Value] = struct{}{}
	}
	f.Mean = mean
	f.StdDev = math.Sqrt(m2 / float64(n))
	f.UniqueRatio = float64(len(unique)) / float64(n)

	f.Span = samples[n-1].Timestamp.Sub(samples[0].Timestamp).Seconds()
	f.ZScore = zScore(samples)
	f.Slope = slope(samples)
	if n > 1 {
		f.RateOfChange = samples[n-1].Rate
	}
	f.EnvelopeDist = envelopeDistance(f.Last, node.Envelope)
	f.GapRatio = gapRatio(samples, node.ExpectedInterval.Seconds())
	return f
}

// zScore: отклонение последнего значения от базы (окно без последнего отсчёта).
func zScore(samples []domain.FeatureSample) float64 {
	n := len(samples)
	if n < 3 {
		return 0
	}
	var mean, m2 float64
	for i, s := range samples[:n-1] {
		diff := s.Value - mean
		mean += diff / float64(i+1)
		m2 += diff * (s.Value - mean)
	}
	sd := math.Sqrt(m2 / float64(n-1))
	dev := math.Abs(samples[n-1].Value - mean)
	if dev == 0 {
		return 0
	}
	floor := 1e-6 * math.Max(1, math.Abs(mean))
	return math.Min(dev/math.Max(sd, floor), maxZScore)
}

// slope: МНК-тренд value(t), ед./сек.
func slope(samples []domain.FeatureSample) float64 {
	n := len(samples)
	if n < 2 {
		return 0
	}
	t0 := samples[0].Timestamp
	var sx, sy, sxx, sxy float64
	for _, s := range samples {
		x := s.Timestamp.Sub(t0).Seconds()
		sx += x
		sy += s.Value
		sxx += x * x
		sxy += x * s.Value
	}
	fn := float64(n)
	den := fn*sxx - sx*sx
	if den == 0 {
		return 0
	}
	return (fn*sxy - sx*sy) / den
}

func envelopeDistance(v float64, env *domain.Envelope) float64 {
	if env == nil {
		return 0
	}
	width := env.Max - env.Min
	if width <= 0 {
		width = 1
	}
	switch {
	case v < env.Min:
		return (env.Min - v) / width
	case v > env.Max:
		return (v - env.Max) / width
	}
	return 0
}

// gapRatio: средний интервал к ожидаемому. Без ожидаемого интервала считаем поток штатным (1).
func gapRatio(samples []domain.FeatureSample, expected float64) float64 {
	n := len(samples)
	if n < 2 || expected <= 0 {
		return 1
	}
	span := samples[n-1].Timestamp.Sub(samples[0].Timestamp).Seconds()
	return (span / float64(n-1)) / expected
}

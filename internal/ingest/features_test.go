package ingest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/xela07ax/iiot-sentinel/internal/domain"
)

func series(values ...float64) []domain.FeatureSample {
	out := make([]domain.FeatureSample, len(values))
	for k, v := range values {
		out[k] = domain.FeatureSample{Timestamp: t0.Add(time.Duration(k) * time.Second), Value: v}
		if k > 0 {
			out[k].Delta = v - values[k-1]
			out[k].Interval = 1
			out[k].Rate = out[k].Delta
		}
	}
	return out
}

func TestComputeFeatures_Steady(t *testing.T) {
	f := ComputeFeatures(series(5, 5, 5, 5), domain.Node{})
	assert.Equal(t, 4, f.Count)
	assert.Equal(t, 5.0, f.Mean)
	assert.Zero(t, f.StdDev)
	assert.Zero(t, f.ZScore)
	assert.Zero(t, f.Slope)
	assert.Equal(t, 0.25, f.UniqueRatio)
	assert.Equal(t, 1.0, f.GapRatio)
}

func TestComputeFeatures_Spike(t *testing.T) {
	node := domain.Node{Envelope: &domain.Envelope{Min: 0, Max: 10}, ExpectedInterval: 500 * time.Millisecond}
	f := ComputeFeatures(series(4, 5, 4, 5, 30), node)
	assert.Equal(t, maxZScore, f.ZScore)
	assert.Equal(t, 25.0, f.RateOfChange)
	assert.InDelta(t, 2.0, f.EnvelopeDist, 1e-9)
	assert.InDelta(t, 2.0, f.GapRatio, 1e-9)
	assert.Equal(t, 30.0, f.Max)
}

func TestComputeFeatures_Empty(t *testing.T) {
	f := ComputeFeatures(nil, domain.Node{})
	assert.Zero(t, f.Count)
	assert.Equal(t, 1.0, f.GapRatio)
}

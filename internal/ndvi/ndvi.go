package ndvi

import (
	"math"
	"time"

	"github.com/emeraldleaf/riparian-poc/internal/models"
)

// Index computes the normalized difference vegetation index per pixel:
// (NIR - Red) / (NIR + Red), range [-1, +1]. Pixels where the result is
// undefined (zero denominator, non-finite inputs) come back as 0.
func Index(nir, red []float64) []float64 {
	n := len(nir)
	if len(red) < n {
		n = len(red)
	}
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		v := (nir[i] - red[i]) / (nir[i] + red[i])
		if math.IsNaN(v) || math.IsInf(v, 0) {
			v = 0
		}
		out[i] = v
	}
	return out
}

// Stats summarizes an NDVI pixel population.
type Stats struct {
	Mean  float64
	Min   float64
	Max   float64
	Count int
}

// ComputeStats aggregates mean/min/max over the valid values in [-1, 1].
// A population with no valid pixels yields a zero Stats with Count 0.
func ComputeStats(values []float64) Stats {
	var (
		sum   float64
		min   = math.Inf(1)
		max   = math.Inf(-1)
		count int
	)
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < -1 || v > 1 {
			continue
		}
		sum += v
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
		count++
	}
	if count == 0 {
		return Stats{}
	}
	return Stats{Mean: sum / float64(count), Min: min, Max: max, Count: count}
}

// Policy is the table-driven seasonal classification policy. Thresholds and
// the growing-season window come from configuration, never from code.
type Policy struct {
	SeasonStart       time.Month
	SeasonEnd         time.Month
	HealthyThreshold  float64
	DegradedThreshold float64
}

// Season returns the season context for an acquisition date. A window with
// SeasonEnd before SeasonStart wraps the year boundary.
func (p Policy) Season(d time.Time) string {
	m := d.Month()
	var growing bool
	if p.SeasonStart <= p.SeasonEnd {
		growing = m >= p.SeasonStart && m <= p.SeasonEnd
	} else {
		growing = m >= p.SeasonStart || m <= p.SeasonEnd
	}
	if growing {
		return models.SeasonPeakGrowing
	}
	return models.SeasonDormant
}

// Classify maps a mean NDVI and season context to a health category.
// Dormant-season readings are always dormant regardless of the numeric
// value: expected winter senescence is not ecological failure.
func (p Policy) Classify(mean float64, season string) string {
	if season == models.SeasonDormant {
		return models.HealthDormant
	}
	switch {
	case mean > p.HealthyThreshold:
		return models.HealthHealthy
	case mean >= p.DegradedThreshold:
		return models.HealthDegraded
	default:
		return models.HealthBare
	}
}

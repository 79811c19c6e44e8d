package capture

import (
	"math"
	"sync"
	"time"
)

const (
	// fpsWindow is the number of frame timestamps kept for the rolling rate.
	// 32 frames ≈ 1s at 30fps.
	fpsWindow = 32

	// fpsStabilityThreshold: stable if stddev < 15% of mean FPS.
	fpsStabilityThreshold = 0.15

	// jitterStabilityThreshold: stable if mean jitter < 20% of the mean interval.
	jitterStabilityThreshold = 0.20
)

// FPSStats describes the frame rate over the rolling window.
type FPSStats struct {
	Samples int

	Mean   float64
	StdDev float64
	Min    float64
	Max    float64

	// Jitter is the deviation of inter-frame intervals from their mean.
	JitterMean time.Duration
	JitterMax  time.Duration

	IsStable bool
}

// FPSMeter keeps a ring of recent frame times. Safe for concurrent use:
// the capture goroutine ticks while Stats readers snapshot.
type FPSMeter struct {
	mu    sync.Mutex
	times [fpsWindow]time.Time
	next  int
	count int
}

// Tick records one frame at t.
func (m *FPSMeter) Tick(t time.Time) {
	m.mu.Lock()
	m.times[m.next] = t
	m.next = (m.next + 1) % fpsWindow
	if m.count < fpsWindow {
		m.count++
	}
	m.mu.Unlock()
}

// Reset clears the window.
func (m *FPSMeter) Reset() {
	m.mu.Lock()
	m.next, m.count = 0, 0
	m.mu.Unlock()
}

// FPS returns the rolling rate, 0 with fewer than two frames.
func (m *FPSMeter) FPS() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.count < 2 {
		return 0
	}
	first := m.times[(m.next-m.count+fpsWindow)%fpsWindow]
	last := m.times[(m.next-1+fpsWindow)%fpsWindow]
	span := last.Sub(first).Seconds()
	if span <= 0 {
		return 0
	}
	return float64(m.count-1) / span
}

// Stats computes window statistics.
func (m *FPSMeter) Stats() FPSStats {
	m.mu.Lock()
	ordered := make([]time.Time, m.count)
	for i := 0; i < m.count; i++ {
		ordered[i] = m.times[(m.next-m.count+i+fpsWindow)%fpsWindow]
	}
	m.mu.Unlock()

	return CalculateFPSStats(ordered)
}

// CalculateFPSStats computes frame-rate statistics from ordered frame times.
//
// This function:
//  1. Derives instantaneous FPS for each interval
//  2. Finds mean, min, max and standard deviation
//  3. Measures jitter as |interval - mean interval|
//  4. Marks the window stable when stddev < 15% of mean AND jitter < 20% of the interval
func CalculateFPSStats(frameTimes []time.Time) FPSStats {
	n := len(frameTimes)
	stats := FPSStats{Samples: n}
	if n < 2 {
		return stats
	}

	intervals := make([]float64, 0, n-1)
	for i := 1; i < n; i++ {
		if d := frameTimes[i].Sub(frameTimes[i-1]).Seconds(); d > 0 {
			intervals = append(intervals, d)
		}
	}
	if len(intervals) == 0 {
		return stats
	}

	var sumInterval float64
	stats.Min = math.MaxFloat64
	fps := make([]float64, len(intervals))
	for i, d := range intervals {
		sumInterval += d
		fps[i] = 1 / d
		stats.Min = math.Min(stats.Min, fps[i])
		stats.Max = math.Max(stats.Max, fps[i])
	}
	meanInterval := sumInterval / float64(len(intervals))
	stats.Mean = 1 / meanInterval

	var variance float64
	for _, f := range fps {
		variance += (f - stats.Mean) * (f - stats.Mean)
	}
	stats.StdDev = math.Sqrt(variance / float64(len(fps)))

	var jitterSum, jitterMax float64
	for _, d := range intervals {
		j := math.Abs(d - meanInterval)
		jitterSum += j
		jitterMax = math.Max(jitterMax, j)
	}
	jitterMean := jitterSum / float64(len(intervals))
	stats.JitterMean = time.Duration(jitterMean * float64(time.Second))
	stats.JitterMax = time.Duration(jitterMax * float64(time.Second))

	stats.IsStable = stats.StdDev < stats.Mean*fpsStabilityThreshold &&
		jitterMean < meanInterval*jitterStabilityThreshold

	return stats
}

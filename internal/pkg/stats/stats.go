// Package stats provides the rolling statistics primitives shared by the
// rate limiter and the anomaly detector: mean/stddev over capped windows,
// median, Bollinger bands and normal-distribution tail probabilities.
package stats

import (
	"math"
	"sort"
)

func Mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// StdDev is the population standard deviation, two-pass. The windows it
// runs over are capped (<= 1000 entries) so the second pass is cheap.
func StdDev(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	m := Mean(xs)
	var sq float64
	for _, x := range xs {
		d := x - m
		sq += d * d
	}
	return math.Sqrt(sq / float64(len(xs)))
}

func Min(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	min := xs[0]
	for _, x := range xs[1:] {
		if x < min {
			min = x
		}
	}
	return min
}

func Max(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	max := xs[0]
	for _, x := range xs[1:] {
		if x > max {
			max = x
		}
	}
	return max
}

func Median(xs []float64) float64 {
	n := len(xs)
	if n == 0 {
		return 0
	}
	sorted := make([]float64, n)
	copy(sorted, xs)
	sort.Float64s(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// ZScore returns 0 when the distribution has no spread.
func ZScore(x, mean, stddev float64) float64 {
	if stddev == 0 {
		return 0
	}
	return (x - mean) / stddev
}

// Bands holds a Bollinger band around a rolling mean.
type Bands struct {
	Mean   float64
	StdDev float64
	Upper  float64 // mean + k*sigma
	Lower  float64 // mean - k*sigma
}

// Bollinger computes a +-k sigma band over the last `period` samples.
// Fewer samples than the period use whatever is available.
func Bollinger(xs []float64, period int, k float64) Bands {
	if period > 0 && len(xs) > period {
		xs = xs[len(xs)-period:]
	}
	m := Mean(xs)
	sd := StdDev(xs)
	return Bands{
		Mean:   m,
		StdDev: sd,
		Upper:  m + k*sd,
		Lower:  m - k*sd,
	}
}

// Erf is the Abramowitz & Stegun 7.1.26 approximation of the error
// function, accurate to ~1.5e-7. Kept explicit so the impossible-price
// probability is reproducible across platforms.
func Erf(x float64) float64 {
	sign := 1.0
	if x < 0 {
		sign = -1.0
		x = -x
	}

	const (
		a1 = 0.254829592
		a2 = -0.284496736
		a3 = 1.421413741
		a4 = -1.453152027
		a5 = 1.061405429
		p  = 0.3275911
	)

	t := 1.0 / (1.0 + p*x)
	y := 1.0 - (((((a5*t+a4)*t)+a3)*t+a2)*t+a1)*t*math.Exp(-x*x)
	return sign * y
}

// NormalTwoTailProb returns P(|Z| >= |z|) for a standard normal Z.
func NormalTwoTailProb(z float64) float64 {
	z = math.Abs(z)
	return 1.0 - Erf(z/math.Sqrt2)
}

// Correlation is the Pearson coefficient over two equal-length series.
// Returns 0 when either series is degenerate.
func Correlation(xs, ys []float64) float64 {
	n := len(xs)
	if n != len(ys) || n < 2 {
		return 0
	}
	mx, my := Mean(xs), Mean(ys)
	var cov, vx, vy float64
	for i := 0; i < n; i++ {
		dx := xs[i] - mx
		dy := ys[i] - my
		cov += dx * dy
		vx += dx * dx
		vy += dy * dy
	}
	if vx == 0 || vy == 0 {
		return 0
	}
	return cov / math.Sqrt(vx*vy)
}

// Clamp bounds x to [lo, hi].
func Clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

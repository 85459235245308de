package predict

import (
	"math"
	"math/rand/v2"

	"github.com/sweeney/heating-controller/internal/history"
)

// NumFeatures is the width of the model input.
const NumFeatures = 8

// NumOutputs is the width of the model output: temperature change in 30 and
// 60 minutes, and the optimal stop offset.
const NumOutputs = 3

// DefaultOutsideTemp stands in for a missing outside reading.
const DefaultOutsideTemp = 15.0

// Stats holds per-feature z-score parameters.
type Stats struct {
	Mean [NumFeatures]float64 `json:"mean"`
	Std  [NumFeatures]float64 `json:"std"`
}

// IdentityStats leaves features unchanged.
func IdentityStats() Stats {
	var s Stats
	for i := range s.Std {
		s.Std[i] = 1
	}
	return s
}

// Apply normalises x in place.
func (s Stats) Apply(x []float64) []float64 {
	for i := range x {
		std := s.Std[i]
		if std == 0 {
			std = 1
		}
		x[i] = (x[i] - s.Mean[i]) / std
	}
	return x
}

// ComputeStats returns mean and population standard deviation per feature.
// Zero deviations are replaced by 1.
func ComputeStats(X [][]float64) Stats {
	s := IdentityStats()
	if len(X) == 0 {
		return s
	}
	n := float64(len(X))
	for i := 0; i < NumFeatures; i++ {
		var sum float64
		for _, x := range X {
			sum += x[i]
		}
		mean := sum / n
		var variance float64
		for _, x := range X {
			d := x[i] - mean
			variance += d * d
		}
		std := math.Sqrt(variance / n)
		if std == 0 {
			std = 1
		}
		s.Mean[i] = mean
		s.Std[i] = std
	}
	return s
}

func features(current, target, duration, rate float64, outside *float64, hour, weekday int) []float64 {
	out := DefaultOutsideTemp
	if outside != nil {
		out = *outside
	}
	return []float64{
		current,
		target,
		target - current,
		duration,
		rate,
		out,
		float64(hour) / 24,
		float64(weekday) / 7,
	}
}

func pointFeatures(p history.TrainingPoint) []float64 {
	x := features(p.CurrentTemp, p.TargetTemp, p.HeatingDuration, p.RecentHeatingRate, p.OutsideTemp, p.TimeOfDay, p.DayOfWeek)
	// Keep the recorded difference rather than recomputing it.
	x[2] = p.TempDifference
	return x
}

func pointTargets(p history.TrainingPoint) []float64 {
	// The 60 minute label is extrapolated from the 30 minute one.
	return []float64{p.FutureTempChange, p.FutureTempChange * 2, p.OptimalStopOffset}
}

// shuffleAndSplit shuffles the samples and holds out a validation fraction.
// Fewer than five samples are all used for training.
func shuffleAndSplit(X, Y [][]float64, valFraction float64, rng *rand.Rand) (trainX, trainY, valX, valY [][]float64) {
	n := len(X)
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	rng.Shuffle(n, func(i, j int) { idx[i], idx[j] = idx[j], idx[i] })

	nVal := 0
	if n >= 5 {
		nVal = max(1, int(float64(n)*valFraction))
	}
	nTrain := n - nVal
	for k, i := range idx {
		if k < nTrain {
			trainX = append(trainX, X[i])
			trainY = append(trainY, Y[i])
		} else {
			valX = append(valX, X[i])
			valY = append(valY, Y[i])
		}
	}
	return
}

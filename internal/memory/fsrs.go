package memory

import (
	"math"
	"time"
)

// Review grades, in increasing recall quality.
type Grade int

const (
	GradeAgain Grade = iota
	GradeHard
	GradeGood
	GradeEasy
)

// Retrievability is the probability the memory is still recallable after the
// elapsed time, given its stability (in days).
func Retrievability(state FsrsState, now time.Time) float64 {
	if state.Stability <= 0 {
		return 0
	}
	elapsed := now.Sub(state.LastAccessedAt).Hours() / 24
	if elapsed < 0 {
		elapsed = 0
	}
	return math.Pow(1+elapsed/(9*state.Stability), -1)
}

// Review applies one recall grade and returns the updated state. Successful
// recalls grow stability multiplicatively, failures shrink it; difficulty
// drifts toward easy or hard and stays inside [1, 10].
func Review(state FsrsState, grade Grade, now time.Time) FsrsState {
	r := Retrievability(state, now)

	switch grade {
	case GradeAgain:
		state.Stability = math.Max(0.1, state.Stability*0.5)
		state.Difficulty += 0.8
		state.RetrievalStrength = math.Max(0.1, state.RetrievalStrength*0.7)
	case GradeHard:
		state.Stability *= 1 + 0.3*(1-r)
		state.Difficulty += 0.3
		state.RetrievalStrength = math.Min(1, state.RetrievalStrength*1.05)
	case GradeGood:
		state.Stability *= 1 + 0.8*(1-r)
		state.Difficulty -= 0.2
		state.RetrievalStrength = math.Min(1, state.RetrievalStrength*1.1)
	case GradeEasy:
		state.Stability *= 1 + 1.5*(1-r)
		state.Difficulty -= 0.5
		state.RetrievalStrength = 1
	}

	state.Difficulty = clamp(state.Difficulty, 1, 10)
	state.StorageStrength = math.Min(1, state.StorageStrength+0.05)
	state.AccessCount++
	state.LastAccessedAt = now
	return state
}

// ReinforceOnAccess is the light-touch update applied when a memory is
// surfaced by retrieval rather than explicitly reviewed.
func ReinforceOnAccess(state FsrsState, now time.Time) FsrsState {
	return Review(state, GradeGood, now)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

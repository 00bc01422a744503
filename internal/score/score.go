// Package score computes the 0-100 relative performance score: each per-minute
// normalized metric of a match is percentile-ranked against the player's own
// historical distribution of that metric, and the final score is a fixed
// weighted average of the per-metric percentiles. Purely a function of the
// player's own history; no cross-player comparison.
package score

import (
	"fmt"
	"sort"

	"github.com/you/matchvault/internal/core"
	"github.com/you/matchvault/internal/sharedstore"
)

const DefaultMinSamples = 10

// metric extracts one normalized figure from a stat line. ok is false when
// the backing data was never captured (e.g. accuracy before a shots backfill).
type metric struct {
	name    string
	weight  float64
	invert  bool // lower raw value ranks higher (deaths)
	extract func(sharedstore.ParticipantWithMatch) (float64, bool)
}

// Weights sum to 1.0; no single metric dominates.
var metrics = []metric{
	{name: "kills_per_min", weight: 0.18, extract: perMinute(func(p core.Participant) float64 { return float64(p.Kills) })},
	{name: "deaths_per_min", weight: 0.15, invert: true, extract: perMinute(func(p core.Participant) float64 { return float64(p.Deaths) })},
	{name: "assists_per_min", weight: 0.10, extract: perMinute(func(p core.Participant) float64 { return float64(p.Assists) })},
	{name: "kad_ratio", weight: 0.15, extract: func(r sharedstore.ParticipantWithMatch) (float64, bool) {
		deaths := r.Deaths
		if deaths < 1 {
			deaths = 1
		}
		return float64(r.Kills+r.Assists) / float64(deaths), true
	}},
	{name: "accuracy", weight: 0.12, extract: func(r sharedstore.ParticipantWithMatch) (float64, bool) {
		return r.Participant.Accuracy()
	}},
	{name: "score_per_min", weight: 0.12, extract: perMinute(func(p core.Participant) float64 { return float64(p.Score) })},
	{name: "damage_per_min", weight: 0.10, extract: perMinute(func(p core.Participant) float64 {
		if p.DamageDealt == nil {
			return -1
		}
		return float64(*p.DamageDealt)
	})},
	{name: "rank_term", weight: 0.08, invert: true, extract: func(r sharedstore.ParticipantWithMatch) (float64, bool) {
		if r.RankInMatch < 1 {
			return 0, false
		}
		return float64(r.RankInMatch), true
	}},
}

func perMinute(raw func(core.Participant) float64) func(sharedstore.ParticipantWithMatch) (float64, bool) {
	return func(r sharedstore.ParticipantWithMatch) (float64, bool) {
		d := r.Duration()
		if d <= 0 {
			return 0, false
		}
		v := raw(r.Participant)
		if v < 0 {
			return 0, false
		}
		return v / d.Minutes(), true
	}
}

// Engine holds the scoring configuration.
type Engine struct {
	MinSamples int
}

func New(minSamples int) *Engine {
	if minSamples <= 0 {
		minSamples = DefaultMinSamples
	}
	return &Engine{MinSamples: minSamples}
}

// Result is one computed score with its per-metric percentile breakdown.
type Result struct {
	Score       float64
	Confidence  core.ScoreConfidence
	Samples     int
	Percentiles map[string]float64
}

// Compute scores the match identified by matchID against the supplied history
// (which must include the target match itself). Below MinSamples the score is
// still computed but flagged low-confidence.
func (e *Engine) Compute(history []sharedstore.ParticipantWithMatch, matchID string) (Result, error) {
	var target *sharedstore.ParticipantWithMatch
	for i := range history {
		if history[i].MatchID == matchID {
			target = &history[i]
			break
		}
	}
	if target == nil {
		return Result{}, fmt.Errorf("score: match %s not in history", matchID)
	}

	res := Result{
		Samples:     len(history),
		Percentiles: make(map[string]float64, len(metrics)),
		Confidence:  core.ConfidenceNormal,
	}
	if len(history) < e.MinSamples {
		res.Confidence = core.ConfidenceLow
	}

	var weighted, weightSum float64
	for _, m := range metrics {
		targetVal, ok := m.extract(*target)
		if !ok {
			// Metric not captured for this match; redistribute its weight.
			continue
		}
		var dist []float64
		for _, row := range history {
			if v, ok := m.extract(row); ok {
				dist = append(dist, v)
			}
		}
		if len(dist) == 0 {
			continue
		}
		p := percentileRank(dist, targetVal)
		if m.invert {
			p = 100 - p
		}
		res.Percentiles[m.name] = p
		weighted += p * m.weight
		weightSum += m.weight
	}

	if weightSum == 0 {
		// Nothing measurable; call it a median match rather than failing.
		res.Score = 50
		return res, nil
	}
	res.Score = clamp(weighted/weightSum, 0, 100)
	return res, nil
}

// percentileRank returns where v sits in dist on a 0-100 scale: 0 is the
// personal worst, 100 the personal best, ties share the midpoint of their run.
func percentileRank(dist []float64, v float64) float64 {
	if len(dist) <= 1 {
		return 50
	}
	sorted := append([]float64(nil), dist...)
	sort.Float64s(sorted)

	less := sort.SearchFloat64s(sorted, v)
	upper := sort.Search(len(sorted), func(i int) bool { return sorted[i] > v })
	equal := upper - less
	if equal < 1 {
		equal = 1
	}

	// Midpoint of the tied run, over n-1 so the extremes hit exactly 0 and 100.
	rank := float64(less) + float64(equal-1)/2
	return clamp(rank/float64(len(sorted)-1)*100, 0, 100)
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

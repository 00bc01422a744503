package score

import (
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/you/matchvault/internal/core"
	"github.com/you/matchvault/internal/sharedstore"
)

// historyRow builds a 10-minute match stat line for the tests.
func historyRow(matchID string, kills, deaths, assists, scorePts int) sharedstore.ParticipantWithMatch {
	start := time.Date(2026, 2, 1, 20, 0, 0, 0, time.UTC)
	return sharedstore.ParticipantWithMatch{
		Participant: core.Participant{
			MatchID:     matchID,
			PlayerID:    "alice",
			Kills:       kills,
			Deaths:      deaths,
			Assists:     assists,
			Score:       scorePts,
			RankInMatch: 4,
		},
		StartedAt: start,
		EndedAt:   start.Add(10 * time.Minute),
	}
}

func ladder(n int) []sharedstore.ParticipantWithMatch {
	out := make([]sharedstore.ParticipantWithMatch, 0, n)
	for i := 0; i < n; i++ {
		// Strictly improving: more kills, fewer deaths, better placement up
		// the ladder.
		row := historyRow(fmt.Sprintf("m%d", i), i+1, n-i, i, (i+1)*100)
		row.RankInMatch = n - i
		out = append(out, row)
	}
	return out
}

func TestComputeBounds(t *testing.T) {
	history := ladder(20)
	engine := New(10)

	for _, row := range history {
		res, err := engine.Compute(history, row.MatchID)
		if err != nil {
			t.Fatalf("compute %s: %v", row.MatchID, err)
		}
		if res.Score < 0 || res.Score > 100 {
			t.Fatalf("score %s = %v out of bounds", row.MatchID, res.Score)
		}
		if res.Confidence != core.ConfidenceNormal {
			t.Fatalf("expected normal confidence with 20 samples, got %s", res.Confidence)
		}
	}
}

func TestComputeExtremes(t *testing.T) {
	history := ladder(20)
	engine := New(10)

	best, err := engine.Compute(history, "m19")
	if err != nil {
		t.Fatalf("compute best: %v", err)
	}
	worst, err := engine.Compute(history, "m0")
	if err != nil {
		t.Fatalf("compute worst: %v", err)
	}
	if best.Score <= worst.Score {
		t.Fatalf("best %v should beat worst %v", best.Score, worst.Score)
	}
	// Every captured metric of the ladder is monotonic, so the endpoints land on
	// the boundary percentiles.
	if best.Score != 100 {
		t.Fatalf("best score = %v; want 100", best.Score)
	}
	if worst.Score != 0 {
		t.Fatalf("worst score = %v; want 0", worst.Score)
	}
}

func TestComputeLowConfidence(t *testing.T) {
	history := ladder(5)
	engine := New(10)

	res, err := engine.Compute(history, "m2")
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if res.Confidence != core.ConfidenceLow {
		t.Fatalf("expected low confidence with 5 of 10 samples, got %s", res.Confidence)
	}
	if res.Samples != 5 {
		t.Fatalf("samples = %d", res.Samples)
	}
	if res.Score < 0 || res.Score > 100 {
		t.Fatalf("low-confidence score must still be in range, got %v", res.Score)
	}
}

func TestComputeSingleMatch(t *testing.T) {
	history := ladder(1)
	res, err := New(10).Compute(history, "m0")
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if res.Score != 50 {
		t.Fatalf("single-match score = %v; want the median 50", res.Score)
	}
}

func TestComputeMissingMatch(t *testing.T) {
	if _, err := New(10).Compute(ladder(3), "nope"); err == nil {
		t.Fatalf("expected error for match not in history")
	}
}

func TestComputeMissingMetricRedistributes(t *testing.T) {
	// No shots or damage captured anywhere: accuracy and damage_per_min drop
	// out and their weight redistributes over the rest.
	history := ladder(12)
	res, err := New(10).Compute(history, "m11")
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if _, ok := res.Percentiles["accuracy"]; ok {
		t.Fatalf("accuracy should be absent without shot figures")
	}
	if _, ok := res.Percentiles["damage_per_min"]; ok {
		t.Fatalf("damage_per_min should be absent without damage figures")
	}
	if _, ok := res.Percentiles["kills_per_min"]; !ok {
		t.Fatalf("kills_per_min should be present")
	}
	if res.Score != 100 {
		t.Fatalf("top of ladder should still score 100 after redistribution, got %v", res.Score)
	}
}

func TestComputeNothingMeasurable(t *testing.T) {
	// Zero-duration match: every per-minute metric drops out, leaving only the
	// k/a/d ratio against itself, which pins the score at the median.
	row := historyRow("m0", 5, 5, 5, 500)
	row.EndedAt = row.StartedAt
	row.RankInMatch = 0

	res, err := New(10).Compute([]sharedstore.ParticipantWithMatch{row}, "m0")
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if res.Score != 50 {
		t.Fatalf("score = %v; want 50", res.Score)
	}
}

func TestPercentileRank(t *testing.T) {
	dist := []float64{1, 2, 3, 4, 5}
	cases := []struct {
		v    float64
		want float64
	}{
		{1, 0},
		{5, 100},
		{3, 50},
	}
	for _, c := range cases {
		if got := percentileRank(dist, c.v); got != c.want {
			t.Fatalf("percentileRank(%v) = %v; want %v", c.v, got, c.want)
		}
	}

	// Ties share the midpoint of their run.
	tied := []float64{1, 2, 2, 2, 3}
	got := percentileRank(tied, 2)
	if math.Abs(got-50) > 1e-9 {
		t.Fatalf("tied percentile = %v; want 50", got)
	}

	if got := percentileRank([]float64{7}, 7); got != 50 {
		t.Fatalf("single-sample percentile = %v; want 50", got)
	}
}

func TestWeightsSumToOne(t *testing.T) {
	var sum float64
	for _, m := range metrics {
		sum += m.weight
	}
	if math.Abs(sum-1.0) > 1e-9 {
		t.Fatalf("metric weights sum to %v; want 1.0", sum)
	}
}

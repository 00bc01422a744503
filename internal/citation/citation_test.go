package citation

import (
	"testing"

	"github.com/you/matchvault/internal/core"
)

func baseFacts() MatchFacts {
	return MatchFacts{
		Participant: core.Participant{
			MatchID:  "m1",
			PlayerID: "alice",
			Outcome:  core.OutcomeWin,
			Kills:    12,
			Deaths:   3,
			Assists:  5,
			Score:    2400,
		},
		Medals:          map[string]int{"perfect_kill": 2, "headshot": 4},
		MedalCategories: map[string]int{"zone": 6, "skill": 4},
		EventKinds:      map[string]int{"multikill": 3, "zone_capture": 2},
	}
}

func TestEvaluateKinds(t *testing.T) {
	engine := NewEngine([]core.CitationRule{
		{Name: "Sharpshooter", Kind: core.RuleMedal, MedalID: "perfect_kill", Enabled: true},
		{Name: "Grim Reaper", Kind: core.RuleStat, StatKey: "kills", Enabled: true},
		{Name: "Victorious", Kind: core.RuleStat, StatKey: "wins", Enabled: true},
		{Name: "Zone Controller", Kind: core.RuleAwardCategory, AwardCategory: "zone", Enabled: true},
		{Name: "Rampage", Kind: core.RuleCustom, FuncName: "multikill_spree", Enabled: true},
	})

	got := engine.Evaluate(baseFacts())
	want := map[string]int{
		"Sharpshooter":    2,
		"Grim Reaper":     12,
		"Victorious":      1,
		"Zone Controller": 6,
		"Rampage":         3,
	}
	if len(got) != len(want) {
		t.Fatalf("got %d citations, want %d: %v", len(got), len(want), got)
	}
	for name, v := range want {
		if got[name] != v {
			t.Fatalf("%s = %d; want %d", name, got[name], v)
		}
	}
}

func TestEvaluateSparse(t *testing.T) {
	engine := NewEngine(DefaultRules())

	f := baseFacts()
	f.Participant.Outcome = core.OutcomeLoss
	f.Participant.Kills = 0
	f.Participant.Assists = 0
	f.Medals = nil
	f.MedalCategories = nil
	f.EventKinds = nil

	got := engine.Evaluate(f)
	if len(got) != 0 {
		t.Fatalf("all-zero match should produce no citations, got %v", got)
	}
}

func TestNewEngineFiltersDisabled(t *testing.T) {
	engine := NewEngine([]core.CitationRule{
		{Name: "On", Kind: core.RuleStat, StatKey: "kills", Enabled: true},
		{Name: "Off", Kind: core.RuleStat, StatKey: "deaths", Enabled: false},
	})
	if n := len(engine.Rules()); n != 1 {
		t.Fatalf("kept %d rules; want 1", n)
	}
	got := engine.Evaluate(baseFacts())
	if _, ok := got["Off"]; ok {
		t.Fatalf("disabled rule evaluated: %v", got)
	}
}

func TestNewEngineSkipsUnknownCustom(t *testing.T) {
	engine := NewEngine([]core.CitationRule{
		{Name: "Ghost", Kind: core.RuleCustom, FuncName: "does_not_exist", Enabled: true},
		{Name: "Flawless", Kind: core.RuleCustom, FuncName: "flawless_win", Enabled: true},
	})
	if n := len(engine.Rules()); n != 1 {
		t.Fatalf("kept %d rules; want 1", n)
	}
}

func TestFlawlessWin(t *testing.T) {
	f := baseFacts()
	f.Participant.Deaths = 0
	if got := flawlessWin(f); got != 1 {
		t.Fatalf("zero-death win = %d; want 1", got)
	}
	f.Participant.Deaths = 1
	if got := flawlessWin(f); got != 0 {
		t.Fatalf("one death = %d; want 0", got)
	}
	f.Participant.Deaths = 0
	f.Participant.Outcome = core.OutcomeLoss
	if got := flawlessWin(f); got != 0 {
		t.Fatalf("flawless loss = %d; want 0", got)
	}
}

func TestCaptureStreak(t *testing.T) {
	cases := []struct {
		captures int
		deaths   int
		want     int
	}{
		{0, 0, 0},
		{3, 0, 1},
		{6, 0, 2},
		{6, 1, 1},
		{2, 0, 0},
	}
	for _, c := range cases {
		f := MatchFacts{
			Participant: core.Participant{Deaths: c.deaths},
			EventKinds:  map[string]int{"zone_capture": c.captures},
		}
		if got := captureStreak(f); got != c.want {
			t.Fatalf("captureStreak(%d captures, %d deaths) = %d; want %d", c.captures, c.deaths, got, c.want)
		}
	}
}

func TestStatValueMissingFigures(t *testing.T) {
	f := baseFacts()
	if v, ok := statValue(f, "shots_fired"); ok || v != 0 {
		t.Fatalf("shots_fired without figures = (%d, %v); want (0, false)", v, ok)
	}
	f.Participant.ShotsFired = core.IntPtr(40)
	if v, ok := statValue(f, "shots_fired"); !ok || v != 40 {
		t.Fatalf("shots_fired = (%d, %v); want (40, true)", v, ok)
	}
	if _, ok := statValue(f, "not_a_stat"); ok {
		t.Fatalf("unknown stat key should not resolve")
	}
}

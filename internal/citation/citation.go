// Package citation evaluates the rule-driven achievement counters. Rules are
// loaded once per run and dispatch on their kind tag; each match produces a
// sparse {citation -> value} map and only non-zero entries are persisted.
// Filtered totals are a SQL SUM over the stored sparse rows (repository
// layer), never a re-evaluation per row.
package citation

import (
	"context"
	"log/slog"
	"time"

	"github.com/you/matchvault/internal/core"
	"github.com/you/matchvault/internal/sharedstore"
)

// MatchFacts is everything a rule may inspect for one player in one match:
// the raw stat line plus aggregate medal and event counts already in store.
type MatchFacts struct {
	Participant     core.Participant
	Duration        time.Duration
	Medals          map[string]int // medal_id -> count
	MedalCategories map[string]int // catalog category -> summed count
	EventKinds      map[string]int // event kind -> occurrence count
}

// CustomFunc combines multiple raw signals into one counter. Where true
// per-event sequencing would be needed, implementations approximate from the
// aggregate counts; such rules carry the Approximate flag.
type CustomFunc func(MatchFacts) int

var customFuncs = map[string]CustomFunc{
	"flawless_win":     flawlessWin,
	"capture_streak":   captureStreak,
	"multikill_spree":  multikillSpree,
	"comeback_closer":  comebackCloser,
}

// flawlessWin: won the match without dying once.
func flawlessWin(f MatchFacts) int {
	if f.Participant.Outcome == core.OutcomeWin && f.Participant.Deaths == 0 {
		return 1
	}
	return 0
}

// captureStreak approximates "three zone captures in a row without dying"
// from aggregate counts: capture total over (deaths+1) stretches.
func captureStreak(f MatchFacts) int {
	captures := f.MedalCategories["zone"] + f.EventKinds["zone_capture"]
	if captures == 0 {
		return 0
	}
	stretches := f.Participant.Deaths + 1
	perStretch := captures / stretches
	return perStretch / 3
}

// multikillSpree counts multikill events stacked with spree medals.
func multikillSpree(f MatchFacts) int {
	n := f.EventKinds["multikill"]
	if n == 0 {
		n = f.MedalCategories["multikill"]
	}
	return n
}

// comebackCloser: won a match while ranked outside the top half at some point
// is unobservable from aggregates; approximate as a win with more deaths than
// kills early figures would imply.
func comebackCloser(f MatchFacts) int {
	p := f.Participant
	if p.Outcome == core.OutcomeWin && p.Deaths > p.Kills && p.Score > 0 {
		return 1
	}
	return 0
}

// Engine holds the enabled rules for one run.
type Engine struct {
	rules []core.CitationRule
}

// NewEngine filters the rule set down to evaluable rules. Custom rules naming
// an unknown function are skipped with a warning rather than failing the run.
func NewEngine(rules []core.CitationRule) *Engine {
	kept := make([]core.CitationRule, 0, len(rules))
	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		if r.Kind == core.RuleCustom {
			if _, ok := customFuncs[r.FuncName]; !ok {
				slog.Warn("citation: unknown custom func, skipping rule", "rule", r.Name, "func", r.FuncName)
				continue
			}
		}
		kept = append(kept, r)
	}
	return &Engine{rules: kept}
}

// Rules returns the evaluable rule set.
func (e *Engine) Rules() []core.CitationRule { return e.rules }

// Evaluate computes the sparse counter map for one match. Zero-valued
// citations are omitted.
func (e *Engine) Evaluate(f MatchFacts) map[string]int {
	out := make(map[string]int)
	for _, r := range e.rules {
		v := evaluate(r, f)
		if v != 0 {
			out[r.Name] = v
		}
	}
	return out
}

func evaluate(r core.CitationRule, f MatchFacts) int {
	switch r.Kind {
	case core.RuleMedal:
		return f.Medals[r.MedalID]
	case core.RuleStat:
		v, _ := statValue(f, r.StatKey)
		return v
	case core.RuleAwardCategory:
		return f.MedalCategories[r.AwardCategory]
	case core.RuleCustom:
		fn := customFuncs[r.FuncName]
		if fn == nil {
			return 0
		}
		return fn(f)
	default:
		return 0
	}
}

func statValue(f MatchFacts, key string) (int, bool) {
	p := f.Participant
	switch key {
	case "kills":
		return p.Kills, true
	case "deaths":
		return p.Deaths, true
	case "assists":
		return p.Assists, true
	case "score":
		return p.Score, true
	case "shots_fired":
		if p.ShotsFired == nil {
			return 0, false
		}
		return *p.ShotsFired, true
	case "shots_hit":
		if p.ShotsHit == nil {
			return 0, false
		}
		return *p.ShotsHit, true
	case "damage_dealt":
		if p.DamageDealt == nil {
			return 0, false
		}
		return *p.DamageDealt, true
	case "damage_taken":
		if p.DamageTaken == nil {
			return 0, false
		}
		return *p.DamageTaken, true
	case "wins":
		if p.Outcome == core.OutcomeWin {
			return 1, true
		}
		return 0, true
	case "losses":
		if p.Outcome == core.OutcomeLoss {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

// LoadFacts gathers a match's stored raw facts for one player. No network.
func LoadFacts(ctx context.Context, shared *sharedstore.Store, matchID, playerID string) (MatchFacts, error) {
	p, err := shared.Participant(ctx, matchID, playerID)
	if err != nil {
		return MatchFacts{}, err
	}
	m, err := shared.GetMatch(ctx, matchID)
	if err != nil {
		return MatchFacts{}, err
	}
	medals, err := shared.MedalCounts(ctx, matchID, playerID)
	if err != nil {
		return MatchFacts{}, err
	}
	categories, err := shared.MedalCountsByCategory(ctx, matchID, playerID)
	if err != nil {
		return MatchFacts{}, err
	}
	kinds, err := shared.EventKindCounts(ctx, matchID, playerID)
	if err != nil {
		return MatchFacts{}, err
	}
	return MatchFacts{
		Participant:     p,
		Duration:        m.Duration(),
		Medals:          medals,
		MedalCategories: categories,
		EventKinds:      kinds,
	}, nil
}

// DefaultRules is the seed set written into an empty shared store.
func DefaultRules() []core.CitationRule {
	return []core.CitationRule{
		{Name: "Sharpshooter", Kind: core.RuleMedal, MedalID: "perfect_kill", Enabled: true},
		{Name: "Grim Reaper", Kind: core.RuleStat, StatKey: "kills", Enabled: true},
		{Name: "Team Player", Kind: core.RuleStat, StatKey: "assists", Enabled: true},
		{Name: "Victorious", Kind: core.RuleStat, StatKey: "wins", Enabled: true},
		{Name: "Zone Controller", Kind: core.RuleAwardCategory, AwardCategory: "zone", Enabled: true},
		{Name: "Style Points", Kind: core.RuleAwardCategory, AwardCategory: "skill", Enabled: true},
		{Name: "Flawless", Kind: core.RuleCustom, FuncName: "flawless_win", Enabled: true},
		{Name: "Lockdown", Kind: core.RuleCustom, FuncName: "capture_streak", Approximate: true, Enabled: true},
		{Name: "Rampage", Kind: core.RuleCustom, FuncName: "multikill_spree", Enabled: true},
	}
}

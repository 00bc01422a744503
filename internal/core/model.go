package core

import "time"

// Match is the canonical registry row for one completed game, shared by every
// player who appears in it. Immutable once written.
type Match struct {
	ID         string // service-native match ID (opaque)
	StartedAt  time.Time
	EndedAt    time.Time
	MapID      string
	ModeID     string // game-mode/variant identifier
	PlaylistID string
	Ranked     bool
	SeasonID   string
}

// Duration returns the match length, or zero when the timestamps are unset.
func (m Match) Duration() time.Duration {
	if m.StartedAt.IsZero() || m.EndedAt.IsZero() || m.EndedAt.Before(m.StartedAt) {
		return 0
	}
	return m.EndedAt.Sub(m.StartedAt)
}

// Outcome of one participant in one match.
type Outcome string

const (
	OutcomeWin  Outcome = "win"
	OutcomeLoss Outcome = "loss"
	OutcomeTie  Outcome = "tie"
	OutcomeLeft Outcome = "left"
)

// Participant is one player's record within a specific match. Stat columns are
// written once, the first time any sync fully processes that player in that
// match, and treated as immutable fact afterwards.
// Shot and damage figures are pointers because early syncs did not capture
// them; a nil value is stored as NULL and later filled by backfill.
type Participant struct {
	MatchID     string
	PlayerID    string
	Team        int
	Outcome     Outcome
	Kills       int
	Deaths      int
	Assists     int
	ShotsFired  *int
	ShotsHit    *int
	DamageDealt *int
	DamageTaken *int
	RankInMatch int
	Score       int
}

// Accuracy returns shots hit over shots fired in [0,1] and whether both
// figures were captured.
func (p Participant) Accuracy() (float64, bool) {
	if p.ShotsFired == nil || p.ShotsHit == nil || *p.ShotsFired <= 0 {
		return 0, false
	}
	return float64(*p.ShotsHit) / float64(*p.ShotsFired), true
}

// IntPtr is a convenience for building Participant stat fields.
func IntPtr(v int) *int { return &v }

// HighlightEvent is a timestamped in-match occurrence (kill, death, medal
// trigger). Append-only, keyed by match + sequence.
type HighlightEvent struct {
	MatchID  string
	Seq      int
	AtMS     int // milliseconds since match start
	Kind     string
	ActorID  string
	TargetID string
	Detail   string
}

// MedalAward records how many times one player earned one medal in one match.
type MedalAward struct {
	MatchID  string
	PlayerID string
	MedalID  string
	Count    int
}

// MedalCatalogEntry describes a medal type from the service's catalog.
type MedalCatalogEntry struct {
	MedalID    string
	Name       string
	Difficulty int
	Category   string
}

// SkillInfo is the per-player rating snapshot for a match.
type SkillInfo struct {
	MatchID   string
	PlayerID  string
	CSRBefore int
	CSRAfter  int
	TeamMMR   float64
}

// ScoreConfidence marks how much history backed a computed performance score.
type ScoreConfidence string

const (
	ConfidenceNormal ScoreConfidence = "normal"
	ConfidenceLow    ScoreConfidence = "low"
)

// Enrichment holds the player-local annotations for one match. Unlike the
// shared rows it may be recomputed idempotently at any time.
type Enrichment struct {
	MatchID           string
	SessionID         string
	SessionLabel      string
	PerfScore         *float64
	PerfConfidence    ScoreConfidence
	WithParty         bool
	PersonalScoreJSON string
}

// RuleKind selects the evaluator for a citation rule.
type RuleKind string

const (
	RuleMedal         RuleKind = "medal"
	RuleStat          RuleKind = "stat"
	RuleAwardCategory RuleKind = "award_category"
	RuleCustom        RuleKind = "custom"
)

// CitationRule is a named achievement-counter rule. Only the fields relevant
// to its Kind are populated.
type CitationRule struct {
	Name          string
	Kind          RuleKind
	MedalID       string // RuleMedal
	StatKey       string // RuleStat
	AwardCategory string // RuleAwardCategory
	FuncName      string // RuleCustom
	Approximate   bool   // custom rules approximated from aggregate counts
	Enabled       bool
}

// MatchCitation is one sparse computed counter: match + rule name + value.
// Zero values are never persisted.
type MatchCitation struct {
	MatchID  string
	Citation string
	Value    int
}

// MatchSummary is one entry from the paginated history endpoint: just enough
// to classify a match as known or new without fetching detail.
type MatchSummary struct {
	MatchID    string
	StartedAt  time.Time
	EndedAt    time.Time
	MapID      string
	ModeID     string
	PlaylistID string
	Ranked     bool
}

// MatchDetail bundles everything the service returns for a full match fetch.
type MatchDetail struct {
	Match        Match
	Participants []Participant
	Events       []HighlightEvent
	Medals       []MedalAward
}

package apiclient

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/you/matchvault/internal/core"
)

type clientMetrics struct {
	calls   atomic.Int64
	retries atomic.Int64
}

type historyPageWire struct {
	Matches []matchSummaryWire `json:"matches"`
}

type matchSummaryWire struct {
	MatchID    string `json:"match_id"`
	StartedAt  string `json:"started_at"`
	EndedAt    string `json:"ended_at"`
	MapID      string `json:"map_id"`
	ModeID     string `json:"mode_id"`
	PlaylistID string `json:"playlist_id"`
	Ranked     bool   `json:"ranked"`
}

func (w matchSummaryWire) toCore() (core.MatchSummary, error) {
	if w.MatchID == "" {
		return core.MatchSummary{}, fmt.Errorf("missing match_id")
	}
	started, err := parseWireTime(w.StartedAt)
	if err != nil {
		return core.MatchSummary{}, fmt.Errorf("started_at: %w", err)
	}
	ended, err := parseWireTime(w.EndedAt)
	if err != nil {
		// Tolerated: an in-progress or truncated record still classifies.
		ended = time.Time{}
	}
	return core.MatchSummary{
		MatchID:    w.MatchID,
		StartedAt:  started,
		EndedAt:    ended,
		MapID:      w.MapID,
		ModeID:     w.ModeID,
		PlaylistID: w.PlaylistID,
		Ranked:     w.Ranked,
	}, nil
}

type matchStatsWire struct {
	StartedAt    string            `json:"started_at"`
	EndedAt      string            `json:"ended_at"`
	MapID        string            `json:"map_id"`
	ModeID       string            `json:"mode_id"`
	PlaylistID   string            `json:"playlist_id"`
	Ranked       bool              `json:"ranked"`
	SeasonID     string            `json:"season_id"`
	Participants []participantWire `json:"participants"`
	Medals       []medalWire       `json:"medals"`
}

type participantWire struct {
	PlayerID    string `json:"player_id"`
	Team        int    `json:"team"`
	Outcome     string `json:"outcome"`
	Kills       int    `json:"kills"`
	Deaths      int    `json:"deaths"`
	Assists     int    `json:"assists"`
	ShotsFired  *int   `json:"shots_fired"`
	ShotsHit    *int   `json:"shots_hit"`
	DamageDealt *int   `json:"damage_dealt"`
	DamageTaken *int   `json:"damage_taken"`
	RankInMatch int    `json:"rank"`
	Score       int    `json:"score"`
}

func (p participantWire) toCore(matchID string) core.Participant {
	return core.Participant{
		MatchID:     matchID,
		PlayerID:    p.PlayerID,
		Team:        p.Team,
		Outcome:     normalizeOutcome(p.Outcome),
		Kills:       p.Kills,
		Deaths:      p.Deaths,
		Assists:     p.Assists,
		ShotsFired:  nonNegative(p.ShotsFired),
		ShotsHit:    nonNegative(p.ShotsHit),
		DamageDealt: nonNegative(p.DamageDealt),
		DamageTaken: nonNegative(p.DamageTaken),
		RankInMatch: p.RankInMatch,
		Score:       p.Score,
	}
}

type medalWire struct {
	PlayerID string `json:"player_id"`
	MedalID  string `json:"medal_id"`
	Count    int    `json:"count"`
}

func (w matchStatsWire) toCore(matchID string) core.MatchDetail {
	started, err := parseWireTime(w.StartedAt)
	if err != nil {
		slog.Warn("apiclient: match stats missing started_at", "match", matchID, "err", err)
	}
	ended, err := parseWireTime(w.EndedAt)
	if err != nil {
		slog.Warn("apiclient: match stats missing ended_at", "match", matchID, "err", err)
	}

	detail := core.MatchDetail{
		Match: core.Match{
			ID:         matchID,
			StartedAt:  started,
			EndedAt:    ended,
			MapID:      w.MapID,
			ModeID:     w.ModeID,
			PlaylistID: w.PlaylistID,
			Ranked:     w.Ranked,
			SeasonID:   w.SeasonID,
		},
	}

	for _, p := range w.Participants {
		if p.PlayerID == "" {
			slog.Warn("apiclient: dropping participant without player_id", "match", matchID)
			continue
		}
		detail.Participants = append(detail.Participants, p.toCore(matchID))
	}

	for _, m := range w.Medals {
		if m.PlayerID == "" || m.MedalID == "" || m.Count <= 0 {
			continue
		}
		detail.Medals = append(detail.Medals, core.MedalAward{
			MatchID:  matchID,
			PlayerID: m.PlayerID,
			MedalID:  m.MedalID,
			Count:    m.Count,
		})
	}

	return detail
}

type skillWire struct {
	Entries []skillEntryWire `json:"entries"`
}

type skillEntryWire struct {
	PlayerID  string  `json:"player_id"`
	CSRBefore int     `json:"csr_before"`
	CSRAfter  int     `json:"csr_after"`
	TeamMMR   float64 `json:"team_mmr"`
}

type eventsWire struct {
	Events []eventWire `json:"events"`
}

type eventWire struct {
	AtMS     int    `json:"at_ms"`
	Kind     string `json:"kind"`
	ActorID  string `json:"actor_id"`
	TargetID string `json:"target_id"`
	Detail   string `json:"detail"`
}

type medalCatalogWire struct {
	Medals []medalCatalogEntryWire `json:"medals"`
}

type medalCatalogEntryWire struct {
	MedalID    string `json:"medal_id"`
	Name       string `json:"name"`
	Difficulty int    `json:"difficulty"`
	Category   string `json:"category"`
}

func normalizeOutcome(raw string) core.Outcome {
	switch raw {
	case "win", "won":
		return core.OutcomeWin
	case "loss", "lost":
		return core.OutcomeLoss
	case "tie", "draw":
		return core.OutcomeTie
	case "left", "dnf":
		return core.OutcomeLeft
	default:
		// Unknown outcome values degrade to a loss-neutral tie rather than
		// abandoning the record.
		return core.OutcomeTie
	}
}

// nonNegative keeps absent-or-garbage figures as nil so they land as NULL and
// remain detectable by backfill.
func nonNegative(v *int) *int {
	if v == nil || *v < 0 {
		return nil
	}
	return v
}

func parseWireTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

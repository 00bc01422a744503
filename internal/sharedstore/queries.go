package sharedstore

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/you/matchvault/internal/core"
)

// HasMatch reports whether the match already exists in the registry.
func (s *Store) HasMatch(ctx context.Context, matchID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM matches WHERE match_id=?;`, matchID).Scan(&n)
	if err != nil {
		return false, errors.Wrap(err, "has match")
	}
	return n > 0, nil
}

// KnownMatches classifies a batch of candidate IDs in one query. The result
// contains only the IDs present in the registry.
func (s *Store) KnownMatches(ctx context.Context, matchIDs []string) (map[string]struct{}, error) {
	known := make(map[string]struct{}, len(matchIDs))
	if len(matchIDs) == 0 {
		return known, nil
	}

	placeholders := make([]string, len(matchIDs))
	args := make([]any, len(matchIDs))
	for i, id := range matchIDs {
		placeholders[i] = "?"
		args[i] = id
	}
	q := `SELECT match_id FROM matches WHERE match_id IN (` + strings.Join(placeholders, ",") + `);`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "known matches")
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "scan known match")
		}
		known[id] = struct{}{}
	}
	return known, errors.Wrap(rows.Err(), "iterate known matches")
}

// HasParticipant reports whether the player's row for this match exists.
func (s *Store) HasParticipant(ctx context.Context, matchID, playerID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM participants WHERE match_id=? AND player_id=?;`, matchID, playerID).Scan(&n)
	if err != nil {
		return false, errors.Wrap(err, "has participant")
	}
	return n > 0, nil
}

// GetMatch loads one registry row.
func (s *Store) GetMatch(ctx context.Context, matchID string) (core.Match, error) {
	const q = `SELECT match_id, started_at, ended_at, map_id, mode_id, playlist_id, ranked, season_id
FROM matches WHERE match_id=?;`
	var (
		m              core.Match
		started, ended string
		ranked         int
	)
	err := s.db.QueryRowContext(ctx, q, matchID).Scan(
		&m.ID, &started, &ended, &m.MapID, &m.ModeID, &m.PlaylistID, &ranked, &m.SeasonID)
	if err != nil {
		return core.Match{}, errors.Wrap(err, "get match")
	}
	m.StartedAt = parseTime(started)
	m.EndedAt = parseTime(ended)
	m.Ranked = ranked != 0
	return m, nil
}

// Participant loads one player's stat line for a match.
func (s *Store) Participant(ctx context.Context, matchID, playerID string) (core.Participant, error) {
	const q = participantColumns + ` WHERE match_id=? AND player_id=?;`
	row := s.db.QueryRowContext(ctx, q, matchID, playerID)
	return scanParticipant(row)
}

// ParticipantsForMatch loads every captured participant of a match.
func (s *Store) ParticipantsForMatch(ctx context.Context, matchID string) ([]core.Participant, error) {
	const q = participantColumns + ` WHERE match_id=? ORDER BY team, rank_in_match;`
	rows, err := s.db.QueryContext(ctx, q, matchID)
	if err != nil {
		return nil, errors.Wrap(err, "participants for match")
	}
	defer rows.Close()
	return collectParticipants(rows)
}

// ParticipantHistory returns a player's participant rows joined with match
// timing, oldest first. The score engine builds its per-metric distributions
// from this.
func (s *Store) ParticipantHistory(ctx context.Context, playerID string) ([]ParticipantWithMatch, error) {
	const q = `SELECT p.match_id, p.player_id, p.team, p.outcome, p.kills, p.deaths, p.assists,
  p.shots_fired, p.shots_hit, p.damage_dealt, p.damage_taken, p.rank_in_match, p.score,
  m.started_at, m.ended_at
FROM participants p JOIN matches m ON m.match_id = p.match_id
WHERE p.player_id=?
ORDER BY m.started_at;`
	rows, err := s.db.QueryContext(ctx, q, playerID)
	if err != nil {
		return nil, errors.Wrap(err, "participant history")
	}
	defer rows.Close()

	var out []ParticipantWithMatch
	for rows.Next() {
		var (
			p              core.Participant
			outcome        string
			sf, sh, dd, dt sql.NullInt64
			started, ended string
		)
		if err := rows.Scan(&p.MatchID, &p.PlayerID, &p.Team, &outcome, &p.Kills, &p.Deaths, &p.Assists,
			&sf, &sh, &dd, &dt, &p.RankInMatch, &p.Score, &started, &ended); err != nil {
			return nil, errors.Wrap(err, "scan history row")
		}
		p.Outcome = core.Outcome(outcome)
		p.ShotsFired = fromNull(sf)
		p.ShotsHit = fromNull(sh)
		p.DamageDealt = fromNull(dd)
		p.DamageTaken = fromNull(dt)
		out = append(out, ParticipantWithMatch{
			Participant: p,
			StartedAt:   parseTime(started),
			EndedAt:     parseTime(ended),
		})
	}
	return out, errors.Wrap(rows.Err(), "iterate history")
}

// ParticipantWithMatch pairs a stat line with its match timing.
type ParticipantWithMatch struct {
	core.Participant
	StartedAt time.Time
	EndedAt   time.Time
}

// Duration returns the match length for per-minute normalization.
func (p ParticipantWithMatch) Duration() time.Duration {
	if p.StartedAt.IsZero() || p.EndedAt.IsZero() || p.EndedAt.Before(p.StartedAt) {
		return 0
	}
	return p.EndedAt.Sub(p.StartedAt)
}

// EventsForMatch loads the highlight timeline in sequence order.
func (s *Store) EventsForMatch(ctx context.Context, matchID string) ([]core.HighlightEvent, error) {
	const q = `SELECT match_id, seq, at_ms, kind, actor_id, target_id, detail
FROM events WHERE match_id=? ORDER BY seq;`
	rows, err := s.db.QueryContext(ctx, q, matchID)
	if err != nil {
		return nil, errors.Wrap(err, "events for match")
	}
	defer rows.Close()

	var out []core.HighlightEvent
	for rows.Next() {
		var e core.HighlightEvent
		if err := rows.Scan(&e.MatchID, &e.Seq, &e.AtMS, &e.Kind, &e.ActorID, &e.TargetID, &e.Detail); err != nil {
			return nil, errors.Wrap(err, "scan event")
		}
		out = append(out, e)
	}
	return out, errors.Wrap(rows.Err(), "iterate events")
}

// MedalCounts returns medal_id -> count for one player in one match.
func (s *Store) MedalCounts(ctx context.Context, matchID, playerID string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT medal_id, count FROM medals WHERE match_id=? AND player_id=?;`, matchID, playerID)
	if err != nil {
		return nil, errors.Wrap(err, "medal counts")
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var (
			id string
			n  int
		)
		if err := rows.Scan(&id, &n); err != nil {
			return nil, errors.Wrap(err, "scan medal count")
		}
		out[id] = n
	}
	return out, errors.Wrap(rows.Err(), "iterate medal counts")
}

// MedalCountsByCategory aggregates a player's medal counts per catalog
// category for one match.
func (s *Store) MedalCountsByCategory(ctx context.Context, matchID, playerID string) (map[string]int, error) {
	const q = `SELECT c.category, SUM(md.count)
FROM medals md JOIN medal_catalog c ON c.medal_id = md.medal_id
WHERE md.match_id=? AND md.player_id=?
GROUP BY c.category;`
	rows, err := s.db.QueryContext(ctx, q, matchID, playerID)
	if err != nil {
		return nil, errors.Wrap(err, "medal counts by category")
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var (
			cat string
			n   int
		)
		if err := rows.Scan(&cat, &n); err != nil {
			return nil, errors.Wrap(err, "scan category count")
		}
		out[cat] = n
	}
	return out, errors.Wrap(rows.Err(), "iterate category counts")
}

// EventKindCounts aggregates one player's highlight events per kind for a
// match. Sequencing is not preserved; rules needing order approximate from
// these totals.
func (s *Store) EventKindCounts(ctx context.Context, matchID, actorID string) (map[string]int, error) {
	const q = `SELECT kind, COUNT(*) FROM events WHERE match_id=? AND actor_id=? GROUP BY kind;`
	rows, err := s.db.QueryContext(ctx, q, matchID, actorID)
	if err != nil {
		return nil, errors.Wrap(err, "event kind counts")
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var (
			kind string
			n    int
		)
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, errors.Wrap(err, "scan event kind")
		}
		out[kind] = n
	}
	return out, errors.Wrap(rows.Err(), "iterate event kinds")
}

// ListEnabledRules loads the enabled citation rules.
func (s *Store) ListEnabledRules(ctx context.Context) ([]core.CitationRule, error) {
	const q = `SELECT name, kind, medal_id, stat_key, award_category, func_name, approximate, enabled
FROM citation_rules WHERE enabled=1 ORDER BY name;`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, errors.Wrap(err, "list rules")
	}
	defer rows.Close()

	var out []core.CitationRule
	for rows.Next() {
		var (
			r            core.CitationRule
			kind         string
			approx, enab int
		)
		if err := rows.Scan(&r.Name, &kind, &r.MedalID, &r.StatKey, &r.AwardCategory, &r.FuncName, &approx, &enab); err != nil {
			return nil, errors.Wrap(err, "scan rule")
		}
		r.Kind = core.RuleKind(kind)
		r.Approximate = approx != 0
		r.Enabled = enab != 0
		out = append(out, r)
	}
	return out, errors.Wrap(rows.Err(), "iterate rules")
}

// CountMatches returns the registry row count.
func (s *Store) CountMatches(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM matches;`).Scan(&n)
	return n, errors.Wrap(err, "count matches")
}

// MatchIDsMissingShots returns match IDs where the player's shot figures were
// never captured, newest first.
func (s *Store) MatchIDsMissingShots(ctx context.Context, playerID string, limit int) ([]string, error) {
	return s.missingFigureQuery(ctx, playerID, `p.shots_fired IS NULL OR p.shots_hit IS NULL`, limit)
}

// MatchIDsMissingDamage returns match IDs where the player's damage figures
// were never captured, newest first.
func (s *Store) MatchIDsMissingDamage(ctx context.Context, playerID string, limit int) ([]string, error) {
	return s.missingFigureQuery(ctx, playerID, `p.damage_dealt IS NULL OR p.damage_taken IS NULL`, limit)
}

func (s *Store) missingFigureQuery(ctx context.Context, playerID, cond string, limit int) ([]string, error) {
	q := `SELECT p.match_id
FROM participants p JOIN matches m ON m.match_id = p.match_id
WHERE p.player_id=? AND (` + cond + `)
ORDER BY m.started_at DESC`
	args := []any{playerID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.matchIDQuery(ctx, q+";", args...)
}

// MatchIDsForPlayer returns every match the player participated in, newest
// first. Used by force-mode backfills.
func (s *Store) MatchIDsForPlayer(ctx context.Context, playerID string, limit int) ([]string, error) {
	q := `SELECT p.match_id
FROM participants p JOIN matches m ON m.match_id = p.match_id
WHERE p.player_id=?
ORDER BY m.started_at DESC`
	args := []any{playerID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.matchIDQuery(ctx, q+";", args...)
}

// MatchIDsWithoutEvents returns a player's matches with no captured highlight
// events, newest first. Feeds the killer/victim-pair backfill.
func (s *Store) MatchIDsWithoutEvents(ctx context.Context, playerID string, limit int) ([]string, error) {
	q := `SELECT p.match_id
FROM participants p JOIN matches m ON m.match_id = p.match_id
WHERE p.player_id=? AND NOT EXISTS (SELECT 1 FROM events e WHERE e.match_id = p.match_id)
ORDER BY m.started_at DESC`
	args := []any{playerID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.matchIDQuery(ctx, q+";", args...)
}

func (s *Store) matchIDQuery(ctx context.Context, q string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "match id query")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "scan match id")
		}
		out = append(out, id)
	}
	return out, errors.Wrap(rows.Err(), "iterate match ids")
}

const participantColumns = `SELECT match_id, player_id, team, outcome, kills, deaths, assists,
  shots_fired, shots_hit, damage_dealt, damage_taken, rank_in_match, score
FROM participants`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanParticipant(row rowScanner) (core.Participant, error) {
	var (
		p              core.Participant
		outcome        string
		sf, sh, dd, dt sql.NullInt64
	)
	err := row.Scan(&p.MatchID, &p.PlayerID, &p.Team, &outcome, &p.Kills, &p.Deaths, &p.Assists,
		&sf, &sh, &dd, &dt, &p.RankInMatch, &p.Score)
	if err != nil {
		return core.Participant{}, errors.Wrap(err, "scan participant")
	}
	p.Outcome = core.Outcome(outcome)
	p.ShotsFired = fromNull(sf)
	p.ShotsHit = fromNull(sh)
	p.DamageDealt = fromNull(dd)
	p.DamageTaken = fromNull(dt)
	return p, nil
}

func collectParticipants(rows *sql.Rows) ([]core.Participant, error) {
	var out []core.Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, errors.Wrap(rows.Err(), "iterate participants")
}

func fromNull(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}

func parseTime(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t
	}
	return time.Time{}
}

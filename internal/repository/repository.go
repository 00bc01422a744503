// Package repository is the read layer over one player's data. It joins the
// canonical match tables with the player's enrichment file, resolving the
// storage layout (shared vs. legacy single-file) once at open.
package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/you/matchvault/internal/core"
	"github.com/you/matchvault/internal/playerstore"
	"github.com/you/matchvault/internal/store"
)

// MatchRow is one match as seen by the player: the match header, the player's
// own participant line, and whatever enrichment has been computed so far.
type MatchRow struct {
	Match          core.Match
	Participant    core.Participant
	SessionID      string
	SessionLabel   string
	PerfScore      *float64
	PerfConfidence core.ScoreConfidence
}

// MatchView is the full detail for a single match.
type MatchView struct {
	MatchRow
	Participants []core.Participant
	Events       []core.HighlightEvent
	Medals       []core.MedalAward
	Citations    map[string]int
}

// ScoreStats summarizes performance scores over a filtered set of matches.
type ScoreStats struct {
	Matches       int64
	Scored        int64
	LowConfidence int64
	Average       float64
	Min           float64
	Max           float64
}

// SessionRow aggregates one play session.
type SessionRow struct {
	SessionID string
	Label     string
	Matches   int64
	Wins      int64
	Losses    int64
	First     time.Time
	Last      time.Time
	AvgScore  sql.NullFloat64
}

// Repository answers read queries for one player. It holds its own sqlite
// connection so the shared store can be ATTACHed without disturbing the
// writer pools.
type Repository struct {
	db       *sql.DB
	playerID string
	prefix   string // "shared." when the canonical tables live in the attached DB
}

// Open builds a repository for the given player. For the current layout the
// player file is opened and the shared store attached under the "shared"
// schema; a legacy file already carries its own match tables and needs no
// attach.
func Open(ctx context.Context, player *playerstore.Store, playerPath, sharedPath string) (*Repository, error) {
	db, err := store.Open(playerPath)
	if err != nil {
		return nil, errors.Wrap(err, "open reader")
	}
	// ATTACH is per-connection; pin the pool to one.
	db.SetMaxOpenConns(1)

	r := &Repository{db: db, playerID: player.PlayerID()}
	if player.Layout() == playerstore.LayoutLegacy {
		return r, nil
	}

	if _, err := db.ExecContext(ctx, `ATTACH DATABASE ? AS shared;`, sharedPath); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "attach shared store")
	}
	r.prefix = "shared."
	return r, nil
}

func (r *Repository) Close() error     { return r.db.Close() }
func (r *Repository) PlayerID() string { return r.playerID }

const matchColumns = `m.match_id, m.started_at, m.ended_at, m.map_id, m.mode_id, m.playlist_id, m.ranked, m.season_id,
	p.outcome, p.team, p.kills, p.deaths, p.assists, p.score, p.rank_in_match, p.shots_fired, p.shots_hit, p.damage_dealt, p.damage_taken,
	e.session_id, e.session_label, e.perf_score, e.perf_confidence`

func (r *Repository) baseQuery(f Filters) (string, []any) {
	conditions, args := f.where()
	conditions = append([]string{"p.player_id = ?"}, conditions...)
	args = append([]any{r.playerID}, args...)

	q := fmt.Sprintf(`SELECT %s
		FROM %smatches m
		JOIN %sparticipants p ON p.match_id = m.match_id
		LEFT JOIN enrichment e ON e.match_id = m.match_id
		WHERE %s`,
		matchColumns, r.prefix, r.prefix, strings.Join(conditions, " AND "))
	return q, args
}

// Matches lists the player's matches under the given filters.
func (r *Repository) Matches(ctx context.Context, f Filters) ([]MatchRow, error) {
	q, args := r.baseQuery(f)
	order := "DESC"
	if f.Order == OrderAsc {
		order = "ASC"
	}
	q += fmt.Sprintf(" ORDER BY m.started_at %s LIMIT ?", order)
	args = append(args, f.Limit)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query matches")
	}
	defer rows.Close()

	var out []MatchRow
	for rows.Next() {
		row, err := scanMatchRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// Match loads full detail for one match, or sql.ErrNoRows if the player never
// played it.
func (r *Repository) Match(ctx context.Context, matchID string) (MatchView, error) {
	q := fmt.Sprintf(`SELECT %s
		FROM %smatches m
		JOIN %sparticipants p ON p.match_id = m.match_id AND p.player_id = ?
		LEFT JOIN enrichment e ON e.match_id = m.match_id
		WHERE m.match_id = ?`, matchColumns, r.prefix, r.prefix)

	row, err := scanMatchRow(r.db.QueryRowContext(ctx, q, r.playerID, matchID))
	if err != nil {
		return MatchView{}, err
	}
	view := MatchView{MatchRow: row, Citations: map[string]int{}}

	if err := r.loadParticipants(ctx, matchID, &view); err != nil {
		return MatchView{}, err
	}
	if err := r.loadEvents(ctx, matchID, &view); err != nil {
		return MatchView{}, err
	}
	if err := r.loadMedals(ctx, matchID, &view); err != nil {
		return MatchView{}, err
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT citation, value FROM citations WHERE match_id = ?`, matchID)
	if err != nil {
		return MatchView{}, errors.Wrap(err, "query citations")
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		var value int
		if err := rows.Scan(&name, &value); err != nil {
			return MatchView{}, errors.Wrap(err, "scan citation")
		}
		view.Citations[name] = value
	}
	return view, rows.Err()
}

// Count returns how many of the player's matches pass the filters.
func (r *Repository) Count(ctx context.Context, f Filters) (int64, error) {
	conditions, args := f.where()
	conditions = append([]string{"p.player_id = ?"}, conditions...)
	args = append([]any{r.playerID}, args...)

	q := fmt.Sprintf(`SELECT COUNT(*)
		FROM %smatches m
		JOIN %sparticipants p ON p.match_id = m.match_id
		LEFT JOIN enrichment e ON e.match_id = m.match_id
		WHERE %s`, r.prefix, r.prefix, strings.Join(conditions, " AND "))

	var n int64
	if err := r.db.QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "count matches")
	}
	return n, nil
}

// CitationTotals sums every citation over the filtered matches. Citations are
// stored sparsely, so a name absent from the result simply never fired.
func (r *Repository) CitationTotals(ctx context.Context, f Filters) (map[string]int64, error) {
	conditions, args := f.where()
	conditions = append([]string{"p.player_id = ?"}, conditions...)
	args = append([]any{r.playerID}, args...)

	q := fmt.Sprintf(`SELECT c.citation, SUM(c.value)
		FROM citations c
		JOIN %smatches m ON m.match_id = c.match_id
		JOIN %sparticipants p ON p.match_id = m.match_id
		LEFT JOIN enrichment e ON e.match_id = m.match_id
		WHERE %s
		GROUP BY c.citation`, r.prefix, r.prefix, strings.Join(conditions, " AND "))

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query citation totals")
	}
	defer rows.Close()

	totals := map[string]int64{}
	for rows.Next() {
		var name string
		var sum int64
		if err := rows.Scan(&name, &sum); err != nil {
			return nil, errors.Wrap(err, "scan citation total")
		}
		totals[name] = sum
	}
	return totals, rows.Err()
}

// ScoreSummary aggregates performance scores over the filtered matches.
func (r *Repository) ScoreSummary(ctx context.Context, f Filters) (ScoreStats, error) {
	conditions, args := f.where()
	conditions = append([]string{"p.player_id = ?"}, conditions...)
	args = append([]any{r.playerID}, args...)

	q := fmt.Sprintf(`SELECT COUNT(*), COUNT(e.perf_score),
		COALESCE(SUM(CASE WHEN e.perf_confidence = 'low' THEN 1 ELSE 0 END), 0),
		COALESCE(AVG(e.perf_score), 0), COALESCE(MIN(e.perf_score), 0), COALESCE(MAX(e.perf_score), 0)
		FROM %smatches m
		JOIN %sparticipants p ON p.match_id = m.match_id
		LEFT JOIN enrichment e ON e.match_id = m.match_id
		WHERE %s`, r.prefix, r.prefix, strings.Join(conditions, " AND "))

	var s ScoreStats
	err := r.db.QueryRowContext(ctx, q, args...).Scan(
		&s.Matches, &s.Scored, &s.LowConfidence, &s.Average, &s.Min, &s.Max)
	if err != nil {
		return ScoreStats{}, errors.Wrap(err, "score summary")
	}
	return s, nil
}

// Sessions aggregates the player's matches by session, newest first. Matches
// without a session assignment are skipped.
func (r *Repository) Sessions(ctx context.Context, f Filters) ([]SessionRow, error) {
	conditions, args := f.where()
	conditions = append([]string{"p.player_id = ?", "e.session_id IS NOT NULL"}, conditions...)
	args = append([]any{r.playerID}, args...)

	q := fmt.Sprintf(`SELECT e.session_id, e.session_label, COUNT(*),
		SUM(CASE WHEN p.outcome = 'win' THEN 1 ELSE 0 END),
		SUM(CASE WHEN p.outcome = 'loss' THEN 1 ELSE 0 END),
		MIN(m.started_at), MAX(m.started_at), AVG(e.perf_score)
		FROM %smatches m
		JOIN %sparticipants p ON p.match_id = m.match_id
		JOIN enrichment e ON e.match_id = m.match_id
		WHERE %s
		GROUP BY e.session_id, e.session_label
		ORDER BY MIN(m.started_at) DESC
		LIMIT ?`, r.prefix, r.prefix, strings.Join(conditions, " AND "))
	args = append(args, f.Limit)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query sessions")
	}
	defer rows.Close()

	var out []SessionRow
	for rows.Next() {
		var (
			row         SessionRow
			label       sql.NullString
			first, last string
		)
		if err := rows.Scan(&row.SessionID, &label, &row.Matches, &row.Wins, &row.Losses, &first, &last, &row.AvgScore); err != nil {
			return nil, errors.Wrap(err, "scan session")
		}
		row.Label = label.String
		if row.First, err = parseStoredTime(first); err != nil {
			return nil, err
		}
		if row.Last, err = parseStoredTime(last); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (r *Repository) loadParticipants(ctx context.Context, matchID string, view *MatchView) error {
	q := fmt.Sprintf(`SELECT match_id, player_id, outcome, team, kills, deaths, assists, score, rank_in_match,
		shots_fired, shots_hit, damage_dealt, damage_taken
		FROM %sparticipants WHERE match_id = ? ORDER BY player_id`, r.prefix)
	rows, err := r.db.QueryContext(ctx, q, matchID)
	if err != nil {
		return errors.Wrap(err, "query participants")
	}
	defer rows.Close()
	for rows.Next() {
		var (
			p              core.Participant
			sf, sh, dd, dt sql.NullInt64
		)
		if err := rows.Scan(&p.MatchID, &p.PlayerID, &p.Outcome, &p.Team, &p.Kills, &p.Deaths,
			&p.Assists, &p.Score, &p.RankInMatch, &sf, &sh, &dd, &dt); err != nil {
			return errors.Wrap(err, "scan participant")
		}
		p.ShotsFired, p.ShotsHit = fromNull(sf), fromNull(sh)
		p.DamageDealt, p.DamageTaken = fromNull(dd), fromNull(dt)
		view.Participants = append(view.Participants, p)
	}
	return rows.Err()
}

func (r *Repository) loadEvents(ctx context.Context, matchID string, view *MatchView) error {
	q := fmt.Sprintf(`SELECT match_id, seq, at_ms, kind, actor_id, target_id, detail
		FROM %sevents WHERE match_id = ? ORDER BY seq`, r.prefix)
	rows, err := r.db.QueryContext(ctx, q, matchID)
	if err != nil {
		return errors.Wrap(err, "query events")
	}
	defer rows.Close()
	for rows.Next() {
		var ev core.HighlightEvent
		if err := rows.Scan(&ev.MatchID, &ev.Seq, &ev.AtMS, &ev.Kind, &ev.ActorID, &ev.TargetID, &ev.Detail); err != nil {
			return errors.Wrap(err, "scan event")
		}
		view.Events = append(view.Events, ev)
	}
	return rows.Err()
}

func (r *Repository) loadMedals(ctx context.Context, matchID string, view *MatchView) error {
	q := fmt.Sprintf(`SELECT match_id, player_id, medal_id, count
		FROM %smedals WHERE match_id = ? AND player_id = ?`, r.prefix)
	rows, err := r.db.QueryContext(ctx, q, matchID, r.playerID)
	if err != nil {
		return errors.Wrap(err, "query medals")
	}
	defer rows.Close()
	for rows.Next() {
		var m core.MedalAward
		if err := rows.Scan(&m.MatchID, &m.PlayerID, &m.MedalID, &m.Count); err != nil {
			return errors.Wrap(err, "scan medal")
		}
		view.Medals = append(view.Medals, m)
	}
	return rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMatchRow(row rowScanner) (MatchRow, error) {
	var (
		out            MatchRow
		started, ended string
		ranked         int
		sf, sh, dd, dt sql.NullInt64
		sessionID      sql.NullString
		sessionLabel   sql.NullString
		perfScore      sql.NullFloat64
		perfConfidence sql.NullString
	)
	err := row.Scan(
		&out.Match.ID, &started, &ended, &out.Match.MapID, &out.Match.ModeID,
		&out.Match.PlaylistID, &ranked, &out.Match.SeasonID,
		&out.Participant.Outcome, &out.Participant.Team, &out.Participant.Kills,
		&out.Participant.Deaths, &out.Participant.Assists, &out.Participant.Score,
		&out.Participant.RankInMatch, &sf, &sh, &dd, &dt,
		&sessionID, &sessionLabel, &perfScore, &perfConfidence,
	)
	if err != nil {
		return MatchRow{}, err
	}

	if out.Match.StartedAt, err = parseStoredTime(started); err != nil {
		return MatchRow{}, err
	}
	if out.Match.EndedAt, err = parseStoredTime(ended); err != nil {
		return MatchRow{}, err
	}
	out.Match.Ranked = ranked != 0
	out.Participant.MatchID = out.Match.ID
	out.Participant.ShotsFired, out.Participant.ShotsHit = fromNull(sf), fromNull(sh)
	out.Participant.DamageDealt, out.Participant.DamageTaken = fromNull(dd), fromNull(dt)

	out.SessionID = sessionID.String
	out.SessionLabel = sessionLabel.String
	if perfScore.Valid {
		v := perfScore.Float64
		out.PerfScore = &v
	}
	out.PerfConfidence = core.ScoreConfidence(perfConfidence.String)
	return out, nil
}

func fromNull(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}

func parseStoredTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, errors.Wrap(err, "parse stored time")
	}
	return t.UTC(), nil
}

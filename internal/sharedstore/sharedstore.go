// Package sharedstore is the canonical, deduplicated store every player's
// sync writes into: the match registry, participants, highlight events, medal
// awards and the citation-rule reference data. One physical database file is
// shared by all players; all writes are idempotent upserts keyed by natural
// identifiers so concurrent sync runs converge.
package sharedstore

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/pkg/errors"

	"github.com/you/matchvault/internal/core"
	"github.com/you/matchvault/internal/store"
)

const schema = `CREATE TABLE IF NOT EXISTS matches (
  match_id TEXT NOT NULL PRIMARY KEY,
  started_at TEXT NOT NULL,
  ended_at TEXT NOT NULL DEFAULT '',
  map_id TEXT NOT NULL DEFAULT '',
  mode_id TEXT NOT NULL DEFAULT '',
  playlist_id TEXT NOT NULL DEFAULT '',
  ranked INTEGER NOT NULL DEFAULT 0,
  season_id TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS matches_started_at ON matches(started_at);

CREATE TABLE IF NOT EXISTS participants (
  match_id TEXT NOT NULL,
  player_id TEXT NOT NULL,
  team INTEGER NOT NULL DEFAULT 0,
  outcome TEXT NOT NULL DEFAULT 'tie',
  kills INTEGER NOT NULL DEFAULT 0,
  deaths INTEGER NOT NULL DEFAULT 0,
  assists INTEGER NOT NULL DEFAULT 0,
  shots_fired INTEGER,
  shots_hit INTEGER,
  damage_dealt INTEGER,
  damage_taken INTEGER,
  rank_in_match INTEGER NOT NULL DEFAULT 0,
  score INTEGER NOT NULL DEFAULT 0,
  PRIMARY KEY (match_id, player_id)
);
CREATE INDEX IF NOT EXISTS participants_player ON participants(player_id);

CREATE TABLE IF NOT EXISTS events (
  match_id TEXT NOT NULL,
  seq INTEGER NOT NULL,
  at_ms INTEGER NOT NULL DEFAULT 0,
  kind TEXT NOT NULL DEFAULT '',
  actor_id TEXT NOT NULL DEFAULT '',
  target_id TEXT NOT NULL DEFAULT '',
  detail TEXT NOT NULL DEFAULT '',
  PRIMARY KEY (match_id, seq)
);

CREATE TABLE IF NOT EXISTS medals (
  match_id TEXT NOT NULL,
  player_id TEXT NOT NULL,
  medal_id TEXT NOT NULL,
  count INTEGER NOT NULL DEFAULT 0,
  PRIMARY KEY (match_id, player_id, medal_id)
);

CREATE TABLE IF NOT EXISTS citation_rules (
  name TEXT NOT NULL PRIMARY KEY,
  kind TEXT NOT NULL,
  medal_id TEXT NOT NULL DEFAULT '',
  stat_key TEXT NOT NULL DEFAULT '',
  award_category TEXT NOT NULL DEFAULT '',
  func_name TEXT NOT NULL DEFAULT '',
  approximate INTEGER NOT NULL DEFAULT 0,
  enabled INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS medal_catalog (
  medal_id TEXT NOT NULL PRIMARY KEY,
  name TEXT NOT NULL DEFAULT '',
  difficulty INTEGER NOT NULL DEFAULT 0,
  category TEXT NOT NULL DEFAULT ''
);`

type Store struct {
	db *sql.DB
}

// Open opens the shared database, applies the schema and runs the additive
// migrations.
func Open(path string) (*Store, error) {
	db, err := store.Open(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "apply shared schema")
	}
	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "migrate shared store")
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }
func (s *Store) Ping() error  { return s.db.Ping() }

// RawDB exposes the handle for migrations and the repository layer.
func (s *Store) RawDB() *sql.DB { return s.db }

func (s *Store) String() string { return fmt.Sprintf("SharedStore{%p}", s.db) }

// migrate runs the add-column-if-absent steps for columns introduced after
// the first release.
func (s *Store) migrate(ctx context.Context) error {
	added, err := store.EnsureColumn(ctx, s.db, "matches", "season_id", `TEXT NOT NULL DEFAULT ''`)
	if err != nil {
		return err
	}
	if added {
		log.Printf("sharedstore: added season_id column to matches")
	}
	for _, col := range []string{"shots_fired", "shots_hit", "damage_dealt", "damage_taken"} {
		added, err := store.EnsureColumn(ctx, s.db, "participants", col, "INTEGER")
		if err != nil {
			return err
		}
		if added {
			log.Printf("sharedstore: added %s column to participants", col)
		}
	}
	return nil
}

// BeginTx starts a write transaction for the batch committer.
func (s *Store) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, nil)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// WriteMatch inserts the registry row if absent. The first writer wins and
// the row is immutable afterwards.
func WriteMatch(ctx context.Context, ex execer, m core.Match) error {
	const q = `INSERT INTO matches (match_id, started_at, ended_at, map_id, mode_id, playlist_id, ranked, season_id)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(match_id) DO NOTHING;`
	_, err := ex.ExecContext(ctx, q,
		m.ID, fmtTime(m.StartedAt), fmtTime(m.EndedAt),
		m.MapID, m.ModeID, m.PlaylistID, boolInt(m.Ranked), m.SeasonID)
	return errors.Wrap(err, "insert match")
}

// WriteParticipant inserts one participant row if absent. Stat columns are
// immutable once written; missing-figure fills go through FillParticipantFigures.
func WriteParticipant(ctx context.Context, ex execer, p core.Participant) error {
	const q = `INSERT INTO participants
(match_id, player_id, team, outcome, kills, deaths, assists, shots_fired, shots_hit, damage_dealt, damage_taken, rank_in_match, score)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(match_id, player_id) DO NOTHING;`
	_, err := ex.ExecContext(ctx, q,
		p.MatchID, p.PlayerID, p.Team, string(p.Outcome),
		p.Kills, p.Deaths, p.Assists,
		nullInt(p.ShotsFired), nullInt(p.ShotsHit), nullInt(p.DamageDealt), nullInt(p.DamageTaken),
		p.RankInMatch, p.Score)
	return errors.Wrap(err, "insert participant")
}

// WriteEvents appends the highlight events; duplicates by (match, seq) are
// ignored.
func WriteEvents(ctx context.Context, ex execer, events []core.HighlightEvent) error {
	const q = `INSERT INTO events (match_id, seq, at_ms, kind, actor_id, target_id, detail)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(match_id, seq) DO NOTHING;`
	for _, e := range events {
		if _, err := ex.ExecContext(ctx, q, e.MatchID, e.Seq, e.AtMS, e.Kind, e.ActorID, e.TargetID, e.Detail); err != nil {
			return errors.Wrapf(err, "insert event %s/%d", e.MatchID, e.Seq)
		}
	}
	return nil
}

// WriteMedals inserts the medal awards; existing rows are left untouched.
func WriteMedals(ctx context.Context, ex execer, medals []core.MedalAward) error {
	const q = `INSERT INTO medals (match_id, player_id, medal_id, count)
VALUES (?, ?, ?, ?)
ON CONFLICT(match_id, player_id, medal_id) DO NOTHING;`
	for _, m := range medals {
		if _, err := ex.ExecContext(ctx, q, m.MatchID, m.PlayerID, m.MedalID, m.Count); err != nil {
			return errors.Wrapf(err, "insert medal %s/%s/%s", m.MatchID, m.PlayerID, m.MedalID)
		}
	}
	return nil
}

// AppendEvents writes highlight events outside a batch transaction; used by
// the pairs backfill when re-fetching timelines for already-stored matches.
func (s *Store) AppendEvents(ctx context.Context, events []core.HighlightEvent) error {
	return WriteEvents(ctx, s.db, events)
}

// FillParticipantFigures writes the shot/damage figures for one participant.
// Without force only NULL columns are filled, so an existing value is never
// overwritten by a fill-missing backfill.
func (s *Store) FillParticipantFigures(ctx context.Context, p core.Participant, force bool) (bool, error) {
	var q string
	if force {
		q = `UPDATE participants SET shots_fired=?, shots_hit=?, damage_dealt=?, damage_taken=?
WHERE match_id=? AND player_id=?;`
	} else {
		q = `UPDATE participants SET
  shots_fired=COALESCE(shots_fired, ?),
  shots_hit=COALESCE(shots_hit, ?),
  damage_dealt=COALESCE(damage_dealt, ?),
  damage_taken=COALESCE(damage_taken, ?)
WHERE match_id=? AND player_id=?
  AND (shots_fired IS NULL OR shots_hit IS NULL OR damage_dealt IS NULL OR damage_taken IS NULL);`
	}
	res, err := s.db.ExecContext(ctx, q,
		nullInt(p.ShotsFired), nullInt(p.ShotsHit), nullInt(p.DamageDealt), nullInt(p.DamageTaken),
		p.MatchID, p.PlayerID)
	if err != nil {
		return false, errors.Wrap(err, "fill participant figures")
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// UpsertMedalCatalog refreshes the medal reference table.
func (s *Store) UpsertMedalCatalog(ctx context.Context, entries []core.MedalCatalogEntry) error {
	const q = `INSERT INTO medal_catalog (medal_id, name, difficulty, category)
VALUES (?, ?, ?, ?)
ON CONFLICT(medal_id) DO UPDATE SET name=excluded.name, difficulty=excluded.difficulty, category=excluded.category;`
	for _, e := range entries {
		if _, err := s.db.ExecContext(ctx, q, e.MedalID, e.Name, e.Difficulty, e.Category); err != nil {
			return errors.Wrapf(err, "upsert medal catalog %s", e.MedalID)
		}
	}
	return nil
}

// UpsertRule writes or updates one citation rule.
func (s *Store) UpsertRule(ctx context.Context, r core.CitationRule) error {
	const q = `INSERT INTO citation_rules (name, kind, medal_id, stat_key, award_category, func_name, approximate, enabled)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(name) DO UPDATE SET
  kind=excluded.kind, medal_id=excluded.medal_id, stat_key=excluded.stat_key,
  award_category=excluded.award_category, func_name=excluded.func_name,
  approximate=excluded.approximate, enabled=excluded.enabled;`
	_, err := s.db.ExecContext(ctx, q,
		r.Name, string(r.Kind), r.MedalID, r.StatKey, r.AwardCategory, r.FuncName,
		boolInt(r.Approximate), boolInt(r.Enabled))
	return errors.Wrapf(err, "upsert rule %s", r.Name)
}

// SeedRules inserts the given rules only when the rule table is empty, so a
// locally edited rule set is never clobbered on startup.
func (s *Store) SeedRules(ctx context.Context, rules []core.CitationRule) error {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM citation_rules;`).Scan(&n); err != nil {
		return errors.Wrap(err, "count rules")
	}
	if n > 0 {
		return nil
	}
	for _, r := range rules {
		if err := s.UpsertRule(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

// Package playerstore is the one-database-per-player store: enrichment rows,
// sparse citation counters and the sync cursor. Only that player's own sync
// and backfill processes write here, so no concurrent-writer contract is
// needed. Stores created before the shared-store split carry local copies of
// the match tables; that legacy layout is detected once at open and exposed to
// the repository for fallback reads.
package playerstore

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

const schema = `CREATE TABLE IF NOT EXISTS enrichment (
  match_id TEXT NOT NULL PRIMARY KEY,
  session_id TEXT,
  session_label TEXT NOT NULL DEFAULT '',
  perf_score REAL,
  perf_confidence TEXT NOT NULL DEFAULT '',
  with_party INTEGER NOT NULL DEFAULT 0,
  personal_score_json TEXT NOT NULL DEFAULT '',
  citations_at TEXT
);

CREATE TABLE IF NOT EXISTS citations (
  match_id TEXT NOT NULL,
  citation TEXT NOT NULL,
  value INTEGER NOT NULL,
  PRIMARY KEY (match_id, citation)
);
CREATE INDEX IF NOT EXISTS citations_by_name ON citations(citation);

CREATE TABLE IF NOT EXISTS sync_state (
  key TEXT NOT NULL PRIMARY KEY,
  value TEXT NOT NULL
);`

const (
	keyCursor = "cursor_started_at"
	keyLayout = "schema_layout"
)

// Layout names where a store's match data lives.
type Layout string

const (
	// LayoutShared means match tables live in the shared store (current).
	LayoutShared Layout = "shared"
	// LayoutLegacy means this store predates the shared split and carries
	// local copies of matches/participants/events/medals.
	LayoutLegacy Layout = "legacy"
)

type Store struct {
	playerID string
	db       *sql.DB
	layout   Layout
}

// Open opens (or creates) a player's store, applies the schema, runs the
// additive migrations and detects the layout exactly once.
func Open(path, playerID string) (*Store, error) {
	db, err := store.Open(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "apply player schema")
	}
	s := &Store{playerID: playerID, db: db}
	ctx := context.Background()
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "migrate player store")
	}
	if err := s.detectLayout(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "detect layout")
	}
	return s, nil
}

func (s *Store) Close() error     { return s.db.Close() }
func (s *Store) Ping() error      { return s.db.Ping() }
func (s *Store) RawDB() *sql.DB   { return s.db }
func (s *Store) PlayerID() string { return s.playerID }

// Layout returns the source-resolution decision made at open.
func (s *Store) Layout() Layout { return s.layout }

func (s *Store) String() string {
	return fmt.Sprintf("PlayerStore{%s %s}", s.playerID, s.layout)
}

func (s *Store) migrate(ctx context.Context) error {
	for _, step := range []struct {
		table, column, decl string
	}{
		{"enrichment", "citations_at", "TEXT"},
		{"enrichment", "with_party", "INTEGER NOT NULL DEFAULT 0"},
		{"enrichment", "personal_score_json", `TEXT NOT NULL DEFAULT ''`},
	} {
		added, err := store.EnsureColumn(ctx, s.db, step.table, step.column, step.decl)
		if err != nil {
			return err
		}
		if added {
			log.Printf("playerstore: %s: added %s column to %s", s.playerID, step.column, step.table)
		}
	}
	return nil
}

// detectLayout resolves the marker key first, falling back to probing for a
// local matches table. The result is written back so the probe runs once per
// store lifetime, not once per open.
func (s *Store) detectLayout(ctx context.Context) error {
	if raw, err := s.getState(ctx, keyLayout); err == nil && raw != "" {
		s.layout = Layout(raw)
		return nil
	}

	hasLocal, err := store.HasTable(ctx, s.db, "matches")
	if err != nil {
		return err
	}
	if hasLocal {
		s.layout = LayoutLegacy
	} else {
		s.layout = LayoutShared
	}
	return s.setState(ctx, keyLayout, string(s.layout))
}

// Cursor returns the start time of the newest fully committed match, or the
// zero time when the player has never synced.
func (s *Store) Cursor(ctx context.Context) (time.Time, error) {
	raw, err := s.getState(ctx, keyCursor)
	if err != nil {
		return time.Time{}, err
	}
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, errors.Wrap(err, "parse cursor")
	}
	return t, nil
}

// SetCursor advances the cursor. The cursor is monotonic: an older timestamp
// is ignored so a concurrent or replayed batch can never move it backwards.
func (s *Store) SetCursor(ctx context.Context, t time.Time) error {
	current, err := s.Cursor(ctx)
	if err != nil {
		return err
	}
	if !t.After(current) {
		return nil
	}
	return s.setState(ctx, keyCursor, t.UTC().Format(time.RFC3339Nano))
}

func (s *Store) getState(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM sync_state WHERE key=?;`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrapf(err, "get state %s", key)
	}
	return v, nil
}

func (s *Store) setState(ctx context.Context, key, value string) error {
	const q = `INSERT INTO sync_state (key, value) VALUES (?, ?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value;`
	_, err := s.db.ExecContext(ctx, q, key, value)
	return errors.Wrapf(err, "set state %s", key)
}

// BeginTx starts a write transaction for the batch committer.
func (s *Store) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, nil)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// UpsertEnrichment writes the player-local annotations for one match.
// Enrichment rows may be recomputed at any time, so this is a full upsert.
func UpsertEnrichment(ctx context.Context, ex execer, e core.Enrichment) error {
	const q = `INSERT INTO enrichment
(match_id, session_id, session_label, perf_score, perf_confidence, with_party, personal_score_json)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(match_id) DO UPDATE SET
  session_id=COALESCE(excluded.session_id, session_id),
  session_label=CASE WHEN excluded.session_label != '' THEN excluded.session_label ELSE session_label END,
  perf_score=COALESCE(excluded.perf_score, perf_score),
  perf_confidence=CASE WHEN excluded.perf_confidence != '' THEN excluded.perf_confidence ELSE perf_confidence END,
  with_party=excluded.with_party,
  personal_score_json=CASE WHEN excluded.personal_score_json != '' THEN excluded.personal_score_json ELSE personal_score_json END;`
	_, err := ex.ExecContext(ctx, q,
		e.MatchID, nullString(e.SessionID), e.SessionLabel,
		nullFloat(e.PerfScore), string(e.PerfConfidence), boolInt(e.WithParty), e.PersonalScoreJSON)
	return errors.Wrap(err, "upsert enrichment")
}

// SetScore writes the computed performance score. Without force an existing
// score is left alone.
func (s *Store) SetScore(ctx context.Context, matchID string, score float64, confidence core.ScoreConfidence, force bool) (bool, error) {
	var q string
	if force {
		q = `UPDATE enrichment SET perf_score=?, perf_confidence=? WHERE match_id=?;`
	} else {
		q = `UPDATE enrichment SET perf_score=?, perf_confidence=? WHERE match_id=? AND perf_score IS NULL;`
	}
	res, err := s.db.ExecContext(ctx, q, score, string(confidence), matchID)
	if err != nil {
		return false, errors.Wrap(err, "set score")
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// SetSession labels one match with its session. Without force an existing
// label is left alone.
func (s *Store) SetSession(ctx context.Context, matchID, sessionID, label string, force bool) (bool, error) {
	var q string
	if force {
		q = `UPDATE enrichment SET session_id=?, session_label=? WHERE match_id=?;`
	} else {
		q = `UPDATE enrichment SET session_id=?, session_label=? WHERE match_id=? AND session_id IS NULL;`
	}
	res, err := s.db.ExecContext(ctx, q, sessionID, label, matchID)
	if err != nil {
		return false, errors.Wrap(err, "set session")
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ReplaceCitations swaps the sparse counter set for one match and stamps
// citations_at. Only non-zero values are stored.
func (s *Store) ReplaceCitations(ctx context.Context, matchID string, values map[string]int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin citations tx")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM citations WHERE match_id=?;`, matchID); err != nil {
		return errors.Wrap(err, "clear citations")
	}
	const ins = `INSERT INTO citations (match_id, citation, value) VALUES (?, ?, ?);`
	for name, v := range values {
		if v == 0 {
			continue
		}
		if _, err := tx.ExecContext(ctx, ins, matchID, name, v); err != nil {
			return errors.Wrapf(err, "insert citation %s", name)
		}
	}
	stamp := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := tx.ExecContext(ctx,
		`UPDATE enrichment SET citations_at=? WHERE match_id=?;`, stamp, matchID); err != nil {
		return errors.Wrap(err, "stamp citations_at")
	}
	return errors.Wrap(tx.Commit(), "commit citations")
}

// Enrichment loads one match's annotations.
func (s *Store) Enrichment(ctx context.Context, matchID string) (core.Enrichment, error) {
	const q = `SELECT match_id, session_id, session_label, perf_score, perf_confidence, with_party, personal_score_json
FROM enrichment WHERE match_id=?;`
	var (
		e         core.Enrichment
		sessionID sql.NullString
		score     sql.NullFloat64
		conf      string
		party     int
	)
	err := s.db.QueryRowContext(ctx, q, matchID).Scan(
		&e.MatchID, &sessionID, &e.SessionLabel, &score, &conf, &party, &e.PersonalScoreJSON)
	if err != nil {
		return core.Enrichment{}, errors.Wrap(err, "get enrichment")
	}
	e.SessionID = sessionID.String
	if score.Valid {
		v := score.Float64
		e.PerfScore = &v
	}
	e.PerfConfidence = core.ScoreConfidence(conf)
	e.WithParty = party != 0
	return e, nil
}

// CountEnrichment returns the number of enrichment rows.
func (s *Store) CountEnrichment(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM enrichment;`).Scan(&n)
	return n, errors.Wrap(err, "count enrichment")
}

// MatchIDsMissingScore returns enriched matches with no computed score.
func (s *Store) MatchIDsMissingScore(ctx context.Context, limit int) ([]string, error) {
	return s.idQuery(ctx, `SELECT match_id FROM enrichment WHERE perf_score IS NULL ORDER BY match_id`, limit)
}

// MatchIDsMissingSession returns enriched matches with no session label.
func (s *Store) MatchIDsMissingSession(ctx context.Context, limit int) ([]string, error) {
	return s.idQuery(ctx, `SELECT match_id FROM enrichment WHERE session_id IS NULL ORDER BY match_id`, limit)
}

// MatchIDsMissingCitations returns enriched matches whose citations were never
// evaluated. The citations_at stamp distinguishes "never computed" from
// "computed, all zero" under the sparse representation.
func (s *Store) MatchIDsMissingCitations(ctx context.Context, limit int) ([]string, error) {
	return s.idQuery(ctx, `SELECT match_id FROM enrichment WHERE citations_at IS NULL ORDER BY match_id`, limit)
}

// AllEnrichedMatchIDs returns every enriched match ID. Used by force mode.
func (s *Store) AllEnrichedMatchIDs(ctx context.Context, limit int) ([]string, error) {
	return s.idQuery(ctx, `SELECT match_id FROM enrichment ORDER BY match_id`, limit)
}

func (s *Store) idQuery(ctx context.Context, q string, limit int) ([]string, error) {
	args := []any{}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q+";", args...)
	if err != nil {
		return nil, errors.Wrap(err, "id query")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "scan id")
		}
		out = append(out, id)
	}
	return out, errors.Wrap(rows.Err(), "iterate ids")
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

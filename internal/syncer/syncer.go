// Package syncer pulls a player's match history from the stats service into
// the shared and player stores. Matches already present in the shared registry
// take the cheap known-match path (one per-player stats call); new matches get
// the full detail/skill/events fetch. Writes are batched, the cursor advances
// only past committed work, and every per-match failure is contained at the
// match boundary.
package syncer

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/you/matchvault/internal/apiclient"
	"github.com/you/matchvault/internal/core"
	"github.com/you/matchvault/internal/playerstore"
	"github.com/you/matchvault/internal/sharedstore"
)

// API is the slice of the stats-service client the engine needs. Tests supply
// a fake; production passes *apiclient.Client.
type API interface {
	HistoryPage(ctx context.Context, playerID string, before time.Time, pageSize int) ([]core.MatchSummary, error)
	MatchStats(ctx context.Context, matchID string) (core.MatchDetail, error)
	PlayerStats(ctx context.Context, matchID, playerID string) (core.Participant, error)
	Skill(ctx context.Context, matchID string, playerIDs []string) ([]core.SkillInfo, error)
	Events(ctx context.Context, matchID string) ([]core.HighlightEvent, error)
	Calls() int64
	Retries() int64
}

type Options struct {
	Workers    int
	PageSize   int
	BatchSize  int
	TxRetries  int
	MaxMatches int
	SessionGap time.Duration

	// FlushInterval commits a partial batch once this much time has passed
	// since the last commit. Zero flushes by size only.
	FlushInterval time.Duration

	// Progress, when set, receives a snapshot after every committed batch.
	Progress func(Summary)
}

type Engine struct {
	api     API
	shared  *sharedstore.Store
	player  *playerstore.Store
	opts    Options
	metrics *Metrics
}

func New(api API, shared *sharedstore.Store, player *playerstore.Store, opts Options, metrics *Metrics) *Engine {
	if opts.Workers <= 0 {
		opts.Workers = 5
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 25
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 25
	}
	if opts.SessionGap <= 0 {
		opts.SessionGap = DefaultSessionGap
	}
	return &Engine{api: api, shared: shared, player: player, opts: opts, metrics: metrics}
}

// Run executes one sync for the engine's player. It always returns a summary;
// the error is non-nil only for run-fatal conditions (auth failure, cancelled
// context, unusable stores).
func (e *Engine) Run(ctx context.Context) (Summary, error) {
	sum := Summary{
		RunID:     uuid.NewString(),
		PlayerID:  e.player.PlayerID(),
		StartedAt: time.Now().UTC(),
	}

	cursor, err := e.player.Cursor(ctx)
	if err != nil {
		e.metrics.incRun("sync", "error")
		return e.finish(sum), err
	}

	comm := newCommitter(e.shared, e.player, e.opts.BatchSize, e.opts.FlushInterval, e.opts.TxRetries, e.metrics)

	var before time.Time
	budget := e.opts.MaxMatches

	// The cursor may only advance once the page walk has connected down to
	// the previous cursor (or exhausted history). An interrupted walk leaves
	// a gap of unfetched matches below everything committed this run, so the
	// cursor stays put and the next run re-covers the overlap idempotently.
	connected := false

pages:
	for {
		if ctx.Err() != nil {
			break
		}

		page, err := e.api.HistoryPage(ctx, sum.PlayerID, before, e.opts.PageSize)
		if err != nil {
			if apiclient.IsAuth(err) {
				e.metrics.incRun("sync", "auth_error")
				return e.finish(sum), err
			}
			sum.addError("history", err)
			e.metrics.incFailure()
			break
		}
		sum.Pages++
		if len(page) == 0 {
			connected = true
			break
		}

		// New work is everything strictly newer than the cursor; seeing an
		// at-or-before-cursor entry means this page reaches synced territory.
		candidates := page[:0:0]
		hitCursor := false
		for _, m := range page {
			if !cursor.IsZero() && !m.StartedAt.After(cursor) {
				hitCursor = true
				continue
			}
			candidates = append(candidates, m)
		}
		if e.opts.MaxMatches > 0 && len(candidates) > budget {
			candidates = candidates[:budget]
			hitCursor = true
		}
		sum.Candidates += len(candidates)
		budget -= len(candidates)

		ids := make([]string, len(candidates))
		for i, m := range candidates {
			ids[i] = m.MatchID
		}
		knownSet, err := e.shared.KnownMatches(ctx, ids)
		if err != nil {
			e.metrics.incRun("sync", "error")
			return e.finish(sum), err
		}

		results := e.fetchAll(ctx, candidates, knownSet)
		for i, res := range results {
			if res.err != nil {
				if apiclient.IsAuth(res.err) {
					e.metrics.incRun("sync", "auth_error")
					return e.finish(sum), res.err
				}
				slog.Warn("syncer: match failed", "player", sum.PlayerID, "match", res.matchID, "err", res.err)
				sum.addError(res.matchID, res.err)
				e.metrics.incFailure()
				comm.blockBelow(candidates[i].StartedAt)
				continue
			}
			if res.pm.known {
				sum.Known++
			} else {
				sum.New++
			}
			n, err := comm.add(ctx, res.pm)
			if err != nil {
				slog.Error("syncer: batch commit failed", "player", sum.PlayerID, "err", err)
				sum.addError("batch", err)
				e.metrics.incFailure()
				continue
			}
			if n > 0 {
				sum.Committed += n
				e.notify(sum)
			}
		}

		if hitCursor {
			connected = true
			break pages
		}
		before = page[len(page)-1].StartedAt
	}

	if n, err := comm.flush(ctx); err != nil {
		sum.addError("final batch", err)
	} else if n > 0 {
		sum.Committed += n
		e.notify(sum)
	}

	// SetCursor is monotonic, so a conservative target can never move the
	// cursor backwards.
	if connected {
		if target := comm.cursorTarget(); !target.IsZero() {
			if err := e.player.SetCursor(ctx, target); err != nil {
				sum.addError("cursor", err)
			}
		}
	}

	// Label the play sessions the run just extended. Fill-missing only; the
	// sessions backfill category owns forced relabeling.
	if _, err := AssignSessions(ctx, e.shared, e.player, e.opts.SessionGap, false); err != nil {
		slog.Warn("syncer: session labeling failed", "player", sum.PlayerID, "err", err)
	}

	e.metrics.incRun("sync", "ok")
	return e.finish(sum), nil
}

func (e *Engine) finish(sum Summary) Summary {
	sum.FinishedAt = time.Now().UTC()
	sum.APICalls = e.api.Calls()
	sum.APIRetries = e.api.Retries()
	if cursor, err := e.player.Cursor(context.Background()); err == nil {
		sum.Cursor = cursor
	}
	e.notify(sum)
	return sum
}

func (e *Engine) notify(sum Summary) {
	if e.opts.Progress != nil {
		e.opts.Progress(sum)
	}
}

type fetchResult struct {
	matchID string
	pm      pendingMatch
	err     error
}

// fetchAll runs the per-match fetches through a bounded worker pool. Results
// come back in input order so commits and the cursor stay in descending time
// order regardless of which worker finishes first. Only network work happens
// here; all store writes go through the committer.
func (e *Engine) fetchAll(ctx context.Context, candidates []core.MatchSummary, known map[string]struct{}) []fetchResult {
	results := make([]fetchResult, len(candidates))
	sem := make(chan struct{}, e.opts.Workers)
	var wg sync.WaitGroup

	for i, m := range candidates {
		wg.Add(1)
		go func(i int, m core.MatchSummary) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			_, isKnown := known[m.MatchID]
			pm, err := e.fetchOne(ctx, m, isKnown)
			results[i] = fetchResult{matchID: m.MatchID, pm: pm, err: err}
		}(i, m)
	}
	wg.Wait()
	return results
}

func (e *Engine) fetchOne(ctx context.Context, m core.MatchSummary, isKnown bool) (pendingMatch, error) {
	if isKnown {
		return e.fetchKnown(ctx, m)
	}
	return e.fetchNew(ctx, m)
}

// fetchKnown is the cost-saving path: the registry row, events and medals are
// already in the shared store from another player's sync, so only this
// player's personal stat line and skill are fetched.
func (e *Engine) fetchKnown(ctx context.Context, m core.MatchSummary) (pendingMatch, error) {
	playerID := e.player.PlayerID()

	participant, err := e.api.PlayerStats(ctx, m.MatchID, playerID)
	if err != nil {
		return pendingMatch{}, err
	}
	skill, err := e.api.Skill(ctx, m.MatchID, []string{playerID})
	if err != nil {
		// Skill is enrichment-only; a degraded record beats a failed match.
		slog.Warn("syncer: skill fetch failed on known path", "match", m.MatchID, "err", err)
		skill = nil
	}

	return pendingMatch{
		summary:     m,
		participant: &participant,
		// A known match means a regular teammate synced it first.
		enrichment: e.buildEnrichment(m.MatchID, participant, skill, true),
		known:      true,
	}, nil
}

// fetchNew pulls the full match payload. The three sub-fetches are issued
// concurrently and joined before anything is handed to the committer.
func (e *Engine) fetchNew(ctx context.Context, m core.MatchSummary) (pendingMatch, error) {
	var (
		wg     sync.WaitGroup
		detail core.MatchDetail
		skill  []core.SkillInfo
		events []core.HighlightEvent

		detailErr, skillErr, eventsErr error
	)

	wg.Add(3)
	go func() {
		defer wg.Done()
		detail, detailErr = e.api.MatchStats(ctx, m.MatchID)
	}()
	go func() {
		defer wg.Done()
		skill, skillErr = e.api.Skill(ctx, m.MatchID, nil)
	}()
	go func() {
		defer wg.Done()
		events, eventsErr = e.api.Events(ctx, m.MatchID)
	}()
	wg.Wait()

	if detailErr != nil {
		return pendingMatch{}, detailErr
	}
	if skillErr != nil {
		slog.Warn("syncer: skill fetch failed", "match", m.MatchID, "err", skillErr)
	}
	if eventsErr != nil {
		slog.Warn("syncer: events fetch failed", "match", m.MatchID, "err", eventsErr)
	}
	detail.Events = events

	// Summary timestamps backstop a stats payload with missing times.
	if detail.Match.StartedAt.IsZero() {
		detail.Match.StartedAt = m.StartedAt
	}
	if detail.Match.EndedAt.IsZero() {
		detail.Match.EndedAt = m.EndedAt
	}

	playerID := e.player.PlayerID()
	var own core.Participant
	for _, p := range detail.Participants {
		if p.PlayerID == playerID {
			own = p
			break
		}
	}

	return pendingMatch{
		summary:    m,
		detail:     &detail,
		enrichment: e.buildEnrichment(m.MatchID, own, skill, false),
	}, nil
}

func (e *Engine) buildEnrichment(matchID string, own core.Participant, skill []core.SkillInfo, withParty bool) core.Enrichment {
	breakdown := map[string]any{
		"score":   own.Score,
		"kills":   own.Kills,
		"deaths":  own.Deaths,
		"assists": own.Assists,
	}
	for _, s := range skill {
		if s.PlayerID == e.player.PlayerID() {
			breakdown["csr_before"] = s.CSRBefore
			breakdown["csr_after"] = s.CSRAfter
			breakdown["team_mmr"] = s.TeamMMR
			break
		}
	}
	raw, _ := json.Marshal(breakdown)

	return core.Enrichment{
		MatchID:           matchID,
		WithParty:         withParty,
		PersonalScoreJSON: string(raw),
	}
}

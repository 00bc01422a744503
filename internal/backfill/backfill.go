// Package backfill fills in missing derived or fetched data for matches that
// are already stored. Work is selected by querying current state — a NULL
// column, an absent row, a missing stamp — never by replaying a fixed list,
// so an interrupted run converges on re-run instead of reprocessing filled
// rows. Refetch categories call the API for just the missing matches; pure
// recomputations (sessions, citations, score) never touch the network.
package backfill

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/you/matchvault/internal/apiclient"
	"github.com/you/matchvault/internal/citation"
	"github.com/you/matchvault/internal/core"
	"github.com/you/matchvault/internal/playerstore"
	"github.com/you/matchvault/internal/score"
	"github.com/you/matchvault/internal/sharedstore"
	"github.com/you/matchvault/internal/syncer"
)

// API is the slice of the stats client the refetch categories need.
type API interface {
	MatchStats(ctx context.Context, matchID string) (core.MatchDetail, error)
	Events(ctx context.Context, matchID string) ([]core.HighlightEvent, error)
}

type Options struct {
	Categories Categories
	DryRun     bool
	MaxMatches int
	SessionGap time.Duration

	// MinSamples is handed to the score engine; zero keeps its default.
	MinSamples int
}

// CategoryReport counts one category's outcome.
type CategoryReport struct {
	Category  string   `json:"category"`
	Forced    bool     `json:"forced"`
	Inspected int      `json:"inspected"`
	Updated   int      `json:"updated"`
	Skipped   int      `json:"skipped"`
	Failed    int      `json:"failed"`
	Errors    []string `json:"errors,omitempty"`
}

const maxReportErrors = 5

func (r *CategoryReport) fail(matchID string, err error) {
	r.Failed++
	if len(r.Errors) < maxReportErrors {
		r.Errors = append(r.Errors, fmt.Sprintf("%s: %v", matchID, err))
	}
}

// Report is the per-player result of one backfill invocation.
type Report struct {
	PlayerID   string           `json:"player_id"`
	DryRun     bool             `json:"dry_run"`
	Categories []CategoryReport `json:"categories"`
}

// Failed reports whether any category recorded failures.
func (r Report) Failed() bool {
	for _, c := range r.Categories {
		if c.Failed > 0 {
			return true
		}
	}
	return false
}

func (r Report) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "backfill player=%s dry_run=%t\n", r.PlayerID, r.DryRun)
	for _, c := range r.Categories {
		fmt.Fprintf(&b, "  %-10s inspected=%d updated=%d skipped=%d failed=%d\n",
			c.Category, c.Inspected, c.Updated, c.Skipped, c.Failed)
		for _, e := range c.Errors {
			fmt.Fprintf(&b, "    %s\n", e)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// Orchestrator runs the requested categories for one player.
type Orchestrator struct {
	api    API
	shared *sharedstore.Store
	player *playerstore.Store
	opts   Options
}

func New(api API, shared *sharedstore.Store, player *playerstore.Store, opts Options) *Orchestrator {
	if opts.SessionGap <= 0 {
		opts.SessionGap = syncer.DefaultSessionGap
	}
	return &Orchestrator{api: api, shared: shared, player: player, opts: opts}
}

// Run executes the enabled categories in order. Per-match failures are
// contained in the report; the returned error is reserved for run-fatal
// conditions (auth failure, unusable store, cancellation).
func (o *Orchestrator) Run(ctx context.Context) (Report, error) {
	report := Report{PlayerID: o.player.PlayerID(), DryRun: o.opts.DryRun}

	for _, name := range categoryOrder {
		opt := o.opts.Categories.get(name)
		if !opt.Enabled {
			continue
		}
		if ctx.Err() != nil {
			return report, ctx.Err()
		}

		var (
			cr  CategoryReport
			err error
		)
		switch name {
		case "accuracy":
			cr, err = o.refetchFigures(ctx, name, opt.Force, o.shared.MatchIDsMissingShots)
		case "damage":
			cr, err = o.refetchFigures(ctx, name, opt.Force, o.shared.MatchIDsMissingDamage)
		case "pairs":
			cr, err = o.refetchPairs(ctx, opt.Force)
		case "sessions":
			cr, err = o.recomputeSessions(ctx, opt.Force)
		case "citations":
			cr, err = o.recomputeCitations(ctx, opt.Force)
		case "score":
			cr, err = o.recomputeScores(ctx, opt.Force)
		}
		cr.Category = name
		cr.Forced = opt.Force
		report.Categories = append(report.Categories, cr)
		if err != nil {
			return report, err
		}
	}
	return report, nil
}

// selectWork picks the matches a category must touch: the missing set in
// fill-missing mode, everything in scope under force.
func (o *Orchestrator) selectWork(ctx context.Context, force bool,
	missing func(context.Context, string, int) ([]string, error)) ([]string, error) {
	if force {
		return o.shared.MatchIDsForPlayer(ctx, o.player.PlayerID(), o.opts.MaxMatches)
	}
	return missing(ctx, o.player.PlayerID(), o.opts.MaxMatches)
}

// refetchFigures re-fetches full match stats for matches whose shot or damage
// columns were never captured, and fills every participant of those matches.
func (o *Orchestrator) refetchFigures(ctx context.Context, name string, force bool,
	missing func(context.Context, string, int) ([]string, error)) (CategoryReport, error) {
	var cr CategoryReport

	ids, err := o.selectWork(ctx, force, missing)
	if err != nil {
		return cr, err
	}
	cr.Inspected = len(ids)
	if o.opts.DryRun {
		cr.Skipped = len(ids)
		return cr, nil
	}

	for _, matchID := range ids {
		if ctx.Err() != nil {
			return cr, ctx.Err()
		}
		detail, err := o.api.MatchStats(ctx, matchID)
		if err != nil {
			if apiclient.IsAuth(err) {
				return cr, err
			}
			cr.fail(matchID, err)
			continue
		}
		touched := false
		for _, p := range detail.Participants {
			ok, err := o.shared.FillParticipantFigures(ctx, p, force)
			if err != nil {
				cr.fail(matchID, err)
				touched = false
				break
			}
			touched = touched || ok
		}
		if touched {
			cr.Updated++
		} else {
			cr.Skipped++
		}
	}
	slog.Info("backfill: category done", "category", name, "player", o.player.PlayerID(),
		"inspected", cr.Inspected, "updated", cr.Updated, "failed", cr.Failed)
	return cr, nil
}

// refetchPairs re-fetches highlight timelines for matches with no stored
// events, restoring the killer/victim pair data.
func (o *Orchestrator) refetchPairs(ctx context.Context, force bool) (CategoryReport, error) {
	var cr CategoryReport

	ids, err := o.selectWork(ctx, force, o.shared.MatchIDsWithoutEvents)
	if err != nil {
		return cr, err
	}
	cr.Inspected = len(ids)
	if o.opts.DryRun {
		cr.Skipped = len(ids)
		return cr, nil
	}

	for _, matchID := range ids {
		if ctx.Err() != nil {
			return cr, ctx.Err()
		}
		events, err := o.api.Events(ctx, matchID)
		if err != nil {
			if apiclient.IsAuth(err) {
				return cr, err
			}
			cr.fail(matchID, err)
			continue
		}
		if len(events) == 0 {
			cr.Skipped++
			continue
		}
		if err := o.shared.AppendEvents(ctx, events); err != nil {
			cr.fail(matchID, err)
			continue
		}
		cr.Updated++
	}
	return cr, nil
}

func (o *Orchestrator) recomputeSessions(ctx context.Context, force bool) (CategoryReport, error) {
	var cr CategoryReport

	missing, err := o.player.MatchIDsMissingSession(ctx, o.opts.MaxMatches)
	if err != nil {
		return cr, err
	}
	if force {
		all, err := o.player.AllEnrichedMatchIDs(ctx, o.opts.MaxMatches)
		if err != nil {
			return cr, err
		}
		cr.Inspected = len(all)
	} else {
		cr.Inspected = len(missing)
	}
	if o.opts.DryRun {
		cr.Skipped = cr.Inspected
		return cr, nil
	}

	updated, err := syncer.AssignSessions(ctx, o.shared, o.player, o.opts.SessionGap, force)
	if err != nil {
		return cr, err
	}
	cr.Updated = updated
	if cr.Inspected > updated {
		cr.Skipped = cr.Inspected - updated
	}
	return cr, nil
}

func (o *Orchestrator) recomputeCitations(ctx context.Context, force bool) (CategoryReport, error) {
	var cr CategoryReport

	var (
		ids []string
		err error
	)
	if force {
		ids, err = o.player.AllEnrichedMatchIDs(ctx, o.opts.MaxMatches)
	} else {
		ids, err = o.player.MatchIDsMissingCitations(ctx, o.opts.MaxMatches)
	}
	if err != nil {
		return cr, err
	}
	cr.Inspected = len(ids)
	if o.opts.DryRun {
		cr.Skipped = len(ids)
		return cr, nil
	}

	rules, err := o.shared.ListEnabledRules(ctx)
	if err != nil {
		return cr, err
	}
	engine := citation.NewEngine(rules)

	for _, matchID := range ids {
		if ctx.Err() != nil {
			return cr, ctx.Err()
		}
		facts, err := citation.LoadFacts(ctx, o.shared, matchID, o.player.PlayerID())
		if err != nil {
			cr.fail(matchID, err)
			continue
		}
		values := engine.Evaluate(facts)
		if err := o.player.ReplaceCitations(ctx, matchID, values); err != nil {
			cr.fail(matchID, err)
			continue
		}
		cr.Updated++
	}
	return cr, nil
}

func (o *Orchestrator) recomputeScores(ctx context.Context, force bool) (CategoryReport, error) {
	var cr CategoryReport

	var (
		ids []string
		err error
	)
	if force {
		ids, err = o.player.AllEnrichedMatchIDs(ctx, o.opts.MaxMatches)
	} else {
		ids, err = o.player.MatchIDsMissingScore(ctx, o.opts.MaxMatches)
	}
	if err != nil {
		return cr, err
	}
	cr.Inspected = len(ids)
	if o.opts.DryRun {
		cr.Skipped = len(ids)
		return cr, nil
	}

	// One history load serves every match's percentile computation.
	history, err := o.shared.ParticipantHistory(ctx, o.player.PlayerID())
	if err != nil {
		return cr, err
	}
	engine := score.New(o.opts.MinSamples)

	for _, matchID := range ids {
		if ctx.Err() != nil {
			return cr, ctx.Err()
		}
		result, err := engine.Compute(history, matchID)
		if err != nil {
			cr.fail(matchID, err)
			continue
		}
		ok, err := o.player.SetScore(ctx, matchID, result.Score, result.Confidence, force)
		if err != nil {
			cr.fail(matchID, err)
			continue
		}
		if ok {
			cr.Updated++
		} else {
			cr.Skipped++
		}
	}
	return cr, nil
}

package syncer

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/you/matchvault/internal/core"
	"github.com/you/matchvault/internal/playerstore"
	"github.com/you/matchvault/internal/sharedstore"
)

// pendingMatch is one fully fetched match waiting for the next batch commit.
// detail is nil on the known-match path.
type pendingMatch struct {
	summary     core.MatchSummary
	detail      *core.MatchDetail
	participant *core.Participant // the syncing player's own row, known path
	enrichment  core.Enrichment
	known       bool
}

// committer batches writes so transactions amortize over many matches, in the
// same spirit as a buffered sink: accumulate, flush at batchSize or when the
// flush interval elapses, commit the shared store first, then the player
// store. The committer never touches the cursor itself; it records which
// start times committed and which failed, and the engine derives the safe
// cursor from those at end of run.
type committer struct {
	shared     *sharedstore.Store
	player     *playerstore.Store
	batchSize  int
	flushEvery time.Duration
	txRetries  int
	metrics    *Metrics

	pending   []pendingMatch
	lastFlush time.Time

	committed []time.Time
	blocked   time.Time // oldest start time that failed to fetch or commit
}

func newCommitter(shared *sharedstore.Store, player *playerstore.Store, batchSize int, flushEvery time.Duration, txRetries int, metrics *Metrics) *committer {
	if batchSize <= 0 {
		batchSize = 1
	}
	if txRetries < 0 {
		txRetries = 0
	}
	return &committer{
		shared:     shared,
		player:     player,
		batchSize:  batchSize,
		flushEvery: flushEvery,
		txRetries:  txRetries,
		metrics:    metrics,
		lastFlush:  time.Now(),
	}
}

// add queues one match and flushes when the batch is full or the flush
// interval has elapsed since the last commit. The returned count is how many
// matches were committed by this call (zero until a flush).
func (c *committer) add(ctx context.Context, pm pendingMatch) (int, error) {
	c.pending = append(c.pending, pm)
	if len(c.pending) < c.batchSize {
		if c.flushEvery <= 0 || time.Since(c.lastFlush) < c.flushEvery {
			return 0, nil
		}
	}
	return c.flush(ctx)
}

// blockBelow caps cursor advancement strictly below t. Called for matches
// that failed to fetch and for batches that failed to commit: the next run
// must see them again, so the cursor may never reach them.
func (c *committer) blockBelow(t time.Time) {
	if t.IsZero() {
		return
	}
	if c.blocked.IsZero() || t.Before(c.blocked) {
		c.blocked = t
	}
}

func (c *committer) blockBatch(batch []pendingMatch) {
	for _, pm := range batch {
		c.blockBelow(pm.summary.StartedAt)
	}
}

// cursorTarget is the newest committed start time the cursor may safely take:
// every match between it and the walk boundary committed, so nothing newer
// than the old cursor and at or below the target can be lost.
func (c *committer) cursorTarget() time.Time {
	var target time.Time
	for _, t := range c.committed {
		if !c.blocked.IsZero() && !t.Before(c.blocked) {
			continue
		}
		if t.After(target) {
			target = t
		}
	}
	return target
}

// flush commits everything pending. Storage write failures retry a bounded
// number of times at the transaction level; when retries exhaust, the batch
// is dropped and reported, and its start times block cursor advancement so
// the next run picks the matches up again.
func (c *committer) flush(ctx context.Context) (int, error) {
	if len(c.pending) == 0 {
		return 0, nil
	}
	batch := c.pending
	c.pending = nil
	c.lastFlush = time.Now()

	var err error
	for attempt := 0; attempt <= c.txRetries; attempt++ {
		if attempt > 0 {
			c.metrics.incCommitRetry()
			select {
			case <-ctx.Done():
				c.blockBatch(batch)
				return 0, ctx.Err()
			case <-time.After(time.Duration(attempt) * 200 * time.Millisecond):
			}
		}
		if err = c.commitShared(ctx, batch); err == nil {
			break
		}
	}
	if err != nil {
		c.blockBatch(batch)
		return 0, errors.Wrap(err, "commit shared batch")
	}

	for attempt := 0; attempt <= c.txRetries; attempt++ {
		if attempt > 0 {
			c.metrics.incCommitRetry()
			select {
			case <-ctx.Done():
				c.blockBatch(batch)
				return 0, ctx.Err()
			case <-time.After(time.Duration(attempt) * 200 * time.Millisecond):
			}
		}
		if err = c.commitPlayer(ctx, batch); err == nil {
			break
		}
	}
	if err != nil {
		c.blockBatch(batch)
		return 0, errors.Wrap(err, "commit player batch")
	}

	for _, pm := range batch {
		c.committed = append(c.committed, pm.summary.StartedAt)
	}

	c.metrics.incCommit()
	for _, pm := range batch {
		if pm.known {
			c.metrics.incSynced("known")
		} else {
			c.metrics.incSynced("new")
		}
	}
	return len(batch), nil
}

func (c *committer) commitShared(ctx context.Context, batch []pendingMatch) error {
	tx, err := c.shared.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, pm := range batch {
		if pm.detail != nil {
			if err := sharedstore.WriteMatch(ctx, tx, pm.detail.Match); err != nil {
				return err
			}
			for _, p := range pm.detail.Participants {
				if err := sharedstore.WriteParticipant(ctx, tx, p); err != nil {
					return err
				}
			}
			if err := sharedstore.WriteEvents(ctx, tx, pm.detail.Events); err != nil {
				return err
			}
			if err := sharedstore.WriteMedals(ctx, tx, pm.detail.Medals); err != nil {
				return err
			}
		}
		if pm.participant != nil {
			if err := sharedstore.WriteParticipant(ctx, tx, *pm.participant); err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}

func (c *committer) commitPlayer(ctx context.Context, batch []pendingMatch) error {
	tx, err := c.player.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, pm := range batch {
		if err := playerstore.UpsertEnrichment(ctx, tx, pm.enrichment); err != nil {
			return err
		}
	}
	return tx.Commit()
}

package syncer

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/you/matchvault/internal/playerstore"
	"github.com/you/matchvault/internal/sharedstore"
)

// sessionNamespace keys the deterministic session UUIDs so recomputation
// always yields the same identifier for the same session.
var sessionNamespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

// DefaultSessionGap is the idle stretch that splits two matches into separate
// play sessions.
const DefaultSessionGap = 90 * time.Minute

type session struct {
	id      string
	label   string
	matches []string
}

// buildSessions walks a player's matches oldest-first and groups consecutive
// matches whose gap is under gap. Session IDs derive from the player and the
// first match's start time, so re-labeling is idempotent.
func buildSessions(playerID string, history []sharedstore.ParticipantWithMatch, gap time.Duration) []session {
	if gap <= 0 {
		gap = DefaultSessionGap
	}

	var (
		sessions []session
		cur      *session
		lastEnd  time.Time
		perDay   = map[string]int{}
	)
	for _, row := range history {
		if row.StartedAt.IsZero() {
			continue
		}
		if cur == nil || row.StartedAt.Sub(lastEnd) > gap {
			day := row.StartedAt.UTC().Format("2006-01-02")
			perDay[day]++
			seed := playerID + "|" + row.StartedAt.UTC().Format(time.RFC3339)
			sessions = append(sessions, session{
				id:    uuid.NewSHA1(sessionNamespace, []byte(seed)).String(),
				label: fmt.Sprintf("%s #%d", day, perDay[day]),
			})
			cur = &sessions[len(sessions)-1]
		}
		cur.matches = append(cur.matches, row.MatchID)
		lastEnd = row.StartedAt
		if row.EndedAt.After(lastEnd) {
			lastEnd = row.EndedAt
		}
	}
	return sessions
}

// AssignSessions labels a player's matches with their play-session identity.
// Without force only unlabeled matches are touched, so it is rerunnable and
// serves both the post-sync pass and the sessions backfill category.
func AssignSessions(ctx context.Context, shared *sharedstore.Store, player *playerstore.Store, gap time.Duration, force bool) (int, error) {
	history, err := shared.ParticipantHistory(ctx, player.PlayerID())
	if err != nil {
		return 0, err
	}

	updated := 0
	for _, s := range buildSessions(player.PlayerID(), history, gap) {
		for _, matchID := range s.matches {
			ok, err := player.SetSession(ctx, matchID, s.id, s.label, force)
			if err != nil {
				return updated, err
			}
			if ok {
				updated++
			}
		}
	}
	return updated, nil
}

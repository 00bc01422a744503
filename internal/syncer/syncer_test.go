package syncer

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/you/matchvault/internal/apiclient"
	"github.com/you/matchvault/internal/core"
	"github.com/you/matchvault/internal/playerstore"
	"github.com/you/matchvault/internal/sharedstore"
)

// fakeAPI serves canned pages and match payloads. History is held newest
// first, mirroring the service.
type fakeAPI struct {
	mu      sync.Mutex
	history []core.MatchSummary
	details map[string]core.MatchDetail
	stats   map[string]core.Participant
	skill   map[string][]core.SkillInfo
	events  map[string][]core.HighlightEvent

	historyErr error
	statsErrs  map[string]error

	historyCalls int
	statsCalls   int
	playerCalls  int
	total        int64
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		details: map[string]core.MatchDetail{},
		stats:   map[string]core.Participant{},
		skill:   map[string][]core.SkillInfo{},
		events:  map[string][]core.HighlightEvent{},
	}
}

func (f *fakeAPI) HistoryPage(ctx context.Context, playerID string, before time.Time, pageSize int) ([]core.MatchSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.historyCalls++
	f.total++
	if f.historyErr != nil {
		return nil, f.historyErr
	}
	var page []core.MatchSummary
	for _, m := range f.history {
		if !before.IsZero() && !m.StartedAt.Before(before) {
			continue
		}
		page = append(page, m)
		if len(page) == pageSize {
			break
		}
	}
	return page, nil
}

func (f *fakeAPI) MatchStats(ctx context.Context, matchID string) (core.MatchDetail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statsCalls++
	f.total++
	if err := f.statsErrs[matchID]; err != nil {
		return core.MatchDetail{}, err
	}
	d, ok := f.details[matchID]
	if !ok {
		return core.MatchDetail{}, fmt.Errorf("no detail for %s", matchID)
	}
	return d, nil
}

func (f *fakeAPI) PlayerStats(ctx context.Context, matchID, playerID string) (core.Participant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.playerCalls++
	f.total++
	p, ok := f.stats[matchID]
	if !ok {
		return core.Participant{}, fmt.Errorf("no stats for %s", matchID)
	}
	return p, nil
}

func (f *fakeAPI) Skill(ctx context.Context, matchID string, playerIDs []string) ([]core.SkillInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.total++
	return f.skill[matchID], nil
}

func (f *fakeAPI) Events(ctx context.Context, matchID string) ([]core.HighlightEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.total++
	return f.events[matchID], nil
}

func (f *fakeAPI) Calls() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.total
}

func (f *fakeAPI) Retries() int64 { return 0 }

// addMatch registers a full match payload where alice and bob both played.
func (f *fakeAPI) addMatch(id string, start time.Time) {
	sum := core.MatchSummary{
		MatchID:    id,
		StartedAt:  start,
		EndedAt:    start.Add(10 * time.Minute),
		MapID:      "canyon",
		ModeID:     "slayer",
		PlaylistID: "ranked",
		Ranked:     true,
	}
	// Keep history newest first.
	f.history = append([]core.MatchSummary{sum}, f.history...)

	alice := core.Participant{MatchID: id, PlayerID: "alice", Team: 1, Outcome: core.OutcomeWin, Kills: 10, Deaths: 4, Assists: 3, Score: 1200, RankInMatch: 2}
	bob := core.Participant{MatchID: id, PlayerID: "bob", Team: 2, Outcome: core.OutcomeLoss, Kills: 6, Deaths: 10, Assists: 1, Score: 700, RankInMatch: 6}
	f.details[id] = core.MatchDetail{
		Match: core.Match{
			ID: id, StartedAt: sum.StartedAt, EndedAt: sum.EndedAt,
			MapID: sum.MapID, ModeID: sum.ModeID, PlaylistID: sum.PlaylistID, Ranked: sum.Ranked,
		},
		Participants: []core.Participant{alice, bob},
		Medals:       []core.MedalAward{{MatchID: id, PlayerID: "alice", MedalID: "double_kill", Count: 1}},
	}
	f.stats[id] = alice
	f.events[id] = []core.HighlightEvent{{MatchID: id, Seq: 1, AtMS: 5000, Kind: "kill", ActorID: "alice", TargetID: "bob"}}
	f.skill[id] = []core.SkillInfo{{MatchID: id, PlayerID: "alice", CSRBefore: 1400, CSRAfter: 1412, TeamMMR: 1390.5}}
}

func newStores(t *testing.T, playerID string) (*sharedstore.Store, *playerstore.Store) {
	t.Helper()
	dir := t.TempDir()
	shared, err := sharedstore.Open(filepath.Join(dir, "shared.db"))
	if err != nil {
		t.Fatalf("open shared: %v", err)
	}
	t.Cleanup(func() { shared.Close() })
	player, err := playerstore.Open(filepath.Join(dir, playerID+".db"), playerID)
	if err != nil {
		t.Fatalf("open player: %v", err)
	}
	t.Cleanup(func() { player.Close() })
	return shared, player
}

func TestRunSyncsNewMatches(t *testing.T) {
	api := newFakeAPI()
	base := time.Date(2026, 3, 5, 19, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		api.addMatch(fmt.Sprintf("m%d", i+1), base.Add(time.Duration(i)*30*time.Minute))
	}
	shared, player := newStores(t, "alice")

	eng := New(api, shared, player, Options{Workers: 2, BatchSize: 2}, nil)
	sum, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.New != 3 || sum.Known != 0 || sum.Committed != 3 || sum.Failed != 0 {
		t.Fatalf("summary = %s", sum)
	}
	if sum.Pages != 2 {
		t.Fatalf("pages = %d; want full page then empty page", sum.Pages)
	}

	ctx := context.Background()
	n, err := shared.CountMatches(ctx)
	if err != nil || n != 3 {
		t.Fatalf("shared matches = (%d, %v); want 3", n, err)
	}
	parts, err := shared.ParticipantsForMatch(ctx, "m1")
	if err != nil || len(parts) != 2 {
		t.Fatalf("participants = (%d, %v); want both teams", len(parts), err)
	}
	events, err := shared.EventsForMatch(ctx, "m1")
	if err != nil || len(events) != 1 {
		t.Fatalf("events = (%d, %v)", len(events), err)
	}

	cursor, err := player.Cursor(ctx)
	if err != nil {
		t.Fatalf("cursor: %v", err)
	}
	if !cursor.Equal(base.Add(time.Hour)) {
		t.Fatalf("cursor = %v; want newest committed start %v", cursor, base.Add(time.Hour))
	}

	// Sessions were labeled post-sync; a 30-minute cadence is one session.
	e, err := player.Enrichment(ctx, "m1")
	if err != nil {
		t.Fatalf("enrichment: %v", err)
	}
	if e.SessionID == "" {
		t.Fatalf("match not labeled with a session")
	}
	if e.WithParty {
		t.Fatalf("first-sync match should not be marked with_party")
	}
	if e.PersonalScoreJSON == "" {
		t.Fatalf("personal score breakdown missing")
	}
}

func TestRunSecondRunFindsNothing(t *testing.T) {
	api := newFakeAPI()
	base := time.Date(2026, 3, 5, 19, 0, 0, 0, time.UTC)
	api.addMatch("m1", base)
	api.addMatch("m2", base.Add(time.Hour))
	shared, player := newStores(t, "alice")

	eng := New(api, shared, player, Options{}, nil)
	if _, err := eng.Run(context.Background()); err != nil {
		t.Fatalf("first run: %v", err)
	}
	statsAfterFirst := api.statsCalls

	sum, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if sum.Candidates != 0 || sum.Committed != 0 {
		t.Fatalf("second run did work: %s", sum)
	}
	if api.statsCalls != statsAfterFirst {
		t.Fatalf("second run fetched match detail")
	}
}

func TestRunKnownMatchPath(t *testing.T) {
	api := newFakeAPI()
	start := time.Date(2026, 3, 5, 19, 0, 0, 0, time.UTC)
	api.addMatch("m1", start)
	shared, player := newStores(t, "alice")
	ctx := context.Background()

	// Another player's sync already registered the match.
	d := api.details["m1"]
	if err := sharedstore.WriteMatch(ctx, shared.RawDB(), d.Match); err != nil {
		t.Fatalf("seed match: %v", err)
	}
	bob := d.Participants[1]
	if err := sharedstore.WriteParticipant(ctx, shared.RawDB(), bob); err != nil {
		t.Fatalf("seed bob: %v", err)
	}
	if err := sharedstore.WriteEvents(ctx, shared.RawDB(), api.events["m1"]); err != nil {
		t.Fatalf("seed events: %v", err)
	}

	eng := New(api, shared, player, Options{}, nil)
	sum, err := eng.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Known != 1 || sum.New != 0 || sum.Committed != 1 {
		t.Fatalf("summary = %s", sum)
	}
	if api.statsCalls != 0 {
		t.Fatalf("known path must not fetch full match detail")
	}
	if api.playerCalls != 1 {
		t.Fatalf("player stats calls = %d; want 1", api.playerCalls)
	}

	p, err := shared.Participant(ctx, "m1", "alice")
	if err != nil {
		t.Fatalf("alice's row missing: %v", err)
	}
	if p.Kills != 10 {
		t.Fatalf("alice kills = %d", p.Kills)
	}

	e, err := player.Enrichment(ctx, "m1")
	if err != nil {
		t.Fatalf("enrichment: %v", err)
	}
	if !e.WithParty {
		t.Fatalf("known match should be marked with_party")
	}
}

func TestRunContainsMatchFailure(t *testing.T) {
	api := newFakeAPI()
	base := time.Date(2026, 3, 5, 19, 0, 0, 0, time.UTC)
	api.addMatch("m1", base)
	api.addMatch("m2", base.Add(time.Hour))
	api.statsErrs = map[string]error{
		"m2": &apiclient.APIError{Kind: apiclient.KindOther, Status: 500, Endpoint: "stats"},
	}
	shared, player := newStores(t, "alice")
	ctx := context.Background()

	eng := New(api, shared, player, Options{}, nil)
	sum, err := eng.Run(ctx)
	if err != nil {
		t.Fatalf("per-match failure must not fail the run: %v", err)
	}
	if sum.Failed != 1 || sum.New != 1 || sum.Committed != 1 {
		t.Fatalf("summary = %s", sum)
	}
	if len(sum.LastErrors) != 1 {
		t.Fatalf("last errors = %v", sum.LastErrors)
	}

	// The cursor stops short of the failed match so the next run retries it.
	cursor, _ := player.Cursor(ctx)
	if !cursor.Equal(base) {
		t.Fatalf("cursor = %v; want %v", cursor, base)
	}

	api.mu.Lock()
	delete(api.statsErrs, "m2")
	api.mu.Unlock()

	sum, err = eng.Run(ctx)
	if err != nil {
		t.Fatalf("recovery run: %v", err)
	}
	if sum.Committed != 1 || sum.Failed != 0 {
		t.Fatalf("recovery summary = %s", sum)
	}
	cursor, _ = player.Cursor(ctx)
	if !cursor.Equal(base.Add(time.Hour)) {
		t.Fatalf("cursor after recovery = %v", cursor)
	}
}

func TestRunFailureKeepsOlderMatchesReachable(t *testing.T) {
	api := newFakeAPI()
	base := time.Date(2026, 3, 5, 19, 0, 0, 0, time.UTC)
	api.addMatch("m1", base)
	api.addMatch("m2", base.Add(time.Hour))
	api.addMatch("m3", base.Add(2*time.Hour))
	api.statsErrs = map[string]error{
		"m2": &apiclient.APIError{Kind: apiclient.KindOther, Status: 500, Endpoint: "stats"},
	}
	shared, player := newStores(t, "alice")
	ctx := context.Background()

	// m3 and m1 commit around the failed m2. The cursor must stop below m2
	// even though a newer match committed, or m2 would never be retried.
	eng := New(api, shared, player, Options{BatchSize: 1}, nil)
	sum, err := eng.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Committed != 2 || sum.Failed != 1 {
		t.Fatalf("summary = %s", sum)
	}
	cursor, _ := player.Cursor(ctx)
	if !cursor.Equal(base) {
		t.Fatalf("cursor = %v; want %v", cursor, base)
	}

	api.mu.Lock()
	delete(api.statsErrs, "m2")
	api.mu.Unlock()

	sum, err = eng.Run(ctx)
	if err != nil {
		t.Fatalf("recovery run: %v", err)
	}
	if sum.Committed != 2 || sum.Failed != 0 {
		t.Fatalf("recovery summary = %s", sum)
	}
	known, err := shared.KnownMatches(ctx, []string{"m1", "m2", "m3"})
	if err != nil {
		t.Fatalf("known matches: %v", err)
	}
	if len(known) != 3 {
		t.Fatalf("registry = %v; want all three", known)
	}
	cursor, _ = player.Cursor(ctx)
	if !cursor.Equal(base.Add(2 * time.Hour)) {
		t.Fatalf("cursor after recovery = %v", cursor)
	}
}

func TestRunInterruptedRunResumes(t *testing.T) {
	api := newFakeAPI()
	base := time.Date(2026, 3, 5, 19, 0, 0, 0, time.UTC)
	api.addMatch("m1", base)
	api.addMatch("m2", base.Add(time.Hour))
	api.addMatch("m3", base.Add(2*time.Hour))
	shared, player := newStores(t, "alice")

	// Cancel right after the newest match commits. The walk never connects
	// down to the old cursor, so the cursor must stay put; advancing it
	// would skip m1 and m2 forever.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng := New(api, shared, player, Options{BatchSize: 1, Progress: func(s Summary) {
		if s.Committed >= 1 {
			cancel()
		}
	}}, nil)
	if _, err := eng.Run(ctx); err != nil {
		t.Fatalf("interrupted run: %v", err)
	}

	cursor, _ := player.Cursor(context.Background())
	if !cursor.IsZero() {
		t.Fatalf("cursor = %v; want zero after interrupted walk", cursor)
	}

	eng = New(api, shared, player, Options{BatchSize: 1}, nil)
	sum, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("resume run: %v", err)
	}
	if sum.Committed != 3 {
		t.Fatalf("resume summary = %s; want all three committed", sum)
	}
	known, err := shared.KnownMatches(context.Background(), []string{"m1", "m2", "m3"})
	if err != nil {
		t.Fatalf("known matches: %v", err)
	}
	if len(known) != 3 {
		t.Fatalf("registry = %v; want all three", known)
	}
	cursor, _ = player.Cursor(context.Background())
	if !cursor.Equal(base.Add(2 * time.Hour)) {
		t.Fatalf("cursor after resume = %v", cursor)
	}
}

func TestRunAuthErrorAborts(t *testing.T) {
	api := newFakeAPI()
	api.historyErr = &apiclient.APIError{Kind: apiclient.KindAuth, Status: 401, Endpoint: "history"}
	shared, player := newStores(t, "alice")

	eng := New(api, shared, player, Options{}, nil)
	_, err := eng.Run(context.Background())
	if err == nil {
		t.Fatalf("auth failure must abort the run")
	}
	if !apiclient.IsAuth(err) {
		t.Fatalf("err = %v; want auth", err)
	}
}

func TestRunMaxMatches(t *testing.T) {
	api := newFakeAPI()
	base := time.Date(2026, 3, 5, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		api.addMatch(fmt.Sprintf("m%d", i+1), base.Add(time.Duration(i)*time.Hour))
	}
	shared, player := newStores(t, "alice")

	eng := New(api, shared, player, Options{MaxMatches: 2}, nil)
	sum, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Candidates != 2 || sum.Committed != 2 {
		t.Fatalf("summary = %s; want the two newest", sum)
	}
	n, _ := shared.CountMatches(context.Background())
	if n != 2 {
		t.Fatalf("shared matches = %d; want 2", n)
	}
}

func TestRunReportsProgress(t *testing.T) {
	api := newFakeAPI()
	api.addMatch("m1", time.Date(2026, 3, 5, 10, 0, 0, 0, time.UTC))
	shared, player := newStores(t, "alice")

	var got []Summary
	eng := New(api, shared, player, Options{
		Progress: func(s Summary) { got = append(got, s) },
	}, nil)
	if _, err := eng.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(got) == 0 {
		t.Fatalf("no progress snapshots delivered")
	}
	last := got[len(got)-1]
	if last.Committed != 1 || last.RunID == "" {
		t.Fatalf("final snapshot = %s", last)
	}
}

func TestCommitterFlushInterval(t *testing.T) {
	shared, player := newStores(t, "alice")
	ctx := context.Background()
	base := time.Date(2026, 3, 5, 9, 0, 0, 0, time.UTC)

	pm := func(id string, start time.Time) pendingMatch {
		d := core.MatchDetail{
			Match: core.Match{ID: id, StartedAt: start, EndedAt: start.Add(10 * time.Minute), ModeID: "slayer"},
			Participants: []core.Participant{
				{MatchID: id, PlayerID: "alice", Team: 1, Outcome: core.OutcomeWin, Kills: 5, Deaths: 2, Assists: 1, Score: 600, RankInMatch: 1},
			},
		}
		return pendingMatch{
			summary:    core.MatchSummary{MatchID: id, StartedAt: start, EndedAt: d.Match.EndedAt},
			detail:     &d,
			enrichment: core.Enrichment{MatchID: id, PersonalScoreJSON: "{}"},
		}
	}

	// Batch size never fills; only the elapsed interval triggers the flush.
	comm := newCommitter(shared, player, 100, 150*time.Millisecond, 0, nil)
	n, err := comm.add(ctx, pm("m2", base.Add(time.Hour)))
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if n != 0 {
		t.Fatalf("committed %d before the interval elapsed", n)
	}

	time.Sleep(200 * time.Millisecond)
	n, err = comm.add(ctx, pm("m1", base))
	if err != nil {
		t.Fatalf("add after interval: %v", err)
	}
	if n != 2 {
		t.Fatalf("committed %d; want both pending matches", n)
	}
	count, err := shared.CountMatches(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 {
		t.Fatalf("shared matches = %d; want 2", count)
	}
	if target := comm.cursorTarget(); !target.Equal(base.Add(time.Hour)) {
		t.Fatalf("cursor target = %v", target)
	}
}

func TestBuildSessions(t *testing.T) {
	day1 := time.Date(2026, 3, 5, 19, 0, 0, 0, time.UTC)
	rows := []sharedstore.ParticipantWithMatch{
		{Participant: core.Participant{MatchID: "a"}, StartedAt: day1, EndedAt: day1.Add(10 * time.Minute)},
		{Participant: core.Participant{MatchID: "b"}, StartedAt: day1.Add(30 * time.Minute), EndedAt: day1.Add(40 * time.Minute)},
		// Three hours idle: new session, same day.
		{Participant: core.Participant{MatchID: "c"}, StartedAt: day1.Add(4 * time.Hour), EndedAt: day1.Add(4*time.Hour + 10*time.Minute)},
	}

	sessions := buildSessions("alice", rows, 90*time.Minute)
	if len(sessions) != 2 {
		t.Fatalf("sessions = %d; want 2", len(sessions))
	}
	if len(sessions[0].matches) != 2 || sessions[0].matches[0] != "a" {
		t.Fatalf("first session = %v", sessions[0].matches)
	}
	if sessions[0].label != "2026-03-05 #1" || sessions[1].label != "2026-03-05 #2" {
		t.Fatalf("labels = %q, %q", sessions[0].label, sessions[1].label)
	}

	// Recomputation is deterministic.
	again := buildSessions("alice", rows, 90*time.Minute)
	if again[0].id != sessions[0].id || again[1].id != sessions[1].id {
		t.Fatalf("session ids not stable across recomputation")
	}
	if sessions[0].id == sessions[1].id {
		t.Fatalf("distinct sessions share an id")
	}

	// A different player gets different ids for the same timeline.
	other := buildSessions("bob", rows, 90*time.Minute)
	if other[0].id == sessions[0].id {
		t.Fatalf("session ids must be player-scoped")
	}
}

func TestAssignSessionsFillMissingOnly(t *testing.T) {
	shared, player := newStores(t, "alice")
	ctx := context.Background()
	base := time.Date(2026, 3, 5, 19, 0, 0, 0, time.UTC)

	for i, id := range []string{"m1", "m2"} {
		m := core.Match{ID: id, StartedAt: base.Add(time.Duration(i) * 20 * time.Minute), EndedAt: base.Add(time.Duration(i)*20*time.Minute + 10*time.Minute)}
		if err := sharedstore.WriteMatch(ctx, shared.RawDB(), m); err != nil {
			t.Fatalf("write match: %v", err)
		}
		if err := sharedstore.WriteParticipant(ctx, shared.RawDB(), core.Participant{MatchID: id, PlayerID: "alice"}); err != nil {
			t.Fatalf("write participant: %v", err)
		}
		if err := playerstore.UpsertEnrichment(ctx, player.RawDB(), core.Enrichment{MatchID: id}); err != nil {
			t.Fatalf("write enrichment: %v", err)
		}
	}
	if _, err := player.SetSession(ctx, "m1", "manual", "pinned", false); err != nil {
		t.Fatalf("pre-label: %v", err)
	}

	updated, err := AssignSessions(ctx, shared, player, 90*time.Minute, false)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if updated != 1 {
		t.Fatalf("updated = %d; only the unlabeled match should change", updated)
	}
	e, _ := player.Enrichment(ctx, "m1")
	if e.SessionID != "manual" {
		t.Fatalf("existing label overwritten: %q", e.SessionID)
	}

	updated, err = AssignSessions(ctx, shared, player, 90*time.Minute, true)
	if err != nil {
		t.Fatalf("forced assign: %v", err)
	}
	if updated != 2 {
		t.Fatalf("forced updated = %d; want both relabeled", updated)
	}
	e, _ = player.Enrichment(ctx, "m1")
	if e.SessionID == "manual" {
		t.Fatalf("force must recompute the label")
	}
}

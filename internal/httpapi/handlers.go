package httpapi

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/you/matchvault/internal/core"
	"github.com/you/matchvault/internal/repository"
)

type matchJSON struct {
	MatchID    string `json:"match_id"`
	StartedAt  string `json:"started_at"`
	EndedAt    string `json:"ended_at,omitempty"`
	MapID      string `json:"map_id"`
	ModeID     string `json:"mode_id"`
	PlaylistID string `json:"playlist_id"`
	Ranked     bool   `json:"ranked"`
	SeasonID   string `json:"season_id,omitempty"`

	Outcome     string `json:"outcome"`
	Team        int    `json:"team"`
	Kills       int    `json:"kills"`
	Deaths      int    `json:"deaths"`
	Assists     int    `json:"assists"`
	Score       int    `json:"score"`
	RankInMatch int    `json:"rank_in_match"`
	ShotsFired  *int   `json:"shots_fired,omitempty"`
	ShotsHit    *int   `json:"shots_hit,omitempty"`
	DamageDealt *int   `json:"damage_dealt,omitempty"`
	DamageTaken *int   `json:"damage_taken,omitempty"`

	SessionID      string   `json:"session_id,omitempty"`
	SessionLabel   string   `json:"session_label,omitempty"`
	PerfScore      *float64 `json:"perf_score,omitempty"`
	PerfConfidence string   `json:"perf_confidence,omitempty"`
}

type participantJSON struct {
	PlayerID    string `json:"player_id"`
	Team        int    `json:"team"`
	Outcome     string `json:"outcome"`
	Kills       int    `json:"kills"`
	Deaths      int    `json:"deaths"`
	Assists     int    `json:"assists"`
	Score       int    `json:"score"`
	RankInMatch int    `json:"rank_in_match"`
}

type eventJSON struct {
	Seq      int    `json:"seq"`
	AtMS     int    `json:"at_ms"`
	Kind     string `json:"kind"`
	ActorID  string `json:"actor_id,omitempty"`
	TargetID string `json:"target_id,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

type medalJSON struct {
	MedalID string `json:"medal_id"`
	Count   int    `json:"count"`
}

type matchDetailJSON struct {
	matchJSON
	Participants []participantJSON `json:"participants"`
	Events       []eventJSON       `json:"events"`
	Medals       []medalJSON       `json:"medals"`
	Citations    map[string]int    `json:"citations"`
}

func toMatchJSON(row repository.MatchRow) matchJSON {
	out := matchJSON{
		MatchID:    row.Match.ID,
		StartedAt:  row.Match.StartedAt.Format(time.RFC3339Nano),
		MapID:      row.Match.MapID,
		ModeID:     row.Match.ModeID,
		PlaylistID: row.Match.PlaylistID,
		Ranked:     row.Match.Ranked,
		SeasonID:   row.Match.SeasonID,

		Outcome:     string(row.Participant.Outcome),
		Team:        row.Participant.Team,
		Kills:       row.Participant.Kills,
		Deaths:      row.Participant.Deaths,
		Assists:     row.Participant.Assists,
		Score:       row.Participant.Score,
		RankInMatch: row.Participant.RankInMatch,
		ShotsFired:  row.Participant.ShotsFired,
		ShotsHit:    row.Participant.ShotsHit,
		DamageDealt: row.Participant.DamageDealt,
		DamageTaken: row.Participant.DamageTaken,

		SessionID:      row.SessionID,
		SessionLabel:   row.SessionLabel,
		PerfScore:      row.PerfScore,
		PerfConfidence: string(row.PerfConfidence),
	}
	if !row.Match.EndedAt.IsZero() {
		out.EndedAt = row.Match.EndedAt.Format(time.RFC3339Nano)
	}
	return out
}

func (s *Server) handleMatches(w http.ResponseWriter, r *http.Request) {
	repo := s.repo(w, r)
	if repo == nil {
		return
	}
	f, ok := s.filters(w, r)
	if !ok {
		return
	}
	rows, err := repo.Matches(r.Context(), f)
	if err != nil {
		http.Error(w, "query error", http.StatusInternalServerError)
		return
	}
	out := make([]matchJSON, 0, len(rows))
	for _, row := range rows {
		out = append(out, toMatchJSON(row))
	}
	writeJSON(w, out)
}

func (s *Server) handleMatch(w http.ResponseWriter, r *http.Request) {
	repo := s.repo(w, r)
	if repo == nil {
		return
	}
	matchID := strings.TrimPrefix(r.URL.Path, "/api/matches/")
	if matchID == "" || strings.Contains(matchID, "/") {
		http.Error(w, "invalid match id", http.StatusBadRequest)
		return
	}

	view, err := repo.Match(r.Context(), matchID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			http.Error(w, "match not found", http.StatusNotFound)
			return
		}
		http.Error(w, "query error", http.StatusInternalServerError)
		return
	}

	out := matchDetailJSON{
		matchJSON:    toMatchJSON(view.MatchRow),
		Participants: make([]participantJSON, 0, len(view.Participants)),
		Events:       make([]eventJSON, 0, len(view.Events)),
		Medals:       make([]medalJSON, 0, len(view.Medals)),
		Citations:    view.Citations,
	}
	for _, p := range view.Participants {
		out.Participants = append(out.Participants, toParticipantJSON(p))
	}
	for _, ev := range view.Events {
		out.Events = append(out.Events, eventJSON{
			Seq: ev.Seq, AtMS: ev.AtMS, Kind: ev.Kind,
			ActorID: ev.ActorID, TargetID: ev.TargetID, Detail: ev.Detail,
		})
	}
	for _, m := range view.Medals {
		out.Medals = append(out.Medals, medalJSON{MedalID: m.MedalID, Count: m.Count})
	}
	writeJSON(w, out)
}

func toParticipantJSON(p core.Participant) participantJSON {
	return participantJSON{
		PlayerID: p.PlayerID, Team: p.Team, Outcome: string(p.Outcome),
		Kills: p.Kills, Deaths: p.Deaths, Assists: p.Assists,
		Score: p.Score, RankInMatch: p.RankInMatch,
	}
}

func (s *Server) handleCitations(w http.ResponseWriter, r *http.Request) {
	repo := s.repo(w, r)
	if repo == nil {
		return
	}
	f, ok := s.filters(w, r)
	if !ok {
		return
	}
	totals, err := repo.CitationTotals(r.Context(), f)
	if err != nil {
		http.Error(w, "query error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"player": repo.PlayerID(), "citations": totals})
}

func (s *Server) handleScore(w http.ResponseWriter, r *http.Request) {
	repo := s.repo(w, r)
	if repo == nil {
		return
	}
	f, ok := s.filters(w, r)
	if !ok {
		return
	}
	stats, err := repo.ScoreSummary(r.Context(), f)
	if err != nil {
		http.Error(w, "query error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{
		"player":         repo.PlayerID(),
		"matches":        stats.Matches,
		"scored":         stats.Scored,
		"low_confidence": stats.LowConfidence,
		"average":        stats.Average,
		"min":            stats.Min,
		"max":            stats.Max,
	})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	repo := s.repo(w, r)
	if repo == nil {
		return
	}
	f, ok := s.filters(w, r)
	if !ok {
		return
	}
	rows, err := repo.Sessions(r.Context(), f)
	if err != nil {
		http.Error(w, "query error", http.StatusInternalServerError)
		return
	}

	type sessionJSON struct {
		SessionID string   `json:"session_id"`
		Label     string   `json:"label"`
		Matches   int64    `json:"matches"`
		Wins      int64    `json:"wins"`
		Losses    int64    `json:"losses"`
		First     string   `json:"first"`
		Last      string   `json:"last"`
		AvgScore  *float64 `json:"avg_score,omitempty"`
	}
	out := make([]sessionJSON, 0, len(rows))
	for _, row := range rows {
		sj := sessionJSON{
			SessionID: row.SessionID,
			Label:     row.Label,
			Matches:   row.Matches,
			Wins:      row.Wins,
			Losses:    row.Losses,
			First:     row.First.Format(time.RFC3339Nano),
			Last:      row.Last.Format(time.RFC3339Nano),
		}
		if row.AvgScore.Valid {
			v := row.AvgScore.Float64
			sj.AvgScore = &v
		}
		out = append(out, sj)
	}
	writeJSON(w, out)
}

func (s *Server) handleCount(w http.ResponseWriter, r *http.Request) {
	repo := s.repo(w, r)
	if repo == nil {
		return
	}
	f, ok := s.filters(w, r)
	if !ok {
		return
	}
	count, err := repo.Count(r.Context(), f)
	if err != nil {
		http.Error(w, "count error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"player": repo.PlayerID(), "count": count})
}

type infoResponse struct {
	Version  string `json:"version"`
	Revision string `json:"rev"`
	BuiltAt  string `json:"built_at"`
	Go       string `json:"go"`
}

func (s *Server) handleInfo(w http.ResponseWriter, _ *http.Request) {
	resp := infoResponse{
		Version:  s.opts.Build.Version,
		Revision: s.opts.Build.Revision,
		Go:       runtime.Version(),
	}
	if !s.opts.Build.BuiltAt.IsZero() {
		resp.BuiltAt = s.opts.Build.BuiltAt.UTC().Format(time.RFC3339)
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(resp)
}

package syncer

import (
	"fmt"
	"time"
)

const maxSummaryErrors = 5

// Summary is the always-returned result of a sync run. Per-match failures
// accumulate here instead of propagating; a run "completes with a summary"
// rather than crashing on the first bad match.
type Summary struct {
	RunID      string    `json:"run_id"`
	PlayerID   string    `json:"player_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	Pages      int `json:"pages"`
	Candidates int `json:"candidates"`
	Known      int `json:"known"`
	New        int `json:"new"`
	Committed  int `json:"committed"`
	Failed     int `json:"failed"`

	APICalls   int64     `json:"api_calls"`
	APIRetries int64     `json:"api_retries"`
	Cursor     time.Time `json:"cursor"`

	// LastErrors keeps the most recent few failure messages for the operator.
	LastErrors []string `json:"last_errors,omitempty"`
}

func (s *Summary) addError(matchID string, err error) {
	s.Failed++
	msg := fmt.Sprintf("%s: %v", matchID, err)
	if len(s.LastErrors) >= maxSummaryErrors {
		copy(s.LastErrors, s.LastErrors[1:])
		s.LastErrors[len(s.LastErrors)-1] = msg
		return
	}
	s.LastErrors = append(s.LastErrors, msg)
}

func (s Summary) String() string {
	return fmt.Sprintf("sync %s player=%s pages=%d candidates=%d known=%d new=%d committed=%d failed=%d api_calls=%d in %s",
		s.RunID, s.PlayerID, s.Pages, s.Candidates, s.Known, s.New, s.Committed, s.Failed, s.APICalls,
		s.FinishedAt.Sub(s.StartedAt).Round(time.Millisecond))
}

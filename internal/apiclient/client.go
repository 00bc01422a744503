package apiclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/you/matchvault/internal/auth"
	"github.com/you/matchvault/internal/core"
)

const defaultTimeout = 20 * time.Second

// Client wraps the stats service's authenticated HTTP surface. Every call
// waits on the shared rate limiter before hitting the network, so one limiter
// instance must be shared by all workers of a run.
type Client struct {
	base       string
	http       *http.Client
	limiter    *rate.Limiter
	tokens     auth.TokenSource
	maxRetries int

	metrics clientMetrics
}

type Options struct {
	BaseURL    string
	Tokens     auth.TokenSource
	RPS        int
	Burst      int
	MaxRetries int
	HTTP       *http.Client
}

func New(opts Options) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("apiclient: base URL is required")
	}
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("apiclient: invalid base URL: %w", err)
	}
	if opts.Tokens == nil {
		return nil, fmt.Errorf("apiclient: token source is required")
	}

	rps := opts.RPS
	if rps <= 0 {
		rps = 5
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = rps
	}
	retries := opts.MaxRetries
	if retries <= 0 {
		retries = 4
	}
	httpClient := opts.HTTP
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}

	return &Client{
		base:       base,
		http:       httpClient,
		limiter:    rate.NewLimiter(rate.Limit(rps), burst),
		tokens:     opts.Tokens,
		maxRetries: retries,
	}, nil
}

// Calls returns the total number of HTTP requests issued, including retries.
func (c *Client) Calls() int64 { return c.metrics.calls.Load() }

// Retries returns how many of those requests were retry attempts.
func (c *Client) Retries() int64 { return c.metrics.retries.Load() }

// HistoryPage fetches one page of a player's match history, newest first.
// A zero before time means "from now".
func (c *Client) HistoryPage(ctx context.Context, playerID string, before time.Time, pageSize int) ([]core.MatchSummary, error) {
	if pageSize <= 0 {
		pageSize = 25
	}
	endpoint := fmt.Sprintf("/players/%s/matches", url.PathEscape(playerID))
	q := url.Values{}
	q.Set("count", fmt.Sprintf("%d", pageSize))
	if !before.IsZero() {
		q.Set("before", before.UTC().Format(time.RFC3339Nano))
	}

	var page historyPageWire
	if err := c.getJSON(ctx, endpoint, q, &page); err != nil {
		return nil, err
	}

	out := make([]core.MatchSummary, 0, len(page.Matches))
	for _, m := range page.Matches {
		summary, err := m.toCore()
		if err != nil {
			slog.Warn("apiclient: skipping malformed history entry", "player", playerID, "err", err)
			continue
		}
		out = append(out, summary)
	}
	return out, nil
}

// MatchStats fetches the full stats payload for one match: registry fields,
// every participant's stat line and the medal awards.
func (c *Client) MatchStats(ctx context.Context, matchID string) (core.MatchDetail, error) {
	endpoint := fmt.Sprintf("/matches/%s/stats", url.PathEscape(matchID))

	var stats matchStatsWire
	if err := c.getJSON(ctx, endpoint, nil, &stats); err != nil {
		return core.MatchDetail{}, err
	}
	return stats.toCore(matchID), nil
}

// PlayerStats fetches just one player's stat line for a match. This is the
// lightweight call the known-match path uses instead of re-fetching the full
// match payload.
func (c *Client) PlayerStats(ctx context.Context, matchID, playerID string) (core.Participant, error) {
	endpoint := fmt.Sprintf("/matches/%s/players/%s/stats", url.PathEscape(matchID), url.PathEscape(playerID))

	var wire participantWire
	if err := c.getJSON(ctx, endpoint, nil, &wire); err != nil {
		return core.Participant{}, err
	}
	if wire.PlayerID == "" {
		wire.PlayerID = playerID
	}
	return wire.toCore(matchID), nil
}

// Skill fetches the rating snapshot for the given players in a match.
func (c *Client) Skill(ctx context.Context, matchID string, playerIDs []string) ([]core.SkillInfo, error) {
	endpoint := fmt.Sprintf("/matches/%s/skill", url.PathEscape(matchID))
	q := url.Values{}
	if len(playerIDs) > 0 {
		q.Set("players", strings.Join(playerIDs, ","))
	}

	var wire skillWire
	if err := c.getJSON(ctx, endpoint, q, &wire); err != nil {
		return nil, err
	}

	out := make([]core.SkillInfo, 0, len(wire.Entries))
	for _, e := range wire.Entries {
		out = append(out, core.SkillInfo{
			MatchID:   matchID,
			PlayerID:  e.PlayerID,
			CSRBefore: e.CSRBefore,
			CSRAfter:  e.CSRAfter,
			TeamMMR:   e.TeamMMR,
		})
	}
	return out, nil
}

// Events fetches the highlight-event timeline for one match.
func (c *Client) Events(ctx context.Context, matchID string) ([]core.HighlightEvent, error) {
	endpoint := fmt.Sprintf("/matches/%s/events", url.PathEscape(matchID))

	var wire eventsWire
	if err := c.getJSON(ctx, endpoint, nil, &wire); err != nil {
		return nil, err
	}

	out := make([]core.HighlightEvent, 0, len(wire.Events))
	for i, e := range wire.Events {
		out = append(out, core.HighlightEvent{
			MatchID:  matchID,
			Seq:      i,
			AtMS:     e.AtMS,
			Kind:     e.Kind,
			ActorID:  e.ActorID,
			TargetID: e.TargetID,
			Detail:   e.Detail,
		})
	}
	return out, nil
}

// MedalCatalog fetches the service's medal reference data.
func (c *Client) MedalCatalog(ctx context.Context) ([]core.MedalCatalogEntry, error) {
	var wire medalCatalogWire
	if err := c.getJSON(ctx, "/medals/catalog", nil, &wire); err != nil {
		return nil, err
	}

	out := make([]core.MedalCatalogEntry, 0, len(wire.Medals))
	for _, m := range wire.Medals {
		out = append(out, core.MedalCatalogEntry{
			MedalID:    m.MedalID,
			Name:       m.Name,
			Difficulty: m.Difficulty,
			Category:   m.Category,
		})
	}
	return out, nil
}

func (c *Client) getJSON(ctx context.Context, endpoint string, q url.Values, dst any) error {
	body, err := c.get(ctx, endpoint, q)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return &APIError{Kind: KindValidation, Endpoint: endpoint, Err: err}
	}
	return nil
}

// get performs one rate-limited, retried request. Auth failures trigger a
// single token refresh before propagating as KindAuth.
func (c *Client) get(ctx context.Context, endpoint string, q url.Values) ([]byte, error) {
	backoff := 500 * time.Millisecond
	const maxBackoff = 8 * time.Second

	refreshed := false
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			c.metrics.retries.Add(1)
			if !sleepContext(ctx, backoff) {
				return nil, ctx.Err()
			}
			if backoff < maxBackoff {
				backoff *= 2
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
			}
		}

		body, err := c.once(ctx, endpoint, q)
		if err == nil {
			return body, nil
		}
		lastErr = err

		if IsAuth(err) {
			if refreshed {
				return nil, err
			}
			refreshed = true
			if _, rerr := c.tokens.Refresh(ctx); rerr != nil {
				return nil, &APIError{Kind: KindAuth, Endpoint: endpoint, Err: fmt.Errorf("token refresh: %w", rerr)}
			}
			// Refresh succeeded; burn no retry budget on the re-attempt.
			attempt--
			continue
		}
		if !IsTransient(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

func (c *Client) once(ctx context.Context, endpoint string, q url.Values) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, &APIError{Kind: KindAuth, Endpoint: endpoint, Err: err}
	}

	full := c.base + endpoint
	if len(q) > 0 {
		full += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, full, nil)
	if err != nil {
		return nil, &APIError{Kind: KindOther, Endpoint: endpoint, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	c.metrics.calls.Add(1)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &APIError{Kind: KindTransient, Endpoint: endpoint, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, &APIError{Kind: KindTransient, Status: resp.StatusCode, Endpoint: endpoint, Err: err}
	}

	if resp.StatusCode/100 != 2 {
		return nil, &APIError{
			Kind:     kindForStatus(resp.StatusCode),
			Status:   resp.StatusCode,
			Endpoint: endpoint,
			Err:      fmt.Errorf("status %s: %s", resp.Status, snippet(body)),
		}
	}
	return body, nil
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

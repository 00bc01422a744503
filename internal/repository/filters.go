package repository

import (
	"errors"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// Order is the chronological order for match listings.
type Order string

const (
	OrderDesc Order = "desc"
	OrderAsc  Order = "asc"
)

// Filters captures the parsed query surface for match lookups. A nil pointer
// field means "no constraint".
type Filters struct {
	Since      *time.Time
	Until      *time.Time
	PlaylistID string
	ModeID     string
	Ranked     *bool
	Outcome    string
	SessionID  string
	Limit      int
	Order      Order
}

// ParseFilters parses query parameters into a Filters struct.
func ParseFilters(values url.Values) (Filters, error) {
	f := Filters{
		Limit: defaultLimit,
		Order: OrderDesc,
	}

	if raw := values.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return Filters{}, errors.New("limit must be a positive integer")
		}
		if n > maxLimit {
			n = maxLimit
		}
		f.Limit = n
	}

	if raw := values.Get("order"); raw != "" {
		switch strings.ToLower(raw) {
		case "desc":
			f.Order = OrderDesc
		case "asc":
			f.Order = OrderAsc
		default:
			return Filters{}, errors.New("order must be asc or desc")
		}
	}

	if raw := values.Get("since"); raw != "" {
		t, err := parseTimeParam(raw)
		if err != nil {
			return Filters{}, err
		}
		f.Since = &t
	}
	if raw := values.Get("until"); raw != "" {
		t, err := parseTimeParam(raw)
		if err != nil {
			return Filters{}, err
		}
		f.Until = &t
	}

	f.PlaylistID = strings.TrimSpace(values.Get("playlist"))
	f.ModeID = strings.TrimSpace(values.Get("mode"))
	f.SessionID = strings.TrimSpace(values.Get("session"))

	if raw := values.Get("ranked"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return Filters{}, errors.New("ranked must be a boolean")
		}
		f.Ranked = &v
	}

	if raw := strings.ToLower(strings.TrimSpace(values.Get("outcome"))); raw != "" {
		switch raw {
		case "win", "loss", "tie", "left":
			f.Outcome = raw
		default:
			return Filters{}, errors.New("invalid outcome filter")
		}
	}

	return f, nil
}

func parseTimeParam(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse("2006-01-02", raw); err == nil {
		return t.UTC(), nil
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(n, 0).UTC(), nil
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return time.Now().Add(-d).UTC(), nil
	}
	return time.Time{}, errors.New("invalid time parameter")
}

// where builds the SQL conditions shared by every repository query. The match
// table alias is m, the participant alias p.
func (f Filters) where() ([]string, []any) {
	var (
		conditions []string
		args       []any
	)

	if f.Since != nil {
		conditions = append(conditions, "m.started_at >= ?")
		args = append(args, f.Since.UTC().Format(time.RFC3339Nano))
	}
	if f.Until != nil {
		conditions = append(conditions, "m.started_at <= ?")
		args = append(args, f.Until.UTC().Format(time.RFC3339Nano))
	}
	if f.PlaylistID != "" {
		conditions = append(conditions, "m.playlist_id = ?")
		args = append(args, f.PlaylistID)
	}
	if f.ModeID != "" {
		conditions = append(conditions, "m.mode_id = ?")
		args = append(args, f.ModeID)
	}
	if f.Ranked != nil {
		conditions = append(conditions, "m.ranked = ?")
		if *f.Ranked {
			args = append(args, 1)
		} else {
			args = append(args, 0)
		}
	}
	if f.Outcome != "" {
		conditions = append(conditions, "p.outcome = ?")
		args = append(args, f.Outcome)
	}
	if f.SessionID != "" {
		conditions = append(conditions, "e.session_id = ?")
		args = append(args, f.SessionID)
	}

	return conditions, args
}

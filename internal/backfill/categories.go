package backfill

import (
	"fmt"
	"strings"
)

// CategoryOpt is one backfill category's switches: run it at all, and whether
// to recompute rows that already hold a value.
type CategoryOpt struct {
	Enabled bool
	Force   bool
}

// Categories is the explicit set of named backfill switches. Force on a
// disabled category is rejected at validation time rather than silently
// enabling it.
type Categories struct {
	Sessions  CategoryOpt
	Accuracy  CategoryOpt
	Damage    CategoryOpt
	Pairs     CategoryOpt
	Citations CategoryOpt
	Score     CategoryOpt
}

// Names of the categories in execution order. Refetch categories run before
// the pure recomputations so a single invocation can fill shots and then
// score matches that needed them.
var categoryOrder = []string{"accuracy", "damage", "pairs", "sessions", "citations", "score"}

func (c Categories) get(name string) CategoryOpt {
	switch name {
	case "sessions":
		return c.Sessions
	case "accuracy":
		return c.Accuracy
	case "damage":
		return c.Damage
	case "pairs":
		return c.Pairs
	case "citations":
		return c.Citations
	case "score":
		return c.Score
	default:
		return CategoryOpt{}
	}
}

// Any reports whether at least one category is enabled.
func (c Categories) Any() bool {
	for _, name := range categoryOrder {
		if c.get(name).Enabled {
			return true
		}
	}
	return false
}

// Validate rejects inconsistent flag combinations.
func (c Categories) Validate() error {
	var stray []string
	for _, name := range categoryOrder {
		opt := c.get(name)
		if opt.Force && !opt.Enabled {
			stray = append(stray, name)
		}
	}
	if len(stray) > 0 {
		return fmt.Errorf("force set for disabled categories: %s", strings.Join(stray, ", "))
	}
	return nil
}

// String lists the enabled categories, force-marked.
func (c Categories) String() string {
	var parts []string
	for _, name := range categoryOrder {
		opt := c.get(name)
		if !opt.Enabled {
			continue
		}
		if opt.Force {
			name += "(force)"
		}
		parts = append(parts, name)
	}
	if len(parts) == 0 {
		return "(none)"
	}
	return strings.Join(parts, ",")
}

package store

import (
	"fmt"
	"slices"
)

// DefaultMaxChainDepth bounds every chain walk. A longer chain is reported
// as ErrGraphConsistency.
const DefaultMaxChainDepth = 1 << 16

// chainLink is one row of a chain: its ID and the ID it points back at.
type chainLink struct {
	ID   string
	Prev string
}

// followChain walks from start toward the root using lookup, which returns
// the previous ID of a row and whether the row exists. The walk stops at a
// row with no previous pointer.
func followChain(start string, maxDepth int, lookup func(id string) (prev string, ok bool, err error)) ([]chainLink, error) {
	var links []chainLink
	seen := make(map[string]bool)

	for id := start; id != ""; {
		if seen[id] {
			return nil, fmt.Errorf("%w: cycle at %s", ErrGraphConsistency, id)
		}
		if len(links) >= maxDepth {
			return nil, fmt.Errorf("%w: chain from %s exceeds %d rows", ErrGraphConsistency, start, maxDepth)
		}
		prev, ok, err := lookup(id)
		if err != nil {
			return nil, err
		}
		if !ok {
			if id == start {
				return nil, fmt.Errorf("%w: %s", ErrNotFound, start)
			}
			return nil, fmt.Errorf("%w: dangling previous pointer to %s", ErrGraphConsistency, id)
		}
		seen[id] = true
		links = append(links, chainLink{ID: id, Prev: prev})
		id = prev
	}
	return links, nil
}

// verifyChain checks rows produced by a bounded recursive query, ordered by
// depth, and applies the same rules as followChain.
func verifyChain(start string, rows []chainLink, maxDepth int) error {
	if len(rows) == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, start)
	}
	seen := make(map[string]bool, len(rows))
	for i, r := range rows {
		if seen[r.ID] {
			return fmt.Errorf("%w: cycle at %s", ErrGraphConsistency, r.ID)
		}
		seen[r.ID] = true
		if i+1 < len(rows) && rows[i+1].ID != r.Prev {
			return fmt.Errorf("%w: chain broken after %s", ErrGraphConsistency, r.ID)
		}
	}
	if len(rows) > maxDepth {
		return fmt.Errorf("%w: chain from %s exceeds %d rows", ErrGraphConsistency, start, maxDepth)
	}
	if last := rows[len(rows)-1]; last.Prev != "" {
		return fmt.Errorf("%w: dangling previous pointer to %s", ErrGraphConsistency, last.Prev)
	}
	return nil
}

// window returns the page of items by position.
func window[T any](items []T, page Page) []T {
	off := max(page.Offset, 0)
	if off >= len(items) {
		return nil
	}
	items = items[off:]
	if page.Limit > 0 && page.Limit < len(items) {
		items = items[:page.Limit]
	}
	return items
}

func linkIDs(links []chainLink) []string {
	ids := make([]string, len(links))
	for i, l := range links {
		ids[i] = l.ID
	}
	return ids
}

// selectSummaries keeps, from environments ordered closest first, the
// summaries recorded for stays that included character. The newest limit
// summaries are returned oldest first.
func selectSummaries(envs []*Environment, character string, limit int) []string {
	var out []string
	for _, env := range envs {
		if limit > 0 && len(out) >= limit {
			break
		}
		if env.PreviousSummary == nil || !slices.Contains(env.PreviousCharacters, character) {
			continue
		}
		out = append(out, *env.PreviousSummary)
	}
	slices.Reverse(out)
	return out
}

// prunable is the slice of a node Prune needs.
type prunable struct {
	ID            string
	MessageID     string
	EnvironmentID string
	MapStateID    string
	Links         int
}

// zeroLinked returns the nodes of a chain whose link count is zero.
func zeroLinked(chain []prunable) []prunable {
	var out []prunable
	for _, n := range chain {
		if n.Links == 0 {
			out = append(out, n)
		}
	}
	return out
}

func uniq(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := ids[:0:0]
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

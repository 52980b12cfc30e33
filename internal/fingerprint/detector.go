package fingerprint

import (
	"sort"

	"github.com/fyrsmithlabs/feedbackd/internal/clustering"
)

// Entry is what the ledger remembers about one fingerprinted cluster.
type Entry struct {
	ConsolidatedID int64   `json:"consolidated_item_id"`
	MemberIDs      []int64 `json:"member_ids"`
}

// Record maps fingerprint hash to ledger entry.
type Record map[string]Entry

// Clone returns a copy that shares no maps with r.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = Entry{ConsolidatedID: v.ConsolidatedID, MemberIDs: append([]int64(nil), v.MemberIDs...)}
	}
	return out
}

// Match is a current cluster whose fingerprint was already in the ledger.
type Match struct {
	Fingerprint string
	Cluster     clustering.Cluster
	Entry       Entry
}

// Changed is a current cluster that needs synthesis.
type Changed struct {
	Fingerprint string
	Cluster     clustering.Cluster
}

// Vanished is a ledger entry no current cluster reproduces.
type Vanished struct {
	Fingerprint string
	Entry       Entry
}

// Changes is the classification of one run against the previous ledger.
type Changes struct {
	Unchanged []Match
	Changed   []Changed
	Vanished  []Vanished

	// StaleIDs are the consolidated items of vanished entries, ascending.
	StaleIDs []int64
}

// DetermineChanges classifies current clusters against prev. It is pure:
// no storage access and no synthesis. With an empty prev every cluster is
// changed and nothing is stale.
func DetermineChanges(current []clustering.Cluster, prev Record) Changes {
	var changes Changes
	reproduced := make(map[string]bool, len(current))

	for _, c := range current {
		fp := Of(c)
		if reproduced[fp] {
			// duplicate cluster in one run cannot happen with a partition,
			// but never synthesize the same member set twice
			continue
		}
		reproduced[fp] = true
		if entry, ok := prev[fp]; ok {
			changes.Unchanged = append(changes.Unchanged, Match{Fingerprint: fp, Cluster: c, Entry: entry})
			continue
		}
		changes.Changed = append(changes.Changed, Changed{Fingerprint: fp, Cluster: c})
	}

	seen := make(map[int64]bool)
	for fp, entry := range prev {
		if reproduced[fp] {
			continue
		}
		changes.Vanished = append(changes.Vanished, Vanished{Fingerprint: fp, Entry: entry})
		if entry.ConsolidatedID != 0 && !seen[entry.ConsolidatedID] {
			seen[entry.ConsolidatedID] = true
			changes.StaleIDs = append(changes.StaleIDs, entry.ConsolidatedID)
		}
	}
	sort.Slice(changes.Vanished, func(i, j int) bool {
		if changes.Vanished[i].Entry.ConsolidatedID != changes.Vanished[j].Entry.ConsolidatedID {
			return changes.Vanished[i].Entry.ConsolidatedID < changes.Vanished[j].Entry.ConsolidatedID
		}
		return changes.Vanished[i].Fingerprint < changes.Vanished[j].Fingerprint
	})
	sort.Slice(changes.StaleIDs, func(i, j int) bool { return changes.StaleIDs[i] < changes.StaleIDs[j] })

	return changes
}

// Reclassify moves unchanged matches whose entry fails keep into Changed.
// Used when a ledger entry points at an item that is no longer served.
func (c *Changes) Reclassify(keep func(Entry) bool) int {
	moved := 0
	kept := c.Unchanged[:0]
	for _, m := range c.Unchanged {
		if keep(m.Entry) {
			kept = append(kept, m)
			continue
		}
		c.Changed = append(c.Changed, Changed{Fingerprint: m.Fingerprint, Cluster: m.Cluster})
		moved++
	}
	c.Unchanged = kept
	if moved > 0 {
		sort.SliceStable(c.Changed, func(i, j int) bool {
			return c.Changed[i].Cluster.Members[0].ID < c.Changed[j].Cluster.Members[0].ID
		})
	}
	return moved
}

// Predecessor returns the vanished entry sharing the most members with ids.
// Ties go to the lowest consolidated id. ok is false when nothing overlaps.
func (c *Changes) Predecessor(ids []int64) (Vanished, bool) {
	members := make(map[int64]bool, len(ids))
	for _, id := range ids {
		members[id] = true
	}

	var best Vanished
	bestOverlap := 0
	for _, v := range c.Vanished {
		overlap := 0
		for _, id := range v.Entry.MemberIDs {
			if members[id] {
				overlap++
			}
		}
		if overlap > bestOverlap {
			best = v
			bestOverlap = overlap
		}
	}
	return best, bestOverlap > 0
}

// Next builds the ledger that follows this run: unchanged entries carried
// over verbatim, added entries inserted, vanished entries dropped.
func (c *Changes) Next(added Record) Record {
	next := make(Record, len(c.Unchanged)+len(added))
	for _, m := range c.Unchanged {
		next[m.Fingerprint] = m.Entry
	}
	for fp, entry := range added {
		next[fp] = entry
	}
	return next
}

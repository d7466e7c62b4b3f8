// Package grammar builds and caches the recognition grammar for a context:
// the phrase set the speech engine should currently listen for. Rebuild
// decisions are made with set algebra over concept identifiers, never by
// diffing phrase strings.
package grammar

import "sort"

// Delta is the set difference between two concept-id sets.
type Delta struct {
	Added    []string `json:"added"`
	Removed  []string `json:"removed"`
	Retained []string `json:"retained"`
}

// ComputeDelta computes added/removed/retained in O(|old| + |new|).
// Results are sorted for deterministic output.
func ComputeDelta(old, new map[string]struct{}) Delta {
	var d Delta
	for id := range new {
		if _, ok := old[id]; ok {
			d.Retained = append(d.Retained, id)
		} else {
			d.Added = append(d.Added, id)
		}
	}
	for id := range old {
		if _, ok := new[id]; !ok {
			d.Removed = append(d.Removed, id)
		}
	}
	sort.Strings(d.Added)
	sort.Strings(d.Removed)
	sort.Strings(d.Retained)
	return d
}

// ChangeRatio is (|added| + |removed|) / max(|new|, 1): the fraction of the
// new set that differs from the old one.
func (d Delta) ChangeRatio(newSize int) float64 {
	if newSize < 1 {
		newSize = 1
	}
	return float64(len(d.Added)+len(d.Removed)) / float64(newSize)
}

// SetOf builds a membership set from a slice of identifiers.
func SetOf(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

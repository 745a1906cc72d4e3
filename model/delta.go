package model

// ChangeKind classifies a delta entry.
type ChangeKind string

const (
	ChangeNew     ChangeKind = "new"
	ChangeChanged ChangeKind = "changed"
)

// DeltaEntry is one resolved record that differs from the reference dataset.
type DeltaEntry struct {
	Kind     ChangeKind
	Row      Row
	Previous *Row
	Sources  []ItemKey
}

// Delta is the ordered set of new or changed rows produced by one run.
type Delta []DeltaEntry

// Keys returns the natural keys in delta order.
func (d Delta) Keys() []string {
	keys := make([]string, 0, len(d))
	for _, e := range d {
		keys = append(keys, e.Row.Key)
	}
	return keys
}

// Sources returns every distinct item that contributed to the delta.
func (d Delta) Sources() []ItemKey {
	seen := make(map[ItemKey]struct{})
	var out []ItemKey
	for _, e := range d {
		for _, src := range e.Sources {
			if _, ok := seen[src]; ok {
				continue
			}
			seen[src] = struct{}{}
			out = append(out, src)
		}
	}
	return out
}

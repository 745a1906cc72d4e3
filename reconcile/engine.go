package reconcile

import (
	"cmp"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/dhcgn/mailsheet-sync/model"
	"github.com/dhcgn/mailsheet-sync/reference"
)

var ErrKeyDerivation = errors.New("key derivation error")

// Outcome counts how a batch of rows was classified.
type Outcome struct {
	New       int
	Changed   int
	Unchanged int
	Dropped   int
}

func (o *Outcome) add(other Outcome) {
	o.New += other.New
	o.Changed += other.Changed
	o.Unchanged += other.Unchanged
	o.Dropped += other.Dropped
}

type entry struct {
	row      model.Row
	baseline *model.Row
	sources  []model.ItemKey
	touched  bool
}

// Engine merges incoming rows into a run-local copy of the reference
// dataset. Rows must be applied in arrival order; within one attachment the
// higher row position wins.
type Engine struct {
	logger  *slog.Logger
	index   map[string]*entry
	touched []string
	total   Outcome
}

func New(baseline *reference.Dataset, logger *slog.Logger) *Engine {
	e := &Engine{logger: logger, index: make(map[string]*entry, baseline.Len())}
	for _, row := range baseline.Rows() {
		base := row
		e.index[row.Key] = &entry{row: row, baseline: &base}
	}
	return e
}

// Apply classifies rows from one attachment. Rows are processed in
// ascending Position regardless of slice order.
func (e *Engine) Apply(rows []model.Row) Outcome {
	var out Outcome
	for _, row := range sortedByPosition(rows) {
		switch e.apply(row) {
		case model.ChangeNew:
			out.New++
		case model.ChangeChanged:
			out.Changed++
		case kindUnchanged:
			out.Unchanged++
		case kindDropped:
			out.Dropped++
		}
	}
	e.total.add(out)
	return out
}

const (
	kindUnchanged model.ChangeKind = "unchanged"
	kindDropped   model.ChangeKind = "dropped"
)

func (e *Engine) apply(row model.Row) model.ChangeKind {
	if row.Key == "" {
		if e.logger != nil {
			e.logger.Warn("dropping row", "source", row.Source.String(), "row", row.Position,
				"err", fmt.Errorf("%w: key fields empty after normalization", ErrKeyDerivation))
		}
		return kindDropped
	}

	existing, ok := e.index[row.Key]
	if !ok {
		e.index[row.Key] = &entry{row: row.Clone(), sources: []model.ItemKey{row.Source}, touched: true}
		e.touched = append(e.touched, row.Key)
		return model.ChangeNew
	}

	merged := withMissingFields(row, existing.row)
	if existing.row.SameValues(merged) {
		return kindUnchanged
	}

	existing.row = merged
	existing.sources = appendSource(existing.sources, row.Source)
	if !existing.touched {
		existing.touched = true
		e.touched = append(e.touched, row.Key)
	}
	return model.ChangeChanged
}

// Totals returns the cumulative classification counts for the run.
func (e *Engine) Totals() Outcome {
	return e.total
}

// Delta returns every touched key once, in first-touch order. Keys whose
// final values match the baseline are omitted.
func (e *Engine) Delta() model.Delta {
	delta := make(model.Delta, 0, len(e.touched))
	for _, key := range e.touched {
		en := e.index[key]
		if en.baseline == nil {
			delta = append(delta, model.DeltaEntry{Kind: model.ChangeNew, Row: en.row, Sources: en.sources})
			continue
		}
		if en.row.SameValues(*en.baseline) {
			continue
		}
		delta = append(delta, model.DeltaEntry{Kind: model.ChangeChanged, Row: en.row, Previous: en.baseline, Sources: en.sources})
	}
	return delta
}

// withMissingFields returns a copy of row that takes every field it does
// not carry from prev. A sheet without a column never clears that column.
func withMissingFields(row, prev model.Row) model.Row {
	out := row.Clone()
	if out.Fields == nil {
		out.Fields = make(map[string]model.Value, len(prev.Fields))
	}
	for name, v := range prev.Fields {
		if _, ok := out.Fields[name]; !ok {
			out.Fields[name] = v
		}
	}
	return out
}

func appendSource(sources []model.ItemKey, src model.ItemKey) []model.ItemKey {
	if slices.Contains(sources, src) {
		return sources
	}
	return append(sources, src)
}

func sortedByPosition(rows []model.Row) []model.Row {
	out := slices.Clone(rows)
	slices.SortStableFunc(out, func(a, b model.Row) int {
		return cmp.Compare(a.Position, b.Position)
	})
	return out
}

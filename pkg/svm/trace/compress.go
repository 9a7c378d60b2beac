package trace

// Run is a run-length collapsed group of consecutive entries that differ
// only in ComputeConsumed (and, necessarily, ordinal).
type Run struct {
	FirstOrdinal uint64
	Depth        uint32
	Kind         Kind
	Label        string
	Outcome      string

	// Consumed holds ComputeConsumed for each collapsed entry, in order.
	Consumed []uint64
}

// Count returns the number of entries in the run.
func (r Run) Count() int {
	return len(r.Consumed)
}

// TotalConsumed sums the compute consumed across the run.
func (r Run) TotalConsumed() uint64 {
	var total uint64
	for _, c := range r.Consumed {
		total += c
	}
	return total
}

// Compress collapses a drained trace into runs. It does not modify entries
// and Expand(Compress(entries)) reproduces entries exactly.
func Compress(entries []Entry) []Run {
	var runs []Run
	for _, e := range entries {
		if n := len(runs); n > 0 {
			last := &runs[n-1]
			if last.Kind == e.Kind && last.Label == e.Label && last.Depth == e.Depth &&
				last.Outcome == e.Outcome && last.FirstOrdinal+uint64(len(last.Consumed)) == e.Ordinal {
				last.Consumed = append(last.Consumed, e.ComputeConsumed)
				continue
			}
		}
		runs = append(runs, Run{
			FirstOrdinal: e.Ordinal,
			Depth:        e.Depth,
			Kind:         e.Kind,
			Label:        e.Label,
			Outcome:      e.Outcome,
			Consumed:     []uint64{e.ComputeConsumed},
		})
	}
	return runs
}

// Expand reverses Compress.
func Expand(runs []Run) []Entry {
	var entries []Entry
	for _, r := range runs {
		for i, c := range r.Consumed {
			entries = append(entries, Entry{
				Ordinal:         r.FirstOrdinal + uint64(i),
				Depth:           r.Depth,
				Kind:            r.Kind,
				Label:           r.Label,
				ComputeConsumed: c,
				Outcome:         r.Outcome,
			})
		}
	}
	return entries
}

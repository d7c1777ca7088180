package history

import "github.com/tOgg1/scrollback/internal/snowflake"

// Range is an inclusive key range. The zero Range is empty.
type Range struct {
	From  Key
	To    Key
	Valid bool
}

// Extend grows the range to include k.
func (r *Range) Extend(k Key) {
	if !r.Valid {
		r.From, r.To, r.Valid = k, k, true
		return
	}
	if k.Less(r.From) {
		r.From = k
	}
	if r.To.Less(k) {
		r.To = k
	}
}

// Contains reports whether k lies within the range.
func (r Range) Contains(k Key) bool {
	return r.Valid && !k.Less(r.From) && !r.To.Less(k)
}

// Result reports what a reconciliation changed.
type Result struct {
	// Touched covers every key inserted, removed, edited or re-keyed.
	Touched  Range
	Inserted []snowflake.ID
	Removed  []snowflake.ID
	Updated  []snowflake.ID
	// Stale is set when the input no longer applies to the sequence.
	Stale bool
}

// Changed reports whether the sequence was mutated.
func (r Result) Changed() bool {
	return r.Touched.Valid
}

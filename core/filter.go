package core

// CopysetPredicate decides whether a record's copyset passes a read filter.
// Predicates must be pure: the read path may evaluate them against copyset
// index entries instead of full records.
type CopysetPredicate func(cs *Copyset) bool

// CopysetIncludes returns a predicate passing copysets that contain shard s.
// This is the filter rebuilding uses to find records a lost shard held.
func CopysetIncludes(s ShardID) CopysetPredicate {
	return func(cs *Copyset) bool { return cs.Contains(s) }
}

// ReadFilter narrows a range read.
type ReadFilter struct {
	// Copyset, when non-nil, drops records whose copyset fails the predicate.
	Copyset CopysetPredicate
	// MaxRecords, when positive, stops the read after that many records.
	MaxRecords int
	// IncludeTrimGaps reports trim-gap markers in the stream.
	IncludeTrimGaps bool
}

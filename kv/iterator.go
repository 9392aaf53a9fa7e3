package kv

import (
	"github.com/cockroachdb/pebble"

	"github.com/INLOpen/logstore/core"
)

// IterOptions bounds an iterator within one family. Bounds are
// family-relative; nil means the family edge.
type IterOptions struct {
	LowerBound []byte
	UpperBound []byte
	// OnlyReadGuaranteedDurable restricts the iterator to flushed data.
	OnlyReadGuaranteedDurable bool
}

// Iterator walks one family of the shard in key order. It holds a consistent
// view taken at construction time.
type Iterator struct {
	it     *pebble.Iterator
	family Family
}

func iterOptionsFor(f Family, opts IterOptions) *pebble.IterOptions {
	lo, hi := f.Bounds()
	if opts.LowerBound != nil {
		lo = f.Wrap(opts.LowerBound)
	}
	if opts.UpperBound != nil {
		hi = f.Wrap(opts.UpperBound)
	}
	return &pebble.IterOptions{
		LowerBound:                lo,
		UpperBound:                hi,
		OnlyReadGuaranteedDurable: opts.OnlyReadGuaranteedDurable,
	}
}

// NewIter opens an iterator over family f.
func (d *DB) NewIter(f Family, opts IterOptions) (*Iterator, error) {
	it, err := d.db.NewIter(iterOptionsFor(f, opts))
	if err != nil {
		return nil, core.NewIOError("new-iterator", err)
	}
	return &Iterator{it: it, family: f}, nil
}

// First positions at the first key within bounds.
func (i *Iterator) First() bool { return i.it.First() }

// Next advances to the next key.
func (i *Iterator) Next() bool { return i.it.Next() }

// SeekGE positions at the first key ≥ the family-relative key.
func (i *Iterator) SeekGE(key []byte) bool {
	return i.it.SeekGE(i.family.Wrap(key))
}

// SeekLT positions at the last key < the family-relative key.
func (i *Iterator) SeekLT(key []byte) bool {
	return i.it.SeekLT(i.family.Wrap(key))
}

// Valid reports whether the iterator is positioned at a key.
func (i *Iterator) Valid() bool { return i.it.Valid() }

// Key returns the current family-relative key. Only valid until the next
// positioning call.
func (i *Iterator) Key() []byte {
	return i.family.Unwrap(i.it.Key())
}

// Value returns the current value. Only valid until the next positioning
// call.
func (i *Iterator) Value() []byte { return i.it.Value() }

// Error returns the first error the iterator encountered.
func (i *Iterator) Error() error {
	if err := i.it.Error(); err != nil {
		return core.NewIOError("iterate", err)
	}
	return nil
}

// Close releases the iterator.
func (i *Iterator) Close() error {
	if err := i.it.Close(); err != nil {
		return core.NewIOError("iterator-close", err)
	}
	return nil
}

// Snapshot is a consistent point-in-time view across all families.
type Snapshot struct {
	s *pebble.Snapshot
}

// NewSnapshot captures the current state of the instance.
func (d *DB) NewSnapshot() *Snapshot {
	return &Snapshot{s: d.db.NewSnapshot()}
}

// NewIter opens an iterator over family f within the snapshot.
func (s *Snapshot) NewIter(f Family, opts IterOptions) (*Iterator, error) {
	it, err := s.s.NewIter(iterOptionsFor(f, opts))
	if err != nil {
		return nil, core.NewIOError("snapshot-iterator", err)
	}
	return &Iterator{it: it, family: f}, nil
}

// Get reads one key from family f within the snapshot.
func (s *Snapshot) Get(f Family, key []byte) ([]byte, func(), error) {
	val, closer, err := s.s.Get(f.Wrap(key))
	if err != nil {
		if err == pebble.ErrNotFound {
			return nil, func() {}, core.ErrNotFound
		}
		return nil, func() {}, core.NewIOError("snapshot-get", err)
	}
	return val, func() { closer.Close() }, nil
}

// Close releases the snapshot.
func (s *Snapshot) Close() error {
	return s.s.Close()
}

package kv

import (
	"github.com/cockroachdb/pebble"

	"github.com/INLOpen/logstore/core"
)

// Batch is an atomic multi-family write batch. All writes in a batch commit
// together through the shared WAL regardless of how many families they span.
type Batch struct {
	b *pebble.Batch
}

// NewBatch starts an empty batch.
func (d *DB) NewBatch() *Batch {
	return &Batch{b: d.db.NewBatch()}
}

// Set queues a put of key → value in family f.
func (b *Batch) Set(f Family, key, value []byte) {
	// Errors from batch mutations only occur on closed batches.
	_ = b.b.Set(f.Wrap(key), value, nil)
}

// Delete queues a deletion of key in family f.
func (b *Batch) Delete(f Family, key []byte) {
	_ = b.b.Delete(f.Wrap(key), nil)
}

// DeleteRange queues a range deletion of [lo, hi) in family f.
func (b *Batch) DeleteRange(f Family, lo, hi []byte) {
	_ = b.b.DeleteRange(f.Wrap(lo), f.Wrap(hi), nil)
}

// Len returns the encoded size of the batch in bytes.
func (b *Batch) Len() int {
	return int(b.b.Len())
}

// Count returns the number of queued operations.
func (b *Batch) Count() int {
	return int(b.b.Count())
}

// Close releases the batch without applying it.
func (b *Batch) Close() {
	_ = b.b.Close()
}

// Apply commits the batch and releases it. With sync the call does not
// return until the batch is durable in the WAL. The batch must not be used
// afterwards, applied or not.
func (d *DB) Apply(b *Batch, sync bool) error {
	opt := pebble.NoSync
	if sync {
		opt = pebble.Sync
	}
	err := d.db.Apply(b.b, opt)
	_ = b.b.Close()
	if err != nil {
		return core.NewIOError("write-batch", err)
	}
	return nil
}

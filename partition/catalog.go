package partition

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/INLOpen/logstore/core"
	"github.com/INLOpen/logstore/kv"
)

// basePartitionID is where appended partition IDs start. Prepended
// partitions take IDs below the current floor, so the base leaves room for
// them while keeping IDs positive.
const basePartitionID core.PartitionID = 1000

// Catalog is the ordered set of live partitions of one shard. The structural
// lock is held only for slice/map changes; KV writes happen outside it.
type Catalog struct {
	db     *kv.DB
	logger *slog.Logger

	mu    sync.RWMutex
	parts []*Partition // ascending PartitionID, ascending MinTimestamp
	byID  map[core.PartitionID]*Partition
	next  core.PartitionID
}

// Open loads the persisted catalog from the metadata family, sweeps
// partition data orphaned by an interrupted drop, and returns the catalog.
// A fresh shard starts with no partitions; the engine creates the first one.
func Open(db *kv.DB, logger *slog.Logger) (*Catalog, error) {
	c := &Catalog{
		db:     db,
		logger: logger.With("component", "PartitionCatalog"),
		byID:   make(map[core.PartitionID]*Partition),
		next:   basePartitionID,
	}

	it, err := db.NewIter(kv.MetadataFamily, kv.IterOptions{
		LowerBound: []byte{core.KeyTypePartition},
		UpperBound: core.KeyTypeUpperBound(core.KeyTypePartition),
	})
	if err != nil {
		return nil, err
	}
	defer it.Close()

	for valid := it.First(); valid; valid = it.Next() {
		id, err := core.DecodePartitionMetaKey(it.Key())
		if err != nil {
			return nil, err
		}
		meta, err := core.DecodePartitionMeta(it.Value())
		if err != nil {
			return nil, fmt.Errorf("partition %d: %w", id, err)
		}
		p := newPartition(id, meta)
		c.parts = append(c.parts, p)
		c.byID[id] = p
		if id >= c.next {
			c.next = id + 1
		}
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	sort.Slice(c.parts, func(i, j int) bool { return c.parts[i].ID < c.parts[j].ID })

	if err := c.sweepOrphans(); err != nil {
		return nil, err
	}
	c.logger.Info("Partition catalog loaded.", "partitions", len(c.parts))
	return c, nil
}

// sweepOrphans removes data of families that have no catalog row, left
// behind when a crash lands between the catalog delete and the family drop.
func (c *Catalog) sweepOrphans() error {
	populated, err := c.db.PopulatedFamilyIDs()
	if err != nil {
		return err
	}
	known := make(map[uint32]struct{}, len(c.parts))
	for _, p := range c.parts {
		known[p.Family.ID] = struct{}{}
	}
	for _, id := range populated {
		if id < kv.FirstPartitionFamilyID {
			continue
		}
		if _, ok := known[id]; ok {
			continue
		}
		orphan := kv.Family{ID: id, Name: fmt.Sprintf("orphan_%d", id)}
		c.logger.Warn("Dropping orphaned partition data.", "family_id", id)
		if err := c.db.DropFamily(orphan); err != nil {
			return err
		}
	}
	return nil
}

// Count returns the number of live partitions.
func (c *Catalog) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.parts)
}

// Latest returns the current write target, or nil when the catalog is empty.
func (c *Catalog) Latest() *Partition {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.parts) == 0 {
		return nil
	}
	return c.parts[len(c.parts)-1]
}

// Oldest returns the lowest-ID partition, or nil when empty.
func (c *Catalog) Oldest() *Partition {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.parts) == 0 {
		return nil
	}
	return c.parts[0]
}

// Get looks a partition up by ID.
func (c *Catalog) Get(id core.PartitionID) (*Partition, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.byID[id]
	return p, ok
}

// All returns the live partitions oldest-first. The slice is a copy.
func (c *Catalog) All() []*Partition {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Partition, len(c.parts))
	copy(out, c.parts)
	return out
}

// FindForTimestamp returns the partition whose time range should hold ts:
// the newest partition with MinTimestamp ≤ ts. below is true when ts
// predates every partition, in which case the oldest partition is returned.
func (c *Catalog) FindForTimestamp(ts int64) (p *Partition, below bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.parts) == 0 {
		return nil, false
	}
	// Binary search for the first partition with MinTimestamp > ts. Ties on
	// identical MinTimestamp resolve to the higher PartitionID because the
	// slice is ID-ordered and search finds the rightmost candidate.
	i := sort.Search(len(c.parts), func(i int) bool { return c.parts[i].MinTimestamp > ts })
	if i == 0 {
		return c.parts[0], true
	}
	return c.parts[i-1], false
}

// CreateNew appends a partition with the given minimum timestamp and
// persists its catalog row before exposing it. nowMS stamps creation time.
func (c *Catalog) CreateNew(minTS, nowMS int64) (*Partition, error) {
	c.mu.Lock()
	id := c.next
	c.next++
	c.mu.Unlock()

	p := newPartition(id, core.PartitionMeta{
		FamilyID:     familyIDFor(id),
		MinTimestamp: minTS,
		CreationTime: nowMS,
	})
	if err := c.persistAndInsert(p); err != nil {
		return nil, err
	}
	c.logger.Info("Created partition.", "partition", id, "min_ts", minTS)
	return p, nil
}

// Prepend creates a partition below the current floor for records older
// than any existing partition. The caller enforces the soft-limit policy.
func (c *Catalog) Prepend(minTS, nowMS int64) (*Partition, error) {
	c.mu.Lock()
	if len(c.parts) == 0 {
		c.mu.Unlock()
		return nil, fmt.Errorf("cannot prepend into an empty catalog")
	}
	first := c.parts[0]
	if first.ID == 0 {
		c.mu.Unlock()
		return nil, fmt.Errorf("partition id space exhausted below the floor")
	}
	if minTS >= first.MinTimestamp {
		c.mu.Unlock()
		return nil, fmt.Errorf("prepend min_ts %d not below floor %d", minTS, first.MinTimestamp)
	}
	id := first.ID - 1
	c.mu.Unlock()

	p := newPartition(id, core.PartitionMeta{
		FamilyID:     familyIDFor(id),
		MinTimestamp: minTS,
		CreationTime: nowMS,
		Flags:        core.PartitionPrepended,
	})
	if err := c.persistAndInsert(p); err != nil {
		return nil, err
	}
	c.logger.Info("Prepended partition.", "partition", id, "min_ts", minTS)
	return p, nil
}

// persistAndInsert writes the catalog row (synced, so the partition survives
// a crash) and then splices the partition into the ordered structures.
func (c *Catalog) persistAndInsert(p *Partition) error {
	b := c.db.NewBatch()
	meta := p.Meta()
	b.Set(kv.MetadataFamily, core.EncodePartitionMetaKey(p.ID), core.EncodePartitionMeta(&meta))
	if err := c.db.Apply(b, true); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.byID[p.ID]; dup {
		panic(fmt.Sprintf("duplicate partition id %d", p.ID))
	}
	c.byID[p.ID] = p
	i := sort.Search(len(c.parts), func(i int) bool { return c.parts[i].ID > p.ID })
	c.parts = append(c.parts, nil)
	copy(c.parts[i+1:], c.parts[i:])
	c.parts[i] = p
	return nil
}

// DropResult reports what a DropOldestUpTo pass achieved.
type DropResult struct {
	Dropped []core.PartitionID
	// Busy lists partitions whose drop was deferred because iterators still
	// hold references; the lo-pri loop retries them next cycle.
	Busy []core.PartitionID
}

// DropOldestUpTo drops partitions oldest-first while their ID is ≤ upTo.
// preDrop runs before each family is destroyed and must atomically remove
// the partition's metadata (catalog row, directory entries, dirty marker);
// if it fails the drop aborts. Iterators holding references defer the drop
// to the next cycle instead of blocking it.
func (c *Catalog) DropOldestUpTo(upTo core.PartitionID, preDrop func(*Partition) error) (DropResult, error) {
	var res DropResult
	for {
		c.mu.RLock()
		if len(c.parts) == 0 || c.parts[0].ID > upTo {
			c.mu.RUnlock()
			return res, nil
		}
		p := c.parts[0]
		c.mu.RUnlock()

		if idle := p.BeginDrop(); !idle {
			res.Busy = append(res.Busy, p.ID)
			c.logger.Info("Deferring partition drop, iterators still active.", "partition", p.ID)
			p.AbortDrop()
			return res, nil
		}

		if err := preDrop(p); err != nil {
			p.AbortDrop()
			return res, err
		}
		if err := c.db.DropFamily(p.Family); err != nil {
			// Metadata is already gone; the orphan sweep reclaims the data on
			// the next open. Keep going.
			c.logger.Error("Family drop failed after metadata removal.", "partition", p.ID, "error", err)
		}

		c.mu.Lock()
		if len(c.parts) > 0 && c.parts[0] == p {
			c.parts = c.parts[1:]
		}
		delete(c.byID, p.ID)
		c.mu.Unlock()

		res.Dropped = append(res.Dropped, p.ID)
		c.logger.Info("Dropped partition.", "partition", p.ID)
	}
}

func familyIDFor(id core.PartitionID) uint32 {
	return uint32(id) + kv.FirstPartitionFamilyID
}

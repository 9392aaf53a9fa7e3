package engine

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/INLOpen/logstore/core"
	"github.com/INLOpen/logstore/kv"
	"github.com/INLOpen/logstore/partition"
)

// ReadItem is one element of a read stream: a record, or a trim-gap marker
// when the requested range starts below the trim point.
type ReadItem struct {
	Record *core.Record
	Gap    *core.TrimGap
}

// Read opens a forward-only cursor over records of log in [from, until].
// Candidate partitions come from the directory; one bounded iterator per
// partition is merged in LSN order. The cursor holds partition references,
// so Close must be called.
func (e *ShardEngine) Read(ctx context.Context, log core.LogID, from, until core.LSN, filter core.ReadFilter) (*Reader, error) {
	_, span := e.tracer.Start(ctx, "ShardEngine.Read")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("log_id", int64(log)),
		attribute.Int64("from", int64(from)),
		attribute.Int64("until", int64(until)),
	)
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	if log == 0 {
		return nil, &core.ProtocolError{Detail: "log id must be non-zero"}
	}
	if from > until {
		return nil, &core.ProtocolError{Detail: fmt.Sprintf("inverted read range [%d, %d]", from, until)}
	}
	e.metrics.ReadTotal.Add(1)

	r := &Reader{
		e:      e,
		log:    log,
		until:  until,
		filter: filter,
		start:  e.clock.Now(),
	}
	defer func() {
		e.metrics.ReadLatency.Observe(e.clock.Now().Sub(r.start).Seconds())
	}()

	trim := e.dir.TrimPoint(log)
	effectiveFrom := from
	if trim >= from {
		if filter.IncludeTrimGaps {
			gapTo := trim
			if gapTo > until {
				gapTo = until
			}
			r.pendingGap = &core.TrimGap{LogID: log, From: from, To: gapTo}
		}
		if trim >= until {
			return r, nil // fully trimmed range
		}
		effectiveFrom = trim + 1
	}

	useCSI := e.opts.UseCopysetIndex && filter.Copyset != nil
	for _, partID := range e.dir.Lookup(log, effectiveFrom, until) {
		p, ok := e.catalog.Get(partID)
		if !ok || !p.Ref() {
			// Partition dropped (or dropping) since the directory lookup; its
			// whole LSN range is necessarily at or below some trim point.
			continue
		}
		pi, err := r.newPartIter(p, effectiveFrom, useCSI)
		if err != nil {
			p.Unref()
			r.Close()
			return nil, err
		}
		if pi == nil {
			p.Unref()
			continue
		}
		r.iters = append(r.iters, pi)
	}
	heap.Init(&r.merge)
	for _, pi := range r.iters {
		if pi.valid {
			heap.Push(&r.merge, pi)
		}
	}
	return r, nil
}

// Reader is a lazy, finite, forward-only record stream.
type Reader struct {
	e      *ShardEngine
	log    core.LogID
	until  core.LSN
	filter core.ReadFilter
	start  time.Time

	iters      []*partIter
	merge      partIterHeap
	pendingGap *core.TrimGap

	item     ReadItem
	err      error
	emitted  int
	lastLSN  core.LSN
	haveLast bool
	closed   bool
}

// Next advances to the next item. It returns false at end of stream or on
// error; check Error afterwards.
func (r *Reader) Next() bool {
	if r.closed || r.err != nil {
		return false
	}
	if r.pendingGap != nil {
		r.item = ReadItem{Gap: r.pendingGap}
		r.pendingGap = nil
		return true
	}
	if r.filter.MaxRecords > 0 && r.emitted >= r.filter.MaxRecords {
		return false
	}

	for r.merge.Len() > 0 {
		top := r.merge.items[0]
		lsn := top.lsn

		if lsn > r.until {
			return false
		}
		rec, err := top.take()
		if err != nil {
			r.err = err
			r.e.metrics.ReadErrorsTotal.Add(1)
			r.e.logger.Error("Read failed decoding record.", "log", r.log, "lsn", lsn, "error", err)
			return false
		}
		r.advanceTop()

		// Duplicate LSNs across partitions can exist after rebuilding; emit
		// the first copy only.
		if r.haveLast && lsn <= r.lastLSN {
			continue
		}
		if rec == nil {
			continue // filtered out by the copyset predicate
		}
		r.lastLSN = lsn
		r.haveLast = true
		r.item = ReadItem{Record: rec}
		r.emitted++
		r.e.metrics.ReadRecordsTotal.Add(1)
		return true
	}
	return false
}

// Item returns the current stream element after a successful Next.
func (r *Reader) Item() ReadItem { return r.item }

// Error returns the error that terminated the stream, if any.
func (r *Reader) Error() error { return r.err }

// Close releases iterators and partition references.
func (r *Reader) Close() {
	if r.closed {
		return
	}
	r.closed = true
	for _, pi := range r.iters {
		pi.close()
		pi.part.Unref()
	}
	r.iters = nil
	r.merge.items = nil
}

func (r *Reader) advanceTop() {
	top := r.merge.items[0]
	if top.advance() {
		heap.Fix(&r.merge, 0)
	} else {
		heap.Pop(&r.merge)
		if top.err != nil && r.err == nil {
			r.err = top.err
		}
	}
}

// partIter walks one partition's slice of the log. In CSI mode it scans the
// compact copyset index and fetches record values only for passing LSNs,
// which saves payload IO for selective filters.
type partIter struct {
	r    *Reader
	part *partition.Partition
	it   *kv.Iterator
	csi  bool

	valid bool
	lsn   core.LSN
	err   error
}

func (r *Reader) newPartIter(p *partition.Partition, from core.LSN, useCSI bool) (*partIter, error) {
	var lower, upper []byte
	if useCSI {
		lower = core.EncodeCopysetIndexKey(r.log, from)
		upper = core.KeyTypeUpperBound(core.KeyTypeCopyset)
		if !r.e.opts.DisableIterateUpperBound && r.until < core.LSNMax {
			upper = core.EncodeCopysetIndexKey(r.log, r.until+1)
		}
	} else {
		lower = core.EncodeRecordKey(r.log, from)
		upper = core.KeyTypeUpperBound(core.KeyTypeRecord)
		if !r.e.opts.DisableIterateUpperBound && r.until < core.LSNMax {
			upper = core.EncodeRecordKey(r.log, r.until+1)
		}
	}
	it, err := r.e.db.NewIter(p.Family, kv.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, err
	}
	pi := &partIter{r: r, part: p, it: it, csi: useCSI}
	if !pi.position(it.First()) {
		pi.close()
		if pi.err != nil {
			return nil, pi.err
		}
		return nil, nil
	}
	return pi, nil
}

// position decodes the iterator's current key; returns false when the
// iterator is exhausted or left the requested log.
func (pi *partIter) position(valid bool) bool {
	pi.valid = false
	if !valid {
		pi.err = pi.it.Error()
		return false
	}
	var log core.LogID
	var lsn core.LSN
	var err error
	if pi.csi {
		log, lsn, err = core.DecodeCopysetIndexKey(pi.it.Key())
	} else {
		log, lsn, err = core.DecodeRecordKey(pi.it.Key())
	}
	if err != nil {
		pi.err = err
		return false
	}
	// Without an iterate-upper-bound the key type bound still holds, but the
	// log and LSN range must be enforced here.
	if log != pi.r.log || lsn > pi.r.until {
		return false
	}
	pi.lsn = lsn
	pi.valid = true
	return true
}

func (pi *partIter) advance() bool {
	return pi.position(pi.it.Next())
}

// take materializes the current record, applying the copyset filter. A nil
// record with nil error means the filter rejected it.
func (pi *partIter) take() (*core.Record, error) {
	e := pi.r.e
	if pi.csi {
		e.metrics.CSIEntriesScanned.Add(1)
		_, cs, err := core.DecodeCopysetIndexValue(pi.it.Value())
		if err != nil {
			return nil, err
		}
		if pi.r.filter.Copyset != nil && !pi.r.filter.Copyset(&cs) {
			e.metrics.CSIRecordsSkipped.Add(1)
			return nil, nil
		}
		val, done, err := e.db.Get(pi.part.Family, core.EncodeRecordKey(pi.r.log, pi.lsn))
		if err != nil {
			if errors.Is(err, core.ErrNotFound) {
				return nil, core.NewCorruption("copyset index entry without record: log %d lsn %d", pi.r.log, pi.lsn)
			}
			return nil, err
		}
		defer done()
		e.metrics.PayloadReadsTotal.Add(1)
		return decodeRecord(pi.r.log, pi.lsn, val)
	}

	e.metrics.PayloadReadsTotal.Add(1)
	rec, err := decodeRecord(pi.r.log, pi.lsn, pi.it.Value())
	if err != nil {
		return nil, err
	}
	if pi.r.filter.Copyset != nil && !pi.r.filter.Copyset(&rec.Copyset) {
		return nil, nil
	}
	return rec, nil
}

func (pi *partIter) close() {
	if pi.it != nil {
		_ = pi.it.Close()
		pi.it = nil
	}
}

func decodeRecord(log core.LogID, lsn core.LSN, value []byte) (*core.Record, error) {
	rv, err := core.DecodeRecordValue(value)
	if err != nil {
		return nil, err
	}
	payload := rv.Payload
	if rv.Codec != core.CompressionNone {
		c, err := compressorFor(rv.Codec)
		if err != nil {
			return nil, err
		}
		payload, err = c.Decompress(rv.Payload)
		if err != nil {
			return nil, &core.CorruptionError{Detail: fmt.Sprintf("payload decompression (log %d lsn %d)", log, lsn), Err: err}
		}
	} else {
		payload = append([]byte(nil), payload...)
	}
	return &core.Record{
		LogID:     log,
		LSN:       lsn,
		Timestamp: rv.Timestamp(),
		Copyset:   rv.Copyset,
		Flags:     rv.Flags,
		Payload:   payload,
	}, nil
}

// partIterHeap merges partition iterators by their current LSN.
type partIterHeap struct {
	items []*partIter
}

func (h *partIterHeap) Len() int { return len(h.items) }

func (h *partIterHeap) Less(i, j int) bool {
	if h.items[i].lsn != h.items[j].lsn {
		return h.items[i].lsn < h.items[j].lsn
	}
	// Same LSN in two partitions: prefer the newer partition's copy.
	return h.items[i].part.ID > h.items[j].part.ID
}

func (h *partIterHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }

func (h *partIterHeap) Push(x any) { h.items = append(h.items, x.(*partIter)) }

func (h *partIterHeap) Pop() any {
	old := h.items
	n := len(old)
	x := old[n-1]
	h.items = old[:n-1]
	return x
}

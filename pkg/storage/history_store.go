package storage

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"github.com/vjranagit/histmanager/pkg/aggregate"
	"github.com/vjranagit/histmanager/pkg/bucket"
	"github.com/vjranagit/histmanager/pkg/types"
)

// HistoryStore keeps raw samples in hour-aligned, column-compressed blocks,
// one badger key per item and hour.
type HistoryStore struct {
	db    *badger.DB
	codec *ColumnCodec
	// retention in seconds after the block end; 0 keeps blocks forever
	retention int64
	// serializes block read-modify-write
	mu sync.Mutex
}

// blockPayload is the stored form of one history block
type blockPayload struct {
	Count  int             `cbor:"1,keyasint"`
	Type   types.ValueType `cbor:"2,keyasint"`
	Clocks []byte          `cbor:"3,keyasint"`
	Ns     []byte          `cbor:"4,keyasint"`
	Values []byte          `cbor:"5,keyasint,omitempty"`
	Text   []byte          `cbor:"6,keyasint,omitempty"`
}

// textColumns holds the non-numeric columns of a block before compression
type textColumns struct {
	Str        []string `cbor:"1,keyasint"`
	LogEventID []uint64 `cbor:"2,keyasint,omitempty"`
	Severity   []int    `cbor:"3,keyasint,omitempty"`
	Source     []string `cbor:"4,keyasint,omitempty"`
}

type blockKey struct {
	itemid uint64
	start  int64
}

// Write appends samples to their blocks. Samples identical to one already
// stored are skipped, which makes WAL replay idempotent.
func (h *HistoryStore) Write(ctx context.Context, samples []types.Sample) error {
	if len(samples) == 0 {
		return nil
	}

	blocks := groupSamplesByBlock(samples)
	keys := make([]blockKey, 0, len(blocks))
	for k := range blocks {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].itemid != keys[j].itemid {
			return keys[i].itemid < keys[j].itemid
		}
		return keys[i].start < keys[j].start
	})

	h.mu.Lock()
	defer h.mu.Unlock()

	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := h.writeBlock(k, blocks[k]); err != nil {
			return fmt.Errorf("failed to write block %d/%d: %w", k.itemid, k.start, err)
		}
	}
	return nil
}

// groupSamplesByBlock groups samples into 1-hour blocks per item
func groupSamplesByBlock(samples []types.Sample) map[blockKey][]types.Sample {
	blocks := make(map[blockKey][]types.Sample)
	for _, s := range samples {
		k := blockKey{itemid: s.ItemID, start: bucket.Tick(s.Clock, blockSeconds)}
		blocks[k] = append(blocks[k], s)
	}
	return blocks
}

func (h *HistoryStore) writeBlock(k blockKey, samples []types.Sample) error {
	key := clockKey(historyPrefix, k.itemid, k.start)

	return h.db.Update(func(txn *badger.Txn) error {
		var existing []types.Sample
		item, err := txn.Get(key)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
		case err != nil:
			return err
		default:
			existing, err = h.readItem(item, k.itemid)
			if err != nil {
				return err
			}
		}

		merged, err := mergeSamples(existing, samples)
		if err != nil {
			return err
		}
		payload, err := h.encodeBlock(merged)
		if err != nil {
			return err
		}

		e := badger.NewEntry(key, payload)
		e.ExpiresAt = expiresAt(k.start+blockSeconds, h.retention)
		return txn.SetEntry(e)
	})
}

// mergeSamples appends incoming to existing in insertion order
func mergeSamples(existing, incoming []types.Sample) ([]types.Sample, error) {
	seen := make(map[types.Sample]struct{}, len(existing)+len(incoming))
	for _, s := range existing {
		seen[s] = struct{}{}
	}

	merged := existing
	for _, s := range incoming {
		if len(merged) > 0 && merged[0].Type != s.Type {
			return nil, fmt.Errorf("item %d block holds %s samples, got %s", s.ItemID, merged[0].Type, s.Type)
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		merged = append(merged, s)
	}
	return merged, nil
}

func (h *HistoryStore) encodeBlock(samples []types.Sample) ([]byte, error) {
	vt := samples[0].Type
	clocks := make([]int64, len(samples))
	ns := make([]uint64, len(samples))
	for i, s := range samples {
		clocks[i] = s.Clock
		ns[i] = uint64(s.Ns)
	}

	payload := blockPayload{Count: len(samples), Type: vt}
	payload.Clocks = h.codec.EncodeClocks(clocks)
	payload.Ns = h.codec.EncodeWords(ns)

	if vt.Numeric() {
		words := make([]uint64, len(samples))
		for i, s := range samples {
			if vt == types.ValueTypeUint {
				words[i] = s.Uint
			} else {
				words[i] = math.Float64bits(s.Float)
			}
		}
		payload.Values = h.codec.EncodeWords(words)
	} else {
		cols := textColumns{Str: make([]string, len(samples))}
		for i, s := range samples {
			cols.Str[i] = s.Str
		}
		if vt == types.ValueTypeLog {
			cols.LogEventID = make([]uint64, len(samples))
			cols.Severity = make([]int, len(samples))
			cols.Source = make([]string, len(samples))
			for i, s := range samples {
				cols.LogEventID[i] = s.LogEventID
				cols.Severity[i] = s.Severity
				cols.Source[i] = s.Source
			}
		}
		raw, err := marshal(cols)
		if err != nil {
			return nil, fmt.Errorf("failed to encode text columns: %w", err)
		}
		payload.Text = h.codec.EncodeBytes(raw)
	}

	return marshal(payload)
}

func (h *HistoryStore) decodeBlock(itemid uint64, data []byte) ([]types.Sample, error) {
	var payload blockPayload
	if err := unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}

	clocks, err := h.codec.DecodeClocks(payload.Clocks, payload.Count)
	if err != nil {
		return nil, fmt.Errorf("failed to decode clocks: %w", err)
	}
	ns, err := h.codec.DecodeWords(payload.Ns, payload.Count)
	if err != nil {
		return nil, fmt.Errorf("failed to decode ns: %w", err)
	}

	samples := make([]types.Sample, payload.Count)
	for i := range samples {
		samples[i] = types.Sample{
			ItemID: itemid,
			Clock:  clocks[i],
			Ns:     int32(ns[i]),
			Type:   payload.Type,
		}
	}

	if payload.Type.Numeric() {
		words, err := h.codec.DecodeWords(payload.Values, payload.Count)
		if err != nil {
			return nil, fmt.Errorf("failed to decode values: %w", err)
		}
		for i, w := range words {
			if payload.Type == types.ValueTypeUint {
				samples[i].Uint = w
			} else {
				samples[i].Float = math.Float64frombits(w)
			}
		}
		return samples, nil
	}

	raw, err := h.codec.DecodeBytes(payload.Text)
	if err != nil {
		return nil, err
	}
	var cols textColumns
	if err := unmarshal(raw, &cols); err != nil {
		return nil, fmt.Errorf("failed to decode text columns: %w", err)
	}
	if len(cols.Str) != payload.Count {
		return nil, fmt.Errorf("text column has %d rows, block has %d: %w", len(cols.Str), payload.Count, errTruncated)
	}
	for i := range samples {
		samples[i].Str = cols.Str[i]
		if i < len(cols.LogEventID) {
			samples[i].LogEventID = cols.LogEventID[i]
		}
		if i < len(cols.Severity) {
			samples[i].Severity = cols.Severity[i]
		}
		if i < len(cols.Source) {
			samples[i].Source = cols.Source[i]
		}
	}
	return samples, nil
}

func (h *HistoryStore) readItem(item *badger.Item, itemid uint64) ([]types.Sample, error) {
	val, err := item.ValueCopy(nil)
	if err != nil {
		return nil, err
	}
	return h.decodeBlock(itemid, val)
}

// Query returns the raw samples with from <= clock <= to, ordered by item
// then (clock, ns)
func (h *HistoryStore) Query(ctx context.Context, itemids []uint64, vt types.ValueType, from, to int64) ([]types.Sample, error) {
	var out []types.Sample
	err := h.db.View(func(txn *badger.Txn) error {
		for _, id := range itemids {
			if err := ctx.Err(); err != nil {
				return err
			}
			samples, err := h.scan(txn, id, vt, from, to)
			if err != nil {
				return err
			}
			out = append(out, samples...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// scan decodes the blocks of one item overlapping [from, to]
func (h *HistoryStore) scan(txn *badger.Txn, itemid uint64, vt types.ValueType, from, to int64) ([]types.Sample, error) {
	prefix := itemPrefix(historyPrefix, itemid)
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	var out []types.Sample
	for it.Seek(clockKey(historyPrefix, itemid, bucket.Tick(from, blockSeconds))); it.ValidForPrefix(prefix); it.Next() {
		if keyClock(it.Item().Key()) > to {
			break
		}
		block, err := h.readItem(it.Item(), itemid)
		if err != nil {
			return nil, err
		}
		for _, s := range block {
			if s.Type == vt && s.Clock >= from && s.Clock <= to {
				out = append(out, s)
			}
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Before(out[j].Clock, out[j].Ns)
	})
	return out, nil
}

// QueryAggregated returns at most width rows per item over [from, to]
func (h *HistoryStore) QueryAggregated(ctx context.Context, itemids []uint64, vt types.ValueType, from, to int64, width int) (map[uint64][]types.AggRow, error) {
	samples, err := h.Query(ctx, itemids, vt, from, to)
	if err != nil {
		return nil, err
	}
	return aggregate.Bucketize(samples, from, to, width), nil
}

// Latest returns up to limit newest samples per item with clock >= since,
// newest first. Samples with equal (clock, ns) keep their stored order.
func (h *HistoryStore) Latest(ctx context.Context, itemids []uint64, vt types.ValueType, limit int, since int64) (map[uint64][]types.Sample, error) {
	out := make(map[uint64][]types.Sample, len(itemids))
	err := h.db.View(func(txn *badger.Txn) error {
		for _, id := range itemids {
			if err := ctx.Err(); err != nil {
				return err
			}
			samples, err := h.newest(txn, id, vt, limit, since)
			if err != nil {
				return err
			}
			out[id] = samples
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (h *HistoryStore) newest(txn *badger.Txn, itemid uint64, vt types.ValueType, limit int, since int64) ([]types.Sample, error) {
	prefix := itemPrefix(historyPrefix, itemid)
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.Reverse = true
	it := txn.NewIterator(opts)
	defer it.Close()

	out := []types.Sample{}
	// blocks do not overlap, so once limit samples are collected no older
	// block can contribute
	for it.Seek(clockKey(historyPrefix, itemid, math.MaxInt64)); it.ValidForPrefix(prefix) && len(out) < limit; it.Next() {
		if since > 0 && keyClock(it.Item().Key())+blockSeconds <= since {
			break
		}
		block, err := h.readItem(it.Item(), itemid)
		if err != nil {
			return nil, err
		}
		sort.SliceStable(block, func(i, j int) bool {
			return block[j].Before(block[i].Clock, block[i].Ns)
		})
		for _, s := range block {
			if s.Type == vt && (since <= 0 || s.Clock >= since) {
				out = append(out, s)
			}
		}
	}

	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// PointBefore returns the sample with the greatest (clock, ns) not after the
// given position
func (h *HistoryStore) PointBefore(ctx context.Context, itemid uint64, vt types.ValueType, clock int64, ns int32) (types.Sample, bool, error) {
	var (
		best  types.Sample
		found bool
	)
	err := h.db.View(func(txn *badger.Txn) error {
		prefix := itemPrefix(historyPrefix, itemid)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(clockKey(historyPrefix, itemid, bucket.Tick(clock, blockSeconds))); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			block, err := h.readItem(it.Item(), itemid)
			if err != nil {
				return err
			}
			for _, s := range block {
				if s.Type != vt || !(s.Before(clock, ns) || (s.Clock == clock && s.Ns == ns)) {
					continue
				}
				if !found || !s.Before(best.Clock, best.Ns) {
					best, found = s, true
				}
			}
			if found {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return types.Sample{}, false, err
	}
	return best, found, nil
}

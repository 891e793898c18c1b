package storage

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

var errTruncated = errors.New("truncated column")

// codecLevels maps the configured compression level onto zstd presets
var codecLevels = map[int]zstd.EncoderLevel{
	1: zstd.SpeedFastest,
	2: zstd.SpeedDefault,
	3: zstd.SpeedBetterCompression,
	4: zstd.SpeedBestCompression,
}

// ColumnCodec encodes the columns of a history block. Each column is
// pre-transformed so that regular data turns into runs of small bytes and
// then sealed in a zstd frame.
type ColumnCodec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// NewColumnCodec creates a codec for the given level. Levels outside 1..4
// use the zstd default.
func NewColumnCodec(level int) (*ColumnCodec, error) {
	preset, ok := codecLevels[level]
	if !ok {
		preset = zstd.SpeedDefault
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(preset))
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return &ColumnCodec{enc: enc, dec: dec}, nil
}

func (c *ColumnCodec) seal(raw []byte) []byte {
	return c.enc.EncodeAll(raw, make([]byte, 0, len(raw)/2+16))
}

func (c *ColumnCodec) open(frame []byte) ([]byte, error) {
	raw, err := c.dec.DecodeAll(frame, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd frame: %w", err)
	}
	return raw, nil
}

// EncodeClocks stores clocks as zigzag varint delta-of-deltas. Merged blocks
// keep insertion order, so clocks may go backwards.
func (c *ColumnCodec) EncodeClocks(clocks []int64) []byte {
	if len(clocks) == 0 {
		return nil
	}

	raw := make([]byte, 0, len(clocks)*2+binary.MaxVarintLen64)
	var prev, step int64
	for i, clock := range clocks {
		if i == 0 {
			raw = binary.AppendVarint(raw, clock)
		} else {
			next := clock - prev
			raw = binary.AppendVarint(raw, next-step)
			step = next
		}
		prev = clock
	}
	return c.seal(raw)
}

// DecodeClocks reads count clocks written by EncodeClocks
func (c *ColumnCodec) DecodeClocks(frame []byte, count int) ([]int64, error) {
	if count == 0 {
		return nil, nil
	}
	raw, err := c.open(frame)
	if err != nil {
		return nil, err
	}

	clocks := make([]int64, count)
	var step int64
	for i := range clocks {
		v, n := binary.Varint(raw)
		if n <= 0 {
			return nil, fmt.Errorf("clock %d of %d: %w", i, count, errTruncated)
		}
		raw = raw[n:]

		if i == 0 {
			clocks[i] = v
			continue
		}
		step += v
		clocks[i] = clocks[i-1] + step
	}
	return clocks, nil
}

// EncodeWords XORs every 64-bit word with the one before it, so slowly
// changing values leave long zero runs for zstd.
func (c *ColumnCodec) EncodeWords(words []uint64) []byte {
	if len(words) == 0 {
		return nil
	}

	raw := make([]byte, 8*len(words))
	var prev uint64
	for i, w := range words {
		binary.LittleEndian.PutUint64(raw[8*i:], w^prev)
		prev = w
	}
	return c.seal(raw)
}

// DecodeWords reads count words written by EncodeWords
func (c *ColumnCodec) DecodeWords(frame []byte, count int) ([]uint64, error) {
	if count == 0 {
		return nil, nil
	}
	raw, err := c.open(frame)
	if err != nil {
		return nil, err
	}
	if len(raw) < 8*count {
		return nil, fmt.Errorf("%d words need %d bytes, have %d: %w", count, 8*count, len(raw), errTruncated)
	}

	words := make([]uint64, count)
	var acc uint64
	for i := range words {
		acc ^= binary.LittleEndian.Uint64(raw[8*i:])
		words[i] = acc
	}
	return words, nil
}

// EncodeBytes seals an already serialized column
func (c *ColumnCodec) EncodeBytes(raw []byte) []byte {
	if len(raw) == 0 {
		return nil
	}
	return c.seal(raw)
}

// DecodeBytes reverses EncodeBytes
func (c *ColumnCodec) DecodeBytes(frame []byte) ([]byte, error) {
	if len(frame) == 0 {
		return nil, nil
	}
	return c.open(frame)
}

// Close releases the zstd encoder and decoder
func (c *ColumnCodec) Close() {
	c.enc.Close()
	c.dec.Close()
}

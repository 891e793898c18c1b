package storage

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCodec(t *testing.T) *ColumnCodec {
	t.Helper()
	codec, err := NewColumnCodec(2)
	require.NoError(t, err)
	t.Cleanup(codec.Close)
	return codec
}

func TestClockColumn(t *testing.T) {
	codec := newTestCodec(t)

	clocks := make([]int64, 100)
	for i := range clocks {
		clocks[i] = 1_700_000_000 + int64(i*60)
	}

	frame := codec.EncodeClocks(clocks)
	assert.Less(t, len(frame), len(clocks)*8, "regular intervals should compress")

	decoded, err := codec.DecodeClocks(frame, len(clocks))
	require.NoError(t, err)
	assert.Equal(t, clocks, decoded)

	_, err = codec.DecodeClocks(frame, len(clocks)+1)
	assert.ErrorIs(t, err, errTruncated)
}

func TestClockColumnUnordered(t *testing.T) {
	codec := newTestCodec(t)

	clocks := []int64{3600, 3000, 3599, 0, 3600, 1, -5}
	decoded, err := codec.DecodeClocks(codec.EncodeClocks(clocks), len(clocks))
	require.NoError(t, err)
	assert.Equal(t, clocks, decoded)
}

func TestWordColumn(t *testing.T) {
	codec := newTestCodec(t)

	words := []uint64{0, 1, math.MaxUint64, 42, 42, 42}
	for _, f := range []float64{100.5, math.Inf(1), math.Copysign(0, -1), math.MaxFloat64} {
		words = append(words, math.Float64bits(f))
	}

	frame := codec.EncodeWords(words)
	decoded, err := codec.DecodeWords(frame, len(words))
	require.NoError(t, err)
	assert.Equal(t, words, decoded)

	_, err = codec.DecodeWords(frame, len(words)+1)
	assert.ErrorIs(t, err, errTruncated)
}

func TestEmptyColumns(t *testing.T) {
	codec := newTestCodec(t)

	assert.Nil(t, codec.EncodeClocks(nil))
	assert.Nil(t, codec.EncodeWords(nil))
	assert.Nil(t, codec.EncodeBytes(nil))

	clocks, err := codec.DecodeClocks(nil, 0)
	require.NoError(t, err)
	assert.Empty(t, clocks)

	raw, err := codec.DecodeBytes(nil)
	require.NoError(t, err)
	assert.Empty(t, raw)
}

func TestBytesColumn(t *testing.T) {
	codec := newTestCodec(t)

	data := []byte("disk /dev/sda1 is almost full, disk /dev/sda1 is almost full")
	out, err := codec.DecodeBytes(codec.EncodeBytes(data))
	require.NoError(t, err)
	assert.Equal(t, data, out)

	_, err = codec.DecodeBytes([]byte("not zstd"))
	assert.Error(t, err)
}

func TestCodecLevels(t *testing.T) {
	clocks := []int64{10, 20, 30}
	for level := 0; level <= 5; level++ {
		codec, err := NewColumnCodec(level)
		require.NoError(t, err, "level %d", level)

		decoded, err := codec.DecodeClocks(codec.EncodeClocks(clocks), len(clocks))
		require.NoError(t, err, "level %d", level)
		assert.Equal(t, clocks, decoded)
		codec.Close()
	}
}

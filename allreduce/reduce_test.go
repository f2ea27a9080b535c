package allreduce

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unixpickle/paramsync/compress"
	"github.com/unixpickle/paramsync/partition"
	"github.com/unixpickle/paramsync/workerpool"
)

func TestReduceRanges(t *testing.T) {
	for _, length := range []int{0, 1, minReduceRange, minReduceRange + 1, 10 * minReduceRange} {
		for _, parallelism := range []int{1, 3, 16} {
			ranges := reduceRanges(length, parallelism)
			assert.Equal(t, length, partition.Total(ranges))
			assert.LessOrEqual(t, len(ranges), parallelism)
			if length > 0 {
				for _, r := range ranges {
					assert.Greater(t, r.Length, 0)
				}
			}
		}
	}
	assert.Len(t, reduceRanges(minReduceRange, 8), 1)
	assert.Len(t, reduceRanges(3*minReduceRange, 8), 3)
}

func TestSumBlocks(t *testing.T) {
	pool := workerpool.New(4)
	for _, size := range []int{0, 5, 3*minReduceRange + 17} {
		for _, numBlocks := range []int{1, 2, 5} {
			expected := make([]float64, size)
			blocks := make([]*fetchedBlock, numBlocks)
			released := make([]int, numBlocks)
			for i := range blocks {
				vec := make([]float64, size)
				for j := range vec {
					// Small integers are exact in bfloat16.
					vec[j] = float64(rand.Intn(64))
					expected[j] += vec[j]
				}
				i := i
				blocks[i] = &fetchedBlock{
					data:      compress.Compress(compress.BFloat16, vec),
					releaseFn: func() { released[i]++ },
				}
			}

			// Leftover values must be overwritten.
			dst := make([]float64, size)
			for j := range dst {
				dst[j] = 1000
			}
			err := sumBlocks(context.Background(), pool, compress.BFloat16, dst, blocks, 1)
			require.NoError(t, err)
			assert.Equal(t, expected, dst)
			for i, n := range released {
				assert.Equal(t, 1, n, "block %d", i)
			}
		}
	}
}

func TestSumBlocksScale(t *testing.T) {
	pool := workerpool.New(2)
	blocks := []*fetchedBlock{
		{data: compress.Compress(compress.BFloat16, []float32{1, 2, 3}), releaseFn: func() {}},
		{data: compress.Compress(compress.BFloat16, []float32{3, 2, 1}), releaseFn: func() {}},
	}
	dst := make([]float32, 3)
	require.NoError(t, sumBlocks(context.Background(), pool, compress.BFloat16, dst, blocks, 0.5))
	assert.Equal(t, []float32{2, 2, 2}, dst)
}

func TestSumBlocksSizeMismatch(t *testing.T) {
	pool := workerpool.New(2)
	blocks := []*fetchedBlock{
		{data: compress.Compress(compress.BFloat16, []float32{1, 2, 3}), releaseFn: func() {}},
		{data: compress.Compress(compress.BFloat16, []float32{1, 2}), releaseFn: func() {}},
	}
	dst := make([]float32, 3)
	err := sumBlocks(context.Background(), pool, compress.BFloat16, dst, blocks, 1)
	var serErr *compress.SerializationError
	assert.ErrorAs(t, err, &serErr)
}

func TestReleaseOnce(t *testing.T) {
	var count int
	b := &fetchedBlock{releaseFn: func() { count++ }}
	releaseAll([]*fetchedBlock{b, nil})
	b.release()
	assert.Equal(t, 1, count)
}

package allreduce

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/exp/constraints"

	"github.com/unixpickle/paramsync/compress"
	"github.com/unixpickle/paramsync/partition"
	"github.com/unixpickle/paramsync/workerpool"
)

// minReduceRange is the smallest number of elements worth
// handing to a separate task.
const minReduceRange = 4096

// A fetchedBlock is a compressed block held until every
// range of it has been decoded.
type fetchedBlock struct {
	data    []byte
	local   bool
	pending atomic.Int32

	releaseOnce sync.Once
	releaseFn   func()
}

func (f *fetchedBlock) release() {
	f.releaseOnce.Do(f.releaseFn)
}

func releaseAll(blocks []*fetchedBlock) {
	for _, b := range blocks {
		if b != nil {
			b.release()
		}
	}
}

// reduceRanges splits a shard into the ranges reduced by
// separate tasks.
func reduceRanges(length, parallelism int) []partition.Shard {
	n := (length + minReduceRange - 1) / minReduceRange
	if n > parallelism {
		n = parallelism
	}
	if n < 1 {
		n = 1
	}
	if n > length {
		// Only happens for empty shards.
		return []partition.Shard{{Length: length}}
	}
	ranges, err := partition.Even(length, n)
	if err != nil {
		panic(err)
	}
	return ranges
}

// sumBlocks decodes and sums blocks of len(dst) elements
// into dst, then multiplies the result by scale.
//
// The first block overwrites dst, so nothing left over
// from a previous round is read.
// Each block is released as soon as its last range has
// been decoded.
func sumBlocks[T constraints.Float](ctx context.Context, pool *workerpool.Pool, f compress.Format,
	dst []T, blocks []*fetchedBlock, scale T) error {
	for _, b := range blocks {
		if len(b.data) != len(dst)*compress.BytesPerElement {
			return &compress.SerializationError{
				Want: len(dst) * compress.BytesPerElement,
				Got:  len(b.data),
			}
		}
	}
	ranges := reduceRanges(len(dst), pool.Size())
	for _, b := range blocks {
		b.pending.Store(int32(len(ranges)))
	}
	return workerpool.Run(ctx, pool, len(ranges), func(ctx context.Context, i int) error {
		r := ranges[i]
		out := dst[r.Offset:r.End()]
		lo, hi := r.Offset*compress.BytesPerElement, r.End()*compress.BytesPerElement
		for j, b := range blocks {
			var err error
			if j == 0 {
				err = compress.Decompress(f, out, b.data[lo:hi])
			} else {
				err = compress.Accumulate(f, out, b.data[lo:hi])
			}
			if err != nil {
				return err
			}
			if b.pending.Add(-1) == 0 {
				b.release()
			}
		}
		if scale != 1 {
			for k := range out {
				out[k] *= scale
			}
		}
		return nil
	})
}

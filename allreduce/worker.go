package allreduce

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/constraints"

	"github.com/unixpickle/paramsync/blockstore"
	"github.com/unixpickle/paramsync/compress"
	"github.com/unixpickle/paramsync/partition"
	"github.com/unixpickle/paramsync/workerpool"
)

// WorkerOptions are the job-wide settings a Worker needs.
type WorkerOptions struct {
	Config Config

	// Namespace separates this job's blocks from those of
	// other jobs on the same nodes.
	Namespace string

	Pool    *workerpool.Pool
	Logger  logrus.FieldLogger
	Metrics *Metrics
}

// A Worker is one participant of a job. It owns one shard
// of the parameter vector.
//
// A Worker's methods must not be called concurrently with
// each other.
type Worker[T constraints.Float] struct {
	id     int
	shards []partition.Shard
	store  blockstore.Store
	opts   WorkerOptions
	logger logrus.FieldLogger

	// Compressed copy of the whole local gradient, sliced
	// up during scatter.
	gradBuf *compress.Tensor[T]

	// Compressed copy of the owned weight shard.
	weightBuf *compress.Tensor[T]

	weight []T
	grad   []T
	state  State
}

// NewWorker creates the Worker owning shards[id], using
// store to reach the rest of the cluster.
func NewWorker[T constraints.Float](id int, shards []partition.Shard, store blockstore.Store,
	opts WorkerOptions) *Worker[T] {
	if id < 0 || id >= len(shards) {
		panic("worker id out of range")
	}
	if opts.Pool == nil {
		opts.Pool = workerpool.New(opts.Config.PoolSize)
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	shard := shards[id]
	return &Worker[T]{
		id:        id,
		shards:    shards,
		store:     store,
		opts:      opts,
		logger:    opts.Logger.WithField("worker", id),
		gradBuf:   compress.NewTensor[T](opts.Config.Format, partition.Total(shards)),
		weightBuf: compress.NewTensor[T](opts.Config.Format, shard.Length),
		weight:    make([]T, shard.Length),
		grad:      make([]T, shard.Length),
		state:     State{},
	}
}

// ID returns the worker's index, which is also the index
// of the shard it owns.
func (w *Worker[T]) ID() int {
	return w.id
}

// Shard returns the shard owned by the worker.
func (w *Worker[T]) Shard() partition.Shard {
	return w.shards[w.id]
}

// Weight returns the worker's full-precision weight shard.
//
// The slice is owned by the worker and changes every
// round.
func (w *Worker[T]) Weight() []T {
	return w.weight
}

// State returns the worker's optimizer state.
func (w *Worker[T]) State() State {
	return w.state
}

// Initialize takes the worker's shard of the initial
// vector and publishes it.
func (w *Worker[T]) Initialize(ctx context.Context, round Round, vector []T) error {
	if len(vector) != w.size() {
		return errors.Errorf("vector has %d elements, expected %d", len(vector), w.size())
	}
	shard := w.Shard()
	copy(w.weight, vector[shard.Offset:shard.End()])
	if err := w.publishWeight(ctx); err != nil {
		return err
	}
	w.logger.WithFields(logrus.Fields{
		"round": round.Number,
		"shard": shard.String(),
	}).Debug("initialized weight shard")
	return nil
}

// Sync reads the latest published weights of every shard
// into out.
//
// All shards are fetched concurrently. If any of them is
// missing, Sync fails and out is left partially written.
func (w *Worker[T]) Sync(ctx context.Context, out []T) error {
	if len(out) != w.size() {
		return errors.Errorf("output has %d elements, expected %d", len(out), w.size())
	}
	start := time.Now()
	err := workerpool.Run(ctx, w.opts.Pool, len(w.shards), func(ctx context.Context, k int) error {
		shard := w.shards[k]
		block, err := w.fetch(ctx, blockstore.WeightID(k))
		if err != nil {
			return err
		}
		defer block.release()
		err = compress.Decompress(w.opts.Config.Format, out[shard.Offset:shard.End()], block.data)
		return errors.Wrapf(err, "decode weight shard %d", k)
	})
	if err != nil {
		w.opts.Metrics.incFailure("sync")
		return errors.Wrap(err, "sync weights")
	}
	w.opts.Metrics.observePhase("sync", time.Since(start))
	return nil
}

// Scatter compresses the local gradient once and publishes
// each shard's range of it to that shard's owner.
//
// Every worker's Scatter must complete before any worker
// starts GatherAndUpdate for the same round.
func (w *Worker[T]) Scatter(ctx context.Context, round Round, grad []T) error {
	if len(grad) != w.size() {
		return errors.Errorf("gradient has %d elements, expected %d", len(grad), w.size())
	}
	start := time.Now()
	w.gradBuf.Compress(grad, 0, len(grad))
	err := workerpool.Run(ctx, w.opts.Pool, len(w.shards), func(ctx context.Context, k int) error {
		shard := w.shards[k]
		key, err := w.key(blockstore.GradientID(w.id, k))
		if err != nil {
			return err
		}
		data := w.gradBuf.Bytes(shard.Offset, shard.Length)
		if err := w.store.Put(ctx, key, data, blockstore.MemoryOnly); err != nil {
			return err
		}
		w.opts.Metrics.addPublished(blockstore.Gradient.String(), len(data))
		return nil
	})
	if err != nil {
		w.opts.Metrics.incFailure("scatter")
		return errors.Wrapf(err, "scatter round %d", round.Number)
	}
	w.opts.Metrics.observePhase("scatter", time.Since(start))
	w.logger.WithField("round", round.Number).Debug("scattered gradient")
	return nil
}

// GatherAndUpdate collects the gradient ranges every
// worker sent to this worker's shard, reduces them, calls
// fn once on the shard, and republishes the weights.
func (w *Worker[T]) GatherAndUpdate(ctx context.Context, round Round, fn UpdateFunc[T]) error {
	start := time.Now()
	if err := w.gather(ctx); err != nil {
		w.opts.Metrics.incFailure("gather")
		return errors.Wrapf(err, "gather round %d", round.Number)
	}
	gathered := time.Now()
	w.opts.Metrics.observePhase("gather", gathered.Sub(start))

	fn.Update(w.weight, w.grad, w.state)
	w.opts.Metrics.observePhase("update", time.Since(gathered))

	if err := w.publishWeight(ctx); err != nil {
		w.opts.Metrics.incFailure("publish")
		return errors.Wrapf(err, "publish round %d", round.Number)
	}
	w.opts.Metrics.observeRound(round)
	w.logger.WithFields(logrus.Fields{
		"round":   round.Number,
		"elapsed": round.Elapsed(),
	}).Debug("updated weight shard")
	return nil
}

func (w *Worker[T]) gather(ctx context.Context) error {
	blocks := make([]*fetchedBlock, len(w.shards))
	defer releaseAll(blocks)
	err := workerpool.Run(ctx, w.opts.Pool, len(w.shards), func(ctx context.Context, sender int) error {
		block, err := w.fetch(ctx, blockstore.GradientID(sender, w.id))
		if err != nil {
			return err
		}
		blocks[sender] = block
		return nil
	})
	if err != nil {
		return err
	}

	var scale T = 1
	if w.opts.Config.Reduction == Mean {
		scale = 1 / T(len(w.shards))
	}
	return sumBlocks(ctx, w.opts.Pool, w.opts.Config.Format, w.grad, blocks, scale)
}

func (w *Worker[T]) publishWeight(ctx context.Context) error {
	key, err := w.key(blockstore.WeightID(w.id))
	if err != nil {
		return err
	}
	data := w.weightBuf.Compress(w.weight, 0, len(w.weight))
	if err := w.store.Put(ctx, key, data, w.opts.Config.Durability); err != nil {
		return err
	}
	w.opts.Metrics.addPublished(blockstore.Weight.String(), len(data))
	return nil
}

// fetch reads a block, preferring the local copy.
func (w *Worker[T]) fetch(ctx context.Context, id blockstore.BlockID) (*fetchedBlock, error) {
	key, err := w.key(id)
	if err != nil {
		return nil, err
	}
	if data, ok := w.store.GetLocal(key); ok {
		w.opts.Metrics.incFetched(id.Kind.String(), true)
		return &fetchedBlock{
			data:      data,
			local:     true,
			releaseFn: func() { w.store.Unlock(key) },
		}, nil
	}
	data, err := w.store.GetRemote(ctx, key)
	if err != nil {
		return nil, errors.Wrapf(err, "fetch %s", id)
	}
	w.opts.Metrics.incFetched(id.Kind.String(), false)
	return &fetchedBlock{data: data, releaseFn: func() {}}, nil
}

func (w *Worker[T]) key(id blockstore.BlockID) (blockstore.Key, error) {
	enc, err := id.Encode(w.opts.Config.MaxClusterSize)
	if err != nil {
		return blockstore.Key{}, err
	}
	return blockstore.Key{Namespace: w.opts.Namespace, Block: enc}, nil
}

func (w *Worker[T]) size() int {
	return w.gradBuf.Len()
}

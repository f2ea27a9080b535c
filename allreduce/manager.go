package allreduce

import (
	"context"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/constraints"

	"github.com/unixpickle/paramsync/collcomm"
	"github.com/unixpickle/paramsync/compress"
	"github.com/unixpickle/paramsync/partition"
	"github.com/unixpickle/paramsync/workerpool"
)

type phase int

const (
	phaseUninitialized phase = iota
	phaseIdle
	phaseScattered
	phaseGathering

	// A gather failed part way, so some shards may hold the
	// new weights and others the old ones.
	phaseBroken
)

// An Option configures a ParameterManager.
type Option func(o *managerOptions)

type managerOptions struct {
	logger    logrus.FieldLogger
	metrics   *Metrics
	namespace string
	pool      *workerpool.Pool
}

// WithLogger sets the logger. The default is
// logrus.StandardLogger().
func WithLogger(l logrus.FieldLogger) Option {
	return func(o *managerOptions) {
		o.logger = l
	}
}

// WithMetrics reports activity to m.
func WithMetrics(m *Metrics) Option {
	return func(o *managerOptions) {
		o.metrics = m
	}
}

// WithNamespace sets the prefix of every block key the
// job uses. The default is a random UUID.
func WithNamespace(ns string) Option {
	return func(o *managerOptions) {
		o.namespace = ns
	}
}

// WithPool shares an existing pool between the workers.
// By default a pool is created from Config.PoolSize.
func WithPool(p *workerpool.Pool) Option {
	return func(o *managerOptions) {
		o.pool = p
	}
}

// A ParameterManager drives every worker of a job from a
// single process.
//
// Round operations (Initialize, Scatter, GatherAndUpdate,
// SumAndUpdate) must not be called concurrently with each
// other. GetParameter and Sync may be called at any time.
type ParameterManager[T constraints.Float] struct {
	cfg    Config
	nodes  []collcomm.Node
	opts   managerOptions
	logger logrus.FieldLogger

	lock    sync.Mutex
	phase   phase
	rounds  int
	round   Round
	shards  []partition.Shard
	comms   []*collcomm.Comms
	workers []*Worker[T]
}

// NewParameterManager creates a manager which places its
// workers on nodes round-robin.
func NewParameterManager[T constraints.Float](cfg Config, nodes []collcomm.Node,
	opts ...Option) (*ParameterManager[T], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, errors.New("no nodes to place workers on")
	}
	o := managerOptions{logger: logrus.StandardLogger()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.namespace == "" {
		o.namespace = uuid.NewString()
	}
	if o.pool == nil {
		o.pool = workerpool.New(cfg.PoolSize, workerpool.WithLogger(o.logger))
	}
	return &ParameterManager[T]{
		cfg:    cfg,
		nodes:  nodes,
		opts:   o,
		logger: o.logger.WithField("namespace", o.namespace),
	}, nil
}

// Namespace returns the prefix of the job's block keys.
func (p *ParameterManager[T]) Namespace() string {
	return p.opts.namespace
}

// Initialize splits vector into shardCount shards, creates
// one worker per shard and publishes the initial weights.
//
// It may be called again to restart the job from a new
// vector.
func (p *ParameterManager[T]) Initialize(ctx context.Context, vector []T, shardCount int) error {
	if shardCount > p.cfg.MaxClusterSize {
		return errors.Wrapf(&partition.PartitionError{Size: len(vector), Shards: shardCount},
			"max cluster size is %d", p.cfg.MaxClusterSize)
	}
	shards, err := partition.Even(len(vector), shardCount)
	if err != nil {
		return err
	}
	comms := collcomm.Place(shardCount, p.nodes)
	workers := make([]*Worker[T], shardCount)
	for i, c := range comms {
		workers[i] = NewWorker[T](c.Index, shards, c.Store, WorkerOptions{
			Config:    p.cfg,
			Namespace: p.opts.namespace,
			Pool:      p.opts.pool,
			Logger:    p.logger.WithField("node", c.NodeID),
			Metrics:   p.opts.metrics,
		})
	}

	p.lock.Lock()
	p.phase = phaseUninitialized
	p.lock.Unlock()

	round := NewRound(0)
	err = collcomm.Spawn(ctx, comms, p.logger, func(ctx context.Context, c *collcomm.Comms) error {
		return workers[c.Index].Initialize(ctx, round, vector)
	})
	if err != nil {
		p.opts.metrics.incFailure("initialize")
		return errors.Wrap(err, "initialize")
	}

	p.lock.Lock()
	p.shards = shards
	p.comms = comms
	p.workers = workers
	p.rounds = 0
	p.round = round
	p.phase = phaseIdle
	p.lock.Unlock()

	p.logger.WithFields(logrus.Fields{
		"params": len(vector),
		"shards": shardCount,
		"nodes":  len(p.nodes),
		"format": p.cfg.Format,
	}).Infof("initialized %s of compressed weights",
		humanize.IBytes(uint64(len(vector)*compress.BytesPerElement)))
	return nil
}

// Sync reads the latest published weights into a new
// vector.
func (p *ParameterManager[T]) Sync(ctx context.Context) ([]T, error) {
	workers, err := p.initializedWorkers()
	if err != nil {
		return nil, err
	}
	out := make([]T, partition.Total(p.Shards()))
	if err := workers[0].Sync(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

// SyncInto is like Sync, but writes into a caller-owned
// vector.
func (p *ParameterManager[T]) SyncInto(ctx context.Context, out []T) error {
	workers, err := p.initializedWorkers()
	if err != nil {
		return err
	}
	return workers[0].Sync(ctx, out)
}

// Scatter starts a round by publishing every worker's
// gradient.
//
// gradients[i] is the full-length local gradient of
// worker i.
// When Scatter returns, every gradient block of the round
// has been stored.
func (p *ParameterManager[T]) Scatter(ctx context.Context, gradients [][]T) (Round, error) {
	p.lock.Lock()
	switch p.phase {
	case phaseUninitialized:
		p.lock.Unlock()
		return Round{}, ErrNotInitialized
	case phaseScattered, phaseGathering, phaseBroken:
		number := p.round.Number
		p.lock.Unlock()
		return Round{}, errors.Wrapf(ErrMidRound, "round %d is not finished", number)
	}
	workers, comms := p.workers, p.comms
	round := NewRound(p.rounds + 1)
	p.lock.Unlock()

	if len(gradients) != len(workers) {
		return Round{}, errors.Errorf("got %d gradients for %d workers", len(gradients), len(workers))
	}
	err := collcomm.Spawn(ctx, comms, p.logger, func(ctx context.Context, c *collcomm.Comms) error {
		return workers[c.Index].Scatter(ctx, round, gradients[c.Index])
	})
	if err != nil {
		// The weights are untouched, and the next scatter
		// overwrites every gradient block.
		return Round{}, err
	}

	p.lock.Lock()
	p.round = round
	p.phase = phaseScattered
	p.lock.Unlock()
	return round, nil
}

// GatherAndUpdate finishes the round started by Scatter.
//
// Every worker reduces the gradients for its shard, calls
// fn on it and republishes its weights.
// If any worker fails, the job must be initialized again.
func (p *ParameterManager[T]) GatherAndUpdate(ctx context.Context, fn UpdateFunc[T]) error {
	p.lock.Lock()
	switch p.phase {
	case phaseUninitialized:
		p.lock.Unlock()
		return ErrNotInitialized
	case phaseIdle:
		p.lock.Unlock()
		return ErrNotScattered
	case phaseGathering, phaseBroken:
		number := p.round.Number
		p.lock.Unlock()
		return errors.Wrapf(ErrMidRound, "round %d is not finished", number)
	}
	p.phase = phaseGathering
	workers, comms, round := p.workers, p.comms, p.round
	p.lock.Unlock()

	err := collcomm.Spawn(ctx, comms, p.logger, func(ctx context.Context, c *collcomm.Comms) error {
		return workers[c.Index].GatherAndUpdate(ctx, round, fn)
	})

	p.lock.Lock()
	defer p.lock.Unlock()
	if err != nil {
		p.phase = phaseBroken
		p.logger.WithError(err).WithField("round", round.Number).Error("round failed")
		return err
	}
	p.phase = phaseIdle
	p.rounds = round.Number
	p.logger.WithFields(logrus.Fields{
		"round":   round.Number,
		"elapsed": round.Elapsed(),
	}).Debug("finished round")
	return nil
}

// SumAndUpdate runs a whole round: Scatter followed by
// GatherAndUpdate.
func (p *ParameterManager[T]) SumAndUpdate(ctx context.Context, gradients [][]T,
	fn UpdateFunc[T]) error {
	if _, err := p.Scatter(ctx, gradients); err != nil {
		return err
	}
	return p.GatherAndUpdate(ctx, fn)
}

// GetParameter copies every shard's current weights from
// its owner into out.
//
// It fails with ErrMidRound between Scatter and the end of
// GatherAndUpdate, or after a failed round. In that case
// out is not modified.
func (p *ParameterManager[T]) GetParameter(ctx context.Context, out []T) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	switch p.phase {
	case phaseUninitialized:
		return ErrNotInitialized
	case phaseScattered, phaseGathering, phaseBroken:
		return errors.Wrapf(ErrMidRound, "round %d", p.round.Number)
	}
	if n := partition.Total(p.shards); len(out) != n {
		return errors.Errorf("output has %d elements, expected %d", len(out), n)
	}
	workers := p.workers
	return workerpool.Run(ctx, p.opts.pool, len(workers), func(ctx context.Context, i int) error {
		shard := workers[i].Shard()
		copy(out[shard.Offset:shard.End()], workers[i].Weight())
		return nil
	})
}

// GetState returns a copy of the first worker's optimizer
// state.
//
// Every worker runs the same update on the same reduced
// gradient, so their states are assumed to be equivalent.
// This is not checked; use States to compare them.
//
// GetState returns nil before Initialize.
func (p *ParameterManager[T]) GetState() State {
	workers, err := p.initializedWorkers()
	if err != nil {
		return nil
	}
	return workers[0].State().Clone()
}

// States returns a copy of every worker's optimizer state,
// or nil before Initialize.
func (p *ParameterManager[T]) States() []State {
	workers, err := p.initializedWorkers()
	if err != nil {
		return nil
	}
	res := make([]State, len(workers))
	for i, w := range workers {
		res[i] = w.State().Clone()
	}
	return res
}

// Shards returns the shard layout of the job.
func (p *ParameterManager[T]) Shards() []partition.Shard {
	p.lock.Lock()
	defer p.lock.Unlock()
	return append([]partition.Shard{}, p.shards...)
}

// Workers returns the job's workers, indexed by shard.
func (p *ParameterManager[T]) Workers() []*Worker[T] {
	p.lock.Lock()
	defer p.lock.Unlock()
	return append([]*Worker[T]{}, p.workers...)
}

// Rounds returns the number of completed rounds since the
// last Initialize.
func (p *ParameterManager[T]) Rounds() int {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.rounds
}

func (p *ParameterManager[T]) initializedWorkers() ([]*Worker[T], error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.phase == phaseUninitialized {
		return nil, ErrNotInitialized
	}
	return p.workers, nil
}

package allreduce

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unixpickle/paramsync/collcomm"
	"github.com/unixpickle/paramsync/partition"
)

// RunManagerTests runs a battery of tests on
// ParameterManagers placed on clusters created by maker.
func RunManagerTests(t *testing.T, maker func(t *testing.T, numNodes int) []collcomm.Node) {
	for _, numNodes := range []int{1, 2, 3} {
		for _, numShards := range []int{1, 4, 7} {
			for _, size := range []int{7, 1337} {
				testName := fmt.Sprintf("Nodes=%d,Shards=%d,Size=%d", numNodes, numShards, size)
				t.Run(testName, func(t *testing.T) {
					testSyncAfterInit(t, maker(t, numNodes), numShards, size)
				})
			}
		}
	}
	t.Run("Mean", func(t *testing.T) {
		testEndToEnd(t, maker(t, 2), Mean, 1)
	})
	t.Run("Sum", func(t *testing.T) {
		testEndToEnd(t, maker(t, 2), Sum, 4)
	})
	t.Run("MidRound", func(t *testing.T) {
		testMidRound(t, maker(t, 2))
	})
	t.Run("Converge", func(t *testing.T) {
		testConverge(t, maker(t, 3))
	})
	t.Run("Errors", func(t *testing.T) {
		testManagerErrors(t, maker(t, 2))
	})
}

func testSyncAfterInit(t *testing.T, nodes []collcomm.Node, numShards, size int) {
	cfg := DefaultConfig()
	pm := newTestManager[float32](t, cfg, nodes)
	vec := make([]float32, size)
	for i := range vec {
		vec[i] = float32(rand.NormFloat64())
	}
	ctx := context.Background()
	require.NoError(t, pm.Initialize(ctx, vec, numShards))

	actual, err := pm.Sync(ctx)
	require.NoError(t, err)
	require.Len(t, actual, size)
	tol := cfg.Format.Tolerance()
	for i, x := range vec {
		delta := tol*math.Abs(float64(x)) + 1e-6
		if !assert.InDelta(t, x, actual[i], delta, "component %d", i) {
			break
		}
	}

	// The owners keep full precision.
	full := make([]float32, size)
	require.NoError(t, pm.GetParameter(ctx, full))
	assert.Equal(t, vec, full)
}

func testEndToEnd(t *testing.T, nodes []collcomm.Node, r Reduction, expected float32) {
	const numShards = 4
	const size = 1000

	cfg := DefaultConfig()
	cfg.Reduction = r
	pm := newTestManager[float32](t, cfg, nodes)
	ctx := context.Background()
	require.NoError(t, pm.Initialize(ctx, make([]float32, size), numShards))

	grads := make([][]float32, numShards)
	for i := range grads {
		grads[i] = make([]float32, size)
		for j := range grads[i] {
			grads[i][j] = 1
		}
	}
	require.NoError(t, pm.SumAndUpdate(ctx, grads, UpdateFn[float32](addStep[float32])))
	assert.Equal(t, 1, pm.Rounds())

	actual, err := pm.Sync(ctx)
	require.NoError(t, err)
	for i, x := range actual {
		if !assert.InDelta(t, expected, x, 1e-5, "component %d", i) {
			break
		}
	}

	states := pm.States()
	require.Len(t, states, numShards)
	for i, s := range states {
		assert.Equal(t, states[0], s, "state %d", i)
	}
	assert.Equal(t, State{"step": 1}, pm.GetState())
}

func testMidRound(t *testing.T, nodes []collcomm.Node) {
	const size = 100
	pm := newTestManager[float32](t, DefaultConfig(), nodes)
	ctx := context.Background()
	require.NoError(t, pm.Initialize(ctx, make([]float32, size), 3))

	grads := make([][]float32, 3)
	for i := range grads {
		grads[i] = make([]float32, size)
		for j := range grads[i] {
			grads[i][j] = 0.5
		}
	}
	round, err := pm.Scatter(ctx, grads)
	require.NoError(t, err)
	assert.Equal(t, 1, round.Number)

	out := make([]float32, size)
	for i := range out {
		out[i] = 7
	}
	err = pm.GetParameter(ctx, out)
	assert.ErrorIs(t, err, ErrMidRound)
	for _, x := range out {
		require.Equal(t, float32(7), x, "output was modified")
	}

	_, err = pm.Scatter(ctx, grads)
	assert.ErrorIs(t, err, ErrMidRound)

	require.NoError(t, pm.GatherAndUpdate(ctx, UpdateFn[float32](addStep[float32])))
	require.NoError(t, pm.GetParameter(ctx, out))
	for _, x := range out {
		require.Equal(t, float32(1.5), x)
	}
}

func testConverge(t *testing.T, nodes []collcomm.Node) {
	const numShards = 5
	const size = 500
	const rate = 0.5

	cfg := DefaultConfig()
	cfg.Reduction = Mean
	pm := newTestManager[float64](t, cfg, nodes)
	ctx := context.Background()

	target := make([]float64, size)
	for i := range target {
		target[i] = rand.Float64()*2 - 1
	}
	require.NoError(t, pm.Initialize(ctx, make([]float64, size), numShards))

	sgd := UpdateFn[float64](func(weight, grad []float64, state State) {
		for i, g := range grad {
			weight[i] -= rate * g
		}
	})
	grads := make([][]float64, numShards)
	for round := 0; round < 20; round++ {
		weights, err := pm.Sync(ctx)
		require.NoError(t, err)
		for i := range grads {
			// Every worker sees the gradient of the same
			// quadratic loss, with its own noise.
			grads[i] = make([]float64, size)
			for j, w := range weights {
				grads[i][j] = w - target[j] + 0.01*rand.NormFloat64()
			}
		}
		require.NoError(t, pm.SumAndUpdate(ctx, grads, sgd))
	}

	actual := make([]float64, size)
	require.NoError(t, pm.GetParameter(ctx, actual))
	for i, x := range actual {
		if !assert.InDelta(t, target[i], x, 0.05, "component %d", i) {
			break
		}
	}
}

func testManagerErrors(t *testing.T, nodes []collcomm.Node) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.MaxClusterSize = 8
	cfg.Reduction = Sum
	pm := newTestManager[float32](t, cfg, nodes)

	_, err := pm.Sync(ctx)
	assert.ErrorIs(t, err, ErrNotInitialized)
	assert.ErrorIs(t, pm.GetParameter(ctx, nil), ErrNotInitialized)
	assert.ErrorIs(t, pm.GatherAndUpdate(ctx, UpdateFn[float32](addStep[float32])), ErrNotInitialized)
	assert.Nil(t, pm.GetState())

	var partErr *partition.PartitionError
	err = pm.Initialize(ctx, make([]float32, 3), 4)
	require.ErrorAs(t, err, &partErr)
	assert.Equal(t, 3, partErr.Size)
	assert.Equal(t, 4, partErr.Shards)

	err = pm.Initialize(ctx, make([]float32, 100), 9)
	require.ErrorAs(t, err, &partErr)
	assert.Equal(t, 9, partErr.Shards)

	require.NoError(t, pm.Initialize(ctx, make([]float32, 100), 2))
	assert.ErrorIs(t, pm.GatherAndUpdate(ctx, UpdateFn[float32](addStep[float32])), ErrNotScattered)

	_, err = pm.Scatter(ctx, [][]float32{make([]float32, 100)})
	assert.Error(t, err)
	_, err = pm.Scatter(ctx, [][]float32{make([]float32, 100), make([]float32, 99)})
	assert.Error(t, err)

	// A failed scatter leaves the weights alone and the next
	// round runs normally.
	params := make([]float32, 100)
	require.NoError(t, pm.GetParameter(ctx, params))
	assert.Equal(t, make([]float32, 100), params)
	grads := [][]float32{make([]float32, 100), make([]float32, 100)}
	for _, g := range grads {
		for i := range g {
			g[i] = 1
		}
	}
	require.NoError(t, pm.SumAndUpdate(ctx, grads, UpdateFn[float32](addStep[float32])))
	require.NoError(t, pm.GetParameter(ctx, params))
	for i, x := range params {
		require.Equal(t, float32(2), x, "element %d", i)
	}
	assert.Equal(t, 1, pm.Rounds())
	assert.Equal(t, 1, pm.GetState()["step"])

	assert.Error(t, pm.GetParameter(ctx, make([]float32, 99)))
	assert.Error(t, pm.SyncInto(ctx, make([]float32, 101)))
}

func newTestManager[T float32 | float64](t *testing.T, cfg Config,
	nodes []collcomm.Node) *ParameterManager[T] {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	pm, err := NewParameterManager[T](cfg, nodes, WithLogger(logger))
	require.NoError(t, err)
	return pm
}

// addStep adds the gradient to the weights and counts the
// number of updates.
func addStep[T float32 | float64](weight, grad []T, state State) {
	for i, g := range grad {
		weight[i] += g
	}
	step, _ := state["step"].(int)
	state["step"] = step + 1
}

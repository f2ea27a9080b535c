package allreduce

import (
	"context"
	"fmt"
	"net/http/httptest"
	"testing"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unixpickle/paramsync/blockstore"
	"github.com/unixpickle/paramsync/collcomm"
	"github.com/unixpickle/paramsync/compress"
)

func fastFetchPolicy() backoff.BackOff {
	return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 2)
}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return l
}

func newLocalCluster(t *testing.T, numNodes int) []*blockstore.Manager {
	dir := blockstore.NewMemoryDirectory()
	transport := blockstore.NewLocalTransport()
	res := make([]*blockstore.Manager, numNodes)
	for i := range res {
		m, err := blockstore.NewManager(blockstore.ManagerConfig{
			NodeID:      fmt.Sprintf("node-%d", i),
			Directory:   dir,
			Transport:   transport,
			FetchPolicy: fastFetchPolicy,
			Logger:      quietLogger(),
		})
		require.NoError(t, err)
		transport.Attach(m)
		res[i] = m
		t.Cleanup(func() { m.Close() })
	}
	return res
}

func newHTTPCluster(t *testing.T, numNodes int) []*blockstore.Manager {
	dir := blockstore.NewMemoryDirectory()
	transport := &blockstore.HTTPTransport{}
	res := make([]*blockstore.Manager, numNodes)
	for i := range res {
		m, err := blockstore.NewManager(blockstore.ManagerConfig{
			NodeID:      fmt.Sprintf("node-%d", i),
			Directory:   dir,
			Transport:   transport,
			FetchPolicy: fastFetchPolicy,
			Logger:      quietLogger(),
		})
		require.NoError(t, err)
		server := httptest.NewServer(m.Handler())
		m.SetAddr(server.URL)
		res[i] = m
		t.Cleanup(func() {
			server.Close()
			m.Close()
		})
	}
	return res
}

func asNodes(managers []*blockstore.Manager) []collcomm.Node {
	res := make([]collcomm.Node, len(managers))
	for i, m := range managers {
		res[i] = collcomm.Node{ID: m.NodeID(), Store: m}
	}
	return res
}

func TestLocalManager(t *testing.T) {
	RunManagerTests(t, func(t *testing.T, numNodes int) []collcomm.Node {
		return asNodes(newLocalCluster(t, numNodes))
	})
}

func TestHTTPManager(t *testing.T) {
	RunManagerTests(t, func(t *testing.T, numNodes int) []collcomm.Node {
		return asNodes(newHTTPCluster(t, numNodes))
	})
}

func TestMissingWeightBlock(t *testing.T) {
	cluster := newLocalCluster(t, 2)
	cfg := DefaultConfig()
	pm := newTestManager[float32](t, cfg, asNodes(cluster))
	ctx := context.Background()
	require.NoError(t, pm.Initialize(ctx, make([]float32, 10), 2))

	// Shard 1 lives on the second node.
	id, err := blockstore.WeightID(1).Encode(cfg.MaxClusterSize)
	require.NoError(t, err)
	require.NoError(t, cluster[1].Remove(blockstore.Key{Namespace: pm.Namespace(), Block: id}))

	_, err = pm.Sync(ctx)
	require.ErrorIs(t, err, blockstore.ErrBlockNotFound)
	var blockErr *blockstore.BlockError
	require.ErrorAs(t, err, &blockErr)
	assert.Equal(t, "fetch", blockErr.Op)
}

func TestFailedRound(t *testing.T) {
	cluster := newLocalCluster(t, 2)
	cfg := DefaultConfig()
	pm := newTestManager[float32](t, cfg, asNodes(cluster))
	ctx := context.Background()
	require.NoError(t, pm.Initialize(ctx, make([]float32, 10), 2))

	grads := [][]float32{make([]float32, 10), make([]float32, 10)}
	_, err := pm.Scatter(ctx, grads)
	require.NoError(t, err)

	// Worker 0 sends its gradient for shard 1 to node 0.
	id, err := blockstore.GradientID(0, 1).Encode(cfg.MaxClusterSize)
	require.NoError(t, err)
	require.NoError(t, cluster[0].Remove(blockstore.Key{Namespace: pm.Namespace(), Block: id}))

	err = pm.GatherAndUpdate(ctx, UpdateFn[float32](addStep[float32]))
	require.ErrorIs(t, err, blockstore.ErrBlockNotFound)
	var failure *collcomm.PartitionFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, 1, failure.Index)

	assert.ErrorIs(t, pm.GetParameter(ctx, make([]float32, 10)), ErrMidRound)
	_, err = pm.Scatter(ctx, grads)
	assert.ErrorIs(t, err, ErrMidRound)

	require.NoError(t, pm.Initialize(ctx, make([]float32, 10), 2))
	require.NoError(t, pm.SumAndUpdate(ctx, grads, UpdateFn[float32](addStep[float32])))
	assert.Equal(t, 1, pm.Rounds())
}

func TestSharedNamespace(t *testing.T) {
	nodes := asNodes(newLocalCluster(t, 2))
	ctx := context.Background()

	driver, err := NewParameterManager[float32](DefaultConfig(), nodes,
		WithLogger(quietLogger()), WithNamespace("job"))
	require.NoError(t, err)
	other, err := NewParameterManager[float32](DefaultConfig(), nodes,
		WithLogger(quietLogger()), WithNamespace("other"))
	require.NoError(t, err)
	assert.Equal(t, "job", driver.Namespace())

	require.NoError(t, driver.Initialize(ctx, []float32{1, 2, 3, 4}, 2))
	require.NoError(t, other.Initialize(ctx, []float32{5, 6, 7, 8}, 2))

	actual, err := driver.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3, 4}, actual)

	// A second manager with the same namespace sees the
	// same published weights.
	reader, err := NewParameterManager[float32](DefaultConfig(), nodes,
		WithLogger(quietLogger()), WithNamespace("job"))
	require.NoError(t, err)
	require.NoError(t, reader.Initialize(ctx, []float32{1, 2, 3, 4}, 2))
	require.NoError(t, driver.SumAndUpdate(ctx, [][]float32{{1, 1, 1, 1}, {1, 1, 1, 1}},
		UpdateFn[float32](addStep[float32])))
	actual, err = reader.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, []float32{3, 4, 5, 6}, actual)
}

func TestDefaultNamespace(t *testing.T) {
	nodes := asNodes(newLocalCluster(t, 1))
	pm1 := newTestManager[float32](t, DefaultConfig(), nodes)
	pm2 := newTestManager[float32](t, DefaultConfig(), nodes)
	assert.NotEmpty(t, pm1.Namespace())
	assert.NotEqual(t, pm1.Namespace(), pm2.Namespace())
}

func TestNewParameterManagerErrors(t *testing.T) {
	_, err := NewParameterManager[float32](DefaultConfig(), nil)
	assert.Error(t, err)

	cfg := DefaultConfig()
	cfg.MaxClusterSize = 0
	_, err = NewParameterManager[float32](cfg, asNodes(newLocalCluster(t, 1)))
	assert.Error(t, err)
}

func TestFloat16Manager(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Format = compress.Float16
	pm := newTestManager[float64](t, cfg, asNodes(newLocalCluster(t, 2)))
	ctx := context.Background()
	require.NoError(t, pm.Initialize(ctx, []float64{0.1, 0.2, 0.3, 1000.5}, 3))
	actual, err := pm.Sync(ctx)
	require.NoError(t, err)
	for i, x := range []float64{0.1, 0.2, 0.3, 1000.5} {
		assert.InEpsilon(t, x, actual[i], cfg.Format.Tolerance())
	}
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	cluster := newLocalCluster(t, 2)
	pm, err := NewParameterManager[float32](DefaultConfig(), asNodes(cluster),
		WithLogger(quietLogger()), WithMetrics(metrics))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, pm.Initialize(ctx, make([]float32, 8), 2))
	grads := [][]float32{make([]float32, 8), make([]float32, 8)}
	require.NoError(t, pm.SumAndUpdate(ctx, grads, UpdateFn[float32](addStep[float32])))

	// Two weight shards of 4 elements, published twice.
	assert.Equal(t, float64(2*2*4*2), testutil.ToFloat64(metrics.bytesPublished.WithLabelValues("weight")))
	// Two workers sending two shards each.
	assert.Equal(t, float64(2*2*4*2), testutil.ToFloat64(metrics.bytesPublished.WithLabelValues("gradient")))

	// Each worker reads one gradient from its own node and
	// one from the other.
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.blocksFetched.WithLabelValues("gradient", "local")))
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.blocksFetched.WithLabelValues("gradient", "remote")))
	assert.Equal(t, 1, testutil.CollectAndCount(metrics.roundLatency))

	assert.Nil(t, NewMetrics(nil))
	var nilMetrics *Metrics
	nilMetrics.incFailure("sync")
}

package main

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/unixpickle/essentials"
	"github.com/urfave/cli/v2"

	"github.com/unixpickle/paramsync/allreduce"
	"github.com/unixpickle/paramsync/blockstore"
	"github.com/unixpickle/paramsync/collcomm"
	"github.com/unixpickle/paramsync/compress"
)

// RunInfo describes a specific cluster configuration.
type RunInfo struct {
	NumNodes   int
	NumWorkers int
	Size       int
	Transport  string
}

// Cluster is a set of block store nodes living in this
// process.
type Cluster struct {
	Nodes    []collcomm.Node
	managers []*blockstore.Manager
	servers  []*http.Server
}

// NewCluster starts the nodes for a run.
func NewCluster(r *RunInfo, logger logrus.FieldLogger) (*Cluster, error) {
	dir := blockstore.NewMemoryDirectory()
	var transport blockstore.Transport
	var local *blockstore.LocalTransport
	switch r.Transport {
	case "local":
		local = blockstore.NewLocalTransport()
		transport = local
	case "http":
		transport = &blockstore.HTTPTransport{}
	default:
		return nil, errors.Errorf("unknown transport: %s", r.Transport)
	}

	c := &Cluster{}
	for i := 0; i < r.NumNodes; i++ {
		m, err := blockstore.NewManager(blockstore.ManagerConfig{
			NodeID:    fmt.Sprintf("node-%d", i),
			Directory: dir,
			Transport: transport,
			Logger:    logger,
		})
		if err != nil {
			c.Close()
			return nil, err
		}
		c.managers = append(c.managers, m)
		if local != nil {
			local.Attach(m)
		} else {
			listener, err := net.Listen("tcp", "127.0.0.1:0")
			if err != nil {
				c.Close()
				return nil, essentials.AddCtx("listen", err)
			}
			server := &http.Server{Handler: m.Handler()}
			go server.Serve(listener)
			m.SetAddr("http://" + listener.Addr().String())
			c.servers = append(c.servers, server)
		}
		c.Nodes = append(c.Nodes, collcomm.Node{ID: m.NodeID(), Store: m})
	}
	return c, nil
}

// Close stops every node.
func (c *Cluster) Close() {
	for _, s := range c.servers {
		s.Close()
	}
	for _, m := range c.managers {
		m.Close()
	}
}

// Run times rounds on a fresh cluster and returns the
// mean duration of a round.
func (r *RunInfo) Run(ctx context.Context, cfg allreduce.Config, rounds int,
	logger logrus.FieldLogger) time.Duration {
	cluster, err := NewCluster(r, logger)
	essentials.Must(err)
	defer cluster.Close()

	pm, err := allreduce.NewParameterManager[float32](cfg, cluster.Nodes,
		allreduce.WithLogger(logger))
	essentials.Must(err)
	essentials.Must(pm.Initialize(ctx, make([]float32, r.Size), r.NumWorkers))

	grads := make([][]float32, r.NumWorkers)
	for i := range grads {
		grads[i] = make([]float32, r.Size)
		for j := range grads[i] {
			grads[i][j] = float32(rand.NormFloat64())
		}
	}
	sgd := allreduce.UpdateFn[float32](func(weight, grad []float32, state allreduce.State) {
		for i, g := range grad {
			weight[i] -= 1e-3 * g
		}
	})

	start := time.Now()
	for i := 0; i < rounds; i++ {
		essentials.Must(pm.SumAndUpdate(ctx, grads, sgd))
	}
	return time.Since(start) / time.Duration(rounds)
}

func main() {
	app := &cli.App{
		Name:  "bench_allreduce",
		Usage: "time parameter synchronization rounds on an in-process cluster",
		Flags: []cli.Flag{
			&cli.IntSliceFlag{
				Name:  "nodes",
				Value: cli.NewIntSlice(1, 4),
				Usage: "numbers of block store nodes to try",
			},
			&cli.IntSliceFlag{
				Name:  "workers",
				Value: cli.NewIntSlice(4, 16),
				Usage: "numbers of workers (shards) to try",
			},
			&cli.IntSliceFlag{
				Name:  "size",
				Value: cli.NewIntSlice(1000, 100000, 1000000),
				Usage: "parameter vector sizes to try",
			},
			&cli.StringSliceFlag{
				Name:  "transport",
				Value: cli.NewStringSlice("local", "http"),
				Usage: "block transports to compare (local, http)",
			},
			&cli.IntFlag{
				Name:  "rounds",
				Value: 5,
				Usage: "rounds to average over",
			},
			&cli.StringFlag{
				Name:    "config",
				Usage:   "YAML file with synchronization settings",
				EnvVars: []string{"PARAMSYNC_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "format",
				Usage:   "override the compression format (bfloat16, float16)",
				EnvVars: []string{"PARAMSYNC_FORMAT"},
			},
			&cli.StringFlag{
				Name:    "log",
				Value:   "warning",
				Usage:   "log level",
				EnvVars: []string{"PARAMSYNC_LOG"},
			},
		},
		Before: func(c *cli.Context) error {
			if c.Int("rounds") <= 0 {
				return errors.New("rounds must be positive")
			}
			level, err := logrus.ParseLevel(c.String("log"))
			if err != nil {
				return err
			}
			logrus.SetLevel(level)
			return nil
		},
		Action: runBenchmark,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runBenchmark(c *cli.Context) error {
	cfg := allreduce.DefaultConfig()
	if path := c.String("config"); path != "" {
		var err error
		cfg, err = allreduce.LoadConfig(path)
		if err != nil {
			return err
		}
	}
	if name := c.String("format"); name != "" {
		format, err := compress.ParseFormat(name)
		if err != nil {
			return err
		}
		cfg.Format = format
	}
	logger := logrus.StandardLogger()
	transports := c.StringSlice("transport")

	// Markdown table header.
	fmt.Print("| Nodes | Workers | Size ")
	for _, transport := range transports {
		fmt.Printf("| %s ", transport)
	}
	fmt.Println("|")
	for i := 0; i < 3+len(transports); i++ {
		fmt.Print("|:--")
	}
	fmt.Println("|")

	// Markdown table body.
	for _, numNodes := range c.IntSlice("nodes") {
		for _, numWorkers := range c.IntSlice("workers") {
			for _, size := range c.IntSlice("size") {
				if numWorkers > size {
					continue
				}
				fmt.Printf("| %d | %d | %s ", numNodes, numWorkers, humanize.Comma(int64(size)))
				for _, transport := range transports {
					run := &RunInfo{
						NumNodes:   numNodes,
						NumWorkers: numWorkers,
						Size:       size,
						Transport:  transport,
					}
					elapsed := run.Run(c.Context, cfg, c.Int("rounds"), logger)
					fmt.Printf("| %f ", elapsed.Seconds())
				}
				fmt.Println("|")
			}
		}
	}
	return nil
}

// Package collcomm runs one task per partition of a job,
// the way a distributed compute engine would.
package collcomm

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/unixpickle/paramsync/blockstore"
)

// Comms is a partition's view of the job.
//
// Each partition runs on a node, and talks to the rest of
// the cluster through that node's block store.
type Comms struct {
	// Index is the partition's position in the job.
	Index int

	// Size is the number of partitions in the job.
	Size int

	// NodeID names the node the partition runs on.
	NodeID string

	// Store is the block store of the partition's node.
	Store blockstore.Store
}

// A Node is a machine partitions can be placed on.
type Node struct {
	ID    string
	Store blockstore.Store
}

// Place assigns partitions to nodes round-robin.
func Place(partitions int, nodes []Node) []*Comms {
	if len(nodes) == 0 {
		panic("no nodes to place partitions on")
	}
	res := make([]*Comms, partitions)
	for i := range res {
		node := nodes[i%len(nodes)]
		res[i] = &Comms{
			Index:  i,
			Size:   partitions,
			NodeID: node.ID,
			Store:  node.Store,
		}
	}
	return res
}

// A PartitionFailure is returned when the task of a
// partition fails.
type PartitionFailure struct {
	Index int
	Err   error
}

func (p *PartitionFailure) Error() string {
	return fmt.Sprintf("partition %d: %v", p.Index, p.Err)
}

func (p *PartitionFailure) Unwrap() error {
	return p.Err
}

// Spawn calls f for every partition, each in its own
// Goroutine, and waits for all of them to return.
//
// Every partition runs to completion even if another one
// fails. The first failure is returned as a
// *PartitionFailure.
func Spawn(ctx context.Context, comms []*Comms, logger logrus.FieldLogger,
	f func(ctx context.Context, c *Comms) error) error {
	var g errgroup.Group
	for _, c := range comms {
		c := c
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					logger.WithField("partition", c.Index).Errorf("recovered from panic: %v", r)
					debug.PrintStack()
					err = &PartitionFailure{Index: c.Index, Err: errors.Errorf("panic: %v", r)}
				}
			}()
			if err := f(ctx, c); err != nil {
				return &PartitionFailure{Index: c.Index, Err: err}
			}
			return nil
		})
	}
	return g.Wait()
}

// Package blockstore implements a distributed store of
// named byte blocks.
//
// Every node runs a Manager holding the blocks that were
// put on it. A shared Directory records which node holds
// each block, and a Transport moves blocks between nodes.
package blockstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// ErrBlockNotFound is returned when a block is not
// available anywhere in the cluster.
var ErrBlockNotFound = errors.New("block not found")

// A BlockError records a failed operation on a block.
type BlockError struct {
	Key Key
	Op  string
	Err error

	// Cause is the last underlying failure, if any.
	Cause error
}

func (b *BlockError) Error() string {
	msg := fmt.Sprintf("%s block %s: %v", b.Op, b.Key, b.Err)
	if b.Cause != nil && b.Cause != b.Err {
		msg += " (last error: " + b.Cause.Error() + ")"
	}
	return msg
}

func (b *BlockError) Unwrap() error {
	return b.Err
}

// Durability determines where a block is kept.
type Durability int

const (
	// MemoryOnly blocks live in the node's memory and are
	// lost if the node restarts.
	MemoryOnly Durability = iota

	// MemoryAndDisk blocks are also written to the node's
	// disk and reloaded when the node restarts.
	MemoryAndDisk
)

// ParseDurability parses the name of a Durability.
func ParseDurability(name string) (Durability, error) {
	switch strings.ToLower(name) {
	case "", "memory", "memory_only":
		return MemoryOnly, nil
	case "disk", "memory_and_disk":
		return MemoryAndDisk, nil
	}
	return 0, errors.Errorf("unknown durability: %q", name)
}

func (d Durability) String() string {
	switch d {
	case MemoryOnly:
		return "memory"
	case MemoryAndDisk:
		return "memory_and_disk"
	}
	return fmt.Sprintf("Durability(%d)", int(d))
}

// MarshalText implements encoding.TextMarshaler.
func (d Durability) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Durability) UnmarshalText(text []byte) error {
	parsed, err := ParseDurability(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// A Store is a node's view of the block store.
//
// All methods are safe for concurrent use.
// The store does not order puts to different keys.
type Store interface {
	// Put replaces any existing block under the key,
	// wherever it lives, and stores data on this node.
	// The data is copied.
	Put(ctx context.Context, key Key, data []byte, d Durability) error

	// GetLocal returns the block if it lives on this node.
	//
	// The result is not a copy and must not be modified.
	// A successful call takes a read lock that must be
	// released with Unlock.
	GetLocal(key Key) ([]byte, bool)

	// GetRemote fetches the block from whichever node
	// holds it.
	//
	// If the block cannot be found after the store's
	// retry policy is exhausted, the error wraps
	// ErrBlockNotFound.
	GetRemote(ctx context.Context, key Key) ([]byte, error)

	// Unlock releases a read lock taken by GetLocal.
	// It does nothing if no lock is held.
	Unlock(key Key)
}

// Get reads a block, trying the local copy first.
//
// The returned release function must be called once the
// data is no longer needed.
func Get(ctx context.Context, s Store, key Key) (data []byte, release func(), err error) {
	if data, ok := s.GetLocal(key); ok {
		return data, func() { s.Unlock(key) }, nil
	}
	data, err = s.GetRemote(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	return data, func() {}, nil
}

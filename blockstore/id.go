package blockstore

import (
	"fmt"
	"math/bits"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// A Kind distinguishes the two families of blocks.
type Kind uint8

const (
	// Weight blocks hold an owner's current weight shard.
	Weight Kind = iota

	// Gradient blocks hold the part of a sender's gradient
	// destined for one receiver.
	Gradient
)

func (k Kind) String() string {
	switch k {
	case Weight:
		return "weight"
	case Gradient:
		return "gradient"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// A BlockID names a block exchanged during
// synchronization.
//
// Weight blocks are named by their owner, stored in
// Sender, and always have a zero Receiver.
type BlockID struct {
	Kind     Kind
	Sender   int
	Receiver int
}

// WeightID names the weight shard of an owner.
func WeightID(owner int) BlockID {
	return BlockID{Kind: Weight, Sender: owner}
}

// GradientID names the gradient range sent from sender to
// the owner of shard receiver.
func GradientID(sender, receiver int) BlockID {
	return BlockID{Kind: Gradient, Sender: sender, Receiver: receiver}
}

func (b BlockID) String() string {
	if b.Kind == Weight {
		return fmt.Sprintf("weight(%d)", b.Sender)
	}
	return fmt.Sprintf("gradient(%d->%d)", b.Sender, b.Receiver)
}

// CheckClusterSize fails if maxClusterSize is not positive
// or its id space does not fit in a uint64.
func CheckClusterSize(maxClusterSize int) error {
	if maxClusterSize <= 0 {
		return errors.Errorf("invalid max cluster size: %d", maxClusterSize)
	}
	m := uint64(maxClusterSize)
	if hi, _ := bits.Mul64(m, m+1); hi != 0 {
		return errors.Errorf("max cluster size %d overflows the block id space", maxClusterSize)
	}
	return nil
}

// IDSpace returns the number of distinct encoded ids for
// clusters of up to maxClusterSize workers.
//
// The result is only meaningful if CheckClusterSize
// accepts maxClusterSize.
func IDSpace(maxClusterSize int) uint64 {
	m := uint64(maxClusterSize)
	return m * (m + 1)
}

// Encode maps the BlockID into [0, IDSpace(maxClusterSize)).
//
// Weight ids occupy [0, M) and gradient ids occupy
// [M, M+M*M), so distinct valid ids never collide.
func (b BlockID) Encode(maxClusterSize int) (uint64, error) {
	if err := CheckClusterSize(maxClusterSize); err != nil {
		return 0, err
	}
	inRange := func(x int) bool {
		return x >= 0 && x < maxClusterSize
	}
	m := uint64(maxClusterSize)
	switch b.Kind {
	case Weight:
		if !inRange(b.Sender) || b.Receiver != 0 {
			return 0, errors.Errorf("block %s out of range for cluster size %d", b, maxClusterSize)
		}
		return uint64(b.Sender), nil
	case Gradient:
		if !inRange(b.Sender) || !inRange(b.Receiver) {
			return 0, errors.Errorf("block %s out of range for cluster size %d", b, maxClusterSize)
		}
		return m + uint64(b.Sender)*m + uint64(b.Receiver), nil
	}
	return 0, errors.Errorf("unknown block kind: %s", b.Kind)
}

// DecodeBlockID inverts BlockID.Encode.
func DecodeBlockID(id uint64, maxClusterSize int) (BlockID, error) {
	if err := CheckClusterSize(maxClusterSize); err != nil {
		return BlockID{}, err
	}
	m := uint64(maxClusterSize)
	if id >= IDSpace(maxClusterSize) {
		return BlockID{}, errors.Errorf("id %d out of range for cluster size %d", id, maxClusterSize)
	}
	if id < m {
		return WeightID(int(id)), nil
	}
	id -= m
	return GradientID(int(id/m), int(id%m)), nil
}

// A Key addresses a block in the store.
//
// The Namespace separates jobs sharing the same nodes.
type Key struct {
	Namespace string
	Block     uint64
}

func (k Key) String() string {
	return k.Namespace + "_" + strconv.FormatUint(k.Block, 10)
}

// ParseKey parses the output of Key.String.
func ParseKey(s string) (Key, error) {
	idx := strings.LastIndexByte(s, '_')
	if idx < 0 {
		return Key{}, errors.Errorf("invalid block key: %q", s)
	}
	block, err := strconv.ParseUint(s[idx+1:], 10, 64)
	if err != nil {
		return Key{}, errors.Wrapf(err, "invalid block key: %q", s)
	}
	return Key{Namespace: s[:idx], Block: block}, nil
}

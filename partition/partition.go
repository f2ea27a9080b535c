// Package partition splits a parameter vector into
// contiguous shards, one per owner.
package partition

import (
	"fmt"
	"sort"
)

// A Shard is a contiguous range of a vector owned by a
// single worker.
type Shard struct {
	Owner  int
	Offset int
	Length int
}

// End returns the index one past the last element.
func (s Shard) End() int {
	return s.Offset + s.Length
}

// Contains checks if an index falls inside the shard.
func (s Shard) Contains(idx int) bool {
	return idx >= s.Offset && idx < s.End()
}

func (s Shard) String() string {
	return fmt.Sprintf("shard %d [%d, %d)", s.Owner, s.Offset, s.End())
}

// A PartitionError is returned when a vector cannot be
// split into the requested number of shards.
type PartitionError struct {
	Size   int
	Shards int
}

func (p *PartitionError) Error() string {
	return fmt.Sprintf("cannot split %d elements into %d shards", p.Size, p.Shards)
}

// Even splits a vector of size n into p shards.
//
// Shard lengths differ by at most one.
// The first n%p shards get the extra elements.
func Even(n, p int) ([]Shard, error) {
	if p <= 0 || p > n {
		return nil, &PartitionError{Size: n, Shards: p}
	}
	base := n / p
	extra := n % p
	res := make([]Shard, p)
	offset := 0
	for i := range res {
		length := base
		if i < extra {
			length++
		}
		res[i] = Shard{Owner: i, Offset: offset, Length: length}
		offset += length
	}
	return res, nil
}

// Locate finds the shard containing an index.
//
// The shards must be sorted and contiguous, as returned
// by Even.
// Returns -1 if no shard contains the index.
func Locate(shards []Shard, idx int) int {
	i := sort.Search(len(shards), func(i int) bool {
		return shards[i].End() > idx
	})
	if i == len(shards) || !shards[i].Contains(idx) {
		return -1
	}
	return i
}

// Total sums the lengths of the shards.
func Total(shards []Shard) int {
	var n int
	for _, s := range shards {
		n += s.Length
	}
	return n
}

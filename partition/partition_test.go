package partition

import (
	"errors"
	"fmt"
	"testing"
)

func TestEvenCoverage(t *testing.T) {
	for n := 1; n <= 64; n++ {
		for p := 1; p <= n; p++ {
			shards, err := Even(n, p)
			if err != nil {
				t.Fatalf("n=%d p=%d: %v", n, p, err)
			}
			if len(shards) != p {
				t.Fatalf("n=%d p=%d: got %d shards", n, p, len(shards))
			}
			covered := make([]int, n)
			next := 0
			for i, s := range shards {
				if s.Owner != i {
					t.Errorf("n=%d p=%d: shard %d has owner %d", n, p, i, s.Owner)
				}
				if s.Offset != next {
					t.Errorf("n=%d p=%d: shard %d starts at %d, expected %d", n, p, i, s.Offset, next)
				}
				for j := s.Offset; j < s.End(); j++ {
					covered[j]++
				}
				next = s.End()
			}
			for j, c := range covered {
				if c != 1 {
					t.Errorf("n=%d p=%d: index %d covered %d times", n, p, j, c)
				}
			}
			if Total(shards) != n {
				t.Errorf("n=%d p=%d: total %d", n, p, Total(shards))
			}
		}
	}
}

func TestEvenBalance(t *testing.T) {
	for _, c := range []struct{ n, p int }{{10, 3}, {7, 7}, {1000, 17}, {5, 2}} {
		t.Run(fmt.Sprintf("N=%d,P=%d", c.n, c.p), func(t *testing.T) {
			shards, err := Even(c.n, c.p)
			if err != nil {
				t.Fatal(err)
			}
			extra := c.n % c.p
			for i, s := range shards {
				expected := c.n / c.p
				if i < extra {
					expected++
				}
				if s.Length != expected {
					t.Errorf("shard %d: expected length %d but got %d", i, expected, s.Length)
				}
			}
		})
	}
}

func TestEvenErrors(t *testing.T) {
	for _, c := range []struct{ n, p int }{{3, 4}, {0, 1}, {5, 0}, {5, -1}} {
		_, err := Even(c.n, c.p)
		var pe *PartitionError
		if !errors.As(err, &pe) {
			t.Errorf("n=%d p=%d: expected PartitionError but got %v", c.n, c.p, err)
			continue
		}
		if pe.Size != c.n || pe.Shards != c.p {
			t.Errorf("unexpected error fields: %+v", pe)
		}
	}
}

func TestLocate(t *testing.T) {
	shards, err := Even(101, 6)
	if err != nil {
		t.Fatal(err)
	}
	for idx := 0; idx < 101; idx++ {
		expected := -1
		for i, s := range shards {
			if s.Contains(idx) {
				expected = i
			}
		}
		if actual := Locate(shards, idx); actual != expected {
			t.Errorf("index %d: expected shard %d but got %d", idx, expected, actual)
		}
	}
	if Locate(shards, 101) != -1 || Locate(shards, -1) != -1 {
		t.Error("out of range index was located")
	}
}

package blockstore

import (
	"bytes"
	"context"
	"errors"
	"testing"
)

// RunStoreTests runs a battery of tests on a Store
// implementation.
//
// The maker creates a cluster of numNodes stores that
// share a directory.
func RunStoreTests(t *testing.T, maker func(t *testing.T, numNodes int) []Store) {
	t.Run("LocalRoundTrip", func(t *testing.T) {
		testLocalRoundTrip(t, maker(t, 1))
	})
	t.Run("RemoteRoundTrip", func(t *testing.T) {
		testRemoteRoundTrip(t, maker(t, 2))
	})
	t.Run("LastWriterWins", func(t *testing.T) {
		testLastWriterWins(t, maker(t, 2))
	})
	t.Run("NotFound", func(t *testing.T) {
		testNotFound(t, maker(t, 2))
	})
	t.Run("PutCopies", func(t *testing.T) {
		testPutCopies(t, maker(t, 2))
	})
}

func testLocalRoundTrip(t *testing.T, stores []Store) {
	ctx := context.Background()
	key := Key{Namespace: "test", Block: 1}
	if err := stores[0].Put(ctx, key, []byte("hello"), MemoryOnly); err != nil {
		t.Fatal(err)
	}
	data, ok := stores[0].GetLocal(key)
	if !ok {
		t.Fatal("block missing locally")
	}
	if string(data) != "hello" {
		t.Errorf("unexpected data: %q", data)
	}
	stores[0].Unlock(key)

	// Unlocking again, or unlocking a missing block, is a
	// no-op.
	stores[0].Unlock(key)
	stores[0].Unlock(Key{Namespace: "test", Block: 1000})
}

func testRemoteRoundTrip(t *testing.T, stores []Store) {
	ctx := context.Background()
	key := Key{Namespace: "test", Block: 2}
	if err := stores[0].Put(ctx, key, []byte{1, 2, 3}, MemoryOnly); err != nil {
		t.Fatal(err)
	}
	if _, ok := stores[1].GetLocal(key); ok {
		t.Error("block should not be local to the other node")
	}
	data, err := stores[1].GetRemote(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, []byte{1, 2, 3}) {
		t.Errorf("unexpected data: %v", data)
	}
}

func testLastWriterWins(t *testing.T, stores []Store) {
	ctx := context.Background()
	key := Key{Namespace: "test", Block: 3}
	if err := stores[0].Put(ctx, key, []byte("first"), MemoryOnly); err != nil {
		t.Fatal(err)
	}
	if err := stores[1].Put(ctx, key, []byte("second"), MemoryOnly); err != nil {
		t.Fatal(err)
	}
	if _, ok := stores[0].GetLocal(key); ok {
		t.Error("old copy was not removed")
	}
	for i, s := range stores {
		data, release, err := Get(ctx, s, key)
		if err != nil {
			t.Fatalf("store %d: %v", i, err)
		}
		if string(data) != "second" {
			t.Errorf("store %d: expected second value but got %q", i, data)
		}
		release()
	}

	// Overwriting on the same node replaces the value.
	if err := stores[1].Put(ctx, key, []byte("third"), MemoryOnly); err != nil {
		t.Fatal(err)
	}
	data, err := stores[0].GetRemote(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "third" {
		t.Errorf("expected third value but got %q", data)
	}
}

func testNotFound(t *testing.T, stores []Store) {
	key := Key{Namespace: "test", Block: 4}
	if _, ok := stores[0].GetLocal(key); ok {
		t.Error("unexpected local block")
	}
	_, err := stores[0].GetRemote(context.Background(), key)
	if !errors.Is(err, ErrBlockNotFound) {
		t.Errorf("expected ErrBlockNotFound but got %v", err)
	}
	var be *BlockError
	if !errors.As(err, &be) || be.Key != key {
		t.Errorf("expected BlockError for %s but got %v", key, err)
	}
}

func testPutCopies(t *testing.T, stores []Store) {
	ctx := context.Background()
	key := Key{Namespace: "test", Block: 5}
	buf := []byte{9, 9, 9}
	if err := stores[0].Put(ctx, key, buf, MemoryOnly); err != nil {
		t.Fatal(err)
	}
	buf[0] = 0
	data, err := stores[1].GetRemote(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if data[0] != 9 {
		t.Error("stored block aliases the caller's buffer")
	}
}

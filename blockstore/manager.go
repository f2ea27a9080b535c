package blockstore

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// NodeID uniquely names the node.
	NodeID string

	// Addr is how other nodes reach this node through
	// the Transport.
	Addr string

	Directory Directory
	Transport Transport

	// DiskPath is the bbolt file backing MemoryAndDisk
	// blocks. If empty, only MemoryOnly puts are allowed.
	DiskPath string

	// FetchPolicy creates the retry policy used by each
	// GetRemote call.
	// If nil, DefaultFetchPolicy is used.
	FetchPolicy func() backoff.BackOff

	Logger logrus.FieldLogger
}

// DefaultFetchPolicy retries a remote fetch a few times
// with exponential backoff.
func DefaultFetchPolicy() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = time.Second
	return backoff.WithMaxRetries(b, 5)
}

// Stats summarizes a node's activity.
type Stats struct {
	Blocks        int    `json:"blocks"`
	Bytes         int    `json:"bytes"`
	Puts          uint64 `json:"puts"`
	LocalHits     uint64 `json:"local_hits"`
	RemoteFetches uint64 `json:"remote_fetches"`
	ReadLocks     int    `json:"read_locks"`
}

type storedBlock struct {
	data       []byte
	durability Durability
}

// A Manager is the block store running on one node.
//
// Stored slices are never modified in place: a Put swaps
// in a fresh copy, so readers holding an older slice are
// unaffected.
type Manager struct {
	cfg    ManagerConfig
	self   Location
	logger logrus.FieldLogger
	db     *bolt.DB

	mu     sync.RWMutex
	blocks map[Key]*storedBlock
	locks  map[Key]int

	puts          atomic.Uint64
	localHits     atomic.Uint64
	remoteFetches atomic.Uint64
}

// NewManager creates a Manager.
//
// If cfg.DiskPath is set, blocks persisted by a previous
// run are reloaded and registered with the Directory.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.NodeID == "" {
		return nil, errors.New("node id must not be empty")
	}
	if cfg.Directory == nil {
		return nil, errors.New("directory must not be nil")
	}
	if cfg.FetchPolicy == nil {
		cfg.FetchPolicy = DefaultFetchPolicy
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	m := &Manager{
		cfg:    cfg,
		self:   Location{NodeID: cfg.NodeID, Addr: cfg.Addr},
		logger: logger.WithField("node", cfg.NodeID),
		blocks: map[Key]*storedBlock{},
		locks:  map[Key]int{},
	}
	if cfg.DiskPath != "" {
		db, err := openDisk(cfg.DiskPath)
		if err != nil {
			return nil, err
		}
		m.db = db
		if err := m.reload(); err != nil {
			db.Close()
			return nil, err
		}
	}
	return m, nil
}

// NodeID returns the node's identifier.
func (m *Manager) NodeID() string {
	return m.cfg.NodeID
}

// SetAddr changes the address advertised for blocks put
// after the call.
//
// This is useful when the listening address is only known
// once a server has started.
func (m *Manager) SetAddr(addr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.self.Addr = addr
}

func (m *Manager) location() Location {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.self
}

// Put stores a block on this node.
func (m *Manager) Put(ctx context.Context, key Key, data []byte, d Durability) error {
	if d == MemoryAndDisk && m.db == nil {
		return &BlockError{Key: key, Op: "put", Err: errors.New("node has no disk configured")}
	}
	self := m.location()
	if prev, ok := m.cfg.Directory.Lookup(key); ok && prev.NodeID != self.NodeID {
		if m.cfg.Transport == nil {
			return &BlockError{Key: key, Op: "put", Err: errors.New("no transport to remove remote copy")}
		}
		if err := m.cfg.Transport.Remove(ctx, prev, key); err != nil && !errors.Is(err, ErrBlockNotFound) {
			return &BlockError{Key: key, Op: "put", Err: err}
		}
	}

	stored := &storedBlock{data: append([]byte(nil), data...), durability: d}

	m.mu.Lock()
	prev := m.blocks[key]
	m.blocks[key] = stored
	m.mu.Unlock()

	if d == MemoryAndDisk {
		if err := m.writeDisk(key, stored.data); err != nil {
			return &BlockError{Key: key, Op: "put", Err: err}
		}
	} else if prev != nil && prev.durability == MemoryAndDisk {
		if err := m.deleteDisk(key); err != nil {
			return &BlockError{Key: key, Op: "put", Err: err}
		}
	}

	m.cfg.Directory.Register(key, self)
	m.puts.Add(1)
	m.logger.WithFields(logrus.Fields{
		"block":      key.String(),
		"size":       humanize.Bytes(uint64(len(data))),
		"durability": d.String(),
	}).Debug("put block")
	return nil
}

// GetLocal returns a block held by this node.
func (m *Manager) GetLocal(key Key) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.blocks[key]
	if !ok {
		return nil, false
	}
	m.locks[key]++
	m.localHits.Add(1)
	return b.data, true
}

// Unlock releases a read lock taken by GetLocal.
func (m *Manager) Unlock(key Key) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n := m.locks[key]; n > 1 {
		m.locks[key] = n - 1
	} else {
		delete(m.locks, key)
	}
}

// ReadLocks returns the number of read locks held on a
// block.
func (m *Manager) ReadLocks(key Key) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.locks[key]
}

// GetRemote fetches a block from the node that holds it.
func (m *Manager) GetRemote(ctx context.Context, key Key) ([]byte, error) {
	var data []byte
	op := func() error {
		loc, ok := m.cfg.Directory.Lookup(key)
		if !ok {
			return ErrBlockNotFound
		}
		if loc.NodeID == m.cfg.NodeID {
			var err error
			data, err = m.read(key)
			return err
		}
		if m.cfg.Transport == nil {
			return backoff.Permanent(errors.New("no transport configured"))
		}
		var err error
		data, err = m.cfg.Transport.Fetch(ctx, loc, key)
		return err
	}
	notify := func(err error, wait time.Duration) {
		m.logger.WithFields(logrus.Fields{
			"block": key.String(),
			"wait":  wait,
		}).WithError(err).Warn("retrying block fetch")
	}
	policy := backoff.WithContext(m.cfg.FetchPolicy(), ctx)
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		if ctx.Err() != nil {
			return nil, &BlockError{Key: key, Op: "fetch", Err: ctx.Err()}
		}
		return nil, &BlockError{Key: key, Op: "fetch", Err: ErrBlockNotFound, Cause: err}
	}
	m.remoteFetches.Add(1)
	return data, nil
}

// Remove deletes a block from this node.
//
// Removing a missing block is not an error.
func (m *Manager) Remove(key Key) error {
	m.mu.Lock()
	b, ok := m.blocks[key]
	delete(m.blocks, key)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	m.cfg.Directory.Unregister(key, m.cfg.NodeID)
	if b.durability == MemoryAndDisk {
		return m.deleteDisk(key)
	}
	return nil
}

// read returns a copy of a local block.
func (m *Manager) read(key Key) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.blocks[key]
	if !ok {
		return nil, ErrBlockNotFound
	}
	return append([]byte(nil), b.data...), nil
}

// Stats returns a snapshot of the node's counters.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := Stats{
		Blocks:        len(m.blocks),
		Puts:          m.puts.Load(),
		LocalHits:     m.localHits.Load(),
		RemoteFetches: m.remoteFetches.Load(),
	}
	for _, b := range m.blocks {
		s.Bytes += len(b.data)
	}
	for _, n := range m.locks {
		s.ReadLocks += n
	}
	return s
}

// Close releases the node's resources.
//
// Blocks kept only in memory are dropped from the
// Directory.
func (m *Manager) Close() error {
	var result *multierror.Error
	m.mu.Lock()
	for key, b := range m.blocks {
		if b.durability == MemoryOnly || m.db == nil {
			m.cfg.Directory.Unregister(key, m.cfg.NodeID)
		}
	}
	m.blocks = map[Key]*storedBlock{}
	m.locks = map[Key]int{}
	m.mu.Unlock()
	if m.db != nil {
		if err := m.db.Close(); err != nil {
			result = multierror.Append(result, errors.Wrap(err, "close disk store"))
		}
	}
	return result.ErrorOrNil()
}

package blockstore

import (
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

var blocksBucket = []byte("blocks")

func openDisk(path string) (*bolt.DB, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "open disk store %s", path)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(blocksBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create blocks bucket")
	}
	return db, nil
}

func (m *Manager) writeDisk(key Key, data []byte) error {
	return m.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(blocksBucket).Put([]byte(key.String()), data)
	})
}

func (m *Manager) deleteDisk(key Key) error {
	return m.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(blocksBucket).Delete([]byte(key.String()))
	})
}

// reload loads every persisted block into memory and
// registers it with the directory.
func (m *Manager) reload() error {
	loaded := map[Key]*storedBlock{}
	err := m.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(blocksBucket).ForEach(func(k, v []byte) error {
			key, err := ParseKey(string(k))
			if err != nil {
				return err
			}
			// bbolt values are only valid inside the
			// transaction.
			loaded[key] = &storedBlock{
				data:       append([]byte(nil), v...),
				durability: MemoryAndDisk,
			}
			return nil
		})
	})
	if err != nil {
		return errors.Wrap(err, "reload disk store")
	}
	m.mu.Lock()
	for key, b := range loaded {
		m.blocks[key] = b
	}
	m.mu.Unlock()
	for key := range loaded {
		m.cfg.Directory.Register(key, m.self)
	}
	if len(loaded) > 0 {
		m.logger.WithField("blocks", len(loaded)).Info("reloaded persisted blocks")
	}
	return nil
}

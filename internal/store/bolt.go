package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketEntries  = []byte("config_entries")
	bucketEntities = []byte("entity_registry")
	bucketDevices  = []byte("device_registry")
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

var _ Store = (*BoltStore)(nil)

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketEntries, bucketEntities, bucketDevices} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) put(bucket []byte, key string, v any) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucket)
		}
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
}

func (s *BoltStore) delete(bucket []byte, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucket)
		}
		return b.Delete([]byte(key))
	})
}

func list[T any](db *bolt.DB, bucket []byte) ([]*T, error) {
	var out []*T
	err := db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return nil // no bucket = no records
		}
		out = make([]*T, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var rec T
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode %s/%s: %w", bucket, k, err)
			}
			out = append(out, &rec)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) SaveEntry(e *ConfigEntry) error {
	return s.put(bucketEntries, e.EntryID, e)
}

func (s *BoltStore) GetEntry(entryID string) (*ConfigEntry, error) {
	var e ConfigEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketEntries)
		}
		data := b.Get([]byte(entryID))
		if data == nil {
			return fmt.Errorf("config entry %s: %w", entryID, ErrNotFound)
		}
		return json.Unmarshal(data, &e)
	})
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *BoltStore) UpdateEntry(entryID string, fn func(e *ConfigEntry) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketEntries)
		}
		data := b.Get([]byte(entryID))
		if data == nil {
			return fmt.Errorf("config entry %s: %w", entryID, ErrNotFound)
		}
		var e ConfigEntry
		if err := json.Unmarshal(data, &e); err != nil {
			return err
		}
		if err := fn(&e); err != nil {
			return err
		}
		e.ModifiedAt = time.Now()
		out, err := json.Marshal(&e)
		if err != nil {
			return err
		}
		return b.Put([]byte(entryID), out)
	})
}

func (s *BoltStore) DeleteEntry(entryID string) error {
	return s.delete(bucketEntries, entryID)
}

func (s *BoltStore) ListEntries() ([]*ConfigEntry, error) {
	return list[ConfigEntry](s.db, bucketEntries)
}

func (s *BoltStore) SaveEntity(e *EntityEntry) error {
	return s.put(bucketEntities, e.EntityID, e)
}

func (s *BoltStore) DeleteEntity(entityID string) error {
	return s.delete(bucketEntities, entityID)
}

func (s *BoltStore) ListEntities() ([]*EntityEntry, error) {
	return list[EntityEntry](s.db, bucketEntities)
}

func (s *BoltStore) SaveDeviceEntry(d *DeviceEntry) error {
	return s.put(bucketDevices, d.ID, d)
}

func (s *BoltStore) DeleteDeviceEntry(id string) error {
	return s.delete(bucketDevices, id)
}

func (s *BoltStore) ListDeviceEntries() ([]*DeviceEntry, error) {
	return list[DeviceEntry](s.db, bucketDevices)
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

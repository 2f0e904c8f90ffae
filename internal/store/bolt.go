package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketDevices  = []byte("devices")
	bucketSettings = []byte("settings")
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketDevices, bucketSettings} {
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

func (s *BoltStore) SaveDevice(rec *DeviceRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketDevices)
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(rec.UID), data)
	})
}

func (s *BoltStore) GetDevice(uid string) (*DeviceRecord, error) {
	var rec DeviceRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketDevices)
		}
		data := b.Get([]byte(uid))
		if data == nil {
			return fmt.Errorf("device %s: %w", uid, ErrNotFound)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *BoltStore) DeleteDevice(uid string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketDevices)
		}
		return b.Delete([]byte(uid))
	})
}

func (s *BoltStore) ListDevices() ([]*DeviceRecord, error) {
	var recs []*DeviceRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b == nil {
			return nil // no bucket = no devices
		}
		recs = make([]*DeviceRecord, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var rec DeviceRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			recs = append(recs, &rec)
			return nil
		})
	})
	return recs, err
}

func (s *BoltStore) UpdateDevice(uid string, fn func(rec *DeviceRecord) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketDevices)
		}
		data := b.Get([]byte(uid))
		if data == nil {
			return fmt.Errorf("device %s: %w", uid, ErrNotFound)
		}
		var rec DeviceRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		if err := fn(&rec); err != nil {
			return err
		}
		out, err := json.Marshal(&rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(uid), out)
	})
}

// Dictionary returns the settings cache of device uid. Values live in a
// nested bucket named after the device under the settings bucket.
func (s *BoltStore) Dictionary(uid string) Dictionary {
	return &boltDictionary{db: s.db, uid: []byte(uid)}
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

type boltDictionary struct {
	db  *bolt.DB
	uid []byte
}

func (d *boltDictionary) Load(key string, v any) (bool, error) {
	found := false
	err := d.db.View(func(tx *bolt.Tx) error {
		root := tx.Bucket(bucketSettings)
		if root == nil {
			return nil
		}
		b := root.Bucket(d.uid)
		if b == nil {
			return nil
		}
		data := b.Get([]byte(key))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, v)
	})
	if err != nil {
		return false, fmt.Errorf("load %s/%s: %w", d.uid, key, err)
	}
	return found, nil
}

func (d *boltDictionary) Save(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("save %s/%s: %w", d.uid, key, err)
	}
	return d.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(bucketSettings)
		if root == nil {
			return fmt.Errorf("bucket %q not found", bucketSettings)
		}
		b, err := root.CreateBucketIfNotExists(d.uid)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
}

func (d *boltDictionary) Clear() error {
	return d.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(bucketSettings)
		if root == nil || root.Bucket(d.uid) == nil {
			return nil
		}
		return root.DeleteBucket(d.uid)
	})
}

func (d *boltDictionary) IsNew() bool {
	isNew := true
	_ = d.db.View(func(tx *bolt.Tx) error {
		if root := tx.Bucket(bucketSettings); root != nil && root.Bucket(d.uid) != nil {
			isNew = false
		}
		return nil
	})
	return isNew
}

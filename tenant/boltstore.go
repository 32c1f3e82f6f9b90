package tenant

import (
	"context"
	"encoding/json"

	"github.com/sagernet/bbolt"
)

var tenantsBucket = []byte("tenants")

// BoltStore persists tenant records in a single embedded bbolt database
// file, one key-value pair per tenant inside the tenants bucket.
type BoltStore struct {
	db *bbolt.DB
}

func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(tenantsBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

func (bs *BoltStore) LoadAll(ctx context.Context) (map[Key]*Record, error) {
	out := map[Key]*Record{}
	err := bs.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(tenantsBucket)
		return b.ForEach(func(k, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out[Key(k)] = &rec
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (bs *BoltStore) Save(ctx context.Context, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return bs.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(tenantsBucket).Put([]byte(rec.Key), data)
	})
}

func (bs *BoltStore) Delete(ctx context.Context, key Key) error {
	return bs.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(tenantsBucket).Delete([]byte(key))
	})
}

func (bs *BoltStore) Close() error { return bs.db.Close() }

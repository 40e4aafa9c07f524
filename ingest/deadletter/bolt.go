package deadletter

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"go.etcd.io/bbolt"

	"github.com/AGIHouse/openscience/model"
)

var bucketLetters = []byte("dead_letters")

// BoltStore keeps dead letters in a bbolt file so they survive restarts.
type BoltStore struct {
	db *bbolt.DB
}

var _ Store = (*BoltStore)(nil)

// OpenBolt opens or creates the dead-letter file at path.
func OpenBolt(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketLetters)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

// Put implements Store.
func (s *BoltStore) Put(_ context.Context, l Letter) error {
	data, err := json.Marshal(l)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketLetters).Put([]byte(l.Key()), data)
	})
}

// List implements Store.
func (s *BoltStore) List(_ context.Context, after string, limit int) ([]Letter, error) {
	var out []Letter
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketLetters).Cursor()
		k, v := c.Seek([]byte(after))
		if k != nil && bytes.Equal(k, []byte(after)) {
			k, v = c.Next()
		}
		for ; k != nil; k, v = c.Next() {
			if limit > 0 && len(out) == limit {
				break
			}
			var l Letter
			if err := json.Unmarshal(v, &l); err != nil {
				return err
			}
			out = append(out, l)
		}
		return nil
	})
	return out, err
}

// Delete implements Store.
func (s *BoltStore) Delete(_ context.Context, scheme string, id model.PassageID) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketLetters).Delete([]byte(Key(scheme, id)))
	})
}

// Len implements Store.
func (s *BoltStore) Len(context.Context) (int, error) {
	var n int
	err := s.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(bucketLetters).Stats().KeyN
		return nil
	})
	return n, err
}

// Close implements Store.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

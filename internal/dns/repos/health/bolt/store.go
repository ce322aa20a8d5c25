// Package bolt persists datacenter maintenance flags in a bbolt file so an
// operator's choice survives a restart.
package bolt

import (
	"fmt"
	"time"

	bbolt "go.etcd.io/bbolt"
)

var bucketMaint = []byte("maintenance")

var (
	valOffline = []byte{1}
	valOnline  = []byte{0}
)

// Store implements health.MaintenanceStore using bbolt.
type Store struct {
	db *bbolt.DB
}

// New opens (or creates) a Bolt database at path and ensures the bucket exists.
func New(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open maintenance db: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketMaint)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init maintenance db: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// LoadMaintenance returns every persisted datacenter flag.
func (s *Store) LoadMaintenance() (map[string]bool, error) {
	out := map[string]bool{}
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketMaint)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			out[string(k)] = len(v) == 1 && v[0] == 1
			return nil
		})
	})
	return out, err
}

// SaveMaintenance records one datacenter flag.
func (s *Store) SaveMaintenance(dc string, offline bool) error {
	val := valOnline
	if offline {
		val = valOffline
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMaint).Put([]byte(dc), val)
	})
}

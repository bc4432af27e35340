package storage

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/wopr-network/wopr-fleet/pkg/types"
)

// Snapshot operations. Soft-deleted snapshots (DeletedAt set) stay in the
// bucket but are hidden from listings and counts.

func (s *BoltStore) CreateSnapshot(snap *types.Snapshot) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSnapshots)
		data, err := json.Marshal(snap)
		if err != nil {
			return err
		}
		return b.Put([]byte(snap.ID), data)
	})
}

func (s *BoltStore) GetSnapshot(id string) (*types.Snapshot, error) {
	var snap types.Snapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSnapshots)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("snapshot not found: %s", id)
		}
		return json.Unmarshal(data, &snap)
	})
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

func (s *BoltStore) ListSnapshots(tenant string) ([]*types.Snapshot, error) {
	var snaps []*types.Snapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSnapshots)
		return b.ForEach(func(k, v []byte) error {
			var snap types.Snapshot
			if err := json.Unmarshal(v, &snap); err != nil {
				return err
			}
			if snap.Tenant == tenant && snap.DeletedAt == nil {
				snaps = append(snaps, &snap)
			}
			return nil
		})
	})
	return snaps, err
}

func (s *BoltStore) CountSnapshots(tenant string) (int, error) {
	snaps, err := s.ListSnapshots(tenant)
	if err != nil {
		return 0, err
	}
	return len(snaps), nil
}

func (s *BoltStore) SoftDeleteSnapshot(id string, at time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSnapshots)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("snapshot not found: %s", id)
		}
		var snap types.Snapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			return err
		}
		snap.DeletedAt = &at
		out, err := json.Marshal(&snap)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), out)
	})
}

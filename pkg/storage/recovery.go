package storage

import (
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/wopr-network/wopr-fleet/pkg/types"
)

// Recovery event operations

func (s *BoltStore) CreateRecoveryEvent(event *types.RecoveryEvent) error {
	return s.putRecoveryEvent(event)
}

func (s *BoltStore) UpdateRecoveryEvent(event *types.RecoveryEvent) error {
	return s.putRecoveryEvent(event)
}

func (s *BoltStore) putRecoveryEvent(event *types.RecoveryEvent) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRecoveryEvts)
		data, err := json.Marshal(event)
		if err != nil {
			return err
		}
		return b.Put([]byte(event.ID), data)
	})
}

func (s *BoltStore) GetRecoveryEvent(id string) (*types.RecoveryEvent, error) {
	var event types.RecoveryEvent
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRecoveryEvts)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("recovery event not found: %s", id)
		}
		return json.Unmarshal(data, &event)
	})
	if err != nil {
		return nil, err
	}
	return &event, nil
}

func (s *BoltStore) ListRecoveryEvents() ([]*types.RecoveryEvent, error) {
	var events []*types.RecoveryEvent
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRecoveryEvts)
		return b.ForEach(func(k, v []byte) error {
			var event types.RecoveryEvent
			if err := json.Unmarshal(v, &event); err != nil {
				return err
			}
			events = append(events, &event)
			return nil
		})
	})
	return events, err
}

// ListOpenRecoveryEvents returns events that still have waiting tenants,
// i.e. candidates for a retry sweep after capacity returns.
func (s *BoltStore) ListOpenRecoveryEvents() ([]*types.RecoveryEvent, error) {
	var events []*types.RecoveryEvent
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRecoveryEvts)
		return b.ForEach(func(k, v []byte) error {
			var event types.RecoveryEvent
			if err := json.Unmarshal(v, &event); err != nil {
				return err
			}
			if event.TenantsWaiting > 0 {
				events = append(events, &event)
			}
			return nil
		})
	})
	return events, err
}

// Recovery item operations. Items are keyed by insertion order so a
// listing replays attempts chronologically.

func (s *BoltStore) CreateRecoveryItem(item *types.RecoveryItem) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRecoveryItems)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		if item.ID == "" {
			item.ID = string(seqKey(seq))
		}
		data, err := json.Marshal(item)
		if err != nil {
			return err
		}
		return b.Put([]byte(item.ID), data)
	})
}

func (s *BoltStore) UpdateRecoveryItem(item *types.RecoveryItem) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRecoveryItems)
		if b.Get([]byte(item.ID)) == nil {
			return fmt.Errorf("recovery item not found: %s", item.ID)
		}
		data, err := json.Marshal(item)
		if err != nil {
			return err
		}
		return b.Put([]byte(item.ID), data)
	})
}

func (s *BoltStore) ListRecoveryItems(eventID string) ([]*types.RecoveryItem, error) {
	var items []*types.RecoveryItem
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRecoveryItems)
		return b.ForEach(func(k, v []byte) error {
			var item types.RecoveryItem
			if err := json.Unmarshal(v, &item); err != nil {
				return err
			}
			if item.RecoveryEventID == eventID {
				items = append(items, &item)
			}
			return nil
		})
	})
	return items, err
}

package storage

import (
	"encoding/json"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/wopr-network/wopr-fleet/pkg/types"
)

// Registration token operations

func (s *BoltStore) CreateToken(token *types.RegistrationToken) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTokens)
		data, err := json.Marshal(token)
		if err != nil {
			return err
		}
		return b.Put([]byte(token.ID), data)
	})
}

// ConsumeToken atomically marks a token used if it is still unused and
// unexpired, recording the consuming node. Returns nil when the token is
// unknown, already used, or expired: single use is enforced by the write
// transaction, so two concurrent consumers cannot both succeed.
func (s *BoltStore) ConsumeToken(id, nodeID string, now time.Time) (*types.RegistrationToken, error) {
	var consumed *types.RegistrationToken
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTokens)
		data := b.Get([]byte(id))
		if data == nil {
			return nil
		}
		var token types.RegistrationToken
		if err := json.Unmarshal(data, &token); err != nil {
			return err
		}
		if token.Used || !token.ExpiresAt.After(now) {
			return nil
		}
		token.Used = true
		token.NodeID = nodeID
		usedAt := now
		token.UsedAt = &usedAt
		out, err := json.Marshal(&token)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(id), out); err != nil {
			return err
		}
		consumed = &token
		return nil
	})
	if err != nil {
		return nil, err
	}
	return consumed, nil
}

func (s *BoltStore) ListActiveTokens(userID string, now time.Time) ([]*types.RegistrationToken, error) {
	var tokens []*types.RegistrationToken
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTokens)
		return b.ForEach(func(k, v []byte) error {
			var token types.RegistrationToken
			if err := json.Unmarshal(v, &token); err != nil {
				return err
			}
			if token.UserID == userID && !token.Used && token.ExpiresAt.After(now) {
				tokens = append(tokens, &token)
			}
			return nil
		})
	})
	return tokens, err
}

func (s *BoltStore) PurgeExpiredTokens(now time.Time) (int, error) {
	purged := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTokens)
		var expired [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var token types.RegistrationToken
			if err := json.Unmarshal(v, &token); err != nil {
				return err
			}
			if !token.ExpiresAt.After(now) {
				key := make([]byte, len(k))
				copy(key, k)
				expired = append(expired, key)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range expired {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		purged = len(expired)
		return nil
	})
	return purged, err
}

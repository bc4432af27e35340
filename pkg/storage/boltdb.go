package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/wopr-network/wopr-fleet/pkg/nodestate"
	"github.com/wopr-network/wopr-fleet/pkg/types"
)

var (
	// Bucket names
	bucketNodes         = []byte("nodes")
	bucketTransitions   = []byte("node_transitions")
	bucketBots          = []byte("bots")
	bucketBotProfiles   = []byte("bot_profiles")
	bucketRecoveryEvts  = []byte("recovery_events")
	bucketRecoveryItems = []byte("recovery_items")
	bucketCreditTxns    = []byte("credit_transactions")
	bucketCreditRefs    = []byte("credit_reference_ids")
	bucketCreditBalance = []byte("credit_balances")
	bucketSnapshots     = []byte("snapshots")
	bucketTokens        = []byte("registration_tokens")
	bucketTenantStatus  = []byte("tenant_status")
	bucketServiceHealth = []byte("service_health")
)

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the coordinator database under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "fleet.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketNodes,
			bucketTransitions,
			bucketBots,
			bucketBotProfiles,
			bucketRecoveryEvts,
			bucketRecoveryItems,
			bucketCreditTxns,
			bucketCreditRefs,
			bucketCreditBalance,
			bucketSnapshots,
			bucketTokens,
			bucketTenantStatus,
			bucketServiceHealth,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// seqKey builds a lexically-sortable insertion-order key from a bucket
// sequence number.
func seqKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%020d", seq))
}

// Node operations

func (s *BoltStore) CreateNode(node *types.Node) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		data, err := json.Marshal(node)
		if err != nil {
			return err
		}
		return b.Put([]byte(node.ID), data)
	})
}

func (s *BoltStore) GetNode(id string) (*types.Node, error) {
	var node types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: %s", nodestate.ErrNodeNotFound, id)
		}
		return json.Unmarshal(data, &node)
	})
	if err != nil {
		return nil, err
	}
	return &node, nil
}

func (s *BoltStore) ListNodes() ([]*types.Node, error) {
	var nodes []*types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		return b.ForEach(func(k, v []byte) error {
			var node types.Node
			if err := json.Unmarshal(v, &node); err != nil {
				return err
			}
			nodes = append(nodes, &node)
			return nil
		})
	})
	return nodes, err
}

// UpdateNodeMeta rewrites a node's metadata from the caller's snapshot.
// Status, heartbeat time, and memory usage are carried over from the
// stored row instead: Status mutations go through TransitionNode, the
// other two through UpdateHeartbeat and ReserveNodeMemory, so a stale
// snapshot cannot clobber a concurrent write to them.
func (s *BoltStore) UpdateNodeMeta(node *types.Node) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		data := b.Get([]byte(node.ID))
		if data == nil {
			return fmt.Errorf("%w: %s", nodestate.ErrNodeNotFound, node.ID)
		}
		var stored types.Node
		if err := json.Unmarshal(data, &stored); err != nil {
			return err
		}
		node.Status = stored.Status
		node.UsedMb = stored.UsedMb
		node.LastHeartbeatAt = stored.LastHeartbeatAt
		node.UpdatedAt = time.Now()
		out, err := json.Marshal(node)
		if err != nil {
			return err
		}
		return b.Put([]byte(node.ID), out)
	})
}

// ReserveNodeMemory adjusts a node's memory reservation by deltaMb inside
// a single transaction. The next heartbeat replaces the value with the
// agent-reported usage.
func (s *BoltStore) ReserveNodeMemory(id string, deltaMb int) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: %s", nodestate.ErrNodeNotFound, id)
		}
		var node types.Node
		if err := json.Unmarshal(data, &node); err != nil {
			return err
		}
		node.UsedMb += deltaMb
		if node.UsedMb < 0 {
			node.UsedMb = 0
		}
		node.UpdatedAt = time.Now()
		out, err := json.Marshal(&node)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), out)
	})
}

func (s *BoltStore) DeleteNode(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		return b.Delete([]byte(id))
	})
}

// UpdateHeartbeat records the latest heartbeat time and memory reservation
// for a node. It is a plain overwrite, not a status transition.
func (s *BoltStore) UpdateHeartbeat(id string, usedMb int, at int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: %s", nodestate.ErrNodeNotFound, id)
		}
		var node types.Node
		if err := json.Unmarshal(data, &node); err != nil {
			return err
		}
		node.UsedMb = usedMb
		node.LastHeartbeatAt = at
		node.UpdatedAt = time.Now()
		out, err := json.Marshal(&node)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), out)
	})
}

// TransitionNode applies a status transition with an optimistic guard and
// appends the audit record in the same transaction.
func (s *BoltStore) TransitionNode(id string, from, to types.NodeStatus, reason, triggeredBy string) (*types.Node, error) {
	var updated types.Node
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: %s", nodestate.ErrNodeNotFound, id)
		}
		var node types.Node
		if err := json.Unmarshal(data, &node); err != nil {
			return err
		}
		if node.Status != from {
			return &nodestate.ConcurrentTransitionError{NodeID: id, Expected: from}
		}
		if !nodestate.IsValidTransition(from, to) {
			return &nodestate.InvalidTransitionError{From: from, To: to}
		}

		now := time.Now()
		node.Status = to
		node.UpdatedAt = now
		out, err := json.Marshal(&node)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(id), out); err != nil {
			return err
		}

		tb := tx.Bucket(bucketTransitions)
		seq, err := tb.NextSequence()
		if err != nil {
			return err
		}
		record := &types.NodeTransition{
			ID:          uuid.New().String(),
			NodeID:      id,
			FromStatus:  from,
			ToStatus:    to,
			Reason:      reason,
			TriggeredBy: triggeredBy,
			CreatedAt:   now,
		}
		rdata, err := json.Marshal(record)
		if err != nil {
			return err
		}
		if err := tb.Put(seqKey(seq), rdata); err != nil {
			return err
		}

		updated = node
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// ListTransitions returns a node's audit trail in chronological order.
func (s *BoltStore) ListTransitions(nodeID string) ([]*types.NodeTransition, error) {
	var records []*types.NodeTransition
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTransitions)
		return b.ForEach(func(k, v []byte) error {
			var record types.NodeTransition
			if err := json.Unmarshal(v, &record); err != nil {
				return err
			}
			if record.NodeID == nodeID {
				records = append(records, &record)
			}
			return nil
		})
	})
	return records, err
}

// Bot instance operations

func (s *BoltStore) CreateBot(bot *types.BotInstance) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBots)
		data, err := json.Marshal(bot)
		if err != nil {
			return err
		}
		return b.Put([]byte(bot.ID), data)
	})
}

func (s *BoltStore) GetBot(id string) (*types.BotInstance, error) {
	var bot types.BotInstance
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBots)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("bot not found: %s", id)
		}
		return json.Unmarshal(data, &bot)
	})
	if err != nil {
		return nil, err
	}
	return &bot, nil
}

func (s *BoltStore) UpdateBot(bot *types.BotInstance) error {
	bot.UpdatedAt = time.Now()
	return s.CreateBot(bot)
}

func (s *BoltStore) ListBots() ([]*types.BotInstance, error) {
	return s.listBots(func(*types.BotInstance) bool { return true })
}

func (s *BoltStore) ListBotsByNode(nodeID string) ([]*types.BotInstance, error) {
	return s.listBots(func(bot *types.BotInstance) bool {
		return bot.NodeID == nodeID
	})
}

func (s *BoltStore) ListBotsByTenant(tenantID string) ([]*types.BotInstance, error) {
	return s.listBots(func(bot *types.BotInstance) bool {
		return bot.TenantID == tenantID
	})
}

func (s *BoltStore) listBots(match func(*types.BotInstance) bool) ([]*types.BotInstance, error) {
	var bots []*types.BotInstance
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBots)
		return b.ForEach(func(k, v []byte) error {
			var bot types.BotInstance
			if err := json.Unmarshal(v, &bot); err != nil {
				return err
			}
			if match(&bot) {
				bots = append(bots, &bot)
			}
			return nil
		})
	})
	return bots, err
}

// Bot profile operations

func (s *BoltStore) PutBotProfile(profile *types.BotProfile) error {
	profile.UpdatedAt = time.Now()
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBotProfiles)
		data, err := json.Marshal(profile)
		if err != nil {
			return err
		}
		return b.Put([]byte(profile.BotID), data)
	})
}

func (s *BoltStore) GetBotProfile(botID string) (*types.BotProfile, error) {
	var profile *types.BotProfile
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBotProfiles)
		data := b.Get([]byte(botID))
		if data == nil {
			return nil // absent profile is not an error; recovery falls back to defaults
		}
		profile = &types.BotProfile{}
		return json.Unmarshal(data, profile)
	})
	return profile, err
}

// Tenant status operations

func (s *BoltStore) GetTenantStatus(tenantID string) (*types.TenantStatus, error) {
	status := &types.TenantStatus{TenantID: tenantID, Status: types.TenantActive}
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTenantStatus)
		data := b.Get([]byte(tenantID))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, status)
	})
	if err != nil {
		return nil, err
	}
	return status, nil
}

func (s *BoltStore) PutTenantStatus(status *types.TenantStatus) error {
	status.UpdatedAt = time.Now()
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTenantStatus)
		data, err := json.Marshal(status)
		if err != nil {
			return err
		}
		return b.Put([]byte(status.TenantID), data)
	})
}

// Service health operations

func (s *BoltStore) PutServiceHealth(record *types.ServiceHealth) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketServiceHealth)
		data, err := json.Marshal(record)
		if err != nil {
			return err
		}
		key := fmt.Sprintf("%s/%s", record.NodeID, record.Service)
		return b.Put([]byte(key), data)
	})
}

func (s *BoltStore) ListServiceHealth(nodeID string) ([]*types.ServiceHealth, error) {
	var records []*types.ServiceHealth
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketServiceHealth)
		c := b.Cursor()
		prefix := []byte(nodeID + "/")
		for k, v := c.Seek(prefix); k != nil && len(k) > len(prefix) && string(k[:len(prefix)]) == string(prefix); k, v = c.Next() {
			var record types.ServiceHealth
			if err := json.Unmarshal(v, &record); err != nil {
				return err
			}
			records = append(records, &record)
		}
		return nil
	})
	return records, err
}

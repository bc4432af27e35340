package storage

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/wopr-network/wopr-fleet/pkg/types"
)

// InsufficientBalanceError reports a debit that would push a tenant's
// balance below zero when negative balances are not allowed. It carries
// the current balance for the admin surface.
type InsufficientBalanceError struct {
	TenantID       string
	CurrentBalance int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance for tenant %s: %d cents", e.TenantID, e.CurrentBalance)
}

// AppendCredit appends a ledger row. The whole operation runs in one write
// transaction: reference-ID idempotency lookup, running-balance
// computation, the row insert, the reference index entry, and the balance
// cache upsert. Bolt serializes write transactions, which gives the
// per-tenant total order the ledger requires.
func (s *BoltStore) AppendCredit(txn *types.CreditTransaction, allowNegative bool) (*types.CreditTransaction, bool, error) {
	var out *types.CreditTransaction
	created := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		txns := tx.Bucket(bucketCreditTxns)
		refs := tx.Bucket(bucketCreditRefs)
		balances := tx.Bucket(bucketCreditBalance)

		// Idempotency: a reference ID that already exists short-circuits
		// to the prior row without touching the balance.
		if txn.ReferenceID != "" {
			if existingKey := refs.Get([]byte(txn.ReferenceID)); existingKey != nil {
				data := txns.Get(existingKey)
				if data == nil {
					return fmt.Errorf("reference index points at missing transaction %q", txn.ReferenceID)
				}
				prior := &types.CreditTransaction{}
				if err := json.Unmarshal(data, prior); err != nil {
					return err
				}
				out = prior
				return nil
			}
		}

		balance := int64(0)
		if data := balances.Get([]byte(txn.TenantID)); data != nil {
			var cached types.CreditBalance
			if err := json.Unmarshal(data, &cached); err != nil {
				return err
			}
			balance = cached.BalanceCents
		}

		after := balance + txn.AmountCents
		if after < 0 && !allowNegative {
			return &InsufficientBalanceError{TenantID: txn.TenantID, CurrentBalance: balance}
		}

		now := time.Now()
		row := *txn
		row.BalanceAfterCents = after
		row.CreatedAt = now

		seq, err := txns.NextSequence()
		if err != nil {
			return err
		}
		key := seqKey(seq)
		data, err := json.Marshal(&row)
		if err != nil {
			return err
		}
		if err := txns.Put(key, data); err != nil {
			return err
		}
		if row.ReferenceID != "" {
			if err := refs.Put([]byte(row.ReferenceID), key); err != nil {
				return err
			}
		}

		cache := types.CreditBalance{TenantID: row.TenantID, BalanceCents: after, LastUpdated: now}
		cdata, err := json.Marshal(&cache)
		if err != nil {
			return err
		}
		if err := balances.Put([]byte(row.TenantID), cdata); err != nil {
			return err
		}

		out = &row
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, created, nil
}

// GetBalance reads the denormalized balance cache. Unknown tenants have a
// zero balance.
func (s *BoltStore) GetBalance(tenantID string) (int64, error) {
	var balance int64
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCreditBalance)
		data := b.Get([]byte(tenantID))
		if data == nil {
			return nil
		}
		var cached types.CreditBalance
		if err := json.Unmarshal(data, &cached); err != nil {
			return err
		}
		balance = cached.BalanceCents
		return nil
	})
	return balance, err
}

// HasReferenceID reports whether any ledger row carries the reference ID.
func (s *BoltStore) HasReferenceID(ref string) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(bucketCreditRefs).Get([]byte(ref)) != nil
		return nil
	})
	return found, err
}

// ListTransactions returns a tenant's ledger rows newest-first with the
// filter applied. The second return value is the total match count before
// limit/offset.
func (s *BoltStore) ListTransactions(tenantID string, filter TxFilter) ([]*types.CreditTransaction, int, error) {
	limit := filter.Limit
	if limit <= 0 || limit > MaxTxPageSize {
		limit = MaxTxPageSize
	}

	var page []*types.CreditTransaction
	total := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketCreditTxns).Cursor()
		// Insertion-order keys walked backwards give newest-first.
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var row types.CreditTransaction
			if err := json.Unmarshal(v, &row); err != nil {
				return err
			}
			if row.TenantID != tenantID {
				continue
			}
			if filter.Type != "" && row.Type != filter.Type {
				continue
			}
			if !filter.From.IsZero() && row.CreatedAt.Before(filter.From) {
				continue
			}
			if !filter.To.IsZero() && row.CreatedAt.After(filter.To) {
				continue
			}
			if total >= filter.Offset && len(page) < limit {
				rowCopy := row
				page = append(page, &rowCopy)
			}
			total++
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return page, total, nil
}

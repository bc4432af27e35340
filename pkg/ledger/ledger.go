package ledger

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/wopr-network/wopr-fleet/pkg/events"
	"github.com/wopr-network/wopr-fleet/pkg/log"
	"github.com/wopr-network/wopr-fleet/pkg/metrics"
	"github.com/wopr-network/wopr-fleet/pkg/storage"
	"github.com/wopr-network/wopr-fleet/pkg/types"
)

// InvalidArgumentError rejects a credit operation before it reaches the
// store. Surfaced as a 400 at the API boundary.
type InvalidArgumentError struct {
	Message string
}

func (e *InvalidArgumentError) Error() string {
	return e.Message
}

func invalidArg(format string, args ...interface{}) error {
	return &InvalidArgumentError{Message: fmt.Sprintf(format, args...)}
}

// Service is the validation layer over the append-only credit ledger.
// All balance math and idempotency live in the store; this layer enforces
// per-type argument rules and signs.
type Service struct {
	store  storage.Store
	broker *events.Broker
}

func NewService(store storage.Store, broker *events.Broker) *Service {
	return &Service{store: store, broker: broker}
}

// Credit appends a positive row. A non-empty referenceID makes the call
// idempotent: a repeat returns the original row unchanged.
func (s *Service) Credit(tenantID string, amountCents int64, txType types.CreditTxType, description, referenceID, fundingSource string) (*types.CreditTransaction, error) {
	if amountCents <= 0 {
		return nil, invalidArg("credit amount must be positive, got %d", amountCents)
	}
	return s.append(&types.CreditTransaction{
		TenantID:      tenantID,
		AmountCents:   amountCents,
		Type:          txType,
		Description:   description,
		ReferenceID:   referenceID,
		FundingSource: fundingSource,
	}, false)
}

// Debit appends a negative row. With allowNegative the balance may go
// below zero; usage debits rely on this so the request path never blocks
// on balance, and the suspension cron reconciles.
func (s *Service) Debit(tenantID string, amountCents int64, txType types.CreditTxType, description, referenceID string, allowNegative bool, attributedUserID string) (*types.CreditTransaction, error) {
	if amountCents <= 0 {
		return nil, invalidArg("debit amount must be positive, got %d", amountCents)
	}
	return s.append(&types.CreditTransaction{
		TenantID:         tenantID,
		AmountCents:      -amountCents,
		Type:             txType,
		Description:      description,
		ReferenceID:      referenceID,
		AttributedUserID: attributedUserID,
	}, allowNegative)
}

// Grant is the admin credit surface: positive amount, non-empty reason.
func (s *Service) Grant(tenantID string, amountCents int64, reason, adminUserID string) (*types.CreditTransaction, error) {
	if amountCents <= 0 {
		return nil, invalidArg("grant amount must be positive, got %d", amountCents)
	}
	if reason == "" {
		return nil, invalidArg("grant requires a reason")
	}
	return s.append(&types.CreditTransaction{
		TenantID:         tenantID,
		AmountCents:      amountCents,
		Type:             types.CreditTxGrant,
		Description:      reason,
		AttributedUserID: adminUserID,
	}, false)
}

// Refund removes credit. Fails with InsufficientBalanceError when it would
// push the balance below zero. referenceIDs are serialized onto the row as
// audit cross-links.
func (s *Service) Refund(tenantID string, amountCents int64, reason, adminUserID string, referenceIDs []string) (*types.CreditTransaction, error) {
	if amountCents <= 0 {
		return nil, invalidArg("refund amount must be positive, got %d", amountCents)
	}
	txn := &types.CreditTransaction{
		TenantID:         tenantID,
		AmountCents:      -amountCents,
		Type:             types.CreditTxRefund,
		Description:      reason,
		AttributedUserID: adminUserID,
	}
	if len(referenceIDs) > 0 {
		serialized, err := json.Marshal(referenceIDs)
		if err != nil {
			return nil, err
		}
		txn.ReferenceIDs = string(serialized)
	}
	return s.append(txn, false)
}

// Correction applies any signed adjustment, zero included. A negative
// correction that would push the balance below zero fails.
func (s *Service) Correction(tenantID string, amountCents int64, reason, adminUserID string) (*types.CreditTransaction, error) {
	if reason == "" {
		return nil, invalidArg("correction requires a reason")
	}
	return s.append(&types.CreditTransaction{
		TenantID:         tenantID,
		AmountCents:      amountCents,
		Type:             types.CreditTxCorrection,
		Description:      reason,
		AttributedUserID: adminUserID,
	}, false)
}

// Balance returns the cached per-tenant balance, zero for unknown tenants.
func (s *Service) Balance(tenantID string) (int64, error) {
	return s.store.GetBalance(tenantID)
}

// HasReferenceID reports whether any row carries the reference ID.
func (s *Service) HasReferenceID(ref string) (bool, error) {
	return s.store.HasReferenceID(ref)
}

// ListTransactions returns a tenant's rows newest-first.
func (s *Service) ListTransactions(tenantID string, filter storage.TxFilter) ([]*types.CreditTransaction, int, error) {
	return s.store.ListTransactions(tenantID, filter)
}

func (s *Service) append(txn *types.CreditTransaction, allowNegative bool) (*types.CreditTransaction, error) {
	txn.ID = uuid.New().String()
	txn.CreatedAt = time.Now()

	row, created, err := s.store.AppendCredit(txn, allowNegative)
	if err != nil {
		return nil, err
	}
	if !created {
		log.WithTenantID(txn.TenantID).Info().
			Str("reference_id", txn.ReferenceID).
			Msg("duplicate reference id, returning prior row")
		return row, nil
	}
	metrics.CreditTransactionsTotal.WithLabelValues(string(row.Type)).Inc()
	s.broker.Publish(&events.Event{
		Type: events.EventCreditAppended,
		Metadata: map[string]string{
			"tenant_id": row.TenantID,
			"type":      string(row.Type),
			"amount":    fmt.Sprintf("%d", row.AmountCents),
		},
	})
	return row, nil
}

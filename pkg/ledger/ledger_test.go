package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wopr-network/wopr-fleet/pkg/events"
	"github.com/wopr-network/wopr-fleet/pkg/storage"
	"github.com/wopr-network/wopr-fleet/pkg/types"
)

func newService(t *testing.T) *Service {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	return NewService(store, broker)
}

func TestGrantRefundBalance(t *testing.T) {
	s := newService(t)

	row, err := s.Grant("t-1", 5000, "welcome", "admin")
	require.NoError(t, err)
	assert.Equal(t, int64(5000), row.AmountCents)
	balance, err := s.Balance("t-1")
	require.NoError(t, err)
	assert.Equal(t, int64(5000), balance)

	row, err = s.Refund("t-1", 2000, "complaint", "admin", []string{"tx-1"})
	require.NoError(t, err)
	assert.Equal(t, int64(-2000), row.AmountCents)
	assert.Equal(t, `["tx-1"]`, row.ReferenceIDs)
	balance, err = s.Balance("t-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3000), balance)

	_, err = s.Refund("t-1", 4000, "too much", "admin", nil)
	var ibe *storage.InsufficientBalanceError
	require.ErrorAs(t, err, &ibe)
	assert.Equal(t, int64(3000), ibe.CurrentBalance)
}

func TestGrantValidation(t *testing.T) {
	s := newService(t)

	var invalid *InvalidArgumentError
	_, err := s.Grant("t-1", 0, "reason", "admin")
	require.ErrorAs(t, err, &invalid)
	_, err = s.Grant("t-1", -5, "reason", "admin")
	require.ErrorAs(t, err, &invalid)
	_, err = s.Grant("t-1", 500, "", "admin")
	require.ErrorAs(t, err, &invalid)
}

func TestCorrectionRules(t *testing.T) {
	s := newService(t)
	_, err := s.Grant("t-1", 1000, "seed", "admin")
	require.NoError(t, err)

	// zero is allowed
	row, err := s.Correction("t-1", 0, "no-op audit entry", "admin")
	require.NoError(t, err)
	assert.Equal(t, int64(0), row.AmountCents)
	assert.Equal(t, int64(1000), row.BalanceAfterCents)

	// signed adjustments both ways
	_, err = s.Correction("t-1", -400, "overbill fix", "admin")
	require.NoError(t, err)
	_, err = s.Correction("t-1", 150, "underbill fix", "admin")
	require.NoError(t, err)
	balance, err := s.Balance("t-1")
	require.NoError(t, err)
	assert.Equal(t, int64(750), balance)

	// cannot push below zero
	_, err = s.Correction("t-1", -1000, "bad", "admin")
	var ibe *storage.InsufficientBalanceError
	require.ErrorAs(t, err, &ibe)

	// missing reason
	var invalid *InvalidArgumentError
	_, err = s.Correction("t-1", 10, "", "admin")
	require.ErrorAs(t, err, &invalid)
}

func TestDebitAllowNegative(t *testing.T) {
	s := newService(t)
	_, err := s.Grant("t-1", 100, "seed", "admin")
	require.NoError(t, err)

	// usage debit runs the balance negative rather than failing
	row, err := s.Debit("t-1", 250, types.CreditTxBotRuntime, "daily runtime", "", true, "")
	require.NoError(t, err)
	assert.Equal(t, int64(-250), row.AmountCents)
	assert.Equal(t, int64(-150), row.BalanceAfterCents)

	// strict debit refuses
	_, err = s.Debit("t-1", 10, types.CreditTxAdapterUsage, "call", "", false, "")
	var ibe *storage.InsufficientBalanceError
	require.ErrorAs(t, err, &ibe)

	_, err = s.Debit("t-1", 0, types.CreditTxAdapterUsage, "call", "", false, "")
	var invalid *InvalidArgumentError
	require.ErrorAs(t, err, &invalid)
}

func TestCreditIdempotentByReference(t *testing.T) {
	s := newService(t)

	first, err := s.Credit("t-1", 1000, types.CreditTxPurchase, "x", "pi_abc", "stripe")
	require.NoError(t, err)
	second, err := s.Credit("t-1", 1000, types.CreditTxPurchase, "x", "pi_abc", "stripe")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	balance, err := s.Balance("t-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), balance)

	found, err := s.HasReferenceID("pi_abc")
	require.NoError(t, err)
	assert.True(t, found)
}

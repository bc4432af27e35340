package storage

import (
	"time"

	"github.com/wopr-network/wopr-fleet/pkg/types"
)

// TxFilter narrows a ledger listing. Zero values mean "no constraint".
// Limit is capped at MaxTxPageSize.
type TxFilter struct {
	Type   types.CreditTxType
	From   time.Time
	To     time.Time
	Limit  int
	Offset int
}

// MaxTxPageSize caps a single transactions page.
const MaxTxPageSize = 250

// Store defines the persistence ports for all coordinator state.
// Implemented by BoltStore.
type Store interface {
	// Nodes
	CreateNode(node *types.Node) error
	GetNode(id string) (*types.Node, error)
	ListNodes() ([]*types.Node, error)
	UpdateNodeMeta(node *types.Node) error
	ReserveNodeMemory(id string, deltaMb int) error
	DeleteNode(id string) error
	UpdateHeartbeat(id string, usedMb int, at int64) error

	// TransitionNode is the only legal path to change Node.Status. The
	// caller supplies the status it observed; if the stored status differs
	// a ConcurrentTransitionError is returned, if the edge is forbidden an
	// InvalidTransitionError, and on success the audit record is appended
	// in the same transaction.
	TransitionNode(id string, from, to types.NodeStatus, reason, triggeredBy string) (*types.Node, error)
	ListTransitions(nodeID string) ([]*types.NodeTransition, error)

	// Bot instances
	CreateBot(bot *types.BotInstance) error
	GetBot(id string) (*types.BotInstance, error)
	UpdateBot(bot *types.BotInstance) error
	ListBots() ([]*types.BotInstance, error)
	ListBotsByNode(nodeID string) ([]*types.BotInstance, error)
	ListBotsByTenant(tenantID string) ([]*types.BotInstance, error)

	// Bot profiles
	PutBotProfile(profile *types.BotProfile) error
	GetBotProfile(botID string) (*types.BotProfile, error)

	// Recovery bookkeeping
	CreateRecoveryEvent(event *types.RecoveryEvent) error
	GetRecoveryEvent(id string) (*types.RecoveryEvent, error)
	UpdateRecoveryEvent(event *types.RecoveryEvent) error
	ListRecoveryEvents() ([]*types.RecoveryEvent, error)
	ListOpenRecoveryEvents() ([]*types.RecoveryEvent, error)
	CreateRecoveryItem(item *types.RecoveryItem) error
	UpdateRecoveryItem(item *types.RecoveryItem) error
	ListRecoveryItems(eventID string) ([]*types.RecoveryItem, error)

	// Credit ledger. AppendCredit is atomic: idempotency lookup by
	// reference ID, running-balance computation, row insert, and balance
	// cache upsert happen in one transaction. When the reference ID is
	// already present the prior row is returned with created=false.
	AppendCredit(txn *types.CreditTransaction, allowNegative bool) (*types.CreditTransaction, bool, error)
	GetBalance(tenantID string) (int64, error)
	HasReferenceID(ref string) (bool, error)
	ListTransactions(tenantID string, filter TxFilter) ([]*types.CreditTransaction, int, error)

	// Snapshots (soft delete hides from list and count)
	CreateSnapshot(snap *types.Snapshot) error
	GetSnapshot(id string) (*types.Snapshot, error)
	ListSnapshots(tenant string) ([]*types.Snapshot, error)
	CountSnapshots(tenant string) (int, error)
	SoftDeleteSnapshot(id string, at time.Time) error

	// Registration tokens
	CreateToken(token *types.RegistrationToken) error
	ConsumeToken(id, nodeID string, now time.Time) (*types.RegistrationToken, error)
	ListActiveTokens(userID string, now time.Time) ([]*types.RegistrationToken, error)
	PurgeExpiredTokens(now time.Time) (int, error)

	// Tenant lifecycle. GetTenantStatus returns an active status when no
	// row exists.
	GetTenantStatus(tenantID string) (*types.TenantStatus, error)
	PutTenantStatus(status *types.TenantStatus) error

	// Service health records written by the inference watchdog
	PutServiceHealth(record *types.ServiceHealth) error
	ListServiceHealth(nodeID string) ([]*types.ServiceHealth, error)

	// Utility
	Close() error
}

package types

import (
	"time"
)

// Node represents a worker host running the fleet agent.
type Node struct {
	ID              string
	Host            string
	CapacityMb      int
	UsedMb          int
	Status          NodeStatus
	LastHeartbeatAt int64 // unix seconds
	AgentVersion    string
	OwnerUserID     string
	Label           string
	NodeSecretHash  string // SHA-256 hex of the shared secret, never the cleartext
	DropletID       string // provider instance id, used for reboot escalation
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// AvailableMb returns the unreserved capacity on the node.
func (n *Node) AvailableMb() int {
	return n.CapacityMb - n.UsedMb
}

// NodeStatus represents the current state of a node
type NodeStatus string

const (
	NodeStatusProvisioning NodeStatus = "provisioning"
	NodeStatusActive       NodeStatus = "active"
	NodeStatusDraining     NodeStatus = "draining"
	NodeStatusReturning    NodeStatus = "returning"
	NodeStatusOffline      NodeStatus = "offline"
	NodeStatusRecovering   NodeStatus = "recovering"
	NodeStatusFailed       NodeStatus = "failed"
	NodeStatusDegraded     NodeStatus = "degraded"
)

// NodeTransition is an immutable audit record of a status change.
// One row is appended per successful transition.
type NodeTransition struct {
	ID          string
	NodeID      string
	FromStatus  NodeStatus
	ToStatus    NodeStatus
	Reason      string
	TriggeredBy string
	CreatedAt   time.Time
}

// BotInstance is a tenant workload assignment.
type BotInstance struct {
	ID           string // botId
	TenantID     string
	Name         string // container name on the node
	NodeID       string // empty when unplaced
	BillingState BillingState
	SuspendedAt  *time.Time
	DestroyAfter *time.Time
	StorageTier  string
	EstimatedMb  int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// BillingState is the billing lifecycle of a bot instance.
type BillingState string

const (
	BillingStateActive    BillingState = "active"
	BillingStateSuspended BillingState = "suspended"
	// BillingStateDestroyed is terminal.
	BillingStateDestroyed BillingState = "destroyed"
)

// BotProfile is the tenant-owned configuration used to rehydrate a bot.
type BotProfile struct {
	BotID          string
	Image          string
	Env            map[string]string
	ReleaseChannel string
	UpdatePolicy   string
	Discovery      map[string]string
	UpdatedAt      time.Time
}

// RecoveryTrigger identifies what started a recovery incident.
type RecoveryTrigger string

const (
	RecoveryTriggerHeartbeatTimeout RecoveryTrigger = "heartbeat_timeout"
	RecoveryTriggerManual           RecoveryTrigger = "manual"
)

// RecoveryStatus is the aggregate state of a recovery event.
type RecoveryStatus string

const (
	RecoveryStatusInProgress RecoveryStatus = "in_progress"
	RecoveryStatusPartial    RecoveryStatus = "partial"
	RecoveryStatusCompleted  RecoveryStatus = "completed"
)

// RecoveryEvent is the per-incident aggregate for a dead-node recovery.
type RecoveryEvent struct {
	ID               string
	NodeID           string
	Trigger          RecoveryTrigger
	Status           RecoveryStatus
	TenantsTotal     int
	TenantsRecovered int
	TenantsFailed    int
	TenantsWaiting   int
	StartedAt        time.Time
	CompletedAt      *time.Time
	ReportJSON       string
}

// RecoveryItemStatus is the per-tenant outcome within a recovery event.
type RecoveryItemStatus string

const (
	RecoveryItemWaiting   RecoveryItemStatus = "waiting"
	RecoveryItemRecovered RecoveryItemStatus = "recovered"
	RecoveryItemFailed    RecoveryItemStatus = "failed"
)

// RecoveryItem is one tenant's attempt within a recovery event.
// An item in state recovered or failed has a non-nil CompletedAt.
type RecoveryItem struct {
	ID              string
	RecoveryEventID string
	Tenant          string
	SourceNode      string
	TargetNode      string // empty when no target was found
	BackupKey       string
	Status          RecoveryItemStatus
	Reason          string
	StartedAt       time.Time
	CompletedAt     *time.Time
	RetryCount      int
}

// CreditTxType classifies ledger rows.
type CreditTxType string

const (
	CreditTxPurchase          CreditTxType = "purchase"
	CreditTxGrant             CreditTxType = "grant"
	CreditTxRefund            CreditTxType = "refund"
	CreditTxCorrection        CreditTxType = "correction"
	CreditTxAdapterUsage      CreditTxType = "adapter_usage"
	CreditTxBotRuntime        CreditTxType = "bot_runtime"
	CreditTxCommunityDividend CreditTxType = "community_dividend"
	CreditTxOnboardingLLM     CreditTxType = "onboarding_llm"
	CreditTxAddon             CreditTxType = "addon"
)

// CreditTransaction is an append-only ledger row. For any prefix of a
// tenant's rows in insertion order, the sum of AmountCents equals the
// BalanceAfterCents of the last row. ReferenceID is globally unique when
// non-empty and is the sole idempotency mechanism for credit operations.
type CreditTransaction struct {
	ID                string
	TenantID          string
	AmountCents       int64
	BalanceAfterCents int64
	Type              CreditTxType
	Description       string
	ReferenceID       string
	ReferenceIDs      string // JSON array of cross-linked reference IDs, refunds only
	FundingSource     string
	AttributedUserID  string
	CreatedAt         time.Time
}

// CreditBalance is the denormalized per-tenant balance cache. It must equal
// the sum over the tenant's CreditTransaction rows whenever observed.
type CreditBalance struct {
	TenantID     string
	BalanceCents int64
	LastUpdated  time.Time
}

// Snapshot is a stored backup of a tenant workload.
type Snapshot struct {
	ID          string
	Tenant      string
	InstanceID  string
	UserID      string
	Type        SnapshotType
	StoragePath string
	SizeBytes   int64
	ConfigHash  string
	Plugins     []string
	CreatedAt   time.Time
	ExpiresAt   *time.Time
	DeletedAt   *time.Time // soft delete: hidden from lists and counts
}

// SnapshotType classifies how a snapshot was produced.
type SnapshotType string

const (
	SnapshotNightly    SnapshotType = "nightly"
	SnapshotOnDemand   SnapshotType = "on-demand"
	SnapshotPreRestore SnapshotType = "pre-restore"
)

// RegistrationToken is a single-use bearer token for node registration.
type RegistrationToken struct {
	ID        string // the bearer token itself, a UUID v4
	UserID    string
	Label     string
	CreatedAt time.Time
	ExpiresAt time.Time
	Used      bool
	NodeID    string
	UsedAt    *time.Time
}

// TenantState is the tenant lifecycle, orthogonal to billing.
type TenantState string

const (
	TenantActive      TenantState = "active"
	TenantSuspended   TenantState = "suspended"
	TenantGracePeriod TenantState = "grace_period"
	TenantBanned      TenantState = "banned"
)

// TenantStatus tracks a tenant's lifecycle. A tenant with no row is active.
type TenantStatus struct {
	TenantID        string
	Status          TenantState
	GraceDeadline   *time.Time
	DataDeleteAfter *time.Time
	UpdatedBy       string
	UpdatedAt       time.Time
}

// ServiceHealth records the last observed state of one model service on a node.
type ServiceHealth struct {
	NodeID    string
	Service   string
	Healthy   bool
	CheckedAt time.Time
	Message   string
}

// BackupKeyFor derives the snapshot object name for a container.
func BackupKeyFor(containerName string) string {
	return containerName + ".tar.gz"
}

// TenantAssignment pairs a tenant workload with its placement estimate, as
// consumed by the recovery orchestrator. The provider of the list is
// responsible for tier-priority ordering (enterprise > pro > starter > free).
type TenantAssignment struct {
	BotID         string
	TenantID      string
	ContainerName string
	EstimatedMb   int
}

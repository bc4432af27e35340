package recovery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wopr-network/wopr-fleet/pkg/events"
	"github.com/wopr-network/wopr-fleet/pkg/placement"
	"github.com/wopr-network/wopr-fleet/pkg/storage"
	"github.com/wopr-network/wopr-fleet/pkg/types"
)

type sentCommand struct {
	NodeID  string
	Command types.CommandType
	Payload map[string]interface{}
}

type fakeBus struct {
	mu      sync.Mutex
	sent    []sentCommand
	failOn  types.CommandType
	failErr error
}

func (b *fakeBus) Send(_ context.Context, nodeID string, cmd types.CommandType, payload map[string]interface{}) (map[string]interface{}, error) {
	b.mu.Lock()
	b.sent = append(b.sent, sentCommand{NodeID: nodeID, Command: cmd, Payload: payload})
	b.mu.Unlock()
	if b.failOn != "" && cmd == b.failOn {
		return nil, b.failErr
	}
	return map[string]interface{}{}, nil
}

type fakeNotifier struct {
	mu        sync.Mutex
	completes []struct{ recovered, failed, waiting int }
	overflows []struct{ affected, total int }
	expired   []string
}

func (n *fakeNotifier) NodeRecoveryComplete(_ string, recovered, failed, waiting int) {
	n.mu.Lock()
	n.completes = append(n.completes, struct{ recovered, failed, waiting int }{recovered, failed, waiting})
	n.mu.Unlock()
}
func (n *fakeNotifier) NodeStatusChange(string, string, string, string) {}
func (n *fakeNotifier) CapacityOverflow(_ string, affected, total int) {
	n.mu.Lock()
	n.overflows = append(n.overflows, struct{ affected, total int }{affected, total})
	n.mu.Unlock()
}
func (n *fakeNotifier) WaitingTenantsExpired(_ string, tenants []string) {
	n.mu.Lock()
	n.expired = append(n.expired, tenants...)
	n.mu.Unlock()
}

type fixture struct {
	store    *storage.BoltStore
	bus      *fakeBus
	notifier *fakeNotifier
	orch     *Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	fb := &fakeBus{}
	notifier := &fakeNotifier{}
	orch := NewOrchestrator(store, placement.NewEngine(store), fb, NewStoreAssignments(store), notifier, broker)
	return &fixture{store: store, bus: fb, notifier: notifier, orch: orch}
}

func (f *fixture) addNode(t *testing.T, id string, status types.NodeStatus, capacity int) {
	t.Helper()
	require.NoError(t, f.store.CreateNode(&types.Node{
		ID:         id,
		Host:       id + ".internal",
		CapacityMb: capacity,
		Status:     types.NodeStatusProvisioning,
		CreatedAt:  time.Now(),
	}))
	if status == types.NodeStatusProvisioning {
		return
	}
	_, err := f.store.TransitionNode(id, types.NodeStatusProvisioning, types.NodeStatusActive, "seed", "test")
	require.NoError(t, err)
	if status == types.NodeStatusActive {
		return
	}
	_, err = f.store.TransitionNode(id, types.NodeStatusActive, status, "seed", "test")
	require.NoError(t, err)
}

func (f *fixture) addBot(t *testing.T, botID, tenant, nodeID string, estimatedMb int) {
	t.Helper()
	require.NoError(t, f.store.CreateBot(&types.BotInstance{
		ID:           botID,
		TenantID:     tenant,
		Name:         "wopr-" + tenant,
		NodeID:       nodeID,
		BillingState: types.BillingStateActive,
		EstimatedMb:  estimatedMb,
	}))
}

func TestRecoveryWithCapacity(t *testing.T) {
	f := newFixture(t)
	f.addNode(t, "dead", types.NodeStatusActive, 1024)
	f.addNode(t, "target", types.NodeStatusActive, 2048)
	f.addBot(t, "bot-1", "tenant-1", "dead", 100)
	require.NoError(t, f.store.PutBotProfile(&types.BotProfile{
		BotID: "bot-1",
		Image: "img:v2",
		Env:   map[string]string{"TOKEN": "s"},
	}))

	report, err := f.orch.TriggerRecovery(context.Background(), "dead", types.RecoveryTriggerHeartbeatTimeout)
	require.NoError(t, err)

	require.Len(t, report.Recovered, 1)
	assert.Equal(t, "tenant-1", report.Recovered[0].Tenant)
	assert.Equal(t, "target", report.Recovered[0].Target)
	assert.Empty(t, report.Failed)
	assert.Empty(t, report.Waiting)

	// three commands to the target, in order
	require.Len(t, f.bus.sent, 3)
	assert.Equal(t, types.CommandBackupDownload, f.bus.sent[0].Command)
	assert.Equal(t, "wopr-tenant-1.tar.gz", f.bus.sent[0].Payload["filename"])
	assert.Equal(t, types.CommandBotImport, f.bus.sent[1].Command)
	assert.Equal(t, "img:v2", f.bus.sent[1].Payload["image"])
	assert.Equal(t, map[string]string{"TOKEN": "s"}, f.bus.sent[1].Payload["env"])
	assert.Equal(t, types.CommandBotInspect, f.bus.sent[2].Command)
	for _, cmd := range f.bus.sent {
		assert.Equal(t, "target", cmd.NodeID)
	}

	// node bracketed through offline -> recovering -> offline
	records, err := f.store.ListTransitions("dead")
	require.NoError(t, err)
	require.Len(t, records, 4) // seed + 3 recovery edges
	assert.Equal(t, types.NodeStatusOffline, records[1].ToStatus)
	assert.Equal(t, types.NodeStatusRecovering, records[2].ToStatus)
	assert.Equal(t, types.NodeStatusOffline, records[3].ToStatus)

	// bot reassigned, reservation bumped
	bot, err := f.store.GetBot("bot-1")
	require.NoError(t, err)
	assert.Equal(t, "target", bot.NodeID)
	target, err := f.store.GetNode("target")
	require.NoError(t, err)
	assert.Equal(t, 100, target.UsedMb)

	require.Len(t, f.notifier.completes, 1)
	assert.Equal(t, 1, f.notifier.completes[0].recovered)
	assert.Empty(t, f.notifier.overflows)
}

func TestRecoveryNoCapacity(t *testing.T) {
	f := newFixture(t)
	f.addNode(t, "dead", types.NodeStatusActive, 1024)
	// no surviving node
	f.addBot(t, "bot-1", "tenant-1", "dead", 100)

	report, err := f.orch.TriggerRecovery(context.Background(), "dead", types.RecoveryTriggerHeartbeatTimeout)
	require.NoError(t, err)

	require.Len(t, report.Waiting, 1)
	assert.Equal(t, "tenant-1", report.Waiting[0].Tenant)
	assert.Equal(t, ReasonNoCapacity, report.Waiting[0].Reason)
	assert.Empty(t, f.bus.sent, "no commands without a target")

	event := openEvent(t, f.store)
	assert.Equal(t, types.RecoveryStatusPartial, event.Status)
	assert.Equal(t, 1, event.TenantsWaiting)
	require.NotNil(t, event.CompletedAt)

	require.Len(t, f.notifier.overflows, 1)
	assert.Equal(t, 1, f.notifier.overflows[0].affected)
	assert.Equal(t, 1, f.notifier.overflows[0].total)
}

func openEvent(t *testing.T, store *storage.BoltStore) *types.RecoveryEvent {
	t.Helper()
	open, err := store.ListOpenRecoveryEvents()
	require.NoError(t, err)
	require.Len(t, open, 1)
	return open[0]
}

// racingStore lets an admin drain slip in ahead of the orchestrator's
// first offline guard, losing it exactly one optimistic write.
type racingStore struct {
	storage.Store
	mu    sync.Mutex
	raced bool
}

func (s *racingStore) TransitionNode(id string, from, to types.NodeStatus, reason, triggeredBy string) (*types.Node, error) {
	s.mu.Lock()
	race := !s.raced && triggeredBy == "recovery" && to == types.NodeStatusOffline
	if race {
		s.raced = true
	}
	s.mu.Unlock()
	if race {
		if _, err := s.Store.TransitionNode(id, from, types.NodeStatusDraining, "admin drain", "admin"); err != nil {
			return nil, err
		}
	}
	return s.Store.TransitionNode(id, from, to, reason, triggeredBy)
}

func TestTriggerRecoveryRetriesLostOfflineGuardOnce(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	racing := &racingStore{Store: store}
	fb := &fakeBus{}
	orch := NewOrchestrator(racing, placement.NewEngine(store), fb, NewStoreAssignments(store), &fakeNotifier{}, broker)

	for _, id := range []string{"dead", "target"} {
		require.NoError(t, store.CreateNode(&types.Node{
			ID:         id,
			Host:       id + ".internal",
			CapacityMb: 2048,
			Status:     types.NodeStatusProvisioning,
			CreatedAt:  time.Now(),
		}))
		_, err = store.TransitionNode(id, types.NodeStatusProvisioning, types.NodeStatusActive, "seed", "test")
		require.NoError(t, err)
	}
	require.NoError(t, store.CreateBot(&types.BotInstance{
		ID:           "bot-1",
		TenantID:     "tenant-1",
		Name:         "wopr-tenant-1",
		NodeID:       "dead",
		BillingState: types.BillingStateActive,
		EstimatedMb:  100,
	}))

	report, err := orch.TriggerRecovery(context.Background(), "dead", types.RecoveryTriggerHeartbeatTimeout)
	require.NoError(t, err)
	require.Len(t, report.Recovered, 1)

	// the first offline write lost to the drain; the retry went through
	// draining -> offline and the bracket continued as usual
	records, err := store.ListTransitions("dead")
	require.NoError(t, err)
	require.Len(t, records, 5) // seed, admin drain, offline, recovering, offline
	assert.Equal(t, types.NodeStatusDraining, records[1].ToStatus)
	assert.Equal(t, types.NodeStatusDraining, records[2].FromStatus)
	assert.Equal(t, types.NodeStatusOffline, records[2].ToStatus)
	assert.Equal(t, types.NodeStatusRecovering, records[3].ToStatus)
	assert.Equal(t, types.NodeStatusOffline, records[4].ToStatus)
}

func TestRecoveryTerminality(t *testing.T) {
	f := newFixture(t)
	f.addNode(t, "dead", types.NodeStatusActive, 1024)
	f.addNode(t, "target", types.NodeStatusActive, 512)
	f.addBot(t, "bot-ok", "tenant-ok", "dead", 100)
	f.addBot(t, "bot-bad", "tenant-bad", "dead", 100)
	f.bus.failOn = types.CommandBotInspect
	f.bus.failErr = errors.New("container missing after import")

	report, err := f.orch.TriggerRecovery(context.Background(), "dead", types.RecoveryTriggerManual)
	require.NoError(t, err)

	total := len(report.Recovered) + len(report.Failed) + len(report.Waiting)
	assert.Equal(t, 2, total)
	assert.Len(t, report.Failed, 2) // inspect fails for both here

	node, err := f.store.GetNode("dead")
	require.NoError(t, err)
	assert.Equal(t, types.NodeStatusOffline, node.Status)
}

func TestRecoveryCommandFailureIsTenantLevel(t *testing.T) {
	f := newFixture(t)
	f.addNode(t, "dead", types.NodeStatusActive, 1024)
	f.addNode(t, "target", types.NodeStatusActive, 2048)
	f.addBot(t, "bot-1", "tenant-1", "dead", 100)
	f.bus.failOn = types.CommandBotImport
	f.bus.failErr = errors.New("image pull failed")

	report, err := f.orch.TriggerRecovery(context.Background(), "dead", types.RecoveryTriggerHeartbeatTimeout)
	require.NoError(t, err, "tenant failure must not fail the event")

	require.Len(t, report.Failed, 1)
	assert.Contains(t, report.Failed[0].Error, "image pull failed")

	// item is terminal with target recorded
	event := eventByNode(t, f.store, "dead")
	items, err := f.store.ListRecoveryItems(event.ID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, types.RecoveryItemFailed, items[0].Status)
	assert.Equal(t, "target", items[0].TargetNode)
	require.NotNil(t, items[0].CompletedAt)
}

func TestRecoveryInvalidStartStateSurfaces(t *testing.T) {
	f := newFixture(t)
	f.addNode(t, "dead", types.NodeStatusProvisioning, 1024)

	_, err := f.orch.TriggerRecovery(context.Background(), "dead", types.RecoveryTriggerManual)
	require.Error(t, err)
}

func TestRetryWaitingRecoversAfterCapacityReturns(t *testing.T) {
	f := newFixture(t)
	f.addNode(t, "dead", types.NodeStatusActive, 1024)
	f.addBot(t, "bot-1", "tenant-1", "dead", 100)

	_, err := f.orch.TriggerRecovery(context.Background(), "dead", types.RecoveryTriggerHeartbeatTimeout)
	require.NoError(t, err)
	event := openEvent(t, f.store)

	// capacity returns
	f.addNode(t, "fresh", types.NodeStatusActive, 2048)

	report, err := f.orch.RetryWaiting(context.Background(), event.ID)
	require.NoError(t, err)
	require.Len(t, report.Recovered, 1)
	assert.Equal(t, "fresh", report.Recovered[0].Target)
	assert.Empty(t, report.Waiting)

	// no touched item remains waiting
	items, err := f.store.ListRecoveryItems(event.ID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, types.RecoveryItemRecovered, items[0].Status)
	assert.Equal(t, 1, items[0].RetryCount)
	require.NotNil(t, items[0].CompletedAt)

	updated, err := f.store.GetRecoveryEvent(event.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RecoveryStatusCompleted, updated.Status)
	assert.Equal(t, 1, updated.TenantsRecovered)
	assert.Equal(t, 0, updated.TenantsWaiting)
}

func TestRetryWaitingStillNoCapacity(t *testing.T) {
	f := newFixture(t)
	f.addNode(t, "dead", types.NodeStatusActive, 1024)
	f.addBot(t, "bot-1", "tenant-1", "dead", 100)

	_, err := f.orch.TriggerRecovery(context.Background(), "dead", types.RecoveryTriggerHeartbeatTimeout)
	require.NoError(t, err)
	event := openEvent(t, f.store)

	report, err := f.orch.RetryWaiting(context.Background(), event.ID)
	require.NoError(t, err)
	require.Len(t, report.Waiting, 1)

	items, err := f.store.ListRecoveryItems(event.ID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, types.RecoveryItemWaiting, items[0].Status)
	assert.Equal(t, 1, items[0].RetryCount)

	updated, err := f.store.GetRecoveryEvent(event.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RecoveryStatusPartial, updated.Status)
	assert.Equal(t, 1, updated.TenantsWaiting)
}

func TestExpireWaiting(t *testing.T) {
	f := newFixture(t)
	f.addNode(t, "dead", types.NodeStatusActive, 1024)
	f.addBot(t, "bot-1", "tenant-1", "dead", 100)

	_, err := f.orch.TriggerRecovery(context.Background(), "dead", types.RecoveryTriggerHeartbeatTimeout)
	require.NoError(t, err)
	event := openEvent(t, f.store)

	// inside the TTL nothing expires
	expired, err := f.orch.ExpireWaiting(event.ID, DefaultWaitingTTL, time.Now())
	require.NoError(t, err)
	assert.Empty(t, expired)

	expired, err = f.orch.ExpireWaiting(event.ID, DefaultWaitingTTL, time.Now().Add(DefaultWaitingTTL+time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []string{"tenant-1"}, expired)
	assert.Equal(t, []string{"tenant-1"}, f.notifier.expired)

	items, err := f.store.ListRecoveryItems(event.ID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, types.RecoveryItemFailed, items[0].Status)
	assert.Equal(t, "waiting expired", items[0].Reason)

	updated, err := f.store.GetRecoveryEvent(event.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RecoveryStatusCompleted, updated.Status)
	assert.Equal(t, 0, updated.TenantsWaiting)
	assert.Equal(t, 1, updated.TenantsFailed)
}

func TestRecoveryPrefersNewestSnapshotKey(t *testing.T) {
	f := newFixture(t)
	f.addNode(t, "dead", types.NodeStatusActive, 1024)
	f.addNode(t, "target", types.NodeStatusActive, 2048)
	f.addBot(t, "b1", "tenant-1", "dead", 100)

	require.NoError(t, f.store.CreateSnapshot(&types.Snapshot{
		ID: "snap-old", Tenant: "tenant-1", StoragePath: "tenant-1/old.tar.gz",
		CreatedAt: time.Now().Add(-time.Hour),
	}))
	require.NoError(t, f.store.CreateSnapshot(&types.Snapshot{
		ID: "snap-new", Tenant: "tenant-1", StoragePath: "tenant-1/new.tar.gz",
		CreatedAt: time.Now(),
	}))

	_, err := f.orch.TriggerRecovery(context.Background(), "dead", types.RecoveryTriggerManual)
	require.NoError(t, err)

	require.NotEmpty(t, f.bus.sent)
	download := f.bus.sent[0]
	assert.Equal(t, types.CommandBackupDownload, download.Command)
	assert.Equal(t, "tenant-1/new.tar.gz", download.Payload["filename"])
}

func TestRetryWaitingUnknownEvent(t *testing.T) {
	f := newFixture(t)
	_, err := f.orch.RetryWaiting(context.Background(), "ghost")
	require.Error(t, err)
}

func eventByNode(t *testing.T, store *storage.BoltStore, nodeID string) *types.RecoveryEvent {
	t.Helper()
	all, err := store.ListRecoveryEvents()
	require.NoError(t, err)
	for _, event := range all {
		if event.NodeID == nodeID {
			return event
		}
	}
	t.Fatalf("no recovery event for node %s", nodeID)
	return nil
}

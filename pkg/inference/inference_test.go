package inference

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wopr-network/wopr-fleet/pkg/storage"
	"github.com/wopr-network/wopr-fleet/pkg/types"
)

type fakeProber struct {
	mu   sync.Mutex
	up   map[string]bool // service port -> healthy; missing means down
	none bool            // all down
}

func (p *fakeProber) Probe(_ context.Context, _ string, port int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.none {
		return errors.New("connection refused")
	}
	if p.up == nil || p.up[strconv.Itoa(port)] {
		return nil
	}
	return errors.New("connection refused")
}

type fakeProvider struct {
	mu      sync.Mutex
	reboots []string
	err     error
}

func (p *fakeProvider) RebootNode(_ context.Context, dropletID string) error {
	p.mu.Lock()
	p.reboots = append(p.reboots, dropletID)
	p.mu.Unlock()
	return p.err
}

type fakeNotifier struct {
	mu      sync.Mutex
	changes []struct{ node, from, to, reason string }
}

func (n *fakeNotifier) NodeRecoveryComplete(string, int, int, int) {}
func (n *fakeNotifier) NodeStatusChange(node, from, to, reason string) {
	n.mu.Lock()
	n.changes = append(n.changes, struct{ node, from, to, reason string }{node, from, to, reason})
	n.mu.Unlock()
}
func (n *fakeNotifier) CapacityOverflow(string, int, int)      {}
func (n *fakeNotifier) WaitingTenantsExpired(string, []string) {}

type fixture struct {
	store    *storage.BoltStore
	prober   *fakeProber
	provider *fakeProvider
	notifier *fakeNotifier
	watchdog *Watchdog
	clock    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	f := &fixture{
		store:    store,
		prober:   &fakeProber{},
		provider: &fakeProvider{},
		notifier: &fakeNotifier{},
		clock:    time.Now(),
	}
	f.watchdog = New(store, f.provider, f.notifier, f.prober, DefaultConfig())
	f.watchdog.now = func() time.Time { return f.clock }
	return f
}

func (f *fixture) addGPUNode(t *testing.T, id, host, dropletID string) {
	t.Helper()
	require.NoError(t, f.store.CreateNode(&types.Node{
		ID:         id,
		Host:       host,
		CapacityMb: 8192,
		Status:     types.NodeStatusProvisioning,
		DropletID:  dropletID,
		CreatedAt:  time.Now(),
	}))
	_, err := f.store.TransitionNode(id, types.NodeStatusProvisioning, types.NodeStatusActive, "seed", "test")
	require.NoError(t, err)
}

func TestTwoStrikeRebootEscalation(t *testing.T) {
	f := newFixture(t)
	f.addGPUNode(t, "gpu-1", "10.0.0.9", "droplet-42")
	f.prober.none = true

	// cycle 1: strike recorded, status unchanged
	f.watchdog.CheckOnce(context.Background())
	node, err := f.store.GetNode("gpu-1")
	require.NoError(t, err)
	assert.Equal(t, types.NodeStatusActive, node.Status)
	assert.Empty(t, f.provider.reboots)

	// cycle 2: degraded + reboot
	f.watchdog.CheckOnce(context.Background())
	node, err = f.store.GetNode("gpu-1")
	require.NoError(t, err)
	assert.Equal(t, types.NodeStatusDegraded, node.Status)
	assert.Equal(t, []string{"droplet-42"}, f.provider.reboots)

	found := false
	for _, change := range f.notifier.changes {
		if change.node == "gpu-1" && change.reason == "gpu node degraded" {
			found = true
		}
	}
	assert.True(t, found, "degraded notification fired")

	// still down past the failed timeout: node fails, state evicted
	f.clock = f.clock.Add(11 * time.Minute)
	f.watchdog.CheckOnce(context.Background())
	node, err = f.store.GetNode("gpu-1")
	require.NoError(t, err)
	assert.Equal(t, types.NodeStatusFailed, node.Status)

	f.watchdog.mu.Lock()
	_, tracked := f.watchdog.states["gpu-1"]
	f.watchdog.mu.Unlock()
	assert.False(t, tracked, "state cleared on failure")
}

func TestStillDownBeforeFailedTimeoutKeepsWaiting(t *testing.T) {
	f := newFixture(t)
	f.addGPUNode(t, "gpu-1", "10.0.0.9", "droplet-42")
	f.prober.none = true

	f.watchdog.CheckOnce(context.Background())
	f.watchdog.CheckOnce(context.Background())
	require.Len(t, f.provider.reboots, 1)

	// only five minutes later: no second reboot, no failed transition
	f.clock = f.clock.Add(5 * time.Minute)
	f.watchdog.CheckOnce(context.Background())
	node, err := f.store.GetNode("gpu-1")
	require.NoError(t, err)
	assert.Equal(t, types.NodeStatusDegraded, node.Status)
	assert.Len(t, f.provider.reboots, 1)
}

func TestRecoveryResetsStateAndReactivates(t *testing.T) {
	f := newFixture(t)
	f.addGPUNode(t, "gpu-1", "10.0.0.9", "droplet-42")
	f.prober.none = true

	f.watchdog.CheckOnce(context.Background())
	f.watchdog.CheckOnce(context.Background())
	node, err := f.store.GetNode("gpu-1")
	require.NoError(t, err)
	require.Equal(t, types.NodeStatusDegraded, node.Status)

	// one service comes back
	f.prober.none = false
	f.prober.up = map[string]bool{"8080": true}
	f.watchdog.CheckOnce(context.Background())

	node, err = f.store.GetNode("gpu-1")
	require.NoError(t, err)
	assert.Equal(t, types.NodeStatusActive, node.Status)

	f.watchdog.mu.Lock()
	_, tracked := f.watchdog.states["gpu-1"]
	f.watchdog.mu.Unlock()
	assert.False(t, tracked)
}

func TestPartialOutageIsNotAStrike(t *testing.T) {
	f := newFixture(t)
	f.addGPUNode(t, "gpu-1", "10.0.0.9", "droplet-42")
	f.prober.up = map[string]bool{"8080": true} // llama up, rest down

	for i := 0; i < 5; i++ {
		f.watchdog.CheckOnce(context.Background())
	}
	node, err := f.store.GetNode("gpu-1")
	require.NoError(t, err)
	assert.Equal(t, types.NodeStatusActive, node.Status)
	assert.Empty(t, f.provider.reboots)

	// per-service results are persisted
	records, err := f.store.ListServiceHealth("gpu-1")
	require.NoError(t, err)
	healthy := map[string]bool{}
	for _, record := range records {
		healthy[record.Service] = record.Healthy
	}
	assert.True(t, healthy["llama"])
	assert.False(t, healthy["whisper"])
}

func TestRebootSkippedWithoutDropletID(t *testing.T) {
	f := newFixture(t)
	f.addGPUNode(t, "gpu-1", "10.0.0.9", "")
	f.prober.none = true

	f.watchdog.CheckOnce(context.Background())
	f.watchdog.CheckOnce(context.Background())

	// degraded still happens, reboot does not
	node, err := f.store.GetNode("gpu-1")
	require.NoError(t, err)
	assert.Equal(t, types.NodeStatusDegraded, node.Status)
	assert.Empty(t, f.provider.reboots)
}

func TestLostDegradedTransitionIsNotAnnounced(t *testing.T) {
	f := newFixture(t)
	f.addGPUNode(t, "gpu-1", "10.0.0.9", "droplet-42")
	f.prober.none = true

	f.watchdog.CheckOnce(context.Background())

	// an admin drains the node between the sweep's listing and the
	// second strike; the stale snapshot still says active
	stale, err := f.store.GetNode("gpu-1")
	require.NoError(t, err)
	_, err = f.store.TransitionNode("gpu-1", types.NodeStatusActive, types.NodeStatusDraining, "admin drain", "admin")
	require.NoError(t, err)

	f.watchdog.checkNode(context.Background(), stale)

	node, err := f.store.GetNode("gpu-1")
	require.NoError(t, err)
	assert.Equal(t, types.NodeStatusDraining, node.Status)

	for _, change := range f.notifier.changes {
		assert.NotEqual(t, "gpu node degraded", change.reason, "no notification for a transition that lost the race")
	}
}

func TestNodesWithoutHostAreIgnored(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.CreateNode(&types.Node{
		ID:         "hostless",
		CapacityMb: 1024,
		Status:     types.NodeStatusProvisioning,
		CreatedAt:  time.Now(),
	}))
	_, err := f.store.TransitionNode("hostless", types.NodeStatusProvisioning, types.NodeStatusActive, "seed", "test")
	require.NoError(t, err)
	f.prober.none = true

	for i := 0; i < 3; i++ {
		f.watchdog.CheckOnce(context.Background())
	}
	node, err := f.store.GetNode("hostless")
	require.NoError(t, err)
	assert.Equal(t, types.NodeStatusActive, node.Status)
}

func TestDoubleStartIsNoOp(t *testing.T) {
	f := newFixture(t)
	f.watchdog.Start()
	f.watchdog.Start()
	f.watchdog.Stop()
}

func TestHTTPProber(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	parsed, err := url.Parse(server.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(parsed.Port())
	require.NoError(t, err)

	prober := NewHTTPProber(time.Second)
	assert.NoError(t, prober.Probe(context.Background(), parsed.Hostname(), port))

	// refused connection
	server.Close()
	assert.Error(t, prober.Probe(context.Background(), parsed.Hostname(), port))
}

package inference

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/wopr-network/wopr-fleet/pkg/log"
	"github.com/wopr-network/wopr-fleet/pkg/notify"
	"github.com/wopr-network/wopr-fleet/pkg/storage"
	"github.com/wopr-network/wopr-fleet/pkg/types"
)

// ServicePort names one model service and its health port.
type ServicePort struct {
	Name string
	Port int
}

// DefaultServices are the model services polled on every GPU node.
var DefaultServices = []ServicePort{
	{Name: "llama", Port: 8080},
	{Name: "chatterbox", Port: 8081},
	{Name: "whisper", Port: 8082},
	{Name: "qwen", Port: 8083},
}

const (
	DefaultPollInterval    = 60 * time.Second
	DefaultProbeTimeout    = 5 * time.Second
	DefaultRebootThreshold = 2
	DefaultFailedTimeout   = 10 * time.Minute
)

// Provider issues out-of-band reboots through the hosting provider.
type Provider interface {
	RebootNode(ctx context.Context, dropletID string) error
}

// Prober checks one service endpoint on a host.
type Prober interface {
	Probe(ctx context.Context, host string, port int) error
}

// HTTPProber polls http://host:port/health.
type HTTPProber struct {
	client *http.Client
}

func NewHTTPProber(timeout time.Duration) *HTTPProber {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	return &HTTPProber{client: &http.Client{Timeout: timeout}}
}

func (p *HTTPProber) Probe(ctx context.Context, host string, port int) error {
	url := fmt.Sprintf("http://%s:%d/health", host, port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health returned %d", resp.StatusCode)
	}
	return nil
}

// Config holds inference watchdog tuning.
type Config struct {
	PollInterval    time.Duration
	RebootThreshold int
	FailedTimeout   time.Duration
	Services        []ServicePort
}

func DefaultConfig() Config {
	return Config{
		PollInterval:    DefaultPollInterval,
		RebootThreshold: DefaultRebootThreshold,
		FailedTimeout:   DefaultFailedTimeout,
		Services:        DefaultServices,
	}
}

// nodeState is the in-memory strike tracker, cleared when the node
// recovers or fails.
type nodeState struct {
	consecutiveAllDown int
	rebootedAt         *time.Time
}

// Watchdog polls model-service health on GPU nodes and escalates: two
// consecutive all-down cycles degrade the node and trigger a provider
// reboot; a node still fully down ten minutes after the reboot is failed.
type Watchdog struct {
	store    storage.Store
	provider Provider
	notifier notify.Notifier
	prober   Prober
	config   Config
	now      func() time.Time

	mu      sync.Mutex
	states  map[string]*nodeState
	started bool
	stopCh  chan struct{}
}

func New(store storage.Store, provider Provider, notifier notify.Notifier, prober Prober, config Config) *Watchdog {
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.RebootThreshold <= 0 {
		config.RebootThreshold = DefaultRebootThreshold
	}
	if config.FailedTimeout <= 0 {
		config.FailedTimeout = DefaultFailedTimeout
	}
	if len(config.Services) == 0 {
		config.Services = DefaultServices
	}
	if prober == nil {
		prober = NewHTTPProber(DefaultProbeTimeout)
	}
	return &Watchdog{
		store:    store,
		provider: provider,
		notifier: notifier,
		prober:   prober,
		config:   config,
		now:      time.Now,
		states:   make(map[string]*nodeState),
		stopCh:   make(chan struct{}),
	}
}

// Start begins the poll loop. Calling Start twice is a no-op.
func (w *Watchdog) Start() {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.mu.Unlock()
	go w.run()
}

func (w *Watchdog) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.started {
		return
	}
	w.started = false
	close(w.stopCh)
}

func (w *Watchdog) run() {
	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.CheckOnce(context.Background())
		case <-w.stopCh:
			return
		}
	}
}

// CheckOnce runs one poll cycle over every active or degraded node with a
// reachable host.
func (w *Watchdog) CheckOnce(ctx context.Context) {
	logger := log.WithComponent("inference")

	nodes, err := w.store.ListNodes()
	if err != nil {
		logger.Error().Err(err).Msg("poll: list nodes failed")
		return
	}

	for _, node := range nodes {
		if node.Host == "" {
			continue
		}
		if node.Status != types.NodeStatusActive && node.Status != types.NodeStatusDegraded {
			continue
		}
		w.checkNode(ctx, node)
	}
}

func (w *Watchdog) checkNode(ctx context.Context, node *types.Node) {
	logger := log.WithNodeID(node.ID)
	now := w.now()

	anyUp := false
	for _, service := range w.config.Services {
		err := w.prober.Probe(ctx, node.Host, service.Port)
		record := &types.ServiceHealth{
			NodeID:    node.ID,
			Service:   service.Name,
			Healthy:   err == nil,
			CheckedAt: now,
		}
		if err != nil {
			record.Message = err.Error()
		} else {
			anyUp = true
		}
		if putErr := w.store.PutServiceHealth(record); putErr != nil {
			logger.Warn().Err(putErr).Str("service", service.Name).Msg("service health write failed")
		}
	}

	w.mu.Lock()
	state := w.states[node.ID]
	if state == nil {
		state = &nodeState{}
		w.states[node.ID] = state
	}

	if anyUp {
		if state.consecutiveAllDown > 0 || state.rebootedAt != nil {
			delete(w.states, node.ID)
			w.mu.Unlock()
			logger.Info().Msg("model services recovered")
			if node.Status == types.NodeStatusDegraded {
				if _, err := w.store.TransitionNode(node.ID, types.NodeStatusDegraded, types.NodeStatusActive, "model services recovered", "inference-watchdog"); err != nil {
					logger.Error().Err(err).Msg("recovery transition failed")
				} else {
					w.notifier.NodeStatusChange(node.ID, string(types.NodeStatusDegraded), string(types.NodeStatusActive), "model services recovered")
				}
			}
			return
		}
		w.mu.Unlock()
		return
	}

	// all services down
	if state.rebootedAt != nil {
		waited := now.Sub(*state.rebootedAt)
		if waited < w.config.FailedTimeout {
			w.mu.Unlock()
			logger.Warn().Dur("since_reboot", waited).Msg("all services still down after reboot")
			return
		}
		delete(w.states, node.ID)
		w.mu.Unlock()
		if _, err := w.store.TransitionNode(node.ID, node.Status, types.NodeStatusFailed, "reboot did not restore model services", "inference-watchdog"); err != nil {
			logger.Error().Err(err).Msg("failed transition failed")
			return
		}
		w.notifier.NodeStatusChange(node.ID, string(node.Status), string(types.NodeStatusFailed), "gpu node failed")
		return
	}

	state.consecutiveAllDown++
	strikes := state.consecutiveAllDown
	if strikes < w.config.RebootThreshold {
		w.mu.Unlock()
		logger.Warn().Int("strikes", strikes).Msg("all model services down")
		return
	}
	rebootedAt := now
	state.rebootedAt = &rebootedAt
	w.mu.Unlock()

	if node.Status == types.NodeStatusActive {
		if _, err := w.store.TransitionNode(node.ID, types.NodeStatusActive, types.NodeStatusDegraded, "model services down", "inference-watchdog"); err != nil {
			// lost the race to another transition; do not announce a
			// degradation that never took effect
			logger.Error().Err(err).Msg("degraded transition failed")
		} else {
			w.notifier.NodeStatusChange(node.ID, string(types.NodeStatusActive), string(types.NodeStatusDegraded), "gpu node degraded")
		}
	}

	if node.DropletID == "" {
		logger.Error().Msg("reboot skipped: no provider instance id")
		return
	}
	if err := w.provider.RebootNode(ctx, node.DropletID); err != nil {
		// best-effort: the degraded transition stands
		logger.Error().Err(err).Str("droplet_id", node.DropletID).Msg("provider reboot failed")
	} else {
		logger.Warn().Str("droplet_id", node.DropletID).Msg("provider reboot issued")
	}
}

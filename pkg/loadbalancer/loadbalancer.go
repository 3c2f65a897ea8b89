// Package loadbalancer selects which registered worker node dispatches the
// next build, and tracks worker health and historical build time so the
// resource-aware strategy has something to score against.
package loadbalancer

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/khryptorgraphics/gpubuild/pkg/model"
	"github.com/khryptorgraphics/gpubuild/pkg/shared/logging"
)

// Strategy selects which registered, healthy, under-capacity worker
// receives the next dispatch.
type Strategy string

const (
	RoundRobin         Strategy = "round_robin"
	LeastConnections   Strategy = "least_connections"
	WeightedRoundRobin Strategy = "weighted_round_robin"
	Random             Strategy = "random"
	ResourceAware      Strategy = "resource_aware"
)

// WorkerInfo is a registered build worker's address and live load state.
type WorkerInfo struct {
	WorkerID                 string
	Address                  string
	Port                     int
	Weight                   int
	CurrentLoad              int
	MaxLoad                  int
	IsHealthy                bool
	LastHealthCheck          time.Time
	TotalBuildsCompleted     int
	AverageBuildTimeSeconds  float64
}

// AvailableCapacity is how many more builds this worker can take before
// hitting MaxLoad.
func (w WorkerInfo) AvailableCapacity() int {
	if c := w.MaxLoad - w.CurrentLoad; c > 0 {
		return c
	}
	return 0
}

// LoadPercentage is CurrentLoad as a percentage of MaxLoad.
func (w WorkerInfo) LoadPercentage() float64 {
	if w.MaxLoad == 0 {
		return 100.0
	}
	return (float64(w.CurrentLoad) / float64(w.MaxLoad)) * 100
}

// LoadBalancer tracks registered workers and picks one per dispatch
// according to Strategy. A single mutex guards the worker table; the
// health-check loop runs as a background goroutine started by Start.
type LoadBalancer struct {
	mu               sync.Mutex
	strategy         Strategy
	workers          map[string]*WorkerInfo
	roundRobinIndex  int
	healthInterval   time.Duration
	httpClient       *http.Client
	logger           *slog.Logger
	cancel           context.CancelFunc
	done             chan struct{}
}

// New constructs a LoadBalancer using strategy, probing worker health every
// healthInterval once Start is called.
func New(strategy Strategy, healthInterval time.Duration, logger *slog.Logger) *LoadBalancer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoadBalancer{
		strategy:       strategy,
		workers:        make(map[string]*WorkerInfo),
		healthInterval: healthInterval,
		httpClient:     &http.Client{Timeout: 5 * time.Second},
		logger:         logger,
	}
}

// Start launches the background health-check loop. Calling Start twice
// without an intervening Stop leaks the first loop's goroutine.
func (lb *LoadBalancer) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	lb.cancel = cancel
	lb.done = make(chan struct{})

	go lb.healthCheckLoop(ctx)
	lb.logger.Info("load balancer started",
		logging.NewFields().Component("loadbalancer").Custom("strategy", string(lb.strategy)).ToLogrus())
}

// Stop cancels the health-check loop and waits for it to exit.
func (lb *LoadBalancer) Stop() {
	if lb.cancel == nil {
		return
	}
	lb.cancel()
	<-lb.done
	lb.logger.Info("load balancer stopped", logging.NewFields().Component("loadbalancer").ToLogrus())
}

// RegisterWorker adds or replaces a worker's registration.
func (lb *LoadBalancer) RegisterWorker(workerID, address string, port, weight, maxLoad int) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	lb.workers[workerID] = &WorkerInfo{
		WorkerID:                workerID,
		Address:                 address,
		Port:                    port,
		Weight:                  weight,
		MaxLoad:                 maxLoad,
		IsHealthy:               true,
		LastHealthCheck:         time.Now(),
		AverageBuildTimeSeconds: 600.0,
	}
	lb.logger.Info("registered worker",
		logging.NewFields().Component("loadbalancer").Resource("worker", workerID).
			Custom("address", fmt.Sprintf("%s:%d", address, port)).ToLogrus())
}

// Worker returns a snapshot of the registered worker's connection info,
// for handing to the dispatch client after SelectWorker returns an ID.
func (lb *LoadBalancer) Worker(workerID string) (WorkerInfo, bool) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	w, ok := lb.workers[workerID]
	if !ok {
		return WorkerInfo{}, false
	}
	return *w, true
}

// UnregisterWorker removes a worker's registration, reporting whether it
// was present.
func (lb *LoadBalancer) UnregisterWorker(workerID string) bool {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	if _, ok := lb.workers[workerID]; !ok {
		return false
	}
	delete(lb.workers, workerID)
	return true
}

// SelectWorker picks a worker for req per the configured strategy, among
// workers that are healthy and under MaxLoad, and provisionally increments
// its load. The caller releases that load with RecordCompletion once a
// dispatch returns a result, or with UpdateLoad(workerID, -1) when the
// dispatch fails.
func (lb *LoadBalancer) SelectWorker(req model.BuildRequest) (string, bool) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	available := make([]*WorkerInfo, 0, len(lb.workers))
	for _, w := range lb.workers {
		if w.IsHealthy && w.CurrentLoad < w.MaxLoad {
			available = append(available, w)
		}
	}
	if len(available) == 0 {
		return "", false
	}

	selected := lb.selectByStrategy(available, req)
	if selected == nil {
		return "", false
	}
	selected.CurrentLoad++
	return selected.WorkerID, true
}

func (lb *LoadBalancer) selectByStrategy(workers []*WorkerInfo, req model.BuildRequest) *WorkerInfo {
	switch lb.strategy {
	case RoundRobin:
		return lb.selectRoundRobin(workers)
	case WeightedRoundRobin:
		return lb.selectWeightedRoundRobin(workers)
	case Random:
		return workers[rand.Intn(len(workers))]
	case ResourceAware:
		return lb.selectResourceAware(workers)
	case LeastConnections:
		return lb.selectLeastConnections(workers)
	default:
		return lb.selectLeastConnections(workers)
	}
}

func (lb *LoadBalancer) selectRoundRobin(workers []*WorkerInfo) *WorkerInfo {
	lb.roundRobinIndex = (lb.roundRobinIndex + 1) % len(workers)
	return workers[lb.roundRobinIndex]
}

func (lb *LoadBalancer) selectLeastConnections(workers []*WorkerInfo) *WorkerInfo {
	best := workers[0]
	for _, w := range workers[1:] {
		if w.CurrentLoad < best.CurrentLoad {
			best = w
		}
	}
	return best
}

func (lb *LoadBalancer) selectWeightedRoundRobin(workers []*WorkerInfo) *WorkerInfo {
	totalWeight := 0
	for _, w := range workers {
		totalWeight += w.Weight * w.AvailableCapacity()
	}
	if totalWeight == 0 {
		return lb.selectLeastConnections(workers)
	}

	target := rand.Intn(totalWeight) + 1
	current := 0
	for _, w := range workers {
		current += w.Weight * w.AvailableCapacity()
		if current >= target {
			return w
		}
	}
	return workers[len(workers)-1]
}

// selectResourceAware scores each candidate on current load (40%), spare
// capacity (30%), and historical build-time efficiency (30%), and picks the
// highest scorer. A worker with no completed builds yet gets a flat 0.15
// efficiency contribution rather than being penalized for inexperience.
func (lb *LoadBalancer) selectResourceAware(workers []*WorkerInfo) *WorkerInfo {
	var best *WorkerInfo
	bestScore := -1.0

	for _, w := range workers {
		maxLoad := w.MaxLoad
		if maxLoad == 0 {
			maxLoad = 1
		}

		score := 0.0
		loadScore := 1.0 - (float64(w.CurrentLoad) / float64(maxLoad))
		score += loadScore * 0.4

		capacityScore := float64(w.AvailableCapacity()) / float64(maxLoad)
		score += capacityScore * 0.3

		if w.TotalBuildsCompleted > 0 {
			efficiency := 600.0 / maxFloat(w.AverageBuildTimeSeconds, 1)
			if efficiency > 1.0 {
				efficiency = 1.0
			}
			score += efficiency * 0.3
		} else {
			score += 0.15
		}

		if best == nil || score > bestScore {
			best, bestScore = w, score
		}
	}
	return best
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

// RecordCompletion releases one unit of load from worker and folds
// buildTime into its running average build time.
func (lb *LoadBalancer) RecordCompletion(workerID string, buildTime time.Duration) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	w, ok := lb.workers[workerID]
	if !ok {
		return
	}
	if w.CurrentLoad > 0 {
		w.CurrentLoad--
	}
	w.TotalBuildsCompleted++

	n := float64(w.TotalBuildsCompleted)
	w.AverageBuildTimeSeconds = ((n-1)*w.AverageBuildTimeSeconds + buildTime.Seconds()) / n
}

// UpdateLoad adjusts a worker's current load by delta, floored at zero —
// used to release load after a dispatch failure that never reaches
// RecordCompletion.
func (lb *LoadBalancer) UpdateLoad(workerID string, delta int) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	w, ok := lb.workers[workerID]
	if !ok {
		return
	}
	w.CurrentLoad += delta
	if w.CurrentLoad < 0 {
		w.CurrentLoad = 0
	}
}

// MarkUnhealthy/MarkHealthy flip a worker's health flag, e.g. from an
// external health-check result or a dispatch failure.
func (lb *LoadBalancer) MarkUnhealthy(workerID string) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	if w, ok := lb.workers[workerID]; ok {
		w.IsHealthy = false
	}
}

func (lb *LoadBalancer) MarkHealthy(workerID string) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	if w, ok := lb.workers[workerID]; ok {
		w.IsHealthy = true
		w.LastHealthCheck = time.Now()
	}
}

// WorkerStats is the read model returned by Stats for diagnostic endpoints.
type WorkerStats struct {
	WorkerID                string
	Address                 string
	CurrentLoad             int
	MaxLoad                 int
	LoadPercentage          float64
	IsHealthy               bool
	TotalBuildsCompleted    int
	AverageBuildTimeSeconds float64
}

// Stats snapshots every registered worker.
func (lb *LoadBalancer) Stats() []WorkerStats {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	out := make([]WorkerStats, 0, len(lb.workers))
	for _, w := range lb.workers {
		out = append(out, WorkerStats{
			WorkerID:                w.WorkerID,
			Address:                 fmt.Sprintf("%s:%d", w.Address, w.Port),
			CurrentLoad:             w.CurrentLoad,
			MaxLoad:                 w.MaxLoad,
			LoadPercentage:          w.LoadPercentage(),
			IsHealthy:               w.IsHealthy,
			TotalBuildsCompleted:    w.TotalBuildsCompleted,
			AverageBuildTimeSeconds: w.AverageBuildTimeSeconds,
		})
	}
	return out
}

// SetStrategy changes the active selection strategy at runtime.
func (lb *LoadBalancer) SetStrategy(strategy Strategy) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	lb.strategy = strategy
	lb.logger.Info("load balancing strategy changed",
		logging.NewFields().Component("loadbalancer").Custom("strategy", string(strategy)).ToLogrus())
}

func (lb *LoadBalancer) healthCheckLoop(ctx context.Context) {
	defer close(lb.done)
	ticker := time.NewTicker(lb.healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			lb.performHealthChecks(ctx)
		}
	}
}

func (lb *LoadBalancer) performHealthChecks(ctx context.Context) {
	lb.mu.Lock()
	ids := make([]string, 0, len(lb.workers))
	addrs := make(map[string]string, len(lb.workers))
	for id, w := range lb.workers {
		ids = append(ids, id)
		addrs[id] = fmt.Sprintf("http://%s:%d/health", w.Address, w.Port)
	}
	lb.mu.Unlock()

	for _, id := range ids {
		if lb.checkWorkerHealth(ctx, addrs[id]) {
			lb.MarkHealthy(id)
		} else {
			lb.MarkUnhealthy(id)
		}
	}
}

// checkWorkerHealth probes the worker's /health endpoint. Network errors
// are treated as healthy (matching the conservative original behavior of
// not flapping a worker on a single transient probe failure); only an
// explicit non-200 response marks it unhealthy.
func (lb *LoadBalancer) checkWorkerHealth(ctx context.Context, url string) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return true
	}
	resp, err := lb.httpClient.Do(req)
	if err != nil {
		return true
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

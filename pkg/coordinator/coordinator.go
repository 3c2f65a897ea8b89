// Package coordinator wires the admission queue, priority scheduler,
// resource allocator, load balancer, state manager, dispatch client, and
// history sink together into the control plane's single event loop.
package coordinator

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/khryptorgraphics/gpubuild/pkg/allocator"
	"github.com/khryptorgraphics/gpubuild/pkg/dispatch"
	"github.com/khryptorgraphics/gpubuild/pkg/history"
	"github.com/khryptorgraphics/gpubuild/pkg/loadbalancer"
	"github.com/khryptorgraphics/gpubuild/pkg/model"
	"github.com/khryptorgraphics/gpubuild/pkg/queue"
	"github.com/khryptorgraphics/gpubuild/pkg/scheduler"
	sharederrors "github.com/khryptorgraphics/gpubuild/pkg/shared/errors"
	"github.com/khryptorgraphics/gpubuild/pkg/shared/logging"
	"github.com/khryptorgraphics/gpubuild/pkg/state"
)

// maxDispatchAttemptsDefault bounds how many dispatch attempts a build gets
// (each failed allocation, worker selection, or worker dispatch counts as
// one) before it is failed outright. See DESIGN.md's Open Question #1 for why this bound
// exists where the reference implementation had none.
const maxDispatchAttemptsDefault = 3

// pollInterval is how often the processing loop checks for available
// capacity and attempts to dequeue the next build.
const pollInterval = time.Second

// backoffInterval is the sleep after an unexpected error in the processing
// loop, before the next poll attempt.
const backoffInterval = 5 * time.Second

// Coordinator is the control plane's event loop: it owns no state of its
// own beyond the in-flight build set, delegating admission, scheduling,
// allocation, dispatch, and persistence to its collaborators.
type Coordinator struct {
	queue      *queue.Manager
	scheduler  *scheduler.PriorityScheduler
	allocator  *allocator.Allocator
	lb         *loadbalancer.LoadBalancer
	state      *state.Manager
	dispatcher *dispatch.Client
	history    history.Sink
	logger     *slog.Logger

	maxDispatchAttempts int

	mu      sync.Mutex
	active  map[string]model.BuildRequest
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// Config bundles the Coordinator's collaborators.
type Config struct {
	Queue               *queue.Manager
	Scheduler           *scheduler.PriorityScheduler
	Allocator           *allocator.Allocator
	LoadBalancer        *loadbalancer.LoadBalancer
	State               *state.Manager
	Dispatcher          *dispatch.Client
	History             history.Sink
	Logger              *slog.Logger
	MaxDispatchAttempts int
}

// New constructs a Coordinator from cfg. A nil History falls back to
// history.NoopSink{}, and MaxDispatchAttempts<=0 falls back to
// maxDispatchAttemptsDefault.
func New(cfg Config) *Coordinator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := cfg.History
	if h == nil {
		h = history.NoopSink{}
	}
	attempts := cfg.MaxDispatchAttempts
	if attempts <= 0 {
		attempts = maxDispatchAttemptsDefault
	}

	return &Coordinator{
		queue:               cfg.Queue,
		scheduler:           cfg.Scheduler,
		allocator:           cfg.Allocator,
		lb:                  cfg.LoadBalancer,
		state:               cfg.State,
		dispatcher:          cfg.Dispatcher,
		history:             h,
		logger:              logger,
		maxDispatchAttempts: attempts,
		active:              make(map[string]model.BuildRequest),
	}
}

// Start restores any builds left Pending/Running by a prior process,
// re-enqueues them, and launches the background processing loop.
func (c *Coordinator) Start(ctx context.Context) error {
	c.logger.Info("starting build coordinator", logging.NewFields().Component("coordinator").ToLogrus())

	restored, err := c.state.RestorePending(ctx)
	if err != nil {
		c.logger.Error("failed to restore pending builds",
			logging.NewFields().Component("coordinator").Error(err).ToLogrus())
	}
	for _, req := range restored {
		if err := c.queue.Enqueue(req); err != nil {
			c.logger.Error("failed to re-enqueue restored build",
				logging.CoordinatorFields("restore", req.ID).Error(err).ToLogrus())
		}
	}

	loopCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.running = true
	c.mu.Unlock()

	c.wg.Add(1)
	go c.processLoop(loopCtx)

	c.logger.Info("build coordinator started", logging.NewFields().Component("coordinator").ToLogrus())
	return nil
}

// Stop halts the processing loop and checkpoints every still-active build
// as "interrupted" so a future Start can pick it back up — see DESIGN.md's
// Open Question #3 on why this does not attempt to reach into an in-flight
// worker dispatch to stop it.
func (c *Coordinator) Stop(ctx context.Context) {
	c.logger.Info("stopping build coordinator", logging.NewFields().Component("coordinator").ToLogrus())

	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	cancel := c.cancel
	// Snapshot the in-flight set before waiting: each execute goroutine
	// removes its own entry when it returns.
	active := make([]string, 0, len(c.active))
	for id := range c.active {
		active = append(active, id)
	}
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.wg.Wait()

	for _, id := range active {
		if err := c.state.Checkpoint(ctx, id, "interrupted", nil); err != nil {
			c.logger.Error("failed to checkpoint interrupted build",
				logging.CoordinatorFields("stop", id).Error(err).ToLogrus())
		}
	}

	c.logger.Info("build coordinator stopped", logging.NewFields().Component("coordinator").ToLogrus())
}

// Submit assigns a priority to req, records it, and admits it to the
// queue, returning its ID.
func (c *Coordinator) Submit(ctx context.Context, req model.BuildRequest) (string, error) {
	req.Priority = c.scheduler.Classify(req)

	if err := c.state.SaveRequest(ctx, req); err != nil {
		return "", sharederrors.FailedToWithDetails("submit build", "coordinator", req.ID, err)
	}
	if err := c.queue.Enqueue(req); err != nil {
		return "", sharederrors.FailedToWithDetails("submit build", "coordinator", req.ID, err)
	}

	c.logger.Info("build submitted",
		logging.CoordinatorFields("submit", req.ID).Custom("priority", req.Priority.String()).ToLogrus())
	return req.ID, nil
}

// GetStatus returns the façade's read model for a build, or false if it is
// unknown.
func (c *Coordinator) GetStatus(ctx context.Context, buildID string) (model.BuildSummary, bool) {
	req, ok := c.state.GetRequest(ctx, buildID)
	if !ok {
		return model.BuildSummary{}, false
	}
	status, ok := c.state.GetStatus(ctx, buildID)
	if !ok {
		return model.BuildSummary{}, false
	}
	return model.BuildSummary{
		BuildID:    buildID,
		Repository: req.Repository,
		Branch:     req.Branch,
		Status:     status,
	}, true
}

// Cancel stops buildID: a still-queued build is removed and marked
// cancelled immediately; an active build is marked cancelled but its
// in-flight dispatch is left to run to completion (see DESIGN.md's Open
// Question #3).
func (c *Coordinator) Cancel(ctx context.Context, buildID, cancelledBy, reason string) (bool, error) {
	if c.queue.Remove(buildID) {
		err := c.state.UpdateStatus(ctx, buildID, model.StatusCancelled, map[string]interface{}{
			"cancelled_by": cancelledBy,
			"reason":       reason,
		})
		return err == nil, err
	}

	c.mu.Lock()
	_, isActive := c.active[buildID]
	c.mu.Unlock()

	if isActive {
		err := c.state.UpdateStatus(ctx, buildID, model.StatusCancelled, map[string]interface{}{
			"cancelled_by": cancelledBy,
			"reason":       reason,
		})
		return err == nil, err
	}

	return false, nil
}

// Retry resubmits buildID's original request as a new build, tagged with
// retry_of and an incremented retry_count.
func (c *Coordinator) Retry(ctx context.Context, buildID string) (string, error) {
	original, ok := c.state.GetRequest(ctx, buildID)
	if !ok {
		return "", sharederrors.FailedToWithDetails("retry build", "coordinator", buildID,
			sharederrors.ValidationError("build_id", "original request not found"))
	}

	metadata := make(map[string]interface{}, len(original.Metadata)+2)
	for k, v := range original.Metadata {
		metadata[k] = v
	}
	metadata["retry_of"] = buildID
	metadata["retry_count"] = original.RetryCount() + 1

	retry := model.BuildRequest{
		ID:             retryID(buildID, original.RetryCount()+1),
		Repository:     original.Repository,
		CommitSHA:      original.CommitSHA,
		Branch:         original.Branch,
		PRNumber:       original.PRNumber,
		PRTitle:        original.PRTitle,
		PRAuthor:       original.PRAuthor,
		TriggeredBy:    original.TriggeredBy,
		Configurations: original.Configurations,
		Metadata:       metadata,
		CreatedAt:      time.Now(),
	}

	return c.Submit(ctx, retry)
}

func retryID(original string, attempt int) string {
	return original + "-retry-" + strconv.Itoa(attempt)
}

// QueueStatusSnapshot is the façade's read model for queue_status.
type QueueStatusSnapshot struct {
	QueueDepth        int
	ActiveBuilds      int
	AvailableGPUs     int
	AvailableCPUCores int
	AvailableMemoryGB float64
	DepthByPriority   map[string]int
}

// QueueStatus summarizes the queue and cluster capacity.
func (c *Coordinator) QueueStatus() QueueStatusSnapshot {
	c.mu.Lock()
	activeCount := len(c.active)
	c.mu.Unlock()

	avail := c.allocator.Available()
	return QueueStatusSnapshot{
		QueueDepth:        c.queue.Depth(),
		ActiveBuilds:      activeCount,
		AvailableGPUs:     avail.GPUCount,
		AvailableCPUCores: avail.CPUCores,
		AvailableMemoryGB: avail.MemoryGB,
		DepthByPriority:   c.queue.DepthByClass(),
	}
}

func (c *Coordinator) processLoop(ctx context.Context) {
	defer c.wg.Done()
	c.logger.Info("build queue processing started", logging.NewFields().Component("coordinator").ToLogrus())

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := c.allocator.Refresh(ctx); err != nil {
			c.logger.Error("failed to refresh node resources",
				logging.NewFields().Component("coordinator").Error(err).ToLogrus())
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoffInterval):
			}
			continue
		}

		if c.allocator.Available().GPUCount > 0 {
			req, ok := c.queue.Dequeue(ctx, 0)
			if ok {
				c.wg.Add(1)
				go func() {
					defer c.wg.Done()
					c.execute(ctx, req)
				}()
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(pollInterval):
		}
	}
}

// execute carries one dequeued build through allocation, worker selection,
// dispatch, and result handling, re-enqueueing on a transient failure and
// failing the build once maxDispatchAttempts is exhausted.
func (c *Coordinator) execute(ctx context.Context, req model.BuildRequest) {
	buildID := req.ID

	c.mu.Lock()
	c.active[buildID] = req
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.active, buildID)
		c.mu.Unlock()
	}()

	if err := c.state.UpdateStatus(ctx, buildID, model.StatusRunning, map[string]interface{}{
		"started_at": time.Now(),
	}); err != nil {
		c.logger.Error("failed to mark build running",
			logging.CoordinatorFields("execute", buildID).Error(err).ToLogrus())
		return
	}

	config := model.BuildConfiguration{}
	if len(req.Configurations) > 0 {
		config = req.Configurations[0]
	}

	alloc, err := c.allocator.Allocate(config)
	if err != nil {
		c.reenqueueOrFail(ctx, req, "no resources available")
		return
	}

	workerID, ok := c.lb.SelectWorker(req)
	if !ok {
		c.allocator.Release(alloc)
		c.reenqueueOrFail(ctx, req, "no worker available")
		return
	}
	worker, _ := c.lb.Worker(workerID)

	c.logger.Info("executing build",
		logging.CoordinatorFields("execute", buildID).Resource("worker", workerID).ToLogrus())

	result, err := c.dispatcher.Dispatch(ctx, dispatch.AddressOf(worker), req, alloc)
	c.allocator.Release(alloc)

	if status, ok := c.state.GetStatus(ctx, buildID); ok && status == model.StatusCancelled {
		c.lb.UpdateLoad(workerID, -1)
		c.logger.Info("build was cancelled during dispatch, discarding its result",
			logging.CoordinatorFields("execute", buildID).ToLogrus())
		return
	}

	if err != nil {
		c.lb.UpdateLoad(workerID, -1)
		c.reenqueueOrFail(ctx, req, err.Error())
		return
	}

	c.lb.RecordCompletion(workerID, time.Duration(result.DurationSeconds*float64(time.Second)))
	c.handleResult(ctx, req, result)
}

func (c *Coordinator) reenqueueOrFail(ctx context.Context, req model.BuildRequest, reason string) {
	attempts := 0
	switch v := req.Metadata["dispatch_attempts"].(type) {
	case int:
		attempts = v
	case float64:
		attempts = int(v)
	}
	if attempts+1 >= c.maxDispatchAttempts {
		if err := c.state.UpdateStatus(ctx, req.ID, model.StatusFailed, map[string]interface{}{
			"error": "dispatch attempts exhausted: " + reason,
		}); err != nil {
			c.logger.Error("failed to mark build failed",
				logging.CoordinatorFields("fail", req.ID).Error(err).ToLogrus())
		}
		return
	}

	metadata := make(map[string]interface{}, len(req.Metadata)+1)
	for k, v := range req.Metadata {
		metadata[k] = v
	}
	metadata["dispatch_attempts"] = attempts + 1
	req.Metadata = metadata

	if err := c.queue.Enqueue(req); err != nil {
		c.logger.Error("failed to re-enqueue build",
			logging.CoordinatorFields("reenqueue", req.ID).Error(err).ToLogrus())
		return
	}
	c.logger.Warn("re-enqueued build after dispatch failure",
		logging.CoordinatorFields("reenqueue", req.ID).Custom("reason", reason).ToLogrus())
}

func (c *Coordinator) handleResult(ctx context.Context, req model.BuildRequest, result model.BuildResult) {
	if err := c.state.UpdateStatus(ctx, req.ID, result.Status, map[string]interface{}{
		"completed_at":     result.CompletedAt,
		"duration_seconds": result.DurationSeconds,
		"error":            result.Error,
	}); err != nil {
		c.logger.Error("failed to record build result",
			logging.CoordinatorFields("complete", req.ID).Error(err).ToLogrus())
	}

	summary := model.BuildSummary{
		BuildID:      req.ID,
		Repository:   req.Repository,
		Branch:       req.Branch,
		Status:       result.Status,
		StartedAt:    &result.StartedAt,
		CompletedAt:  &result.CompletedAt,
		DurationSecs: &result.DurationSeconds,
		Error:        result.Error,
	}
	if err := c.history.Record(ctx, summary); err != nil {
		c.logger.Error("failed to record build history",
			logging.CoordinatorFields("history", req.ID).Error(err).ToLogrus())
	}

	c.logger.Info("build completed",
		logging.CoordinatorFields("complete", req.ID).Custom("status", string(result.Status)).ToLogrus())
}

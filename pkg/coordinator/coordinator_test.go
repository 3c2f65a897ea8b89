package coordinator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/khryptorgraphics/gpubuild/pkg/allocator"
	"github.com/khryptorgraphics/gpubuild/pkg/dispatch"
	"github.com/khryptorgraphics/gpubuild/pkg/loadbalancer"
	"github.com/khryptorgraphics/gpubuild/pkg/model"
	"github.com/khryptorgraphics/gpubuild/pkg/queue"
	"github.com/khryptorgraphics/gpubuild/pkg/scheduler"
	"github.com/khryptorgraphics/gpubuild/pkg/state"
)

// fakeSource hands the allocator a single, fixed-capacity local node.
type fakeSource struct {
	nodes []allocator.NodeResources
}

func (s fakeSource) Nodes(ctx context.Context) ([]allocator.NodeResources, error) {
	return s.nodes, nil
}

func oneNodeSource() fakeSource {
	return fakeSource{nodes: []allocator.NodeResources{{
		NodeName:          "node-1",
		TotalGPUs:         2,
		AvailableGPUs:     2,
		GPUIDs:            []string{"gpu-0", "gpu-1"},
		TotalCPUCores:     16,
		AvailableCPUCores: 16,
		TotalMemoryGB:     64,
		AvailableMemoryGB: 64,
		IsHealthy:         true,
	}}}
}

// harness wires a Coordinator against real in-memory collaborators and one
// fake worker HTTP server, mirroring how the façade wires it in production.
type harness struct {
	t    *testing.T
	coor *Coordinator
	srv  *httptest.Server
}

func newHarness(t *testing.T, handler http.HandlerFunc) *harness {
	t.Helper()

	srv := httptest.NewServer(handler)
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("url.Parse: %v", err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatalf("strconv.Atoi: %v", err)
	}

	lb := loadbalancer.New(loadbalancer.ResourceAware, time.Minute, nil)
	lb.RegisterWorker("worker-1", u.Hostname(), port, 1, 4)

	alloc := allocator.New(oneNodeSource(), nil)
	if err := alloc.Refresh(context.Background()); err != nil {
		t.Fatalf("allocator.Refresh: %v", err)
	}

	coor := New(Config{
		Queue:        queue.NewManager(100),
		Scheduler:    scheduler.NewPriorityScheduler(nil),
		Allocator:    alloc,
		LoadBalancer: lb,
		State:        state.NewManager(nil),
		Dispatcher:   dispatch.New(5 * time.Second),
	})

	return &harness{t: t, coor: coor, srv: srv}
}

func (h *harness) close() {
	h.srv.Close()
}

func succeedingWorker(status model.BuildStatus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var job struct {
			Request model.BuildRequest `json:"request"`
		}
		_ = json.NewDecoder(r.Body).Decode(&job)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(model.BuildResult{
			RequestID:       job.Request.ID,
			Status:          status,
			StartedAt:       time.Now(),
			CompletedAt:     time.Now(),
			DurationSeconds: 12.5,
		})
	}
}

func waitForStatus(t *testing.T, c *Coordinator, buildID string, want model.BuildStatus, timeout time.Duration) model.BuildSummary {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		summary, ok := c.GetStatus(context.Background(), buildID)
		if ok && summary.Status == want {
			return summary
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("build %s did not reach status %s within %s", buildID, want, timeout)
	return model.BuildSummary{}
}

func TestSubmitAndProcess_RunsToSucceeded(t *testing.T) {
	h := newHarness(t, succeedingWorker(model.StatusSucceeded))
	defer h.close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := h.coor.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer h.coor.Stop(context.Background())

	id, err := h.coor.Submit(ctx, model.BuildRequest{
		ID:         "build-1",
		Repository: "rocm/rocblas",
		Branch:     "main",
		CommitSHA:  "abc123",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	waitForStatus(t, h.coor, id, model.StatusSucceeded, 2*time.Second)
}

func TestSubmit_ClassifiesPriorityByBranch(t *testing.T) {
	h := newHarness(t, succeedingWorker(model.StatusSucceeded))
	defer h.close()

	ctx := context.Background()
	id, err := h.coor.Submit(ctx, model.BuildRequest{ID: "build-main", Branch: "main"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	req, ok := h.coor.state.GetRequest(ctx, id)
	if !ok {
		t.Fatalf("GetRequest(%s) not found", id)
	}
	if req.Priority != model.PriorityHigh && req.Priority != model.PriorityCritical {
		t.Errorf("Priority = %v, want a protected-branch bucket", req.Priority)
	}
}

func TestCancel_RemovesQueuedBuildImmediately(t *testing.T) {
	h := newHarness(t, succeedingWorker(model.StatusSucceeded))
	defer h.close()

	ctx := context.Background()
	id, err := h.coor.Submit(ctx, model.BuildRequest{ID: "build-1", Branch: "feature/x"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	ok, err := h.coor.Cancel(ctx, id, "alice", "not needed")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if !ok {
		t.Fatal("Cancel returned false for a still-queued build")
	}

	summary := waitForStatus(t, h.coor, id, model.StatusCancelled, time.Second)
	if summary.Status != model.StatusCancelled {
		t.Errorf("Status = %v, want cancelled", summary.Status)
	}
	if h.coor.queue.Contains(id) {
		t.Error("cancelled build should no longer be queued")
	}
}

func TestCancel_UnknownBuildReturnsFalse(t *testing.T) {
	h := newHarness(t, succeedingWorker(model.StatusSucceeded))
	defer h.close()

	ok, err := h.coor.Cancel(context.Background(), "does-not-exist", "alice", "")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if ok {
		t.Error("Cancel on an unknown build should return false")
	}
}

func TestRetry_SubmitsNewBuildTaggedWithRetryOf(t *testing.T) {
	h := newHarness(t, succeedingWorker(model.StatusSucceeded))
	defer h.close()

	ctx := context.Background()
	original := model.BuildRequest{ID: "build-1", Repository: "rocm/hip", Branch: "main"}
	if _, err := h.coor.Submit(ctx, original); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	retryBuildID, err := h.coor.Retry(ctx, "build-1")
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if retryBuildID == "build-1" {
		t.Error("Retry should mint a new build ID")
	}

	retryReq, ok := h.coor.state.GetRequest(ctx, retryBuildID)
	if !ok {
		t.Fatalf("GetRequest(%s) not found", retryBuildID)
	}
	if retryReq.Metadata["retry_of"] != "build-1" {
		t.Errorf("Metadata[retry_of] = %v, want build-1", retryReq.Metadata["retry_of"])
	}
}

func TestQueueStatus_ReflectsQueueDepthAndCapacity(t *testing.T) {
	h := newHarness(t, succeedingWorker(model.StatusSucceeded))
	defer h.close()

	ctx := context.Background()
	if _, err := h.coor.Submit(ctx, model.BuildRequest{ID: "build-1", Branch: "feature/a"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := h.coor.Submit(ctx, model.BuildRequest{ID: "build-2", Branch: "feature/b"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	status := h.coor.QueueStatus()
	if status.QueueDepth != 2 {
		t.Errorf("QueueDepth = %d, want 2", status.QueueDepth)
	}
	if status.AvailableGPUs != 2 {
		t.Errorf("AvailableGPUs = %d, want 2", status.AvailableGPUs)
	}
}

func TestExecute_ReenqueuesOnDispatchFailureThenFailsAfterMaxAttempts(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	defer h.close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := h.coor.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer h.coor.Stop(context.Background())

	id, err := h.coor.Submit(ctx, model.BuildRequest{ID: "build-1", Branch: "main"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	waitForStatus(t, h.coor, id, model.StatusFailed, 6*time.Second)
}

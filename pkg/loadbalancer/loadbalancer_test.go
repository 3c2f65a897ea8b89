package loadbalancer

import (
	"testing"
	"time"

	"github.com/khryptorgraphics/gpubuild/pkg/model"
)

func TestSelectWorker_LeastConnections(t *testing.T) {
	lb := New(LeastConnections, time.Minute, nil)
	lb.RegisterWorker("w1", "10.0.0.1", 8080, 1, 5)
	lb.RegisterWorker("w2", "10.0.0.2", 8080, 1, 5)

	lb.UpdateLoad("w1", 3)

	id, ok := lb.SelectWorker(model.BuildRequest{})
	if !ok || id != "w2" {
		t.Errorf("SelectWorker() = %s, %v, want w2, true", id, ok)
	}
}

func TestSelectWorker_SkipsUnhealthyAndFull(t *testing.T) {
	lb := New(LeastConnections, time.Minute, nil)
	lb.RegisterWorker("w1", "10.0.0.1", 8080, 1, 1)
	lb.RegisterWorker("w2", "10.0.0.2", 8080, 1, 5)

	lb.UpdateLoad("w1", 1) // w1 now at capacity
	lb.MarkUnhealthy("w2") // w2 now unhealthy

	_, ok := lb.SelectWorker(model.BuildRequest{})
	if ok {
		t.Error("expected no worker available when the only two are full/unhealthy")
	}
}

func TestSelectWorker_ResourceAwarePrefersLessLoaded(t *testing.T) {
	lb := New(ResourceAware, time.Minute, nil)
	lb.RegisterWorker("busy", "10.0.0.1", 8080, 1, 10)
	lb.RegisterWorker("idle", "10.0.0.2", 8080, 1, 10)

	lb.UpdateLoad("busy", 8)

	id, ok := lb.SelectWorker(model.BuildRequest{})
	if !ok || id != "idle" {
		t.Errorf("SelectWorker(resource_aware) = %s, %v, want idle, true", id, ok)
	}
}

func TestRecordCompletion_UpdatesRunningAverage(t *testing.T) {
	lb := New(LeastConnections, time.Minute, nil)
	lb.RegisterWorker("w1", "10.0.0.1", 8080, 1, 5)
	lb.UpdateLoad("w1", 1)

	lb.RecordCompletion("w1", 300*time.Second)

	stats := lb.Stats()
	if len(stats) != 1 {
		t.Fatalf("Stats() len = %d, want 1", len(stats))
	}
	if stats[0].TotalBuildsCompleted != 1 {
		t.Errorf("TotalBuildsCompleted = %d, want 1", stats[0].TotalBuildsCompleted)
	}
	if stats[0].CurrentLoad != 0 {
		t.Errorf("CurrentLoad after completion = %d, want 0", stats[0].CurrentLoad)
	}
	// running mean with n=1 replaces the 600s seed: ((1-1)*600 + 300) / 1 = 300
	if stats[0].AverageBuildTimeSeconds != 300 {
		t.Errorf("AverageBuildTimeSeconds = %v, want 300", stats[0].AverageBuildTimeSeconds)
	}
}

func TestUnregisterWorker(t *testing.T) {
	lb := New(LeastConnections, time.Minute, nil)
	lb.RegisterWorker("w1", "10.0.0.1", 8080, 1, 5)

	if !lb.UnregisterWorker("w1") {
		t.Fatal("UnregisterWorker(w1) = false, want true")
	}
	if lb.UnregisterWorker("w1") {
		t.Error("second UnregisterWorker(w1) = true, want false")
	}
}

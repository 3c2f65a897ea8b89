package state

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/khryptorgraphics/gpubuild/pkg/model"
)

func TestSaveAndGetRequest_InMemory(t *testing.T) {
	m := NewManager(nil)
	ctx := context.Background()

	req := model.BuildRequest{ID: "build-1", Repository: "rocm/rocblas"}
	if err := m.SaveRequest(ctx, req); err != nil {
		t.Fatalf("SaveRequest: %v", err)
	}

	got, ok := m.GetRequest(ctx, "build-1")
	if !ok || got.Repository != "rocm/rocblas" {
		t.Fatalf("GetRequest = %+v, %v", got, ok)
	}

	status, ok := m.GetStatus(ctx, "build-1")
	if !ok || status != model.StatusPending {
		t.Errorf("GetStatus = %v, %v, want pending, true", status, ok)
	}
}

func TestUpdateStatus_AcceptsNonMonotonicTransition(t *testing.T) {
	m := NewManager(nil)
	ctx := context.Background()
	_ = m.SaveRequest(ctx, model.BuildRequest{ID: "build-1"})

	if err := m.UpdateStatus(ctx, "build-1", model.StatusRunning, nil); err != nil {
		t.Fatalf("UpdateStatus(running): %v", err)
	}
	if err := m.UpdateStatus(ctx, "build-1", model.StatusSucceeded, nil); err != nil {
		t.Fatalf("UpdateStatus(succeeded): %v", err)
	}

	// A regression from a terminal status back to running is accepted, not
	// rejected — the caller owns correctness; the map just records it (and
	// logs it as an anomaly).
	if err := m.UpdateStatus(ctx, "build-1", model.StatusRunning, nil); err != nil {
		t.Fatalf("UpdateStatus(running after succeeded): %v", err)
	}
	status, ok := m.GetStatus(ctx, "build-1")
	if !ok || status != model.StatusRunning {
		t.Errorf("GetStatus = %v, %v, want running, true", status, ok)
	}
}

func TestCheckpoint_LatestReturnsMostRecent(t *testing.T) {
	m := NewManager(nil)
	ctx := context.Background()

	_ = m.Checkpoint(ctx, "build-1", "cloned", nil)
	_ = m.Checkpoint(ctx, "build-1", "compiling", map[string]interface{}{"progress": 0.5})

	cp, ok := m.LatestCheckpoint(ctx, "build-1")
	if !ok || cp.Stage != "compiling" {
		t.Fatalf("LatestCheckpoint = %+v, %v, want compiling", cp, ok)
	}
}

func TestDelete_RemovesAllState(t *testing.T) {
	m := NewManager(nil)
	ctx := context.Background()
	_ = m.SaveRequest(ctx, model.BuildRequest{ID: "build-1"})
	_ = m.Checkpoint(ctx, "build-1", "cloned", nil)

	m.Delete(ctx, "build-1")

	if _, ok := m.GetRequest(ctx, "build-1"); ok {
		t.Error("GetRequest after Delete should report false")
	}
	if _, ok := m.LatestCheckpoint(ctx, "build-1"); ok {
		t.Error("LatestCheckpoint after Delete should report false")
	}
}

func TestAllActive_ExcludesTerminalBuilds(t *testing.T) {
	m := NewManager(nil)
	ctx := context.Background()
	_ = m.SaveRequest(ctx, model.BuildRequest{ID: "pending-1"})
	_ = m.SaveRequest(ctx, model.BuildRequest{ID: "done-1"})
	_ = m.UpdateStatus(ctx, "done-1", model.StatusRunning, nil)
	_ = m.UpdateStatus(ctx, "done-1", model.StatusSucceeded, nil)

	active := m.AllActive()
	if _, ok := active["pending-1"]; !ok {
		t.Error("pending-1 should be active")
	}
	if _, ok := active["done-1"]; ok {
		t.Error("done-1 should not be active")
	}
}

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	srv, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(srv.Close)
	return redis.NewClient(&redis.Options{Addr: srv.Addr()})
}

func TestRedisPersistence_SurvivesManagerRestart(t *testing.T) {
	client := newTestRedis(t)
	ctx := context.Background()

	first := NewManagerWithRedis(client, nil)
	req := model.BuildRequest{ID: "build-1", Repository: "rocm/hip"}
	if err := first.SaveRequest(ctx, req); err != nil {
		t.Fatalf("SaveRequest: %v", err)
	}
	if err := first.UpdateStatus(ctx, "build-1", model.StatusRunning, nil); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	// A fresh Manager backed by the same Redis instance simulates a restart.
	second := NewManagerWithRedis(client, nil)
	got, ok := second.GetRequest(ctx, "build-1")
	if !ok || got.Repository != "rocm/hip" {
		t.Fatalf("GetRequest after restart = %+v, %v", got, ok)
	}

	status, ok := second.GetStatus(ctx, "build-1")
	if !ok || status != model.StatusRunning {
		t.Errorf("GetStatus after restart = %v, %v, want running, true", status, ok)
	}
}

func TestRestorePending_ReturnsOnlyPendingAndRunning(t *testing.T) {
	client := newTestRedis(t)
	ctx := context.Background()

	m := NewManagerWithRedis(client, nil)
	_ = m.SaveRequest(ctx, model.BuildRequest{ID: "pending-1"})
	_ = m.SaveRequest(ctx, model.BuildRequest{ID: "running-1"})
	_ = m.UpdateStatus(ctx, "running-1", model.StatusRunning, nil)
	_ = m.SaveRequest(ctx, model.BuildRequest{ID: "done-1"})
	_ = m.UpdateStatus(ctx, "done-1", model.StatusRunning, nil)
	_ = m.UpdateStatus(ctx, "done-1", model.StatusFailed, nil)

	restored, err := m.RestorePending(ctx)
	if err != nil {
		t.Fatalf("RestorePending: %v", err)
	}

	ids := make(map[string]bool)
	for _, r := range restored {
		ids[r.ID] = true
	}
	if !ids["pending-1"] || !ids["running-1"] {
		t.Errorf("RestorePending() = %+v, want pending-1 and running-1", restored)
	}
	if ids["done-1"] {
		t.Error("RestorePending() should not include a terminal build")
	}
}

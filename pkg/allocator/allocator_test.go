package allocator

import (
	"context"
	"testing"

	"github.com/khryptorgraphics/gpubuild/pkg/model"
)

type fakeSource struct {
	nodes []NodeResources
	err   error
}

func (f *fakeSource) Nodes(ctx context.Context) ([]NodeResources, error) {
	return f.nodes, f.err
}

func oneNode(gpus, cpu int, memGB float64, arch model.GPUArchitecture) []NodeResources {
	gpuIDs := make([]string, gpus)
	archs := make([]model.GPUArchitecture, gpus)
	for i := range gpuIDs {
		gpuIDs[i] = "gpu-" + string(rune('a'+i))
		archs[i] = arch
	}
	return []NodeResources{{
		NodeName:          "node-1",
		TotalGPUs:         gpus,
		AvailableGPUs:     gpus,
		GPUIDs:            gpuIDs,
		GPUArchitectures:  archs,
		TotalCPUCores:     cpu,
		AvailableCPUCores: cpu,
		TotalMemoryGB:     memGB,
		AvailableMemoryGB: memGB,
		IsHealthy:         true,
	}}
}

func TestAllocate_SucceedsWhenCapacityFits(t *testing.T) {
	a := New(&fakeSource{nodes: oneNode(2, 16, 64, model.GFX90A)}, nil)
	if err := a.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	alloc, err := a.Allocate(model.BuildConfiguration{CPUCores: 8, MemoryGB: 32, GPUArchitecture: model.GFX90A})
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if alloc.NodeName != "node-1" {
		t.Errorf("NodeName = %s, want node-1", alloc.NodeName)
	}
	if len(alloc.GPUIDs) != 1 {
		t.Errorf("GPUIDs len = %d, want 1", len(alloc.GPUIDs))
	}

	avail := a.Available()
	if avail.GPUCount != 1 {
		t.Errorf("Available().GPUCount = %d, want 1 (one GPU reserved)", avail.GPUCount)
	}
}

func TestAllocate_FailsWhenNoNodeFits(t *testing.T) {
	a := New(&fakeSource{nodes: oneNode(1, 4, 16, model.GFX90A)}, nil)
	_ = a.Refresh(context.Background())

	_, err := a.Allocate(model.BuildConfiguration{CPUCores: 64, MemoryGB: 256})
	if err == nil {
		t.Fatal("expected an error when no node has enough capacity")
	}
}

func TestAllocate_FailsOnArchitectureMismatch(t *testing.T) {
	a := New(&fakeSource{nodes: oneNode(1, 8, 32, model.GFX90A)}, nil)
	_ = a.Refresh(context.Background())

	_, err := a.Allocate(model.BuildConfiguration{CPUCores: 4, MemoryGB: 16, GPUArchitecture: model.GFX1100})
	if err == nil {
		t.Fatal("expected an error when the requested architecture is unavailable")
	}
}

func TestRelease_ReturnsCapacity(t *testing.T) {
	a := New(&fakeSource{nodes: oneNode(1, 8, 32, model.GFX90A)}, nil)
	_ = a.Refresh(context.Background())

	alloc, err := a.Allocate(model.BuildConfiguration{CPUCores: 8, MemoryGB: 32})
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	if avail := a.Available(); avail.GPUCount != 0 {
		t.Fatalf("GPUCount after allocate = %d, want 0", avail.GPUCount)
	}

	if !a.Release(alloc) {
		t.Fatal("Release returned false for a live allocation")
	}

	if avail := a.Available(); avail.GPUCount != 1 {
		t.Errorf("GPUCount after release = %d, want 1", avail.GPUCount)
	}
}

func TestRelease_UnknownAllocationReturnsFalse(t *testing.T) {
	a := New(&fakeSource{nodes: oneNode(1, 8, 32, model.GFX90A)}, nil)
	_ = a.Refresh(context.Background())

	if a.Release(ResourceAllocation{AllocationID: "does-not-exist"}) {
		t.Error("Release of an unknown allocation should return false")
	}
}

func TestRefresh_PreservesOutstandingAllocationsAcrossRefresh(t *testing.T) {
	src := &fakeSource{nodes: oneNode(2, 16, 64, model.GFX90A)}
	a := New(src, nil)
	_ = a.Refresh(context.Background())

	alloc, err := a.Allocate(model.BuildConfiguration{CPUCores: 8, MemoryGB: 32})
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	// A later refresh reports the same total capacity; consumed capacity
	// from the outstanding allocation must still be subtracted.
	_ = a.Refresh(context.Background())

	avail := a.Available()
	if avail.GPUCount != 1 {
		t.Errorf("GPUCount after re-refresh = %d, want 1 (1 still reserved)", avail.GPUCount)
	}

	_ = alloc
}

// Package allocator tracks per-node GPU/CPU/memory capacity and hands out
// ResourceAllocations to the Coordinator for the lifetime of one build.
package allocator

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/khryptorgraphics/gpubuild/pkg/model"
	sharederrors "github.com/khryptorgraphics/gpubuild/pkg/shared/errors"
	"github.com/khryptorgraphics/gpubuild/pkg/shared/logging"
)

// NodeResources is one build node's total and currently available capacity.
type NodeResources struct {
	NodeName           string
	Zone               string
	TotalGPUs          int
	AvailableGPUs      int
	GPUIDs             []string
	GPUArchitectures   []model.GPUArchitecture
	TotalCPUCores      int
	AvailableCPUCores  int
	TotalMemoryGB      float64
	AvailableMemoryGB  float64
	IsHealthy          bool
	LastUpdated        time.Time
}

// hasArchitecture reports whether arch is served by at least one GPU on n.
func (n NodeResources) hasArchitecture(arch model.GPUArchitecture) bool {
	for _, a := range n.GPUArchitectures {
		if a == arch {
			return true
		}
	}
	return false
}

// ResourceAllocation is a reservation of capacity on one node, held for the
// duration of a single dispatched build.
type ResourceAllocation struct {
	AllocationID string
	GPUIDs       []string
	CPUCores     int
	MemoryGB     float64
	NodeName     string
	AllocatedAt  time.Time
}

// ClusterSource abstracts where node inventory comes from: a single local
// machine (rocm-smi-style self-description) or a live cloud cluster. It is
// the allocator's only variation point — Allocator itself never knows which
// source backs it.
type ClusterSource interface {
	// Nodes returns the current inventory of build nodes this source knows
	// about. The allocator treats the result as the complete current
	// inventory, not a delta: a known node missing from it is marked
	// unhealthy but kept, so its outstanding allocations can still be
	// released.
	Nodes(ctx context.Context) ([]NodeResources, error)
}

// Allocator selects a node for a BuildConfiguration and tracks outstanding
// allocations so Release can give capacity back. A single mutex guards both
// the node table and the allocation table, since allocate/release always
// touch both together.
type Allocator struct {
	mu          sync.Mutex
	source      ClusterSource
	nodes       map[string]*NodeResources
	allocations map[string]ResourceAllocation
	logger      *slog.Logger
}

// New constructs an Allocator backed by source.
func New(source ClusterSource, logger *slog.Logger) *Allocator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Allocator{
		source:      source,
		nodes:       make(map[string]*NodeResources),
		allocations: make(map[string]ResourceAllocation),
		logger:      logger,
	}
}

// Refresh pulls the latest node inventory from the ClusterSource and merges
// it into the allocator's view, preserving in-flight availability for nodes
// it already knew about (a refresh must never hand back capacity that is
// currently allocated). Known nodes absent from the inventory are marked
// unhealthy.
func (a *Allocator) Refresh(ctx context.Context) error {
	nodes, err := a.source.Nodes(ctx)
	if err != nil {
		return sharederrors.FailedToWithDetails("refresh node resources", "allocator", "", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	reported := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		n := n
		reported[n.NodeName] = true
		existing, known := a.nodes[n.NodeName]
		if !known {
			a.nodes[n.NodeName] = &n
			continue
		}
		// Carry forward consumed capacity: the source reports total/healthy
		// state, but outstanding allocations already reduced availability.
		consumed := existing.TotalGPUs - existing.AvailableGPUs
		consumedCPU := existing.TotalCPUCores - existing.AvailableCPUCores
		consumedMem := existing.TotalMemoryGB - existing.AvailableMemoryGB

		n.AvailableGPUs = n.TotalGPUs - consumed
		n.AvailableCPUCores = n.TotalCPUCores - consumedCPU
		n.AvailableMemoryGB = n.TotalMemoryGB - consumedMem
		a.nodes[n.NodeName] = &n
	}
	for name, n := range a.nodes {
		if !reported[name] {
			n.IsHealthy = false
		}
	}

	a.logger.Debug("refreshed node resources",
		logging.NodeFields("refresh", "node", "", "").Custom("node_count", len(a.nodes)).ToLogrus())
	return nil
}

// defaultCPUCores and defaultMemoryGB are the requirement floors applied
// when a BuildConfiguration does not specify them.
const (
	defaultCPUCores = 8
	defaultMemoryGB = 32.0
	requiredGPUs    = 1
)

// Allocate reserves capacity for one BuildConfiguration, preferring the
// healthy node with the most spare GPU capacity among those that satisfy
// every requirement. When nothing fits it returns an OperationError
// wrapping a "capacity" validation error; callers should treat that as "re-enqueue and
// retry on the next poll", not a permanent failure.
func (a *Allocator) Allocate(config model.BuildConfiguration) (ResourceAllocation, error) {
	requiredCPU := config.CPUCores
	if requiredCPU <= 0 {
		requiredCPU = defaultCPUCores
	}
	requiredMemory := config.MemoryGB
	if requiredMemory <= 0 {
		requiredMemory = defaultMemoryGB
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	names := make([]string, 0, len(a.nodes))
	for name := range a.nodes {
		names = append(names, name)
	}
	sort.Strings(names)

	var selected *NodeResources
	for _, name := range names {
		n := a.nodes[name]
		if !n.IsHealthy {
			continue
		}
		if n.AvailableGPUs < requiredGPUs {
			continue
		}
		if n.AvailableCPUCores < requiredCPU {
			continue
		}
		if n.AvailableMemoryGB < requiredMemory {
			continue
		}
		if config.GPUArchitecture != "" && !n.hasArchitecture(config.GPUArchitecture) {
			continue
		}
		if selected == nil || n.AvailableGPUs > selected.AvailableGPUs {
			selected = n
		}
	}

	if selected == nil {
		return ResourceAllocation{}, sharederrors.FailedToWithDetails(
			"allocate resources", "allocator", "",
			sharederrors.ValidationError("capacity", "no node satisfies the requested configuration"))
	}

	inUse := make(map[string]bool)
	for _, existing := range a.allocations {
		if existing.NodeName == selected.NodeName {
			for _, id := range existing.GPUIDs {
				inUse[id] = true
			}
		}
	}
	gpuIDs := make([]string, 0, requiredGPUs)
	for _, id := range selected.GPUIDs {
		if len(gpuIDs) < requiredGPUs && !inUse[id] {
			gpuIDs = append(gpuIDs, id)
		}
	}
	selected.AvailableGPUs -= requiredGPUs
	selected.AvailableCPUCores -= requiredCPU
	selected.AvailableMemoryGB -= requiredMemory

	alloc := ResourceAllocation{
		AllocationID: uuid.NewString(),
		GPUIDs:       gpuIDs,
		CPUCores:     requiredCPU,
		MemoryGB:     requiredMemory,
		NodeName:     selected.NodeName,
		AllocatedAt:  time.Now(),
	}
	a.allocations[alloc.AllocationID] = alloc

	a.logger.Info("allocated resources",
		logging.NodeFields("allocate", "gpu", selected.NodeName, selected.Zone).
			Custom("gpu_count", len(gpuIDs)).
			Custom("cpu_cores", requiredCPU).
			Custom("memory_gb", requiredMemory).ToLogrus())

	return alloc, nil
}

// Release returns an allocation's capacity to its node. It is idempotent:
// releasing an unknown allocation ID is reported but not treated as fatal,
// since the Coordinator may call Release during interrupted-build recovery
// without certainty the allocation is still outstanding.
func (a *Allocator) Release(alloc ResourceAllocation) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.allocations[alloc.AllocationID]; !ok {
		a.logger.Warn("release of unknown allocation",
			logging.NodeFields("release", "allocation", alloc.AllocationID, "").ToLogrus())
		return false
	}
	delete(a.allocations, alloc.AllocationID)

	if node, ok := a.nodes[alloc.NodeName]; ok {
		node.AvailableGPUs += len(alloc.GPUIDs)
		node.AvailableCPUCores += alloc.CPUCores
		node.AvailableMemoryGB += alloc.MemoryGB
	}

	a.logger.Info("released resources",
		logging.NodeFields("release", "allocation", alloc.AllocationID, "").ToLogrus())
	return true
}

// AvailableResources summarizes cluster-wide spare capacity, for the
// façade's queue_status / cluster-status endpoints.
type AvailableResources struct {
	GPUCount     int
	CPUCores     int
	MemoryGB     float64
	HealthyNodes int
	TotalNodes   int
}

// Available returns the cluster-wide summary of spare capacity across
// healthy nodes.
func (a *Allocator) Available() AvailableResources {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out AvailableResources
	out.TotalNodes = len(a.nodes)
	for _, n := range a.nodes {
		if !n.IsHealthy {
			continue
		}
		out.HealthyNodes++
		out.GPUCount += n.AvailableGPUs
		out.CPUCores += n.AvailableCPUCores
		out.MemoryGB += n.AvailableMemoryGB
	}
	return out
}

// NodeStatus returns a point-in-time snapshot of every known node, for
// diagnostic/cluster-status endpoints.
func (a *Allocator) NodeStatus() []NodeResources {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]NodeResources, 0, len(a.nodes))
	for _, n := range a.nodes {
		out = append(out, *n)
	}
	return out
}

package allocator

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/khryptorgraphics/gpubuild/pkg/model"
)

// LocalClusterSource describes the single machine the control plane runs
// on, the standalone-mode fallback used when no cloud cluster is
// configured. GPU count comes from rocm-smi when present; a machine with
// none reports zero GPUs rather than erroring, since a CPU-only dev box is
// a legitimate (if build-starved) target.
type LocalClusterSource struct {
	NodeName        string
	GPUArchitecture model.GPUArchitecture
	CPUCores        int
	MemoryGB        float64
}

// NewLocalClusterSource constructs a LocalClusterSource reporting a fixed
// architecture for every detected GPU, since a bare-metal box rarely mixes
// GPU generations.
func NewLocalClusterSource(nodeName string, arch model.GPUArchitecture, cpuCores int, memoryGB float64) *LocalClusterSource {
	if nodeName == "" {
		nodeName = "local"
	}
	return &LocalClusterSource{
		NodeName:        nodeName,
		GPUArchitecture: arch,
		CPUCores:        cpuCores,
		MemoryGB:        memoryGB,
	}
}

// Nodes implements ClusterSource by probing rocm-smi for GPU count. Core
// count and memory come from the configured values, or from runtime.NumCPU
// and /proc/meminfo when those are zero.
func (s *LocalClusterSource) Nodes(ctx context.Context) ([]NodeResources, error) {
	gpuCount := s.detectGPUs(ctx)

	cpuCores := s.CPUCores
	if cpuCores <= 0 {
		cpuCores = runtime.NumCPU()
	}
	memoryGB := s.MemoryGB
	if memoryGB <= 0 {
		if raw, err := os.ReadFile("/proc/meminfo"); err == nil {
			var kb float64
			if _, err := fmt.Sscanf(string(raw), "MemTotal: %f kB", &kb); err == nil {
				memoryGB = kb / (1024 * 1024)
			}
		}
	}

	gpuIDs := make([]string, gpuCount)
	archs := make([]model.GPUArchitecture, gpuCount)
	for i := range gpuIDs {
		gpuIDs[i] = "gpu-" + strconv.Itoa(i)
		archs[i] = s.GPUArchitecture
	}

	return []NodeResources{{
		NodeName:          s.NodeName,
		TotalGPUs:         gpuCount,
		AvailableGPUs:     gpuCount,
		GPUIDs:            gpuIDs,
		GPUArchitectures:  archs,
		TotalCPUCores:     cpuCores,
		AvailableCPUCores: cpuCores,
		TotalMemoryGB:     memoryGB,
		AvailableMemoryGB: memoryGB,
		IsHealthy:         true,
		LastUpdated:       time.Now(),
	}}, nil
}

func (s *LocalClusterSource) detectGPUs(ctx context.Context) int {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, "rocm-smi", "--showid").Output()
	if err != nil {
		return 0
	}

	count := 0
	for _, line := range strings.Split(string(out), "\n") {
		if strings.Contains(line, "GPU") {
			count++
		}
	}
	return count
}

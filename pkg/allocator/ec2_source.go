package allocator

import (
	"context"
	"strconv"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/khryptorgraphics/gpubuild/pkg/model"
	sharederrors "github.com/khryptorgraphics/gpubuild/pkg/shared/errors"
)

// ec2API is the subset of the EC2 client EC2ClusterSource depends on, so
// tests can substitute a fake without a live AWS account.
type ec2API interface {
	DescribeInstances(ctx context.Context, in *ec2.DescribeInstancesInput, opts ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
}

// instanceGPUProfile is the fixed GPU/CPU/memory shape of a known GPU
// instance family, keyed by EC2 instance type. Instances of unlisted types
// are skipped and do not appear as nodes.
var instanceGPUProfile = map[string]struct {
	gpus     int
	arch     model.GPUArchitecture
	cpuCores int
	memoryGB float64
}{
	"g4ad.xlarge":   {gpus: 1, arch: model.GFX1030, cpuCores: 4, memoryGB: 16},
	"g4ad.4xlarge":  {gpus: 1, arch: model.GFX1030, cpuCores: 16, memoryGB: 64},
	"g4ad.16xlarge": {gpus: 4, arch: model.GFX1030, cpuCores: 64, memoryGB: 256},
}

// EC2ClusterSource discovers GPU-capable build nodes as running EC2
// instances tagged with the control plane's role tag, tracking a node's
// "healthy" state as its EC2 instance-state matches "running".
type EC2ClusterSource struct {
	client  ec2API
	roleTag string
}

// NewEC2ClusterSource constructs an EC2ClusterSource from an AWS config
// loaded for the given region. roleTag selects which instances are treated
// as build nodes (matched against the "Role" tag).
func NewEC2ClusterSource(ctx context.Context, region, roleTag string) (*EC2ClusterSource, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, sharederrors.FailedToWithDetails("load AWS config", "allocator", region, err)
	}
	if roleTag == "" {
		roleTag = "gpubuild-worker"
	}
	return &EC2ClusterSource{client: ec2.NewFromConfig(cfg), roleTag: roleTag}, nil
}

// Nodes implements ClusterSource by describing every running instance
// tagged with this source's role and translating its instance type into a
// NodeResources entry via instanceGPUProfile.
func (s *EC2ClusterSource) Nodes(ctx context.Context) ([]NodeResources, error) {
	out, err := s.client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		Filters: []types.Filter{
			{Name: strPtr("tag:Role"), Values: []string{s.roleTag}},
			{Name: strPtr("instance-state-name"), Values: []string{"running", "pending"}},
		},
	})
	if err != nil {
		return nil, sharederrors.FailedToWithDetails("describe EC2 instances", "allocator", s.roleTag, err)
	}

	var nodes []NodeResources
	for _, reservation := range out.Reservations {
		for _, inst := range reservation.Instances {
			profile, known := instanceGPUProfile[string(inst.InstanceType)]
			if !known {
				continue
			}

			nodeName := nodeNameOf(inst)
			gpuIDs := make([]string, profile.gpus)
			archs := make([]model.GPUArchitecture, profile.gpus)
			for i := range gpuIDs {
				gpuIDs[i] = nodeName + "-gpu-" + strconv.Itoa(i)
				archs[i] = profile.arch
			}

			zone := ""
			if inst.Placement != nil && inst.Placement.AvailabilityZone != nil {
				zone = *inst.Placement.AvailabilityZone
			}

			nodes = append(nodes, NodeResources{
				NodeName:          nodeName,
				Zone:              zone,
				TotalGPUs:         profile.gpus,
				AvailableGPUs:     profile.gpus,
				GPUIDs:            gpuIDs,
				GPUArchitectures:  archs,
				TotalCPUCores:     profile.cpuCores,
				AvailableCPUCores: profile.cpuCores,
				TotalMemoryGB:     profile.memoryGB,
				AvailableMemoryGB: profile.memoryGB,
				IsHealthy:         inst.State == nil || inst.State.Name == types.InstanceStateNameRunning,
				LastUpdated:       time.Now(),
			})
		}
	}
	return nodes, nil
}

func nodeNameOf(inst types.Instance) string {
	if inst.InstanceId != nil {
		return *inst.InstanceId
	}
	return "unknown"
}

func strPtr(s string) *string { return &s }

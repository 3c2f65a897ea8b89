// Package dispatch sends a dispatched build to the worker node that will
// actually run it, and decodes the worker's result.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/khryptorgraphics/gpubuild/pkg/allocator"
	"github.com/khryptorgraphics/gpubuild/pkg/loadbalancer"
	"github.com/khryptorgraphics/gpubuild/pkg/model"
	sharederrors "github.com/khryptorgraphics/gpubuild/pkg/shared/errors"
)

// buildJob is the wire payload POSTed to a worker's /execute endpoint.
type buildJob struct {
	Request    model.BuildRequest           `json:"request"`
	Allocation allocator.ResourceAllocation `json:"allocation"`
}

// Client dispatches build execution requests to worker nodes over HTTP.
// It is the only component that crosses the coordinator/worker process
// boundary — the Coordinator never talks to a worker directly.
type Client struct {
	httpClient *http.Client
}

// New constructs a dispatch Client with the given overall request timeout.
func New(timeout time.Duration) *Client {
	return &Client{httpClient: &http.Client{Timeout: timeout}}
}

// Dispatch sends request and its resource allocation to worker (a
// loadbalancer.WorkerInfo-shaped address) and blocks for the worker's
// BuildResult. ctx governs the whole round trip, including the time the
// worker itself spends building.
func (c *Client) Dispatch(ctx context.Context, worker WorkerAddress, req model.BuildRequest, alloc allocator.ResourceAllocation) (model.BuildResult, error) {
	payload, err := json.Marshal(buildJob{Request: req, Allocation: alloc})
	if err != nil {
		return model.BuildResult{}, sharederrors.ParseError("build job", "json", err)
	}

	url := fmt.Sprintf("http://%s:%d/execute", worker.Address, worker.Port)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return model.BuildResult{}, sharederrors.NetworkError("build dispatch request", url, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return model.BuildResult{}, sharederrors.NetworkError("dispatch build", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return model.BuildResult{}, sharederrors.FailedToWithDetails(
			"dispatch build", "dispatch", worker.WorkerID,
			fmt.Errorf("worker responded with status %d", resp.StatusCode))
	}

	var result model.BuildResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return model.BuildResult{}, sharederrors.ParseError("build result", "json", err)
	}
	return result, nil
}

// WorkerAddress is the subset of loadbalancer.WorkerInfo the dispatch
// client needs to address a worker, kept narrow so dispatch does not
// import the load balancer's mutable state.
type WorkerAddress struct {
	WorkerID string
	Address  string
	Port     int
}

// AddressOf extracts a WorkerAddress from a loadbalancer.WorkerInfo.
func AddressOf(w loadbalancer.WorkerInfo) WorkerAddress {
	return WorkerAddress{WorkerID: w.WorkerID, Address: w.Address, Port: w.Port}
}

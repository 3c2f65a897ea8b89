package model

import (
	"time"
)

// GPUArchitecture identifies a target GPU ISA/microarchitecture for a build.
type GPUArchitecture string

const (
	GFX900  GPUArchitecture = "gfx900"
	GFX906  GPUArchitecture = "gfx906"
	GFX908  GPUArchitecture = "gfx908"
	GFX90A  GPUArchitecture = "gfx90a"
	GFX1030 GPUArchitecture = "gfx1030"
	GFX1100 GPUArchitecture = "gfx1100"
	GFX1101 GPUArchitecture = "gfx1101"
)

// BuildType is the compilation profile requested for a BuildConfiguration.
type BuildType string

const (
	BuildTypeDebug             BuildType = "debug"
	BuildTypeRelease           BuildType = "release"
	BuildTypeReleaseWithDebug  BuildType = "release-with-debug-info"
)

// BuildConfiguration is the unit of scheduling: one desired build environment
// for a BuildRequest. A request may carry several, but the allocator and
// coordinator operate on a single configuration per dispatch.
type BuildConfiguration struct {
	ROCmVersion     string            `json:"rocm_version"`
	GPUArchitecture GPUArchitecture   `json:"gpu_architecture"`
	BuildType       BuildType         `json:"build_type"`
	PythonVersion   string            `json:"python_version"`
	CPUCores        int               `json:"cpu_cores"`
	MemoryGB        float64           `json:"memory_gb"`
	ExtraFlags      []string          `json:"extra_flags,omitempty"`
	EnvironmentVars map[string]string `json:"environment_variables,omitempty"`
}

// BuildRequest is the immutable admission record the webhook layer hands to
// the Coordinator. Its id is unique for the lifetime of the process.
type BuildRequest struct {
	ID             string                 `json:"id"`
	Repository     string                 `json:"repository"`
	CommitSHA      string                 `json:"commit_sha"`
	Branch         string                 `json:"branch"`
	PRNumber       *int                   `json:"pr_number,omitempty"`
	PRTitle        string                 `json:"pr_title,omitempty"`
	PRAuthor       string                 `json:"pr_author,omitempty"`
	TriggeredBy    string                 `json:"triggered_by"`
	Configurations []BuildConfiguration   `json:"configurations"`
	Priority       Priority               `json:"priority"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
}

// IsSkeletal reports whether the request lacks the fields the webhook layer
// fills in lazily for a /rebuild comment trigger (the only legitimate
// skeletal case).
func (r BuildRequest) IsSkeletal() bool {
	return r.CommitSHA == "" || r.Branch == ""
}

// Labels returns the free-form label list stashed in Metadata["labels"], or
// nil if absent or of the wrong shape.
func (r BuildRequest) Labels() []string {
	raw, ok := r.Metadata["labels"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// BoolMeta reads a boolean flag out of Metadata, defaulting to false.
func (r BuildRequest) BoolMeta(key string) bool {
	raw, ok := r.Metadata[key]
	if !ok {
		return false
	}
	b, _ := raw.(bool)
	return b
}

// RetryCount reads Metadata["retry_count"], defaulting to 0.
func (r BuildRequest) RetryCount() int {
	raw, ok := r.Metadata["retry_count"]
	if !ok {
		return 0
	}
	switch v := raw.(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 0
	}
}

// BuildStatus is the terminal/non-terminal lifecycle stage of a BuildRequest
// as tracked by the State Manager. Transitions are monotonic:
// Pending -> Running -> {Succeeded|Failed|Cancelled|Timeout}.
type BuildStatus string

const (
	StatusPending   BuildStatus = "pending"
	StatusRunning   BuildStatus = "running"
	StatusSucceeded BuildStatus = "succeeded"
	StatusFailed    BuildStatus = "failed"
	StatusCancelled BuildStatus = "cancelled"
	StatusTimeout   BuildStatus = "timeout"
)

// terminalRank orders statuses for the monotonicity check: Pending (0) <
// Running (1) < any terminal status (2). A move from one terminal status to
// a different one is not forward either: IsForwardFrom reports false for it.
func (s BuildStatus) terminalRank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusRunning:
		return 1
	default:
		return 2
	}
}

// IsForwardFrom reports whether transitioning from `prev` to `s` is a legal
// monotonic step (or a no-op repeat of the same status).
func (s BuildStatus) IsForwardFrom(prev BuildStatus) bool {
	if prev == "" {
		return true
	}
	if prev == s {
		return true
	}
	return s.terminalRank() > prev.terminalRank()
}

// IsTerminal reports whether s is one of the four terminal statuses.
func (s BuildStatus) IsTerminal() bool {
	return s.terminalRank() == 2
}

// BuildResult is what a dispatched worker returns for one execution.
type BuildResult struct {
	RequestID        string      `json:"request_id"`
	Status           BuildStatus `json:"status"`
	StartedAt        time.Time   `json:"started_at"`
	CompletedAt      time.Time   `json:"completed_at"`
	DurationSeconds  float64     `json:"duration_seconds"`
	NodeName         string      `json:"node_name,omitempty"`
	Error            string      `json:"error,omitempty"`
}

// BuildSummary is the façade's read model for get_status/queue_status
// responses — it never exposes internal allocator/queue state directly.
type BuildSummary struct {
	BuildID       string      `json:"build_id"`
	Repository    string      `json:"repository"`
	Branch        string      `json:"branch"`
	Status        BuildStatus `json:"status"`
	StartedAt     *time.Time  `json:"started_at,omitempty"`
	CompletedAt   *time.Time  `json:"completed_at,omitempty"`
	DurationSecs  *float64    `json:"duration_seconds,omitempty"`
	Error         string      `json:"error,omitempty"`
	CancelledBy   string      `json:"cancelled_by,omitempty"`
}

// Package state tracks every BuildRequest's lifecycle state and stage
// checkpoints, optionally persisting both to Redis so a coordinator
// restart can resume in-flight builds instead of losing them.
package state

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/khryptorgraphics/gpubuild/pkg/model"
	sharederrors "github.com/khryptorgraphics/gpubuild/pkg/shared/errors"
	"github.com/khryptorgraphics/gpubuild/pkg/shared/logging"
)

// persistTTL is how long a build's Redis-backed state survives after its
// last write, matching the original seven-day retention window.
const persistTTL = 7 * 24 * time.Hour

// Checkpoint records one stage transition within a build's execution, for
// restart recovery and progress reporting.
type Checkpoint struct {
	Stage     string                 `json:"stage"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// buildState is the full in-memory record the Manager keeps per build.
type buildState struct {
	Status      model.BuildStatus      `json:"status"`
	UpdatedAt   time.Time              `json:"updated_at"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// Manager is the control plane's authoritative record of every build's
// current status and checkpoint history. All in-memory state is guarded by
// a single mutex; an optional Redis client makes the same writes durable.
type Manager struct {
	mu          sync.Mutex
	requests    map[string]model.BuildRequest
	states      map[string]*buildState
	checkpoints map[string][]Checkpoint

	redis  *redis.Client
	logger *slog.Logger
}

// NewManager constructs a Manager with purely in-memory state. Use
// NewManagerWithRedis for durable persistence.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		requests:    make(map[string]model.BuildRequest),
		states:      make(map[string]*buildState),
		checkpoints: make(map[string][]Checkpoint),
		logger:      logger,
	}
}

// NewManagerWithRedis constructs a Manager that additionally mirrors every
// write to Redis under a seven-day TTL, for restart recovery.
func NewManagerWithRedis(client *redis.Client, logger *slog.Logger) *Manager {
	m := NewManager(logger)
	m.redis = client
	return m
}

func requestKey(buildID string) string    { return "build:request:" + buildID }
func stateKey(buildID string) string      { return "build:state:" + buildID }
func checkpointKey(buildID string) string { return "build:checkpoint:" + buildID }

// SaveRequest records a newly admitted BuildRequest and initializes its
// state to Pending.
func (m *Manager) SaveRequest(ctx context.Context, req model.BuildRequest) error {
	m.mu.Lock()
	m.requests[req.ID] = req
	m.states[req.ID] = &buildState{Status: model.StatusPending, UpdatedAt: time.Now()}
	st := *m.states[req.ID]
	m.mu.Unlock()

	if err := m.persistRequest(ctx, req); err != nil {
		return err
	}
	return m.persistState(ctx, req.ID, st)
}

// GetRequest returns the saved BuildRequest for buildID, falling back to
// Redis when it is not (or no longer) held in memory.
func (m *Manager) GetRequest(ctx context.Context, buildID string) (model.BuildRequest, bool) {
	m.mu.Lock()
	req, ok := m.requests[buildID]
	m.mu.Unlock()
	if ok {
		return req, true
	}
	if m.redis == nil {
		return model.BuildRequest{}, false
	}

	raw, err := m.redis.Get(ctx, requestKey(buildID)).Result()
	if err != nil {
		return model.BuildRequest{}, false
	}
	var loaded model.BuildRequest
	if err := json.Unmarshal([]byte(raw), &loaded); err != nil {
		m.logger.Error("corrupt persisted build request",
			logging.DatabaseFields("get", "build_request").Error(err).ToLogrus())
		return model.BuildRequest{}, false
	}
	return loaded, true
}

// GetStatus returns buildID's current status, falling back to Redis.
func (m *Manager) GetStatus(ctx context.Context, buildID string) (model.BuildStatus, bool) {
	m.mu.Lock()
	st, ok := m.states[buildID]
	m.mu.Unlock()
	if ok {
		return st.Status, true
	}
	if m.redis == nil {
		return "", false
	}

	raw, err := m.redis.Get(ctx, stateKey(buildID)).Result()
	if err != nil {
		return "", false
	}
	var loaded buildState
	if err := json.Unmarshal([]byte(raw), &loaded); err != nil {
		return "", false
	}
	return loaded.Status, true
}

// UpdateStatus moves buildID to a new status. A non-monotonic transition
// (see model.BuildStatus.IsForwardFrom) is still accepted — the caller owns
// correctness — but is logged as an anomaly rather than rejected.
func (m *Manager) UpdateStatus(ctx context.Context, buildID string, status model.BuildStatus, metadata map[string]interface{}) error {
	m.mu.Lock()
	st, ok := m.states[buildID]
	if !ok {
		st = &buildState{}
		m.states[buildID] = st
	}
	if !status.IsForwardFrom(st.Status) {
		m.logger.Warn("non-monotonic status transition",
			logging.CoordinatorFields("update_status", buildID).
				Custom("from", string(st.Status)).
				Custom("to", string(status)).ToLogrus())
	}

	st.Status = status
	st.UpdatedAt = time.Now()
	if metadata != nil {
		if st.Metadata == nil {
			st.Metadata = make(map[string]interface{})
		}
		for k, v := range metadata {
			st.Metadata[k] = v
		}
	}
	if status.IsTerminal() {
		now := time.Now()
		st.CompletedAt = &now
	}
	snapshot := *st
	m.mu.Unlock()

	m.logger.Debug("updated build status",
		logging.CoordinatorFields("update_status", buildID).Custom("status", string(status)).ToLogrus())
	return m.persistState(ctx, buildID, snapshot)
}

// Checkpoint appends a stage checkpoint for buildID.
func (m *Manager) Checkpoint(ctx context.Context, buildID, stage string, data map[string]interface{}) error {
	cp := Checkpoint{Stage: stage, Timestamp: time.Now(), Data: data}

	m.mu.Lock()
	m.checkpoints[buildID] = append(m.checkpoints[buildID], cp)
	all := append([]Checkpoint(nil), m.checkpoints[buildID]...)
	m.mu.Unlock()

	return m.persistCheckpoints(ctx, buildID, all)
}

// LatestCheckpoint returns the most recent checkpoint recorded for buildID.
func (m *Manager) LatestCheckpoint(ctx context.Context, buildID string) (Checkpoint, bool) {
	m.mu.Lock()
	list := m.checkpoints[buildID]
	if len(list) > 0 {
		cp := list[len(list)-1]
		m.mu.Unlock()
		return cp, true
	}
	m.mu.Unlock()

	if m.redis == nil {
		return Checkpoint{}, false
	}
	raw, err := m.redis.Get(ctx, checkpointKey(buildID)).Result()
	if err != nil {
		return Checkpoint{}, false
	}
	var all []Checkpoint
	if err := json.Unmarshal([]byte(raw), &all); err != nil || len(all) == 0 {
		return Checkpoint{}, false
	}
	return all[len(all)-1], true
}

// Delete removes buildID's state, request, and checkpoints from memory and
// (if configured) Redis.
func (m *Manager) Delete(ctx context.Context, buildID string) {
	m.mu.Lock()
	delete(m.requests, buildID)
	delete(m.states, buildID)
	delete(m.checkpoints, buildID)
	m.mu.Unlock()

	if m.redis == nil {
		return
	}
	if err := m.redis.Del(ctx, requestKey(buildID), stateKey(buildID), checkpointKey(buildID)).Err(); err != nil {
		m.logger.Error("failed to delete persisted build state",
			logging.DatabaseFields("delete", "build_state").Error(err).Resource("build", buildID).ToLogrus())
	}
}

// AllActive returns every build currently Pending or Running, keyed by ID.
func (m *Manager) AllActive() map[string]model.BuildStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]model.BuildStatus)
	for id, st := range m.states {
		if st.Status == model.StatusPending || st.Status == model.StatusRunning {
			out[id] = st.Status
		}
	}
	return out
}

// RestorePending scans Redis for builds left Pending or Running by a prior
// process and returns their original requests, for the Coordinator to
// re-enqueue on startup. It is a no-op when Redis persistence is disabled.
func (m *Manager) RestorePending(ctx context.Context) ([]model.BuildRequest, error) {
	if m.redis == nil {
		return nil, nil
	}

	var restored []model.BuildRequest
	iter := m.redis.Scan(ctx, 0, "build:state:*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		raw, err := m.redis.Get(ctx, key).Result()
		if err != nil {
			continue
		}
		var st buildState
		if err := json.Unmarshal([]byte(raw), &st); err != nil {
			continue
		}
		if st.Status != model.StatusPending && st.Status != model.StatusRunning {
			continue
		}
		buildID := key[len("build:state:"):]
		req, ok := m.GetRequest(ctx, buildID)
		if !ok {
			continue
		}
		restored = append(restored, req)
	}
	if err := iter.Err(); err != nil {
		return restored, sharederrors.FailedToWithDetails("scan pending builds", "state", "", err)
	}

	m.logger.Info("restored pending builds", logging.NewFields().
		Component("state").Operation("restore_pending").Count(len(restored)).ToLogrus())
	return restored, nil
}

func (m *Manager) persistRequest(ctx context.Context, req model.BuildRequest) error {
	if m.redis == nil {
		return nil
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return sharederrors.ParseError("build request", "json", err)
	}
	if err := m.redis.Set(ctx, requestKey(req.ID), payload, persistTTL).Err(); err != nil {
		return sharederrors.DatabaseError("persist build request", err)
	}
	return nil
}

func (m *Manager) persistState(ctx context.Context, buildID string, st buildState) error {
	if m.redis == nil {
		return nil
	}
	payload, err := json.Marshal(st)
	if err != nil {
		return sharederrors.ParseError("build state", "json", err)
	}
	if err := m.redis.Set(ctx, stateKey(buildID), payload, persistTTL).Err(); err != nil {
		return sharederrors.DatabaseError("persist build state", err)
	}
	return nil
}

func (m *Manager) persistCheckpoints(ctx context.Context, buildID string, all []Checkpoint) error {
	if m.redis == nil {
		return nil
	}
	payload, err := json.Marshal(all)
	if err != nil {
		return sharederrors.ParseError("build checkpoints", "json", err)
	}
	if err := m.redis.Set(ctx, checkpointKey(buildID), payload, persistTTL).Err(); err != nil {
		return sharederrors.DatabaseError("persist build checkpoint", err)
	}
	return nil
}

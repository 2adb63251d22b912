// Package service coordinates the instance-wide operations: the live
// concurrency table and its persistence, and the system stats rollup.
package service

import (
	"context"

	"ojforge/internal/gate"
	"ojforge/internal/model"
	"ojforge/internal/system/repository"
	"ojforge/pkg/utils/logger"

	"go.uber.org/zap"
)

// TaskCounter supplies task totals for the stats rollup.
type TaskCounter interface {
	CountByStatus(ctx context.Context) (map[model.TaskStatus]int64, error)
}

// UserCounter supplies account totals for the stats rollup.
type UserCounter interface {
	Count(ctx context.Context) (total, active int64, err error)
}

// ActivityLogger records admin config changes. The user service's
// recorder satisfies it.
type ActivityLogger interface {
	Log(ctx context.Context, userID, action, detail string)
}

// SystemService owns the concurrency table and the stats endpoint.
type SystemService struct {
	gates    *gate.Manager
	configs  repository.SystemConfigRepository
	tasks    TaskCounter
	users    UserCounter
	activity ActivityLogger
}

// NewSystemService wires the system service. activity may be nil.
func NewSystemService(gates *gate.Manager, configs repository.SystemConfigRepository,
	tasks TaskCounter, users UserCounter, activity ActivityLogger) *SystemService {
	return &SystemService{
		gates:    gates,
		configs:  configs,
		tasks:    tasks,
		users:    users,
		activity: activity,
	}
}

// RestoreConcurrency loads the persisted gate table, if any, into the
// live manager. Call once at startup, before traffic.
func (s *SystemService) RestoreConcurrency(ctx context.Context) error {
	cfg, ok, err := s.configs.LoadGateConfig(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if err := s.gates.Reconfigure(cfg); err != nil {
		return err
	}
	logger.Info(ctx, "restored concurrency config",
		zap.Int("global_tasks", cfg.GlobalTasks),
		zap.Int("per_user", cfg.PerUser))
	return nil
}

// Concurrency returns the active gate table.
func (s *SystemService) Concurrency() gate.Config {
	return s.gates.Config()
}

// UpdateConcurrency applies and persists a new gate table. Held permits
// stay valid; new callers see the new limits.
func (s *SystemService) UpdateConcurrency(ctx context.Context, actorID string, cfg gate.Config) (gate.Config, error) {
	cfg.Normalize()
	if err := s.gates.Reconfigure(cfg); err != nil {
		return gate.Config{}, err
	}
	if err := s.configs.SaveGateConfig(ctx, cfg); err != nil {
		return gate.Config{}, err
	}
	if s.activity != nil {
		s.activity.Log(ctx, actorID, "config.concurrency", "table updated")
	}
	return cfg, nil
}

// ApplyPreset loads a named preset, applies and persists it.
func (s *SystemService) ApplyPreset(ctx context.Context, actorID, name string) (gate.Config, error) {
	cfg, err := s.gates.ApplyPreset(name)
	if err != nil {
		return gate.Config{}, err
	}
	if err := s.configs.SaveGateConfig(ctx, cfg); err != nil {
		return gate.Config{}, err
	}
	if s.activity != nil {
		s.activity.Log(ctx, actorID, "config.concurrency", "preset "+name)
	}
	return cfg, nil
}

// GateStats snapshots every gate.
func (s *SystemService) GateStats() []gate.Stats {
	return s.gates.Stats()
}

// QueueInfo describes the admission queue.
type QueueInfo struct {
	Depth int `json:"depth"`
	Max   int `json:"max"`
}

// Queue returns the admission queue depth and capacity.
func (s *SystemService) Queue() QueueInfo {
	info := QueueInfo{Depth: s.gates.QueueDepth()}
	for _, st := range s.gates.Stats() {
		if st.Name == gate.NameQueue {
			info.Max = st.Max
			break
		}
	}
	return info
}

// TaskStats buckets task counts for the stats endpoint.
type TaskStats struct {
	Total   int64 `json:"total"`
	Pending int64 `json:"pending"`
	Running int64 `json:"running"`
	Success int64 `json:"success"`
	Failed  int64 `json:"failed"`
}

// UserStats buckets account counts.
type UserStats struct {
	Total  int64 `json:"total"`
	Active int64 `json:"active"`
}

// Stats is the system stats payload.
type Stats struct {
	Tasks TaskStats `json:"tasks"`
	Users UserStats `json:"users"`
	Queue QueueInfo `json:"queue"`
}

// SystemStats aggregates task, user and queue counters.
func (s *SystemService) SystemStats(ctx context.Context) (*Stats, error) {
	byStatus, err := s.tasks.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	out := &Stats{Queue: s.Queue()}
	for status, n := range byStatus {
		out.Tasks.Total += n
		switch status {
		case model.TaskStatusPending:
			out.Tasks.Pending += n
		case model.TaskStatusRunning:
			out.Tasks.Running += n
		case model.TaskStatusCompleted:
			out.Tasks.Success += n
		case model.TaskStatusFailed, model.TaskStatusCancelled:
			out.Tasks.Failed += n
		}
	}
	total, active, err := s.users.Count(ctx)
	if err != nil {
		return nil, err
	}
	out.Users = UserStats{Total: total, Active: active}
	return out, nil
}

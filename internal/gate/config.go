package gate

import (
	"time"

	"ojforge/pkg/errors"
)

// Config is the full gate table. It round-trips through the system_configs
// row and the concurrency API.
type Config struct {
	GlobalTasks        int `json:"global_tasks" yaml:"global_tasks"`
	PerUser            int `json:"per_user" yaml:"per_user"`
	StageFetch         int `json:"stage_fetch" yaml:"stage_fetch"`
	StageUpload        int `json:"stage_upload" yaml:"stage_upload"`
	StageSolve         int `json:"stage_solve" yaml:"stage_solve"`
	LLMTotal           int `json:"llm_total" yaml:"llm_total"`
	LLMPerProvider     int `json:"llm_per_provider" yaml:"llm_per_provider"`
	Compile            int `json:"compile" yaml:"compile"`
	QueueSize          int `json:"queue_size" yaml:"queue_size"`
	TaskTimeoutSeconds int `json:"task_timeout_seconds" yaml:"task_timeout_seconds"`
}

// DefaultConfig returns the standard gate table.
func DefaultConfig() Config {
	return Config{
		GlobalTasks:        50,
		PerUser:            10,
		StageFetch:         10,
		StageUpload:        5,
		StageSolve:         5,
		LLMTotal:           8,
		LLMPerProvider:     4,
		Compile:            2,
		QueueSize:          500,
		TaskTimeoutSeconds: 600,
	}
}

// Normalize replaces non-positive fields with their defaults.
func (c *Config) Normalize() {
	def := DefaultConfig()
	if c.GlobalTasks <= 0 {
		c.GlobalTasks = def.GlobalTasks
	}
	if c.PerUser <= 0 {
		c.PerUser = def.PerUser
	}
	if c.StageFetch <= 0 {
		c.StageFetch = def.StageFetch
	}
	if c.StageUpload <= 0 {
		c.StageUpload = def.StageUpload
	}
	if c.StageSolve <= 0 {
		c.StageSolve = def.StageSolve
	}
	if c.LLMTotal <= 0 {
		c.LLMTotal = def.LLMTotal
	}
	if c.LLMPerProvider <= 0 {
		c.LLMPerProvider = def.LLMPerProvider
	}
	if c.Compile <= 0 {
		c.Compile = def.Compile
	}
	if c.QueueSize <= 0 {
		c.QueueSize = def.QueueSize
	}
	if c.TaskTimeoutSeconds <= 0 {
		c.TaskTimeoutSeconds = def.TaskTimeoutSeconds
	}
}

// TaskTimeout returns the per-problem wall clock budget.
func (c Config) TaskTimeout() time.Duration {
	return time.Duration(c.TaskTimeoutSeconds) * time.Second
}

// Validate rejects values an admin should not be able to set.
func (c Config) Validate() error {
	type field struct {
		name  string
		value int
		max   int
	}
	fields := []field{
		{"global_tasks", c.GlobalTasks, 10000},
		{"per_user", c.PerUser, 1000},
		{"stage_fetch", c.StageFetch, 1000},
		{"stage_upload", c.StageUpload, 1000},
		{"stage_solve", c.StageSolve, 1000},
		{"llm_total", c.LLMTotal, 1000},
		{"llm_per_provider", c.LLMPerProvider, 1000},
		{"compile", c.Compile, 256},
		{"queue_size", c.QueueSize, 100000},
		{"task_timeout_seconds", c.TaskTimeoutSeconds, 86400},
	}
	for _, f := range fields {
		if f.value <= 0 {
			return errors.Newf(errors.GateConfigInvalid, "gate limit must be positive").
				WithDetail("field", f.name)
		}
		if f.value > f.max {
			return errors.Newf(errors.GateConfigInvalid, "gate limit too large").
				WithDetail("field", f.name)
		}
	}
	return nil
}

// Presets give admins one-call sizing for common deployments. Each preset
// keeps queue size and task timeout at their defaults.
var presets = map[string]Config{
	"light": {
		GlobalTasks:        20,
		PerUser:            10,
		StageFetch:         5,
		StageUpload:        3,
		StageSolve:         3,
		LLMTotal:           4,
		LLMPerProvider:     2,
		Compile:            1,
		QueueSize:          500,
		TaskTimeoutSeconds: 600,
	},
	"standard": DefaultConfig(),
	"high": {
		GlobalTasks:        100,
		PerUser:            15,
		StageFetch:         20,
		StageUpload:        10,
		StageSolve:         10,
		LLMTotal:           16,
		LLMPerProvider:     8,
		Compile:            4,
		QueueSize:          500,
		TaskTimeoutSeconds: 600,
	},
}

// PresetNames lists the available presets in ascending capacity order.
func PresetNames() []string {
	return []string{"light", "standard", "high"}
}

// Preset returns the named preset config.
func Preset(name string) (Config, error) {
	cfg, ok := presets[name]
	if !ok {
		return Config{}, errors.Newf(errors.PresetNotFound, "unknown concurrency preset").
			WithDetail("name", name)
	}
	return cfg, nil
}

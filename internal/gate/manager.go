package gate

import (
	"context"
	"sort"
	"sync"

	"ojforge/internal/model"
	"ojforge/pkg/errors"
)

// Fixed gate names as they appear in stats and logs.
const (
	NameGlobal      = "global_tasks"
	NamePerUser     = "per_user"
	NameStageFetch  = "stage.fetch"
	NameStageUpload = "stage.upload"
	NameStageSolve  = "stage.solve"
	NameLLMTotal    = "llm.total"
	NameCompile     = "compile"
	NameQueue       = "queue"

	llmProviderPrefix = "llm."
)

// Releaser returns permits in reverse acquisition order. Calling it more
// than once is a no-op.
type Releaser func()

func noopRelease() {}

// Manager owns every gate and enforces the fixed acquisition order
// global -> per_user -> stage.X -> llm.total -> llm.<provider>. The compile
// gate is leaf-level, taken inside a stage and never held across an LLM
// call.
type Manager struct {
	mu      sync.RWMutex
	cfg     Config
	global  *Gate
	fetch   *Gate
	upload  *Gate
	solve   *Gate
	llm     *Gate
	compile *Gate
	queue   *Gate

	users     map[string]*Gate
	providers map[string]*Gate
}

// NewManager builds a manager from the given table.
func NewManager(cfg Config) *Manager {
	cfg.Normalize()
	return &Manager{
		cfg:       cfg,
		global:    newGate(NameGlobal, cfg.GlobalTasks),
		fetch:     newGate(NameStageFetch, cfg.StageFetch),
		upload:    newGate(NameStageUpload, cfg.StageUpload),
		solve:     newGate(NameStageSolve, cfg.StageSolve),
		llm:       newGate(NameLLMTotal, cfg.LLMTotal),
		compile:   newGate(NameCompile, cfg.Compile),
		queue:     newGate(NameQueue, cfg.QueueSize),
		users:     make(map[string]*Gate),
		providers: make(map[string]*Gate),
	}
}

// Config returns the active table.
func (m *Manager) Config() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Reconfigure rebases every gate onto the new table. Held permits stay
// valid; idle dynamic gates are pruned.
func (m *Manager) Reconfigure(cfg Config) error {
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg
	m.global.Resize(cfg.GlobalTasks)
	m.fetch.Resize(cfg.StageFetch)
	m.upload.Resize(cfg.StageUpload)
	m.solve.Resize(cfg.StageSolve)
	m.llm.Resize(cfg.LLMTotal)
	m.compile.Resize(cfg.Compile)
	m.queue.Resize(cfg.QueueSize)
	for id, g := range m.users {
		if g.idle() {
			delete(m.users, id)
			continue
		}
		g.Resize(cfg.PerUser)
	}
	for name, g := range m.providers {
		if g.idle() {
			delete(m.providers, name)
			continue
		}
		g.Resize(cfg.LLMPerProvider)
	}
	return nil
}

// ApplyPreset loads a named preset and returns the resulting table.
func (m *Manager) ApplyPreset(name string) (Config, error) {
	cfg, err := Preset(name)
	if err != nil {
		return Config{}, err
	}
	if err := m.Reconfigure(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (m *Manager) userGate(userID string) *Gate {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.users[userID]
	if !ok {
		g = newGate(NamePerUser, m.cfg.PerUser)
		m.users[userID] = g
	}
	return g
}

func (m *Manager) providerGate(provider string) *Gate {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.providers[provider]
	if !ok {
		g = newGate(llmProviderPrefix+provider, m.cfg.LLMPerProvider)
		m.providers[provider] = g
	}
	return g
}

// acquireAll takes the gates in order, rolling back on failure.
func acquireAll(ctx context.Context, gates ...*Gate) (Releaser, error) {
	held := make([]*Gate, 0, len(gates))
	for _, g := range gates {
		if err := g.Acquire(ctx); err != nil {
			for i := len(held) - 1; i >= 0; i-- {
				held[i].Release()
			}
			return nil, err
		}
		held = append(held, g)
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			for i := len(held) - 1; i >= 0; i-- {
				held[i].Release()
			}
		})
	}, nil
}

// AcquireAdmission takes global_tasks then per_user for one problem run.
func (m *Manager) AcquireAdmission(ctx context.Context, userID string) (Releaser, error) {
	return acquireAll(ctx, m.global, m.userGate(userID))
}

// AcquireStage takes the per-stage gate. Generation has no stage gate of
// its own, it is bounded by the llm gates.
func (m *Manager) AcquireStage(ctx context.Context, stage model.Stage) (Releaser, error) {
	switch stage {
	case model.StageFetch:
		return acquireAll(ctx, m.fetch)
	case model.StageUpload:
		return acquireAll(ctx, m.upload)
	case model.StageSolve:
		return acquireAll(ctx, m.solve)
	case model.StageGenerate:
		return noopRelease, nil
	}
	return nil, errors.Newf(errors.GateNotFound, "no gate for stage").
		WithDetail("stage", string(stage))
}

// AcquireLLM takes llm.total then llm.<provider> around one model call.
func (m *Manager) AcquireLLM(ctx context.Context, provider string) (Releaser, error) {
	return acquireAll(ctx, m.llm, m.providerGate(provider))
}

// AcquireCompile takes one local compile/run slot.
func (m *Manager) AcquireCompile(ctx context.Context) (Releaser, error) {
	return acquireAll(ctx, m.compile)
}

// EnterQueue claims an admission queue slot without blocking.
func (m *Manager) EnterQueue() (Releaser, error) {
	if !m.queue.TryAcquire() {
		return nil, errors.Newf(errors.QueueFull, "admission queue is full")
	}
	var once sync.Once
	return func() { once.Do(m.queue.Release) }, nil
}

// QueueDepth returns the number of pending admissions.
func (m *Manager) QueueDepth() int {
	return m.queue.Stats().InUse
}

// Stats snapshots every gate. per_user is reported as one aggregate row
// (in_use and waiting summed across user gates, max = per-user limit);
// llm.<provider> gates are reported individually.
func (m *Manager) Stats() []Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []Stats{
		m.global.Stats(),
		m.perUserStatsLocked(),
		m.fetch.Stats(),
		m.upload.Stats(),
		m.solve.Stats(),
		m.llm.Stats(),
	}

	providerNames := make([]string, 0, len(m.providers))
	for name := range m.providers {
		providerNames = append(providerNames, name)
	}
	sort.Strings(providerNames)
	for _, name := range providerNames {
		out = append(out, m.providers[name].Stats())
	}

	out = append(out, m.compile.Stats(), m.queue.Stats())
	return out
}

func (m *Manager) perUserStatsLocked() Stats {
	agg := Stats{Name: NamePerUser, Max: m.cfg.PerUser}
	for _, g := range m.users {
		s := g.Stats()
		agg.InUse += s.InUse
		agg.Waiting += s.Waiting
		agg.TotalAcquired += s.TotalAcquired
	}
	return agg
}

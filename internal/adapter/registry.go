package adapter

import (
	"sync"

	"ojforge/pkg/errors"
)

// Config field kinds for ConfigSchema.
const (
	FieldText     = "text"
	FieldPassword = "password"
	FieldNumber   = "number"
	FieldBool     = "bool"
)

// ConfigField describes one entry of an adapter's credential form.
type ConfigField struct {
	Name     string `json:"name"`
	Kind     string `json:"kind"`
	Required bool   `json:"required"`
	Help     string `json:"help,omitempty"`
}

// Adapter is the common surface every judge adapter implements.
// Capability operations live on the optional interfaces in
// contract.go; the registry checks them with type assertions.
type Adapter interface {
	Name() string
	DisplayName() string
	Version() string
	Capabilities() []Capability
	ConfigSchema() []ConfigField
	// SupportsURL reports whether this adapter recognizes a raw
	// problem URL as one of its own.
	SupportsURL(raw string) bool
}

// Registry resolves adapters by name, capability or URL. Registration
// happens once at startup; resolution order is registration order.
type Registry struct {
	mu    sync.RWMutex
	byName map[string]Adapter
	order []Adapter
}

func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Adapter)}
}

// Register adds an adapter. Duplicate names and capabilities outside
// the closed set are rejected.
func (r *Registry) Register(a Adapter) error {
	name := a.Name()
	if name == "" {
		return errors.Newf(errors.AdapterConfigInvalid, "adapter has empty name")
	}
	for _, c := range a.Capabilities() {
		if !c.Valid() {
			return errors.Newf(errors.AdapterConfigInvalid, "adapter %q declares unknown capability %q", name, c)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.byName[name]; dup {
		return errors.Newf(errors.AdapterConfigInvalid, "adapter %q registered twice", name)
	}
	r.byName[name] = a
	r.order = append(r.order, a)
	return nil
}

// Get resolves an adapter by name.
func (r *Registry) Get(name string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if a, ok := r.byName[name]; ok {
		return a, nil
	}
	return nil, errors.Newf(errors.AdapterNotFound, "no adapter named %q", name)
}

// All returns adapters in registration order.
func (r *Registry) All() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Adapter, len(r.order))
	copy(out, r.order)
	return out
}

// ByCapability returns all adapters declaring c, in registration order.
func (r *Registry) ByCapability(c Capability) []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Adapter
	for _, a := range r.order {
		if Has(a, c) {
			out = append(out, a)
		}
	}
	return out
}

// ByURL finds the first registered adapter that recognizes raw.
func (r *Registry) ByURL(raw string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, a := range r.order {
		if a.SupportsURL(raw) {
			return a, nil
		}
	}
	return nil, errors.Newf(errors.AdapterNotFound, "no adapter recognizes this URL").
		WithDetail("url", raw)
}

// Has reports whether adapter a declares capability c.
func Has(a Adapter, c Capability) bool {
	for _, have := range a.Capabilities() {
		if have == c {
			return true
		}
	}
	return false
}

// Fetcher resolves name to an adapter with fetch_problem.
func (r *Registry) Fetcher(name string) (Fetcher, error) {
	a, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	f, ok := a.(Fetcher)
	if !ok || !Has(a, CapFetchProblem) {
		return nil, notCapable(name, CapFetchProblem)
	}
	return f, nil
}

// Uploader resolves name to an adapter with upload_data.
func (r *Registry) Uploader(name string) (Uploader, error) {
	a, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	u, ok := a.(Uploader)
	if !ok || !Has(a, CapUploadData) {
		return nil, notCapable(name, CapUploadData)
	}
	return u, nil
}

// TitleSearcher resolves name to an adapter with search_by_title.
func (r *Registry) TitleSearcher(name string) (TitleSearcher, error) {
	a, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	s, ok := a.(TitleSearcher)
	if !ok || !Has(a, CapSearchByTitle) {
		return nil, notCapable(name, CapSearchByTitle)
	}
	return s, nil
}

// Submitter resolves name to an adapter with submit_solution and
// judge_status.
func (r *Registry) Submitter(name string) (Submitter, error) {
	a, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	s, ok := a.(Submitter)
	if !ok || !Has(a, CapSubmitSolution) || !Has(a, CapJudgeStatus) {
		return nil, notCapable(name, CapSubmitSolution)
	}
	return s, nil
}

// TrainingLister resolves name to an adapter with list_training_ids.
func (r *Registry) TrainingLister(name string) (TrainingLister, error) {
	a, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	l, ok := a.(TrainingLister)
	if !ok || !Has(a, CapListTraining) {
		return nil, notCapable(name, CapListTraining)
	}
	return l, nil
}

// SolutionProvider resolves name to an adapter with provide_solution.
func (r *Registry) SolutionProvider(name string) (SolutionProvider, error) {
	a, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	p, ok := a.(SolutionProvider)
	if !ok || !Has(a, CapProvideSolution) {
		return nil, notCapable(name, CapProvideSolution)
	}
	return p, nil
}

func notCapable(name string, c Capability) error {
	return errors.Newf(errors.AdapterNotCapable, "adapter %q does not support %s", name, c)
}

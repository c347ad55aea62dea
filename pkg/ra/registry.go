package ra

import (
	"fmt"
	"sync"
)

// Registry is a process-wide-capable but constructor-injectable mapping
// from driver id to (factory, config). Callers are expected to construct
// their own Registry (typically one per server/connect factory, see
// pkg/server) and thread it through explicitly rather than reach for
// ambient package state. Default() remains below purely as an opt-in
// convenience for examples and tests; callers can always construct their
// own instance instead.
type Registry struct {
	mu        sync.Mutex
	provers   map[string]proverEntry
	verifiers map[string]verifierEntry
}

type proverEntry struct {
	factory ProverFactory
	config  any
}

type verifierEntry struct {
	factory VerifierFactory
	config  any
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		provers:   make(map[string]proverEntry),
		verifiers: make(map[string]verifierEntry),
	}
}

// RegisterProver installs (or replaces) the prover factory under id.
func (r *Registry) RegisterProver(id string, factory ProverFactory, config any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.provers[id] = proverEntry{factory: factory, config: config}
}

// RegisterVerifier installs (or replaces) the verifier factory under id.
func (r *Registry) RegisterVerifier(id string, factory VerifierFactory, config any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.verifiers[id] = verifierEntry{factory: factory, config: config}
}

// StartProver constructs and starts the prover driver registered under id.
func (r *Registry) StartProver(id string, listener ProverListener) (Driver, error) {
	r.mu.Lock()
	entry, ok := r.provers[id]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, id)
	}

	driver, err := entry.factory(entry.config, listener)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDriverStart, err)
	}
	if err := driver.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDriverStart, err)
	}
	return driver, nil
}

// StartVerifier constructs and starts the verifier driver registered under id.
func (r *Registry) StartVerifier(id string, listener VerifierListener) (Driver, error) {
	r.mu.Lock()
	entry, ok := r.verifiers[id]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, id)
	}

	driver, err := entry.factory(entry.config, listener)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDriverStart, err)
	}
	if err := driver.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDriverStart, err)
	}
	return driver, nil
}

// HasProver reports whether a prover factory is registered under id.
func (r *Registry) HasProver(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.provers[id]
	return ok
}

// HasVerifier reports whether a verifier factory is registered under id.
func (r *Registry) HasVerifier(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.verifiers[id]
	return ok
}

var (
	defaultOnce sync.Once
	defaultReg  *Registry
)

// Default returns a process-wide Registry pre-populated with the Dummy
// driver, for examples and tests that do not want to construct and thread
// their own Registry. Production callers should construct their own via
// NewRegistry.
func Default() *Registry {
	defaultOnce.Do(func() {
		defaultReg = NewRegistry()
		RegisterDummy(defaultReg)
	})
	return defaultReg
}

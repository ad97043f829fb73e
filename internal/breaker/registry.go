package breaker

import (
	"sort"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/ordermesh/backend-core/internal/config"
)

// Registry hands out one breaker per protected service, creating them
// on first use from shared defaults. Listeners registered before a
// breaker is created observe the transitions of every breaker.
type Registry struct {
	defaults config.BreakerConfig
	clock    clockwork.Clock

	mu        sync.RWMutex
	breakers  map[string]*Breaker
	listeners []func(Transition)
	executors []func(name string, success bool, state State)
}

// NewRegistry creates a registry with shared breaker defaults.
func NewRegistry(defaults config.BreakerConfig, clock clockwork.Clock) *Registry {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Registry{
		defaults: defaults,
		clock:    clock,
		breakers: make(map[string]*Breaker),
	}
}

// OnTransition registers a listener for state changes of all breakers.
// Must be called before the first Get.
func (r *Registry) OnTransition(fn func(Transition)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// OnExecute registers a listener for call outcomes of all breakers.
// Must be called before the first Get.
func (r *Registry) OnExecute(fn func(name string, success bool, state State)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors = append(r.executors, fn)
}

// Get returns the breaker for name, creating it if needed.
func (r *Registry) Get(name string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b = New(Config{
		Name:                 name,
		FailureRateThreshold: r.defaults.FailureRateThreshold,
		MinimumCalls:         r.defaults.MinimumCalls,
		WindowSize:           r.defaults.WindowSize,
		OpenDuration:         r.defaults.OpenDuration.Std(),
		HalfOpenProbeBudget:  r.defaults.HalfOpenProbeBudget,
		Clock:                r.clock,
		OnTransition:         r.fanOutTransition,
		OnExecute:            r.fanOutExecute(name),
	})
	r.breakers[name] = b
	return b
}

// Each calls fn for every tracked breaker, in name order.
func (r *Registry) Each(fn func(*Breaker)) {
	r.mu.RLock()
	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	sort.Strings(names)
	breakers := make([]*Breaker, 0, len(names))
	for _, name := range names {
		breakers = append(breakers, r.breakers[name])
	}
	r.mu.RUnlock()

	for _, b := range breakers {
		fn(b)
	}
}

func (r *Registry) fanOutTransition(t Transition) {
	r.mu.RLock()
	listeners := r.listeners
	r.mu.RUnlock()
	for _, fn := range listeners {
		fn(t)
	}
}

func (r *Registry) fanOutExecute(name string) func(success bool, state State) {
	return func(success bool, state State) {
		r.mu.RLock()
		executors := r.executors
		r.mu.RUnlock()
		for _, fn := range executors {
			fn(name, success, state)
		}
	}
}

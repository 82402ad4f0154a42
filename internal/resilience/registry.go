package resilience

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Registry errors.
var (
	ErrUnknownElement = errors.New("resilience: unknown element")
	ErrElementExists  = errors.New("resilience: element already registered")
)

// Registry owns the mapping from element name to controller. It is an
// explicit service handed to the engine and IPC layers; nothing in this
// package lives in a package-level variable.
//
// The registry also carries the emission-control flag: under EMCON the
// peer time exchange is suspended fleet-wide, so the peer divergence
// indicator reports insufficient data rather than radiating.
type Registry struct {
	mu sync.RWMutex

	controllers map[string]*Controller
	emcon       bool
	now         func() time.Time
}

// NewRegistry creates an empty registry. A nil clock defaults to
// time.Now and is passed to controllers added without their own.
func NewRegistry(clock func() time.Time) *Registry {
	if clock == nil {
		clock = time.Now
	}
	return &Registry{
		controllers: make(map[string]*Controller),
		now:         clock,
	}
}

// Add creates and registers a controller for an element. The registry's
// clock applies when the config names none.
func (r *Registry) Add(cfg Config) (*Controller, error) {
	if cfg.Clock == nil {
		cfg.Clock = r.now
	}
	c, err := NewController(cfg)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dup := r.controllers[cfg.Element]; dup {
		return nil, fmt.Errorf("%w: %s", ErrElementExists, cfg.Element)
	}
	r.controllers[cfg.Element] = c
	return c, nil
}

// Get returns the controller for an element.
func (r *Registry) Get(element string) (*Controller, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.controllers[element]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownElement, element)
	}
	return c, nil
}

// Elements returns the registered element names, sorted.
func (r *Registry) Elements() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.controllers))
	for name := range r.controllers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// All returns every controller in element-name order.
func (r *Registry) All() []*Controller {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.controllers))
	for name := range r.controllers {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]*Controller, 0, len(names))
	for _, name := range names {
		out = append(out, r.controllers[name])
	}
	return out
}

// Len returns the number of registered elements.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.controllers)
}

// SetEMCON flips the emission-control flag and reports whether the
// state changed.
func (r *Registry) SetEMCON(enabled bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.emcon == enabled {
		return false
	}
	r.emcon = enabled
	return true
}

// EMCON reports whether emission control is in force.
func (r *Registry) EMCON() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.emcon
}

// Package nullsteer manages spatial nulls on a CRPA antenna array.
//
// A controlled reception pattern antenna can place a limited number of
// attenuation nulls toward interference sources. The controller allocates
// nulls against located jamming threats, steers them as the source moves,
// and releases them when the interference clears. The array supports three
// simultaneous nulls; a fourth allocation fails rather than silently
// degrading an existing null.
package nullsteer

import (
	"errors"
	"sort"
	"sync"
	"time"

	"tresd/internal/signal"
	"tresd/internal/threat"
)

// Errors
var (
	ErrNullLimit   = errors.New("nullsteer: all spatial nulls allocated")
	ErrUnknownNull = errors.New("nullsteer: unknown null id")
)

// MaxNulls is the number of simultaneous nulls the array can form.
const MaxNulls = 3

// Null depths by threat grade.
const (
	DepthCriticalDB = 35.0
	DepthDefaultDB  = 30.0
)

// Null is one active spatial null.
type Null struct {
	ID           int       `json:"id"`
	DirectionDeg float64   `json:"direction_deg"`
	Direction    string    `json:"direction"`
	DepthDB      float64   `json:"depth_db"`
	CreatedAt    time.Time `json:"created_at"`
}

// Status reports the controller's allocation state.
type Status struct {
	Element string `json:"element"`
	Active  int    `json:"active_nulls"`
	Max     int    `json:"max_nulls"`
	Nulls   []Null `json:"nulls"`
}

// Controller allocates spatial nulls for one element's antenna array.
// Safe for concurrent use. Null ids are never reused within a controller's
// lifetime, so a stale id from a released null cannot steer a new one.
type Controller struct {
	mu sync.Mutex

	element string
	nulls   map[int]*Null
	nextID  int
	now     func() time.Time
}

// NewController creates a controller for an element. A nil clock defaults
// to time.Now.
func NewController(element string, clock func() time.Time) *Controller {
	if clock == nil {
		clock = time.Now
	}
	return &Controller{
		element: element,
		nulls:   make(map[int]*Null),
		now:     clock,
	}
}

// Create allocates a null toward a direction. Fails with ErrNullLimit when
// the array is fully allocated.
func (c *Controller) Create(directionDeg, depthDB float64) (Null, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.nulls) >= MaxNulls {
		return Null{}, ErrNullLimit
	}

	c.nextID++
	n := &Null{
		ID:           c.nextID,
		DirectionDeg: directionDeg,
		Direction:    signal.CompassPoint(directionDeg),
		DepthDB:      depthDB,
		CreatedAt:    c.now(),
	}
	c.nulls[n.ID] = n
	return *n, nil
}

// Steer points an existing null at a new direction.
func (c *Controller) Steer(id int, directionDeg float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.nulls[id]
	if !ok {
		return ErrUnknownNull
	}
	n.DirectionDeg = directionDeg
	n.Direction = signal.CompassPoint(directionDeg)
	return nil
}

// Remove releases a null.
func (c *Controller) Remove(id int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.nulls[id]; !ok {
		return ErrUnknownNull
	}
	delete(c.nulls, id)
	return nil
}

// Clear releases every null and returns how many were active.
func (c *Controller) Clear() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	released := len(c.nulls)
	c.nulls = make(map[int]*Null)
	return released
}

// Status returns the current allocation, nulls ordered by id.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	nulls := make([]Null, 0, len(c.nulls))
	for _, n := range c.nulls {
		nulls = append(nulls, *n)
	}
	sort.Slice(nulls, func(i, j int) bool { return nulls[i].ID < nulls[j].ID })

	return Status{
		Element: c.element,
		Active:  len(c.nulls),
		Max:     MaxNulls,
		Nulls:   nulls,
	}
}

// DepthFor selects the null depth for a threat grade.
func DepthFor(severity threat.Severity) float64 {
	if severity == threat.SeverityCritical {
		return DepthCriticalDB
	}
	return DepthDefaultDB
}

// Mitigate places a null against a jamming threat. Only high and critical
// jamming with a resolved direction of arrival is actionable; anything
// else returns a nil null and no error. ErrNullLimit surfaces when the
// array is exhausted so the caller can report unmitigated interference.
func (c *Controller) Mitigate(ev *threat.Event) (*Null, error) {
	if ev == nil || ev.Kind != threat.KindJamming || ev.Severity < threat.SeverityHigh {
		return nil, nil
	}
	dir, ok := ev.Evidence["direction_deg"].(float64)
	if !ok {
		return nil, nil
	}

	n, err := c.Create(dir, DepthFor(ev.Severity))
	if err != nil {
		return nil, err
	}
	return &n, nil
}

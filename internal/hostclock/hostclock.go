// Package hostclock probes the host operating system's own clock
// discipline. The result is advisory: a grandmaster disciplines its
// output from the timing board, not from the host clock, but an
// unsynchronized host is worth flagging in status output because logs
// and the audit trail are stamped with it.
package hostclock

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnsupported marks platforms without a host clock probe.
	ErrUnsupported = errors.New("hostclock: not supported on this platform")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("hostclock: prober closed")
)

// State describes the host clock at probe time.
type State struct {
	// Synchronized is true when the host reports NTP (or equivalent)
	// synchronization.
	Synchronized bool `json:"synchronized"`

	// ServiceActive is true when a time synchronization service is
	// enabled at all.
	ServiceActive bool `json:"service_active"`

	// Timezone is the host's configured zone name.
	Timezone string `json:"timezone,omitempty"`

	// ProbedAt stamps the probe.
	ProbedAt time.Time `json:"probed_at"`
}

// Prober reads the host clock state.
type Prober interface {
	// Probe returns the current state. Platforms without a probe
	// implementation return ErrUnsupported.
	Probe(ctx context.Context) (*State, error)

	Close() error
}

// New returns the platform prober.
func New() (Prober, error) {
	return newPlatformProber()
}

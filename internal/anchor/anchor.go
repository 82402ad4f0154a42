// Package anchor binds ledger heads to a monotonic counter for rollback
// protection. Each anchor records the ledger sequence and head hash
// together with a counter value that cannot be decremented, so an
// attacker who restores an older database cannot also restore the
// counter. The hardware provider uses a TPM 2.0 NV counter and the TPM
// clock; the software provider persists its counter in the anchor state
// file and protects against accidental rollback only.
package anchor

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"tresd/internal/config"
	"tresd/internal/ledger"
)

var (
	ErrNotAvailable = errors.New("anchor: provider not available")
	ErrNotOpen      = errors.New("anchor: provider not open")
	ErrAlreadyOpen  = errors.New("anchor: provider already open")
	ErrRollback     = errors.New("anchor: counter rollback detected")
	ErrClockUnsafe  = errors.New("anchor: provider clock is not in a safe state")
	ErrHeadMismatch = errors.New("anchor: ledger head does not match anchored head")
)

// ClockInfo is the provider's view of time at anchoring.
type ClockInfo struct {
	// Clock is milliseconds since provider power-on.
	Clock uint64 `json:"clock"`

	// ResetCount and RestartCount expose provider lifecycle counters.
	ResetCount   uint32 `json:"reset_count"`
	RestartCount uint32 `json:"restart_count"`

	// Safe is false when the clock may have gone backwards.
	Safe bool `json:"safe"`
}

// Anchor is one anchored ledger head.
type Anchor struct {
	Sequence uint64      `json:"sequence"`
	Head     ledger.Hash `json:"head"`
	Counter  uint64      `json:"counter"`
	Clock    ClockInfo   `json:"clock"`
	DeviceID []byte      `json:"device_id,omitempty"`
	At       time.Time   `json:"at"`
}

// Provider abstracts the monotonic counter backend.
type Provider interface {
	// Available reports whether the backend is usable at all.
	Available() bool

	// Open initializes the backend. Must be called before counter or
	// clock operations.
	Open() error
	Close() error

	// DeviceID identifies the backing device. Nil for providers with
	// no stable identity.
	DeviceID() ([]byte, error)

	// IncrementCounter atomically increments and returns the counter.
	IncrementCounter() (uint64, error)

	// GetCounter returns the counter without incrementing.
	GetCounter() (uint64, error)

	GetClock() (*ClockInfo, error)
	Manufacturer() string
}

// Anchorer creates and verifies ledger head anchors. The most recent
// anchor is persisted to the state file so verification survives
// restarts.
type Anchorer struct {
	mu        sync.Mutex
	provider  Provider
	statePath string
	last      *Anchor
	now       func() time.Time
}

// New builds an Anchorer over a provider, loading any previous anchor
// from the state file. A software provider is re-seeded from the stored
// counter so its monotonicity spans restarts.
func New(p Provider, statePath string) (*Anchorer, error) {
	a := &Anchorer{
		provider:  p,
		statePath: statePath,
		now:       time.Now,
	}
	last, err := loadState(statePath)
	if err != nil {
		return nil, err
	}
	a.last = last
	if sw, ok := p.(*SoftwareProvider); ok && last != nil {
		sw.seed(last.Counter)
	}
	return a, nil
}

// FromConfig builds an Anchorer from the anchor configuration section.
func FromConfig(cfg config.AnchorConfig) (*Anchorer, error) {
	var p Provider
	switch cfg.Provider {
	case "tpm":
		p = NewHardwareProvider(cfg.TPMPath, cfg.NVIndex)
		if p == nil {
			return nil, ErrNotAvailable
		}
	case "software", "":
		p = NewSoftwareProvider()
	case "none":
		p = NoOpProvider{}
	default:
		return nil, fmt.Errorf("anchor: unknown provider %q", cfg.Provider)
	}
	return New(p, cfg.StatePath)
}

// Available reports whether anchoring can proceed.
func (a *Anchorer) Available() bool {
	return a.provider != nil && a.provider.Available()
}

// Last returns the most recent anchor, or nil before the first one.
func (a *Anchorer) Last() *Anchor {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.last
}

// Anchor binds the given ledger head to the next counter value and
// persists the result. The ledger may only grow between anchors.
func (a *Anchorer) Anchor(seq uint64, head ledger.Hash) (*Anchor, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.Available() {
		return nil, ErrNotAvailable
	}
	if err := a.provider.Open(); err != nil && !errors.Is(err, ErrAlreadyOpen) {
		return nil, fmt.Errorf("anchor: open provider: %w", err)
	}

	counter, err := a.provider.IncrementCounter()
	if err != nil {
		return nil, fmt.Errorf("anchor: increment counter: %w", err)
	}
	clock, err := a.provider.GetClock()
	if err != nil {
		return nil, fmt.Errorf("anchor: read clock: %w", err)
	}
	if !clock.Safe {
		return nil, ErrClockUnsafe
	}
	deviceID, _ := a.provider.DeviceID()

	if a.last != nil {
		if counter <= a.last.Counter {
			return nil, ErrRollback
		}
		if seq < a.last.Sequence {
			return nil, fmt.Errorf("anchor: ledger shrank from sequence %d to %d", a.last.Sequence, seq)
		}
	}

	anc := &Anchor{
		Sequence: seq,
		Head:     head,
		Counter:  counter,
		Clock:    *clock,
		DeviceID: deviceID,
		At:       a.now().UTC(),
	}
	if err := saveState(a.statePath, anc); err != nil {
		return nil, err
	}
	a.last = anc
	return anc, nil
}

// VerifyHead checks a ledger head against the stored anchor: the ledger
// must not have shrunk below the anchored sequence, the head must match
// at the anchored sequence, and when the provider is reachable its
// counter must not be behind the anchored counter.
func (a *Anchorer) VerifyHead(seq uint64, head ledger.Hash) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.last == nil {
		return nil
	}
	if seq < a.last.Sequence {
		return fmt.Errorf("%w: ledger at sequence %d, anchored at %d", ErrRollback, seq, a.last.Sequence)
	}
	if seq == a.last.Sequence && head != a.last.Head {
		return ErrHeadMismatch
	}
	if a.Available() {
		if err := a.provider.Open(); err == nil || errors.Is(err, ErrAlreadyOpen) {
			if counter, err := a.provider.GetCounter(); err == nil && counter < a.last.Counter {
				return fmt.Errorf("%w: provider counter %d behind anchored %d", ErrRollback, counter, a.last.Counter)
			}
		}
	}
	return nil
}

// Close releases the provider.
func (a *Anchorer) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.provider == nil {
		return nil
	}
	return a.provider.Close()
}

func loadState(path string) (*Anchor, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("anchor: read state: %w", err)
	}
	var anc Anchor
	if err := json.Unmarshal(raw, &anc); err != nil {
		return nil, fmt.Errorf("anchor: decode state: %w", err)
	}
	return &anc, nil
}

func saveState(path string, anc *Anchor) error {
	if path == "" {
		return nil
	}
	raw, err := json.MarshalIndent(anc, "", "  ")
	if err != nil {
		return fmt.Errorf("anchor: encode state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("anchor: create state directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0600); err != nil {
		return fmt.Errorf("anchor: write state: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("anchor: replace state: %w", err)
	}
	return nil
}

// NoOpProvider is the disabled backend.
type NoOpProvider struct{}

func (NoOpProvider) Available() bool                   { return false }
func (NoOpProvider) Open() error                       { return ErrNotAvailable }
func (NoOpProvider) Close() error                      { return nil }
func (NoOpProvider) DeviceID() ([]byte, error)         { return nil, ErrNotAvailable }
func (NoOpProvider) IncrementCounter() (uint64, error) { return 0, ErrNotAvailable }
func (NoOpProvider) GetCounter() (uint64, error)       { return 0, ErrNotAvailable }
func (NoOpProvider) GetClock() (*ClockInfo, error)     { return nil, ErrNotAvailable }
func (NoOpProvider) Manufacturer() string              { return "none" }

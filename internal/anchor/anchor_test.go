package anchor

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tresd/internal/config"
	"tresd/internal/ledger"
)

type stubProvider struct {
	counter uint64
	safe    bool
	open    bool
}

func (s *stubProvider) Available() bool { return true }
func (s *stubProvider) Open() error {
	if s.open {
		return ErrAlreadyOpen
	}
	s.open = true
	return nil
}
func (s *stubProvider) Close() error           { return nil }
func (s *stubProvider) DeviceID() ([]byte, error) { return []byte{0xAA}, nil }
func (s *stubProvider) IncrementCounter() (uint64, error) {
	s.counter++
	return s.counter, nil
}
func (s *stubProvider) GetCounter() (uint64, error) { return s.counter, nil }
func (s *stubProvider) GetClock() (*ClockInfo, error) {
	return &ClockInfo{Clock: 1000, Safe: s.safe}, nil
}
func (s *stubProvider) Manufacturer() string { return "stub" }

func statePath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "anchor.json")
}

func TestSoftwareProvider_CounterMonotonic(t *testing.T) {
	p := NewSoftwareProvider()
	require.NoError(t, p.Open())

	var prev uint64
	for i := 0; i < 3; i++ {
		n, err := p.IncrementCounter()
		require.NoError(t, err)
		assert.Greater(t, n, prev)
		prev = n
	}

	n, err := p.GetCounter()
	require.NoError(t, err)
	assert.Equal(t, prev, n)
}

func TestSoftwareProvider_RequiresOpen(t *testing.T) {
	p := NewSoftwareProvider()
	_, err := p.IncrementCounter()
	assert.ErrorIs(t, err, ErrNotOpen)
}

func TestAnchorer_AnchorAndReload(t *testing.T) {
	path := statePath(t)

	a, err := New(NewSoftwareProvider(), path)
	require.NoError(t, err)

	first, err := a.Anchor(3, ledger.Hash{1})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), first.Sequence)
	assert.Equal(t, uint64(1), first.Counter)

	second, err := a.Anchor(7, ledger.Hash{2})
	require.NoError(t, err)
	assert.Greater(t, second.Counter, first.Counter)
	require.NoError(t, a.Close())

	// A fresh Anchorer over the same state file continues the chain:
	// the software counter is re-seeded from the stored anchor.
	b, err := New(NewSoftwareProvider(), path)
	require.NoError(t, err)
	last := b.Last()
	require.NotNil(t, last)
	assert.Equal(t, second.Counter, last.Counter)
	assert.Equal(t, ledger.Hash{2}, last.Head)

	third, err := b.Anchor(9, ledger.Hash{3})
	require.NoError(t, err)
	assert.Greater(t, third.Counter, second.Counter)
}

func TestAnchorer_RejectsShrunkLedger(t *testing.T) {
	a, err := New(NewSoftwareProvider(), statePath(t))
	require.NoError(t, err)

	_, err = a.Anchor(5, ledger.Hash{1})
	require.NoError(t, err)

	_, err = a.Anchor(3, ledger.Hash{2})
	assert.ErrorContains(t, err, "ledger shrank")
}

func TestAnchorer_DetectsCounterRollback(t *testing.T) {
	path := statePath(t)

	a, err := New(NewSoftwareProvider(), path)
	require.NoError(t, err)
	for i := uint64(1); i <= 5; i++ {
		_, err = a.Anchor(i, ledger.Hash{byte(i)})
		require.NoError(t, err)
	}

	// A provider whose counter restarted from zero is behind the
	// anchored counter.
	b, err := New(&stubProvider{safe: true}, path)
	require.NoError(t, err)
	_, err = b.Anchor(6, ledger.Hash{6})
	assert.ErrorIs(t, err, ErrRollback)
}

func TestAnchorer_RejectsUnsafeClock(t *testing.T) {
	a, err := New(&stubProvider{safe: false}, statePath(t))
	require.NoError(t, err)

	_, err = a.Anchor(1, ledger.Hash{1})
	assert.ErrorIs(t, err, ErrClockUnsafe)
}

func TestAnchorer_VerifyHead(t *testing.T) {
	a, err := New(NewSoftwareProvider(), statePath(t))
	require.NoError(t, err)

	_, err = a.Anchor(4, ledger.Hash{4})
	require.NoError(t, err)

	assert.NoError(t, a.VerifyHead(4, ledger.Hash{4}))
	assert.NoError(t, a.VerifyHead(9, ledger.Hash{9}))
	assert.ErrorIs(t, a.VerifyHead(2, ledger.Hash{2}), ErrRollback)
	assert.ErrorIs(t, a.VerifyHead(4, ledger.Hash{5}), ErrHeadMismatch)
}

func TestAnchorer_NoOpNotAvailable(t *testing.T) {
	a, err := New(NoOpProvider{}, statePath(t))
	require.NoError(t, err)

	assert.False(t, a.Available())
	_, err = a.Anchor(1, ledger.Hash{1})
	assert.ErrorIs(t, err, ErrNotAvailable)

	// A verify without any stored anchor passes.
	assert.NoError(t, a.VerifyHead(1, ledger.Hash{1}))
}

func TestFromConfig(t *testing.T) {
	cfg := config.AnchorConfig{Provider: "software", StatePath: statePath(t)}
	a, err := FromConfig(cfg)
	require.NoError(t, err)
	assert.True(t, a.Available())

	cfg.Provider = "none"
	a, err = FromConfig(cfg)
	require.NoError(t, err)
	assert.False(t, a.Available())

	cfg.Provider = "hsm"
	_, err = FromConfig(cfg)
	assert.ErrorContains(t, err, "unknown provider")
}

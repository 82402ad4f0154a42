package anchor

import (
	"crypto/rand"
	"crypto/sha256"
	"sync"
	"time"
)

// SoftwareProvider keeps the counter in process memory. The Anchorer
// re-seeds it from the persisted anchor state, so the counter is
// monotonic across clean restarts but offers no protection against an
// attacker who can edit the state file. Use the tpm provider where
// that matters.
type SoftwareProvider struct {
	mu        sync.Mutex
	deviceID  []byte
	counter   uint64
	startTime time.Time
	isOpen    bool
}

// NewSoftwareProvider creates a software counter with a random device
// identity.
func NewSoftwareProvider() *SoftwareProvider {
	var nonce [16]byte
	rand.Read(nonce[:])
	id := sha256.Sum256(nonce[:])
	return &SoftwareProvider{
		deviceID:  id[:16],
		startTime: time.Now(),
	}
}

func (s *SoftwareProvider) seed(counter uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if counter > s.counter {
		s.counter = counter
	}
}

func (s *SoftwareProvider) Available() bool { return true }

func (s *SoftwareProvider) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isOpen {
		return ErrAlreadyOpen
	}
	s.isOpen = true
	return nil
}

func (s *SoftwareProvider) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isOpen = false
	return nil
}

func (s *SoftwareProvider) DeviceID() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, len(s.deviceID))
	copy(out, s.deviceID)
	return out, nil
}

func (s *SoftwareProvider) IncrementCounter() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isOpen {
		return 0, ErrNotOpen
	}
	s.counter++
	return s.counter, nil
}

func (s *SoftwareProvider) GetCounter() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isOpen {
		return 0, ErrNotOpen
	}
	return s.counter, nil
}

func (s *SoftwareProvider) GetClock() (*ClockInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &ClockInfo{
		Clock: uint64(time.Since(s.startTime).Milliseconds()),
		Safe:  true,
	}, nil
}

func (s *SoftwareProvider) Manufacturer() string { return "software" }

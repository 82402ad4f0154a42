//go:build unix

// Package security holds key material in wipeable, swap-locked memory.
//
// OSNMA pre-shared keys live for the daemon's whole lifetime; keeping
// them in SecureBytes means they are mlocked while in use and zeroed
// when replaced or on shutdown, rather than lingering in pageable heap.
package security

import (
	"runtime"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// SecureBytes is a byte slice that is zeroed on Destroy and, where
// privileges allow, locked against swapping.
type SecureBytes struct {
	mu     sync.Mutex
	data   []byte
	locked bool
}

// NewSecureBytes allocates a zeroed buffer of the given size. mlock
// failure is not fatal: unprivileged processes still get the wipe
// guarantees, just not the swap guarantee.
func NewSecureBytes(size int) (*SecureBytes, error) {
	sb := &SecureBytes{data: make([]byte, size)}
	sb.lock()
	runtime.SetFinalizer(sb, func(s *SecureBytes) { s.Destroy() })
	return sb, nil
}

// FromBytes copies data into locked memory and wipes the original.
func FromBytes(data []byte) (*SecureBytes, error) {
	sb, err := NewSecureBytes(len(data))
	if err != nil {
		return nil, err
	}
	copy(sb.data, data)
	Wipe(data)
	return sb, nil
}

// Bytes returns the underlying slice. Use it immediately; do not store
// it past the next Destroy.
func (s *SecureBytes) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data
}

// Copy returns an independent copy. The caller wipes it when done.
func (s *SecureBytes) Copy() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		return nil
	}
	out := make([]byte, len(s.data))
	copy(out, s.data)
	return out
}

// Len returns the buffer length, zero after Destroy.
func (s *SecureBytes) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

// Destroy wipes the buffer and releases the memory lock. Safe to call
// more than once.
func (s *SecureBytes) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		return
	}
	wipeBytes(s.data)
	if s.locked {
		s.unlock()
	}
	s.data = nil
}

func (s *SecureBytes) lock() {
	if len(s.data) == 0 {
		return
	}
	ptr := unsafe.Pointer(&s.data[0])
	size := len(s.data)
	if err := unix.Mlock(unsafe.Slice((*byte)(ptr), size)); err == nil {
		s.locked = true
	}
}

func (s *SecureBytes) unlock() {
	if len(s.data) == 0 {
		return
	}
	ptr := unsafe.Pointer(&s.data[0])
	size := len(s.data)
	unix.Munlock(unsafe.Slice((*byte)(ptr), size))
	s.locked = false
}

// Wipe overwrites a byte slice with zeros.
func Wipe(data []byte) {
	wipeBytes(data)
}

func wipeBytes(data []byte) {
	if len(data) == 0 {
		return
	}
	for i := range data {
		data[i] = 0
	}
	runtime.KeepAlive(data)
}

// Package ledger implements the append-only security audit chain.
//
// Every security-relevant action (source changes, threat detections,
// readiness transitions, holdover starts, configuration changes) is
// appended as an entry whose hash binds the previous entry's hash, the
// canonical form of the event details, the timestamp, and the event
// type. A verifier walking the chain can therefore localize tampering:
// a mismatch at entry N marks entries N and later as suspect, though it
// cannot by itself say who altered them.
package ledger

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Errors
var (
	ErrChainIntegrity   = errors.New("ledger: chain integrity violation")
	ErrUnknownEventType = errors.New("ledger: unknown event type")
	ErrOutOfRange       = errors.New("ledger: sequence out of range")
)

// DefaultActor is recorded when an append names no actor.
const DefaultActor = "system"

// hashDomain separates this chain's digests from any other SHA-256 use.
const hashDomain = "tresd-audit-v1"

// EventType classifies an audit entry.
type EventType string

const (
	EventSourceChange     EventType = "SOURCE_CHANGE"
	EventSpoofingDetected EventType = "SPOOFING_DETECTED"
	EventJammingDetected  EventType = "JAMMING_DETECTED"
	EventWarModeOn        EventType = "WAR_MODE_ON"
	EventWarModeOff       EventType = "WAR_MODE_OFF"
	EventHoldoverOn       EventType = "HOLDOVER_ON"
	EventHoldoverOff      EventType = "HOLDOVER_OFF"
	EventPeerFailover     EventType = "PEER_FAILOVER"
	EventTrustChange      EventType = "TRUST_CHANGE"
	EventConfigChange     EventType = "CONFIG_CHANGE"
)

var eventTypes = map[EventType]bool{
	EventSourceChange:     true,
	EventSpoofingDetected: true,
	EventJammingDetected:  true,
	EventWarModeOn:        true,
	EventWarModeOff:       true,
	EventHoldoverOn:       true,
	EventHoldoverOff:      true,
	EventPeerFailover:     true,
	EventTrustChange:      true,
	EventConfigChange:     true,
}

// Valid reports whether t is a defined event type.
func (t EventType) Valid() bool {
	return eventTypes[t]
}

// Hash is a 32-byte SHA-256 digest, hex-encoded in text form.
type Hash [32]byte

// String returns the lowercase hex encoding.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether h is the genesis (all-zero) hash.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// MarshalText implements encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := ParseHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// ParseHash decodes a 64-character hex digest.
func ParseHash(s string) (Hash, error) {
	var h Hash
	raw, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("ledger: malformed hash %q: %w", s, err)
	}
	if len(raw) != len(h) {
		return h, fmt.Errorf("ledger: hash %q has %d bytes, want %d", s, len(raw), len(h))
	}
	copy(h[:], raw)
	return h, nil
}

// Entry is one link of the audit chain. Entries are immutable after
// insertion; Details holds the canonical encoding that was hashed.
type Entry struct {
	Sequence  uint64          `json:"sequence"`
	Type      EventType       `json:"event_type"`
	Actor     string          `json:"actor"`
	Details   json.RawMessage `json:"details"`
	Timestamp time.Time       `json:"timestamp"`
	PrevHash  Hash            `json:"previous_hash"`
	Hash      Hash            `json:"entry_hash"`
}

// Canonicalize produces the deterministic encoding of event details
// that entry hashes commit to. encoding/json writes map keys in sorted
// order at every nesting level, which is the whole canonical form
// contract. Nil details encode as an empty object.
func Canonicalize(details map[string]any) ([]byte, error) {
	if details == nil {
		return []byte("{}"), nil
	}
	out, err := json.Marshal(details)
	if err != nil {
		return nil, fmt.Errorf("ledger: encode details: %w", err)
	}
	return out, nil
}

// entryHash binds one entry to its predecessor.
func entryHash(prev Hash, details []byte, ts time.Time, typ EventType) Hash {
	h := sha256.New()
	h.Write([]byte(hashDomain))
	h.Write(prev[:])
	h.Write(details)

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(ts.UnixNano()))
	h.Write(buf[:])
	h.Write([]byte(typ))

	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// IntegrityError reports where a chain walk first failed. Everything at
// and after Sequence is suspect.
type IntegrityError struct {
	Sequence uint64
	Reason   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("ledger: chain integrity violation at entry %d (%s); entries %d and later are suspect",
		e.Sequence, e.Reason, e.Sequence)
}

// Unwrap makes the error match ErrChainIntegrity.
func (e *IntegrityError) Unwrap() error {
	return ErrChainIntegrity
}

// Ledger is the append-only audit chain. Appends are globally
// serialized; interleaving them would corrupt the chain's total order.
type Ledger struct {
	mu sync.Mutex

	entries []*Entry
	head    Hash
	now     func() time.Time
}

// New creates an empty ledger. A nil clock defaults to time.Now.
func New(clock func() time.Time) *Ledger {
	if clock == nil {
		clock = time.Now
	}
	return &Ledger{now: clock}
}

// FromEntries rebuilds a ledger from previously stored entries,
// refusing a chain that does not verify.
func FromEntries(entries []*Entry, clock func() time.Time) (*Ledger, error) {
	if err := VerifyEntries(entries); err != nil {
		return nil, err
	}
	l := New(clock)
	l.entries = make([]*Entry, len(entries))
	copy(l.entries, entries)
	if n := len(entries); n > 0 {
		l.head = entries[n-1].Hash
	}
	return l, nil
}

// Append adds one entry to the chain and returns it. An empty actor
// records as "system". Details must be JSON-encodable; the canonical
// encoding is stored on the entry.
func (l *Ledger) Append(typ EventType, actor string, details map[string]any) (*Entry, error) {
	if !typ.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, typ)
	}
	if actor == "" {
		actor = DefaultActor
	}
	canonical, err := Canonicalize(details)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e := &Entry{
		Sequence:  uint64(len(l.entries)),
		Type:      typ,
		Actor:     actor,
		Details:   canonical,
		Timestamp: l.now(),
		PrevHash:  l.head,
	}
	e.Hash = entryHash(e.PrevHash, e.Details, e.Timestamp, e.Type)

	l.entries = append(l.entries, e)
	l.head = e.Hash
	return e, nil
}

// Head returns the hash of the latest entry, or the genesis hash when
// the chain is empty.
func (l *Ledger) Head() Hash {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.head
}

// Len returns the number of entries.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Entries returns the chain in append order.
func (l *Ledger) Entries() []*Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// At returns the entry at a sequence number.
func (l *Ledger) At(seq uint64) (*Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if seq >= uint64(len(l.entries)) {
		return nil, fmt.Errorf("%w: %d of %d", ErrOutOfRange, seq, len(l.entries))
	}
	return l.entries[seq], nil
}

// Verify walks the whole chain and returns an IntegrityError at the
// first entry whose linkage or recomputed hash does not hold.
func (l *Ledger) Verify() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return VerifyEntries(l.entries)
}

// VerifyEntries checks a stored chain without adopting it.
func VerifyEntries(entries []*Entry) error {
	var prev Hash
	for i, e := range entries {
		seq := uint64(i)
		if e.Sequence != seq {
			return &IntegrityError{Sequence: seq, Reason: fmt.Sprintf("sequence %d out of order", e.Sequence)}
		}
		if e.PrevHash != prev {
			return &IntegrityError{Sequence: seq, Reason: "previous hash does not match prior entry"}
		}
		if computed := entryHash(e.PrevHash, e.Details, e.Timestamp, e.Type); computed != e.Hash {
			return &IntegrityError{Sequence: seq, Reason: "entry hash does not match contents"}
		}
		prev = e.Hash
	}
	return nil
}

// Summary describes the chain for status surfaces.
type Summary struct {
	Entries int       `json:"entries"`
	Head    Hash      `json:"head"`
	FirstAt time.Time `json:"first_at"`
	LastAt  time.Time `json:"last_at"`
	Valid   bool      `json:"valid"`
}

// Summary reports entry count, head hash, time span, and validity.
func (l *Ledger) Summary() Summary {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := Summary{
		Entries: len(l.entries),
		Head:    l.head,
		Valid:   VerifyEntries(l.entries) == nil,
	}
	if n := len(l.entries); n > 0 {
		s.FirstAt = l.entries[0].Timestamp
		s.LastAt = l.entries[n-1].Timestamp
	}
	return s
}

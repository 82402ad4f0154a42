// Package osnma verifies the authenticity of navigation data messages.
//
// Two algorithms are supported: HMAC-SHA256 over the message payload with a
// pre-shared key, and Ed25519 signatures checked against a loaded public
// key. A message that cannot be checked at all, because it carries no tag or
// references an unknown key, is reported as unavailable rather than failed:
// absence of authentication is a coverage gap, not an attack.
//
// The verifier keeps a trailing window of verification outcomes. The
// success rate over that window feeds the spoofing determination; a burst
// of tag failures with other indicators present is strong spoofing
// evidence.
package osnma

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"sync"
	"time"

	"tresd/internal/security"
	"tresd/internal/threat"
)

// Errors
var (
	ErrVerificationUnavailable = errors.New("osnma: verification unavailable")
	ErrUnknownKey              = errors.New("osnma: unknown key id")
	ErrUnsupportedAlgorithm    = errors.New("osnma: unsupported algorithm")
)

// Algorithm selects how navigation message tags are checked.
type Algorithm string

const (
	AlgorithmHMACSHA256 Algorithm = "hmac-sha256"
	AlgorithmEd25519    Algorithm = "ed25519"
)

// Valid reports whether the algorithm is supported.
func (a Algorithm) Valid() bool {
	return a == AlgorithmHMACSHA256 || a == AlgorithmEd25519
}

// Status is the outcome of one verification attempt.
type Status string

const (
	// StatusAuthentic means the tag checked out.
	StatusAuthentic Status = "authentic"
	// StatusFailed means a tag was present but did not verify.
	StatusFailed Status = "failed"
	// StatusUnavailable means no check was possible: the message carried
	// no tag, or the referenced key is not loaded.
	StatusUnavailable Status = "unavailable"
)

// NavMessage is one navigation data message with its authentication tag.
// Tag holds the HMAC tag or the Ed25519 signature depending on the
// verifier's algorithm.
type NavMessage struct {
	Element       string    `json:"element"`
	Constellation string    `json:"constellation"`
	SatelliteID   int       `json:"satellite_id"`
	Payload       []byte    `json:"payload"`
	Tag           []byte    `json:"tag,omitempty"`
	KeyID         string    `json:"key_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Verification is the result of checking one message.
type Verification struct {
	Status      Status    `json:"status"`
	KeyID       string    `json:"key_id,omitempty"`
	SatelliteID int       `json:"satellite_id"`
	At          time.Time `json:"at"`
}

// DefaultRateWindow is the trailing window for the authentication success
// rate.
const DefaultRateWindow = 5 * time.Minute

type attempt struct {
	at time.Time
	ok bool
}

// Verifier checks navigation message tags and tracks the trailing success
// rate. Safe for concurrent use.
type Verifier struct {
	mu sync.Mutex

	algorithm  Algorithm
	hmacKeys   map[string]*security.SecureBytes
	verifyKeys map[string]ed25519.PublicKey
	window     time.Duration
	attempts   []attempt
	now        func() time.Time
}

// NewVerifier creates a verifier for the given algorithm. A window of zero
// or less selects DefaultRateWindow; a nil clock defaults to time.Now.
func NewVerifier(algorithm Algorithm, window time.Duration, clock func() time.Time) (*Verifier, error) {
	if !algorithm.Valid() {
		return nil, ErrUnsupportedAlgorithm
	}
	if window <= 0 {
		window = DefaultRateWindow
	}
	if clock == nil {
		clock = time.Now
	}
	return &Verifier{
		algorithm:  algorithm,
		hmacKeys:   make(map[string]*security.SecureBytes),
		verifyKeys: make(map[string]ed25519.PublicKey),
		window:     window,
		now:        clock,
	}, nil
}

// Algorithm returns the verifier's configured algorithm.
func (v *Verifier) Algorithm() Algorithm {
	return v.algorithm
}

// Verify checks one message. Authentic and failed outcomes enter the rate
// window; unavailable outcomes do not, so coverage gaps cannot drag the
// rate down.
func (v *Verifier) Verify(msg NavMessage) Verification {
	v.mu.Lock()
	defer v.mu.Unlock()

	now := v.now()
	out := Verification{KeyID: msg.KeyID, SatelliteID: msg.SatelliteID, At: now}

	if len(msg.Tag) == 0 {
		out.Status = StatusUnavailable
		return out
	}

	var ok bool
	switch v.algorithm {
	case AlgorithmHMACSHA256:
		key, found := v.hmacKeys[msg.KeyID]
		if !found {
			out.Status = StatusUnavailable
			return out
		}
		mac := hmac.New(sha256.New, key.Bytes())
		mac.Write(msg.Payload)
		ok = hmac.Equal(mac.Sum(nil), msg.Tag)
	case AlgorithmEd25519:
		pub, found := v.verifyKeys[msg.KeyID]
		if !found {
			out.Status = StatusUnavailable
			return out
		}
		ok = len(msg.Tag) == ed25519.SignatureSize && ed25519.Verify(pub, msg.Payload, msg.Tag)
	}

	v.attempts = append(v.attempts, attempt{at: now, ok: ok})
	v.prune(now)

	if ok {
		out.Status = StatusAuthentic
	} else {
		out.Status = StatusFailed
	}
	return out
}

// prune drops attempts older than the rate window. Caller holds mu.
func (v *Verifier) prune(now time.Time) {
	cutoff := now.Add(-v.window)
	i := 0
	for i < len(v.attempts) && v.attempts[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		v.attempts = append(v.attempts[:0], v.attempts[i:]...)
	}
}

// SuccessRate returns the fraction of attempts in the trailing window that
// verified, and the number of attempts counted. With no attempts the rate
// is 1.0: an empty window is not evidence of attack.
func (v *Verifier) SuccessRate() (float64, int) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.prune(v.now())
	if len(v.attempts) == 0 {
		return 1.0, 0
	}
	ok := 0
	for _, a := range v.attempts {
		if a.ok {
			ok++
		}
	}
	return float64(ok) / float64(len(v.attempts)), len(v.attempts)
}

// FailureEvent builds the threat event for a failed verification.
func (v *Verifier) FailureEvent(msg NavMessage) *threat.Event {
	return threat.NewEvent(threat.KindCryptoFailure, threat.SeverityHigh, msg.Element, v.now()).
		WithConstellation(msg.Constellation).
		WithSatellite(msg.SatelliteID).
		WithEvidence(map[string]any{
			"key_id":        msg.KeyID,
			"algorithm":     string(v.algorithm),
			"payload_bytes": len(msg.Payload),
		})
}

// Close wipes all loaded key material.
func (v *Verifier) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()

	for id, key := range v.hmacKeys {
		key.Destroy()
		delete(v.hmacKeys, id)
	}
	for id := range v.verifyKeys {
		delete(v.verifyKeys, id)
	}
}

// Package schemaval validates observation batches submitted by external
// producers before they reach the engine. The schema is embedded and
// compiled once at startup; a payload that fails validation is rejected
// outright rather than partially ingested.
package schemaval

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "embed"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"tresd/internal/osnma"
	"tresd/internal/signal"
	"tresd/internal/threat"
)

//go:embed batch.schema.json
var batchSchemaJSON []byte

// ErrMalformed marks payloads rejected by schema validation. Malformed
// input is a hard error: the producer is misbehaving and nothing in the
// batch can be trusted.
var ErrMalformed = errors.New("malformed observation batch")

// MaxBatchBytes bounds a single batch payload.
const MaxBatchBytes = 1 << 20

var batchSchema = mustCompile()

func mustCompile() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.AssertFormat = true
	if err := c.AddResource("batch.schema.json", bytes.NewReader(batchSchemaJSON)); err != nil {
		panic(fmt.Sprintf("schemaval: add embedded schema: %v", err))
	}
	return c.MustCompile("batch.schema.json")
}

// PeerRound is one round of peer offset measurements on the wire.
// Offsets travel as integer nanoseconds.
type PeerRound struct {
	Element       string    `json:"element"`
	LocalOffsetNS int64     `json:"local_offset_ns"`
	PeerOffsetsNS []int64   `json:"peer_offsets_ns"`
	Timestamp     time.Time `json:"timestamp"`
}

// Local returns the element's own offset as a duration.
func (r PeerRound) Local() time.Duration { return time.Duration(r.LocalOffsetNS) }

// Peers returns the reported peer offsets as durations.
func (r PeerRound) Peers() []time.Duration {
	out := make([]time.Duration, len(r.PeerOffsetsNS))
	for i, ns := range r.PeerOffsetsNS {
		out[i] = time.Duration(ns)
	}
	return out
}

// SatObservation is one per-satellite measurement set on the wire.
type SatObservation struct {
	Element            string  `json:"element"`
	SatelliteID        int     `json:"satellite_id"`
	PowerDBm           float64 `json:"power_dbm"`
	CodePhaseM         float64 `json:"code_phase_m,omitempty"`
	CarrierPhaseM      float64 `json:"carrier_phase_m,omitempty"`
	DopplerObservedHz  float64 `json:"doppler_observed_hz,omitempty"`
	DopplerPredictedHz float64 `json:"doppler_predicted_hz,omitempty"`
}

// Batch is one validated ingest payload. Every section is optional but
// the schema requires at least one to be present.
type Batch struct {
	Samples []signal.Sample     `json:"samples,omitempty"`
	Fixes   []threat.FixQuality `json:"fixes,omitempty"`
	Peers   []PeerRound         `json:"peers,omitempty"`
	Sats    []SatObservation    `json:"sats,omitempty"`
	Nav     []osnma.NavMessage  `json:"nav,omitempty"`
}

// Observations reports the total number of observations in the batch.
func (b *Batch) Observations() int {
	return len(b.Samples) + len(b.Fixes) + len(b.Peers) + len(b.Sats) + len(b.Nav)
}

// Validate checks a raw payload against the batch schema without
// decoding it into Go types.
func Validate(raw []byte) error {
	if len(raw) > MaxBatchBytes {
		return fmt.Errorf("%w: payload %d bytes exceeds %d", ErrMalformed, len(raw), MaxBatchBytes)
	}
	var instance any
	if err := json.Unmarshal(raw, &instance); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := batchSchema.Validate(instance); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

// DecodeBatch validates a raw payload and decodes it. The returned
// batch is only populated when the payload passed the schema.
func DecodeBatch(raw []byte) (*Batch, error) {
	if err := Validate(raw); err != nil {
		return nil, err
	}
	var b Batch
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &b, nil
}

// Package store provides SQLite-based persistence for tresd.
//
// The store holds the durable record of what the daemon decided and
// why: threat events, source failovers, holdover periods, war mode
// sessions and the audit ledger entries. Live state (current metrics,
// source availability, null allocations) stays in memory with the
// controllers.
package store

import (
	"time"

	"tresd/internal/source"
	"tresd/internal/warmode"
)

// FailoverRecord captures one source switch on an element.
type FailoverRecord struct {
	ID         int64
	Element    string
	SessionID  string
	From       source.Source
	To         source.Source
	Reason     string
	WarMode    warmode.Level
	SwitchedAt time.Time
	Duration   time.Duration
}

// ThreatSummary aggregates threat counts over a trailing window.
type ThreatSummary struct {
	Since      time.Time        `json:"since"`
	Total      int64            `json:"total"`
	Unresolved int64            `json:"unresolved"`
	ByKind     map[string]int64 `json:"by_kind,omitempty"`
	BySeverity map[string]int64 `json:"by_severity,omitempty"`
}

// Stats summarizes stored record counts for status surfaces.
type Stats struct {
	Threats       int64     `json:"threats"`
	Unresolved    int64     `json:"unresolved_threats"`
	Failovers     int64     `json:"failovers"`
	Holdovers     int64     `json:"holdovers"`
	Sessions      int64     `json:"sessions"`
	LedgerEntries int64     `json:"ledger_entries"`
	LastThreatAt  time.Time `json:"last_threat_at,omitempty"`
}

package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"tresd/internal/holdover"
	"tresd/internal/ledger"
	"tresd/internal/source"
	"tresd/internal/threat"
	"tresd/internal/warmode"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: record not found")

// Schema for the tresd decision record. Timestamps are stored as unix
// nanoseconds; evidence and indicator snapshots as JSON text.
const schema = `
CREATE TABLE IF NOT EXISTS threats (
    id            TEXT PRIMARY KEY,
    kind          TEXT NOT NULL,
    severity      TEXT NOT NULL,
    element       TEXT NOT NULL,
    constellation TEXT,
    satellite_id  INTEGER,
    evidence      TEXT,
    detected_ns   INTEGER NOT NULL,
    resolved      INTEGER NOT NULL DEFAULT 0,
    resolved_ns   INTEGER
);
CREATE INDEX IF NOT EXISTS idx_threats_element ON threats(element, detected_ns);
CREATE INDEX IF NOT EXISTS idx_threats_detected ON threats(detected_ns);

CREATE TABLE IF NOT EXISTS failovers (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    element     TEXT NOT NULL,
    session_id  TEXT,
    from_source TEXT NOT NULL,
    to_source   TEXT NOT NULL,
    reason      TEXT,
    war_mode    TEXT NOT NULL,
    switched_ns INTEGER NOT NULL,
    duration_ns INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_failovers_element ON failovers(element, switched_ns);

CREATE TABLE IF NOT EXISTS holdover_events (
    id          TEXT PRIMARY KEY,
    element     TEXT NOT NULL,
    session_id  TEXT,
    oscillator  TEXT NOT NULL,
    quality     TEXT NOT NULL,
    drift_ppb   REAL NOT NULL,
    drift_ns    REAL NOT NULL,
    started_ns  INTEGER NOT NULL,
    ended_ns    INTEGER,
    active      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_holdover_element ON holdover_events(element, started_ns);

CREATE TABLE IF NOT EXISTS war_sessions (
    id             TEXT PRIMARY KEY,
    level          TEXT NOT NULL,
    threat_type    TEXT NOT NULL,
    activated_by   TEXT NOT NULL,
    reason         TEXT,
    indicators     TEXT,
    activated_ns   INTEGER NOT NULL,
    deactivated_ns INTEGER,
    active         INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS war_transitions (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL REFERENCES war_sessions(id),
    from_level TEXT NOT NULL,
    to_level   TEXT NOT NULL,
    indicators TEXT,
    at_ns      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transitions_session ON war_transitions(session_id, at_ns);

CREATE TABLE IF NOT EXISTS audit_log (
    sequence   INTEGER PRIMARY KEY,
    event_type TEXT NOT NULL,
    actor      TEXT NOT NULL,
    details    TEXT NOT NULL,
    ts_ns      INTEGER NOT NULL,
    prev_hash  TEXT NOT NULL,
    entry_hash TEXT NOT NULL
);
`

// Store wraps the SQLite database holding the engine's records.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path and applies the schema.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// ---- threats ----

// InsertThreat persists a detected threat event.
func (s *Store) InsertThreat(e *threat.Event) error {
	evidence, err := encodeJSON(e.Evidence)
	if err != nil {
		return fmt.Errorf("encode evidence: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO threats (id, kind, severity, element, constellation, satellite_id, evidence, detected_ns, resolved, resolved_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.Kind), e.Severity.String(), e.Element, e.Constellation, e.SatelliteID,
		evidence, e.DetectedAt.UnixNano(), boolInt(e.Resolved), nullableNano(e.ResolvedAt),
	)
	if err != nil {
		return fmt.Errorf("insert threat: %w", err)
	}
	return nil
}

// MarkResolved marks a threat resolved at the given time.
func (s *Store) MarkResolved(id string, at time.Time) error {
	res, err := s.db.Exec(`UPDATE threats SET resolved = 1, resolved_ns = ? WHERE id = ?`,
		at.UnixNano(), id)
	if err != nil {
		return fmt.Errorf("mark resolved: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark resolved: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: threat %s", ErrNotFound, id)
	}
	return nil
}

// GetThreat returns one threat by ID.
func (s *Store) GetThreat(id string) (*threat.Event, error) {
	row := s.db.QueryRow(`
		SELECT id, kind, severity, element, constellation, satellite_id, evidence, detected_ns, resolved, resolved_ns
		FROM threats WHERE id = ?`, id)
	e, err := scanThreat(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: threat %s", ErrNotFound, id)
	}
	return e, err
}

// ListThreats returns threats detected at or after since, newest first.
// A zero since matches everything; resolved events are included only
// when includeResolved is set. Limit 0 means no limit.
func (s *Store) ListThreats(since time.Time, includeResolved bool, limit int) ([]*threat.Event, error) {
	q := `SELECT id, kind, severity, element, constellation, satellite_id, evidence, detected_ns, resolved, resolved_ns
		FROM threats WHERE detected_ns >= ?`
	if !includeResolved {
		q += ` AND resolved = 0`
	}
	q += ` ORDER BY detected_ns DESC`
	args := []any{sinceNano(since)}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("list threats: %w", err)
	}
	defer rows.Close()

	var out []*threat.Event
	for rows.Next() {
		e, err := scanThreat(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ThreatSummary aggregates threat counts by kind and severity since the
// given time. A zero since covers all recorded threats.
func (s *Store) ThreatSummary(since time.Time) (*ThreatSummary, error) {
	sum := &ThreatSummary{
		Since:      since,
		ByKind:     make(map[string]int64),
		BySeverity: make(map[string]int64),
	}
	start := sinceNano(since)

	err := s.db.QueryRow(`
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN resolved = 0 THEN 1 ELSE 0 END), 0)
		FROM threats WHERE detected_ns >= ?`, start).Scan(&sum.Total, &sum.Unresolved)
	if err != nil {
		return nil, fmt.Errorf("threat summary: %w", err)
	}

	groups := []struct {
		column string
		dest   map[string]int64
	}{
		{"kind", sum.ByKind},
		{"severity", sum.BySeverity},
	}
	for _, g := range groups {
		rows, err := s.db.Query(
			`SELECT `+g.column+`, COUNT(*) FROM threats WHERE detected_ns >= ? GROUP BY `+g.column, start)
		if err != nil {
			return nil, fmt.Errorf("threat summary: %w", err)
		}
		for rows.Next() {
			var key string
			var n int64
			if err := rows.Scan(&key, &n); err != nil {
				rows.Close()
				return nil, fmt.Errorf("threat summary: %w", err)
			}
			g.dest[key] = n
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("threat summary: %w", err)
		}
		rows.Close()
	}
	return sum, nil
}

// ---- failovers ----

// InsertFailover records one source switch and returns its row ID.
func (s *Store) InsertFailover(r *FailoverRecord) (int64, error) {
	res, err := s.db.Exec(`
		INSERT INTO failovers (element, session_id, from_source, to_source, reason, war_mode, switched_ns, duration_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Element, r.SessionID, r.From.String(), r.To.String(), r.Reason,
		r.WarMode.String(), r.SwitchedAt.UnixNano(), int64(r.Duration),
	)
	if err != nil {
		return 0, fmt.Errorf("insert failover: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert failover: %w", err)
	}
	r.ID = id
	return id, nil
}

// ListFailovers returns failovers for an element, newest first. An empty
// element matches all elements; limit 0 means no limit.
func (s *Store) ListFailovers(element string, limit int) ([]FailoverRecord, error) {
	q := `SELECT id, element, session_id, from_source, to_source, reason, war_mode, switched_ns, duration_ns FROM failovers`
	var args []any
	if element != "" {
		q += ` WHERE element = ?`
		args = append(args, element)
	}
	q += ` ORDER BY switched_ns DESC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("list failovers: %w", err)
	}
	defer rows.Close()

	var out []FailoverRecord
	for rows.Next() {
		var (
			r                 FailoverRecord
			from, to, level   string
			switchedNs, durNs int64
		)
		if err := rows.Scan(&r.ID, &r.Element, &r.SessionID, &from, &to, &r.Reason, &level, &switchedNs, &durNs); err != nil {
			return nil, fmt.Errorf("scan failover: %w", err)
		}
		if r.From, err = source.Parse(from); err != nil {
			return nil, err
		}
		if r.To, err = source.Parse(to); err != nil {
			return nil, err
		}
		if r.WarMode, err = warmode.ParseLevel(level); err != nil {
			return nil, fmt.Errorf("scan failover: %w", err)
		}
		r.SwitchedAt = time.Unix(0, switchedNs)
		r.Duration = time.Duration(durNs)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ---- holdover events ----

// UpsertHoldover writes a holdover event, replacing any prior row with
// the same ID. The tracker updates accumulated drift on every tick and
// closes the event when a source returns; both paths land here.
func (s *Store) UpsertHoldover(e *holdover.Event) error {
	_, err := s.db.Exec(`
		INSERT INTO holdover_events (id, element, session_id, oscillator, quality, drift_ppb, drift_ns, started_ns, ended_ns, active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			quality = excluded.quality,
			drift_ns = excluded.drift_ns,
			ended_ns = excluded.ended_ns,
			active = excluded.active`,
		e.ID, e.Element, e.SessionID, string(e.Oscillator), string(e.Quality),
		e.DriftRatePPB, e.AccumulatedNs, e.StartedAt.UnixNano(), nullableNano(e.EndedAt), boolInt(e.Active),
	)
	if err != nil {
		return fmt.Errorf("upsert holdover: %w", err)
	}
	return nil
}

// ListHoldovers returns holdover events for an element, newest first.
// An empty element matches all elements; limit 0 means no limit.
func (s *Store) ListHoldovers(element string, limit int) ([]holdover.Event, error) {
	q := `SELECT id, element, session_id, oscillator, quality, drift_ppb, drift_ns, started_ns, ended_ns, active FROM holdover_events`
	var args []any
	if element != "" {
		q += ` WHERE element = ?`
		args = append(args, element)
	}
	q += ` ORDER BY started_ns DESC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("list holdovers: %w", err)
	}
	defer rows.Close()

	var out []holdover.Event
	for rows.Next() {
		var (
			e         holdover.Event
			osc, qual string
			startedNs int64
			endedNs   sql.NullInt64
			active    int
		)
		if err := rows.Scan(&e.ID, &e.Element, &e.SessionID, &osc, &qual,
			&e.DriftRatePPB, &e.AccumulatedNs, &startedNs, &endedNs, &active); err != nil {
			return nil, fmt.Errorf("scan holdover: %w", err)
		}
		e.Oscillator = holdover.Oscillator(osc)
		e.Quality = holdover.Quality(qual)
		e.StartedAt = time.Unix(0, startedNs)
		if endedNs.Valid {
			e.EndedAt = time.Unix(0, endedNs.Int64)
		}
		e.Active = active != 0
		out = append(out, e)
	}
	return out, rows.Err()
}

// ---- war mode sessions ----

// UpsertSession writes a war mode session, replacing any prior row with
// the same ID. Transitions travel separately through InsertTransition.
func (s *Store) UpsertSession(sess *warmode.Session) error {
	indicators, err := encodeJSON(sess.Indicators)
	if err != nil {
		return fmt.Errorf("encode indicators: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO war_sessions (id, level, threat_type, activated_by, reason, indicators, activated_ns, deactivated_ns, active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			level = excluded.level,
			deactivated_ns = excluded.deactivated_ns,
			active = excluded.active`,
		sess.ID, sess.Level.String(), string(sess.ThreatType), sess.ActivatedBy, sess.Reason,
		indicators, sess.ActivatedAt.UnixNano(), nullableNano(sess.DeactivatedAt), boolInt(sess.Active),
	)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

// InsertTransition appends one level change under a session.
func (s *Store) InsertTransition(sessionID string, tr warmode.Transition) error {
	indicators, err := encodeJSON(tr.Indicators)
	if err != nil {
		return fmt.Errorf("encode indicators: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO war_transitions (session_id, from_level, to_level, indicators, at_ns)
		VALUES (?, ?, ?, ?, ?)`,
		sessionID, tr.From.String(), tr.To.String(), indicators, tr.At.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}
	return nil
}

// GetSession returns one session with its transitions.
func (s *Store) GetSession(id string) (*warmode.Session, error) {
	row := s.db.QueryRow(`
		SELECT id, level, threat_type, activated_by, reason, indicators, activated_ns, deactivated_ns, active
		FROM war_sessions WHERE id = ?`, id)

	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: session %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.Query(`
		SELECT from_level, to_level, indicators, at_ns
		FROM war_transitions WHERE session_id = ? ORDER BY at_ns`, id)
	if err != nil {
		return nil, fmt.Errorf("get transitions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			from, to   string
			indicators sql.NullString
			atNs       int64
		)
		if err := rows.Scan(&from, &to, &indicators, &atNs); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		tr := warmode.Transition{At: time.Unix(0, atNs)}
		if tr.From, err = warmode.ParseLevel(from); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		if tr.To, err = warmode.ParseLevel(to); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		if indicators.Valid && indicators.String != "" {
			if err := json.Unmarshal([]byte(indicators.String), &tr.Indicators); err != nil {
				return nil, fmt.Errorf("decode indicators: %w", err)
			}
		}
		sess.Transitions = append(sess.Transitions, tr)
	}
	return sess, rows.Err()
}

// ListSessions returns sessions newest first, without transitions.
// Limit 0 means no limit.
func (s *Store) ListSessions(limit int) ([]*warmode.Session, error) {
	q := `SELECT id, level, threat_type, activated_by, reason, indicators, activated_ns, deactivated_ns, active
		FROM war_sessions ORDER BY activated_ns DESC`
	var args []any
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*warmode.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// ---- audit ledger ----

// AppendLedgerEntry persists one chain entry. The sequence number is the
// primary key, so re-appending a stored sequence fails rather than
// silently rewriting history.
func (s *Store) AppendLedgerEntry(e *ledger.Entry) error {
	_, err := s.db.Exec(`
		INSERT INTO audit_log (sequence, event_type, actor, details, ts_ns, prev_hash, entry_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.Sequence, string(e.Type), e.Actor, string(e.Details),
		e.Timestamp.UnixNano(), e.PrevHash.String(), e.Hash.String(),
	)
	if err != nil {
		return fmt.Errorf("append ledger entry: %w", err)
	}
	return nil
}

// LoadLedgerEntries returns the stored chain in sequence order. The
// caller verifies it; the store does not vouch for integrity.
func (s *Store) LoadLedgerEntries() ([]*ledger.Entry, error) {
	rows, err := s.db.Query(`
		SELECT sequence, event_type, actor, details, ts_ns, prev_hash, entry_hash
		FROM audit_log ORDER BY sequence`)
	if err != nil {
		return nil, fmt.Errorf("load ledger: %w", err)
	}
	defer rows.Close()

	var out []*ledger.Entry
	for rows.Next() {
		var (
			e              ledger.Entry
			typ, prev, cur string
			details        string
			tsNs           int64
		)
		if err := rows.Scan(&e.Sequence, &typ, &e.Actor, &details, &tsNs, &prev, &cur); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		e.Type = ledger.EventType(typ)
		e.Details = json.RawMessage(details)
		e.Timestamp = time.Unix(0, tsNs)
		if e.PrevHash, err = ledger.ParseHash(prev); err != nil {
			return nil, err
		}
		if e.Hash, err = ledger.ParseHash(cur); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// Stats returns record counts across all tables.
func (s *Store) Stats() (*Stats, error) {
	st := &Stats{}
	counts := []struct {
		query string
		dest  *int64
	}{
		{`SELECT COUNT(*) FROM threats`, &st.Threats},
		{`SELECT COUNT(*) FROM threats WHERE resolved = 0`, &st.Unresolved},
		{`SELECT COUNT(*) FROM failovers`, &st.Failovers},
		{`SELECT COUNT(*) FROM holdover_events`, &st.Holdovers},
		{`SELECT COUNT(*) FROM war_sessions`, &st.Sessions},
		{`SELECT COUNT(*) FROM audit_log`, &st.LedgerEntries},
	}
	for _, c := range counts {
		if err := s.db.QueryRow(c.query).Scan(c.dest); err != nil {
			return nil, fmt.Errorf("stats: %w", err)
		}
	}

	var lastNs sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(detected_ns) FROM threats`).Scan(&lastNs); err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	if lastNs.Valid {
		st.LastThreatAt = time.Unix(0, lastNs.Int64)
	}
	return st, nil
}

// ---- scan helpers ----

type rowScanner interface {
	Scan(dest ...any) error
}

func scanThreat(row rowScanner) (*threat.Event, error) {
	var (
		e              threat.Event
		kind, severity string
		evidence       sql.NullString
		detectedNs     int64
		resolved       int
		resolvedNs     sql.NullInt64
	)
	err := row.Scan(&e.ID, &kind, &severity, &e.Element, &e.Constellation,
		&e.SatelliteID, &evidence, &detectedNs, &resolved, &resolvedNs)
	if err != nil {
		return nil, err
	}
	e.Kind = threat.Kind(kind)
	if e.Severity, err = threat.ParseSeverity(severity); err != nil {
		return nil, err
	}
	if evidence.Valid && evidence.String != "" {
		if err := json.Unmarshal([]byte(evidence.String), &e.Evidence); err != nil {
			return nil, fmt.Errorf("decode evidence: %w", err)
		}
	}
	e.DetectedAt = time.Unix(0, detectedNs)
	e.Resolved = resolved != 0
	if resolvedNs.Valid {
		e.ResolvedAt = time.Unix(0, resolvedNs.Int64)
	}
	return &e, nil
}

func scanSession(row rowScanner) (*warmode.Session, error) {
	var (
		sess           warmode.Session
		level, threatT string
		indicators     sql.NullString
		activatedNs    int64
		deactivatedNs  sql.NullInt64
		active         int
	)
	err := row.Scan(&sess.ID, &level, &threatT, &sess.ActivatedBy, &sess.Reason,
		&indicators, &activatedNs, &deactivatedNs, &active)
	if err != nil {
		return nil, err
	}
	if sess.Level, err = warmode.ParseLevel(level); err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	sess.ThreatType = warmode.Environment(threatT)
	if indicators.Valid && indicators.String != "" {
		if err := json.Unmarshal([]byte(indicators.String), &sess.Indicators); err != nil {
			return nil, fmt.Errorf("decode indicators: %w", err)
		}
	}
	sess.ActivatedAt = time.Unix(0, activatedNs)
	if deactivatedNs.Valid {
		sess.DeactivatedAt = time.Unix(0, deactivatedNs.Int64)
	}
	sess.Active = active != 0
	return &sess, nil
}

func encodeJSON(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableNano(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixNano()
}

func sinceNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

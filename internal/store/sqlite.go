// Package store implements the Persistence component (C10): a
// SQLite-backed log of every Message the pipeline hands it, queryable
// by session, peer id, message type, and time window.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"

	"github.com/s2flex/s2mitm/internal/pipeline"
	"github.com/s2flex/s2mitm/internal/s2"
	"github.com/s2flex/s2mitm/internal/s2validate"
)

// Driver selects which SQLite binding backs the store. mattn/go-sqlite3
// is the default (cgo, matches the driver the teacher repo uses);
// modernc is a pure-Go fallback for cgo-less builds.
type Driver string

const (
	DriverMattn    Driver = "mattn"
	DriverModernc  Driver = "modernc"
)

// SQLiteStore is the SQLite-backed Message log. It implements
// pipeline.Store (Persist) and pipeline.HistoryProvider
// (ReplayForSession).
type SQLiteStore struct {
	db *sql.DB
}

// Open creates (or attaches to) the SQLite database at dbPath using
// the requested driver binding and applies the schema migration.
func Open(driver Driver, dbPath string) (*SQLiteStore, error) {
	driverName := "sqlite3"
	if driver == DriverModernc {
		driverName = "sqlite"
	}

	db, err := sql.Open(driverName, dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		cem_id TEXT NOT NULL,
		rm_id TEXT NOT NULL,
		origin_type TEXT NOT NULL,
		kind TEXT NOT NULL,
		s2_msg_type TEXT,
		timestamp TIMESTAMP NOT NULL,
		raw_payload TEXT NOT NULL,
		parsed_type_name TEXT,
		validation_summary TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_messages_cem ON messages(cem_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_messages_rm ON messages(rm_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_messages_type ON messages(s2_msg_type);

	CREATE TABLE IF NOT EXISTS validation_errors (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		communication_id TEXT NOT NULL REFERENCES messages(id),
		type TEXT NOT NULL,
		loc TEXT NOT NULL,
		msg TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_validation_errors_communication ON validation_errors(communication_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Persist writes one communications row per Message and, per spec
// §4.10, one child validation_errors row for each entry in its
// Validation.Errors. A failure writing a child row is logged by the
// caller (spec §7: a persist failure for one row must not stop
// subsequent rows) but does not roll back the parent row.
func (s *SQLiteStore) Persist(m *pipeline.Message) error {
	raw, err := m.RawJSON()
	if err != nil {
		return fmt.Errorf("marshal raw payload: %w", err)
	}

	var validationSummary string
	var validationErrors []s2validate.Error
	if m.Validation != nil {
		validationSummary = m.Validation.Summary
		validationErrors = m.Validation.Errors
	}

	msgType, _ := m.RawPayload["message_type"].(string)
	id := uuid.NewString()

	_, err = s.db.Exec(`
		INSERT INTO messages (id, session_id, cem_id, rm_id, origin_type, kind, s2_msg_type, timestamp, raw_payload, parsed_type_name, validation_summary)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, id, m.SessionID, m.CEMID, m.RMID, string(m.OriginType), string(m.Kind), msgType, m.Timestamp, raw, m.ParsedTypeName, validationSummary)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	for _, e := range validationErrors {
		if _, err := s.db.Exec(`
			INSERT INTO validation_errors (communication_id, type, loc, msg)
			VALUES (?, ?, ?, ?)
		`, id, e.Kind, e.Path, e.Detail); err != nil {
			return fmt.Errorf("insert validation error: %w", err)
		}
	}
	return nil
}

// ReplayForSession returns every persisted Message for sessionID in
// arrival order, for observer history replay (pipeline.HistoryProvider).
func (s *SQLiteStore) ReplayForSession(sessionID string) ([]*pipeline.Message, error) {
	return s.query(Filter{SessionID: sessionID})
}

// Filter narrows a history query. Zero-valued fields are unconstrained.
type Filter struct {
	SessionID string
	CEMID     string
	RMID      string
	OriginType string
	S2MsgType string
	Since     time.Time
	Until     time.Time
	Limit     int
}

// Query returns persisted Messages matching f, oldest first.
func (s *SQLiteStore) Query(f Filter) ([]*pipeline.Message, error) {
	return s.query(f)
}

func (s *SQLiteStore) query(f Filter) ([]*pipeline.Message, error) {
	var clauses []string
	var args []any

	if f.SessionID != "" {
		clauses = append(clauses, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if f.CEMID != "" {
		clauses = append(clauses, "cem_id = ?")
		args = append(args, f.CEMID)
	}
	if f.RMID != "" {
		clauses = append(clauses, "rm_id = ?")
		args = append(args, f.RMID)
	}
	if f.OriginType != "" {
		clauses = append(clauses, "origin_type = ?")
		args = append(args, f.OriginType)
	}
	if f.S2MsgType != "" {
		clauses = append(clauses, "s2_msg_type = ?")
		args = append(args, f.S2MsgType)
	}
	if !f.Since.IsZero() {
		clauses = append(clauses, "timestamp >= ?")
		args = append(args, f.Since)
	}
	if !f.Until.IsZero() {
		clauses = append(clauses, "timestamp <= ?")
		args = append(args, f.Until)
	}

	query := "SELECT id, session_id, cem_id, rm_id, origin_type, kind, timestamp, raw_payload, parsed_type_name, validation_summary FROM messages"
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY timestamp ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []*pipeline.Message
	var ids []string
	byID := make(map[string]*pipeline.Message)
	for rows.Next() {
		var (
			id, sessionID, cemID, rmID, originType, kind string
			ts                                           time.Time
			rawText                                      string
			parsedTypeName, validationSummary            sql.NullString
		)
		if err := rows.Scan(&id, &sessionID, &cemID, &rmID, &originType, &kind, &ts, &rawText, &parsedTypeName, &validationSummary); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}

		var raw map[string]any
		if rawText != "" {
			if err := json.Unmarshal([]byte(rawText), &raw); err != nil {
				return nil, fmt.Errorf("unmarshal raw payload: %w", err)
			}
		}

		m := &pipeline.Message{
			SessionID:      sessionID,
			CEMID:          cemID,
			RMID:           rmID,
			OriginType:     s2.OriginType(originType),
			Timestamp:      ts,
			Kind:           pipeline.MessageKind(kind),
			RawPayload:     raw,
			ParsedTypeName: parsedTypeName.String,
		}
		if validationSummary.Valid && validationSummary.String != "" {
			m.Validation = &pipeline.Validation{Summary: validationSummary.String}
			ids = append(ids, id)
			byID[id] = m
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(ids) > 0 {
		if err := s.attachValidationErrors(ids, byID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// attachValidationErrors fetches every validation_errors child row for
// the given communication ids and appends them to the matching
// Message's Validation.Errors, in insertion order.
func (s *SQLiteStore) attachValidationErrors(ids []string, byID map[string]*pipeline.Message) error {
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}

	query := fmt.Sprintf(
		"SELECT communication_id, type, loc, msg FROM validation_errors WHERE communication_id IN (%s) ORDER BY id ASC",
		strings.Join(placeholders, ","),
	)
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return fmt.Errorf("query validation errors: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var commID, kind, loc, msg string
		if err := rows.Scan(&commID, &kind, &loc, &msg); err != nil {
			return fmt.Errorf("scan validation error row: %w", err)
		}
		m, ok := byID[commID]
		if !ok {
			continue
		}
		m.Validation.Errors = append(m.Validation.Errors, s2validate.Error{Path: loc, Kind: kind, Detail: msg})
	}
	return rows.Err()
}

// SessionSummary aggregates one distinct session's persisted history
// for the connections listing endpoint's "history" variant.
type SessionSummary struct {
	SessionID    string
	CEMID        string
	RMID         string
	FirstSeen    time.Time
	LastSeen     time.Time
	MessageCount int
}

// UniqueSessions returns an aggregate row per distinct session_id ever
// persisted, most recently active first.
func (s *SQLiteStore) UniqueSessions() ([]SessionSummary, error) {
	rows, err := s.db.Query(`
		SELECT session_id, cem_id, rm_id, MIN(timestamp), MAX(timestamp), COUNT(*)
		FROM messages
		GROUP BY session_id, cem_id, rm_id
		ORDER BY MAX(timestamp) DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("query unique sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionSummary
	for rows.Next() {
		var sm SessionSummary
		// MIN/MAX results carry no declared column type, so they come
		// back as the text the mattn driver stored rather than time.Time.
		var firstSeen, lastSeen string
		if err := rows.Scan(&sm.SessionID, &sm.CEMID, &sm.RMID, &firstSeen, &lastSeen, &sm.MessageCount); err != nil {
			return nil, fmt.Errorf("scan session summary: %w", err)
		}
		const storedLayout = "2006-01-02 15:04:05.999999999-07:00"
		if sm.FirstSeen, err = time.Parse(storedLayout, firstSeen); err != nil {
			return nil, fmt.Errorf("parse first_seen: %w", err)
		}
		if sm.LastSeen, err = time.Parse(storedLayout, lastSeen); err != nil {
			return nil, fmt.Errorf("parse last_seen: %w", err)
		}
		out = append(out, sm)
	}
	return out, rows.Err()
}

// Package store durably records mission history in SQLite: findings, model
// conversations, command executions, and discoveries.
//
// Nothing in the coordination layer depends on the store succeeding; the
// worker logs write failures and carries on.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Execution statuses.
const (
	ExecCompleted = "completed"
	ExecFailed    = "failed"
	ExecSkipped   = "skipped"
)

// Finding is a persisted finding.
type Finding struct {
	ID        int64     `json:"id"`
	MissionID string    `json:"mission_id"`
	AgentID   string    `json:"agent_id"`
	Target    string    `json:"target"`
	Severity  string    `json:"severity"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Turn is one persisted conversation message.
type Turn struct {
	ID        int64     `json:"id"`
	MissionID string    `json:"mission_id"`
	AgentID   string    `json:"agent_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Execution is one persisted command run.
type Execution struct {
	ID        int64         `json:"id"`
	MissionID string        `json:"mission_id"`
	AgentID   string        `json:"agent_id"`
	ItemID    int64         `json:"item_id"`
	Command   string        `json:"command"`
	Result    string        `json:"result"`
	Status    string        `json:"status"`
	Duration  time.Duration `json:"duration"`
	CreatedAt time.Time     `json:"created_at"`
}

// Discovery is one persisted discovery.
type Discovery struct {
	ID        int64             `json:"id"`
	MissionID string            `json:"mission_id"`
	AgentID   string            `json:"agent_id"`
	Type      string            `json:"type"`
	Key       string            `json:"key"`
	Data      map[string]string `json:"data,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Store is a SQLite-backed mission history.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens or creates the database at path and applies the schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	// One writer connection shared by every worker.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// DB exposes the underlying handle.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) stamp(t time.Time) int64 {
	if t.IsZero() {
		t = s.now()
	}
	return t.UnixMilli()
}

// RecordFinding inserts f and returns its id.
func (s *Store) RecordFinding(ctx context.Context, f Finding) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO findings (mission_id, agent_id, target, severity, content, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		f.MissionID, f.AgentID, f.Target, f.Severity, f.Content, s.stamp(f.CreatedAt),
	)
	if err != nil {
		return 0, fmt.Errorf("insert finding: %w", err)
	}
	return res.LastInsertId()
}

// RecordTurn appends a conversation message.
func (s *Store) RecordTurn(ctx context.Context, t Turn) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (mission_id, agent_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		t.MissionID, t.AgentID, t.Role, t.Content, s.stamp(t.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert turn: %w", err)
	}
	return nil
}

// RecordExecution appends a command run.
func (s *Store) RecordExecution(ctx context.Context, e Execution) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions (mission_id, agent_id, item_id, command, result, status, duration_ms, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.MissionID, e.AgentID, e.ItemID, e.Command, e.Result, e.Status, e.Duration.Milliseconds(), s.stamp(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

// RecordDiscovery inserts d unless the mission already holds the same
// (type, key). It reports whether a row was written.
func (s *Store) RecordDiscovery(ctx context.Context, d Discovery) (bool, error) {
	data, err := json.Marshal(d.Data)
	if err != nil {
		return false, fmt.Errorf("marshal discovery data: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO discoveries (mission_id, agent_id, type, key, data, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		d.MissionID, d.AgentID, d.Type, d.Key, string(data), s.stamp(d.CreatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("insert discovery: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// FindingFilter narrows Findings. Empty fields match everything.
type FindingFilter struct {
	MissionID string
	Target    string
	Severity  string
	Limit     int
}

// Findings returns matching findings, newest first.
func (s *Store) Findings(ctx context.Context, f FindingFilter) ([]Finding, error) {
	query := `SELECT id, mission_id, agent_id, target, severity, content, created_at FROM findings WHERE 1=1`
	var args []any
	if f.MissionID != "" {
		query += " AND mission_id = ?"
		args = append(args, f.MissionID)
	}
	if f.Target != "" {
		query += " AND target = ?"
		args = append(args, f.Target)
	}
	if f.Severity != "" {
		query += " AND severity = ?"
		args = append(args, f.Severity)
	}
	query += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query findings: %w", err)
	}
	defer rows.Close()

	var out []Finding
	for rows.Next() {
		var (
			f  Finding
			ms int64
		)
		if err := rows.Scan(&f.ID, &f.MissionID, &f.AgentID, &f.Target, &f.Severity, &f.Content, &ms); err != nil {
			return nil, fmt.Errorf("scan finding: %w", err)
		}
		f.CreatedAt = time.UnixMilli(ms)
		out = append(out, f)
	}
	return out, rows.Err()
}

// Conversation returns the last limit turns of an agent's conversation in
// chronological order.
func (s *Store) Conversation(ctx context.Context, missionID, agentID string, limit int) ([]Turn, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, mission_id, agent_id, role, content, created_at FROM (
			SELECT * FROM conversations WHERE mission_id = ? AND agent_id = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`,
		missionID, agentID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query conversation: %w", err)
	}
	defer rows.Close()

	var out []Turn
	for rows.Next() {
		var (
			t  Turn
			ms int64
		)
		if err := rows.Scan(&t.ID, &t.MissionID, &t.AgentID, &t.Role, &t.Content, &ms); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		t.CreatedAt = time.UnixMilli(ms)
		out = append(out, t)
	}
	return out, rows.Err()
}

// Executions returns a mission's most recent command runs, newest first.
func (s *Store) Executions(ctx context.Context, missionID string, limit int) ([]Execution, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, mission_id, agent_id, item_id, command, result, status, duration_ms, created_at
		FROM executions WHERE mission_id = ? ORDER BY id DESC LIMIT ?`,
		missionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query executions: %w", err)
	}
	defer rows.Close()

	var out []Execution
	for rows.Next() {
		var (
			e   Execution
			dur int64
			ms  int64
		)
		if err := rows.Scan(&e.ID, &e.MissionID, &e.AgentID, &e.ItemID, &e.Command, &e.Result, &e.Status, &dur, &ms); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		e.Duration = time.Duration(dur) * time.Millisecond
		e.CreatedAt = time.UnixMilli(ms)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Discoveries returns a mission's discoveries in insertion order, optionally
// limited to one type.
func (s *Store) Discoveries(ctx context.Context, missionID, discoveryType string) ([]Discovery, error) {
	query := `SELECT id, mission_id, agent_id, type, key, data, created_at FROM discoveries WHERE mission_id = ?`
	args := []any{missionID}
	if discoveryType != "" {
		query += " AND type = ?"
		args = append(args, discoveryType)
	}
	query += " ORDER BY id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query discoveries: %w", err)
	}
	defer rows.Close()

	var out []Discovery
	for rows.Next() {
		var (
			d    Discovery
			data string
			ms   int64
		)
		if err := rows.Scan(&d.ID, &d.MissionID, &d.AgentID, &d.Type, &d.Key, &data, &ms); err != nil {
			return nil, fmt.Errorf("scan discovery: %w", err)
		}
		if data != "" && data != "null" {
			if err := json.Unmarshal([]byte(data), &d.Data); err != nil {
				return nil, fmt.Errorf("decode discovery data: %w", err)
			}
		}
		d.CreatedAt = time.UnixMilli(ms)
		out = append(out, d)
	}
	return out, rows.Err()
}

// Summary counts a mission's rows.
type Summary struct {
	Findings      int            `json:"findings"`
	BySeverity    map[string]int `json:"by_severity"`
	Executions    int            `json:"executions"`
	FailedExecs   int            `json:"failed_executions"`
	Discoveries   int            `json:"discoveries"`
	Conversations int            `json:"conversation_turns"`
}

// Summary returns row counts for missionID.
func (s *Store) Summary(ctx context.Context, missionID string) (Summary, error) {
	sum := Summary{BySeverity: make(map[string]int)}

	rows, err := s.db.QueryContext(ctx,
		`SELECT severity, COUNT(*) FROM findings WHERE mission_id = ? GROUP BY severity`, missionID)
	if err != nil {
		return sum, fmt.Errorf("count findings: %w", err)
	}
	for rows.Next() {
		var (
			sev string
			n   int
		)
		if err := rows.Scan(&sev, &n); err != nil {
			rows.Close()
			return sum, fmt.Errorf("scan severity count: %w", err)
		}
		sum.BySeverity[sev] = n
		sum.Findings += n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return sum, err
	}

	counts := []struct {
		dst   *int
		query string
	}{
		{&sum.Executions, `SELECT COUNT(*) FROM executions WHERE mission_id = ?`},
		{&sum.FailedExecs, `SELECT COUNT(*) FROM executions WHERE mission_id = ? AND status = 'failed'`},
		{&sum.Discoveries, `SELECT COUNT(*) FROM discoveries WHERE mission_id = ?`},
		{&sum.Conversations, `SELECT COUNT(*) FROM conversations WHERE mission_id = ?`},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, c.query, missionID).Scan(c.dst); err != nil {
			return sum, fmt.Errorf("count rows: %w", err)
		}
	}
	return sum, nil
}

// MissionInfo describes one mission seen in the executions table.
type MissionInfo struct {
	ID         string    `json:"id"`
	Executions int       `json:"executions"`
	FirstSeen  time.Time `json:"first_seen"`
	LastSeen   time.Time `json:"last_seen"`
}

// Missions lists every mission with recorded executions, most recent first.
func (s *Store) Missions(ctx context.Context, limit int) ([]MissionInfo, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT mission_id, COUNT(*), MIN(created_at), MAX(created_at)
		FROM executions GROUP BY mission_id ORDER BY MAX(created_at) DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query missions: %w", err)
	}
	defer rows.Close()

	var out []MissionInfo
	for rows.Next() {
		var (
			m           MissionInfo
			first, last int64
		)
		if err := rows.Scan(&m.ID, &m.Executions, &first, &last); err != nil {
			return nil, fmt.Errorf("scan mission: %w", err)
		}
		m.FirstSeen = time.UnixMilli(first)
		m.LastSeen = time.UnixMilli(last)
		out = append(out, m)
	}
	return out, rows.Err()
}

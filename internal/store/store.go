// Package store persists ActionRecords, decision audit entries and deployment
// histories in SQLite so guardrail accounting survives a restart.
package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/miradorstack/mirador-autopilot/internal/models"
	"github.com/miradorstack/mirador-autopilot/internal/statemachine"
)

//go:embed sql/*.sql
var migrationsFS embed.FS

type migration struct {
	Version int
	Name    string
	UpSQL   string
}

// SQLite implements audit.ActionPersister, audit.DecisionPersister and
// statemachine.HistoryStore.
type SQLite struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies migrations.
func Open(ctx context.Context, path string) (*SQLite, error) {
	if path == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLite{db: db}, nil
}

// Close releases the database handle.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func loadMigrations() ([]migration, error) {
	files, err := fs.ReadDir(migrationsFS, "sql")
	if err != nil {
		return nil, err
	}
	var migrations []migration
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		data, err := migrationsFS.ReadFile("sql/" + f.Name())
		if err != nil {
			return nil, err
		}
		var v int
		if _, err := fmt.Sscanf(f.Name(), "%d_", &v); err != nil {
			return nil, fmt.Errorf("invalid migration filename %s: %w", f.Name(), err)
		}
		migrations = append(migrations, migration{Version: v, Name: f.Name(), UpSQL: string(data)})
	}
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].Version < migrations[j].Version })
	return migrations, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	migrations, err := loadMigrations()
	if err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version(version INTEGER NOT NULL);`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	var current int
	err = tx.QueryRowContext(ctx, `SELECT version FROM schema_version LIMIT 1`).Scan(&current)
	if err == sql.ErrNoRows {
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_version(version) VALUES (0)`); err != nil {
			return fmt.Errorf("init schema_version: %w", err)
		}
		current = 0
	} else if err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		if _, err := tx.ExecContext(ctx, m.UpSQL); err != nil {
			return fmt.Errorf("migration %s: %w", m.Name, err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE schema_version SET version=?`, m.Version); err != nil {
			return fmt.Errorf("update schema_version: %w", err)
		}
		current = m.Version
	}
	return tx.Commit()
}

// SaveAction upserts an ActionRecord.
func (s *SQLite) SaveAction(ctx context.Context, rec models.ActionRecord) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO action_records(id, decision_id, action_type, target, ts, outcome, confidence, automated, error)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET outcome=excluded.outcome, error=excluded.error`,
		rec.ID, rec.DecisionID, rec.ActionType.String(), rec.Target, rec.Timestamp.UnixNano(),
		string(rec.Outcome), rec.Confidence, boolInt(rec.Automated), rec.Error)
	if err != nil {
		return fmt.Errorf("save action record %s: %w", rec.ID, err)
	}
	return nil
}

// LoadActions returns records at or after since, oldest first.
func (s *SQLite) LoadActions(ctx context.Context, since time.Time) ([]models.ActionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, decision_id, action_type, target, ts, outcome, confidence, automated, error
FROM action_records WHERE ts >= ? ORDER BY ts, id`, since.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("query action records: %w", err)
	}
	defer rows.Close()

	var out []models.ActionRecord
	for rows.Next() {
		var (
			rec       models.ActionRecord
			action    string
			ts        int64
			outcome   string
			automated int
		)
		if err := rows.Scan(&rec.ID, &rec.DecisionID, &action, &rec.Target, &ts, &outcome, &rec.Confidence, &automated, &rec.Error); err != nil {
			return nil, fmt.Errorf("scan action record: %w", err)
		}
		parsed, err := models.ParseActionType(action)
		if err != nil {
			return nil, fmt.Errorf("action record %s: %w", rec.ID, err)
		}
		rec.ActionType = parsed
		rec.Timestamp = time.Unix(0, ts).UTC()
		rec.Outcome = models.ActionOutcome(outcome)
		rec.Automated = automated == 1
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SaveDecision upserts a decision audit entry; the latest routing wins.
func (s *SQLite) SaveDecision(ctx context.Context, entry models.DecisionAudit) error {
	factors, err := json.Marshal(entry.Factors)
	if err != nil {
		return fmt.Errorf("encode factors: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO decision_audit(id, cycle_id, action_type, target, priority, reason, confidence, factors_json, routing, blocked_by, ts)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET routing=excluded.routing, blocked_by=excluded.blocked_by, ts=excluded.ts`,
		entry.DecisionID, entry.CycleID, entry.Decision.Type.String(), entry.Decision.Target.Key(),
		entry.Decision.Priority, entry.Decision.Reason, entry.Confidence, string(factors),
		string(entry.Routing), strings.Join(entry.BlockedBy, ","), entry.At.UnixNano())
	if err != nil {
		return fmt.Errorf("save decision audit %s: %w", entry.DecisionID, err)
	}
	return nil
}

// DecisionRow is the persisted projection of a decision audit entry.
type DecisionRow struct {
	DecisionID string
	CycleID    string
	ActionType string
	Target     string
	Priority   int
	Reason     string
	Confidence float64
	Factors    []models.ConfidenceFactor
	Routing    models.Routing
	BlockedBy  []string
	At         time.Time
}

// RecentDecisions returns up to limit entries, newest first.
func (s *SQLite) RecentDecisions(ctx context.Context, limit int) ([]DecisionRow, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, cycle_id, action_type, target, priority, reason, confidence, factors_json, routing, blocked_by, ts
FROM decision_audit ORDER BY ts DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query decision audit: %w", err)
	}
	defer rows.Close()

	var out []DecisionRow
	for rows.Next() {
		var (
			row     DecisionRow
			factors string
			routing string
			blocked string
			ts      int64
		)
		if err := rows.Scan(&row.DecisionID, &row.CycleID, &row.ActionType, &row.Target, &row.Priority, &row.Reason,
			&row.Confidence, &factors, &routing, &blocked, &ts); err != nil {
			return nil, fmt.Errorf("scan decision audit: %w", err)
		}
		if err := json.Unmarshal([]byte(factors), &row.Factors); err != nil {
			return nil, fmt.Errorf("decode factors for %s: %w", row.DecisionID, err)
		}
		row.Routing = models.Routing(routing)
		if blocked != "" {
			row.BlockedBy = strings.Split(blocked, ",")
		}
		row.At = time.Unix(0, ts).UTC()
		out = append(out, row)
	}
	return out, rows.Err()
}

// AppendTransition records one state-machine transition.
func (s *SQLite) AppendTransition(ctx context.Context, deploymentID, service string, seq int, tr statemachine.Transition) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO deployment_transitions(deployment_id, service, seq, state, reason, ts) VALUES (?, ?, ?, ?, ?, ?)`,
		deploymentID, service, seq, string(tr.State), tr.Reason, tr.At.UnixNano())
	if err != nil {
		return fmt.Errorf("append transition %s#%d: %w", deploymentID, seq, err)
	}
	return nil
}

// LoadHistories rebuilds every persisted machine history.
func (s *SQLite) LoadHistories(ctx context.Context) (map[string]statemachine.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT deployment_id, service, state, reason, ts FROM deployment_transitions ORDER BY deployment_id, seq`)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer rows.Close()

	out := make(map[string]statemachine.Snapshot)
	for rows.Next() {
		var (
			id, service, state, reason string
			ts                         int64
		)
		if err := rows.Scan(&id, &service, &state, &reason, &ts); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		st := statemachine.State(state)
		if !st.Valid() {
			return nil, fmt.Errorf("deployment %s: unknown state %q", id, state)
		}
		snap := out[id]
		snap.DeploymentID = id
		snap.Service = service
		snap.State = st
		snap.History = append(snap.History, statemachine.Transition{State: st, Reason: reason, At: time.Unix(0, ts).UTC()})
		out[id] = snap
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

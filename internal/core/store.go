package core

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/bioflow-dev/bioflow/internal/batch"
	"github.com/bioflow-dev/bioflow/internal/dispatch"
	"github.com/bioflow-dev/bioflow/internal/validate"
)

// RunStore is SQLite-backed persistence for batch runs and their outcomes.
type RunStore struct{ db *sql.DB }

//go:embed migrations/*.sql
var migrationFS embed.FS

func OpenRunStore(path string) (*RunStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("mkdir store dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &RunStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *RunStore) migrate() error {
	schema, err := migrationFS.ReadFile("migrations/0001_init.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(string(schema)); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}
	return nil
}

func (s *RunStore) Close() error { return s.db.Close() }

// RunSummary is one row of the run listing.
type RunSummary struct {
	ID         string
	Capability string
	Started    time.Time
	Finished   time.Time
	Total      int
	Succeeded  int
}

// SaveRun persists a finalized ledger and its outcomes in one transaction.
func (s *RunStore) SaveRun(ctx context.Context, l *batch.Ledger) error {
	if !l.Finalized() {
		return fmt.Errorf("ledger %s not finalized", l.RunID)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO runs (id, capability, started_at, finished_at) VALUES (?, ?, ?, ?)`,
		l.RunID, l.Capability, l.Started.UTC(), l.Finished().UTC()); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO outcomes (run_id, idx, request_id, capability, state, backend,
		 error_kind, detail, artifact, fields_json, elapsed_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, o := range l.Outcomes() {
		fields := o.Fields
		if fields == nil {
			fields = map[string]string{}
		}
		fj, err := json.Marshal(fields)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, l.RunID, i, o.RequestID, o.Capability,
			string(o.State), o.Backend, string(o.ErrorKind), o.Detail,
			o.ArtifactPath, string(fj), o.Elapsed.Milliseconds()); err != nil {
			return fmt.Errorf("insert outcome %d: %w", i, err)
		}
	}
	return tx.Commit()
}

// ListRuns returns run summaries, newest first.
func (s *RunStore) ListRuns(ctx context.Context) ([]RunSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT r.id, r.capability, r.started_at, r.finished_at,
		        COUNT(o.run_id), SUM(CASE WHEN o.state = 'succeeded' THEN 1 ELSE 0 END)
		 FROM runs r LEFT JOIN outcomes o ON o.run_id = r.id
		 GROUP BY r.id ORDER BY r.started_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var rs RunSummary
		var succeeded sql.NullInt64
		if err := rows.Scan(&rs.ID, &rs.Capability, &rs.Started, &rs.Finished,
			&rs.Total, &succeeded); err != nil {
			return nil, err
		}
		rs.Succeeded = int(succeeded.Int64)
		out = append(out, rs)
	}
	return out, rows.Err()
}

// LoadOutcomes reconstructs a run's outcomes in submission order. Skipped
// rows get a synthetic error finding carrying the stored detail so report
// grouping works on reloaded data.
func (s *RunStore) LoadOutcomes(ctx context.Context, runID string) ([]dispatch.Outcome, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT request_id, capability, state, backend, error_kind, detail,
		        artifact, fields_json, elapsed_ms
		 FROM outcomes WHERE run_id = ? ORDER BY idx`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []dispatch.Outcome
	for rows.Next() {
		var o dispatch.Outcome
		var state, kind, fieldsJSON string
		var elapsedMS int64
		if err := rows.Scan(&o.RequestID, &o.Capability, &state, &o.Backend,
			&kind, &o.Detail, &o.ArtifactPath, &fieldsJSON, &elapsedMS); err != nil {
			return nil, err
		}
		o.State = dispatch.State(state)
		o.ErrorKind = dispatch.ErrorKind(kind)
		o.Elapsed = time.Duration(elapsedMS) * time.Millisecond
		if fieldsJSON != "" && fieldsJSON != "{}" {
			if err := json.Unmarshal([]byte(fieldsJSON), &o.Fields); err != nil {
				return nil, fmt.Errorf("outcome %s fields: %w", o.RequestID, err)
			}
		}
		if o.State == dispatch.StateSkipped {
			o.Findings = []validate.Finding{{
				Severity: validate.SeverityError,
				Code:     skipCodeFromDetail(o.Detail),
				Message:  o.Detail,
			}}
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if out == nil {
		return nil, fmt.Errorf("run %s not found", runID)
	}
	return out, nil
}

// skipCodeFromDetail recovers the finding code from a stored skip detail,
// which carries the Finding.String form "error[Code] param: message".
func skipCodeFromDetail(detail string) string {
	start := strings.IndexByte(detail, '[')
	end := strings.IndexByte(detail, ']')
	if start >= 0 && end > start+1 {
		return detail[start+1 : end]
	}
	return validate.CodeInvalidValue
}

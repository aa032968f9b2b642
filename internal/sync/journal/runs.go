package journal

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

func (d *DB) StartRun(ctx context.Context, dryRun bool) (*Run, error) {
	run := &Run{
		ID:        uuid.New().String(),
		StartedAt: time.Now().UnixMilli(),
		DryRun:    dryRun,
		Status:    RunStatusRunning,
	}
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO runs (id, started_at, dry_run, status) VALUES (?, ?, ?, ?)
	`, run.ID, run.StartedAt, boolToInt(dryRun), string(run.Status))
	if err != nil {
		return nil, err
	}
	return run, nil
}

// FinishRun stores the final counters and status of run together with its ops
func (d *DB) FinishRun(ctx context.Context, run *Run, ops []RunOp) (err error) {
	if run.FinishedAt == 0 {
		run.FinishedAt = time.Now().UnixMilli()
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE runs SET finished_at = ?, status = ?, total = ?, done = ?, failed = ?, last_error = ?
		WHERE id = ?
	`, run.FinishedAt, string(run.Status), run.Total, run.Done, run.Failed, run.LastError, run.ID)
	if err != nil {
		_ = tx.Rollback()
		return err
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO run_ops (run_id, seq, kind, rel, ok, error) VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer func() {
		if closeErr := stmt.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	for i, op := range ops {
		_, err := stmt.ExecContext(ctx, run.ID, i, op.Kind, op.Rel, boolToInt(op.OK), op.Error)
		if err != nil {
			_ = tx.Rollback()
			return err
		}
	}

	return tx.Commit()
}

func (d *DB) GetRun(ctx context.Context, id string) (*Run, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT id, started_at, finished_at, dry_run, status, total, done, failed, last_error
		FROM runs WHERE id = ?
	`, id)
	run, err := scanRun(row)
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// ListRuns returns the most recent runs first
func (d *DB) ListRuns(ctx context.Context, limit int) (runs []Run, err error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, started_at, finished_at, dry_run, status, total, done, failed, last_error
		FROM runs ORDER BY started_at DESC, rowid DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return runs, nil
}

// ListOps returns the operations of a run; failedOnly keeps failures only
func (d *DB) ListOps(ctx context.Context, runID string, failedOnly bool) (ops []RunOp, err error) {
	query := `SELECT run_id, seq, kind, rel, ok, error FROM run_ops WHERE run_id = ?`
	if failedOnly {
		query += ` AND ok = 0`
	}
	query += ` ORDER BY seq`

	rows, err := d.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, err
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	for rows.Next() {
		var op RunOp
		var ok int
		var errText sql.NullString
		if err := rows.Scan(&op.RunID, &op.Seq, &op.Kind, &op.Rel, &ok, &errText); err != nil {
			return nil, err
		}
		op.OK = ok != 0
		op.Error = errText.String
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ops, nil
}

// Prune keeps only the newest keep runs
func (d *DB) Prune(ctx context.Context, keep int) error {
	_, err := d.db.ExecContext(ctx, `
		DELETE FROM run_ops WHERE run_id IN (
			SELECT id FROM runs ORDER BY started_at DESC, rowid DESC LIMIT -1 OFFSET ?
		)
	`, keep)
	if err != nil {
		return err
	}
	_, err = d.db.ExecContext(ctx, `
		DELETE FROM runs WHERE id IN (
			SELECT id FROM runs ORDER BY started_at DESC, rowid DESC LIMIT -1 OFFSET ?
		)
	`, keep)
	return err
}

func scanRun(scanner interface {
	Scan(dest ...interface{}) error
}) (Run, error) {
	var run Run
	var finished sql.NullInt64
	var dryRun int
	var status string
	var lastErr sql.NullString
	err := scanner.Scan(&run.ID, &run.StartedAt, &finished, &dryRun, &status, &run.Total, &run.Done, &run.Failed, &lastErr)
	if err != nil {
		return Run{}, err
	}
	run.FinishedAt = finished.Int64
	run.DryRun = dryRun != 0
	run.Status = RunStatus(status)
	run.LastError = lastErr.String
	return run, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

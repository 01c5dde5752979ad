package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/aristath/conductor/internal/orchestrator"
	"github.com/aristath/conductor/internal/scheduler"
)

// SaveRun persists a full run report under the given run ID.
// Saving the same ID twice replaces the previous record.
func (s *SQLiteStore) SaveRun(ctx context.Context, runID string, report *orchestrator.Report) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	criticalPath := strings.Join(report.Schedule.CriticalPath, ",")

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, status, makespan, parallelism, critical_path, total, completed, failed, in_progress, pending, narrative, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			makespan = excluded.makespan,
			parallelism = excluded.parallelism,
			critical_path = excluded.critical_path,
			total = excluded.total,
			completed = excluded.completed,
			failed = excluded.failed,
			in_progress = excluded.in_progress,
			pending = excluded.pending,
			narrative = excluded.narrative
	`, runID, string(report.Status), report.Schedule.Makespan, report.Batches.Parallelism, criticalPath,
		report.Progress.Total, report.Progress.Completed, report.Progress.Failed,
		report.Progress.InProgress, report.Progress.Pending, report.Narrative)
	if err != nil {
		return fmt.Errorf("failed to upsert run: %w", err)
	}

	// Replace child rows wholesale
	for _, table := range []string{"run_tasks", "run_schedule", "run_batches", "run_dead_letters"} {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE run_id = ?`, table), runID); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}

	for i, t := range report.Tasks {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO run_tasks (run_id, task_id, state, attempts, output, error, position)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, runID, t.TaskID, t.State, t.Attempts, t.Output, t.Error, i)
		if err != nil {
			return fmt.Errorf("failed to insert task %s: %w", t.TaskID, err)
		}
	}

	for i, e := range report.Schedule.Entries {
		critical := 0
		if e.Critical {
			critical = 1
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO run_schedule (run_id, task_id, start_offset, end_offset, duration, critical, position)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, runID, e.TaskID, e.Start, e.End, e.Duration, critical, i)
		if err != nil {
			return fmt.Errorf("failed to insert schedule entry %s: %w", e.TaskID, err)
		}
	}

	for bi, batch := range report.Batches.Batches {
		for pos, taskID := range batch {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO run_batches (run_id, batch_index, position, task_id)
				VALUES (?, ?, ?, ?)
			`, runID, bi, pos, taskID)
			if err != nil {
				return fmt.Errorf("failed to insert batch entry %s: %w", taskID, err)
			}
		}
	}

	for _, dl := range report.DeadLetters {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO run_dead_letters (run_id, task_id, reason, error, target)
			VALUES (?, ?, ?, ?, ?)
		`, runID, dl.TaskID, dl.Reason, dl.Error, dl.Target)
		if err != nil {
			return fmt.Errorf("failed to insert dead letter %s: %w", dl.TaskID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// GetRun reconstructs a saved run report.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*orchestrator.Report, error) {
	report := &orchestrator.Report{
		Schedule: &scheduler.Schedule{},
		Batches:  &scheduler.BatchPlan{},
	}

	var status, criticalPath string
	var narrative sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT status, makespan, parallelism, critical_path, total, completed, failed, in_progress, pending, narrative
		FROM runs WHERE id = ?
	`, runID).Scan(&status, &report.Schedule.Makespan, &report.Batches.Parallelism, &criticalPath,
		&report.Progress.Total, &report.Progress.Completed, &report.Progress.Failed,
		&report.Progress.InProgress, &report.Progress.Pending, &narrative)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run not found: %s", runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query run: %w", err)
	}
	report.Status = orchestrator.RunStatus(status)
	report.Narrative = narrative.String
	if criticalPath != "" {
		report.Schedule.CriticalPath = strings.Split(criticalPath, ",")
	} else {
		report.Schedule.CriticalPath = []string{}
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, state, attempts, output, error
		FROM run_tasks WHERE run_id = ? ORDER BY position
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var t orchestrator.TaskOutcome
		var output, errStr sql.NullString
		if err := rows.Scan(&t.TaskID, &t.State, &t.Attempts, &output, &errStr); err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		t.Output = output.String
		t.Error = errStr.String
		report.Tasks = append(report.Tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tasks: %w", err)
	}

	if err := s.loadSchedule(ctx, runID, report); err != nil {
		return nil, err
	}
	if err := s.loadBatches(ctx, runID, report); err != nil {
		return nil, err
	}
	if err := s.loadDeadLetters(ctx, runID, report); err != nil {
		return nil, err
	}

	return report, nil
}

func (s *SQLiteStore) loadSchedule(ctx context.Context, runID string, report *orchestrator.Report) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, start_offset, end_offset, duration, critical
		FROM run_schedule WHERE run_id = ? ORDER BY position
	`, runID)
	if err != nil {
		return fmt.Errorf("failed to query schedule: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var e scheduler.ScheduleEntry
		var critical int
		if err := rows.Scan(&e.TaskID, &e.Start, &e.End, &e.Duration, &critical); err != nil {
			return fmt.Errorf("failed to scan schedule entry: %w", err)
		}
		e.Critical = critical != 0
		report.Schedule.Entries = append(report.Schedule.Entries, e)
	}
	return rows.Err()
}

func (s *SQLiteStore) loadBatches(ctx context.Context, runID string, report *orchestrator.Report) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT batch_index, task_id
		FROM run_batches WHERE run_id = ? ORDER BY batch_index, position
	`, runID)
	if err != nil {
		return fmt.Errorf("failed to query batches: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var index int
		var taskID string
		if err := rows.Scan(&index, &taskID); err != nil {
			return fmt.Errorf("failed to scan batch entry: %w", err)
		}
		for len(report.Batches.Batches) <= index {
			report.Batches.Batches = append(report.Batches.Batches, []string{})
		}
		report.Batches.Batches[index] = append(report.Batches.Batches[index], taskID)
	}
	return rows.Err()
}

func (s *SQLiteStore) loadDeadLetters(ctx context.Context, runID string, report *orchestrator.Report) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, reason, error, target
		FROM run_dead_letters WHERE run_id = ?
	`, runID)
	if err != nil {
		return fmt.Errorf("failed to query dead letters: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var dl orchestrator.DeadLetter
		var errStr, target sql.NullString
		if err := rows.Scan(&dl.TaskID, &dl.Reason, &errStr, &target); err != nil {
			return fmt.Errorf("failed to scan dead letter: %w", err)
		}
		dl.Error = errStr.String
		dl.Target = target.String
		report.DeadLetters = append(report.DeadLetters, dl)
	}
	return rows.Err()
}

// ListRuns returns run summaries, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context) ([]RunSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, status, makespan, parallelism, total, completed, failed, in_progress, pending, created_at
		FROM runs ORDER BY created_at DESC, id DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []RunSummary
	for rows.Next() {
		var r RunSummary
		var status string
		if err := rows.Scan(&r.ID, &status, &r.Makespan, &r.Parallelism,
			&r.Progress.Total, &r.Progress.Completed, &r.Progress.Failed,
			&r.Progress.InProgress, &r.Progress.Pending, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		r.Status = orchestrator.RunStatus(status)
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}

	return runs, nil
}

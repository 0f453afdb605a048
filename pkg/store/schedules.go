package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

type ScheduleRepo struct {
	db *sql.DB
}

func (r *ScheduleRepo) Create(ctx context.Context, s *Schedule) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	template, err := marshalJSON(s.Template)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO schedules (id, kind, expression, timezone, template,
			next_run_ms, last_run_ms, enabled)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.Kind, s.Expression, s.Timezone, template, s.NextRunMs,
		s.LastRunMs, s.Enabled)
	if err != nil {
		return fmt.Errorf("create schedule: %w", err)
	}
	return nil
}

func (r *ScheduleRepo) Get(ctx context.Context, id string) (*Schedule, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, kind, expression, timezone, template, next_run_ms,
			last_run_ms, enabled
		FROM schedules WHERE id = ?`, id)
	return scanSchedule(row)
}

func (r *ScheduleRepo) Update(ctx context.Context, s *Schedule) error {
	template, err := marshalJSON(s.Template)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE schedules SET kind = ?, expression = ?, timezone = ?,
			template = ?, next_run_ms = ?, last_run_ms = ?, enabled = ?
		WHERE id = ?`,
		s.Kind, s.Expression, s.Timezone, template, s.NextRunMs, s.LastRunMs,
		s.Enabled, s.ID)
	if err != nil {
		return fmt.Errorf("update schedule: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("update schedule: no schedule with id %s", s.ID)
	}
	return nil
}

func (r *ScheduleRepo) List(ctx context.Context) ([]*Schedule, error) {
	return r.query(ctx, ``)
}

// GetDue returns enabled schedules whose next run is at or before now.
func (r *ScheduleRepo) GetDue(ctx context.Context, now int64) ([]*Schedule, error) {
	return r.query(ctx, `WHERE enabled = 1 AND next_run_ms <= ?`, now)
}

func (r *ScheduleRepo) Delete(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete schedule: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r *ScheduleRepo) query(ctx context.Context, where string, args ...any) ([]*Schedule, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, kind, expression, timezone, template, next_run_ms,
			last_run_ms, enabled
		FROM schedules `+where+` ORDER BY next_run_ms ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("query schedules: %w", err)
	}
	defer rows.Close()

	var schedules []*Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, s)
	}
	return schedules, rows.Err()
}

func scanSchedule(row rowScanner) (*Schedule, error) {
	var s Schedule
	var template string
	err := row.Scan(&s.ID, &s.Kind, &s.Expression, &s.Timezone, &template,
		&s.NextRunMs, &s.LastRunMs, &s.Enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan schedule: %w", err)
	}
	if template != "" {
		if err := json.Unmarshal([]byte(template), &s.Template); err != nil {
			return nil, fmt.Errorf("unmarshal template: %w", err)
		}
	}
	return &s, nil
}

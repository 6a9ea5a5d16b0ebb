package sqlsink

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rocketship-ai/rpreport/pkg/sink"
)

type LaunchRow struct {
	ID          string         `db:"id"`
	Name        string         `db:"name"`
	Description string         `db:"description"`
	Mode        string         `db:"mode"`
	Attributes  string         `db:"attributes"`
	Rerun       bool           `db:"rerun"`
	RerunOf     string         `db:"rerun_of"`
	StartTime   int64          `db:"start_time"`
	EndTime     sql.NullInt64  `db:"end_time"`
	Status      sql.NullString `db:"status"`
}

func (r LaunchRow) Started() time.Time { return time.UnixMilli(r.StartTime) }

// DecodedAttributes returns the stored attribute list.
func (r LaunchRow) DecodedAttributes() ([]sink.Attribute, error) {
	var attrs []sink.Attribute
	if err := json.Unmarshal([]byte(r.Attributes), &attrs); err != nil {
		return nil, fmt.Errorf("failed to decode attributes of launch %s: %w", r.ID, err)
	}
	return attrs, nil
}

type ItemRow struct {
	ID           string         `db:"id"`
	LaunchID     string         `db:"launch_id"`
	ParentID     sql.NullString `db:"parent_id"`
	Name         string         `db:"name"`
	Type         string         `db:"type"`
	Description  string         `db:"description"`
	CodeRef      string         `db:"code_ref"`
	TestCaseID   string         `db:"test_case_id"`
	HasStats     bool           `db:"has_stats"`
	Retry        bool           `db:"retry"`
	Attributes   string         `db:"attributes"`
	Parameters   string         `db:"parameters"`
	StartTime    int64          `db:"start_time"`
	EndTime      sql.NullInt64  `db:"end_time"`
	Status       sql.NullString `db:"status"`
	IssueType    sql.NullString `db:"issue_type"`
	IssueComment sql.NullString `db:"issue_comment"`
}

// DecodedParameters returns the stored parameter map.
func (r ItemRow) DecodedParameters() (map[string]string, error) {
	params := map[string]string{}
	if err := json.Unmarshal([]byte(r.Parameters), &params); err != nil {
		return nil, fmt.Errorf("failed to decode parameters of item %s: %w", r.ID, err)
	}
	return params, nil
}

type LogRow struct {
	ID             int64          `db:"id"`
	LaunchID       sql.NullString `db:"launch_id"`
	ItemID         sql.NullString `db:"item_id"`
	Time           int64          `db:"time"`
	Level          string         `db:"level"`
	Message        string         `db:"message"`
	AttachmentID   sql.NullString `db:"attachment_id"`
	AttachmentName sql.NullString `db:"attachment_name"`
}

// Summary counts the test items (has_stats) of a launch by status.
type Summary struct {
	Total       int `db:"total"`
	Passed      int `db:"passed"`
	Failed      int `db:"failed"`
	Skipped     int `db:"skipped"`
	Interrupted int `db:"interrupted"`
}

func (s *Store) Launches(ctx context.Context) ([]LaunchRow, error) {
	var rows []LaunchRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM launches ORDER BY start_time, rowid`); err != nil {
		return nil, fmt.Errorf("failed to list launches: %w", err)
	}
	return rows, nil
}

func (s *Store) Launch(ctx context.Context, id string) (LaunchRow, error) {
	var row LaunchRow
	if err := s.db.GetContext(ctx, &row, `SELECT * FROM launches WHERE id = ?`, id); err != nil {
		return LaunchRow{}, fmt.Errorf("failed to load launch %s: %w", id, err)
	}
	return row, nil
}

// Items returns the items of a launch in the order they were started.
func (s *Store) Items(ctx context.Context, launchID string) ([]ItemRow, error) {
	var rows []ItemRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM items WHERE launch_id = ? ORDER BY rowid`, launchID); err != nil {
		return nil, fmt.Errorf("failed to list items: %w", err)
	}
	return rows, nil
}

// Logs returns the logs of a launch, item-level and launch-level alike, in
// insertion order.
func (s *Store) Logs(ctx context.Context, launchID string) ([]LogRow, error) {
	var rows []LogRow
	err := s.db.SelectContext(ctx, &rows, `
        SELECT l.id, l.launch_id, l.item_id, l.time, l.level, l.message, l.attachment_id, a.name AS attachment_name
        FROM logs l
        LEFT JOIN attachments a ON a.id = l.attachment_id
        WHERE l.launch_id = ?
        ORDER BY l.id`, launchID)
	if err != nil {
		return nil, fmt.Errorf("failed to list logs: %w", err)
	}
	return rows, nil
}

// AttachmentData returns the stored bytes of an attachment.
func (s *Store) AttachmentData(ctx context.Context, id string) ([]byte, error) {
	var data []byte
	if err := s.db.GetContext(ctx, &data, `SELECT data FROM attachments WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("failed to load attachment %s: %w", id, err)
	}
	return data, nil
}

func (s *Store) Summary(ctx context.Context, launchID string) (Summary, error) {
	var sum Summary
	err := s.db.GetContext(ctx, &sum, `
        SELECT COUNT(1) AS total,
               COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS passed,
               COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS failed,
               COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS skipped,
               COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS interrupted
        FROM items
        WHERE launch_id = ? AND has_stats = 1 AND type <> ?`,
		string(sink.StatusPassed), string(sink.StatusFailed), string(sink.StatusSkipped), string(sink.StatusInterrupted),
		launchID, string(sink.TypeSuite))
	if err != nil {
		return Summary{}, fmt.Errorf("failed to summarize launch %s: %w", launchID, err)
	}
	return sum, nil
}

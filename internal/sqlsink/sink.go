package sqlsink

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/rocketship-ai/rpreport/pkg/sink"
)

func ms(t time.Time) int64 {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UnixMilli()
}

func jsonText(v interface{}, empty string) string {
	if v == nil {
		return empty
	}
	b, err := json.Marshal(v)
	if err != nil || string(b) == "null" {
		return empty
	}
	return string(b)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func (s *Store) StartLaunch(ctx context.Context, req sink.StartLaunchRequest) (string, error) {
	id := uuid.NewString()
	mode := string(req.Mode)
	if mode == "" {
		mode = string(sink.ModeDefault)
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO launches (id, name, description, mode, attributes, rerun, rerun_of, start_time)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, req.Name, req.Description, mode, jsonText(req.Attributes, "[]"), boolInt(req.Rerun), req.RerunOf, ms(req.StartTime))
	if err != nil {
		return "", &sink.Error{Op: sink.OpStartLaunch, Err: err}
	}
	return id, nil
}

func (s *Store) FinishLaunch(ctx context.Context, launchID string, req sink.FinishLaunchRequest) error {
	status := req.Status
	if status == "" {
		var err error
		if status, err = s.computeLaunchStatus(ctx, launchID); err != nil {
			return &sink.Error{Op: sink.OpFinishLaunch, Err: err}
		}
	}
	res, err := s.db.ExecContext(ctx, `UPDATE launches SET end_time = ?, status = ? WHERE id = ?`, ms(req.EndTime), string(status), launchID)
	if err != nil {
		return &sink.Error{Op: sink.OpFinishLaunch, Err: err}
	}
	return expectOne(res, sink.OpFinishLaunch, "launch", launchID)
}

// computeLaunchStatus derives a launch status the way the service would when
// none is given: failed if any test failed, passed otherwise.
func (s *Store) computeLaunchStatus(ctx context.Context, launchID string) (sink.Status, error) {
	var failed int
	if err := s.db.GetContext(ctx, &failed, `SELECT COUNT(1) FROM items WHERE launch_id = ? AND status IN (?, ?)`,
		launchID, string(sink.StatusFailed), string(sink.StatusInterrupted)); err != nil {
		return "", err
	}
	if failed > 0 {
		return sink.StatusFailed, nil
	}
	return sink.StatusPassed, nil
}

func (s *Store) StartItem(ctx context.Context, req sink.StartItemRequest) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO items (id, launch_id, parent_id, name, type, description, code_ref, test_case_id,
                           has_stats, retry, attributes, parameters, start_time)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, req.LaunchID, nullString(req.ParentID), req.Name, string(req.Type), req.Description, req.CodeRef, req.TestCaseID,
		boolInt(req.HasStats), boolInt(req.Retry), jsonText(req.Attributes, "[]"), jsonText(req.Parameters, "{}"), ms(req.StartTime))
	if err != nil {
		return "", &sink.Error{Op: sink.OpStartItem, Err: err}
	}
	return id, nil
}

func (s *Store) FinishItem(ctx context.Context, itemID string, req sink.FinishItemRequest) error {
	var issueType, issueComment interface{}
	if req.Issue != nil {
		issueType = req.Issue.Type
		issueComment = nullString(req.Issue.Comment)
	}
	status := req.Status
	if status == "" {
		status = sink.StatusPassed
	}
	res, err := s.db.ExecContext(ctx, `
        UPDATE items SET end_time = ?, status = ?, issue_type = ?, issue_comment = ?,
                         description = CASE WHEN ? = '' THEN description ELSE ? END
        WHERE id = ? AND end_time IS NULL`,
		ms(req.EndTime), string(status), issueType, issueComment, req.Description, req.Description, itemID)
	if err != nil {
		return &sink.Error{Op: sink.OpFinishItem, Err: err}
	}
	return expectOne(res, sink.OpFinishItem, "open item", itemID)
}

func (s *Store) Log(ctx context.Context, entry sink.LogEntry) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return &sink.Error{Op: sink.OpLog, Err: err}
	}
	if err := insertLog(ctx, tx, entry); err != nil {
		_ = tx.Rollback()
		return &sink.Error{Op: sink.OpLog, Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &sink.Error{Op: sink.OpLog, Err: err}
	}
	return nil
}

// LogBatch stores every entry in one transaction: either all of them land or
// none do.
func (s *Store) LogBatch(ctx context.Context, entries []sink.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return &sink.Error{Op: sink.OpLogBatch, Err: err}
	}
	for i, e := range entries {
		if err := insertLog(ctx, tx, e); err != nil {
			_ = tx.Rollback()
			return &sink.Error{Op: sink.OpLogBatch, Err: fmt.Errorf("entry %d: %w", i, err)}
		}
	}
	if err := tx.Commit(); err != nil {
		return &sink.Error{Op: sink.OpLogBatch, Err: err}
	}
	return nil
}

func insertLog(ctx context.Context, tx *sqlx.Tx, e sink.LogEntry) error {
	var attachmentID interface{}
	if a := e.Attachment; a != nil {
		id := uuid.NewString()
		mimeType := a.MimeType
		if mimeType == "" {
			mimeType = "application/octet-stream"
		}
		data := a.Data
		if data == nil {
			data = []byte{}
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO attachments (id, name, mime_type, data) VALUES (?, ?, ?, ?)`,
			id, a.Name, mimeType, data); err != nil {
			return fmt.Errorf("failed to store attachment %s: %w", a.Name, err)
		}
		attachmentID = id
	}
	level := e.Level
	if level == "" {
		level = sink.LevelInfo
	}
	_, err := tx.ExecContext(ctx, `
        INSERT INTO logs (launch_id, item_id, time, level, message, attachment_id)
        VALUES (?, ?, ?, ?, ?, ?)`,
		nullString(e.LaunchID), nullString(e.ItemID), ms(e.Time), string(level), e.Message, attachmentID)
	return err
}

func expectOne(res sql.Result, op, what, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return &sink.Error{Op: op, Err: err}
	}
	if n == 0 {
		return &sink.Error{Op: op, Message: fmt.Sprintf("%s not found: %s", what, id)}
	}
	return nil
}

// Package ledger 派发账本
//
// 队列是至少一次投递：租约过期后同一条目可能再次被弹出。
// Agent 在派发前查账，已派发的条目只确认不重复启动。
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"launch-agent/internal/shared/storage"
)

// Status 条目派发状态
type Status string

const (
	StatusPending    Status = "pending"
	StatusDispatched Status = "dispatched"
	StatusFailed     Status = "failed"
)

// Entry 账本记录
type Entry struct {
	ItemID    string
	Queue     string
	Status    Status
	Attempts  int
	RunID     string
	Backend   string
	JobID     string
	Error     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Ledger SQLite 账本
type Ledger struct {
	db *sql.DB
}

// Open 打开账本
func Open(dsn string) (*Ledger, error) {
	db, err := openSQLite(dsn)
	if err != nil {
		return nil, err
	}
	return &Ledger{db: db}, nil
}

// Close 关闭
func (l *Ledger) Close() error {
	return l.db.Close()
}

// Begin 登记一次派发尝试并返回当前记录
//
// 记录已是 dispatched 时不修改，调用方据此跳过派发。
func (l *Ledger) Begin(ctx context.Context, itemID, queueName string) (*Entry, error) {
	_, err := l.db.ExecContext(ctx, `
INSERT INTO dispatches (item_id, queue, status, attempts) VALUES (?, ?, 'pending', 1)
ON CONFLICT (item_id) DO UPDATE SET
    attempts = attempts + 1,
    updated_at = datetime('now')
WHERE status != 'dispatched'`, itemID, queueName)
	if err != nil {
		return nil, fmt.Errorf("ledger begin %s: %w", itemID, err)
	}
	return l.Get(ctx, itemID)
}

// MarkDispatched 标记已派发
func (l *Ledger) MarkDispatched(ctx context.Context, itemID, runID, backend, jobID string) error {
	return l.update(ctx, itemID, `
UPDATE dispatches SET status = 'dispatched', run_id = ?, backend = ?, job_id = ?, error = NULL, updated_at = datetime('now')
WHERE item_id = ?`, runID, backend, jobID, itemID)
}

// MarkFailed 标记派发失败
func (l *Ledger) MarkFailed(ctx context.Context, itemID, reason string) error {
	return l.update(ctx, itemID, `
UPDATE dispatches SET status = 'failed', error = ?, updated_at = datetime('now')
WHERE item_id = ? AND status != 'dispatched'`, reason, itemID)
}

func (l *Ledger) update(ctx context.Context, itemID, query string, args ...any) error {
	res, err := l.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("ledger update %s: %w", itemID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := l.Get(ctx, itemID); err != nil {
			return err
		}
		return fmt.Errorf("ledger update %s: %w", itemID, storage.ErrConflict)
	}
	return nil
}

// Get 查询记录
func (l *Ledger) Get(ctx context.Context, itemID string) (*Entry, error) {
	var (
		e                          Entry
		status                     string
		runID, backend, jobID, msg sql.NullString
		created, updated           sql.NullString
	)
	err := l.db.QueryRowContext(ctx, `
SELECT item_id, queue, status, attempts, run_id, backend, job_id, error, created_at, updated_at
FROM dispatches WHERE item_id = ?`, itemID).Scan(
		&e.ItemID, &e.Queue, &status, &e.Attempts, &runID, &backend, &jobID, &msg, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("ledger entry %s: %w", itemID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("ledger get %s: %w", itemID, err)
	}
	e.Status = Status(status)
	e.RunID = runID.String
	e.Backend = backend.String
	e.JobID = jobID.String
	e.Error = msg.String
	e.CreatedAt = parseTime(created.String)
	e.UpdatedAt = parseTime(updated.String)
	return &e, nil
}

// parseTime 兼容 datetime('now') 文本与驱动转换后的 RFC3339
func parseTime(s string) time.Time {
	for _, layout := range []string{"2006-01-02 15:04:05", time.RFC3339Nano} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// Prune 删除早于 before 的终态记录
func (l *Ledger) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := l.db.ExecContext(ctx, `
DELETE FROM dispatches WHERE status != 'pending' AND updated_at < ?`, before.UTC().Format("2006-01-02 15:04:05"))
	if err != nil {
		return 0, fmt.Errorf("ledger prune: %w", err)
	}
	return res.RowsAffected()
}

// Counts 各状态记录数
func (l *Ledger) Counts(ctx context.Context) (map[Status]int, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM dispatches GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("ledger counts: %w", err)
	}
	defer rows.Close()

	out := make(map[Status]int)
	for rows.Next() {
		var s string
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		out[Status(s)] = n
	}
	return out, rows.Err()
}

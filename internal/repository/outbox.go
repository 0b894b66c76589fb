package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/lvdashuaibi/realpick/internal/model"
)

const outboxColumns = `id, event_type, aggregate_id, payload, status, attempts, last_error, next_attempt_at, created_at, sent_at`

func (r *SQLRepository) insertOutboxTx(ctx context.Context, tx *sql.Tx, msg *model.OutboxMessage) error {
	now := r.timestamp()
	msg.CreatedAt = now
	msg.Status = model.OutboxPending
	if msg.NextAttemptAt.IsZero() {
		msg.NextAttemptAt = now
	}
	result, err := tx.ExecContext(ctx,
		`INSERT INTO notification_outbox (event_type, aggregate_id, payload, status, attempts, next_attempt_at, created_at)
		VALUES (?, ?, ?, ?, 0, ?, ?)`,
		msg.EventType, msg.AggregateID, string(msg.Payload), msg.Status, dbTime(msg.NextAttemptAt), msg.CreatedAt)
	if err != nil {
		return persistence("写入通知发件箱失败", err)
	}
	if msg.ID, err = result.LastInsertId(); err != nil {
		return persistence("获取发件箱ID失败", err)
	}
	return nil
}

// EnqueueOutbox 单独写入一条待投递通知
func (r *SQLRepository) EnqueueOutbox(ctx context.Context, msg *model.OutboxMessage) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		return r.insertOutboxTx(ctx, tx, msg)
	})
}

// FetchDueOutbox 到期待投递的通知，按写入顺序
func (r *SQLRepository) FetchDueOutbox(ctx context.Context, now time.Time, limit int) ([]*model.OutboxMessage, error) {
	rows, err := r.masterDB.QueryContext(ctx,
		`SELECT `+outboxColumns+` FROM notification_outbox
		WHERE status = ? AND next_attempt_at <= ? ORDER BY id LIMIT ?`,
		model.OutboxPending, dbTime(now), limit)
	if err != nil {
		return nil, persistence("查询待投递通知失败", err)
	}
	defer rows.Close()

	var messages []*model.OutboxMessage
	for rows.Next() {
		var (
			msg       model.OutboxMessage
			payload   string
			lastError sql.NullString
			sentAt    sql.NullTime
		)
		if err := rows.Scan(&msg.ID, &msg.EventType, &msg.AggregateID, &payload, &msg.Status, &msg.Attempts,
			&lastError, &msg.NextAttemptAt, &msg.CreatedAt, &sentAt); err != nil {
			return nil, persistence("扫描待投递通知失败", err)
		}
		msg.Payload = []byte(payload)
		msg.LastError = lastError.String
		msg.SentAt = timePtr(sentAt)
		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, persistence("迭代待投递通知失败", err)
	}
	return messages, nil
}

// MarkOutboxSent 投递成功
func (r *SQLRepository) MarkOutboxSent(ctx context.Context, id int64) error {
	now := r.timestamp()
	if _, err := r.masterDB.ExecContext(ctx,
		`UPDATE notification_outbox SET status = ?, sent_at = ?, attempts = attempts + 1 WHERE id = ?`,
		model.OutboxSent, now, id); err != nil {
		return persistence("更新通知投递状态失败", err)
	}
	return nil
}

// MarkOutboxRetry 投递失败，记录错误并安排下一次重试；giveUp 为 true 时不再重试
func (r *SQLRepository) MarkOutboxRetry(ctx context.Context, id int64, lastErr string, nextAttempt time.Time, giveUp bool) error {
	status := model.OutboxPending
	if giveUp {
		status = model.OutboxFailed
	}
	if _, err := r.masterDB.ExecContext(ctx,
		`UPDATE notification_outbox SET status = ?, attempts = attempts + 1, last_error = ?, next_attempt_at = ? WHERE id = ?`,
		status, lastErr, dbTime(nextAttempt), id); err != nil {
		return persistence("更新通知重试状态失败", err)
	}
	return nil
}

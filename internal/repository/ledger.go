package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/lvdashuaibi/realpick/internal/model"
)

const pointLogColumns = `id, user_id, diff, reason, mission_id, mission_type, metadata, balance_after, created_at`

// CreditPoints 积分记账，余额变动与流水在同一事务内
func (r *SQLRepository) CreditPoints(ctx context.Context, entry *model.PointLog) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		return r.creditTx(ctx, tx, entry)
	})
}

// creditTx 锁定用户行，余额不低于0，写入流水并回填 ID / BalanceAfter / CreatedAt
func (r *SQLRepository) creditTx(ctx context.Context, tx *sql.Tx, entry *model.PointLog) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	now := r.timestamp()
	entry.CreatedAt = now

	if _, err := tx.ExecContext(ctx,
		r.dialect.insertIgnore+` INTO users (id, points, created_at, updated_at) VALUES (?, 0, ?, ?)`,
		entry.UserID, now, now); err != nil {
		return persistence("初始化用户积分失败", err)
	}

	var points int
	if err := tx.QueryRowContext(ctx,
		`SELECT points FROM users WHERE id = ?`+r.dialect.forUpdate, entry.UserID).Scan(&points); err != nil {
		return persistence(fmt.Sprintf("查询用户 %s 积分失败", entry.UserID), err)
	}

	balance := points + entry.Diff
	if balance < 0 {
		balance = 0
	}
	entry.BalanceAfter = balance

	if _, err := tx.ExecContext(ctx,
		`UPDATE users SET points = ?, updated_at = ? WHERE id = ?`, balance, now, entry.UserID); err != nil {
		return persistence(fmt.Sprintf("更新用户 %s 积分失败", entry.UserID), err)
	}

	var (
		missionType sql.NullString
		metadata    sql.NullString
	)
	if entry.MissionType != nil {
		missionType = sql.NullString{String: string(*entry.MissionType), Valid: true}
	}
	if len(entry.Metadata) > 0 {
		encoded, err := encodeJSON(entry.Metadata)
		if err != nil {
			return err
		}
		metadata = sql.NullString{String: encoded, Valid: true}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO point_logs (`+pointLogColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.UserID, entry.Diff, entry.Reason, nullableString(entry.MissionID), missionType,
		metadata, entry.BalanceAfter, entry.CreatedAt); err != nil {
		return persistence("写入积分流水失败", err)
	}
	return nil
}

// GetUserPoints 用户当前积分，不存在的用户视为0
func (r *SQLRepository) GetUserPoints(ctx context.Context, userID string) (int, error) {
	var points int
	err := r.masterDB.QueryRowContext(ctx, `SELECT points FROM users WHERE id = ?`, userID).Scan(&points)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, persistence("查询用户积分失败", err)
	}
	return points, nil
}

// ListTopVoters 参与过任务的用户按当前积分排序，单轮与配对投票都计入
func (r *SQLRepository) ListTopVoters(ctx context.Context, missionID string, limit int) ([]*model.Balance, error) {
	rows, err := r.slaveDB.QueryContext(ctx,
		`SELECT v.user_id, COALESCE(u.points, 0) AS points
		FROM (SELECT user_id FROM votes WHERE mission_id = ?
			UNION SELECT user_id FROM couple_votes WHERE mission_id = ?) v
		LEFT JOIN users u ON u.id = v.user_id
		ORDER BY points DESC, v.user_id
		LIMIT ?`,
		missionID, missionID, limit)
	if err != nil {
		return nil, persistence("查询任务积分排行失败", err)
	}
	defer rows.Close()

	var voters []*model.Balance
	for rows.Next() {
		var b model.Balance
		if err := rows.Scan(&b.UserID, &b.Points); err != nil {
			return nil, persistence("扫描积分排行失败", err)
		}
		b.Tier = model.TierFor(b.Points)
		voters = append(voters, &b)
	}
	if err := rows.Err(); err != nil {
		return nil, persistence("迭代积分排行失败", err)
	}
	return voters, nil
}

// ListPointLogsByUser 用户积分流水，按时间倒序
func (r *SQLRepository) ListPointLogsByUser(ctx context.Context, userID string, limit int) ([]*model.PointLog, error) {
	return r.listPointLogs(ctx,
		`SELECT `+pointLogColumns+` FROM point_logs WHERE user_id = ? ORDER BY created_at DESC, id LIMIT ?`,
		userID, limit)
}

// ListPointLogsByMission 任务相关的积分流水
func (r *SQLRepository) ListPointLogsByMission(ctx context.Context, missionID string) ([]*model.PointLog, error) {
	return r.listPointLogs(ctx,
		`SELECT `+pointLogColumns+` FROM point_logs WHERE mission_id = ? ORDER BY created_at, id`, missionID)
}

func (r *SQLRepository) listPointLogs(ctx context.Context, query string, args ...any) ([]*model.PointLog, error) {
	rows, err := r.slaveDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, persistence("查询积分流水失败", err)
	}
	defer rows.Close()

	var logs []*model.PointLog
	for rows.Next() {
		var (
			entry       model.PointLog
			missionID   sql.NullString
			missionType sql.NullString
			metadata    sql.NullString
		)
		if err := rows.Scan(&entry.ID, &entry.UserID, &entry.Diff, &entry.Reason, &missionID, &missionType,
			&metadata, &entry.BalanceAfter, &entry.CreatedAt); err != nil {
			return nil, persistence("扫描积分流水失败", err)
		}
		entry.MissionID = stringPtr(missionID)
		if missionType.Valid {
			mt := model.MissionType(missionType.String)
			entry.MissionType = &mt
		}
		if metadata.Valid {
			if err := decodeJSON(metadata.String, &entry.Metadata); err != nil {
				return nil, err
			}
		}
		logs = append(logs, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, persistence("迭代积分流水失败", err)
	}
	return logs, nil
}

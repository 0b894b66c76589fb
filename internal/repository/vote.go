package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lvdashuaibi/realpick/internal/apperr"
	"github.com/lvdashuaibi/realpick/internal/model"
)

const voteColumns = `id, user_id, mission_id, selected_option, is_correct, points_earned, submitted_at, updated_at, settled_at`

// InsertVote 在一个事务内写入投票、累加参与人数，并按需记入参与积分。
// 任务行在事务内加锁，已结算或已截止时返回 Conflict；
// (user_id, mission_id) 唯一约束冲突同样返回 Conflict。
func (r *SQLRepository) InsertVote(ctx context.Context, v *model.Vote, credit *model.PointLog) error {
	selected, err := v.Selected.MarshalJSON()
	if err != nil {
		return err
	}
	now := r.timestamp()
	v.SubmittedAt, v.UpdatedAt = now, now

	return r.withTx(ctx, func(tx *sql.Tx) error {
		if err := r.lockOpenMission(ctx, tx, v.MissionID, now); err != nil {
			return err
		}
		result, err := tx.ExecContext(ctx,
			`INSERT INTO votes (user_id, mission_id, selected_option, is_correct, points_earned, submitted_at, updated_at)
			VALUES (?, ?, ?, NULL, ?, ?, ?)`,
			v.UserID, v.MissionID, string(selected), v.PointsEarned, v.SubmittedAt, v.UpdatedAt)
		if err != nil {
			if r.dialect.isDuplicate(err) {
				return apperr.Newf(apperr.Conflict, "用户 %s 已对任务 %s 投票", v.UserID, v.MissionID)
			}
			return persistence("写入投票失败", err)
		}
		if v.ID, err = result.LastInsertId(); err != nil {
			return persistence("获取投票ID失败", err)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE missions SET stats_participants = stats_participants + 1, updated_at = ? WHERE id = ?`,
			now, v.MissionID); err != nil {
			return persistence("更新参与人数失败", err)
		}

		if credit != nil {
			return r.creditTx(ctx, tx, credit)
		}
		return nil
	})
}

// GetVote 查询用户在任务下的投票
func (r *SQLRepository) GetVote(ctx context.Context, userID, missionID string) (*model.Vote, error) {
	row := r.masterDB.QueryRowContext(ctx,
		`SELECT `+voteColumns+` FROM votes WHERE user_id = ? AND mission_id = ?`, userID, missionID)
	v, err := scanVote(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.Newf(apperr.NotFound, "用户 %s 未对任务 %s 投票", userID, missionID)
		}
		return nil, persistence("查询投票失败", err)
	}
	return v, nil
}

// UpdateVoteSelection 修改作答，不影响参与人数。
// 投票已结算或任务已关闭时返回 Conflict，条件写在同一条 UPDATE 里。
func (r *SQLRepository) UpdateVoteSelection(ctx context.Context, userID, missionID string, answer model.Answer) (*model.Vote, error) {
	selected, err := answer.MarshalJSON()
	if err != nil {
		return nil, err
	}

	now := r.timestamp()
	result, err := r.masterDB.ExecContext(ctx,
		`UPDATE votes SET selected_option = ?, updated_at = ?
		WHERE user_id = ? AND mission_id = ? AND settled_at IS NULL
		AND mission_id IN (SELECT id FROM missions WHERE id = ? AND status = ? AND deadline > ?)`,
		string(selected), now, userID, missionID, missionID, string(model.StatusOpen), now)
	if err != nil {
		return nil, persistence("更新投票失败", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		// 区分未投票与已关闭
		if _, err := r.GetVote(ctx, userID, missionID); err != nil {
			return nil, err
		}
		return nil, apperr.Newf(apperr.Conflict, "任务 %s 已截止或已结算，不能修改作答", missionID)
	}
	return r.GetVote(ctx, userID, missionID)
}

// lockOpenMission 在事务内锁定任务行，任务不再接受投票时返回 Conflict
func (r *SQLRepository) lockOpenMission(ctx context.Context, tx *sql.Tx, missionID string, now time.Time) error {
	var (
		status   string
		deadline time.Time
	)
	err := tx.QueryRowContext(ctx,
		`SELECT status, deadline FROM missions WHERE id = ?`+r.dialect.forUpdate, missionID).Scan(&status, &deadline)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return apperr.Newf(apperr.NotFound, "任务 %s 不存在", missionID)
	case err != nil:
		return persistence("查询任务状态失败", err)
	}
	m := model.Mission{ID: missionID, Status: model.MissionStatus(status), Deadline: deadline}
	if !m.AcceptsVotesAt(now) {
		return apperr.Newf(apperr.Conflict, "任务 %s 已截止或已结算，不再接受投票", missionID)
	}
	return nil
}

// ListVotes 任务下的全部投票
func (r *SQLRepository) ListVotes(ctx context.Context, missionID string) ([]*model.Vote, error) {
	rows, err := r.masterDB.QueryContext(ctx,
		`SELECT `+voteColumns+` FROM votes WHERE mission_id = ? ORDER BY id`, missionID)
	if err != nil {
		return nil, persistence("查询任务投票失败", err)
	}
	defer rows.Close()

	var votes []*model.Vote
	for rows.Next() {
		v, err := scanVote(rows)
		if err != nil {
			return nil, persistence("扫描投票失败", err)
		}
		votes = append(votes, v)
	}
	if err := rows.Err(); err != nil {
		return nil, persistence("迭代投票失败", err)
	}
	return votes, nil
}

func scanVote(row rowScanner) (*model.Vote, error) {
	var (
		v         model.Vote
		selected  string
		isCorrect sql.NullBool
		settledAt sql.NullTime
	)
	if err := row.Scan(&v.ID, &v.UserID, &v.MissionID, &selected, &isCorrect, &v.PointsEarned,
		&v.SubmittedAt, &v.UpdatedAt, &settledAt); err != nil {
		return nil, err
	}
	answer, err := model.ParseAnswer([]byte(selected))
	if err != nil {
		return nil, err
	}
	v.Selected = answer
	v.IsCorrect = boolPtr(isCorrect)
	v.SettledAt = timePtr(settledAt)
	return &v, nil
}

// SettleVote 结算单条投票。settled_at 为空才会写入，积分记账在同一事务内完成。
// 返回 false 表示该投票已被结算过。
func (r *SQLRepository) SettleVote(ctx context.Context, s *model.VoteSettlement) (bool, error) {
	return r.settleRow(ctx, "votes", s)
}

// SettleCoupleVote 结算情侣配对投票
func (r *SQLRepository) SettleCoupleVote(ctx context.Context, s *model.VoteSettlement) (bool, error) {
	return r.settleRow(ctx, "couple_votes", s)
}

func (r *SQLRepository) settleRow(ctx context.Context, table string, s *model.VoteSettlement) (bool, error) {
	settledAt := s.SettledAt
	if settledAt.IsZero() {
		settledAt = r.now()
	}
	settledAt = dbTime(settledAt)

	applied := false
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx,
			`UPDATE `+table+` SET is_correct = ?, points_earned = ?, settled_at = ?, updated_at = ?
			WHERE id = ? AND settled_at IS NULL`,
			nullableBool(s.IsCorrect), s.PointsEarned, settledAt, settledAt, s.VoteID)
		if err != nil {
			return persistence("更新投票结算结果失败", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return persistence("获取更新结果失败", err)
		}
		if n == 0 {
			return nil
		}
		applied = true
		if s.Credit != nil {
			return r.creditTx(ctx, tx, s.Credit)
		}
		return nil
	})
	return applied, err
}

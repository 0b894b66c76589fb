package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lvdashuaibi/realpick/internal/apperr"
	"github.com/lvdashuaibi/realpick/internal/model"
)

const coupleVoteColumns = `id, user_id, mission_id, votes, is_correct, points_earned, submitted_at, updated_at, settled_at`

// errLostInsertRace 并发首次提交时唯一约束冲突，改走更新分支重试
var errLostInsertRace = errors.New("lost couple vote insert race")

// UpsertEpisodePick 写入某一回合的配对。用户首次提交时新建记录并累加任务参与人数，
// 之后只覆盖该回合的键，其他回合保持不变。返回 created 表示是否新建。
// 任务已结算时返回 Conflict。
func (r *SQLRepository) UpsertEpisodePick(ctx context.Context, userID, missionID string, episodeNo int, pick model.EpisodePick) (*model.CoupleVote, bool, error) {
	var (
		vote    *model.CoupleVote
		created bool
		err     error
	)
	for attempt := 0; attempt < 2; attempt++ {
		vote, created, err = r.upsertEpisodePick(ctx, userID, missionID, episodeNo, pick)
		if !errors.Is(err, errLostInsertRace) {
			break
		}
	}
	if errors.Is(err, errLostInsertRace) {
		return nil, false, apperr.Newf(apperr.Conflict, "用户 %s 的配对提交冲突，请重试", userID)
	}
	return vote, created, err
}

func (r *SQLRepository) upsertEpisodePick(ctx context.Context, userID, missionID string, episodeNo int, pick model.EpisodePick) (*model.CoupleVote, bool, error) {
	now := r.timestamp()
	pick.SubmittedAt = now

	var (
		vote    *model.CoupleVote
		created bool
	)
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		var status string
		err := tx.QueryRowContext(ctx,
			`SELECT status FROM couple_missions WHERE id = ?`+r.dialect.forUpdate, missionID).Scan(&status)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return apperr.Newf(apperr.NotFound, "配对任务 %s 不存在", missionID)
		case err != nil:
			return persistence("查询配对任务状态失败", err)
		case model.MissionStatus(status) != model.StatusOpen:
			return apperr.Newf(apperr.Conflict, "配对任务 %s 已结算", missionID)
		}

		row := tx.QueryRowContext(ctx,
			`SELECT `+coupleVoteColumns+` FROM couple_votes WHERE user_id = ? AND mission_id = ?`+r.dialect.forUpdate,
			userID, missionID)
		existing, err := scanCoupleVote(row)

		switch {
		case errors.Is(err, sql.ErrNoRows):
			vote = &model.CoupleVote{
				UserID:      userID,
				MissionID:   missionID,
				Votes:       map[int]model.EpisodePick{episodeNo: pick},
				SubmittedAt: now,
				UpdatedAt:   now,
			}
			encoded, err := encodeJSON(vote.Votes)
			if err != nil {
				return err
			}
			result, err := tx.ExecContext(ctx,
				`INSERT INTO couple_votes (user_id, mission_id, votes, is_correct, points_earned, submitted_at, updated_at)
				VALUES (?, ?, ?, NULL, 0, ?, ?)`,
				userID, missionID, encoded, now, now)
			if err != nil {
				if r.dialect.isDuplicate(err) {
					return errLostInsertRace
				}
				return persistence("写入配对投票失败", err)
			}
			if vote.ID, err = result.LastInsertId(); err != nil {
				return persistence("获取配对投票ID失败", err)
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE couple_missions SET stats_participants = stats_participants + 1, updated_at = ? WHERE id = ?`,
				now, missionID); err != nil {
				return persistence("更新参与人数失败", err)
			}
			created = true
			return nil

		case err != nil:
			return persistence("查询配对投票失败", err)
		}

		if existing.Votes == nil {
			existing.Votes = map[int]model.EpisodePick{}
		}
		existing.Votes[episodeNo] = pick
		existing.UpdatedAt = now
		encoded, err := encodeJSON(existing.Votes)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE couple_votes SET votes = ?, updated_at = ? WHERE id = ?`,
			encoded, now, existing.ID); err != nil {
			return persistence("更新配对投票失败", err)
		}
		vote = existing
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return vote, created, nil
}

// GetCoupleVote 查询用户的配对投票
func (r *SQLRepository) GetCoupleVote(ctx context.Context, userID, missionID string) (*model.CoupleVote, error) {
	row := r.masterDB.QueryRowContext(ctx,
		`SELECT `+coupleVoteColumns+` FROM couple_votes WHERE user_id = ? AND mission_id = ?`, userID, missionID)
	v, err := scanCoupleVote(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.Newf(apperr.NotFound, "用户 %s 未参与任务 %s", userID, missionID)
		}
		return nil, persistence("查询配对投票失败", err)
	}
	return v, nil
}

// ListCoupleVotes 任务下的全部配对投票
func (r *SQLRepository) ListCoupleVotes(ctx context.Context, missionID string) ([]*model.CoupleVote, error) {
	rows, err := r.masterDB.QueryContext(ctx,
		`SELECT `+coupleVoteColumns+` FROM couple_votes WHERE mission_id = ? ORDER BY id`, missionID)
	if err != nil {
		return nil, persistence("查询配对投票失败", err)
	}
	defer rows.Close()

	var votes []*model.CoupleVote
	for rows.Next() {
		v, err := scanCoupleVote(rows)
		if err != nil {
			return nil, persistence("扫描配对投票失败", err)
		}
		votes = append(votes, v)
	}
	if err := rows.Err(); err != nil {
		return nil, persistence("迭代配对投票失败", err)
	}
	return votes, nil
}

func scanCoupleVote(row rowScanner) (*model.CoupleVote, error) {
	var (
		v         model.CoupleVote
		votes     string
		isCorrect sql.NullBool
		settledAt sql.NullTime
	)
	if err := row.Scan(&v.ID, &v.UserID, &v.MissionID, &votes, &isCorrect, &v.PointsEarned,
		&v.SubmittedAt, &v.UpdatedAt, &settledAt); err != nil {
		return nil, err
	}
	v.Votes = map[int]model.EpisodePick{}
	if err := decodeJSON(votes, &v.Votes); err != nil {
		return nil, err
	}
	v.IsCorrect = boolPtr(isCorrect)
	v.SettledAt = timePtr(settledAt)
	return &v, nil
}

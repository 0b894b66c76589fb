package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lvdashuaibi/realpick/internal/apperr"
	"github.com/lvdashuaibi/realpick/internal/model"
)

const episodeColumns = `id, mission_id, episode_no, status, total_picks, participants, couple_pick_counts, created_at, updated_at`

// EnsureEpisode 回合记录按需创建，重复调用不会产生第二条
func (r *SQLRepository) EnsureEpisode(ctx context.Context, missionID string, episodeNo int) (*model.Episode, error) {
	now := r.timestamp()
	_, err := r.masterDB.ExecContext(ctx,
		r.dialect.insertIgnore+` INTO episodes (mission_id, episode_no, status, total_picks, participants, couple_pick_counts, created_at, updated_at)
		VALUES (?, ?, ?, 0, 0, '{}', ?, ?)`,
		missionID, episodeNo, string(model.EpisodeOpen), now, now)
	if err != nil {
		return nil, persistence("创建回合失败", err)
	}
	return r.GetEpisode(ctx, missionID, episodeNo)
}

// GetEpisode 查询回合
func (r *SQLRepository) GetEpisode(ctx context.Context, missionID string, episodeNo int) (*model.Episode, error) {
	row := r.masterDB.QueryRowContext(ctx,
		`SELECT `+episodeColumns+` FROM episodes WHERE mission_id = ? AND episode_no = ?`, missionID, episodeNo)
	ep, err := scanEpisode(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.Newf(apperr.NotFound, "任务 %s 第 %d 回合不存在", missionID, episodeNo)
		}
		return nil, persistence("查询回合失败", err)
	}
	return ep, nil
}

// ListEpisodes 任务下已创建的回合
func (r *SQLRepository) ListEpisodes(ctx context.Context, missionID string) ([]*model.Episode, error) {
	rows, err := r.slaveDB.QueryContext(ctx,
		`SELECT `+episodeColumns+` FROM episodes WHERE mission_id = ? ORDER BY episode_no`, missionID)
	if err != nil {
		return nil, persistence("查询回合列表失败", err)
	}
	defer rows.Close()

	var episodes []*model.Episode
	for rows.Next() {
		ep, err := scanEpisode(rows)
		if err != nil {
			return nil, persistence("扫描回合失败", err)
		}
		episodes = append(episodes, ep)
	}
	if err := rows.Err(); err != nil {
		return nil, persistence("迭代回合失败", err)
	}
	return episodes, nil
}

func scanEpisode(row rowScanner) (*model.Episode, error) {
	var (
		ep     model.Episode
		status string
		counts string
	)
	if err := row.Scan(&ep.ID, &ep.MissionID, &ep.EpisodeNo, &status, &ep.TotalPicks, &ep.Participants,
		&counts, &ep.CreatedAt, &ep.UpdatedAt); err != nil {
		return nil, err
	}
	ep.Status = model.EpisodeStatus(status)
	ep.CouplePickCounts = map[string]model.PairStat{}
	if err := decodeJSON(counts, &ep.CouplePickCounts); err != nil {
		return nil, err
	}
	return &ep, nil
}

// UpdateEpisodeStats 写回回合统计
func (r *SQLRepository) UpdateEpisodeStats(ctx context.Context, ep *model.Episode) error {
	counts, err := encodeJSON(ep.CouplePickCounts)
	if err != nil {
		return err
	}
	ep.UpdatedAt = r.timestamp()
	_, err = r.masterDB.ExecContext(ctx,
		`UPDATE episodes SET total_picks = ?, participants = ?, couple_pick_counts = ?, updated_at = ?
		WHERE mission_id = ? AND episode_no = ?`,
		ep.TotalPicks, ep.Participants, counts, ep.UpdatedAt, ep.MissionID, ep.EpisodeNo)
	if err != nil {
		return persistence("更新回合统计失败", err)
	}
	return nil
}

// TransitionEpisode 以 from 状态为条件推进回合，并在同一事务内同步任务上的回合状态表。
// 返回 false 表示回合当前不是 from 状态。
func (r *SQLRepository) TransitionEpisode(ctx context.Context, missionID string, episodeNo int, from, to model.EpisodeStatus) (bool, error) {
	now := r.timestamp()
	applied := false
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx,
			`UPDATE episodes SET status = ?, updated_at = ? WHERE mission_id = ? AND episode_no = ? AND status = ?`,
			string(to), now, missionID, episodeNo, string(from))
		if err != nil {
			return persistence("更新回合状态失败", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return persistence("获取更新结果失败", err)
		}
		if n == 0 {
			return nil
		}

		var raw string
		err = tx.QueryRowContext(ctx,
			`SELECT episode_statuses FROM couple_missions WHERE id = ?`+r.dialect.forUpdate, missionID).Scan(&raw)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return apperr.Newf(apperr.NotFound, "情侣配对任务 %s 不存在", missionID)
			}
			return persistence("查询回合状态表失败", err)
		}
		statuses := map[int]model.EpisodeStatus{}
		if err := decodeJSON(raw, &statuses); err != nil {
			return err
		}
		statuses[episodeNo] = to
		encoded, err := encodeJSON(statuses)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE couple_missions SET episode_statuses = ?, updated_at = ? WHERE id = ?`,
			encoded, now, missionID); err != nil {
			return persistence("同步回合状态表失败", err)
		}
		applied = true
		return nil
	})
	return applied, err
}
